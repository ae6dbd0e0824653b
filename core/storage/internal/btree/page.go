package btree

import (
	serrors "github.com/FocuswithJustin/pagestore/core/errors"
	"github.com/FocuswithJustin/pagestore/core/storage/internal/pager"
)

// MemPage is the parsed view of a b-tree page. It lives in the Extra
// slot of the cached page and borrows its buffer; the page reference is
// owned by whoever fetched the MemPage and must be released with
// releasePage.
type MemPage struct {
	bt   *BtShared
	pg   *pager.Page
	data []byte
	pgno Pgno

	isInit       bool
	intKey       bool // table tree
	intKeyLeaf   bool // table leaf: cells carry data
	leaf         bool
	hdrOffset    int // 100 on page 1
	childPtrSize int // 4 on interior pages
	maxLocal     int
	minLocal     int
	cellOffset   int // start of the cell pointer array
	nCell        int
	nFree        int
	busy         bool // being cleared; guards against cycles

	// Cells that did not fit, waiting for balance.
	nOverflow int
	ovfl      [4]overflowCell
}

type overflowCell struct {
	cell []byte
	idx  int
}

// cellRef locates one of the cells of a page awaiting balance, either
// in the content area or in an overflow slot.
type cellRef struct {
	onPage bool
	off    int
	ovfl   int
}

// Pgno returns the page number.
func (p *MemPage) Pgno() Pgno { return p.pgno }

// IsLeaf reports whether the page is a leaf.
func (p *MemPage) IsLeaf() bool { return p.leaf }

// NumCells returns the number of cells stored on the page.
func (p *MemPage) NumCells() int { return p.nCell }

// FreeBytes returns the free space on the page.
func (p *MemPage) FreeBytes() int { return p.nFree }

func (p *MemPage) decodeFlags(flags byte) error {
	bt := p.bt
	p.leaf = flags&ptfLeaf != 0
	p.childPtrSize = 0
	if !p.leaf {
		p.childPtrSize = 4
	}
	switch flags &^ ptfLeaf {
	case ptfLeafData | ptfIntKey:
		p.intKey = true
		p.intKeyLeaf = p.leaf
		p.maxLocal = bt.maxLeaf
		p.minLocal = bt.minLeaf
	case ptfZeroData:
		p.intKey = false
		p.intKeyLeaf = false
		p.maxLocal = bt.maxLocal
		p.minLocal = bt.minLocal
	default:
		return serrors.Corruptf(p.pgno, "invalid page type 0x%02x", flags)
	}
	return nil
}

// init parses and validates the page header and computes the free space.
func (p *MemPage) init() error {
	data := p.data
	hdr := p.hdrOffset
	if err := p.decodeFlags(data[hdr+hdrType]); err != nil {
		return err
	}
	p.cellOffset = hdr + 8 + p.childPtrSize
	p.nCell = get2(data[hdr+hdrNumCells:])
	if p.nCell > maxCells(p.bt.pageSize) {
		return serrors.Corruptf(p.pgno, "too many cells (%d)", p.nCell)
	}
	p.nOverflow = 0
	if err := p.computeFreeSpace(); err != nil {
		return err
	}
	p.isInit = true
	return nil
}

// contentStart returns the start of the cell content area. Zero on disk
// stands for 65536.
func (p *MemPage) contentStart() int {
	top := get2(p.data[p.hdrOffset+hdrCellStart:])
	if top == 0 && p.bt.usableSize == 65536 {
		return 65536
	}
	return top
}

// computeFreeSpace walks the freeblock list and sets nFree.
func (p *MemPage) computeFreeSpace() error {
	data := p.data
	hdr := p.hdrOffset
	usable := p.bt.usableSize
	top := get2(data[hdr+hdrCellStart:])
	if top == 0 {
		top = 65536
	}
	first := hdr + 8 + p.childPtrSize + 2*p.nCell
	last := usable - 4

	pc := get2(data[hdr+hdrFreeblock:])
	nFree := int(data[hdr+hdrFragmented]) + top
	if pc > 0 {
		if pc < top {
			return serrors.Corruptf(p.pgno, "freeblock %d before content start %d", pc, top)
		}
		var next, size int
		for {
			if pc > last {
				return serrors.Corruptf(p.pgno, "freeblock %d past end of page", pc)
			}
			next = get2(data[pc:])
			size = get2(data[pc+2:])
			nFree += size
			if next <= pc+size+3 {
				break
			}
			pc = next
		}
		if next > 0 {
			return serrors.Corruptf(p.pgno, "freeblocks out of order at %d", pc)
		}
		if pc+size > usable {
			return serrors.Corruptf(p.pgno, "freeblock %d extends past end of page", pc)
		}
	}
	if nFree > usable || nFree < first {
		return serrors.Corruptf(p.pgno, "free space %d out of range", nFree)
	}
	p.nFree = nFree - first
	return nil
}

// zero formats the page as an empty page of the given type.
func (p *MemPage) zero(flags byte) {
	bt := p.bt
	data := p.data
	hdr := p.hdrOffset
	if bt.secureDelete {
		clear(data[hdr:bt.usableSize])
	}
	data[hdr] = flags
	first := hdr + 12
	if flags&ptfLeaf != 0 {
		first = hdr + 8
	}
	clear(data[hdr+1 : hdr+5])
	data[hdr+hdrFragmented] = 0
	put2(data[hdr+hdrCellStart:], bt.usableSize)
	p.nFree = bt.usableSize - first
	p.decodeFlags(flags)
	p.cellOffset = first
	p.nCell = 0
	p.nOverflow = 0
	p.isInit = true
}

// cellOff returns the content offset of cell i.
func (p *MemPage) cellOff(i int) int {
	return get2(p.data[p.cellOffset+2*i:])
}

// findCell returns the bytes from the start of cell i to the end of the
// page. A pointer outside the content area yields an empty slice, which
// fails to parse.
func (p *MemPage) findCell(i int) []byte {
	off := p.cellOff(i)
	if off < p.cellOffset || off > p.bt.usableSize-4 {
		return nil
	}
	return p.data[off:p.bt.usableSize]
}

// childAt returns the left child of cell i, or the right child when i
// equals nCell.
func (p *MemPage) childAt(i int) (Pgno, error) {
	if i >= p.nCell {
		return get4(p.data[p.hdrOffset+hdrRightChild:]), nil
	}
	cell := p.findCell(i)
	if len(cell) < 4 {
		return 0, serrors.Corruptf(p.pgno, "cell %d out of bounds", i)
	}
	return get4(cell), nil
}

func (p *MemPage) rightChild() Pgno {
	return get4(p.data[p.hdrOffset+hdrRightChild:])
}

func (p *MemPage) setRightChild(pgno Pgno) {
	put4(p.data[p.hdrOffset+hdrRightChild:], pgno)
}

// locate maps index i over the cells of a page, overflow cells included,
// to where the cell is stored. Overflow cells occupy consecutive indexes
// starting at ovfl[0].idx.
func (p *MemPage) locate(i int) cellRef {
	if p.nOverflow == 0 || i < p.ovfl[0].idx {
		return cellRef{onPage: true, off: p.cellOff(i)}
	}
	if k := i - p.ovfl[0].idx; k < p.nOverflow {
		return cellRef{ovfl: k}
	}
	return cellRef{onPage: true, off: p.cellOff(i - p.nOverflow)}
}

// cellBytes returns a copy of the cell r refers to.
func (p *MemPage) cellBytes(r cellRef) ([]byte, error) {
	if !r.onPage {
		return append([]byte(nil), p.ovfl[r.ovfl].cell...), nil
	}
	usable := p.bt.usableSize
	if r.off < p.cellOffset || r.off > usable-4 {
		return nil, serrors.Corruptf(p.pgno, "cell offset %d out of bounds", r.off)
	}
	sz := p.cellSize(p.data[r.off:usable])
	if r.off+sz > usable {
		return nil, serrors.Corruptf(p.pgno, "cell at %d extends past end of page", r.off)
	}
	return append([]byte(nil), p.data[r.off:r.off+sz]...), nil
}

// allocateSpace reserves n bytes of content area and returns their
// offset. The caller has checked that nFree covers n plus a pointer.
func (p *MemPage) allocateSpace(n int) (int, error) {
	data := p.data
	hdr := p.hdrOffset

	if data[hdr+hdrFragmented] >= 60 {
		if err := p.defragment(); err != nil {
			return 0, err
		}
	}

	gap := p.cellOffset + 2*p.nCell
	top := get2(data[hdr+hdrCellStart:])
	if gap > top {
		if top == 0 && p.bt.usableSize == 65536 {
			top = 65536
		} else {
			return 0, serrors.Corruptf(p.pgno, "cell pointers overlap content")
		}
	} else if top > p.bt.usableSize {
		return 0, serrors.Corruptf(p.pgno, "content start %d past end of page", top)
	}

	// First fit from the freeblock list.
	if (data[hdr+hdrFreeblock] != 0 || data[hdr+hdrFreeblock+1] != 0) && gap+2 <= top {
		idx, err := p.findSlot(n)
		if err != nil {
			return 0, err
		}
		if idx > 0 {
			if idx <= gap {
				return 0, serrors.Corruptf(p.pgno, "freeblock overlaps cell pointers")
			}
			return idx, nil
		}
	}

	if gap+2+n > top {
		if err := p.defragment(); err != nil {
			return 0, err
		}
		top = p.contentStart()
	}
	top -= n
	put2(data[hdr+hdrCellStart:], top)
	return top, nil
}

// findSlot takes n bytes from the first large enough freeblock. It
// returns 0 if there is none.
func (p *MemPage) findSlot(n int) (int, error) {
	data := p.data
	hdr := p.hdrOffset
	addr := hdr + hdrFreeblock
	pc := get2(data[addr:])
	maxPC := p.bt.usableSize - n
	for pc <= maxPC {
		size := get2(data[pc+2:])
		if x := size - n; x >= 0 {
			if x < 4 {
				// The remainder becomes fragment bytes, unless that
				// would push the fragment count past what the header
				// can hold.
				if data[hdr+hdrFragmented] > 57 {
					return 0, nil
				}
				copy(data[addr:addr+2], data[pc:pc+2])
				data[hdr+hdrFragmented] += byte(x)
				return pc, nil
			}
			if x+pc > maxPC {
				return 0, serrors.Corruptf(p.pgno, "freeblock %d extends past end of page", pc)
			}
			put2(data[pc+2:], x)
			return pc + x, nil
		}
		addr = pc
		pc = get2(data[pc:])
		if pc <= addr+size {
			if pc != 0 {
				return 0, serrors.Corruptf(p.pgno, "freeblocks out of order at %d", addr)
			}
			return 0, nil
		}
	}
	if pc > maxPC+n-4 {
		return 0, serrors.Corruptf(p.pgno, "freeblock %d past end of page", pc)
	}
	return 0, nil
}

// freeSpace returns size bytes at start to the freeblock list, merging
// with neighbours. A block that ends up at the start of the content area
// is absorbed into the gap.
func (p *MemPage) freeSpace(start, size int) error {
	data := p.data
	hdr := p.hdrOffset
	usable := p.bt.usableSize
	origSize := size
	end := start + size
	last := usable - 4
	var nFrag int

	ptr := hdr + hdrFreeblock
	var free int
	if data[ptr] != 0 || data[ptr+1] != 0 {
		for {
			free = get2(data[ptr:])
			if free >= start {
				break
			}
			if free <= ptr {
				if free == 0 {
					break
				}
				return serrors.Corruptf(p.pgno, "freeblocks out of order at %d", ptr)
			}
			ptr = free
		}
		if free > last {
			return serrors.Corruptf(p.pgno, "freeblock %d past end of page", free)
		}

		// Coalesce with the following block.
		if free != 0 && end+3 >= free {
			nFrag = free - end
			if end > free {
				return serrors.Corruptf(p.pgno, "freed range overlaps freeblock %d", free)
			}
			end = free + get2(data[free+2:])
			if end > usable {
				return serrors.Corruptf(p.pgno, "freeblock %d extends past end of page", free)
			}
			size = end - start
			free = get2(data[free:])
		}

		// Coalesce with the preceding block.
		if ptr > hdr+hdrFreeblock {
			ptrEnd := ptr + get2(data[ptr+2:])
			if ptrEnd+3 >= start {
				if ptrEnd > start {
					return serrors.Corruptf(p.pgno, "freed range overlaps freeblock %d", ptr)
				}
				nFrag += start - ptrEnd
				size = end - ptr
				start = ptr
			}
		}
		if nFrag > int(data[hdr+hdrFragmented]) {
			return serrors.Corruptf(p.pgno, "fragment count underflow")
		}
		data[hdr+hdrFragmented] -= byte(nFrag)
	}

	if p.bt.secureDelete {
		clear(data[start : start+size])
	}

	top := p.contentStart()
	if start <= top {
		if start < top {
			return serrors.Corruptf(p.pgno, "freed range before content start")
		}
		if ptr != hdr+hdrFreeblock {
			return serrors.Corruptf(p.pgno, "freeblock list inconsistent with content start")
		}
		put2(data[hdr+hdrFreeblock:], free)
		put2(data[hdr+hdrCellStart:], end)
	} else {
		put2(data[ptr:], start)
		put2(data[start:], free)
		put2(data[start+2:], size)
	}
	p.nFree += origSize
	return nil
}

// defragment moves all cells to the end of the page so that the free
// space forms a single gap.
func (p *MemPage) defragment() error {
	bt := p.bt
	data := p.data
	hdr := p.hdrOffset
	usable := bt.usableSize
	first := p.cellOffset + 2*p.nCell
	last := usable - 4

	start := p.contentStart()
	if start > usable {
		return serrors.Corruptf(p.pgno, "content start %d past end of page", start)
	}
	tmp := bt.scratch
	copy(tmp[start:usable], data[start:usable])

	brk := usable
	for i := 0; i < p.nCell; i++ {
		ptr := p.cellOffset + 2*i
		pc := get2(data[ptr:])
		if pc < start || pc > last {
			return serrors.Corruptf(p.pgno, "cell %d offset %d out of bounds", i, pc)
		}
		sz := p.cellSize(tmp[pc:usable])
		brk -= sz
		if brk < first || pc+sz > usable {
			return serrors.Corruptf(p.pgno, "cell %d does not fit", i)
		}
		copy(data[brk:], tmp[pc:pc+sz])
		put2(data[ptr:], brk)
	}
	data[hdr+hdrFragmented] = 0
	put2(data[hdr+hdrCellStart:], brk)
	data[hdr+hdrFreeblock] = 0
	data[hdr+hdrFreeblock+1] = 0
	clear(data[first:brk])
	if brk-first != p.nFree {
		return serrors.Corruptf(p.pgno, "free space %d, expected %d", brk-first, p.nFree)
	}
	return nil
}

// insertCell inserts cell as cell i. A non-zero child is written over the
// first four bytes. When the page is full the cell is copied to an
// overflow slot and the caller must balance. The page must be writable.
func (p *MemPage) insertCell(i int, cell []byte, child Pgno) error {
	sz := len(cell)
	if p.nOverflow > 0 || sz+2 > p.nFree {
		if p.nOverflow >= len(p.ovfl) {
			return serrors.Corruptf(p.pgno, "too many overflow cells")
		}
		c := append([]byte(nil), cell...)
		if child != 0 {
			put4(c, child)
		}
		p.ovfl[p.nOverflow] = overflowCell{cell: c, idx: i}
		p.nOverflow++
		return nil
	}

	idx, err := p.allocateSpace(sz)
	if err != nil {
		return err
	}
	p.nFree -= 2 + sz
	copy(p.data[idx:], cell)
	if child != 0 {
		put4(p.data[idx:], child)
	}
	ptr := p.cellOffset + 2*i
	end := p.cellOffset + 2*p.nCell
	copy(p.data[ptr+2:end+2], p.data[ptr:end])
	put2(p.data[ptr:], idx)
	p.nCell++
	put2(p.data[p.hdrOffset+hdrNumCells:], p.nCell)

	if p.bt.autoVacuum {
		return p.bt.ptrmapPutOvflPtr(p, p.data[idx:idx+sz])
	}
	return nil
}

// dropCell removes cell i, which occupies sz bytes. The page must be
// writable.
func (p *MemPage) dropCell(i, sz int) error {
	data := p.data
	hdr := p.hdrOffset
	ptr := p.cellOffset + 2*i
	pc := get2(data[ptr:])
	if pc < p.cellOffset || pc+sz > p.bt.usableSize {
		return serrors.Corruptf(p.pgno, "cell %d out of bounds", i)
	}
	if err := p.freeSpace(pc, sz); err != nil {
		return err
	}
	p.nCell--
	if p.nCell == 0 {
		clear(data[hdr+1 : hdr+5])
		data[hdr+hdrFragmented] = 0
		put2(data[hdr+hdrCellStart:], p.bt.usableSize)
		p.nFree = p.bt.usableSize - hdr - p.childPtrSize - 8
		return nil
	}
	end := p.cellOffset + 2*(p.nCell+1)
	copy(data[ptr:end-2], data[ptr+2:end])
	put2(data[hdr+hdrNumCells:], p.nCell)
	p.nFree += 2
	return nil
}

// assemble lays out cells on a freshly zeroed page, packed at the end of
// the page in order.
func (p *MemPage) assemble(cells [][]byte) error {
	data := p.data
	hdr := p.hdrOffset
	top := p.bt.usableSize
	ptr := p.cellOffset
	for _, c := range cells {
		top -= len(c)
		if top < ptr+2 {
			return serrors.Corruptf(p.pgno, "cells do not fit")
		}
		copy(data[top:], c)
		put2(data[ptr:], top)
		ptr += 2
	}
	put2(data[hdr+hdrNumCells:], len(cells))
	put2(data[hdr+hdrCellStart:], top)
	data[hdr+hdrFreeblock] = 0
	data[hdr+hdrFreeblock+1] = 0
	data[hdr+hdrFragmented] = 0
	if p.bt.secureDelete {
		clear(data[ptr:top])
	}
	p.nCell = len(cells)
	p.nOverflow = 0
	p.nFree = top - ptr
	return nil
}
