package btree

import (
	serrors "github.com/FocuswithJustin/pagestore/core/errors"
	"github.com/FocuswithJustin/pagestore/internal/logging"
)

// balance restores the fill invariants starting at the cursor's page and
// working up toward the root. Pages with overflow cells are split; pages
// less than a third full are merged with their siblings. The cursor is
// left somewhere on the path to the root and is not positioned.
func (c *Cursor) balance() error {
	bt := c.bt
	for {
		p := c.page()
		if p.nOverflow == 0 && p.nFree*3 <= bt.usableSize*2 {
			return nil
		}
		if c.depth == 0 {
			// An underfull root is fine; an overfull one grows the tree.
			if p.nOverflow == 0 {
				return nil
			}
			child, err := bt.balanceDeeper(p)
			if err != nil {
				return err
			}
			c.depth = 1
			c.pages[1] = child
			c.ix[0] = 0
			c.ix[1] = 0
			continue
		}
		if p.pg.Refs() > 1 {
			// The page is its own ancestor.
			return serrors.Corruptf(p.pgno, "page referenced more than once during balance")
		}

		parent := c.pages[c.depth-1]
		idx := c.ix[c.depth-1]
		if err := bt.writable(parent); err != nil {
			return err
		}
		var err error
		if !noQuickBalance && p.intKeyLeaf && p.nOverflow == 1 && p.ovfl[0].idx == p.nCell &&
			parent.pgno != 1 && parent.nCell == idx {
			err = bt.balanceQuick(parent, p)
		} else {
			err = bt.balanceNonroot(parent, idx, c.depth == 1)
		}
		p.nOverflow = 0
		c.moveToParent()
		if err != nil {
			return err
		}
	}
}

// copyNodeContent copies the b-tree content of from onto to, which may
// have a different header offset.
func (bt *BtShared) copyNodeContent(from, to *MemPage) error {
	usable := bt.usableSize
	start := from.contentStart()
	if start > usable {
		return serrors.Corruptf(from.pgno, "content start %d past end of page", start)
	}
	n := from.cellOffset - from.hdrOffset + 2*from.nCell
	if to.hdrOffset+n > start {
		return serrors.Corruptf(from.pgno, "page content does not fit on page %d", to.pgno)
	}
	copy(to.data[start:usable], from.data[start:usable])
	copy(to.data[to.hdrOffset:to.hdrOffset+n], from.data[from.hdrOffset:from.hdrOffset+n])
	to.isInit = false
	if err := to.init(); err != nil {
		return err
	}
	if bt.autoVacuum {
		return bt.setChildPtrmaps(to)
	}
	return nil
}

// balanceDeeper moves the content of an overfull root, overflow cells
// included, to a new child and leaves the root as an empty interior page
// pointing at it. The child is returned referenced.
func (bt *BtShared) balanceDeeper(root *MemPage) (*MemPage, error) {
	if err := bt.writable(root); err != nil {
		return nil, err
	}
	child, pgno, err := bt.allocatePage(root.pgno, allocAny)
	if err != nil {
		return nil, err
	}
	if err := bt.copyNodeContent(root, child); err != nil {
		bt.releasePage(child)
		return nil, err
	}
	if bt.autoVacuum {
		if err := bt.ptrmapPut(pgno, ptrmapBtree, root.pgno); err != nil {
			bt.releasePage(child)
			return nil, err
		}
	}
	child.ovfl = root.ovfl
	child.nOverflow = root.nOverflow

	root.zero(child.data[child.hdrOffset] &^ ptfLeaf)
	root.setRightChild(pgno)
	logging.Balance(bt.log, "deeper", root.pgno, "child", pgno)
	return child, nil
}

// noQuickBalance routes every split through balanceNonroot. Tests use it
// to check that both paths build equivalent trees.
var noQuickBalance bool

// balanceQuick handles the common case of appending to the rightmost
// leaf of a table: the single overflow cell goes to a new right sibling
// and a divider holding the largest key of p is added to parent.
func (bt *BtShared) balanceQuick(parent, p *MemPage) error {
	if p.nCell == 0 {
		return serrors.Corruptf(p.pgno, "empty page in quick balance")
	}
	np, pgno, err := bt.allocatePage(0, allocAny)
	if err != nil {
		return err
	}
	defer bt.releasePage(np)

	cell := p.ovfl[0].cell
	np.zero(PageTypeLeafTable)
	if err := np.assemble([][]byte{cell}); err != nil {
		return err
	}
	if bt.autoVacuum {
		if err := bt.ptrmapPut(pgno, ptrmapBtree, parent.pgno); err != nil {
			return err
		}
		if len(cell) > np.minLocal {
			if err := bt.ptrmapPutOvflPtr(np, cell); err != nil {
				return err
			}
		}
	}

	info, err := p.cellAt(p.nCell - 1)
	if err != nil {
		return err
	}
	div := appendVarint(make([]byte, 4, 13), uint64(info.Key))
	if err := parent.insertCell(parent.nCell, div, p.pgno); err != nil {
		return err
	}
	parent.setRightChild(pgno)
	logging.Balance(bt.log, "quick", p.pgno, "sibling", pgno)
	return nil
}

// balanceNonroot redistributes the cells of the child at parentIdx and
// up to two of its siblings over as many pages as they need, then fixes
// the dividers in parent. parent may be left overfull or underfull for
// the next round. When parent is the root and ends up with no cells the
// single remaining child is copied into it.
func (bt *BtShared) balanceNonroot(parent *MemPage, parentIdx int, isRoot bool) error {
	var old [nbSiblings]*MemPage
	var fresh [nbSiblings + 2]*MemPage
	nNew := 0
	defer func() {
		for _, mp := range old {
			bt.releasePage(mp)
		}
		for _, mp := range fresh[:nNew] {
			bt.releasePage(mp)
		}
	}()

	if parent.nOverflow > 1 || (parent.nOverflow == 1 && parent.ovfl[0].idx != parentIdx) {
		return serrors.Corruptf(parent.pgno, "unexpected overflow cells on parent")
	}

	// Pick the siblings and pull their dividers out of the parent.
	total := parent.nOverflow + parent.nCell
	nxDiv, i := 0, total
	if total >= 2 {
		switch {
		case parentIdx == 0:
			nxDiv = 0
		case parentIdx == total:
			nxDiv = total - 2
		default:
			nxDiv = parentIdx - 1
		}
		i = 2
	}
	nOld := i + 1

	var rightOff int
	if r := i + nxDiv - parent.nOverflow; r == parent.nCell {
		rightOff = parent.hdrOffset + hdrRightChild
	} else {
		rightOff = parent.cellOff(r)
		if rightOff < parent.cellOffset || rightOff > bt.usableSize-4 {
			return serrors.Corruptf(parent.pgno, "cell %d out of bounds", r)
		}
	}
	pgno := get4(parent.data[rightOff:])

	var divs [nbSiblings - 1][]byte
	for {
		mp, err := bt.getAndInitPage(pgno)
		if err != nil {
			return err
		}
		old[i] = mp
		if i == 0 {
			break
		}
		i--
		if parent.nOverflow > 0 && i+nxDiv == parent.ovfl[0].idx {
			divs[i] = append([]byte(nil), parent.ovfl[0].cell...)
			parent.nOverflow = 0
		} else {
			idx := i + nxDiv - parent.nOverflow
			div, err := parent.cellBytes(cellRef{onPage: true, off: parent.cellOff(idx)})
			if err != nil {
				return err
			}
			divs[i] = div
			if err := parent.dropCell(idx, len(div)); err != nil {
				return err
			}
		}
		if len(divs[i]) < 4 {
			return serrors.Corruptf(parent.pgno, "divider cell too short")
		}
		pgno = get4(divs[i])
	}

	// Gather every cell in key order. Leaf cells carry no child pointer;
	// divider cells are adjusted to match.
	ref := old[0]
	leafCorrection := 0
	if ref.leaf {
		leafCorrection = 4
	}
	leafData := ref.intKeyLeaf
	ld := 0
	if leafData {
		ld = 1
	}
	pageFlags := ref.data[ref.hdrOffset]

	var cells [][]byte
	var cntOld [nbSiblings]int
	for i := 0; i < nOld; i++ {
		o := old[i]
		if o.data[o.hdrOffset] != pageFlags {
			return serrors.Corruptf(o.pgno, "sibling pages of different types")
		}
		for j := 0; j < o.nCell+o.nOverflow; j++ {
			cell, err := o.cellBytes(o.locate(j))
			if err != nil {
				return err
			}
			cells = append(cells, cell)
		}
		cntOld[i] = len(cells)
		if i < nOld-1 && !leafData {
			d := append([]byte(nil), divs[i][leafCorrection:]...)
			if !o.leaf {
				put4(d, o.rightChild())
			} else {
				for len(d) < 4 {
					d = append(d, 0)
				}
			}
			cells = append(cells, d)
		}
	}
	oldRight := old[nOld-1].rightChild()

	// Pack left to right, then even out right to left.
	usableSpace := bt.usableSize - 12 + leafCorrection
	var szNew, cntNew [nbSiblings + 3]int
	for i := 0; i < nOld; i++ {
		o := old[i]
		szNew[i] = usableSpace - o.nFree
		for j := 0; j < o.nOverflow; j++ {
			szNew[i] += 2 + len(o.ovfl[j].cell)
		}
		cntNew[i] = cntOld[i]
	}
	nCell := len(cells)
	sizeAt := func(j int) int {
		if j < nCell {
			return 2 + len(cells[j])
		}
		return 0
	}
	k := nOld
	for i := 0; i < k; i++ {
		for szNew[i] > usableSpace {
			if i+1 >= k {
				k = i + 2
				if k > nbSiblings+2 {
					return serrors.Corruptf(parent.pgno, "cells need more than %d pages", nbSiblings+2)
				}
				szNew[k-1] = 0
				cntNew[k-1] = nCell
			}
			if cntNew[i] == 0 {
				return serrors.Corruptf(parent.pgno, "cannot pack cells")
			}
			sz := sizeAt(cntNew[i] - 1)
			szNew[i] -= sz
			if !leafData {
				sz = sizeAt(cntNew[i])
			}
			szNew[i+1] += sz
			cntNew[i]--
		}
		for cntNew[i] < nCell {
			sz := sizeAt(cntNew[i])
			if szNew[i]+sz > usableSpace {
				break
			}
			szNew[i] += sz
			cntNew[i]++
			if !leafData {
				sz = sizeAt(cntNew[i])
			}
			szNew[i+1] -= sz
		}
		prev := 0
		if i > 0 {
			prev = cntNew[i-1]
		}
		if cntNew[i] >= nCell {
			k = i + 1
		} else if cntNew[i] <= prev {
			return serrors.Corruptf(parent.pgno, "cannot pack cells")
		}
	}
	for i := k - 1; i > 0; i-- {
		szRight, szLeft := szNew[i], szNew[i-1]
		r := cntNew[i-1] - 1
		d := r + 1 - ld
		for r >= 0 {
			szR := len(cells[r])
			szD := len(cells[d])
			extra := 2
			if i == k-1 {
				extra = 0
			}
			if szRight != 0 && szRight+szD+2 > szLeft-(szR+extra) {
				break
			}
			szRight += szD + 2
			szLeft -= szR + 2
			cntNew[i-1] = r
			r--
			d--
		}
		szNew[i], szNew[i-1] = szRight, szLeft
		prev := 0
		if i > 1 {
			prev = cntNew[i-2]
		}
		if cntNew[i-1] <= prev {
			return serrors.Corruptf(parent.pgno, "cannot pack cells")
		}
	}
	if cntNew[k-1] != nCell {
		return serrors.Corruptf(parent.pgno, "cells left over after packing")
	}

	// Reuse the old pages, allocate the rest.
	near := old[0].pgno
	for i := 0; i < k; i++ {
		if i < nOld {
			np := old[i]
			old[i] = nil
			fresh[i] = np
			nNew++
			if err := bt.writable(np); err != nil {
				return err
			}
			want := 1
			if i == parentIdx-nxDiv {
				want = 2
			}
			if np.pg.Refs() != want {
				return serrors.Corruptf(np.pgno, "sibling page referenced elsewhere")
			}
			continue
		}
		np, got, err := bt.allocatePage(near, allocAny)
		if err != nil {
			return err
		}
		fresh[i] = np
		nNew++
		near = got
		np.zero(pageFlags)
		if bt.autoVacuum {
			if err := bt.ptrmapPut(got, ptrmapBtree, parent.pgno); err != nil {
				return err
			}
		}
	}

	// Keep the siblings in ascending page order so scans read the file
	// forward.
	for i := 1; i < nNew; i++ {
		for j := i; j > 0 && fresh[j].pgno < fresh[j-1].pgno; j-- {
			fresh[j], fresh[j-1] = fresh[j-1], fresh[j]
		}
	}

	put4(parent.data[rightOff:], fresh[nNew-1].pgno)

	start := 0
	for i := 0; i < nNew; i++ {
		np := fresh[i]
		end := cntNew[i]
		np.zero(pageFlags)
		if err := np.assemble(cells[start:end]); err != nil {
			return err
		}
		if !np.leaf {
			if i < nNew-1 {
				np.setRightChild(get4(cells[end]))
			} else {
				np.setRightChild(oldRight)
			}
		}
		start = end + 1 - ld
	}

	for i := 0; i < nNew-1; i++ {
		np := fresh[i]
		j := cntNew[i]
		var div []byte
		switch {
		case !np.leaf:
			div = cells[j]
		case leafData:
			info, err := np.parseCell(cells[j-1])
			if err != nil {
				return err
			}
			div = appendVarint(make([]byte, 4, 13), uint64(info.Key))
		default:
			div = make([]byte, 4+len(cells[j]))
			copy(div[4:], cells[j])
			if len(cells[j]) == 4 {
				// Padded leaf cell; the interior form may be shorter.
				if sz := parent.cellSize(div); sz < len(div) {
					div = div[:sz]
				}
			}
		}
		if err := parent.insertCell(nxDiv+i, div, np.pgno); err != nil {
			return err
		}
	}

	if isRoot && parent.nCell == 0 && parent.nOverflow == 0 && parent.hdrOffset <= fresh[0].nFree {
		// The root lost its last divider: pull the only child up into it.
		np := fresh[0]
		if err := np.defragment(); err != nil {
			return err
		}
		if err := bt.copyNodeContent(np, parent); err != nil {
			return err
		}
		if err := bt.freePage(np.pgno, np); err != nil {
			return err
		}
		logging.Balance(bt.log, "shallower", parent.pgno, "child", np.pgno)
	} else if bt.autoVacuum {
		for _, np := range fresh[:nNew] {
			if err := bt.setChildPtrmaps(np); err != nil {
				return err
			}
		}
	}

	for i := range old {
		if old[i] == nil {
			continue
		}
		if err := bt.freePage(old[i].pgno, old[i]); err != nil {
			return err
		}
	}
	logging.Balance(bt.log, "nonroot", parent.pgno, "old", nOld, "new", nNew, "cells", nCell)
	return nil
}
