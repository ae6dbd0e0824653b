package btree

import (
	serrors "github.com/FocuswithJustin/pagestore/core/errors"
)

// CellInfo describes a parsed cell.
type CellInfo struct {
	Key         int64  // rowid on table pages
	PayloadSize uint32 // total payload bytes
	LocalSize   int    // payload bytes stored on the page
	CellSize    int    // bytes the cell occupies on the page
	Overflow    Pgno   // first overflow page, or 0
	ChildPage   Pgno   // left child on interior pages

	payloadOff int // offset of the local payload within the cell
}

// Payload is the content of a cell being inserted. Table trees use Rowid
// and Data; index trees use Key.
type Payload struct {
	Key   []byte
	Rowid int64
	Data  []byte
}

// localSize returns how many of n payload bytes are kept on the page.
func (p *MemPage) localSize(n int) int {
	if n <= p.maxLocal {
		return n
	}
	surplus := p.minLocal + (n-p.minLocal)%(p.bt.usableSize-4)
	if surplus <= p.maxLocal {
		return surplus
	}
	return p.minLocal
}

// parseCell decodes the cell at the start of cell.
func (p *MemPage) parseCell(cell []byte) (CellInfo, error) {
	var info CellInfo
	n := 0
	if p.childPtrSize > 0 {
		if len(cell) < 4 {
			return info, serrors.Corruptf(p.pgno, "truncated cell")
		}
		info.ChildPage = get4(cell)
		n = 4
	}

	if p.intKey && !p.leaf {
		key, k := GetVarint(cell[n:])
		if k == 0 {
			return info, serrors.Corruptf(p.pgno, "truncated cell key")
		}
		info.Key = int64(key)
		info.CellSize = n + k
		return info, nil
	}

	size, k := GetVarint(cell[n:])
	if k == 0 {
		return info, serrors.Corruptf(p.pgno, "truncated payload size")
	}
	n += k
	if p.intKey {
		key, k := GetVarint(cell[n:])
		if k == 0 {
			return info, serrors.Corruptf(p.pgno, "truncated cell key")
		}
		info.Key = int64(key)
		n += k
	}
	if size > 0x7fffffff {
		return info, serrors.Corruptf(p.pgno, "payload size %d too large", size)
	}
	info.PayloadSize = uint32(size)
	info.payloadOff = n
	info.LocalSize = p.localSize(int(size))

	end := n + info.LocalSize
	if info.LocalSize < int(size) {
		if len(cell) < end+4 {
			return info, serrors.Corruptf(p.pgno, "truncated overflow pointer")
		}
		info.Overflow = get4(cell[end:])
		end += 4
	} else if len(cell) < end {
		return info, serrors.Corruptf(p.pgno, "cell extends past end of page")
	}
	if end < 4 {
		end = 4
	}
	info.CellSize = end
	return info, nil
}

// cellSize returns the size of the cell at the start of cell. An
// unparseable cell reports a size larger than the page so that bound
// checks fail.
func (p *MemPage) cellSize(cell []byte) int {
	info, err := p.parseCell(cell)
	if err != nil {
		return p.bt.usableSize + 1
	}
	return info.CellSize
}

// cellAt parses cell i of the page.
func (p *MemPage) cellAt(i int) (CellInfo, error) {
	return p.parseCell(p.findCell(i))
}

// fillInCell builds the cell for pl as it would be stored on p,
// spilling payload that does not fit to newly allocated overflow pages.
// The child pointer of an interior cell is left zero.
func (bt *BtShared) fillInCell(p *MemPage, pl Payload) ([]byte, error) {
	cell := make([]byte, p.childPtrSize, p.childPtrSize+18+p.maxLocal+4)
	var body []byte
	if p.intKey {
		body = pl.Data
		cell = appendVarint(cell, uint64(len(body)))
		cell = appendVarint(cell, uint64(pl.Rowid))
	} else {
		body = pl.Key
		cell = appendVarint(cell, uint64(len(body)))
	}

	local := p.localSize(len(body))
	cell = append(cell, body[:local]...)
	if local == len(body) {
		for len(cell) < 4 {
			cell = append(cell, 0)
		}
		return cell, nil
	}

	ptrOff := len(cell)
	cell = append(cell, 0, 0, 0, 0)
	rest := body[local:]
	chunk := bt.usableSize - 4

	var prev *MemPage
	var pgno Pgno
	for len(rest) > 0 {
		nearby := pgno
		if bt.autoVacuum {
			for {
				nearby++
				if !bt.isPtrmapPage(nearby) && nearby != bt.pager.PendingBytePage() {
					break
				}
			}
		}
		ovfl, next, err := bt.allocatePage(nearby, allocAny)
		if err != nil {
			bt.releasePage(prev)
			return nil, err
		}
		if bt.autoVacuum {
			if prev == nil {
				err = bt.ptrmapPut(next, ptrmapOverflow1, p.pgno)
			} else {
				err = bt.ptrmapPut(next, ptrmapOverflow2, pgno)
			}
			if err != nil {
				bt.releasePage(ovfl)
				bt.releasePage(prev)
				return nil, err
			}
		}
		if prev == nil {
			put4(cell[ptrOff:], next)
		} else {
			put4(prev.data, next)
			bt.releasePage(prev)
		}

		n := min(len(rest), chunk)
		put4(ovfl.data, 0)
		copy(ovfl.data[4:], rest[:n])
		clear(ovfl.data[4+n : bt.usableSize])
		rest = rest[n:]
		prev, pgno = ovfl, next
	}
	bt.releasePage(prev)
	return cell, nil
}

func appendVarint(b []byte, v uint64) []byte {
	var tmp [9]byte
	n := PutVarint(tmp[:], v)
	return append(b, tmp[:n]...)
}

// overflowPages returns how many overflow pages a cell uses.
func (bt *BtShared) overflowPages(info CellInfo) int {
	if info.Overflow == 0 {
		return 0
	}
	chunk := bt.usableSize - 4
	return (int(info.PayloadSize) - info.LocalSize + chunk - 1) / chunk
}

// clearCell frees the overflow chain of a cell about to be removed from p.
func (bt *BtShared) clearCell(p *MemPage, cell []byte) error {
	info, err := p.parseCell(cell)
	if err != nil {
		return err
	}
	pgno := info.Overflow
	for n := bt.overflowPages(info); n > 0; n-- {
		if pgno < 2 || pgno > bt.nPage {
			return serrors.Corruptf(p.pgno, "overflow page %d out of range", pgno)
		}
		ovfl, err := bt.getPage(pgno)
		if err != nil {
			return err
		}
		var next Pgno
		if n > 1 {
			next = get4(ovfl.data)
		}
		if ovfl.pg.Refs() > 1 {
			bt.releasePage(ovfl)
			return serrors.Corruptf(pgno, "overflow page in use elsewhere")
		}
		err = bt.freePage(pgno, ovfl)
		bt.releasePage(ovfl)
		if err != nil {
			return err
		}
		pgno = next
	}
	return nil
}

// readPayload copies len(dst) bytes of the payload of cell, starting at
// offset, following the overflow chain as needed.
func (bt *BtShared) readPayload(p *MemPage, cell []byte, info CellInfo, offset int, dst []byte) error {
	if offset < 0 || offset+len(dst) > int(info.PayloadSize) {
		return serrors.NewValidation("offset", "read past end of payload")
	}
	if offset < info.LocalSize {
		n := copy(dst, cell[info.payloadOff+offset:info.payloadOff+info.LocalSize])
		dst = dst[n:]
		offset = 0
	} else {
		offset -= info.LocalSize
	}
	if len(dst) == 0 {
		return nil
	}

	chunk := bt.usableSize - 4
	pgno := info.Overflow
	for n := bt.overflowPages(info); n > 0 && len(dst) > 0; n-- {
		if pgno < 2 || pgno > bt.nPage {
			return serrors.Corruptf(p.pgno, "overflow page %d out of range", pgno)
		}
		pg, err := bt.pager.Get(pgno)
		if err != nil {
			return err
		}
		next := get4(pg.Data)
		if offset < chunk {
			m := copy(dst, pg.Data[4+offset:4+chunk])
			dst = dst[m:]
			offset = 0
		} else {
			offset -= chunk
		}
		bt.pager.Unref(pg)
		pgno = next
	}
	if len(dst) > 0 {
		return serrors.Corruptf(p.pgno, "overflow chain too short")
	}
	return nil
}
