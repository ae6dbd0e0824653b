package btree

import (
	serrors "github.com/FocuswithJustin/pagestore/core/errors"
)

// ptrmapPageNo returns the pointer-map page holding the entry for pgno.
func (bt *BtShared) ptrmapPageNo(pgno Pgno) Pgno {
	if pgno < 2 {
		return 0
	}
	per := Pgno(bt.usableSize/5 + 1)
	ret := ((pgno-2)/per)*per + 2
	if ret == bt.pager.PendingBytePage() {
		ret++
	}
	return ret
}

func (bt *BtShared) isPtrmapPage(pgno Pgno) bool {
	return bt.ptrmapPageNo(pgno) == pgno
}

// ptrmapPut records the type and parent of pgno.
func (bt *BtShared) ptrmapPut(key Pgno, eType byte, parent Pgno) error {
	if key == 0 {
		return serrors.NewCorrupt(0, "pointer map entry for page 0")
	}
	iPtrmap := bt.ptrmapPageNo(key)
	pg, err := bt.pager.Get(iPtrmap)
	if err != nil {
		return err
	}
	defer bt.pager.Unref(pg)
	if mp, ok := pg.Extra.(*MemPage); ok && mp.bt == bt && mp.isInit {
		return serrors.Corruptf(iPtrmap, "pointer map page is a b-tree page")
	}
	off := 5 * int(key-iPtrmap-1)
	if off < 0 {
		return serrors.Corruptf(iPtrmap, "pointer map offset for page %d", key)
	}
	if off+5 > bt.usableSize {
		return serrors.Corruptf(iPtrmap, "pointer map offset past end of page")
	}
	if pg.Data[off] == eType && get4(pg.Data[off+1:]) == parent {
		return nil
	}
	if err := bt.pager.Write(pg); err != nil {
		return err
	}
	pg.Data[off] = eType
	put4(pg.Data[off+1:], parent)
	return nil
}

// ptrmapGet returns the type and parent recorded for pgno.
func (bt *BtShared) ptrmapGet(key Pgno) (byte, Pgno, error) {
	iPtrmap := bt.ptrmapPageNo(key)
	pg, err := bt.pager.Get(iPtrmap)
	if err != nil {
		return 0, 0, err
	}
	defer bt.pager.Unref(pg)
	off := 5 * int(key-iPtrmap-1)
	if off < 0 || off+5 > bt.usableSize {
		return 0, 0, serrors.Corruptf(iPtrmap, "pointer map offset for page %d", key)
	}
	eType := pg.Data[off]
	parent := get4(pg.Data[off+1:])
	if eType < ptrmapRoot || eType > ptrmapBtree {
		return 0, 0, serrors.Corruptf(iPtrmap, "pointer map entry for page %d has type %d", key, eType)
	}
	return eType, parent, nil
}

// ptrmapPutOvflPtr records the first overflow page of cell, which lives
// on page p.
func (bt *BtShared) ptrmapPutOvflPtr(p *MemPage, cell []byte) error {
	info, err := p.parseCell(cell)
	if err != nil {
		return err
	}
	if info.Overflow == 0 {
		return nil
	}
	return bt.ptrmapPut(info.Overflow, ptrmapOverflow1, p.pgno)
}

// setChildPtrmaps points the entries of every child and first overflow
// page of p back at p.
func (bt *BtShared) setChildPtrmaps(p *MemPage) error {
	if !p.isInit {
		if err := p.init(); err != nil {
			return err
		}
	}
	for i := 0; i < p.nCell; i++ {
		cell := p.findCell(i)
		if err := bt.ptrmapPutOvflPtr(p, cell); err != nil {
			return err
		}
		if !p.leaf {
			if err := bt.ptrmapPut(get4(cell), ptrmapBtree, p.pgno); err != nil {
				return err
			}
		}
	}
	if !p.leaf {
		return bt.ptrmapPut(p.rightChild(), ptrmapBtree, p.pgno)
	}
	return nil
}

// modifyPagePointer rewrites the pointer to from on p so that it points
// to to. eType says what kind of pointer it is.
func (bt *BtShared) modifyPagePointer(p *MemPage, from, to Pgno, eType byte) error {
	if eType == ptrmapOverflow2 {
		if get4(p.data) != from {
			return serrors.Corruptf(p.pgno, "overflow pointer to %d not found", from)
		}
		put4(p.data, to)
		return nil
	}
	if !p.isInit {
		if err := p.init(); err != nil {
			return err
		}
	}
	for i := 0; i < p.nCell; i++ {
		cell := p.findCell(i)
		if eType == ptrmapOverflow1 {
			info, err := p.parseCell(cell)
			if err != nil {
				return err
			}
			if info.Overflow != 0 && info.Overflow == from {
				put4(cell[info.CellSize-4:], to)
				return nil
			}
			continue
		}
		if len(cell) >= 4 && !p.leaf && get4(cell) == from {
			put4(cell, to)
			return nil
		}
	}
	if eType != ptrmapBtree || p.leaf || p.rightChild() != from {
		return serrors.Corruptf(p.pgno, "pointer to page %d not found", from)
	}
	p.setRightChild(to)
	return nil
}

// relocatePage moves page mp, of type eType with parent ptrPage, to
// location to, fixing the parent pointer and the pointer-map entries of
// its children.
func (bt *BtShared) relocatePage(mp *MemPage, eType byte, ptrPage, to Pgno, isCommit bool) error {
	from := mp.pgno
	if eType == ptrmapOverflow2 || eType == ptrmapOverflow1 {
		if ptrPage == 0 {
			return serrors.Corruptf(from, "overflow page without parent")
		}
	}
	if err := bt.pager.MovePage(mp.pg, to, isCommit); err != nil {
		return err
	}
	mp.pgno = to

	switch eType {
	case ptrmapBtree, ptrmapRoot:
		if err := bt.setChildPtrmaps(mp); err != nil {
			return err
		}
	default:
		if next := get4(mp.data); next != 0 {
			if err := bt.ptrmapPut(next, ptrmapOverflow2, to); err != nil {
				return err
			}
		}
	}

	if eType == ptrmapRoot {
		return nil
	}
	parent, err := bt.getAndInitPtrPage(ptrPage, eType)
	if err != nil {
		return err
	}
	defer bt.releasePage(parent)
	if err := bt.writable(parent); err != nil {
		return err
	}
	if err := bt.modifyPagePointer(parent, from, to, eType); err != nil {
		return err
	}
	return bt.ptrmapPut(to, eType, ptrPage)
}

// getAndInitPtrPage fetches the page holding a pointer of type eType.
func (bt *BtShared) getAndInitPtrPage(pgno Pgno, eType byte) (*MemPage, error) {
	if eType == ptrmapOverflow2 {
		return bt.getPage(pgno)
	}
	return bt.getAndInitPage(pgno)
}
