package btree

import (
	serrors "github.com/FocuswithJustin/pagestore/core/errors"
	"github.com/FocuswithJustin/pagestore/core/storage/internal/pager"
	"github.com/FocuswithJustin/pagestore/internal/logging"
)

// finalDbSize returns the database size once nFree of nOrig pages are
// vacuumed away, accounting for pointer-map pages that go with them.
func (bt *BtShared) finalDbSize(nOrig, nFree Pgno) Pgno {
	nEntry := int64(bt.usableSize / 5)
	nPtrmap := (int64(nFree) - int64(nOrig) + int64(bt.ptrmapPageNo(nOrig)) + nEntry) / nEntry
	nFin := int64(nOrig) - int64(nFree) - nPtrmap
	pending := int64(bt.pager.PendingBytePage())
	if int64(nOrig) > pending && nFin < pending {
		nFin--
	}
	for nFin > 0 && (bt.isPtrmapPage(Pgno(nFin)) || nFin == pending) {
		nFin--
	}
	if nFin < 0 {
		return 0
	}
	return Pgno(nFin)
}

// incrVacuumStep moves page iLastPg into a free slot below nFin, or
// takes it off the freelist if it is free. Outside a commit the
// database shrinks by one page. It returns ErrDone when the freelist is
// empty.
func (bt *BtShared) incrVacuumStep(nFin, iLastPg Pgno, commit bool) error {
	pending := bt.pager.PendingBytePage()
	if !bt.isPtrmapPage(iLastPg) && iLastPg != pending {
		if get4(bt.page1.data[pager.OffsetFreelistCount:]) == 0 {
			return serrors.ErrDone
		}
		eType, iPtrPage, err := bt.ptrmapGet(iLastPg)
		if err != nil {
			return err
		}
		switch eType {
		case ptrmapRoot:
			return serrors.Corruptf(iLastPg, "root page at end of file during vacuum")
		case ptrmapFree:
			if !commit {
				// At commit the whole freelist is discarded anyway.
				mp, got, err := bt.allocatePage(iLastPg, allocExact)
				if err != nil {
					return err
				}
				bt.releasePage(mp)
				if got != iLastPg {
					return serrors.Corruptf(iLastPg, "expected free page %d, got %d", iLastPg, got)
				}
			}
		default:
			last, err := bt.getPage(iLastPg)
			if err != nil {
				return err
			}
			mode, near := allocAny, Pgno(0)
			if !commit {
				mode, near = allocLE, nFin
			}
			var iFree Pgno
			for {
				dbSize := bt.nPage
				free, pgno, err := bt.allocatePage(near, mode)
				if err != nil {
					bt.releasePage(last)
					return err
				}
				bt.releasePage(free)
				if pgno > dbSize {
					bt.releasePage(last)
					return serrors.Corruptf(pgno, "vacuum allocated past end of file")
				}
				iFree = pgno
				if !commit || iFree <= nFin {
					break
				}
			}
			err = bt.relocatePage(last, eType, iPtrPage, iFree, commit)
			bt.releasePage(last)
			if err != nil {
				return err
			}
		}
	}

	if !commit {
		for {
			iLastPg--
			if iLastPg != pending && !bt.isPtrmapPage(iLastPg) {
				break
			}
		}
		bt.doTruncate = true
		bt.nPage = iLastPg
	}
	return nil
}

// IncrVacuum performs one step of incremental vacuum: the last page of
// the file is moved into a free slot and the file shrinks by one page.
// It returns ErrDone when there are no free pages or auto-vacuum is off.
func (p *Btree) IncrVacuum() error {
	p.enter()
	defer p.leave()
	bt := p.bt
	if p.inTrans != TransWrite {
		return serrors.NewMisuse("IncrVacuum", p.inTrans.String())
	}
	if !bt.autoVacuum {
		return serrors.ErrDone
	}
	nOrig := bt.nPage
	nFree := Pgno(get4(bt.page1.data[pager.OffsetFreelistCount:]))
	nFin := bt.finalDbSize(nOrig, nFree)
	if nOrig < nFin || nFree >= nOrig {
		return serrors.Corruptf(1, "freelist count %d inconsistent with %d pages", nFree, nOrig)
	}
	if nFree == 0 {
		return serrors.ErrDone
	}
	if err := bt.saveAllCursors(0, nil); err != nil {
		return err
	}
	if err := bt.incrVacuumStep(nFin, nOrig, false); err != nil {
		return err
	}
	if err := bt.writable(bt.page1); err != nil {
		return err
	}
	put4(bt.page1.data[pager.OffsetDatabaseSize:], bt.nPage)
	logging.Vacuum(bt.log, bt.pager.Filename(), nOrig, bt.nPage)
	return nil
}

// autoVacuumCommit moves every in-use page above the final size into a
// free slot and truncates the freelist, in full auto-vacuum mode.
func (bt *BtShared) autoVacuumCommit() error {
	nOrig := bt.nPage
	if nOrig == 0 {
		return nil
	}
	if bt.isPtrmapPage(nOrig) || nOrig == bt.pager.PendingBytePage() {
		return serrors.Corruptf(nOrig, "last page is a pointer map page")
	}
	nFree := Pgno(get4(bt.page1.data[pager.OffsetFreelistCount:]))
	if nFree == 0 {
		return nil
	}
	nFin := bt.finalDbSize(nOrig, nFree)
	if nFin > nOrig {
		return serrors.Corruptf(1, "freelist count %d inconsistent with %d pages", nFree, nOrig)
	}
	if nFin < nOrig {
		if err := bt.saveAllCursors(0, nil); err != nil {
			return err
		}
	}
	for iFree := nOrig; iFree > nFin; iFree-- {
		if err := bt.incrVacuumStep(nFin, iFree, true); err != nil {
			if serrors.Is(err, serrors.ErrDone) {
				break
			}
			return err
		}
	}
	if err := bt.writable(bt.page1); err != nil {
		return err
	}
	put4(bt.page1.data[pager.OffsetFreelistTrunk:], 0)
	put4(bt.page1.data[pager.OffsetFreelistCount:], 0)
	put4(bt.page1.data[pager.OffsetDatabaseSize:], nFin)
	bt.doTruncate = true
	bt.nPage = nFin
	logging.Vacuum(bt.log, bt.pager.Filename(), nOrig, nFin)
	return nil
}
