package btree

import (
	serrors "github.com/FocuswithJustin/pagestore/core/errors"
	"github.com/FocuswithJustin/pagestore/core/storage/internal/pager"
)

// Backup replaces the content of dst with a page-by-page copy of p,
// taken under a read transaction on p and committed as one write
// transaction on dst. dst must have no transaction or cursors open. An
// empty destination takes the page size of the source; a non-empty one
// must already match it.
func (p *Btree) Backup(dst *Btree) error {
	if dst == nil || dst.bt == p.bt {
		return serrors.NewValidation("dst", "backup needs a separate database")
	}
	p.enter()
	defer p.leave()
	dst.enter()
	defer dst.leave()

	src, db := p.bt, dst.bt
	if dst.inTrans != TransNone {
		return serrors.NewMisuse("Backup", "destination has an open transaction")
	}
	if len(db.cursors) > 0 {
		return serrors.NewLocked(1, "destination has open cursors")
	}

	if p.inTrans == TransNone {
		if err := p.beginTrans(false, false); err != nil {
			return err
		}
		defer p.endTransaction()
	}
	nPage := src.nPage
	if nPage == 0 {
		return serrors.NewValidation("src", "database is empty")
	}

	if db.pageSize != src.pageSize || db.usableSize != src.usableSize {
		if err := dst.beginTrans(false, false); err != nil {
			return err
		}
		empty := db.nPage == 0
		dst.endTransaction()
		if !empty {
			return serrors.NewMisuse("Backup", "page sizes differ")
		}
		db.pageSizeFixed = false
		if err := db.pager.SetPageSize(src.pageSize, src.pageSize-src.usableSize); err != nil {
			return err
		}
		db.setSizes()
	}

	if err := dst.beginTrans(true, false); err != nil {
		return err
	}
	if err := db.copyFrom(src, nPage); err != nil {
		dst.rollback()
		return err
	}
	if err := db.pager.CommitPhaseOne(""); err != nil {
		dst.rollback()
		return err
	}
	return dst.commitPhaseTwo()
}

// copyFrom overwrites the first n pages of bt with those of src and
// truncates bt to n pages.
func (bt *BtShared) copyFrom(src *BtShared, n Pgno) error {
	pending := src.pager.PendingBytePage()
	for i := Pgno(1); i <= n; i++ {
		if i == pending {
			continue
		}
		from, err := src.pager.Get(i)
		if err != nil {
			return err
		}
		to, err := bt.pager.Get(i)
		if err != nil {
			src.pager.Unref(from)
			return err
		}
		err = bt.pager.Write(to)
		if err == nil {
			copy(to.Data, from.Data)
			if mp, ok := to.Extra.(*MemPage); ok {
				mp.isInit = false
			}
		}
		bt.pager.Unref(to)
		src.pager.Unref(from)
		if err != nil {
			return err
		}
	}

	d := bt.page1.data
	bt.autoVacuum = get4(d[pager.OffsetLargestRootPage:]) != 0
	bt.incrVacuum = get4(d[pager.OffsetIncrementalVacuum:]) != 0
	bt.nPage = n
	bt.doTruncate = true
	bt.pager.Truncate(n)
	return bt.fixVersionBytes()
}
