package btree

import (
	serrors "github.com/FocuswithJustin/pagestore/core/errors"
	"github.com/FocuswithJustin/pagestore/core/storage/internal/pager"
)

// CreateTable creates an empty tree and returns its root page. flags is
// IntKey for a table tree or BlobKey for an index tree. In auto-vacuum
// databases roots are kept at the front of the file, so an existing page
// may be moved out of the way.
func (p *Btree) CreateTable(flags int) (Pgno, error) {
	p.enter()
	defer p.leave()
	if p.inTrans != TransWrite {
		return 0, serrors.NewMisuse("CreateTable", p.inTrans.String())
	}
	var pageFlags byte
	switch flags {
	case IntKey:
		pageFlags = PageTypeLeafTable
	case BlobKey:
		pageFlags = PageTypeLeafIndex
	default:
		return 0, serrors.NewValidation("flags", "must be IntKey or BlobKey")
	}

	bt := p.bt
	var root *MemPage
	var pgnoRoot Pgno
	if bt.autoVacuum {
		pgnoRoot = Pgno(get4(bt.page1.data[pager.OffsetLargestRootPage:]))
		if pgnoRoot > bt.nPage {
			return 0, serrors.Corruptf(1, "largest root page %d past end of file", pgnoRoot)
		}
		pgnoRoot++
		for bt.isPtrmapPage(pgnoRoot) || pgnoRoot == bt.pager.PendingBytePage() {
			pgnoRoot++
		}

		moved, pgnoMove, err := bt.allocatePage(pgnoRoot, allocExact)
		if err != nil {
			return 0, err
		}
		if pgnoMove != pgnoRoot {
			// Move whatever lives at pgnoRoot into the page just
			// allocated.
			err := bt.saveAllCursors(0, nil)
			bt.releasePage(moved)
			if err != nil {
				return 0, err
			}
			occupant, err := bt.getPage(pgnoRoot)
			if err != nil {
				return 0, err
			}
			eType, ptrPage, err := bt.ptrmapGet(pgnoRoot)
			if err == nil && (eType == ptrmapRoot || eType == ptrmapFree) {
				err = serrors.Corruptf(pgnoRoot, "page to move is a %s page", ptrmapTypeName(eType))
			}
			if err == nil {
				err = bt.relocatePage(occupant, eType, ptrPage, pgnoMove, false)
			}
			bt.releasePage(occupant)
			if err != nil {
				return 0, err
			}
			if root, err = bt.getPage(pgnoRoot); err != nil {
				return 0, err
			}
			if err := bt.writable(root); err != nil {
				bt.releasePage(root)
				return 0, err
			}
		} else {
			root = moved
		}
		if err := bt.ptrmapPut(pgnoRoot, ptrmapRoot, 0); err != nil {
			bt.releasePage(root)
			return 0, err
		}
		if err := p.updateMeta(MetaLargestRootPage, pgnoRoot); err != nil {
			bt.releasePage(root)
			return 0, err
		}
	} else {
		var err error
		root, pgnoRoot, err = bt.allocatePage(1, allocAny)
		if err != nil {
			return 0, err
		}
	}
	root.zero(pageFlags)
	bt.releasePage(root)
	return pgnoRoot, nil
}

func ptrmapTypeName(t byte) string {
	switch t {
	case ptrmapRoot:
		return "root"
	case ptrmapFree:
		return "free"
	case ptrmapOverflow1, ptrmapOverflow2:
		return "overflow"
	case ptrmapBtree:
		return "b-tree"
	}
	return "unknown"
}

// ClearTable deletes every entry of the tree rooted at root, leaving an
// empty root page. It returns the number of entries removed (rows of a
// table tree, or index entries).
func (p *Btree) ClearTable(root Pgno) (int, error) {
	p.enter()
	defer p.leave()
	return p.clearTable(root)
}

func (p *Btree) clearTable(root Pgno) (int, error) {
	if p.inTrans != TransWrite {
		return 0, serrors.NewMisuse("ClearTable", p.inTrans.String())
	}
	if p.sharable {
		if err := p.lockTable(root, LockWrite); err != nil {
			return 0, err
		}
	}
	bt := p.bt
	if err := bt.saveAllCursors(root, nil); err != nil {
		return 0, err
	}
	var n int
	if err := bt.clearPage(root, false, &n); err != nil {
		return 0, err
	}
	return n, nil
}

// clearPage frees the content of pgno and everything below it. The page
// itself is freed when free is set, otherwise it is left as an empty
// leaf. Entries removed are added to *n; nil stops the counting (below
// the interior pages of a table tree, whose cells are not entries).
func (bt *BtShared) clearPage(pgno Pgno, free bool, n *int) error {
	if pgno > bt.nPage {
		return serrors.Corruptf(pgno, "page number out of range (database has %d pages)", bt.nPage)
	}
	mp, err := bt.getAndInitPage(pgno)
	if err != nil {
		return err
	}
	defer bt.releasePage(mp)
	if mp.busy {
		return serrors.Corruptf(pgno, "page is its own descendant")
	}
	want := 1
	if pgno == 1 {
		want = 2
	}
	if mp.pg.Refs() != want {
		return serrors.Corruptf(pgno, "page in use while clearing")
	}
	mp.busy = true
	defer func() { mp.busy = false }()

	for i := 0; i < mp.nCell; i++ {
		cell := mp.findCell(i)
		if !mp.leaf {
			if len(cell) < 4 {
				return serrors.Corruptf(pgno, "cell %d out of bounds", i)
			}
			if err := bt.clearPage(get4(cell), true, n); err != nil {
				return err
			}
		}
		if err := bt.clearCell(mp, cell); err != nil {
			return err
		}
	}
	if !mp.leaf {
		if err := bt.clearPage(mp.rightChild(), true, n); err != nil {
			return err
		}
		if mp.intKey {
			n = nil
		}
	}
	if n != nil {
		*n += mp.nCell
	}
	if free {
		return bt.freePage(pgno, mp)
	}
	if err := bt.writable(mp); err != nil {
		return err
	}
	mp.zero(mp.data[mp.hdrOffset] | ptfLeaf)
	return nil
}

// DropTable deletes the tree rooted at root and frees its pages. In an
// auto-vacuum database the root with the highest page number is moved
// into the freed slot; its old page number is returned so callers can
// update their schema, and 0 is returned when nothing moved.
func (p *Btree) DropTable(root Pgno) (Pgno, error) {
	p.enter()
	defer p.leave()
	bt := p.bt
	if p.inTrans != TransWrite {
		return 0, serrors.NewMisuse("DropTable", p.inTrans.String())
	}
	if root < 2 {
		return 0, serrors.NewValidation("root", "the schema tree cannot be dropped")
	}
	if root > bt.nPage {
		return 0, serrors.Corruptf(root, "root page beyond end of database (%d pages)", bt.nPage)
	}
	if len(bt.cursors) > 0 {
		return 0, serrors.NewLocked(uint32(root), "cursors open")
	}
	if _, err := p.clearTable(root); err != nil {
		return 0, err
	}

	if !bt.autoVacuum {
		mp, err := bt.getPage(root)
		if err != nil {
			return 0, err
		}
		defer bt.releasePage(mp)
		return 0, bt.freePage(root, mp)
	}

	maxRoot := Pgno(get4(bt.page1.data[pager.OffsetLargestRootPage:]))
	var moved Pgno
	if root == maxRoot {
		mp, err := bt.getPage(root)
		if err != nil {
			return 0, err
		}
		err = bt.freePage(root, mp)
		bt.releasePage(mp)
		if err != nil {
			return 0, err
		}
	} else {
		mv, err := bt.getPage(maxRoot)
		if err != nil {
			return 0, err
		}
		err = bt.relocatePage(mv, ptrmapRoot, 0, root, false)
		bt.releasePage(mv)
		if err != nil {
			return 0, err
		}
		if mv, err = bt.getPage(maxRoot); err != nil {
			return 0, err
		}
		err = bt.freePage(maxRoot, mv)
		bt.releasePage(mv)
		if err != nil {
			return 0, err
		}
		moved = maxRoot
	}

	maxRoot--
	for maxRoot == bt.pager.PendingBytePage() || bt.isPtrmapPage(maxRoot) {
		maxRoot--
	}
	if err := p.updateMeta(MetaLargestRootPage, maxRoot); err != nil {
		return 0, err
	}
	return moved, nil
}
