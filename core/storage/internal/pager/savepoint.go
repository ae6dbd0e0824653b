package pager

import (
	"github.com/RoaringBitmap/roaring"

	serrors "github.com/FocuswithJustin/pagestore/core/errors"
	"github.com/FocuswithJustin/pagestore/core/storage/internal/vfs"
)

// SavepointOp selects what Savepoint does.
type SavepointOp int

const (
	SavepointRelease SavepointOp = iota
	SavepointRollback
)

type savepoint struct {
	offset      int64 // journal offset when opened; 0 means from the start
	hdrOffset   int64 // first journal header written after opening
	segEnd      int64 // end of the records of the segment holding offset
	inSavepoint *roaring.Bitmap
	orig        Pgno   // database size when opened
	subRec      int    // sub-journal records when opened
	walMark     uint32 // WAL frames when opened
}

// OpenSavepoint grows the savepoint stack to n entries. It requires an
// open write transaction.
func (p *Pager) OpenSavepoint(n int) error {
	if p.errCode != nil {
		return p.errCode
	}
	if p.state < StateWriterLocked {
		return serrors.NewMisuse("OpenSavepoint", p.state.String())
	}
	for len(p.savepoints) < n {
		sp := &savepoint{
			orig:        p.dbSize,
			subRec:      p.nSubRec,
			inSavepoint: roaring.New(),
		}
		if p.jfd != nil && p.state > StateWriterLocked {
			sp.offset = p.journalOff
		}
		if p.wal != nil {
			sp.walMark = p.wal.mark()
		}
		p.savepoints = append(p.savepoints, sp)
	}
	return nil
}

// SavepointCount returns the depth of the savepoint stack.
func (p *Pager) SavepointCount() int { return len(p.savepoints) }

// Savepoint releases or rolls back savepoint i. Release discards i and
// every newer savepoint. Rollback restores the database to its state
// when i was opened and keeps i open; i == -1 rolls back to the start
// of the transaction.
func (p *Pager) Savepoint(op SavepointOp, i int) error {
	if p.errCode != nil {
		return p.errCode
	}
	if i < -1 || (i == -1 && op != SavepointRollback) {
		return serrors.NewMisuse("Savepoint", "invalid savepoint index")
	}
	if i >= len(p.savepoints) {
		return nil
	}

	n := i
	if op == SavepointRollback {
		n = i + 1
	}
	p.savepoints = p.savepoints[:n]

	if op == SavepointRelease {
		if n == 0 && p.sjfd != nil {
			if err := p.sjfd.Truncate(0); err != nil {
				return err
			}
			p.nSubRec = 0
		}
		return nil
	}

	if p.wal != nil || p.jfd != nil {
		var sp *savepoint
		if n > 0 {
			sp = p.savepoints[n-1]
		}
		if err := p.playbackSavepoint(sp); err != nil {
			return p.fail(err)
		}
	}
	return nil
}

// playbackSavepoint restores the database to savepoint sp, or to the
// start of the transaction when sp is nil. Main journal records written
// after sp was opened hold the page content at sp; sub-journal records
// cover pages that were journaled earlier and changed after sp.
func (p *Pager) playbackSavepoint(sp *savepoint) error {
	// Only the part of the journal written by this transaction counts; a
	// persisted journal may hold stale records past it.
	szJ := p.journalOff
	var done *roaring.Bitmap
	if sp != nil {
		done = roaring.New()
		p.dbSize = sp.orig
	} else {
		p.dbSize = p.dbOrigSize
	}
	p.changeCountDone = false

	if sp == nil && p.wal != nil {
		return p.rollbackWAL()
	}

	var err error
	if p.wal == nil {
		cksumInit := p.cksumInit
		recSize := int64(p.pageSize + 8)
		if sp != nil && sp.offset > 0 {
			// Records between the savepoint and the end of its segment.
			// The padding before the next header is not a record.
			end := szJ
			if sp.hdrOffset != 0 {
				end = sp.segEnd
			}
			p.journalOff = sp.offset
			for err == nil && p.journalOff+recSize <= end {
				err = p.playbackOne(p.jfd, &p.journalOff, done, true, true)
			}
			if sp.hdrOffset != 0 {
				p.journalOff = sp.hdrOffset
			}
		} else {
			p.journalOff = 0
		}
		for err == nil && p.journalOff < szJ {
			var nRec uint32
			nRec, _, err = p.readJournalHdr(false, szJ)
			if err != nil {
				break
			}
			if nRec == 0 && p.journalHdr+int64(p.sectorSize) == p.journalOff {
				nRec = uint32((szJ - p.journalOff) / recSize)
			}
			for ii := uint32(0); ii < nRec && err == nil && p.journalOff+recSize <= szJ; ii++ {
				err = p.playbackOne(p.jfd, &p.journalOff, done, true, true)
			}
		}
		p.cksumInit = cksumInit
	} else {
		err = p.wal.undoTo(sp.walMark, p.undoPage)
	}
	if serrors.Is(err, serrors.ErrDone) {
		err = nil
	}

	if sp != nil && err == nil {
		off := int64(sp.subRec) * int64(p.pageSize+4)
		for ii := sp.subRec; ii < p.nSubRec && err == nil; ii++ {
			err = p.playbackOne(p.sjfd, &off, done, false, true)
		}
		if serrors.Is(err, serrors.ErrDone) {
			err = nil
		}
	}
	if err == nil && p.jfd != nil {
		p.journalOff = szJ
	}
	return err
}

// rollbackWAL discards every frame of the open write transaction and
// restores the pages that were cached.
func (p *Pager) rollbackWAL() error {
	p.dbSize = p.dbOrigSize
	err := p.wal.undoTo(p.wal.txnStart, p.undoPage)
	for _, pg := range p.cache.Pages() {
		if err != nil {
			break
		}
		if pg.IsDirty() {
			err = p.undoPage(pg.Pgno)
		}
	}
	return err
}

// undoPage reloads a cached page after WAL frames were discarded.
func (p *Pager) undoPage(pgno Pgno) error {
	pg := p.cache.Lookup(pgno)
	if pg == nil {
		return nil
	}
	if pg.Refs() == 1 {
		p.cache.Drop(pg)
		return nil
	}
	err := p.readPage(pg)
	if err == nil && p.reiniter != nil {
		p.reiniter(pg)
	}
	p.cache.Unref(pg)
	return err
}

func (p *Pager) releaseSavepoints() {
	p.savepoints = nil
	if p.sjfd != nil {
		p.sjfd.Truncate(0)
	}
	p.nSubRec = 0
}

func (p *Pager) addToSavepoints(pgno Pgno) {
	for _, sp := range p.savepoints {
		if pgno <= sp.orig {
			sp.inSavepoint.Add(pgno)
		}
	}
}

func (p *Pager) subjRequiresPage(pgno Pgno) bool {
	for _, sp := range p.savepoints {
		if pgno <= sp.orig && !sp.inSavepoint.Contains(pgno) {
			return true
		}
	}
	return false
}

// subjournalIfRequired copies pg to the sub-journal if some savepoint
// has not preserved it yet.
func (p *Pager) subjournalIfRequired(pg *Page) error {
	if p.journalMode == JournalOff || !p.subjRequiresPage(pg.Pgno) {
		return nil
	}
	if p.sjfd == nil {
		p.sjfd = vfs.NewMemFile()
	}
	rec := p.sbuf[:p.pageSize+4]
	put32(rec, pg.Pgno)
	copy(rec[4:], pg.Data)
	off := int64(p.nSubRec) * int64(len(rec))
	if _, err := p.sjfd.WriteAt(rec, off); err != nil {
		return p.fail(err)
	}
	p.nSubRec++
	p.addToSavepoints(pg.Pgno)
	return nil
}
