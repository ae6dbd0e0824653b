package pager

import (
	"github.com/RoaringBitmap/roaring"

	serrors "github.com/FocuswithJustin/pagestore/core/errors"
	"github.com/FocuswithJustin/pagestore/core/storage/internal/vfs"
)

// Begin starts a write transaction. A read transaction is opened first
// if needed. With exclusive set, or in exclusive locking mode, the
// EXCLUSIVE lock is taken immediately instead of at commit.
func (p *Pager) Begin(exclusive bool) error {
	if p.errCode != nil {
		return p.errCode
	}
	if p.readOnly {
		return serrors.Wrap(serrors.ErrReadOnly, p.path)
	}
	if p.state == StateOpen {
		if err := p.SharedLock(); err != nil {
			return err
		}
	}
	if p.state >= StateWriterLocked {
		return nil
	}

	if err := p.lockDB(vfs.LockReserved); err != nil {
		return err
	}
	if p.wal != nil {
		if err := p.wal.beginWrite(); err != nil {
			p.unlockDB(vfs.LockShared)
			return err
		}
	} else if exclusive || p.lockingMode == LockingExclusive {
		if err := p.lockDB(vfs.LockExclusive); err != nil {
			p.unlockDB(vfs.LockShared)
			return err
		}
	}

	p.dbOrigSize = p.dbSize
	p.dbFileSize = p.dbSize
	p.journalOff = 0
	p.journalHdr = 0
	p.setState(StateWriterLocked)
	return nil
}

// Write marks pg writable. Its current content is journaled first, so
// callers must call Write before changing pg.Data.
func (p *Pager) Write(pg *Page) error {
	if p.errCode != nil {
		return p.errCode
	}
	if p.readOnly {
		return serrors.Wrap(serrors.ErrReadOnly, p.path)
	}
	if p.state < StateWriterLocked {
		return serrors.NewMisuse("Write", p.state.String())
	}
	if pg.IsDirty() && pg.Pgno <= p.dbSize && p.inJournalOrUnjournaled(pg.Pgno) {
		if len(p.savepoints) > 0 {
			return p.subjournalIfRequired(pg)
		}
		return nil
	}
	if p.wal == nil && p.sectorSize > p.pageSize {
		return p.writeLargeSector(pg)
	}
	return p.write(pg)
}

// inJournalOrUnjournaled reports whether a dirty page needs no further
// journaling.
func (p *Pager) inJournalOrUnjournaled(pgno Pgno) bool {
	return p.inJournal == nil || pgno > p.dbOrigSize || p.inJournal.Contains(pgno)
}

func (p *Pager) write(pg *Page) error {
	if p.state == StateWriterLocked {
		if err := p.openJournal(); err != nil {
			return err
		}
	}
	p.cache.MakeDirty(pg)

	if p.inJournal != nil && !p.inJournal.Contains(pg.Pgno) {
		if pg.Pgno <= p.dbOrigSize {
			if err := p.journalPage(pg); err != nil {
				return err
			}
		} else if p.state != StateWriterDbMod {
			p.cache.SetNeedSync(pg)
		}
	}
	if len(p.savepoints) > 0 {
		if err := p.subjournalIfRequired(pg); err != nil {
			return err
		}
	}
	if p.dbSize < pg.Pgno {
		p.dbSize = pg.Pgno
	}
	return nil
}

// writeLargeSector journals every page sharing a disk sector with pg, so
// that a torn sector write can be undone.
func (p *Pager) writeLargeSector(pg *Page) error {
	p.noSpill |= spillNoSync
	defer func() { p.noSpill &^= spillNoSync }()

	perSector := Pgno(p.sectorSize / p.pageSize)
	first := ((pg.Pgno - 1) &^ (perSector - 1)) + 1
	n := perSector
	if pg.Pgno > p.dbSize {
		n = pg.Pgno - first + 1
	} else if first+perSector-1 > p.dbSize {
		n = p.dbSize + 1 - first
	}

	needSync := false
	for i := Pgno(0); i < n; i++ {
		pgno := first + i
		if pgno == p.pendingBytePage() {
			continue
		}
		if pgno != pg.Pgno && p.inJournal != nil && p.inJournal.Contains(pgno) {
			if q := p.cache.Lookup(pgno); q != nil {
				needSync = needSync || q.NeedSync()
				p.cache.Unref(q)
			}
			continue
		}
		q := pg
		if pgno != pg.Pgno {
			var err error
			if q, err = p.Get(pgno); err != nil {
				return err
			}
		}
		err := p.write(q)
		needSync = needSync || q.NeedSync()
		if q != pg {
			p.cache.Unref(q)
		}
		if err != nil {
			return err
		}
	}

	if needSync {
		for i := Pgno(0); i < n; i++ {
			if q := p.cache.Lookup(first + i); q != nil {
				p.cache.SetNeedSync(q)
				p.cache.Unref(q)
			}
		}
	}
	return nil
}

// openJournal opens the rollback journal for a new write transaction
// and writes its first header.
func (p *Pager) openJournal() error {
	if p.wal == nil && p.journalMode != JournalOff {
		p.inJournal = roaring.New()
		if p.jfd == nil {
			if p.journalMode == JournalMemory {
				p.jfd = vfs.NewMemFile()
				p.memJournal = true
			} else {
				f, err := p.vfs.Open(p.journalPath, vfs.OpenReadWrite|vfs.OpenCreate|vfs.OpenMainJournal)
				if err != nil {
					p.inJournal = nil
					return err
				}
				p.jfd = f
				p.memJournal = false
			}
		}
		p.nRec = 0
		p.journalOff = 0
		p.journalHdr = 0
		p.setMaster = false
		if err := p.writeJournalHdr(); err != nil {
			return err
		}
	}
	p.setState(StateWriterCacheMod)
	return nil
}

// journalPage appends the original content of pg to the journal.
func (p *Pager) journalPage(pg *Page) error {
	ps := p.pageSize
	rec := p.jbuf[:ps+8]
	put32(rec, pg.Pgno)
	copy(rec[4:], pg.Data)
	put32(rec[4+ps:], p.checksum(pg.Data))
	if _, err := p.jfd.WriteAt(rec, p.journalOff); err != nil {
		return p.fail(err)
	}
	p.journalOff += int64(len(rec))
	p.nRec++
	p.inJournal.Add(pg.Pgno)
	p.addToSavepoints(pg.Pgno)
	p.cache.SetNeedSync(pg)
	return nil
}

// DontWrite tells the pager that the content of pg no longer matters,
// for example because it moved to the freelist. The page is then not
// written back unless it changes again.
func (p *Pager) DontWrite(pg *Page) {
	if pg.IsDirty() && len(p.savepoints) == 0 {
		p.cache.SetDontWrite(pg)
	}
}

// MovePage gives pg the number pgno. Whatever was cached at pgno is
// discarded. isCommit is set when the move is part of the final
// truncation of an auto-vacuum commit.
func (p *Pager) MovePage(pg *Page, pgno Pgno, isCommit bool) error {
	if p.errCode != nil {
		return p.errCode
	}
	if pg.IsDirty() {
		if err := p.subjournalIfRequired(pg); err != nil {
			return err
		}
	}

	var needSyncPgno Pgno
	if pg.NeedSync() && !isCommit {
		needSyncPgno = pg.Pgno
	}

	if old := p.cache.Lookup(pgno); old != nil {
		if old.Refs() > 1 {
			p.cache.Unref(old)
			return serrors.Corruptf(pgno, "page in use cannot be replaced")
		}
		if old.NeedSync() {
			p.cache.SetNeedSync(pg)
		}
		p.cache.Drop(old)
	}

	p.cache.Move(pg, pgno)
	p.cache.MakeDirty(pg)

	// The original location must still be written once the journal is
	// synced, so that a rollback can find its content.
	if needSyncPgno != 0 {
		hdr, err := p.Get(needSyncPgno)
		if err != nil {
			if needSyncPgno <= p.dbOrigSize && p.inJournal != nil {
				p.inJournal.Remove(needSyncPgno)
			}
			return err
		}
		p.cache.MakeDirty(hdr)
		p.cache.SetNeedSync(hdr)
		p.cache.Unref(hdr)
	}
	return nil
}

// Truncate sets the size of the database image. Pages beyond it are
// discarded at commit.
func (p *Pager) Truncate(n Pgno) {
	if p.state >= StateWriterCacheMod {
		p.dbSize = n
	}
}

// Commit runs both commit phases without a master journal.
func (p *Pager) Commit() error {
	if err := p.CommitPhaseOne(""); err != nil {
		return err
	}
	return p.CommitPhaseTwo()
}

// CommitPhaseOne makes the transaction durable: the journal is synced,
// the database file written and synced. In WAL mode the dirty pages are
// appended as frames ending with a commit frame. master names the
// master journal of a multi-file commit and may be empty.
func (p *Pager) CommitPhaseOne(master string) error {
	if p.errCode != nil {
		return p.errCode
	}
	if p.state < StateWriterCacheMod {
		return nil
	}

	if p.wal != nil {
		if err := p.commitWAL(); err != nil {
			return p.fail(err)
		}
		p.setState(StateWriterFinished)
		return nil
	}

	if err := p.journalTruncatedPages(); err != nil {
		return p.fail(err)
	}
	if err := p.incrChangeCounter(); err != nil {
		return p.fail(err)
	}
	if err := p.writeMasterJournal(master); err != nil {
		return p.fail(err)
	}
	if err := p.syncJournal(false); err != nil {
		return p.fail(err)
	}
	if err := p.writePages(p.cache.DirtyList()); err != nil {
		return p.fail(err)
	}
	p.cache.CleanAll()

	if p.dbSize != p.dbFileSize {
		n := p.dbSize
		if n == p.pendingBytePage() {
			n--
		}
		if err := p.truncateFile(n); err != nil {
			return p.fail(err)
		}
	}
	if err := p.syncDB(); err != nil {
		return p.fail(err)
	}
	p.setState(StateWriterFinished)
	return nil
}

func (p *Pager) commitWAL() error {
	var list []*Page
	for _, pg := range p.cache.DirtyList() {
		if pg.Pgno <= p.dbSize {
			list = append(list, pg)
		}
	}
	if len(list) == 0 {
		one, err := p.Get(1)
		if err != nil {
			return err
		}
		defer p.cache.Unref(one)
		list = []*Page{one}
	}
	if err := p.wal.writeFrames(list, p.dbSize, true, p.syncMode); err != nil {
		return err
	}
	p.stats.Writes += int64(len(list))
	return nil
}

// journalTruncatedPages journals every page the transaction truncated
// away that was never written, so a rollback can restore them.
func (p *Pager) journalTruncatedPages() error {
	if p.dbSize >= p.dbOrigSize || p.inJournal == nil {
		return nil
	}
	size := p.dbSize
	p.dbSize = p.dbOrigSize
	defer func() { p.dbSize = size }()
	for i := size + 1; i <= p.dbOrigSize; i++ {
		if p.inJournal.Contains(i) || i == p.pendingBytePage() {
			continue
		}
		pg, err := p.Get(i)
		if err != nil {
			return err
		}
		err = p.write(pg)
		p.cache.Unref(pg)
		if err != nil {
			return err
		}
	}
	return nil
}

// incrChangeCounter bumps the file change counter on page 1.
func (p *Pager) incrChangeCounter() error {
	if p.changeCountDone || p.dbSize == 0 {
		return nil
	}
	pg, err := p.Get(1)
	if err != nil {
		return err
	}
	defer p.cache.Unref(pg)
	if err := p.Write(pg); err != nil {
		return err
	}
	n := get32(pg.Data[OffsetFileChangeCounter:]) + 1
	put32(pg.Data[OffsetFileChangeCounter:], n)
	put32(pg.Data[OffsetVersionValidFor:], n)
	put32(pg.Data[OffsetLibraryVersion:], LibraryVersion)
	p.changeCountDone = true
	return nil
}

// CommitPhaseTwo finalizes the journal, which commits the transaction,
// and returns to the READER state.
func (p *Pager) CommitPhaseTwo() error {
	if p.errCode != nil {
		return p.errCode
	}
	if p.state < StateWriterLocked {
		return nil
	}
	if p.state == StateWriterLocked && p.lockingMode == LockingExclusive && p.journalMode == JournalPersist {
		p.setState(StateReader)
		return nil
	}
	if p.state != StateWriterLocked && p.state != StateWriterFinished {
		return serrors.NewMisuse("CommitPhaseTwo", p.state.String())
	}
	p.dataVersion++
	if err := p.endTransaction(p.setMaster, true); err != nil {
		return p.failAlways(err)
	}
	p.autoCheckpoint()
	p.unlockIfUnused()
	return nil
}

// Rollback abandons the write transaction and restores every page to
// its state when the transaction began. In the ERROR state it discards
// the cache and recovers the database from the journal.
func (p *Pager) Rollback() error {
	if p.state == StateError {
		p.abandonError()
		if err := p.SharedLock(); err != nil {
			return err
		}
		p.unlockIfUnused()
		return nil
	}
	if p.state <= StateReader {
		return nil
	}

	var err error
	switch {
	case p.wal != nil:
		err = p.Savepoint(SavepointRollback, -1)
		if e := p.endTransaction(p.setMaster, false); err == nil {
			err = e
		}
	case p.jfd == nil || p.state == StateWriterLocked:
		p.dbSize = p.dbOrigSize
		if e := p.discardDirty(); e != nil {
			err = e
		}
		if e := p.endTransaction(false, false); err == nil {
			err = e
		}
	default:
		p.dbSize = p.dbOrigSize
		err = p.playback(false)
	}
	if err == nil {
		p.unlockIfUnused()
	}
	return p.failAlways(err)
}

// failAlways is fail for paths that run after the transaction ended.
func (p *Pager) failAlways(err error) error {
	if err == nil || p.state == StateError {
		return err
	}
	if serrors.IsIO(err) || serrors.Is(err, serrors.ErrFull) {
		p.errCode = err
		p.setState(StateError)
	}
	return err
}

// discardDirty reverts dirty pages without a journal: referenced pages
// are re-read from disk and the others dropped.
func (p *Pager) discardDirty() error {
	var firstErr error
	for _, pg := range p.cache.Pages() {
		if !pg.IsDirty() {
			continue
		}
		if pg.Refs() == 0 {
			p.cache.Drop(pg)
			continue
		}
		if pg.Pgno <= p.dbSize {
			if err := p.readPage(pg); err != nil && firstErr == nil {
				firstErr = err
			}
		} else {
			clear(pg.Data)
		}
		p.cache.MakeClean(pg)
		if p.reiniter != nil {
			p.reiniter(pg)
		}
	}
	return firstErr
}

// endTransaction finalizes the journal and drops back to a SHARED lock.
func (p *Pager) endTransaction(hasMaster, commit bool) error {
	if p.state < StateWriterLocked && p.file.LockLevel() < vfs.LockReserved {
		return nil
	}
	p.releaseSavepoints()

	var err error
	if p.jfd != nil {
		switch {
		case p.memJournal:
			p.jfd.Close()
			p.jfd = nil
			p.memJournal = false
		case p.journalMode == JournalTruncate:
			if p.journalOff != 0 {
				err = p.jfd.Truncate(0)
				if err == nil && p.syncMode == SyncFull {
					err = p.jfd.Sync(vfs.SyncDataOnly | p.syncFlags())
				}
			}
			p.journalOff = 0
		case p.journalMode == JournalPersist || (p.lockingMode == LockingExclusive && p.journalMode != JournalWAL):
			err = p.zeroJournalHdr(hasMaster)
			p.journalOff = 0
		default:
			p.jfd.Close()
			p.jfd = nil
			err = p.vfs.Delete(p.journalPath, false)
		}
	}
	p.inJournal = nil
	p.nRec = 0

	if err == nil {
		p.cache.CleanAll()
		p.cache.Truncate(p.dbSize)
	}
	if p.wal != nil {
		p.wal.endWrite()
	} else if err == nil && commit && p.dbFileSize > p.dbSize {
		err = p.truncateFile(p.dbSize)
	}
	if p.lockingMode != LockingExclusive {
		if e := p.unlockDB(vfs.LockShared); err == nil {
			err = e
		}
	}
	p.setMaster = false
	p.setState(StateReader)
	return err
}

func (p *Pager) zeroJournalHdr(truncate bool) error {
	if p.journalOff == 0 {
		return nil
	}
	var err error
	if truncate {
		err = p.jfd.Truncate(0)
	} else {
		var zero [28]byte
		_, err = p.jfd.WriteAt(zero[:], 0)
	}
	if err == nil && p.syncMode != SyncOff {
		err = p.jfd.Sync(vfs.SyncDataOnly | p.syncFlags())
	}
	return err
}

func (p *Pager) syncFlags() vfs.SyncFlag {
	if p.syncMode == SyncFull {
		return vfs.SyncFull
	}
	return vfs.SyncNormal
}

func (p *Pager) syncDB() error {
	if p.syncMode == SyncOff {
		return nil
	}
	return p.file.Sync(p.syncFlags())
}

// stress is called by the cache to spill a dirty page when it needs
// room. It must leave the page clean or refuse by returning nil.
func (p *Pager) stress(pg *Page) error {
	if p.errCode != nil {
		return p.errCode
	}
	if p.noSpill&(spillOff|spillRollback) != 0 || (p.noSpill&spillNoSync != 0 && pg.NeedSync()) {
		return nil
	}
	if pg.Refs() != 0 {
		return nil
	}

	if p.wal != nil {
		if err := p.subjournalIfRequired(pg); err != nil {
			return p.fail(err)
		}
		if err := p.wal.writeFrames([]*Page{pg}, 0, false, p.syncMode); err != nil {
			return p.fail(err)
		}
		p.stats.Writes++
	} else {
		if pg.NeedSync() || p.state == StateWriterCacheMod {
			if err := p.syncJournal(true); err != nil {
				return p.fail(err)
			}
		}
		if err := p.writePages([]*Page{pg}); err != nil {
			return p.fail(err)
		}
	}
	p.stats.Spills++
	p.cache.MakeClean(pg)
	return nil
}

// writePages writes pages to the database file under an EXCLUSIVE lock.
// Page 1 is written last so that the change counter only moves once
// every other page is in place.
func (p *Pager) writePages(list []*Page) error {
	if err := p.lockDB(vfs.LockExclusive); err != nil {
		return err
	}
	var first *Page
	for _, pg := range list {
		if pg.Pgno == 1 {
			first = pg
			continue
		}
		if err := p.writeOne(pg); err != nil {
			return err
		}
	}
	if first != nil {
		return p.writeOne(first)
	}
	return nil
}

func (p *Pager) writeOne(pg *Page) error {
	if pg.Pgno > p.dbSize || pg.DontWrite() {
		return nil
	}
	off := int64(pg.Pgno-1) * int64(p.pageSize)
	if _, err := p.file.WriteAt(pg.Data, off); err != nil {
		return err
	}
	if pg.Pgno == 1 {
		copy(p.fileVersion[:], pg.Data[24:40])
	}
	if pg.Pgno > p.dbFileSize {
		p.dbFileSize = pg.Pgno
	}
	p.stats.Writes++
	return nil
}

// truncateFile makes the database file exactly n pages long.
func (p *Pager) truncateFile(n Pgno) error {
	if p.state < StateWriterDbMod && p.state != StateOpen {
		return nil
	}
	size, err := p.file.Size()
	if err != nil {
		return err
	}
	want := int64(n) * int64(p.pageSize)
	switch {
	case size > want:
		err = p.file.Truncate(want)
	case size+int64(p.pageSize) <= want:
		// Extend by writing the last page.
		_, err = p.file.WriteAt(make([]byte, p.pageSize), want-int64(p.pageSize))
	}
	if err != nil {
		return err
	}
	p.dbFileSize = n
	return nil
}

// Checkpoint copies the WAL into the database file and resets the log.
// It is a no-op in rollback mode and fails with ErrBusy while another
// connection is reading.
func (p *Pager) Checkpoint() error {
	if p.errCode != nil {
		return p.errCode
	}
	if p.wal == nil {
		return nil
	}
	if p.readOnly {
		return serrors.Wrap(serrors.ErrReadOnly, p.path)
	}
	if p.state > StateReader {
		return serrors.NewMisuse("Checkpoint", p.state.String())
	}
	if err := p.SharedLock(); err != nil {
		return err
	}
	err := p.checkpoint(true)
	p.unlockIfUnused()
	return err
}

// autoCheckpoint runs after a WAL commit once the log is large. Busy is
// not an error here: another connection will checkpoint later.
func (p *Pager) autoCheckpoint() {
	if p.wal == nil || p.autoCkpt <= 0 || p.wal.frameCount() < uint32(p.autoCkpt) {
		return
	}
	if err := p.checkpoint(false); err != nil && !serrors.IsBusy(err) {
		p.log.Warn("auto-checkpoint failed", "file", p.path, "error", err)
	}
}

func (p *Pager) checkpoint(wait bool) error {
	held := p.file.LockLevel()
	var err error
	if wait {
		err = p.lockDB(vfs.LockExclusive)
	} else {
		err = p.file.Lock(vfs.LockExclusive)
	}
	if err != nil {
		p.file.Unlock(held)
		return err
	}
	defer func() {
		if p.lockingMode != LockingExclusive {
			p.unlockDB(held)
		}
	}()

	// Frames committed since our snapshot must be copied too.
	changed, err := p.wal.refresh()
	if err != nil {
		return err
	}
	if changed {
		if p.cache.RefCount() != 0 {
			return serrors.NewBusy(p.path, "checkpoint", 0)
		}
		p.reset()
	}
	return p.wal.checkpoint(p.file, p.syncMode)
}
