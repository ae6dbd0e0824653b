package btree

import (
	"bytes"
	"log/slog"
	"sync"

	serrors "github.com/FocuswithJustin/pagestore/core/errors"
	"github.com/FocuswithJustin/pagestore/core/storage/internal/pager"
	"github.com/FocuswithJustin/pagestore/core/storage/internal/vfs"
	"github.com/FocuswithJustin/pagestore/internal/logging"
)

// TransState is the transaction state of a Btree or of the shared
// structure.
type TransState int

const (
	TransNone TransState = iota
	TransRead
	TransWrite
)

func (s TransState) String() string {
	switch s {
	case TransRead:
		return "read"
	case TransWrite:
		return "write"
	}
	return "none"
}

// AutoVacuum selects how freed pages are returned to the file system.
type AutoVacuum int

const (
	AutoVacuumNone AutoVacuum = iota
	// AutoVacuumFull truncates the file at every commit.
	AutoVacuumFull
	// AutoVacuumIncremental keeps the pointer map but only truncates on
	// IncrVacuum.
	AutoVacuumIncremental
)

func (a AutoVacuum) String() string {
	switch a {
	case AutoVacuumFull:
		return "full"
	case AutoVacuumIncremental:
		return "incremental"
	}
	return "none"
}

// Config configures a Btree.
type Config struct {
	Pager pager.Config

	// AutoVacuum applies to new databases; an existing file keeps the
	// mode recorded in its header.
	AutoVacuum   AutoVacuum
	SecureDelete bool

	// SharedCache shares one BtShared, and so one pager, between every
	// Btree opened on the same file through Registry.
	SharedCache     bool
	Registry        *Registry
	ReadUncommitted bool

	Logger *slog.Logger
}

// BtShared is the state shared by every connection to one file: the
// pager, the open cursors and the table locks.
type BtShared struct {
	mu    sync.Mutex
	pager *pager.Pager
	log   *slog.Logger
	page1 *MemPage // held while any transaction is open

	pageSize   int
	usableSize int
	maxLocal   int
	minLocal   int
	maxLeaf    int
	minLeaf    int

	autoVacuum     bool
	incrVacuum     bool
	secureDelete   bool
	readOnly       bool
	pageSizeFixed  bool
	doTruncate     bool // truncate the file to nPage at commit
	initiallyEmpty bool
	noWAL          bool // leaving WAL mode; ignore the header version bytes

	inTransaction TransState
	nTransaction  int
	nPage         Pgno
	writer        *Btree
	exclusive     bool // writer holds an exclusive shared-cache lock
	pending       bool // writer waits for readers to finish

	cursors  []*Cursor
	locks    []*tableLock
	refs     int
	registry *Registry
	key      string
	scratch  []byte
}

// Btree is one connection to a database file.
type Btree struct {
	bt              *BtShared
	inTrans         TransState
	sharable        bool
	readUncommitted bool
	closed          bool
	lingering       bool // read transaction kept alive for open cursors
}

// Open opens the database at path. With SharedCache set, connections to
// the same file share one BtShared.
func Open(fs vfs.VFS, path string, cfg Config) (*Btree, error) {
	if fs == nil {
		fs = vfs.OS()
	}
	p := &Btree{
		sharable:        cfg.SharedCache,
		readUncommitted: cfg.ReadUncommitted,
	}
	if !cfg.SharedCache {
		bt, err := newShared(fs, path, cfg)
		if err != nil {
			return nil, err
		}
		p.bt = bt
		return p, nil
	}

	if cfg.Registry == nil {
		return nil, serrors.NewValidation("Registry", "shared cache requires a registry")
	}
	key, err := fs.FullPathname(path)
	if err != nil {
		return nil, err
	}
	bt, err := cfg.Registry.open(key, func() (*BtShared, error) {
		return newShared(fs, path, cfg)
	})
	if err != nil {
		return nil, err
	}
	p.bt = bt
	return p, nil
}

func newShared(fs vfs.VFS, path string, cfg Config) (*BtShared, error) {
	pcfg := cfg.Pager
	if pcfg.Logger == nil {
		pcfg.Logger = cfg.Logger
	}
	pg, err := pager.Open(fs, path, pcfg)
	if err != nil {
		return nil, err
	}
	bt := &BtShared{
		pager:        pg,
		log:          cfg.Logger,
		secureDelete: cfg.SecureDelete,
		readOnly:     pg.IsReadOnly(),
		autoVacuum:   cfg.AutoVacuum != AutoVacuumNone,
		incrVacuum:   cfg.AutoVacuum == AutoVacuumIncremental,
		refs:         1,
	}
	bt.setSizes()
	pg.SetReiniter(bt.reinitPage)
	return bt, nil
}

func (bt *BtShared) setSizes() {
	bt.pageSize = bt.pager.PageSize()
	bt.usableSize = bt.pager.UsableSize()
	u := bt.usableSize
	bt.maxLocal = (u-12)*64/255 - 23
	bt.minLocal = (u-12)*32/255 - 23
	bt.maxLeaf = u - 35
	bt.minLeaf = bt.minLocal
	if len(bt.scratch) != bt.pageSize {
		bt.scratch = make([]byte, bt.pageSize)
	}
}

// reinitPage runs when the pager reloads a page behind our back, during
// savepoint rollback.
func (bt *BtShared) reinitPage(pg *pager.Page) {
	mp, ok := pg.Extra.(*MemPage)
	if !ok || mp.bt != bt || !mp.isInit {
		return
	}
	mp.isInit = false
	if pg.Refs() > 1 {
		mp.data = pg.Data
		if err := mp.init(); err != nil {
			logging.Corruption(bt.log, bt.pager.Filename(), pg.Pgno, err)
		}
	}
}

func (p *Btree) enter() { p.bt.mu.Lock() }
func (p *Btree) leave() { p.bt.mu.Unlock() }

// memPage returns the MemPage view of pg, creating it if needed.
func (bt *BtShared) memPage(pg *pager.Page) *MemPage {
	mp, ok := pg.Extra.(*MemPage)
	if !ok || mp.bt != bt {
		mp = &MemPage{bt: bt, pg: pg}
		pg.Extra = mp
	}
	if mp.pgno != pg.Pgno {
		mp.pgno = pg.Pgno
		mp.isInit = false
	}
	mp.pg = pg
	mp.data = pg.Data
	mp.hdrOffset = 0
	if pg.Pgno == 1 {
		mp.hdrOffset = FileHeaderSize
	}
	return mp
}

// getPage fetches a page without parsing it.
func (bt *BtShared) getPage(pgno Pgno) (*MemPage, error) {
	pg, err := bt.pager.Get(pgno)
	if err != nil {
		return nil, err
	}
	return bt.memPage(pg), nil
}

// getAndInitPage fetches and parses a b-tree page.
func (bt *BtShared) getAndInitPage(pgno Pgno) (*MemPage, error) {
	if pgno == 0 || pgno > bt.nPage {
		return nil, serrors.Corruptf(pgno, "page number out of range (database has %d pages)", bt.nPage)
	}
	mp, err := bt.getPage(pgno)
	if err != nil {
		return nil, err
	}
	if !mp.isInit {
		if err := mp.init(); err != nil {
			bt.releasePage(mp)
			logging.Corruption(bt.log, bt.pager.Filename(), pgno, err)
			return nil, err
		}
	}
	return mp, nil
}

func (bt *BtShared) releasePage(mp *MemPage) {
	if mp != nil {
		bt.pager.Unref(mp.pg)
	}
}

// writable marks a page for modification.
func (bt *BtShared) writable(mp *MemPage) error {
	return bt.pager.Write(mp.pg)
}

// lockBtree reads page 1 at the start of a transaction and checks the
// file header. It returns with page1 still nil when the pager switched to
// WAL mode and the caller must try again.
func (bt *BtShared) lockBtree() error {
	if err := bt.pager.SharedLock(); err != nil {
		return err
	}
	p1, err := bt.getPage(1)
	if err != nil {
		return err
	}
	data := p1.data
	nPage := Pgno(get4(data[pager.OffsetDatabaseSize:]))
	nFile := bt.pager.PageCount()
	if nPage == 0 || !bytes.Equal(data[24:28], data[92:96]) {
		nPage = nFile
	}

	if nPage > 0 {
		fail := func(err error) error {
			bt.releasePage(p1)
			return err
		}
		if string(data[:16]) != pager.MagicHeaderString {
			return fail(serrors.Wrap(serrors.ErrNotADatabase, "bad magic"))
		}
		if data[pager.OffsetFileFormatWrite] > 2 {
			bt.readOnly = true
		}
		if data[pager.OffsetFileFormatRead] > 2 {
			return fail(serrors.Wrapf(serrors.ErrNotADatabase, "unknown read version %d", data[19]))
		}
		if data[pager.OffsetFileFormatRead] == 2 && !bt.pager.UsesWAL() && !bt.noWAL {
			bt.releasePage(p1)
			return bt.pager.OpenWAL()
		}
		if data[21] != 64 || data[22] != 32 || data[23] != 32 {
			return fail(serrors.Wrap(serrors.ErrNotADatabase, "bad payload fractions"))
		}
		pageSize := pager.DecodePageSize(uint16(get2(data[pager.OffsetPageSize:])))
		if pageSize != bt.pageSize || pageSize-int(data[pager.OffsetReservedSpace]) != bt.usableSize {
			return fail(serrors.Wrapf(serrors.ErrNotADatabase, "page size %d does not match %d", pageSize, bt.pageSize))
		}
		if bt.usableSize < 480 {
			return fail(serrors.NewCorrupt(1, "usable page size below 480"))
		}
		if nPage > nFile {
			return fail(serrors.Corruptf(1, "header claims %d pages, file has %d", nPage, nFile))
		}
		bt.autoVacuum = get4(data[pager.OffsetLargestRootPage:]) != 0
		bt.incrVacuum = get4(data[pager.OffsetIncrementalVacuum:]) != 0
		bt.pageSizeFixed = true
	}
	bt.page1 = p1
	bt.nPage = nPage
	return nil
}

// unlockIfUnused drops page 1 once no transaction or cursor needs it,
// which lets the pager release its lock.
func (bt *BtShared) unlockIfUnused() {
	if bt.inTransaction == TransNone && bt.page1 != nil && len(bt.cursors) == 0 {
		p1 := bt.page1
		bt.page1 = nil
		bt.releasePage(p1)
	}
}

// newDatabase writes the header and an empty schema root to page 1 of
// an empty file.
func (bt *BtShared) newDatabase() error {
	if bt.nPage > 0 {
		return nil
	}
	p1 := bt.page1
	if err := bt.writable(p1); err != nil {
		return err
	}
	data := p1.data
	pager.NewDatabaseHeader(bt.pageSize, bt.pageSize-bt.usableSize).PutInto(data)
	put4(data[pager.OffsetLargestRootPage:], boolU32(bt.autoVacuum))
	put4(data[pager.OffsetIncrementalVacuum:], boolU32(bt.incrVacuum))
	p1.zero(PageTypeLeafTable)
	bt.pageSizeFixed = true
	put4(data[pager.OffsetDatabaseSize:], 1)
	bt.nPage = 1
	return nil
}

func boolU32(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

// BeginTrans starts a read or write transaction. Starting a read
// transaction when a write transaction is open is a no-op, as is
// starting the same kind again.
func (p *Btree) BeginTrans(write bool) error {
	p.enter()
	defer p.leave()
	return p.beginTrans(write, false)
}

// BeginExclusive starts a write transaction that takes the EXCLUSIVE
// file lock immediately.
func (p *Btree) BeginExclusive() error {
	p.enter()
	defer p.leave()
	return p.beginTrans(true, true)
}

func (p *Btree) beginTrans(write, exclusive bool) error {
	bt := p.bt
	if p.closed {
		return serrors.NewMisuse("BeginTrans", "closed")
	}
	p.lingering = false
	if p.inTrans == TransWrite || (p.inTrans == TransRead && !write) {
		return nil
	}
	if write && (bt.readOnly || bt.pager.IsReadOnly()) {
		return serrors.Wrap(serrors.ErrReadOnly, bt.pager.Filename())
	}

	if p.sharable {
		if write && bt.inTransaction == TransWrite && bt.writer != p {
			return serrors.NewLocked(1, "shared cache")
		}
		if (bt.exclusive || bt.pending) && bt.writer != p {
			return serrors.NewLocked(1, "shared cache")
		}
		if err := p.queryTableLock(1, LockRead); err != nil {
			return err
		}
	}

	for attempt := 0; ; attempt++ {
		for bt.page1 == nil {
			if err := bt.lockBtree(); err != nil {
				bt.unlockIfUnused()
				return err
			}
		}
		if !write {
			break
		}
		err := bt.pager.Begin(exclusive)
		if err == nil {
			break
		}
		// A WAL snapshot taken by this call may be stale; drop it and
		// try once more with a fresh one.
		fresh := attempt == 0 && bt.inTransaction == TransNone && bt.pager.UsesWAL() && serrors.IsBusy(err)
		bt.unlockIfUnused()
		if !fresh {
			return err
		}
	}

	if write {
		bt.initiallyEmpty = bt.nPage == 0
		if err := bt.newDatabase(); err != nil {
			bt.pager.Rollback()
			bt.unlockIfUnused()
			return err
		}
		if err := bt.fixVersionBytes(); err != nil {
			bt.pager.Rollback()
			bt.unlockIfUnused()
			return err
		}
	}

	if p.inTrans == TransNone {
		bt.nTransaction++
		if p.sharable {
			if err := p.setTableLock(1, LockRead); err != nil {
				bt.nTransaction--
				bt.unlockIfUnused()
				return err
			}
		}
	}
	if write {
		p.inTrans = TransWrite
		bt.inTransaction = TransWrite
		bt.writer = p
		bt.exclusive = exclusive
	} else {
		p.inTrans = TransRead
		if bt.inTransaction == TransNone {
			bt.inTransaction = TransRead
		}
	}
	return nil
}

// fixVersionBytes makes header bytes 18 and 19 agree with the journal
// mode: 2 for WAL, 1 otherwise.
func (bt *BtShared) fixVersionBytes() error {
	want := byte(1)
	if bt.pager.UsesWAL() {
		want = 2
	}
	d := bt.page1.data
	if d[pager.OffsetFileFormatWrite] > 2 {
		return nil
	}
	if d[pager.OffsetFileFormatWrite] == want && d[pager.OffsetFileFormatRead] == want {
		return nil
	}
	if err := bt.writable(bt.page1); err != nil {
		return err
	}
	d[pager.OffsetFileFormatWrite] = want
	d[pager.OffsetFileFormatRead] = want
	return nil
}

// Commit commits the current transaction.
func (p *Btree) Commit() error {
	p.enter()
	defer p.leave()
	if err := p.commitPhaseOne(""); err != nil {
		return err
	}
	return p.commitPhaseTwo()
}

// CommitPhaseOne writes the transaction to disk. master names the master
// journal of a multi-file commit and may be empty.
func (p *Btree) CommitPhaseOne(master string) error {
	p.enter()
	defer p.leave()
	return p.commitPhaseOne(master)
}

// CommitPhaseTwo finishes a commit started with CommitPhaseOne.
func (p *Btree) CommitPhaseTwo() error {
	p.enter()
	defer p.leave()
	return p.commitPhaseTwo()
}

func (p *Btree) commitPhaseOne(master string) error {
	bt := p.bt
	if p.inTrans != TransWrite {
		return nil
	}
	if bt.autoVacuum && !bt.incrVacuum {
		if err := bt.autoVacuumCommit(); err != nil {
			return err
		}
	}
	if bt.doTruncate {
		bt.pager.Truncate(bt.nPage)
	}
	return bt.pager.CommitPhaseOne(master)
}

func (p *Btree) commitPhaseTwo() error {
	bt := p.bt
	if p.inTrans == TransNone {
		return nil
	}
	if p.inTrans == TransWrite {
		if err := bt.pager.CommitPhaseTwo(); err != nil {
			return err
		}
		bt.inTransaction = TransRead
		bt.doTruncate = false
		p.clearAllSharedLocks()
	}
	p.endTransaction()
	return nil
}

// endTransaction closes the transaction of p. If p still has cursors
// open it keeps a read transaction.
func (p *Btree) endTransaction() {
	bt := p.bt
	if p.inTrans > TransNone && p.hasCursors() {
		p.inTrans = TransRead
		p.lingering = true
		return
	}
	p.lingering = false
	if p.inTrans != TransNone {
		p.clearTableLocks()
		bt.nTransaction--
		if bt.nTransaction == 0 {
			bt.inTransaction = TransNone
		}
	}
	p.inTrans = TransNone
	bt.unlockIfUnused()
}

func (p *Btree) hasCursors() bool {
	for _, c := range p.bt.cursors {
		if c.btree == p {
			return true
		}
	}
	return false
}

// Rollback abandons the current transaction. Cursors of every connection
// on the shared structure are tripped to FAULT with ErrAbort when a
// write transaction is rolled back.
func (p *Btree) Rollback() error {
	p.enter()
	defer p.leave()
	return p.rollback()
}

func (p *Btree) rollback() error {
	bt := p.bt
	var err error
	if p.inTrans == TransWrite {
		bt.tripAllCursors(serrors.ErrAbort)
		if bt.pager.Err() != nil && bt.page1 != nil {
			p1 := bt.page1
			bt.page1 = nil
			bt.releasePage(p1)
		}
		err = bt.pager.Rollback()
		bt.doTruncate = false
		bt.inTransaction = TransRead
		p.clearAllSharedLocks()

		// The cached copy of page 1 is stale; reread it.
		if bt.page1 != nil {
			p1 := bt.page1
			bt.page1 = nil
			bt.releasePage(p1)
		}
	}
	p.endTransaction()
	if bt.nTransaction > 0 && bt.page1 == nil {
		for bt.page1 == nil {
			if e := bt.lockBtree(); e != nil {
				if err == nil {
					err = e
				}
				break
			}
		}
	}
	return err
}

// OpenSavepoint makes sure n savepoints are open.
func (p *Btree) OpenSavepoint(n int) error {
	p.enter()
	defer p.leave()
	if p.inTrans != TransWrite {
		return serrors.NewMisuse("OpenSavepoint", p.inTrans.String())
	}
	return p.bt.pager.OpenSavepoint(n)
}

// Savepoint releases or rolls back savepoint i. Rolling back i == -1
// restores the state at the start of the transaction and keeps it open.
func (p *Btree) Savepoint(op pager.SavepointOp, i int) error {
	p.enter()
	defer p.leave()
	bt := p.bt
	if p.inTrans != TransWrite {
		return nil
	}
	if op == pager.SavepointRollback {
		if err := bt.saveAllCursors(0, nil); err != nil {
			return err
		}
	}
	if err := bt.pager.Savepoint(op, i); err != nil {
		return err
	}
	if op != pager.SavepointRollback {
		return nil
	}
	if i < 0 && bt.initiallyEmpty {
		bt.nPage = 0
	}
	if err := bt.newDatabase(); err != nil {
		return err
	}
	bt.nPage = Pgno(get4(bt.page1.data[pager.OffsetDatabaseSize:]))
	if bt.nPage == 0 {
		bt.nPage = bt.pager.PageCount()
	}
	return nil
}

// GetMeta returns meta value idx from the file header. MetaDataVersion
// is not stored in the file; it changes whenever another connection
// commits.
func (p *Btree) GetMeta(idx int) (uint32, error) {
	p.enter()
	defer p.leave()
	if idx == MetaDataVersion {
		return uint32(p.bt.pager.DataVersion()), nil
	}
	if idx < 0 || idx > 14 {
		return 0, serrors.NewValidation("idx", "meta index out of range")
	}
	if p.inTrans == TransNone {
		return 0, serrors.NewMisuse("GetMeta", "no transaction")
	}
	return get4(p.bt.page1.data[36+4*idx:]), nil
}

// UpdateMeta sets meta value idx. Index 0, the free page count, is
// maintained by the b-tree and cannot be set.
func (p *Btree) UpdateMeta(idx int, v uint32) error {
	p.enter()
	defer p.leave()
	return p.updateMeta(idx, v)
}

func (p *Btree) updateMeta(idx int, v uint32) error {
	bt := p.bt
	if idx < 1 || idx > 14 {
		return serrors.NewValidation("idx", "meta index out of range")
	}
	if p.inTrans != TransWrite {
		return serrors.NewMisuse("UpdateMeta", p.inTrans.String())
	}
	if err := bt.writable(bt.page1); err != nil {
		return err
	}
	put4(bt.page1.data[36+4*idx:], v)
	if idx == MetaIncrVacuum {
		bt.incrVacuum = v != 0
	}
	return nil
}

// SetPageSize changes the page size and reserved bytes of an empty
// database. It fails once the size is fixed by the first write.
func (p *Btree) SetPageSize(size, reserve int) error {
	p.enter()
	defer p.leave()
	bt := p.bt
	if bt.pageSizeFixed || bt.inTransaction != TransNone {
		return serrors.NewMisuse("SetPageSize", "page size is fixed")
	}
	if err := bt.pager.SetPageSize(size, reserve); err != nil {
		return err
	}
	bt.setSizes()
	return nil
}

// SetAutoVacuum sets the auto-vacuum mode of an empty database.
func (p *Btree) SetAutoVacuum(mode AutoVacuum) error {
	p.enter()
	defer p.leave()
	bt := p.bt
	want := mode != AutoVacuumNone
	if bt.pageSizeFixed && want != bt.autoVacuum {
		return serrors.NewMisuse("SetAutoVacuum", "database is not empty")
	}
	bt.autoVacuum = want
	bt.incrVacuum = mode == AutoVacuumIncremental
	return nil
}

// AutoVacuum returns the auto-vacuum mode.
func (p *Btree) AutoVacuum() AutoVacuum {
	p.enter()
	defer p.leave()
	switch {
	case p.bt.incrVacuum:
		return AutoVacuumIncremental
	case p.bt.autoVacuum:
		return AutoVacuumFull
	}
	return AutoVacuumNone
}

// SetSecureDelete turns zeroing of freed content on or off.
func (p *Btree) SetSecureDelete(on bool) {
	p.enter()
	defer p.leave()
	p.bt.secureDelete = on
}

// SetJournalMode changes the journal mode. Switching into or out of WAL
// requires that no transaction is open.
func (p *Btree) SetJournalMode(mode pager.JournalMode) (pager.JournalMode, error) {
	p.enter()
	defer p.leave()
	bt := p.bt
	old := bt.pager.JournalMode()
	if (mode == pager.JournalWAL) == (old == pager.JournalWAL) {
		return bt.pager.SetJournalMode(mode)
	}
	if bt.inTransaction != TransNone {
		return old, serrors.NewMisuse("SetJournalMode", "transaction open")
	}
	bt.noWAL = mode != pager.JournalWAL
	got, err := bt.pager.SetJournalMode(mode)
	if err != nil {
		return got, err
	}

	// Rewrite the header version bytes, unless the database is empty.
	if err := p.beginTrans(false, false); err != nil {
		return got, err
	}
	empty := bt.nPage == 0
	p.endTransaction()
	if empty {
		return got, nil
	}
	if err := p.beginTrans(true, false); err != nil {
		return got, err
	}
	if err := p.commitPhaseOne(""); err != nil {
		p.rollback()
		return got, err
	}
	return got, p.commitPhaseTwo()
}

// JournalMode returns the journal mode.
func (p *Btree) JournalMode() pager.JournalMode {
	p.enter()
	defer p.leave()
	return p.bt.pager.JournalMode()
}

// Checkpoint copies the WAL into the database file. No transaction may be
// open on this connection.
func (p *Btree) Checkpoint() error {
	p.enter()
	defer p.leave()
	if p.inTrans != TransNone {
		return serrors.NewMisuse("Checkpoint", p.inTrans.String())
	}
	return p.bt.pager.Checkpoint()
}

// Close rolls back any open transaction, closes the cursors of this
// connection and releases the shared structure.
func (p *Btree) Close() error {
	p.enter()
	bt := p.bt
	if p.closed {
		p.leave()
		return nil
	}
	for _, c := range append([]*Cursor(nil), bt.cursors...) {
		if c.btree == p {
			c.close()
		}
	}
	err := p.rollback()
	p.closed = true
	p.leave()

	if bt.registry != nil && !bt.registry.release(bt) {
		return err
	}
	bt.mu.Lock()
	defer bt.mu.Unlock()
	if e := bt.pager.Close(); err == nil {
		err = e
	}
	return err
}

// TxnState returns the transaction state of this connection.
func (p *Btree) TxnState() TransState {
	p.enter()
	defer p.leave()
	return p.inTrans
}

// PageCount returns the number of pages in the database as seen by the
// current transaction.
func (p *Btree) PageCount() Pgno {
	p.enter()
	defer p.leave()
	return p.bt.nPage
}

// PageSize returns the page size.
func (p *Btree) PageSize() int {
	p.enter()
	defer p.leave()
	return p.bt.pageSize
}

// UsableSize returns the page size minus the reserved bytes.
func (p *Btree) UsableSize() int {
	p.enter()
	defer p.leave()
	return p.bt.usableSize
}

// DataVersion changes whenever another connection commits.
func (p *Btree) DataVersion() uint64 {
	p.enter()
	defer p.leave()
	return p.bt.pager.DataVersion()
}

// Stats returns the pager counters.
func (p *Btree) Stats() pager.Stats {
	p.enter()
	defer p.leave()
	return p.bt.pager.Stats()
}

// Pager returns the underlying pager.
func (p *Btree) Pager() *pager.Pager { return p.bt.pager }

// Filename returns the database path.
func (p *Btree) Filename() string { return p.bt.pager.Filename() }
