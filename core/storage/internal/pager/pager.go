package pager

import (
	"bytes"
	"fmt"
	"log/slog"
	"time"

	"github.com/RoaringBitmap/roaring"

	serrors "github.com/FocuswithJustin/pagestore/core/errors"
	"github.com/FocuswithJustin/pagestore/core/storage/internal/pcache"
	"github.com/FocuswithJustin/pagestore/core/storage/internal/vfs"
	"github.com/FocuswithJustin/pagestore/internal/logging"
)

// Pgno is a 1-based page number.
type Pgno = uint32

// Page is a page handed out by the pager. It is owned by the page cache
// and must be released with Unref.
type Page = pcache.Page

// State is the pager state.
type State int

// Pager states
const (
	// StateOpen means no lock is held and the cache may be stale.
	StateOpen State = iota

	// StateReader means a SHARED lock is held and the cache is valid.
	StateReader

	// StateWriterLocked means a RESERVED lock is held but nothing has
	// been changed yet.
	StateWriterLocked

	// StateWriterCacheMod means the journal is open and pages have been
	// changed in the cache.
	StateWriterCacheMod

	// StateWriterDbMod means the journal has been synced and the database
	// file may have been written.
	StateWriterDbMod

	// StateWriterFinished means phase one of a commit is complete.
	StateWriterFinished

	// StateError means an I/O error left the pager in an unknown state.
	StateError
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateReader:
		return "READER"
	case StateWriterLocked:
		return "WRITER_LOCKED"
	case StateWriterCacheMod:
		return "WRITER_CACHEMOD"
	case StateWriterDbMod:
		return "WRITER_DBMOD"
	case StateWriterFinished:
		return "WRITER_FINISHED"
	case StateError:
		return "ERROR"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// JournalMode selects how transactions are made atomic.
type JournalMode int

// Journal modes. JournalDelete is the zero value.
const (
	JournalDelete JournalMode = iota
	JournalPersist
	JournalOff
	JournalTruncate
	JournalMemory
	JournalWAL
)

var journalModeNames = [...]string{"delete", "persist", "off", "truncate", "memory", "wal"}

func (m JournalMode) String() string {
	if m >= 0 && int(m) < len(journalModeNames) {
		return journalModeNames[m]
	}
	return fmt.Sprintf("JournalMode(%d)", int(m))
}

// ParseJournalMode parses a journal mode name.
func ParseJournalMode(s string) (JournalMode, error) {
	for i, name := range journalModeNames {
		if name == s {
			return JournalMode(i), nil
		}
	}
	return 0, serrors.NewValidation("journal_mode", fmt.Sprintf("unknown mode %q", s))
}

// SyncMode controls how often files are synced.
type SyncMode int

// Sync modes. SyncFull is the zero value.
const (
	SyncFull SyncMode = iota
	SyncNormal
	SyncOff
)

func (m SyncMode) String() string {
	switch m {
	case SyncFull:
		return "full"
	case SyncNormal:
		return "normal"
	case SyncOff:
		return "off"
	}
	return fmt.Sprintf("SyncMode(%d)", int(m))
}

// ParseSyncMode parses a sync mode name.
func ParseSyncMode(s string) (SyncMode, error) {
	switch s {
	case "full":
		return SyncFull, nil
	case "normal":
		return SyncNormal, nil
	case "off":
		return SyncOff, nil
	}
	return 0, serrors.NewValidation("synchronous", fmt.Sprintf("unknown mode %q", s))
}

// LockingMode controls whether locks are released between transactions.
type LockingMode int

const (
	LockingNormal LockingMode = iota
	// LockingExclusive keeps locks once taken, until the pager closes or
	// the mode is set back to normal.
	LockingExclusive
)

// BusyHandler is consulted when a lock cannot be obtained. It receives
// the number of previous attempts and returns true to retry.
type BusyHandler func(attempt int) bool

var busyDelays = []time.Duration{1, 2, 5, 10, 15, 20, 25, 25, 25, 50, 50, 100}

// BusyTimeout returns a BusyHandler that sleeps with increasing delays
// until d has elapsed in total.
func BusyTimeout(d time.Duration) BusyHandler {
	return func(attempt int) bool {
		var total time.Duration
		delay := busyDelays[len(busyDelays)-1] * time.Millisecond
		for i := 0; i < attempt; i++ {
			if i < len(busyDelays) {
				total += busyDelays[i] * time.Millisecond
			} else {
				total += delay
			}
		}
		if attempt < len(busyDelays) {
			delay = busyDelays[attempt] * time.Millisecond
		}
		if total+delay > d {
			delay = d - total
			if delay <= 0 {
				return false
			}
		}
		time.Sleep(delay)
		return true
	}
}

// Defaults
const (
	DefaultCacheSize         = 2000
	DefaultWALAutoCheckpoint = 1000
	DefaultMaxPageCount      = 1073741823
	MaxSectorSize            = 0x10000
)

// Config configures a Pager.
type Config struct {
	// PageSize is used when the file is empty. An existing database
	// keeps the page size recorded in its header.
	PageSize      int
	ReservedBytes int

	// CacheSize is the soft page cache limit in pages.
	CacheSize int
	// HardCacheLimit caps the cache in pages. Zero means no cap.
	HardCacheLimit int

	JournalMode JournalMode
	SyncMode    SyncMode
	LockingMode LockingMode
	ReadOnly    bool
	BusyHandler BusyHandler

	// WALAutoCheckpoint is the WAL size in frames that triggers a
	// checkpoint after commit. Zero means the default; negative disables.
	WALAutoCheckpoint int

	Logger *slog.Logger
}

// Stats holds pager counters.
type Stats struct {
	Hits       int64
	Misses     int64
	Reads      int64
	Writes     int64
	Spills     int64
	Evictions  int64
	CachePages int
	DirtyPages int
	CacheSize  int
}

// spill suppression flags
const (
	spillOff      = 1 << iota
	spillRollback // playing back a savepoint
	spillNoSync   // writing a large sector
)

// Pager provides transactional access to the pages of one database file.
// A Pager is used by one goroutine at a time.
type Pager struct {
	vfs         vfs.VFS
	path        string
	journalPath string
	walPath     string
	file        vfs.File
	jfd         vfs.File // journal, nil when not open
	memJournal  bool     // jfd lives in memory
	sjfd        vfs.File // sub-journal, in memory
	wal         *wal
	cache       *pcache.Cache
	log         *slog.Logger

	state    State
	errCode  error // sticky error while in StateError
	readOnly bool

	pageSize   int
	reserved   int
	sectorSize int

	dbSize     Pgno // current size of the database image
	dbOrigSize Pgno // size when the write transaction began
	dbFileSize Pgno // size of the database file on disk
	maxPgno    Pgno

	journalMode JournalMode
	syncMode    SyncMode
	lockingMode LockingMode
	busy        BusyHandler
	autoCkpt    int

	journalOff int64 // end of the journal content
	journalHdr int64 // offset of the current journal header
	nRec       int   // records since the current header
	cksumInit  uint32
	setMaster  bool
	inJournal  *roaring.Bitmap

	savepoints []*savepoint
	nSubRec    int

	fileVersion     [16]byte // bytes 24..39 of page 1 as last seen
	hadShared       bool
	changeCountDone bool
	dataVersion     uint64
	noSpill         int

	reiniter func(*Page)
	stats    Stats

	jbuf []byte // journal record being written
	pbuf []byte // journal record being played back
	sbuf []byte // sub-journal record
}

// Open opens or creates the database file at path. A nil fs means the
// operating system VFS.
func Open(fs vfs.VFS, path string, cfg Config) (*Pager, error) {
	if fs == nil {
		fs = vfs.OS()
	}
	if cfg.PageSize == 0 {
		cfg.PageSize = DefaultPageSize
	}
	if !IsValidPageSize(cfg.PageSize) {
		return nil, serrors.NewValidation("PageSize", fmt.Sprintf("%d is not a power of two in [512, 65536]", cfg.PageSize))
	}
	if cfg.ReservedBytes < 0 || cfg.ReservedBytes > 255 || cfg.PageSize-cfg.ReservedBytes < 480 {
		return nil, serrors.NewValidation("ReservedBytes", fmt.Sprintf("%d is out of range", cfg.ReservedBytes))
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultCacheSize
	}
	if cfg.WALAutoCheckpoint == 0 {
		cfg.WALAutoCheckpoint = DefaultWALAutoCheckpoint
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.GetLogger()
	}

	full, err := fs.FullPathname(path)
	if err != nil {
		return nil, err
	}
	flags := vfs.OpenMainDB | vfs.OpenReadWrite | vfs.OpenCreate
	if cfg.ReadOnly {
		flags = vfs.OpenMainDB | vfs.OpenReadOnly
	}
	f, err := fs.Open(full, flags)
	if err != nil {
		return nil, err
	}

	p := &Pager{
		vfs:         fs,
		path:        full,
		journalPath: full + "-journal",
		walPath:     full + "-wal",
		file:        f,
		log:         cfg.Logger,
		readOnly:    cfg.ReadOnly,
		pageSize:    cfg.PageSize,
		reserved:    cfg.ReservedBytes,
		maxPgno:     DefaultMaxPageCount,
		journalMode: cfg.JournalMode,
		syncMode:    cfg.SyncMode,
		lockingMode: cfg.LockingMode,
		busy:        cfg.BusyHandler,
		autoCkpt:    cfg.WALAutoCheckpoint,
	}

	// An existing database keeps its own page size.
	if size, err := f.Size(); err == nil && size >= DatabaseHeaderSize {
		hdr := make([]byte, DatabaseHeaderSize)
		if _, err := f.ReadAt(hdr, 0); err == nil {
			if h, err := ParseDatabaseHeader(hdr); err == nil {
				p.pageSize = h.PageSize
				p.reserved = int(h.ReservedSpace)
			}
		}
	}

	p.cache, err = pcache.New(pcache.Config{
		PageSize:  p.pageSize,
		CacheSize: cfg.CacheSize,
		HardLimit: cfg.HardCacheLimit,
		Stress:    p.stress,
	})
	if err != nil {
		f.Close()
		return nil, err
	}
	if p.journalMode == JournalWAL {
		// Opened lazily once a lock is held.
		p.journalMode = JournalDelete
		if err := p.openWAL(); err != nil {
			f.Close()
			return nil, err
		}
	}
	p.allocBuffers()
	p.setSectorSize()
	return p, nil
}

func (p *Pager) allocBuffers() {
	p.jbuf = make([]byte, p.pageSize+8)
	p.pbuf = make([]byte, p.pageSize+8)
	p.sbuf = make([]byte, p.pageSize+4)
}

// setSectorSize reads the sector size from the file. Power-safe
// overwrite devices are treated as having 512-byte sectors.
func (p *Pager) setSectorSize() {
	if p.file.DeviceCharacteristics()&vfs.IOCapPowersafeOverwrite != 0 {
		p.sectorSize = 512
		return
	}
	n := p.file.SectorSize()
	switch {
	case n < 32:
		n = 512
	case n > MaxSectorSize:
		n = MaxSectorSize
	}
	p.sectorSize = n
}

// Close rolls back any open transaction and closes all files. In WAL
// mode the log is checkpointed and deleted if no other connection is
// using the database.
func (p *Pager) Close() error {
	var errs []error
	switch {
	case p.state == StateError:
		p.abandonError()
	case p.state >= StateWriterLocked:
		errs = append(errs, p.Rollback())
	}
	if p.wal != nil {
		errs = append(errs, p.closeWAL(false))
	}
	p.releaseSavepoints()
	p.cache.Clear()
	if p.jfd != nil {
		errs = append(errs, p.jfd.Close())
		p.jfd = nil
	}
	if p.sjfd != nil {
		p.sjfd.Close()
		p.sjfd = nil
	}
	if p.file != nil {
		errs = append(errs, p.file.Close())
		p.file = nil
	}
	p.setState(StateOpen)
	return serrors.Join(errs...)
}

// SharedLock starts a read transaction: it takes a SHARED lock, rolls
// back a hot journal if one is found and discards the cache if another
// connection changed the database.
func (p *Pager) SharedLock() error {
	if p.errCode != nil {
		return p.errCode
	}
	if p.state != StateOpen {
		return nil
	}
	if err := p.lockDB(vfs.LockShared); err != nil {
		return err
	}

	if p.wal == nil {
		hot, err := p.hasHotJournal()
		if err != nil {
			p.unlockDB(vfs.LockNone)
			return err
		}
		if hot {
			if err := p.recoverHotJournal(); err != nil {
				p.unlock()
				return err
			}
		}
	}

	if p.wal == nil && p.hadShared {
		var vers [16]byte
		n, err := p.filePages()
		if err != nil {
			p.unlockDB(vfs.LockNone)
			return err
		}
		if n > 0 {
			if _, err := p.file.ReadAt(vers[:], 24); err != nil && !serrors.Is(err, serrors.ErrShortRead) {
				p.unlockDB(vfs.LockNone)
				return err
			}
		}
		if !bytes.Equal(vers[:], p.fileVersion[:]) {
			p.reset()
		}
	}
	p.hadShared = true

	if err := p.openWALIfPresent(); err != nil {
		p.unlock()
		return err
	}
	if p.wal != nil {
		changed, err := p.wal.beginRead()
		if err != nil {
			p.unlock()
			return err
		}
		if changed {
			p.reset()
		}
	}

	n, err := p.pagecount()
	if err != nil {
		p.unlock()
		return err
	}
	p.dbSize = n
	p.setState(StateReader)
	return nil
}

func (p *Pager) recoverHotJournal() error {
	if p.readOnly {
		return serrors.Wrap(serrors.ErrReadOnly, "hot journal needs rollback")
	}
	// The lock is taken without the busy handler: a connection waiting
	// here could deadlock with one that holds RESERVED.
	if err := p.file.Lock(vfs.LockExclusive); err != nil {
		return err
	}
	if p.jfd == nil {
		exists, err := p.vfs.Access(p.journalPath)
		if err != nil {
			return err
		}
		if exists {
			f, err := p.vfs.Open(p.journalPath, vfs.OpenReadWrite|vfs.OpenMainJournal)
			if err != nil {
				return err
			}
			p.jfd = f
		}
	}
	if p.jfd == nil {
		if p.lockingMode != LockingExclusive {
			return p.unlockDB(vfs.LockShared)
		}
		return nil
	}
	if err := p.syncHotJournal(); err != nil {
		return err
	}
	if err := p.playback(true); err != nil {
		return err
	}
	p.setState(StateOpen)
	return nil
}

// Get returns page pgno with a new reference. Pages beyond the end of
// the database are returned zero-filled. A read transaction is started
// if none is open.
func (p *Pager) Get(pgno Pgno) (*Page, error) {
	if p.errCode != nil {
		return nil, p.errCode
	}
	if pgno == 0 || pgno == p.pendingBytePage() {
		return nil, serrors.Corruptf(pgno, "invalid page number")
	}
	if p.state == StateOpen {
		if err := p.SharedLock(); err != nil {
			return nil, err
		}
	}
	if pg := p.cache.Lookup(pgno); pg != nil {
		p.stats.Hits++
		return pg, nil
	}
	p.stats.Misses++
	if pgno > p.maxPgno {
		return nil, serrors.Wrapf(serrors.ErrFull, "page %d exceeds the maximum page count", pgno)
	}
	pg, err := p.cache.Fetch(pgno, true)
	if err != nil {
		return nil, err
	}
	if pgno <= p.dbSize {
		if err := p.readPage(pg); err != nil {
			p.cache.Drop(pg)
			return nil, err
		}
	}
	return pg, nil
}

// readPage fills pg from the WAL or the database file.
func (p *Pager) readPage(pg *Page) error {
	if p.wal != nil {
		if frame := p.wal.find(pg.Pgno); frame != 0 {
			p.stats.Reads++
			return p.wal.readFrame(frame, pg.Data)
		}
	}
	off := int64(pg.Pgno-1) * int64(p.pageSize)
	if _, err := p.file.ReadAt(pg.Data, off); err != nil && !serrors.Is(err, serrors.ErrShortRead) {
		return err
	}
	if pg.Pgno == 1 {
		copy(p.fileVersion[:], pg.Data[24:40])
	}
	p.stats.Reads++
	return nil
}

// Lookup returns page pgno with a new reference if it is cached.
func (p *Pager) Lookup(pgno Pgno) *Page {
	if p.errCode != nil {
		return nil
	}
	return p.cache.Lookup(pgno)
}

// Ref adds a reference to a page the caller already holds.
func (p *Pager) Ref(pg *Page) { p.cache.Ref(pg) }

// Unref releases a page. When the last page of a read transaction is
// released the SHARED lock is dropped.
func (p *Pager) Unref(pg *Page) {
	if pg == nil {
		return
	}
	p.cache.Unref(pg)
	p.unlockIfUnused()
}

func (p *Pager) unlockIfUnused() {
	if p.cache.RefCount() != 0 {
		return
	}
	if p.state == StateReader && p.lockingMode != LockingExclusive {
		p.unlock()
	}
}

// unlock ends a read transaction.
func (p *Pager) unlock() {
	p.releaseSavepoints()
	if p.jfd != nil && !p.memJournal {
		p.jfd.Close()
		p.jfd = nil
	}
	if p.lockingMode != LockingExclusive {
		p.unlockDB(vfs.LockNone)
	}
	p.changeCountDone = false
	p.setState(StateOpen)
}

// abandonError leaves the error state: the cache is discarded and all
// locks dropped so that the next reader recovers from the journal.
func (p *Pager) abandonError() {
	p.releaseSavepoints()
	if p.wal != nil {
		p.wal.endWrite()
	}
	if p.jfd != nil {
		p.jfd.Close()
		p.jfd = nil
	}
	p.inJournal = nil
	p.reset()
	if p.file != nil {
		p.file.Unlock(vfs.LockNone)
	}
	p.errCode = nil
	p.changeCountDone = false
	p.setState(StateOpen)
}

func (p *Pager) reset() {
	p.dataVersion++
	p.cache.Clear()
}

// lockDB raises the database lock, consulting the busy handler while it
// is held by another connection.
func (p *Pager) lockDB(level vfs.LockLevel) error {
	from := p.file.LockLevel()
	if from >= level {
		return nil
	}
	for attempt := 0; ; attempt++ {
		err := p.file.Lock(level)
		if err == nil {
			logging.LockChange(p.log, p.path, from.String(), level.String())
			return nil
		}
		if !serrors.IsBusy(err) {
			return err
		}
		if p.busy == nil || !p.busy(attempt) {
			return serrors.NewBusy(p.path, level.String(), attempt+1)
		}
	}
}

func (p *Pager) unlockDB(level vfs.LockLevel) error {
	from := p.file.LockLevel()
	if from <= level {
		return nil
	}
	if err := p.file.Unlock(level); err != nil {
		return err
	}
	logging.LockChange(p.log, p.path, from.String(), level.String())
	return nil
}

func (p *Pager) setState(s State) {
	if p.state == s {
		return
	}
	logging.StateTransition(p.log, p.path, p.state.String(), s.String())
	p.state = s
}

// fail records err as the sticky pager error when it leaves the files
// in an unknown state.
func (p *Pager) fail(err error) error {
	if err == nil || p.state == StateError {
		return err
	}
	if p.state < StateWriterLocked {
		return err
	}
	if serrors.IsIO(err) || serrors.IsCorrupt(err) || serrors.Is(err, serrors.ErrFull) {
		p.errCode = err
		p.setState(StateError)
	}
	return err
}

func (p *Pager) filePages() (Pgno, error) {
	size, err := p.file.Size()
	if err != nil {
		return 0, err
	}
	return Pgno((size + int64(p.pageSize) - 1) / int64(p.pageSize)), nil
}

// pagecount returns the size of the database as seen by a new read
// transaction.
func (p *Pager) pagecount() (Pgno, error) {
	if p.wal != nil {
		if n := p.wal.dbSize(); n > 0 {
			return n, nil
		}
	}
	return p.filePages()
}

func (p *Pager) pendingBytePage() Pgno {
	return Pgno(vfs.PendingByte/p.pageSize) + 1
}

// PendingBytePage returns the page that holds the lock bytes. It is
// never used for data.
func (p *Pager) PendingBytePage() Pgno { return p.pendingBytePage() }

// SetJournalMode changes the journal mode and returns the mode in
// effect. It cannot change while a write transaction is open.
func (p *Pager) SetJournalMode(mode JournalMode) (JournalMode, error) {
	old := p.journalMode
	if mode == old {
		return old, nil
	}
	if mode < JournalDelete || mode > JournalWAL {
		return old, serrors.NewValidation("journal_mode", mode.String())
	}
	if p.state > StateReader {
		return old, serrors.NewMisuse("SetJournalMode", p.state.String())
	}
	if old == JournalWAL {
		if err := p.closeWAL(true); err != nil {
			return old, err
		}
		p.journalMode = JournalDelete
	}
	if mode == JournalWAL {
		if err := p.openWAL(); err != nil {
			return p.journalMode, err
		}
		return JournalWAL, nil
	}

	// Leaving a mode that can leave a journal file behind removes it.
	keepsFile := func(m JournalMode) bool {
		return m == JournalDelete || m == JournalPersist || m == JournalTruncate
	}
	if keepsFile(old) && !keepsFile(mode) {
		if p.jfd != nil {
			p.jfd.Close()
			p.jfd = nil
		}
		if err := p.deleteStaleJournal(); err != nil {
			return old, err
		}
	}
	p.journalMode = mode
	return mode, nil
}

func (p *Pager) deleteStaleJournal() error {
	held := p.file.LockLevel()
	if held >= vfs.LockReserved {
		return p.vfs.Delete(p.journalPath, false)
	}
	if held == vfs.LockNone {
		if err := p.file.Lock(vfs.LockShared); err != nil {
			return err
		}
	}
	if err := p.file.Lock(vfs.LockReserved); err == nil {
		p.vfs.Delete(p.journalPath, false)
	}
	return p.file.Unlock(held)
}

// JournalMode returns the journal mode in effect.
func (p *Pager) JournalMode() JournalMode { return p.journalMode }

// SetLockingMode switches between normal and exclusive locking.
func (p *Pager) SetLockingMode(m LockingMode) {
	p.lockingMode = m
	if m == LockingNormal {
		p.unlockIfUnused()
	}
}

// LockingMode returns the locking mode.
func (p *Pager) LockingMode() LockingMode { return p.lockingMode }

// SetBusyHandler installs the handler consulted on lock contention.
func (p *Pager) SetBusyHandler(h BusyHandler) { p.busy = h }

// SetCacheSize changes the soft cache limit in pages.
func (p *Pager) SetCacheSize(n int) { p.cache.SetCacheSize(n) }

// SetSyncMode changes the durability level.
func (p *Pager) SetSyncMode(m SyncMode) { p.syncMode = m }

// SyncMode returns the durability level.
func (p *Pager) SyncMode() SyncMode { return p.syncMode }

// SetMaxPageCount limits the size of the database. It returns the limit
// in effect, which never drops below the current size.
func (p *Pager) SetMaxPageCount(n Pgno) Pgno {
	if n > 0 {
		if n < p.dbSize {
			n = p.dbSize
		}
		p.maxPgno = n
	}
	return p.maxPgno
}

// SetPageSize changes the page size and reserved bytes per page. It is
// only possible while the database file is empty and no page is held. A
// negative reserve keeps the current value.
func (p *Pager) SetPageSize(size, reserve int) error {
	if reserve < 0 {
		reserve = p.reserved
	}
	if !IsValidPageSize(size) {
		return serrors.NewValidation("PageSize", fmt.Sprintf("%d is not a power of two in [512, 65536]", size))
	}
	if reserve > 255 || size-reserve < 480 {
		return serrors.NewValidation("ReservedBytes", fmt.Sprintf("%d is out of range", reserve))
	}
	if size == p.pageSize && reserve == p.reserved {
		return nil
	}
	if p.cache.RefCount() != 0 || p.state > StateReader {
		return serrors.NewMisuse("SetPageSize", "pages in use")
	}
	if size != p.pageSize {
		n, err := p.filePages()
		if err != nil {
			return err
		}
		if n > 0 || (p.wal != nil && p.wal.dbSize() > 0) {
			return serrors.NewMisuse("SetPageSize", "database is not empty")
		}
		p.reset()
		if err := p.cache.SetPageSize(size); err != nil {
			return err
		}
		p.pageSize = size
		p.allocBuffers()
		if p.wal != nil {
			p.wal.setPageSize(size)
		}
	}
	p.reserved = reserve
	return nil
}

// SetReiniter installs a function called for every cached page whose
// content was restored by a rollback.
func (p *Pager) SetReiniter(fn func(*Page)) { p.reiniter = fn }

// PageSize returns the page size in bytes.
func (p *Pager) PageSize() int { return p.pageSize }

// UsableSize returns the page size less the reserved bytes.
func (p *Pager) UsableSize() int { return p.pageSize - p.reserved }

// ReservedBytes returns the number of unused bytes at the end of pages.
func (p *Pager) ReservedBytes() int { return p.reserved }

// PageCount returns the number of pages in the database image. It is
// only meaningful while a transaction is open.
func (p *Pager) PageCount() Pgno { return p.dbSize }

// DataVersion changes whenever this connection commits or notices a
// change made by another connection.
func (p *Pager) DataVersion() uint64 { return p.dataVersion }

// State returns the pager state.
func (p *Pager) State() State { return p.state }

// LockLevel returns the lock held on the database file.
func (p *Pager) LockLevel() vfs.LockLevel { return p.file.LockLevel() }

// Err returns the sticky error of the ERROR state, or nil.
func (p *Pager) Err() error { return p.errCode }

// IsReadOnly reports whether the database was opened read-only.
func (p *Pager) IsReadOnly() bool { return p.readOnly }

// Filename returns the absolute database path.
func (p *Pager) Filename() string { return p.path }

// JournalPath returns the rollback journal path.
func (p *Pager) JournalPath() string { return p.journalPath }

// WALPath returns the write-ahead log path.
func (p *Pager) WALPath() string { return p.walPath }

// VFS returns the file system the pager uses.
func (p *Pager) VFS() vfs.VFS { return p.vfs }

// File returns the database file handle.
func (p *Pager) File() vfs.File { return p.file }

// RefCount returns the number of outstanding page references.
func (p *Pager) RefCount() int { return p.cache.RefCount() }

// Stats returns pager and cache counters.
func (p *Pager) Stats() Stats {
	s := p.stats
	cs := p.cache.Stats()
	s.Evictions = cs.Evictions
	s.CachePages = cs.Size
	s.DirtyPages = cs.Dirty
	s.CacheSize = cs.MaxSize
	return s
}
