// Package storage is the public entry point of the storage engine: an
// embedded store of B-trees in a single SQLite-format file, with atomic
// transactions through a rollback journal or a write-ahead log.
//
// Open returns a Conn. Trees are created with Conn.CreateTable and read
// and written through cursors inside transactions:
//
//	conn, err := storage.Open("app.db", storage.Options{})
//	if err != nil {
//		return err
//	}
//	defer conn.Close()
//
//	if err := conn.BeginTrans(true); err != nil {
//		return err
//	}
//	root, err := conn.CreateTable(storage.IntKey)
//	...
//	return conn.Commit()
//
// The engine is synchronous. A Conn is used by one goroutine at a time;
// connections to the same file coordinate through file locks, or through
// table locks when they share a cache via a Registry.
package storage

import (
	"fmt"
	"log/slog"
	"time"

	serrors "github.com/FocuswithJustin/pagestore/core/errors"
	"github.com/FocuswithJustin/pagestore/core/storage/internal/btree"
	"github.com/FocuswithJustin/pagestore/core/storage/internal/pager"
	"github.com/FocuswithJustin/pagestore/core/storage/internal/vfs"
	"github.com/FocuswithJustin/pagestore/internal/logging"
)

type (
	// Conn is one connection to a database file.
	Conn = btree.Btree
	// Cursor walks one tree of a Conn.
	Cursor = btree.Cursor
	// Registry shares one page cache between the connections opened
	// with SharedCache on the same file.
	Registry = btree.Registry
	// Payload is the key and data of one entry.
	Payload = btree.Payload
	// Pgno is a 1-based page number.
	Pgno = pager.Pgno

	AutoVacuum  = btree.AutoVacuum
	TransState  = btree.TransState
	CursorState = btree.CursorState
	JournalMode = pager.JournalMode
	SyncMode    = pager.SyncMode
	LockingMode = pager.LockingMode
	SavepointOp = pager.SavepointOp
	BusyHandler = pager.BusyHandler
	Stats       = pager.Stats

	// VFS abstracts the file system.
	VFS = vfs.VFS
	// MemoryVFS is an in-process file system, for tests and crash
	// simulation.
	MemoryVFS = vfs.Memory

	// DatabaseHeader is the decoded 100-byte file header.
	DatabaseHeader = pager.DatabaseHeader
)

// Tree kinds for Conn.CreateTable.
const (
	IntKey  = btree.IntKey
	BlobKey = btree.BlobKey
)

const (
	AutoVacuumNone        = btree.AutoVacuumNone
	AutoVacuumFull        = btree.AutoVacuumFull
	AutoVacuumIncremental = btree.AutoVacuumIncremental
)

const (
	JournalDelete   = pager.JournalDelete
	JournalPersist  = pager.JournalPersist
	JournalOff      = pager.JournalOff
	JournalTruncate = pager.JournalTruncate
	JournalMemory   = pager.JournalMemory
	JournalWAL      = pager.JournalWAL
)

const (
	SyncFull   = pager.SyncFull
	SyncNormal = pager.SyncNormal
	SyncOff    = pager.SyncOff
)

const (
	LockingNormal    = pager.LockingNormal
	LockingExclusive = pager.LockingExclusive
)

const (
	SavepointRelease  = pager.SavepointRelease
	SavepointRollback = pager.SavepointRollback
)

const (
	TransNone  = btree.TransNone
	TransRead  = btree.TransRead
	TransWrite = btree.TransWrite
)

// Meta value indexes for Conn.GetMeta and Conn.UpdateMeta.
const (
	MetaFreePageCount    = btree.MetaFreePageCount
	MetaSchemaVersion    = btree.MetaSchemaVersion
	MetaFileFormat       = btree.MetaFileFormat
	MetaDefaultCacheSize = btree.MetaDefaultCacheSize
	MetaLargestRootPage  = btree.MetaLargestRootPage
	MetaTextEncoding     = btree.MetaTextEncoding
	MetaUserVersion      = btree.MetaUserVersion
	MetaIncrVacuum       = btree.MetaIncrVacuum
	MetaApplicationID    = btree.MetaApplicationID
	MetaDataVersion      = btree.MetaDataVersion
)

// DatabaseHeaderSize is the size of the file header at the start of
// page 1.
const DatabaseHeaderSize = pager.DatabaseHeaderSize

// Header fields rewritten by every commit, including the one that copies
// a database with Backup or LoadImage.
const (
	OffsetFileChangeCounter = pager.OffsetFileChangeCounter
	OffsetVersionValidFor   = pager.OffsetVersionValidFor
	OffsetLibraryVersion    = pager.OffsetLibraryVersion
)

// Defaults applied by Open to zero Options fields.
const (
	DefaultPageSize          = pager.DefaultPageSize
	DefaultCacheSize         = pager.DefaultCacheSize
	DefaultWALAutoCheckpoint = pager.DefaultWALAutoCheckpoint
	DefaultMaxErrors         = btree.DefaultMaxErrors
)

// Options configures a connection. The zero value opens a read-write
// database with 4096-byte pages, a rollback journal and full syncs.
type Options struct {
	// PageSize and ReservedBytes apply when the file is empty.
	PageSize      int
	ReservedBytes int

	CacheSize      int
	HardCacheLimit int

	JournalMode JournalMode
	SyncMode    SyncMode
	LockingMode LockingMode
	AutoVacuum  AutoVacuum

	SecureDelete bool
	ReadOnly     bool

	// SharedCache connects through Registry, which is required.
	SharedCache     bool
	Registry        *Registry
	ReadUncommitted bool

	// BusyHandler takes precedence over BusyTimeout.
	BusyHandler BusyHandler
	BusyTimeout time.Duration

	// WALAutoCheckpoint is the WAL size in frames that triggers a
	// checkpoint. Negative disables it.
	WALAutoCheckpoint int

	// VFS defaults to the operating system's file system.
	VFS    VFS
	Logger *slog.Logger
}

// Validate reports the first invalid field.
func (o Options) Validate() error {
	if o.PageSize != 0 && !pager.IsValidPageSize(o.PageSize) {
		return serrors.NewValidation("PageSize", fmt.Sprintf("%d is not a power of two between %d and %d",
			o.PageSize, pager.MinPageSize, pager.MaxPageSize))
	}
	if o.ReservedBytes < 0 || o.ReservedBytes > 255 {
		return serrors.NewValidation("ReservedBytes", "must be between 0 and 255")
	}
	pageSize := o.PageSize
	if pageSize == 0 {
		pageSize = DefaultPageSize
	}
	if pageSize-o.ReservedBytes < 480 {
		return serrors.NewValidation("ReservedBytes", "leaves fewer than 480 usable bytes per page")
	}
	if o.CacheSize < 0 {
		return serrors.NewValidation("CacheSize", "must not be negative")
	}
	if o.HardCacheLimit < 0 {
		return serrors.NewValidation("HardCacheLimit", "must not be negative")
	}
	if o.HardCacheLimit > 0 && o.HardCacheLimit < o.CacheSize {
		return serrors.NewValidation("HardCacheLimit", "must not be below CacheSize")
	}
	if o.JournalMode < JournalDelete || o.JournalMode > JournalWAL {
		return serrors.NewValidation("JournalMode", o.JournalMode.String())
	}
	if o.SyncMode < SyncFull || o.SyncMode > SyncOff {
		return serrors.NewValidation("SyncMode", o.SyncMode.String())
	}
	if o.LockingMode != LockingNormal && o.LockingMode != LockingExclusive {
		return serrors.NewValidation("LockingMode", fmt.Sprintf("unknown mode %d", o.LockingMode))
	}
	if o.AutoVacuum < AutoVacuumNone || o.AutoVacuum > AutoVacuumIncremental {
		return serrors.NewValidation("AutoVacuum", o.AutoVacuum.String())
	}
	if o.SharedCache && o.Registry == nil {
		return serrors.NewValidation("Registry", "shared cache requires a registry")
	}
	if o.ReadUncommitted && !o.SharedCache {
		return serrors.NewValidation("ReadUncommitted", "only applies to shared-cache connections")
	}
	if o.BusyTimeout < 0 {
		return serrors.NewValidation("BusyTimeout", "must not be negative")
	}
	return nil
}

// Open opens or creates the database at path.
func Open(path string, opts Options) (*Conn, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = logging.GetLogger()
	}
	fs := opts.VFS
	if fs == nil {
		fs = vfs.OS()
	}
	busy := opts.BusyHandler
	if busy == nil && opts.BusyTimeout > 0 {
		busy = pager.BusyTimeout(opts.BusyTimeout)
	}

	cfg := btree.Config{
		Pager: pager.Config{
			PageSize:          opts.PageSize,
			ReservedBytes:     opts.ReservedBytes,
			CacheSize:         opts.CacheSize,
			HardCacheLimit:    opts.HardCacheLimit,
			JournalMode:       opts.JournalMode,
			SyncMode:          opts.SyncMode,
			LockingMode:       opts.LockingMode,
			ReadOnly:          opts.ReadOnly,
			BusyHandler:       busy,
			WALAutoCheckpoint: opts.WALAutoCheckpoint,
			Logger:            log,
		},
		AutoVacuum:      opts.AutoVacuum,
		SecureDelete:    opts.SecureDelete,
		SharedCache:     opts.SharedCache,
		Registry:        opts.Registry,
		ReadUncommitted: opts.ReadUncommitted,
		Logger:          log,
	}
	conn, err := btree.Open(fs, path, cfg)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return conn, nil
}

// NewRegistry returns an empty shared-cache registry.
func NewRegistry() *Registry { return btree.NewRegistry() }

// NewMemoryVFS returns an empty in-process file system.
func NewMemoryVFS() *MemoryVFS { return vfs.NewMemory() }

// OSVFS returns the operating system's file system.
func OSVFS() VFS { return vfs.OS() }

// BusyTimeout returns a BusyHandler that retries with increasing sleeps
// until d has elapsed.
func BusyTimeout(d time.Duration) BusyHandler { return pager.BusyTimeout(d) }

// ParseHeader decodes the file header at the start of data.
func ParseHeader(data []byte) (*DatabaseHeader, error) {
	return pager.ParseDatabaseHeader(data)
}

// ParseJournalMode parses a journal mode name such as "wal".
func ParseJournalMode(s string) (JournalMode, error) { return pager.ParseJournalMode(s) }

// ParseSyncMode parses "full", "normal" or "off".
func ParseSyncMode(s string) (SyncMode, error) { return pager.ParseSyncMode(s) }

// PutVarint writes v to p in the file format's varint encoding and
// returns the number of bytes written.
func PutVarint(p []byte, v uint64) int { return btree.PutVarint(p, v) }

// GetVarint decodes a varint from p. It returns 0 bytes if p ends first.
func GetVarint(p []byte) (uint64, int) { return btree.GetVarint(p) }

// VarintLen returns the encoded length of v.
func VarintLen(v uint64) int { return btree.VarintLen(v) }
