// Package vfs is the file-system seam of the storage engine.
//
// The pager never touches an operating-system handle directly. It opens
// database, journal and WAL files through a VFS and performs positioned
// reads and writes, syncs and advisory locking through the File
// interface. Two implementations are provided: OS (POSIX files with
// fcntl byte-range locks) and Memory (process-local files used by tests,
// in-memory journals and sub-journals).
package vfs

import (
	"fmt"

	"github.com/google/uuid"
)

// LockLevel is an advisory lock level on a database file.
type LockLevel int

// Lock levels, in increasing strength.
const (
	LockNone LockLevel = iota
	LockShared
	LockReserved
	LockPending
	LockExclusive
)

func (l LockLevel) String() string {
	switch l {
	case LockNone:
		return "NONE"
	case LockShared:
		return "SHARED"
	case LockReserved:
		return "RESERVED"
	case LockPending:
		return "PENDING"
	case LockExclusive:
		return "EXCLUSIVE"
	}
	return fmt.Sprintf("LockLevel(%d)", int(l))
}

// Byte offsets of the locking region. A database never stores data in the
// page that contains PendingByte.
const (
	PendingByte  = 0x40000000
	ReservedByte = PendingByte + 1
	SharedFirst  = PendingByte + 2
	SharedSize   = 510
)

// OpenFlag describes how and why a file is opened.
type OpenFlag int

const (
	OpenReadOnly OpenFlag = 1 << iota
	OpenReadWrite
	OpenCreate
	OpenDeleteOnClose
	OpenExclusive
	OpenMainDB
	OpenMainJournal
	OpenSubJournal
	OpenWAL
	OpenTempDB
	OpenMasterJournal
)

// SyncFlag selects the durability of a Sync call.
type SyncFlag int

const (
	SyncNormal   SyncFlag = 0x02
	SyncFull     SyncFlag = 0x03
	SyncDataOnly SyncFlag = 0x10
)

// DeviceCharacteristic is a bitmask of guarantees the underlying storage
// makes about writes.
type DeviceCharacteristic int

const (
	IOCapAtomic DeviceCharacteristic = 1 << iota
	IOCapSafeAppend
	IOCapSequential
	IOCapUndeletableWhenOpen
	IOCapPowersafeOverwrite
)

// DefaultSectorSize is reported when the device gives no better answer.
const DefaultSectorSize = 4096

// File is an open file. Offsets are absolute; there is no file position.
//
// ReadAt behaves like io.ReaderAt except that a read past end of file is
// not io.EOF: the unread part of p is zero-filled and ErrShortRead from
// core/errors is returned together with the byte count actually read.
type File interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Truncate(size int64) error
	Sync(flags SyncFlag) error
	Size() (int64, error)

	Lock(level LockLevel) error
	Unlock(level LockLevel) error
	CheckReservedLock() (bool, error)
	LockLevel() LockLevel

	SectorSize() int
	DeviceCharacteristics() DeviceCharacteristic
	Close() error
}

// VFS opens and manages files by name.
type VFS interface {
	Open(name string, flags OpenFlag) (File, error)
	Delete(name string, syncDir bool) error
	Access(name string) (bool, error)
	FullPathname(name string) (string, error)
}

// TempName returns a unique file name with the given prefix.
func TempName(prefix string) string {
	return prefix + "-" + uuid.NewString()
}
