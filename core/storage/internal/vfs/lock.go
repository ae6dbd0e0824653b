package vfs

import (
	"io"
	"sync"
)

type lockKind int

const (
	lockRead lockKind = iota
	lockWrite
	lockUnlock
)

// rangeLocker takes byte-range locks visible to other processes.
// setLock reports false, nil when the range is held by someone else.
type rangeLocker interface {
	setLock(kind lockKind, start, length int64) (bool, error)
	reservedByOther() (bool, error)
}

// noRangeLocks is used by files that are only visible in this process.
type noRangeLocks struct{}

func (noRangeLocks) setLock(lockKind, int64, int64) (bool, error) { return true, nil }
func (noRangeLocks) reservedByOther() (bool, error) { return false, nil }

// inode is the lock state shared by every handle open on the same
// underlying file in this process. POSIX locks are per process, so
// connections within one process coordinate here and only the
// transitions of the combined state reach the range locker.
type inode struct {
	mu      sync.Mutex
	level   LockLevel // strongest lock held by any handle
	nShared int       // handles holding SHARED or stronger
	nLock   int       // handles holding any lock
	sys     rangeLocker

	// deferred holds descriptors closed while locks were held. Closing a
	// descriptor drops every POSIX lock the process holds on the file, so
	// the real close waits until nLock reaches zero.
	deferred []io.Closer
	refs     int
}

func newInode(sys rangeLocker) *inode {
	if sys == nil {
		sys = noRangeLocks{}
	}
	return &inode{sys: sys}
}

// lock moves a handle currently holding held towards want. It returns
// the level the handle now holds and whether want was reached. A failed
// EXCLUSIVE attempt may leave the handle at PENDING, which stops new
// readers while the writer waits for existing ones to finish.
func (n *inode) lock(held, want LockLevel) (LockLevel, bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if held >= want {
		return held, true, nil
	}
	if n.level != held && (n.level >= LockPending || want > LockShared) {
		return held, false, nil
	}

	// Another handle already holds SHARED or RESERVED: join it.
	if want == LockShared && (n.level == LockShared || n.level == LockReserved) {
		n.nShared++
		n.nLock++
		return LockShared, true, nil
	}

	if want == LockShared || (want == LockExclusive && held < LockPending) {
		kind := lockWrite
		if want == LockShared {
			kind = lockRead
		}
		ok, err := n.sys.setLock(kind, PendingByte, 1)
		if err != nil || !ok {
			return held, false, err
		}
	}

	if want == LockShared {
		ok, err := n.sys.setLock(lockRead, SharedFirst, SharedSize)
		if _, uerr := n.sys.setLock(lockUnlock, PendingByte, 1); err == nil {
			err = uerr
		}
		if err != nil || !ok {
			return held, false, err
		}
		n.nLock++
		n.nShared = 1
		n.level = LockShared
		return LockShared, true, nil
	}

	if want == LockExclusive && n.nShared > 1 {
		n.level = LockPending
		return LockPending, false, nil
	}

	var ok bool
	var err error
	switch want {
	case LockReserved:
		ok, err = n.sys.setLock(lockWrite, ReservedByte, 1)
	case LockExclusive:
		ok, err = n.sys.setLock(lockWrite, SharedFirst, SharedSize)
	default:
		ok = true
	}
	if err != nil {
		return held, false, err
	}
	if !ok {
		if want == LockExclusive {
			n.level = LockPending
			return LockPending, false, nil
		}
		return held, false, nil
	}
	n.level = want
	return want, true, nil
}

// unlock lowers a handle from held to want, which must be SHARED or NONE.
func (n *inode) unlock(held, want LockLevel) (LockLevel, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if held <= want {
		return held, nil
	}
	var firstErr error
	record := func(_ bool, err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if held > LockShared {
		if want == LockShared {
			record(n.sys.setLock(lockRead, SharedFirst, SharedSize))
		}
		record(n.sys.setLock(lockUnlock, PendingByte, 2))
		n.level = LockShared
	}
	if want == LockNone {
		n.nShared--
		if n.nShared == 0 {
			record(n.sys.setLock(lockUnlock, 0, 0))
			n.level = LockNone
		}
		n.nLock--
		if n.nLock == 0 {
			for _, c := range n.deferred {
				record(false, c.Close())
			}
			n.deferred = nil
		}
	}
	return want, firstErr
}

func (n *inode) reserved() (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.level > LockShared {
		return true, nil
	}
	return n.sys.reservedByOther()
}

// closeOrDefer closes c now, or later if any handle still holds a lock.
func (n *inode) closeOrDefer(c io.Closer) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.nLock > 0 {
		n.deferred = append(n.deferred, c)
		return nil
	}
	return c.Close()
}
