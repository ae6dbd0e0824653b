package btree

import (
	"sync"

	serrors "github.com/FocuswithJustin/pagestore/core/errors"
)

// Registry holds the BtShared structures of shared-cache connections,
// keyed by full pathname. A process normally has one.
type Registry struct {
	mu     sync.Mutex
	shared map[string]*BtShared
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{shared: make(map[string]*BtShared)}
}

// Len returns the number of files with open shared-cache connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.shared)
}

// open returns the BtShared for key, creating it with create on first
// use.
func (r *Registry) open(key string, create func() (*BtShared, error)) (*BtShared, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if bt, ok := r.shared[key]; ok {
		bt.mu.Lock()
		bt.refs++
		bt.mu.Unlock()
		return bt, nil
	}
	bt, err := create()
	if err != nil {
		return nil, err
	}
	bt.registry = r
	bt.key = key
	r.shared[key] = bt
	return bt, nil
}

// release drops one reference to bt and reports whether it was the
// last, in which case the caller closes it.
func (r *Registry) release(bt *BtShared) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	bt.mu.Lock()
	bt.refs--
	last := bt.refs <= 0
	bt.mu.Unlock()
	if last && r.shared[bt.key] == bt {
		delete(r.shared, bt.key)
	}
	return last
}

// LockMode is the mode of a shared-cache table lock.
type LockMode int

// Table lock modes of shared-cache connections.
const (
	LockRead LockMode = iota + 1
	LockWrite
)

func (m LockMode) String() string {
	if m == LockWrite {
		return "write"
	}
	return "read"
}

type tableLock struct {
	owner *Btree
	table Pgno
	mode  LockMode
}

// queryTableLock reports whether p could take a lock of the given mode on
// table without waiting. A failed write request marks the writer as
// pending so no new readers start.
func (p *Btree) queryTableLock(table Pgno, mode LockMode) error {
	if !p.sharable {
		return nil
	}
	bt := p.bt
	if bt.writer != p && bt.exclusive {
		return serrors.NewLocked(uint32(table), "exclusive shared-cache writer")
	}
	for _, l := range bt.locks {
		if l.owner != p && l.table == table && l.mode != mode {
			if mode == LockWrite {
				bt.pending = true
			}
			return serrors.NewLocked(uint32(table), "held by another connection ("+l.mode.String()+")")
		}
	}
	return nil
}

// setTableLock records a lock held by p, upgrading an existing read lock.
func (p *Btree) setTableLock(table Pgno, mode LockMode) error {
	bt := p.bt
	for _, l := range bt.locks {
		if l.owner == p && l.table == table {
			if mode > l.mode {
				l.mode = mode
			}
			return nil
		}
	}
	bt.locks = append(bt.locks, &tableLock{owner: p, table: table, mode: mode})
	return nil
}

// lockTable takes a table lock for a cursor or a table operation.
// Readers in read-uncommitted mode skip locks on everything but the
// schema table.
func (p *Btree) lockTable(table Pgno, mode LockMode) error {
	if !p.sharable {
		return nil
	}
	if mode == LockRead && p.readUncommitted && table != 1 {
		return nil
	}
	if err := p.queryTableLock(table, mode); err != nil {
		return err
	}
	return p.setTableLock(table, mode)
}

// clearTableLocks drops every lock held by p at the end of its
// transaction.
func (p *Btree) clearTableLocks() {
	bt := p.bt
	kept := bt.locks[:0]
	for _, l := range bt.locks {
		if l.owner != p {
			kept = append(kept, l)
		}
	}
	for i := len(kept); i < len(bt.locks); i++ {
		bt.locks[i] = nil
	}
	bt.locks = kept

	if bt.writer == p {
		bt.writer = nil
		bt.exclusive = false
		bt.pending = false
	} else if bt.nTransaction == 2 {
		// The only other transaction is the pending writer's; it may
		// proceed now.
		bt.pending = false
	}
}

// clearAllSharedLocks downgrades every write lock to a read lock when the
// writer commits or rolls back.
func (p *Btree) clearAllSharedLocks() {
	bt := p.bt
	if bt.writer != p {
		return
	}
	bt.writer = nil
	bt.exclusive = false
	bt.pending = false
	for _, l := range bt.locks {
		l.mode = LockRead
	}
}

// TableLocks returns the lock mode p holds on each table, for
// diagnostics.
func (p *Btree) TableLocks() map[Pgno]string {
	p.enter()
	defer p.leave()
	out := make(map[Pgno]string)
	for _, l := range p.bt.locks {
		if l.owner == p {
			out[l.table] = l.mode.String()
		}
	}
	return out
}
