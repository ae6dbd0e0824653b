package vfs

import (
	"path"
	"sync"

	serrors "github.com/FocuswithJustin/pagestore/core/errors"
)

// FaultFunc is consulted before every mutating operation on a Memory
// file. A non-nil return fails the operation with that error.
type FaultFunc func(op, name string) error

// Memory is a VFS whose files live in process memory. Handles opened on
// the same name share data and lock state, so it behaves like a small
// file system shared by every connection that uses the same Memory.
type Memory struct {
	mu      sync.Mutex
	files   map[string]*memData
	fault   FaultFunc
	sector  int
	devChar DeviceCharacteristic
}

type memData struct {
	mu    sync.RWMutex
	data  []byte
	inode *inode
}

// NewMemory returns an empty in-memory file system.
func NewMemory() *Memory {
	return &Memory{
		files:   make(map[string]*memData),
		sector:  512,
		devChar: IOCapPowersafeOverwrite,
	}
}

// SetFault installs a fault injector. Passing nil removes it.
func (m *Memory) SetFault(f FaultFunc) {
	m.mu.Lock()
	m.fault = f
	m.mu.Unlock()
}

// SetSectorSize changes the sector size reported by files opened later.
func (m *Memory) SetSectorSize(n int) {
	m.mu.Lock()
	m.sector = n
	m.mu.Unlock()
}

// SetDeviceCharacteristics changes the flags reported by files.
func (m *Memory) SetDeviceCharacteristics(d DeviceCharacteristic) {
	m.mu.Lock()
	m.devChar = d
	m.mu.Unlock()
}

func (m *Memory) injected(op, name string) error {
	m.mu.Lock()
	f := m.fault
	m.mu.Unlock()
	if f == nil {
		return nil
	}
	if err := f(op, name); err != nil {
		return serrors.NewIO(op, name, err)
	}
	return nil
}

func (m *Memory) Open(name string, flags OpenFlag) (File, error) {
	if name == "" {
		name = TempName("mem")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.files[name]
	switch {
	case ok && flags&OpenExclusive != 0:
		return nil, serrors.NewIO("open", name, serrors.NewValidation("name", "file exists"))
	case !ok && flags&OpenCreate == 0:
		return nil, serrors.NewIO("open", name, serrors.NewNotFound("file", name))
	case !ok:
		d = &memData{inode: newInode(nil)}
		m.files[name] = d
	}
	return &memFile{
		fs:       m,
		name:     name,
		d:        d,
		readOnly: flags&OpenReadWrite == 0,
		delOnEnd: flags&OpenDeleteOnClose != 0,
		sector:   m.sector,
	}, nil
}

func (m *Memory) Delete(name string, _ bool) error {
	if err := m.injected("delete", name); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.files, name)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Access(name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.files[name]
	return ok, nil
}

func (m *Memory) FullPathname(name string) (string, error) {
	return path.Clean("/" + name), nil
}

// Snapshot returns a copy of every file's bytes, as they would be found
// on disk after a power loss at this instant.
func (m *Memory) Snapshot() map[string][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]byte, len(m.files))
	for name, d := range m.files {
		d.mu.RLock()
		out[name] = append([]byte(nil), d.data...)
		d.mu.RUnlock()
	}
	return out
}

// Restore replaces the file system contents with a snapshot. Open
// handles keep working against the old data; callers reopen after a
// restore, which models a process restarting after a crash.
func (m *Memory) Restore(snap map[string][]byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files = make(map[string]*memData, len(snap))
	for name, b := range snap {
		m.files[name] = &memData{data: append([]byte(nil), b...), inode: newInode(nil)}
	}
}

// Bytes returns a copy of one file's contents.
func (m *Memory) Bytes(name string) ([]byte, bool) {
	m.mu.Lock()
	d, ok := m.files[name]
	m.mu.Unlock()
	if !ok {
		return nil, false
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]byte(nil), d.data...), true
}

// SetBytes overwrites one file, creating it if needed.
func (m *Memory) SetBytes(name string, b []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.files[name]
	if !ok {
		d = &memData{inode: newInode(nil)}
		m.files[name] = d
	}
	d.mu.Lock()
	d.data = append([]byte(nil), b...)
	d.mu.Unlock()
}

type memFile struct {
	fs       *Memory
	name     string
	d        *memData
	readOnly bool
	delOnEnd bool
	sector   int
	held     LockLevel
	closed   bool
}

func (f *memFile) ReadAt(p []byte, off int64) (int, error) {
	f.d.mu.RLock()
	defer f.d.mu.RUnlock()
	var n int
	if off < int64(len(f.d.data)) {
		n = copy(p, f.d.data[off:])
	}
	if n < len(p) {
		clear(p[n:])
		return n, serrors.ErrShortRead
	}
	return n, nil
}

func (f *memFile) WriteAt(p []byte, off int64) (int, error) {
	if f.readOnly {
		return 0, serrors.NewIO("write", f.name, serrors.ErrReadOnly)
	}
	if err := f.fs.injected("write", f.name); err != nil {
		return 0, err
	}
	f.d.mu.Lock()
	defer f.d.mu.Unlock()
	end := off + int64(len(p))
	if end > int64(len(f.d.data)) {
		if end > int64(cap(f.d.data)) {
			grown := make([]byte, end, end+end/4)
			copy(grown, f.d.data)
			f.d.data = grown
		} else {
			f.d.data = f.d.data[:end]
		}
	}
	return copy(f.d.data[off:], p), nil
}

func (f *memFile) Truncate(size int64) error {
	if err := f.fs.injected("truncate", f.name); err != nil {
		return err
	}
	f.d.mu.Lock()
	defer f.d.mu.Unlock()
	if size < int64(len(f.d.data)) {
		f.d.data = f.d.data[:size]
	} else if size > int64(len(f.d.data)) {
		grown := make([]byte, size)
		copy(grown, f.d.data)
		f.d.data = grown
	}
	return nil
}

func (f *memFile) Sync(SyncFlag) error {
	return f.fs.injected("sync", f.name)
}

func (f *memFile) Size() (int64, error) {
	f.d.mu.RLock()
	defer f.d.mu.RUnlock()
	return int64(len(f.d.data)), nil
}

func (f *memFile) Lock(level LockLevel) error {
	held, ok, err := f.d.inode.lock(f.held, level)
	f.held = held
	if err != nil {
		return serrors.NewIO("lock", f.name, err)
	}
	if !ok {
		return serrors.NewBusy(f.name, level.String(), 0)
	}
	return nil
}

func (f *memFile) Unlock(level LockLevel) error {
	held, err := f.d.inode.unlock(f.held, level)
	f.held = held
	return err
}

func (f *memFile) CheckReservedLock() (bool, error) {
	return f.d.inode.reserved()
}

func (f *memFile) LockLevel() LockLevel { return f.held }

func (f *memFile) SectorSize() int { return f.sector }

func (f *memFile) DeviceCharacteristics() DeviceCharacteristic {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()
	return f.fs.devChar
}

func (f *memFile) Close() error {
	if f.closed {
		return nil
	}
	f.closed = true
	err := f.Unlock(LockNone)
	if f.delOnEnd {
		f.fs.mu.Lock()
		if f.fs.files[f.name] == f.d {
			delete(f.fs.files, f.name)
		}
		f.fs.mu.Unlock()
	}
	return err
}

// NewMemFile returns an anonymous in-memory file that is not reachable
// by name. It backs in-memory journals and sub-journals.
func NewMemFile() File {
	m := NewMemory()
	f, _ := m.Open("", OpenReadWrite|OpenCreate|OpenDeleteOnClose)
	return f
}
