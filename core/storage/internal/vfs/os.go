//go:build unix

package vfs

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"

	serrors "github.com/FocuswithJustin/pagestore/core/errors"
)

type fileID struct {
	dev uint64
	ino uint64
}

// osVFS opens real files. Handles on the same inode share one lock table.
type osVFS struct {
	mu     sync.Mutex
	inodes map[fileID]*inode
}

var defaultOS = &osVFS{inodes: make(map[fileID]*inode)}

// OS returns the process-wide VFS backed by the operating system.
func OS() VFS {
	return defaultOS
}

func (v *osVFS) Open(name string, flags OpenFlag) (File, error) {
	mode := os.O_RDONLY
	if flags&OpenReadWrite != 0 {
		mode = os.O_RDWR
	}
	if flags&OpenCreate != 0 {
		mode |= os.O_CREATE
	}
	if flags&OpenExclusive != 0 {
		mode |= os.O_EXCL
	}
	f, err := os.OpenFile(name, mode, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrPermission) && flags&OpenReadWrite != 0 && flags&OpenCreate == 0 {
			// Fall back to read-only, mirroring how a database on a
			// read-only medium can still be queried.
			f, err = os.OpenFile(name, os.O_RDONLY, 0)
			if err == nil {
				flags = flags&^OpenReadWrite | OpenReadOnly
			}
		}
		if err != nil {
			return nil, serrors.NewIO("open", name, err)
		}
	}

	var st unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &st); err != nil {
		f.Close()
		return nil, serrors.NewIO("fstat", name, err)
	}
	id := fileID{dev: uint64(st.Dev), ino: uint64(st.Ino)}

	of := &osFile{name: name, f: f, flags: flags, vfs: v, id: id}
	v.mu.Lock()
	n, ok := v.inodes[id]
	if !ok {
		fd, err := unix.Dup(int(f.Fd()))
		if err != nil {
			v.mu.Unlock()
			f.Close()
			return nil, serrors.NewIO("dup", name, err)
		}
		n = newInode(fcntlLocker{f: os.NewFile(uintptr(fd), name)})
		v.inodes[id] = n
	}
	n.refs++
	v.mu.Unlock()
	of.inode = n

	if flags&OpenDeleteOnClose != 0 {
		// The descriptor keeps the data alive until it is closed.
		if err := os.Remove(name); err != nil && !errors.Is(err, os.ErrNotExist) {
			of.Close()
			return nil, serrors.NewIO("unlink", name, err)
		}
	}
	return of, nil
}

func (v *osVFS) release(id fileID) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if n, ok := v.inodes[id]; ok {
		n.refs--
		if n.refs == 0 && n.nLock == 0 {
			delete(v.inodes, id)
			if l, ok := n.sys.(fcntlLocker); ok {
				l.f.Close()
			}
		}
	}
}

func (v *osVFS) Delete(name string, syncDir bool) error {
	if err := os.Remove(name); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return serrors.NewIO("delete", name, err)
	}
	if syncDir {
		d, err := os.Open(filepath.Dir(name))
		if err != nil {
			return serrors.NewIO("open directory", filepath.Dir(name), err)
		}
		defer d.Close()
		if err := unix.Fsync(int(d.Fd())); err != nil {
			return serrors.NewIO("sync directory", filepath.Dir(name), err)
		}
	}
	return nil
}

func (v *osVFS) Access(name string) (bool, error) {
	_, err := os.Stat(name)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, serrors.NewIO("stat", name, err)
}

func (v *osVFS) FullPathname(name string) (string, error) {
	p, err := filepath.Abs(name)
	if err != nil {
		return "", serrors.NewIO("resolve", name, err)
	}
	return filepath.Clean(p), nil
}

type osFile struct {
	name  string
	f     *os.File
	flags OpenFlag
	vfs   *osVFS
	id    fileID
	inode *inode
	held  LockLevel
}

func (o *osFile) ReadAt(p []byte, off int64) (int, error) {
	n, err := o.f.ReadAt(p, off)
	if err == nil {
		return n, nil
	}
	if errors.Is(err, io.EOF) {
		clear(p[n:])
		return n, serrors.ErrShortRead
	}
	return n, serrors.NewIOAt("read", o.name, off, err)
}

func (o *osFile) WriteAt(p []byte, off int64) (int, error) {
	n, err := o.f.WriteAt(p, off)
	if err != nil {
		if errors.Is(err, unix.ENOSPC) || errors.Is(err, unix.EDQUOT) {
			return n, serrors.NewIOAt("write", o.name, off, serrors.ErrFull)
		}
		return n, serrors.NewIOAt("write", o.name, off, err)
	}
	return n, nil
}

func (o *osFile) Truncate(size int64) error {
	if err := o.f.Truncate(size); err != nil {
		return serrors.NewIO("truncate", o.name, err)
	}
	return nil
}

func (o *osFile) Sync(flags SyncFlag) error {
	if err := syncFd(int(o.f.Fd()), flags&SyncDataOnly != 0); err != nil {
		return serrors.NewIO("sync", o.name, err)
	}
	return nil
}

func (o *osFile) Size() (int64, error) {
	st, err := o.f.Stat()
	if err != nil {
		return 0, serrors.NewIO("stat", o.name, err)
	}
	return st.Size(), nil
}

func (o *osFile) Lock(level LockLevel) error {
	held, ok, err := o.inode.lock(o.held, level)
	o.held = held
	if err != nil {
		return serrors.NewIO("lock", o.name, err)
	}
	if !ok {
		return serrors.NewBusy(o.name, level.String(), 0)
	}
	return nil
}

func (o *osFile) Unlock(level LockLevel) error {
	held, err := o.inode.unlock(o.held, level)
	o.held = held
	if err != nil {
		return serrors.NewIO("unlock", o.name, err)
	}
	return nil
}

func (o *osFile) CheckReservedLock() (bool, error) {
	r, err := o.inode.reserved()
	if err != nil {
		return false, serrors.NewIO("check lock", o.name, err)
	}
	return r, nil
}

func (o *osFile) LockLevel() LockLevel { return o.held }

func (o *osFile) SectorSize() int { return DefaultSectorSize }

func (o *osFile) DeviceCharacteristics() DeviceCharacteristic {
	return IOCapPowersafeOverwrite
}

func (o *osFile) Close() error {
	err := o.Unlock(LockNone)
	if cerr := o.inode.closeOrDefer(o.f); err == nil && cerr != nil {
		err = serrors.NewIO("close", o.name, cerr)
	}
	o.vfs.release(o.id)
	return err
}

// fcntlLocker takes POSIX advisory locks through a descriptor owned by
// the inode. POSIX locks belong to the process, so it does not matter
// which handle asked for them.
type fcntlLocker struct {
	f *os.File
}

func (l fcntlLocker) setLock(kind lockKind, start, length int64) (bool, error) {
	lk := unix.Flock_t{
		Whence: 0,
		Start:  start,
		Len:    length,
	}
	switch kind {
	case lockRead:
		lk.Type = unix.F_RDLCK
	case lockWrite:
		lk.Type = unix.F_WRLCK
	default:
		lk.Type = unix.F_UNLCK
	}
	err := unix.FcntlFlock(l.f.Fd(), unix.F_SETLK, &lk)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EACCES) || errors.Is(err, unix.EINTR) {
		return false, nil
	}
	return false, err
}

func (l fcntlLocker) reservedByOther() (bool, error) {
	lk := unix.Flock_t{
		Type:   unix.F_WRLCK,
		Whence: 0,
		Start:  ReservedByte,
		Len:    1,
	}
	if err := unix.FcntlFlock(l.f.Fd(), unix.F_GETLK, &lk); err != nil {
		return false, err
	}
	return lk.Type != unix.F_UNLCK, nil
}
