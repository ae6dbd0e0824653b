package storage

import (
	"fmt"

	serrors "github.com/FocuswithJustin/pagestore/core/errors"
	"github.com/FocuswithJustin/pagestore/core/storage/internal/btree"
	"github.com/FocuswithJustin/pagestore/core/storage/internal/pager"
	"github.com/FocuswithJustin/pagestore/core/storage/internal/vfs"
	"github.com/FocuswithJustin/pagestore/internal/logging"
)

const imageName = "image.db"

// Image returns a copy of the database as one transaction sees it, in
// file format. The copy is taken with Backup, so it is consistent even
// while other connections write.
func Image(conn *Conn) ([]byte, error) {
	mem := vfs.NewMemory()
	dst, err := btree.Open(mem, imageName, btree.Config{
		Pager:  pager.Config{JournalMode: pager.JournalMemory},
		Logger: logging.Discard(),
	})
	if err != nil {
		return nil, err
	}
	defer dst.Close()
	if err := conn.Backup(dst); err != nil {
		return nil, fmt.Errorf("image of %s: %w", conn.Filename(), err)
	}
	data, ok := mem.Bytes(dst.Filename())
	if !ok {
		return nil, serrors.NewNotFound("file", dst.Filename())
	}
	return data, nil
}

// LoadImage replaces the content of conn with an image produced by
// Image. conn must have no transaction or cursors open.
func LoadImage(conn *Conn, data []byte) error {
	hdr, err := ParseHeader(data)
	if err != nil {
		return err
	}
	if err := hdr.Validate(); err != nil {
		return err
	}
	if len(data)%hdr.PageSize != 0 {
		return serrors.Corruptf(0, "image of %d bytes is not a whole number of %d-byte pages", len(data), hdr.PageSize)
	}

	mem := vfs.NewMemory()
	full, _ := mem.FullPathname(imageName)
	mem.SetBytes(full, data)
	src, err := btree.Open(mem, imageName, btree.Config{Logger: logging.Discard()})
	if err != nil {
		return err
	}
	defer src.Close()
	if err := src.Backup(conn); err != nil {
		return fmt.Errorf("load image into %s: %w", conn.Filename(), err)
	}
	return nil
}

// ReadHeader reads and decodes the header of the database file at path
// without opening a connection. fs may be nil for the OS file system.
func ReadHeader(fs VFS, path string) (*DatabaseHeader, error) {
	if fs == nil {
		fs = vfs.OS()
	}
	full, err := fs.FullPathname(path)
	if err != nil {
		return nil, err
	}
	f, err := fs.Open(full, vfs.OpenReadOnly|vfs.OpenMainDB)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	buf := make([]byte, pager.DatabaseHeaderSize)
	if _, err := f.ReadAt(buf, 0); err != nil && !serrors.Is(err, serrors.ErrShortRead) {
		return nil, err
	}
	return ParseHeader(buf)
}
