// Package validation checks user-supplied paths and recognizes the kinds
// of files a database leaves on disk before anything tries to open them.
package validation

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode"
)

// MaxPathLength is the maximum allowed path length.
const MaxPathLength = 4096

// Common validation errors.
var (
	ErrEmptyPath        = errors.New("empty path")
	ErrPathTooLong      = errors.New("path too long")
	ErrInvalidCharacter = errors.New("invalid character")
	ErrWrongFileType    = errors.New("wrong file type")
)

// ValidatePath checks that a path is non-empty, within MaxPathLength and
// free of NUL and control characters.
func ValidatePath(path string) error {
	if path == "" {
		return ErrEmptyPath
	}
	if len(path) > MaxPathLength {
		return ErrPathTooLong
	}
	if strings.Contains(path, "\x00") {
		return fmt.Errorf("%w: null byte not allowed", ErrInvalidCharacter)
	}
	for _, r := range path {
		if unicode.IsControl(r) {
			return fmt.Errorf("%w: control character not allowed", ErrInvalidCharacter)
		}
	}
	return nil
}

// FileType is a kind of file recognized by its leading bytes.
type FileType string

const (
	FileTypeUnknown  FileType = "unknown"
	FileTypeEmpty    FileType = "empty"
	FileTypeDatabase FileType = "database"
	FileTypeJournal  FileType = "rollback journal"
	FileTypeWAL      FileType = "write-ahead log"
	FileTypeXZ       FileType = "xz"
	FileTypeZstd     FileType = "zstd"
)

// sniffLen is how many leading bytes DetectFileType looks at.
const sniffLen = 16

var (
	dbMagic      = []byte("SQLite format 3\x00")
	journalMagic = []byte{0xd9, 0xd5, 0x05, 0xf9, 0x20, 0xa1, 0x63, 0xd7}
	xzMagic      = []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}
	zstdMagic    = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// DetectFileType classifies data by its magic bytes.
func DetectFileType(data []byte) FileType {
	switch {
	case len(data) == 0:
		return FileTypeEmpty
	case bytes.HasPrefix(data, dbMagic):
		return FileTypeDatabase
	case bytes.HasPrefix(data, journalMagic):
		return FileTypeJournal
	case bytes.HasPrefix(data, xzMagic):
		return FileTypeXZ
	case bytes.HasPrefix(data, zstdMagic):
		return FileTypeZstd
	case len(data) >= 4:
		// Bit 0 of the WAL magic records the checksum byte order.
		if binary.BigEndian.Uint32(data)&^1 == 0x377f0682 {
			return FileTypeWAL
		}
	}
	return FileTypeUnknown
}

// ReadFileType reads the leading bytes of r and classifies them.
func ReadFileType(r io.Reader) (FileType, error) {
	buf := make([]byte, sniffLen)
	n, err := io.ReadFull(r, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return FileTypeUnknown, err
	}
	return DetectFileType(buf[:n]), nil
}

// ValidateDatabaseFile checks that path names something that can be
// opened as a database: an existing database file, an empty file, or
// (when mayCreate is set) nothing at all. Journals, logs and snapshot
// blobs are rejected with ErrWrongFileType.
func ValidateDatabaseFile(path string, mayCreate bool) error {
	if err := ValidatePath(path); err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) && mayCreate {
			return nil
		}
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%w: %s is a directory", ErrWrongFileType, path)
	}
	ft, err := ReadFileType(f)
	if err != nil {
		return err
	}
	switch ft {
	case FileTypeDatabase, FileTypeEmpty:
		return nil
	case FileTypeUnknown:
		return fmt.Errorf("%w: %s is not a database", ErrWrongFileType, path)
	}
	return fmt.Errorf("%w: %s is a %s, not a database", ErrWrongFileType, path, ft)
}
