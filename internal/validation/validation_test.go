package validation

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"testing/iotest"
)

func TestValidatePath(t *testing.T) {
	tests := []struct {
		name      string
		path      string
		wantError error
	}{
		{"simple", "books.db", nil},
		{"absolute", "/var/lib/pagestore/books.db", nil},
		{"unicode", "/tmp/bücher.db", nil},
		{"empty", "", ErrEmptyPath},
		{"too long", strings.Repeat("a", MaxPathLength+1), ErrPathTooLong},
		{"null byte", "books\x00.db", ErrInvalidCharacter},
		{"control character", "books\n.db", ErrInvalidCharacter},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePath(tt.path)
			if tt.wantError == nil {
				if err != nil {
					t.Errorf("ValidatePath(%q) = %v, want nil", tt.path, err)
				}
				return
			}
			if !errors.Is(err, tt.wantError) {
				t.Errorf("ValidatePath(%q) = %v, want %v", tt.path, err, tt.wantError)
			}
		})
	}
}

func TestDetectFileType(t *testing.T) {
	header := append([]byte("SQLite format 3\x00"), 0x10, 0x00)
	tests := []struct {
		name string
		data []byte
		want FileType
	}{
		{"empty", nil, FileTypeEmpty},
		{"database", header, FileTypeDatabase},
		{"journal", []byte{0xd9, 0xd5, 0x05, 0xf9, 0x20, 0xa1, 0x63, 0xd7, 0, 0, 0, 1}, FileTypeJournal},
		{"wal little endian", []byte{0x37, 0x7f, 0x06, 0x82, 0, 0x2d, 0xe2, 0x18}, FileTypeWAL},
		{"wal big endian", []byte{0x37, 0x7f, 0x06, 0x83, 0, 0x2d, 0xe2, 0x18}, FileTypeWAL},
		{"xz", []byte{0xfd, '7', 'z', 'X', 'Z', 0x00, 0x00, 0x04}, FileTypeXZ},
		{"zstd", []byte{0x28, 0xb5, 0x2f, 0xfd, 0x04}, FileTypeZstd},
		{"truncated header", []byte("SQLite for"), FileTypeUnknown},
		{"text", []byte("CREATE TABLE t(x)"), FileTypeUnknown},
		{"short", []byte{0x37}, FileTypeUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DetectFileType(tt.data); got != tt.want {
				t.Errorf("DetectFileType() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestReadFileType(t *testing.T) {
	ft, err := ReadFileType(bytes.NewReader([]byte{0x28, 0xb5, 0x2f, 0xfd}))
	if err != nil || ft != FileTypeZstd {
		t.Errorf("ReadFileType(short zstd) = %q, %v", ft, err)
	}
	ft, err = ReadFileType(bytes.NewReader(nil))
	if err != nil || ft != FileTypeEmpty {
		t.Errorf("ReadFileType(empty) = %q, %v", ft, err)
	}
	if _, err := ReadFileType(iotest.ErrReader(errors.New("boom"))); err == nil {
		t.Error("ReadFileType should pass read errors through")
	}
}

func TestValidateDatabaseFile(t *testing.T) {
	dir := t.TempDir()
	write := func(name string, data []byte) string {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, data, 0644); err != nil {
			t.Fatal(err)
		}
		return path
	}
	db := write("books.db", append([]byte("SQLite format 3\x00"), make([]byte, 84)...))
	empty := write("empty.db", nil)
	wal := write("books.db-wal", []byte{0x37, 0x7f, 0x06, 0x82, 0, 0x2d, 0xe2, 0x18})
	text := write("notes.txt", []byte("not a database at all"))
	missing := filepath.Join(dir, "missing.db")

	for _, path := range []string{db, empty} {
		if err := ValidateDatabaseFile(path, false); err != nil {
			t.Errorf("ValidateDatabaseFile(%s) = %v", path, err)
		}
	}
	if err := ValidateDatabaseFile(missing, true); err != nil {
		t.Errorf("missing file with mayCreate: %v", err)
	}
	if err := ValidateDatabaseFile(missing, false); !os.IsNotExist(err) {
		t.Errorf("missing file without mayCreate: %v", err)
	}

	for _, path := range []string{wal, text, dir} {
		err := ValidateDatabaseFile(path, true)
		if !errors.Is(err, ErrWrongFileType) {
			t.Errorf("ValidateDatabaseFile(%s) = %v, want ErrWrongFileType", path, err)
		}
	}
	if err := ValidateDatabaseFile(wal, false); !strings.Contains(err.Error(), "write-ahead log") {
		t.Errorf("error should name the file type: %v", err)
	}
	if err := ValidateDatabaseFile("", true); !errors.Is(err, ErrEmptyPath) {
		t.Errorf("empty path: %v", err)
	}
}
