// Package snapshot keeps compressed, content-addressed copies of database
// files. Each image is stored once under its BLAKE3 hash; every snapshot
// of it gets a manifest with its own id.
//
// Layout under the store root:
//
//	blobs/blake3/<first2>/<hash>   compressed image
//	snapshots/<id>.json            manifest
package snapshot

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
	"github.com/zeebo/blake3"

	"github.com/FocuswithJustin/pagestore/core/cache"
	serrors "github.com/FocuswithJustin/pagestore/core/errors"
	"github.com/FocuswithJustin/pagestore/core/storage"
	"github.com/FocuswithJustin/pagestore/internal/logging"
	"github.com/FocuswithJustin/pagestore/internal/validation"
)

// osRename is a variable to allow testing of rename errors.
var osRename = os.Rename

var hashPattern = regexp.MustCompile(`^[a-f0-9]{64}$`)

// Compression selects how blobs are compressed.
type Compression string

const (
	// CompressionXZ uses XZ/LZMA2 (default, best ratio).
	CompressionXZ Compression = "xz"
	// CompressionZstd uses Zstandard (faster).
	CompressionZstd Compression = "zstd"
	// CompressionNone stores the image as is.
	CompressionNone Compression = "none"
)

// ParseCompression parses a compression name. The empty string selects
// xz.
func ParseCompression(s string) (Compression, error) {
	switch c := Compression(strings.ToLower(s)); c {
	case "":
		return CompressionXZ, nil
	case CompressionXZ, CompressionZstd, CompressionNone:
		return c, nil
	}
	return "", serrors.NewValidation("compression", fmt.Sprintf("unknown compression %q", s))
}

// Manifest describes one snapshot.
type Manifest struct {
	ID          string      `json:"id"`
	Source      string      `json:"source"`
	Created     time.Time   `json:"created"`
	BLAKE3      string      `json:"blake3"`
	Size        int64       `json:"size"`
	StoredSize  int64       `json:"stored_size"`
	Compression Compression `json:"compression"`
	PageSize    int         `json:"page_size"`
	PageCount   uint32      `json:"page_count"`
}

// Store is a snapshot store rooted at a directory.
type Store struct {
	root string
	now  func() time.Time

	// manifests holds parsed manifests for List; they never change once
	// written.
	manifests *cache.LRU[string, *Manifest]
}

const manifestCacheSize = 256

// NewStore opens the store at root, creating its directories.
func NewStore(root string) (*Store, error) {
	for _, dir := range []string{filepath.Join(root, "blobs", "blake3"), filepath.Join(root, "snapshots")} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, serrors.NewIO("mkdir", dir, err)
		}
	}
	return &Store{root: root, now: time.Now, manifests: cache.New[string, *Manifest](manifestCacheSize)}, nil
}

// Hash returns the hex BLAKE3 hash of data.
func Hash(data []byte) string {
	h := blake3.Sum256(data)
	return hex.EncodeToString(h[:])
}

// ContentHash returns the hex BLAKE3 hash of a database image with the
// change counter, version-valid-for and library version fields zeroed.
// Those change whenever a copy is committed, so a database and its
// restored snapshot differ in them while holding the same content.
func ContentHash(image []byte) string {
	h := blake3.New()
	if len(image) < storage.DatabaseHeaderSize {
		h.Write(image)
	} else {
		var hdr [storage.DatabaseHeaderSize]byte
		copy(hdr[:], image)
		for _, off := range []int{storage.OffsetFileChangeCounter, storage.OffsetVersionValidFor, storage.OffsetLibraryVersion} {
			clear(hdr[off : off+4])
		}
		h.Write(hdr[:])
		h.Write(image[storage.DatabaseHeaderSize:])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Save stores a database image, as produced by storage.Image, and
// returns the manifest of the new snapshot.
func (s *Store) Save(source string, image []byte, c Compression) (*Manifest, error) {
	hdr, err := storage.ParseHeader(image)
	if err != nil {
		return nil, err
	}
	if c == "" {
		c = CompressionXZ
	}
	if _, err := ParseCompression(string(c)); err != nil {
		return nil, err
	}

	hash := Hash(image)
	blobPath := s.blobPath(hash)
	var stored int64
	if packed, err := os.ReadFile(blobPath); err == nil {
		// Already stored, possibly with another compression.
		stored = int64(len(packed))
		c = detect(packed)
	} else {
		packed, err := compress(image, c)
		if err != nil {
			return nil, err
		}
		if err := writeAtomic(blobPath, packed); err != nil {
			return nil, err
		}
		stored = int64(len(packed))
	}

	m := &Manifest{
		ID:          uuid.New().String(),
		Source:      source,
		Created:     s.now().UTC(),
		BLAKE3:      hash,
		Size:        int64(len(image)),
		StoredSize:  stored,
		Compression: c,
		PageSize:    hdr.PageSize,
		PageCount:   uint32(len(image) / hdr.PageSize),
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal manifest: %w", err)
	}
	if err := writeAtomic(s.manifestPath(m.ID), data); err != nil {
		return nil, err
	}
	cp := *m
	s.manifests.Put(m.ID, &cp)
	logging.Info("snapshot saved", "id", m.ID, "source", source, "blake3", hash, "size", m.Size, "stored", stored)
	return m, nil
}

// Manifest returns the manifest of snapshot id.
func (s *Store) Manifest(id string) (*Manifest, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, serrors.NewValidation("id", fmt.Sprintf("%q is not a snapshot id", id))
	}
	data, err := os.ReadFile(s.manifestPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, serrors.NewNotFound("snapshot", id)
		}
		return nil, serrors.NewIO("read", s.manifestPath(id), err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", id, err)
	}
	cp := m
	s.manifests.Put(id, &cp)
	return &m, nil
}

// Load returns the image of snapshot id after checking its hash.
func (s *Store) Load(id string) ([]byte, *Manifest, error) {
	m, err := s.Manifest(id)
	if err != nil {
		return nil, nil, err
	}
	if !hashPattern.MatchString(m.BLAKE3) {
		return nil, nil, serrors.NewValidation("blake3", "manifest hash is malformed")
	}
	packed, err := os.ReadFile(s.blobPath(m.BLAKE3))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, serrors.NewNotFound("blob", m.BLAKE3)
		}
		return nil, nil, serrors.NewIO("read", s.blobPath(m.BLAKE3), err)
	}
	image, err := decompress(packed)
	if err != nil {
		return nil, nil, err
	}
	if got := Hash(image); got != m.BLAKE3 {
		return nil, nil, serrors.Corruptf(0, "snapshot %s: blob hash %s does not match %s", id, got, m.BLAKE3)
	}
	return image, m, nil
}

// List returns every manifest, oldest first.
func (s *Store) List() ([]*Manifest, error) {
	dir := filepath.Join(s.root, "snapshots")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, serrors.NewIO("readdir", dir, err)
	}
	var out []*Manifest
	for _, e := range entries {
		id, ok := strings.CutSuffix(e.Name(), ".json")
		if !ok || e.IsDir() {
			continue
		}
		if m, ok := s.manifests.Get(id); ok {
			cp := *m
			out = append(out, &cp)
			continue
		}
		m, err := s.Manifest(id)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	slices.SortFunc(out, func(a, b *Manifest) int {
		if c := a.Created.Compare(b.Created); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}

// Delete removes snapshot id, and its blob when no other snapshot
// refers to it.
func (s *Store) Delete(id string) error {
	m, err := s.Manifest(id)
	if err != nil {
		return err
	}
	if err := os.Remove(s.manifestPath(id)); err != nil {
		return serrors.NewIO("remove", s.manifestPath(id), err)
	}
	s.manifests.Remove(id)
	rest, err := s.List()
	if err != nil {
		return err
	}
	for _, o := range rest {
		if o.BLAKE3 == m.BLAKE3 {
			return nil
		}
	}
	if err := os.Remove(s.blobPath(m.BLAKE3)); err != nil && !os.IsNotExist(err) {
		return serrors.NewIO("remove", s.blobPath(m.BLAKE3), err)
	}
	return nil
}

// blobPath returns <root>/blobs/blake3/<first2>/<hash>.
func (s *Store) blobPath(hash string) string {
	return filepath.Join(s.root, "blobs", "blake3", hash[:2], hash)
}

func (s *Store) manifestPath(id string) string {
	return filepath.Join(s.root, "snapshots", id+".json")
}

// writeAtomic writes data to a temp file next to path and renames it
// into place.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return serrors.NewIO("mkdir", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return serrors.NewIO("create", dir, err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return serrors.NewIO("write", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return serrors.NewIO("close", tmpPath, err)
	}
	if err := osRename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return serrors.NewIO("rename", path, err)
	}
	return nil
}

func compress(data []byte, c Compression) ([]byte, error) {
	var buf bytes.Buffer
	var w io.WriteCloser
	var err error
	switch c {
	case CompressionNone:
		return data, nil
	case CompressionZstd:
		w, err = zstd.NewWriter(&buf, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	default:
		w, err = xz.NewWriter(&buf)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s writer: %w", c, err)
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish compression: %w", err)
	}
	return buf.Bytes(), nil
}

// detect returns the compression of a blob from its magic bytes, or ""
// if it is not recognized.
func detect(data []byte) Compression {
	switch validation.DetectFileType(data) {
	case validation.FileTypeXZ:
		return CompressionXZ
	case validation.FileTypeZstd:
		return CompressionZstd
	case validation.FileTypeDatabase:
		return CompressionNone
	}
	return ""
}

func decompress(data []byte) ([]byte, error) {
	switch detect(data) {
	case CompressionXZ:
		r, err := xz.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("failed to open xz stream: %w", err)
		}
		return io.ReadAll(r)
	case CompressionZstd:
		d, err := zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
		defer d.Close()
		return d.DecodeAll(data, nil)
	case CompressionNone:
		return data, nil
	}
	return nil, serrors.NewUnsupported("compression format", "unknown magic bytes")
}
