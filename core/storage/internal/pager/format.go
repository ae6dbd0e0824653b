package pager

import (
	"encoding/binary"

	serrors "github.com/FocuswithJustin/pagestore/core/errors"
)

// File format constants
const (
	// DatabaseHeaderSize is the size of the database file header.
	DatabaseHeaderSize = 100

	// DefaultPageSize is the page size of new databases.
	DefaultPageSize = 4096

	MinPageSize = 512
	MaxPageSize = 65536

	// MagicHeaderString starts every database file.
	MagicHeaderString = "SQLite format 3\x00"

	// LibraryVersion is written at offset 96 on every commit.
	LibraryVersion = 3045000
)

// Database header byte offsets
const (
	OffsetMagic = 0

	// OffsetPageSize holds the page size as a big-endian uint16.
	// A value of 1 represents 65536 bytes.
	OffsetPageSize = 16

	// OffsetFileFormatWrite and OffsetFileFormatRead are 1 for legacy
	// journaling and 2 for WAL.
	OffsetFileFormatWrite = 18
	OffsetFileFormatRead  = 19

	// OffsetReservedSpace is the number of unused bytes at the end of
	// each page.
	OffsetReservedSpace   = 20
	OffsetMaxPayloadFrac  = 21
	OffsetMinPayloadFrac  = 22
	OffsetLeafPayloadFrac = 23

	// OffsetFileChangeCounter is incremented by every committed
	// transaction in rollback mode.
	OffsetFileChangeCounter = 24

	// OffsetDatabaseSize is the size of the database in pages. It is only
	// trusted when OffsetVersionValidFor matches the change counter.
	OffsetDatabaseSize = 28

	OffsetFreelistTrunk     = 32
	OffsetFreelistCount     = 36
	OffsetSchemaCookie      = 40
	OffsetSchemaFormat      = 44
	OffsetDefaultCacheSize  = 48
	OffsetLargestRootPage   = 52
	OffsetTextEncoding      = 56
	OffsetUserVersion       = 60
	OffsetIncrementalVacuum = 64
	OffsetApplicationID     = 68
	OffsetReserved          = 72
	OffsetVersionValidFor   = 92
	OffsetLibraryVersion    = 96
)

// Text encoding values
const (
	EncodingUTF8    = 1
	EncodingUTF16LE = 2
	EncodingUTF16BE = 3
)

// DatabaseHeader is the decoded 100-byte header at the start of page 1.
type DatabaseHeader struct {
	Magic             [16]byte
	PageSize          int // decoded, 512..65536
	FileFormatWrite   uint8
	FileFormatRead    uint8
	ReservedSpace     uint8
	MaxPayloadFrac    uint8
	MinPayloadFrac    uint8
	LeafPayloadFrac   uint8
	FileChangeCounter uint32
	DatabaseSize      uint32
	FreelistTrunk     uint32
	FreelistCount     uint32
	SchemaCookie      uint32
	SchemaFormat      uint32
	DefaultCacheSize  uint32
	LargestRootPage   uint32
	TextEncoding      uint32
	UserVersion       uint32
	IncrementalVacuum uint32
	ApplicationID     uint32
	Reserved          [20]byte
	VersionValidFor   uint32
	LibraryVersion    uint32
}

// ParseDatabaseHeader decodes a database header. It fails with
// ErrNotADatabase when the magic string or page size is wrong.
func ParseDatabaseHeader(data []byte) (*DatabaseHeader, error) {
	if len(data) < DatabaseHeaderSize {
		return nil, serrors.Wrapf(serrors.ErrNotADatabase, "header is %d bytes", len(data))
	}

	h := &DatabaseHeader{}
	copy(h.Magic[:], data[OffsetMagic:OffsetMagic+16])
	if string(h.Magic[:]) != MagicHeaderString {
		return nil, serrors.Wrap(serrors.ErrNotADatabase, "bad magic")
	}

	h.PageSize = DecodePageSize(binary.BigEndian.Uint16(data[OffsetPageSize:]))
	if !IsValidPageSize(h.PageSize) {
		return nil, serrors.Wrapf(serrors.ErrNotADatabase, "invalid page size %d", h.PageSize)
	}

	h.FileFormatWrite = data[OffsetFileFormatWrite]
	h.FileFormatRead = data[OffsetFileFormatRead]
	h.ReservedSpace = data[OffsetReservedSpace]
	h.MaxPayloadFrac = data[OffsetMaxPayloadFrac]
	h.MinPayloadFrac = data[OffsetMinPayloadFrac]
	h.LeafPayloadFrac = data[OffsetLeafPayloadFrac]

	be := binary.BigEndian
	h.FileChangeCounter = be.Uint32(data[OffsetFileChangeCounter:])
	h.DatabaseSize = be.Uint32(data[OffsetDatabaseSize:])
	h.FreelistTrunk = be.Uint32(data[OffsetFreelistTrunk:])
	h.FreelistCount = be.Uint32(data[OffsetFreelistCount:])
	h.SchemaCookie = be.Uint32(data[OffsetSchemaCookie:])
	h.SchemaFormat = be.Uint32(data[OffsetSchemaFormat:])
	h.DefaultCacheSize = be.Uint32(data[OffsetDefaultCacheSize:])
	h.LargestRootPage = be.Uint32(data[OffsetLargestRootPage:])
	h.TextEncoding = be.Uint32(data[OffsetTextEncoding:])
	h.UserVersion = be.Uint32(data[OffsetUserVersion:])
	h.IncrementalVacuum = be.Uint32(data[OffsetIncrementalVacuum:])
	h.ApplicationID = be.Uint32(data[OffsetApplicationID:])
	copy(h.Reserved[:], data[OffsetReserved:OffsetReserved+20])
	h.VersionValidFor = be.Uint32(data[OffsetVersionValidFor:])
	h.LibraryVersion = be.Uint32(data[OffsetLibraryVersion:])

	return h, nil
}

// Serialize encodes the header into its 100-byte form.
func (h *DatabaseHeader) Serialize() []byte {
	data := make([]byte, DatabaseHeaderSize)
	h.PutInto(data)
	return data
}

// PutInto encodes the header into the first 100 bytes of data.
func (h *DatabaseHeader) PutInto(data []byte) {
	copy(data[OffsetMagic:], h.Magic[:])
	binary.BigEndian.PutUint16(data[OffsetPageSize:], EncodePageSize(h.PageSize))

	data[OffsetFileFormatWrite] = h.FileFormatWrite
	data[OffsetFileFormatRead] = h.FileFormatRead
	data[OffsetReservedSpace] = h.ReservedSpace
	data[OffsetMaxPayloadFrac] = h.MaxPayloadFrac
	data[OffsetMinPayloadFrac] = h.MinPayloadFrac
	data[OffsetLeafPayloadFrac] = h.LeafPayloadFrac

	be := binary.BigEndian
	be.PutUint32(data[OffsetFileChangeCounter:], h.FileChangeCounter)
	be.PutUint32(data[OffsetDatabaseSize:], h.DatabaseSize)
	be.PutUint32(data[OffsetFreelistTrunk:], h.FreelistTrunk)
	be.PutUint32(data[OffsetFreelistCount:], h.FreelistCount)
	be.PutUint32(data[OffsetSchemaCookie:], h.SchemaCookie)
	be.PutUint32(data[OffsetSchemaFormat:], h.SchemaFormat)
	be.PutUint32(data[OffsetDefaultCacheSize:], h.DefaultCacheSize)
	be.PutUint32(data[OffsetLargestRootPage:], h.LargestRootPage)
	be.PutUint32(data[OffsetTextEncoding:], h.TextEncoding)
	be.PutUint32(data[OffsetUserVersion:], h.UserVersion)
	be.PutUint32(data[OffsetIncrementalVacuum:], h.IncrementalVacuum)
	be.PutUint32(data[OffsetApplicationID:], h.ApplicationID)
	copy(data[OffsetReserved:], h.Reserved[:])
	be.PutUint32(data[OffsetVersionValidFor:], h.VersionValidFor)
	be.PutUint32(data[OffsetLibraryVersion:], h.LibraryVersion)
}

// NewDatabaseHeader returns the header of an empty database.
func NewDatabaseHeader(pageSize, reserved int) *DatabaseHeader {
	h := &DatabaseHeader{
		PageSize:        pageSize,
		FileFormatWrite: 1,
		FileFormatRead:  1,
		ReservedSpace:   uint8(reserved),
		MaxPayloadFrac:  64,
		MinPayloadFrac:  32,
		LeafPayloadFrac: 32,
		SchemaFormat:    4,
		TextEncoding:    EncodingUTF8,
		LibraryVersion:  LibraryVersion,
	}
	copy(h.Magic[:], MagicHeaderString)
	return h
}

// Validate checks the fields a reader depends on.
func (h *DatabaseHeader) Validate() error {
	if string(h.Magic[:]) != MagicHeaderString {
		return serrors.Wrap(serrors.ErrNotADatabase, "bad magic")
	}
	if !IsValidPageSize(h.PageSize) {
		return serrors.Wrapf(serrors.ErrNotADatabase, "invalid page size %d", h.PageSize)
	}
	if h.FileFormatWrite < 1 || h.FileFormatWrite > 2 {
		return serrors.Corruptf(1, "invalid write format %d", h.FileFormatWrite)
	}
	if h.FileFormatRead < 1 || h.FileFormatRead > 2 {
		return serrors.Corruptf(1, "invalid read format %d", h.FileFormatRead)
	}
	if h.MaxPayloadFrac != 64 || h.MinPayloadFrac != 32 || h.LeafPayloadFrac != 32 {
		return serrors.Corruptf(1, "invalid payload fractions %d/%d/%d",
			h.MaxPayloadFrac, h.MinPayloadFrac, h.LeafPayloadFrac)
	}
	if h.PageSize-int(h.ReservedSpace) < 480 {
		return serrors.Corruptf(1, "usable size %d too small", h.PageSize-int(h.ReservedSpace))
	}
	return nil
}

// UsesWAL reports whether the header marks the database as WAL mode.
func (h *DatabaseHeader) UsesWAL() bool {
	return h.FileFormatRead == 2
}

// IsValidPageSize reports whether n is a power of two in [512, 65536].
func IsValidPageSize(n int) bool {
	return n >= MinPageSize && n <= MaxPageSize && n&(n-1) == 0
}

// DecodePageSize converts the stored 16-bit page size to bytes.
func DecodePageSize(v uint16) int {
	if v == 1 {
		return MaxPageSize
	}
	return int(v)
}

// EncodePageSize converts a page size to its stored form.
func EncodePageSize(n int) uint16 {
	if n == MaxPageSize {
		return 1
	}
	return uint16(n)
}

func get32(b []byte) uint32    { return binary.BigEndian.Uint32(b) }
func put32(b []byte, v uint32) { binary.BigEndian.PutUint32(b, v) }
