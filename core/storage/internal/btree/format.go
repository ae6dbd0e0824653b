package btree

import (
	"encoding/binary"

	"github.com/FocuswithJustin/pagestore/core/storage/internal/pager"
)

// Pgno is a 1-based page number.
type Pgno = pager.Pgno

// Page type constants (first byte of page header)
const (
	PageTypeInteriorIndex = 0x02
	PageTypeInteriorTable = 0x05
	PageTypeLeafIndex     = 0x0a
	PageTypeLeafTable     = 0x0d
)

// Page type flags
const (
	ptfIntKey   = 0x01
	ptfZeroData = 0x02
	ptfLeafData = 0x04
	ptfLeaf     = 0x08
)

// Page header offsets, relative to the header start (100 on page 1)
const (
	hdrType       = 0
	hdrFreeblock  = 1
	hdrNumCells   = 3
	hdrCellStart  = 5
	hdrFragmented = 7
	hdrRightChild = 8
)

// FileHeaderSize is the size of the database header that precedes the
// b-tree header on page 1.
const FileHeaderSize = pager.DatabaseHeaderSize

// Flags for CreateTable.
const (
	// IntKey creates a table tree keyed by a 64-bit rowid with data in
	// the leaves.
	IntKey = 1
	// BlobKey creates an index tree keyed by the whole payload.
	BlobKey = 2
)

// Pointer map entry types
const (
	ptrmapRoot      = 1 // root page, parent is 0
	ptrmapFree      = 2 // on the freelist
	ptrmapOverflow1 = 3 // first overflow page, parent is the b-tree page
	ptrmapOverflow2 = 4 // later overflow page, parent is the previous one
	ptrmapBtree     = 5 // non-root b-tree page
)

// Meta value indexes. Meta value i lives at byte 36+4*i of page 1.
const (
	MetaFreePageCount    = 0
	MetaSchemaVersion    = 1
	MetaFileFormat       = 2
	MetaDefaultCacheSize = 3
	MetaLargestRootPage  = 4
	MetaTextEncoding     = 5
	MetaUserVersion      = 6
	MetaIncrVacuum       = 7
	MetaApplicationID    = 8
	MetaDataVersion      = 15
)

const (
	// maxDepth bounds the cursor page stack.
	maxDepth = 20
	// nbSiblings is the number of siblings balanced together.
	nbSiblings = 3
)

func get2(b []byte) int       { return int(binary.BigEndian.Uint16(b)) }
func put2(b []byte, v int)    { binary.BigEndian.PutUint16(b, uint16(v)) }
func get4(b []byte) uint32    { return binary.BigEndian.Uint32(b) }
func put4(b []byte, v uint32) { binary.BigEndian.PutUint32(b, v) }

// maxCells is the most cells a page of the given size can hold.
func maxCells(pageSize int) int { return (pageSize - 8) / 6 }
