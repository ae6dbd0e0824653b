package btree

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	serrors "github.com/FocuswithJustin/pagestore/core/errors"
	"github.com/FocuswithJustin/pagestore/core/storage/internal/pager"
	"github.com/FocuswithJustin/pagestore/core/storage/internal/vfs"
	"github.com/FocuswithJustin/pagestore/internal/logging"
)

const testPageSize = 1024

func openTree(t *testing.T, fs vfs.VFS, cfg Config) *Btree {
	t.Helper()
	if cfg.Pager.PageSize == 0 {
		cfg.Pager.PageSize = testPageSize
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	p, err := Open(fs, "test.db", cfg)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

// createTable creates a tree in its own transaction.
func createTable(t *testing.T, p *Btree, flags int) Pgno {
	t.Helper()
	require.NoError(t, p.BeginTrans(true))
	root, err := p.CreateTable(flags)
	require.NoError(t, err)
	require.NoError(t, p.Commit())
	return root
}

// rowData returns n bytes that depend on rowid.
func rowData(rowid int64, n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(int64(i)*7 + rowid)
	}
	return b
}

// insertRows inserts rowids, each with size(rowid) bytes of rowData, in
// one transaction.
func insertRows(t *testing.T, p *Btree, root Pgno, rowids []int64, size func(int64) int) {
	t.Helper()
	require.NoError(t, p.BeginTrans(true))
	c, err := p.Cursor(root, true)
	require.NoError(t, err)
	for _, id := range rowids {
		require.NoError(t, c.Insert(Payload{Rowid: id, Data: rowData(id, size(id))}, false), "rowid %d", id)
	}
	require.NoError(t, c.Close())
	require.NoError(t, p.Commit())
}

func seq(from, to int64) []int64 {
	out := make([]int64, 0, to-from+1)
	for i := from; i <= to; i++ {
		out = append(out, i)
	}
	return out
}

func fixedSize(n int) func(int64) int { return func(int64) int { return n } }

// inRead runs fn inside a read transaction unless one is already open.
func inRead(t *testing.T, p *Btree, fn func()) {
	t.Helper()
	if p.TxnState() != TransNone {
		fn()
		return
	}
	require.NoError(t, p.BeginTrans(false))
	fn()
	require.NoError(t, p.Commit())
}

// scanRowids returns every rowid of a table tree in cursor order.
func scanRowids(t *testing.T, p *Btree, root Pgno) []int64 {
	t.Helper()
	var out []int64
	inRead(t, p, func() {
		c, err := p.Cursor(root, false)
		require.NoError(t, err)
		defer c.Close()
		require.NoError(t, c.First())
		for !c.Eof() {
			id, err := c.Rowid()
			require.NoError(t, err)
			out = append(out, id)
			require.NoError(t, c.Next())
		}
	})
	return out
}

// checkIntegrity fails the test if the integrity check reports problems.
func checkIntegrity(t *testing.T, p *Btree, roots ...Pgno) {
	t.Helper()
	inRead(t, p, func() {
		errs, err := p.IntegrityCheck(append([]Pgno{1}, roots...), 0)
		require.NoError(t, err)
		require.Empty(t, errs)
	})
}

func TestEmptyDatabase(t *testing.T) {
	p := openTree(t, vfs.NewMemory(), Config{})
	require.NoError(t, p.BeginTrans(false))
	require.EqualValues(t, 0, p.PageCount())

	c, err := p.Cursor(1, false)
	require.NoError(t, err)
	require.NoError(t, c.First())
	require.True(t, c.Eof())
	id, err := c.LastRowid()
	require.NoError(t, err)
	require.Zero(t, id)
	require.NoError(t, c.Close())
	require.NoError(t, p.Commit())
	require.Equal(t, TransNone, p.TxnState())
}

func TestFirstWriteCreatesHeader(t *testing.T) {
	fs := vfs.NewMemory()
	p := openTree(t, fs, Config{})
	require.NoError(t, p.BeginTrans(true))
	require.NoError(t, p.Commit())

	data, ok := fs.Bytes(p.Filename())
	require.True(t, ok)
	require.Len(t, data, testPageSize)
	require.Equal(t, pager.MagicHeaderString, string(data[:16]))
	require.EqualValues(t, PageTypeLeafTable, data[FileHeaderSize])
	require.EqualValues(t, 1, get4(data[pager.OffsetDatabaseSize:]))
}

func TestCreateTable(t *testing.T) {
	p := openTree(t, vfs.NewMemory(), Config{})
	table := createTable(t, p, IntKey)
	index := createTable(t, p, BlobKey)
	require.EqualValues(t, 2, table)
	require.EqualValues(t, 3, index)

	require.NoError(t, p.BeginTrans(true))
	_, err := p.CreateTable(0)
	require.ErrorIs(t, err, serrors.ErrInvalidInput)
	require.NoError(t, p.Rollback())

	checkIntegrity(t, p, table, index)
}

func TestOperationsNeedTransaction(t *testing.T) {
	p := openTree(t, vfs.NewMemory(), Config{})
	_, err := p.CreateTable(IntKey)
	require.ErrorIs(t, err, serrors.ErrMisuse)
	_, err = p.Cursor(1, false)
	require.ErrorIs(t, err, serrors.ErrMisuse)

	require.NoError(t, p.BeginTrans(false))
	_, err = p.Cursor(1, true)
	require.ErrorIs(t, err, serrors.ErrMisuse)
	require.ErrorIs(t, p.UpdateMeta(MetaUserVersion, 1), serrors.ErrMisuse)
	require.NoError(t, p.Commit())
}

func TestMetaValues(t *testing.T) {
	fs := vfs.NewMemory()
	p := openTree(t, fs, Config{})
	require.NoError(t, p.BeginTrans(true))
	require.NoError(t, p.UpdateMeta(MetaUserVersion, 42))
	require.NoError(t, p.UpdateMeta(MetaApplicationID, 0x5041_4745))
	require.ErrorIs(t, p.UpdateMeta(MetaFreePageCount, 1), serrors.ErrInvalidInput)
	require.ErrorIs(t, p.UpdateMeta(15, 1), serrors.ErrInvalidInput)
	require.NoError(t, p.Commit())

	q := openTree(t, fs, Config{})
	require.NoError(t, q.BeginTrans(false))
	v, err := q.GetMeta(MetaUserVersion)
	require.NoError(t, err)
	require.EqualValues(t, 42, v)
	v, err = q.GetMeta(MetaApplicationID)
	require.NoError(t, err)
	require.EqualValues(t, 0x5041_4745, v)
	v, err = q.GetMeta(MetaLargestRootPage)
	require.NoError(t, err)
	require.Zero(t, v)
	require.NoError(t, q.Commit())
}

func TestDataVersionChangesOnForeignCommit(t *testing.T) {
	fs := vfs.NewMemory()
	p := openTree(t, fs, Config{})
	q := openTree(t, fs, Config{})
	root := createTable(t, p, IntKey)

	require.NoError(t, q.BeginTrans(false))
	before, err := q.GetMeta(MetaDataVersion)
	require.NoError(t, err)
	require.NoError(t, q.Commit())

	insertRows(t, p, root, seq(1, 10), fixedSize(10))

	require.NoError(t, q.BeginTrans(false))
	after, err := q.GetMeta(MetaDataVersion)
	require.NoError(t, err)
	require.NoError(t, q.Commit())
	require.NotEqual(t, before, after)
}

func TestRollbackDiscardsChanges(t *testing.T) {
	p := openTree(t, vfs.NewMemory(), Config{})
	root := createTable(t, p, IntKey)
	insertRows(t, p, root, seq(1, 50), fixedSize(40))

	require.NoError(t, p.BeginTrans(true))
	c, err := p.Cursor(root, true)
	require.NoError(t, err)
	for _, id := range seq(51, 400) {
		require.NoError(t, c.Insert(Payload{Rowid: id, Data: rowData(id, 40)}, true))
	}
	require.NoError(t, c.Close())
	require.NoError(t, p.Rollback())

	require.Equal(t, seq(1, 50), scanRowids(t, p, root))
	checkIntegrity(t, p, root)
}

func TestRollbackTripsCursors(t *testing.T) {
	p := openTree(t, vfs.NewMemory(), Config{})
	root := createTable(t, p, IntKey)
	insertRows(t, p, root, seq(1, 20), fixedSize(10))

	require.NoError(t, p.BeginTrans(true))
	c, err := p.Cursor(root, false)
	require.NoError(t, err)
	require.NoError(t, c.First())
	require.NoError(t, p.Rollback())

	require.Equal(t, CursorFault, c.State())
	require.ErrorIs(t, c.Err(), serrors.ErrAbort)
	require.ErrorIs(t, c.Next(), serrors.ErrAbort)
	_, err = c.Rowid()
	require.ErrorIs(t, err, serrors.ErrAbort)

	// The connection keeps a read transaction for the open cursor.
	require.Equal(t, TransRead, p.TxnState())
	c.Reset()
	require.NoError(t, c.First())
	id, err := c.Rowid()
	require.NoError(t, err)
	require.EqualValues(t, 1, id)
	require.NoError(t, c.Close())
	require.Equal(t, TransNone, p.TxnState())
}

func TestCommitKeepsReadTransactionForCursors(t *testing.T) {
	p := openTree(t, vfs.NewMemory(), Config{})
	root := createTable(t, p, IntKey)

	require.NoError(t, p.BeginTrans(true))
	c, err := p.Cursor(root, true)
	require.NoError(t, err)
	require.NoError(t, c.Insert(Payload{Rowid: 7, Data: []byte("seven")}, false))
	require.NoError(t, p.Commit())
	require.Equal(t, TransRead, p.TxnState())

	_, err = c.SeekRowid(7)
	require.NoError(t, err)
	data, err := c.Payload()
	require.NoError(t, err)
	require.Equal(t, "seven", string(data))
	require.NoError(t, c.Close())
	require.Equal(t, TransNone, p.TxnState())
}

func TestSavepointRollbackRestoresRows(t *testing.T) {
	p := openTree(t, vfs.NewMemory(), Config{})
	root := createTable(t, p, IntKey)
	insertRows(t, p, root, seq(1, 100), fixedSize(30))

	require.NoError(t, p.BeginTrans(true))
	require.NoError(t, p.OpenSavepoint(1))
	c, err := p.Cursor(root, true)
	require.NoError(t, err)
	for _, id := range seq(101, 200) {
		require.NoError(t, c.Insert(Payload{Rowid: id, Data: rowData(id, 30)}, true))
	}
	for _, id := range seq(1, 50) {
		res, err := c.SeekRowid(id)
		require.NoError(t, err)
		require.Zero(t, res)
		require.NoError(t, c.Delete())
	}
	require.NoError(t, p.Savepoint(pager.SavepointRollback, 0))
	require.Equal(t, CursorRequireSeek, c.State())

	require.NoError(t, c.First())
	var got []int64
	for !c.Eof() {
		id, err := c.Rowid()
		require.NoError(t, err)
		got = append(got, id)
		require.NoError(t, c.Next())
	}
	require.Equal(t, seq(1, 100), got)
	require.NoError(t, c.Close())
	require.NoError(t, p.Commit())

	require.Equal(t, seq(1, 100), scanRowids(t, p, root))
	checkIntegrity(t, p, root)
}

func TestSavepointRollbackAfterSpill(t *testing.T) {
	fs := vfs.NewMemory()
	cfg := Config{}
	cfg.Pager.CacheSize = 10
	p := openTree(t, fs, cfg)
	root := createTable(t, p, IntKey)
	insertRows(t, p, root, seq(1, 2000), fixedSize(30))

	require.NoError(t, p.BeginTrans(true))
	c, err := p.Cursor(root, true)
	require.NoError(t, err)
	for _, id := range seq(2001, 2500) {
		require.NoError(t, c.Insert(Payload{Rowid: id, Data: rowData(id, 30)}, true))
	}
	require.NoError(t, p.OpenSavepoint(1))
	for _, id := range seq(2501, 4000) {
		require.NoError(t, c.Insert(Payload{Rowid: id, Data: rowData(id, 30)}, true))
	}
	for _, id := range seq(1, 300) {
		res, err := c.SeekRowid(id)
		require.NoError(t, err)
		require.Zero(t, res)
		require.NoError(t, c.Delete())
	}
	require.Positive(t, p.Stats().Spills)
	require.NoError(t, p.Savepoint(pager.SavepointRollback, 0))
	require.NoError(t, c.Close())
	require.NoError(t, p.Commit())

	require.Equal(t, seq(1, 2500), scanRowids(t, p, root))
	checkIntegrity(t, p, root)

	require.NoError(t, p.Close())
	p = openTree(t, fs, Config{})
	require.Equal(t, seq(1, 2500), scanRowids(t, p, root))
	checkIntegrity(t, p, root)
}

func TestSavepointReleaseKeepsRows(t *testing.T) {
	p := openTree(t, vfs.NewMemory(), Config{})
	root := createTable(t, p, IntKey)

	require.NoError(t, p.BeginTrans(true))
	require.NoError(t, p.OpenSavepoint(1))
	c, err := p.Cursor(root, true)
	require.NoError(t, err)
	for _, id := range seq(1, 30) {
		require.NoError(t, c.Insert(Payload{Rowid: id, Data: rowData(id, 30)}, true))
	}
	require.NoError(t, c.Close())
	require.NoError(t, p.Savepoint(pager.SavepointRelease, 0))
	require.NoError(t, p.Commit())
	require.Equal(t, seq(1, 30), scanRowids(t, p, root))
}

func TestPageSizeAndReserve(t *testing.T) {
	fs := vfs.NewMemory()
	p := openTree(t, fs, Config{})
	require.NoError(t, p.SetPageSize(2048, 16))
	require.Equal(t, 2048, p.PageSize())
	require.Equal(t, 2032, p.UsableSize())
	root := createTable(t, p, IntKey)
	insertRows(t, p, root, seq(1, 300), fixedSize(100))
	require.ErrorIs(t, p.SetPageSize(4096, 0), serrors.ErrMisuse)
	checkIntegrity(t, p, root)

	require.NoError(t, p.Close())
	q := openTree(t, fs, Config{Pager: pager.Config{PageSize: 2048, ReservedBytes: 16}})
	require.Equal(t, seq(1, 300), scanRowids(t, q, root))
}

func TestReopenReadsCommittedRows(t *testing.T) {
	fs := vfs.NewMemory()
	p := openTree(t, fs, Config{})
	root := createTable(t, p, IntKey)
	insertRows(t, p, root, seq(1, 500), func(id int64) int { return int(id % 200) })
	require.NoError(t, p.Close())

	q := openTree(t, fs, Config{})
	require.NoError(t, q.BeginTrans(false))
	c, err := q.Cursor(root, false)
	require.NoError(t, err)
	for _, id := range []int64{1, 199, 200, 201, 500} {
		res, err := c.SeekRowid(id)
		require.NoError(t, err)
		require.Zero(t, res)
		data, err := c.Payload()
		require.NoError(t, err)
		require.True(t, bytes.Equal(rowData(id, int(id%200)), data), fmt.Sprintf("rowid %d", id))
	}
	require.NoError(t, c.Close())
	require.NoError(t, q.Commit())
}
