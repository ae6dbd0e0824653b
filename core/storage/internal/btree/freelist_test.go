package btree

import (
	"testing"

	"github.com/stretchr/testify/require"

	serrors "github.com/FocuswithJustin/pagestore/core/errors"
	"github.com/FocuswithJustin/pagestore/core/storage/internal/vfs"
)

func freelistCount(t *testing.T, p *Btree) uint32 {
	t.Helper()
	var n uint32
	inRead(t, p, func() {
		v, err := p.GetMeta(MetaFreePageCount)
		require.NoError(t, err)
		n = v
	})
	return n
}

func TestClearTableReturnsCount(t *testing.T) {
	p := openTree(t, vfs.NewMemory(), Config{})
	root := createTable(t, p, IntKey)
	insertRows(t, p, root, seq(1, 500), fixedSize(40))

	require.NoError(t, p.BeginTrans(true))
	n, err := p.ClearTable(root)
	require.NoError(t, err)
	require.Equal(t, 500, n)
	require.NoError(t, p.Commit())

	require.Empty(t, scanRowids(t, p, root))
	checkIntegrity(t, p, root)
}

func TestFreelistReuse(t *testing.T) {
	p := openTree(t, vfs.NewMemory(), Config{})
	root := createTable(t, p, IntKey)
	insertRows(t, p, root, seq(1, 1000), fixedSize(200))
	size := p.PageCount()

	require.NoError(t, p.BeginTrans(true))
	_, err := p.ClearTable(root)
	require.NoError(t, err)
	require.NoError(t, p.Commit())
	require.Equal(t, size, p.PageCount())
	require.EqualValues(t, size-2, freelistCount(t, p))
	checkIntegrity(t, p, root)

	insertRows(t, p, root, seq(1, 1000), fixedSize(200))
	require.LessOrEqual(t, p.PageCount(), size)
	require.Equal(t, seq(1, 1000), scanRowids(t, p, root))
	checkIntegrity(t, p, root)
}

func TestDropTableWithoutAutoVacuum(t *testing.T) {
	p := openTree(t, vfs.NewMemory(), Config{})
	a := createTable(t, p, IntKey)
	b := createTable(t, p, IntKey)
	insertRows(t, p, a, seq(1, 300), fixedSize(100))

	require.NoError(t, p.BeginTrans(true))
	moved, err := p.DropTable(a)
	require.NoError(t, err)
	require.Zero(t, moved)
	require.NoError(t, p.Commit())

	require.EqualValues(t, p.PageCount()-2, freelistCount(t, p))
	checkIntegrity(t, p, b)
}

func TestDropTableNeedsNoCursors(t *testing.T) {
	p := openTree(t, vfs.NewMemory(), Config{})
	root := createTable(t, p, IntKey)

	require.NoError(t, p.BeginTrans(true))
	c, err := p.Cursor(root, false)
	require.NoError(t, err)
	_, err = p.DropTable(root)
	require.ErrorIs(t, err, serrors.ErrLocked)
	require.NoError(t, c.Close())

	_, err = p.DropTable(1)
	require.ErrorIs(t, err, serrors.ErrInvalidInput)
	require.NoError(t, p.Rollback())
}

func TestDropTableAutoVacuum(t *testing.T) {
	p := openTree(t, vfs.NewMemory(), Config{AutoVacuum: AutoVacuumFull})
	require.Equal(t, Pgno(3), createTable(t, p, IntKey))
	require.Equal(t, Pgno(4), createTable(t, p, IntKey))
	require.Equal(t, Pgno(5), createTable(t, p, IntKey))
	require.EqualValues(t, 5, p.PageCount())
	require.Equal(t, AutoVacuumFull, p.AutoVacuum())

	require.NoError(t, p.BeginTrans(true))
	moved, err := p.DropTable(3)
	require.NoError(t, err)
	require.Equal(t, Pgno(5), moved)
	require.NoError(t, p.Commit())

	require.EqualValues(t, 4, p.PageCount())
	require.Zero(t, freelistCount(t, p))
	checkIntegrity(t, p, 3, 4)
}

func TestAutoVacuumCommitTruncates(t *testing.T) {
	p := openTree(t, vfs.NewMemory(), Config{AutoVacuum: AutoVacuumFull})
	a := createTable(t, p, IntKey)
	b := createTable(t, p, IntKey)
	insertRows(t, p, a, seq(1, 400), fixedSize(150))
	insertRows(t, p, b, seq(1, 400), fixedSize(150))
	full := p.PageCount()

	require.NoError(t, p.BeginTrans(true))
	_, err := p.ClearTable(a)
	require.NoError(t, err)
	require.NoError(t, p.Commit())

	require.Less(t, p.PageCount(), full)
	require.Zero(t, freelistCount(t, p))
	require.Equal(t, seq(1, 400), scanRowids(t, p, b))
	checkIntegrity(t, p, a, b)
}

func TestIncrementalVacuum(t *testing.T) {
	p := openTree(t, vfs.NewMemory(), Config{AutoVacuum: AutoVacuumIncremental})
	root := createTable(t, p, IntKey)
	require.Equal(t, Pgno(3), root)
	insertRows(t, p, root, seq(1, 500), fixedSize(120))

	require.NoError(t, p.BeginTrans(true))
	_, err := p.ClearTable(root)
	require.NoError(t, err)
	require.NoError(t, p.Commit())
	before := p.PageCount()
	require.Greater(t, before, Pgno(3))
	require.NotZero(t, freelistCount(t, p))

	require.NoError(t, p.BeginTrans(true))
	steps := 0
	for {
		err := p.IncrVacuum()
		if err != nil {
			require.ErrorIs(t, err, serrors.ErrDone)
			break
		}
		steps++
	}
	require.NoError(t, p.Commit())

	require.Positive(t, steps)
	require.EqualValues(t, 3, p.PageCount())
	require.Zero(t, freelistCount(t, p))
	checkIntegrity(t, p, root)
}

func TestIncrVacuumWithoutAutoVacuum(t *testing.T) {
	p := openTree(t, vfs.NewMemory(), Config{})
	createTable(t, p, IntKey)
	require.Error(t, p.IncrVacuum())

	require.NoError(t, p.BeginTrans(true))
	require.ErrorIs(t, p.IncrVacuum(), serrors.ErrDone)
	require.NoError(t, p.Rollback())
}

func TestAutoVacuumFixedAfterFirstTable(t *testing.T) {
	p := openTree(t, vfs.NewMemory(), Config{})
	createTable(t, p, IntKey)
	require.Error(t, p.SetAutoVacuum(AutoVacuumFull))
	require.Equal(t, AutoVacuumNone, p.AutoVacuum())
}
