package btree

import (
	"fmt"
	"math/rand/v2"
	"slices"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	serrors "github.com/FocuswithJustin/pagestore/core/errors"
	"github.com/FocuswithJustin/pagestore/core/storage/internal/vfs"
)

func TestInsertRandomOrder(t *testing.T) {
	p := openTree(t, vfs.NewMemory(), Config{})
	root := createTable(t, p, IntKey)

	rng := rand.New(rand.NewPCG(1, 2))
	ids := make([]int64, 0, 600)
	for _, i := range rng.Perm(600) {
		ids = append(ids, int64(i)+1)
	}
	size := func(id int64) int { return int(id*37) % 300 }
	insertRows(t, p, root, ids, size)

	require.Equal(t, seq(1, 600), scanRowids(t, p, root))
	checkIntegrity(t, p, root)

	require.NoError(t, p.BeginTrans(false))
	c, err := p.Cursor(root, false)
	require.NoError(t, err)
	for _, id := range ids {
		res, err := c.SeekRowid(id)
		require.NoError(t, err)
		require.Zero(t, res)
		data, err := c.Payload()
		require.NoError(t, err)
		require.Equal(t, rowData(id, size(id)), data, "rowid %d", id)
	}
	require.NoError(t, c.Close())
	require.NoError(t, p.Commit())
}

func TestPayloadRoundTripWithOverflow(t *testing.T) {
	p := openTree(t, vfs.NewMemory(), Config{})
	root := createTable(t, p, IntKey)

	sizes := []int{0, 1, 100, 988, 989, 990, 1020, 2048, 3000, 4 * testPageSize}
	require.NoError(t, p.BeginTrans(true))
	c, err := p.Cursor(root, true)
	require.NoError(t, err)
	for i, n := range sizes {
		require.NoError(t, c.Insert(Payload{Rowid: int64(i), Data: rowData(int64(i), n)}, false))
	}
	require.NoError(t, c.Close())
	require.NoError(t, p.Commit())
	checkIntegrity(t, p, root)

	require.NoError(t, p.BeginTrans(false))
	c, err = p.Cursor(root, false)
	require.NoError(t, err)
	for i, n := range sizes {
		want := rowData(int64(i), n)
		res, err := c.SeekRowid(int64(i))
		require.NoError(t, err)
		require.Zero(t, res)

		sz, err := c.PayloadSize()
		require.NoError(t, err)
		require.EqualValues(t, n, sz)
		data, err := c.Payload()
		require.NoError(t, err)
		require.Equal(t, want, data, "size %d", n)

		if n >= 4 {
			part := make([]byte, n/4)
			require.NoError(t, c.ReadPayload(n/2, part))
			require.Equal(t, want[n/2:n/2+n/4], part)
		}
		require.ErrorIs(t, c.ReadPayload(n, make([]byte, 1)), serrors.ErrInvalidInput)
	}
	require.NoError(t, c.Close())
	require.NoError(t, p.Commit())
}

func TestReplaceChangesPayloadSize(t *testing.T) {
	p := openTree(t, vfs.NewMemory(), Config{})
	root := createTable(t, p, IntKey)
	insertRows(t, p, root, seq(1, 50), fixedSize(20))

	// Same size, larger with overflow, then back to small.
	for _, n := range []int{20, 3000, 5} {
		require.NoError(t, p.BeginTrans(true))
		c, err := p.Cursor(root, true)
		require.NoError(t, err)
		require.NoError(t, c.Insert(Payload{Rowid: 25, Data: rowData(99, n)}, false))
		require.NoError(t, c.Close())
		require.NoError(t, p.Commit())

		require.NoError(t, p.BeginTrans(false))
		c, err = p.Cursor(root, false)
		require.NoError(t, err)
		_, err = c.SeekRowid(25)
		require.NoError(t, err)
		data, err := c.Payload()
		require.NoError(t, err)
		require.Equal(t, rowData(99, n), data)
		require.NoError(t, c.Close())
		require.NoError(t, p.Commit())

		require.Equal(t, seq(1, 50), scanRowids(t, p, root))
		checkIntegrity(t, p, root)
	}
}

func TestSeekRowidNeighbours(t *testing.T) {
	p := openTree(t, vfs.NewMemory(), Config{})
	root := createTable(t, p, IntKey)
	var ids []int64
	for i := int64(10); i <= 5000; i += 10 {
		ids = append(ids, i)
	}
	insertRows(t, p, root, ids, fixedSize(16))

	require.NoError(t, p.BeginTrans(false))
	defer p.Commit()
	c, err := p.Cursor(root, false)
	require.NoError(t, err)
	defer c.Close()

	for _, target := range []int64{5, 15, 2505, 4999} {
		res, err := c.SeekRowid(target)
		require.NoError(t, err)
		require.NotZero(t, res)
		got, err := c.Rowid()
		require.NoError(t, err)
		if res < 0 {
			require.Less(t, got, target)
		} else {
			require.Greater(t, got, target)
		}
		require.LessOrEqual(t, abs64(got-target), int64(10))
	}

	// Past the largest key the cursor stops on it.
	res, err := c.SeekRowid(6000)
	require.NoError(t, err)
	require.Negative(t, res)
	got, err := c.Rowid()
	require.NoError(t, err)
	require.EqualValues(t, 5000, got)

	res, err = c.SeekRowid(2500)
	require.NoError(t, err)
	require.Zero(t, res)
	require.NoError(t, c.Previous())
	got, err = c.Rowid()
	require.NoError(t, err)
	require.EqualValues(t, 2490, got)
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func TestBackwardScan(t *testing.T) {
	p := openTree(t, vfs.NewMemory(), Config{})
	root := createTable(t, p, IntKey)
	insertRows(t, p, root, seq(1, 1500), fixedSize(24))

	require.NoError(t, p.BeginTrans(false))
	c, err := p.Cursor(root, false)
	require.NoError(t, err)
	require.NoError(t, c.Last())
	want := int64(1500)
	for !c.Eof() {
		id, err := c.Rowid()
		require.NoError(t, err)
		require.Equal(t, want, id)
		want--
		require.NoError(t, c.Previous())
	}
	require.Zero(t, want)
	require.NoError(t, c.Close())
	require.NoError(t, p.Commit())
}

func TestNewRowid(t *testing.T) {
	p := openTree(t, vfs.NewMemory(), Config{})
	root := createTable(t, p, IntKey)
	insertRows(t, p, root, []int64{3, 17, 9}, fixedSize(4))

	require.NoError(t, p.BeginTrans(true))
	c, err := p.Cursor(root, true)
	require.NoError(t, err)
	id, err := c.NewRowid()
	require.NoError(t, err)
	require.EqualValues(t, 18, id)

	require.NoError(t, c.Insert(Payload{Rowid: 1<<63 - 1, Data: nil}, true))
	_, err = c.NewRowid()
	require.ErrorIs(t, err, serrors.ErrFull)
	require.NoError(t, c.Close())
	require.NoError(t, p.Commit())
}

func TestDeleteKeepsPosition(t *testing.T) {
	for _, n := range []int64{10, 600} {
		t.Run(fmt.Sprintf("%d rows", n), func(t *testing.T) {
			p := openTree(t, vfs.NewMemory(), Config{})
			root := createTable(t, p, IntKey)
			insertRows(t, p, root, seq(1, n), fixedSize(40))

			require.NoError(t, p.BeginTrans(true))
			c, err := p.Cursor(root, true)
			require.NoError(t, err)
			mid := n / 2
			res, err := c.SeekRowid(mid)
			require.NoError(t, err)
			require.Zero(t, res)
			require.NoError(t, c.Delete())
			require.Contains(t, []CursorState{CursorSkipNext, CursorRequireSeek}, c.State())

			require.NoError(t, c.Next())
			got, err := c.Rowid()
			require.NoError(t, err)
			require.Equal(t, mid+1, got)

			_, err = c.SeekRowid(mid + 1)
			require.NoError(t, err)
			require.NoError(t, c.Delete())
			require.NoError(t, c.Previous())
			got, err = c.Rowid()
			require.NoError(t, err)
			require.Equal(t, mid-1, got)

			require.NoError(t, c.Close())
			require.NoError(t, p.Commit())
			require.Len(t, scanRowids(t, p, root), int(n-2))
			checkIntegrity(t, p, root)
		})
	}
}

func TestDeleteEveryOtherRowThenAll(t *testing.T) {
	p := openTree(t, vfs.NewMemory(), Config{})
	root := createTable(t, p, IntKey)
	insertRows(t, p, root, seq(1, 2000), func(id int64) int { return 20 + int(id%7)*30 })

	require.NoError(t, p.BeginTrans(true))
	c, err := p.Cursor(root, true)
	require.NoError(t, err)
	for id := int64(2); id <= 2000; id += 2 {
		res, err := c.SeekRowid(id)
		require.NoError(t, err)
		require.Zero(t, res)
		require.NoError(t, c.Delete())
	}
	require.NoError(t, c.Close())
	require.NoError(t, p.Commit())

	var odd []int64
	for id := int64(1); id <= 2000; id += 2 {
		odd = append(odd, id)
	}
	require.Equal(t, odd, scanRowids(t, p, root))
	checkIntegrity(t, p, root)

	require.NoError(t, p.BeginTrans(true))
	c, err = p.Cursor(root, true)
	require.NoError(t, err)
	for {
		require.NoError(t, c.First())
		if c.Eof() {
			break
		}
		require.NoError(t, c.Delete())
	}
	require.NoError(t, c.Close())
	require.NoError(t, p.Commit())

	require.Empty(t, scanRowids(t, p, root))
	checkIntegrity(t, p, root)
	inRead(t, p, func() {
		free, err := p.GetMeta(MetaFreePageCount)
		require.NoError(t, err)
		require.EqualValues(t, p.PageCount()-2, free)
	})
}

func TestTwoCursorDelete(t *testing.T) {
	p := openTree(t, vfs.NewMemory(), Config{})
	root := createTable(t, p, IntKey)
	insertRows(t, p, root, seq(1, 100), fixedSize(30))

	require.NoError(t, p.BeginTrans(true))
	reader, err := p.Cursor(root, false)
	require.NoError(t, err)
	writer, err := p.Cursor(root, true)
	require.NoError(t, err)

	res, err := reader.SeekRowid(50)
	require.NoError(t, err)
	require.Zero(t, res)
	_, err = writer.SeekRowid(50)
	require.NoError(t, err)
	require.NoError(t, writer.Delete())

	require.Equal(t, CursorRequireSeek, reader.State())
	require.NoError(t, reader.Next())
	id, err := reader.Rowid()
	require.NoError(t, err)
	require.EqualValues(t, 51, id)

	require.NoError(t, reader.Close())
	require.NoError(t, writer.Close())
	require.NoError(t, p.Commit())
}

func TestCursorKindMismatch(t *testing.T) {
	p := openTree(t, vfs.NewMemory(), Config{})
	table := createTable(t, p, IntKey)
	index := createTable(t, p, BlobKey)

	require.NoError(t, p.BeginTrans(true))
	tc, err := p.Cursor(table, true)
	require.NoError(t, err)
	require.ErrorIs(t, tc.Insert(Payload{Key: []byte("k")}, false), serrors.ErrInvalidInput)
	ic, err := p.Cursor(index, true)
	require.NoError(t, err)
	require.ErrorIs(t, ic.Insert(Payload{Key: []byte("k"), Data: []byte("v")}, false), serrors.ErrInvalidInput)
	require.NoError(t, ic.Insert(Payload{Key: []byte("k")}, false))
	_, err = ic.SeekRowid(1)
	require.ErrorIs(t, err, serrors.ErrMisuse)
	_, err = tc.SeekIndex([]byte("k"))
	require.ErrorIs(t, err, serrors.ErrMisuse)
	require.NoError(t, tc.Close())
	require.NoError(t, ic.Close())
	require.NoError(t, p.Commit())
}

func indexKey(i int) []byte {
	if i%50 == 0 {
		// Long keys spill to overflow pages.
		return []byte(fmt.Sprintf("key-%05d-%s", i, strings.Repeat("x", 2500)))
	}
	return []byte(fmt.Sprintf("key-%05d", i))
}

func scanKeys(t *testing.T, p *Btree, root Pgno) []string {
	t.Helper()
	var out []string
	inRead(t, p, func() {
		c, err := p.Cursor(root, false)
		require.NoError(t, err)
		defer c.Close()
		require.NoError(t, c.First())
		for !c.Eof() {
			k, err := c.Key()
			require.NoError(t, err)
			out = append(out, string(k))
			require.NoError(t, c.Next())
		}
	})
	return out
}

func TestIndexTree(t *testing.T) {
	p := openTree(t, vfs.NewMemory(), Config{})
	root := createTable(t, p, BlobKey)

	rng := rand.New(rand.NewPCG(3, 4))
	var want []string
	require.NoError(t, p.BeginTrans(true))
	c, err := p.Cursor(root, true)
	require.NoError(t, err)
	for _, i := range rng.Perm(1000) {
		k := indexKey(i)
		want = append(want, string(k))
		require.NoError(t, c.Insert(Payload{Key: k}, false))
	}
	// Re-inserting an existing key replaces it.
	require.NoError(t, c.Insert(Payload{Key: indexKey(500)}, false))
	require.NoError(t, c.Close())
	require.NoError(t, p.Commit())

	slices.Sort(want)
	require.Equal(t, want, scanKeys(t, p, root))
	checkIntegrity(t, p, root)

	require.NoError(t, p.BeginTrans(true))
	c, err = p.Cursor(root, true)
	require.NoError(t, err)
	res, err := c.SeekIndex(indexKey(123))
	require.NoError(t, err)
	require.Zero(t, res)
	k, err := c.Key()
	require.NoError(t, err)
	require.Equal(t, indexKey(123), k)
	res, err = c.SeekIndex([]byte("key-00123a"))
	require.NoError(t, err)
	require.NotZero(t, res)

	var kept []string
	for i := 0; i < 1000; i++ {
		if i%3 != 0 {
			kept = append(kept, string(indexKey(i)))
			continue
		}
		res, err := c.SeekIndex(indexKey(i))
		require.NoError(t, err)
		require.Zero(t, res, "key %d", i)
		require.NoError(t, c.Delete())
	}
	require.NoError(t, c.Close())
	require.NoError(t, p.Commit())

	slices.Sort(kept)
	require.Equal(t, kept, scanKeys(t, p, root))
	checkIntegrity(t, p, root)
}

func TestPayloadNeedsPosition(t *testing.T) {
	p := openTree(t, vfs.NewMemory(), Config{})
	root := createTable(t, p, IntKey)
	require.NoError(t, p.BeginTrans(false))
	c, err := p.Cursor(root, false)
	require.NoError(t, err)
	_, err = c.Payload()
	require.ErrorIs(t, err, serrors.ErrMisuse)
	require.NoError(t, c.Close())
	require.NoError(t, p.Commit())
}

func TestCursorRootOutOfRange(t *testing.T) {
	p := openTree(t, vfs.NewMemory(), Config{})
	createTable(t, p, IntKey)
	require.NoError(t, p.BeginTrans(false))
	_, err := p.Cursor(99, false)
	require.True(t, serrors.IsCorrupt(err))
	_, err = p.Cursor(0, false)
	require.ErrorIs(t, err, serrors.ErrInvalidInput)
	require.NoError(t, p.Commit())
}
