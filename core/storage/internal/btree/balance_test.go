package btree

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/FocuswithJustin/pagestore/core/storage/internal/vfs"
)

func TestSequentialInsertDepth(t *testing.T) {
	for _, n := range []int64{1, 10, 100, 1000, 10000} {
		p := openTree(t, vfs.NewMemory(), Config{})
		root := createTable(t, p, IntKey)

		require.NoError(t, p.BeginTrans(true))
		c, err := p.Cursor(root, true)
		require.NoError(t, err)
		for id := int64(1); id <= n; id++ {
			require.NoError(t, c.Insert(Payload{Rowid: id, Data: rowData(id, 8)}, true))
		}
		require.NoError(t, c.Close())
		require.NoError(t, p.Commit())

		require.Equal(t, seq(1, n), scanRowids(t, p, root), "%d rows", n)
		checkIntegrity(t, p, root)

		require.NoError(t, p.BeginTrans(false))
		c, err = p.Cursor(root, false)
		require.NoError(t, err)
		require.NoError(t, c.First())
		first := c.Depth()
		require.NoError(t, c.Last())
		last := c.Depth()
		require.Equal(t, first, last)
		if n == 10000 {
			require.GreaterOrEqual(t, last, 2)
			require.LessOrEqual(t, last, 4)
		}
		require.NoError(t, c.Close())
		require.NoError(t, p.Commit())
	}
}

// The short path for appends must leave a tree that the general
// rebalance considers valid, with every page reachable once.
func TestAppendThenRandomDelete(t *testing.T) {
	p := openTree(t, vfs.NewMemory(), Config{})
	root := createTable(t, p, IntKey)

	require.NoError(t, p.BeginTrans(true))
	c, err := p.Cursor(root, true)
	require.NoError(t, err)
	for id := int64(1); id <= 3000; id++ {
		require.NoError(t, c.Insert(Payload{Rowid: id, Data: rowData(id, 50)}, true))
	}
	require.NoError(t, c.Close())
	require.NoError(t, p.Commit())
	checkIntegrity(t, p, root)

	rng := rand.New(rand.NewPCG(5, 6))
	alive := make(map[int64]bool)
	for id := int64(1); id <= 3000; id++ {
		alive[id] = true
	}
	require.NoError(t, p.BeginTrans(true))
	c, err = p.Cursor(root, true)
	require.NoError(t, err)
	for _, i := range rng.Perm(3000)[:2000] {
		id := int64(i) + 1
		res, err := c.SeekRowid(id)
		require.NoError(t, err)
		require.Zero(t, res)
		require.NoError(t, c.Delete())
		delete(alive, id)
	}
	require.NoError(t, c.Close())
	require.NoError(t, p.Commit())

	var want []int64
	for id := int64(1); id <= 3000; id++ {
		if alive[id] {
			want = append(want, id)
		}
	}
	require.Equal(t, want, scanRowids(t, p, root))
	checkIntegrity(t, p, root)
}

func TestRandomInsertDeleteMix(t *testing.T) {
	p := openTree(t, vfs.NewMemory(), Config{})
	root := createTable(t, p, IntKey)
	rng := rand.New(rand.NewPCG(7, 8))
	alive := make(map[int64]int)

	for round := 0; round < 5; round++ {
		require.NoError(t, p.BeginTrans(true))
		c, err := p.Cursor(root, true)
		require.NoError(t, err)
		for i := 0; i < 800; i++ {
			id := rng.Int64N(2000) + 1
			if _, ok := alive[id]; ok && rng.IntN(3) == 0 {
				res, err := c.SeekRowid(id)
				require.NoError(t, err)
				require.Zero(t, res)
				require.NoError(t, c.Delete())
				delete(alive, id)
				continue
			}
			n := rng.IntN(1500)
			require.NoError(t, c.Insert(Payload{Rowid: id, Data: rowData(id, n)}, false))
			alive[id] = n
		}
		require.NoError(t, c.Close())
		require.NoError(t, p.Commit())
		checkIntegrity(t, p, root)
	}

	require.NoError(t, p.BeginTrans(false))
	c, err := p.Cursor(root, false)
	require.NoError(t, err)
	for id, n := range alive {
		res, err := c.SeekRowid(id)
		require.NoError(t, err)
		require.Zero(t, res)
		data, err := c.Payload()
		require.NoError(t, err)
		require.Equal(t, rowData(id, n), data)
	}
	require.NoError(t, c.Close())
	require.NoError(t, p.Commit())
	require.Len(t, scanRowids(t, p, root), len(alive))
}

// Balancing a page that neither overflows nor is underfull changes
// nothing.
func TestBalanceIsIdempotent(t *testing.T) {
	p := openTree(t, vfs.NewMemory(), Config{})
	root := createTable(t, p, IntKey)
	insertRows(t, p, root, seq(1, 2000), fixedSize(30))

	require.NoError(t, p.BeginTrans(true))
	c, err := p.Cursor(root, true)
	require.NoError(t, err)
	require.NoError(t, c.First())
	leaf := c.page()
	require.True(t, leaf.leaf)
	require.LessOrEqual(t, leaf.nFree*3, 2*p.bt.usableSize)

	snapshot := func() map[Pgno][]byte {
		out := make(map[Pgno][]byte)
		for pgno := Pgno(1); pgno <= p.bt.nPage; pgno++ {
			pg, err := p.bt.pager.Get(pgno)
			require.NoError(t, err)
			out[pgno] = append([]byte(nil), pg.Data...)
			p.bt.pager.Unref(pg)
		}
		return out
	}
	before := snapshot()
	p.enter()
	err = c.balance()
	p.leave()
	require.NoError(t, err)
	require.Equal(t, before, snapshot())

	require.NoError(t, c.Close())
	require.NoError(t, p.Commit())
	checkIntegrity(t, p, root)
}

func TestRootSplitAndCollapse(t *testing.T) {
	p := openTree(t, vfs.NewMemory(), Config{})
	root := createTable(t, p, IntKey)
	insertRows(t, p, root, seq(1, 200), fixedSize(100))

	require.NoError(t, p.BeginTrans(false))
	c, err := p.Cursor(root, false)
	require.NoError(t, err)
	require.NoError(t, c.First())
	require.Greater(t, c.Depth(), 1)
	require.NoError(t, c.Close())
	require.NoError(t, p.Commit())

	require.NoError(t, p.BeginTrans(true))
	c, err = p.Cursor(root, true)
	require.NoError(t, err)
	for id := int64(1); id <= 198; id++ {
		_, err := c.SeekRowid(id)
		require.NoError(t, err)
		require.NoError(t, c.Delete())
	}
	require.NoError(t, c.First())
	require.Equal(t, 1, c.Depth())
	require.NoError(t, c.Close())
	require.NoError(t, p.Commit())

	require.Equal(t, []int64{199, 200}, scanRowids(t, p, root))
	checkIntegrity(t, p, root)
}

func TestQuickAndNonrootBalanceAgree(t *testing.T) {
	size := func(id int64) int {
		if id%97 == 0 {
			return 5000 // overflow cell at the right edge
		}
		return int(id * 37 % 300)
	}
	build := func(quick bool) []int64 {
		noQuickBalance = !quick
		defer func() { noQuickBalance = false }()

		p := openTree(t, vfs.NewMemory(), Config{})
		root := createTable(t, p, IntKey)
		require.NoError(t, p.BeginTrans(true))
		c, err := p.Cursor(root, true)
		require.NoError(t, err)
		for id := int64(1); id <= 4000; id++ {
			require.NoError(t, c.Insert(Payload{Rowid: id, Data: rowData(id, size(id))}, true))
		}
		for id := int64(3); id <= 4000; id += 3 {
			res, err := c.SeekRowid(id)
			require.NoError(t, err)
			require.Zero(t, res)
			require.NoError(t, c.Delete())
		}
		require.NoError(t, c.Close())
		require.NoError(t, p.Commit())
		checkIntegrity(t, p, root)

		var payloadBytes int
		inRead(t, p, func() {
			c, err := p.Cursor(root, false)
			require.NoError(t, err)
			defer c.Close()
			require.NoError(t, c.First())
			for !c.Eof() {
				rowid, err := c.Rowid()
				require.NoError(t, err)
				data, err := c.Payload()
				require.NoError(t, err)
				require.Equal(t, rowData(rowid, size(rowid)), data)
				payloadBytes += len(data)
				require.NoError(t, c.Next())
			}
		})
		require.NotZero(t, payloadBytes)
		return scanRowids(t, p, root)
	}

	require.Equal(t, build(false), build(true))
}

// checkFill walks the tree level by level and fails if a page that
// shares its level with others is more than two thirds free.
func checkFill(t *testing.T, p *Btree, root Pgno) (pages int) {
	t.Helper()
	inRead(t, p, func() {
		p.enter()
		defer p.leave()
		bt := p.bt
		for level := []Pgno{root}; len(level) > 0; {
			var next []Pgno
			for _, pgno := range level {
				mp, err := bt.getAndInitPage(pgno)
				require.NoError(t, err)
				if len(level) > 1 {
					require.LessOrEqual(t, mp.nFree*3, 2*bt.usableSize,
						"page %d has %d of %d bytes free", pgno, mp.nFree, bt.usableSize)
				}
				if !mp.leaf {
					for i := 0; i < mp.nCell; i++ {
						next = append(next, get4(mp.findCell(i)))
					}
					next = append(next, mp.rightChild())
				}
				bt.releasePage(mp)
				pages++
			}
			level = next
		}
	})
	return pages
}

func TestBalanceKeepsPagesFilled(t *testing.T) {
	tests := []struct {
		name string
		size func(int64) int
	}{
		{"fixed rows", fixedSize(40)},
		{"mixed rows", func(id int64) int { return int(id * 7919 % 301) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := openTree(t, vfs.NewMemory(), Config{})
			root := createTable(t, p, IntKey)
			insertRows(t, p, root, seq(1, 5000), tt.size)
			require.Greater(t, checkFill(t, p, root), 1)

			rng := rand.New(rand.NewPCG(11, 12))
			require.NoError(t, p.BeginTrans(true))
			c, err := p.Cursor(root, true)
			require.NoError(t, err)
			for _, i := range rng.Perm(5000)[:3500] {
				res, err := c.SeekRowid(int64(i) + 1)
				require.NoError(t, err)
				require.Zero(t, res)
				require.NoError(t, c.Delete())
			}
			require.NoError(t, c.Close())
			require.NoError(t, p.Commit())

			checkIntegrity(t, p, root)
			require.Len(t, scanRowids(t, p, root), 1500)
			require.Greater(t, checkFill(t, p, root), 1)
		})
	}
}
