package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/FocuswithJustin/pagestore/core/storage"
	"github.com/FocuswithJustin/pagestore/internal/logging"
)

const versesSQL = "CREATE TABLE verses(id INTEGER PRIMARY KEY, book TEXT, body TEXT)"

func verseBody(i int) string {
	return strings.Repeat("and it was so ", i%120)
}

// writeVerses fills a new table with n rows through the storage engine,
// registers it in sqlite_master and deletes every fifth row.
func writeVerses(t *testing.T, path string, opts storage.Options, n int) {
	t.Helper()
	opts.Logger = logging.Discard()
	conn, err := storage.Open(path, opts)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.BeginTrans(true))
	root, err := conn.CreateTable(storage.IntKey)
	require.NoError(t, err)
	require.NoError(t, AddSchemaRow(conn, MasterRow{Type: "table", Name: "verses", RootPage: root, SQL: versesSQL}))

	c, err := conn.Cursor(root, true)
	require.NoError(t, err)
	for i := 1; i <= n; i++ {
		rec := MakeRecord(NullValue(), TextValue(fmt.Sprintf("book %d", i%66)), TextValue(verseBody(i)))
		require.NoError(t, c.Insert(storage.Payload{Rowid: int64(i), Data: rec}, true))
	}
	for i := 5; i <= n; i += 5 {
		cmp, err := c.SeekRowid(int64(i))
		require.NoError(t, err)
		require.Zero(t, cmp)
		require.NoError(t, c.Delete())
	}
	require.NoError(t, c.Close())
	require.NoError(t, conn.Commit())
}

func TestEngineFileReadBySQLite(t *testing.T) {
	const n = 1500
	tests := []struct {
		name string
		opts storage.Options
	}{
		{"default", storage.Options{}},
		{"small pages", storage.Options{PageSize: 512}},
		{"auto vacuum", storage.Options{PageSize: 1024, AutoVacuum: storage.AutoVacuumFull}},
		{"incremental vacuum", storage.Options{PageSize: 1024, AutoVacuum: storage.AutoVacuumIncremental}},
		{"secure delete", storage.Options{PageSize: 1024, SecureDelete: true}},
		{"reserved bytes", storage.Options{PageSize: 1024, ReservedBytes: 32}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "engine.db")
			writeVerses(t, path, tt.opts, n)

			problems, err := IntegrityCheck(context.Background(), path)
			require.NoError(t, err)
			require.Empty(t, problems)

			db, err := OpenReadOnly(path)
			require.NoError(t, err)
			defer db.Close()

			var count, total int
			require.NoError(t, db.QueryRow(`SELECT count(*), sum(length(body)) FROM verses`).Scan(&count, &total))
			wantTotal := 0
			for i := 1; i <= n; i++ {
				if i%5 != 0 {
					wantTotal += len(verseBody(i))
				}
			}
			require.Equal(t, n-n/5, count)
			require.Equal(t, wantTotal, total)

			var book, body string
			require.NoError(t, db.QueryRow(`SELECT book, body FROM verses WHERE id = 1234`).Scan(&book, &body))
			require.Equal(t, "book 46", book)
			require.Equal(t, verseBody(1234), body)

			err = db.QueryRow(`SELECT book FROM verses WHERE id = 1235`).Scan(&book)
			require.Error(t, err)
		})
	}
}

func TestSQLiteFileReadByEngine(t *testing.T) {
	for _, mode := range []string{"delete", "wal"} {
		t.Run(mode, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "sqlite.db")
			db, err := Open(path)
			require.NoError(t, err)
			db.SetMaxOpenConns(1)
			for _, stmt := range []string{
				`PRAGMA page_size = 1024`,
				`PRAGMA journal_mode = ` + mode,
				`CREATE TABLE books (id INTEGER PRIMARY KEY, name TEXT, body BLOB)`,
				`CREATE INDEX books_name ON books (name)`,
			} {
				_, err := db.Exec(stmt)
				require.NoError(t, err, stmt)
			}
			tx, err := db.Begin()
			require.NoError(t, err)
			for i := 1; i <= 1500; i++ {
				body := make([]byte, i%2000)
				for j := range body {
					body[j] = byte(i + j)
				}
				_, err := tx.Exec(`INSERT INTO books (id, name, body) VALUES (?, ?, ?)`, i, fmt.Sprintf("book %d", i), body)
				require.NoError(t, err)
			}
			require.NoError(t, tx.Commit())
			_, err = db.Exec(`DELETE FROM books WHERE id % 7 = 0`)
			require.NoError(t, err)
			require.NoError(t, db.Close())

			conn, err := storage.Open(path, storage.Options{ReadOnly: true, Logger: logging.Discard()})
			require.NoError(t, err)
			defer conn.Close()
			require.Equal(t, 1024, conn.PageSize())

			rows, err := ReadSchema(conn)
			require.NoError(t, err)
			require.Len(t, rows, 2)
			require.Equal(t, "books", rows[0].Name)
			require.Equal(t, "index", rows[1].Type)
			require.Equal(t, "books", rows[1].TblName)

			require.NoError(t, conn.BeginTrans(false))
			defer conn.Commit()
			problems, err := conn.IntegrityCheck(Roots(rows), storage.DefaultMaxErrors)
			require.NoError(t, err)
			require.Empty(t, problems)

			c, err := conn.Cursor(rows[0].RootPage, false)
			require.NoError(t, err)
			count := 0
			require.NoError(t, c.First())
			for !c.Eof() {
				rowid, err := c.Rowid()
				require.NoError(t, err)
				require.NotZero(t, rowid%7)
				data, err := c.Payload()
				require.NoError(t, err)
				vals, err := ParseRecord(data)
				require.NoError(t, err)
				require.Equal(t, TypeNull, vals[0].Type)
				require.Equal(t, fmt.Sprintf("book %d", rowid), string(vals[1].Bytes))
				require.Len(t, vals[2].Bytes, int(rowid%2000))
				if len(vals[2].Bytes) > 0 {
					require.Equal(t, byte(rowid), vals[2].Bytes[0])
				}
				count++
				require.NoError(t, c.Next())
			}
			require.NoError(t, c.Close())
			require.Equal(t, 1500-1500/7, count)

			idx, err := conn.Cursor(rows[1].RootPage, false)
			require.NoError(t, err)
			entries := 0
			require.NoError(t, idx.First())
			for !idx.Eof() {
				entries++
				require.NoError(t, idx.Next())
			}
			require.NoError(t, idx.Close())
			require.Equal(t, count, entries)
		})
	}
}

func TestAddSchemaRowNeedsWriteTransaction(t *testing.T) {
	conn, err := storage.Open("x.db", storage.Options{VFS: storage.NewMemoryVFS(), Logger: logging.Discard()})
	require.NoError(t, err)
	defer conn.Close()

	require.Error(t, AddSchemaRow(conn, MasterRow{Type: "table", Name: "t", RootPage: 2}))

	require.NoError(t, conn.BeginTrans(true))
	require.Error(t, AddSchemaRow(conn, MasterRow{Name: "t"}))
	require.NoError(t, AddSchemaRow(conn, MasterRow{Type: "table", Name: "t", RootPage: 2, SQL: "CREATE TABLE t(x)"}))
	cookie, err := conn.GetMeta(storage.MetaSchemaVersion)
	require.NoError(t, err)
	require.EqualValues(t, 1, cookie)
	require.NoError(t, conn.Commit())

	rows, err := ReadSchema(conn)
	require.NoError(t, err)
	require.Equal(t, []MasterRow{{Type: "table", Name: "t", TblName: "t", RootPage: 2, SQL: "CREATE TABLE t(x)"}}, rows)
	require.Equal(t, []storage.Pgno{1, 2}, Roots(rows))
}
