package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alecthomas/kong"
	"github.com/stretchr/testify/require"

	serrors "github.com/FocuswithJustin/pagestore/core/errors"
	"github.com/FocuswithJustin/pagestore/core/sqlite"
	"github.com/FocuswithJustin/pagestore/core/storage"
	"github.com/FocuswithJustin/pagestore/internal/logging"
	"github.com/FocuswithJustin/pagestore/internal/validation"
)

// Test helper functions

func testGlobals() (*Globals, *bytes.Buffer) {
	var buf bytes.Buffer
	return &Globals{Out: &buf, BusyTimeout: time.Second, LogLevel: "warn", LogFormat: "text"}, &buf
}

// createTestDB writes a "books" table of n rows registered in
// sqlite_master, then deletes rowids listed in del.
func createTestDB(t *testing.T, opts storage.Options, n int, del ...int64) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	opts.Logger = logging.Discard()
	if opts.PageSize == 0 {
		opts.PageSize = 1024
	}
	conn, err := storage.Open(path, opts)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.BeginTrans(true))
	root, err := conn.CreateTable(storage.IntKey)
	require.NoError(t, err)
	require.NoError(t, sqlite.AddSchemaRow(conn, sqlite.MasterRow{
		Type: "table", Name: "books", RootPage: root,
		SQL: "CREATE TABLE books(id INTEGER PRIMARY KEY, name TEXT, body TEXT)",
	}))
	c, err := conn.Cursor(root, true)
	require.NoError(t, err)
	for i := 1; i <= n; i++ {
		rec := sqlite.MakeRecord(sqlite.NullValue(), sqlite.TextValue(fmt.Sprintf("book %d", i)), sqlite.TextValue(bodyFor(i)))
		require.NoError(t, c.Insert(storage.Payload{Rowid: int64(i), Data: rec}, true))
	}
	for _, rowid := range del {
		cmp, err := c.SeekRowid(rowid)
		require.NoError(t, err)
		require.Zero(t, cmp)
		require.NoError(t, c.Delete())
	}
	require.NoError(t, c.Close())
	require.NoError(t, conn.Commit())
	return path
}

// bodyFor spreads body lengths over 0..1499 bytes, so that some rows
// spill to overflow pages.
func bodyFor(i int) string { return strings.Repeat("x", i*37%1500) }

func pageCount(t *testing.T, path string) uint32 {
	t.Helper()
	info, err := os.Stat(path)
	require.NoError(t, err)
	hdr, err := storage.ReadHeader(nil, path)
	require.NoError(t, err)
	return uint32(info.Size() / int64(hdr.PageSize))
}

func rangeOf(from, to int64) []int64 {
	var out []int64
	for i := from; i <= to; i++ {
		out = append(out, i)
	}
	return out
}

func TestCLIParse(t *testing.T) {
	path := createTestDB(t, storage.Options{}, 1)
	tests := []struct {
		args []string
		cmd  string
	}{
		{[]string{"info", path}, "info <path>"},
		{[]string{"check", "--reference", "--root", "2", path}, "check <path>"},
		{[]string{"dump", "--limit", "3", path, "2"}, "dump <path> <root>"},
		{[]string{"pages", path}, "pages <path>"},
		{[]string{"vacuum", "--pages", "10", path}, "vacuum <path>"},
		{[]string{"checkpoint", path}, "checkpoint <path>"},
		{[]string{"checksum", path, path}, "checksum <paths>"},
		{[]string{"snapshot", "backup", "--compression", "zstd", path, t.TempDir()}, "snapshot backup <path> <store>"},
		{[]string{"--log-level", "debug", "--log-format", "json", "version"}, "version"},
	}
	for _, tt := range tests {
		t.Run(tt.cmd, func(t *testing.T) {
			var cli struct {
				Globals
				Info       InfoCmd       `cmd:""`
				Check      CheckCmd      `cmd:""`
				Dump       DumpCmd       `cmd:""`
				Pages      PagesCmd      `cmd:""`
				Vacuum     VacuumCmd     `cmd:""`
				Checkpoint CheckpointCmd `cmd:""`
				Checksum   ChecksumCmd   `cmd:""`
				Snapshot   SnapshotGroup `cmd:""`
				Version    VersionCmd    `cmd:""`
			}
			parser, err := kong.New(&cli, kong.Name("pagestore"))
			require.NoError(t, err)
			ctx, err := parser.Parse(tt.args)
			require.NoError(t, err)
			require.Equal(t, tt.cmd, ctx.Command())
		})
	}
}

func TestSetupLogging(t *testing.T) {
	g, _ := testGlobals()
	g.LogLevel = "debug"
	g.LogFormat = "json"
	require.NoError(t, g.setupLogging())
	g.LogLevel = "loud"
	require.Error(t, g.setupLogging())
	logging.InitLogger(logging.LevelWarn, logging.FormatText)
}

func TestInfoCmd_Run(t *testing.T) {
	path := createTestDB(t, storage.Options{AutoVacuum: storage.AutoVacuumIncremental}, 100)
	g, out := testGlobals()
	require.NoError(t, (&InfoCmd{Path: path}).Run(g))

	s := out.String()
	require.Contains(t, s, "page size:        1024\n")
	require.Contains(t, s, "journal:          rollback\n")
	require.Contains(t, s, "auto vacuum:      incremental\n")
	require.Contains(t, s, "schema cookie:    1\n")
	require.Contains(t, s, "table  books (root 3)\n")
	require.Contains(t, s, fmt.Sprintf("pages:            %d\n", pageCount(t, path)))
}

func TestCheckCmd_Run(t *testing.T) {
	path := createTestDB(t, storage.Options{}, 300, rangeOf(50, 150)...)

	g, out := testGlobals()
	require.NoError(t, (&CheckCmd{Path: path, MaxErrors: 100, Reference: true}).Run(g))
	require.Equal(t, "ok\n", out.String())

	// Claim three more free pages than the freelist holds.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[39] += 3
	require.NoError(t, os.WriteFile(path, data, 0644))

	g, out = testGlobals()
	err = (&CheckCmd{Path: path, MaxErrors: 100}).Run(g)
	require.Error(t, err)
	require.Contains(t, out.String(), "freelist")
}

func TestDumpCmd_Run(t *testing.T) {
	path := createTestDB(t, storage.Options{}, 20, 2)

	g, out := testGlobals()
	require.NoError(t, (&DumpCmd{Path: path, Root: 2, Limit: 2}).Run(g))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	require.Equal(t, fmt.Sprintf(`1: NULL|"book 1"|"%s"`, bodyFor(1)), lines[0])
	require.True(t, strings.HasPrefix(lines[1], `3: NULL|"book 3"|`))

	g, out = testGlobals()
	require.NoError(t, (&DumpCmd{Path: path, Root: 1}).Run(g))
	require.Contains(t, out.String(), `1: "table"|"books"|"books"|2|`)

	g, out = testGlobals()
	require.NoError(t, (&DumpCmd{Path: path, Root: 2, Raw: true, Limit: 1}).Run(g))
	require.Equal(t, fmt.Sprintf("1: %x\n", sqlite.MakeRecord(sqlite.NullValue(), sqlite.TextValue("book 1"), sqlite.TextValue(bodyFor(1)))), out.String())
}

func TestPagesCmd_Run(t *testing.T) {
	path := createTestDB(t, storage.Options{}, 500, rangeOf(100, 300)...)

	g, out := testGlobals()
	require.NoError(t, (&PagesCmd{Path: path}).Run(g))
	total := 0
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		var n int
		_, err := fmt.Sscanf(line[strings.LastIndex(line, " ")+1:], "%d", &n)
		require.NoError(t, err, line)
		total += n
	}
	require.EqualValues(t, pageCount(t, path), total)
	require.Contains(t, out.String(), "leaf table:")
	require.Contains(t, out.String(), "interior table:")
	require.Contains(t, out.String(), "overflow:")
	require.Contains(t, out.String(), "freelist trunk:")
}

func TestTakeCensusPointerMap(t *testing.T) {
	path := createTestDB(t, storage.Options{AutoVacuum: storage.AutoVacuumFull}, 50)
	image, err := os.ReadFile(path)
	require.NoError(t, err)
	census, err := takeCensus(image)
	require.NoError(t, err)
	require.Equal(t, 1, census["pointer map"])
	require.Zero(t, census["freelist trunk"])

	_, err = takeCensus([]byte("short"))
	require.ErrorIs(t, err, serrors.ErrNotADatabase)
}

func TestVacuumCmd_Run(t *testing.T) {
	path := createTestDB(t, storage.Options{AutoVacuum: storage.AutoVacuumIncremental}, 400, rangeOf(1, 300)...)
	before := pageCount(t, path)

	g, out := testGlobals()
	require.NoError(t, (&VacuumCmd{Path: path, Pages: 2}).Run(g))
	require.LessOrEqual(t, pageCount(t, path), before-2)
	require.Contains(t, out.String(), "freed 2 pages")

	g, _ = testGlobals()
	require.NoError(t, (&VacuumCmd{Path: path}).Run(g))
	require.Less(t, pageCount(t, path), before-2)

	g, _ = testGlobals()
	require.NoError(t, (&CheckCmd{Path: path, MaxErrors: 10, Reference: true}).Run(g))

	plain := createTestDB(t, storage.Options{}, 10)
	g, _ = testGlobals()
	require.ErrorIs(t, (&VacuumCmd{Path: plain}).Run(g), serrors.ErrUnsupported)
}

func TestCheckpointCmd_Run(t *testing.T) {
	plain := createTestDB(t, storage.Options{}, 10)
	g, out := testGlobals()
	require.NoError(t, (&CheckpointCmd{Path: plain}).Run(g))
	require.Equal(t, "not in WAL mode\n", out.String())

	wal := createTestDB(t, storage.Options{JournalMode: storage.JournalWAL}, 10)
	g, out = testGlobals()
	require.NoError(t, (&CheckpointCmd{Path: wal}).Run(g))
	require.Equal(t, "checkpoint complete\n", out.String())
}

func TestChecksumCmd_Run(t *testing.T) {
	a := createTestDB(t, storage.Options{}, 100)
	b := createTestDB(t, storage.Options{}, 100)
	c := createTestDB(t, storage.Options{}, 101)

	g, out := testGlobals()
	require.NoError(t, (&ChecksumCmd{Paths: []string{a, b, c}}).Run(g))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	hash := func(line string) string { return strings.Fields(line)[0] }
	require.Len(t, hash(lines[0]), 64)
	require.Equal(t, hash(lines[0]), hash(lines[1]))
	require.NotEqual(t, hash(lines[0]), hash(lines[2]))
	require.True(t, strings.HasSuffix(lines[2], c))
}

func TestBackupAndRestore(t *testing.T) {
	src := createTestDB(t, storage.Options{}, 250)
	store := filepath.Join(t.TempDir(), "snapshots")

	g, out := testGlobals()
	require.NoError(t, (&BackupCmd{Path: src, Store: store, Compression: "zstd"}).Run(g))
	id := strings.SplitN(out.String(), "\n", 2)[0]
	require.Contains(t, out.String(), "zstd")

	g, out = testGlobals()
	require.NoError(t, (&SnapshotsListCmd{Store: store}).Run(g))
	require.Contains(t, out.String(), id)

	dst := filepath.Join(t.TempDir(), "restored.db")
	g, out = testGlobals()
	require.NoError(t, (&RestoreCmd{Store: store, ID: id, Path: dst}).Run(g))
	require.Contains(t, out.String(), "restored "+id)

	g, out = testGlobals()
	require.NoError(t, (&ChecksumCmd{Paths: []string{src, dst}}).Run(g))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Equal(t, strings.Fields(lines[0])[0], strings.Fields(lines[1])[0])

	g, _ = testGlobals()
	require.NoError(t, (&CheckCmd{Path: dst, MaxErrors: 10, Reference: true}).Run(g))

	g, _ = testGlobals()
	require.NoError(t, (&SnapshotsDelCmd{Store: store, ID: id}).Run(g))
	g, _ = testGlobals()
	require.ErrorIs(t, (&RestoreCmd{Store: store, ID: id, Path: dst}).Run(g), serrors.ErrNotFound)
}

func TestVersionCmd_Run(t *testing.T) {
	g, out := testGlobals()
	require.NoError(t, (&VersionCmd{}).Run(g))
	require.True(t, strings.HasPrefix(out.String(), "pagestore "+version))
}

func TestOpenRejectsOtherFiles(t *testing.T) {
	dir := t.TempDir()
	journal := filepath.Join(dir, "books.db-journal")
	require.NoError(t, os.WriteFile(journal, []byte{0xd9, 0xd5, 0x05, 0xf9, 0x20, 0xa1, 0x63, 0xd7, 0, 0, 0, 0}, 0644))
	text := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(text, []byte("in the beginning"), 0644))

	g, _ := testGlobals()
	err := (&InfoCmd{Path: journal}).Run(g)
	require.ErrorIs(t, err, validation.ErrWrongFileType)
	require.Contains(t, err.Error(), "rollback journal")
	require.ErrorIs(t, (&CheckCmd{Path: text, MaxErrors: 10}).Run(g), validation.ErrWrongFileType)
}
