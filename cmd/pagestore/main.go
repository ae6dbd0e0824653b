// Command pagestore inspects and maintains database files written by the
// storage engine: header and schema listing, integrity checks, table
// dumps, page census, vacuum, WAL checkpoints and compressed snapshots.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"

	serrors "github.com/FocuswithJustin/pagestore/core/errors"
	"github.com/FocuswithJustin/pagestore/core/snapshot"
	"github.com/FocuswithJustin/pagestore/core/sqlite"
	"github.com/FocuswithJustin/pagestore/core/storage"
	"github.com/FocuswithJustin/pagestore/internal/logging"
	"github.com/FocuswithJustin/pagestore/internal/validation"
)

const version = "0.1.0"

// Globals holds the flags shared by every command.
type Globals struct {
	LogLevel    string        `name:"log-level" help:"Log level (debug, info, warn, error)" default:"warn" enum:"debug,info,warn,error"`
	LogFormat   string        `name:"log-format" help:"Log format (text, json)" default:"text" enum:"text,json"`
	BusyTimeout time.Duration `name:"busy-timeout" help:"How long to wait for a locked database" default:"5s"`
	CacheSize   int           `name:"cache-size" help:"Page cache size in pages (0 for the default)" default:"0"`

	Out io.Writer `kong:"-"`
}

// CLI defines the command-line interface for pagestore.
var CLI struct {
	Globals

	Info       InfoCmd       `cmd:"" help:"Print the file header and schema"`
	Check      CheckCmd      `cmd:"" help:"Run an integrity check"`
	Dump       DumpCmd       `cmd:"" help:"Print the entries of one tree"`
	Pages      PagesCmd      `cmd:"" help:"Count pages by type"`
	Vacuum     VacuumCmd     `cmd:"" help:"Return free pages to the file system (incremental auto-vacuum)"`
	Checkpoint CheckpointCmd `cmd:"" help:"Copy the write-ahead log into the database file"`
	Checksum   ChecksumCmd   `cmd:"" help:"Print the BLAKE3 hash of the database content"`
	Snapshot   SnapshotGroup `cmd:"" help:"Compressed snapshots of database files"`
	Version    VersionCmd    `cmd:"" help:"Print version information"`
}

// SnapshotGroup contains snapshot store operations.
type SnapshotGroup struct {
	Backup  BackupCmd        `cmd:"" help:"Save a snapshot of a database"`
	Restore RestoreCmd       `cmd:"" help:"Replace a database with a snapshot"`
	List    SnapshotsListCmd `cmd:"" help:"List snapshots"`
	Delete  SnapshotsDelCmd  `cmd:"" help:"Delete a snapshot"`
}

func (g *Globals) setupLogging() error {
	level, err := logging.ParseLevel(g.LogLevel)
	if err != nil {
		return err
	}
	format, err := logging.ParseFormat(g.LogFormat)
	if err != nil {
		return err
	}
	logging.InitLogger(level, format)
	logging.SetOutput(os.Stderr)
	return nil
}

// open opens a database after checking that path does not name a
// journal, log or snapshot blob by mistake.
func (g *Globals) open(path string, readOnly bool) (*storage.Conn, error) {
	if err := validation.ValidateDatabaseFile(path, !readOnly); err != nil {
		return nil, err
	}
	return storage.Open(path, storage.Options{
		ReadOnly:    readOnly,
		CacheSize:   g.CacheSize,
		BusyTimeout: g.BusyTimeout,
		Logger:      logging.GetLogger(),
	})
}

func (g *Globals) printf(format string, args ...any) {
	fmt.Fprintf(g.Out, format, args...)
}

// InfoCmd prints the header fields and the sqlite_master rows.
type InfoCmd struct {
	Path string `arg:"" help:"Database file" type:"existingfile"`
}

func (c *InfoCmd) Run(g *Globals) error {
	if err := validation.ValidateDatabaseFile(c.Path, false); err != nil {
		return err
	}
	hdr, err := storage.ReadHeader(nil, c.Path)
	if err != nil {
		return fmt.Errorf("failed to read header: %w", err)
	}
	conn, err := g.open(c.Path, true)
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := conn.BeginTrans(false); err != nil {
		return err
	}
	pages := conn.PageCount()
	conn.Commit()

	journal := "rollback"
	if hdr.UsesWAL() {
		journal = "wal"
	}
	vacuum := "none"
	switch {
	case hdr.LargestRootPage != 0 && hdr.IncrementalVacuum != 0:
		vacuum = "incremental"
	case hdr.LargestRootPage != 0:
		vacuum = "full"
	}

	g.printf("file:             %s\n", c.Path)
	g.printf("page size:        %d\n", hdr.PageSize)
	g.printf("reserved bytes:   %d\n", hdr.ReservedSpace)
	g.printf("pages:            %d\n", pages)
	g.printf("journal:          %s\n", journal)
	g.printf("auto vacuum:      %s\n", vacuum)
	g.printf("freelist:         %d pages, first trunk %d\n", hdr.FreelistCount, hdr.FreelistTrunk)
	g.printf("change counter:   %d\n", hdr.FileChangeCounter)
	g.printf("schema cookie:    %d\n", hdr.SchemaCookie)
	g.printf("schema format:    %d\n", hdr.SchemaFormat)
	g.printf("text encoding:    %d\n", hdr.TextEncoding)
	g.printf("user version:     %d\n", hdr.UserVersion)
	g.printf("application id:   %d\n", hdr.ApplicationID)
	g.printf("library version:  %d\n", hdr.LibraryVersion)

	rows, err := sqlite.ReadSchema(conn)
	if err != nil {
		logging.Warn("schema unreadable", "file", c.Path, "error", err)
		return nil
	}
	for _, r := range rows {
		g.printf("%-6s %s (root %d)\n", r.Type, r.Name, r.RootPage)
	}
	return nil
}

// CheckCmd runs the integrity check over every tree in sqlite_master
// plus any roots given on the command line.
type CheckCmd struct {
	Path      string   `arg:"" help:"Database file" type:"existingfile"`
	Roots     []uint32 `name:"root" help:"Extra tree roots to check"`
	MaxErrors int      `name:"max-errors" help:"Stop after this many problems" default:"100"`
	Reference bool     `help:"Also run PRAGMA integrity_check with the reference SQLite engine"`
}

func (c *CheckCmd) Run(g *Globals) error {
	conn, err := g.open(c.Path, true)
	if err != nil {
		return err
	}
	defer conn.Close()

	rows, err := sqlite.ReadSchema(conn)
	if err != nil {
		return fmt.Errorf("failed to read schema: %w", err)
	}
	roots := sqlite.Roots(rows)
	for _, r := range c.Roots {
		roots = append(roots, storage.Pgno(r))
	}

	if err := conn.BeginTrans(false); err != nil {
		return err
	}
	problems, err := conn.IntegrityCheck(roots, c.MaxErrors)
	conn.Commit()
	if err != nil {
		return err
	}

	if c.Reference {
		ref, err := sqlite.IntegrityCheck(context.Background(), c.Path)
		if err != nil {
			return err
		}
		for _, p := range ref {
			problems = append(problems, "reference: "+p)
		}
	}

	if len(problems) == 0 {
		g.printf("ok\n")
		return nil
	}
	for _, p := range problems {
		g.printf("%s\n", p)
	}
	return fmt.Errorf("integrity check found %d problems", len(problems))
}

// DumpCmd prints the entries of the tree rooted at Root.
type DumpCmd struct {
	Path  string `arg:"" help:"Database file" type:"existingfile"`
	Root  uint32 `arg:"" help:"Root page of the tree"`
	Raw   bool   `help:"Print payloads in hex instead of decoding records"`
	Limit int    `help:"Stop after this many entries (0 for all)" default:"0"`
}

func (c *DumpCmd) Run(g *Globals) error {
	conn, err := g.open(c.Path, true)
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := conn.BeginTrans(false); err != nil {
		return err
	}
	defer conn.Commit()

	cur, err := conn.Cursor(storage.Pgno(c.Root), false)
	if err != nil {
		return err
	}
	defer cur.Close()

	n := 0
	for err = cur.First(); err == nil && !cur.Eof(); err = cur.Next() {
		if c.Limit > 0 && n == c.Limit {
			break
		}
		data, err := cur.Payload()
		if err != nil {
			return err
		}
		if cur.IsTable() {
			rowid, err := cur.Rowid()
			if err != nil {
				return err
			}
			g.printf("%d: %s\n", rowid, c.format(data))
		} else {
			g.printf("%s\n", c.format(data))
		}
		n++
	}
	return err
}

func (c *DumpCmd) format(data []byte) string {
	if !c.Raw {
		if vals, err := sqlite.ParseRecord(data); err == nil {
			parts := make([]string, len(vals))
			for i, v := range vals {
				parts[i] = v.String()
			}
			return strings.Join(parts, "|")
		}
	}
	return fmt.Sprintf("%x", data)
}

// PagesCmd prints a census of page types.
type PagesCmd struct {
	Path string `arg:"" help:"Database file" type:"existingfile"`
}

func (c *PagesCmd) Run(g *Globals) error {
	conn, err := g.open(c.Path, true)
	if err != nil {
		return err
	}
	defer conn.Close()
	image, err := storage.Image(conn)
	if err != nil {
		return err
	}
	census, err := takeCensus(image)
	if err != nil {
		return err
	}
	for _, k := range pageKinds {
		if n := census[k]; n > 0 {
			g.printf("%-16s %d\n", k+":", n)
		}
	}
	return nil
}

// VacuumCmd runs incremental vacuum steps.
type VacuumCmd struct {
	Path  string `arg:"" help:"Database file" type:"existingfile"`
	Pages int    `help:"Number of pages to free (0 for all)" default:"0"`
}

func (c *VacuumCmd) Run(g *Globals) error {
	conn, err := g.open(c.Path, false)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.BeginTrans(true); err != nil {
		return err
	}
	if conn.AutoVacuum() != storage.AutoVacuumIncremental {
		conn.Rollback()
		return serrors.NewUnsupported("vacuum", "database is not in incremental auto-vacuum mode")
	}
	before := conn.PageCount()
	freed := 0
	for c.Pages == 0 || freed < c.Pages {
		err := conn.IncrVacuum()
		if errors.Is(err, serrors.ErrDone) {
			break
		}
		if err != nil {
			conn.Rollback()
			return err
		}
		freed++
	}
	if err := conn.Commit(); err != nil {
		return err
	}
	g.printf("freed %d pages (%d -> %d)\n", freed, before, conn.PageCount())
	return nil
}

// CheckpointCmd copies the WAL into the database file.
type CheckpointCmd struct {
	Path string `arg:"" help:"Database file" type:"existingfile"`
}

func (c *CheckpointCmd) Run(g *Globals) error {
	conn, err := g.open(c.Path, false)
	if err != nil {
		return err
	}
	defer conn.Close()
	// The journal mode is read from the header at the first transaction.
	if err := conn.BeginTrans(false); err != nil {
		return err
	}
	if err := conn.Commit(); err != nil {
		return err
	}
	if conn.JournalMode() != storage.JournalWAL {
		g.printf("not in WAL mode\n")
		return nil
	}
	if err := conn.Checkpoint(); err != nil {
		return err
	}
	g.printf("checkpoint complete\n")
	return nil
}

// ChecksumCmd hashes the logical content of a database, including
// frames still in its WAL. Header fields that every commit rewrites are
// left out, so a restored snapshot hashes like its source.
type ChecksumCmd struct {
	Paths []string `arg:"" help:"Database files" type:"existingfile"`
}

func (c *ChecksumCmd) Run(g *Globals) error {
	for _, path := range c.Paths {
		conn, err := g.open(path, true)
		if err != nil {
			return err
		}
		image, err := storage.Image(conn)
		conn.Close()
		if err != nil {
			return err
		}
		g.printf("%s  %s\n", snapshot.ContentHash(image), path)
	}
	return nil
}

// BackupCmd saves a snapshot of a database into a store directory.
type BackupCmd struct {
	Path        string `arg:"" help:"Database file" type:"existingfile"`
	Store       string `arg:"" help:"Snapshot store directory" type:"path"`
	Compression string `help:"Blob compression (xz, zstd, none)" default:"xz" enum:"xz,zstd,none"`
}

func (c *BackupCmd) Run(g *Globals) error {
	comp, err := snapshot.ParseCompression(c.Compression)
	if err != nil {
		return err
	}
	conn, err := g.open(c.Path, true)
	if err != nil {
		return err
	}
	image, err := storage.Image(conn)
	conn.Close()
	if err != nil {
		return err
	}
	store, err := snapshot.NewStore(c.Store)
	if err != nil {
		return err
	}
	m, err := store.Save(c.Path, image, comp)
	if err != nil {
		return err
	}
	g.printf("%s\n", m.ID)
	g.printf("  blake3: %s\n", m.BLAKE3)
	g.printf("  size:   %d bytes (%d stored, %s)\n", m.Size, m.StoredSize, m.Compression)
	return nil
}

// RestoreCmd replaces a database with a snapshot.
type RestoreCmd struct {
	Store string `arg:"" help:"Snapshot store directory" type:"existingdir"`
	ID    string `arg:"" help:"Snapshot id"`
	Path  string `arg:"" help:"Database file to write" type:"path"`
}

func (c *RestoreCmd) Run(g *Globals) error {
	store, err := snapshot.NewStore(c.Store)
	if err != nil {
		return err
	}
	image, m, err := store.Load(c.ID)
	if err != nil {
		return err
	}
	conn, err := g.open(c.Path, false)
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := storage.LoadImage(conn, image); err != nil {
		return err
	}
	g.printf("restored %s (%d pages) to %s\n", m.ID, m.PageCount, c.Path)
	return nil
}

// SnapshotsListCmd lists the snapshots in a store.
type SnapshotsListCmd struct {
	Store string `arg:"" help:"Snapshot store directory" type:"existingdir"`
}

func (c *SnapshotsListCmd) Run(g *Globals) error {
	store, err := snapshot.NewStore(c.Store)
	if err != nil {
		return err
	}
	list, err := store.List()
	if err != nil {
		return err
	}
	for _, m := range list {
		g.printf("%s  %s  %8d  %s\n", m.ID, m.Created.Format(time.RFC3339), m.Size, m.Source)
	}
	return nil
}

// SnapshotsDelCmd deletes one snapshot.
type SnapshotsDelCmd struct {
	Store string `arg:"" help:"Snapshot store directory" type:"existingdir"`
	ID    string `arg:"" help:"Snapshot id"`
}

func (c *SnapshotsDelCmd) Run(g *Globals) error {
	store, err := snapshot.NewStore(c.Store)
	if err != nil {
		return err
	}
	return store.Delete(c.ID)
}

// VersionCmd prints version information.
type VersionCmd struct{}

func (c *VersionCmd) Run(g *Globals) error {
	info := sqlite.GetInfo()
	g.printf("pagestore %s (reference engine %s, %s)\n", version, info.Package, info.DriverType)
	return nil
}

func main() {
	CLI.Out = os.Stdout
	ctx := kong.Parse(&CLI,
		kong.Name("pagestore"),
		kong.Description("Inspect and maintain SQLite-format database files"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
	)
	ctx.FatalIfErrorf(CLI.setupLogging())
	err := ctx.Run(&CLI.Globals)
	ctx.FatalIfErrorf(err)
}
