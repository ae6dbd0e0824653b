package sqlite

import (
	"fmt"

	serrors "github.com/FocuswithJustin/pagestore/core/errors"
	"github.com/FocuswithJustin/pagestore/core/storage"
)

// sqlite_master is the table on page 1 that lists every other tree:
//
//	CREATE TABLE sqlite_master (
//	  type TEXT,      -- "table", "index", "trigger", "view"
//	  name TEXT,
//	  tbl_name TEXT,  -- owning table, for indexes and triggers
//	  rootpage INT,   -- 0 for views and triggers
//	  sql TEXT
//	);

// SchemaRoot is the root page of sqlite_master.
const SchemaRoot storage.Pgno = 1

// Schema format and text encoding written by AddSchemaRow into a fresh
// header.
const (
	schemaFormat = 4
	encodingUTF8 = 1
)

// MasterRow is one row of sqlite_master.
type MasterRow struct {
	Type     string
	Name     string
	TblName  string
	RootPage storage.Pgno
	SQL      string
}

// Record encodes the row in record format.
func (r MasterRow) Record() []byte {
	sql := NullValue()
	if r.SQL != "" {
		sql = TextValue(r.SQL)
	}
	return MakeRecord(
		TextValue(r.Type),
		TextValue(r.Name),
		TextValue(r.TblName),
		IntValue(int64(r.RootPage)),
		sql,
	)
}

func parseMasterRow(data []byte) (MasterRow, error) {
	values, err := ParseRecord(data)
	if err != nil {
		return MasterRow{}, err
	}
	if len(values) < 5 {
		return MasterRow{}, serrors.Corruptf(uint32(SchemaRoot), "schema row has %d columns", len(values))
	}
	row := MasterRow{
		Type:    string(values[0].Bytes),
		Name:    string(values[1].Bytes),
		TblName: string(values[2].Bytes),
		SQL:     string(values[4].Bytes),
	}
	if values[3].Type == TypeInteger {
		row.RootPage = storage.Pgno(values[3].Int)
	}
	return row, nil
}

// ReadSchema returns the rows of sqlite_master in rowid order. It opens
// a read transaction if conn has none.
func ReadSchema(conn *storage.Conn) ([]MasterRow, error) {
	if conn.TxnState() == storage.TransNone {
		if err := conn.BeginTrans(false); err != nil {
			return nil, err
		}
		defer conn.Commit()
	}
	c, err := conn.Cursor(SchemaRoot, false)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	var rows []MasterRow
	if err := c.First(); err != nil {
		return nil, err
	}
	for !c.Eof() {
		data, err := c.Payload()
		if err != nil {
			return nil, err
		}
		row, err := parseMasterRow(data)
		if err != nil {
			return nil, fmt.Errorf("sqlite_master row %d: %w", len(rows)+1, err)
		}
		rows = append(rows, row)
		if err := c.Next(); err != nil {
			return nil, err
		}
	}
	return rows, nil
}

// AddSchemaRow appends row to sqlite_master and bumps the schema cookie.
// conn must hold a write transaction.
func AddSchemaRow(conn *storage.Conn, row MasterRow) error {
	if conn.TxnState() != storage.TransWrite {
		return serrors.NewMisuse("AddSchemaRow", "no write transaction")
	}
	if row.Type == "" || row.Name == "" {
		return serrors.NewValidation("row", "type and name are required")
	}
	if row.TblName == "" {
		row.TblName = row.Name
	}

	c, err := conn.Cursor(SchemaRoot, true)
	if err != nil {
		return err
	}
	defer c.Close()
	rowid, err := c.NewRowid()
	if err != nil {
		return err
	}
	if err := c.Insert(storage.Payload{Rowid: rowid, Data: row.Record()}, true); err != nil {
		return err
	}

	for _, m := range []struct {
		idx int
		val uint32
	}{{storage.MetaFileFormat, schemaFormat}, {storage.MetaTextEncoding, encodingUTF8}} {
		cur, err := conn.GetMeta(m.idx)
		if err != nil {
			return err
		}
		if cur == 0 {
			if err := conn.UpdateMeta(m.idx, m.val); err != nil {
				return err
			}
		}
	}
	cookie, err := conn.GetMeta(storage.MetaSchemaVersion)
	if err != nil {
		return err
	}
	return conn.UpdateMeta(storage.MetaSchemaVersion, cookie+1)
}

// Roots returns page 1 and the root page of every tree in rows.
func Roots(rows []MasterRow) []storage.Pgno {
	roots := []storage.Pgno{SchemaRoot}
	for _, r := range rows {
		if r.RootPage > 0 {
			roots = append(roots, r.RootPage)
		}
	}
	return roots
}
