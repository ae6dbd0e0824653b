package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDriverInfo(t *testing.T) {
	info := GetInfo()
	require.NotEmpty(t, info.DriverName)
	require.NotEmpty(t, info.Package)
	require.Equal(t, DriverName(), info.DriverName)
	require.Equal(t, DriverType(), info.DriverType)
	require.Equal(t, IsCGO(), info.IsCGO)

	switch info.DriverType {
	case "purego":
		require.False(t, IsCGO())
		require.Equal(t, "sqlite", DriverName())
	case "cgo":
		require.True(t, IsCGO())
		require.Equal(t, "sqlite3", DriverName())
	default:
		t.Fatalf("unknown driver type: %s", info.DriverType)
	}
}

func TestOpenReadOnly(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	db, err := Open(dbPath)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE test (id INTEGER PRIMARY KEY, value TEXT)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO test (value) VALUES (?)`, "readonly")
	require.NoError(t, err)
	require.NoError(t, db.Close())

	rodb, err := OpenReadOnly(dbPath)
	require.NoError(t, err)
	defer rodb.Close()

	var value string
	require.NoError(t, rodb.QueryRow(`SELECT value FROM test WHERE id = 1`).Scan(&value))
	require.Equal(t, "readonly", value)

	_, err = rodb.Exec(`INSERT INTO test (value) VALUES ('no')`)
	require.Error(t, err)
}

func TestIntegrityCheckOK(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "ok.db")
	db, err := Open(dbPath)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE t (x)`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	problems, err := IntegrityCheck(context.Background(), dbPath)
	require.NoError(t, err)
	require.Empty(t, problems)
}
