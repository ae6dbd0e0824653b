//go:build cgo_sqlite

// The cgo_sqlite tag swaps the reference engine for mattn/go-sqlite3,
// registered by contrib/sqlite-external. Requires CGO_ENABLED=1.
package sqlite

import (
	_ "github.com/FocuswithJustin/pagestore/contrib/sqlite-external" // CGO SQLite driver
)

const (
	driverName    = "sqlite3"
	driverType    = "cgo"
	driverPackage = "github.com/mattn/go-sqlite3 (via contrib/sqlite-external)"
)
