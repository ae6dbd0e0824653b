// Package sqliteexternal registers the CGO SQLite driver
// (github.com/mattn/go-sqlite3) as the reference engine used by
// core/sqlite for compatibility checks.
//
//	import _ "github.com/FocuswithJustin/pagestore/contrib/sqlite-external"
//
// Build with:
//
//	CGO_ENABLED=1 go build -tags cgo_sqlite
//
// Without the tag core/sqlite uses modernc.org/sqlite, which needs no C
// toolchain. The CGO engine is the C library SQLite ships, so checks run
// against it compare the storage engine with upstream byte for byte.
package sqliteexternal
