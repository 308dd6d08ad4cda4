//go:build !cgo

// Stub for CGO_ENABLED=0 builds; github.com/mattn/go-sqlite3 requires cgo.

package sqlstore

import "fmt"

// SQLite options for opening the identity store against a SQLite file.
type SQLite struct {
	File string
}

// Open always fails: this binary was built without cgo.
func (s *SQLite) Open() (*Storage, error) {
	return nil, fmt.Errorf("sqlstore: binary built with CGO_ENABLED=0, go-sqlite3 requires cgo")
}
