//go:build cgo

package sqlstore

import (
	"database/sql"

	_ "github.com/mattn/go-sqlite3"
)

// SQLite options for opening the identity store against a SQLite file.
type SQLite struct {
	File string
}

// Open opens (and migrates) a SQLite-backed Storage.
func (s *SQLite) Open() (*Storage, error) {
	db, err := sql.Open("sqlite3", s.File)
	if err != nil {
		return nil, err
	}
	// Only one writer at a time; concurrent callers queue behind database/sql's pool.
	db.SetMaxOpenConns(1)

	return newStorage(db, flavorSQLite3)
}
