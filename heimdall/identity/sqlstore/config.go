package sqlstore

import (
	"database/sql"
	"fmt"
	"net/url"

	"github.com/go-sql-driver/mysql"
)

// NetworkDB holds connection options common to SQL databases reached over a
// network, grounded on this codebase's storage/sql/config.go NetworkDB.
type NetworkDB struct {
	Database string
	User     string
	Password string
	Host     string
	Port     uint16

	MaxOpenConns int // default: 5
	MaxIdleConns int // default: 5
}

func (n NetworkDB) withDefaults() NetworkDB {
	if n.MaxOpenConns == 0 {
		n.MaxOpenConns = 5
	}
	if n.MaxIdleConns == 0 {
		n.MaxIdleConns = 5
	}
	return n
}

// Postgres options for opening the identity store against Postgres.
type Postgres struct {
	NetworkDB
	SSLMode string // disable, require, verify-ca, verify-full; default "verify-full"
}

// Open opens (and migrates) a Postgres-backed Storage.
func (p *Postgres) Open() (*Storage, error) {
	n := p.NetworkDB.withDefaults()
	sslMode := p.SSLMode
	if sslMode == "" {
		sslMode = "verify-full"
	}

	values := url.Values{
		"dbname":   {n.Database},
		"user":     {n.User},
		"password": {n.Password},
		"host":     {n.Host},
		"port":     {fmt.Sprintf("%d", n.Port)},
		"sslmode":  {sslMode},
	}
	dsn := "postgres://?" + values.Encode()

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open postgres: %w", err)
	}
	db.SetMaxOpenConns(n.MaxOpenConns)
	db.SetMaxIdleConns(n.MaxIdleConns)

	return newStorage(db, flavorPostgres)
}

// MySQL options for opening the identity store against MySQL.
type MySQL struct {
	NetworkDB
	SSLMode string // true, false, skip-verify; default "true"
}

// Open opens (and migrates) a MySQL-backed Storage.
func (m *MySQL) Open() (*Storage, error) {
	n := m.NetworkDB.withDefaults()
	cfg := mysql.NewConfig()
	cfg.User = n.User
	cfg.Passwd = n.Password
	cfg.Net = "tcp"
	cfg.Addr = fmt.Sprintf("%s:%d", n.Host, n.Port)
	cfg.DBName = n.Database
	cfg.ParseTime = true
	sslMode := m.SSLMode
	if sslMode == "" {
		sslMode = "true"
	}
	cfg.TLSConfig = sslMode

	db, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open mysql: %w", err)
	}
	db.SetMaxOpenConns(n.MaxOpenConns)
	db.SetMaxIdleConns(n.MaxIdleConns)

	return newStorage(db, flavorMySQL)
}
