package config

import (
	"fmt"

	"github.com/heimdallr-mesh/fabric/heimdall/identity"
	"github.com/heimdallr-mesh/fabric/heimdall/identity/memory"
	"github.com/heimdallr-mesh/fabric/heimdall/identity/sqlstore"
)

// Open opens the identity.Storage backend named by Identity.Type, the same
// dynamic-dispatch-by-string-type-field shape a Storage.UnmarshalJSON
// config loader uses, simplified here to a plain switch since this
// repository has no use for ConfigMap-sourced dynamic connector plugins.
func (i Identity) Open() (identity.Storage, error) {
	switch i.Type {
	case "", "memory":
		return memory.New(), nil
	case "postgres":
		cfg := &sqlstore.Postgres{NetworkDB: i.toNetworkDB(), SSLMode: i.SSLMode}
		return cfg.Open()
	case "mysql":
		cfg := &sqlstore.MySQL{NetworkDB: i.toNetworkDB(), SSLMode: i.SSLMode}
		return cfg.Open()
	case "sqlite3":
		cfg := &sqlstore.SQLite{File: i.SQLite.File}
		return cfg.Open()
	default:
		return nil, fmt.Errorf("config: unknown identity storage type %q", i.Type)
	}
}

func (i Identity) toNetworkDB() sqlstore.NetworkDB {
	return sqlstore.NetworkDB{
		Database:     i.NetworkDB.Database,
		User:         i.NetworkDB.User,
		Password:     i.NetworkDB.Password,
		Host:         i.NetworkDB.Host,
		Port:         i.NetworkDB.Port,
		MaxOpenConns: i.NetworkDB.MaxOpenConns,
		MaxIdleConns: i.NetworkDB.MaxIdleConns,
	}
}
