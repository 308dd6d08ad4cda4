//go:build cgo

package sqlstore_test

import (
	"path/filepath"
	"testing"

	"github.com/heimdallr-mesh/fabric/heimdall/identity"
	"github.com/heimdallr-mesh/fabric/heimdall/identity/conformance"
	"github.com/heimdallr-mesh/fabric/heimdall/identity/sqlstore"
)

func TestSQLiteStorage(t *testing.T) {
	conformance.RunTests(t, func() identity.Storage {
		dir := t.TempDir()
		s := &sqlstore.SQLite{File: filepath.Join(dir, "identity.db")}
		store, err := s.Open()
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		return store
	})
}
