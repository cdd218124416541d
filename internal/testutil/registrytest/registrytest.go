// Package registrytest builds a registry.Store backed by a throwaway sqlite
// file for use in controlplane's and httpapi's tests, so those tests don't each
// reimplement the open/cleanup boilerplate.
package registrytest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/fleetrelay/console/internal/persistence"
	"github.com/fleetrelay/console/internal/registry"
)

// NewStore opens a fresh sqlite-backed registry.Store rooted in t.TempDir()
// and arranges for it to be closed when the test finishes.
func NewStore(t *testing.T) *registry.Store {
	t.Helper()

	db, err := persistence.Open(context.Background(), persistence.Options{
		Path:             filepath.Join(t.TempDir(), "registrytest.db"),
		BusyTimeoutMS:    5000,
		HashKey:          "registrytest-hash-key",
		TaskRetentionDay: 30,
	})
	if err != nil {
		t.Fatalf("registrytest: open db: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})
	return registry.NewStoreWithPersistence(db)
}
