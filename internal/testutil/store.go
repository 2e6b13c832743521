package testutil

import (
	"context"
	"testing"

	"github.com/fibratel/routerpilot/internal/store"
)

// NewStore creates an in-memory SQLiteStore for testing.
// The store is automatically closed when the test completes.
func NewStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	db, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("testutil.NewStore: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// MigratedStore creates an in-memory store with the given module's
// migrations applied.
func MigratedStore(t *testing.T, module string, migrations []store.Migration) *store.SQLiteStore {
	t.Helper()
	db := NewStore(t)
	if err := db.Migrate(context.Background(), module, migrations); err != nil {
		t.Fatalf("testutil.MigratedStore: %v", err)
	}
	return db
}
