package store_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/fibratel/routerpilot/internal/store"
)

func newStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	db, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func countRows(t *testing.T, db *store.SQLiteStore, table string) int {
	t.Helper()
	var n int
	if err := db.DB().QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return n
}

func TestMigrateIsIdempotentPerModule(t *testing.T) {
	db := newStore(t)
	ctx := context.Background()

	applied := 0
	migs := []store.Migration{
		{
			Version:     1,
			Description: "create widgets",
			Up: func(tx *sql.Tx) error {
				applied++
				_, err := tx.Exec(`CREATE TABLE widgets (id TEXT PRIMARY KEY)`)
				return err
			},
		},
	}

	if err := db.Migrate(ctx, "widgets", migs); err != nil {
		t.Fatalf("first migrate: %v", err)
	}
	if err := db.Migrate(ctx, "widgets", migs); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	if applied != 1 {
		t.Fatalf("migration ran %d times, want 1", applied)
	}
	if n := countRows(t, db, "_migrations"); n != 1 {
		t.Fatalf("_migrations rows = %d, want 1", n)
	}
}

func TestMigrateTracksVersionsPerModule(t *testing.T) {
	db := newStore(t)
	ctx := context.Background()

	a := []store.Migration{{
		Version:     1,
		Description: "create a",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`CREATE TABLE a (id TEXT)`)
			return err
		},
	}}
	b := []store.Migration{{
		Version:     1,
		Description: "create b",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`CREATE TABLE b (id TEXT)`)
			return err
		},
	}}

	if err := db.Migrate(ctx, "a", a); err != nil {
		t.Fatalf("migrate a: %v", err)
	}
	// Same version number under a different module name is independent.
	if err := db.Migrate(ctx, "b", b); err != nil {
		t.Fatalf("migrate b: %v", err)
	}
	if n := countRows(t, db, "_migrations"); n != 2 {
		t.Fatalf("_migrations rows = %d, want 2", n)
	}
}

func TestFailedMigrationRollsBack(t *testing.T) {
	db := newStore(t)
	ctx := context.Background()

	boom := errors.New("boom")
	migs := []store.Migration{{
		Version:     1,
		Description: "fails midway",
		Up: func(tx *sql.Tx) error {
			if _, err := tx.Exec(`CREATE TABLE half_done (id TEXT)`); err != nil {
				return err
			}
			return boom
		},
	}}

	err := db.Migrate(ctx, "broken", migs)
	if !errors.Is(err, boom) {
		t.Fatalf("migrate err = %v, want wrapped boom", err)
	}
	if n := countRows(t, db, "_migrations"); n != 0 {
		t.Fatalf("_migrations rows = %d, want 0 after rollback", n)
	}

	// A later attempt can apply the fixed migration.
	migs[0].Up = func(tx *sql.Tx) error {
		_, err := tx.Exec(`CREATE TABLE fixed (id TEXT)`)
		return err
	}
	if err := db.Migrate(ctx, "broken", migs); err != nil {
		t.Fatalf("retry migrate: %v", err)
	}
}

func TestTxRollsBackOnError(t *testing.T) {
	db := newStore(t)
	ctx := context.Background()

	if _, err := db.DB().Exec(`CREATE TABLE items (id TEXT PRIMARY KEY)`); err != nil {
		t.Fatalf("create table: %v", err)
	}

	boom := errors.New("boom")
	err := db.Tx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT INTO items (id) VALUES ('x')`); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("tx err = %v, want boom", err)
	}
	if n := countRows(t, db, "items"); n != 0 {
		t.Fatalf("items rows = %d, want 0", n)
	}
}
