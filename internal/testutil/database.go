package testutil

import (
	"testing"

	"posvault/internal/database"
)

// NewTestDatabase opens a migrated in-memory state database that is closed
// at the end of the test.
func NewTestDatabase(t *testing.T) *database.SQLiteDatabase {
	t.Helper()
	return openMigrated(t, ":memory:")
}

func openMigrated(t *testing.T, path string) *database.SQLiteDatabase {
	t.Helper()
	db, err := database.NewSQLiteDatabase(path)
	if err != nil {
		t.Fatalf("opening state database %s: %v", path, err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := db.MigrateUp(); err != nil {
		t.Fatalf("migrating state database: %v", err)
	}
	return db
}
