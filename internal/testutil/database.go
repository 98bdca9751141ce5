package testutil

import (
	"testing"

	"bv-go/internal/database"
)

// NewTestDatabase returns a migrated in-memory index closed at test end.
func NewTestDatabase(t *testing.T) *database.SQLiteDatabase {
	t.Helper()
	db, err := database.NewSQLiteDatabase(":memory:")
	if err != nil {
		t.Fatalf("opening index: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("migrating index: %v", err)
	}
	return db
}
