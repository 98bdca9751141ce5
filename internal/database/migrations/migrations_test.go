package migrations

import (
	"database/sql"
	"errors"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

func TestMigrateUp_CreatesSchema(t *testing.T) {
	db := openTestDB(t)
	if err := MigrateUp(db); err != nil {
		t.Fatalf("MigrateUp() error = %v", err)
	}

	for _, table := range []string{"remote_volumes", "blocks", "deleted_blocks", "duplicate_blocks", "blocksets",
		"blockset_entries", "blocklist_hashes", "metadatasets", "path_prefixes", "file_lookup", "filesets",
		"fileset_entries", "index_block_links", "configuration", "operations", "blocklist_cache"} {
		var name string
		if err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name); err != nil {
			t.Errorf("table %s missing: %v", table, err)
		}
	}

	// A second run is a no-op.
	if err := MigrateUp(db); err != nil {
		t.Errorf("second MigrateUp() error = %v", err)
	}
}

func TestReadStatus(t *testing.T) {
	latest, err := LatestVersion()
	if err != nil {
		t.Fatalf("LatestVersion() error = %v", err)
	}
	if latest == 0 {
		t.Fatal("LatestVersion() = 0, want an embedded migration")
	}

	db := openTestDB(t)
	st, err := ReadStatus(db)
	if err != nil {
		t.Fatalf("ReadStatus() error = %v", err)
	}
	if st != (Status{Latest: latest}) {
		t.Errorf("fresh ReadStatus() = %+v", st)
	}

	if err := MigrateUp(db); err != nil {
		t.Fatalf("MigrateUp() error = %v", err)
	}
	st, err = ReadStatus(db)
	if err != nil {
		t.Fatalf("ReadStatus() error = %v", err)
	}
	if st != (Status{Version: latest, Latest: latest}) {
		t.Errorf("migrated ReadStatus() = %+v", st)
	}
}

func TestCheckDBMigrationStatus(t *testing.T) {
	tests := []struct {
		name    string
		migrate bool
		tamper  string
		want    error
	}{
		{name: "fresh", want: ErrSchemaMissing},
		{name: "current", migrate: true},
		{name: "dirty", migrate: true, tamper: "UPDATE schema_migrations SET dirty = 1", want: ErrSchemaDirty},
		{name: "newer binary wrote it", migrate: true, tamper: "UPDATE schema_migrations SET version = 9999", want: ErrSchemaAhead},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := openTestDB(t)
			if tt.migrate {
				if err := MigrateUp(db); err != nil {
					t.Fatalf("MigrateUp() error = %v", err)
				}
			}
			if tt.tamper != "" {
				if _, err := db.Exec(tt.tamper); err != nil {
					t.Fatalf("tampering: %v", err)
				}
			}
			err := CheckDBMigrationStatus(db)
			if tt.want == nil && err != nil {
				t.Errorf("CheckDBMigrationStatus() error = %v", err)
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Errorf("CheckDBMigrationStatus() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestMigrateUp_RefusesUnsafeSchema(t *testing.T) {
	tests := []struct {
		name   string
		tamper string
		want   error
	}{
		{name: "newer", tamper: "UPDATE schema_migrations SET version = 9999", want: ErrSchemaAhead},
		{name: "dirty", tamper: "UPDATE schema_migrations SET dirty = 1", want: ErrSchemaDirty},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := openTestDB(t)
			if err := MigrateUp(db); err != nil {
				t.Fatalf("MigrateUp() error = %v", err)
			}
			if _, err := db.Exec(tt.tamper); err != nil {
				t.Fatal(err)
			}
			if err := MigrateUp(db); !errors.Is(err, tt.want) {
				t.Errorf("MigrateUp() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestSchema_BlockHashSizeUnique(t *testing.T) {
	db := openTestDB(t)

	if err := MigrateUp(db); err != nil {
		t.Fatalf("MigrateUp() failed: %v", err)
	}

	if _, err := db.Exec("INSERT INTO blocks (hash, size, volume_id) VALUES ('abc=', 10, 1)"); err != nil {
		t.Fatalf("Failed to insert block: %v", err)
	}

	// Same hash with a different size is a different block.
	if _, err := db.Exec("INSERT INTO blocks (hash, size, volume_id) VALUES ('abc=', 11, 1)"); err != nil {
		t.Errorf("Insert with different size failed: %v", err)
	}

	_, err := db.Exec("INSERT INTO blocks (hash, size, volume_id) VALUES ('abc=', 10, 2)")
	if err == nil {
		t.Error("Expected unique constraint violation for duplicate (hash, size), but insert succeeded")
	}
}

func TestSchema_RemoteVolumeDefaults(t *testing.T) {
	db := openTestDB(t)

	if err := MigrateUp(db); err != nil {
		t.Fatalf("MigrateUp() failed: %v", err)
	}

	_, err := db.Exec("INSERT INTO remote_volumes (name, type, state) VALUES ('bv-x.dblock.zip', 'Blocks', 'Temporary')")
	if err != nil {
		t.Fatalf("Failed to insert volume: %v", err)
	}

	var size int64
	var hash string
	if err := db.QueryRow("SELECT size, hash FROM remote_volumes WHERE name = 'bv-x.dblock.zip'").Scan(&size, &hash); err != nil {
		t.Fatalf("Failed to read volume: %v", err)
	}
	if size != -1 || hash != "" {
		t.Errorf("defaults = (%d, %q), want (-1, \"\")", size, hash)
	}

	_, err = db.Exec("INSERT INTO remote_volumes (name, type, state) VALUES ('bv-x.dblock.zip', 'Blocks', 'Temporary')")
	if err == nil {
		t.Error("Expected unique constraint violation for duplicate name, but insert succeeded")
	}
}

func TestSchema_FilesetTimestampUnique(t *testing.T) {
	db := openTestDB(t)

	if err := MigrateUp(db); err != nil {
		t.Fatalf("MigrateUp() failed: %v", err)
	}

	if _, err := db.Exec("INSERT INTO filesets (volume_id, timestamp) VALUES (1, 1700000000)"); err != nil {
		t.Fatalf("Failed to insert fileset: %v", err)
	}
	if _, err := db.Exec("INSERT INTO filesets (volume_id, timestamp) VALUES (2, 1700000000)"); err == nil {
		t.Error("Expected unique constraint violation for duplicate timestamp, but insert succeeded")
	}
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("opening test index: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		t.Fatalf("enabling foreign keys: %v", err)
	}
	return db
}
