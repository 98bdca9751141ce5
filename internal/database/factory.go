package database

import (
	"fmt"
	"os"
	"path/filepath"

	"bv-go/internal/bv"
	"bv-go/internal/config"
)

// NewDatabaseFromConfig creates a Database implementation based on the database
// config type and brings its schema up to date. name selects the index file
// inside the data directory.
func NewDatabaseFromConfig(cfg config.DatabaseConfig, name string) (bv.Database, error) {
	var db *SQLiteDatabase
	var err error
	switch cfg.Type {
	case "sqlite":
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("data_dir required for sqlite database")
		}
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("creating data_dir: %w", err)
		}
		db, err = NewSQLiteDatabase(filepath.Join(cfg.DataDir, name+".db"))
	case "memory":
		db, err = NewSQLiteDatabase(":memory:")
	default:
		return nil, fmt.Errorf("unknown database type: %s", cfg.Type)
	}
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating database: %w", err)
	}
	return db, nil
}
