package migrations

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed files/*.sql
var migrationFiles embed.FS

var (
	// ErrSchemaMissing is returned for an index that was never migrated.
	ErrSchemaMissing = errors.New("index has no schema version")
	// ErrSchemaBehind is returned when embedded migrations have not been applied.
	ErrSchemaBehind = errors.New("index schema is behind")
	// ErrSchemaAhead is returned for an index written by a newer binary.
	ErrSchemaAhead = errors.New("index schema is newer than this binary")
	// ErrSchemaDirty is returned when a migration failed halfway.
	ErrSchemaDirty = errors.New("index schema is dirty")
)

// Status is the schema version of an index and the newest embedded one.
type Status struct {
	Version uint
	Latest  uint
	Dirty   bool
}

// ReadStatus reports the schema version of db. A never-migrated index has
// Version 0.
func ReadStatus(db *sql.DB) (Status, error) {
	latest, err := LatestVersion()
	if err != nil {
		return Status{}, err
	}
	m, err := newMigrate(db)
	if err != nil {
		return Status{}, err
	}
	// m is not closed: that would close db, which the caller owns.

	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return Status{Latest: latest}, nil
	}
	if err != nil {
		return Status{}, fmt.Errorf("reading schema version: %w", err)
	}
	return Status{Version: version, Latest: latest, Dirty: dirty}, nil
}

// CheckDBMigrationStatus returns nil when db is at the newest schema
// version and one of the ErrSchema errors otherwise.
func CheckDBMigrationStatus(db *sql.DB) error {
	st, err := ReadStatus(db)
	if err != nil {
		return err
	}
	switch {
	case st.Version == 0:
		return ErrSchemaMissing
	case st.Dirty:
		return fmt.Errorf("%w at version %d", ErrSchemaDirty, st.Version)
	case st.Version < st.Latest:
		return fmt.Errorf("%w: version %d, latest %d", ErrSchemaBehind, st.Version, st.Latest)
	case st.Version > st.Latest:
		return fmt.Errorf("%w: version %d, binary knows %d", ErrSchemaAhead, st.Version, st.Latest)
	}
	return nil
}

// MigrateUp applies every pending migration. A dirty index, or one written
// by a newer binary, is left untouched.
func MigrateUp(db *sql.DB) error {
	st, err := ReadStatus(db)
	if err != nil {
		return err
	}
	switch {
	case st.Dirty:
		return fmt.Errorf("%w at version %d", ErrSchemaDirty, st.Version)
	case st.Version > st.Latest:
		return fmt.Errorf("%w: version %d, binary knows %d", ErrSchemaAhead, st.Version, st.Latest)
	}
	m, err := newMigrate(db)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrating index: %w", err)
	}
	return nil
}

// LatestVersion returns the newest embedded migration version.
func LatestVersion() (uint, error) {
	src, err := iofs.New(migrationFiles, "files")
	if err != nil {
		return 0, fmt.Errorf("reading migration files: %w", err)
	}
	defer src.Close()
	return lastVersion(src)
}

func newMigrate(db *sql.DB) (*migrate.Migrate, error) {
	src, err := iofs.New(migrationFiles, "files")
	if err != nil {
		return nil, fmt.Errorf("reading migration files: %w", err)
	}
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		src.Close()
		return nil, fmt.Errorf("creating sqlite migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		src.Close()
		return nil, fmt.Errorf("creating migrate instance: %w", err)
	}
	return m, nil
}

// lastVersion walks the source to its final migration. Next fails once
// there is none left.
func lastVersion(src source.Driver) (uint, error) {
	v, err := src.First()
	if err != nil {
		return 0, fmt.Errorf("no migrations embedded: %w", err)
	}
	for {
		next, err := src.Next(v)
		if err != nil {
			return v, nil
		}
		v = next
	}
}
