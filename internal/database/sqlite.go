package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"bv-go/internal/bv"
	"bv-go/internal/database/migrations"
	"bv-go/internal/model"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteDatabase implements the Database interface using SQLite.
type SQLiteDatabase struct {
	db   *sql.DB
	path string
}

// NewSQLiteDatabase creates a new SQLite database connection.
// path can be a file path or ":memory:" for in-memory database.
func NewSQLiteDatabase(path string) (*SQLiteDatabase, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}

	return &SQLiteDatabase{
		db:   db,
		path: path,
	}, nil
}

// NewSQLiteDatabaseFromDB wraps an existing database connection.
// The caller is responsible for ensuring the connection is properly configured.
func NewSQLiteDatabaseFromDB(db *sql.DB) *SQLiteDatabase {
	return &SQLiteDatabase{
		db:   db,
		path: "",
	}
}

// OpenConnection opens and configures a SQLite database connection with appropriate PRAGMAs.
// This is exported for use in tests that need a properly configured SQLite connection.
// path can be a file path or ":memory:" for in-memory database.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// The pool holds exactly one connection. An in-memory database exists
	// only on that connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	return db, nil
}

// Path returns the database file path (or ":memory:" for in-memory databases).
func (s *SQLiteDatabase) Path() string {
	return s.path
}

// Migrate brings the schema to the latest version.
func (s *SQLiteDatabase) Migrate() error {
	return migrations.MigrateUp(s.db)
}

// CheckMigrations verifies the database schema is up-to-date.
func (s *SQLiteDatabase) CheckMigrations() error {
	return migrations.CheckDBMigrationStatus(s.db)
}

// BackupTo creates a complete copy of the database at destPath using VACUUM INTO.
func (s *SQLiteDatabase) BackupTo(ctx context.Context, destPath string) error {
	_, err := s.db.ExecContext(ctx, "VACUUM INTO ?", destPath)
	if err != nil {
		return fmt.Errorf("backing up database: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteDatabase) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Begin starts a transaction. With the pool pinned to one connection, a
// second Begin blocks until the first transaction ends.
func (s *SQLiteDatabase) Begin(ctx context.Context) (bv.Transaction, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	return &Tx{tx: tx}, nil
}

// Tx is one open transaction against the index.
type Tx struct {
	tx   *sql.Tx
	done bool
}

func (t *Tx) Commit() error {
	if t.done {
		return fmt.Errorf("transaction already finished")
	}
	t.done = true
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// Rollback aborts the transaction. Rolling back a finished transaction is a no-op.
func (t *Tx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("rolling back transaction: %w", err)
	}
	return nil
}

func (t *Tx) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, query, args...)
}

func (t *Tx) insert(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (t *Tx) count(ctx context.Context, query string, args ...any) (int64, error) {
	var n int64
	err := t.tx.QueryRowContext(ctx, query, args...).Scan(&n)
	return n, err
}

func (t *Tx) int64s(ctx context.Context, query string, args ...any) ([]int64, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// Configuration

func (t *Tx) GetConfiguration(ctx context.Context) (map[string]string, error) {
	rows, err := t.tx.QueryContext(ctx, "SELECT key, value FROM configuration")
	if err != nil {
		return nil, fmt.Errorf("reading configuration: %w", err)
	}
	defer rows.Close()
	cfg := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("reading configuration: %w", err)
		}
		cfg[k] = v
	}
	return cfg, rows.Err()
}

func (t *Tx) SetConfiguration(ctx context.Context, key, value string) error {
	_, err := t.exec(ctx, `INSERT INTO configuration (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("setting configuration %s: %w", key, err)
	}
	return nil
}

// Operation log

func (t *Tx) CreateOperation(ctx context.Context, description string, startedAt time.Time) (int64, error) {
	id, err := t.insert(ctx, "INSERT INTO operations (description, started_at, status) VALUES (?, ?, ?)",
		description, startedAt.Unix(), model.OperationRunning)
	if err != nil {
		return 0, fmt.Errorf("creating operation: %w", err)
	}
	return id, nil
}

func (t *Tx) FinishOperation(ctx context.Context, id int64, status, errMsg string, finishedAt time.Time) error {
	_, err := t.exec(ctx, "UPDATE operations SET status = ?, error = ?, finished_at = ? WHERE id = ?",
		status, errMsg, finishedAt.Unix(), id)
	if err != nil {
		return fmt.Errorf("finishing operation %d: %w", id, err)
	}
	return nil
}

func (t *Tx) ListOperations(ctx context.Context, limit int) ([]*model.Operation, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT id, description, started_at, finished_at, status, error
		FROM operations ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing operations: %w", err)
	}
	defer rows.Close()

	var ops []*model.Operation
	for rows.Next() {
		var op model.Operation
		var started int64
		var finished sql.NullInt64
		if err := rows.Scan(&op.ID, &op.Description, &started, &finished, &op.Status, &op.Error); err != nil {
			return nil, fmt.Errorf("listing operations: %w", err)
		}
		op.StartedAt = unixTime(started)
		if finished.Valid {
			ft := unixTime(finished.Int64)
			op.FinishedAt = &ft
		}
		ops = append(ops, &op)
	}
	return ops, rows.Err()
}

// Blocklist cache

func (t *Tx) PutBlocklistCache(ctx context.Context, hash string, data []byte) error {
	_, err := t.exec(ctx, "INSERT OR REPLACE INTO blocklist_cache (hash, data) VALUES (?, ?)", hash, data)
	if err != nil {
		return fmt.Errorf("caching blocklist %s: %w", hash, err)
	}
	return nil
}

func (t *Tx) GetBlocklistCache(ctx context.Context, hash string) ([]byte, error) {
	var data []byte
	err := t.tx.QueryRowContext(ctx, "SELECT data FROM blocklist_cache WHERE hash = ?", hash).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading cached blocklist %s: %w", hash, err)
	}
	return data, nil
}

func (t *Tx) ClearBlocklistCache(ctx context.Context) error {
	if _, err := t.exec(ctx, "DELETE FROM blocklist_cache"); err != nil {
		return fmt.Errorf("clearing blocklist cache: %w", err)
	}
	return nil
}

func unixTime(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}

// Compile-time checks that the SQLite types implement the bv interfaces.
var (
	_ bv.Database    = (*SQLiteDatabase)(nil)
	_ bv.Transaction = (*Tx)(nil)
)
