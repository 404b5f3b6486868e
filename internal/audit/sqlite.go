package audit

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using a local SQLite file.
type SQLiteStore struct {
	sqlStore
	dbPath string
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite audit store.
// It creates the database file and schema if they don't exist.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteStore{
		sqlStore: sqlStore{db: db},
		dbPath:   dbPath,
	}, nil
}

// Path returns the database file path
func (s *SQLiteStore) Path() string { return s.dbPath }

// createSchema creates the database tables and indexes.
func createSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS pipeline_runs (
		id TEXT PRIMARY KEY,
		stage TEXT NOT NULL,
		feature_set TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		started_at DATETIME NOT NULL,
		finished_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_pipeline_runs_started_at ON pipeline_runs(started_at);

	CREATE TABLE IF NOT EXISTS filter_steps (
		run_id TEXT NOT NULL REFERENCES pipeline_runs(id) ON DELETE CASCADE,
		step_index INTEGER NOT NULL,
		step_name TEXT NOT NULL,
		n_prediction_times_before INTEGER NOT NULL,
		n_prediction_times_after INTEGER NOT NULL,
		n_ids_before INTEGER NOT NULL,
		n_ids_after INTEGER NOT NULL,
		recorded_at DATETIME NOT NULL,
		PRIMARY KEY (run_id, step_index)
	);
	`

	_, err := db.Exec(schema)
	return err
}
