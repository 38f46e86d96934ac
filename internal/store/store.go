// Package store provides the durable sqlite layer: collection descriptors,
// vector rows, the typed memory tables and the change log. It is the source
// of truth the in-memory indexes are rebuilt from.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// DBFileName is the sqlite database file created inside the data directory.
const DBFileName = "engram.db"

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("store: not found")

// Store wraps the sqlite database. Safe for concurrent use; sqlite-level
// write contention is absorbed by the busy_timeout pragma.
type Store struct {
	db  *sql.DB
	dir string
}

// Open creates the data directory if needed, opens the database with WAL
// mode and runs migrations.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("store: create data dir: %w", err)
	}
	if err := EnsureGitignore(dir); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", filepath.Join(dir, DBFileName))
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA cache_size = -2000",
		"PRAGMA mmap_size = 67108864",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: pragma %q: %w", p, err)
		}
	}

	s := &Store{db: db, dir: dir}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migration: %w", err)
	}
	return s, nil
}

// Dir returns the data directory the store was opened in.
func (s *Store) Dir() string {
	return s.dir
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS collections (
			name            TEXT PRIMARY KEY,
			dims            INTEGER NOT NULL,
			metric          TEXT NOT NULL,
			backend         TEXT NOT NULL,
			max_elements    INTEGER NOT NULL DEFAULT 0,
			ef_construction INTEGER NOT NULL DEFAULT 0,
			m               INTEGER NOT NULL DEFAULT 0,
			schema_json     TEXT NOT NULL DEFAULT '{}',
			created_at      DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS vectors (
			collection TEXT NOT NULL,
			id         TEXT NOT NULL,
			vector     BLOB NOT NULL,
			norm       REAL NOT NULL DEFAULT 0,
			metadata   TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL,
			PRIMARY KEY (collection, id)
		);
		CREATE INDEX IF NOT EXISTS idx_vectors_norm ON vectors(collection, norm);

		CREATE TABLE IF NOT EXISTS patterns (
			id           TEXT PRIMARY KEY,
			task_type    TEXT NOT NULL,
			approach     TEXT NOT NULL,
			embedding    BLOB,
			success_rate REAL NOT NULL DEFAULT 0,
			uses         INTEGER NOT NULL DEFAULT 0,
			avg_reward   REAL NOT NULL DEFAULT 0,
			tags         TEXT NOT NULL DEFAULT '[]',
			last_used    DATETIME,
			created_at   DATETIME NOT NULL,
			UNIQUE (task_type, approach)
		);
		CREATE INDEX IF NOT EXISTS idx_patterns_task_type ON patterns(task_type);

		CREATE TABLE IF NOT EXISTS episodes (
			id              TEXT PRIMARY KEY,
			session_id      TEXT NOT NULL,
			task            TEXT NOT NULL,
			input           TEXT NOT NULL DEFAULT '',
			output          TEXT NOT NULL DEFAULT '',
			critique        TEXT NOT NULL DEFAULT '',
			reward          REAL NOT NULL DEFAULT 0,
			success         INTEGER NOT NULL DEFAULT 0,
			latency_ms      INTEGER NOT NULL DEFAULT 0,
			embedding       BLOB,
			created_at      DATETIME NOT NULL,
			consolidated_at DATETIME
		);
		CREATE INDEX IF NOT EXISTS idx_episodes_created ON episodes(created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_episodes_session ON episodes(session_id);

		CREATE TABLE IF NOT EXISTS skills (
			name          TEXT PRIMARY KEY,
			signature     TEXT NOT NULL DEFAULT '',
			code_ref      TEXT NOT NULL DEFAULT '',
			embedding     BLOB,
			success_rate  REAL NOT NULL DEFAULT 0,
			uses          INTEGER NOT NULL DEFAULT 0,
			avg_reward    REAL NOT NULL DEFAULT 0,
			prerequisites TEXT NOT NULL DEFAULT '[]',
			created_at    DATETIME NOT NULL,
			updated_at    DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS causal_edges (
			id          TEXT PRIMARY KEY,
			cause_id    TEXT NOT NULL,
			effect_id   TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			uplift      REAL NOT NULL DEFAULT 0,
			confidence  REAL NOT NULL DEFAULT 0,
			embedding   BLOB,
			created_at  DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_causal_edges_cause ON causal_edges(cause_id);

		CREATE TABLE IF NOT EXISTS change_log (
			seq        INTEGER PRIMARY KEY AUTOINCREMENT,
			op         TEXT NOT NULL,
			collection TEXT NOT NULL,
			record_id  TEXT NOT NULL,
			epoch      INTEGER NOT NULL,
			ts         DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_change_log_collection ON change_log(collection, epoch);
	`
	_, err := s.db.Exec(schema)
	return err
}

// execTx runs fn inside a transaction, committing on success.
func (s *Store) execTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
