package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Collection describes a persisted collection and its backend parameters.
type Collection struct {
	Name           string
	Dims           int
	Metric         string
	Backend        string
	MaxElements    int
	EfConstruction int
	M              int
	Schema         map[string]string // metadata field -> declared type
	CreatedAt      time.Time
}

// InsertCollection persists a new collection descriptor. Inserting an
// existing name fails with the sqlite constraint error.
func (s *Store) InsertCollection(ctx context.Context, c Collection) error {
	schemaJSON, err := json.Marshal(c.Schema)
	if err != nil {
		return fmt.Errorf("store: encode collection schema: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO collections (name, dims, metric, backend, max_elements, ef_construction, m, schema_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, c.Name, c.Dims, c.Metric, c.Backend, c.MaxElements, c.EfConstruction, c.M, string(schemaJSON), c.CreatedAt.UTC())
	return err
}

// GetCollection returns the descriptor for name, or ErrNotFound.
func (s *Store) GetCollection(ctx context.Context, name string) (Collection, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT name, dims, metric, backend, max_elements, ef_construction, m, schema_json, created_at
		FROM collections WHERE name = ?
	`, name)
	return scanCollection(row)
}

// ListCollections returns all collection descriptors ordered by name.
func (s *Store) ListCollections(ctx context.Context) ([]Collection, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, dims, metric, backend, max_elements, ef_construction, m, schema_json, created_at
		FROM collections ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Collection
	for rows.Next() {
		c, err := scanCollection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteCollection removes the descriptor and every vector row it owns.
func (s *Store) DeleteCollection(ctx context.Context, name string) error {
	return s.execTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM collections WHERE name = ?`, name)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM vectors WHERE collection = ?`, name)
		return err
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCollection(row rowScanner) (Collection, error) {
	var c Collection
	var schemaJSON string
	err := row.Scan(&c.Name, &c.Dims, &c.Metric, &c.Backend, &c.MaxElements, &c.EfConstruction, &c.M, &schemaJSON, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return Collection{}, ErrNotFound
	}
	if err != nil {
		return Collection{}, err
	}
	if err := json.Unmarshal([]byte(schemaJSON), &c.Schema); err != nil {
		return Collection{}, fmt.Errorf("store: decode collection schema: %w", err)
	}
	return c, nil
}
