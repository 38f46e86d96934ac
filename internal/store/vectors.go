package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/engramdb/engram/internal/vecmath"
)

// VectorRow is one persisted vector record. Metadata is kept as raw JSON;
// the engine decodes it against the collection schema.
type VectorRow struct {
	Collection string
	ID         string
	Vector     []float32
	Norm       float64
	Metadata   []byte
	CreatedAt  time.Time
}

// UpsertVector writes the row and its change event in one transaction.
func (s *Store) UpsertVector(ctx context.Context, row VectorRow, change ChangeRecord) error {
	return s.execTx(ctx, func(tx *sql.Tx) error {
		if err := upsertVectorTx(ctx, tx, row); err != nil {
			return err
		}
		return appendChangeTx(ctx, tx, change)
	})
}

// BatchUpsertVectors writes all rows and their change events in one
// transaction, so a batch is never half-persisted.
func (s *Store) BatchUpsertVectors(ctx context.Context, rows []VectorRow, changes []ChangeRecord) error {
	return s.execTx(ctx, func(tx *sql.Tx) error {
		for _, row := range rows {
			if err := upsertVectorTx(ctx, tx, row); err != nil {
				return err
			}
		}
		for _, change := range changes {
			if err := appendChangeTx(ctx, tx, change); err != nil {
				return err
			}
		}
		return nil
	})
}

func upsertVectorTx(ctx context.Context, tx *sql.Tx, row VectorRow) error {
	meta := row.Metadata
	if len(meta) == 0 {
		meta = []byte("{}")
	}
	_, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO vectors (collection, id, vector, norm, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, row.Collection, row.ID, vecmath.ToBytes(row.Vector), row.Norm, string(meta), row.CreatedAt.UTC())
	return err
}

// GetVector returns one row, or ErrNotFound.
func (s *Store) GetVector(ctx context.Context, collection, id string) (VectorRow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT collection, id, vector, norm, metadata, created_at
		FROM vectors WHERE collection = ? AND id = ?
	`, collection, id)
	return scanVector(row)
}

// DeleteVector removes the row and records its change event. Returns
// ErrNotFound if the id is absent, leaving the change log untouched.
func (s *Store) DeleteVector(ctx context.Context, collection, id string, change ChangeRecord) error {
	return s.execTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM vectors WHERE collection = ? AND id = ?`, collection, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return appendChangeTx(ctx, tx, change)
	})
}

// LoadVectors returns every row of a collection in insertion order, for
// index rebuilds and export.
func (s *Store) LoadVectors(ctx context.Context, collection string) ([]VectorRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT collection, id, vector, norm, metadata, created_at
		FROM vectors WHERE collection = ? ORDER BY rowid
	`, collection)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []VectorRow
	for rows.Next() {
		v, err := scanVector(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// CountVectors returns the number of rows in a collection.
func (s *Store) CountVectors(ctx context.Context, collection string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM vectors WHERE collection = ?`, collection).Scan(&n)
	return n, err
}

func scanVector(row rowScanner) (VectorRow, error) {
	var v VectorRow
	var blob []byte
	var meta string
	err := row.Scan(&v.Collection, &v.ID, &blob, &v.Norm, &meta, &v.CreatedAt)
	if err == sql.ErrNoRows {
		return VectorRow{}, ErrNotFound
	}
	if err != nil {
		return VectorRow{}, err
	}
	vec, err := vecmath.FromBytes(blob)
	if err != nil {
		return VectorRow{}, err
	}
	v.Vector = vec
	v.Metadata = []byte(meta)
	return v, nil
}
