package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/engramdb/engram/internal/vecmath"
)

// CausalEdge is one persisted cause/effect hypothesis.
type CausalEdge struct {
	ID          string
	CauseID     string
	EffectID    string
	Description string
	Uplift      float64
	Confidence  float64
	Embedding   []float32
	CreatedAt   time.Time
}

// InsertCausalEdge appends the row and its change event in one transaction.
func (s *Store) InsertCausalEdge(ctx context.Context, e CausalEdge, change ChangeRecord) error {
	return s.execTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO causal_edges (id, cause_id, effect_id, description, uplift, confidence, embedding, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, e.ID, e.CauseID, e.EffectID, e.Description, e.Uplift, e.Confidence, vecmath.ToBytes(e.Embedding), e.CreatedAt.UTC())
		if err != nil {
			return err
		}
		return appendChangeTx(ctx, tx, change)
	})
}

// GetCausalEdge returns one edge by id, or ErrNotFound.
func (s *Store) GetCausalEdge(ctx context.Context, id string) (CausalEdge, error) {
	row := s.db.QueryRowContext(ctx, causalSelect+` WHERE id = ?`, id)
	return scanCausalEdge(row)
}

// CausalEdgesByIDs returns the edges for the given ids, keyed by id.
// Missing ids are simply absent from the result.
func (s *Store) CausalEdgesByIDs(ctx context.Context, ids []string) (map[string]CausalEdge, error) {
	if len(ids) == 0 {
		return map[string]CausalEdge{}, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, causalSelect+` WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]CausalEdge, len(ids))
	for rows.Next() {
		e, err := scanCausalEdge(rows)
		if err != nil {
			return nil, err
		}
		out[e.ID] = e
	}
	return out, rows.Err()
}

// CausalEdgesFrom returns the edges whose cause is the given record id.
func (s *Store) CausalEdgesFrom(ctx context.Context, causeID string) ([]CausalEdge, error) {
	rows, err := s.db.QueryContext(ctx, causalSelect+` WHERE cause_id = ? ORDER BY rowid`, causeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectCausalEdges(rows)
}

// ListCausalEdges returns every edge in insertion order, for index rebuilds.
func (s *Store) ListCausalEdges(ctx context.Context) ([]CausalEdge, error) {
	rows, err := s.db.QueryContext(ctx, causalSelect+` ORDER BY rowid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectCausalEdges(rows)
}

const causalSelect = `SELECT id, cause_id, effect_id, description, uplift, confidence, embedding, created_at FROM causal_edges`

func collectCausalEdges(rows *sql.Rows) ([]CausalEdge, error) {
	var out []CausalEdge
	for rows.Next() {
		e, err := scanCausalEdge(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanCausalEdge(row rowScanner) (CausalEdge, error) {
	var e CausalEdge
	var blob []byte
	err := row.Scan(&e.ID, &e.CauseID, &e.EffectID, &e.Description, &e.Uplift, &e.Confidence, &blob, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return CausalEdge{}, ErrNotFound
	}
	if err != nil {
		return CausalEdge{}, err
	}
	if len(blob) > 0 {
		emb, err := vecmath.FromBytes(blob)
		if err != nil {
			return CausalEdge{}, err
		}
		e.Embedding = emb
	}
	return e, nil
}
