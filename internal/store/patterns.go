package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/engramdb/engram/internal/vecmath"
)

// Pattern is one persisted reusable strategy. Identity for upserts is the
// (TaskType, Approach) pair; ID stays stable across re-stores.
type Pattern struct {
	ID          string
	TaskType    string
	Approach    string
	Embedding   []float32
	SuccessRate float64
	Uses        int64
	AvgReward   float64
	Tags        []string
	LastUsed    time.Time
	CreatedAt   time.Time
}

// PutPattern writes the row and its change event in one transaction.
func (s *Store) PutPattern(ctx context.Context, p Pattern, change ChangeRecord) error {
	tagsJSON, err := json.Marshal(p.Tags)
	if err != nil {
		return fmt.Errorf("store: encode pattern tags: %w", err)
	}
	var lastUsed any
	if !p.LastUsed.IsZero() {
		lastUsed = p.LastUsed.UTC()
	}
	return s.execTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO patterns (id, task_type, approach, embedding, success_rate, uses, avg_reward, tags, last_used, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, p.ID, p.TaskType, p.Approach, vecmath.ToBytes(p.Embedding), p.SuccessRate, p.Uses, p.AvgReward, string(tagsJSON), lastUsed, p.CreatedAt.UTC())
		if err != nil {
			return err
		}
		return appendChangeTx(ctx, tx, change)
	})
}

// GetPattern returns one pattern by id, or ErrNotFound.
func (s *Store) GetPattern(ctx context.Context, id string) (Pattern, error) {
	row := s.db.QueryRowContext(ctx, patternSelect+` WHERE id = ?`, id)
	return scanPattern(row)
}

// GetPatternByIdentity returns the pattern with the given upsert identity,
// or ErrNotFound.
func (s *Store) GetPatternByIdentity(ctx context.Context, taskType, approach string) (Pattern, error) {
	row := s.db.QueryRowContext(ctx, patternSelect+` WHERE task_type = ? AND approach = ?`, taskType, approach)
	return scanPattern(row)
}

// PatternsByIDs returns the patterns for the given ids, keyed by id.
// Missing ids are simply absent from the result.
func (s *Store) PatternsByIDs(ctx context.Context, ids []string) (map[string]Pattern, error) {
	if len(ids) == 0 {
		return map[string]Pattern{}, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, patternSelect+` WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]Pattern, len(ids))
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, err
		}
		out[p.ID] = p
	}
	return out, rows.Err()
}

// TouchPatterns applies the read-through side effect: uses+1 and a fresh
// last_used for every returned search result. No change event; the touch
// never affects ranking or search results.
func (s *Store) TouchPatterns(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	return s.execTx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			_, err := tx.ExecContext(ctx, `
				UPDATE patterns SET uses = uses + 1, last_used = ? WHERE id = ?
			`, at.UTC(), id)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// UpdatePatternOutcome writes the reinforced rates and records the change
// event. Returns ErrNotFound for an unknown id.
func (s *Store) UpdatePatternOutcome(ctx context.Context, id string, successRate, avgReward float64, change ChangeRecord) error {
	return s.execTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE patterns SET success_rate = ?, avg_reward = ? WHERE id = ?
		`, successRate, avgReward, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return appendChangeTx(ctx, tx, change)
	})
}

// ListPatterns returns every pattern in insertion order, for index rebuilds.
func (s *Store) ListPatterns(ctx context.Context) ([]Pattern, error) {
	rows, err := s.db.QueryContext(ctx, patternSelect+` ORDER BY rowid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Pattern
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

const patternSelect = `SELECT id, task_type, approach, embedding, success_rate, uses, avg_reward, tags, last_used, created_at FROM patterns`

func scanPattern(row rowScanner) (Pattern, error) {
	var p Pattern
	var blob []byte
	var tagsJSON string
	var lastUsed sql.NullTime
	err := row.Scan(&p.ID, &p.TaskType, &p.Approach, &blob, &p.SuccessRate, &p.Uses, &p.AvgReward, &tagsJSON, &lastUsed, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return Pattern{}, ErrNotFound
	}
	if err != nil {
		return Pattern{}, err
	}
	if len(blob) > 0 {
		emb, err := vecmath.FromBytes(blob)
		if err != nil {
			return Pattern{}, err
		}
		p.Embedding = emb
	}
	if err := json.Unmarshal([]byte(tagsJSON), &p.Tags); err != nil {
		return Pattern{}, fmt.Errorf("store: decode pattern tags: %w", err)
	}
	if lastUsed.Valid {
		p.LastUsed = lastUsed.Time
	}
	return p, nil
}
