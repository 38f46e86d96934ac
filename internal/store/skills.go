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

// Skill is one persisted executable capability, keyed by name.
type Skill struct {
	Name          string
	Signature     string
	CodeRef       string
	Embedding     []float32
	SuccessRate   float64
	Uses          int64
	AvgReward     float64
	Prerequisites []string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// PutSkill writes the row and its change event in one transaction. Re-adding
// an existing name replaces the row.
func (s *Store) PutSkill(ctx context.Context, sk Skill, change ChangeRecord) error {
	prereqJSON, err := json.Marshal(sk.Prerequisites)
	if err != nil {
		return fmt.Errorf("store: encode skill prerequisites: %w", err)
	}
	return s.execTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO skills (name, signature, code_ref, embedding, success_rate, uses, avg_reward, prerequisites, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, sk.Name, sk.Signature, sk.CodeRef, vecmath.ToBytes(sk.Embedding), sk.SuccessRate, sk.Uses, sk.AvgReward, string(prereqJSON), sk.CreatedAt.UTC(), sk.UpdatedAt.UTC())
		if err != nil {
			return err
		}
		return appendChangeTx(ctx, tx, change)
	})
}

// GetSkill returns one skill by name, or ErrNotFound.
func (s *Store) GetSkill(ctx context.Context, name string) (Skill, error) {
	row := s.db.QueryRowContext(ctx, skillSelect+` WHERE name = ?`, name)
	return scanSkill(row)
}

// SkillsByNames returns the skills for the given names, keyed by name.
// Missing names are simply absent from the result.
func (s *Store) SkillsByNames(ctx context.Context, names []string) (map[string]Skill, error) {
	if len(names) == 0 {
		return map[string]Skill{}, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(names)), ",")
	args := make([]any, len(names))
	for i, name := range names {
		args[i] = name
	}
	rows, err := s.db.QueryContext(ctx, skillSelect+` WHERE name IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]Skill, len(names))
	for rows.Next() {
		sk, err := scanSkill(rows)
		if err != nil {
			return nil, err
		}
		out[sk.Name] = sk
	}
	return out, rows.Err()
}

// ListSkills returns every skill in insertion order, for index rebuilds and
// composition resolution.
func (s *Store) ListSkills(ctx context.Context) ([]Skill, error) {
	rows, err := s.db.QueryContext(ctx, skillSelect+` ORDER BY rowid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Skill
	for rows.Next() {
		sk, err := scanSkill(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sk)
	}
	return out, rows.Err()
}

const skillSelect = `SELECT name, signature, code_ref, embedding, success_rate, uses, avg_reward, prerequisites, created_at, updated_at FROM skills`

func scanSkill(row rowScanner) (Skill, error) {
	var sk Skill
	var blob []byte
	var prereqJSON string
	err := row.Scan(&sk.Name, &sk.Signature, &sk.CodeRef, &blob, &sk.SuccessRate, &sk.Uses, &sk.AvgReward, &prereqJSON, &sk.CreatedAt, &sk.UpdatedAt)
	if err == sql.ErrNoRows {
		return Skill{}, ErrNotFound
	}
	if err != nil {
		return Skill{}, err
	}
	if len(blob) > 0 {
		emb, err := vecmath.FromBytes(blob)
		if err != nil {
			return Skill{}, err
		}
		sk.Embedding = emb
	}
	if err := json.Unmarshal([]byte(prereqJSON), &sk.Prerequisites); err != nil {
		return Skill{}, fmt.Errorf("store: decode skill prerequisites: %w", err)
	}
	return sk, nil
}
