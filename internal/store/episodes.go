package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/engramdb/engram/internal/vecmath"
)

// Episode is one persisted raw experience. Rows are append-only; the only
// later mutation is the consolidation marker.
type Episode struct {
	ID             string
	SessionID      string
	Task           string
	Input          string
	Output         string
	Critique       string
	Reward         float64
	Success        bool
	LatencyMS      int64
	Embedding      []float32
	CreatedAt      time.Time
	ConsolidatedAt time.Time
}

// Consolidated reports whether the episode has been folded into a pattern.
func (e Episode) Consolidated() bool { return !e.ConsolidatedAt.IsZero() }

// InsertEpisode appends the row and its change event in one transaction.
func (s *Store) InsertEpisode(ctx context.Context, e Episode, change ChangeRecord) error {
	return s.execTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO episodes (id, session_id, task, input, output, critique, reward, success, latency_ms, embedding, created_at, consolidated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)
		`, e.ID, e.SessionID, e.Task, e.Input, e.Output, e.Critique, e.Reward, boolToInt(e.Success), e.LatencyMS, vecmath.ToBytes(e.Embedding), e.CreatedAt.UTC())
		if err != nil {
			return err
		}
		return appendChangeTx(ctx, tx, change)
	})
}

// GetEpisode returns one episode by id, or ErrNotFound.
func (s *Store) GetEpisode(ctx context.Context, id string) (Episode, error) {
	row := s.db.QueryRowContext(ctx, episodeSelect+` WHERE id = ?`, id)
	return scanEpisode(row)
}

// EpisodesByIDs returns the episodes for the given ids, keyed by id.
// Missing ids are simply absent from the result.
func (s *Store) EpisodesByIDs(ctx context.Context, ids []string) (map[string]Episode, error) {
	if len(ids) == 0 {
		return map[string]Episode{}, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, episodeSelect+` WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]Episode, len(ids))
	for rows.Next() {
		e, err := scanEpisode(rows)
		if err != nil {
			return nil, err
		}
		out[e.ID] = e
	}
	return out, rows.Err()
}

// RecentEpisodes returns the newest episodes first. Ties on created_at fall
// back to insertion order, newest first.
func (s *Store) RecentEpisodes(ctx context.Context, limit int) ([]Episode, error) {
	rows, err := s.db.QueryContext(ctx, episodeSelect+` ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEpisodes(rows)
}

// UnconsolidatedEpisodes returns every episode not yet folded into a
// pattern, oldest first so consolidation replays history in order.
func (s *Store) UnconsolidatedEpisodes(ctx context.Context) ([]Episode, error) {
	rows, err := s.db.QueryContext(ctx, episodeSelect+` WHERE consolidated_at IS NULL ORDER BY created_at, rowid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEpisodes(rows)
}

// MarkEpisodesConsolidated stamps the given episodes and records their
// change events in one transaction. Callers pass one change per id.
func (s *Store) MarkEpisodesConsolidated(ctx context.Context, ids []string, at time.Time, changes []ChangeRecord) error {
	if len(ids) == 0 {
		return nil
	}
	return s.execTx(ctx, func(tx *sql.Tx) error {
		for i, id := range ids {
			_, err := tx.ExecContext(ctx, `
				UPDATE episodes SET consolidated_at = ? WHERE id = ?
			`, at.UTC(), id)
			if err != nil {
				return err
			}
			if err := appendChangeTx(ctx, tx, changes[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListEpisodes returns every episode in insertion order, for index rebuilds.
func (s *Store) ListEpisodes(ctx context.Context) ([]Episode, error) {
	rows, err := s.db.QueryContext(ctx, episodeSelect+` ORDER BY rowid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEpisodes(rows)
}

const episodeSelect = `SELECT id, session_id, task, input, output, critique, reward, success, latency_ms, embedding, created_at, consolidated_at FROM episodes`

func collectEpisodes(rows *sql.Rows) ([]Episode, error) {
	var out []Episode
	for rows.Next() {
		e, err := scanEpisode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEpisode(row rowScanner) (Episode, error) {
	var e Episode
	var blob []byte
	var success int
	var consolidated sql.NullTime
	err := row.Scan(&e.ID, &e.SessionID, &e.Task, &e.Input, &e.Output, &e.Critique, &e.Reward, &success, &e.LatencyMS, &blob, &e.CreatedAt, &consolidated)
	if err == sql.ErrNoRows {
		return Episode{}, ErrNotFound
	}
	if err != nil {
		return Episode{}, err
	}
	e.Success = success != 0
	if len(blob) > 0 {
		emb, err := vecmath.FromBytes(blob)
		if err != nil {
			return Episode{}, err
		}
		e.Embedding = emb
	}
	if consolidated.Valid {
		e.ConsolidatedAt = consolidated.Time
	}
	return e, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
