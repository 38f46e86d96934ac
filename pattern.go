package engram

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/engramdb/engram/internal/backend"
	"github.com/engramdb/engram/internal/ranking"
	"github.com/engramdb/engram/internal/store"
)

// Pattern is one reusable strategy: what kind of task it applies to, how to
// approach it, and how well it has worked so far. Identity for Store is the
// (TaskType, Approach) pair.
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

// PatternMatch is one search hit with its cosine similarity to the query.
type PatternMatch struct {
	Pattern
	Similarity float64
}

// PatternStore holds reusable strategies indexed by approach similarity.
// Obtain it from Engine.Patterns.
type PatternStore struct {
	eng *Engine
	idx *memIndex
}

// Store upserts a pattern by its (TaskType, Approach) identity. When the
// identity already exists the stored ID, CreatedAt, Uses and LastUsed are
// preserved and the rest of the row is replaced. The embedding is derived
// from the task type and approach when the caller does not supply one.
func (ps *PatternStore) Store(ctx context.Context, p Pattern) (Pattern, error) {
	if err := ps.eng.checkOpen(); err != nil {
		return Pattern{}, err
	}
	if p.TaskType == "" || p.Approach == "" {
		return Pattern{}, fmt.Errorf("engram: pattern needs a task type and an approach")
	}

	var vec []float32
	var err error
	if len(p.Embedding) > 0 {
		vec, err = ps.idx.normalize(p.Embedding)
	} else {
		vec, err = ps.idx.embedText(ctx, p.TaskType+": "+p.Approach)
	}
	if err != nil {
		return Pattern{}, err
	}

	row := store.Pattern{
		ID:          p.ID,
		TaskType:    p.TaskType,
		Approach:    p.Approach,
		Embedding:   vec,
		SuccessRate: ranking.Clamp(p.SuccessRate, ranking.ScoreFloor, ranking.ScoreCeiling),
		Uses:        p.Uses,
		AvgReward:   ranking.Clamp(p.AvgReward, ranking.ScoreFloor, ranking.ScoreCeiling),
		Tags:        p.Tags,
		LastUsed:    p.LastUsed,
		CreatedAt:   p.CreatedAt,
	}

	ps.idx.mu.Lock()
	defer ps.idx.mu.Unlock()

	op := store.OpInsert
	prev, err := ps.eng.st.GetPatternByIdentity(ctx, p.TaskType, p.Approach)
	switch {
	case err == nil:
		op = store.OpUpdate
		row.ID = prev.ID
		row.CreatedAt = prev.CreatedAt
		row.Uses = prev.Uses
		row.LastUsed = prev.LastUsed
	case errors.Is(err, store.ErrNotFound):
		if row.ID == "" {
			row.ID = uuid.NewString()
		}
		if row.CreatedAt.IsZero() {
			row.CreatedAt = time.Now().UTC()
		}
	default:
		return Pattern{}, err
	}

	change := ps.idx.change(op, row.ID)
	if err := ps.eng.st.PutPattern(ctx, row, change); err != nil {
		return Pattern{}, err
	}
	ps.idx.insert(ctx, row.ID, vec)
	ps.idx.finish(change)
	return patternFromStore(row), nil
}

// Search embeds the task, returns up to k patterns at or above minSimilarity
// ranked by similarity then success rate, and bumps Uses and LastUsed on
// every returned pattern. Callers that must not leave that trace use Peek.
func (ps *PatternStore) Search(ctx context.Context, task string, k int, minSimilarity float64) ([]PatternMatch, error) {
	matches, err := ps.lookup(ctx, task, k, minSimilarity)
	if err != nil || len(matches) == 0 {
		return matches, err
	}

	now := time.Now().UTC()
	ids := make([]string, len(matches))
	for i := range matches {
		ids[i] = matches[i].ID
	}
	if err := ps.eng.st.TouchPatterns(ctx, ids, now); err != nil {
		return nil, err
	}
	for i := range matches {
		matches[i].Uses++
		matches[i].LastUsed = now
	}
	return matches, nil
}

// Peek is Search without the Uses/LastUsed side effect.
func (ps *PatternStore) Peek(ctx context.Context, task string, k int, minSimilarity float64) ([]PatternMatch, error) {
	return ps.lookup(ctx, task, k, minSimilarity)
}

func (ps *PatternStore) lookup(ctx context.Context, task string, k int, minSimilarity float64) ([]PatternMatch, error) {
	if err := ps.eng.checkOpen(); err != nil {
		return nil, err
	}
	vec, err := ps.idx.embedText(ctx, task)
	if err != nil {
		return nil, err
	}
	hits, err := ps.idx.search(ctx, vec, k)
	if err != nil {
		return nil, err
	}

	kept := hits[:0:0]
	ids := make([]string, 0, len(hits))
	for _, h := range hits {
		if 1-h.Distance < minSimilarity {
			continue
		}
		kept = append(kept, h)
		ids = append(ids, h.ID)
	}
	rows, err := ps.eng.st.PatternsByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	out := make([]PatternMatch, 0, len(kept))
	for _, h := range kept {
		row, ok := rows[h.ID]
		if !ok {
			continue
		}
		out = append(out, PatternMatch{Pattern: patternFromStore(row), Similarity: 1 - h.Distance})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		if out[i].SuccessRate != out[j].SuccessRate {
			return out[i].SuccessRate > out[j].SuccessRate
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Get returns one pattern by id.
func (ps *PatternStore) Get(ctx context.Context, id string) (Pattern, error) {
	if err := ps.eng.checkOpen(); err != nil {
		return Pattern{}, err
	}
	row, err := ps.eng.st.GetPattern(ctx, id)
	if err != nil {
		return Pattern{}, notFound(err, "pattern", id)
	}
	return patternFromStore(row), nil
}

// RecordOutcome folds one observed outcome into the pattern's success rate
// and average reward. Both move by exponential moving average and stay
// clamped to [0, 1].
func (ps *PatternStore) RecordOutcome(ctx context.Context, id string, success bool, reward float64) (Pattern, error) {
	if err := ps.eng.checkOpen(); err != nil {
		return Pattern{}, err
	}

	ps.idx.mu.Lock()
	defer ps.idx.mu.Unlock()

	row, err := ps.eng.st.GetPattern(ctx, id)
	if err != nil {
		return Pattern{}, notFound(err, "pattern", id)
	}
	cfg := ranking.DefaultOutcomeConfig()
	row.SuccessRate = ranking.EMA(row.SuccessRate, ranking.Outcome(success), cfg.SuccessAlpha)
	row.AvgReward = ranking.EMA(row.AvgReward, reward, cfg.RewardAlpha)

	change := ps.idx.change(store.OpUpdate, id)
	if err := ps.eng.st.UpdatePatternOutcome(ctx, id, row.SuccessRate, row.AvgReward, change); err != nil {
		return Pattern{}, notFound(err, "pattern", id)
	}
	ps.idx.finish(change)
	return patternFromStore(row), nil
}

func patternFromStore(p store.Pattern) Pattern {
	return Pattern{
		ID:          p.ID,
		TaskType:    p.TaskType,
		Approach:    p.Approach,
		Embedding:   p.Embedding,
		SuccessRate: p.SuccessRate,
		Uses:        p.Uses,
		AvgReward:   p.AvgReward,
		Tags:        p.Tags,
		LastUsed:    p.LastUsed,
		CreatedAt:   p.CreatedAt,
	}
}

func (e *Engine) loadPatternRecords(ctx context.Context) ([]backend.Record, error) {
	rows, err := e.st.ListPatterns(ctx)
	if err != nil {
		return nil, err
	}
	recs := make([]backend.Record, 0, len(rows))
	for _, p := range rows {
		if len(p.Embedding) == 0 {
			continue
		}
		recs = append(recs, backend.Record{ID: p.ID, Vector: p.Embedding})
	}
	return recs, nil
}
