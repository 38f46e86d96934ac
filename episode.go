package engram

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/engramdb/engram/internal/backend"
	"github.com/engramdb/engram/internal/store"
	"github.com/engramdb/engram/internal/vecmath"
)

// Episode is one raw experience: what was attempted, what happened and how
// it was judged. Episodes are append-only; consolidation is the only later
// mutation.
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

// Consolidated reports whether the episode has been folded into a skill.
func (e Episode) Consolidated() bool { return !e.ConsolidatedAt.IsZero() }

// EpisodeMatch is one search hit with its cosine similarity to the query.
type EpisodeMatch struct {
	Episode
	Similarity float64
}

// ConsolidateOptions controls which episode groups become skills. All three
// fields are required; there are no default thresholds.
type ConsolidateOptions struct {
	// MinGroupSize is the smallest group that may become a skill. At least 2.
	MinGroupSize int
	// MinSuccessRate is the success fraction, in [0, 1], a group must reach.
	MinSuccessRate float64
	// SimilarityThreshold is the cosine similarity, in (0, 1], at which two
	// episodes count as the same kind of work.
	SimilarityThreshold float64
}

func (o ConsolidateOptions) validate() error {
	if o.MinGroupSize < 2 {
		return fmt.Errorf("engram: consolidate needs a group size of at least 2, got %d", o.MinGroupSize)
	}
	if o.MinSuccessRate < 0 || o.MinSuccessRate > 1 {
		return fmt.Errorf("engram: consolidate success rate must be in [0, 1], got %g", o.MinSuccessRate)
	}
	if o.SimilarityThreshold <= 0 || o.SimilarityThreshold > 1 {
		return fmt.Errorf("engram: consolidate similarity threshold must be in (0, 1], got %g", o.SimilarityThreshold)
	}
	return nil
}

// ConsolidateReport summarizes one consolidation pass.
type ConsolidateReport struct {
	// Groups is how many qualifying groups were found.
	Groups int
	// SkillsCreated and SkillsUpdated count new and refreshed skills.
	SkillsCreated int
	SkillsUpdated int
	// Consolidated is how many episodes were marked.
	Consolidated int
}

// EpisodeStore holds raw experiences indexed by task similarity. Obtain it
// from Engine.Episodes.
type EpisodeStore struct {
	eng *Engine
	idx *memIndex
}

// Append stores one episode. The embedding is derived from the task and
// input when the caller does not supply one.
func (es *EpisodeStore) Append(ctx context.Context, ep Episode) (Episode, error) {
	if err := es.eng.checkOpen(); err != nil {
		return Episode{}, err
	}
	if ep.Task == "" {
		return Episode{}, fmt.Errorf("engram: episode needs a task")
	}

	var vec []float32
	var err error
	if len(ep.Embedding) > 0 {
		vec, err = es.idx.normalize(ep.Embedding)
	} else {
		vec, err = es.idx.embedText(ctx, episodeText(ep))
	}
	if err != nil {
		return Episode{}, err
	}

	row := store.Episode{
		ID:        ep.ID,
		SessionID: ep.SessionID,
		Task:      ep.Task,
		Input:     ep.Input,
		Output:    ep.Output,
		Critique:  ep.Critique,
		Reward:    ep.Reward,
		Success:   ep.Success,
		LatencyMS: ep.LatencyMS,
		Embedding: vec,
		CreatedAt: ep.CreatedAt,
	}
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}

	es.idx.mu.Lock()
	defer es.idx.mu.Unlock()

	change := es.idx.change(store.OpInsert, row.ID)
	if err := es.eng.st.InsertEpisode(ctx, row, change); err != nil {
		return Episode{}, err
	}
	es.idx.insert(ctx, row.ID, vec)
	es.idx.finish(change)
	return episodeFromStore(row), nil
}

// Get returns one episode by id.
func (es *EpisodeStore) Get(ctx context.Context, id string) (Episode, error) {
	if err := es.eng.checkOpen(); err != nil {
		return Episode{}, err
	}
	row, err := es.eng.st.GetEpisode(ctx, id)
	if err != nil {
		return Episode{}, notFound(err, "episode", id)
	}
	return episodeFromStore(row), nil
}

// Recent returns the newest episodes first.
func (es *EpisodeStore) Recent(ctx context.Context, limit int) ([]Episode, error) {
	if err := es.eng.checkOpen(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}
	rows, err := es.eng.st.RecentEpisodes(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Episode, len(rows))
	for i, row := range rows {
		out[i] = episodeFromStore(row)
	}
	return out, nil
}

// Search embeds the task and returns up to k similar episodes, newest first
// among similarity ties.
func (es *EpisodeStore) Search(ctx context.Context, task string, k int) ([]EpisodeMatch, error) {
	if err := es.eng.checkOpen(); err != nil {
		return nil, err
	}
	vec, err := es.idx.embedText(ctx, task)
	if err != nil {
		return nil, err
	}
	hits, err := es.idx.search(ctx, vec, k)
	if err != nil {
		return nil, err
	}

	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
	}
	rows, err := es.eng.st.EpisodesByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	out := make([]EpisodeMatch, 0, len(hits))
	for _, h := range hits {
		row, ok := rows[h.ID]
		if !ok {
			continue
		}
		out = append(out, EpisodeMatch{Episode: episodeFromStore(row), Similarity: 1 - h.Distance})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Consolidate folds groups of similar, successful, unconsolidated episodes
// into skills. A group qualifies when it has at least MinGroupSize members
// and its success fraction is at or above MinSuccessRate; the skill merges
// the group's uses and rewards into any existing skill of the same name.
// Consolidated episodes are marked and never revisited, so running the pass
// twice on unchanged data is a no-op.
func (es *EpisodeStore) Consolidate(ctx context.Context, opts ConsolidateOptions) (ConsolidateReport, error) {
	if err := es.eng.checkOpen(); err != nil {
		return ConsolidateReport{}, err
	}
	if err := opts.validate(); err != nil {
		return ConsolidateReport{}, err
	}

	// Episodes before skills, always, so this cannot deadlock against
	// writers taking either lock alone.
	es.idx.mu.Lock()
	defer es.idx.mu.Unlock()
	sl := es.eng.skills
	sl.idx.mu.Lock()
	defer sl.idx.mu.Unlock()

	rows, err := es.eng.st.UnconsolidatedEpisodes(ctx)
	if err != nil {
		return ConsolidateReport{}, err
	}

	var report ConsolidateReport
	now := time.Now().UTC()
	for _, group := range groupBySimilarity(rows, opts.SimilarityThreshold) {
		if len(group) < opts.MinGroupSize {
			continue
		}
		successes := 0
		for _, ep := range group {
			if ep.Success {
				successes++
			}
		}
		rate := float64(successes) / float64(len(group))
		if rate < opts.MinSuccessRate {
			continue
		}

		created, err := es.foldIntoSkill(ctx, sl, group, rate, now)
		if err != nil {
			return report, err
		}
		if created {
			report.SkillsCreated++
		} else {
			report.SkillsUpdated++
		}

		ids := make([]string, len(group))
		changes := make([]store.ChangeRecord, len(group))
		next := es.idx.epoch.Load()
		for i, ep := range group {
			ids[i] = ep.ID
			next++
			changes[i] = es.idx.changeAt(store.OpUpdate, ep.ID, next)
		}
		if err := es.eng.st.MarkEpisodesConsolidated(ctx, ids, now, changes); err != nil {
			return report, err
		}
		for _, change := range changes {
			es.idx.finish(change)
		}

		report.Groups++
		report.Consolidated += len(group)
	}
	return report, nil
}

// foldIntoSkill creates the skill for a group, or merges the group into the
// skill of the same name. Both index locks are held.
func (es *EpisodeStore) foldIntoSkill(ctx context.Context, sl *SkillLibrary, group []store.Episode, rate float64, now time.Time) (bool, error) {
	seed := group[0]
	name := skillNameFor(seed.Task)
	uses := int64(len(group))
	var rewardSum float64
	for _, ep := range group {
		rewardSum += ep.Reward
	}

	row, err := es.eng.st.GetSkill(ctx, name)
	switch {
	case err == nil:
		total := row.Uses + uses
		row.AvgReward = (row.AvgReward*float64(row.Uses) + rewardSum) / float64(total)
		row.SuccessRate = (row.SuccessRate*float64(row.Uses) + rate*float64(uses)) / float64(total)
		row.Uses = total
		row.UpdatedAt = now
		return false, sl.putLocked(ctx, row, store.OpUpdate)
	case errors.Is(err, store.ErrNotFound):
		row = store.Skill{
			Name:        name,
			Signature:   seed.Task,
			Embedding:   meanEmbedding(group),
			SuccessRate: rate,
			Uses:        uses,
			AvgReward:   rewardSum / float64(uses),
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		return true, sl.putLocked(ctx, row, store.OpInsert)
	default:
		return false, err
	}
}

// groupBySimilarity partitions episodes greedily: the oldest unassigned
// episode seeds a group and pulls in every later episode within the
// threshold of the seed.
func groupBySimilarity(rows []store.Episode, threshold float64) [][]store.Episode {
	var groups [][]store.Episode
	assigned := make([]bool, len(rows))
	for i := range rows {
		if assigned[i] || len(rows[i].Embedding) == 0 {
			continue
		}
		group := []store.Episode{rows[i]}
		assigned[i] = true
		for j := i + 1; j < len(rows); j++ {
			if assigned[j] || len(rows[j].Embedding) == 0 {
				continue
			}
			if vecmath.CosineSimilarity(rows[i].Embedding, rows[j].Embedding) >= threshold {
				group = append(group, rows[j])
				assigned[j] = true
			}
		}
		groups = append(groups, group)
	}
	return groups
}

// meanEmbedding averages the group's embeddings into one unit vector.
func meanEmbedding(group []store.Episode) []float32 {
	var mean []float32
	for _, ep := range group {
		if len(ep.Embedding) == 0 {
			continue
		}
		if mean == nil {
			mean = make([]float32, len(ep.Embedding))
		}
		for i, v := range ep.Embedding {
			mean[i] += v
		}
	}
	if mean == nil {
		return nil
	}
	n := float32(len(group))
	for i := range mean {
		mean[i] /= n
	}
	return vecmath.Normalize(mean)
}

func episodeText(ep Episode) string {
	if ep.Input == "" {
		return ep.Task
	}
	return ep.Task + "\n" + ep.Input
}

func episodeFromStore(e store.Episode) Episode {
	return Episode{
		ID:             e.ID,
		SessionID:      e.SessionID,
		Task:           e.Task,
		Input:          e.Input,
		Output:         e.Output,
		Critique:       e.Critique,
		Reward:         e.Reward,
		Success:        e.Success,
		LatencyMS:      e.LatencyMS,
		Embedding:      e.Embedding,
		CreatedAt:      e.CreatedAt,
		ConsolidatedAt: e.ConsolidatedAt,
	}
}

func (e *Engine) loadEpisodeRecords(ctx context.Context) ([]backend.Record, error) {
	rows, err := e.st.ListEpisodes(ctx)
	if err != nil {
		return nil, err
	}
	recs := make([]backend.Record, 0, len(rows))
	for _, ep := range rows {
		if len(ep.Embedding) == 0 {
			continue
		}
		recs = append(recs, backend.Record{ID: ep.ID, Vector: ep.Embedding})
	}
	return recs, nil
}
