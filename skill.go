package engram

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/engramdb/engram/internal/backend"
	"github.com/engramdb/engram/internal/ranking"
	"github.com/engramdb/engram/internal/store"
)

// Skill is one executable capability, keyed by name. Prerequisites name
// other skills that must run first; the library keeps the prerequisite
// graph acyclic.
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

// SkillMatch is one search hit with its cosine similarity to the query.
type SkillMatch struct {
	Skill
	Similarity float64
}

// SkillLibrary holds skills indexed by description similarity. Obtain it
// from Engine.Skills.
type SkillLibrary struct {
	eng *Engine
	idx *memIndex
}

// Add stores a skill, replacing any existing skill of the same name while
// preserving its CreatedAt and accumulated Uses. Every prerequisite must
// already exist, and the add is rejected when it would make the
// prerequisite graph cyclic. The embedding is derived from the name and
// signature when the caller does not supply one.
func (sl *SkillLibrary) Add(ctx context.Context, sk Skill) (Skill, error) {
	if err := sl.eng.checkOpen(); err != nil {
		return Skill{}, err
	}
	if sk.Name == "" {
		return Skill{}, fmt.Errorf("engram: skill needs a name")
	}

	var vec []float32
	var err error
	if len(sk.Embedding) > 0 {
		vec, err = sl.idx.normalize(sk.Embedding)
	} else {
		vec, err = sl.idx.embedText(ctx, skillText(sk))
	}
	if err != nil {
		return Skill{}, err
	}

	sl.idx.mu.Lock()
	defer sl.idx.mu.Unlock()

	if len(sk.Prerequisites) > 0 {
		known, err := sl.eng.st.SkillsByNames(ctx, sk.Prerequisites)
		if err != nil {
			return Skill{}, err
		}
		for _, p := range sk.Prerequisites {
			if p == sk.Name {
				continue
			}
			if _, ok := known[p]; !ok {
				return Skill{}, &NotFoundError{Kind: "skill", ID: p}
			}
		}
	}
	if err := sl.checkAcyclic(ctx, sk.Name, sk.Prerequisites); err != nil {
		return Skill{}, err
	}

	now := time.Now().UTC()
	row := store.Skill{
		Name:          sk.Name,
		Signature:     sk.Signature,
		CodeRef:       sk.CodeRef,
		Embedding:     vec,
		SuccessRate:   ranking.Clamp(sk.SuccessRate, ranking.ScoreFloor, ranking.ScoreCeiling),
		Uses:          sk.Uses,
		AvgReward:     ranking.Clamp(sk.AvgReward, ranking.ScoreFloor, ranking.ScoreCeiling),
		Prerequisites: sk.Prerequisites,
		CreatedAt:     sk.CreatedAt,
		UpdatedAt:     now,
	}

	op := store.OpInsert
	prev, err := sl.eng.st.GetSkill(ctx, sk.Name)
	switch {
	case err == nil:
		op = store.OpUpdate
		row.CreatedAt = prev.CreatedAt
		row.Uses = prev.Uses
	case errors.Is(err, store.ErrNotFound):
		if row.CreatedAt.IsZero() {
			row.CreatedAt = now
		}
	default:
		return Skill{}, err
	}

	if err := sl.putLocked(ctx, row, op); err != nil {
		return Skill{}, err
	}
	return skillFromStore(row), nil
}

// putLocked writes one skill row and applies it to the index. The index
// lock is held by the caller.
func (sl *SkillLibrary) putLocked(ctx context.Context, row store.Skill, op string) error {
	change := sl.idx.change(op, row.Name)
	if err := sl.eng.st.PutSkill(ctx, row, change); err != nil {
		return err
	}
	sl.idx.insert(ctx, row.Name, row.Embedding)
	sl.idx.finish(change)
	return nil
}

// Get returns one skill by name.
func (sl *SkillLibrary) Get(ctx context.Context, name string) (Skill, error) {
	if err := sl.eng.checkOpen(); err != nil {
		return Skill{}, err
	}
	row, err := sl.eng.st.GetSkill(ctx, name)
	if err != nil {
		return Skill{}, notFound(err, "skill", name)
	}
	return skillFromStore(row), nil
}

// Search embeds the text and returns up to k similar skills ranked by
// similarity then success rate.
func (sl *SkillLibrary) Search(ctx context.Context, text string, k int) ([]SkillMatch, error) {
	if err := sl.eng.checkOpen(); err != nil {
		return nil, err
	}
	vec, err := sl.idx.embedText(ctx, text)
	if err != nil {
		return nil, err
	}
	return sl.searchVec(ctx, vec, k)
}

// SearchByEmbedding is Search for callers that already hold a vector.
func (sl *SkillLibrary) SearchByEmbedding(ctx context.Context, vec []float32, k int) ([]SkillMatch, error) {
	if err := sl.eng.checkOpen(); err != nil {
		return nil, err
	}
	norm, err := sl.idx.normalize(vec)
	if err != nil {
		return nil, err
	}
	return sl.searchVec(ctx, norm, k)
}

func (sl *SkillLibrary) searchVec(ctx context.Context, vec []float32, k int) ([]SkillMatch, error) {
	hits, err := sl.idx.search(ctx, vec, k)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(hits))
	for i, h := range hits {
		names[i] = h.ID
	}
	rows, err := sl.eng.st.SkillsByNames(ctx, names)
	if err != nil {
		return nil, err
	}

	out := make([]SkillMatch, 0, len(hits))
	for _, h := range hits {
		row, ok := rows[h.ID]
		if !ok {
			continue
		}
		out = append(out, SkillMatch{Skill: skillFromStore(row), Similarity: 1 - h.Distance})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		if out[i].SuccessRate != out[j].SuccessRate {
			return out[i].SuccessRate > out[j].SuccessRate
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// ResolveComposition returns the skill's prerequisite closure in execution
// order: every prerequisite before the skills that need it, the named skill
// last. Add keeps the graph acyclic, so a CyclicDependencyError here means
// stored integrity was broken outside this process.
func (sl *SkillLibrary) ResolveComposition(ctx context.Context, name string) ([]Skill, error) {
	if err := sl.eng.checkOpen(); err != nil {
		return nil, err
	}

	const (
		white = iota
		gray
		black
	)
	color := map[string]int{}
	var path []string
	var out []Skill

	var visit func(string) error
	visit = func(n string) error {
		color[n] = gray
		path = append(path, n)
		row, err := sl.eng.st.GetSkill(ctx, n)
		if err != nil {
			return notFound(err, "skill", n)
		}
		for _, p := range row.Prerequisites {
			switch color[p] {
			case gray:
				return cycleAt(path, p)
			case white:
				if err := visit(p); err != nil {
					return err
				}
			}
		}
		color[n] = black
		path = path[:len(path)-1]
		out = append(out, skillFromStore(row))
		return nil
	}
	if err := visit(name); err != nil {
		return nil, err
	}
	return out, nil
}

// RecordOutcome folds one observed outcome into the skill's success rate
// and average reward, by the same clamped moving average patterns use.
func (sl *SkillLibrary) RecordOutcome(ctx context.Context, name string, success bool, reward float64) (Skill, error) {
	if err := sl.eng.checkOpen(); err != nil {
		return Skill{}, err
	}

	sl.idx.mu.Lock()
	defer sl.idx.mu.Unlock()

	row, err := sl.eng.st.GetSkill(ctx, name)
	if err != nil {
		return Skill{}, notFound(err, "skill", name)
	}
	cfg := ranking.DefaultOutcomeConfig()
	row.SuccessRate = ranking.EMA(row.SuccessRate, ranking.Outcome(success), cfg.SuccessAlpha)
	row.AvgReward = ranking.EMA(row.AvgReward, reward, cfg.RewardAlpha)
	row.UpdatedAt = time.Now().UTC()

	if err := sl.putLocked(ctx, row, store.OpUpdate); err != nil {
		return Skill{}, err
	}
	return skillFromStore(row), nil
}

// checkAcyclic walks the prerequisite graph as it would look after the add
// and rejects any cycle reachable from the added skill. The rest of the
// graph was acyclic before and this add touches only one node's edges.
func (sl *SkillLibrary) checkAcyclic(ctx context.Context, name string, prereqs []string) error {
	rows, err := sl.eng.st.ListSkills(ctx)
	if err != nil {
		return err
	}
	adj := make(map[string][]string, len(rows)+1)
	for _, row := range rows {
		adj[row.Name] = row.Prerequisites
	}
	adj[name] = prereqs

	const (
		white = iota
		gray
		black
	)
	color := map[string]int{}
	var path []string

	var visit func(string) error
	visit = func(n string) error {
		color[n] = gray
		path = append(path, n)
		for _, p := range adj[n] {
			switch color[p] {
			case gray:
				return cycleAt(path, p)
			case white:
				if err := visit(p); err != nil {
					return err
				}
			}
		}
		color[n] = black
		path = path[:len(path)-1]
		return nil
	}
	return visit(name)
}

// cycleAt builds the error for a back edge from the end of path to repeat.
func cycleAt(path []string, repeat string) error {
	for i, n := range path {
		if n == repeat {
			cycle := append(append([]string{}, path[i:]...), repeat)
			return &CyclicDependencyError{Cycle: cycle}
		}
	}
	return &CyclicDependencyError{Cycle: []string{repeat, repeat}}
}

// skillNameFor derives the canonical skill name for a task: lowercased,
// whitespace collapsed. Consolidation uses it so repeated tasks fold into
// one skill.
func skillNameFor(task string) string {
	return strings.Join(strings.Fields(strings.ToLower(task)), " ")
}

func skillText(sk Skill) string {
	if sk.Signature == "" {
		return sk.Name
	}
	return sk.Name + ": " + sk.Signature
}

func skillFromStore(sk store.Skill) Skill {
	return Skill{
		Name:          sk.Name,
		Signature:     sk.Signature,
		CodeRef:       sk.CodeRef,
		Embedding:     sk.Embedding,
		SuccessRate:   sk.SuccessRate,
		Uses:          sk.Uses,
		AvgReward:     sk.AvgReward,
		Prerequisites: sk.Prerequisites,
		CreatedAt:     sk.CreatedAt,
		UpdatedAt:     sk.UpdatedAt,
	}
}

func (e *Engine) loadSkillRecords(ctx context.Context) ([]backend.Record, error) {
	rows, err := e.st.ListSkills(ctx)
	if err != nil {
		return nil, err
	}
	recs := make([]backend.Record, 0, len(rows))
	for _, sk := range rows {
		if len(sk.Embedding) == 0 {
			continue
		}
		recs = append(recs, backend.Record{ID: sk.Name, Vector: sk.Embedding})
	}
	return recs, nil
}
