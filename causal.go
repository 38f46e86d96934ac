package engram

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/engramdb/engram/internal/backend"
	"github.com/engramdb/engram/internal/store"
)

// CausalEdge is one cause/effect hypothesis written by an external learner.
// The engine stores and retrieves edges; the uplift estimate and confidence
// are the learner's to compute.
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

// CausalMatch is one search hit with its cosine similarity to the query.
type CausalMatch struct {
	CausalEdge
	Similarity float64
}

// CausalStore holds causal edges indexed by description similarity. Obtain
// it from Engine.Causal.
type CausalStore struct {
	eng *Engine
	idx *memIndex
}

// Add stores one edge. The embedding is derived from the description when
// the caller does not supply one; an edge with neither is rejected.
func (cs *CausalStore) Add(ctx context.Context, edge CausalEdge) (CausalEdge, error) {
	if err := cs.eng.checkOpen(); err != nil {
		return CausalEdge{}, err
	}
	if edge.CauseID == "" || edge.EffectID == "" {
		return CausalEdge{}, fmt.Errorf("engram: causal edge needs a cause and an effect")
	}

	var vec []float32
	var err error
	switch {
	case len(edge.Embedding) > 0:
		vec, err = cs.idx.normalize(edge.Embedding)
	case edge.Description != "":
		vec, err = cs.idx.embedText(ctx, edge.Description)
	default:
		return CausalEdge{}, fmt.Errorf("engram: causal edge needs an embedding or a description")
	}
	if err != nil {
		return CausalEdge{}, err
	}

	row := store.CausalEdge{
		ID:          edge.ID,
		CauseID:     edge.CauseID,
		EffectID:    edge.EffectID,
		Description: edge.Description,
		Uplift:      edge.Uplift,
		Confidence:  edge.Confidence,
		Embedding:   vec,
		CreatedAt:   edge.CreatedAt,
	}
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}

	cs.idx.mu.Lock()
	defer cs.idx.mu.Unlock()

	change := cs.idx.change(store.OpInsert, row.ID)
	if err := cs.eng.st.InsertCausalEdge(ctx, row, change); err != nil {
		return CausalEdge{}, err
	}
	cs.idx.insert(ctx, row.ID, vec)
	cs.idx.finish(change)
	return causalFromStore(row), nil
}

// Search returns up to k edges nearest the given embedding, ranked by
// similarity then confidence.
func (cs *CausalStore) Search(ctx context.Context, vec []float32, k int) ([]CausalMatch, error) {
	if err := cs.eng.checkOpen(); err != nil {
		return nil, err
	}
	norm, err := cs.idx.normalize(vec)
	if err != nil {
		return nil, err
	}
	return cs.searchVec(ctx, norm, k)
}

// SearchText is Search for callers that hold a description rather than a
// vector.
func (cs *CausalStore) SearchText(ctx context.Context, text string, k int) ([]CausalMatch, error) {
	if err := cs.eng.checkOpen(); err != nil {
		return nil, err
	}
	vec, err := cs.idx.embedText(ctx, text)
	if err != nil {
		return nil, err
	}
	return cs.searchVec(ctx, vec, k)
}

func (cs *CausalStore) searchVec(ctx context.Context, vec []float32, k int) ([]CausalMatch, error) {
	hits, err := cs.idx.search(ctx, vec, k)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
	}
	rows, err := cs.eng.st.CausalEdgesByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	out := make([]CausalMatch, 0, len(hits))
	for _, h := range hits {
		row, ok := rows[h.ID]
		if !ok {
			continue
		}
		out = append(out, CausalMatch{CausalEdge: causalFromStore(row), Similarity: 1 - h.Distance})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Get returns one edge by id.
func (cs *CausalStore) Get(ctx context.Context, id string) (CausalEdge, error) {
	if err := cs.eng.checkOpen(); err != nil {
		return CausalEdge{}, err
	}
	row, err := cs.eng.st.GetCausalEdge(ctx, id)
	if err != nil {
		return CausalEdge{}, notFound(err, "causal-edge", id)
	}
	return causalFromStore(row), nil
}

// From returns every edge whose cause is the given record id, in insertion
// order.
func (cs *CausalStore) From(ctx context.Context, causeID string) ([]CausalEdge, error) {
	if err := cs.eng.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := cs.eng.st.CausalEdgesFrom(ctx, causeID)
	if err != nil {
		return nil, err
	}
	out := make([]CausalEdge, len(rows))
	for i, row := range rows {
		out[i] = causalFromStore(row)
	}
	return out, nil
}

func causalFromStore(e store.CausalEdge) CausalEdge {
	return CausalEdge{
		ID:          e.ID,
		CauseID:     e.CauseID,
		EffectID:    e.EffectID,
		Description: e.Description,
		Uplift:      e.Uplift,
		Confidence:  e.Confidence,
		Embedding:   e.Embedding,
		CreatedAt:   e.CreatedAt,
	}
}

func (e *Engine) loadCausalRecords(ctx context.Context) ([]backend.Record, error) {
	rows, err := e.st.ListCausalEdges(ctx)
	if err != nil {
		return nil, err
	}
	recs := make([]backend.Record, 0, len(rows))
	for _, edge := range rows {
		if len(edge.Embedding) == 0 {
			continue
		}
		recs = append(recs, backend.Record{ID: edge.ID, Vector: edge.Embedding})
	}
	return recs, nil
}
