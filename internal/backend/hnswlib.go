package backend

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/coder/hnsw"

	"github.com/engramdb/engram/internal/vecmath"
)

// hnswLib is the accelerated-a backend, a binding to the external graph
// library github.com/coder/hnsw.
//
// The library's Delete can leave dangling neighbor pointers that panic
// during Search, so replaces and deletes rebuild the graph from the shadow
// records instead. Metadata filters fall back to the exact shadow scan; the
// library indexes vectors only.
type hnswLib struct {
	cfg   Config
	dist  vecmath.DistanceFunc
	gdist hnsw.DistanceFunc

	mu     sync.RWMutex
	graph  *hnsw.Graph[string]
	shadow *shadow
}

func newHNSWLib(cfg Config) (*hnswLib, error) {
	dist, err := vecmath.Distance(cfg.Metric)
	if err != nil {
		return nil, err
	}
	gdist, err := graphDistance(cfg.Metric)
	if err != nil {
		return nil, err
	}
	h := &hnswLib{cfg: cfg, dist: dist, gdist: gdist, shadow: newShadow()}
	h.graph = h.newGraph()
	return h, nil
}

func graphDistance(m vecmath.Metric) (hnsw.DistanceFunc, error) {
	switch m {
	case vecmath.Cosine:
		return hnsw.CosineDistance, nil
	case vecmath.Euclidean:
		return hnsw.EuclideanDistance, nil
	case vecmath.Dot:
		return negatedDot32, nil
	}
	return nil, fmt.Errorf("backend: no graph distance for metric %q", m)
}

// negatedDot32 mirrors vecmath.DotDistance in the float32 shape the graph
// library expects: larger dot products sort as smaller distances.
func negatedDot32(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return -sum
}

func (h *hnswLib) newGraph() *hnsw.Graph[string] {
	g := hnsw.NewGraph[string]()
	if h.cfg.M > 0 {
		g.M = h.cfg.M
	}
	if h.cfg.EfSearch > 0 {
		g.EfSearch = h.cfg.EfSearch
	}
	g.Distance = h.gdist
	return g
}

// rebuild constructs a fresh graph from the shadow records in id order.
// Caller must hold h.mu for writing.
func (h *hnswLib) rebuild() {
	g := h.newGraph()
	ids := h.shadow.ids()
	nodes := make([]hnsw.Node[string], 0, len(ids))
	for _, id := range ids {
		nodes = append(nodes, hnsw.MakeNode(id, h.shadow.recs[id].Vector))
	}
	if len(nodes) > 0 {
		g.Add(nodes...)
	}
	h.graph = g
}

func (h *hnswLib) Insert(_ context.Context, id string, vector []float32, metadata map[string]any) error {
	if err := validateVector(vector, h.cfg.Dims); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	_, existed := h.shadow.recs[id]
	h.shadow.put(id, vector, metadata)
	if existed {
		// Rebuild to replace the node without dangling pointers.
		h.rebuild()
	} else {
		h.graph.Add(hnsw.MakeNode(id, h.shadow.recs[id].Vector))
	}
	return nil
}

func (h *hnswLib) BatchInsert(ctx context.Context, recs []Record) (BatchReport, error) {
	return batchInsert(ctx, h, h.cfg.Dims, recs)
}

func (h *hnswLib) Search(ctx context.Context, query []float32, k int, filter Filter) ([]Match, error) {
	if err := validateVector(query, h.cfg.Dims); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, nil
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(filter) > 0 {
		return h.shadow.scan(ctx, h.dist, h.cfg.Metric, query, k, filter)
	}

	if h.graph.Len() == 0 {
		return nil, nil
	}
	if k > h.graph.Len() {
		k = h.graph.Len()
	}
	nodes := h.graph.Search(query, k)

	out := make([]Match, 0, len(nodes))
	for _, n := range nodes {
		rec := h.shadow.recs[n.Key]
		out = append(out, Match{
			ID:       n.Key,
			Distance: h.dist(query, rec.Vector),
			Metadata: cloneMeta(rec.Metadata),
		})
	}
	// Distances are recomputed in float64, so re-sort to keep the reported
	// order consistent with them.
	sort.Slice(out, func(i, j int) bool {
		if out[i].Distance != out[j].Distance {
			return out[i].Distance < out[j].Distance
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (h *hnswLib) Delete(_ context.Context, id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.shadow.recs[id]; !ok {
		return ErrNotFound
	}
	h.shadow.delete(id)
	h.rebuild()
	return nil
}

func (h *hnswLib) Stats(_ context.Context) (Stats, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Stats{
		Count:  h.shadow.len(),
		Dims:   h.cfg.Dims,
		Metric: h.cfg.Metric,
		Kind:   KindAcceleratedA,
	}, nil
}

func (h *hnswLib) Load(_ context.Context, recs []Record) error {
	sh := newShadow()
	for _, r := range recs {
		if err := validateVector(r.Vector, h.cfg.Dims); err != nil {
			return err
		}
		sh.put(r.ID, r.Vector, r.Metadata)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.shadow = sh
	h.rebuild()
	return nil
}

func (h *hnswLib) Close() error {
	return nil
}

func (h *hnswLib) recordsPath() string {
	return filepath.Join(h.cfg.SnapshotDir, snapshotRecordsFile)
}

func (h *hnswLib) graphPath() string {
	return filepath.Join(h.cfg.SnapshotDir, snapshotGraphFile)
}

// canSaveGraph reports whether the graph file format supports the metric:
// the library serializes its two built-in distance functions by name, so
// the custom dot-product function cannot round-trip and the graph is
// rebuilt from the records envelope instead.
func (h *hnswLib) canSaveGraph() bool {
	return h.cfg.Metric == vecmath.Cosine || h.cfg.Metric == vecmath.Euclidean
}

// SaveSnapshot writes the records envelope and, where the metric allows,
// the library's own graph file next to it.
func (h *hnswLib) SaveSnapshot(_ context.Context, epoch uint64) error {
	if h.cfg.SnapshotDir == "" {
		return nil
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	env := snapshotEnvelope{
		Epoch:   epoch,
		Dims:    h.cfg.Dims,
		Metric:  string(h.cfg.Metric),
		Records: h.shadow.snapshotRecords(),
	}
	if err := writeSnapshot(h.recordsPath(), env); err != nil {
		return err
	}

	if !h.canSaveGraph() {
		return nil
	}
	sg := &hnsw.SavedGraph[string]{Graph: h.graph, Path: h.graphPath()}
	if err := sg.Save(); err != nil {
		return fmt.Errorf("backend: save graph file: %v", err)
	}
	return nil
}

// RestoreSnapshot replaces the backend contents with the records envelope
// and returns the epoch it was saved at. The graph file is a shortcut only:
// when missing or inconsistent the graph is rebuilt from the records.
func (h *hnswLib) RestoreSnapshot(_ context.Context) (uint64, error) {
	if h.cfg.SnapshotDir == "" {
		return 0, ErrNoSnapshot
	}
	env, err := readSnapshot(h.recordsPath())
	if err != nil {
		return 0, err
	}
	if err := checkSnapshotConfig(env, h.cfg); err != nil {
		return 0, err
	}

	sh := newShadow()
	for _, r := range env.Records {
		sh.put(r.ID, r.Vector, r.Metadata)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.shadow = sh
	if g, ok := h.loadGraphFile(len(env.Records)); ok {
		h.graph = g
	} else {
		h.rebuild()
	}
	return env.Epoch, nil
}

func (h *hnswLib) loadGraphFile(want int) (*hnsw.Graph[string], bool) {
	if !h.canSaveGraph() {
		return nil, false
	}
	if _, err := os.Stat(h.graphPath()); err != nil {
		return nil, false
	}
	sg, err := hnsw.LoadSavedGraph[string](h.graphPath())
	if err != nil || sg.Len() != want {
		return nil, false
	}
	g := sg.Graph
	if h.cfg.M > 0 {
		g.M = h.cfg.M
	}
	if h.cfg.EfSearch > 0 {
		g.EfSearch = h.cfg.EfSearch
	}
	g.Distance = h.gdist
	return g, true
}

var (
	_ Backend     = (*hnswLib)(nil)
	_ Snapshotter = (*hnswLib)(nil)
)
