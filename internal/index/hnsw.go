package index

import (
	"context"
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/engramdb/engram/internal/vecmath"
)

// maxLayer caps the level drawn for a node regardless of the RNG.
const maxLayer = 32

// HNSWConfig holds construction parameters for the proximity graph.
type HNSWConfig struct {
	// Metric selects the distance function. Default: cosine.
	Metric vecmath.Metric

	// M is the maximum number of neighbors kept per node per layer.
	// Default: 16.
	M int

	// EfConstruction is the beam width while inserting. Default: 200.
	EfConstruction int

	// EfSearch is the minimum beam width while searching; searches with
	// k > EfSearch widen the beam to k. Default: 100.
	EfSearch int

	// CompactRatio is the tombstone share that triggers a rebuild.
	// Default: 0.2.
	CompactRatio float64

	// Capacity presizes internal storage. It is a hint, not a limit.
	Capacity int

	// Seed feeds the level RNG so graphs are reproducible. Default: 1.
	Seed int64
}

func (c *HNSWConfig) withDefaults() HNSWConfig {
	out := *c
	if out.Metric == "" {
		out.Metric = vecmath.Cosine
	}
	if out.M <= 0 {
		out.M = 16
	}
	if out.EfConstruction <= 0 {
		out.EfConstruction = 200
	}
	if out.EfSearch <= 0 {
		out.EfSearch = 100
	}
	if out.CompactRatio <= 0 {
		out.CompactRatio = 0.2
	}
	if out.Seed == 0 {
		out.Seed = 1
	}
	return out
}

type hnswNode struct {
	id      string
	vector  []float32
	seq     uint64
	level   int
	deleted bool
	links   [][]uint32
}

// HNSW is a hierarchical navigable small world graph. Each node is assigned
// a maximum layer from an exponential distribution with scale 1/ln(M), upper
// layers are descended greedily, and the bottom layer is searched with a
// beam. Deletions tombstone nodes: edges stay intact so the graph cannot
// disconnect, tombstoned ids are filtered out of results, and the graph is
// rebuilt once the tombstone share crosses CompactRatio. Thread-safe.
type HNSW struct {
	mu         sync.RWMutex
	cfg        HNSWConfig
	dist       vecmath.DistanceFunc
	ml         float64
	rng        *rand.Rand
	nodes      []hnswNode
	byID       map[string]uint32
	entry      int
	maxLevel   int
	nextSeq    uint64
	tombstones int
}

// NewHNSW creates an empty graph.
func NewHNSW(cfg HNSWConfig) (*HNSW, error) {
	cfg = cfg.withDefaults()
	dist, err := vecmath.Distance(cfg.Metric)
	if err != nil {
		return nil, err
	}
	h := &HNSW{
		cfg:   cfg,
		dist:  dist,
		ml:    1.0 / math.Log(float64(cfg.M)),
		rng:   rand.New(rand.NewSource(cfg.Seed)),
		byID:  make(map[string]uint32),
		entry: -1,
	}
	if cfg.Capacity > 0 {
		h.nodes = make([]hnswNode, 0, cfg.Capacity)
	}
	return h, nil
}

func (h *HNSW) randomLevel() int {
	u := h.rng.Float64()
	for u == 0 {
		u = h.rng.Float64()
	}
	lvl := int(-math.Log(u) * h.ml)
	if lvl > maxLayer {
		lvl = maxLayer
	}
	return lvl
}

func (h *HNSW) candidateFor(n uint32, q []float32) candidate {
	return candidate{node: n, dist: h.dist(q, h.nodes[n].vector), seq: h.nodes[n].seq}
}

// Add inserts or replaces the vector for the given ID. Replacing tombstones
// the previous node and inserts a fresh one with a new sequence number.
// Cancellation is honored only before any mutation: a node is linked at all
// of its layers or not present at all.
func (h *HNSW) Add(ctx context.Context, id string, vector []float32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cp := make([]float32, len(vector))
	copy(cp, vector)

	h.mu.Lock()
	defer h.mu.Unlock()

	if old, ok := h.byID[id]; ok {
		h.nodes[old].deleted = true
		h.tombstones++
		delete(h.byID, id)
	}
	h.insert(id, cp, h.nextSeq)
	h.nextSeq++
	h.maybeCompact()
	return nil
}

// insert adds one node to the graph. Caller holds the write lock. Neighbor
// candidates for every layer are computed before the node is appended, so a
// partial multi-layer insertion never becomes observable.
func (h *HNSW) insert(id string, vector []float32, seq uint64) {
	level := h.randomLevel()

	var perLayer [][]candidate
	if h.entry >= 0 {
		ep := []candidate{h.candidateFor(uint32(h.entry), vector)}
		for lc := h.maxLevel; lc > level; lc-- {
			ep, _ = h.searchLayer(context.Background(), vector, ep, 1, lc)
		}
		top := level
		if top > h.maxLevel {
			top = h.maxLevel
		}
		perLayer = make([][]candidate, top+1)
		for lc := top; lc >= 0; lc-- {
			found, _ := h.searchLayer(context.Background(), vector, ep, h.cfg.EfConstruction, lc)
			perLayer[lc] = found
			ep = found
		}
	}

	idx := uint32(len(h.nodes))
	h.nodes = append(h.nodes, hnswNode{
		id:     id,
		vector: vector,
		seq:    seq,
		level:  level,
		links:  make([][]uint32, level+1),
	})
	h.byID[id] = idx

	if h.entry < 0 {
		h.entry = int(idx)
		h.maxLevel = level
		return
	}

	for lc := range perLayer {
		found := perLayer[lc]
		n := h.cfg.M
		if n > len(found) {
			n = len(found)
		}
		for _, nb := range found[:n] {
			h.link(idx, nb.node, lc)
		}
	}

	if level > h.maxLevel {
		h.maxLevel = level
		h.entry = int(idx)
	}
}

func (h *HNSW) link(a, b uint32, layer int) {
	h.nodes[a].links[layer] = append(h.nodes[a].links[layer], b)
	h.nodes[b].links[layer] = append(h.nodes[b].links[layer], a)
	h.pruneLinks(a, layer)
	h.pruneLinks(b, layer)
}

// pruneLinks trims a node's neighbor list back to M, keeping the nearest
// replacements and dropping duplicate edges.
func (h *HNSW) pruneLinks(n uint32, layer int) {
	links := h.nodes[n].links[layer]
	if len(links) <= h.cfg.M {
		return
	}
	base := h.nodes[n].vector
	seen := make(map[uint32]struct{}, len(links))
	cands := make([]candidate, 0, len(links))
	for _, nb := range links {
		if _, ok := seen[nb]; ok {
			continue
		}
		seen[nb] = struct{}{}
		cands = append(cands, h.candidateFor(nb, base))
	}
	sort.Slice(cands, func(i, j int) bool { return lessThan(cands[i], cands[j]) })
	if len(cands) > h.cfg.M {
		cands = cands[:h.cfg.M]
	}
	kept := make([]uint32, len(cands))
	for i, c := range cands {
		kept[i] = c.node
	}
	h.nodes[n].links[layer] = kept
}

// searchLayer runs a beam search of width ef over one layer starting from
// eps, returning up to ef candidates in ascending (distance, seq) order.
// Tombstoned nodes are traversed, their edges keep the graph connected, and
// they are filtered only when results are materialized. Caller holds a lock.
func (h *HNSW) searchLayer(ctx context.Context, q []float32, eps []candidate, ef, layer int) ([]candidate, error) {
	visited := make(map[uint32]struct{}, 4*ef)
	toVisit := heapCandidates{}
	best := heapCandidates{max: true}

	for _, c := range eps {
		if _, ok := visited[c.node]; ok {
			continue
		}
		visited[c.node] = struct{}{}
		toVisit.Push(c)
		best.Push(c)
		if best.Len() > ef {
			best.Pop()
		}
	}

	popped := 0
	for toVisit.Len() > 0 {
		if popped++; popped%64 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		c := toVisit.Pop()
		if best.Len() >= ef && lessThan(best.Peek(), c) {
			break
		}
		node := &h.nodes[c.node]
		if layer >= len(node.links) {
			continue
		}
		for _, nb := range node.links[layer] {
			if _, ok := visited[nb]; ok {
				continue
			}
			visited[nb] = struct{}{}
			cand := h.candidateFor(nb, q)
			if best.Len() < ef || lessThan(cand, best.Peek()) {
				toVisit.Push(cand)
				best.Push(cand)
				if best.Len() > ef {
					best.Pop()
				}
			}
		}
	}

	out := make([]candidate, best.Len())
	for i := best.Len() - 1; i >= 0; i-- {
		out[i] = best.Pop()
	}
	return out, nil
}

// Remove tombstones the node for the given ID.
func (h *HNSW) Remove(_ context.Context, id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	idx, ok := h.byID[id]
	if !ok {
		return ErrNotFound
	}
	h.nodes[idx].deleted = true
	h.tombstones++
	delete(h.byID, id)
	h.maybeCompact()
	return nil
}

// Search descends the upper layers greedily and beam-searches layer 0 with
// width max(EfSearch, k). When k asks for the whole index the beam widens to
// cover every node, so small collections behave exactly.
func (h *HNSW) Search(ctx context.Context, query []float32, k int) ([]Result, error) {
	if len(query) == 0 || k <= 0 {
		return nil, nil
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.entry < 0 || len(h.byID) == 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ep := []candidate{h.candidateFor(uint32(h.entry), query)}
	var err error
	for lc := h.maxLevel; lc >= 1; lc-- {
		ep, err = h.searchLayer(ctx, query, ep, 1, lc)
		if err != nil {
			return nil, err
		}
	}

	ef := h.cfg.EfSearch
	if ef < k {
		ef = k
	}
	if k >= len(h.byID) {
		ef = len(h.nodes)
	}
	found, err := h.searchLayer(ctx, query, ep, ef, 0)
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, k)
	for _, c := range found {
		node := &h.nodes[c.node]
		if node.deleted {
			continue
		}
		results = append(results, Result{ID: node.id, Distance: c.dist})
		if len(results) == k {
			break
		}
	}
	return results, nil
}

// Len returns the number of live vectors.
func (h *HNSW) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byID)
}

// Tombstones returns the number of logically deleted nodes awaiting
// compaction.
func (h *HNSW) Tombstones() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.tombstones
}

// Items returns copies of all live entries in insertion order.
func (h *HNSW) Items() []Item {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.itemsLocked(true)
}

func (h *HNSW) itemsLocked(copyVectors bool) []Item {
	items := make([]Item, 0, len(h.byID))
	for _, idx := range h.byID {
		node := &h.nodes[idx]
		vec := node.vector
		if copyVectors {
			vec = make([]float32, len(node.vector))
			copy(vec, node.vector)
		}
		items = append(items, Item{ID: node.id, Vector: vec, Seq: node.seq})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Seq < items[j].Seq })
	return items
}

// maybeCompact rebuilds the graph once the tombstone share crosses the
// configured ratio. Caller holds the write lock.
func (h *HNSW) maybeCompact() {
	if len(h.nodes) == 0 || h.tombstones == 0 {
		return
	}
	if float64(h.tombstones)/float64(len(h.nodes)) <= h.cfg.CompactRatio {
		return
	}
	h.rebuild()
}

// rebuild reconstructs the graph from live nodes, preserving sequence
// numbers so distance ties keep their order across compactions.
func (h *HNSW) rebuild() {
	live := h.itemsLocked(false)
	size := h.cfg.Capacity
	if size < len(live) {
		size = len(live)
	}
	h.nodes = make([]hnswNode, 0, size)
	h.byID = make(map[string]uint32, len(live))
	h.entry = -1
	h.maxLevel = 0
	h.tombstones = 0
	for _, it := range live {
		h.insert(it.ID, it.Vector, it.Seq)
	}
}

var _ Index = (*HNSW)(nil)
