package index

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/engramdb/engram/internal/vecmath"
)

// BruteForce performs exhaustive nearest neighbor search. Exact, thread-safe,
// and suitable for small to medium vector counts; the tiered index promotes
// away from it past a configurable size.
type BruteForce struct {
	mu      sync.RWMutex
	metric  vecmath.Metric
	dist    vecmath.DistanceFunc
	vectors map[string]*bfEntry
	nextSeq uint64
}

type bfEntry struct {
	vector []float32
	norm   float64
	seq    uint64
}

// NewBruteForce creates an empty exact index for the given metric.
func NewBruteForce(metric vecmath.Metric) (*BruteForce, error) {
	dist, err := vecmath.Distance(metric)
	if err != nil {
		return nil, err
	}
	return &BruteForce{
		metric:  metric,
		dist:    dist,
		vectors: make(map[string]*bfEntry),
	}, nil
}

// Add inserts or replaces the vector for the given ID.
func (b *BruteForce) Add(_ context.Context, id string, vector []float32) error {
	cp := make([]float32, len(vector))
	copy(cp, vector)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.vectors[id] = &bfEntry{vector: cp, norm: vecmath.Norm(cp), seq: b.nextSeq}
	b.nextSeq++
	return nil
}

// Remove deletes the vector for the given ID.
func (b *BruteForce) Remove(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.vectors[id]; !ok {
		return ErrNotFound
	}
	delete(b.vectors, id)
	return nil
}

// Search scans every vector and returns the k nearest. For the euclidean
// metric, candidates whose norm difference against the query already exceeds
// the current kth-best distance are skipped without computing the full
// distance (the norm difference is a lower bound by the triangle inequality).
func (b *BruteForce) Search(ctx context.Context, query []float32, k int) ([]Result, error) {
	if len(query) == 0 || k <= 0 {
		return nil, nil
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.vectors) == 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	qNorm := vecmath.Norm(query)
	worst := heapCandidates{max: true}
	checked := 0
	for id, e := range b.vectors {
		if checked++; checked%256 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if b.metric == vecmath.Euclidean && worst.Len() >= k {
			if lb := math.Abs(e.norm - qNorm); lessThan(worst.Peek(), candidate{dist: lb, seq: e.seq}) {
				continue
			}
		}
		c := candidate{id: id, dist: b.dist(query, e.vector), seq: e.seq}
		if worst.Len() < k {
			worst.Push(c)
		} else if lessThan(c, worst.Peek()) {
			worst.Pop()
			worst.Push(c)
		}
	}

	results := make([]Result, worst.Len())
	ordered := worst.items
	sort.Slice(ordered, func(i, j int) bool { return lessThan(ordered[i], ordered[j]) })
	for i, c := range ordered {
		results[i] = Result{ID: c.id, Distance: c.dist}
	}
	return results, nil
}

// Len returns the number of vectors in the index.
func (b *BruteForce) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.vectors)
}

// Items returns copies of all entries in insertion order.
func (b *BruteForce) Items() []Item {
	b.mu.RLock()
	defer b.mu.RUnlock()

	items := make([]Item, 0, len(b.vectors))
	for id, e := range b.vectors {
		cp := make([]float32, len(e.vector))
		copy(cp, e.vector)
		items = append(items, Item{ID: id, Vector: cp, Seq: e.seq})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Seq < items[j].Seq })
	return items
}

// candidate is a scored entry during search. Ordering is (distance, seq)
// ascending so that equal distances resolve by insertion order.
type candidate struct {
	id   string
	node uint32
	dist float64
	seq  uint64
}

func lessThan(a, b candidate) bool {
	if a.dist != b.dist {
		return a.dist < b.dist
	}
	return a.seq < b.seq
}

// heapCandidates is a binary heap of candidates. With max set it keeps the
// worst candidate on top, which is what bounded top-k selection needs.
type heapCandidates struct {
	items []candidate
	max   bool
}

func (h *heapCandidates) Len() int { return len(h.items) }

func (h *heapCandidates) Peek() candidate { return h.items[0] }

func (h *heapCandidates) before(a, b candidate) bool {
	if h.max {
		return lessThan(b, a)
	}
	return lessThan(a, b)
}

func (h *heapCandidates) Push(c candidate) {
	h.items = append(h.items, c)
	i := len(h.items) - 1
	for i > 0 {
		parent := (i - 1) / 2
		if !h.before(h.items[i], h.items[parent]) {
			break
		}
		h.items[i], h.items[parent] = h.items[parent], h.items[i]
		i = parent
	}
}

func (h *heapCandidates) Pop() candidate {
	top := h.items[0]
	last := len(h.items) - 1
	h.items[0] = h.items[last]
	h.items = h.items[:last]
	i := 0
	for {
		left, right := 2*i+1, 2*i+2
		smallest := i
		if left < len(h.items) && h.before(h.items[left], h.items[smallest]) {
			smallest = left
		}
		if right < len(h.items) && h.before(h.items[right], h.items[smallest]) {
			smallest = right
		}
		if smallest == i {
			break
		}
		h.items[i], h.items[smallest] = h.items[smallest], h.items[i]
		i = smallest
	}
	return top
}

var _ Index = (*BruteForce)(nil)
