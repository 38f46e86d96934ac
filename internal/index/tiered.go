package index

import (
	"context"
	"fmt"
	"sync"
)

// DefaultTierThreshold is the vector count at which the index promotes from
// brute-force to the proximity graph.
const DefaultTierThreshold = 1000

// TieredConfig holds configuration for Tiered.
type TieredConfig struct {
	// Threshold is the vector count at which brute-force promotes to the
	// graph. Default: DefaultTierThreshold.
	Threshold int

	// HNSW is the graph configuration used at and after promotion.
	HNSW HNSWConfig
}

// Tiered selects between exact brute-force and the proximity graph based on
// vector count. Starts exact, promotes past the threshold, and never demotes
// so the tier cannot oscillate around the boundary. Thread-safe.
type Tiered struct {
	mu        sync.Mutex
	bf        *BruteForce
	graph     *HNSW
	cfg       TieredConfig
	threshold int
	promoted  bool
}

// NewTiered creates a Tiered index in brute-force mode.
func NewTiered(cfg TieredConfig) (*Tiered, error) {
	threshold := cfg.Threshold
	if threshold <= 0 {
		threshold = DefaultTierThreshold
	}
	cfg.HNSW = cfg.HNSW.withDefaults()

	bf, err := NewBruteForce(cfg.HNSW.Metric)
	if err != nil {
		return nil, err
	}
	return &Tiered{bf: bf, cfg: cfg, threshold: threshold}, nil
}

// active returns the currently active index. Caller must hold t.mu.
func (t *Tiered) active() Index {
	if t.promoted {
		return t.graph
	}
	return t.bf
}

// Add inserts or replaces the vector for the given ID, promoting to the
// graph when the count crosses the threshold.
func (t *Tiered) Add(ctx context.Context, id string, vector []float32) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.active().Add(ctx, id, vector); err != nil {
		return err
	}
	if !t.promoted && t.bf.Len() > t.threshold {
		if err := t.promote(ctx); err != nil {
			return fmt.Errorf("promoting to graph index: %w", err)
		}
	}
	return nil
}

// Remove deletes the vector for the given ID.
func (t *Tiered) Remove(ctx context.Context, id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active().Remove(ctx, id)
}

// Search delegates to the active tier.
func (t *Tiered) Search(ctx context.Context, query []float32, k int) ([]Result, error) {
	t.mu.Lock()
	active := t.active()
	t.mu.Unlock()
	return active.Search(ctx, query, k)
}

// Len returns the number of live vectors.
func (t *Tiered) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active().Len()
}

// Items returns copies of all live entries in insertion order.
func (t *Tiered) Items() []Item {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active().Items()
}

// Load bulk-fills an empty index, choosing the tier by final size up front
// so a large restore does not pay for a promotion halfway through.
func (t *Tiered) Load(ctx context.Context, items []Item) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.active().Len() > 0 {
		return fmt.Errorf("index: Load on a non-empty index (%d entries)", t.active().Len())
	}
	if len(items) > t.threshold && !t.promoted {
		cfg := t.cfg.HNSW
		if cfg.Capacity < len(items) {
			cfg.Capacity = len(items)
		}
		g, err := NewHNSW(cfg)
		if err != nil {
			return err
		}
		t.graph = g
		t.promoted = true
	}
	for _, it := range items {
		if err := t.active().Add(ctx, it.ID, it.Vector); err != nil {
			return err
		}
	}
	return nil
}

// promote migrates all vectors from brute-force to a fresh graph.
// Caller must hold t.mu.
func (t *Tiered) promote(ctx context.Context) error {
	cfg := t.cfg.HNSW
	if cfg.Capacity < t.bf.Len() {
		cfg.Capacity = t.bf.Len()
	}
	g, err := NewHNSW(cfg)
	if err != nil {
		return err
	}
	for _, it := range t.bf.Items() {
		if err := g.Add(ctx, it.ID, it.Vector); err != nil {
			return fmt.Errorf("copying vector %s to graph: %w", it.ID, err)
		}
	}
	t.graph = g
	t.promoted = true
	return nil
}

var _ Index = (*Tiered)(nil)
