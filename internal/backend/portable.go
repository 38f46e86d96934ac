package backend

import (
	"context"
	"errors"
	"path/filepath"
	"sync"

	"github.com/engramdb/engram/internal/index"
	"github.com/engramdb/engram/internal/vecmath"
)

// portable is the pure-Go backend: an exact brute-force scan below the tier
// threshold, the own proximity graph above it. Always constructible, and the
// fallback target when an accelerated backend cannot be built.
type portable struct {
	cfg  Config
	dist vecmath.DistanceFunc

	mu   sync.RWMutex
	idx  *index.Tiered
	meta map[string]map[string]any
}

func newPortable(cfg Config) (*portable, error) {
	dist, err := vecmath.Distance(cfg.Metric)
	if err != nil {
		return nil, err
	}
	idx, err := index.NewTiered(tierConfig(cfg))
	if err != nil {
		return nil, err
	}
	return &portable{
		cfg:  cfg,
		dist: dist,
		idx:  idx,
		meta: make(map[string]map[string]any),
	}, nil
}

func tierConfig(cfg Config) index.TieredConfig {
	return index.TieredConfig{
		Threshold: cfg.TierThreshold,
		HNSW: index.HNSWConfig{
			Metric:         cfg.Metric,
			M:              cfg.M,
			EfConstruction: cfg.EfConstruction,
			EfSearch:       cfg.EfSearch,
			Capacity:       cfg.MaxElements,
			Seed:           cfg.Seed,
		},
	}
}

func (p *portable) Insert(ctx context.Context, id string, vector []float32, metadata map[string]any) error {
	if err := validateVector(vector, p.cfg.Dims); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.idx.Add(ctx, id, vector); err != nil {
		return err
	}
	p.meta[id] = cloneMeta(metadata)
	return nil
}

func (p *portable) BatchInsert(ctx context.Context, recs []Record) (BatchReport, error) {
	return batchInsert(ctx, p, p.cfg.Dims, recs)
}

// filterOverFetch is the beam-widening factor for filtered searches: the
// index has no metadata, so the portable backend over-fetches and filters
// afterwards, doubling until k hits survive or every live record was seen.
const filterOverFetch = 4

func (p *portable) Search(ctx context.Context, query []float32, k int, filter Filter) ([]Match, error) {
	if err := validateVector(query, p.cfg.Dims); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, nil
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	if len(filter) == 0 {
		res, err := p.idx.Search(ctx, query, k)
		if err != nil {
			return nil, err
		}
		return p.toMatches(res), nil
	}

	total := p.idx.Len()
	fetch := k * filterOverFetch
	for {
		res, err := p.idx.Search(ctx, query, fetch)
		if err != nil {
			return nil, err
		}
		out := make([]Match, 0, k)
		for _, r := range res {
			if !filter.matches(p.meta[r.ID]) {
				continue
			}
			out = append(out, p.toMatch(r))
			if len(out) == k {
				break
			}
		}
		if len(out) == k || len(res) >= total {
			return out, nil
		}
		fetch *= 2
	}
}

func (p *portable) toMatches(res []index.Result) []Match {
	out := make([]Match, len(res))
	for i, r := range res {
		out[i] = p.toMatch(r)
	}
	return out
}

func (p *portable) toMatch(r index.Result) Match {
	return Match{ID: r.ID, Distance: r.Distance, Metadata: cloneMeta(p.meta[r.ID])}
}

func (p *portable) Delete(ctx context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.idx.Remove(ctx, id); err != nil {
		if errors.Is(err, index.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	delete(p.meta, id)
	return nil
}

func (p *portable) Stats(_ context.Context) (Stats, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return Stats{
		Count:  p.idx.Len(),
		Dims:   p.cfg.Dims,
		Metric: p.cfg.Metric,
		Kind:   KindEmbedded,
	}, nil
}

func (p *portable) Load(ctx context.Context, recs []Record) error {
	items := make([]index.Item, len(recs))
	meta := make(map[string]map[string]any, len(recs))
	for i, r := range recs {
		if err := validateVector(r.Vector, p.cfg.Dims); err != nil {
			return err
		}
		items[i] = index.Item{ID: r.ID, Vector: cloneVector(r.Vector)}
		meta[r.ID] = cloneMeta(r.Metadata)
	}

	cfg := tierConfig(p.cfg)
	if cfg.HNSW.Capacity < len(items) {
		cfg.HNSW.Capacity = len(items)
	}
	idx, err := index.NewTiered(cfg)
	if err != nil {
		return err
	}
	if err := idx.Load(ctx, items); err != nil {
		return err
	}

	p.mu.Lock()
	p.idx = idx
	p.meta = meta
	p.mu.Unlock()
	return nil
}

func (p *portable) Close() error {
	return nil
}

func (p *portable) snapshotPath() string {
	return filepath.Join(p.cfg.SnapshotDir, snapshotRecordsFile)
}

// SaveSnapshot writes the live records to the gob envelope. No-op without a
// snapshot directory.
func (p *portable) SaveSnapshot(_ context.Context, epoch uint64) error {
	if p.cfg.SnapshotDir == "" {
		return nil
	}

	p.mu.RLock()
	items := p.idx.Items()
	recs := make([]snapshotRecord, len(items))
	for i, it := range items {
		recs[i] = snapshotRecord{
			ID:       it.ID,
			Vector:   it.Vector,
			Metadata: cloneMeta(p.meta[it.ID]),
		}
	}
	p.mu.RUnlock()

	return writeSnapshot(p.snapshotPath(), snapshotEnvelope{
		Epoch:   epoch,
		Dims:    p.cfg.Dims,
		Metric:  string(p.cfg.Metric),
		Records: recs,
	})
}

// RestoreSnapshot replaces the backend contents with the snapshot and
// returns the epoch it was saved at.
func (p *portable) RestoreSnapshot(ctx context.Context) (uint64, error) {
	if p.cfg.SnapshotDir == "" {
		return 0, ErrNoSnapshot
	}
	env, err := readSnapshot(p.snapshotPath())
	if err != nil {
		return 0, err
	}
	if err := checkSnapshotConfig(env, p.cfg); err != nil {
		return 0, err
	}

	recs := make([]Record, len(env.Records))
	for i, r := range env.Records {
		recs[i] = Record{ID: r.ID, Vector: r.Vector, Metadata: r.Metadata}
	}
	if err := p.Load(ctx, recs); err != nil {
		return 0, err
	}
	return env.Epoch, nil
}

var (
	_ Backend     = (*portable)(nil)
	_ Snapshotter = (*portable)(nil)
)
