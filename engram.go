// Package engram is an embedded vector-memory engine. It stores collections
// of vectors with typed metadata in sqlite, serves nearest-neighbor queries
// through pluggable index backends behind an epoch-invalidated query cache,
// and composes four memory abstractions on top: patterns, episodes, skills
// and causal edges.
//
// All state lives under one data directory. Indexes are disposable: they
// snapshot between runs and rebuild from the durable tables whenever a
// snapshot is missing, stale or corrupt.
package engram

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/engramdb/engram/embed"
	"github.com/engramdb/engram/internal/backend"
	"github.com/engramdb/engram/internal/cache"
	"github.com/engramdb/engram/internal/store"
	"github.com/engramdb/engram/internal/vecmath"
)

// Reserved collection names backing the memory abstractions.
const (
	patternsCollection = "_patterns"
	episodesCollection = "_episodes"
	skillsCollection   = "_skills"
	causalCollection   = "_causal"
)

// Engine owns the durable store, the change log, the dispatch pool and all
// collections. One Engine per data directory; safe for concurrent use.
type Engine struct {
	opts Options
	log  *zap.Logger
	st   *store.Store
	pool *backend.Pool
	emb  Embedder
	subs *subscribers

	mu          sync.RWMutex // guards collections
	collections map[string]*Collection
	closed      atomic.Bool

	patterns *PatternStore
	episodes *EpisodeStore
	skills   *SkillLibrary
	causal   *CausalStore
}

// Open opens or creates the data directory and brings every registered
// collection back up: a snapshot stamped with the change log's current
// epoch restores directly, anything else rebuilds from the vectors table.
// Collections declared in opts are created when missing and validated when
// present.
func Open(opts Options) (*Engine, error) {
	opts = opts.withDefaults()
	ctx := context.Background()

	dir := opts.Dir
	if dir == "" {
		d, err := store.DefaultDataDir()
		if err != nil {
			return nil, err
		}
		dir = d
	}
	st, err := store.Open(dir)
	if err != nil {
		return nil, err
	}

	emb := opts.Embedder
	if emb == nil {
		h, err := embed.NewHash(opts.EmbedderDims)
		if err != nil {
			st.Close()
			return nil, err
		}
		emb = h
	}

	e := &Engine{
		opts:        opts,
		log:         opts.Logger,
		st:          st,
		pool:        backend.NewPool(opts.PoolWorkers, opts.CallTimeout),
		emb:         emb,
		subs:        newSubscribers(opts.Logger),
		collections: make(map[string]*Collection),
	}

	descs, err := st.ListCollections(ctx)
	if err != nil {
		e.shutdown()
		return nil, err
	}
	for _, desc := range descs {
		col, err := e.openCollection(ctx, desc)
		if err != nil {
			e.shutdown()
			return nil, fmt.Errorf("engram: open collection %q: %w", desc.Name, err)
		}
		e.collections[desc.Name] = col
	}

	for _, cfg := range opts.Collections {
		cfg = cfg.withDefaults()
		if existing, ok := e.collections[cfg.Name]; ok {
			if err := existing.matches(cfg); err != nil {
				e.shutdown()
				return nil, err
			}
			continue
		}
		if _, err := e.createCollection(ctx, cfg); err != nil {
			e.shutdown()
			return nil, err
		}
	}

	if err := e.openMemory(ctx); err != nil {
		e.shutdown()
		return nil, err
	}
	return e, nil
}

// Dir returns the engine's data directory.
func (e *Engine) Dir() string { return e.st.Dir() }

// Patterns returns the pattern store.
func (e *Engine) Patterns() *PatternStore { return e.patterns }

// Episodes returns the episode store.
func (e *Engine) Episodes() *EpisodeStore { return e.episodes }

// Skills returns the skill library.
func (e *Engine) Skills() *SkillLibrary { return e.skills }

// Causal returns the causal edge store.
func (e *Engine) Causal() *CausalStore { return e.causal }

func (e *Engine) checkOpen() error {
	if e.closed.Load() {
		return ErrClosed
	}
	return nil
}

// CreateCollection registers a new collection and returns its handle.
// Creating an existing name fails.
func (e *Engine) CreateCollection(ctx context.Context, cfg CollectionConfig) (*Collection, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.createCollection(ctx, cfg.withDefaults())
}

// createCollection assumes cfg has defaults applied and e.mu is held (or
// the engine is still opening single-threaded).
func (e *Engine) createCollection(ctx context.Context, cfg CollectionConfig) (*Collection, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if _, ok := e.collections[cfg.Name]; ok {
		return nil, fmt.Errorf("engram: collection %q already exists", cfg.Name)
	}

	desc := store.Collection{
		Name:           cfg.Name,
		Dims:           cfg.Dims,
		Metric:         cfg.Metric,
		Backend:        cfg.Backend,
		MaxElements:    cfg.MaxElements,
		EfConstruction: cfg.EfConstruction,
		M:              cfg.M,
		Schema:         schemaToStore(cfg.Schema),
		CreatedAt:      time.Now().UTC(),
	}
	if err := e.st.InsertCollection(ctx, desc); err != nil {
		return nil, fmt.Errorf("engram: register collection %q: %w", cfg.Name, err)
	}
	col, err := e.openCollection(ctx, desc)
	if err != nil {
		return nil, err
	}
	e.collections[cfg.Name] = col
	return col, nil
}

// Collection returns the handle for name.
func (e *Engine) Collection(name string) (*Collection, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	col, ok := e.collections[name]
	if !ok {
		return nil, &NotFoundError{Kind: "collection", ID: name}
	}
	return col, nil
}

// Collections returns the registered collection names, sorted.
func (e *Engine) Collections() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.collections))
	for name := range e.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DropCollection removes a collection, its vectors, its change history and
// its snapshot files.
func (e *Engine) DropCollection(ctx context.Context, name string) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	col, ok := e.collections[name]
	if !ok {
		return &NotFoundError{Kind: "collection", ID: name}
	}

	col.mu.Lock()
	defer col.mu.Unlock()
	if err := e.st.DeleteCollection(ctx, name); err != nil {
		return err
	}
	if err := col.b.Close(); err != nil {
		e.log.Warn("backend close failed on drop", zap.String("collection", name), zap.Error(err))
	}
	delete(e.collections, name)
	if !e.opts.DisableSnapshots {
		if err := os.RemoveAll(e.snapshotDir(name)); err != nil {
			e.log.Warn("snapshot cleanup failed on drop", zap.String("collection", name), zap.Error(err))
		}
	}
	return nil
}

// openCollection builds the handle for a registered collection and brings
// its index up to the change log.
func (e *Engine) openCollection(ctx context.Context, desc store.Collection) (*Collection, error) {
	metric, err := vecmath.ParseMetric(desc.Metric)
	if err != nil {
		return nil, err
	}
	kind, err := backend.ParseKind(desc.Backend)
	if err != nil {
		return nil, err
	}
	schema, err := schemaFromStore(desc.Schema)
	if err != nil {
		return nil, err
	}

	b, err := e.newBackend(desc.Name, kind, desc.Dims, metric, desc.MaxElements, desc.M, desc.EfConstruction)
	if err != nil {
		return nil, err
	}

	col := &Collection{
		eng:       e,
		name:      desc.Name,
		dims:      desc.Dims,
		metric:    metric,
		kind:      kind,
		schema:    schema,
		createdAt: desc.CreatedAt,
		b:         b,
	}
	if !e.opts.DisableCache {
		col.cache = cache.New[[]SearchResult](e.opts.CacheEntries)
	}

	epoch, err := e.st.MaxEpoch(ctx, desc.Name)
	if err != nil {
		return nil, err
	}
	col.epoch.Store(epoch)

	if err := e.restoreOrRebuild(ctx, desc.Name, b, epoch, col.rebuild); err != nil {
		return nil, err
	}
	return col, nil
}

// newBackend builds a backend with the engine-wide tuning knobs and the
// collection's snapshot directory.
func (e *Engine) newBackend(name string, kind backend.Kind, dims int, metric vecmath.Metric, maxElements, m, efConstruction int) (backend.Backend, error) {
	cfg := backend.Config{
		Name:           name,
		Kind:           kind,
		Dims:           dims,
		Metric:         metric,
		MaxElements:    maxElements,
		M:              m,
		EfConstruction: efConstruction,
		EfSearch:       e.opts.EfSearch,
		TierThreshold:  e.opts.TierThreshold,
		Seed:           e.opts.Seed,
		Pool:           e.pool,
		Logger:         e.log,
	}
	if !e.opts.DisableSnapshots {
		cfg.SnapshotDir = e.snapshotDir(name)
	}
	return backend.New(cfg)
}

func (e *Engine) snapshotDir(collection string) string {
	return filepath.Join(store.SnapshotDir(e.st.Dir()), collection)
}

// restoreOrRebuild brings an index up to epoch: restore from snapshot when
// it matches, otherwise rebuild from the durable rows. Corrupt snapshots
// are logged and rebuilt, never fatal.
func (e *Engine) restoreOrRebuild(ctx context.Context, name string, b backend.Backend, epoch uint64, rebuild func(context.Context) error) error {
	snap, ok := b.(backend.Snapshotter)
	if ok && !e.opts.DisableSnapshots {
		got, err := snap.RestoreSnapshot(ctx)
		switch {
		case err == nil && got == epoch:
			return nil
		case err == nil:
			e.log.Debug("index snapshot stale, rebuilding",
				zap.String("collection", name),
				zap.Uint64("snapshot_epoch", got),
				zap.Uint64("epoch", epoch))
		case errors.Is(err, backend.ErrNoSnapshot):
			// First open, or snapshots were disabled last run.
		default:
			var corrupt *backend.CorruptSnapshotError
			if errors.As(err, &corrupt) {
				err = &IndexCorruptionError{Path: corrupt.Path, Cause: corrupt.Cause}
			}
			e.log.Warn("index snapshot unusable, rebuilding",
				zap.String("collection", name),
				zap.Error(err))
		}
	}
	return rebuild(ctx)
}

// openMemory builds the four memory abstractions over their dedicated
// collections. Their rows live in typed tables, so each index rebuilds
// from its own table rather than the vectors table.
func (e *Engine) openMemory(ctx context.Context) error {
	dims := e.emb.Dimensions()
	if dims <= 0 {
		return fmt.Errorf("engram: embedder reports %d dimensions", dims)
	}

	pIdx, err := e.openMemIndex(ctx, patternsCollection, dims, e.loadPatternRecords)
	if err != nil {
		return err
	}
	e.patterns = &PatternStore{eng: e, idx: pIdx}

	epIdx, err := e.openMemIndex(ctx, episodesCollection, dims, e.loadEpisodeRecords)
	if err != nil {
		return err
	}
	e.episodes = &EpisodeStore{eng: e, idx: epIdx}

	skIdx, err := e.openMemIndex(ctx, skillsCollection, dims, e.loadSkillRecords)
	if err != nil {
		return err
	}
	e.skills = &SkillLibrary{eng: e, idx: skIdx}

	caIdx, err := e.openMemIndex(ctx, causalCollection, dims, e.loadCausalRecords)
	if err != nil {
		return err
	}
	e.causal = &CausalStore{eng: e, idx: caIdx}
	return nil
}

func (e *Engine) memIndexes() []*memIndex {
	var out []*memIndex
	if e.patterns != nil {
		out = append(out, e.patterns.idx)
	}
	if e.episodes != nil {
		out = append(out, e.episodes.idx)
	}
	if e.skills != nil {
		out = append(out, e.skills.idx)
	}
	if e.causal != nil {
		out = append(out, e.causal.idx)
	}
	return out
}

// Close saves index snapshots, stops the dispatch pool and closes the
// store. Idempotent; the engine is unusable afterwards.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	ctx := context.Background()

	e.mu.Lock()
	cols := make([]*Collection, 0, len(e.collections))
	for _, col := range e.collections {
		cols = append(cols, col)
	}
	e.mu.Unlock()

	var firstErr error
	for _, col := range cols {
		col.mu.Lock()
		e.saveSnapshot(ctx, col.name, col.b, col.epoch.Load())
		if err := col.b.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		col.mu.Unlock()
	}
	for _, m := range e.memIndexes() {
		m.mu.Lock()
		e.saveSnapshot(ctx, m.name, m.b, m.epoch.Load())
		if err := m.b.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		m.mu.Unlock()
	}

	e.subs.closeAll()
	e.pool.Close()
	if err := e.st.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (e *Engine) saveSnapshot(ctx context.Context, name string, b backend.Backend, epoch uint64) {
	if e.opts.DisableSnapshots {
		return
	}
	snap, ok := b.(backend.Snapshotter)
	if !ok {
		return
	}
	if err := snap.SaveSnapshot(ctx, epoch); err != nil {
		e.log.Warn("index snapshot save failed", zap.String("collection", name), zap.Error(err))
	}
}

// shutdown releases partially-opened resources when Open fails.
func (e *Engine) shutdown() {
	e.closed.Store(true)
	for _, col := range e.collections {
		col.b.Close()
	}
	for _, m := range e.memIndexes() {
		m.b.Close()
	}
	e.pool.Close()
	e.st.Close()
}
