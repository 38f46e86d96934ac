package engram

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/engramdb/engram/internal/backend"
	"github.com/engramdb/engram/internal/cache"
	"github.com/engramdb/engram/internal/store"
	"github.com/engramdb/engram/internal/vecmath"
)

// memIndex is the index half of a memory abstraction: a dedicated cosine
// backend over rows whose durable truth lives in a typed sqlite table
// rather than the vectors table. It carries the same epoch, cache and
// single-writer discipline as a user collection.
type memIndex struct {
	eng  *Engine
	name string
	dims int

	mu    sync.RWMutex
	epoch atomic.Uint64
	b     backend.Backend
	cache *cache.Cache[[]backend.Match]
}

// openMemIndex builds one memory index and brings it up to the change log,
// rebuilding from its table through load when the snapshot does not match.
func (e *Engine) openMemIndex(ctx context.Context, name string, dims int, load func(context.Context) ([]backend.Record, error)) (*memIndex, error) {
	b, err := e.newBackend(name, backend.KindEmbedded, dims, vecmath.Cosine, 0, 0, 0)
	if err != nil {
		return nil, err
	}
	m := &memIndex{eng: e, name: name, dims: dims, b: b}
	if !e.opts.DisableCache {
		m.cache = cache.New[[]backend.Match](e.opts.CacheEntries)
	}

	epoch, err := e.st.MaxEpoch(ctx, name)
	if err != nil {
		b.Close()
		return nil, err
	}
	m.epoch.Store(epoch)

	rebuild := func(ctx context.Context) error {
		recs, err := load(ctx)
		if err != nil {
			return err
		}
		return m.b.Load(ctx, recs)
	}
	if err := e.restoreOrRebuild(ctx, name, b, epoch, rebuild); err != nil {
		b.Close()
		return nil, fmt.Errorf("engram: open %s index: %w", name, err)
	}
	return m, nil
}

// embedText derives, validates and normalizes a vector for text.
func (m *memIndex) embedText(ctx context.Context, text string) ([]float32, error) {
	vec, err := m.eng.emb.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("engram: embed: %w", err)
	}
	return m.normalize(vec)
}

// normalize validates a caller- or embedder-supplied vector and normalizes
// it for the cosine index.
func (m *memIndex) normalize(vec []float32) ([]float32, error) {
	if err := vecmath.ValidateVector(vec); err != nil {
		return nil, err
	}
	if len(vec) != m.dims {
		return nil, &DimensionMismatchError{Expected: m.dims, Actual: len(vec)}
	}
	return vecmath.Normalize(vec), nil
}

// search runs a cached nearest-k query.
func (m *memIndex) search(ctx context.Context, vec []float32, k int) ([]backend.Match, error) {
	if k <= 0 {
		return nil, nil
	}
	compute := func() ([]backend.Match, error) {
		m.mu.RLock()
		defer m.mu.RUnlock()
		return m.b.Search(ctx, vec, k, nil)
	}
	if m.cache == nil {
		res, err := compute()
		if err != nil {
			return nil, searchErr(backend.KindEmbedded, err)
		}
		return res, nil
	}
	key := cache.Key(m.name, vec, k, vecmath.Cosine, nil)
	res, _, err := m.cache.GetOrCompute(key, m.epoch.Load(), compute)
	if err != nil {
		return nil, searchErr(backend.KindEmbedded, err)
	}
	return res, nil
}

// change builds the change record for the next epoch. Callers hold the
// writer lock; multi-change flows use changeAt with explicit epochs.
func (m *memIndex) change(op, recordID string) store.ChangeRecord {
	return m.changeAt(op, recordID, m.epoch.Load()+1)
}

func (m *memIndex) changeAt(op, recordID string, epoch uint64) store.ChangeRecord {
	return store.ChangeRecord{
		Op:         op,
		Collection: m.name,
		RecordID:   recordID,
		Epoch:      epoch,
		At:         time.Now().UTC(),
	}
}

// insert applies a durably-committed embedding to the index. Failures are
// logged, not returned: the table is the truth and the index converges on
// the next rebuild.
func (m *memIndex) insert(ctx context.Context, id string, vec []float32) {
	if err := m.b.Insert(ctx, id, vec, nil); err != nil {
		m.eng.log.Warn("index insert failed after durable write",
			zap.String("collection", m.name),
			zap.String("id", id),
			zap.Error(err))
	}
}

// finish publishes a committed change: epoch first, then the event.
func (m *memIndex) finish(change store.ChangeRecord) {
	m.epoch.Store(change.Epoch)
	m.eng.subs.publish(eventFromChange(change))
}
