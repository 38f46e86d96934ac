package engram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/engramdb/engram/internal/backend"
	"github.com/engramdb/engram/internal/cache"
	"github.com/engramdb/engram/internal/store"
	"github.com/engramdb/engram/internal/vecmath"
)

// Record is one stored vector with its metadata.
type Record struct {
	ID        string
	Vector    []float32
	Metadata  map[string]any
	CreatedAt time.Time
}

// SearchResult is one ranked hit, nearest first. Distance follows the
// collection metric: cosine is 1-dot on unit vectors, euclidean is raw,
// dot product is negated so smaller always means closer.
type SearchResult struct {
	ID       string
	Distance float64
	Metadata map[string]any
}

// BatchFailure reports one record of a batch that was not applied.
type BatchFailure struct {
	Index int
	ID    string
	Err   error
}

// BatchReport lists which records of a batch were applied and which
// failed, in input order.
type BatchReport struct {
	Inserted []string
	Failed   []BatchFailure
}

// Ok reports whether the whole batch was applied.
func (r BatchReport) Ok() bool { return len(r.Failed) == 0 }

// CollectionStats reports live collection state. Count comes from the
// durable store; Backend names the kind actually serving, which differs
// from the configured kind after a degradation.
type CollectionStats struct {
	Name    string
	Count   int
	Dims    int
	Metric  string
	Backend string
	Epoch   uint64
	Cache   CacheStats
}

// CacheStats mirrors the query cache counters.
type CacheStats struct {
	Hits      int64
	Misses    int64
	Evictions int64
}

// Collection is a handle to one named set of vectors. Safe for concurrent
// use: one writer at a time, any number of readers. A reader that starts
// before a write returns may observe the pre-write state; a mutation is
// visible to every operation that starts after it returns.
type Collection struct {
	eng       *Engine
	name      string
	dims      int
	metric    vecmath.Metric
	kind      backend.Kind
	schema    Schema
	createdAt time.Time

	mu    sync.RWMutex
	epoch atomic.Uint64
	b     backend.Backend
	cache *cache.Cache[[]SearchResult] // nil when caching is disabled
}

// Name returns the collection name.
func (c *Collection) Name() string { return c.name }

// Dims returns the fixed vector dimensionality.
func (c *Collection) Dims() int { return c.dims }

// Metric returns the distance metric name.
func (c *Collection) Metric() string { return string(c.metric) }

// CreatedAt returns when the collection was registered.
func (c *Collection) CreatedAt() time.Time { return c.createdAt }

// Insert adds or replaces one record. An empty ID gets a fresh uuid.
// Cosine collections normalize the vector once here. The returned record
// carries the stored id, vector and timestamp.
func (c *Collection) Insert(ctx context.Context, rec Record) (Record, error) {
	if err := c.eng.checkOpen(); err != nil {
		return Record{}, err
	}
	prepared, err := c.prepare(rec)
	if err != nil {
		return Record{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	op := OpInsert
	if _, err := c.eng.st.GetVector(ctx, c.name, prepared.ID); err == nil {
		op = OpUpdate
	} else if !errors.Is(err, store.ErrNotFound) {
		return Record{}, err
	}

	row, change, err := c.row(prepared, op, c.epoch.Load()+1)
	if err != nil {
		return Record{}, err
	}
	if err := c.eng.st.UpsertVector(ctx, row, change); err != nil {
		return Record{}, err
	}
	c.indexInsert(ctx, prepared)
	c.finish(change)
	return prepared, nil
}

// BatchInsert applies records in order under one writer hold. Records that
// fail validation are reported and skipped; the valid remainder commits in
// a single transaction, each record with its own epoch and change event.
func (c *Collection) BatchInsert(ctx context.Context, recs []Record) (BatchReport, error) {
	var report BatchReport
	if err := c.eng.checkOpen(); err != nil {
		return report, err
	}
	if len(recs) == 0 {
		return report, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	prepared := make([]Record, 0, len(recs))
	rows := make([]store.VectorRow, 0, len(recs))
	changes := make([]store.ChangeRecord, 0, len(recs))
	epoch := c.epoch.Load()
	for i, rec := range recs {
		if err := ctx.Err(); err != nil {
			report.Failed = append(report.Failed, BatchFailure{Index: i, ID: rec.ID, Err: err})
			continue
		}
		p, err := c.prepare(rec)
		if err != nil {
			report.Failed = append(report.Failed, BatchFailure{Index: i, ID: rec.ID, Err: err})
			continue
		}
		op := OpInsert
		if _, err := c.eng.st.GetVector(ctx, c.name, p.ID); err == nil {
			op = OpUpdate
		} else if !errors.Is(err, store.ErrNotFound) {
			return report, err
		}
		row, change, err := c.row(p, op, epoch+1)
		if err != nil {
			report.Failed = append(report.Failed, BatchFailure{Index: i, ID: p.ID, Err: err})
			continue
		}
		epoch++
		prepared = append(prepared, p)
		rows = append(rows, row)
		changes = append(changes, change)
	}
	if len(rows) == 0 {
		return report, nil
	}

	if err := c.eng.st.BatchUpsertVectors(ctx, rows, changes); err != nil {
		return report, err
	}
	for i, p := range prepared {
		c.indexInsert(ctx, p)
		c.finish(changes[i])
		report.Inserted = append(report.Inserted, p.ID)
	}
	return report, nil
}

// Get returns one record from the durable store.
func (c *Collection) Get(ctx context.Context, id string) (Record, error) {
	if err := c.eng.checkOpen(); err != nil {
		return Record{}, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	row, err := c.eng.st.GetVector(ctx, c.name, id)
	if err != nil {
		return Record{}, notFound(err, "record", id)
	}
	meta, err := decodeMetadata(c.schema, row.Metadata)
	if err != nil {
		return Record{}, fmt.Errorf("engram: decode metadata for %q: %w", id, err)
	}
	return Record{ID: row.ID, Vector: row.Vector, Metadata: meta, CreatedAt: row.CreatedAt}, nil
}

// Delete removes one record. The epoch bump drops every cached result set
// computed before the delete, so the id cannot resurface from the cache.
func (c *Collection) Delete(ctx context.Context, id string) error {
	if err := c.eng.checkOpen(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	change := store.ChangeRecord{
		Op:         OpDelete,
		Collection: c.name,
		RecordID:   id,
		Epoch:      c.epoch.Load() + 1,
		At:         time.Now().UTC(),
	}
	if err := c.eng.st.DeleteVector(ctx, c.name, id, change); err != nil {
		return notFound(err, "record", id)
	}
	if err := c.b.Delete(ctx, id); err != nil && !errors.Is(err, backend.ErrNotFound) {
		c.eng.log.Warn("index delete failed after durable delete",
			zap.String("collection", c.name),
			zap.String("id", id),
			zap.Error(err))
	}
	c.finish(change)
	return nil
}

// Search returns the k nearest records to query, optionally restricted to
// records whose metadata equals every filter entry. Results are served
// from the query cache while the collection epoch matches; cancellation
// surfaces as ErrSearchCancelled.
func (c *Collection) Search(ctx context.Context, query []float32, k int, filter map[string]any) ([]SearchResult, error) {
	if err := c.eng.checkOpen(); err != nil {
		return nil, err
	}
	if err := vecmath.ValidateVector(query); err != nil {
		return nil, err
	}
	if len(query) != c.dims {
		return nil, &DimensionMismatchError{Expected: c.dims, Actual: len(query)}
	}
	if k <= 0 {
		return nil, nil
	}
	f, err := c.canonicalFilter(filter)
	if err != nil {
		return nil, err
	}
	q := query
	if c.metric == vecmath.Cosine {
		q = vecmath.Normalize(query)
	}

	compute := func() ([]SearchResult, error) {
		c.mu.RLock()
		defer c.mu.RUnlock()
		matches, err := c.b.Search(ctx, q, k, f)
		if err != nil {
			return nil, err
		}
		out := make([]SearchResult, len(matches))
		for i, m := range matches {
			out[i] = SearchResult{ID: m.ID, Distance: m.Distance, Metadata: m.Metadata}
		}
		return out, nil
	}

	if c.cache == nil {
		res, err := compute()
		if err != nil {
			return nil, searchErr(c.kind, err)
		}
		return res, nil
	}
	key := cache.Key(c.name, q, k, c.metric, f)
	res, _, err := c.cache.GetOrCompute(key, c.epoch.Load(), compute)
	if err != nil {
		return nil, searchErr(c.kind, err)
	}
	// The cached slice is shared across hits; callers get their own copy.
	return cloneResults(res), nil
}

// Stats reports the current collection state.
func (c *Collection) Stats(ctx context.Context) (CollectionStats, error) {
	if err := c.eng.checkOpen(); err != nil {
		return CollectionStats{}, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	count, err := c.eng.st.CountVectors(ctx, c.name)
	if err != nil {
		return CollectionStats{}, err
	}
	bs, err := c.b.Stats(ctx)
	if err != nil {
		return CollectionStats{}, err
	}
	out := CollectionStats{
		Name:    c.name,
		Count:   count,
		Dims:    c.dims,
		Metric:  string(c.metric),
		Backend: string(bs.Kind),
		Epoch:   c.epoch.Load(),
	}
	if c.cache != nil {
		cs := c.cache.Stats()
		out.Cache = CacheStats{Hits: cs.Hits, Misses: cs.Misses, Evictions: cs.Evictions}
	}
	return out, nil
}

// prepare validates and canonicalizes one record for insertion: dimension
// check, schema check, cosine normalization, id and timestamp assignment.
func (c *Collection) prepare(rec Record) (Record, error) {
	if err := vecmath.ValidateVector(rec.Vector); err != nil {
		return Record{}, err
	}
	if len(rec.Vector) != c.dims {
		return Record{}, &DimensionMismatchError{Expected: c.dims, Actual: len(rec.Vector)}
	}
	meta, err := canonicalMetadata(c.schema, rec.Metadata)
	if err != nil {
		return Record{}, err
	}

	var vec []float32
	if c.metric == vecmath.Cosine {
		vec = vecmath.Normalize(rec.Vector)
	} else {
		vec = append([]float32(nil), rec.Vector...)
	}

	id := rec.ID
	if id == "" {
		id = uuid.NewString()
	}
	created := rec.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	return Record{ID: id, Vector: vec, Metadata: meta, CreatedAt: created.UTC()}, nil
}

// row builds the durable row and its change record. Callers hold the
// writer lock and pass the epoch this mutation establishes.
func (c *Collection) row(rec Record, op string, epoch uint64) (store.VectorRow, store.ChangeRecord, error) {
	var metaJSON []byte
	if len(rec.Metadata) > 0 {
		b, err := json.Marshal(rec.Metadata)
		if err != nil {
			return store.VectorRow{}, store.ChangeRecord{}, fmt.Errorf("engram: encode metadata: %w", err)
		}
		metaJSON = b
	}
	row := store.VectorRow{
		Collection: c.name,
		ID:         rec.ID,
		Vector:     rec.Vector,
		Norm:       vecmath.Norm(rec.Vector),
		Metadata:   metaJSON,
		CreatedAt:  rec.CreatedAt,
	}
	change := store.ChangeRecord{
		Op:         op,
		Collection: c.name,
		RecordID:   rec.ID,
		Epoch:      epoch,
		At:         time.Now().UTC(),
	}
	return row, change, nil
}

// indexInsert applies a durably-committed record to the index. An index
// failure is logged, not returned: the row is the truth and the index
// converges on the next rebuild.
func (c *Collection) indexInsert(ctx context.Context, rec Record) {
	if err := c.b.Insert(ctx, rec.ID, rec.Vector, rec.Metadata); err != nil {
		c.eng.log.Warn("index insert failed after durable write",
			zap.String("collection", c.name),
			zap.String("id", rec.ID),
			zap.Error(err))
	}
}

// finish publishes a committed change: the epoch advances first, then the
// event goes out, both before the mutating call returns.
func (c *Collection) finish(change store.ChangeRecord) {
	c.epoch.Store(change.Epoch)
	c.eng.subs.publish(eventFromChange(change))
}

// rebuild reloads the index from the vectors table.
func (c *Collection) rebuild(ctx context.Context) error {
	rows, err := c.eng.st.LoadVectors(ctx, c.name)
	if err != nil {
		return err
	}
	recs := make([]backend.Record, 0, len(rows))
	for _, row := range rows {
		meta, err := decodeMetadata(c.schema, row.Metadata)
		if err != nil {
			return fmt.Errorf("engram: decode metadata for %q: %w", row.ID, err)
		}
		recs = append(recs, backend.Record{ID: row.ID, Vector: row.Vector, Metadata: meta})
	}
	return c.b.Load(ctx, recs)
}

// matches verifies a declared configuration against this registered
// collection. Identity fields must agree; index tuning hints may drift and
// the registry wins.
func (c *Collection) matches(cfg CollectionConfig) error {
	if cfg.Dims != c.dims {
		return fmt.Errorf("engram: collection %q declared with %d dims, registered with %d", c.name, cfg.Dims, c.dims)
	}
	if cfg.Metric != string(c.metric) {
		return fmt.Errorf("engram: collection %q declared with metric %q, registered with %q", c.name, cfg.Metric, c.metric)
	}
	if cfg.Backend != string(c.kind) {
		return fmt.Errorf("engram: collection %q declared with backend %q, registered with %q", c.name, cfg.Backend, c.kind)
	}
	if !schemaEqual(cfg.Schema, c.schema) {
		return fmt.Errorf("engram: collection %q declared with a different schema than registered", c.name)
	}
	return nil
}

func schemaEqual(a, b Schema) bool {
	if len(a) != len(b) {
		return false
	}
	for field, ft := range a {
		if b[field] != ft {
			return false
		}
	}
	return true
}

// canonicalFilter validates a search filter the same way insert metadata
// is validated, so typed equality holds between stored and queried values.
func (c *Collection) canonicalFilter(filter map[string]any) (backend.Filter, error) {
	if len(filter) == 0 {
		return nil, nil
	}
	m, err := canonicalMetadata(c.schema, filter)
	if err != nil {
		return nil, err
	}
	return backend.Filter(m), nil
}

// canonicalMetadata validates metadata against the schema and converts
// every value to its canonical scalar type. Unknown keys and wrong-typed
// values are rejected when a schema is declared.
func canonicalMetadata(schema Schema, metadata map[string]any) (map[string]any, error) {
	if len(metadata) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(metadata))
	for key, value := range metadata {
		var ft FieldType
		if len(schema) > 0 {
			declared, ok := schema[key]
			if !ok {
				return nil, fmt.Errorf("engram: metadata field %q not in collection schema", key)
			}
			ft = declared
		}
		cv, err := canonicalValue(ft, value)
		if err != nil {
			return nil, fmt.Errorf("engram: metadata field %q: %w", key, err)
		}
		out[key] = cv
	}
	return out, nil
}

// canonicalValue maps an accepted input scalar onto the canonical type for
// ft: string, int64, float64 or bool. Integers widen to float64 for float
// fields; no other coercion happens. Schemaless fields (ft empty) keep
// strings and bools and carry every number as float64, which is what their
// JSON round trip preserves across restarts.
func canonicalValue(ft FieldType, v any) (any, error) {
	var cv any
	switch x := v.(type) {
	case string:
		cv = x
	case bool:
		cv = x
	case int:
		cv = int64(x)
	case int32:
		cv = int64(x)
	case int64:
		cv = x
	case float32:
		cv = float64(x)
	case float64:
		cv = x
	default:
		return nil, fmt.Errorf("unsupported metadata type %T", v)
	}

	switch ft {
	case "":
		if n, ok := cv.(int64); ok {
			cv = float64(n)
		}
		return cv, nil
	case FieldString:
		if _, ok := cv.(string); ok {
			return cv, nil
		}
	case FieldInt:
		if _, ok := cv.(int64); ok {
			return cv, nil
		}
	case FieldFloat:
		if n, ok := cv.(int64); ok {
			return float64(n), nil
		}
		if _, ok := cv.(float64); ok {
			return cv, nil
		}
	case FieldBool:
		if _, ok := cv.(bool); ok {
			return cv, nil
		}
	}
	return nil, fmt.Errorf("declared %s, got %T", ft, v)
}

// decodeMetadata decodes a stored metadata document back into canonical
// scalars. JSON numbers arrive as float64; fields declared int convert
// back to int64 so typed filters keep matching after a reload.
func decodeMetadata(schema Schema, raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return nil, nil
	}
	for key, value := range m {
		if f, ok := value.(float64); ok && schema[key] == FieldInt {
			m[key] = int64(f)
		}
	}
	return m, nil
}

func cloneResults(in []SearchResult) []SearchResult {
	out := make([]SearchResult, len(in))
	for i, r := range in {
		cp := r
		if len(r.Metadata) > 0 {
			m := make(map[string]any, len(r.Metadata))
			for k, v := range r.Metadata {
				m[k] = v
			}
			cp.Metadata = m
		}
		out[i] = cp
	}
	return out
}
