package backend

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	chromem "github.com/philippgille/chromem-go"

	"github.com/engramdb/engram/internal/vecmath"
)

const defaultChromemCollection = "vectors"

// chromemStore is the accelerated-b backend, a binding to the embedded
// vector database github.com/philippgille/chromem-go.
//
// The library ranks by cosine similarity over stringified metadata, so it
// serves the ranking for cosine collections only; euclidean and dot queries
// go through the exact shadow scan. Reported distances always come from the
// shadow vectors so results carry the same semantics as the other backends.
type chromemStore struct {
	cfg  Config
	name string
	dist vecmath.DistanceFunc

	mu     sync.RWMutex
	db     *chromem.DB
	col    *chromem.Collection
	shadow *shadow
}

func newChromem(cfg Config) (*chromemStore, error) {
	dist, err := vecmath.Distance(cfg.Metric)
	if err != nil {
		return nil, err
	}

	var db *chromem.DB
	if cfg.SnapshotDir != "" {
		db, err = chromem.NewPersistentDB(filepath.Join(cfg.SnapshotDir, chromemDirName), false)
		if err != nil {
			return nil, fmt.Errorf("backend: open persistent db: %v", err)
		}
	} else {
		db = chromem.NewDB()
	}

	name := cfg.Name
	if name == "" {
		name = defaultChromemCollection
	}
	// No embedding function: the engine always supplies embeddings.
	col, err := db.GetOrCreateCollection(name, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("backend: open collection: %v", err)
	}

	c := &chromemStore{
		cfg:    cfg,
		name:   name,
		dist:   dist,
		db:     db,
		col:    col,
		shadow: newShadow(),
	}
	return c, nil
}

func (c *chromemStore) Insert(ctx context.Context, id string, vector []float32, metadata map[string]any) error {
	if err := validateVector(vector, c.cfg.Dims); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	doc := chromem.Document{
		ID:        id,
		Metadata:  stringifyMeta(metadata),
		Embedding: cloneVector(vector),
	}
	if err := c.col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("backend: add document: %v", err)
	}
	c.shadow.put(id, vector, metadata)
	return nil
}

func (c *chromemStore) BatchInsert(ctx context.Context, recs []Record) (BatchReport, error) {
	return batchInsert(ctx, c, c.cfg.Dims, recs)
}

func (c *chromemStore) Search(ctx context.Context, query []float32, k int, filter Filter) ([]Match, error) {
	if err := validateVector(query, c.cfg.Dims); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, nil
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.cfg.Metric != vecmath.Cosine {
		return c.shadow.scan(ctx, c.dist, c.cfg.Metric, query, k, filter)
	}

	res, err := c.query(ctx, query, k, stringifyMeta(filter))
	if err != nil {
		return nil, err
	}

	out := make([]Match, 0, len(res))
	for _, r := range res {
		rec, ok := c.shadow.recs[r.ID]
		if !ok {
			continue
		}
		out = append(out, Match{
			ID:       r.ID,
			Distance: c.dist(query, rec.Vector),
			Metadata: cloneMeta(rec.Metadata),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Distance != out[j].Distance {
			return out[i].Distance < out[j].Distance
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// query asks the library for the k nearest documents. nResults above the
// library's accepted bound is rejected rather than clamped, so retry with a
// smaller n until a query goes through.
func (c *chromemStore) query(ctx context.Context, query []float32, k int, where map[string]string) ([]chromem.Result, error) {
	n := k
	if count := c.col.Count(); n > count {
		n = count
	}
	for n > 0 {
		res, err := c.col.QueryEmbedding(ctx, query, n, where, nil)
		if err != nil {
			if isInsufficientResults(err) {
				n--
				continue
			}
			return nil, fmt.Errorf("backend: query collection: %v", err)
		}
		return res, nil
	}
	return nil, nil
}

func isInsufficientResults(err error) bool {
	s := err.Error()
	return strings.Contains(s, "nResults") || strings.Contains(s, "number of documents")
}

func (c *chromemStore) Delete(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.shadow.recs[id]; !ok {
		return ErrNotFound
	}
	if err := c.col.Delete(ctx, nil, nil, id); err != nil {
		return fmt.Errorf("backend: delete document: %v", err)
	}
	c.shadow.delete(id)
	return nil
}

func (c *chromemStore) Stats(_ context.Context) (Stats, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{
		Count:  c.shadow.len(),
		Dims:   c.cfg.Dims,
		Metric: c.cfg.Metric,
		Kind:   KindAcceleratedB,
	}, nil
}

// Load replaces the collection contents. The library has no truncate, so
// the collection is dropped and recreated before the records are added.
func (c *chromemStore) Load(ctx context.Context, recs []Record) error {
	for _, r := range recs {
		if err := validateVector(r.Vector, c.cfg.Dims); err != nil {
			return err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.db.DeleteCollection(c.name); err != nil {
		return fmt.Errorf("backend: reset collection: %v", err)
	}
	col, err := c.db.GetOrCreateCollection(c.name, nil, nil)
	if err != nil {
		return fmt.Errorf("backend: recreate collection: %v", err)
	}

	sh := newShadow()
	for _, r := range recs {
		doc := chromem.Document{
			ID:        r.ID,
			Metadata:  stringifyMeta(r.Metadata),
			Embedding: cloneVector(r.Vector),
		}
		if err := col.AddDocument(ctx, doc); err != nil {
			return fmt.Errorf("backend: add document: %v", err)
		}
		sh.put(r.ID, r.Vector, r.Metadata)
	}

	c.col = col
	c.shadow = sh
	return nil
}

func (c *chromemStore) Close() error {
	return nil
}

// stringifyMeta renders typed metadata the way the library stores it. The
// same rendering runs on the insert and filter paths so string equality
// inside the library agrees with typed equality elsewhere.
func stringifyMeta(meta map[string]any) map[string]string {
	if len(meta) == 0 {
		return nil
	}
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		out[k] = stringifyValue(v)
	}
	return out
}

func stringifyValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

var _ Backend = (*chromemStore)(nil)
