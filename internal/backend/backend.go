// Package backend defines the vector index contract the engine programs
// against and its three implementations: a portable pure-Go tiered index, a
// binding to github.com/coder/hnsw and a binding to chromem-go. The engine
// selects one per collection; the collection layer owns epochs, change
// events and caching, backends own only vectors, metadata and ranking.
package backend

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/engramdb/engram/internal/vecmath"
)

// Kind identifies a backend implementation.
type Kind string

const (
	KindEmbedded     Kind = "embedded"
	KindAcceleratedA Kind = "accelerated-a"
	KindAcceleratedB Kind = "accelerated-b"
)

// ParseKind converts a configuration string into a Kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.Valid() {
		return "", fmt.Errorf("backend: unknown kind %q", s)
	}
	return k, nil
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindEmbedded, KindAcceleratedA, KindAcceleratedB:
		return true
	}
	return false
}

// Record is one vector with its typed metadata.
type Record struct {
	ID       string
	Vector   []float32
	Metadata map[string]any
}

// Match is one ranked search hit, nearest first. Metadata is a copy the
// caller may keep.
type Match struct {
	ID       string
	Distance float64
	Metadata map[string]any
}

// Filter restricts search hits to records whose metadata carries every
// listed key with an equal value. Values must be the canonical scalar types
// the engine stores (string, int64, float64, bool).
type Filter map[string]any

func (f Filter) matches(metadata map[string]any) bool {
	for key, want := range f {
		got, ok := metadata[key]
		if !ok || got != want {
			return false
		}
	}
	return true
}

// Stats describes a live backend.
type Stats struct {
	Count  int
	Dims   int
	Metric vecmath.Metric
	Kind   Kind
}

// BatchFailure reports one record of a batch that was not applied.
type BatchFailure struct {
	Index int
	ID    string
	Err   error
}

// BatchReport lists exactly which records of a batch were applied and which
// failed, in input order.
type BatchReport struct {
	Inserted []string
	Failed   []BatchFailure
}

// Ok reports whether the whole batch was applied.
func (r BatchReport) Ok() bool { return len(r.Failed) == 0 }

// ErrNotFound is returned by Delete when the id is not in the backend.
var ErrNotFound = errors.New("backend: id not found")

// DimensionError reports a vector whose length does not match the
// collection dimensionality.
type DimensionError struct {
	Expected int
	Actual   int
}

func (e *DimensionError) Error() string {
	return fmt.Sprintf("backend: expected %d dimensions, got %d", e.Expected, e.Actual)
}

// Backend indexes vectors with metadata and serves nearest-neighbor
// queries. Implementations are safe for concurrent use and return copies,
// never internal state. Library-specific errors are translated before they
// cross this boundary.
type Backend interface {
	// Insert adds or replaces one record.
	Insert(ctx context.Context, id string, vector []float32, metadata map[string]any) error

	// BatchInsert applies records in order and reports per-record failures.
	// Every record is validated before any index mutation, so a bad record
	// never leaves a half-applied graph insertion behind.
	BatchInsert(ctx context.Context, recs []Record) (BatchReport, error)

	// Search returns the k nearest records, optionally restricted by
	// filter. An empty backend yields an empty result; k larger than the
	// record count returns everything that matches.
	Search(ctx context.Context, query []float32, k int, filter Filter) ([]Match, error)

	// Delete removes one record. Returns ErrNotFound if absent.
	Delete(ctx context.Context, id string) error

	// Stats returns live counts and configuration.
	Stats(ctx context.Context) (Stats, error)

	// Load replaces the backend contents with recs, for rebuilds from the
	// persistent vector table at open.
	Load(ctx context.Context, recs []Record) error

	Close() error
}

// Config holds backend construction parameters.
type Config struct {
	// Name is the collection the backend serves, used for snapshot file
	// naming and log fields.
	Name string

	// Kind selects the implementation. Default: KindEmbedded.
	Kind Kind

	// Dims is the vector dimensionality. Required.
	Dims int

	// Metric selects the distance function. Default: cosine.
	Metric vecmath.Metric

	// MaxElements presizes index storage. A hint, not a limit.
	MaxElements int

	// M, EfConstruction and EfSearch tune the proximity graphs. Zero values
	// take each index's defaults.
	M              int
	EfConstruction int
	EfSearch       int

	// TierThreshold is the portable backend's brute-force to graph
	// promotion point. Zero takes the index package default.
	TierThreshold int

	// Seed feeds the portable graph's level RNG. Zero takes the default.
	Seed int64

	// SnapshotDir, when set, enables index snapshots in that directory: a
	// gob records file for the portable backend, gob plus a saved graph
	// file for accelerated-a, and a persistent chromem database for
	// accelerated-b.
	SnapshotDir string

	// Pool routes accelerated query and mutation calls through a bounded
	// worker pool with per-call timeouts. The portable backend never uses
	// it.
	Pool *Pool

	// Logger reports degradations and snapshot rebuilds.
	// Default: zap.NewNop().
	Logger *zap.Logger
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Kind == "" {
		out.Kind = KindEmbedded
	}
	if out.Metric == "" {
		out.Metric = vecmath.Cosine
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	return out
}

// Construction hooks, swappable in tests to exercise the degraded path.
var (
	newAcceleratedA = func(cfg Config) (Backend, error) { return newHNSWLib(cfg) }
	newAcceleratedB = func(cfg Config) (Backend, error) { return newChromem(cfg) }
)

// New constructs the backend named by cfg.Kind. When an accelerated backend
// cannot be constructed the portable backend takes over and the degradation
// is logged; construction never fails on that account.
func New(cfg Config) (Backend, error) {
	cfg = cfg.withDefaults()
	if cfg.Dims <= 0 {
		return nil, fmt.Errorf("backend: dims must be positive, got %d", cfg.Dims)
	}
	if !cfg.Metric.Valid() {
		return nil, fmt.Errorf("backend: unknown metric %q", cfg.Metric)
	}

	switch cfg.Kind {
	case KindEmbedded:
		return newPortable(cfg)
	case KindAcceleratedA:
		b, err := newAcceleratedA(cfg)
		if err != nil {
			return degrade(cfg, err)
		}
		return wrapDispatched(b, cfg.Pool), nil
	case KindAcceleratedB:
		b, err := newAcceleratedB(cfg)
		if err != nil {
			return degrade(cfg, err)
		}
		return wrapDispatched(b, cfg.Pool), nil
	}
	return nil, fmt.Errorf("backend: unknown kind %q", cfg.Kind)
}

func degrade(cfg Config, cause error) (Backend, error) {
	cfg.Logger.Warn("backend degraded, falling back to portable",
		zap.String("collection", cfg.Name),
		zap.String("kind", string(cfg.Kind)),
		zap.Error(cause))
	return newPortable(cfg)
}

func validateVector(vector []float32, dims int) error {
	if err := vecmath.ValidateVector(vector); err != nil {
		return err
	}
	if len(vector) != dims {
		return &DimensionError{Expected: dims, Actual: len(vector)}
	}
	return nil
}

// batchInsert implements BatchInsert on top of single-record inserts:
// validate everything first, then apply in input order.
func batchInsert(ctx context.Context, b Backend, dims int, recs []Record) (BatchReport, error) {
	var report BatchReport
	vErrs := make([]error, len(recs))
	for i, r := range recs {
		vErrs[i] = validateVector(r.Vector, dims)
	}
	for i, r := range recs {
		err := vErrs[i]
		if err == nil {
			err = ctx.Err()
		}
		if err == nil {
			err = b.Insert(ctx, r.ID, r.Vector, r.Metadata)
		}
		if err != nil {
			report.Failed = append(report.Failed, BatchFailure{Index: i, ID: r.ID, Err: err})
			continue
		}
		report.Inserted = append(report.Inserted, r.ID)
	}
	return report, nil
}

func cloneVector(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	return out
}

func cloneMeta(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
