package engram

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/engramdb/engram/internal/backend"
	"github.com/engramdb/engram/internal/vecmath"
)

// Defaults applied by withDefaults.
const (
	DefaultCacheEntries = 1024
	DefaultEmbedderDims = 256
	DefaultPoolWorkers  = 4
	DefaultCallTimeout  = 5 * time.Second
)

// Embedder derives a fixed-dimension vector from text. The memory
// abstractions embed tasks, approaches and descriptions through it.
// Implementations live in package embed; any stateless implementation that
// is safe for concurrent use works.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// FieldType names the declared type of a metadata field.
type FieldType string

const (
	FieldString FieldType = "string"
	FieldInt    FieldType = "int"
	FieldFloat  FieldType = "float"
	FieldBool   FieldType = "bool"
)

// ParseFieldType converts a schema declaration string into a FieldType.
func ParseFieldType(s string) (FieldType, error) {
	t := FieldType(s)
	if !t.Valid() {
		return "", fmt.Errorf("engram: unknown field type %q", s)
	}
	return t, nil
}

// Valid reports whether t is a known field type.
func (t FieldType) Valid() bool {
	switch t {
	case FieldString, FieldInt, FieldFloat, FieldBool:
		return true
	}
	return false
}

// Schema declares the metadata fields of a collection and their types.
// Inserts are validated against it; an empty schema accepts any scalar
// metadata.
type Schema map[string]FieldType

// CollectionConfig declares one collection. Name, dimensionality, metric,
// backend and schema are the collection's identity and must match the
// registry on every later open; the remaining fields are index tuning
// hints.
type CollectionConfig struct {
	// Name identifies the collection: a letter followed by letters,
	// digits, '-' or '_'. Names starting with '_' are reserved.
	Name string

	// Dims is the fixed vector dimensionality. Required.
	Dims int

	// Metric is the distance metric: "cosine" (default), "euclidean" or
	// "dot". Cosine collections normalize vectors once at insert.
	Metric string

	// Backend selects the index implementation: "embedded" (default),
	// "accelerated-a" or "accelerated-b".
	Backend string

	// MaxElements presizes index storage. A hint, not a limit.
	MaxElements int

	// M and EfConstruction tune the proximity graphs. Zero values take
	// each index's defaults.
	M              int
	EfConstruction int

	// Schema declares typed metadata fields. Empty means schemaless.
	Schema Schema
}

var collectionNameRE = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_-]*$`)

func (c CollectionConfig) withDefaults() CollectionConfig {
	out := c
	if out.Metric == "" {
		out.Metric = string(vecmath.Cosine)
	}
	if out.Backend == "" {
		out.Backend = string(backend.KindEmbedded)
	}
	return out
}

func (c CollectionConfig) validate() error {
	if !collectionNameRE.MatchString(c.Name) {
		return fmt.Errorf("engram: invalid collection name %q", c.Name)
	}
	if c.Dims <= 0 {
		return fmt.Errorf("engram: collection %q: dims must be positive, got %d", c.Name, c.Dims)
	}
	if _, err := vecmath.ParseMetric(c.Metric); err != nil {
		return fmt.Errorf("engram: collection %q: %w", c.Name, err)
	}
	if _, err := backend.ParseKind(c.Backend); err != nil {
		return fmt.Errorf("engram: collection %q: %w", c.Name, err)
	}
	for field, ft := range c.Schema {
		if field == "" {
			return fmt.Errorf("engram: collection %q: empty schema field name", c.Name)
		}
		if !ft.Valid() {
			return fmt.Errorf("engram: collection %q field %q: unknown field type %q", c.Name, field, ft)
		}
	}
	return nil
}

// Options configures an Engine.
type Options struct {
	// Dir is the data directory. Empty falls back to $ENGRAM_DATA_DIR,
	// then to ~/.engram.
	Dir string

	// Logger receives degradation, rebuild and consolidation logs.
	// Default: zap.NewNop().
	Logger *zap.Logger

	// Embedder derives vectors for the memory abstractions. Default: the
	// deterministic hash embedder with EmbedderDims dimensions.
	Embedder Embedder

	// EmbedderDims sizes the default hash embedder. Ignored when Embedder
	// is set. Default: 256.
	EmbedderDims int

	// CacheEntries bounds each collection's query cache. Default: 1024.
	CacheEntries int

	// DisableCache turns the query cache off; every search recomputes.
	DisableCache bool

	// PoolWorkers and CallTimeout bound the dispatch pool accelerated
	// backends run on. Defaults: 4 workers, 5s per call.
	PoolWorkers int
	CallTimeout time.Duration

	// EfSearch, TierThreshold and Seed tune index behavior engine-wide.
	// Zero values take each index's defaults.
	EfSearch      int
	TierThreshold int
	Seed          int64

	// DisableSnapshots skips index snapshot saves and restores; every
	// open rebuilds indexes from the vectors table.
	DisableSnapshots bool

	// Collections are declared up front: created when missing, validated
	// against the registry when already present.
	Collections []CollectionConfig
}

func (o Options) withDefaults() Options {
	out := o
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	if out.EmbedderDims <= 0 {
		out.EmbedderDims = DefaultEmbedderDims
	}
	if out.CacheEntries <= 0 {
		out.CacheEntries = DefaultCacheEntries
	}
	if out.PoolWorkers <= 0 {
		out.PoolWorkers = DefaultPoolWorkers
	}
	if out.CallTimeout <= 0 {
		out.CallTimeout = DefaultCallTimeout
	}
	return out
}

// fileOptions is the YAML shape of an options file.
type fileOptions struct {
	Dir              string           `yaml:"dir"`
	CacheEntries     int              `yaml:"cache_entries"`
	DisableCache     bool             `yaml:"disable_cache"`
	PoolWorkers      int              `yaml:"pool_workers"`
	CallTimeoutMS    int              `yaml:"call_timeout_ms"`
	EfSearch         int              `yaml:"ef_search"`
	TierThreshold    int              `yaml:"tier_threshold"`
	Seed             int64            `yaml:"seed"`
	EmbedderDims     int              `yaml:"embedder_dims"`
	DisableSnapshots bool             `yaml:"disable_snapshots"`
	Collections      []fileCollection `yaml:"collections"`
}

type fileCollection struct {
	Name           string            `yaml:"name"`
	Dims           int               `yaml:"dims"`
	Metric         string            `yaml:"metric"`
	Backend        string            `yaml:"backend"`
	MaxElements    int               `yaml:"max_elements"`
	M              int               `yaml:"m"`
	EfConstruction int               `yaml:"ef_construction"`
	Schema         map[string]string `yaml:"schema"`
}

// LoadOptions reads engine options from a YAML file. Environment variable
// references in the file are expanded before parsing. The logger and
// embedder cannot come from a file; set them on the returned Options.
func LoadOptions(path string) (Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Options{}, err
	}

	var f fileOptions
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &f); err != nil {
		return Options{}, fmt.Errorf("engram: parse options %s: %w", path, err)
	}

	opts := Options{
		Dir:              f.Dir,
		CacheEntries:     f.CacheEntries,
		DisableCache:     f.DisableCache,
		PoolWorkers:      f.PoolWorkers,
		CallTimeout:      time.Duration(f.CallTimeoutMS) * time.Millisecond,
		EfSearch:         f.EfSearch,
		TierThreshold:    f.TierThreshold,
		Seed:             f.Seed,
		EmbedderDims:     f.EmbedderDims,
		DisableSnapshots: f.DisableSnapshots,
	}
	for _, fc := range f.Collections {
		cfg := CollectionConfig{
			Name:           fc.Name,
			Dims:           fc.Dims,
			Metric:         fc.Metric,
			Backend:        fc.Backend,
			MaxElements:    fc.MaxElements,
			M:              fc.M,
			EfConstruction: fc.EfConstruction,
		}
		if len(fc.Schema) > 0 {
			cfg.Schema = make(Schema, len(fc.Schema))
			for field, decl := range fc.Schema {
				ft, err := ParseFieldType(decl)
				if err != nil {
					return Options{}, fmt.Errorf("engram: collection %q field %q: %w", fc.Name, field, err)
				}
				cfg.Schema[field] = ft
			}
		}
		if err := cfg.withDefaults().validate(); err != nil {
			return Options{}, err
		}
		opts.Collections = append(opts.Collections, cfg)
	}
	return opts, nil
}

// schemaToStore converts a declared schema to the registry representation.
func schemaToStore(s Schema) map[string]string {
	if len(s) == 0 {
		return nil
	}
	out := make(map[string]string, len(s))
	for field, ft := range s {
		out[field] = string(ft)
	}
	return out
}

// schemaFromStore converts a registry schema back to the declared form.
func schemaFromStore(m map[string]string) (Schema, error) {
	if len(m) == 0 {
		return nil, nil
	}
	out := make(Schema, len(m))
	for field, decl := range m {
		ft, err := ParseFieldType(decl)
		if err != nil {
			return nil, fmt.Errorf("engram: registered schema field %q: %w", field, err)
		}
		out[field] = ft
	}
	return out, nil
}
