package embed

import (
	"context"
	"fmt"

	"github.com/dgraph-io/ristretto"
)

const defaultCacheEntries = 4096

// CachedConfig sizes the memoization cache.
type CachedConfig struct {
	// MaxEntries bounds how many embeddings the cache holds.
	// Default 4096.
	MaxEntries int64
}

// Cached memoizes another embedder by exact text. Admission is frequency
// based, so a rejected entry only ever costs a recompute; callers always
// receive their own copy of the vector.
type Cached struct {
	inner Embedder
	cache *ristretto.Cache
}

// NewCached wraps inner with an embedding cache.
func NewCached(inner Embedder, cfg CachedConfig) (*Cached, error) {
	maxEntries := cfg.MaxEntries
	if maxEntries <= 0 {
		maxEntries = defaultCacheEntries
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("embed: build cache: %w", err)
	}
	return &Cached{inner: inner, cache: cache}, nil
}

func (c *Cached) Embed(ctx context.Context, text string) ([]float32, error) {
	if hit, ok := c.cache.Get(text); ok {
		if vec, ok := hit.([]float32); ok {
			return cloneVec(vec), nil
		}
	}
	vec, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Set(text, cloneVec(vec), 1)
	return vec, nil
}

func (c *Cached) Dimensions() int { return c.inner.Dimensions() }

// Close releases the cache. The inner embedder is untouched.
func (c *Cached) Close() { c.cache.Close() }

func cloneVec(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	return out
}
