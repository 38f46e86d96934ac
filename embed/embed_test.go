package embed

import (
	"context"
	"errors"
	"math"
	"reflect"
	"sync/atomic"
	"testing"

	"github.com/engramdb/engram/internal/vecmath"
)

func newTestHash(t *testing.T, dims int) *Hash {
	t.Helper()
	h, err := NewHash(dims)
	if err != nil {
		t.Fatalf("NewHash: %v", err)
	}
	return h
}

func TestHash_Deterministic(t *testing.T) {
	h := newTestHash(t, 128)
	ctx := context.Background()

	v1, err := h.Embed(ctx, "plan the next step carefully")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	v2, err := h.Embed(ctx, "plan the next step carefully")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(v1, v2) {
		t.Error("same text produced different vectors")
	}
}

func TestHash_UnitNorm(t *testing.T) {
	h := newTestHash(t, 64)
	v, err := h.Embed(context.Background(), "normalize me please")
	if err != nil {
		t.Fatal(err)
	}
	if n := vecmath.Norm(v); math.Abs(n-1.0) > 1e-3 {
		t.Errorf("expected unit norm, got %f", n)
	}
}

func TestHash_Dimensions(t *testing.T) {
	h := newTestHash(t, 32)
	if h.Dimensions() != 32 {
		t.Errorf("expected 32 dimensions, got %d", h.Dimensions())
	}
	v, _ := h.Embed(context.Background(), "a few words")
	if len(v) != 32 {
		t.Errorf("expected vector of 32, got %d", len(v))
	}

	if _, err := NewHash(0); err == nil {
		t.Error("expected error for zero dimensions")
	}
	if _, err := NewHash(-4); err == nil {
		t.Error("expected error for negative dimensions")
	}
}

func TestHash_DistinctTexts(t *testing.T) {
	h := newTestHash(t, 128)
	ctx := context.Background()

	a, _ := h.Embed(ctx, "alpha beta gamma")
	b, _ := h.Embed(ctx, "delta epsilon zeta")
	if reflect.DeepEqual(a, b) {
		t.Error("unrelated texts produced identical vectors")
	}
}

func TestHash_SharedTokensScoreHigher(t *testing.T) {
	h := newTestHash(t, 256)
	ctx := context.Background()

	base, _ := h.Embed(ctx, "fix the parser bug")
	related, _ := h.Embed(ctx, "fix the parser crash")
	unrelated, _ := h.Embed(ctx, "water the garden plants")

	simRelated := vecmath.CosineSimilarity(base, related)
	simUnrelated := vecmath.CosineSimilarity(base, unrelated)
	if simRelated <= simUnrelated {
		t.Errorf("expected shared tokens to score higher: related=%f unrelated=%f",
			simRelated, simUnrelated)
	}
}

func TestHash_EmptyText(t *testing.T) {
	h := newTestHash(t, 16)
	v, err := h.Embed(context.Background(), "")
	if err != nil {
		t.Fatalf("Embed empty: %v", err)
	}
	if len(v) != 16 {
		t.Fatalf("expected 16 components, got %d", len(v))
	}
	if vecmath.Norm(v) != 0 {
		t.Errorf("expected zero vector for empty text, norm %f", vecmath.Norm(v))
	}
}

// countingEmbedder counts Embed calls around a Hash.
type countingEmbedder struct {
	inner Embedder
	calls atomic.Int32
}

func (c *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	c.calls.Add(1)
	return c.inner.Embed(ctx, text)
}

func (c *countingEmbedder) Dimensions() int { return c.inner.Dimensions() }

func TestCached_MemoizesInner(t *testing.T) {
	counting := &countingEmbedder{inner: newTestHash(t, 64)}
	cached, err := NewCached(counting, CachedConfig{MaxEntries: 16})
	if err != nil {
		t.Fatalf("NewCached: %v", err)
	}
	defer cached.Close()
	ctx := context.Background()

	first, err := cached.Embed(ctx, "remember this text")
	if err != nil {
		t.Fatal(err)
	}
	// Drain the admission buffer so the entry is visible.
	cached.cache.Wait()

	second, err := cached.Embed(ctx, "remember this text")
	if err != nil {
		t.Fatal(err)
	}
	if got := counting.calls.Load(); got != 1 {
		t.Errorf("expected 1 inner call, got %d", got)
	}
	if !reflect.DeepEqual(first, second) {
		t.Error("cached vector differs from computed one")
	}

	if _, err := cached.Embed(ctx, "different text"); err != nil {
		t.Fatal(err)
	}
	if got := counting.calls.Load(); got != 2 {
		t.Errorf("expected miss on new text, inner calls %d", got)
	}
}

func TestCached_ReturnsCopies(t *testing.T) {
	cached, err := NewCached(newTestHash(t, 32), CachedConfig{})
	if err != nil {
		t.Fatal(err)
	}
	defer cached.Close()
	ctx := context.Background()

	v1, _ := cached.Embed(ctx, "mutate me")
	cached.cache.Wait()
	v1[0] = 999

	v2, _ := cached.Embed(ctx, "mutate me")
	if v2[0] == 999 {
		t.Error("caller mutation leaked into the cache")
	}
}

type failingEmbedder struct{}

func (failingEmbedder) Embed(context.Context, string) ([]float32, error) {
	return nil, errors.New("model offline")
}

func (failingEmbedder) Dimensions() int { return 8 }

func TestCached_DoesNotCacheErrors(t *testing.T) {
	counting := &countingEmbedder{inner: failingEmbedder{}}
	cached, err := NewCached(counting, CachedConfig{})
	if err != nil {
		t.Fatal(err)
	}
	defer cached.Close()
	ctx := context.Background()

	if _, err := cached.Embed(ctx, "x"); err == nil {
		t.Fatal("expected inner error to surface")
	}
	if _, err := cached.Embed(ctx, "x"); err == nil {
		t.Fatal("expected inner error to surface again")
	}
	if got := counting.calls.Load(); got != 2 {
		t.Errorf("errors must not be cached, inner calls %d", got)
	}

	if cached.Dimensions() != 8 {
		t.Errorf("expected dimensions passthrough, got %d", cached.Dimensions())
	}
}
