// Package embed provides the text embedders the engine's memory
// abstractions consume: a deterministic hash embedder that needs no model
// files, a memoizing wrapper, and (behind the onnx build tag) a native
// sentence-transformer embedder in the onnx subpackage.
package embed

import (
	"context"
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/engramdb/engram/internal/vecmath"
)

// Embedder turns text into a fixed-width vector. Implementations must be
// safe for concurrent use.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// Hash embeds text by hashing whitespace tokens into buckets, signed by
// token length parity, then L2-normalizing. It is deterministic across
// processes and needs no model files, which makes it the fixture embedder;
// it carries no semantic similarity beyond shared tokens.
type Hash struct {
	dims int
}

// NewHash returns a hash embedder producing dims-wide vectors.
func NewHash(dims int) (*Hash, error) {
	if dims <= 0 {
		return nil, fmt.Errorf("embed: dimensions must be positive, got %d", dims)
	}
	return &Hash{dims: dims}, nil
}

func (h *Hash) Embed(_ context.Context, text string) ([]float32, error) {
	v := make([]float32, h.dims)
	for _, tok := range strings.Fields(text) {
		idx := xxhash.Sum64String(tok) % uint64(h.dims)
		if len(tok)%2 == 0 {
			v[idx]++
		} else {
			v[idx]--
		}
	}
	return vecmath.Normalize(v), nil
}

func (h *Hash) Dimensions() int { return h.dims }
