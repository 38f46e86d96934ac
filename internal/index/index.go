// Package index implements the in-process vector indexes used by the
// portable backend: an exact brute-force scan, a hierarchical proximity
// graph, and a tiered wrapper that promotes from one to the other as a
// collection grows.
package index

import (
	"context"
	"errors"
)

// Result pairs a record ID with its distance from the query. Smaller is
// closer for every metric (dot product is negated by vecmath).
type Result struct {
	ID       string
	Distance float64
}

// Item is a live index entry, used for snapshots, tier promotion, and
// rebuilds. Seq is the insertion sequence number that breaks distance ties.
type Item struct {
	ID     string
	Vector []float32
	Seq    uint64
}

// ErrNotFound is returned by Remove when the ID is not in the index.
var ErrNotFound = errors.New("index: id not found")

// Index is the contract shared by the implementations in this package.
// Implementations are safe for concurrent use.
type Index interface {
	// Add inserts or replaces the vector for the given ID. Replacement
	// assigns a fresh sequence number, so a re-inserted record ranks as the
	// newest among equal distances.
	Add(ctx context.Context, id string, vector []float32) error

	// Remove deletes the vector for the given ID.
	Remove(ctx context.Context, id string) error

	// Search returns the k nearest vectors to query ordered by ascending
	// distance, ties broken by ascending sequence number. An empty index
	// yields an empty result, and k larger than Len returns everything.
	Search(ctx context.Context, query []float32, k int) ([]Result, error)

	// Len returns the number of live vectors.
	Len() int

	// Items returns copies of all live entries in insertion order.
	Items() []Item
}
