package engram

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/engramdb/engram/internal/backend"
	"github.com/engramdb/engram/internal/store"
)

// ErrSearchCancelled reports a search that stopped because its context was
// cancelled or its deadline passed. It is a normal terminal state, not an
// index failure.
var ErrSearchCancelled = errors.New("engram: search cancelled")

// ErrClosed reports an operation on a closed engine.
var ErrClosed = errors.New("engram: engine closed")

// DimensionMismatchError reports a vector whose length differs from the
// collection dimensionality. Vectors are never truncated or padded.
type DimensionMismatchError struct {
	Expected int
	Actual   int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("engram: expected %d dimensions, got %d", e.Expected, e.Actual)
}

// BackendUnavailableError reports an index backend that cannot serve.
// Construction-time unavailability degrades to the portable backend and is
// logged rather than returned.
type BackendUnavailableError struct {
	Kind  string
	Cause error
}

func (e *BackendUnavailableError) Error() string {
	return fmt.Sprintf("engram: backend %q unavailable: %v", e.Kind, e.Cause)
}

func (e *BackendUnavailableError) Unwrap() error { return e.Cause }

// NotFoundError reports a missing entity. Kind names what was looked up:
// "collection", "record", "pattern", "episode", "skill" or "causal-edge".
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("engram: %s %q not found", e.Kind, e.ID)
}

// CyclicDependencyError reports a prerequisite cycle in the skill graph.
// Cycle holds the skill names along the cycle in walk order, first name
// repeated at the end.
type CyclicDependencyError struct {
	Cycle []string
}

func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("engram: cyclic skill dependency: %s", strings.Join(e.Cycle, " -> "))
}

// IndexCorruptionError reports an index snapshot that exists but cannot be
// decoded. The engine logs it and rebuilds the index from the vectors
// table; a bad snapshot never prevents opening.
type IndexCorruptionError struct {
	Path  string
	Cause error
}

func (e *IndexCorruptionError) Error() string {
	return fmt.Sprintf("engram: corrupt index snapshot %s: %v", e.Path, e.Cause)
}

func (e *IndexCorruptionError) Unwrap() error { return e.Cause }

// notFound maps the internal not-found sentinels onto the public type.
// Other errors pass through unchanged.
func notFound(err error, kind, id string) error {
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, backend.ErrNotFound) {
		return &NotFoundError{Kind: kind, ID: id}
	}
	return err
}

// searchErr translates index errors at the public boundary. Context
// cancellation and deadlines become ErrSearchCancelled, a closed dispatch
// pool means the backend can no longer serve, and the backend's dimension
// error maps onto the public type.
func searchErr(kind backend.Kind, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ErrSearchCancelled
	}
	if errors.Is(err, backend.ErrPoolClosed) {
		return &BackendUnavailableError{Kind: string(kind), Cause: err}
	}
	var de *backend.DimensionError
	if errors.As(err, &de) {
		return &DimensionMismatchError{Expected: de.Expected, Actual: de.Actual}
	}
	return err
}
