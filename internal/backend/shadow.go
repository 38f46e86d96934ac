package backend

import (
	"context"
	"math"
	"sort"

	"github.com/engramdb/engram/internal/vecmath"
)

// shadow holds the typed record copies the accelerated backends keep next to
// their external index: the library owns its documents, the engine still
// needs exact vectors, typed metadata and precomputed norms for filtered
// scans, stats and snapshots.
type shadow struct {
	recs  map[string]Record
	norms map[string]float64
}

func newShadow() *shadow {
	return &shadow{
		recs:  make(map[string]Record),
		norms: make(map[string]float64),
	}
}

func (s *shadow) put(id string, vector []float32, metadata map[string]any) {
	cp := cloneVector(vector)
	s.recs[id] = Record{ID: id, Vector: cp, Metadata: cloneMeta(metadata)}
	s.norms[id] = vecmath.Norm(cp)
}

func (s *shadow) delete(id string) {
	delete(s.recs, id)
	delete(s.norms, id)
}

func (s *shadow) len() int { return len(s.recs) }

// ids returns all record ids sorted, so graph rebuilds from the shadow are
// reproducible instead of following map order.
func (s *shadow) ids() []string {
	out := make([]string, 0, len(s.recs))
	for id := range s.recs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

const scanPollInterval = 512

// scan is the exact nearest-k fallback used where the external index cannot
// serve the query: accelerated-a under a metadata filter and accelerated-b
// with a non-cosine metric. For the euclidean metric a norm pre-filter skips
// candidates that the reverse triangle inequality proves cannot beat the
// current k-th best. Ties order by id so scans are reproducible.
func (s *shadow) scan(ctx context.Context, dist vecmath.DistanceFunc, metric vecmath.Metric, query []float32, k int, filter Filter) ([]Match, error) {
	if k > len(s.recs) {
		k = len(s.recs)
	}
	if k <= 0 {
		return nil, nil
	}

	var queryNorm float64
	prune := metric == vecmath.Euclidean
	if prune {
		queryNorm = vecmath.Norm(query)
	}

	out := make([]Match, 0, k)
	worst := math.Inf(1)
	seen := 0
	for id, rec := range s.recs {
		if seen%scanPollInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		seen++

		if !filter.matches(rec.Metadata) {
			continue
		}
		if prune && len(out) == k && math.Abs(queryNorm-s.norms[id]) > worst {
			continue
		}

		d := dist(query, rec.Vector)
		pos := sort.Search(len(out), func(i int) bool {
			if out[i].Distance != d {
				return out[i].Distance > d
			}
			return out[i].ID > id
		})
		if pos >= k {
			continue
		}
		if len(out) < k {
			out = append(out, Match{})
		}
		copy(out[pos+1:], out[pos:])
		out[pos] = Match{ID: id, Distance: d}
		worst = out[len(out)-1].Distance
	}

	for i := range out {
		out[i].Metadata = cloneMeta(s.recs[out[i].ID].Metadata)
	}
	return out, nil
}

// snapshotRecords returns the shadow contents in id order for the gob
// snapshot envelope.
func (s *shadow) snapshotRecords() []snapshotRecord {
	out := make([]snapshotRecord, 0, len(s.recs))
	for _, id := range s.ids() {
		rec := s.recs[id]
		out = append(out, snapshotRecord{
			ID:       rec.ID,
			Vector:   cloneVector(rec.Vector),
			Metadata: cloneMeta(rec.Metadata),
		})
	}
	return out
}
