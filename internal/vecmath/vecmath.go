// Package vecmath provides the scalar vector math shared by the indexes and
// backends: distance metrics, norms, normalization, insert-time validation,
// and the little-endian float32 encoding used by the persistent store.
package vecmath

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Metric identifies the distance metric of a collection.
type Metric string

const (
	Cosine    Metric = "cosine"
	Euclidean Metric = "euclidean"
	Dot       Metric = "dot"
)

// ParseMetric converts a configuration string into a Metric.
func ParseMetric(s string) (Metric, error) {
	m := Metric(s)
	if !m.Valid() {
		return "", fmt.Errorf("vecmath: unknown metric %q", s)
	}
	return m, nil
}

// Valid reports whether m is a known metric.
func (m Metric) Valid() bool {
	switch m {
	case Cosine, Euclidean, Dot:
		return true
	}
	return false
}

// DistanceFunc computes a distance between two equal-length vectors.
// Smaller is closer for every metric; dot product is negated so ordering
// stays uniform across metrics.
type DistanceFunc func(a, b []float32) float64

// Distance returns the DistanceFunc for m. The cosine function assumes unit
// vectors: collections with the cosine metric normalize once at insert, so
// query-time distance reduces to 1 - dot.
func Distance(m Metric) (DistanceFunc, error) {
	switch m {
	case Cosine:
		return CosineDistance, nil
	case Euclidean:
		return EuclideanDistance, nil
	case Dot:
		return DotDistance, nil
	}
	return nil, fmt.Errorf("vecmath: unknown metric %q", m)
}

// Dot returns the inner product of a and b, accumulated in float64.
func Dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

// Norm returns the L2 norm of v.
func Norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

// Normalize returns a unit-length copy of v. A zero vector is returned as a
// zero copy rather than dividing by zero.
func Normalize(v []float32) []float32 {
	out := make([]float32, len(v))
	n := Norm(v)
	if n == 0 {
		copy(out, v)
		return out
	}
	inv := 1.0 / n
	for i, x := range v {
		out[i] = float32(float64(x) * inv)
	}
	return out
}

// CosineDistance returns 1 - a·b. Both vectors must already be unit length;
// callers holding raw vectors want CosineSimilarity instead.
func CosineDistance(a, b []float32) float64 {
	return 1.0 - Dot(a, b)
}

// CosineSimilarity returns the cosine of the angle between raw (not
// necessarily normalized) vectors, guarding against zero norms.
func CosineSimilarity(a, b []float32) float64 {
	na, nb := Norm(a), Norm(b)
	if na == 0 || nb == 0 {
		return 0
	}
	return Dot(a, b) / (na * nb)
}

// EuclideanDistance returns the L2 distance between a and b.
func EuclideanDistance(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

// DotDistance returns the negated inner product, so that a larger dot
// product sorts as a smaller distance.
func DotDistance(a, b []float32) float64 {
	return -Dot(a, b)
}

// ErrEmptyVector is returned when a zero-length vector is validated.
var ErrEmptyVector = errors.New("vecmath: empty vector")

// ValidateVector rejects empty vectors and non-finite components. Dimension
// agreement against the collection is the caller's check; this one covers
// the values themselves.
func ValidateVector(v []float32) error {
	if len(v) == 0 {
		return ErrEmptyVector
	}
	for i, x := range v {
		f := float64(x)
		if math.IsNaN(f) {
			return fmt.Errorf("vecmath: NaN component at position %d", i)
		}
		if math.IsInf(f, 0) {
			return fmt.Errorf("vecmath: infinite component at position %d", i)
		}
	}
	return nil
}

// ToBytes encodes v as little-endian float32s, 4 bytes per component.
func ToBytes(v []float32) []byte {
	out := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(x))
	}
	return out
}

// FromBytes decodes a little-endian float32 blob produced by ToBytes.
func FromBytes(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("vecmath: blob length %d is not a multiple of 4", len(b))
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out, nil
}
