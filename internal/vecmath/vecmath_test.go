package vecmath

import (
	"math"
	"testing"
)

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 1.0},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0.0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1.0},
		{"zero vector", []float32{0, 0}, []float32{1, 1}, 0.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CosineSimilarity(tt.a, tt.b)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("CosineSimilarity(%v, %v) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestCosineSimilaritySymmetry(t *testing.T) {
	a := []float32{0.5, -1.25, 3, 0.004}
	b := []float32{2, 0.75, -0.5, 1}
	if ab, ba := CosineSimilarity(a, b), CosineSimilarity(b, a); math.Abs(ab-ba) > 1e-12 {
		t.Errorf("similarity not symmetric: %v vs %v", ab, ba)
	}
}

func TestNormalize(t *testing.T) {
	v := []float32{3, 4}
	n := Normalize(v)
	if got := Norm(n); math.Abs(got-1.0) > 1e-7 {
		t.Errorf("Norm(Normalize(v)) = %v, want 1.0", got)
	}
	if v[0] != 3 || v[1] != 4 {
		t.Error("Normalize mutated its input")
	}

	zero := Normalize([]float32{0, 0, 0})
	for i, x := range zero {
		if x != 0 {
			t.Errorf("Normalize(zero)[%d] = %v, want 0", i, x)
		}
	}
}

func TestCosineDistanceOnUnitVectors(t *testing.T) {
	a := Normalize([]float32{1, 2, 3, 4})
	if d := CosineDistance(a, a); math.Abs(d) > 1e-7 {
		t.Errorf("self distance = %v, want ~0", d)
	}
	b := Normalize([]float32{-4, 3, -2, 1})
	full := 1.0 - CosineSimilarity(a, b)
	if d := CosineDistance(a, b); math.Abs(d-full) > 1e-7 {
		t.Errorf("unit-vector distance %v disagrees with full form %v", d, full)
	}
}

func TestEuclideanDistance(t *testing.T) {
	if d := EuclideanDistance([]float32{0, 0}, []float32{3, 4}); math.Abs(d-5) > 1e-9 {
		t.Errorf("EuclideanDistance = %v, want 5", d)
	}
	if d := EuclideanDistance([]float32{1, 1}, []float32{1, 1}); d != 0 {
		t.Errorf("self euclidean distance = %v, want 0", d)
	}
}

func TestDotDistanceOrdering(t *testing.T) {
	q := []float32{1, 0}
	near := []float32{5, 0}
	far := []float32{1, 0}
	if DotDistance(q, near) >= DotDistance(q, far) {
		t.Error("larger dot product should sort as smaller distance")
	}
}

func TestDistanceByMetric(t *testing.T) {
	for _, m := range []Metric{Cosine, Euclidean, Dot} {
		if _, err := Distance(m); err != nil {
			t.Errorf("Distance(%q) returned error: %v", m, err)
		}
	}
	if _, err := Distance(Metric("manhattan")); err == nil {
		t.Error("Distance should reject unknown metrics")
	}
	if _, err := ParseMetric("cosine"); err != nil {
		t.Errorf("ParseMetric(cosine) returned error: %v", err)
	}
	if _, err := ParseMetric("bogus"); err == nil {
		t.Error("ParseMetric should reject unknown metrics")
	}
}

func TestValidateVector(t *testing.T) {
	if err := ValidateVector([]float32{1, 2, 3}); err != nil {
		t.Errorf("valid vector rejected: %v", err)
	}
	if err := ValidateVector(nil); err == nil {
		t.Error("empty vector accepted")
	}
	if err := ValidateVector([]float32{1, float32(math.NaN()), 3}); err == nil {
		t.Error("NaN component accepted")
	}
	if err := ValidateVector([]float32{float32(math.Inf(1))}); err == nil {
		t.Error("infinite component accepted")
	}
}

func TestBytesRoundTrip(t *testing.T) {
	v := []float32{0, 1.5, -2.25, 3.14159, -0.0001}
	b := ToBytes(v)
	if len(b) != 4*len(v) {
		t.Fatalf("blob length = %d, want %d", len(b), 4*len(v))
	}
	back, err := FromBytes(b)
	if err != nil {
		t.Fatalf("FromBytes: %v", err)
	}
	if len(back) != len(v) {
		t.Fatalf("round trip length = %d, want %d", len(back), len(v))
	}
	for i := range v {
		if back[i] != v[i] {
			t.Errorf("component %d = %v, want %v", i, back[i], v[i])
		}
	}

	if _, err := FromBytes([]byte{1, 2, 3}); err == nil {
		t.Error("FromBytes accepted a truncated blob")
	}
}
