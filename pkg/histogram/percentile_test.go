package histogram

import (
	"errors"
	"math"
	"testing"
)

func latencyBuckets() []Bucket {
	return []Bucket{
		{UpperBound: 0.005, Count: 100},
		{UpperBound: 0.01, Count: 200},
		{UpperBound: 0.025, Count: 300},
		{UpperBound: 0.05, Count: 200},
		{UpperBound: 0.1, Count: 150},
		{UpperBound: 0.25, Count: 30},
		{UpperBound: 0.5, Count: 15},
		{UpperBound: 1.0, Count: 5},
		{UpperBound: math.Inf(1), Count: 0},
	}
}

func TestPercentile(t *testing.T) {
	tests := []struct {
		name       string
		percentile float64
		expected   float64
	}{
		{"P50", 50, 0.02},
		{"P95", 95, 0.1},
		{"P99", 99, 0.4167},
		{"P100", 100, 1.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := Percentile(latencyBuckets(), tt.percentile)
			if err != nil {
				t.Fatalf("Percentile failed: %v", err)
			}
			if math.Abs(result-tt.expected) > 0.001 {
				t.Errorf("expected P%.0f to be %.4f, got %.4f", tt.percentile, tt.expected, result)
			}
		})
	}
}

func TestPercentileOverflowBucket(t *testing.T) {
	buckets := []Bucket{
		{UpperBound: 1, Count: 1},
		{UpperBound: math.Inf(1), Count: 9},
	}

	result, err := Percentile(buckets, 95)
	if err != nil {
		t.Fatalf("Percentile failed: %v", err)
	}
	if result != 1 {
		t.Errorf("expected overflow bucket to report its lower bound 1, got %f", result)
	}
}

func TestPercentileDoesNotReorderInput(t *testing.T) {
	buckets := []Bucket{
		{UpperBound: 10, Count: 1},
		{UpperBound: 5, Count: 1},
	}

	if _, err := Percentile(buckets, 50); err != nil {
		t.Fatalf("Percentile failed: %v", err)
	}
	if buckets[0].UpperBound != 10 {
		t.Error("expected input buckets to keep their order")
	}
}

func TestPercentileErrors(t *testing.T) {
	if _, err := Percentile(latencyBuckets(), 101); err == nil {
		t.Error("expected error for percentile above 100")
	}
	if _, err := Percentile(nil, 50); !errors.Is(err, ErrEmpty) {
		t.Errorf("expected ErrEmpty for no buckets, got %v", err)
	}
	if _, err := Percentile([]Bucket{{UpperBound: 1}}, 50); !errors.Is(err, ErrEmpty) {
		t.Errorf("expected ErrEmpty for zero counts, got %v", err)
	}
}

func TestExplicitBuckets(t *testing.T) {
	buckets := ExplicitBuckets([]float64{1, 5}, []uint64{3, 4, 2})

	if len(buckets) != 3 {
		t.Fatalf("expected 3 buckets, got %d", len(buckets))
	}
	if buckets[1].UpperBound != 5 || buckets[1].Count != 4 {
		t.Errorf("expected second bucket {5 4}, got %+v", buckets[1])
	}
	if !math.IsInf(buckets[2].UpperBound, 1) {
		t.Errorf("expected overflow bucket bound +Inf, got %f", buckets[2].UpperBound)
	}
}

func TestMerge(t *testing.T) {
	merged := Merge(
		[]Bucket{{UpperBound: 1, Count: 2}, {UpperBound: 5, Count: 3}},
		[]Bucket{{UpperBound: 5, Count: 1}, {UpperBound: 10, Count: 4}},
	)

	expected := []Bucket{{UpperBound: 1, Count: 2}, {UpperBound: 5, Count: 4}, {UpperBound: 10, Count: 4}}
	if len(merged) != len(expected) {
		t.Fatalf("expected %d buckets, got %d", len(expected), len(merged))
	}
	for i := range expected {
		if merged[i] != expected[i] {
			t.Errorf("bucket %d: expected %+v, got %+v", i, expected[i], merged[i])
		}
	}
}

func TestExponentialPercentile(t *testing.T) {
	h := Exponential{
		Scale:     0,
		ZeroCount: 10,
		Positive:  ExponentialBuckets(0, []uint64{10, 0, 10}),
		Negative:  []ExponentialBucket{{Index: 0, Count: 5}},
	}

	tests := []struct {
		percentile float64
		expected   float64
	}{
		{0, -1.5},
		{30, 0},
		{50, 1.5},
		{100, 6},
	}

	for _, tt := range tests {
		result, err := h.Percentile(tt.percentile)
		if err != nil {
			t.Fatalf("Percentile failed: %v", err)
		}
		if math.Abs(result-tt.expected) > 1e-9 {
			t.Errorf("P%.0f: expected %f, got %f", tt.percentile, tt.expected, result)
		}
	}
}

func TestExponentialBucketsSkipsEmpty(t *testing.T) {
	got := ExponentialBuckets(-2, []uint64{0, 3, 0, 1})

	if len(got) != 2 || got[0].Index != -1 || got[1].Index != 1 {
		t.Errorf("expected populated indexes -1 and 1, got %+v", got)
	}
}

func BenchmarkPercentile(b *testing.B) {
	buckets := latencyBuckets()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Percentile(buckets, 95)
	}
}
