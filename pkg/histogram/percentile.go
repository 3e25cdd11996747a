package histogram

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

var ErrEmpty = errors.New("histogram has no observations")

// Bucket holds the number of observations that fell at or below UpperBound
// and above the previous bucket's bound. The last bucket of an OTLP
// histogram has an UpperBound of +Inf.
type Bucket struct {
	UpperBound float64
	Count      uint64
}

// ExplicitBuckets pairs OTLP explicit bounds with their bucket counts. counts
// carries one more entry than bounds; the extra entry is the overflow bucket.
func ExplicitBuckets(bounds []float64, counts []uint64) []Bucket {
	buckets := make([]Bucket, len(counts))
	for i, c := range counts {
		upper := math.Inf(1)
		if i < len(bounds) {
			upper = bounds[i]
		}
		buckets[i] = Bucket{UpperBound: upper, Count: c}
	}
	return buckets
}

// Percentile estimates the p-th percentile (0..100) by linear interpolation
// inside the bucket holding the target rank. The buckets are not modified.
func Percentile(buckets []Bucket, p float64) (float64, error) {
	if p < 0 || p > 100 || math.IsNaN(p) {
		return 0, fmt.Errorf("percentile must be between 0 and 100, got %f", p)
	}
	if len(buckets) == 0 {
		return 0, ErrEmpty
	}

	sorted := make([]Bucket, len(buckets))
	copy(sorted, buckets)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].UpperBound < sorted[j].UpperBound
	})

	var total uint64
	for _, b := range sorted {
		total += b.Count
	}
	if total == 0 {
		return 0, ErrEmpty
	}

	target := float64(total) * (p / 100.0)
	var cumulative uint64
	lower := 0.0

	for _, b := range sorted {
		cumulative += b.Count
		if b.Count > 0 && float64(cumulative) >= target {
			if math.IsInf(b.UpperBound, 1) {
				return lower, nil
			}
			fraction := (target - float64(cumulative-b.Count)) / float64(b.Count)
			return lower + fraction*(b.UpperBound-lower), nil
		}
		if !math.IsInf(b.UpperBound, 1) {
			lower = b.UpperBound
		}
	}

	return lower, nil
}

// Merge sums bucket counts sharing an upper bound.
func Merge(groups ...[]Bucket) []Bucket {
	counts := make(map[float64]uint64)
	for _, g := range groups {
		for _, b := range g {
			counts[b.UpperBound] += b.Count
		}
	}

	merged := make([]Bucket, 0, len(counts))
	for upper, c := range counts {
		merged = append(merged, Bucket{UpperBound: upper, Count: c})
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].UpperBound < merged[j].UpperBound
	})
	return merged
}

// ExponentialBucket is a populated bucket of a base-2 exponential histogram.
type ExponentialBucket struct {
	Index int32
	Count uint64
}

// Exponential is the subset of an OTLP exponential histogram data point the
// percentile estimate needs. Buckets are ordered by increasing index.
type Exponential struct {
	Scale     int32
	ZeroCount uint64
	Positive  []ExponentialBucket
	Negative  []ExponentialBucket
}

// ExponentialBuckets expands an offset and dense counts into populated
// buckets.
func ExponentialBuckets(offset int32, counts []uint64) []ExponentialBucket {
	var out []ExponentialBucket
	for i, c := range counts {
		if c == 0 {
			continue
		}
		out = append(out, ExponentialBucket{Index: offset + int32(i), Count: c})
	}
	return out
}

// Percentile estimates the p-th percentile (0..100) of an exponential
// histogram as the midpoint of the bucket holding the target rank.
func (h Exponential) Percentile(p float64) (float64, error) {
	if p < 0 || p > 100 || math.IsNaN(p) {
		return 0, fmt.Errorf("percentile must be between 0 and 100, got %f", p)
	}

	total := h.ZeroCount
	for _, b := range h.Positive {
		total += b.Count
	}
	for _, b := range h.Negative {
		total += b.Count
	}
	if total == 0 {
		return 0, ErrEmpty
	}

	target := float64(total) * (p / 100.0)
	var cumulative uint64

	// Negative buckets grow in magnitude with the index, so the most
	// negative values come from the highest indices.
	for i := len(h.Negative) - 1; i >= 0; i-- {
		cumulative += h.Negative[i].Count
		if float64(cumulative) >= target {
			return -h.midpoint(h.Negative[i].Index), nil
		}
	}

	cumulative += h.ZeroCount
	if float64(cumulative) >= target {
		return 0, nil
	}

	for _, b := range h.Positive {
		cumulative += b.Count
		if float64(cumulative) >= target {
			return h.midpoint(b.Index), nil
		}
	}

	if n := len(h.Positive); n > 0 {
		return h.midpoint(h.Positive[n-1].Index), nil
	}
	return 0, nil
}

func (h Exponential) midpoint(index int32) float64 {
	base := math.Pow(2, math.Pow(2, float64(-h.Scale)))
	lower := math.Pow(base, float64(index))
	upper := math.Pow(base, float64(index+1))
	return (lower + upper) / 2
}
