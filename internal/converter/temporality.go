// Package converter turns cumulative OTLP streams into per-export deltas so
// counters and histograms can be ingested as point observations.
package converter

import (
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/kloudmate/metrics-engine/pkg/histogram"
)

type TemporalityConverter struct {
	mu     sync.Mutex
	states map[uint64]*conversionState
}

type conversionState struct {
	lastValue     float64
	lastCount     uint64
	lastSum       float64
	lastBuckets   []histogram.Bucket
	lastTimestamp time.Time
	resets        int
}

func NewTemporalityConverter() *TemporalityConverter {
	return &TemporalityConverter{
		states: make(map[uint64]*conversionState),
	}
}

// StreamID hashes a metric identity and its attributes into the key the
// converter tracks state under. Attribute order does not matter.
func StreamID(category, name string, attrs map[string]string) uint64 {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	d := xxhash.New()
	d.WriteString(category)
	d.WriteString("\x00")
	d.WriteString(name)
	for _, k := range keys {
		d.WriteString("\x00")
		d.WriteString(k)
		d.WriteString("=")
		d.WriteString(attrs[k])
	}
	return d.Sum64()
}

// SumDelta returns the increase of a monotonic cumulative sum since the
// previous point of the same stream. The first point of a stream only
// establishes a baseline and reports ok=false. A value lower than the
// previous one is treated as a counter reset and reported as-is.
func (tc *TemporalityConverter) SumDelta(id uint64, value float64, ts time.Time) (delta float64, ok bool) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	state, exists := tc.states[id]
	if !exists {
		tc.states[id] = &conversionState{lastValue: value, lastTimestamp: ts}
		return 0, false
	}

	if value < state.lastValue {
		state.resets++
		delta = value
	} else {
		delta = value - state.lastValue
	}
	state.lastValue = value
	state.lastTimestamp = ts
	return delta, true
}

// HistogramDelta returns the observations a cumulative histogram gained since
// the previous point of the same stream. A lower total count is treated as a
// reset and the current point is reported unchanged.
func (tc *TemporalityConverter) HistogramDelta(id uint64, buckets []histogram.Bucket, count uint64, sum float64, ts time.Time) ([]histogram.Bucket, uint64, float64, bool) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	current := make([]histogram.Bucket, len(buckets))
	copy(current, buckets)

	state, exists := tc.states[id]
	if !exists {
		tc.states[id] = &conversionState{
			lastCount:     count,
			lastSum:       sum,
			lastBuckets:   current,
			lastTimestamp: ts,
		}
		return nil, 0, 0, false
	}

	var (
		deltaBuckets []histogram.Bucket
		deltaCount   uint64
		deltaSum     float64
	)
	if count < state.lastCount {
		state.resets++
		deltaBuckets, deltaCount, deltaSum = current, count, sum
	} else {
		deltaBuckets = deltaOf(current, state.lastBuckets)
		deltaCount = count - state.lastCount
		deltaSum = sum - state.lastSum
	}

	state.lastCount = count
	state.lastSum = sum
	state.lastBuckets = current
	state.lastTimestamp = ts
	return deltaBuckets, deltaCount, deltaSum, true
}

func deltaOf(current, previous []histogram.Bucket) []histogram.Bucket {
	prev := make(map[float64]uint64, len(previous))
	for _, b := range previous {
		prev[b.UpperBound] = b.Count
	}

	out := make([]histogram.Bucket, len(current))
	for i, b := range current {
		p, ok := prev[b.UpperBound]
		if !ok || p > b.Count {
			out[i] = b
			continue
		}
		out[i] = histogram.Bucket{UpperBound: b.UpperBound, Count: b.Count - p}
	}
	return out
}

// Resets reports how many counter resets were detected on a stream.
func (tc *TemporalityConverter) Resets(id uint64) int {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if s, ok := tc.states[id]; ok {
		return s.resets
	}
	return 0
}

// Prune forgets streams that have not reported since cutoff and returns how
// many were dropped.
func (tc *TemporalityConverter) Prune(cutoff time.Time) int {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	dropped := 0
	for id, s := range tc.states {
		if s.lastTimestamp.Before(cutoff) {
			delete(tc.states, id)
			dropped++
		}
	}
	return dropped
}

func (tc *TemporalityConverter) Len() int {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return len(tc.states)
}
