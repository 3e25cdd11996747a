package store

import (
	"github.com/kloudmate/metrics-engine/internal/models"
)

// ring is a fixed-capacity circular buffer holding observations in arrival
// order. Pushing into a full ring overwrites the oldest entry.
type ring struct {
	data []models.Metric
	head int
	size int
}

func newRing(capacity int) *ring {
	return &ring{data: make([]models.Metric, capacity)}
}

// push appends m and reports whether an older entry was evicted.
func (r *ring) push(m models.Metric) bool {
	capacity := len(r.data)
	idx := (r.head + r.size) % capacity
	r.data[idx] = m
	if r.size < capacity {
		r.size++
		return false
	}
	r.head = (r.head + 1) % capacity
	return true
}

// slice returns a copy of all entries in arrival order.
func (r *ring) slice() []models.Metric {
	out := make([]models.Metric, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.data[(r.head+i)%len(r.data)]
	}
	return out
}

func (r *ring) reset(keep []models.Metric) {
	for i := range r.data {
		r.data[i] = models.Metric{}
	}
	r.head, r.size = 0, 0
	for _, m := range keep {
		r.push(m)
	}
}
