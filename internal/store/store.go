package store

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/kloudmate/metrics-engine/internal/models"
	"github.com/kloudmate/metrics-engine/internal/telemetry"
)

const (
	DefaultCapacity = 1000
	DefaultShards   = 16
)

type Config struct {
	Capacity int
	Shards   int
}

// Store keeps one bounded buffer per series key. Series are spread across
// shards by key hash; each series has its own lock so writers to different
// keys never contend beyond the shard map lookup.
type Store struct {
	logger   *zap.Logger
	capacity int
	shards   []*shard
}

type shard struct {
	mu     sync.RWMutex
	series map[models.SeriesKey]*series
}

type series struct {
	mu       sync.RWMutex
	buf      *ring
	lastSeen time.Time
}

// SeriesSnapshot is a point-in-time copy of one series.
type SeriesSnapshot struct {
	Key      models.SeriesKey
	Metrics  []models.Metric
	LastSeen time.Time
}

func New(cfg *Config, logger *zap.Logger) *Store {
	if cfg == nil {
		cfg = &Config{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	shardCount := cfg.Shards
	if shardCount <= 0 {
		shardCount = DefaultShards
	}

	s := &Store{
		logger:   logger,
		capacity: capacity,
		shards:   make([]*shard, shardCount),
	}
	for i := range s.shards {
		s.shards[i] = &shard{series: make(map[models.SeriesKey]*series)}
	}
	return s
}

func (s *Store) Capacity() int {
	return s.capacity
}

// Validate reports whether m can be stored.
func Validate(m models.Metric) error {
	if m.Category == "" {
		return fmt.Errorf("%w: category is empty", models.ErrInvalidMetric)
	}
	if m.Name == "" {
		return fmt.Errorf("%w: name is empty", models.ErrInvalidMetric)
	}
	if math.IsNaN(m.Value) || math.IsInf(m.Value, 0) {
		return fmt.Errorf("%w: value %v is not finite", models.ErrInvalidMetric, m.Value)
	}
	return nil
}

func (s *Store) shardFor(key models.SeriesKey) *shard {
	h := xxhash.New()
	h.WriteString(key.Category)
	h.WriteString("\x00")
	h.WriteString(key.Name)
	return s.shards[h.Sum64()%uint64(len(s.shards))]
}

// Append stores m in its series, evicting the oldest observation when the
// series is full. When then is non-nil it runs while the series is still
// write-locked, so work done in it is ordered like the appends themselves.
func (s *Store) Append(m models.Metric, then func(models.Metric)) error {
	if err := Validate(m); err != nil {
		return err
	}
	m = m.Clone()
	key := m.Key()
	sh := s.shardFor(key)

	sh.mu.RLock()
	sr, ok := sh.series[key]
	if !ok {
		sh.mu.RUnlock()
		sh.mu.Lock()
		sr, ok = sh.series[key]
		if !ok {
			sr = &series{buf: newRing(s.capacity)}
			sh.series[key] = sr
			telemetry.SeriesActive.Inc()
		}
		sh.mu.Unlock()
		// Re-acquire the read lock so Cleanup cannot drop the series while we write.
		sh.mu.RLock()
		if sh.series[key] != sr {
			sh.mu.RUnlock()
			return s.Append(m, then)
		}
	}
	defer sh.mu.RUnlock()

	sr.mu.Lock()
	defer sr.mu.Unlock()

	if sr.buf.push(m) {
		telemetry.ObservationsEvicted.Inc()
	}
	if m.Timestamp.After(sr.lastSeen) {
		sr.lastSeen = m.Timestamp
	}
	if then != nil {
		then(m.Clone())
	}
	return nil
}

// Query returns a copy of the series sorted by timestamp, restricted to the
// inclusive range [start, end] when bounds are given.
func (s *Store) Query(category, name string, start, end *time.Time) ([]models.Metric, error) {
	key := models.SeriesKey{Category: category, Name: name}
	sh := s.shardFor(key)

	sh.mu.RLock()
	sr, ok := sh.series[key]
	sh.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("series %s: %w", key, models.ErrNotFound)
	}

	sr.mu.RLock()
	all := sr.buf.slice()
	sr.mu.RUnlock()

	return filterSorted(all, start, end), nil
}

func filterSorted(all []models.Metric, start, end *time.Time) []models.Metric {
	out := make([]models.Metric, 0, len(all))
	for _, m := range all {
		if start != nil && m.Timestamp.Before(*start) {
			continue
		}
		if end != nil && m.Timestamp.After(*end) {
			continue
		}
		out = append(out, m.Clone())
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

func (s *Store) Len(category, name string) int {
	key := models.SeriesKey{Category: category, Name: name}
	sh := s.shardFor(key)

	sh.mu.RLock()
	sr, ok := sh.series[key]
	sh.mu.RUnlock()
	if !ok {
		return 0
	}

	sr.mu.RLock()
	defer sr.mu.RUnlock()
	return sr.buf.size
}

// Keys returns every series key, ordered by category then name.
func (s *Store) Keys() []models.SeriesKey {
	var keys []models.SeriesKey
	for _, sh := range s.shards {
		sh.mu.RLock()
		for k := range sh.series {
			keys = append(keys, k)
		}
		sh.mu.RUnlock()
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Category != keys[j].Category {
			return keys[i].Category < keys[j].Category
		}
		return keys[i].Name < keys[j].Name
	})
	return keys
}

func (s *Store) Categories() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, k := range s.Keys() {
		if _, ok := seen[k.Category]; ok {
			continue
		}
		seen[k.Category] = struct{}{}
		out = append(out, k.Category)
	}
	return out
}

// Snapshot copies every series of category, keeping only observations at or
// after since. Series with no observation in range are still returned so
// callers can see when they were last fed.
func (s *Store) Snapshot(category string, since time.Time) []SeriesSnapshot {
	var out []SeriesSnapshot
	for _, sh := range s.shards {
		sh.mu.RLock()
		for k, sr := range sh.series {
			if k.Category != category {
				continue
			}
			sr.mu.RLock()
			all := sr.buf.slice()
			lastSeen := sr.lastSeen
			sr.mu.RUnlock()

			out = append(out, SeriesSnapshot{
				Key:      k,
				Metrics:  filterSorted(all, &since, nil),
				LastSeen: lastSeen,
			})
		}
		sh.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key.Name < out[j].Key.Name
	})
	return out
}

// Cleanup drops observations older than cutoff and removes series left
// empty. It returns the number of observations dropped.
func (s *Store) Cleanup(cutoff time.Time) int {
	dropped := 0
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for k, sr := range sh.series {
			sr.mu.Lock()
			all := sr.buf.slice()
			keep := all[:0]
			for _, m := range all {
				if !m.Timestamp.Before(cutoff) {
					keep = append(keep, m)
				}
			}
			if n := len(all) - len(keep); n > 0 {
				dropped += n
				sr.buf.reset(keep)
			}
			empty := sr.buf.size == 0
			sr.mu.Unlock()

			if empty {
				delete(sh.series, k)
				removed++
			}
		}
		sh.mu.Unlock()
	}

	if dropped > 0 {
		telemetry.ObservationsEvicted.Add(float64(dropped))
	}
	if removed > 0 {
		telemetry.SeriesActive.Sub(float64(removed))
		s.logger.Info("Retention cleanup removed series",
			zap.Int("series", removed),
			zap.Int("observations", dropped))
	}
	return dropped
}
