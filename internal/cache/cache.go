// Package cache memoizes aggregate computations behind a TTL, with at most
// one computation in flight per key.
package cache

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/kloudmate/metrics-engine/internal/models"
	"github.com/kloudmate/metrics-engine/internal/telemetry"
)

type ComputeFunc func() (any, error)

type Entry struct {
	Key        string
	Value      any
	ComputedAt time.Time
	TTL        time.Duration
}

func (e *Entry) expired(now time.Time) bool {
	return now.Sub(e.ComputedAt) > e.TTL
}

type Cache struct {
	logger *zap.Logger
	now    func() time.Time
	group  singleflight.Group

	mu       sync.Mutex
	entries  map[string]*Entry
	inflight map[string]int
	version  map[string]uint64

	janitorMu sync.Mutex
	stopCh    chan struct{}
	doneCh    chan struct{}
}

func New(logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		logger:   logger,
		now:      time.Now,
		entries:  make(map[string]*Entry),
		inflight: make(map[string]int),
		version:  make(map[string]uint64),
	}
}

func (c *Cache) lookup(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || e.expired(c.now()) {
		return nil, false
	}
	return e.Value, true
}

// GetOrCompute returns the cached value for key, or runs compute once for
// all concurrent callers of the same key and caches its result for ttl.
// Failures reach every waiter as a *models.ComputeError and are not cached.
func (c *Cache) GetOrCompute(key string, ttl time.Duration, compute ComputeFunc) (any, error) {
	if v, ok := c.lookup(key); ok {
		telemetry.CacheHits.Inc()
		return v, nil
	}
	telemetry.CacheMisses.Inc()

	v, err, _ := c.group.Do(key, func() (any, error) {
		c.mu.Lock()
		// A flight for this key may have finished between our miss and Do.
		if e, ok := c.entries[key]; ok && !e.expired(c.now()) {
			c.mu.Unlock()
			return e.Value, nil
		}
		c.inflight[key]++
		started := c.version[key]
		c.mu.Unlock()

		value, err := c.run(key, compute)

		c.mu.Lock()
		defer c.mu.Unlock()
		if err == nil && ttl > 0 && c.version[key] == started {
			c.entries[key] = &Entry{Key: key, Value: value, ComputedAt: c.now(), TTL: ttl}
		}
		if c.inflight[key]--; c.inflight[key] == 0 {
			delete(c.inflight, key)
			delete(c.version, key)
		}
		return value, err
	})
	return v, err
}

func (c *Cache) run(key string, compute ComputeFunc) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &models.ComputeError{Key: key, Cause: fmt.Errorf("panic: %v", r)}
		}
		if err != nil {
			telemetry.CacheComputeFailures.Inc()
			c.logger.Warn("Cache computation failed", zap.String("key", key), zap.Error(err))
		}
	}()

	c.logger.Debug("Computing cache entry", zap.String("key", key))
	value, err = compute()
	if err != nil {
		return nil, &models.ComputeError{Key: key, Cause: err}
	}
	return value, nil
}

// Invalidate drops every entry whose key contains any of patterns and
// detaches in-flight computations of matching keys so their results are not
// stored and later callers start afresh. It returns the number of entries
// dropped.
func (c *Cache) Invalidate(patterns ...string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for k := range c.entries {
		if matchAny(k, patterns) {
			delete(c.entries, k)
			removed++
		}
	}
	for k := range c.inflight {
		if matchAny(k, patterns) {
			c.version[k]++
			c.group.Forget(k)
		}
	}
	return removed
}

func matchAny(key string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(key, p) {
			return true
		}
	}
	return false
}

func (c *Cache) Peek(key string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || e.expired(c.now()) {
		return Entry{}, false
	}
	return *e, true
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Purge removes expired entries and returns how many were removed.
func (c *Cache) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for k, e := range c.entries {
		if e.expired(now) {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

// StartJanitor purges expired entries every interval until Close. Calling it
// again while running is a no-op.
func (c *Cache) StartJanitor(interval time.Duration) {
	if interval <= 0 {
		return
	}

	c.janitorMu.Lock()
	defer c.janitorMu.Unlock()
	if c.stopCh != nil {
		return
	}
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})

	go c.janitor(interval, c.stopCh, c.doneCh)
}

func (c *Cache) janitor(interval time.Duration, stopCh <-chan struct{}, doneCh chan<- struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer close(doneCh)

	for {
		select {
		case <-ticker.C:
			if n := c.Purge(); n > 0 {
				c.logger.Debug("Purged expired cache entries", zap.Int("count", n))
			}
		case <-stopCh:
			return
		}
	}
}

func (c *Cache) Close() error {
	c.janitorMu.Lock()
	defer c.janitorMu.Unlock()
	if c.stopCh == nil {
		return nil
	}
	close(c.stopCh)
	<-c.doneCh
	c.stopCh, c.doneCh = nil, nil
	return nil
}
