// Package engine is the entry point consumers use to feed observations in and
// read aggregates, alerts and health back out. Construct one Engine per
// process with New and hand it to every producer and reader.
package engine

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kloudmate/metrics-engine/internal/alerting"
	"github.com/kloudmate/metrics-engine/internal/cache"
	"github.com/kloudmate/metrics-engine/internal/health"
	"github.com/kloudmate/metrics-engine/internal/models"
	"github.com/kloudmate/metrics-engine/internal/scheduler"
	"github.com/kloudmate/metrics-engine/internal/store"
	"github.com/kloudmate/metrics-engine/internal/telemetry"
	"github.com/kloudmate/metrics-engine/internal/trend"
)

type Engine struct {
	logger    *zap.Logger
	config    *Config
	store     *store.Store
	alerts    *alerting.Engine
	analyzer  *trend.Analyzer
	scorer    *health.Scorer
	cache     *cache.Cache
	scheduler *scheduler.Scheduler
	persister *persister

	closeMu sync.RWMutex
	closed  bool

	statsMu sync.Mutex
	stats   Stats
}

type Stats struct {
	Ingested     uint64
	Rejected     uint64
	AlertsRaised uint64
	LastIngest   time.Time
}

// New builds an engine. sink may be nil when observations need not be
// persisted.
func New(cfg *Config, sink Sink, logger *zap.Logger) *Engine {
	if cfg == nil {
		cfg = DefaultConfig()
	} else {
		c := *cfg
		cfg = &c
	}
	setDefaults(cfg)
	if logger == nil {
		logger = zap.NewNop()
	}

	st := store.New(&store.Config{Capacity: cfg.Capacity, Shards: cfg.Shards}, logger.Named("store"))
	alerts := alerting.NewEngine(&alerting.Config{MaxResolved: cfg.MaxResolvedAlerts}, logger.Named("alerting"))

	e := &Engine{
		logger:   logger,
		config:   cfg,
		store:    st,
		alerts:   alerts,
		analyzer: trend.NewAnalyzer(),
		scorer: health.NewScorer(&health.Config{
			Window:     cfg.HealthWindow,
			StaleAfter: cfg.StaleAfter,
			Dimensions: cfg.HealthDimensions,
		}, st, alerts, logger.Named("health")),
		cache: cache.New(logger.Named("cache")),
	}
	e.scheduler = scheduler.New(e, logger.Named("scheduler"))
	if sink != nil {
		e.persister = newPersister(sink, cfg, logger.Named("persist"))
	}
	e.cache.StartJanitor(cfg.JanitorInterval)

	return e
}

// seriesPattern is the cache token of a series. The category length keeps
// ("a:b", "c") and ("a", "b:c") apart while the plain "category:name" form
// still matches Invalidate patterns.
func seriesPattern(key models.SeriesKey) string {
	return "|" + strconv.Itoa(len(key.Category)) + ":" + key.String() + "|"
}

func healthKey(category string) string {
	return "health|" + category + "|"
}

// Ingest validates and stores m, evaluates it against its threshold and
// rescores its category before returning. Readers observe the new state as
// soon as Ingest returns.
func (e *Engine) Ingest(m models.Metric) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}

	var raised *models.Alert
	err := e.store.Append(m, func(stored models.Metric) {
		raised = e.alerts.Evaluate(stored)
	})
	if err != nil {
		telemetry.ObservationsRejected.WithLabelValues("ingest").Inc()
		e.statsMu.Lock()
		e.stats.Rejected++
		e.statsMu.Unlock()
		return err
	}

	key := m.Key()
	e.cache.Invalidate(seriesPattern(key), healthKey(key.Category))
	if e.config.ScoreOnIngest {
		if _, err := e.scorer.Score(key.Category); err != nil {
			e.logger.Warn("Failed to score category after ingest",
				zap.String("category", key.Category),
				zap.Error(err))
		}
	}

	e.closeMu.RLock()
	if e.persister != nil && !e.closed {
		if !e.persister.enqueue(m) {
			e.logger.Debug("Persistence queue full, observation dropped",
				zap.String("series", key.String()),
				zap.String("id", m.ID))
		}
	}
	e.closeMu.RUnlock()

	telemetry.ObservationsIngested.WithLabelValues(key.Category).Inc()
	e.statsMu.Lock()
	e.stats.Ingested++
	if raised != nil {
		e.stats.AlertsRaised++
	}
	e.stats.LastIngest = time.Now()
	e.statsMu.Unlock()

	return nil
}

// IngestBatch ingests every metric and returns how many were accepted along
// with the first rejection.
func (e *Engine) IngestBatch(metrics []models.Metric) (int, error) {
	accepted := 0
	var firstErr error
	for _, m := range metrics {
		if err := e.Ingest(m); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		accepted++
	}
	return accepted, firstErr
}

// Query returns the observations of a series in ascending time order,
// restricted to [start, end] when bounds are given.
func (e *Engine) Query(category, name string, start, end *time.Time) ([]models.Metric, error) {
	key := models.SeriesKey{Category: category, Name: name}
	cacheKey := fmt.Sprintf("query%s%s|%s", seriesPattern(key), formatBound(start), formatBound(end))

	v, err := e.cache.GetOrCompute(cacheKey, e.config.QueryTTL, func() (any, error) {
		return e.store.Query(category, name, start, end)
	})
	if err != nil {
		return nil, err
	}

	cached := v.([]models.Metric)
	out := make([]models.Metric, len(cached))
	for i, m := range cached {
		out[i] = m.Clone()
	}
	return out, nil
}

func formatBound(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return fmt.Sprintf("%d", t.UnixNano())
}

func (e *Engine) Keys() []models.SeriesKey {
	return e.store.Keys()
}

func (e *Engine) Categories() []string {
	return e.store.Categories()
}

func (e *Engine) windowed(category, name string, window time.Duration) ([]models.Metric, error) {
	var start *time.Time
	if window > 0 {
		s := time.Now().Add(-window)
		start = &s
	}
	return e.store.Query(category, name, start, nil)
}

// Trend summarizes a series over the trailing window. A non-positive window
// covers everything still buffered.
func (e *Engine) Trend(category, name string, window time.Duration) (models.Trend, error) {
	key := models.SeriesKey{Category: category, Name: name}
	cacheKey := fmt.Sprintf("trend%s%s", seriesPattern(key), window)

	v, err := e.cache.GetOrCompute(cacheKey, e.config.TrendTTL, func() (any, error) {
		series, err := e.windowed(category, name, window)
		if err != nil {
			return nil, err
		}
		return e.analyzer.Analyze(key, window, series), nil
	})
	if err != nil {
		return models.Trend{}, err
	}
	return v.(models.Trend), nil
}

// Aggregate returns summary statistics of a series over the trailing window.
func (e *Engine) Aggregate(category, name string, window time.Duration) (models.Statistics, error) {
	key := models.SeriesKey{Category: category, Name: name}
	cacheKey := fmt.Sprintf("aggregate%s%s", seriesPattern(key), window)

	v, err := e.cache.GetOrCompute(cacheKey, e.config.TrendTTL, func() (any, error) {
		series, err := e.windowed(category, name, window)
		if err != nil {
			return nil, err
		}
		return e.analyzer.Statistics(series), nil
	})
	if err != nil {
		return models.Statistics{}, err
	}
	return v.(models.Statistics), nil
}

func (e *Engine) Health(category string) (models.HealthStatus, error) {
	v, err := e.cache.GetOrCompute(healthKey(category), e.config.HealthTTL, func() (any, error) {
		return e.scorer.Score(category)
	})
	if err != nil {
		return models.HealthStatus{}, err
	}
	return v.(models.HealthStatus), nil
}

// LastHealth returns the most recently computed status of a category without
// recomputing it.
func (e *Engine) LastHealth(category string) (models.HealthStatus, bool) {
	return e.scorer.Last(category)
}

func (e *Engine) SetThreshold(category, name string, warning, critical float64) {
	e.alerts.SetThreshold(category, name, warning, critical)
	e.cache.Invalidate(healthKey(category))
}

func (e *Engine) RemoveThreshold(category, name string) bool {
	removed := e.alerts.RemoveThreshold(category, name)
	if removed {
		e.cache.Invalidate(healthKey(category))
	}
	return removed
}

func (e *Engine) Thresholds() []models.Threshold {
	return e.alerts.Thresholds()
}

func (e *Engine) ActiveAlerts() []models.Alert {
	return e.alerts.ActiveAlerts()
}

func (e *Engine) Alerts(f alerting.Filter) []models.Alert {
	return e.alerts.Alerts(f)
}

func (e *Engine) Resolve(alertID string) error {
	alert, err := e.alerts.Resolve(alertID)
	if err != nil {
		return err
	}
	e.cache.Invalidate(healthKey(alert.MetricKey.Category))
	return nil
}

// Invalidate drops every cached result whose key contains pattern, such as a
// series key "build:time" or a category prefix "health|build|".
func (e *Engine) Invalidate(pattern string) int {
	return e.cache.Invalidate(pattern)
}

// RefreshHealth recomputes and caches the health of category.
func (e *Engine) RefreshHealth(category string) error {
	e.cache.Invalidate(healthKey(category))
	_, err := e.Health(category)
	return err
}

// Maintain applies retention to the store. Series emptied by retention are
// dropped along with their remembered health.
func (e *Engine) Maintain() {
	before := e.store.Categories()
	if dropped := e.store.Cleanup(time.Now().Add(-e.config.Retention)); dropped == 0 {
		return
	}

	e.cache.Invalidate("")
	remaining := make(map[string]struct{})
	for _, c := range e.store.Categories() {
		remaining[c] = struct{}{}
	}
	for _, c := range before {
		if _, ok := remaining[c]; !ok {
			e.scorer.Forget(c)
		}
	}
}

func (e *Engine) StartScheduler(interval time.Duration) {
	e.scheduler.Start(interval)
}

func (e *Engine) StopScheduler() {
	e.scheduler.Stop()
}

// Sweep runs one scheduler sweep synchronously.
func (e *Engine) Sweep() {
	e.scheduler.Sweep()
}

func (e *Engine) Capacity() int {
	return e.store.Capacity()
}

func (e *Engine) GetStats() Stats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	return e.stats
}

// Close stops the scheduler and the cache janitor, then drains pending
// observations into the sink. The engine must not be used afterwards.
func (e *Engine) Close() error {
	e.closeMu.Lock()
	if e.closed {
		e.closeMu.Unlock()
		return nil
	}
	e.closed = true
	e.closeMu.Unlock()

	e.scheduler.Stop()
	if err := e.cache.Close(); err != nil {
		return fmt.Errorf("failed to stop cache janitor: %w", err)
	}
	if e.persister != nil {
		e.persister.close()
	}

	e.logger.Info("Engine closed")
	return nil
}
