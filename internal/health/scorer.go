package health

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kloudmate/metrics-engine/internal/models"
	"github.com/kloudmate/metrics-engine/internal/store"
	"github.com/kloudmate/metrics-engine/internal/telemetry"
)

type Dimension string

const (
	Availability Dimension = "availability"
	Performance  Dimension = "performance"
	Reliability  Dimension = "reliability"
)

const (
	DefaultWindow     = 15 * time.Minute
	DefaultStaleAfter = 10 * time.Minute

	warningSeriesPenalty  = 15
	criticalSeriesPenalty = 30
	warningAlertPenalty   = 5
	criticalAlertPenalty  = 15
	maxStalePenalty       = 40

	healthyFloor  = 80
	degradedFloor = 60
)

type Config struct {
	// Window is how far back observations count towards the score.
	Window time.Duration
	// StaleAfter is the silence after which availability and reliability
	// start to decay. The decay saturates at four times this value.
	StaleAfter time.Duration
	// Dimensions maps exact metric names to a dimension, overriding the
	// name-based default.
	Dimensions map[string]Dimension
}

type SeriesSource interface {
	Snapshot(category string, since time.Time) []store.SeriesSnapshot
}

type AlertSource interface {
	OpenCounts(category string) (warning, critical int)
	Threshold(key models.SeriesKey) (models.Threshold, bool)
}

type Scorer struct {
	logger     *zap.Logger
	series     SeriesSource
	alerts     AlertSource
	window     time.Duration
	staleAfter time.Duration
	dimensions map[string]Dimension
	now        func() time.Time

	mu   sync.RWMutex
	last map[string]models.HealthStatus
}

func NewScorer(cfg *Config, series SeriesSource, alerts AlertSource, logger *zap.Logger) *Scorer {
	if cfg == nil {
		cfg = &Config{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	window := cfg.Window
	if window <= 0 {
		window = DefaultWindow
	}
	staleAfter := cfg.StaleAfter
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	dims := make(map[string]Dimension, len(cfg.Dimensions))
	for k, v := range cfg.Dimensions {
		dims[k] = v
	}

	return &Scorer{
		logger:     logger,
		series:     series,
		alerts:     alerts,
		window:     window,
		staleAfter: staleAfter,
		dimensions: dims,
		now:        time.Now,
		last:       make(map[string]models.HealthStatus),
	}
}

// DimensionOf returns the dimension a metric name contributes to.
func (s *Scorer) DimensionOf(name string) Dimension {
	if d, ok := s.dimensions[name]; ok {
		return d
	}
	lower := strings.ToLower(name)
	for _, marker := range []string{"error", "fail", "crash"} {
		if strings.Contains(lower, marker) {
			return Reliability
		}
	}
	for _, marker := range []string{"uptime", "availability", "down"} {
		if strings.Contains(lower, marker) {
			return Availability
		}
	}
	return Performance
}

// Score recomputes the health of category from its recent observations and
// open alerts. A category with no series fails with ErrNotFound.
func (s *Scorer) Score(category string) (models.HealthStatus, error) {
	now := s.now()
	snaps := s.series.Snapshot(category, now.Add(-s.window))
	if len(snaps) == 0 {
		return models.HealthStatus{}, fmt.Errorf("category %q: %w", category, models.ErrNotFound)
	}

	penalties := map[Dimension]float64{}
	var lastSeen time.Time
	for _, snap := range snaps {
		if snap.LastSeen.After(lastSeen) {
			lastSeen = snap.LastSeen
		}
		if len(snap.Metrics) == 0 {
			continue
		}
		t, ok := s.alerts.Threshold(snap.Key)
		if !ok {
			continue
		}
		penalties[s.DimensionOf(snap.Key.Name)] += seriesPenalty(averageOf(snap.Metrics), t)
	}

	warning, critical := s.alerts.OpenCounts(category)
	penalties[Availability] += float64(warning*warningAlertPenalty + critical*criticalAlertPenalty)

	stale := s.stalePenalty(now.Sub(lastSeen))
	penalties[Availability] += stale
	penalties[Reliability] += stale

	sub := models.HealthMetrics{
		Availability: clampScore(100 - penalties[Availability]),
		Performance:  clampScore(100 - penalties[Performance]),
		Reliability:  clampScore(100 - penalties[Reliability]),
	}
	score := int(math.Round((sub.Availability + sub.Performance + sub.Reliability) / 3))

	status := models.HealthStatus{
		Category:    category,
		Status:      StatusFor(score),
		Score:       score,
		Metrics:     sub,
		LastChecked: now,
	}

	s.mu.Lock()
	prev, seen := s.last[category]
	s.last[category] = status
	s.mu.Unlock()

	telemetry.HealthScore.WithLabelValues(category).Set(float64(score))
	if seen && prev.Status != status.Status {
		s.logger.Info("Category health changed",
			zap.String("category", category),
			zap.String("from", string(prev.Status)),
			zap.String("to", string(status.Status)),
			zap.Int("score", score))
	}

	return status, nil
}

// Last returns the most recently computed status without recomputing.
func (s *Scorer) Last(category string) (models.HealthStatus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.last[category]
	return st, ok
}

// Forget drops the remembered status of a category that no longer has series.
func (s *Scorer) Forget(category string) {
	s.mu.Lock()
	delete(s.last, category)
	s.mu.Unlock()
	telemetry.HealthScore.DeleteLabelValues(category)
}

// StatusFor maps a score onto its band. Each band includes its lower bound.
func StatusFor(score int) models.Status {
	switch {
	case score >= healthyFloor:
		return models.StatusHealthy
	case score >= degradedFloor:
		return models.StatusDegraded
	default:
		return models.StatusCritical
	}
}

func seriesPenalty(avg float64, t models.Threshold) float64 {
	switch {
	case avg >= t.Critical:
		return criticalSeriesPenalty
	case avg >= t.Warning:
		return warningSeriesPenalty
	default:
		return 0
	}
}

func (s *Scorer) stalePenalty(age time.Duration) float64 {
	if age <= s.staleAfter {
		return 0
	}
	frac := float64(age-s.staleAfter) / float64(3*s.staleAfter)
	if frac > 1 {
		frac = 1
	}
	return maxStalePenalty * frac
}

func averageOf(metrics []models.Metric) float64 {
	var sum float64
	for _, m := range metrics {
		sum += m.Value
	}
	return sum / float64(len(metrics))
}

func clampScore(v float64) float64 {
	return math.Max(0, math.Min(100, v))
}
