package alerting

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kloudmate/metrics-engine/internal/models"
	"github.com/kloudmate/metrics-engine/internal/telemetry"
)

const DefaultMaxResolved = 10000

type Config struct {
	// MaxResolved bounds how many resolved alerts are kept for audit.
	MaxResolved int
}

type State int

const (
	StateAny State = iota
	StateOpen
	StateResolved
)

type Filter struct {
	Key   *models.SeriesKey
	State State
}

// Engine holds the threshold registry and the alert lifecycle. Alerts open
// when an observation crosses a threshold and stay open until Resolve.
type Engine struct {
	logger      *zap.Logger
	maxResolved int
	now         func() time.Time

	mu         sync.RWMutex
	thresholds map[models.SeriesKey]models.Threshold
	alerts     map[string]*models.Alert
	order      []string
	resolved   []string
}

func NewEngine(cfg *Config, logger *zap.Logger) *Engine {
	if cfg == nil {
		cfg = &Config{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	maxResolved := cfg.MaxResolved
	if maxResolved <= 0 {
		maxResolved = DefaultMaxResolved
	}
	return &Engine{
		logger:      logger,
		maxResolved: maxResolved,
		now:         time.Now,
		thresholds:  make(map[models.SeriesKey]models.Threshold),
		alerts:      make(map[string]*models.Alert),
	}
}

func (e *Engine) SetThreshold(category, name string, warning, critical float64) {
	key := models.SeriesKey{Category: category, Name: name}

	e.mu.Lock()
	e.thresholds[key] = models.Threshold{Key: key, Warning: warning, Critical: critical}
	e.mu.Unlock()

	e.logger.Info("Threshold set",
		zap.String("series", key.String()),
		zap.Float64("warning", warning),
		zap.Float64("critical", critical))
}

func (e *Engine) RemoveThreshold(category, name string) bool {
	key := models.SeriesKey{Category: category, Name: name}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.thresholds[key]; !ok {
		return false
	}
	delete(e.thresholds, key)
	return true
}

func (e *Engine) Threshold(key models.SeriesKey) (models.Threshold, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.thresholds[key]
	return t, ok
}

func (e *Engine) Thresholds() []models.Threshold {
	e.mu.RLock()
	out := make([]models.Threshold, 0, len(e.thresholds))
	for _, t := range e.thresholds {
		out = append(out, t)
	}
	e.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Key.String() < out[j].Key.String()
	})
	return out
}

// Evaluate classifies m against its series threshold and opens an alert on a
// breach. Critical takes precedence over warning; a series without a
// threshold never alerts.
func (e *Engine) Evaluate(m models.Metric) *models.Alert {
	key := m.Key()

	e.mu.RLock()
	t, ok := e.thresholds[key]
	e.mu.RUnlock()
	if !ok {
		return nil
	}

	var severity models.Severity
	var limit float64
	switch {
	case m.Value >= t.Critical:
		severity, limit = models.SeverityCritical, t.Critical
	case m.Value >= t.Warning:
		severity, limit = models.SeverityWarning, t.Warning
	default:
		return nil
	}

	ts := m.Timestamp
	if ts.IsZero() {
		ts = e.now()
	}
	alert := &models.Alert{
		ID:           uuid.NewString(),
		MetricKey:    key,
		Threshold:    limit,
		CurrentValue: m.Value,
		Severity:     severity,
		Message: fmt.Sprintf("%s is %.2f%s, at or above %s threshold %.2f",
			key, m.Value, unitSuffix(m.Unit), severity, limit),
		Timestamp: ts,
	}

	e.mu.Lock()
	e.alerts[alert.ID] = alert
	e.order = append(e.order, alert.ID)
	e.mu.Unlock()

	telemetry.AlertsRaised.WithLabelValues(string(severity)).Inc()
	e.logger.Warn("Alert raised",
		zap.String("alert_id", alert.ID),
		zap.String("series", key.String()),
		zap.String("severity", string(severity)),
		zap.Float64("value", m.Value),
		zap.Float64("threshold", limit))

	out := *alert
	return &out
}

func unitSuffix(unit string) string {
	if unit == "" {
		return ""
	}
	return " " + unit
}

// Resolve closes an open alert and returns its final state. Unknown and
// already resolved ids both fail with ErrNotFound.
func (e *Engine) Resolve(alertID string) (models.Alert, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	alert, ok := e.alerts[alertID]
	if !ok || alert.Resolved {
		return models.Alert{}, fmt.Errorf("open alert %q: %w", alertID, models.ErrNotFound)
	}

	now := e.now()
	alert.Resolved = true
	alert.ResolvedAt = &now
	e.resolved = append(e.resolved, alertID)
	e.pruneResolvedLocked()

	telemetry.AlertsResolved.Inc()
	e.logger.Info("Alert resolved",
		zap.String("alert_id", alertID),
		zap.String("series", alert.MetricKey.String()))
	out := *alert
	resolvedAt := now
	out.ResolvedAt = &resolvedAt
	return out, nil
}

func (e *Engine) pruneResolvedLocked() {
	excess := len(e.resolved) - e.maxResolved
	if excess <= 0 {
		return
	}

	pruned := make(map[string]struct{}, excess)
	for _, id := range e.resolved[:excess] {
		delete(e.alerts, id)
		pruned[id] = struct{}{}
	}
	e.resolved = append(e.resolved[:0], e.resolved[excess:]...)

	kept := e.order[:0]
	for _, id := range e.order {
		if _, gone := pruned[id]; !gone {
			kept = append(kept, id)
		}
	}
	e.order = kept
}

// ActiveAlerts returns open alerts in the order they were raised.
func (e *Engine) ActiveAlerts() []models.Alert {
	return e.Alerts(Filter{State: StateOpen})
}

func (e *Engine) Alerts(f Filter) []models.Alert {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var out []models.Alert
	for _, id := range e.order {
		a := e.alerts[id]
		if f.Key != nil && a.MetricKey != *f.Key {
			continue
		}
		switch f.State {
		case StateOpen:
			if a.Resolved {
				continue
			}
		case StateResolved:
			if !a.Resolved {
				continue
			}
		}
		cp := *a
		if a.ResolvedAt != nil {
			at := *a.ResolvedAt
			cp.ResolvedAt = &at
		}
		out = append(out, cp)
	}
	return out
}

// OpenCounts returns the number of open warning and critical alerts for
// series in category.
func (e *Engine) OpenCounts(category string) (warning, critical int) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, a := range e.alerts {
		if a.Resolved || a.MetricKey.Category != category {
			continue
		}
		switch a.Severity {
		case models.SeverityCritical:
			critical++
		case models.SeverityWarning:
			warning++
		}
	}
	return warning, critical
}
