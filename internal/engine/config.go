package engine

import (
	"time"

	"github.com/kloudmate/metrics-engine/internal/alerting"
	"github.com/kloudmate/metrics-engine/internal/health"
	"github.com/kloudmate/metrics-engine/internal/scheduler"
	"github.com/kloudmate/metrics-engine/internal/store"
)

type Config struct {
	Capacity  int
	Shards    int
	Retention time.Duration

	TrendTTL  time.Duration
	HealthTTL time.Duration
	QueryTTL  time.Duration

	JanitorInterval time.Duration

	HealthWindow     time.Duration
	StaleAfter       time.Duration
	HealthDimensions map[string]health.Dimension

	// ScoreOnIngest rescores the owning category inside every Ingest call.
	ScoreOnIngest bool

	MaxResolvedAlerts int

	PersistQueue         int
	PersistBatch         int
	PersistFlushInterval time.Duration
	PersistTimeout       time.Duration
}

func DefaultConfig() *Config {
	return &Config{
		Capacity:             store.DefaultCapacity,
		Shards:               store.DefaultShards,
		Retention:            24 * time.Hour,
		TrendTTL:             30 * time.Second,
		HealthTTL:            5 * time.Second,
		QueryTTL:             10 * time.Second,
		JanitorInterval:      time.Minute,
		HealthWindow:         health.DefaultWindow,
		StaleAfter:           health.DefaultStaleAfter,
		ScoreOnIngest:        true,
		MaxResolvedAlerts:    alerting.DefaultMaxResolved,
		PersistQueue:         1024,
		PersistBatch:         100,
		PersistFlushInterval: 5 * time.Second,
		PersistTimeout:       10 * time.Second,
	}
}

// SchedulerInterval is the sweep interval StartScheduler uses for a
// non-positive argument.
const SchedulerInterval = scheduler.DefaultInterval

func setDefaults(cfg *Config) {
	def := DefaultConfig()

	if cfg.Capacity <= 0 {
		cfg.Capacity = def.Capacity
	}
	if cfg.Shards <= 0 {
		cfg.Shards = def.Shards
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	if cfg.TrendTTL <= 0 {
		cfg.TrendTTL = def.TrendTTL
	}
	if cfg.HealthTTL <= 0 {
		cfg.HealthTTL = def.HealthTTL
	}
	if cfg.QueryTTL <= 0 {
		cfg.QueryTTL = def.QueryTTL
	}
	if cfg.HealthWindow <= 0 {
		cfg.HealthWindow = def.HealthWindow
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	if cfg.MaxResolvedAlerts <= 0 {
		cfg.MaxResolvedAlerts = def.MaxResolvedAlerts
	}
	if cfg.PersistQueue <= 0 {
		cfg.PersistQueue = def.PersistQueue
	}
	if cfg.PersistBatch <= 0 {
		cfg.PersistBatch = def.PersistBatch
	}
	if cfg.PersistFlushInterval <= 0 {
		cfg.PersistFlushInterval = def.PersistFlushInterval
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = def.PersistTimeout
	}
}
