package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Engine self-metrics. Registered once on the default registry.
var (
	ObservationsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metrics_engine_observations_ingested_total",
			Help: "Observations accepted by Ingest",
		},
		[]string{"category"},
	)

	ObservationsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metrics_engine_observations_rejected_total",
			Help: "Observations rejected as invalid",
		},
		[]string{"source"},
	)

	ObservationsEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "metrics_engine_observations_evicted_total",
			Help: "Observations dropped by FIFO eviction or retention cleanup",
		},
	)

	SeriesActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "metrics_engine_series_active",
			Help: "Series currently held in memory",
		},
	)

	AlertsRaised = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metrics_engine_alerts_raised_total",
			Help: "Alerts opened by threshold evaluation",
		},
		[]string{"severity"},
	)

	AlertsResolved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "metrics_engine_alerts_resolved_total",
			Help: "Alerts resolved explicitly",
		},
	)

	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "metrics_engine_cache_hits_total",
			Help: "Aggregation cache hits",
		},
	)

	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "metrics_engine_cache_misses_total",
			Help: "Aggregation cache misses",
		},
	)

	CacheComputeFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "metrics_engine_cache_compute_failures_total",
			Help: "Cache computations that returned an error or panicked",
		},
	)

	SweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "metrics_engine_sweep_duration_seconds",
			Help:    "Duration of scheduler health sweeps",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
	)

	SweepFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metrics_engine_sweep_category_failures_total",
			Help: "Per-category failures during scheduler sweeps",
		},
		[]string{"category"},
	)

	HealthScore = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "metrics_engine_health_score",
			Help: "Last computed health score per category",
		},
		[]string{"category"},
	)

	PersistDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "metrics_engine_persist_dropped_total",
			Help: "Observations not delivered to the persistence sink",
		},
	)
)
