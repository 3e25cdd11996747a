package main

import (
	"strings"
	"testing"
	"time"

	"github.com/kloudmate/metrics-engine/internal/engine"
	"github.com/kloudmate/metrics-engine/internal/health"
)

const sampleConfig = `
engine:
  capacity: 500
  retention: 6h
  health_ttl: 2s
  score_on_ingest: false
  dimensions:
    checkout_success_rate: availability
  persist:
    batch_size: 50
thresholds:
  - category: build
    name: time
    warning: 300
    critical: 600
receiver:
  otlp:
    enabled: true
    histogram_percentile: 99
http:
  remote_read: true
logging:
  level: debug
`

func TestParseConfig(t *testing.T) {
	cfg, err := parseConfig([]byte(sampleConfig))
	if err != nil {
		t.Fatalf("parseConfig failed: %v", err)
	}

	if cfg.Receiver.OTLP.Address != ":4317" || cfg.HTTP.Address != ":9201" {
		t.Errorf("expected default addresses, got %q and %q", cfg.Receiver.OTLP.Address, cfg.HTTP.Address)
	}
	if cfg.Engine.SchedulerInterval != engine.SchedulerInterval {
		t.Errorf("expected default scheduler interval, got %s", cfg.Engine.SchedulerInterval)
	}
	if len(cfg.Thresholds) != 1 || cfg.Thresholds[0].Critical != 600 {
		t.Errorf("expected one threshold with critical 600, got %+v", cfg.Thresholds)
	}

	ec := cfg.engineConfig()
	if ec.Capacity != 500 || ec.Retention != 6*time.Hour || ec.HealthTTL != 2*time.Second {
		t.Errorf("expected overrides to apply, got %+v", ec)
	}
	if ec.ScoreOnIngest {
		t.Error("expected score_on_ingest=false to be honored")
	}
	if ec.PersistBatch != 50 || ec.PersistQueue != engine.DefaultConfig().PersistQueue {
		t.Errorf("expected persist batch 50 and default queue, got %d and %d", ec.PersistBatch, ec.PersistQueue)
	}
	if ec.HealthDimensions["checkout_success_rate"] != health.Availability {
		t.Errorf("expected dimension override, got %v", ec.HealthDimensions)
	}
	if ec.TrendTTL != engine.DefaultConfig().TrendTTL {
		t.Errorf("expected default trend TTL, got %s", ec.TrendTTL)
	}
}

func TestParseConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "unknown dimension",
			yaml:    "engine:\n  dimensions:\n    cpu: latency\n",
			wantErr: "unknown health dimension",
		},
		{
			name:    "inverted threshold",
			yaml:    "thresholds:\n  - {category: build, name: time, warning: 600, critical: 300}\n",
			wantErr: "below warning",
		},
		{
			name:    "missing threshold name",
			yaml:    "thresholds:\n  - {category: build, warning: 1, critical: 2}\n",
			wantErr: "category and name are required",
		},
		{
			name:    "clickhouse without addresses",
			yaml:    "clickhouse:\n  enabled: true\n",
			wantErr: "no addresses",
		},
		{
			name:    "malformed yaml",
			yaml:    "engine: [",
			wantErr: "failed to parse config",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseConfig([]byte(tt.yaml))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestInitLogger(t *testing.T) {
	if _, err := initLogger("debug"); err != nil {
		t.Errorf("expected debug level to be accepted, got %v", err)
	}
	if _, err := initLogger("loud"); err == nil {
		t.Error("expected unknown level to be rejected")
	}
}
