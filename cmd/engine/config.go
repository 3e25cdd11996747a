package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kloudmate/metrics-engine/internal/engine"
	"github.com/kloudmate/metrics-engine/internal/health"
)

type Config struct {
	Engine struct {
		Capacity          int               `yaml:"capacity"`
		Shards            int               `yaml:"shards"`
		Retention         time.Duration     `yaml:"retention"`
		TrendTTL          time.Duration     `yaml:"trend_ttl"`
		HealthTTL         time.Duration     `yaml:"health_ttl"`
		QueryTTL          time.Duration     `yaml:"query_ttl"`
		JanitorInterval   time.Duration     `yaml:"janitor_interval"`
		HealthWindow      time.Duration     `yaml:"health_window"`
		StaleAfter        time.Duration     `yaml:"stale_after"`
		ScoreOnIngest     *bool             `yaml:"score_on_ingest"`
		MaxResolvedAlerts int               `yaml:"max_resolved_alerts"`
		SchedulerInterval time.Duration     `yaml:"scheduler_interval"`
		Dimensions        map[string]string `yaml:"dimensions"`

		Persist struct {
			Queue         int           `yaml:"queue"`
			BatchSize     int           `yaml:"batch_size"`
			FlushInterval time.Duration `yaml:"flush_interval"`
			Timeout       time.Duration `yaml:"timeout"`
		} `yaml:"persist"`
	} `yaml:"engine"`

	Thresholds []ThresholdConfig `yaml:"thresholds"`

	Receiver struct {
		OTLP struct {
			Enabled             bool    `yaml:"enabled"`
			Address             string  `yaml:"address"`
			MaxMessageSize      int     `yaml:"max_message_size"`
			CategoryAttribute   string  `yaml:"category_attribute"`
			DefaultCategory     string  `yaml:"default_category"`
			HistogramPercentile float64 `yaml:"histogram_percentile"`
		} `yaml:"otlp"`
	} `yaml:"receiver"`

	ClickHouse struct {
		Enabled       bool          `yaml:"enabled"`
		Addresses     []string      `yaml:"addresses"`
		Database      string        `yaml:"database"`
		Username      string        `yaml:"username"`
		Password      string        `yaml:"password"`
		BatchSize     int           `yaml:"batch_size"`
		FlushInterval time.Duration `yaml:"flush_interval"`
		MaxIdleConns  int           `yaml:"max_idle_conns"`
		MaxOpenConns  int           `yaml:"max_open_conns"`
		CreateTable   bool          `yaml:"create_table"`
	} `yaml:"clickhouse"`

	HTTP struct {
		Address    string `yaml:"address"`
		RemoteRead bool   `yaml:"remote_read"`
	} `yaml:"http"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

type ThresholdConfig struct {
	Category string  `yaml:"category"`
	Name     string  `yaml:"name"`
	Warning  float64 `yaml:"warning"`
	Critical float64 `yaml:"critical"`
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return parseConfig(data)
}

func parseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	setDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(cfg *Config) {
	if cfg.Engine.SchedulerInterval == 0 {
		cfg.Engine.SchedulerInterval = engine.SchedulerInterval
	}

	if cfg.Receiver.OTLP.Address == "" {
		cfg.Receiver.OTLP.Address = ":4317"
	}

	if cfg.ClickHouse.Database == "" {
		cfg.ClickHouse.Database = "default"
	}

	if cfg.HTTP.Address == "" {
		cfg.HTTP.Address = ":9201"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

func validate(cfg *Config) error {
	for name, d := range cfg.Engine.Dimensions {
		switch health.Dimension(d) {
		case health.Availability, health.Performance, health.Reliability:
		default:
			return fmt.Errorf("unknown health dimension %q for metric %q", d, name)
		}
	}

	for i, t := range cfg.Thresholds {
		if t.Category == "" || t.Name == "" {
			return fmt.Errorf("threshold %d: category and name are required", i)
		}
		if t.Critical < t.Warning {
			return fmt.Errorf("threshold %s:%s: critical %.2f is below warning %.2f",
				t.Category, t.Name, t.Critical, t.Warning)
		}
	}

	if cfg.ClickHouse.Enabled && len(cfg.ClickHouse.Addresses) == 0 {
		return fmt.Errorf("clickhouse is enabled but no addresses are configured")
	}
	return nil
}

// engineConfig maps the file's engine section onto engine.Config. Zero
// values fall through to the engine defaults.
func (c *Config) engineConfig() *engine.Config {
	ec := engine.DefaultConfig()
	e := c.Engine

	if e.Capacity > 0 {
		ec.Capacity = e.Capacity
	}
	if e.Shards > 0 {
		ec.Shards = e.Shards
	}
	if e.Retention > 0 {
		ec.Retention = e.Retention
	}
	if e.TrendTTL > 0 {
		ec.TrendTTL = e.TrendTTL
	}
	if e.HealthTTL > 0 {
		ec.HealthTTL = e.HealthTTL
	}
	if e.QueryTTL > 0 {
		ec.QueryTTL = e.QueryTTL
	}
	if e.JanitorInterval > 0 {
		ec.JanitorInterval = e.JanitorInterval
	}
	if e.HealthWindow > 0 {
		ec.HealthWindow = e.HealthWindow
	}
	if e.StaleAfter > 0 {
		ec.StaleAfter = e.StaleAfter
	}
	if e.ScoreOnIngest != nil {
		ec.ScoreOnIngest = *e.ScoreOnIngest
	}
	if e.MaxResolvedAlerts > 0 {
		ec.MaxResolvedAlerts = e.MaxResolvedAlerts
	}
	if e.Persist.Queue > 0 {
		ec.PersistQueue = e.Persist.Queue
	}
	if e.Persist.BatchSize > 0 {
		ec.PersistBatch = e.Persist.BatchSize
	}
	if e.Persist.FlushInterval > 0 {
		ec.PersistFlushInterval = e.Persist.FlushInterval
	}
	if e.Persist.Timeout > 0 {
		ec.PersistTimeout = e.Persist.Timeout
	}

	if len(e.Dimensions) > 0 {
		ec.HealthDimensions = make(map[string]health.Dimension, len(e.Dimensions))
		for name, d := range e.Dimensions {
			ec.HealthDimensions[name] = health.Dimension(d)
		}
	}
	return ec
}
