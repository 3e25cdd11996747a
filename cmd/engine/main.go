package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/kloudmate/metrics-engine/internal/clickhouse"
	"github.com/kloudmate/metrics-engine/internal/engine"
	"github.com/kloudmate/metrics-engine/internal/receiver"
	"github.com/kloudmate/metrics-engine/pkg/promread"
)

func main() {
	configFile := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := loadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := initLogger(cfg.Logging.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Error("Metrics engine exited with error", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}

func run(cfg *Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		sink     engine.Sink
		chWriter *clickhouse.Writer
	)
	if cfg.ClickHouse.Enabled {
		w, err := clickhouse.NewWriter(ctx, &clickhouse.Config{
			Addresses:     cfg.ClickHouse.Addresses,
			Database:      cfg.ClickHouse.Database,
			Username:      cfg.ClickHouse.Username,
			Password:      cfg.ClickHouse.Password,
			BatchSize:     cfg.ClickHouse.BatchSize,
			FlushInterval: cfg.ClickHouse.FlushInterval,
			MaxIdleConns:  cfg.ClickHouse.MaxIdleConns,
			MaxOpenConns:  cfg.ClickHouse.MaxOpenConns,
			CreateTable:   cfg.ClickHouse.CreateTable,
		}, logger.Named("clickhouse"))
		if err != nil {
			return fmt.Errorf("failed to create ClickHouse writer: %w", err)
		}
		sink, chWriter = w, w
	}

	eng := engine.New(cfg.engineConfig(), sink, logger.Named("engine"))
	for _, t := range cfg.Thresholds {
		eng.SetThreshold(t.Category, t.Name, t.Warning, t.Critical)
	}
	logger.Info("Thresholds loaded", zap.Int("count", len(cfg.Thresholds)))

	eng.StartScheduler(cfg.Engine.SchedulerInterval)

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Receiver.OTLP.Enabled {
		otlpReceiver := receiver.NewOTLPReceiver(&receiver.Config{
			Address:             cfg.Receiver.OTLP.Address,
			MaxMessageSize:      cfg.Receiver.OTLP.MaxMessageSize,
			CategoryAttribute:   cfg.Receiver.OTLP.CategoryAttribute,
			DefaultCategory:     cfg.Receiver.OTLP.DefaultCategory,
			HistogramPercentile: cfg.Receiver.OTLP.HistogramPercentile,
		}, eng, logger.Named("receiver"))

		g.Go(func() error {
			return otlpReceiver.Start(gctx)
		})
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if cfg.HTTP.RemoteRead {
		mux.Handle("/api/v1/read", promread.NewRemoteReadHandler(eng, logger.Named("promread")))
	}
	server := &http.Server{
		Addr:              cfg.HTTP.Address,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		logger.Info("Starting HTTP server",
			zap.String("address", cfg.HTTP.Address),
			zap.Bool("remote_read", cfg.HTTP.RemoteRead))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	logger.Info("Metrics engine started successfully")

	runErr := g.Wait()
	logger.Info("Shutting down metrics engine...")

	eng.StopScheduler()
	if err := eng.Close(); err != nil {
		logger.Error("Failed to close engine", zap.Error(err))
	}
	if chWriter != nil {
		if err := chWriter.Close(); err != nil {
			logger.Error("Failed to close ClickHouse writer", zap.Error(err))
		}
	}

	logger.Info("Metrics engine shutdown complete", zap.Any("stats", eng.GetStats()))
	return runErr
}

func initLogger(level string) (*zap.Logger, error) {
	var zapLevel zap.AtomicLevel
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	config := zap.NewProductionConfig()
	config.Level = zapLevel
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return config.Build()
}
