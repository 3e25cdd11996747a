// Command otlpgen pushes synthetic service metrics to an OTLP endpoint. It
// exports cumulative counters and histograms so the receiver's delta
// conversion and percentile extraction are exercised end to end.
package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.uber.org/zap"
)

var (
	endpoint  = flag.String("endpoint", "localhost:4317", "OTLP gRPC endpoint")
	services  = flag.Int("services", 3, "Number of simulated services")
	duration  = flag.Duration("duration", 5*time.Minute, "How long to generate")
	interval  = flag.Duration("interval", 10*time.Second, "Export interval")
	errorRate = flag.Float64("error-rate", 0.02, "Fraction of requests that fail")
	slowRate  = flag.Float64("slow-rate", 0.05, "Fraction of requests that are slow")
)

var routes = []string{"/api/users", "/api/products", "/api/orders", "/api/health"}

func main() {
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *duration)
	defer cancel()

	logger.Info("Starting metrics generator",
		zap.String("endpoint", *endpoint),
		zap.Int("services", *services),
		zap.Duration("duration", *duration),
		zap.Duration("interval", *interval))

	done := make(chan error, *services)
	for i := 0; i < *services; i++ {
		name := fmt.Sprintf("service-%d", i)
		go func() {
			done <- runService(ctx, name, logger.With(zap.String("service", name)))
		}()
	}

	for i := 0; i < *services; i++ {
		if err := <-done; err != nil {
			logger.Error("Service generator failed", zap.Error(err))
		}
	}
	logger.Info("Metrics generation completed")
}

// runService drives one meter provider so each simulated service exports
// under its own service.name resource attribute.
func runService(ctx context.Context, name string, logger *zap.Logger) error {
	exporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(*endpoint),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		return fmt.Errorf("failed to create metric exporter: %w", err)
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String(name),
		semconv.ServiceVersionKey.String("1.0.0"),
		attribute.String("environment", "testing"),
	)

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(*interval))),
		sdkmetric.WithResource(res),
	)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Error shutting down meter provider", zap.Error(err))
		}
	}()

	meter := provider.Meter("otlpgen")

	latency, err := meter.Float64Histogram("http_request_duration",
		metric.WithDescription("HTTP request latency"),
		metric.WithUnit("ms"))
	if err != nil {
		return fmt.Errorf("failed to create histogram: %w", err)
	}

	requests, err := meter.Int64Counter("http_requests_total",
		metric.WithDescription("HTTP requests served"))
	if err != nil {
		return fmt.Errorf("failed to create counter: %w", err)
	}

	failures, err := meter.Int64Counter("http_errors_total",
		metric.WithDescription("HTTP requests that failed"))
	if err != nil {
		return fmt.Errorf("failed to create counter: %w", err)
	}

	phase := rand.Float64() * math.Pi
	_, err = meter.Float64ObservableGauge("cpu_utilization",
		metric.WithDescription("CPU utilisation"),
		metric.WithUnit("%"),
		metric.WithFloat64Callback(func(_ context.Context, o metric.Float64Observer) error {
			o.Observe(50 + 30*math.Sin(float64(time.Now().Unix())/60+phase))
			return nil
		}))
	if err != nil {
		return fmt.Errorf("failed to create gauge: %w", err)
	}

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	sent := 0
	for {
		select {
		case <-ctx.Done():
			logger.Info("Generator stopped", zap.Int("requests", sent))
			return nil
		case <-ticker.C:
			route := attribute.String("route", routes[rand.Intn(len(routes))])

			requests.Add(ctx, 1, metric.WithAttributes(route))
			if rand.Float64() < *errorRate {
				failures.Add(ctx, 1, metric.WithAttributes(route))
			}
			latency.Record(ctx, sampleLatency(), metric.WithAttributes(route))

			sent++
			if sent%1000 == 0 {
				logger.Debug("Generated requests", zap.Int("count", sent))
			}
		}
	}
}

func sampleLatency() float64 {
	r := rand.Float64()
	switch {
	case r < *slowRate:
		return 1000 + rand.Float64()*4000
	case r < 0.5:
		return 5 + rand.Float64()*45
	default:
		return 50 + rand.Float64()*150
	}
}
