package receiver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.opentelemetry.io/collector/pdata/pcommon"
	"go.opentelemetry.io/collector/pdata/pmetric"
	"go.opentelemetry.io/collector/pdata/pmetric/pmetricotlp"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/kloudmate/metrics-engine/internal/converter"
	"github.com/kloudmate/metrics-engine/internal/models"
	"github.com/kloudmate/metrics-engine/internal/telemetry"
	"github.com/kloudmate/metrics-engine/pkg/histogram"
)

const (
	DefaultCategoryAttribute   = "service.name"
	DefaultCategory            = "default"
	DefaultHistogramPercentile = 95
	defaultMaxMessageSize      = 100 * 1024 * 1024

	streamIdleTimeout = time.Hour
	pruneInterval     = 10 * time.Minute
)

// Ingester is what the receiver feeds decoded points into.
type Ingester interface {
	Ingest(m models.Metric) error
}

type OTLPReceiver struct {
	pmetricotlp.UnimplementedGRPCServer

	logger    *zap.Logger
	ingester  Ingester
	converter *converter.TemporalityConverter
	server    *grpc.Server

	address             string
	maxMessageSize      int
	categoryAttribute   string
	defaultCategory     string
	histogramPercentile float64
}

type Config struct {
	Address        string
	MaxMessageSize int
	// CategoryAttribute names the resource attribute used as the category.
	CategoryAttribute   string
	DefaultCategory     string
	HistogramPercentile float64
}

func NewOTLPReceiver(cfg *Config, ingester Ingester, logger *zap.Logger) *OTLPReceiver {
	r := &OTLPReceiver{
		logger:              logger,
		ingester:            ingester,
		converter:           converter.NewTemporalityConverter(),
		address:             cfg.Address,
		maxMessageSize:      cfg.MaxMessageSize,
		categoryAttribute:   cfg.CategoryAttribute,
		defaultCategory:     cfg.DefaultCategory,
		histogramPercentile: cfg.HistogramPercentile,
	}
	if r.maxMessageSize <= 0 {
		r.maxMessageSize = defaultMaxMessageSize
	}
	if r.categoryAttribute == "" {
		r.categoryAttribute = DefaultCategoryAttribute
	}
	if r.defaultCategory == "" {
		r.defaultCategory = DefaultCategory
	}
	if r.histogramPercentile <= 0 || r.histogramPercentile > 100 {
		r.histogramPercentile = DefaultHistogramPercentile
	}
	return r
}

// Start serves until ctx is cancelled.
func (r *OTLPReceiver) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", r.address)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return r.Serve(ctx, lis)
}

func (r *OTLPReceiver) Serve(ctx context.Context, lis net.Listener) error {
	r.server = grpc.NewServer(
		grpc.MaxRecvMsgSize(r.maxMessageSize),
		grpc.MaxSendMsgSize(r.maxMessageSize),
	)
	pmetricotlp.RegisterGRPCServer(r.server, r)

	r.logger.Info("Starting OTLP receiver", zap.String("address", lis.Addr().String()))

	go func() {
		ticker := time.NewTicker(pruneInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				r.logger.Info("Shutting down OTLP receiver")
				r.server.GracefulStop()
				return
			case <-ticker.C:
				if n := r.converter.Prune(time.Now().Add(-streamIdleTimeout)); n > 0 {
					r.logger.Debug("Pruned idle cumulative streams", zap.Int("count", n))
				}
			}
		}
	}()

	if err := r.server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("failed to serve: %w", err)
	}
	return nil
}

func (r *OTLPReceiver) Export(ctx context.Context, req pmetricotlp.ExportRequest) (pmetricotlp.ExportResponse, error) {
	md := req.Metrics()
	if md.DataPointCount() == 0 {
		return pmetricotlp.NewExportResponse(), nil
	}

	accepted, rejected := r.consume(md)
	if accepted == 0 && rejected > 0 {
		return pmetricotlp.NewExportResponse(),
			status.Errorf(codes.InvalidArgument, "all %d data points were rejected", rejected)
	}

	resp := pmetricotlp.NewExportResponse()
	if rejected > 0 {
		ps := resp.PartialSuccess()
		ps.SetRejectedDataPoints(int64(rejected))
		ps.SetErrorMessage(fmt.Sprintf("%d data points were rejected", rejected))
	}
	return resp, nil
}

func (r *OTLPReceiver) consume(md pmetric.Metrics) (accepted, rejected int) {
	resourceMetrics := md.ResourceMetrics()
	for i := 0; i < resourceMetrics.Len(); i++ {
		rm := resourceMetrics.At(i)
		resourceAttrs := rm.Resource().Attributes()

		category := r.defaultCategory
		if v, ok := resourceAttrs.Get(r.categoryAttribute); ok && v.AsString() != "" {
			category = v.AsString()
		}

		scopeMetrics := rm.ScopeMetrics()
		for j := 0; j < scopeMetrics.Len(); j++ {
			metrics := scopeMetrics.At(j).Metrics()
			for k := 0; k < metrics.Len(); k++ {
				metric := metrics.At(k)
				points, failed := r.convertMetric(metric, category, resourceAttrs)
				rejected += failed

				for _, m := range points {
					if err := r.ingester.Ingest(m); err != nil {
						rejected++
						r.logger.Warn("Rejected OTLP data point",
							zap.String("category", category),
							zap.String("metric", metric.Name()),
							zap.Error(err))
						continue
					}
					accepted++
				}
			}
		}
	}

	if rejected > 0 {
		telemetry.ObservationsRejected.WithLabelValues("otlp").Add(float64(rejected))
	}
	return accepted, rejected
}

// convertMetric maps every data point of metric to an observation. Points
// that only establish a cumulative baseline or carry no new observations
// produce nothing; points that cannot be interpreted are counted as failed.
func (r *OTLPReceiver) convertMetric(metric pmetric.Metric, category string, resourceAttrs pcommon.Map) ([]models.Metric, int) {
	var (
		out    []models.Metric
		failed int
	)

	base := models.Metric{
		Name:     metric.Name(),
		Unit:     metric.Unit(),
		Category: category,
	}

	point := func(ts pcommon.Timestamp, attrs pcommon.Map, value float64) models.Metric {
		m := base
		m.Value = value
		if ts != 0 {
			m.Timestamp = ts.AsTime()
		}
		m.Metadata = mergeAttributes(resourceAttrs, attrs)
		return m
	}

	switch metric.Type() {
	case pmetric.MetricTypeGauge:
		dps := metric.Gauge().DataPoints()
		for i := 0; i < dps.Len(); i++ {
			dp := dps.At(i)
			out = append(out, point(dp.Timestamp(), dp.Attributes(), numberValue(dp)))
		}

	case pmetric.MetricTypeSum:
		sum := metric.Sum()
		cumulative := sum.IsMonotonic() && sum.AggregationTemporality() == pmetric.AggregationTemporalityCumulative
		dps := sum.DataPoints()
		for i := 0; i < dps.Len(); i++ {
			dp := dps.At(i)
			m := point(dp.Timestamp(), dp.Attributes(), numberValue(dp))
			if cumulative {
				id := converter.StreamID(category, m.Name, m.Metadata)
				delta, ok := r.converter.SumDelta(id, m.Value, dp.Timestamp().AsTime())
				if !ok {
					continue
				}
				m.Value = delta
			}
			out = append(out, m)
		}

	case pmetric.MetricTypeHistogram:
		hist := metric.Histogram()
		cumulative := hist.AggregationTemporality() == pmetric.AggregationTemporalityCumulative
		dps := hist.DataPoints()
		for i := 0; i < dps.Len(); i++ {
			dp := dps.At(i)
			m := point(dp.Timestamp(), dp.Attributes(), 0)

			buckets := histogram.ExplicitBuckets(dp.ExplicitBounds().AsRaw(), dp.BucketCounts().AsRaw())
			count, total := dp.Count(), dp.Sum()
			if cumulative {
				id := converter.StreamID(category, m.Name, m.Metadata)
				var ok bool
				buckets, count, total, ok = r.converter.HistogramDelta(id, buckets, count, total, dp.Timestamp().AsTime())
				if !ok {
					continue
				}
			}
			if count == 0 {
				continue
			}

			value, err := histogram.Percentile(buckets, r.histogramPercentile)
			if err != nil {
				if !dp.HasSum() {
					failed++
					r.logger.Warn("Histogram point has neither buckets nor sum",
						zap.String("metric", m.Name),
						zap.Error(err))
					continue
				}
				value = total / float64(count)
			}
			m.Value = value
			out = append(out, m)
		}

	case pmetric.MetricTypeExponentialHistogram:
		dps := metric.ExponentialHistogram().DataPoints()
		for i := 0; i < dps.Len(); i++ {
			dp := dps.At(i)
			if dp.Count() == 0 {
				continue
			}
			m := point(dp.Timestamp(), dp.Attributes(), 0)

			h := histogram.Exponential{
				Scale:     dp.Scale(),
				ZeroCount: dp.ZeroCount(),
				Positive:  histogram.ExponentialBuckets(dp.Positive().Offset(), dp.Positive().BucketCounts().AsRaw()),
				Negative:  histogram.ExponentialBuckets(dp.Negative().Offset(), dp.Negative().BucketCounts().AsRaw()),
			}
			value, err := h.Percentile(r.histogramPercentile)
			if err != nil {
				if !dp.HasSum() {
					failed++
					continue
				}
				value = dp.Sum() / float64(dp.Count())
			}
			m.Value = value
			out = append(out, m)
		}

	case pmetric.MetricTypeSummary:
		dps := metric.Summary().DataPoints()
		for i := 0; i < dps.Len(); i++ {
			dp := dps.At(i)
			if dp.Count() == 0 {
				continue
			}
			out = append(out, point(dp.Timestamp(), dp.Attributes(), dp.Sum()/float64(dp.Count())))
		}

	default:
		failed++
		r.logger.Warn("Unsupported metric type",
			zap.String("metric", metric.Name()),
			zap.String("type", metric.Type().String()))
	}

	return out, failed
}

func numberValue(dp pmetric.NumberDataPoint) float64 {
	if dp.ValueType() == pmetric.NumberDataPointValueTypeInt {
		return float64(dp.IntValue())
	}
	return dp.DoubleValue()
}

func mergeAttributes(resourceAttrs, pointAttrs pcommon.Map) map[string]string {
	result := make(map[string]string, resourceAttrs.Len()+pointAttrs.Len())
	resourceAttrs.Range(func(k string, v pcommon.Value) bool {
		result[k] = v.AsString()
		return true
	})
	pointAttrs.Range(func(k string, v pcommon.Value) bool {
		result[k] = v.AsString()
		return true
	})
	return result
}

func (r *OTLPReceiver) Stop() error {
	if r.server != nil {
		r.server.GracefulStop()
	}
	return nil
}
