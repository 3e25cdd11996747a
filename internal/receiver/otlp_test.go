package receiver

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/collector/pdata/pcommon"
	"go.opentelemetry.io/collector/pdata/pmetric"
	"go.opentelemetry.io/collector/pdata/pmetric/pmetricotlp"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/kloudmate/metrics-engine/internal/models"
)

type fakeIngester struct {
	mu     sync.Mutex
	got    []models.Metric
	reject func(models.Metric) bool
}

func (f *fakeIngester) Ingest(m models.Metric) error {
	if f.reject != nil && f.reject(m) {
		return models.ErrInvalidMetric
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, m)
	return nil
}

func (f *fakeIngester) values(name string) []float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []float64
	for _, m := range f.got {
		if m.Name == name {
			out = append(out, m.Value)
		}
	}
	return out
}

func newTestReceiver(t *testing.T, ing Ingester) *OTLPReceiver {
	return NewOTLPReceiver(&Config{Address: "127.0.0.1:0"}, ing, zaptest.NewLogger(t))
}

func newMetrics(service string) (pmetric.Metrics, pmetric.MetricSlice) {
	md := pmetric.NewMetrics()
	rm := md.ResourceMetrics().AppendEmpty()
	if service != "" {
		rm.Resource().Attributes().PutStr("service.name", service)
	}
	return md, rm.ScopeMetrics().AppendEmpty().Metrics()
}

func export(t *testing.T, r *OTLPReceiver, md pmetric.Metrics) error {
	t.Helper()
	_, err := r.Export(context.Background(), pmetricotlp.NewExportRequestFromMetrics(md))
	return err
}

func TestExportGauge(t *testing.T) {
	ing := &fakeIngester{}
	r := newTestReceiver(t, ing)

	md, ms := newMetrics("checkout")
	m := ms.AppendEmpty()
	m.SetName("cpu_utilization")
	m.SetUnit("%")
	dp := m.SetEmptyGauge().DataPoints().AppendEmpty()
	dp.SetDoubleValue(73.5)
	dp.SetTimestamp(pcommon.NewTimestampFromTime(time.Unix(1700000000, 0)))
	dp.Attributes().PutStr("host", "a")

	if err := export(t, r, md); err != nil {
		t.Fatalf("Export failed: %v", err)
	}

	if len(ing.got) != 1 {
		t.Fatalf("expected 1 observation, got %d", len(ing.got))
	}
	got := ing.got[0]
	if got.Category != "checkout" || got.Name != "cpu_utilization" || got.Unit != "%" || got.Value != 73.5 {
		t.Errorf("unexpected observation %+v", got)
	}
	if got.Metadata["host"] != "a" || got.Metadata["service.name"] != "checkout" {
		t.Errorf("expected merged attributes, got %v", got.Metadata)
	}
	if !got.Timestamp.Equal(time.Unix(1700000000, 0)) {
		t.Errorf("expected point timestamp, got %v", got.Timestamp)
	}
}

func TestExportDefaultCategoryAndMissingTimestamp(t *testing.T) {
	ing := &fakeIngester{}
	r := newTestReceiver(t, ing)

	md, ms := newMetrics("")
	m := ms.AppendEmpty()
	m.SetName("queue_depth")
	m.SetEmptyGauge().DataPoints().AppendEmpty().SetIntValue(4)

	if err := export(t, r, md); err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	if ing.got[0].Category != DefaultCategory {
		t.Errorf("expected category %q, got %q", DefaultCategory, ing.got[0].Category)
	}
	if !ing.got[0].Timestamp.IsZero() {
		t.Errorf("expected unset timestamp to be left for the engine, got %v", ing.got[0].Timestamp)
	}
}

func TestExportCumulativeSumBecomesDeltas(t *testing.T) {
	ing := &fakeIngester{}
	r := newTestReceiver(t, ing)

	for _, v := range []int64{100, 150, 20} {
		md, ms := newMetrics("checkout")
		m := ms.AppendEmpty()
		m.SetName("errors_total")
		sum := m.SetEmptySum()
		sum.SetIsMonotonic(true)
		sum.SetAggregationTemporality(pmetric.AggregationTemporalityCumulative)
		sum.DataPoints().AppendEmpty().SetIntValue(v)

		if err := export(t, r, md); err != nil {
			t.Fatalf("Export failed: %v", err)
		}
	}

	got := ing.values("errors_total")
	if len(got) != 2 || got[0] != 50 || got[1] != 20 {
		t.Errorf("expected deltas [50 20], got %v", got)
	}
}

func TestExportDeltaSumPassesThrough(t *testing.T) {
	ing := &fakeIngester{}
	r := newTestReceiver(t, ing)

	md, ms := newMetrics("checkout")
	m := ms.AppendEmpty()
	m.SetName("requests")
	sum := m.SetEmptySum()
	sum.SetIsMonotonic(true)
	sum.SetAggregationTemporality(pmetric.AggregationTemporalityDelta)
	sum.DataPoints().AppendEmpty().SetIntValue(12)

	if err := export(t, r, md); err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	if got := ing.values("requests"); len(got) != 1 || got[0] != 12 {
		t.Errorf("expected [12], got %v", got)
	}
}

func TestExportHistogramUsesPercentile(t *testing.T) {
	ing := &fakeIngester{}
	r := newTestReceiver(t, ing)

	md, ms := newMetrics("checkout")
	m := ms.AppendEmpty()
	m.SetName("latency")
	hist := m.SetEmptyHistogram()
	hist.SetAggregationTemporality(pmetric.AggregationTemporalityDelta)
	dp := hist.DataPoints().AppendEmpty()
	dp.ExplicitBounds().FromRaw([]float64{0.1, 0.5, 1})
	dp.BucketCounts().FromRaw([]uint64{50, 40, 10, 0})
	dp.SetCount(100)
	dp.SetSum(25)

	if err := export(t, r, md); err != nil {
		t.Fatalf("Export failed: %v", err)
	}

	// p95 target 95: bucket (0.5, 1] holds ranks 91..100.
	got := ing.values("latency")
	if len(got) != 1 || math.Abs(got[0]-0.75) > 1e-9 {
		t.Errorf("expected p95 of 0.75, got %v", got)
	}
}

func TestExportHistogramFallsBackToMean(t *testing.T) {
	ing := &fakeIngester{}
	r := newTestReceiver(t, ing)

	md, ms := newMetrics("checkout")
	m := ms.AppendEmpty()
	m.SetName("latency")
	hist := m.SetEmptyHistogram()
	hist.SetAggregationTemporality(pmetric.AggregationTemporalityDelta)
	dp := hist.DataPoints().AppendEmpty()
	dp.SetCount(4)
	dp.SetSum(10)

	if err := export(t, r, md); err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	if got := ing.values("latency"); len(got) != 1 || got[0] != 2.5 {
		t.Errorf("expected mean 2.5, got %v", got)
	}
}

func TestExportSummaryUsesMean(t *testing.T) {
	ing := &fakeIngester{}
	r := newTestReceiver(t, ing)

	md, ms := newMetrics("checkout")
	m := ms.AppendEmpty()
	m.SetName("gc_pause")
	dp := m.SetEmptySummary().DataPoints().AppendEmpty()
	dp.SetCount(5)
	dp.SetSum(20)

	if err := export(t, r, md); err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	if got := ing.values("gc_pause"); len(got) != 1 || got[0] != 4 {
		t.Errorf("expected mean 4, got %v", got)
	}
}

func TestExportAllRejectedIsInvalidArgument(t *testing.T) {
	ing := &fakeIngester{reject: func(models.Metric) bool { return true }}
	r := newTestReceiver(t, ing)

	md, ms := newMetrics("checkout")
	m := ms.AppendEmpty()
	m.SetName("cpu")
	m.SetEmptyGauge().DataPoints().AppendEmpty().SetDoubleValue(1)

	err := export(t, r, md)
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
}

func TestExportPartialRejection(t *testing.T) {
	ing := &fakeIngester{reject: func(m models.Metric) bool { return math.IsNaN(m.Value) }}
	r := newTestReceiver(t, ing)

	md, ms := newMetrics("checkout")
	m := ms.AppendEmpty()
	m.SetName("cpu")
	dps := m.SetEmptyGauge().DataPoints()
	dps.AppendEmpty().SetDoubleValue(1)
	dps.AppendEmpty().SetDoubleValue(math.NaN())

	resp, err := r.Export(context.Background(), pmetricotlp.NewExportRequestFromMetrics(md))
	if err != nil {
		t.Fatalf("expected partial success, got %v", err)
	}
	if n := resp.PartialSuccess().RejectedDataPoints(); n != 1 {
		t.Errorf("expected 1 rejected data point, got %d", n)
	}
}

func TestServeStopsOnContextCancel(t *testing.T) {
	r := newTestReceiver(t, &fakeIngester{})
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- r.Start(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Fatalf("expected clean shutdown, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("receiver did not stop after cancel")
	}
}
