package engine_test

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang/snappy"
	"github.com/prometheus/prometheus/prompb"
	"go.opentelemetry.io/collector/pdata/pcommon"
	"go.opentelemetry.io/collector/pdata/pmetric"
	"go.opentelemetry.io/collector/pdata/pmetric/pmetricotlp"
	"go.uber.org/zap/zaptest"

	"github.com/kloudmate/metrics-engine/internal/engine"
	"github.com/kloudmate/metrics-engine/internal/models"
	"github.com/kloudmate/metrics-engine/internal/receiver"
	"github.com/kloudmate/metrics-engine/pkg/promread"
)

func errorCounterExport(service string, total int64, ts time.Time) pmetricotlp.ExportRequest {
	md := pmetric.NewMetrics()
	rm := md.ResourceMetrics().AppendEmpty()
	rm.Resource().Attributes().PutStr("service.name", service)

	m := rm.ScopeMetrics().AppendEmpty().Metrics().AppendEmpty()
	m.SetName("http_errors_total")
	sum := m.SetEmptySum()
	sum.SetIsMonotonic(true)
	sum.SetAggregationTemporality(pmetric.AggregationTemporalityCumulative)
	dp := sum.DataPoints().AppendEmpty()
	dp.SetIntValue(total)
	dp.SetTimestamp(pcommon.NewTimestampFromTime(ts))

	return pmetricotlp.NewExportRequestFromMetrics(md)
}

// TestOTLPToAlertsHealthAndRemoteRead drives cumulative counters through the
// receiver and checks the engine and the remote-read view agree.
func TestOTLPToAlertsHealthAndRemoteRead(t *testing.T) {
	logger := zaptest.NewLogger(t)
	eng := engine.New(nil, nil, logger)
	defer eng.Close()
	eng.SetThreshold("checkout", "http_errors_total", 10, 50)

	recv := receiver.NewOTLPReceiver(&receiver.Config{}, eng, logger)

	base := time.Now().Add(-time.Minute).Truncate(time.Millisecond)
	for i, total := range []int64{100, 105, 180} {
		req := errorCounterExport("checkout", total, base.Add(time.Duration(i)*10*time.Second))
		if _, err := recv.Export(context.Background(), req); err != nil {
			t.Fatalf("Export %d failed: %v", i, err)
		}
	}

	got, err := eng.Query("checkout", "http_errors_total", nil, nil)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(got) != 2 || got[0].Value != 5 || got[1].Value != 75 {
		t.Fatalf("expected deltas [5 75], got %+v", got)
	}

	alerts := eng.ActiveAlerts()
	if len(alerts) != 1 || alerts[0].Severity != models.SeverityCritical {
		t.Fatalf("expected one critical alert, got %+v", alerts)
	}

	h, err := eng.Health("checkout")
	if err != nil {
		t.Fatalf("Health failed: %v", err)
	}
	if h.Metrics.Reliability >= 100 {
		t.Errorf("expected error counter to cost reliability, got %+v", h.Metrics)
	}

	handler := promread.NewRemoteReadHandler(eng, logger)
	readReq := &prompb.ReadRequest{Queries: []*prompb.Query{{
		Matchers: []*prompb.LabelMatcher{{Type: prompb.LabelMatcher_EQ, Name: "category", Value: "checkout"}},
	}}}
	data, err := readReq.Marshal()
	if err != nil {
		t.Fatalf("failed to marshal read request: %v", err)
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/read", bytes.NewReader(snappy.Encode(nil, data))))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	body, _ := io.ReadAll(rec.Body)
	raw, err := snappy.Decode(nil, body)
	if err != nil {
		t.Fatalf("failed to decompress response: %v", err)
	}
	var resp prompb.ReadResponse
	if err := resp.Unmarshal(raw); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}

	series := resp.Results[0].Timeseries
	if len(series) != 1 || len(series[0].Samples) != 2 {
		t.Fatalf("expected one series with two samples, got %+v", series)
	}
	if series[0].Samples[1].Value != 75 {
		t.Errorf("expected latest sample 75, got %v", series[0].Samples[1].Value)
	}
}

func TestSchedulerDegradesSilentCategory(t *testing.T) {
	eng := engine.New(&engine.Config{StaleAfter: time.Minute, HealthWindow: time.Hour}, nil, zaptest.NewLogger(t))
	defer eng.Close()

	stale := models.Metric{Category: "batch", Name: "duration", Value: 1, Timestamp: time.Now().Add(-10 * time.Minute)}
	if err := eng.Ingest(stale); err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}

	eng.Sweep()

	h, ok := eng.LastHealth("batch")
	if !ok {
		t.Fatal("expected sweep to score the category")
	}
	if h.Status == models.StatusHealthy {
		t.Errorf("expected silent category to leave healthy, got score %d", h.Score)
	}
}
