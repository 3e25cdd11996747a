// Package promread serves the Prometheus remote-read protocol from the
// engine's in-memory series, so Prometheus or Grafana can chart recent data.
package promread

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/common/model"
	"github.com/prometheus/prometheus/model/labels"
	"github.com/prometheus/prometheus/prompb"
	"github.com/prometheus/prometheus/storage/remote"
	"go.uber.org/zap"

	"github.com/kloudmate/metrics-engine/internal/models"
)

// CategoryLabel carries the series category in returned label sets.
const CategoryLabel = "category"

// Source is the read side of the engine.
type Source interface {
	Keys() []models.SeriesKey
	Query(category, name string, start, end *time.Time) ([]models.Metric, error)
}

type RemoteReadHandler struct {
	source Source
	logger *zap.Logger
}

func NewRemoteReadHandler(source Source, logger *zap.Logger) *RemoteReadHandler {
	return &RemoteReadHandler{
		source: source,
		logger: logger,
	}
}

func (h *RemoteReadHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	req, err := remote.DecodeReadRequest(r)
	if err != nil {
		h.logger.Error("Failed to decode request", zap.Error(err))
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	resp, err := h.handleReadRequest(req)
	if err != nil {
		h.logger.Error("Failed to handle read request", zap.Error(err))
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := remote.EncodeReadResponse(resp, w); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

func (h *RemoteReadHandler) handleReadRequest(req *prompb.ReadRequest) (*prompb.ReadResponse, error) {
	resp := &prompb.ReadResponse{
		Results: make([]*prompb.QueryResult, 0, len(req.Queries)),
	}

	for _, query := range req.Queries {
		result, err := h.executeQuery(query)
		if err != nil {
			return nil, fmt.Errorf("query execution failed: %w", err)
		}
		resp.Results = append(resp.Results, result)
	}

	return resp, nil
}

func (h *RemoteReadHandler) executeQuery(query *prompb.Query) (*prompb.QueryResult, error) {
	matchers, err := remote.FromLabelMatchers(query.Matchers)
	if err != nil {
		return nil, fmt.Errorf("invalid matchers: %w", err)
	}

	var start, end *time.Time
	if query.StartTimestampMs > 0 {
		s := time.UnixMilli(query.StartTimestampMs)
		start = &s
	}
	if query.EndTimestampMs > 0 {
		e := time.UnixMilli(query.EndTimestampMs)
		end = &e
	}

	result := &prompb.QueryResult{}
	for _, key := range h.source.Keys() {
		lbls := seriesLabels(key)
		if !matchesAll(matchers, lbls) {
			continue
		}

		metrics, err := h.source.Query(key.Category, key.Name, start, end)
		if err != nil {
			// Dropped by retention between Keys and Query.
			if errors.Is(err, models.ErrNotFound) {
				continue
			}
			return nil, fmt.Errorf("failed to read %s: %w", key, err)
		}
		if len(metrics) == 0 {
			continue
		}

		ts := &prompb.TimeSeries{
			Labels:  toProtoLabels(lbls),
			Samples: make([]prompb.Sample, 0, len(metrics)),
		}
		for _, m := range metrics {
			ts.Samples = append(ts.Samples, prompb.Sample{
				Value:     m.Value,
				Timestamp: m.Timestamp.UnixMilli(),
			})
		}
		result.Timeseries = append(result.Timeseries, ts)
	}

	return result, nil
}

func seriesLabels(key models.SeriesKey) labels.Labels {
	return labels.FromStrings(
		model.MetricNameLabel, SanitizeName(key.Name),
		CategoryLabel, key.Category,
	)
}

func matchesAll(matchers []*labels.Matcher, lbls labels.Labels) bool {
	for _, m := range matchers {
		if !m.Matches(lbls.Get(m.Name)) {
			return false
		}
	}
	return true
}

func toProtoLabels(lbls labels.Labels) []prompb.Label {
	out := make([]prompb.Label, 0, lbls.Len())
	lbls.Range(func(l labels.Label) {
		out = append(out, prompb.Label{Name: l.Name, Value: l.Value})
	})
	return out
}

// SanitizeName maps a series name onto the Prometheus metric name charset by
// replacing every invalid rune with an underscore.
func SanitizeName(name string) string {
	if model.IsValidMetricName(model.LabelValue(name)) {
		return name
	}

	var b strings.Builder
	for i, r := range name {
		valid := r == '_' || r == ':' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(i > 0 && r >= '0' && r <= '9')
		if valid {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}
