package models

import (
	"time"
)

type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

type Direction string

const (
	DirectionUp     Direction = "up"
	DirectionDown   Direction = "down"
	DirectionStable Direction = "stable"
)

type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusCritical Status = "critical"
)

// SeriesKey identifies a series. Two observations with the same category and
// name belong to the same series regardless of their ids.
type SeriesKey struct {
	Category string
	Name     string
}

func (k SeriesKey) String() string {
	return k.Category + ":" + k.Name
}

type Metric struct {
	ID        string
	Name      string
	Value     float64
	Unit      string
	Timestamp time.Time
	Category  string
	Metadata  map[string]string
}

func (m Metric) Key() SeriesKey {
	return SeriesKey{Category: m.Category, Name: m.Name}
}

// Clone returns a copy that shares no mutable state with m.
func (m Metric) Clone() Metric {
	if m.Metadata != nil {
		md := make(map[string]string, len(m.Metadata))
		for k, v := range m.Metadata {
			md[k] = v
		}
		m.Metadata = md
	}
	return m
}

type Threshold struct {
	Key      SeriesKey
	Warning  float64
	Critical float64
}

type Alert struct {
	ID           string
	MetricKey    SeriesKey
	Threshold    float64
	CurrentValue float64
	Severity     Severity
	Message      string
	Timestamp    time.Time
	Resolved     bool
	ResolvedAt   *time.Time
}

type Statistics struct {
	Average float64
	Median  float64
	P95     float64
	P99     float64
	Min     float64
	Max     float64
}

type Trend struct {
	Key        SeriesKey
	Period     time.Duration
	DataPoints int
	Statistics Statistics
	Direction  Direction
}

type HealthMetrics struct {
	Availability float64
	Performance  float64
	Reliability  float64
}

type HealthStatus struct {
	Category    string
	Status      Status
	Score       int
	Metrics     HealthMetrics
	LastChecked time.Time
}
