package trend

import (
	"math"
	"sort"
	"time"

	"github.com/kloudmate/metrics-engine/internal/models"
)

// Dead-band around the first-half average inside which a series is stable.
const (
	upRatio   = 1.1
	downRatio = 0.9
)

type Analyzer struct{}

func NewAnalyzer() *Analyzer {
	return &Analyzer{}
}

// Statistics summarizes the values of series. An empty series yields zeros.
func (a *Analyzer) Statistics(series []models.Metric) models.Statistics {
	if len(series) == 0 {
		return models.Statistics{}
	}

	values := make([]float64, len(series))
	var sum float64
	for i, m := range series {
		values[i] = m.Value
		sum += m.Value
	}
	sort.Float64s(values)

	return models.Statistics{
		Average: sum / float64(len(values)),
		Median:  median(values),
		P95:     Percentile(values, 0.95),
		P99:     Percentile(values, 0.99),
		Min:     values[0],
		Max:     values[len(values)-1],
	}
}

// Percentile returns the nearest-rank percentile of an ascending slice, using
// index floor(n*p) clamped to the last element. p is a fraction in [0, 1].
func Percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	idx := int(math.Floor(float64(n) * p))
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return sorted[idx]
}

func median(sorted []float64) float64 {
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// Classify compares the average of the second half of series against the
// first half, split by position. With an odd count the middle point falls in
// the second half.
func (a *Analyzer) Classify(series []models.Metric) models.Direction {
	n := len(series)
	if n < 2 {
		return models.DirectionStable
	}

	mid := n / 2
	first := mean(series[:mid])
	second := mean(series[mid:])

	switch {
	case second > first*upRatio:
		return models.DirectionUp
	case second < first*downRatio:
		return models.DirectionDown
	default:
		return models.DirectionStable
	}
}

func mean(series []models.Metric) float64 {
	var sum float64
	for _, m := range series {
		sum += m.Value
	}
	return sum / float64(len(series))
}

// Analyze builds the trend for an already windowed, time-ordered series.
func (a *Analyzer) Analyze(key models.SeriesKey, period time.Duration, series []models.Metric) models.Trend {
	return models.Trend{
		Key:        key,
		Period:     period,
		DataPoints: len(series),
		Statistics: a.Statistics(series),
		Direction:  a.Classify(series),
	}
}
