package report

import (
	"math"
	"testing"
	"time"

	"github.com/tkaria/crucible/internal/model"
)

func latencyPoints(base time.Time, spacing time.Duration, latencies ...int) []*model.MetricPoint {
	points := make([]*model.MetricPoint, len(latencies))
	for i, l := range latencies {
		lat := l
		points[i] = &model.MetricPoint{
			TaskID:    "t1",
			TS:        base.Add(time.Duration(i) * spacing),
			LatencyMS: &lat,
		}
	}
	return points
}

func TestSummarizePercentiles(t *testing.T) {
	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	points := latencyPoints(base, time.Second, 10, 20, 30, 40)

	s := Summarize("t1", points)

	if s.Count != 4 {
		t.Errorf("Count = %d, want 4", s.Count)
	}
	// Linear interpolation over [10 20 30 40]: p50 = 25, p90 = 37,
	// p99 = 39.7 which rounds to 40.
	checkInt(t, "P50MS", s.P50MS, 25)
	checkInt(t, "P90MS", s.P90MS, 37)
	checkInt(t, "P99MS", s.P99MS, 40)
}

func TestSummarizeThroughputAndErrors(t *testing.T) {
	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	points := latencyPoints(base, time.Second, 10, 20, 30, 40)
	points[1].Error = "timeout"

	s := Summarize("t1", points)

	// 4 points over a 3-second window.
	checkFloat(t, "RPS", s.RPS, 1.333)
	checkFloat(t, "ErrorRate", s.ErrorRate, 0.25)
}

func TestSummarizeSinglePoint(t *testing.T) {
	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	s := Summarize("t1", latencyPoints(base, time.Second, 100))

	checkInt(t, "P50MS", s.P50MS, 100)
	checkInt(t, "P90MS", s.P90MS, 100)
	checkInt(t, "P99MS", s.P99MS, 100)
	// Zero-width window is floored to one second.
	checkFloat(t, "RPS", s.RPS, 1)
	checkFloat(t, "ErrorRate", s.ErrorRate, 0)
}

func TestSummarizeEmpty(t *testing.T) {
	s := Summarize("t1", nil)
	if s.Count != 0 {
		t.Errorf("Count = %d, want 0", s.Count)
	}
	if s.P50MS != nil || s.P90MS != nil || s.P99MS != nil {
		t.Error("percentiles set for empty window, want nil")
	}
	if s.RPS != nil || s.ErrorRate != nil || s.CostUSD != nil || s.Quality != nil {
		t.Error("aggregates set for empty window, want nil")
	}
}

func TestSummarizeCostAndQuality(t *testing.T) {
	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	points := latencyPoints(base, time.Second, 10, 20, 30)
	c1, c2 := 0.001, 0.0025
	q1, q2 := 0.8, 0.9
	points[0].CostUSD, points[0].Quality = &c1, &q1
	points[2].CostUSD, points[2].Quality = &c2, &q2

	s := Summarize("t1", points)

	// Cost sums, quality averages, each over only the points carrying it.
	checkFloat(t, "CostUSD", s.CostUSD, 0.0035)
	checkFloat(t, "Quality", s.Quality, 0.85)
}

func TestSummarizePartialLatency(t *testing.T) {
	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	points := latencyPoints(base, time.Second, 10, 20)
	points = append(points, &model.MetricPoint{TaskID: "t1", TS: base.Add(2 * time.Second)})

	s := Summarize("t1", points)

	// The latency-less point still counts toward throughput.
	if s.Count != 3 {
		t.Errorf("Count = %d, want 3", s.Count)
	}
	checkInt(t, "P50MS", s.P50MS, 15)
	checkFloat(t, "RPS", s.RPS, 1.5)
}

func TestPercentile(t *testing.T) {
	sorted := []float64{10, 20, 30, 40}
	tests := []struct {
		p    float64
		want float64
	}{
		{0, 10},
		{0.5, 25},
		{0.9, 37},
		{0.99, 39.7},
		{1, 40},
	}
	for _, tt := range tests {
		if got := percentile(sorted, tt.p); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("percentile(%v) = %v, want %v", tt.p, got, tt.want)
		}
	}

	if got := percentile([]float64{7}, 0.99); got != 7 {
		t.Errorf("percentile of singleton = %v, want 7", got)
	}
}

func checkInt(t *testing.T, name string, got *int, want int) {
	t.Helper()
	if got == nil {
		t.Errorf("%s is nil, want %d", name, want)
		return
	}
	if *got != want {
		t.Errorf("%s = %d, want %d", name, *got, want)
	}
}

func checkFloat(t *testing.T, name string, got *float64, want float64) {
	t.Helper()
	if got == nil {
		t.Errorf("%s is nil, want %v", name, want)
		return
	}
	if *got != want {
		t.Errorf("%s = %v, want %v", name, *got, want)
	}
}
