// Package report turns raw metric points into derived run statistics:
// per-run summaries, multi-run comparisons, and CSV exports. Summaries are
// computed on demand and never persisted.
package report

import (
	"math"
	"sort"

	"github.com/tkaria/crucible/internal/model"
)

// minDurationSec floors the observed window duration when computing
// throughput, so a single-point or same-timestamp window never divides by
// zero.
const minDurationSec = 1.0

// RunSummary holds aggregate statistics over one task's metric points.
// Nil fields mean the underlying attribute was absent from every point in
// the window.
type RunSummary struct {
	TaskID    string   `json:"task_id"`
	Count     int      `json:"count"`
	P50MS     *int     `json:"p50_ms"`
	P90MS     *int     `json:"p90_ms"`
	P99MS     *int     `json:"p99_ms"`
	RPS       *float64 `json:"rps"`
	ErrorRate *float64 `json:"error_rate"`
	CostUSD   *float64 `json:"cost_usd"`
	Quality   *float64 `json:"quality"`
}

// CompareItem pairs a task's summary with the identifiers needed to read a
// comparison: which model, route, and dataset produced the numbers.
type CompareItem struct {
	Model   string `json:"model"`
	Route   string `json:"route"`
	Dataset string `json:"dataset"`
	RunSummary
}

// Summarize computes the run summary over a time-ordered window of metric
// points for one task. Each aggregate only considers points where its
// attribute is present; a point missing latency still counts toward
// throughput and error rate.
func Summarize(taskID string, points []*model.MetricPoint) RunSummary {
	s := RunSummary{TaskID: taskID, Count: len(points)}
	if len(points) == 0 {
		return s
	}

	var latencies []float64
	var costs, quals []float64
	errCount := 0
	for _, p := range points {
		if p.LatencyMS != nil {
			latencies = append(latencies, float64(*p.LatencyMS))
		}
		if p.CostUSD != nil {
			costs = append(costs, *p.CostUSD)
		}
		if p.Quality != nil {
			quals = append(quals, *p.Quality)
		}
		if p.Error != "" {
			errCount++
		}
	}

	if len(latencies) > 0 {
		sort.Float64s(latencies)
		s.P50MS = intPtr(int(math.Round(percentile(latencies, 0.50))))
		s.P90MS = intPtr(int(math.Round(percentile(latencies, 0.90))))
		s.P99MS = intPtr(int(math.Round(percentile(latencies, 0.99))))
	}

	duration := points[len(points)-1].TS.Sub(points[0].TS).Seconds()
	if duration < minDurationSec {
		duration = minDurationSec
	}
	s.RPS = floatPtr(round(float64(len(points))/duration, 3))
	s.ErrorRate = floatPtr(round(float64(errCount)/float64(len(points)), 4))

	if len(costs) > 0 {
		s.CostUSD = floatPtr(round(sum(costs), 6))
	}
	if len(quals) > 0 {
		s.Quality = floatPtr(round(sum(quals)/float64(len(quals)), 6))
	}
	return s
}

// percentile computes the p-th percentile of a sorted sequence using linear
// interpolation between order statistics: rank k = (n-1)*p sits between
// floor(k) and the next index, weighted by the fractional part.
func percentile(sorted []float64, p float64) float64 {
	k := float64(len(sorted)-1) * p
	f := int(math.Floor(k))
	c := min(f+1, len(sorted)-1)
	if f == c {
		return sorted[f]
	}
	return sorted[f]*(float64(c)-k) + sorted[c]*(k-float64(f))
}

func round(v float64, places int) float64 {
	scale := math.Pow(10, float64(places))
	return math.Round(v*scale) / scale
}

func sum(vals []float64) float64 {
	var total float64
	for _, v := range vals {
		total += v
	}
	return total
}

func intPtr(v int) *int { return &v }

func floatPtr(v float64) *float64 { return &v }
