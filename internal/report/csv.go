package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/tkaria/crucible/internal/model"
)

// csvHeader is the export column order. Timestamps are ISO-8601; absent
// optional fields are emitted as empty columns.
var csvHeader = []string{
	"timestamp", "latency_ms", "http_status", "prompt_tokens",
	"completion_tokens", "cost_usd", "quality", "error",
}

// WriteCSV streams a header row plus one row per metric point to w. The
// points must already be ordered by ascending timestamp. Fields containing
// delimiters or quotes get standard CSV quoting from encoding/csv.
func WriteCSV(w io.Writer, points []*model.MetricPoint) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, p := range points {
		record := []string{
			p.TS.UTC().Format(time.RFC3339),
			intField(p.LatencyMS),
			intField(p.HTTPStatus),
			intField(p.PromptTokens),
			intField(p.CompletionTokens),
			floatField(p.CostUSD),
			floatField(p.Quality),
			p.Error,
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func intField(v *int) string {
	if v == nil {
		return ""
	}
	return strconv.Itoa(*v)
}

func floatField(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}
