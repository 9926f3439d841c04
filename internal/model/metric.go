package model

import "time"

// MetricPoint is one timestamped observation recorded while executing a
// task's run. Every field except the task reference and timestamp is
// optional; a point missing one attribute still contributes to aggregates
// over the attributes it does carry. Points are immutable once stored.
type MetricPoint struct {
	ID               string    `json:"id"`
	TaskID           string    `json:"task_id"`
	TS               time.Time `json:"ts"`
	LatencyMS        *int      `json:"latency_ms,omitempty"`
	HTTPStatus       *int      `json:"http_status,omitempty"`
	PromptTokens     *int      `json:"prompt_tokens,omitempty"`
	CompletionTokens *int      `json:"completion_tokens,omitempty"`
	CostUSD          *float64  `json:"cost_usd,omitempty"`
	Quality          *float64  `json:"quality,omitempty"`
	Error            string    `json:"error,omitempty"`
}
