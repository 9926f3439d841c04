package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tkaria/crucible/internal/auth"
	"github.com/tkaria/crucible/internal/model"
	"github.com/tkaria/crucible/internal/store"
)

// metricItem is one metric point in an ingestion batch.
type metricItem struct {
	TaskID           string     `json:"task_id"`
	TS               *time.Time `json:"ts"`
	LatencyMS        *int       `json:"latency_ms"`
	HTTPStatus       *int       `json:"http_status"`
	PromptTokens     *int       `json:"prompt_tokens"`
	CompletionTokens *int       `json:"completion_tokens"`
	CostUSD          *float64   `json:"cost_usd"`
	Quality          *float64   `json:"quality"`
	Error            string     `json:"error"`
}

// metricBatch is the JSON body for batch metric ingestion.
type metricBatch struct {
	Items []metricItem `json:"items"`
}

// ingestResponse acknowledges an accepted batch.
type ingestResponse struct {
	OK       bool `json:"ok"`
	Accepted int  `json:"accepted"`
}

// listMetricsResponse wraps a metric point listing.
type listMetricsResponse struct {
	Metrics []*model.MetricPoint `json:"metrics"`
	Limit   int                  `json:"limit"`
	Offset  int                  `json:"offset"`
}

// handleIngestMetrics accepts a batch of metric points from an authenticated
// caller. The whole batch is validated before anything is written: every
// referenced task must exist and belong to the caller, otherwise no row is
// inserted and the response names each missing id.
func (s *Server) handleIngestMetrics(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.FromContext(r.Context())

	var batch metricBatch
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	s.ingestBatch(w, r.Context(), batch, &actor)
}

// handleListMetrics returns a task's metric points, optionally restricted to
// a [ts_ge, ts_le] window, ordered by ascending timestamp.
func (s *Server) handleListMetrics(w http.ResponseWriter, r *http.Request) {
	t, ok := s.loadAuthorizedTask(w, r, chi.URLParam(r, "id"))
	if !ok {
		return
	}

	window, err := parseWindow(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)
	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	points, err := s.store.ListMetrics(r.Context(), t.ID, window, limit, offset)
	if err != nil {
		s.logger.Error("list metrics", "task_id", t.ID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list metrics")
		return
	}
	if points == nil {
		points = []*model.MetricPoint{}
	}

	s.writeJSON(w, http.StatusOK, listMetricsResponse{
		Metrics: points,
		Limit:   limit,
		Offset:  offset,
	})
}

// ingestBatch runs the shared ingestion pipeline: field validation, reference
// validation against the task store, optional ownership check, then an
// all-or-nothing insert. actor is nil for signature-authenticated callers
// (the worker push interface), which skips the ownership check.
func (s *Server) ingestBatch(w http.ResponseWriter, ctx context.Context, batch metricBatch, actor *auth.Actor) {
	if len(batch.Items) == 0 {
		s.writeError(w, http.StatusBadRequest, "batch must contain at least one item")
		return
	}

	points := make([]*model.MetricPoint, 0, len(batch.Items))
	for i, item := range batch.Items {
		if item.TaskID == "" {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("item %d: task_id is required", i))
			return
		}
		if item.LatencyMS != nil && *item.LatencyMS < 0 {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("item %d: latency_ms must be non-negative", i))
			return
		}
		if item.CostUSD != nil && *item.CostUSD < 0 {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("item %d: cost_usd must be non-negative", i))
			return
		}
		p := &model.MetricPoint{
			TaskID:           item.TaskID,
			LatencyMS:        item.LatencyMS,
			HTTPStatus:       item.HTTPStatus,
			PromptTokens:     item.PromptTokens,
			CompletionTokens: item.CompletionTokens,
			CostUSD:          item.CostUSD,
			Quality:          item.Quality,
			Error:            item.Error,
		}
		if item.TS != nil {
			p.TS = item.TS.UTC()
		}
		points = append(points, p)
	}

	ids := distinctTaskIDs(points)
	tasks, err := s.store.GetTasksByIDs(ctx, ids)
	if err != nil {
		s.logger.Error("resolve batch tasks", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to validate batch")
		return
	}
	if missing := missingIDs(ids, tasks); len(missing) > 0 {
		s.writeError(w, http.StatusNotFound, "missing tasks: "+fmt.Sprint(missing))
		return
	}
	if actor != nil {
		for _, t := range tasks {
			if !actor.Authorized(t.OwnerID) {
				s.writeDomainError(w, auth.ErrForbidden, "failed to authorize batch")
				return
			}
		}
	}

	if err := s.store.InsertMetrics(ctx, points); err != nil {
		s.logger.Error("insert metrics", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to store batch")
		return
	}

	s.writeJSON(w, http.StatusAccepted, ingestResponse{OK: true, Accepted: len(points)})
}

func distinctTaskIDs(points []*model.MetricPoint) []string {
	seen := make(map[string]bool, len(points))
	var ids []string
	for _, p := range points {
		if !seen[p.TaskID] {
			seen[p.TaskID] = true
			ids = append(ids, p.TaskID)
		}
	}
	return ids
}

func missingIDs(ids []string, tasks map[string]*model.Task) []string {
	var missing []string
	for _, id := range ids {
		if _, ok := tasks[id]; !ok {
			missing = append(missing, id)
		}
	}
	sort.Strings(missing)
	return missing
}

// parseWindow reads the optional ts_ge/ts_le RFC 3339 query parameters.
func parseWindow(r *http.Request) (store.MetricWindow, error) {
	var w store.MetricWindow
	if v := r.URL.Query().Get("ts_ge"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return w, fmt.Errorf("invalid ts_ge: %v", err)
		}
		w.TSGe = &ts
	}
	if v := r.URL.Query().Get("ts_le"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return w, fmt.Errorf("invalid ts_le: %v", err)
		}
		w.TSLe = &ts
	}
	return w, nil
}
