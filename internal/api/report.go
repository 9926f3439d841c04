package api

import (
	"fmt"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"

	"github.com/tkaria/crucible/internal/auth"
	"github.com/tkaria/crucible/internal/report"
	"github.com/tkaria/crucible/internal/store"
)

// compareResponse wraps the multi-run comparison.
type compareResponse struct {
	Items []report.CompareItem `json:"items"`
}

// handleRunSummary computes the aggregate summary for one task's run,
// optionally restricted to a [ts_ge, ts_le] window.
func (s *Server) handleRunSummary(w http.ResponseWriter, r *http.Request) {
	t, ok := s.loadAuthorizedTask(w, r, chi.URLParam(r, "id"))
	if !ok {
		return
	}

	window, err := parseWindow(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	points, err := s.store.ListMetrics(r.Context(), t.ID, window, 0, 0)
	if err != nil {
		s.logger.Error("load metrics for summary", "task_id", t.ID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to compute summary")
		return
	}

	s.writeJSON(w, http.StatusOK, report.Summarize(t.ID, points))
}

// handleCompareRuns summarizes several runs side by side. The whole request
// is rejected when any requested id is missing (every missing id is named)
// or any task is outside the caller's authorization.
func (s *Server) handleCompareRuns(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.FromContext(r.Context())

	ids := r.URL.Query()["task_ids"]
	if len(ids) == 0 {
		s.writeError(w, http.StatusBadRequest, "task_ids is required")
		return
	}

	tasks, err := s.store.GetTasksByIDs(r.Context(), ids)
	if err != nil {
		s.logger.Error("resolve compare tasks", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to compare runs")
		return
	}

	var missing []string
	for _, id := range ids {
		if _, ok := tasks[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		s.writeError(w, http.StatusNotFound, "missing tasks: "+fmt.Sprint(missing))
		return
	}
	for _, t := range tasks {
		if !actor.Authorized(t.OwnerID) {
			s.writeDomainError(w, auth.ErrForbidden, "failed to authorize comparison")
			return
		}
	}

	items := make([]report.CompareItem, 0, len(ids))
	for _, id := range ids {
		t := tasks[id]
		points, err := s.store.ListMetrics(r.Context(), t.ID, store.MetricWindow{}, 0, 0)
		if err != nil {
			s.logger.Error("load metrics for compare", "task_id", t.ID, "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to compare runs")
			return
		}
		items = append(items, report.CompareItem{
			Model:      t.Model,
			Route:      t.Route,
			Dataset:    t.Dataset,
			RunSummary: report.Summarize(t.ID, points),
		})
	}

	s.writeJSON(w, http.StatusOK, compareResponse{Items: items})
}

// handleExportCSV streams a task's raw metric points as CSV, ordered by
// ascending timestamp.
func (s *Server) handleExportCSV(w http.ResponseWriter, r *http.Request) {
	t, ok := s.loadAuthorizedTask(w, r, chi.URLParam(r, "id"))
	if !ok {
		return
	}

	points, err := s.store.ListMetrics(r.Context(), t.ID, store.MetricWindow{}, 0, 0)
	if err != nil {
		s.logger.Error("load metrics for export", "task_id", t.ID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to export metrics")
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "metrics_"+t.ID+".csv"))
	if err := report.WriteCSV(w, points); err != nil {
		s.logger.Error("write csv export", "task_id", t.ID, "error", err)
	}
}
