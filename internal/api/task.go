package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tkaria/crucible/internal/auth"
	"github.com/tkaria/crucible/internal/model"
	"github.com/tkaria/crucible/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB

	defaultConcurrency = 1
	defaultDurationSec = 60
	maxConcurrency     = 1024
)

// createTaskRequest is the JSON body for POST /v1/tasks.
type createTaskRequest struct {
	Name        string         `json:"name"`
	Model       string         `json:"model"`
	Route       string         `json:"route"`
	Dataset     string         `json:"dataset"`
	Params      map[string]any `json:"params"`
	Concurrency *int           `json:"concurrency"`
	DurationSec *int           `json:"duration_sec"`
	Tags        []string       `json:"tags"`
}

// updateTaskRequest is the JSON body for PATCH /v1/tasks/{id}. Only the
// client-mutable fields appear here; status is never client-settable.
type updateTaskRequest struct {
	Name        *string         `json:"name"`
	Params      *map[string]any `json:"params"`
	Concurrency *int            `json:"concurrency"`
	DurationSec *int            `json:"duration_sec"`
	Tags        *[]string       `json:"tags"`
}

// listTasksResponse wraps the paginated list response.
type listTasksResponse struct {
	Tasks  []*model.Task `json:"tasks"`
	Total  int           `json:"total"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.FromContext(r.Context())

	var req createTaskRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	for field, v := range map[string]string{
		"name": req.Name, "model": req.Model, "route": req.Route, "dataset": req.Dataset,
	} {
		if v == "" {
			s.writeError(w, http.StatusBadRequest, field+" is required")
			return
		}
	}

	concurrency := defaultConcurrency
	if req.Concurrency != nil {
		concurrency = *req.Concurrency
	}
	durationSec := defaultDurationSec
	if req.DurationSec != nil {
		durationSec = *req.DurationSec
	}
	if concurrency < 1 || concurrency > maxConcurrency {
		s.writeError(w, http.StatusBadRequest, "concurrency out of range")
		return
	}
	if durationSec < 1 {
		s.writeError(w, http.StatusBadRequest, "duration_sec must be positive")
		return
	}

	t := &model.Task{
		ID:          model.NewID(),
		OwnerID:     actor.ID,
		Name:        req.Name,
		Model:       req.Model,
		Route:       req.Route,
		Dataset:     req.Dataset,
		Params:      req.Params,
		Concurrency: concurrency,
		DurationSec: durationSec,
		Tags:        req.Tags,
		Status:      model.StatusQueued,
		CreatedAt:   time.Now().UTC(),
	}

	if err := s.store.CreateTask(r.Context(), t); err != nil {
		s.logger.Error("create task", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to create task")
		return
	}

	s.dispatcher.Wake()
	s.writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, ok := s.loadAuthorizedTask(w, r, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.FromContext(r.Context())

	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)
	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	filter := store.TaskFilter{
		Status: r.URL.Query().Get("status"),
		Model:  r.URL.Query().Get("model"),
	}
	// Non-admin callers only ever see their own tasks; admins may narrow to
	// one owner or see everything.
	if actor.Admin {
		filter.OwnerID = r.URL.Query().Get("owner")
	} else {
		filter.OwnerID = actor.ID
	}
	if filter.Status != "" && !model.KnownStatus(filter.Status) {
		s.writeError(w, http.StatusBadRequest, "unknown status filter")
		return
	}

	tasks, total, err := s.store.ListTasks(r.Context(), filter, limit, offset)
	if err != nil {
		s.logger.Error("list tasks", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}

	if tasks == nil {
		tasks = []*model.Task{}
	}

	s.writeJSON(w, http.StatusOK, listTasksResponse{
		Tasks:  tasks,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	t, ok := s.loadAuthorizedTask(w, r, chi.URLParam(r, "id"))
	if !ok {
		return
	}

	var req updateTaskRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.Name != nil {
		if *req.Name == "" {
			s.writeError(w, http.StatusBadRequest, "name must not be empty")
			return
		}
		t.Name = *req.Name
	}
	if req.Params != nil {
		t.Params = *req.Params
	}
	if req.Concurrency != nil {
		if *req.Concurrency < 1 || *req.Concurrency > maxConcurrency {
			s.writeError(w, http.StatusBadRequest, "concurrency out of range")
			return
		}
		t.Concurrency = *req.Concurrency
	}
	if req.DurationSec != nil {
		if *req.DurationSec < 1 {
			s.writeError(w, http.StatusBadRequest, "duration_sec must be positive")
			return
		}
		t.DurationSec = *req.DurationSec
	}
	if req.Tags != nil {
		t.Tags = *req.Tags
	}

	if err := s.store.UpdateTask(r.Context(), t); err != nil {
		s.writeDomainError(w, err, "failed to update task")
		return
	}

	s.writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	t, ok := s.loadAuthorizedTask(w, r, chi.URLParam(r, "id"))
	if !ok {
		return
	}

	// Metric points cascade away with the task.
	if err := s.store.DeleteTask(r.Context(), t.ID); err != nil {
		s.writeDomainError(w, err, "failed to delete task")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// loadAuthorizedTask fetches a task and enforces the owner-or-admin
// predicate, writing the 404/403 response itself when the check fails.
func (s *Server) loadAuthorizedTask(w http.ResponseWriter, r *http.Request, id string) (*model.Task, bool) {
	actor, _ := auth.FromContext(r.Context())

	t, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err, "failed to get task")
		return nil, false
	}
	if !actor.Authorized(t.OwnerID) {
		s.writeDomainError(w, auth.ErrForbidden, "failed to authorize task access")
		return nil, false
	}
	return t, true
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	q := r.URL.Query().Get(key)
	if q == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(q)
	if err != nil {
		return defaultVal
	}
	return v
}
