package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// handleStartRun re-queues a task for execution. Valid from any terminal
// status (and queued, as a timeline reset); the previous run's started_at,
// finished_at, result, and error are cleared atomically.
func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	t, ok := s.loadAuthorizedTask(w, r, chi.URLParam(r, "id"))
	if !ok {
		return
	}

	reset, err := s.store.ResetTask(r.Context(), t.ID)
	if err != nil {
		s.writeDomainError(w, err, "failed to start run")
		return
	}

	s.dispatcher.Wake()
	s.writeJSON(w, http.StatusOK, reset)
}

// handleCancelRun cancels a queued or running task. Canceling an already
// terminal task is a conflict naming the current status.
func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	t, ok := s.loadAuthorizedTask(w, r, chi.URLParam(r, "id"))
	if !ok {
		return
	}

	canceled, err := s.store.CancelTask(r.Context(), t.ID)
	if err != nil {
		s.writeDomainError(w, err, "failed to cancel run")
		return
	}

	s.writeJSON(w, http.StatusOK, canceled)
}
