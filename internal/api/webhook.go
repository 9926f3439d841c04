package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/tkaria/crucible/internal/model"
)

// errBadSignature covers both a missing and a mismatched webhook signature.
var errBadSignature = errors.New("invalid webhook signature")

// workerStatusRequest is a status report pushed by an external worker.
type workerStatusRequest struct {
	TaskID     string     `json:"task_id"`
	Status     string     `json:"status"`
	Error      string     `json:"error"`
	StartedAt  *time.Time `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at"`
}

func (s *Server) handleWebhookPing(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleWorkerStatus applies an externally reported task status. The
// transition is validated against the state machine; a report against a task
// someone else already finalized is a conflict, never an overwrite.
func (s *Server) handleWorkerStatus(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readSignedBody(w, r)
	if !ok {
		return
	}

	var req workerStatusRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.TaskID == "" {
		s.writeError(w, http.StatusBadRequest, "task_id is required")
		return
	}
	if !model.KnownStatus(req.Status) {
		s.writeError(w, http.StatusBadRequest, "unknown status")
		return
	}

	t, err := s.store.ReportStatus(r.Context(), req.TaskID, req.Status, req.Error, req.StartedAt, req.FinishedAt)
	if err != nil {
		s.writeDomainError(w, err, "failed to apply status report")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"task_id": t.ID,
		"status":  t.Status,
	})
}

// handleWorkerMetrics ingests a metric batch pushed by an external worker.
// Ownership is not checked here; the signature stands in for identity.
func (s *Server) handleWorkerMetrics(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readSignedBody(w, r)
	if !ok {
		return
	}

	var batch metricBatch
	if err := json.Unmarshal(body, &batch); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	s.ingestBatch(w, r.Context(), batch, nil)
}

// readSignedBody reads the raw request body and verifies its HMAC signature
// when a webhook secret is configured, writing the 401 response itself on
// failure. Without a secret, unsigned calls are accepted.
func (s *Server) readSignedBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read request body")
		return nil, false
	}

	if err := verifySignature(s.webhookSecret, body, r.Header.Get("X-Signature")); err != nil {
		s.writeError(w, http.StatusUnauthorized, err.Error())
		return nil, false
	}
	return body, true
}

// verifySignature checks a hex HMAC-SHA256 signature over the raw body using
// constant-time comparison. An empty secret disables verification.
func verifySignature(secret string, body []byte, signature string) error {
	if secret == "" {
		return nil
	}
	if signature == "" {
		return errors.New("missing signature")
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(want), []byte(signature)) {
		return errBadSignature
	}
	return nil
}
