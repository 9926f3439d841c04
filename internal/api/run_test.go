package api

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/tkaria/crucible/internal/model"
)

func TestCancelRun(t *testing.T) {
	srv, _ := newTestServer(t, "")
	task := createTaskVia(t, srv, "u1")

	w := doRequest(t, srv, http.MethodPost, "/v1/tasks/"+task.ID+"/cancel", "u1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	got := decodeJSON[*model.Task](t, w)
	if got.Status != model.StatusCanceled {
		t.Errorf("Status = %q, want canceled", got.Status)
	}
	if got.FinishedAt == nil {
		t.Error("FinishedAt not stamped on cancel")
	}

	// A second cancel is a conflict naming the current status.
	w = doRequest(t, srv, http.MethodPost, "/v1/tasks/"+task.ID+"/cancel", "u1", nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("second cancel: status = %d, want 409", w.Code)
	}
	resp := decodeJSON[map[string]string](t, w)
	if !strings.Contains(resp["error"], model.StatusCanceled) {
		t.Errorf("conflict error %q does not name the current status", resp["error"])
	}
}

func TestStartRunRequeuesTerminalTask(t *testing.T) {
	srv, st := newTestServer(t, "")
	task := createTaskVia(t, srv, "u1")
	ctx := context.Background()

	// Drive the task to failed through the store.
	if _, err := st.ClaimNextTask(ctx); err != nil {
		t.Fatalf("ClaimNextTask: %v", err)
	}
	if err := st.FinishTask(ctx, task.ID, model.StatusFailed, "", "boom"); err != nil {
		t.Fatalf("FinishTask: %v", err)
	}

	w := doRequest(t, srv, http.MethodPost, "/v1/tasks/"+task.ID+"/run", "u1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	got := decodeJSON[*model.Task](t, w)
	if got.Status != model.StatusQueued {
		t.Errorf("Status = %q, want queued", got.Status)
	}
	if got.StartedAt != nil || got.FinishedAt != nil {
		t.Error("previous run's timeline not cleared")
	}
	if got.Error != "" {
		t.Errorf("Error = %q, want cleared", got.Error)
	}
}

func TestStartRunConflictsWhileRunning(t *testing.T) {
	srv, st := newTestServer(t, "")
	task := createTaskVia(t, srv, "u1")

	if _, err := st.ClaimNextTask(context.Background()); err != nil {
		t.Fatalf("ClaimNextTask: %v", err)
	}

	w := doRequest(t, srv, http.MethodPost, "/v1/tasks/"+task.ID+"/run", "u1", nil)
	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409 while running", w.Code)
	}
}

func TestStartRunIdempotentOnQueued(t *testing.T) {
	srv, _ := newTestServer(t, "")
	task := createTaskVia(t, srv, "u1")

	w := doRequest(t, srv, http.MethodPost, "/v1/tasks/"+task.ID+"/run", "u1", nil)
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 for already-queued task", w.Code)
	}
}

func TestRunEndpointsAuthorization(t *testing.T) {
	srv, _ := newTestServer(t, "")
	task := createTaskVia(t, srv, "u1")

	for _, path := range []string{
		"/v1/tasks/" + task.ID + "/run",
		"/v1/tasks/" + task.ID + "/cancel",
	} {
		if w := doRequest(t, srv, http.MethodPost, path, "u2", nil); w.Code != http.StatusForbidden {
			t.Errorf("POST %s as u2: status = %d, want 403", path, w.Code)
		}
	}
}
