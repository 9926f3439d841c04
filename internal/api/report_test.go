package api

import (
	"context"
	"encoding/csv"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/tkaria/crucible/internal/model"
	"github.com/tkaria/crucible/internal/report"
	"github.com/tkaria/crucible/internal/store"
)

func seedLatencies(t *testing.T, st store.Store, taskID string, latencies ...int) {
	t.Helper()
	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	batch := make([]*model.MetricPoint, len(latencies))
	for i, l := range latencies {
		lat := l
		batch[i] = &model.MetricPoint{
			TaskID:    taskID,
			TS:        base.Add(time.Duration(i) * time.Second),
			LatencyMS: &lat,
		}
	}
	if err := st.InsertMetrics(context.Background(), batch); err != nil {
		t.Fatalf("InsertMetrics: %v", err)
	}
}

func TestRunSummaryEndpoint(t *testing.T) {
	srv, st := newTestServer(t, "")
	task := createTaskVia(t, srv, "u1")
	seedLatencies(t, st, task.ID, 10, 20, 30, 40)

	w := doRequest(t, srv, http.MethodGet, "/v1/reports/runs/"+task.ID, "u1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	s := decodeJSON[report.RunSummary](t, w)
	if s.Count != 4 {
		t.Errorf("Count = %d, want 4", s.Count)
	}
	if s.P50MS == nil || *s.P50MS != 25 {
		t.Errorf("P50MS = %v, want 25", s.P50MS)
	}
	if s.P99MS == nil || *s.P99MS != 40 {
		t.Errorf("P99MS = %v, want 40", s.P99MS)
	}
}

func TestRunSummaryEmptyWindow(t *testing.T) {
	srv, _ := newTestServer(t, "")
	task := createTaskVia(t, srv, "u1")

	w := doRequest(t, srv, http.MethodGet, "/v1/reports/runs/"+task.ID, "u1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	s := decodeJSON[report.RunSummary](t, w)
	if s.Count != 0 || s.P50MS != nil || s.RPS != nil {
		t.Errorf("summary of empty run = %+v, want zero count and null aggregates", s)
	}
}

func TestCompareRuns(t *testing.T) {
	srv, st := newTestServer(t, "")
	a := createTaskVia(t, srv, "u1")
	b := createTaskVia(t, srv, "u1")
	seedLatencies(t, st, a.ID, 10, 20)
	seedLatencies(t, st, b.ID, 100, 200)

	path := "/v1/reports/compare?task_ids=" + a.ID + "&task_ids=" + b.ID
	w := doRequest(t, srv, http.MethodGet, path, "u1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	resp := decodeJSON[compareResponse](t, w)
	if len(resp.Items) != 2 {
		t.Fatalf("len(Items) = %d, want 2", len(resp.Items))
	}
	// Items come back in request order.
	if resp.Items[0].TaskID != a.ID || resp.Items[1].TaskID != b.ID {
		t.Errorf("items out of request order: %s, %s", resp.Items[0].TaskID, resp.Items[1].TaskID)
	}
	if resp.Items[0].Model != "llama3-8b" {
		t.Errorf("Model = %q", resp.Items[0].Model)
	}
	if resp.Items[1].P50MS == nil || *resp.Items[1].P50MS != 150 {
		t.Errorf("P50MS = %v, want 150", resp.Items[1].P50MS)
	}
}

func TestCompareRunsMissingIDs(t *testing.T) {
	srv, _ := newTestServer(t, "")
	a := createTaskVia(t, srv, "u1")

	path := "/v1/reports/compare?task_ids=" + a.ID + "&task_ids=ghost-b&task_ids=ghost-a"
	w := doRequest(t, srv, http.MethodGet, path, "u1", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	resp := decodeJSON[map[string]string](t, w)
	if !strings.Contains(resp["error"], "ghost-a") || !strings.Contains(resp["error"], "ghost-b") {
		t.Errorf("error %q does not name every missing id", resp["error"])
	}
}

func TestCompareRunsAuthorization(t *testing.T) {
	srv, _ := newTestServer(t, "")
	mine := createTaskVia(t, srv, "u1")
	theirs := createTaskVia(t, srv, "u2")

	path := "/v1/reports/compare?task_ids=" + mine.ID + "&task_ids=" + theirs.ID
	if w := doRequest(t, srv, http.MethodGet, path, "u1", nil); w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403 when any task is foreign", w.Code)
	}
	if w := doAdminRequest(t, srv, http.MethodGet, path, "root", nil); w.Code != http.StatusOK {
		t.Errorf("admin compare: status = %d, want 200", w.Code)
	}
}

func TestCompareRunsRequiresIDs(t *testing.T) {
	srv, _ := newTestServer(t, "")
	w := doRequest(t, srv, http.MethodGet, "/v1/reports/compare", "u1", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestExportCSV(t *testing.T) {
	srv, st := newTestServer(t, "")
	task := createTaskVia(t, srv, "u1")
	seedLatencies(t, st, task.ID, 10, 20, 30)

	w := doRequest(t, srv, http.MethodGet, "/v1/reports/runs/"+task.ID+"/export.csv", "u1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/csv" {
		t.Errorf("Content-Type = %q, want text/csv", ct)
	}
	if cd := w.Header().Get("Content-Disposition"); !strings.Contains(cd, "metrics_"+task.ID+".csv") {
		t.Errorf("Content-Disposition = %q", cd)
	}

	rows, err := csv.NewReader(w.Body).ReadAll()
	if err != nil {
		t.Fatalf("parse export: %v", err)
	}
	if len(rows) != 4 {
		t.Fatalf("len(rows) = %d, want header + 3", len(rows))
	}
	if rows[0][0] != "timestamp" {
		t.Errorf("header = %v", rows[0])
	}
	if rows[1][1] != "10" || rows[3][1] != "30" {
		t.Errorf("rows out of timestamp order: %v", rows[1:])
	}
}
