package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tkaria/crucible/internal/model"

	_ "modernc.org/sqlite"
)

const createTasksTable = `
CREATE TABLE IF NOT EXISTS tasks (
    id           TEXT PRIMARY KEY,
    owner_id     TEXT NOT NULL,
    name         TEXT NOT NULL,
    model        TEXT NOT NULL,
    route        TEXT NOT NULL,
    dataset      TEXT NOT NULL,
    params       TEXT NOT NULL DEFAULT '{}',
    concurrency  INTEGER NOT NULL DEFAULT 1,
    duration_sec INTEGER NOT NULL DEFAULT 60,
    tags         TEXT NOT NULL DEFAULT '[]',
    status       TEXT NOT NULL,
    result       TEXT NOT NULL DEFAULT '',
    error        TEXT NOT NULL DEFAULT '',
    created_at   DATETIME NOT NULL,
    started_at   DATETIME,
    finished_at  DATETIME
)`

const createMetricsTable = `
CREATE TABLE IF NOT EXISTS metrics (
    id                TEXT PRIMARY KEY,
    task_id           TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
    ts                DATETIME NOT NULL,
    latency_ms        INTEGER,
    http_status       INTEGER,
    prompt_tokens     INTEGER,
    completion_tokens INTEGER,
    cost_usd          REAL,
    quality           REAL,
    error             TEXT NOT NULL DEFAULT ''
)`

const taskColumns = `id, owner_id, name, model, route, dataset, params,
	concurrency, duration_sec, tags, status, result, error,
	created_at, started_at, finished_at`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// connPragmas ride the DSN so the driver applies them to every connection
// database/sql opens. foreign_keys and busy_timeout are per-connection
// settings; an Exec would configure only the one pooled connection that
// happened to serve it.
const connPragmas = "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=journal_mode(wal)"

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath+connPragmas)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	for _, stmt := range []string{
		createTasksTable,
		createMetricsTable,
		"CREATE INDEX IF NOT EXISTS ix_tasks_status_created ON tasks (status, created_at, id)",
		"CREATE INDEX IF NOT EXISTS ix_metrics_task_ts ON metrics (task_id, ts)",
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateTask inserts a new task record.
func (s *SQLiteStore) CreateTask(ctx context.Context, t *model.Task) error {
	params, tags, err := encodeTaskJSON(t)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks (
			id, owner_id, name, model, route, dataset, params,
			concurrency, duration_sec, tags, status, result, error,
			created_at, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.OwnerID, t.Name, t.Model, t.Route, t.Dataset, params,
		t.Concurrency, t.DurationSec, tags, t.Status, t.Result, t.Error,
		t.CreatedAt, t.StartedAt, t.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*model.Task, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+taskColumns+" FROM tasks WHERE id = ?", id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// GetTasksByIDs returns the tasks whose ids exist, keyed by id. Missing ids
// are simply absent from the result; callers decide whether that is an error.
func (s *SQLiteStore) GetTasksByIDs(ctx context.Context, ids []string) (map[string]*model.Task, error) {
	out := make(map[string]*model.Task, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+taskColumns+" FROM tasks WHERE id IN ("+placeholders+")", args...)
	if err != nil {
		return nil, fmt.Errorf("get tasks by ids: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out[t.ID] = t
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return out, nil
}

// ListTasks returns a filtered, paginated list of tasks ordered by created_at
// DESC, along with the total count matching the filter.
func (s *SQLiteStore) ListTasks(ctx context.Context, f TaskFilter, limit, offset int) ([]*model.Task, int, error) {
	where, args := taskFilterClause(f)

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM tasks"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count tasks: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		"SELECT "+taskColumns+" FROM tasks"+where+" ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?",
		append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate tasks: %w", err)
	}
	return tasks, total, nil
}

// UpdateTask updates the client-mutable task fields: name, params,
// concurrency, duration_sec, tags. Status and the timeline are never touched
// here.
func (s *SQLiteStore) UpdateTask(ctx context.Context, t *model.Task) error {
	params, tags, err := encodeTaskJSON(t)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET name = ?, params = ?, concurrency = ?, duration_sec = ?, tags = ?
		WHERE id = ?`,
		t.Name, params, t.Concurrency, t.DurationSec, tags, t.ID,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	return checkAffected(res)
}

// DeleteTask removes a task; its metric points cascade away with it.
func (s *SQLiteStore) DeleteTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM tasks WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return checkAffected(res)
}

// ClaimNextTask claims the oldest claimable task in a single conditional
// update: the status guard makes exactly one of any number of concurrent
// claimers win the row.
func (s *SQLiteStore) ClaimNextTask(ctx context.Context) (*model.Task, error) {
	ph, src := statusGuard(model.EventClaim)
	var id string
	err := s.db.QueryRowContext(ctx,
		`UPDATE tasks SET status = ?, started_at = ?
		WHERE id = (SELECT id FROM tasks WHERE status IN (`+ph+`) ORDER BY created_at, id LIMIT 1)
		  AND status IN (`+ph+`)
		RETURNING id`,
		append(append([]any{model.StatusRunning, time.Now().UTC()}, src...), src...)...,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoQueuedTasks
	}
	if err != nil {
		return nil, fmt.Errorf("claim task: %w", err)
	}
	return s.GetTask(ctx, id)
}

// FinishTask finalizes a running task. The status=running guard means a task
// canceled out from under the dispatcher is left alone; that shows up as
// ErrInvalidTransition so the caller can treat it as a no-op.
func (s *SQLiteStore) FinishTask(ctx context.Context, id, status, result, errMsg string) error {
	if status != model.StatusSucceeded && status != model.StatusFailed {
		return fmt.Errorf("%w: %q is not a terminal execution status", model.ErrInvalidTransition, status)
	}

	event := model.EventSucceed
	if status == model.StatusFailed {
		event = model.EventFail
	}

	ph, src := statusGuard(event)
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, result = ?, error = ?, finished_at = ?
		WHERE id = ? AND status IN (`+ph+`)`,
		append([]any{status, result, errMsg, time.Now().UTC(), id}, src...)...,
	)
	if err != nil {
		return fmt.Errorf("finish task: %w", err)
	}
	return s.explainConditionalMiss(ctx, res, id, event)
}

// CancelTask cancels a queued or running task, stamping finished_at.
func (s *SQLiteStore) CancelTask(ctx context.Context, id string) (*model.Task, error) {
	ph, src := statusGuard(model.EventCancel)
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, finished_at = ?
		WHERE id = ? AND status IN (`+ph+`)`,
		append([]any{model.StatusCanceled, time.Now().UTC(), id}, src...)...,
	)
	if err != nil {
		return nil, fmt.Errorf("cancel task: %w", err)
	}
	if err := s.explainConditionalMiss(ctx, res, id, model.EventCancel); err != nil {
		return nil, err
	}
	return s.GetTask(ctx, id)
}

// ResetTask puts a terminal or queued task back into the queue, clearing the
// previous run's timeline, result, and error in the same statement.
func (s *SQLiteStore) ResetTask(ctx context.Context, id string) (*model.Task, error) {
	ph, src := statusGuard(model.EventRestart)
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, started_at = NULL, finished_at = NULL, result = '', error = ''
		WHERE id = ? AND status IN (`+ph+`)`,
		append([]any{model.StatusQueued, id}, src...)...,
	)
	if err != nil {
		return nil, fmt.Errorf("reset task: %w", err)
	}
	if err := s.explainConditionalMiss(ctx, res, id, model.EventRestart); err != nil {
		return nil, err
	}
	return s.GetTask(ctx, id)
}

// ReportStatus applies an externally reported status transition, validating
// it against the task's current status. The update is conditional on the
// status still being what was read, so racing reporters cannot double-apply.
func (s *SQLiteStore) ReportStatus(ctx context.Context, id, status, errMsg string, startedAt, finishedAt *time.Time) (*model.Task, error) {
	cur, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if !model.ValidTransition(cur.Status, status) {
		return nil, fmt.Errorf("%w: cannot move task from %q to %q", model.ErrInvalidTransition, cur.Status, status)
	}

	now := time.Now().UTC()
	if status == model.StatusRunning && startedAt == nil {
		startedAt = &now
	}
	if model.Terminal(status) && finishedAt == nil {
		finishedAt = &now
	}

	query := "UPDATE tasks SET status = ?"
	args := []any{status}
	if errMsg != "" {
		query += ", error = ?"
		args = append(args, errMsg)
	}
	if startedAt != nil {
		query += ", started_at = ?"
		args = append(args, startedAt.UTC())
	}
	if finishedAt != nil {
		query += ", finished_at = ?"
		args = append(args, finishedAt.UTC())
	}
	if status == model.StatusQueued {
		query += ", started_at = NULL, finished_at = NULL, result = '', error = ''"
	}
	query += " WHERE id = ? AND status = ?"
	args = append(args, id, cur.Status)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("report status: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("check rows affected: %w", err)
	}
	if rows == 0 {
		return nil, fmt.Errorf("%w: task moved out of %q concurrently", model.ErrInvalidTransition, cur.Status)
	}
	return s.GetTask(ctx, id)
}

// InsertMetrics stores a batch of metric points in a single transaction.
// Points without an id or timestamp get one assigned here.
func (s *SQLiteStore) InsertMetrics(ctx context.Context, points []*model.MetricPoint) error {
	if len(points) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO metrics (
			id, task_id, ts, latency_ms, http_status,
			prompt_tokens, completion_tokens, cost_usd, quality, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, p := range points {
		if p.ID == "" {
			p.ID = model.NewID()
		}
		if p.TS.IsZero() {
			p.TS = time.Now().UTC()
		}
		if _, err := stmt.ExecContext(ctx,
			p.ID, p.TaskID, p.TS.UTC(), p.LatencyMS, p.HTTPStatus,
			p.PromptTokens, p.CompletionTokens, p.CostUSD, p.Quality, p.Error,
		); err != nil {
			return fmt.Errorf("insert metric for task %s: %w", p.TaskID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit metrics: %w", err)
	}
	return nil
}

// ListMetrics returns a task's metric points inside the window, ordered by
// ascending timestamp (ties by id, which is creation-ordered).
func (s *SQLiteStore) ListMetrics(ctx context.Context, taskID string, w MetricWindow, limit, offset int) ([]*model.MetricPoint, error) {
	query := `SELECT id, task_id, ts, latency_ms, http_status,
		prompt_tokens, completion_tokens, cost_usd, quality, error
		FROM metrics WHERE task_id = ?`
	args := []any{taskID}
	if w.TSGe != nil {
		query += " AND ts >= ?"
		args = append(args, w.TSGe.UTC())
	}
	if w.TSLe != nil {
		query += " AND ts <= ?"
		args = append(args, w.TSLe.UTC())
	}
	query += " ORDER BY ts, id"
	if limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list metrics: %w", err)
	}
	defer rows.Close()

	var points []*model.MetricPoint
	for rows.Next() {
		p := &model.MetricPoint{}
		if err := rows.Scan(
			&p.ID, &p.TaskID, &p.TS, &p.LatencyMS, &p.HTTPStatus,
			&p.PromptTokens, &p.CompletionTokens, &p.CostUSD, &p.Quality, &p.Error,
		); err != nil {
			return nil, fmt.Errorf("scan metric: %w", err)
		}
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate metrics: %w", err)
	}
	return points, nil
}

// GetTaskStats returns aggregate counts by status and model, plus the average
// run duration over tasks that have both started and finished.
func (s *SQLiteStore) GetTaskStats(ctx context.Context) (*TaskStats, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT status, model, started_at, finished_at FROM tasks")
	if err != nil {
		return nil, fmt.Errorf("query task stats: %w", err)
	}
	defer rows.Close()

	stats := &TaskStats{
		CountByStatus: make(map[string]int),
		CountByModel:  make(map[string]int),
	}
	var durTotal time.Duration
	var durCount int
	for rows.Next() {
		var status, mdl string
		var startedAt, finishedAt *time.Time
		if err := rows.Scan(&status, &mdl, &startedAt, &finishedAt); err != nil {
			return nil, fmt.Errorf("scan task stats: %w", err)
		}
		stats.Total++
		stats.CountByStatus[status]++
		stats.CountByModel[mdl]++
		if startedAt != nil && finishedAt != nil {
			durTotal += finishedAt.Sub(*startedAt)
			durCount++
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task stats: %w", err)
	}
	if durCount > 0 {
		stats.AvgDurationMS = float64(durTotal.Milliseconds()) / float64(durCount)
	}
	return stats, nil
}

// explainConditionalMiss turns a zero-row conditional update into the right
// error: ErrNotFound when the task does not exist, ErrInvalidTransition
// (naming the current status) when it does but its status blocked the update.
func (s *SQLiteStore) explainConditionalMiss(ctx context.Context, res sql.Result, id, event string) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rows > 0 {
		return nil
	}
	t, err := s.GetTask(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: cannot %s task in status %q", model.ErrInvalidTransition, event, t.Status)
}

// statusGuard builds the placeholder list and arguments for a conditional
// update's status guard from the event's legal source statuses.
func statusGuard(event string) (string, []any) {
	sources := model.EventSources(event)
	args := make([]any, len(sources))
	for i, status := range sources {
		args[i] = status
	}
	return strings.TrimSuffix(strings.Repeat("?, ", len(sources)), ", "), args
}

func checkAffected(res sql.Result) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func encodeTaskJSON(t *model.Task) (params, tags string, err error) {
	p := t.Params
	if p == nil {
		p = map[string]any{}
	}
	pb, err := json.Marshal(p)
	if err != nil {
		return "", "", fmt.Errorf("marshal params: %w", err)
	}
	tg := t.Tags
	if tg == nil {
		tg = []string{}
	}
	tb, err := json.Marshal(tg)
	if err != nil {
		return "", "", fmt.Errorf("marshal tags: %w", err)
	}
	return string(pb), string(tb), nil
}

// scanTask scans a task row from either *sql.Row or *sql.Rows.
func scanTask(row interface{ Scan(...any) error }) (*model.Task, error) {
	t := &model.Task{}
	var params, tags string
	if err := row.Scan(
		&t.ID, &t.OwnerID, &t.Name, &t.Model, &t.Route, &t.Dataset, &params,
		&t.Concurrency, &t.DurationSec, &tags, &t.Status, &t.Result, &t.Error,
		&t.CreatedAt, &t.StartedAt, &t.FinishedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(params), &t.Params); err != nil {
		return nil, fmt.Errorf("decode params: %w", err)
	}
	if err := json.Unmarshal([]byte(tags), &t.Tags); err != nil {
		return nil, fmt.Errorf("decode tags: %w", err)
	}
	return t, nil
}

func taskFilterClause(f TaskFilter) (string, []any) {
	var conds []string
	var args []any
	if f.OwnerID != "" {
		conds = append(conds, "owner_id = ?")
		args = append(args, f.OwnerID)
	}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, f.Status)
	}
	if f.Model != "" {
		conds = append(conds, "model = ?")
		args = append(args, f.Model)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}
