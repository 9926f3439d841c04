package store

import (
	"context"
	"errors"
	"time"

	"github.com/tkaria/crucible/internal/model"
)

// ErrNotFound is returned when a task is not found.
var ErrNotFound = errors.New("task not found")

// ErrNoQueuedTasks is returned by ClaimNextTask when nothing is queued.
var ErrNoQueuedTasks = errors.New("no queued tasks")

// TaskFilter narrows ListTasks results. Zero values mean "no filter".
type TaskFilter struct {
	OwnerID string
	Status  string
	Model   string
}

// MetricWindow restricts a metric query to [TSGe, TSLe]; nil bounds are open.
type MetricWindow struct {
	TSGe *time.Time
	TSLe *time.Time
}

// TaskStats holds aggregate counts over all tasks.
type TaskStats struct {
	Total         int            `json:"total"`
	CountByStatus map[string]int `json:"count_by_status"`
	CountByModel  map[string]int `json:"count_by_model"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
}

// Store defines the persistence operations for tasks and metric points.
// Claim, cancel, reset, and finish are expressed as single conditional
// updates so that concurrent callers race safely without long-held locks.
type Store interface {
	CreateTask(ctx context.Context, t *model.Task) error
	GetTask(ctx context.Context, id string) (*model.Task, error)
	GetTasksByIDs(ctx context.Context, ids []string) (map[string]*model.Task, error)
	ListTasks(ctx context.Context, f TaskFilter, limit, offset int) ([]*model.Task, int, error)
	UpdateTask(ctx context.Context, t *model.Task) error
	DeleteTask(ctx context.Context, id string) error

	// ClaimNextTask atomically claims the oldest queued task (FIFO by
	// created_at, ties by id), transitioning it to running and stamping
	// started_at in the same statement. Returns ErrNoQueuedTasks when the
	// queue is empty.
	ClaimNextTask(ctx context.Context) (*model.Task, error)

	// FinishTask finalizes a running task with a terminal status, result,
	// and error message. The update is conditional on status = running;
	// ErrNotFound means the task vanished or was finalized by someone else.
	FinishTask(ctx context.Context, id, status, result, errMsg string) error

	// CancelTask cancels a queued or running task. Returns
	// model.ErrInvalidTransition if the task is already terminal.
	CancelTask(ctx context.Context, id string) (*model.Task, error)

	// ResetTask moves a terminal (or queued) task back to queued, clearing
	// started_at, finished_at, result, and error atomically. Returns
	// model.ErrInvalidTransition if the task is running.
	ResetTask(ctx context.Context, id string) (*model.Task, error)

	// ReportStatus applies an externally reported status, validating the
	// transition against the current status.
	ReportStatus(ctx context.Context, id, status, errMsg string, startedAt, finishedAt *time.Time) (*model.Task, error)

	// InsertMetrics inserts a batch of metric points in one transaction;
	// either every point is stored or none are.
	InsertMetrics(ctx context.Context, points []*model.MetricPoint) error

	// ListMetrics returns a task's metric points inside the window, ordered
	// by ascending timestamp. A limit of 0 means no limit.
	ListMetrics(ctx context.Context, taskID string, w MetricWindow, limit, offset int) ([]*model.MetricPoint, error)

	GetTaskStats(ctx context.Context) (*TaskStats, error)
	Close() error
}
