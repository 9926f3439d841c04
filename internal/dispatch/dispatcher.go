// Package dispatch drives tasks from queued to a terminal status. A single
// dispatcher claims one task at a time through an atomic conditional update
// on the store, so several dispatcher instances can share a queue without
// ever executing the same task twice.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tkaria/crucible/internal/model"
	"github.com/tkaria/crucible/internal/store"
)

// DefaultPollInterval bounds how long the dispatcher idles between queue
// checks when no wake notification arrives.
const DefaultPollInterval = 10 * time.Second

// Dispatcher is the background loop that claims and executes queued tasks.
type Dispatcher struct {
	store    store.Store
	exec     Executor
	logger   *slog.Logger
	interval time.Duration
	wake     chan struct{}
}

// New creates a dispatcher polling s at the given idle interval. A zero
// interval selects DefaultPollInterval.
func New(s store.Store, exec Executor, logger *slog.Logger, interval time.Duration) *Dispatcher {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Dispatcher{
		store:    s,
		exec:     exec,
		logger:   logger,
		interval: interval,
		wake:     make(chan struct{}, 1),
	}
}

// Wake nudges an idle dispatcher to poll immediately. Submission and
// start-run paths call this so queued work is picked up without waiting out
// the poll interval. Never blocks.
func (d *Dispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run executes the claim loop until ctx is canceled. Execution failures are
// absorbed into task state; nothing a task does can stop the loop.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info("dispatcher started", "poll_interval", d.interval.String())
	for {
		if ctx.Err() != nil {
			d.logger.Info("dispatcher stopped")
			return
		}

		t, err := d.store.ClaimNextTask(ctx)
		if err != nil {
			if !errors.Is(err, store.ErrNoQueuedTasks) && !errors.Is(err, context.Canceled) {
				d.logger.Error("claim task", "error", err)
			}
			select {
			case <-ctx.Done():
			case <-d.wake:
			case <-time.After(d.interval):
			}
			continue
		}

		d.runTask(ctx, t)
	}
}

// runTask executes one claimed task and persists its outcome. If ctx is
// canceled mid-execution the task is left as claimed; no rollback is forced.
func (d *Dispatcher) runTask(ctx context.Context, t *model.Task) {
	tasksClaimed.Inc()
	d.logger.Info("task claimed", "task_id", t.ID, "model", t.Model, "concurrency", t.Concurrency)

	start := time.Now()
	out := d.executeSafely(ctx, t)
	elapsed := time.Since(start)

	if ctx.Err() != nil {
		d.logger.Info("shutdown during execution, task left in flight", "task_id", t.ID)
		return
	}

	err := d.store.FinishTask(ctx, t.ID, out.Status, out.Result, out.Error)
	switch {
	case errors.Is(err, model.ErrInvalidTransition):
		// Canceled out from under us; the cancel wins.
		d.logger.Info("task no longer running, outcome dropped", "task_id", t.ID)
		return
	case errors.Is(err, store.ErrNotFound):
		d.logger.Warn("task deleted during execution", "task_id", t.ID)
		return
	case err != nil:
		d.logger.Error("finalize task", "task_id", t.ID, "error", err)
		return
	}

	tasksFinished.WithLabelValues(out.Status).Inc()
	executionSeconds.Observe(elapsed.Seconds())
	d.logger.Info("task finished",
		"task_id", t.ID,
		"status", out.Status,
		"duration_ms", elapsed.Milliseconds(),
	)
}

// executeSafely runs the executor with panic containment: a panicking
// execution becomes a failed outcome, per the rule that execution failures
// never escape the loop.
func (d *Dispatcher) executeSafely(ctx context.Context, t *model.Task) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("execution panic", "task_id", t.ID, "panic", fmt.Sprint(r))
			out = Failed(fmt.Sprintf("execution panic: %v", r))
		}
	}()
	return d.exec.Execute(ctx, t)
}
