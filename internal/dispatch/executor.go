package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tkaria/crucible/internal/model"
	"github.com/tkaria/crucible/internal/store"
)

// Outcome is the typed result of one task execution. Failures are carried as
// a value here rather than an error so the dispatcher can never confuse an
// execution failure with an infrastructure failure.
type Outcome struct {
	Status string
	Result string
	Error  string
}

// Failed builds a failed outcome from an execution error message.
func Failed(msg string) Outcome {
	return Outcome{Status: model.StatusFailed, Error: msg}
}

// Executor runs one claimed task's workload to an outcome.
type Executor interface {
	Execute(ctx context.Context, t *model.Task) Outcome
}

// SimExecutor simulates a benchmark run. The task's "wait" parameter (integer
// seconds, may be negative) models workload latency: each sub-run sleeps
// abs(wait) seconds, and the run as a whole succeeds iff wait >= 0. The
// task's requested concurrency bounds a pool of simultaneous sub-runs, each
// of which records one metric point against the task.
type SimExecutor struct {
	store  store.Store
	logger *slog.Logger
}

// NewSimExecutor creates a simulated executor recording metric points to s.
func NewSimExecutor(s store.Store, logger *slog.Logger) *SimExecutor {
	return &SimExecutor{store: s, logger: logger}
}

// Execute implements Executor. Malformed parameters produce a failed outcome,
// never an error that could escape the dispatch loop.
func (e *SimExecutor) Execute(ctx context.Context, t *model.Task) Outcome {
	wait, err := waitParam(t.Params)
	if err != nil {
		return Failed(err.Error())
	}

	delay := time.Duration(abs(wait)) * time.Second
	workers := t.Concurrency
	if workers < 1 {
		workers = 1
	}

	points := make([]*model.MetricPoint, workers)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := range workers {
		g.Go(func() error {
			start := time.Now().UTC()
			if err := sleepCtx(gctx, delay); err != nil {
				return err
			}
			points[i] = e.observe(t.ID, start, wait)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Failed(fmt.Sprintf("execution interrupted: %v", err))
	}

	if err := e.store.InsertMetrics(ctx, points); err != nil {
		e.logger.Error("record execution metrics", "task_id", t.ID, "error", err)
	}

	if wait >= 0 {
		return Outcome{
			Status: model.StatusSucceeded,
			Result: fmt.Sprintf("completed after waiting %d seconds", wait),
		}
	}
	return Outcome{
		Status: model.StatusFailed,
		Result: fmt.Sprintf("failed after waiting %d seconds", abs(wait)),
		Error:  fmt.Sprintf("failed after waiting %d seconds", abs(wait)),
	}
}

// observe builds the metric point for one finished sub-run.
func (e *SimExecutor) observe(taskID string, start time.Time, wait int) *model.MetricPoint {
	latency := int(time.Since(start).Milliseconds())
	p := &model.MetricPoint{
		TaskID:    taskID,
		TS:        time.Now().UTC(),
		LatencyMS: &latency,
	}
	status := 200
	if wait < 0 {
		status = 500
		p.Error = "simulated request failure"
	}
	p.HTTPStatus = &status
	return p
}

// waitParam extracts the integer "wait" parameter, defaulting to 1 when
// absent. JSON decoding hands us float64 for numbers; strings are accepted
// for convenience.
func waitParam(params map[string]any) (int, error) {
	v, ok := params["wait"]
	if !ok {
		return 1, nil
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case float64:
		return int(n), nil
	case string:
		w, err := strconv.Atoi(n)
		if err != nil {
			return 0, fmt.Errorf("invalid wait parameter %q: %v", n, err)
		}
		return w, nil
	default:
		return 0, fmt.Errorf("invalid wait parameter of type %T", v)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
