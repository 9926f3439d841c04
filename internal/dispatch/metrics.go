package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	tasksClaimed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "crucible_tasks_claimed_total",
			Help: "Total number of tasks claimed by the dispatcher",
		},
	)
	tasksFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crucible_tasks_finished_total",
			Help: "Total number of tasks finalized by the dispatcher, by terminal status",
		},
		[]string{"status"},
	)
	executionSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "crucible_task_execution_seconds",
			Help:    "Task execution duration in seconds",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
	)
)
