package model

import (
	"errors"
	"sort"
	"time"
)

// Task status constants.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusCanceled  = "canceled"
)

// Status transition events.
const (
	EventClaim   = "claim"
	EventSucceed = "succeed"
	EventFail    = "fail"
	EventCancel  = "cancel"
	EventRestart = "restart"
)

// ErrInvalidTransition is returned when a task status transition is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// transitions maps each event to the statuses it may be applied from and the
// resulting status. Restart is the only way back into the queue; it is legal
// from any terminal status, and from queued as an idempotent timeline reset.
var transitions = map[string]map[string]string{
	EventClaim: {
		StatusQueued: StatusRunning,
	},
	EventSucceed: {
		StatusRunning: StatusSucceeded,
	},
	EventFail: {
		StatusRunning: StatusFailed,
	},
	EventCancel: {
		StatusQueued:  StatusCanceled,
		StatusRunning: StatusCanceled,
	},
	EventRestart: {
		StatusQueued:    StatusQueued,
		StatusSucceeded: StatusQueued,
		StatusFailed:    StatusQueued,
		StatusCanceled:  StatusQueued,
	},
}

// EventSources returns the statuses an event may legally be applied from,
// sorted so SQL guards built from it stay deterministic. The store's
// conditional updates derive their status lists here, keeping the transition
// table the single source of truth. Unknown events have no sources.
func EventSources(event string) []string {
	sources := make([]string, 0, len(transitions[event]))
	for from := range transitions[event] {
		sources = append(sources, from)
	}
	sort.Strings(sources)
	return sources
}

// ValidTransition reports whether moving directly from one status to another
// is allowed by some event.
func ValidTransition(from, to string) bool {
	for _, targets := range transitions {
		if next, ok := targets[from]; ok && next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether a status is terminal.
func Terminal(status string) bool {
	switch status {
	case StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// KnownStatus reports whether s is one of the defined task statuses.
func KnownStatus(s string) bool {
	switch s {
	case StatusQueued, StatusRunning, StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// Task represents a unit of benchmarking work submitted by a user. A task and
// its current run share one record: restarting clears the previous timeline,
// result, and error.
type Task struct {
	ID          string         `json:"id"`
	OwnerID     string         `json:"owner_id"`
	Name        string         `json:"name"`
	Model       string         `json:"model"`
	Route       string         `json:"route"`
	Dataset     string         `json:"dataset"`
	Params      map[string]any `json:"params"`
	Concurrency int            `json:"concurrency"`
	DurationSec int            `json:"duration_sec"`
	Tags        []string       `json:"tags"`
	Status      string         `json:"status"`
	Result      string         `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	FinishedAt  *time.Time     `json:"finished_at,omitempty"`
}
