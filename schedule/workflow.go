// Package schedule implements the self-perpetuating workflow scheduler.
//
// A Workflow is a recurring analysis job. Each execution of a workflow is
// recorded as a Task, and each successful execution registers its own
// successor invocation with the delay queue. There is no external cron: the
// chain of invocations keeps itself alive for as long as the workflow is
// active and the pipeline keeps succeeding.
package schedule

import "time"

// Workflow represents a recurring analysis job owned by a user.
//
// StartTimeUTC is the anchor instant: all runs stay phase-aligned to it
// regardless of execution jitter. NextRunID points at the pending successor
// task and is set only at the end of a run that scheduled one.
type Workflow struct {
	ID              string     `json:"id"`
	OwnerID         string     `json:"owner_id"`
	Query           string     `json:"query"`
	StartTimeUTC    time.Time  `json:"start_time_utc"`
	IntervalSeconds int        `json:"interval_seconds"`
	Active          bool       `json:"active"`
	LastRunAtUTC    *time.Time `json:"last_run_at_utc,omitempty"`
	LastResult      *string    `json:"last_result,omitempty"`
	NextRunAtUTC    *time.Time `json:"next_run_at_utc,omitempty"`
	NextRunID       *string    `json:"next_run_id,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// HasRun reports whether the workflow has completed at least one run.
// The first-run branch of the runner keys off this: a workflow that has
// never produced a result has no placeholder task to update.
func (w *Workflow) HasRun() bool {
	return w.LastResult != nil
}
