package schedule

import (
	"time"

	"github.com/timelinehq/timeline/errors"
)

// DefaultLookback is the search window used for a first run whose anchor
// lies in the future: there is no previous run and no elapsed backlog, so
// the run covers a fixed trailing period instead.
const DefaultLookback = 7 * 24 * time.Hour

// NextRun computes the smallest instant t = anchor + k*interval (k >= 0)
// that is strictly after from.
//
// Successor runs stay phase-aligned to the anchor regardless of execution
// jitter, and a late invocation computes its successor relative to the
// actual current time rather than the missed ideal slot, so the schedule
// self-corrects without a burst of catch-up executions.
func NextRun(anchor time.Time, intervalSeconds int, from time.Time) (time.Time, error) {
	if intervalSeconds <= 0 {
		return time.Time{}, errors.Wrapf(errors.ErrInvalidInterval, "got %d", intervalSeconds)
	}

	if anchor.After(from) {
		// k = 0: the anchor itself is still in the future
		return anchor, nil
	}

	interval := time.Duration(intervalSeconds) * time.Second
	elapsed := from.Sub(anchor)
	k := elapsed/interval + 1
	return anchor.Add(k * interval), nil
}

// ResolveWindow determines the retrieval window [start, now] for one run.
//
// Policy, in order:
//  1. A previous run exists: start there, so consecutive windows tile the
//     timeline with no gap and no overlap.
//  2. First run with the anchor in the past: cover the whole backlog since
//     workflow creation.
//  3. First run with the anchor in the future: fall back to a fixed
//     trailing lookback so the window is never empty or inverted.
func ResolveWindow(w *Workflow, now time.Time, lookback time.Duration) (start, end time.Time) {
	if lookback <= 0 {
		lookback = DefaultLookback
	}

	if w.LastRunAtUTC != nil {
		return *w.LastRunAtUTC, now
	}

	if w.StartTimeUTC.Before(now) {
		return w.StartTimeUTC, now
	}

	return now.Add(-lookback), now
}
