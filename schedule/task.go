package schedule

import "time"

// TaskStatus represents the current state of a task
type TaskStatus string

const (
	// TaskStatusScheduled marks a placeholder for a future run. Created at
	// the moment the invocation is registered with the queue.
	TaskStatusScheduled TaskStatus = "SCHEDULED"
	// TaskStatusCompleted marks a run that finished successfully.
	TaskStatusCompleted TaskStatus = "COMPLETED"
	// TaskStatusFailed marks a run whose pipeline failed. A FAILED task is
	// the permanent audit marker that the chain stopped there.
	TaskStatusFailed TaskStatus = "FAILED"
)

// IsValidTaskStatus returns true if the status string is a valid TaskStatus
func IsValidTaskStatus(s string) bool {
	switch TaskStatus(s) {
	case TaskStatusScheduled, TaskStatusCompleted, TaskStatusFailed:
		return true
	default:
		return false
	}
}

// Terminal reports whether the status admits no further transitions.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// Task represents one execution attempt of a workflow, keyed by the
// invocation identifier assigned by the queue.
//
// A task is created either as a SCHEDULED placeholder when its invocation is
// registered, or directly in a terminal state for the very first run of a
// workflow (nothing scheduled that one, so no placeholder exists). It
// transitions SCHEDULED -> COMPLETED or SCHEDULED -> FAILED exactly once and
// is retained indefinitely as history.
type Task struct {
	TaskID         string     `json:"task_id"`
	WorkflowID     string     `json:"workflow_id"`
	OwnerID        string     `json:"owner_id"`
	Status         TaskStatus `json:"status"`
	ScheduledRunAt time.Time  `json:"scheduled_run_at"`
	CreatedAt      time.Time  `json:"created_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`

	// Populated once COMPLETED. On FAILED, Result carries the error message.
	Result              *string `json:"result,omitempty"`
	QueryAnalysis       *string `json:"query_analysis,omitempty"`
	SearchResults       *string `json:"search_results,omitempty"`
	AgentExecutionTimes *string `json:"agent_execution_times,omitempty"`
}

// TaskOutputs holds the pipeline outputs recorded on a completed task.
// JSON-encoded fields are stored as-is; the scheduler never inspects them.
type TaskOutputs struct {
	Result              string
	QueryAnalysis       string
	SearchResults       string
	AgentExecutionTimes string
}
