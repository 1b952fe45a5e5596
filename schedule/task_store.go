package schedule

import (
	"database/sql"
	"time"

	"github.com/timelinehq/timeline/errors"
)

// TaskStore handles persistence of task records.
//
// Tasks are append-only history: there is no delete path. Terminal
// transitions are compare-and-swap updates conditioned on the row still
// being SCHEDULED, which is the sole concurrency-control mechanism needed
// under the queue's at-least-once delivery.
type TaskStore struct {
	db *sql.DB
}

// NewTaskStore creates a new task store
func NewTaskStore(db *sql.DB) *TaskStore {
	return &TaskStore{db: db}
}

// CreateTask inserts a task record. Used both for SCHEDULED placeholders
// and for the first run's directly-terminal task.
func (s *TaskStore) CreateTask(t *Task) error {
	query := `
		INSERT INTO tasks (
			task_id, workflow_id, owner_id, status, scheduled_run_at,
			created_at, completed_at, result, query_analysis,
			search_results, agent_execution_times
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.Exec(query,
		t.TaskID,
		t.WorkflowID,
		t.OwnerID,
		string(t.Status),
		t.ScheduledRunAt.UTC().Format(time.RFC3339),
		t.CreatedAt.UTC().Format(time.RFC3339),
		optionalTime(t.CompletedAt),
		optionalString(t.Result),
		optionalString(t.QueryAnalysis),
		optionalString(t.SearchResults),
		optionalString(t.AgentExecutionTimes),
	)

	if err != nil {
		return errors.Wrapf(err, "failed to create task %s", t.TaskID)
	}

	return nil
}

// GetTask retrieves a task by id, scoped to its workflow.
func (s *TaskStore) GetTask(ownerID, workflowID, taskID string) (*Task, error) {
	query := `
		SELECT task_id, workflow_id, owner_id, status, scheduled_run_at,
		       created_at, completed_at, result, query_analysis,
		       search_results, agent_execution_times
		FROM tasks
		WHERE owner_id = ? AND workflow_id = ? AND task_id = ?
	`

	row := s.db.QueryRow(query, ownerID, workflowID, taskID)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.NewNotFoundError("task %s", taskID)
		}
		return nil, errors.Wrapf(err, "failed to get task %s", taskID)
	}
	return t, nil
}

// ListTasksByWorkflow returns the execution history of a workflow,
// newest first.
func (s *TaskStore) ListTasksByWorkflow(ownerID, workflowID string, limit int) ([]*Task, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT task_id, workflow_id, owner_id, status, scheduled_run_at,
		       created_at, completed_at, result, query_analysis,
		       search_results, agent_execution_times
		FROM tasks
		WHERE owner_id = ? AND workflow_id = ?
		ORDER BY created_at DESC, task_id DESC
		LIMIT ?
	`

	rows, err := s.db.Query(query, ownerID, workflowID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list tasks")
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan task")
		}
		tasks = append(tasks, t)
	}

	return tasks, rows.Err()
}

// CompleteScheduled transitions a SCHEDULED task to COMPLETED and fills in
// the pipeline outputs. The update is a compare-and-swap on status: a
// duplicate delivery that finds the task already terminal gets false back
// and must not re-run the pipeline or schedule a second successor.
func (s *TaskStore) CompleteScheduled(ownerID, workflowID, taskID string, completedAt time.Time, out TaskOutputs) (bool, error) {
	query := `
		UPDATE tasks
		SET status = ?,
		    completed_at = ?,
		    result = ?,
		    query_analysis = ?,
		    search_results = ?,
		    agent_execution_times = ?
		WHERE owner_id = ? AND workflow_id = ? AND task_id = ?
		  AND status = ?
	`

	result, err := s.db.Exec(query,
		string(TaskStatusCompleted),
		completedAt.UTC().Format(time.RFC3339),
		out.Result,
		out.QueryAnalysis,
		out.SearchResults,
		out.AgentExecutionTimes,
		ownerID,
		workflowID,
		taskID,
		string(TaskStatusScheduled),
	)
	if err != nil {
		return false, errors.Wrapf(err, "failed to complete task %s", taskID)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to get rows affected")
	}

	return rows > 0, nil
}

// FailScheduled transitions a SCHEDULED task to FAILED, recording the
// failure message as its result. Same compare-and-swap semantics as
// CompleteScheduled.
func (s *TaskStore) FailScheduled(ownerID, workflowID, taskID, message string, completedAt time.Time) (bool, error) {
	query := `
		UPDATE tasks
		SET status = ?,
		    result = ?,
		    completed_at = ?
		WHERE owner_id = ? AND workflow_id = ? AND task_id = ?
		  AND status = ?
	`

	result, err := s.db.Exec(query,
		string(TaskStatusFailed),
		message,
		completedAt.UTC().Format(time.RFC3339),
		ownerID,
		workflowID,
		taskID,
		string(TaskStatusScheduled),
	)
	if err != nil {
		return false, errors.Wrapf(err, "failed to mark task %s failed", taskID)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to get rows affected")
	}

	return rows > 0, nil
}

func scanTask(row scanner) (*Task, error) {
	var t Task
	var status, scheduledRunAt, createdAt string
	var completedAt, result, queryAnalysis, searchResults, agentTimes sql.NullString

	err := row.Scan(
		&t.TaskID,
		&t.WorkflowID,
		&t.OwnerID,
		&status,
		&scheduledRunAt,
		&createdAt,
		&completedAt,
		&result,
		&queryAnalysis,
		&searchResults,
		&agentTimes,
	)
	if err != nil {
		return nil, err
	}

	t.Status = TaskStatus(status)

	t.ScheduledRunAt, err = time.Parse(time.RFC3339, scheduledRunAt)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse scheduled_run_at for task %s", t.TaskID)
	}

	t.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse created_at for task %s", t.TaskID)
	}

	if completedAt.Valid {
		ct, err := time.Parse(time.RFC3339, completedAt.String)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse completed_at for task %s", t.TaskID)
		}
		t.CompletedAt = &ct
	}
	if result.Valid {
		t.Result = &result.String
	}
	if queryAnalysis.Valid {
		t.QueryAnalysis = &queryAnalysis.String
	}
	if searchResults.Valid {
		t.SearchResults = &searchResults.String
	}
	if agentTimes.Valid {
		t.AgentExecutionTimes = &agentTimes.String
	}

	return &t, nil
}
