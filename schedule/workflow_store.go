package schedule

import (
	"database/sql"
	"time"

	"github.com/timelinehq/timeline/errors"
)

// WorkflowStore handles persistence of workflow records
type WorkflowStore struct {
	db *sql.DB
}

// NewWorkflowStore creates a new workflow store
func NewWorkflowStore(db *sql.DB) *WorkflowStore {
	return &WorkflowStore{db: db}
}

// CreateWorkflow creates a new workflow record
func (s *WorkflowStore) CreateWorkflow(w *Workflow) error {
	query := `
		INSERT INTO workflows (
			id, owner_id, query, start_time_utc, interval_seconds, active,
			last_run_at_utc, last_result, next_run_at_utc, next_run_id,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	now := time.Now().UTC()
	if w.CreatedAt.IsZero() {
		w.CreatedAt = now
	}
	w.UpdatedAt = now

	_, err := s.db.Exec(query,
		w.ID,
		w.OwnerID,
		w.Query,
		w.StartTimeUTC.UTC().Format(time.RFC3339),
		w.IntervalSeconds,
		boolToInt(w.Active),
		optionalTime(w.LastRunAtUTC),
		optionalString(w.LastResult),
		optionalTime(w.NextRunAtUTC),
		optionalString(w.NextRunID),
		w.CreatedAt.Format(time.RFC3339),
		w.UpdatedAt.Format(time.RFC3339),
	)

	if err != nil {
		return errors.Wrap(err, "failed to create workflow")
	}

	return nil
}

// GetWorkflow retrieves a workflow by (ownerID, workflowID)
func (s *WorkflowStore) GetWorkflow(ownerID, workflowID string) (*Workflow, error) {
	query := `
		SELECT id, owner_id, query, start_time_utc, interval_seconds, active,
		       last_run_at_utc, last_result, next_run_at_utc, next_run_id,
		       created_at, updated_at
		FROM workflows
		WHERE owner_id = ? AND id = ?
	`

	row := s.db.QueryRow(query, ownerID, workflowID)
	w, err := scanWorkflow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.Wrapf(errors.ErrWorkflowNotFound, "%s", workflowID)
		}
		return nil, errors.Wrapf(err, "failed to get workflow %s", workflowID)
	}
	return w, nil
}

// ListWorkflows returns all workflows for an owner, newest first.
func (s *WorkflowStore) ListWorkflows(ownerID string, limit int) ([]*Workflow, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, owner_id, query, start_time_utc, interval_seconds, active,
		       last_run_at_utc, last_result, next_run_at_utc, next_run_id,
		       created_at, updated_at
		FROM workflows
		WHERE owner_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`

	rows, err := s.db.Query(query, ownerID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list workflows")
	}
	defer rows.Close()

	var workflows []*Workflow
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan workflow")
		}
		workflows = append(workflows, w)
	}

	return workflows, rows.Err()
}

// SetActive flips the active flag of a workflow. Deactivation takes effect
// at the next reschedule decision point; it never aborts a run in progress.
func (s *WorkflowStore) SetActive(ownerID, workflowID string, active bool) error {
	query := `
		UPDATE workflows
		SET active = ?,
		    updated_at = ?
		WHERE owner_id = ? AND id = ?
	`

	result, err := s.db.Exec(query, boolToInt(active), time.Now().UTC().Format(time.RFC3339), ownerID, workflowID)
	if err != nil {
		return errors.Wrap(err, "failed to update workflow active flag")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}

	if rows == 0 {
		return errors.Wrapf(errors.ErrWorkflowNotFound, "%s", workflowID)
	}

	return nil
}

// SetNextRun points the workflow at a freshly scheduled invocation. Used
// when re-arming a stopped chain (reactivation after a failure), not by the
// runner's normal reschedule path.
func (s *WorkflowStore) SetNextRun(ownerID, workflowID string, nextRunAt time.Time, nextRunID string) error {
	query := `
		UPDATE workflows
		SET next_run_at_utc = ?,
		    next_run_id = ?,
		    updated_at = ?
		WHERE owner_id = ? AND id = ?
	`

	result, err := s.db.Exec(query,
		nextRunAt.UTC().Format(time.RFC3339),
		nextRunID,
		time.Now().UTC().Format(time.RFC3339),
		ownerID,
		workflowID,
	)
	if err != nil {
		return errors.Wrap(err, "failed to set next run")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}

	if rows == 0 {
		return errors.Wrapf(errors.ErrWorkflowNotFound, "%s", workflowID)
	}

	return nil
}

// UpdateAfterRun records the outcome of a completed run on the workflow:
// last result, last run instant, and the successor pointers (nil when the
// workflow is inactive or no successor was scheduled).
//
// The update is conditional on last_run_at_utc not having advanced to or
// past runAt. Under at-least-once delivery a duplicate invocation may race
// the original; the loser of this guard must treat the run as already
// recorded and not double-advance the schedule. Returns false when the
// guard rejected the write.
func (s *WorkflowStore) UpdateAfterRun(ownerID, workflowID, lastResult string, runAt time.Time, nextRunAt *time.Time, nextRunID *string) (bool, error) {
	query := `
		UPDATE workflows
		SET last_result = ?,
		    last_run_at_utc = ?,
		    next_run_at_utc = ?,
		    next_run_id = ?,
		    updated_at = ?
		WHERE owner_id = ? AND id = ?
		  AND (last_run_at_utc IS NULL OR last_run_at_utc < ?)
	`

	runAtStr := runAt.UTC().Format(time.RFC3339)
	result, err := s.db.Exec(query,
		lastResult,
		runAtStr,
		optionalTime(nextRunAt),
		optionalString(nextRunID),
		time.Now().UTC().Format(time.RFC3339),
		ownerID,
		workflowID,
		runAtStr,
	)
	if err != nil {
		return false, errors.Wrap(err, "failed to update workflow after run")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to get rows affected")
	}

	return rows > 0, nil
}

// scanner abstracts *sql.Row and *sql.Rows for shared scan logic
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanWorkflow(row scanner) (*Workflow, error) {
	var w Workflow
	var startTime, createdAt, updatedAt string
	var active int
	var lastRunAt, lastResult, nextRunAt, nextRunID sql.NullString

	err := row.Scan(
		&w.ID,
		&w.OwnerID,
		&w.Query,
		&startTime,
		&w.IntervalSeconds,
		&active,
		&lastRunAt,
		&lastResult,
		&nextRunAt,
		&nextRunID,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	w.Active = active != 0

	// Parse timestamps (return error if parsing fails - indicates data corruption or schema mismatch)
	w.StartTimeUTC, err = time.Parse(time.RFC3339, startTime)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse start_time_utc for workflow %s", w.ID)
	}

	w.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse created_at for workflow %s", w.ID)
	}

	w.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse updated_at for workflow %s", w.ID)
	}

	if lastRunAt.Valid {
		t, err := time.Parse(time.RFC3339, lastRunAt.String)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse last_run_at_utc for workflow %s", w.ID)
		}
		w.LastRunAtUTC = &t
	}
	if nextRunAt.Valid {
		t, err := time.Parse(time.RFC3339, nextRunAt.String)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse next_run_at_utc for workflow %s", w.ID)
		}
		w.NextRunAtUTC = &t
	}
	if lastResult.Valid {
		w.LastResult = &lastResult.String
	}
	if nextRunID.Valid {
		w.NextRunID = &nextRunID.String
	}

	return &w, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func optionalTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func optionalString(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}
