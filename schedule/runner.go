package schedule

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/timelinehq/timeline/errors"
	"github.com/timelinehq/timeline/pipeline"
)

// RunStatus classifies the outcome of one invocation.
type RunStatus string

const (
	RunOK                   RunStatus = "ok"
	RunMissingParameters    RunStatus = "missing_parameters"
	RunWorkflowNotFound     RunStatus = "workflow_not_found"
	RunAgentExecutionFailed RunStatus = "agent_execution_failed"
	RunValidationError      RunStatus = "validation_error"
	RunInternalError        RunStatus = "internal_error"
)

// RunOutcome is the sole externally observable result of an invocation.
// The runner never lets a pipeline or store failure escape past this
// boundary: every path returns a classified outcome.
type RunOutcome struct {
	Status          RunStatus `json:"status"`
	Message         string    `json:"message,omitempty"`
	OwnerID         string    `json:"owner_id,omitempty"`
	WorkflowID      string    `json:"workflow_id,omitempty"`
	CompletedTaskID string    `json:"completed_task_id,omitempty"`
	NextTaskID      string    `json:"next_task_id,omitempty"`
}

// Pipeline is the opaque analysis pipeline consumed by the runner.
type Pipeline interface {
	Execute(ctx context.Context, query string, start, end time.Time) (*pipeline.Outcome, error)
}

// Registrar schedules a future invocation with the task queue. Delivery is
// at-least-once and never before the requested instant.
type Registrar interface {
	Schedule(ctx context.Context, ownerID, workflowID string, at time.Time) (string, error)
}

// Runner executes one workflow invocation end to end: resolve the window,
// run the pipeline, persist the task outcome, and register the successor.
//
// All collaborators are injected so tests can substitute fakes for the
// pipeline and the queue while exercising the real stores.
type Runner struct {
	workflows *WorkflowStore
	tasks     *TaskStore
	pipeline  Pipeline
	registrar Registrar
	lookback  time.Duration
	clock     func() time.Time
	logger    *zap.SugaredLogger
}

// RunnerConfig carries runner tunables.
type RunnerConfig struct {
	Lookback time.Duration // first-run fallback window (default: DefaultLookback)
}

// NewRunner creates a runner over the given stores, pipeline, and queue.
func NewRunner(workflows *WorkflowStore, tasks *TaskStore, p Pipeline, registrar Registrar, cfg RunnerConfig, logger *zap.SugaredLogger) *Runner {
	if cfg.Lookback <= 0 {
		cfg.Lookback = DefaultLookback
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Runner{
		workflows: workflows,
		tasks:     tasks,
		pipeline:  p,
		registrar: registrar,
		lookback:  cfg.Lookback,
		clock:     time.Now,
		logger:    logger,
	}
}

// OnInvocation handles one queue delivery for (ownerID, workflowID).
// invocationID identifies the SCHEDULED placeholder task for this run; it is
// present on every run, but only runs after the first have a placeholder.
//
// Persistence ordering on success: task outcome first, then successor
// placeholder, then workflow pointers. A crash in between leaves the task
// recorded and the workflow pointer stale; a redelivery converges via the
// compare-and-swap guards instead of compounding the inconsistency.
func (r *Runner) OnInvocation(ctx context.Context, ownerID, workflowID, invocationID string) (outcome RunOutcome) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Errorw("Panic during invocation",
				"owner_id", ownerID,
				"workflow_id", workflowID,
				"invocation_id", invocationID,
				"panic", rec)
			outcome = RunOutcome{
				Status:     RunInternalError,
				Message:    "unexpected failure during invocation",
				OwnerID:    ownerID,
				WorkflowID: workflowID,
			}
		}
	}()

	if ownerID == "" || workflowID == "" {
		r.logger.Errorw("Missing required parameters", "owner_id", ownerID, "workflow_id", workflowID)
		return RunOutcome{
			Status:     RunMissingParameters,
			Message:    errors.ErrMissingParameters.Error(),
			OwnerID:    ownerID,
			WorkflowID: workflowID,
		}
	}

	workflow, err := r.workflows.GetWorkflow(ownerID, workflowID)
	if err != nil {
		if errors.IsNotFoundError(err) {
			// The workflow was deleted between scheduling and firing; the
			// chain terminates naturally since no successor exists.
			r.logger.Warnw("Workflow not found", "workflow_id", workflowID, "owner_id", ownerID)
			return RunOutcome{
				Status:     RunWorkflowNotFound,
				Message:    "workflow not found: " + workflowID,
				OwnerID:    ownerID,
				WorkflowID: workflowID,
			}
		}
		return r.internalError(ownerID, workflowID, errors.Wrap(err, "failed to load workflow"))
	}

	if workflow.IntervalSeconds <= 0 {
		r.logger.Errorw("Invalid workflow interval",
			"workflow_id", workflowID,
			"interval_seconds", workflow.IntervalSeconds)
		return RunOutcome{
			Status:     RunValidationError,
			Message:    errors.ErrInvalidInterval.Error(),
			OwnerID:    ownerID,
			WorkflowID: workflowID,
		}
	}

	// Duplicate delivery: if this invocation's task already reached a
	// terminal state, an earlier delivery won. Touch nothing.
	if invocationID != "" {
		existing, err := r.tasks.GetTask(ownerID, workflowID, invocationID)
		if err != nil && !errors.IsNotFoundError(err) {
			return r.internalError(ownerID, workflowID, errors.Wrap(err, "failed to check task state"))
		}
		if existing != nil && existing.Status.Terminal() {
			r.logger.Infow("Duplicate delivery for terminal task, skipping",
				"task_id", invocationID,
				"status", existing.Status)
			return RunOutcome{
				Status:          RunOK,
				Message:         "task already " + strings.ToLower(string(existing.Status)),
				OwnerID:         ownerID,
				WorkflowID:      workflowID,
				CompletedTaskID: invocationID,
			}
		}
	}

	now := r.clock().UTC()
	windowStart, windowEnd := ResolveWindow(workflow, now, r.lookback)
	r.logger.Infow("Running workflow",
		"workflow_id", workflowID,
		"query", workflow.Query,
		"window_start", windowStart.Format(time.RFC3339),
		"window_end", windowEnd.Format(time.RFC3339))

	result, err := r.pipeline.Execute(ctx, workflow.Query, windowStart, windowEnd)
	if err != nil {
		return r.recordFailure(workflow, invocationID, now, err)
	}

	completedTaskID, duplicate, err := r.recordCompleted(workflow, invocationID, now, result)
	if err != nil {
		return r.internalError(ownerID, workflowID, err)
	}
	if duplicate {
		return RunOutcome{
			Status:          RunOK,
			Message:         "run already recorded by a concurrent delivery",
			OwnerID:         ownerID,
			WorkflowID:      workflowID,
			CompletedTaskID: completedTaskID,
		}
	}

	nextRunAt, err := NextRun(workflow.StartTimeUTC, workflow.IntervalSeconds, now)
	if err != nil {
		// Interval was validated above; reaching this is a programming error.
		return r.internalError(ownerID, workflowID, err)
	}

	var nextTaskID string
	var nextRunAtPtr *time.Time
	var nextTaskIDPtr *string

	if workflow.Active {
		nextTaskID, err = r.scheduleSuccessor(ctx, workflow, nextRunAt, now)
		if err != nil {
			return r.internalError(ownerID, workflowID, err)
		}
		nextRunAtPtr = &nextRunAt
		nextTaskIDPtr = &nextTaskID
		r.logger.Infow("Scheduled next run",
			"workflow_id", workflowID,
			"next_task_id", nextTaskID,
			"next_run_at", nextRunAt.Format(time.RFC3339))
	} else {
		r.logger.Infow("Workflow inactive, not scheduling next run", "workflow_id", workflowID)
	}

	updated, err := r.workflows.UpdateAfterRun(ownerID, workflowID, result.Answer, now, nextRunAtPtr, nextTaskIDPtr)
	if err != nil {
		return r.internalError(ownerID, workflowID, errors.Wrap(err, "failed to update workflow after run"))
	}
	if !updated {
		// A concurrent delivery advanced the workflow first. Its successor
		// stands; ours was never recorded on the workflow.
		r.logger.Warnw("Workflow already advanced past this run", "workflow_id", workflowID)
	}

	r.logger.Infow("Workflow run complete",
		"workflow_id", workflowID,
		"completed_task_id", completedTaskID,
		"next_task_id", nextTaskID)

	return RunOutcome{
		Status:          RunOK,
		OwnerID:         ownerID,
		WorkflowID:      workflowID,
		CompletedTaskID: completedTaskID,
		NextTaskID:      nextTaskID,
	}
}

// recordFailure marks the in-flight task FAILED and stops the chain: no
// successor is registered. A broken pipeline must not generate an unbounded
// sequence of silently failing future tasks; a human re-activates the
// workflow to resume.
func (r *Runner) recordFailure(w *Workflow, invocationID string, now time.Time, pipelineErr error) RunOutcome {
	message := "Agent workflow failed: " + pipelineErr.Error()

	var stageErr *pipeline.StageError
	stage := ""
	if errors.As(pipelineErr, &stageErr) {
		stage = stageErr.Stage
	}

	r.logger.Errorw("Pipeline execution failed",
		"workflow_id", w.ID,
		"stage", stage,
		"error", pipelineErr)

	if invocationID != "" && w.HasRun() {
		// Subsequent run: the placeholder becomes the permanent audit
		// marker that the chain stopped. The workflow record is left
		// untouched; next_run_id keeps pointing at this FAILED task.
		if _, err := r.tasks.FailScheduled(w.OwnerID, w.ID, invocationID, message, now); err != nil {
			return r.internalError(w.OwnerID, w.ID, err)
		}
	} else if invocationID != "" {
		// First run: no placeholder exists, so record the failure directly
		// to keep the history append-only and auditable.
		task := &Task{
			TaskID:         invocationID,
			WorkflowID:     w.ID,
			OwnerID:        w.OwnerID,
			Status:         TaskStatusFailed,
			ScheduledRunAt: now,
			CreatedAt:      now,
			CompletedAt:    &now,
			Result:         &message,
		}
		if err := r.tasks.CreateTask(task); err != nil && !isUniqueConstraint(err) {
			return r.internalError(w.OwnerID, w.ID, err)
		}
	}

	return RunOutcome{
		Status:     RunAgentExecutionFailed,
		Message:    message,
		OwnerID:    w.OwnerID,
		WorkflowID: w.ID,
	}
}

// recordCompleted persists the finished run. First run creates the task
// directly in COMPLETED state; subsequent runs flip the SCHEDULED
// placeholder via compare-and-swap. duplicate reports that another
// delivery already recorded this run.
func (r *Runner) recordCompleted(w *Workflow, invocationID string, now time.Time, result *pipeline.Outcome) (taskID string, duplicate bool, err error) {
	analysisJSON, err := pipeline.MarshalJSONField(result.QueryAnalysis)
	if err != nil {
		return "", false, err
	}
	resultsJSON, err := pipeline.MarshalJSONField(result.SearchResults)
	if err != nil {
		return "", false, err
	}
	timingsJSON, err := pipeline.MarshalJSONField(result.Timings)
	if err != nil {
		return "", false, err
	}

	outputs := TaskOutputs{
		Result:              result.Answer,
		QueryAnalysis:       analysisJSON,
		SearchResults:       resultsJSON,
		AgentExecutionTimes: timingsJSON,
	}

	if !w.HasRun() {
		task := &Task{
			TaskID:              invocationID,
			WorkflowID:          w.ID,
			OwnerID:             w.OwnerID,
			Status:              TaskStatusCompleted,
			ScheduledRunAt:      now,
			CreatedAt:           now,
			CompletedAt:         &now,
			Result:              &outputs.Result,
			QueryAnalysis:       &outputs.QueryAnalysis,
			SearchResults:       &outputs.SearchResults,
			AgentExecutionTimes: &outputs.AgentExecutionTimes,
		}
		if err := r.tasks.CreateTask(task); err != nil {
			if isUniqueConstraint(err) {
				return invocationID, true, nil
			}
			return "", false, errors.Wrap(err, "failed to create first task")
		}
		r.logger.Infow("Created first task", "task_id", invocationID, "workflow_id", w.ID)
		return invocationID, false, nil
	}

	updated, err := r.tasks.CompleteScheduled(w.OwnerID, w.ID, invocationID, now, outputs)
	if err != nil {
		return "", false, errors.Wrap(err, "failed to complete task")
	}
	if !updated {
		return invocationID, true, nil
	}
	r.logger.Infow("Updated task", "task_id", invocationID, "workflow_id", w.ID)
	return invocationID, false, nil
}

// scheduleSuccessor registers the next invocation with the queue and writes
// its SCHEDULED placeholder task.
func (r *Runner) scheduleSuccessor(ctx context.Context, w *Workflow, nextRunAt, now time.Time) (string, error) {
	nextTaskID, err := r.registrar.Schedule(ctx, w.OwnerID, w.ID, nextRunAt)
	if err != nil {
		return "", errors.Wrap(err, "failed to register successor invocation")
	}

	placeholder := &Task{
		TaskID:         nextTaskID,
		WorkflowID:     w.ID,
		OwnerID:        w.OwnerID,
		Status:         TaskStatusScheduled,
		ScheduledRunAt: nextRunAt,
		CreatedAt:      now,
	}
	if err := r.tasks.CreateTask(placeholder); err != nil {
		return "", errors.Wrap(err, "failed to create placeholder task")
	}

	return nextTaskID, nil
}

func (r *Runner) internalError(ownerID, workflowID string, err error) RunOutcome {
	r.logger.Errorw("Internal error during invocation",
		"owner_id", ownerID,
		"workflow_id", workflowID,
		"error", err)
	return RunOutcome{
		Status:     RunInternalError,
		Message:    err.Error(),
		OwnerID:    ownerID,
		WorkflowID: workflowID,
	}
}

func isUniqueConstraint(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
