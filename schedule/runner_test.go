package schedule

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	timelinetesting "github.com/timelinehq/timeline/internal/testing"
	"github.com/timelinehq/timeline/pipeline"
)

// fakePipeline records windows and returns a canned outcome or error.
type fakePipeline struct {
	err    error
	calls  int
	query  string
	starts []time.Time
	ends   []time.Time
}

func (f *fakePipeline) Execute(ctx context.Context, query string, start, end time.Time) (*pipeline.Outcome, error) {
	f.calls++
	f.query = query
	f.starts = append(f.starts, start)
	f.ends = append(f.ends, end)
	if f.err != nil {
		return nil, f.err
	}
	return &pipeline.Outcome{
		Answer: "synthesized answer",
		QueryAnalysis: pipeline.QueryAnalysis{
			Intent:      "test intent",
			SearchQuery: query,
		},
		SearchResults: pipeline.SearchResults{NumResults: 2},
		Timings:       pipeline.StageTimings{pipeline.TotalKey: 1.0},
	}, nil
}

// fakeRegistrar mints sequential ids and records requested delivery times.
type fakeRegistrar struct {
	err   error
	calls int
	ats   []time.Time
}

func (f *fakeRegistrar) Schedule(ctx context.Context, ownerID, workflowID string, at time.Time) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.calls++
	f.ats = append(f.ats, at)
	return fmt.Sprintf("successor-%d", f.calls), nil
}

type runnerFixture struct {
	db        *sql.DB
	workflows *WorkflowStore
	tasks     *TaskStore
	pipe      *fakePipeline
	registrar *fakeRegistrar
	runner    *Runner
	now       time.Time
}

func newRunnerFixture(t *testing.T) *runnerFixture {
	db := timelinetesting.CreateTestDB(t)
	f := &runnerFixture{
		db:        db,
		workflows: NewWorkflowStore(db),
		tasks:     NewTaskStore(db),
		pipe:      &fakePipeline{},
		registrar: &fakeRegistrar{},
		now:       time.Date(2026, 3, 3, 12, 0, 30, 0, time.UTC),
	}
	f.runner = NewRunner(f.workflows, f.tasks, f.pipe, f.registrar, RunnerConfig{}, nil)
	f.runner.clock = func() time.Time { return f.now }
	return f
}

func TestRunner_FirstRun(t *testing.T) {
	f := newRunnerFixture(t)

	anchor := f.now.Add(-48 * time.Hour)
	w := testWorkflow("wf-1")
	w.StartTimeUTC = anchor
	require.NoError(t, f.workflows.CreateWorkflow(w))

	outcome := f.runner.OnInvocation(context.Background(), "owner-1", "wf-1", "inv-1")

	require.Equal(t, RunOK, outcome.Status, outcome.Message)
	assert.Equal(t, "inv-1", outcome.CompletedTaskID)
	assert.NotEmpty(t, outcome.NextTaskID)

	// First run with a past anchor covers the whole backlog
	require.Equal(t, 1, f.pipe.calls)
	assert.Equal(t, anchor, f.pipe.starts[0])
	assert.Equal(t, f.now, f.pipe.ends[0])
	assert.Equal(t, w.Query, f.pipe.query)

	// Task created directly in COMPLETED state under the invocation id
	task, err := f.tasks.GetTask("owner-1", "wf-1", "inv-1")
	require.NoError(t, err)
	assert.Equal(t, TaskStatusCompleted, task.Status)
	require.NotNil(t, task.Result)
	assert.Equal(t, "synthesized answer", *task.Result)
	assert.NotNil(t, task.QueryAnalysis)
	assert.NotNil(t, task.AgentExecutionTimes)

	// Successor registered on the anchor's phase grid, strictly in the future
	require.Equal(t, 1, f.registrar.calls)
	nextAt := f.registrar.ats[0]
	assert.True(t, nextAt.After(f.now))
	assert.Zero(t, nextAt.Sub(anchor)%time.Hour)
	assert.LessOrEqual(t, nextAt.Sub(f.now), time.Hour)

	// Successor placeholder exists in SCHEDULED state
	placeholder, err := f.tasks.GetTask("owner-1", "wf-1", outcome.NextTaskID)
	require.NoError(t, err)
	assert.Equal(t, TaskStatusScheduled, placeholder.Status)
	assert.Equal(t, nextAt, placeholder.ScheduledRunAt)

	// Workflow advanced: result, run instant, successor pointers
	updated, err := f.workflows.GetWorkflow("owner-1", "wf-1")
	require.NoError(t, err)
	assert.True(t, updated.HasRun())
	assert.Equal(t, "synthesized answer", *updated.LastResult)
	assert.Equal(t, f.now, *updated.LastRunAtUTC)
	assert.Equal(t, outcome.NextTaskID, *updated.NextRunID)
	assert.Equal(t, nextAt, *updated.NextRunAtUTC)
}

func TestRunner_SubsequentRun_WindowStartsAtLastRun(t *testing.T) {
	f := newRunnerFixture(t)

	w := testWorkflow("wf-1")
	w.StartTimeUTC = f.now.Add(-48 * time.Hour)
	lastRun := f.now.Add(-time.Hour)
	lastResult := "previous answer"
	w.LastRunAtUTC = &lastRun
	w.LastResult = &lastResult
	require.NoError(t, f.workflows.CreateWorkflow(w))

	placeholder := scheduledTask("inv-2", f.now)
	require.NoError(t, f.tasks.CreateTask(placeholder))

	outcome := f.runner.OnInvocation(context.Background(), "owner-1", "wf-1", "inv-2")
	require.Equal(t, RunOK, outcome.Status, outcome.Message)

	// Windows tile: this run starts exactly where the last one ended
	assert.Equal(t, lastRun, f.pipe.starts[0])
	assert.Equal(t, f.now, f.pipe.ends[0])

	// The placeholder flipped to COMPLETED rather than a new row appearing
	task, err := f.tasks.GetTask("owner-1", "wf-1", "inv-2")
	require.NoError(t, err)
	assert.Equal(t, TaskStatusCompleted, task.Status)

	tasks, err := f.tasks.ListTasksByWorkflow("owner-1", "wf-1", 0)
	require.NoError(t, err)
	assert.Len(t, tasks, 2, "completed run plus new placeholder")
}

func TestRunner_InactiveWorkflow_NoSuccessor(t *testing.T) {
	f := newRunnerFixture(t)

	w := testWorkflow("wf-1")
	w.StartTimeUTC = f.now.Add(-48 * time.Hour)
	w.Active = false
	lastRun := f.now.Add(-time.Hour)
	lastResult := "previous answer"
	w.LastRunAtUTC = &lastRun
	w.LastResult = &lastResult
	require.NoError(t, f.workflows.CreateWorkflow(w))
	require.NoError(t, f.tasks.CreateTask(scheduledTask("inv-2", f.now)))

	outcome := f.runner.OnInvocation(context.Background(), "owner-1", "wf-1", "inv-2")

	require.Equal(t, RunOK, outcome.Status, outcome.Message)
	assert.Empty(t, outcome.NextTaskID)
	assert.Zero(t, f.registrar.calls, "inactive workflow must not self-perpetuate")

	// The run itself is still recorded; only the successor is withheld
	updated, err := f.workflows.GetWorkflow("owner-1", "wf-1")
	require.NoError(t, err)
	assert.Equal(t, "synthesized answer", *updated.LastResult)
	assert.Nil(t, updated.NextRunID)
	assert.Nil(t, updated.NextRunAtUTC)
}

func TestRunner_PipelineFailure_FailClosed(t *testing.T) {
	f := newRunnerFixture(t)
	f.pipe.err = &pipeline.StageError{Stage: pipeline.StageRetrieve, Err: fmt.Errorf("search API returned 503")}

	w := testWorkflow("wf-1")
	w.StartTimeUTC = f.now.Add(-48 * time.Hour)
	lastRun := f.now.Add(-time.Hour)
	lastResult := "previous answer"
	w.LastRunAtUTC = &lastRun
	w.LastResult = &lastResult
	nextID := "inv-2"
	w.NextRunID = &nextID
	require.NoError(t, f.workflows.CreateWorkflow(w))
	require.NoError(t, f.tasks.CreateTask(scheduledTask("inv-2", f.now)))

	outcome := f.runner.OnInvocation(context.Background(), "owner-1", "wf-1", "inv-2")

	require.Equal(t, RunAgentExecutionFailed, outcome.Status)
	assert.Contains(t, outcome.Message, "Agent workflow failed")
	assert.Contains(t, outcome.Message, "search API returned 503")

	// Placeholder becomes the permanent FAILED marker
	task, err := f.tasks.GetTask("owner-1", "wf-1", "inv-2")
	require.NoError(t, err)
	assert.Equal(t, TaskStatusFailed, task.Status)
	require.NotNil(t, task.Result)
	assert.Contains(t, *task.Result, "Agent workflow failed")

	// No successor: the chain stops here
	assert.Zero(t, f.registrar.calls)

	// Workflow record untouched, still pointing at the FAILED task
	updated, err := f.workflows.GetWorkflow("owner-1", "wf-1")
	require.NoError(t, err)
	assert.Equal(t, "previous answer", *updated.LastResult)
	assert.Equal(t, lastRun, *updated.LastRunAtUTC)
	assert.Equal(t, "inv-2", *updated.NextRunID)
}

func TestRunner_FirstRunFailure_RecordsFailedTask(t *testing.T) {
	f := newRunnerFixture(t)
	f.pipe.err = &pipeline.StageError{Stage: pipeline.StageInterpret, Err: fmt.Errorf("model API returned 500")}

	w := testWorkflow("wf-1")
	w.StartTimeUTC = f.now.Add(-48 * time.Hour)
	require.NoError(t, f.workflows.CreateWorkflow(w))

	outcome := f.runner.OnInvocation(context.Background(), "owner-1", "wf-1", "inv-1")
	require.Equal(t, RunAgentExecutionFailed, outcome.Status)

	// No placeholder existed, so the failure is recorded as a fresh task
	task, err := f.tasks.GetTask("owner-1", "wf-1", "inv-1")
	require.NoError(t, err)
	assert.Equal(t, TaskStatusFailed, task.Status)

	updated, err := f.workflows.GetWorkflow("owner-1", "wf-1")
	require.NoError(t, err)
	assert.False(t, updated.HasRun())
	assert.Zero(t, f.registrar.calls)
}

func TestRunner_DuplicateDelivery_TerminalTaskIsNoOp(t *testing.T) {
	f := newRunnerFixture(t)

	w := testWorkflow("wf-1")
	w.StartTimeUTC = f.now.Add(-48 * time.Hour)
	require.NoError(t, f.workflows.CreateWorkflow(w))

	first := f.runner.OnInvocation(context.Background(), "owner-1", "wf-1", "inv-1")
	require.Equal(t, RunOK, first.Status, first.Message)
	require.Equal(t, 1, f.pipe.calls)
	require.Equal(t, 1, f.registrar.calls)

	// Redelivery of the same invocation: nothing runs, nothing is scheduled
	second := f.runner.OnInvocation(context.Background(), "owner-1", "wf-1", "inv-1")
	require.Equal(t, RunOK, second.Status)
	assert.Contains(t, second.Message, "already")
	assert.Equal(t, 1, f.pipe.calls, "pipeline must not re-run")
	assert.Equal(t, 1, f.registrar.calls, "no second successor")

	tasks, err := f.tasks.ListTasksByWorkflow("owner-1", "wf-1", 0)
	require.NoError(t, err)
	assert.Len(t, tasks, 2, "completed run plus one placeholder, no duplicates")
}

func TestRunner_DuplicateDelivery_FailedTaskIsNoOp(t *testing.T) {
	f := newRunnerFixture(t)

	w := testWorkflow("wf-1")
	w.StartTimeUTC = f.now.Add(-48 * time.Hour)
	lastRun := f.now.Add(-time.Hour)
	lastResult := "previous answer"
	w.LastRunAtUTC = &lastRun
	w.LastResult = &lastResult
	require.NoError(t, f.workflows.CreateWorkflow(w))

	failed := scheduledTask("inv-2", f.now)
	failed.Status = TaskStatusFailed
	require.NoError(t, f.tasks.CreateTask(failed))

	outcome := f.runner.OnInvocation(context.Background(), "owner-1", "wf-1", "inv-2")

	require.Equal(t, RunOK, outcome.Status)
	assert.Contains(t, outcome.Message, "failed")
	assert.Zero(t, f.pipe.calls)
	assert.Zero(t, f.registrar.calls)
}

func TestRunner_MissingParameters(t *testing.T) {
	f := newRunnerFixture(t)

	outcome := f.runner.OnInvocation(context.Background(), "", "wf-1", "inv-1")
	assert.Equal(t, RunMissingParameters, outcome.Status)

	outcome = f.runner.OnInvocation(context.Background(), "owner-1", "", "inv-1")
	assert.Equal(t, RunMissingParameters, outcome.Status)

	assert.Zero(t, f.pipe.calls)
}

func TestRunner_WorkflowNotFound(t *testing.T) {
	f := newRunnerFixture(t)

	outcome := f.runner.OnInvocation(context.Background(), "owner-1", "ghost", "inv-1")

	assert.Equal(t, RunWorkflowNotFound, outcome.Status)
	assert.Contains(t, outcome.Message, "ghost")
	assert.Zero(t, f.pipe.calls)
	assert.Zero(t, f.registrar.calls)
}

func TestRunner_InvalidInterval(t *testing.T) {
	f := newRunnerFixture(t)

	w := testWorkflow("wf-1")
	w.IntervalSeconds = 0
	require.NoError(t, f.workflows.CreateWorkflow(w))

	outcome := f.runner.OnInvocation(context.Background(), "owner-1", "wf-1", "inv-1")

	assert.Equal(t, RunValidationError, outcome.Status)
	assert.Zero(t, f.pipe.calls)
}

func TestRunner_RegistrarFailure_IsInternalError(t *testing.T) {
	f := newRunnerFixture(t)
	f.registrar.err = fmt.Errorf("queue unavailable")

	w := testWorkflow("wf-1")
	w.StartTimeUTC = f.now.Add(-48 * time.Hour)
	require.NoError(t, f.workflows.CreateWorkflow(w))

	outcome := f.runner.OnInvocation(context.Background(), "owner-1", "wf-1", "inv-1")

	assert.Equal(t, RunInternalError, outcome.Status)

	// The run itself was recorded before the successor registration broke;
	// redelivery converges via the duplicate check instead of re-running
	task, err := f.tasks.GetTask("owner-1", "wf-1", "inv-1")
	require.NoError(t, err)
	assert.Equal(t, TaskStatusCompleted, task.Status)
}
