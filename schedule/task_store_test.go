package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timelinehq/timeline/errors"
	timelinetesting "github.com/timelinehq/timeline/internal/testing"
)

func scheduledTask(id string, at time.Time) *Task {
	return &Task{
		TaskID:         id,
		WorkflowID:     "wf-1",
		OwnerID:        "owner-1",
		Status:         TaskStatusScheduled,
		ScheduledRunAt: at,
		CreatedAt:      at.Add(-time.Hour),
	}
}

func TestTaskStore_CreateAndGet(t *testing.T) {
	db := timelinetesting.CreateTestDB(t)
	store := NewTaskStore(db)

	at := time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC)
	require.NoError(t, store.CreateTask(scheduledTask("task-1", at)))

	got, err := store.GetTask("owner-1", "wf-1", "task-1")
	require.NoError(t, err)
	assert.Equal(t, TaskStatusScheduled, got.Status)
	assert.Equal(t, at, got.ScheduledRunAt)
	assert.Nil(t, got.CompletedAt)
	assert.Nil(t, got.Result)
	assert.False(t, got.Status.Terminal())
}

func TestTaskStore_GetNotFound(t *testing.T) {
	db := timelinetesting.CreateTestDB(t)
	store := NewTaskStore(db)

	_, err := store.GetTask("owner-1", "wf-1", "missing")
	require.Error(t, err)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestTaskStore_DuplicateIDRejected(t *testing.T) {
	db := timelinetesting.CreateTestDB(t)
	store := NewTaskStore(db)

	at := time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC)
	require.NoError(t, store.CreateTask(scheduledTask("task-1", at)))

	err := store.CreateTask(scheduledTask("task-1", at))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "UNIQUE constraint failed")
}

func TestTaskStore_CompleteScheduled(t *testing.T) {
	db := timelinetesting.CreateTestDB(t)
	store := NewTaskStore(db)

	at := time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC)
	require.NoError(t, store.CreateTask(scheduledTask("task-1", at)))

	out := TaskOutputs{
		Result:              "the answer",
		QueryAnalysis:       `{"intent":"x"}`,
		SearchResults:       `{"results":[]}`,
		AgentExecutionTimes: `{"total_execution_time":1.5}`,
	}
	completedAt := at.Add(2 * time.Second)

	updated, err := store.CompleteScheduled("owner-1", "wf-1", "task-1", completedAt, out)
	require.NoError(t, err)
	assert.True(t, updated)

	got, err := store.GetTask("owner-1", "wf-1", "task-1")
	require.NoError(t, err)
	assert.Equal(t, TaskStatusCompleted, got.Status)
	assert.True(t, got.Status.Terminal())
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, completedAt, *got.CompletedAt)
	require.NotNil(t, got.Result)
	assert.Equal(t, "the answer", *got.Result)
	require.NotNil(t, got.AgentExecutionTimes)
	assert.Equal(t, out.AgentExecutionTimes, *got.AgentExecutionTimes)
}

func TestTaskStore_CompleteScheduled_NoOpOnTerminal(t *testing.T) {
	db := timelinetesting.CreateTestDB(t)
	store := NewTaskStore(db)

	at := time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC)
	require.NoError(t, store.CreateTask(scheduledTask("task-1", at)))

	first := TaskOutputs{Result: "winner"}
	updated, err := store.CompleteScheduled("owner-1", "wf-1", "task-1", at, first)
	require.NoError(t, err)
	require.True(t, updated)

	// Second completion loses the compare-and-swap and changes nothing
	second := TaskOutputs{Result: "loser"}
	updated, err = store.CompleteScheduled("owner-1", "wf-1", "task-1", at.Add(time.Second), second)
	require.NoError(t, err)
	assert.False(t, updated)

	got, err := store.GetTask("owner-1", "wf-1", "task-1")
	require.NoError(t, err)
	assert.Equal(t, "winner", *got.Result)
}

func TestTaskStore_FailScheduled(t *testing.T) {
	db := timelinetesting.CreateTestDB(t)
	store := NewTaskStore(db)

	at := time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC)
	require.NoError(t, store.CreateTask(scheduledTask("task-1", at)))

	updated, err := store.FailScheduled("owner-1", "wf-1", "task-1", "Agent workflow failed: retrieval broke", at)
	require.NoError(t, err)
	assert.True(t, updated)

	got, err := store.GetTask("owner-1", "wf-1", "task-1")
	require.NoError(t, err)
	assert.Equal(t, TaskStatusFailed, got.Status)
	require.NotNil(t, got.Result)
	assert.Contains(t, *got.Result, "retrieval broke")

	// FAILED is terminal; neither transition touches it again
	updated, err = store.FailScheduled("owner-1", "wf-1", "task-1", "again", at)
	require.NoError(t, err)
	assert.False(t, updated)

	updated, err = store.CompleteScheduled("owner-1", "wf-1", "task-1", at, TaskOutputs{Result: "late"})
	require.NoError(t, err)
	assert.False(t, updated)
}

func TestTaskStore_ListTasksByWorkflow(t *testing.T) {
	db := timelinetesting.CreateTestDB(t)
	store := NewTaskStore(db)

	base := time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC)
	for i, id := range []string{"task-a", "task-b", "task-c"} {
		task := scheduledTask(id, base.Add(time.Duration(i)*time.Hour))
		task.CreatedAt = base.Add(time.Duration(i) * time.Hour)
		require.NoError(t, store.CreateTask(task))
	}

	other := scheduledTask("task-other", base)
	other.WorkflowID = "wf-other"
	require.NoError(t, store.CreateTask(other))

	tasks, err := store.ListTasksByWorkflow("owner-1", "wf-1", 0)
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	assert.Equal(t, "task-c", tasks[0].TaskID, "newest first")
	assert.Equal(t, "task-a", tasks[2].TaskID)
}

func TestIsValidTaskStatus(t *testing.T) {
	assert.True(t, IsValidTaskStatus("SCHEDULED"))
	assert.True(t, IsValidTaskStatus("COMPLETED"))
	assert.True(t, IsValidTaskStatus("FAILED"))
	assert.False(t, IsValidTaskStatus("scheduled"))
	assert.False(t, IsValidTaskStatus("RUNNING"))
	assert.False(t, IsValidTaskStatus(""))
}
