package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	timelinetesting "github.com/timelinehq/timeline/internal/testing"
	"github.com/timelinehq/timeline/queue"
	"github.com/timelinehq/timeline/schedule"
)

type serverFixture struct {
	srv   *Server
	http  *httptest.Server
	queue *queue.Queue
	now   time.Time
}

func newServerFixture(t *testing.T) *serverFixture {
	db := timelinetesting.CreateTestDB(t)
	workflows := schedule.NewWorkflowStore(db)
	tasks := schedule.NewTaskStore(db)
	q := queue.New(db, queue.DefaultConfig(), nil)

	f := &serverFixture{
		queue: q,
		now:   time.Date(2026, 3, 3, 12, 0, 0, 0, time.UTC),
	}
	f.srv = New(db, workflows, tasks, q, 0, nil)
	f.srv.clock = func() time.Time { return f.now }
	f.http = httptest.NewServer(f.srv.httpServer.Handler)
	t.Cleanup(f.http.Close)
	return f
}

func (f *serverFixture) do(t *testing.T, method, path, owner string, body interface{}) *http.Response {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, f.http.URL+path, reader)
	require.NoError(t, err)
	if owner != "" {
		req.Header.Set("X-Owner-ID", owner)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestHandleHealth(t *testing.T) {
	f := newServerFixture(t)

	resp := f.do(t, http.MethodGet, "/api/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHandleCreateWorkflow(t *testing.T) {
	f := newServerFixture(t)

	resp := f.do(t, http.MethodPost, "/api/workflows", "owner-1", map[string]interface{}{
		"query":            "battery chemistry news",
		"interval_seconds": 3600,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created schedule.Workflow
	decodeJSON(t, resp, &created)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "owner-1", created.OwnerID)
	assert.Equal(t, 3600, created.IntervalSeconds)
	assert.True(t, created.Active)
	assert.Equal(t, f.now, created.StartTimeUTC, "omitted anchor defaults to now")
}

func TestHandleCreateWorkflow_Validation(t *testing.T) {
	f := newServerFixture(t)

	resp := f.do(t, http.MethodPost, "/api/workflows", "owner-1", map[string]interface{}{
		"query":            "q",
		"interval_seconds": 0,
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/workflows", "owner-1", map[string]interface{}{
		"interval_seconds": 3600,
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/workflows", "", map[string]interface{}{
		"query":            "q",
		"interval_seconds": 3600,
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "owner header is required")
}

func TestHandleGetWorkflow(t *testing.T) {
	f := newServerFixture(t)

	resp := f.do(t, http.MethodPost, "/api/workflows", "owner-1", map[string]interface{}{
		"id":               "wf-1",
		"query":            "q",
		"interval_seconds": 3600,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/workflows/wf-1", "owner-1", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/workflows/wf-1", "other-owner", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "workflows are owner-scoped")

	resp = f.do(t, http.MethodGet, "/api/workflows/missing", "owner-1", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandleListWorkflows(t *testing.T) {
	f := newServerFixture(t)

	resp := f.do(t, http.MethodGet, "/api/workflows", "owner-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var empty []*schedule.Workflow
	decodeJSON(t, resp, &empty)
	assert.Empty(t, empty)

	f.do(t, http.MethodPost, "/api/workflows", "owner-1", map[string]interface{}{
		"query":            "q",
		"interval_seconds": 3600,
	})

	resp = f.do(t, http.MethodGet, "/api/workflows", "owner-1", nil)
	var listed []*schedule.Workflow
	decodeJSON(t, resp, &listed)
	assert.Len(t, listed, 1)
}

func TestHandleDeactivateWorkflow(t *testing.T) {
	f := newServerFixture(t)

	f.do(t, http.MethodPost, "/api/workflows", "owner-1", map[string]interface{}{
		"id":               "wf-1",
		"query":            "q",
		"interval_seconds": 3600,
	})

	resp := f.do(t, http.MethodPost, "/api/workflows/wf-1/deactivate", "owner-1", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/workflows/wf-1", "owner-1", nil)
	var got schedule.Workflow
	decodeJSON(t, resp, &got)
	assert.False(t, got.Active)

	resp = f.do(t, http.MethodPost, "/api/workflows/missing/deactivate", "owner-1", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandleActivateWorkflow_ReArmsDeadChain(t *testing.T) {
	f := newServerFixture(t)

	f.do(t, http.MethodPost, "/api/workflows", "owner-1", map[string]interface{}{
		"id":               "wf-1",
		"query":            "q",
		"interval_seconds": 3600,
	})
	f.do(t, http.MethodPost, "/api/workflows/wf-1/deactivate", "owner-1", nil)

	// The workflow has no live successor (its first invocation was consumed
	// by nothing in this test), so activation re-arms the chain
	resp := f.do(t, http.MethodPost, "/api/workflows/wf-1/activate", "owner-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var activated schedule.Workflow
	decodeJSON(t, resp, &activated)
	assert.True(t, activated.Active)
	require.NotNil(t, activated.NextRunID)
	require.NotNil(t, activated.NextRunAtUTC)
	assert.True(t, activated.NextRunAtUTC.After(f.now))

	// The re-arm left a SCHEDULED placeholder behind
	resp = f.do(t, http.MethodGet, "/api/workflows/wf-1/tasks", "owner-1", nil)
	var tasks []*schedule.Task
	decodeJSON(t, resp, &tasks)
	require.Len(t, tasks, 1)
	assert.Equal(t, schedule.TaskStatusScheduled, tasks[0].Status)
	assert.Equal(t, *activated.NextRunID, tasks[0].TaskID)
}

func TestHandleActivateWorkflow_ConflictWhenChainAlive(t *testing.T) {
	f := newServerFixture(t)

	f.do(t, http.MethodPost, "/api/workflows", "owner-1", map[string]interface{}{
		"id":               "wf-1",
		"query":            "q",
		"interval_seconds": 3600,
	})

	// First activate re-arms the chain; the workflow is now active with a
	// live SCHEDULED successor
	f.do(t, http.MethodPost, "/api/workflows/wf-1/deactivate", "owner-1", nil)
	resp := f.do(t, http.MethodPost, "/api/workflows/wf-1/activate", "owner-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/workflows/wf-1/activate", "owner-1", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestHandleListTasks(t *testing.T) {
	f := newServerFixture(t)

	resp := f.do(t, http.MethodGet, "/api/workflows/wf-1/tasks", "owner-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var tasks []*schedule.Task
	decodeJSON(t, resp, &tasks)
	assert.Empty(t, tasks)
}
