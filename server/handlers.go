package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/timelinehq/timeline/errors"
	"github.com/timelinehq/timeline/schedule"
)

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warnw("Failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg})
}

// ownerID resolves the request's owner identity. Auth is out of scope; the
// header value is trusted as-is.
func ownerID(r *http.Request) string {
	return r.Header.Get("X-Owner-ID")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createWorkflowRequest struct {
	ID              string     `json:"id,omitempty"`
	Query           string     `json:"query"`
	StartTimeUTC    *time.Time `json:"start_time_utc,omitempty"`
	IntervalSeconds int        `json:"interval_seconds"`
	Active          *bool      `json:"active,omitempty"`
}

// handleCreateWorkflow persists a new workflow and registers its first
// invocation. The first run gets no placeholder task: nothing scheduled it
// from inside a run, so its task record is created when the run finishes.
func (s *Server) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	owner := ownerID(r)
	if owner == "" {
		s.writeError(w, http.StatusBadRequest, "missing X-Owner-ID header")
		return
	}

	var req createWorkflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Query == "" {
		s.writeError(w, http.StatusBadRequest, "query is required")
		return
	}
	if req.IntervalSeconds <= 0 {
		s.writeError(w, http.StatusBadRequest, errors.ErrInvalidInterval.Error())
		return
	}

	now := s.clock().UTC()
	start := now
	if req.StartTimeUTC != nil {
		start = req.StartTimeUTC.UTC()
	}

	active := true
	if req.Active != nil {
		active = *req.Active
	}

	workflow := &schedule.Workflow{
		ID:              req.ID,
		OwnerID:         owner,
		Query:           req.Query,
		StartTimeUTC:    start,
		IntervalSeconds: req.IntervalSeconds,
		Active:          active,
	}
	if workflow.ID == "" {
		workflow.ID = uuid.NewString()
	}

	if err := s.workflows.CreateWorkflow(workflow); err != nil {
		s.logger.Errorw("Failed to create workflow", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to create workflow")
		return
	}

	// First delivery at the anchor, or immediately for anchors in the past.
	firstRunAt := start
	if firstRunAt.Before(now) {
		firstRunAt = now
	}

	if _, err := s.queue.Schedule(r.Context(), owner, workflow.ID, firstRunAt); err != nil {
		s.logger.Errorw("Failed to schedule first invocation",
			"workflow_id", workflow.ID,
			"error", err)
		s.writeError(w, http.StatusInternalServerError, "workflow created but first run could not be scheduled")
		return
	}

	s.logger.Infow("Workflow created",
		"workflow_id", workflow.ID,
		"owner_id", owner,
		"first_run_at", firstRunAt.Format(time.RFC3339))

	s.writeJSON(w, http.StatusCreated, workflow)
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	owner := ownerID(r)
	if owner == "" {
		s.writeError(w, http.StatusBadRequest, "missing X-Owner-ID header")
		return
	}

	workflows, err := s.workflows.ListWorkflows(owner, 0)
	if err != nil {
		s.logger.Errorw("Failed to list workflows", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list workflows")
		return
	}
	if workflows == nil {
		workflows = []*schedule.Workflow{}
	}

	s.writeJSON(w, http.StatusOK, workflows)
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	owner := ownerID(r)
	if owner == "" {
		s.writeError(w, http.StatusBadRequest, "missing X-Owner-ID header")
		return
	}

	workflow, err := s.workflows.GetWorkflow(owner, r.PathValue("id"))
	if err != nil {
		if errors.IsNotFoundError(err) {
			s.writeError(w, http.StatusNotFound, "workflow not found")
			return
		}
		s.logger.Errorw("Failed to get workflow", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get workflow")
		return
	}

	s.writeJSON(w, http.StatusOK, workflow)
}

// handleActivateWorkflow re-activates a workflow. If its chain is dead
// (never armed, or stopped by a failed run), a fresh invocation and
// placeholder are scheduled so the schedule resumes.
func (s *Server) handleActivateWorkflow(w http.ResponseWriter, r *http.Request) {
	owner := ownerID(r)
	if owner == "" {
		s.writeError(w, http.StatusBadRequest, "missing X-Owner-ID header")
		return
	}

	workflowID := r.PathValue("id")
	workflow, err := s.workflows.GetWorkflow(owner, workflowID)
	if err != nil {
		if errors.IsNotFoundError(err) {
			s.writeError(w, http.StatusNotFound, "workflow not found")
			return
		}
		s.logger.Errorw("Failed to get workflow", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get workflow")
		return
	}

	chainAlive, err := s.chainAlive(workflow)
	if err != nil {
		s.logger.Errorw("Failed to inspect workflow chain", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to inspect workflow chain")
		return
	}

	if workflow.Active && chainAlive {
		s.writeError(w, http.StatusConflict, "workflow is already active")
		return
	}

	if err := s.workflows.SetActive(owner, workflowID, true); err != nil {
		s.logger.Errorw("Failed to activate workflow", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to activate workflow")
		return
	}
	workflow.Active = true

	if !chainAlive {
		now := s.clock().UTC()
		nextRunAt, err := schedule.NextRun(workflow.StartTimeUTC, workflow.IntervalSeconds, now)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		nextTaskID, err := s.queue.Schedule(r.Context(), owner, workflowID, nextRunAt)
		if err != nil {
			s.logger.Errorw("Failed to schedule invocation", "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to re-arm workflow schedule")
			return
		}

		placeholder := &schedule.Task{
			TaskID:         nextTaskID,
			WorkflowID:     workflowID,
			OwnerID:        owner,
			Status:         schedule.TaskStatusScheduled,
			ScheduledRunAt: nextRunAt,
			CreatedAt:      now,
		}
		if err := s.tasks.CreateTask(placeholder); err != nil {
			s.logger.Errorw("Failed to create placeholder task", "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to re-arm workflow schedule")
			return
		}

		if err := s.workflows.SetNextRun(owner, workflowID, nextRunAt, nextTaskID); err != nil {
			s.logger.Errorw("Failed to update workflow next run", "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to re-arm workflow schedule")
			return
		}

		workflow.NextRunAtUTC = &nextRunAt
		workflow.NextRunID = &nextTaskID

		s.logger.Infow("Workflow chain re-armed",
			"workflow_id", workflowID,
			"next_task_id", nextTaskID,
			"next_run_at", nextRunAt.Format(time.RFC3339))
	}

	s.writeJSON(w, http.StatusOK, workflow)
}

func (s *Server) handleDeactivateWorkflow(w http.ResponseWriter, r *http.Request) {
	owner := ownerID(r)
	if owner == "" {
		s.writeError(w, http.StatusBadRequest, "missing X-Owner-ID header")
		return
	}

	workflowID := r.PathValue("id")
	if err := s.workflows.SetActive(owner, workflowID, false); err != nil {
		if errors.IsNotFoundError(err) {
			s.writeError(w, http.StatusNotFound, "workflow not found")
			return
		}
		s.logger.Errorw("Failed to deactivate workflow", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to deactivate workflow")
		return
	}

	// Deactivation takes effect at the next reschedule decision point: a
	// pending invocation still fires, runs, and then stops the chain.
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "deactivated"})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	owner := ownerID(r)
	if owner == "" {
		s.writeError(w, http.StatusBadRequest, "missing X-Owner-ID header")
		return
	}

	tasks, err := s.tasks.ListTasksByWorkflow(owner, r.PathValue("id"), 0)
	if err != nil {
		s.logger.Errorw("Failed to list tasks", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}
	if tasks == nil {
		tasks = []*schedule.Task{}
	}

	s.writeJSON(w, http.StatusOK, tasks)
}

// chainAlive reports whether the workflow still has a pending successor:
// a next_run_id pointing at a task that is still SCHEDULED.
func (s *Server) chainAlive(w *schedule.Workflow) (bool, error) {
	if w.NextRunID == nil {
		return false, nil
	}

	task, err := s.tasks.GetTask(w.OwnerID, w.ID, *w.NextRunID)
	if err != nil {
		if errors.IsNotFoundError(err) {
			return false, nil
		}
		return false, err
	}

	return task.Status == schedule.TaskStatusScheduled, nil
}
