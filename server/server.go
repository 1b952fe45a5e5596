// Package server exposes the timeline HTTP API and the live run feed.
//
// Authentication and authorization of workflow owners are out of scope;
// the owner identity is taken from the X-Owner-ID request header as-is.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/timelinehq/timeline/queue"
	"github.com/timelinehq/timeline/schedule"
)

// Server serves the workflow API over HTTP
type Server struct {
	db         *sql.DB
	workflows  *schedule.WorkflowStore
	tasks      *schedule.TaskStore
	queue      *queue.Queue
	logger     *zap.SugaredLogger
	httpServer *http.Server
	clock      func() time.Time
}

// New creates the API server over the given stores and queue.
func New(db *sql.DB, workflows *schedule.WorkflowStore, tasks *schedule.TaskStore, q *queue.Queue, port int, logger *zap.SugaredLogger) *Server {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	s := &Server{
		db:        db,
		workflows: workflows,
		tasks:     tasks,
		queue:     q,
		logger:    logger.Named("server"),
		clock:     time.Now,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("POST /api/workflows", s.handleCreateWorkflow)
	mux.HandleFunc("GET /api/workflows", s.handleListWorkflows)
	mux.HandleFunc("GET /api/workflows/{id}", s.handleGetWorkflow)
	mux.HandleFunc("POST /api/workflows/{id}/activate", s.handleActivateWorkflow)
	mux.HandleFunc("POST /api/workflows/{id}/deactivate", s.handleDeactivateWorkflow)
	mux.HandleFunc("GET /api/workflows/{id}/tasks", s.handleListTasks)
	mux.HandleFunc("GET /ws/runs", s.handleRunsFeed)

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      0, // websocket connections are long-lived
		IdleTimeout:       120 * time.Second,
	}

	return s
}

// Start serves HTTP until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Infow("HTTP server listening", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Infow("HTTP server shutting down")
	return s.httpServer.Shutdown(ctx)
}
