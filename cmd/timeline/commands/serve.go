package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/timelinehq/timeline/config"
	"github.com/timelinehq/timeline/db"
	"github.com/timelinehq/timeline/logger"
	"github.com/timelinehq/timeline/pipeline"
	"github.com/timelinehq/timeline/queue"
	"github.com/timelinehq/timeline/schedule"
	"github.com/timelinehq/timeline/server"
)

// ServeCmd starts the full timeline service: HTTP API, queue dispatcher,
// and workflow runner in one process.
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the timeline service",
	Long: `Start the timeline service in foreground mode.

The service runs three components over one SQLite database:
- HTTP API for creating and managing workflows
- Delay queue dispatcher delivering due invocations to a worker pool
- Workflow runner executing the analysis pipeline per invocation

Runs until interrupted (Ctrl+C) with graceful shutdown: in-flight runs
complete, claimed-but-undelivered invocations re-queue on next start.`,
	RunE: runServe,
}

func init() {
	ServeCmd.Flags().Int("port", 0, "HTTP listen port (overrides config)")
	ServeCmd.Flags().Int("workers", 0, "Concurrent invocation deliveries (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if port, _ := cmd.Flags().GetInt("port"); port > 0 {
		cfg.Server.Port = port
	}
	if workers, _ := cmd.Flags().GetInt("workers"); workers > 0 {
		cfg.Queue.Workers = workers
	}

	log := logger.Get()

	database, err := db.Open(cfg.Database.Path, log)
	if err != nil {
		return err
	}
	defer database.Close()

	if err := db.Migrate(database, log); err != nil {
		return err
	}

	workflows := schedule.NewWorkflowStore(database)
	tasks := schedule.NewTaskStore(database)

	// One limiter shared by both model-facing stages so the configured rate
	// bounds total upstream traffic, not per-stage traffic.
	var limiter *rate.Limiter
	if cfg.Pipeline.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.Pipeline.RequestsPerMinute)), 1)
	}

	llm := pipeline.NewLLMClient(pipeline.LLMConfig{
		BaseURL:   cfg.Pipeline.LLM.BaseURL,
		APIKey:    cfg.Pipeline.LLM.APIKey,
		Model:     cfg.Pipeline.LLM.Model,
		MaxTokens: cfg.Pipeline.LLM.MaxTokens,
		Limiter:   limiter,
		Logger:    log.Named("llm"),
	})
	search := pipeline.NewSearchClient(pipeline.SearchClientConfig{
		BaseURL:    cfg.Pipeline.Search.BaseURL,
		APIKey:     cfg.Pipeline.Search.APIKey,
		MaxResults: cfg.Pipeline.Search.MaxResults,
		Logger:     log.Named("search"),
	})
	adapter := pipeline.NewAdapter(llm, search, llm, log.Named("pipeline"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := queue.NewWithContext(ctx, database, queue.Config{
		Workers:        cfg.Queue.Workers,
		TickerInterval: time.Duration(cfg.Queue.TickerIntervalSeconds) * time.Second,
	}, log)

	runner := schedule.NewRunner(workflows, tasks, adapter, q, schedule.RunnerConfig{
		Lookback: time.Duration(cfg.Scheduler.DefaultLookbackDays) * 24 * time.Hour,
	}, log.Named("runner"))

	q.SetHandler(queue.HandlerFunc(func(ctx context.Context, inv *queue.Invocation) error {
		outcome := runner.OnInvocation(ctx, inv.OwnerID, inv.WorkflowID, inv.ID)
		if outcome.Status != schedule.RunOK {
			return fmt.Errorf("%s: %s", outcome.Status, outcome.Message)
		}
		return nil
	}))

	if err := q.Start(); err != nil {
		return err
	}

	srv := server.New(database, workflows, tasks, q, cfg.Server.Port, log)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	fmt.Printf("timeline service started\n")
	fmt.Printf("  Port:    %d\n", cfg.Server.Port)
	fmt.Printf("  Workers: %d\n", cfg.Queue.Workers)
	fmt.Printf("  DB:      %s\n", cfg.Database.Path)
	fmt.Printf("\nPress Ctrl+C for graceful shutdown\n\n")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Infow("Received signal, shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("HTTP shutdown error", "error", err)
	}

	q.Stop()
	cancel()

	fmt.Println("timeline service stopped")
	return nil
}
