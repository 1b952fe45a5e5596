package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/timelinehq/timeline/config"
	"github.com/timelinehq/timeline/schedule"
)

// WorkflowCmd represents the workflow command group. Subcommands talk to a
// running timeline service over its HTTP API.
var WorkflowCmd = &cobra.Command{
	Use:   "workflow",
	Short: "Create and manage workflows",
	Long: `Create and manage self-perpetuating analysis workflows.

Examples:
  timeline workflow create --query "latest advances in battery chemistry" --interval 3600
  timeline workflow ls
  timeline workflow activate <workflow-id>
  timeline workflow deactivate <workflow-id>
  timeline workflow tasks <workflow-id>`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var (
	workflowQueryFlag    string
	workflowIntervalFlag int
	workflowStartFlag    string
	workflowOwnerFlag    string
)

var workflowCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a workflow and schedule its first run",
	RunE:  runWorkflowCreate,
}

var workflowLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List workflows",
	RunE:  runWorkflowLs,
}

var workflowActivateCmd = &cobra.Command{
	Use:   "activate <workflow-id>",
	Short: "Activate a workflow, re-arming its schedule if the chain stopped",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkflowActivate,
}

var workflowDeactivateCmd = &cobra.Command{
	Use:   "deactivate <workflow-id>",
	Short: "Deactivate a workflow at its next reschedule point",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkflowDeactivate,
}

var workflowTasksCmd = &cobra.Command{
	Use:   "tasks <workflow-id>",
	Short: "List a workflow's run history",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkflowTasks,
}

func init() {
	WorkflowCmd.PersistentFlags().StringVar(&workflowOwnerFlag, "owner", "local", "Owner id for API requests")

	workflowCreateCmd.Flags().StringVar(&workflowQueryFlag, "query", "", "Standing query the workflow analyzes each run (required)")
	workflowCreateCmd.Flags().IntVar(&workflowIntervalFlag, "interval", 3600, "Run interval in seconds")
	workflowCreateCmd.Flags().StringVar(&workflowStartFlag, "start", "", "First run anchor, RFC3339 (default: now)")
	workflowCreateCmd.MarkFlagRequired("query")

	WorkflowCmd.AddCommand(workflowCreateCmd)
	WorkflowCmd.AddCommand(workflowLsCmd)
	WorkflowCmd.AddCommand(workflowActivateCmd)
	WorkflowCmd.AddCommand(workflowDeactivateCmd)
	WorkflowCmd.AddCommand(workflowTasksCmd)
}

// apiURL builds a service URL from the configured port.
func apiURL(path string) (string, error) {
	cfg, err := config.Load()
	if err != nil {
		return "", fmt.Errorf("failed to load config: %w", err)
	}
	return fmt.Sprintf("http://localhost:%d%s", cfg.Server.Port, path), nil
}

// apiDo issues one request to the service and decodes the JSON response
// into out when the status is 2xx.
func apiDo(method, path string, body interface{}, out interface{}) error {
	url, err := apiURL(path)
	if err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Owner-ID", workflowOwnerFlag)

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed (is the service running?): %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s", apiErr.Error)
		}
		return fmt.Errorf("service returned %d", resp.StatusCode)
	}

	if out != nil {
		return json.Unmarshal(data, out)
	}
	return nil
}

func runWorkflowCreate(cmd *cobra.Command, args []string) error {
	body := map[string]interface{}{
		"query":            workflowQueryFlag,
		"interval_seconds": workflowIntervalFlag,
	}
	if workflowStartFlag != "" {
		start, err := time.Parse(time.RFC3339, workflowStartFlag)
		if err != nil {
			return fmt.Errorf("invalid --start value: %w", err)
		}
		body["start_time_utc"] = start.UTC().Format(time.RFC3339)
	}

	var created schedule.Workflow
	if err := apiDo(http.MethodPost, "/api/workflows", body, &created); err != nil {
		return err
	}

	fmt.Printf("Created workflow %s\n", created.ID)
	fmt.Printf("  Query:    %s\n", created.Query)
	fmt.Printf("  Interval: %ds\n", created.IntervalSeconds)
	fmt.Printf("  Anchor:   %s\n", created.StartTimeUTC.Format(time.RFC3339))
	return nil
}

func runWorkflowLs(cmd *cobra.Command, args []string) error {
	var workflows []*schedule.Workflow
	if err := apiDo(http.MethodGet, "/api/workflows", nil, &workflows); err != nil {
		return err
	}

	if len(workflows) == 0 {
		fmt.Println("No workflows")
		return nil
	}

	for _, w := range workflows {
		state := "inactive"
		if w.Active {
			state = "active"
		}
		fmt.Printf("%s  [%s]  every %ds  %q\n", w.ID, state, w.IntervalSeconds, w.Query)
		if w.LastRunAtUTC != nil {
			fmt.Printf("  last run: %s\n", w.LastRunAtUTC.Format(time.RFC3339))
		}
		if w.NextRunAtUTC != nil {
			fmt.Printf("  next run: %s\n", w.NextRunAtUTC.Format(time.RFC3339))
		}
	}
	return nil
}

func runWorkflowActivate(cmd *cobra.Command, args []string) error {
	var workflow schedule.Workflow
	if err := apiDo(http.MethodPost, "/api/workflows/"+args[0]+"/activate", nil, &workflow); err != nil {
		return err
	}
	fmt.Printf("Activated workflow %s\n", workflow.ID)
	if workflow.NextRunAtUTC != nil {
		fmt.Printf("  next run: %s\n", workflow.NextRunAtUTC.Format(time.RFC3339))
	}
	return nil
}

func runWorkflowDeactivate(cmd *cobra.Command, args []string) error {
	if err := apiDo(http.MethodPost, "/api/workflows/"+args[0]+"/deactivate", nil, nil); err != nil {
		return err
	}
	fmt.Printf("Deactivated workflow %s\n", args[0])
	return nil
}

func runWorkflowTasks(cmd *cobra.Command, args []string) error {
	var tasks []*schedule.Task
	if err := apiDo(http.MethodGet, "/api/workflows/"+args[0]+"/tasks", nil, &tasks); err != nil {
		return err
	}

	if len(tasks) == 0 {
		fmt.Println("No tasks")
		return nil
	}

	for _, t := range tasks {
		fmt.Printf("%s  [%s]  scheduled %s\n", t.TaskID, t.Status, t.ScheduledRunAt.Format(time.RFC3339))
		if t.CompletedAt != nil {
			fmt.Printf("  finished: %s\n", t.CompletedAt.Format(time.RFC3339))
		}
	}
	return nil
}
