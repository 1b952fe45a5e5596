package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/timelinehq/timeline/cmd/timeline/commands"
	"github.com/timelinehq/timeline/logger"
)

var rootCmd = &cobra.Command{
	Use:   "timeline",
	Short: "timeline - self-perpetuating analysis workflows",
	Long: `timeline - recurring research workflows that schedule themselves.

Each workflow run interprets a standing query, retrieves documents published
since the previous run, synthesizes an answer, and schedules its own successor.

Available commands:
  serve    - Start the API server, queue dispatcher, and runner
  workflow - Create and manage workflows
  db       - Database operations (migrate, stats)
  version  - Show version information

Examples:
  timeline serve                              # Run the full service
  timeline workflow create --query "..."      # Create a workflow
  timeline workflow ls                        # List workflows
  timeline db migrate                         # Apply schema migrations`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		if err := logger.Initialize(jsonLogs); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().Bool("json-logs", false, "Emit logs as JSON instead of console output")

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.WorkflowCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
