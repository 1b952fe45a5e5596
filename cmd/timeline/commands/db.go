package commands

import (
	"database/sql"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/timelinehq/timeline/config"
	"github.com/timelinehq/timeline/db"
	"github.com/timelinehq/timeline/errors"
	"github.com/timelinehq/timeline/logger"
)

// DbCmd represents the db (database) command
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the timeline database",
	Long: `Manage timeline database operations.

Examples:
  timeline db migrate   # Apply pending schema migrations
  timeline db stats     # Show workflow, task, and invocation counts`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	RunE:  runDbMigrate,
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show database statistics",
	RunE:  runDbStats,
}

func init() {
	DbCmd.AddCommand(dbMigrateCmd)
	DbCmd.AddCommand(dbStatsCmd)
}

// openDatabase opens the configured database and applies migrations.
func openDatabase() (*sql.DB, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load configuration")
	}

	database, err := db.Open(cfg.Database.Path, logger.Get())
	if err != nil {
		return nil, err
	}

	if err := db.Migrate(database, logger.Get()); err != nil {
		database.Close()
		return nil, err
	}

	return database, nil
}

func runDbMigrate(cmd *cobra.Command, args []string) error {
	database, err := openDatabase()
	if err != nil {
		return err
	}
	defer database.Close()

	fmt.Println("Migrations applied")
	return nil
}

func runDbStats(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}

	database, err := openDatabase()
	if err != nil {
		return err
	}
	defer database.Close()

	var workflows, activeWorkflows int
	err = database.QueryRow(`
		SELECT COUNT(*), COALESCE(SUM(active), 0)
		FROM workflows
	`).Scan(&workflows, &activeWorkflows)
	if err != nil && err != sql.ErrNoRows {
		return errors.Wrap(err, "failed to query workflow stats")
	}

	var scheduled, completed, failed int
	err = database.QueryRow(`
		SELECT
			COALESCE(SUM(CASE WHEN status = 'SCHEDULED' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'COMPLETED' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'FAILED' THEN 1 ELSE 0 END), 0)
		FROM tasks
	`).Scan(&scheduled, &completed, &failed)
	if err != nil && err != sql.ErrNoRows {
		return errors.Wrap(err, "failed to query task stats")
	}

	var queued, delivered int
	err = database.QueryRow(`
		SELECT
			COALESCE(SUM(CASE WHEN status = 'queued' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'delivered' THEN 1 ELSE 0 END), 0)
		FROM invocations
	`).Scan(&queued, &delivered)
	if err != nil && err != sql.ErrNoRows {
		return errors.Wrap(err, "failed to query invocation stats")
	}

	fmt.Println("Database Statistics")
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Printf("Database Path:     %s\n", cfg.Database.Path)
	fmt.Printf("Workflows:         %d (%d active)\n", workflows, activeWorkflows)
	fmt.Printf("Tasks:             %d scheduled, %d completed, %d failed\n", scheduled, completed, failed)
	fmt.Printf("Invocations:       %d queued, %d delivered\n", queued, delivered)
	return nil
}
