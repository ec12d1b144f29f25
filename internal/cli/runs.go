package cli

import (
	"fmt"

	"github.com/raphaelgruber/batchgen/internal/client"
	"github.com/spf13/cobra"
)

var runsBatch string

var runsCmd = &cobra.Command{
	Use:   "runs [run-id]",
	Short: "List or inspect generation runs",
	Long: `List recent generation runs or inspect a specific run by ID.

Examples:
  batchgen runs                 # List recent runs
  batchgen runs --batch 6f1c... # Runs of one batch
  batchgen runs abc123          # Show details for run abc123`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRuns,
}

func init() {
	runsCmd.Flags().StringVarP(&runsBatch, "batch", "b", "", "only runs of this batch")
}

func runRuns(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	if len(args) == 1 {
		run, err := apiClient.GetRun(ctx, args[0])
		if client.IsNotFound(err) {
			return fmt.Errorf("run not found: %s", args[0])
		}
		if err != nil {
			return fmt.Errorf("get run: %w", err)
		}
		if ok, err := printStructured(stdout, run); ok {
			return err
		}
		printRun(stdout, run)
		return nil
	}

	runs, err := apiClient.ListRuns(ctx, runsBatch)
	if err != nil {
		return fmt.Errorf("list runs: %w", err)
	}
	if ok, err := printStructured(stdout, runs); ok {
		return err
	}

	if len(runs) == 0 {
		fmt.Fprintln(stdout, "No runs found")
		return nil
	}

	fmt.Fprintf(stdout, "%-36s %-36s %-10s %-10s %s\n", "ID", "BATCH", "STATUS", "PROGRESS", "STARTED")
	fmt.Fprintln(stdout, "--------------------------------------------------------------------------------------------------------------")
	for _, run := range runs {
		progress := fmt.Sprintf("%d/%d", run.Completed, run.Total)
		started := run.StartedAt.Local().Format("2006-01-02 15:04:05")
		fmt.Fprintf(stdout, "%-36s %-36s %s %-10s %s\n",
			run.ID, run.BatchID, defaultTheme.status(fmt.Sprintf("%-10s", run.Status)), progress, started)
	}
	return nil
}
