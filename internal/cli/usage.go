package cli

import (
	"fmt"
	"io"
	"maps"
	"slices"

	"github.com/raphaelgruber/batchgen/internal/metrics"
	"github.com/spf13/cobra"
)

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show server statistics",
	Long: `Show server runtime statistics: run counts, generated images and
timings per operation (image generation, prompt expansion, storage, database).

Statistics are in-memory and reset when the server restarts.`,
	Args: cobra.NoArgs,
	RunE: runUsage,
}

func runUsage(cmd *cobra.Command, args []string) error {
	stats, err := apiClient.Stats(cmd.Context())
	if err != nil {
		return fmt.Errorf("get server stats: %w", err)
	}
	if ok, err := printStructured(stdout, stats); ok {
		return err
	}
	printServerStats(stdout, stats)
	return nil
}

// printServerStats displays server runtime statistics.
func printServerStats(w io.Writer, stats *metrics.Snapshot) {
	fmt.Fprintf(w, "Server Statistics (in-memory, since restart)\n")
	fmt.Fprintf(w, "═══════════════════════════════════════════════\n")
	fmt.Fprintf(w, "Uptime: %.1f seconds\n", stats.UptimeSeconds)

	fmt.Fprintf(w, "\nRuns:\n")
	fmt.Fprintf(w, "  Completed: %d, Failed: %d\n", stats.Runs.Completed, stats.Runs.Failed)
	fmt.Fprintf(w, "  Images generated: %d\n", stats.Runs.Images)

	for _, name := range slices.Sorted(maps.Keys(stats.Operations)) {
		op := stats.Operations[name]
		fmt.Fprintf(w, "\n%s:\n", name)
		printOpStats(w, op)
		printTokenStats(w, op)
	}
}

// printOpStats displays timing statistics for an operation.
func printOpStats(w io.Writer, op metrics.OperationSnapshot) {
	fmt.Fprintf(w, "  Calls: %d, Failures: %d, Total: %dms\n", op.Count, op.Failures, op.TotalTimeMs)
	fmt.Fprintf(w, "  Time: avg %.1fms, min %dms, max %dms\n",
		op.AvgTimeMs, op.MinTimeMs, op.MaxTimeMs)
}

// printTokenStats displays token statistics if available.
func printTokenStats(w io.Writer, op metrics.OperationSnapshot) {
	if op.TotalInputTokens == nil || op.TotalOutputTokens == nil {
		return
	}
	fmt.Fprintf(w, "  Tokens In:  %d total\n", *op.TotalInputTokens)
	fmt.Fprintf(w, "  Tokens Out: %d total\n", *op.TotalOutputTokens)
}
