package cli

import (
	"fmt"

	"github.com/raphaelgruber/batchgen/internal/client"
	"github.com/spf13/cobra"
)

var generateWait bool

var generateCmd = &cobra.Command{
	Use:   "generate <batch-id>",
	Short: "Generate images for a batch",
	Long: `Start image generation for an existing batch.

By default the run starts in the background on the server. With --wait the
command follows the run until it finishes and shows its progress.

Examples:
  batchgen generate 6f1c...
  batchgen generate 6f1c... --wait`,
	Args: cobra.ExactArgs(1),
	RunE: runGenerate,
}

func init() {
	generateCmd.Flags().BoolVarP(&generateWait, "wait", "w", false, "wait for generation to finish")
}

func runGenerate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	id := args[0]

	res, err := apiClient.Generate(ctx, id, true)
	switch {
	case client.IsNotFound(err):
		return fmt.Errorf("batch not found: %s", id)
	case client.IsConflict(err):
		return fmt.Errorf("generation already in progress for %s", id)
	case err != nil:
		return fmt.Errorf("start generation: %w", err)
	}

	if !generateWait {
		if ok, err := printStructured(stdout, res.Run); ok {
			return err
		}
		fmt.Fprintf(stdout, "Started run %s (%d images)\n", res.Run.ID, res.Run.Total)
		fmt.Fprintf(stdout, "Use 'batchgen runs %s' to check status.\n", res.Run.ID)
		return nil
	}

	return waitAndShow(ctx, id, res.Run.ID)
}
