// Package cli provides the command-line interface for batchgen.
package cli

import (
	"context"
	"fmt"

	"github.com/raphaelgruber/batchgen/internal/client"
	"github.com/spf13/cobra"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	// Global flags
	serverURL    string
	outputFormat string

	apiClient *client.Client
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "batchgen",
	Short: "Batch image generation",
	Long: `Batchgen turns lists of prompts into batches of generated images.

Create a batch from prompts (optionally with a reference image), let the
server generate every image, then inspect, rerun or delete it.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		switch outputFormat {
		case "text", "json", "yaml":
		default:
			return fmt.Errorf("invalid output format %q (want text, json or yaml)", outputFormat)
		}
		apiClient = client.New(serverURL)
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", "", "server URL (default $BATCHGEN_SERVER_URL or http://localhost:8585)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "text", "output format: text, json or yaml")

	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(rerunCmd)
	rootCmd.AddCommand(generateCmd)
	rootCmd.AddCommand(uploadCmd)
	rootCmd.AddCommand(expandCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(usageCmd)
}

