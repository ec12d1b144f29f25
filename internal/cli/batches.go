package cli

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/raphaelgruber/batchgen/internal/client"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	createPrompts    []string
	createFile       string
	createName       string
	createCount      int
	createReference  string
	createUpload     string
	createRequireRef bool
	createWait       bool
)

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a batch and start generating it",
	Long: `Create a batch from prompts. The server starts generating images right away.

Prompts come from repeated --prompt flags or from a file. A .yaml/.yml file
holds the full batch definition; any other file is read as one prompt per line.

Examples:
  batchgen create -p "a red fox" -p "a blue fox" --count 2
  batchgen create -f prompts.txt --name foxes --wait
  batchgen create -f batch.yaml
  batchgen create -p "the same cat, sleeping" --upload cat.png --require-reference`,
	RunE: runCreate,
}

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List batches",
	Args:    cobra.NoArgs,
	RunE:    runList,
}

var getCmd = &cobra.Command{
	Use:   "get <batch-id>",
	Short: "Show a batch with its prompts and images",
	Args:  cobra.ExactArgs(1),
	RunE:  runGet,
}

var deleteCmd = &cobra.Command{
	Use:     "delete <batch-id>...",
	Aliases: []string{"rm"},
	Short:   "Delete batches and their generated images",
	Args:    cobra.MinimumNArgs(1),
	RunE:    runDelete,
}

var rerunWait bool

var rerunCmd = &cobra.Command{
	Use:   "rerun <batch-id>",
	Short: "Copy a batch and generate it again",
	Args:  cobra.ExactArgs(1),
	RunE:  runRerun,
}

func init() {
	createCmd.Flags().StringArrayVarP(&createPrompts, "prompt", "p", nil, "prompt text (repeatable)")
	createCmd.Flags().StringVarP(&createFile, "file", "f", "", "read prompts or a yaml batch definition from file")
	createCmd.Flags().StringVarP(&createName, "name", "n", "", "batch name")
	createCmd.Flags().IntVarP(&createCount, "count", "c", 0, "images per prompt (default 1)")
	createCmd.Flags().StringVar(&createReference, "reference", "", "reference image id")
	createCmd.Flags().StringVar(&createUpload, "upload", "", "upload a reference image file first and use it")
	createCmd.Flags().BoolVar(&createRequireRef, "require-reference", false, "fail the run if the reference image is missing")
	createCmd.Flags().BoolVarP(&createWait, "wait", "w", false, "wait for generation to finish")
	createCmd.MarkFlagsMutuallyExclusive("reference", "upload")

	rerunCmd.Flags().BoolVarP(&rerunWait, "wait", "w", false, "wait for generation to finish")
}

// loadBatchFile reads a batch definition. YAML files decode into the full
// input; other files contribute one prompt per non-empty line.
func loadBatchFile(path string) (client.CreateBatchInput, error) {
	var in client.CreateBatchInput

	data, err := os.ReadFile(path)
	if err != nil {
		return in, fmt.Errorf("read %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &in); err != nil {
			return in, fmt.Errorf("parse %s: %w", path, err)
		}
		return in, nil
	}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" && !strings.HasPrefix(line, "#") {
			in.Prompts = append(in.Prompts, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return in, fmt.Errorf("read %s: %w", path, err)
	}
	return in, nil
}

func runCreate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	var in client.CreateBatchInput
	if createFile != "" {
		var err error
		if in, err = loadBatchFile(createFile); err != nil {
			return err
		}
	}

	// Flags override the file.
	in.Prompts = append(in.Prompts, createPrompts...)
	if createName != "" {
		in.Name = &createName
	}
	if createCount > 0 {
		in.ImageCountPerPrompt = createCount
	}
	if createRequireRef {
		in.RequiresReference = true
	}
	if createReference != "" {
		in.ReferenceImageID = createReference
	}

	if len(in.Prompts) == 0 {
		return fmt.Errorf("no prompts given (use --prompt or --file)")
	}

	if createUpload != "" {
		ref, err := uploadFile(ctx, createUpload)
		if err != nil {
			return err
		}
		in.ReferenceImageID = ref.ID
	}

	batch, err := apiClient.CreateBatch(ctx, in)
	if err != nil {
		return fmt.Errorf("create batch: %w", err)
	}

	if !createWait {
		if ok, err := printStructured(stdout, batch); ok {
			return err
		}
		fmt.Fprintf(stdout, "Created batch %s (%d prompts, %d images)\n",
			batch.ID, len(batch.Prompts), len(batch.Prompts)*batch.ImageCountPerPrompt)
		fmt.Fprintf(stdout, "Use 'batchgen get %s' to check progress.\n", batch.ID)
		return nil
	}

	return waitAndShow(ctx, batch.ID, "")
}

func runList(cmd *cobra.Command, args []string) error {
	batches, err := apiClient.ListBatches(cmd.Context())
	if err != nil {
		return fmt.Errorf("list batches: %w", err)
	}

	if ok, err := printStructured(stdout, batches); ok {
		return err
	}
	if len(batches) == 0 {
		fmt.Fprintln(stdout, "No batches found")
		return nil
	}
	printBatchTable(stdout, batches)
	return nil
}

func runGet(cmd *cobra.Command, args []string) error {
	batch, err := apiClient.GetBatch(cmd.Context(), args[0])
	if client.IsNotFound(err) {
		return fmt.Errorf("batch not found: %s", args[0])
	}
	if err != nil {
		return fmt.Errorf("get batch: %w", err)
	}

	if ok, err := printStructured(stdout, batch); ok {
		return err
	}
	printBatch(stdout, batch)
	return nil
}

func runDelete(cmd *cobra.Command, args []string) error {
	var failed int
	for _, id := range args {
		err := apiClient.DeleteBatch(cmd.Context(), id)
		switch {
		case err == nil:
			fmt.Fprintf(stdout, "Deleted %s\n", id)
		case client.IsNotFound(err):
			failed++
			fmt.Fprintf(os.Stderr, "Not found: %s\n", id)
		case client.IsConflict(err):
			failed++
			fmt.Fprintf(os.Stderr, "Generation in progress, not deleted: %s\n", id)
		default:
			return fmt.Errorf("delete %s: %w", id, err)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d batches not deleted", failed, len(args))
	}
	return nil
}

func runRerun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	batch, err := apiClient.Rerun(ctx, args[0])
	if client.IsNotFound(err) {
		return fmt.Errorf("batch not found: %s", args[0])
	}
	if err != nil {
		return fmt.Errorf("rerun batch: %w", err)
	}

	if !rerunWait {
		if ok, err := printStructured(stdout, batch); ok {
			return err
		}
		fmt.Fprintf(stdout, "Created batch %s from %s\n", batch.ID, args[0])
		return nil
	}
	return waitAndShow(ctx, batch.ID, "")
}

// waitAndShow follows a batch until its run ends and prints the result.
func waitAndShow(ctx context.Context, batchID, runID string) error {
	waitErr := WatchProgress(ctx, apiClient, batchID, runID)

	batch, err := apiClient.GetBatch(ctx, batchID)
	if err != nil {
		if waitErr != nil {
			return waitErr
		}
		return fmt.Errorf("get batch: %w", err)
	}
	if ok, err := printStructured(stdout, batch); ok {
		if err != nil {
			return err
		}
		return waitErr
	}
	if waitErr == nil {
		fmt.Fprintln(stdout)
		printBatch(stdout, batch)
	}
	return waitErr
}
