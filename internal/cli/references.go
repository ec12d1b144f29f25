package cli

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"

	"github.com/raphaelgruber/batchgen/internal/client"
	"github.com/spf13/cobra"
)

var uploadCmd = &cobra.Command{
	Use:   "upload <image-file>",
	Short: "Upload a reference image",
	Long: `Upload a reference image. The printed id can be passed to
'batchgen create --reference', the storage key to 'batchgen expand --reference'.`,
	Args: cobra.ExactArgs(1),
	RunE: runUpload,
}

var (
	expandCount     int
	expandReference string
	expandCreate    bool
	expandName      string
	expandImages    int
)

var expandCmd = &cobra.Command{
	Use:   "expand <mega-prompt>",
	Short: "Expand a mega prompt into individual prompts",
	Long: `Ask the model to turn one mega prompt into a list of prompts.

Examples:
  batchgen expand "a fox in every season" --count 4
  batchgen expand "this cat in ten famous paintings" --count 10 --reference <storage-key>
  batchgen expand "foxes at night" --create --name night-foxes`,
	Args: cobra.ExactArgs(1),
	RunE: runExpand,
}

func init() {
	expandCmd.Flags().IntVarP(&expandCount, "count", "c", 0, "number of prompts (default 5)")
	expandCmd.Flags().StringVar(&expandReference, "reference", "", "reference image storage key to guide the expansion")
	expandCmd.Flags().BoolVar(&expandCreate, "create", false, "create a batch from the expanded prompts")
	expandCmd.Flags().StringVarP(&expandName, "name", "n", "", "batch name (with --create)")
	expandCmd.Flags().IntVar(&expandImages, "images", 0, "images per prompt (with --create)")
}

// uploadFile reads a local image and uploads it as a reference.
func uploadFile(ctx context.Context, path string) (*client.ReferenceImage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	ref, err := apiClient.UploadReference(ctx, filepath.Base(path), mime.TypeByExtension(filepath.Ext(path)), data)
	if err != nil {
		return nil, fmt.Errorf("upload %s: %w", path, err)
	}
	return ref, nil
}

func runUpload(cmd *cobra.Command, args []string) error {
	ref, err := uploadFile(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	if ok, err := printStructured(stdout, ref); ok {
		return err
	}
	fmt.Fprintf(stdout, "Uploaded reference image\n")
	fmt.Fprintf(stdout, "  ID: %s\n", ref.ID)
	fmt.Fprintf(stdout, "  Storage key: %s\n", ref.StorageKey)
	fmt.Fprintf(stdout, "  Type: %s\n", ref.MIMEType)
	fmt.Fprintf(stdout, "  URL: %s\n", apiClient.ImageURL(ref.Href))
	return nil
}

func runExpand(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	exp, err := apiClient.ExpandPrompts(ctx, args[0], expandCount, expandReference)
	if err != nil {
		return fmt.Errorf("expand prompts: %w", err)
	}

	if !expandCreate {
		if ok, err := printStructured(stdout, exp); ok {
			return err
		}
		for i, p := range exp.Prompts {
			fmt.Fprintf(stdout, "%d. %s\n", i+1, p)
		}
		if exp.Mode == "fallback" {
			fmt.Fprintln(stdout, defaultTheme.hintStyle().Render("(reply was not structured; prompts split by line)"))
		}
		return nil
	}

	in := client.CreateBatchInput{Prompts: exp.Prompts, ImageCountPerPrompt: expandImages}
	if expandName != "" {
		in.Name = &expandName
	}
	batch, err := apiClient.CreateBatch(ctx, in)
	if err != nil {
		return fmt.Errorf("create batch: %w", err)
	}
	if ok, err := printStructured(stdout, batch); ok {
		return err
	}
	fmt.Fprintf(stdout, "Created batch %s with %d prompts\n", batch.ID, len(batch.Prompts))
	return nil
}
