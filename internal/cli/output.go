package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/raphaelgruber/batchgen/internal/client"
	"gopkg.in/yaml.v3"
)

// printStructured writes v as JSON or YAML depending on --output.
// It returns false for text output.
func printStructured(w io.Writer, v any) (bool, error) {
	switch outputFormat {
	case "json":
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return true, fmt.Errorf("encode json: %w", err)
		}
		_, err = fmt.Fprintln(w, string(data))
		return true, err
	case "yaml":
		data, err := toYAML(v)
		if err != nil {
			return true, err
		}
		_, err = w.Write(data)
		return true, err
	}
	return false, nil
}

// toYAML renders v through its JSON form so keys keep their API names
// and order.
func toYAML(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode json: %w", err)
	}
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return nil, fmt.Errorf("decode json as yaml: %w", err)
	}
	// JSON maps and sequences decode as flow style.
	setBlockStyle(&node)
	out, err := yaml.Marshal(&node)
	if err != nil {
		return nil, fmt.Errorf("encode yaml: %w", err)
	}
	return out, nil
}

func setBlockStyle(n *yaml.Node) {
	n.Style &^= yaml.FlowStyle
	for _, c := range n.Content {
		setBlockStyle(c)
	}
}

func batchName(b *client.Batch) string {
	if b.Name != nil && *b.Name != "" {
		return *b.Name
	}
	return "-"
}

func printBatchTable(w io.Writer, batches []client.Batch) {
	fmt.Fprintf(w, "%-36s %-20s %-10s %-8s %-8s %s\n", "ID", "NAME", "STATUS", "PROMPTS", "IMAGES", "CREATED")
	fmt.Fprintln(w, strings.Repeat("-", 100))
	for i := range batches {
		b := &batches[i]
		images := fmt.Sprintf("%d/%d", b.ImageCount(), len(b.Prompts)*b.ImageCountPerPrompt)
		fmt.Fprintf(w, "%-36s %-20s %s %-8d %-8s %s\n",
			b.ID, truncate(batchName(b), 20), defaultTheme.status(fmt.Sprintf("%-10s", b.Status)), len(b.Prompts), images,
			b.CreatedAt.Local().Format("2006-01-02 15:04"))
	}
}

func printBatch(w io.Writer, b *client.Batch) {
	fmt.Fprintf(w, "Batch: %s\n", b.ID)
	fmt.Fprintf(w, "  Name: %s\n", batchName(b))
	fmt.Fprintf(w, "  Status: %s\n", defaultTheme.status(b.Status))
	if b.Running {
		fmt.Fprintf(w, "  Running: yes\n")
	}
	fmt.Fprintf(w, "  Images per prompt: %d\n", b.ImageCountPerPrompt)
	if b.RequiresReference {
		fmt.Fprintf(w, "  Requires reference: yes\n")
	}
	fmt.Fprintf(w, "  Created: %s\n", b.CreatedAt.Format(time.RFC3339))

	for _, ref := range b.ReferenceImages {
		fmt.Fprintf(w, "  Reference: %s (%s)\n", apiClient.ImageURL(ref.Href), ref.MIMEType)
	}

	fmt.Fprintf(w, "\nPrompts (%d):\n", len(b.Prompts))
	for _, p := range b.Prompts {
		fmt.Fprintf(w, "  %d. %s\n", p.Position+1, p.Text)
		for _, img := range p.GeneratedImages {
			fmt.Fprintf(w, "     %s\n", defaultTheme.hintStyle().Render(apiClient.ImageURL(img.Href)))
		}
	}
}

func printRun(w io.Writer, run *client.Run) {
	fmt.Fprintf(w, "Run: %s\n", run.ID)
	fmt.Fprintf(w, "  Batch: %s\n", run.BatchID)
	fmt.Fprintf(w, "  Status: %s\n", defaultTheme.status(run.Status))
	fmt.Fprintf(w, "  Progress: %d/%d\n", run.Completed, run.Total)
	fmt.Fprintf(w, "  Started: %s\n", run.StartedAt.Format(time.RFC3339))
	if run.CompletedAt != nil {
		fmt.Fprintf(w, "  Completed: %s\n", run.CompletedAt.Format(time.RFC3339))
		fmt.Fprintf(w, "  Duration: %s\n", run.CompletedAt.Sub(run.StartedAt).Round(time.Second))
	}
	if run.Error != "" {
		fmt.Fprintf(w, "  Error: %s\n", run.Error)
	}
}

// truncate shortens a string to maxLen runes, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	if maxLen < 3 {
		return string(r[:maxLen])
	}
	return string(r[:maxLen-3]) + "..."
}

var stdout io.Writer = os.Stdout
