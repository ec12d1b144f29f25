// Package expand turns a mega prompt into individual image prompts. It owns
// the instruction sent to the text model and the parsing of its reply; the
// model clients live in the gemini and llm packages.
package expand

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/raphaelgruber/batchgen/internal/models"
)

// DefaultCount is the number of prompts requested when the caller gives none.
const DefaultCount = 5

// ErrEmptyExpansion is returned when the model reply yields no prompts.
var ErrEmptyExpansion = errors.New("expansion produced no prompts")

// Mode tells how an expansion reply was interpreted.
type Mode string

const (
	// ModeStructured means the reply decoded as an array of prompt specs.
	ModeStructured Mode = "structured"
	// ModeFallback means the reply was split into lines.
	ModeFallback Mode = "fallback"
)

// Request is one expansion call.
type Request struct {
	MegaPrompt string
	Count      int
	Reference  *models.ImageData // optional
}

// Expander asks a text model to expand a mega prompt.
type Expander interface {
	Expand(ctx context.Context, req Request) (*Expansion, error)
}

// Spec is one structured prompt as returned by the model. ID is whatever
// number the model chose; it is informational only.
type Spec struct {
	ID                       json.Number `json:"id"`
	Concept                  string      `json:"concept"`
	VisualSetup              string      `json:"visual_setup"`
	WhyChannel               string      `json:"why_channel"`
	PromptForImageGeneration string      `json:"prompt_for_image_generation"`
	NegativePrompts          []string    `json:"negative_prompts"`
}

// ImagePrompt is the payload handed to image generation for a structured spec.
// It is serialized to a JSON string and stored as the prompt text.
type ImagePrompt struct {
	PromptForImageGeneration string   `json:"prompt_for_image_generation"`
	NegativePrompts          []string `json:"negative_prompts"`
}

// Expansion is the tagged result of an expansion.
// Specs is set in structured mode only; Prompts is always set.
type Expansion struct {
	Mode    Mode
	Specs   []Spec
	Prompts []string
}

// Instruction builds the text sent to the model for req.
func Instruction(req Request) string {
	count := req.Count
	if count <= 0 {
		count = DefaultCount
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Generate exactly %d distinct image generation prompts based on the brief below.\n", count)
	b.WriteString("Return a JSON array. Each element must be an object with the fields: ")
	b.WriteString("id (number), concept, visual_setup, why_channel, prompt_for_image_generation (strings) ")
	b.WriteString("and negative_prompts (array of strings).\n")
	if req.Reference != nil {
		b.WriteString("A reference image is attached; every prompt must keep its subject recognisable.\n")
	}
	b.WriteString("\nBrief:\n")
	b.WriteString(req.MegaPrompt)
	return b.String()
}

// Parse interprets a model reply. A JSON array of objects (optionally wrapped
// in a markdown code fence) yields a structured expansion; anything else is
// split into non-blank lines. A reply that is a JSON string or an array of
// strings is decoded before splitting.
func Parse(reply string) (*Expansion, error) {
	text := stripCodeFence(strings.TrimSpace(reply))

	var specs []Spec
	if err := json.Unmarshal([]byte(text), &specs); err == nil && len(specs) > 0 {
		prompts := make([]string, 0, len(specs))
		kept := specs[:0]
		for _, s := range specs {
			if strings.TrimSpace(s.PromptForImageGeneration) == "" {
				continue
			}
			if s.NegativePrompts == nil {
				s.NegativePrompts = []string{}
			}
			encoded, err := json.Marshal(ImagePrompt{
				PromptForImageGeneration: s.PromptForImageGeneration,
				NegativePrompts:          s.NegativePrompts,
			})
			if err != nil {
				return nil, fmt.Errorf("encode prompt %s: %w", s.ID, err)
			}
			kept = append(kept, s)
			prompts = append(prompts, string(encoded))
		}
		if len(prompts) > 0 {
			return &Expansion{Mode: ModeStructured, Specs: kept, Prompts: prompts}, nil
		}
	}

	var lines []string
	if err := json.Unmarshal([]byte(text), &lines); err == nil {
		text = strings.Join(lines, "\n")
	}

	var quoted string
	if err := json.Unmarshal([]byte(text), &quoted); err == nil {
		text = quoted
	}

	prompts := splitLines(text)
	if len(prompts) == 0 {
		return nil, ErrEmptyExpansion
	}
	return &Expansion{Mode: ModeFallback, Prompts: prompts}, nil
}

func splitLines(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}

func stripCodeFence(text string) string {
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```")
	// Drop the info string ("json") on the opening fence line
	if nl := strings.IndexByte(text, '\n'); nl >= 0 {
		text = text[nl+1:]
	}
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	return strings.TrimSpace(text)
}
