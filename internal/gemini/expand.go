package gemini

import (
	"context"
	"fmt"
	"time"

	"github.com/raphaelgruber/batchgen/internal/expand"
	"github.com/raphaelgruber/batchgen/internal/metrics"
	"google.golang.org/genai"
)

// promptSchema constrains the expansion reply to an array of prompt specs.
var promptSchema = &genai.Schema{
	Type: genai.TypeArray,
	Items: &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"id":                          {Type: genai.TypeNumber},
			"concept":                     {Type: genai.TypeString},
			"visual_setup":                {Type: genai.TypeString},
			"why_channel":                 {Type: genai.TypeString},
			"prompt_for_image_generation": {Type: genai.TypeString},
			"negative_prompts": {
				Type:  genai.TypeArray,
				Items: &genai.Schema{Type: genai.TypeString},
			},
		},
		Required: []string{
			"id", "concept", "visual_setup", "why_channel",
			"prompt_for_image_generation", "negative_prompts",
		},
	},
}

// Expander expands mega prompts with a Gemini text model using a JSON response schema.
type Expander struct {
	models  contentGenerator
	model   string
	metrics *metrics.Collector
}

// NewExpander creates an expander on client using model.
func NewExpander(client *genai.Client, model string, collector *metrics.Collector) *Expander {
	return &Expander{models: client.Models, model: model, metrics: collector}
}

// Expand implements expand.Expander.
func (e *Expander) Expand(ctx context.Context, req expand.Request) (*expand.Expansion, error) {
	var refData []byte
	var refMIME string
	if req.Reference != nil {
		refData, refMIME = req.Reference.Data, req.Reference.MIMEType
	}

	cfg := &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		ResponseSchema:   promptSchema,
	}

	start := time.Now()
	resp, err := e.models.GenerateContent(ctx, e.model, userContent(expand.Instruction(req), refData, refMIME), cfg)
	duration := time.Since(start)
	if err != nil {
		if e.metrics != nil {
			e.metrics.RecordFailure(metrics.OpPromptExpand, duration)
		}
		return nil, fmt.Errorf("expand prompt: %w", err)
	}
	if e.metrics != nil {
		in, out := tokenUsage(resp)
		e.metrics.RecordModelUsage(metrics.OpPromptExpand, duration, in, out)
	}

	return expand.Parse(responseText(resp))
}
