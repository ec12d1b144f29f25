package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/raphaelgruber/batchgen/internal/metrics"
	"github.com/raphaelgruber/batchgen/internal/models"
	"google.golang.org/genai"
)

// ErrNoImage is returned when the model response carries no inline image.
var ErrNoImage = errors.New("the AI model did not return an image, please try again")

// ImageOptions configures image generation.
type ImageOptions struct {
	Model        string
	ImageSize    string // "1K", "2K" or "4K"
	GoogleSearch bool   // ground generation with the Google Search tool
}

// ImageGenerator produces images from a text prompt and optional reference image.
type ImageGenerator struct {
	models  contentGenerator
	opts    ImageOptions
	metrics *metrics.Collector
}

// NewImageGenerator creates an image generator on client.
func NewImageGenerator(client *genai.Client, opts ImageOptions, collector *metrics.Collector) *ImageGenerator {
	return &ImageGenerator{models: client.Models, opts: opts, metrics: collector}
}

// GenerateImage sends prompt (and ref, when non-nil) to the image model and
// returns the first inline image of the response.
func (g *ImageGenerator) GenerateImage(ctx context.Context, prompt string, ref *models.ImageData) (*models.ImageData, error) {
	var refData []byte
	var refMIME string
	if ref != nil {
		refData, refMIME = ref.Data, ref.MIMEType
	}

	cfg := &genai.GenerateContentConfig{
		ResponseModalities: []string{"TEXT", "IMAGE"},
	}
	if g.opts.ImageSize != "" {
		cfg.ImageConfig = &genai.ImageConfig{ImageSize: g.opts.ImageSize}
	}
	if g.opts.GoogleSearch {
		cfg.Tools = []*genai.Tool{{GoogleSearch: &genai.GoogleSearch{}}}
	}

	start := time.Now()
	resp, err := g.models.GenerateContent(ctx, g.opts.Model, userContent(prompt, refData, refMIME), cfg)
	duration := time.Since(start)
	if err != nil {
		g.recordFailure(duration)
		return nil, fmt.Errorf("generate image: %w", err)
	}

	for _, cand := range resp.Candidates {
		if cand == nil || cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if part == nil || part.InlineData == nil || len(part.InlineData.Data) == 0 {
				continue
			}
			if g.metrics != nil {
				in, out := tokenUsage(resp)
				g.metrics.RecordModelUsage(metrics.OpImageGenerate, duration, in, out)
			}
			mimeType := part.InlineData.MIMEType
			if mimeType == "" {
				mimeType = "image/png"
			}
			return &models.ImageData{Data: part.InlineData.Data, MIMEType: mimeType}, nil
		}
	}

	g.recordFailure(duration)
	if text := responseText(resp); text != "" {
		slog.Warn("image model answered without an image", "model", g.opts.Model, "text", truncate(text, 200))
	}
	return nil, ErrNoImage
}

func (g *ImageGenerator) recordFailure(d time.Duration) {
	if g.metrics != nil {
		g.metrics.RecordFailure(metrics.OpImageGenerate, d)
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
