// Package llm provides prompt expansion through langchaingo providers
// (OpenAI, Anthropic, Ollama, Bedrock).
package llm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/raphaelgruber/batchgen/internal/config"
	"github.com/raphaelgruber/batchgen/internal/expand"
	"github.com/raphaelgruber/batchgen/internal/metrics"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/bedrock"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
)

const systemPrompt = `You are a creative director writing prompts for an image generation model.
Reply with JSON only. Do not wrap the JSON in prose.`

// Expander wraps a langchaingo model for prompt expansion.
type Expander struct {
	llm       llms.Model
	modelName string
	metrics   *metrics.Collector
}

// NewExpander creates an expander for cfg.PromptProvider.
func NewExpander(ctx context.Context, cfg config.Config, collector *metrics.Collector) (*Expander, error) {
	var model llms.Model
	var err error

	switch cfg.PromptProvider {
	case config.ProviderOllama:
		model, err = ollama.New(
			ollama.WithModel(cfg.PromptModel),
			ollama.WithServerURL(cfg.OllamaHost),
		)
		if err != nil {
			return nil, fmt.Errorf("create ollama model: %w", err)
		}

	case config.ProviderOpenAI:
		if cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("OpenAI API key required")
		}
		model, err = openai.New(
			openai.WithToken(cfg.OpenAIAPIKey),
			openai.WithModel(cfg.PromptModel),
		)
		if err != nil {
			return nil, fmt.Errorf("create openai model: %w", err)
		}

	case config.ProviderAnthropic:
		if cfg.AnthropicAPIKey == "" {
			return nil, fmt.Errorf("Anthropic API key required")
		}
		model, err = anthropic.New(
			anthropic.WithToken(cfg.AnthropicAPIKey),
			anthropic.WithModel(cfg.PromptModel),
		)
		if err != nil {
			return nil, fmt.Errorf("create anthropic model: %w", err)
		}

	case config.ProviderBedrock:
		awsCfg, awsErr := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
		if awsErr != nil {
			return nil, fmt.Errorf("load aws config: %w", awsErr)
		}
		model, err = bedrock.New(
			bedrock.WithClient(bedrockruntime.NewFromConfig(awsCfg)),
			bedrock.WithModel(cfg.PromptModel),
		)
		if err != nil {
			return nil, fmt.Errorf("create bedrock model: %w", err)
		}

	default:
		return nil, fmt.Errorf("unsupported prompt provider: %s", cfg.PromptProvider)
	}

	return &Expander{llm: model, modelName: cfg.PromptModel, metrics: collector}, nil
}

// Expand implements expand.Expander.
func (e *Expander) Expand(ctx context.Context, req expand.Request) (*expand.Expansion, error) {
	parts := []llms.ContentPart{llms.TextPart(expand.Instruction(req))}
	if req.Reference != nil && len(req.Reference.Data) > 0 {
		parts = append(parts, llms.BinaryPart(req.Reference.MIMEType, req.Reference.Data))
	}
	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, systemPrompt),
		{Role: llms.ChatMessageTypeHuman, Parts: parts},
	}

	start := time.Now()
	resp, err := e.llm.GenerateContent(ctx, messages)
	duration := time.Since(start)
	if err != nil {
		if e.metrics != nil {
			e.metrics.RecordFailure(metrics.OpPromptExpand, duration)
		}
		slog.Warn("prompt expansion failed", "model", e.modelName, "duration_ms", duration.Milliseconds(), "error", err)
		return nil, fmt.Errorf("expand prompt: %w", wrapFatalError(err))
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("expand prompt: no response choices")
	}

	choice := resp.Choices[0]
	if e.metrics != nil {
		in, out := usageFrom(choice.GenerationInfo)
		e.metrics.RecordModelUsage(metrics.OpPromptExpand, duration, in, out)
	}

	return expand.Parse(choice.Content)
}

// usageFrom reads token counts from provider generation info. Providers use
// different key names.
func usageFrom(info map[string]any) (int64, int64) {
	in := firstInt(info, "PromptTokens", "InputTokens", "prompt_tokens", "input_tokens")
	out := firstInt(info, "CompletionTokens", "OutputTokens", "completion_tokens", "output_tokens")
	return in, out
}

func firstInt(info map[string]any, keys ...string) int64 {
	for _, k := range keys {
		switch v := info[k].(type) {
		case int:
			return int64(v)
		case int32:
			return int64(v)
		case int64:
			return v
		case float64:
			return int64(v)
		}
	}
	return 0
}
