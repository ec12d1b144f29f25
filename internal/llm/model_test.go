package llm

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/raphaelgruber/batchgen/internal/config"
	"github.com/raphaelgruber/batchgen/internal/expand"
	"github.com/raphaelgruber/batchgen/internal/metrics"
	"github.com/raphaelgruber/batchgen/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
)

func TestIsFatalAPIError(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		fatal bool
	}{
		{"nil error", nil, false},
		{"generic error", errors.New("connection reset"), false},
		{"credit balance", errors.New("insufficient credit balance"), true},
		{"rate limit", errors.New("rate limit exceeded"), true},
		{"quota exceeded", errors.New("quota exceeded for model"), true},
		{"billing issue", errors.New("billing account inactive"), true},
		{"invalid api key", errors.New("invalid api key"), true},
		{"authentication failed", errors.New("authentication failed"), true},
		{"unauthorized", errors.New("unauthorized request"), true},
		{"401 status", errors.New("HTTP 401: not allowed"), true},
		{"403 status", errors.New("HTTP 403: forbidden"), true},
		{"wrapped error", fmt.Errorf("expand: %w", errors.New("credit balance too low")), true},
		{"404 not fatal", errors.New("HTTP 404: not found"), false},
		{"timeout not fatal", errors.New("context deadline exceeded"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.fatal, isFatalAPIError(tt.err), "isFatalAPIError(%v)", tt.err)
		})
	}
}

func TestWrapFatalError(t *testing.T) {
	t.Run("wraps fatal error", func(t *testing.T) {
		err := errors.New("invalid api key provided")
		wrapped := wrapFatalError(err)
		assert.ErrorIs(t, wrapped, ErrFatalAPI)
		assert.ErrorIs(t, wrapped, err, "original error stays in the chain")
	})

	t.Run("passes through non-fatal error", func(t *testing.T) {
		err := errors.New("network timeout")
		result := wrapFatalError(err)
		assert.False(t, errors.Is(result, ErrFatalAPI))
		assert.Same(t, err, result)
	})

	t.Run("nil error", func(t *testing.T) {
		assert.NoError(t, wrapFatalError(nil))
	})
}

type fakeModel struct {
	reply    string
	info     map[string]any
	err      error
	messages []llms.MessageContent
}

func (f *fakeModel) GenerateContent(_ context.Context, messages []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	f.messages = messages
	if f.err != nil {
		return nil, f.err
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: f.reply, GenerationInfo: f.info}}}, nil
}

func (f *fakeModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, f, prompt, options...)
}

func TestExpanderParsesReply(t *testing.T) {
	fake := &fakeModel{
		reply: `[{"id":1,"concept":"c","visual_setup":"v","why_channel":"w","prompt_for_image_generation":"a fox","negative_prompts":[]}]`,
		info:  map[string]any{"InputTokens": 12, "OutputTokens": 34},
	}
	collector := metrics.NewCollector()
	e := &Expander{llm: fake, modelName: "claude", metrics: collector}

	exp, err := e.Expand(context.Background(), expand.Request{
		MegaPrompt: "foxes",
		Count:      1,
		Reference:  &models.ImageData{Data: []byte("ref"), MIMEType: "image/png"},
	})
	require.NoError(t, err)
	assert.Equal(t, expand.ModeStructured, exp.Mode)
	assert.Len(t, exp.Prompts, 1)

	require.Len(t, fake.messages, 2)
	assert.Equal(t, llms.ChatMessageTypeSystem, fake.messages[0].Role)
	human := fake.messages[1]
	require.Len(t, human.Parts, 2)
	bin, ok := human.Parts[1].(llms.BinaryContent)
	require.True(t, ok, "reference is sent as binary content")
	assert.Equal(t, "image/png", bin.MIMEType)

	op := collector.Snapshot().Operations[metrics.OpPromptExpand]
	require.NotNil(t, op.TotalInputTokens)
	assert.Equal(t, int64(12), *op.TotalInputTokens)
	assert.Equal(t, int64(34), *op.TotalOutputTokens)
}

func TestExpanderWrapsFatalErrors(t *testing.T) {
	e := &Expander{llm: &fakeModel{err: errors.New("HTTP 401: invalid api key")}, modelName: "gpt"}

	_, err := e.Expand(context.Background(), expand.Request{MegaPrompt: "x"})
	assert.ErrorIs(t, err, ErrFatalAPI)
}

func TestUsageFrom(t *testing.T) {
	in, out := usageFrom(map[string]any{"PromptTokens": 5, "CompletionTokens": int64(7)})
	assert.Equal(t, int64(5), in)
	assert.Equal(t, int64(7), out)

	in, out = usageFrom(nil)
	assert.Zero(t, in)
	assert.Zero(t, out)
}

func TestNewExpanderRejectsMissingKeys(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.Config
	}{
		{"openai", config.Config{PromptProvider: config.ProviderOpenAI, PromptModel: "gpt-4o-mini"}},
		{"anthropic", config.Config{PromptProvider: config.ProviderAnthropic, PromptModel: "claude"}},
		{"unknown", config.Config{PromptProvider: "llamafile"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewExpander(context.Background(), tt.cfg, nil)
			assert.Error(t, err)
		})
	}
}
