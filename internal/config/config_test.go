package config

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("BATCHGEN_PROMPT_PROVIDER", "")
	t.Setenv("GENERATION_CONCURRENCY", "")

	cfg := Load()

	assert.Equal(t, "ws://localhost:8000/rpc", cfg.SurrealDBURL)
	assert.Equal(t, "reference-images", cfg.ReferenceBucket)
	assert.Equal(t, "generated-images", cfg.GeneratedBucket)
	assert.Equal(t, ProviderGemini, cfg.PromptProvider)
	assert.Equal(t, "gemini-2.5-flash-lite", cfg.PromptModel)
	assert.Equal(t, "gemini-3-pro-image-preview", cfg.ImageModel)
	assert.Equal(t, "2K", cfg.ImageSize)
	assert.Equal(t, 4, cfg.GenerationConcurrency)
	assert.True(t, cfg.StoragePathStyle)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("BATCHGEN_PROMPT_PROVIDER", "OpenAI")
	t.Setenv("GENERATION_CONCURRENCY", "9")
	t.Setenv("GENERATION_RATE_INTERVAL", "250ms")
	t.Setenv("STORAGE_PATH_STYLE", "false")
	t.Setenv("BATCHGEN_LOG_LEVEL", "debug")

	cfg := Load()

	assert.Equal(t, ProviderOpenAI, cfg.PromptProvider, "provider is lowercased")
	assert.Equal(t, "gpt-4o-mini", cfg.PromptModel, "provider default model")
	assert.Equal(t, 9, cfg.GenerationConcurrency)
	assert.Equal(t, 250*time.Millisecond, cfg.GenerationRateInterval)
	assert.False(t, cfg.StoragePathStyle)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
}

func TestLoadInvalidValuesFallBack(t *testing.T) {
	t.Setenv("GENERATION_CONCURRENCY", "lots")
	t.Setenv("RUN_STALE_AFTER", "soon")
	t.Setenv("STORAGE_CREATE_BUCKETS", "maybe")

	cfg := Load()

	assert.Equal(t, 4, cfg.GenerationConcurrency)
	assert.Equal(t, 2*time.Minute, cfg.RunStaleAfter)
	assert.True(t, cfg.StorageCreateBuckets)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			GeminiAPIKey:         "key",
			StorageAccessKey:     "ak",
			StorageSecretKey:     "sk",
			ReferenceBucket:      "ref",
			GeneratedBucket:      "gen",
			PromptProvider:       ProviderGemini,
			RunHeartbeatInterval: time.Second,
			RunStaleAfter:        time.Minute,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing gemini key", func(c *Config) { c.GeminiAPIKey = "" }, "GEMINI_API_KEY"},
		{"missing storage keys", func(c *Config) { c.StorageSecretKey = "" }, "STORAGE_ACCESS_KEY"},
		{"same buckets", func(c *Config) { c.GeneratedBucket = "ref" }, "buckets must differ"},
		{"heartbeat too slow", func(c *Config) { c.RunHeartbeatInterval = time.Hour }, "RUN_HEARTBEAT_INTERVAL"},
		{"openai without key", func(c *Config) { c.PromptProvider = ProviderOpenAI }, "OPENAI_API_KEY"},
		{"unknown provider", func(c *Config) { c.PromptProvider = "llamafile" }, "unsupported prompt provider"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"Error":   slog.LevelError,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, parseLogLevel(in), "level %q", in)
	}
}

func TestNewLoggerWithWriters(t *testing.T) {
	var text, jsonOut bytes.Buffer
	logger := NewLoggerWithWriters(&text, &jsonOut, slog.LevelInfo)

	logger.Debug("hidden")
	logger.Info("batch created", "batch_id", "b1")

	assert.Contains(t, text.String(), "batch created")
	assert.NotContains(t, text.String(), "hidden")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(jsonOut.Bytes()), &entry))
	assert.Equal(t, "batch created", entry["msg"])
	assert.Equal(t, "b1", entry["batch_id"])
}

func TestNewLoggerWritesFile(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "batchgen.log")
	logger, cleanup := NewLogger(Config{LogFile: logFile, LogLevel: slog.LevelInfo})

	logger.Info("hello file")
	require.NoError(t, cleanup())

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), `"msg":"hello file"`))
}
