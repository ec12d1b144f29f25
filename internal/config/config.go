// Package config loads batchgen configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Prompt expansion providers.
const (
	ProviderGemini    = "gemini"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderOllama    = "ollama"
	ProviderBedrock   = "bedrock"
)

// Config holds all configuration values.
type Config struct {
	// SurrealDB connection
	SurrealDBURL       string
	SurrealDBNamespace string
	SurrealDBDatabase  string
	SurrealDBUser      string
	SurrealDBPass      string
	SurrealDBAuthLevel string

	// Object storage (S3 compatible)
	StorageEndpoint        string
	StorageRegion          string
	StorageAccessKey       string
	StorageSecretKey       string
	StoragePathStyle       bool
	ReferenceBucket        string
	GeneratedBucket        string
	StorageCreateBuckets   bool
	ReferenceCacheDuration time.Duration

	// Gemini
	GeminiAPIKey      string
	ImageModel        string
	ImageSize         string
	ImageSearchGround bool

	// Prompt expansion
	PromptProvider  string
	PromptModel     string
	OpenAIAPIKey    string
	AnthropicAPIKey string
	OllamaHost      string
	AWSRegion       string

	// Generation
	GenerationConcurrency  int
	GenerationRateInterval time.Duration
	RunHeartbeatInterval   time.Duration
	RunStaleAfter          time.Duration

	// HTTP server
	ServerPort      string
	ServerURL       string
	ShutdownTimeout time.Duration

	// Logging
	LogFile  string
	LogLevel slog.Level
}

// Load reads configuration from environment variables.
func Load() Config {
	provider := strings.ToLower(getEnv("BATCHGEN_PROMPT_PROVIDER", ProviderGemini))

	return Config{
		SurrealDBURL:       getEnv("SURREALDB_URL", "ws://localhost:8000/rpc"),
		SurrealDBNamespace: getEnv("SURREALDB_NAMESPACE", "batchgen"),
		SurrealDBDatabase:  getEnv("SURREALDB_DATABASE", "batchgen"),
		SurrealDBUser:      getEnv("SURREALDB_USER", "root"),
		SurrealDBPass:      getEnv("SURREALDB_PASS", "root"),
		SurrealDBAuthLevel: getEnv("SURREALDB_AUTH_LEVEL", "root"),

		StorageEndpoint:        getEnv("STORAGE_ENDPOINT", "http://localhost:9000"),
		StorageRegion:          getEnv("STORAGE_REGION", "us-east-1"),
		StorageAccessKey:       getEnv("STORAGE_ACCESS_KEY", ""),
		StorageSecretKey:       getEnv("STORAGE_SECRET_KEY", ""),
		StoragePathStyle:       getBool("STORAGE_PATH_STYLE", true),
		ReferenceBucket:        getEnv("STORAGE_REFERENCE_BUCKET", "reference-images"),
		GeneratedBucket:        getEnv("STORAGE_GENERATED_BUCKET", "generated-images"),
		StorageCreateBuckets:   getBool("STORAGE_CREATE_BUCKETS", true),
		ReferenceCacheDuration: getDuration("STORAGE_REFERENCE_CACHE", 30*time.Minute),

		GeminiAPIKey:      getEnv("GEMINI_API_KEY", ""),
		ImageModel:        getEnv("BATCHGEN_IMAGE_MODEL", "gemini-3-pro-image-preview"),
		ImageSize:         getEnv("BATCHGEN_IMAGE_SIZE", "2K"),
		ImageSearchGround: getBool("BATCHGEN_IMAGE_SEARCH", true),

		PromptProvider:  provider,
		PromptModel:     getEnv("BATCHGEN_PROMPT_MODEL", defaultPromptModel(provider)),
		OpenAIAPIKey:    getEnv("OPENAI_API_KEY", ""),
		AnthropicAPIKey: getEnv("ANTHROPIC_API_KEY", ""),
		OllamaHost:      getEnv("OLLAMA_HOST", "http://localhost:11434"),
		AWSRegion:       getEnv("AWS_REGION", "us-east-1"),

		GenerationConcurrency:  getInt("GENERATION_CONCURRENCY", 4),
		GenerationRateInterval: getDuration("GENERATION_RATE_INTERVAL", 0),
		RunHeartbeatInterval:   getDuration("RUN_HEARTBEAT_INTERVAL", 15*time.Second),
		RunStaleAfter:          getDuration("RUN_STALE_AFTER", 2*time.Minute),

		ServerPort:      getEnv("BATCHGEN_SERVER_PORT", "8585"),
		ServerURL:       getEnv("BATCHGEN_SERVER_URL", "http://localhost:8585"),
		ShutdownTimeout: getDuration("BATCHGEN_SHUTDOWN_TIMEOUT", 30*time.Second),

		LogFile:  getEnv("BATCHGEN_LOG_FILE", "/tmp/batchgen.log"),
		LogLevel: parseLogLevel(getEnv("BATCHGEN_LOG_LEVEL", "INFO")),
	}
}

// Validate reports missing settings the server cannot start without.
func (c Config) Validate() error {
	var errs []error
	if c.GeminiAPIKey == "" {
		errs = append(errs, errors.New("GEMINI_API_KEY is required"))
	}
	if c.StorageAccessKey == "" || c.StorageSecretKey == "" {
		errs = append(errs, errors.New("STORAGE_ACCESS_KEY and STORAGE_SECRET_KEY are required"))
	}
	if c.ReferenceBucket == c.GeneratedBucket {
		errs = append(errs, fmt.Errorf("reference and generated buckets must differ (both %q)", c.ReferenceBucket))
	}
	if c.RunHeartbeatInterval >= c.RunStaleAfter {
		errs = append(errs, fmt.Errorf("RUN_HEARTBEAT_INTERVAL (%s) must be shorter than RUN_STALE_AFTER (%s)",
			c.RunHeartbeatInterval, c.RunStaleAfter))
	}
	switch c.PromptProvider {
	case ProviderGemini, ProviderOllama, ProviderBedrock:
	case ProviderOpenAI:
		if c.OpenAIAPIKey == "" {
			errs = append(errs, errors.New("OPENAI_API_KEY is required for the openai prompt provider"))
		}
	case ProviderAnthropic:
		if c.AnthropicAPIKey == "" {
			errs = append(errs, errors.New("ANTHROPIC_API_KEY is required for the anthropic prompt provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported prompt provider: %s", c.PromptProvider))
	}
	return errors.Join(errs...)
}

func defaultPromptModel(provider string) string {
	switch provider {
	case ProviderOpenAI:
		return "gpt-4o-mini"
	case ProviderAnthropic:
		return "claude-sonnet-4-5"
	case ProviderOllama:
		return "llama3.2-vision"
	case ProviderBedrock:
		return "anthropic.claude-3-5-sonnet-20240620-v1:0"
	default:
		return "gemini-2.5-flash-lite"
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		slog.Warn("invalid integer in environment, using default", "key", key, "value", val, "default", defaultVal)
		return defaultVal
	}
	return n
}

func getBool(key string, defaultVal bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		slog.Warn("invalid boolean in environment, using default", "key", key, "value", val, "default", defaultVal)
		return defaultVal
	}
	return b
}

func getDuration(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		slog.Warn("invalid duration in environment, using default", "key", key, "value", val, "default", defaultVal)
		return defaultVal
	}
	return d
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
