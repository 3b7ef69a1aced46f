// Package config loads runtime configuration from a YAML file and the
// environment, with an optional .env file for local development.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the runtime configuration for the CLI and for applications that
// prefer declarative wiring over programmatic construction. Environment
// variables override file values; defaults fill whatever is left.
type Config struct {
	// LLM provider settings.
	LLMProvider string `yaml:"llm_provider"` // "openai" or "anthropic"
	LLMAPIKey   string `yaml:"llm_api_key"`
	LLMBaseURL  string `yaml:"llm_base_url"`
	LLMModel    string `yaml:"llm_model"`

	// Embedder settings.
	EmbedderProvider string `yaml:"embedder_provider"` // "openai" or "ollama"
	EmbedderAPIKey   string `yaml:"embedder_api_key"`
	EmbedderBaseURL  string `yaml:"embedder_base_url"`
	EmbedderModel    string `yaml:"embedder_model"`

	// Vector store settings.
	VectorProvider    string `yaml:"vector_provider"` // "chromem" or "qdrant"
	VectorPersistPath string `yaml:"vector_persist_path"`
	QdrantHost        string `yaml:"qdrant_host"`
	QdrantPort        int    `yaml:"qdrant_port"`
	QdrantAPIKey      string `yaml:"qdrant_api_key"`

	// Keyword index settings.
	KeywordIndexPath string `yaml:"keyword_index_path"`

	// Collection is the index collection name.
	Collection string `yaml:"collection"`

	// Tracing settings.
	TracingEnabled  bool    `yaml:"tracing_enabled"`
	TracingEndpoint string  `yaml:"tracing_endpoint"`
	TracingSampling float64 `yaml:"tracing_sampling"`
}

// Load reads configuration from the environment alone. A .env file in the
// working directory is merged in when present; real environment variables win.
func Load() (*Config, error) {
	return build(Config{})
}

// LoadFile reads a YAML config file, then applies environment overrides on
// top of it.
func LoadFile(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var file Config
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return build(file)
}

func build(file Config) (*Config, error) {
	// Missing .env is the normal production case.
	_ = godotenv.Load()

	cfg := &Config{
		LLMProvider:       envOr("LOOPKIT_LLM_PROVIDER", or(file.LLMProvider, "openai")),
		LLMAPIKey:         envOr("LOOPKIT_LLM_API_KEY", file.LLMAPIKey),
		LLMBaseURL:        envOr("LOOPKIT_LLM_BASE_URL", file.LLMBaseURL),
		LLMModel:          envOr("LOOPKIT_LLM_MODEL", file.LLMModel),
		EmbedderProvider:  envOr("LOOPKIT_EMBEDDER_PROVIDER", or(file.EmbedderProvider, "openai")),
		EmbedderAPIKey:    envOr("LOOPKIT_EMBEDDER_API_KEY", file.EmbedderAPIKey),
		EmbedderBaseURL:   envOr("LOOPKIT_EMBEDDER_BASE_URL", file.EmbedderBaseURL),
		EmbedderModel:     envOr("LOOPKIT_EMBEDDER_MODEL", file.EmbedderModel),
		VectorProvider:    envOr("LOOPKIT_VECTOR_PROVIDER", or(file.VectorProvider, "chromem")),
		VectorPersistPath: envOr("LOOPKIT_VECTOR_PERSIST_PATH", file.VectorPersistPath),
		QdrantHost:        envOr("LOOPKIT_QDRANT_HOST", or(file.QdrantHost, "localhost")),
		QdrantAPIKey:      envOr("LOOPKIT_QDRANT_API_KEY", file.QdrantAPIKey),
		KeywordIndexPath:  envOr("LOOPKIT_KEYWORD_INDEX_PATH", or(file.KeywordIndexPath, ":memory:")),
		Collection:        envOr("LOOPKIT_COLLECTION", or(file.Collection, "documents")),
		TracingEndpoint:   envOr("LOOPKIT_TRACING_ENDPOINT", file.TracingEndpoint),
	}

	qdrantPort := file.QdrantPort
	if qdrantPort == 0 {
		qdrantPort = 6334
	}
	sampling := file.TracingSampling
	if sampling == 0 {
		sampling = 1.0
	}

	var err error
	if cfg.QdrantPort, err = envInt("LOOPKIT_QDRANT_PORT", qdrantPort); err != nil {
		return nil, err
	}
	if cfg.TracingEnabled, err = envBool("LOOPKIT_TRACING_ENABLED", file.TracingEnabled); err != nil {
		return nil, err
	}
	if cfg.TracingSampling, err = envFloat("LOOPKIT_TRACING_SAMPLING", sampling); err != nil {
		return nil, err
	}

	// The embedder usually shares the LLM provider's key.
	if cfg.EmbedderAPIKey == "" {
		cfg.EmbedderAPIKey = cfg.LLMAPIKey
	}
	return cfg, nil
}

func or(value, fallback string) string {
	if value != "" {
		return value
	}
	return fallback
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func envBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s must be a boolean, got %q", key, v)
	}
	return b, nil
}

func envFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be a number, got %q", key, v)
	}
	return f, nil
}