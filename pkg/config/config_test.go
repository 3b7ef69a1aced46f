package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "loopkit.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "openai", cfg.LLMProvider)
	assert.Equal(t, "chromem", cfg.VectorProvider)
	assert.Equal(t, ":memory:", cfg.KeywordIndexPath)
	assert.Equal(t, "documents", cfg.Collection)
	assert.Equal(t, 6334, cfg.QdrantPort)
	assert.Equal(t, 1.0, cfg.TracingSampling)
	assert.False(t, cfg.TracingEnabled)
}

func TestLoadFile(t *testing.T) {
	path := writeConfigFile(t, `
llm_provider: anthropic
llm_model: claude-sonnet-4-20250514
vector_provider: qdrant
qdrant_port: 7000
collection: handbook
tracing_enabled: true
tracing_sampling: 0.25
`)

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "anthropic", cfg.LLMProvider)
	assert.Equal(t, "claude-sonnet-4-20250514", cfg.LLMModel)
	assert.Equal(t, "qdrant", cfg.VectorProvider)
	assert.Equal(t, 7000, cfg.QdrantPort)
	assert.Equal(t, "handbook", cfg.Collection)
	assert.True(t, cfg.TracingEnabled)
	assert.Equal(t, 0.25, cfg.TracingSampling)

	// Unset file fields still fall back to defaults.
	assert.Equal(t, "openai", cfg.EmbedderProvider)
	assert.Equal(t, ":memory:", cfg.KeywordIndexPath)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfigFile(t, `
llm_provider: anthropic
collection: handbook
qdrant_port: 7000
`)

	t.Setenv("LOOPKIT_LLM_PROVIDER", "openai")
	t.Setenv("LOOPKIT_QDRANT_PORT", "8000")

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "openai", cfg.LLMProvider)
	assert.Equal(t, 8000, cfg.QdrantPort)
	assert.Equal(t, "handbook", cfg.Collection, "untouched file values survive")
}

func TestLoadFileErrors(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	path := writeConfigFile(t, "llm_provider: [not, a, string]\ncollection: {")
	_, err = LoadFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config file")
}

func TestEmbedderKeyFallsBackToLLMKey(t *testing.T) {
	t.Setenv("LOOPKIT_LLM_API_KEY", "sk-shared")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "sk-shared", cfg.EmbedderAPIKey)
}

func TestInvalidNumericEnv(t *testing.T) {
	t.Setenv("LOOPKIT_QDRANT_PORT", "not-a-number")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LOOPKIT_QDRANT_PORT")
}