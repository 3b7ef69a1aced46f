package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/loopkit/loopkit/pkg/llm"
)

// Ollama's llama runner can crash under concurrent embedding requests, so
// all requests through this process are serialized.
var ollamaEmbedMu sync.Mutex

// OllamaConfig configures the Ollama embedder.
type OllamaConfig struct {
	// BaseURL defaults to http://localhost:11434.
	BaseURL string

	// Model defaults to nomic-embed-text.
	Model string

	// Dimension defaults by model (768 for nomic-embed-text).
	Dimension int

	// Timeout defaults to 30s.
	Timeout time.Duration

	// HTTPClient overrides the default client, mainly for tests.
	HTTPClient *http.Client
}

func (c *OllamaConfig) setDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = "http://localhost:11434"
	}
	if c.Model == "" {
		c.Model = "nomic-embed-text"
	}
	if c.Dimension == 0 {
		switch c.Model {
		case "all-minilm:l6-v2", "bge-small-en-v1.5":
			c.Dimension = 384
		case "bge-large-en-v1.5":
			c.Dimension = 1024
		default:
			c.Dimension = 768
		}
	}
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
}

// OllamaEmbedder calls Ollama's embed API. Vectors come back L2-normalized.
type OllamaEmbedder struct {
	cfg OllamaConfig
}

// NewOllamaEmbedder creates an embedder from cfg.
func NewOllamaEmbedder(cfg OllamaConfig) (*OllamaEmbedder, error) {
	cfg.setDefaults()
	return &OllamaEmbedder{cfg: cfg}, nil
}

type ollamaEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (e *OllamaEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	ollamaEmbedMu.Lock()
	defer ollamaEmbedMu.Unlock()

	payload, err := json.Marshal(ollamaEmbedRequest{Model: e.cfg.Model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("failed to encode embedding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		e.cfg.BaseURL+"/api/embed", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, llm.NewNetworkError("embedding request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, llm.NewNetworkError("failed to read embedding response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, embedStatusError(resp.StatusCode, body)
	}

	var parsed ollamaEmbedResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, llm.NewProcessingError("embedding", fmt.Sprintf("failed to decode response: %v", err))
	}
	if len(parsed.Embeddings) != len(texts) {
		return nil, llm.NewProcessingError("embedding",
			fmt.Sprintf("expected %d embeddings, got %d", len(texts), len(parsed.Embeddings)))
	}
	return parsed.Embeddings, nil
}

func (e *OllamaEmbedder) Dimension() int {
	return e.cfg.Dimension
}

func (e *OllamaEmbedder) Name() string {
	return "ollama/" + e.cfg.Model
}

var _ Embedder = (*OllamaEmbedder)(nil)
