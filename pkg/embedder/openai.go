package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/loopkit/loopkit/pkg/llm"
)

// OpenAIConfig configures the OpenAI embedder.
type OpenAIConfig struct {
	// APIKey is required.
	APIKey string

	// BaseURL defaults to the public OpenAI endpoint. Point it at any
	// OpenAI-compatible server to use other backends.
	BaseURL string

	// Model defaults to text-embedding-3-small.
	Model string

	// Dimension defaults by model (1536 for text-embedding-3-small,
	// 3072 for text-embedding-3-large).
	Dimension int

	// Timeout defaults to 30s.
	Timeout time.Duration

	// HTTPClient overrides the default client, mainly for tests.
	HTTPClient *http.Client
}

func (c *OpenAIConfig) setDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = "https://api.openai.com/v1"
	}
	if c.Model == "" {
		c.Model = "text-embedding-3-small"
	}
	if c.Dimension == 0 {
		switch c.Model {
		case "text-embedding-3-large":
			c.Dimension = 3072
		default:
			c.Dimension = 1536
		}
	}
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
}

// OpenAIEmbedder calls the OpenAI embeddings API.
type OpenAIEmbedder struct {
	cfg OpenAIConfig
}

// NewOpenAIEmbedder creates an embedder from cfg.
func NewOpenAIEmbedder(cfg OpenAIConfig) (*OpenAIEmbedder, error) {
	if cfg.APIKey == "" {
		return nil, llm.NewConfigurationError("OpenAI embedder requires an API key")
	}
	cfg.setDefaults()
	return &OpenAIEmbedder{cfg: cfg}, nil
}

type openAIEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type openAIEmbedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	payload, err := json.Marshal(openAIEmbedRequest{Model: e.cfg.Model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("failed to encode embedding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		e.cfg.BaseURL+"/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.cfg.APIKey)

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

	var parsed openAIEmbedResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, llm.NewProcessingError("embedding", fmt.Sprintf("failed to decode response: %v", err))
	}
	if len(parsed.Data) != len(texts) {
		return nil, llm.NewProcessingError("embedding",
			fmt.Sprintf("expected %d embeddings, got %d", len(texts), len(parsed.Data)))
	}

	// The API reports an index per item; order by it rather than trusting
	// response order.
	vectors := make([][]float32, len(texts))
	for _, item := range parsed.Data {
		if item.Index < 0 || item.Index >= len(vectors) {
			return nil, llm.NewProcessingError("embedding", fmt.Sprintf("embedding index %d out of range", item.Index))
		}
		vectors[item.Index] = item.Embedding
	}
	return vectors, nil
}

func (e *OpenAIEmbedder) Dimension() int {
	return e.cfg.Dimension
}

func (e *OpenAIEmbedder) Name() string {
	return "openai/" + e.cfg.Model
}

func embedStatusError(status int, body []byte) error {
	msg := fmt.Sprintf("embedding API returned %d: %s", status, string(body))
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return llm.NewAuthError(msg)
	case status == http.StatusTooManyRequests:
		return llm.NewRateLimitError(msg)
	case status >= 500:
		return llm.NewServiceError(status, msg)
	default:
		return llm.NewValidationError("request", msg)
	}
}

var _ Embedder = (*OpenAIEmbedder)(nil)
