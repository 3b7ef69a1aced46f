// Package embedder defines the embedding provider contract and HTTP
// implementations for OpenAI-compatible and Ollama endpoints.
package embedder

import (
	"context"
)

// Embedder converts text into dense vectors.
type Embedder interface {
	// Embed returns the vector for one text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch returns one vector per input text, in input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension is the vector width this embedder produces.
	Dimension() int

	// Name identifies the provider and model.
	Name() string
}
