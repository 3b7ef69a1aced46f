// Package vector defines the vector store contract and adapters for
// chromem-go (embedded) and Qdrant (external).
package vector

import (
	"context"
)

// Metadata keys the RAG pipeline writes alongside every chunk.
const (
	MetaDocumentID = "document_id"
	MetaContent    = "content"
	MetaChunkIndex = "chunk_index"
)

// Result is one vector search hit. Score is a similarity; higher is better.
type Result struct {
	ID       string
	Score    float32
	Content  string
	Metadata map[string]any
}

// Provider is a vector store. Implementations must be safe for concurrent
// reads; the RAG pipeline serializes writes per sync run.
type Provider interface {
	// Upsert inserts or replaces one vector under id.
	Upsert(ctx context.Context, collection, id string, vector []float32, metadata map[string]any) error

	// Search returns the topK most similar entries.
	Search(ctx context.Context, collection string, vector []float32, topK int) ([]Result, error)

	// SearchWithFilter restricts the search to entries whose metadata
	// matches every filter key.
	SearchWithFilter(ctx context.Context, collection string, vector []float32, topK int, filter map[string]any) ([]Result, error)

	// Delete removes one entry by id.
	Delete(ctx context.Context, collection, id string) error

	// DeleteByFilter removes every entry whose metadata matches the filter.
	DeleteByFilter(ctx context.Context, collection string, filter map[string]any) error

	// DeleteCollection drops a collection and all its entries.
	DeleteCollection(ctx context.Context, collection string) error

	// Name identifies the provider.
	Name() string

	// Close releases provider resources.
	Close() error
}
