// Package keyword defines the keyword (full-text) index contract with a
// SQLite FTS5 implementation and an in-memory implementation for tests.
package keyword

import (
	"context"
)

// Match is one keyword search hit. Score is relevance; higher is better.
type Match struct {
	ID         string
	DocumentID string
	Content    string
	Score      float32
}

// Index is a keyword search index over document chunks.
type Index interface {
	// Index inserts or replaces one chunk.
	Index(ctx context.Context, id, documentID, content string) error

	// Search returns up to topK matches for the query, best first.
	Search(ctx context.Context, query string, topK int) ([]Match, error)

	// Delete removes one chunk by id.
	Delete(ctx context.Context, id string) error

	// DeleteByDocument removes every chunk belonging to a document.
	DeleteByDocument(ctx context.Context, documentID string) error

	// Clear removes all chunks.
	Clear(ctx context.Context) error

	// Close releases index resources.
	Close() error
}
