// Package rag implements the retrieval pipeline: document loading, chunking,
// embedding, version-aware sync against a hybrid (vector + keyword) index,
// and fused search over it.
package rag

import (
	"crypto/sha256"
	"encoding/hex"
)

// Version identifies a document revision by content hash.
type Version struct {
	ContentHash string `json:"content_hash"`
}

// ChunkHints let a document override the pipeline's default chunking.
type ChunkHints struct {
	// Strategy is "fixed" or "markdown".
	Strategy string

	// ChunkSize in characters; zero keeps the pipeline default.
	ChunkSize int

	// Overlap in characters between consecutive chunks.
	Overlap int
}

// Document is one unit of ingestable content.
type Document struct {
	ID       string
	Content  string
	Metadata map[string]string
	Version  Version
	Hints    *ChunkHints
}

// HashContent computes the canonical content hash used for change detection.
func HashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// EnsureVersion fills in the content hash when the loader did not set one.
func (d Document) EnsureVersion() Document {
	if d.Version.ContentHash == "" {
		d.Version.ContentHash = HashContent(d.Content)
	}
	return d
}
