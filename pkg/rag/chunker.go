package rag

import (
	"strings"
)

// Chunker splits document content into index-sized pieces.
type Chunker interface {
	Chunk(content string) []string
	Name() string
}

// FixedSizeChunker splits on a character budget with overlap, preferring to
// break at whitespace near the boundary.
type FixedSizeChunker struct {
	// Size in characters, default 1000.
	Size int

	// Overlap in characters carried into the next chunk, default 200.
	Overlap int
}

func (c FixedSizeChunker) Name() string { return "fixed" }

func (c FixedSizeChunker) Chunk(content string) []string {
	size := c.Size
	if size <= 0 {
		size = 1000
	}
	overlap := c.Overlap
	if overlap < 0 || overlap >= size {
		overlap = size / 5
	}

	runes := []rune(content)
	if len(runes) == 0 {
		return nil
	}
	if len(runes) <= size {
		return []string{content}
	}

	var chunks []string
	start := 0
	for start < len(runes) {
		end := start + size
		if end >= len(runes) {
			chunks = append(chunks, strings.TrimSpace(string(runes[start:])))
			break
		}
		// Back up to the nearest whitespace so words stay whole, but never
		// shrink the chunk below half the budget.
		cut := end
		for cut > start+size/2 && !isSpace(runes[cut-1]) {
			cut--
		}
		if cut == start+size/2 {
			cut = end
		}
		chunk := strings.TrimSpace(string(runes[start:cut]))
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		start = cut - overlap
		if start < 0 {
			start = 0
		}
		if cut <= start {
			start = cut
		}
	}
	return chunks
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\n' || r == '\t' || r == '\r'
}

// MarkdownChunker splits on top-level and second-level headings, keeping
// each section together; oversized sections fall back to fixed chunking.
type MarkdownChunker struct {
	// MaxSectionSize in characters before a section is re-split,
	// default 2000.
	MaxSectionSize int
}

func (c MarkdownChunker) Name() string { return "markdown" }

func (c MarkdownChunker) Chunk(content string) []string {
	maxSize := c.MaxSectionSize
	if maxSize <= 0 {
		maxSize = 2000
	}

	var (
		sections []string
		current  strings.Builder
	)
	flush := func() {
		section := strings.TrimSpace(current.String())
		if section != "" {
			sections = append(sections, section)
		}
		current.Reset()
	}

	for _, line := range strings.Split(content, "\n") {
		if strings.HasPrefix(line, "# ") || strings.HasPrefix(line, "## ") {
			flush()
		}
		current.WriteString(line)
		current.WriteString("\n")
	}
	flush()

	fallback := FixedSizeChunker{Size: maxSize, Overlap: maxSize / 10}
	var chunks []string
	for _, section := range sections {
		if len([]rune(section)) <= maxSize {
			chunks = append(chunks, section)
			continue
		}
		chunks = append(chunks, fallback.Chunk(section)...)
	}
	return chunks
}

// chunkerFor picks the chunker for a document: the hint-selected one when
// hints are honored, otherwise the pipeline default.
func chunkerFor(doc Document, useHints bool, fallback Chunker) Chunker {
	if !useHints || doc.Hints == nil {
		return fallback
	}
	hints := doc.Hints
	switch hints.Strategy {
	case "markdown":
		return MarkdownChunker{MaxSectionSize: hints.ChunkSize}
	case "fixed":
		return FixedSizeChunker{Size: hints.ChunkSize, Overlap: hints.Overlap}
	default:
		return fallback
	}
}
