package keyword

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryIndex is an in-process keyword index scoring by term frequency.
// It exists for tests and zero-dependency setups; SQLiteIndex is the real
// implementation.
type MemoryIndex struct {
	mu     sync.RWMutex
	chunks map[string]memoryChunk
}

type memoryChunk struct {
	documentID string
	content    string
	terms      map[string]int
}

// NewMemoryIndex creates an empty in-memory index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{chunks: make(map[string]memoryChunk)}
}

func (m *MemoryIndex) Index(ctx context.Context, id, documentID, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chunks[id] = memoryChunk{
		documentID: documentID,
		content:    content,
		terms:      termFrequencies(content),
	}
	return nil
}

func (m *MemoryIndex) Search(ctx context.Context, query string, topK int) ([]Match, error) {
	if topK <= 0 {
		return nil, nil
	}
	queryTerms := termFrequencies(query)
	if len(queryTerms) == 0 {
		return nil, nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var matches []Match
	for id, chunk := range m.chunks {
		score := 0
		for term := range queryTerms {
			score += chunk.terms[term]
		}
		if score == 0 {
			continue
		}
		matches = append(matches, Match{
			ID:         id,
			DocumentID: chunk.documentID,
			Content:    chunk.content,
			Score:      float32(score),
		})
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].ID < matches[j].ID
	})
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

func (m *MemoryIndex) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.chunks, id)
	return nil
}

func (m *MemoryIndex) DeleteByDocument(ctx context.Context, documentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, chunk := range m.chunks {
		if chunk.documentID == documentID {
			delete(m.chunks, id)
		}
	}
	return nil
}

func (m *MemoryIndex) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chunks = make(map[string]memoryChunk)
	return nil
}

func (m *MemoryIndex) Close() error {
	return nil
}

// IDs returns all indexed chunk ids; test helper.
func (m *MemoryIndex) IDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.chunks))
	for id := range m.chunks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func termFrequencies(text string) map[string]int {
	terms := strings.Fields(strings.ToLower(text))
	freq := make(map[string]int, len(terms))
	for _, term := range terms {
		term = strings.Trim(term, ".,;:!?\"'()[]{}")
		if term == "" {
			continue
		}
		freq[term]++
	}
	return freq
}

var _ Index = (*MemoryIndex)(nil)
