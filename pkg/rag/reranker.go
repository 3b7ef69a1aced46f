package rag

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/loopkit/loopkit/pkg/llm"
)

// Reranker reorders search candidates by relevance to the query.
type Reranker interface {
	Rerank(ctx context.Context, query string, candidates []SearchResult) ([]SearchResult, error)
}

// LLMReranker asks a chat model to order candidates. It is slower and more
// expensive than fusion alone but materially improves precision on
// ambiguous queries.
type LLMReranker struct {
	client llm.Client
}

// NewLLMReranker creates a reranker over the given client.
func NewLLMReranker(client llm.Client) (*LLMReranker, error) {
	if client == nil {
		return nil, llm.NewConfigurationError("reranker requires an LLM client")
	}
	return &LLMReranker{client: client}, nil
}

const rerankSystemPrompt = `You rank passages by relevance to a query.
Reply with a JSON array of zero-based passage indices, most relevant first,
and nothing else. Include every index exactly once.`

func (r *LLMReranker) Rerank(ctx context.Context, query string, candidates []SearchResult) ([]SearchResult, error) {
	if len(candidates) <= 1 {
		return candidates, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Query: %s\n\nPassages:\n", query)
	for i, c := range candidates {
		fmt.Fprintf(&b, "[%d] %s\n\n", i, truncate(c.Content, 500))
	}

	opts := llm.DefaultCompletionOptions()
	opts.Temperature = 0

	completion, err := r.client.Complete(ctx, []llm.Message{
		llm.NewSystemMessage(rerankSystemPrompt),
		llm.NewUserMessage(b.String()),
	}, opts)
	if err != nil {
		return nil, fmt.Errorf("rerank completion failed: %w", err)
	}

	order, err := parseRerankOrder(completion.Content, len(candidates))
	if err != nil {
		return nil, err
	}

	out := make([]SearchResult, 0, len(candidates))
	for _, idx := range order {
		out = append(out, candidates[idx])
	}
	return out, nil
}

// parseRerankOrder extracts a permutation of [0,n) from the model reply.
// Indices the model dropped are appended in original order so no candidate
// is lost.
func parseRerankOrder(content string, n int) ([]int, error) {
	start := strings.Index(content, "[")
	end := strings.LastIndex(content, "]")
	if start < 0 || end <= start {
		return nil, llm.NewProcessingError("rerank", "reply contains no JSON array")
	}

	var raw []int
	if err := json.Unmarshal([]byte(content[start:end+1]), &raw); err != nil {
		return nil, llm.NewProcessingError("rerank", fmt.Sprintf("failed to parse reply: %v", err))
	}

	seen := make(map[int]bool, n)
	order := make([]int, 0, n)
	for _, idx := range raw {
		if idx < 0 || idx >= n || seen[idx] {
			continue
		}
		seen[idx] = true
		order = append(order, idx)
	}
	for i := 0; i < n; i++ {
		if !seen[i] {
			order = append(order, i)
		}
	}
	return order, nil
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}

var _ Reranker = (*LLMReranker)(nil)
