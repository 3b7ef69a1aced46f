// Package utils provides shared helpers, currently token counting.
package utils

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/loopkit/loopkit/pkg/llm"
)

// TokenCounter counts tokens for a specific model using tiktoken encodings.
type TokenCounter struct {
	encoding *tiktoken.Tiktoken
	model    string
	mu       sync.RWMutex
}

var (
	// Encodings are expensive to build, so they are cached per model.
	encodingCache = make(map[string]*tiktoken.Tiktoken)
	cacheMu       sync.RWMutex
)

// NewTokenCounter creates a counter for the given model. Models without a
// known tiktoken encoding fall back to cl100k_base, which is a reasonable
// approximation for non-OpenAI providers too.
func NewTokenCounter(model string) (*TokenCounter, error) {
	cacheMu.RLock()
	cached, ok := encodingCache[model]
	cacheMu.RUnlock()

	if ok {
		return &TokenCounter{encoding: cached, model: model}, nil
	}

	encoding, err := tiktoken.EncodingForModel(model)
	if err != nil {
		encoding, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("failed to get encoding: %w", err)
		}
	}

	cacheMu.Lock()
	encodingCache[model] = encoding
	cacheMu.Unlock()

	return &TokenCounter{encoding: encoding, model: model}, nil
}

// Count returns the token count for text.
func (tc *TokenCounter) Count(text string) int {
	tc.mu.RLock()
	defer tc.mu.RUnlock()

	return len(tc.encoding.Encode(text, nil, nil))
}

// CountMessage counts tokens for one conversation message, including the
// per-message framing overhead and a rough charge for tool calls.
func (tc *TokenCounter) CountMessage(msg llm.Message) int {
	tc.mu.RLock()
	defer tc.mu.RUnlock()

	// <|start|>role|content<|end|> framing per OpenAI's cookbook.
	total := 3
	total += len(tc.encoding.Encode(string(msg.Role), nil, nil))
	total += len(tc.encoding.Encode(msg.Content, nil, nil))
	for _, call := range msg.ToolCalls {
		total += len(tc.encoding.Encode(call.Name, nil, nil))
		total += len(tc.encoding.Encode(string(call.Arguments), nil, nil))
	}
	return total
}

// CountConversation counts tokens across a conversation, including the
// assistant reply priming.
func (tc *TokenCounter) CountConversation(messages []llm.Message) int {
	total := 0
	for _, msg := range messages {
		total += tc.CountMessage(msg)
	}
	// Every reply is primed with <|start|>assistant<|message|>.
	return total + 3
}

// Model returns the model name this counter was built for.
func (tc *TokenCounter) Model() string {
	return tc.model
}

// EstimateTokens gives a rough count when no counter is available.
func EstimateTokens(text string) int {
	return len(text) / 4
}
