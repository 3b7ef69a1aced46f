package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultAnthropicBaseURL = "https://api.anthropic.com"
	defaultAnthropicModel   = "claude-sonnet-4-20250514"
	anthropicVersion        = "2023-06-01"
	defaultAnthropicMaxTok  = 4096
	anthropicContextWindow  = 200000
)

// AnthropicConfig configures the Anthropic messages client.
type AnthropicConfig struct {
	// APIKey for the API (required).
	APIKey string

	// BaseURL of the API (default: https://api.anthropic.com).
	BaseURL string

	// Model name (default: claude-sonnet-4-20250514).
	Model string

	// ContextWindow in tokens (default: 200000).
	ContextWindow int

	// ReserveCompletion is the token head-room kept for replies (default: 4096).
	ReserveCompletion int

	// Timeout for a single request (default: 120s).
	Timeout time.Duration

	// HTTPClient overrides the transport (mainly for tests).
	HTTPClient *http.Client
}

func (c *AnthropicConfig) setDefaults() error {
	if c.APIKey == "" {
		return NewConfigurationError("anthropic API key is required")
	}
	if c.BaseURL == "" {
		c.BaseURL = defaultAnthropicBaseURL
	}
	c.BaseURL = strings.TrimSuffix(c.BaseURL, "/")
	if c.Model == "" {
		c.Model = defaultAnthropicModel
	}
	if c.ContextWindow <= 0 {
		c.ContextWindow = anthropicContextWindow
	}
	if c.ReserveCompletion <= 0 {
		c.ReserveCompletion = defaultReserveCompletion
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultRequestTimeout
	}
	return nil
}

// AnthropicClient implements Client against the Anthropic messages protocol.
type AnthropicClient struct {
	config AnthropicConfig
	client *http.Client
}

// NewAnthropicClient creates a client for the Anthropic messages API.
func NewAnthropicClient(cfg AnthropicConfig) (*AnthropicClient, error) {
	if err := cfg.setDefaults(); err != nil {
		return nil, err
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &AnthropicClient{config: cfg, client: httpClient}, nil
}

// Wire types for the messages protocol.

type anthropicContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
}

type anthropicMessage struct {
	Role    string                  `json:"role"`
	Content []anthropicContentBlock `json:"content"`
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthropicThinking struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature,omitempty"`
	TopP        float64            `json:"top_p,omitempty"`
	Thinking    *anthropicThinking `json:"thinking,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
}

type anthropicResponse struct {
	ID         string                  `json:"id"`
	Content    []anthropicContentBlock `json:"content"`
	StopReason string                  `json:"stop_reason"`
	Usage      *anthropicUsage         `json:"usage,omitempty"`
	Error      *anthropicError         `json:"error,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// buildRequest converts the neutral conversation into messages-protocol form.
// System messages become the top-level system field; tool results become
// tool_result blocks inside user messages; assistant tool calls become
// tool_use blocks.
func (c *AnthropicClient) buildRequest(conversation []Message, opts CompletionOptions, stream bool) anthropicRequest {
	var system string
	messages := make([]anthropicMessage, 0, len(conversation))

	for _, m := range conversation {
		switch m.Role {
		case RoleSystem:
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
		case RoleUser:
			messages = append(messages, anthropicMessage{
				Role:    "user",
				Content: []anthropicContentBlock{{Type: "text", Text: m.Content}},
			})
		case RoleAssistant:
			blocks := make([]anthropicContentBlock, 0, 1+len(m.ToolCalls))
			if m.Content != "" {
				blocks = append(blocks, anthropicContentBlock{Type: "text", Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, anthropicContentBlock{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Name,
					Input: tc.Arguments,
				})
			}
			messages = append(messages, anthropicMessage{Role: "assistant", Content: blocks})
		case RoleTool:
			messages = append(messages, anthropicMessage{
				Role: "user",
				Content: []anthropicContentBlock{{
					Type:      "tool_result",
					ToolUseID: m.ToolCallID,
					Content:   m.Content,
				}},
			})
		}
	}

	var tools []anthropicTool
	for _, t := range opts.Tools {
		tools = append(tools, anthropicTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.Parameters,
		})
	}

	maxTokens := defaultAnthropicMaxTok
	if opts.MaxTokens != nil && *opts.MaxTokens > 0 {
		maxTokens = *opts.MaxTokens
	}

	req := anthropicRequest{
		Model:       c.config.Model,
		System:      system,
		Messages:    messages,
		Tools:       tools,
		MaxTokens:   maxTokens,
		Temperature: opts.Temperature,
		TopP:        opts.TopP,
		Stream:      stream,
	}
	if opts.BudgetTokens != nil && *opts.BudgetTokens > 0 {
		req.Thinking = &anthropicThinking{Type: "enabled", BudgetTokens: *opts.BudgetTokens}
	}
	return req
}

func (c *AnthropicClient) post(ctx context.Context, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, NewValidationError("request", fmt.Sprintf("failed to marshal request: %v", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, NewValidationError("request", err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.config.APIKey)
	req.Header.Set("anthropic-version", anthropicVersion)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, transportError(ctx, err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(resp.Body)
		return nil, errorFromStatus(resp.StatusCode, anthropicErrorMessage(raw))
	}
	return resp, nil
}

func anthropicErrorMessage(raw []byte) string {
	var parsed struct {
		Error *anthropicError `json:"error"`
	}
	if err := json.Unmarshal(raw, &parsed); err == nil && parsed.Error != nil && parsed.Error.Message != "" {
		return parsed.Error.Message
	}
	return strings.TrimSpace(string(raw))
}

func mapStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return FinishStop
	case "max_tokens":
		return FinishLength
	case "tool_use":
		return FinishToolCalls
	default:
		return reason
	}
}

// Complete performs a blocking completion.
func (c *AnthropicClient) Complete(ctx context.Context, conversation []Message, opts CompletionOptions) (*Completion, error) {
	resp, err := c.post(ctx, c.buildRequest(conversation, opts, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var parsed anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, NewLLMError("failed to decode response", err)
	}
	if parsed.Error != nil {
		return nil, NewLLMError(parsed.Error.Message, nil)
	}

	var content strings.Builder
	var toolCalls []ToolCall
	for _, block := range parsed.Content {
		switch block.Type {
		case "text":
			content.WriteString(block.Text)
		case "tool_use":
			args := block.Input
			if len(args) == 0 {
				args = json.RawMessage("{}")
			}
			toolCalls = append(toolCalls, ToolCall{ID: block.ID, Name: block.Name, Arguments: args})
		}
	}

	completion := &Completion{
		ID:      parsed.ID,
		Created: time.Now().Unix(),
		Content: content.String(),
		Message: NewAssistantMessage(content.String(), toolCalls...),
	}
	if parsed.Usage != nil {
		completion.Usage = &Usage{
			PromptTokens:     parsed.Usage.InputTokens,
			CompletionTokens: parsed.Usage.OutputTokens,
			TotalTokens:      parsed.Usage.InputTokens + parsed.Usage.OutputTokens,
		}
	}
	return completion, nil
}

// Streaming event envelopes.

type anthropicStreamEvent struct {
	Type         string                 `json:"type"`
	Message      *anthropicResponse     `json:"message,omitempty"`
	Index        int                    `json:"index,omitempty"`
	ContentBlock *anthropicContentBlock `json:"content_block,omitempty"`
	Delta        *anthropicStreamDelta  `json:"delta,omitempty"`
	Error        *anthropicError        `json:"error,omitempty"`
}

type anthropicStreamDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

// StreamComplete performs a streaming completion over SSE. Chunks are
// delivered synchronously on the calling goroutine.
func (c *AnthropicClient) StreamComplete(ctx context.Context, conversation []Message, opts CompletionOptions, onChunk ChunkHandler) (*Completion, error) {
	resp, err := c.post(ctx, c.buildRequest(conversation, opts, true))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	acc := NewAccumulator()
	var messageID string

	emit := func(chunk StreamChunk) {
		acc.Add(chunk)
		if onChunk != nil {
			onChunk(chunk)
		}
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, defaultStreamChunkCapacity*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		var event anthropicStreamEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
			return nil, NewLLMError(fmt.Sprintf("failed to decode stream event: %v", err), err)
		}

		switch event.Type {
		case "message_start":
			if event.Message != nil {
				messageID = event.Message.ID
			}
		case "content_block_start":
			if event.ContentBlock != nil && event.ContentBlock.Type == "tool_use" {
				emit(StreamChunk{
					ID: messageID,
					ToolCall: &ToolCallDelta{
						ID:   event.ContentBlock.ID,
						Name: event.ContentBlock.Name,
					},
				})
			}
		case "content_block_delta":
			if event.Delta == nil {
				continue
			}
			switch event.Delta.Type {
			case "text_delta":
				if event.Delta.Text != "" {
					emit(StreamChunk{ID: messageID, Content: event.Delta.Text})
				}
			case "input_json_delta":
				if event.Delta.PartialJSON != "" {
					emit(StreamChunk{
						ID:       messageID,
						ToolCall: &ToolCallDelta{Arguments: event.Delta.PartialJSON},
					})
				}
			}
		case "message_delta":
			if event.Delta != nil && event.Delta.StopReason != "" {
				emit(StreamChunk{ID: messageID, FinishReason: mapStopReason(event.Delta.StopReason)})
			}
		case "error":
			if event.Error != nil {
				return nil, NewLLMError(event.Error.Message, nil)
			}
		case "message_stop":
			// Terminal event; accumulator already holds the finish reason.
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, transportError(ctx, err)
	}

	return acc.Completion(), nil
}

func (c *AnthropicClient) ContextWindow() int {
	return c.config.ContextWindow
}

func (c *AnthropicClient) ReserveCompletion() int {
	return c.config.ReserveCompletion
}

func (c *AnthropicClient) ModelName() string {
	return c.config.Model
}

func (c *AnthropicClient) Close() error {
	return nil
}

var _ Client = (*AnthropicClient)(nil)
