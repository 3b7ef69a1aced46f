package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultOpenAIBaseURL       = "https://api.openai.com/v1"
	defaultOpenAIModel         = "gpt-4o-mini"
	defaultContextWindow       = 128000
	defaultReserveCompletion   = 4096
	defaultRequestTimeout      = 120 * time.Second
	defaultStreamChunkCapacity = 64
)

// OpenAIConfig configures the OpenAI-compatible client.
//
// Any endpoint speaking the chat-completions protocol works, including
// Ollama and local inference servers, via BaseURL.
type OpenAIConfig struct {
	// APIKey for the API. Optional for local servers.
	APIKey string

	// BaseURL of the API (default: https://api.openai.com/v1).
	BaseURL string

	// Model name (default: gpt-4o-mini).
	Model string

	// ContextWindow in tokens (default: 128000).
	ContextWindow int

	// ReserveCompletion is the token head-room kept for replies (default: 4096).
	ReserveCompletion int

	// Timeout for a single request (default: 120s).
	Timeout time.Duration

	// HTTPClient overrides the transport (mainly for tests).
	HTTPClient *http.Client
}

func (c *OpenAIConfig) setDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = defaultOpenAIBaseURL
	}
	c.BaseURL = strings.TrimSuffix(c.BaseURL, "/")
	if c.Model == "" {
		c.Model = defaultOpenAIModel
	}
	if c.ContextWindow <= 0 {
		c.ContextWindow = defaultContextWindow
	}
	if c.ReserveCompletion <= 0 {
		c.ReserveCompletion = defaultReserveCompletion
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultRequestTimeout
	}
}

// OpenAIClient implements Client against the chat-completions protocol.
type OpenAIClient struct {
	config OpenAIConfig
	client *http.Client
}

// NewOpenAIClient creates a client for an OpenAI-compatible endpoint.
func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	cfg.setDefaults()
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &OpenAIClient{config: cfg, client: httpClient}
}

// Wire types for the chat-completions protocol.

type openAIMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openAIToolCall struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Function openAIFunction `json:"function"`
}

type openAIFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openAITool struct {
	Type     string           `json:"type"`
	Function openAIToolSchema `json:"function"`
}

type openAIToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type openAIRequest struct {
	Model            string          `json:"model"`
	Messages         []openAIMessage `json:"messages"`
	Tools            []openAITool    `json:"tools,omitempty"`
	Temperature      float64         `json:"temperature"`
	TopP             float64         `json:"top_p,omitempty"`
	MaxTokens        *int            `json:"max_tokens,omitempty"`
	PresencePenalty  float64         `json:"presence_penalty,omitempty"`
	FrequencyPenalty float64         `json:"frequency_penalty,omitempty"`
	ReasoningEffort  string          `json:"reasoning_effort,omitempty"`
	Stream           bool            `json:"stream,omitempty"`
}

type openAIResponse struct {
	ID      string         `json:"id"`
	Created int64          `json:"created"`
	Choices []openAIChoice `json:"choices"`
	Usage   *openAIUsage   `json:"usage,omitempty"`
	Error   *openAIError   `json:"error,omitempty"`
}

type openAIChoice struct {
	Message      openAIMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type openAIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

type openAIStreamResponse struct {
	ID      string               `json:"id"`
	Choices []openAIStreamChoice `json:"choices"`
	Error   *openAIError         `json:"error,omitempty"`
}

type openAIStreamChoice struct {
	Delta        openAIStreamDelta `json:"delta"`
	FinishReason string            `json:"finish_reason"`
}

type openAIStreamDelta struct {
	Content   string                  `json:"content"`
	ToolCalls []openAIStreamToolDelta `json:"tool_calls"`
}

type openAIStreamToolDelta struct {
	Index    int            `json:"index"`
	ID       string         `json:"id"`
	Function openAIFunction `json:"function"`
}

func (c *OpenAIClient) buildRequest(conversation []Message, opts CompletionOptions, stream bool) openAIRequest {
	messages := make([]openAIMessage, 0, len(conversation))
	for _, m := range conversation {
		msg := openAIMessage{
			Role:       string(m.Role),
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, openAIToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: openAIFunction{
					Name:      tc.Name,
					Arguments: string(tc.Arguments),
				},
			})
		}
		messages = append(messages, msg)
	}

	var tools []openAITool
	for _, t := range opts.Tools {
		tools = append(tools, openAITool{
			Type: "function",
			Function: openAIToolSchema{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}

	req := openAIRequest{
		Model:            c.config.Model,
		Messages:         messages,
		Tools:            tools,
		Temperature:      opts.Temperature,
		TopP:             opts.TopP,
		MaxTokens:        opts.MaxTokens,
		PresencePenalty:  opts.PresencePenalty,
		FrequencyPenalty: opts.FrequencyPenalty,
		Stream:           stream,
	}
	if opts.Reasoning != "" && opts.Reasoning != ReasoningNone {
		req.ReasoningEffort = string(opts.Reasoning)
	}
	return req
}

func (c *OpenAIClient) post(ctx context.Context, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, NewValidationError("request", fmt.Sprintf("failed to marshal request: %v", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, NewValidationError("request", err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, transportError(ctx, err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(resp.Body)
		return nil, errorFromStatus(resp.StatusCode, apiErrorMessage(raw))
	}
	return resp, nil
}

// apiErrorMessage extracts a readable message from an error body, falling
// back to the raw body.
func apiErrorMessage(raw []byte) string {
	var parsed struct {
		Error *openAIError `json:"error"`
	}
	if err := json.Unmarshal(raw, &parsed); err == nil && parsed.Error != nil && parsed.Error.Message != "" {
		return parsed.Error.Message
	}
	return strings.TrimSpace(string(raw))
}

func transportError(ctx context.Context, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		return NewCancelledError("request cancelled")
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return NewTimeoutError("request deadline exceeded")
	default:
		return NewNetworkError("request failed", err)
	}
}

// Complete performs a blocking chat completion.
func (c *OpenAIClient) Complete(ctx context.Context, conversation []Message, opts CompletionOptions) (*Completion, error) {
	resp, err := c.post(ctx, c.buildRequest(conversation, opts, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var parsed openAIResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, NewLLMError("failed to decode response", err)
	}
	if parsed.Error != nil {
		return nil, NewLLMError(parsed.Error.Message, nil)
	}
	if len(parsed.Choices) == 0 {
		return nil, NewLLMError("no response choices returned", nil)
	}

	choice := parsed.Choices[0]
	toolCalls := make([]ToolCall, 0, len(choice.Message.ToolCalls))
	for _, tc := range choice.Message.ToolCalls {
		args := tc.Function.Arguments
		if args == "" {
			args = "{}"
		}
		toolCalls = append(toolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(args),
		})
	}

	completion := &Completion{
		ID:      parsed.ID,
		Created: parsed.Created,
		Content: choice.Message.Content,
		Message: NewAssistantMessage(choice.Message.Content, toolCalls...),
	}
	if parsed.Usage != nil {
		completion.Usage = &Usage{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
			TotalTokens:      parsed.Usage.TotalTokens,
		}
	}
	return completion, nil
}

// StreamComplete performs a streaming chat completion over SSE. Chunks are
// delivered synchronously on the calling goroutine.
func (c *OpenAIClient) StreamComplete(ctx context.Context, conversation []Message, opts CompletionOptions, onChunk ChunkHandler) (*Completion, error) {
	resp, err := c.post(ctx, c.buildRequest(conversation, opts, true))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	acc := NewAccumulator()
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, defaultStreamChunkCapacity*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var streamResp openAIStreamResponse
		if err := json.Unmarshal([]byte(data), &streamResp); err != nil {
			return nil, NewLLMError(fmt.Sprintf("failed to decode stream chunk: %v", err), err)
		}
		if streamResp.Error != nil {
			return nil, NewLLMError(streamResp.Error.Message, nil)
		}
		if len(streamResp.Choices) == 0 {
			continue
		}

		choice := streamResp.Choices[0]
		if choice.Delta.Content != "" {
			chunk := StreamChunk{ID: streamResp.ID, Content: choice.Delta.Content}
			acc.Add(chunk)
			if onChunk != nil {
				onChunk(chunk)
			}
		}
		for _, tc := range choice.Delta.ToolCalls {
			chunk := StreamChunk{
				ID: streamResp.ID,
				ToolCall: &ToolCallDelta{
					ID:        tc.ID,
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			}
			acc.Add(chunk)
			if onChunk != nil {
				onChunk(chunk)
			}
		}
		if choice.FinishReason != "" {
			chunk := StreamChunk{ID: streamResp.ID, FinishReason: choice.FinishReason}
			acc.Add(chunk)
			if onChunk != nil {
				onChunk(chunk)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, transportError(ctx, err)
	}

	return acc.Completion(), nil
}

func (c *OpenAIClient) ContextWindow() int {
	return c.config.ContextWindow
}

func (c *OpenAIClient) ReserveCompletion() int {
	return c.config.ReserveCompletion
}

func (c *OpenAIClient) ModelName() string {
	return c.config.Model
}

func (c *OpenAIClient) Close() error {
	return nil
}

var _ Client = (*OpenAIClient)(nil)
