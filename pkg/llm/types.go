// Package llm defines the provider-agnostic contract for chat completion
// providers: conversation messages, completion options, the Client interface
// and the error taxonomy surfaced at the provider boundary.
package llm

import (
	"encoding/json"
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is a request by the model to invoke a named tool.
// Arguments are kept as raw JSON; parsing is the executor's job.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Message is a single conversation entry.
//
// Field usage by role:
//   - system, user: Content only
//   - assistant: Content (possibly empty) plus ToolCalls
//   - tool: Content (raw JSON result) plus ToolCallID
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

func NewSystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

func NewUserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

func NewAssistantMessage(content string, toolCalls ...ToolCall) Message {
	return Message{Role: RoleAssistant, Content: content, ToolCalls: toolCalls}
}

// NewToolMessage carries a tool execution result back to the model.
// Content is the raw JSON the tool produced (or the tool-error object).
func NewToolMessage(toolCallID, content string) Message {
	return Message{Role: RoleTool, Content: content, ToolCallID: toolCallID}
}

// ReasoningEffort selects how much internal reasoning the model should spend.
// The zero value means "unset" and is omitted from provider requests.
type ReasoningEffort string

const (
	ReasoningNone   ReasoningEffort = "none"
	ReasoningLow    ReasoningEffort = "low"
	ReasoningMedium ReasoningEffort = "medium"
	ReasoningHigh   ReasoningEffort = "high"
)

// ToolDefinition describes a callable tool in provider wire terms.
// Parameters is a JSON schema object.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// CompletionOptions carry per-request generation parameters.
type CompletionOptions struct {
	Temperature      float64          `json:"temperature"`
	TopP             float64          `json:"top_p"`
	MaxTokens        *int             `json:"max_tokens,omitempty"`
	PresencePenalty  float64          `json:"presence_penalty"`
	FrequencyPenalty float64          `json:"frequency_penalty"`
	Reasoning        ReasoningEffort  `json:"reasoning,omitempty"`
	BudgetTokens     *int             `json:"budget_tokens,omitempty"`
	Tools            []ToolDefinition `json:"tools,omitempty"`
}

// DefaultCompletionOptions returns the library defaults.
func DefaultCompletionOptions() CompletionOptions {
	return CompletionOptions{
		Temperature: 0.7,
		TopP:        1.0,
	}
}

// Usage reports token accounting for a completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Completion is a fully materialized model response.
type Completion struct {
	ID      string  `json:"id"`
	Created int64   `json:"created"`
	Content string  `json:"content"`
	Message Message `json:"message"`
	Usage   *Usage  `json:"usage,omitempty"`
}

// ToolCalls returns the tool calls carried by the assistant message.
func (c *Completion) ToolCalls() []ToolCall {
	return c.Message.ToolCalls
}

// FinishReason values reported by streaming chunks.
const (
	FinishStop      = "stop"
	FinishLength    = "length"
	FinishToolCalls = "tool_calls"
)

// ToolCallDelta is a partial tool call carried by a stream chunk.
// Arguments may arrive across several chunks and must be concatenated.
type ToolCallDelta struct {
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// StreamChunk is one increment of a streaming completion.
// The terminal chunk carries FinishReason.
type StreamChunk struct {
	ID           string         `json:"id"`
	Content      string         `json:"content,omitempty"`
	ToolCall     *ToolCallDelta `json:"tool_call,omitempty"`
	FinishReason string         `json:"finish_reason,omitempty"`
}

// ChunkHandler receives stream chunks. Handlers are invoked on the goroutine
// driving the stream; they must not block indefinitely.
type ChunkHandler func(StreamChunk)
