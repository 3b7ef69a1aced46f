package llm

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Accumulator folds stream chunks into a Completion.
//
// Tool call deltas may arrive incrementally; consecutive deltas carrying the
// same id (or an empty id, meaning "continue the current call") are coalesced
// into one ToolCall with concatenated argument fragments.
type Accumulator struct {
	id           string
	content      strings.Builder
	calls        []pendingCall
	finishReason string
}

type pendingCall struct {
	id   string
	name string
	args strings.Builder
}

func NewAccumulator() *Accumulator {
	return &Accumulator{}
}

// Add folds one chunk into the accumulator.
func (a *Accumulator) Add(chunk StreamChunk) {
	if a.id == "" && chunk.ID != "" {
		a.id = chunk.ID
	}
	if chunk.Content != "" {
		a.content.WriteString(chunk.Content)
	}
	if chunk.ToolCall != nil {
		a.addToolCall(chunk.ToolCall)
	}
	if chunk.FinishReason != "" {
		a.finishReason = chunk.FinishReason
	}
}

func (a *Accumulator) addToolCall(delta *ToolCallDelta) {
	// A new id starts a new call; an empty or matching id continues the
	// most recent one.
	if len(a.calls) == 0 || (delta.ID != "" && delta.ID != a.calls[len(a.calls)-1].id) {
		a.calls = append(a.calls, pendingCall{id: delta.ID})
	}

	current := &a.calls[len(a.calls)-1]
	if delta.Name != "" {
		current.name += delta.Name
	}
	if delta.Arguments != "" {
		current.args.WriteString(delta.Arguments)
	}
}

// Content returns the text accumulated so far.
func (a *Accumulator) Content() string {
	return a.content.String()
}

// FinishReason returns the terminal finish reason, if one was seen.
func (a *Accumulator) FinishReason() string {
	return a.finishReason
}

// Completion materializes the accumulated state. Argument fragments that do
// not form valid JSON are passed through untouched; argument parsing errors
// belong to the tool executor.
func (a *Accumulator) Completion() *Completion {
	id := a.id
	if id == "" {
		id = uuid.NewString()
	}

	toolCalls := make([]ToolCall, 0, len(a.calls))
	for i := range a.calls {
		call := &a.calls[i]
		callID := call.id
		if callID == "" {
			callID = uuid.NewString()
		}
		args := call.args.String()
		if args == "" {
			args = "{}"
		}
		toolCalls = append(toolCalls, ToolCall{
			ID:        callID,
			Name:      call.name,
			Arguments: json.RawMessage(args),
		})
	}

	content := a.content.String()
	return &Completion{
		ID:      id,
		Created: time.Now().Unix(),
		Content: content,
		Message: NewAssistantMessage(content, toolCalls...),
	}
}
