// Package agent implements the agent loop: a state machine that alternates
// between LLM completions and tool executions, with handoff support,
// streaming events, step limits, context pruning and multi-turn continuation.
package agent

import (
	"encoding/json"
	"fmt"

	"github.com/loopkit/loopkit/pkg/llm"
	"github.com/loopkit/loopkit/pkg/tools"
)

// StatusKind discriminates the agent status variants.
type StatusKind string

const (
	StatusInProgress       StatusKind = "in_progress"
	StatusWaitingForTools  StatusKind = "waiting_for_tools"
	StatusComplete         StatusKind = "complete"
	StatusFailed           StatusKind = "failed"
	StatusHandoffRequested StatusKind = "handoff_requested"
)

// Status is the agent's lifecycle state. Failed carries an error string;
// HandoffRequested carries the detected handoff and the model's reason.
type Status struct {
	Kind   StatusKind `json:"type"`
	Error  string     `json:"error,omitempty"`
	Reason string     `json:"reason,omitempty"`

	// handoff is runtime-only; it references a live target agent and is
	// not part of the serialized form.
	handoff *Handoff
}

func InProgress() Status      { return Status{Kind: StatusInProgress} }
func WaitingForTools() Status { return Status{Kind: StatusWaitingForTools} }
func Complete() Status        { return Status{Kind: StatusComplete} }

func Failed(err string) Status {
	return Status{Kind: StatusFailed, Error: err}
}

func HandoffRequested(h *Handoff, reason string) Status {
	return Status{Kind: StatusHandoffRequested, Reason: reason, handoff: h}
}

// IsTerminal reports whether the status admits no further transitions.
func (s Status) IsTerminal() bool {
	return s.Kind == StatusComplete || s.Kind == StatusFailed
}

// Handoff returns the pending handoff for a HandoffRequested status.
func (s Status) Handoff() *Handoff {
	return s.handoff
}

func (s Status) String() string {
	switch s.Kind {
	case StatusFailed:
		return fmt.Sprintf("failed: %s", s.Error)
	case StatusHandoffRequested:
		return fmt.Sprintf("handoff_requested: %s", s.Reason)
	default:
		return string(s.Kind)
	}
}

// State is the agent's full conversational state. It is a value: every
// transition method returns a new State and leaves the receiver untouched.
// Tools and Handoffs are runtime references and do not serialize.
type State struct {
	Conversation  []llm.Message
	Tools         *tools.Registry
	InitialQuery  string
	Status        Status
	Logs          []string
	SystemMessage string
	Options       llm.CompletionOptions
	Handoffs      []Handoff
}

// NewState initializes a state in InProgress with the query as the first
// user message.
func NewState(query string, reg *tools.Registry, opts llm.CompletionOptions) State {
	return State{
		Conversation: []llm.Message{llm.NewUserMessage(query)},
		Tools:        reg,
		InitialQuery: query,
		Status:       InProgress(),
		Options:      opts,
	}
}

// AddMessage returns a copy with msg appended to the conversation.
func (s State) AddMessage(msg llm.Message) State {
	conv := make([]llm.Message, len(s.Conversation), len(s.Conversation)+1)
	copy(conv, s.Conversation)
	s.Conversation = append(conv, msg)
	return s
}

// AddMessages returns a copy with msgs appended in order.
func (s State) AddMessages(msgs ...llm.Message) State {
	conv := make([]llm.Message, len(s.Conversation), len(s.Conversation)+len(msgs))
	copy(conv, s.Conversation)
	s.Conversation = append(conv, msgs...)
	return s
}

// WithStatus returns a copy with the given status.
func (s State) WithStatus(status Status) State {
	s.Status = status
	return s
}

// Log returns a copy with line appended to the execution logs.
func (s State) Log(line string) State {
	logs := make([]string, len(s.Logs), len(s.Logs)+1)
	copy(logs, s.Logs)
	s.Logs = append(logs, line)
	return s
}

// ToAPIConversation materializes the conversation for a provider call,
// placing the system message (if any) first.
func (s State) ToAPIConversation() []llm.Message {
	if s.SystemMessage == "" {
		out := make([]llm.Message, len(s.Conversation))
		copy(out, s.Conversation)
		return out
	}
	out := make([]llm.Message, 0, len(s.Conversation)+1)
	out = append(out, llm.NewSystemMessage(s.SystemMessage))
	return append(out, s.Conversation...)
}

// LastAssistantMessage returns the most recent assistant message, if any.
func (s State) LastAssistantMessage() (llm.Message, bool) {
	for i := len(s.Conversation) - 1; i >= 0; i-- {
		if s.Conversation[i].Role == llm.RoleAssistant {
			return s.Conversation[i], true
		}
	}
	return llm.Message{}, false
}

// stateJSON is the serialized form. Unknown fields in incoming JSON are
// ignored so newer writers stay readable.
type stateJSON struct {
	Conversation  []llm.Message         `json:"conversation"`
	InitialQuery  string                `json:"initial_query,omitempty"`
	Status        Status                `json:"status"`
	Logs          []string              `json:"logs,omitempty"`
	SystemMessage string                `json:"system_message,omitempty"`
	Options       llm.CompletionOptions `json:"completion_options"`
}

// ToJSON serializes the state. Tool registries and handoff targets are
// runtime references and are not included.
func (s State) ToJSON() ([]byte, error) {
	return json.Marshal(stateJSON{
		Conversation:  s.Conversation,
		InitialQuery:  s.InitialQuery,
		Status:        s.Status,
		Logs:          s.Logs,
		SystemMessage: s.SystemMessage,
		Options:       s.Options,
	})
}

// FromJSON deserializes a state previously produced by ToJSON. Missing
// reasoning or budget token fields deserialize as unset. The caller
// reattaches Tools and Handoffs before running.
func FromJSON(data []byte) (State, error) {
	var raw stateJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return State{}, fmt.Errorf("failed to decode agent state: %w", err)
	}
	return State{
		Conversation:  raw.Conversation,
		InitialQuery:  raw.InitialQuery,
		Status:        raw.Status,
		Logs:          raw.Logs,
		SystemMessage: raw.SystemMessage,
		Options:       raw.Options,
	}, nil
}
