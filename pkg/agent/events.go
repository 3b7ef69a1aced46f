package agent

// Event is the closed set of notifications emitted by RunWithEvents.
// Events are delivered synchronously, in issue order, on the goroutine
// driving the run. Handlers must not mutate agent state.
type Event interface {
	eventName() string
}

// EventHandler receives run events.
type EventHandler func(Event)

type AgentStarted struct {
	Agent string
	Query string
}

type AgentCompleted struct {
	Agent   string
	Content string
}

type AgentFailed struct {
	Agent string
	Error string
}

type StepStarted struct {
	Step int
}

type StepCompleted struct {
	Step         int
	HasToolCalls bool
}

// TextDelta carries one non-empty content chunk from the stream.
type TextDelta struct {
	Delta string
}

// TextComplete carries the fully accumulated assistant content, emitted
// once per completion.
type TextComplete struct {
	Content string
}

type ToolCallStarted struct {
	ID        string
	Name      string
	Arguments string
}

type ToolCallCompleted struct {
	ID         string
	Name       string
	Result     string
	Success    bool
	DurationMs int64
}

type ToolCallFailed struct {
	ID    string
	Name  string
	Error string
}

type InputGuardrailStarted struct {
	Name string
}

type InputGuardrailCompleted struct {
	Name   string
	Passed bool
}

type OutputGuardrailStarted struct {
	Name string
}

type OutputGuardrailCompleted struct {
	Name   string
	Passed bool
}

type HandoffStarted struct {
	Name            string
	Reason          string
	PreserveContext bool
}

type HandoffCompleted struct {
	Name    string
	Success bool
}

func (AgentStarted) eventName() string             { return "agent_started" }
func (AgentCompleted) eventName() string           { return "agent_completed" }
func (AgentFailed) eventName() string              { return "agent_failed" }
func (StepStarted) eventName() string              { return "step_started" }
func (StepCompleted) eventName() string            { return "step_completed" }
func (TextDelta) eventName() string                { return "text_delta" }
func (TextComplete) eventName() string             { return "text_complete" }
func (ToolCallStarted) eventName() string          { return "tool_call_started" }
func (ToolCallCompleted) eventName() string        { return "tool_call_completed" }
func (ToolCallFailed) eventName() string           { return "tool_call_failed" }
func (InputGuardrailStarted) eventName() string    { return "input_guardrail_started" }
func (InputGuardrailCompleted) eventName() string  { return "input_guardrail_completed" }
func (OutputGuardrailStarted) eventName() string   { return "output_guardrail_started" }
func (OutputGuardrailCompleted) eventName() string { return "output_guardrail_completed" }
func (HandoffStarted) eventName() string           { return "handoff_started" }
func (HandoffCompleted) eventName() string         { return "handoff_completed" }
