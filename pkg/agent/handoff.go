package agent

import (
	"encoding/json"
	"strings"
)

// handoffToolPrefix is the wire prefix for synthesized handoff tools.
const handoffToolPrefix = "handoff_to_agent_"

// defaultHandoffReason is used when the model omits or garbles the reason.
const defaultHandoffReason = "No reason provided"

// Handoff declares that an agent may transfer control to a target agent.
type Handoff struct {
	// Target is the agent that receives control.
	Target *Agent

	// TransferReason is appended to the synthesized tool description to
	// tell the model when this handoff is appropriate.
	TransferReason string

	// PreserveContext copies the whole conversation to the target; when
	// false only the most recent user message is carried over.
	PreserveContext bool

	// TransferSystemMessage copies the source system message to the target.
	TransferSystemMessage bool
}

// ToolName is the synthesized tool name the model calls to trigger this
// handoff.
func (h Handoff) ToolName() string {
	return handoffToolPrefix + h.Target.ID
}

// Definition returns the synthesized tool definition advertised to the model.
func (h Handoff) Definition() toolSpec {
	description := "Hand off this query to a specialist agent."
	if h.TransferReason != "" {
		description += " " + h.TransferReason
	}
	return toolSpec{
		Name:        h.ToolName(),
		Description: description,
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"reason": map[string]any{
					"type":        "string",
					"description": "Why this query is being handed off",
				},
			},
			"required": []string{"reason"},
		},
	}
}

// toolSpec mirrors a tool definition without a handler; handoff tools are
// intercepted by the loop and never dispatched to the registry.
type toolSpec struct {
	Name        string
	Description string
	Schema      map[string]any
}

// isHandoffCall reports whether name is a synthesized handoff tool name.
func isHandoffCall(name string) bool {
	return strings.HasPrefix(name, handoffToolPrefix)
}

// matchHandoff finds the configured handoff whose tool name matches.
func matchHandoff(handoffs []Handoff, name string) (*Handoff, bool) {
	for i := range handoffs {
		if handoffs[i].ToolName() == name {
			return &handoffs[i], true
		}
	}
	return nil, false
}

// parseHandoffReason extracts the reason field from the tool arguments.
func parseHandoffReason(arguments json.RawMessage) string {
	var payload struct {
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(arguments, &payload); err != nil || payload.Reason == "" {
		return defaultHandoffReason
	}
	return payload.Reason
}
