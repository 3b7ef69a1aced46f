package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/loopkit/loopkit/pkg/llm"
)

// WriteTrace renders the state as a markdown execution trace and writes it
// atomically (temp file plus rename) so readers never observe a partial
// document.
func WriteTrace(path string, state State) error {
	doc := renderTrace(state)

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".trace-*.md")
	if err != nil {
		return fmt.Errorf("failed to create trace temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.WriteString(doc); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write trace: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close trace temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to rename trace file: %w", err)
	}
	return nil
}

func renderTrace(state State) string {
	var b strings.Builder

	b.WriteString("# Agent Execution Trace\n\n")
	fmt.Fprintf(&b, "**Initial Query:** %s\n\n", state.InitialQuery)
	fmt.Fprintf(&b, "**Status:** %s\n\n", state.Status)
	if state.Tools != nil && state.Tools.Count() > 0 {
		names := make([]string, 0, state.Tools.Count())
		for _, def := range state.Tools.Definitions() {
			names = append(names, def.Name)
		}
		fmt.Fprintf(&b, "**Tools:** %s\n\n", strings.Join(names, ", "))
	}

	b.WriteString("## Conversation Flow\n\n")
	for i, msg := range state.Conversation {
		fmt.Fprintf(&b, "### Step %d: %s\n\n", i+1, traceRole(msg.Role))
		switch msg.Role {
		case llm.RoleTool:
			fmt.Fprintf(&b, "Tool call `%s` returned:\n\n```json\n%s\n```\n\n", msg.ToolCallID, msg.Content)
		case llm.RoleAssistant:
			if msg.Content != "" {
				b.WriteString(msg.Content + "\n\n")
			}
			for _, call := range msg.ToolCalls {
				fmt.Fprintf(&b, "Requested tool `%s` (`%s`):\n\n```json\n%s\n```\n\n",
					call.Name, call.ID, string(call.Arguments))
			}
		default:
			b.WriteString(msg.Content + "\n\n")
		}
	}

	b.WriteString("## Execution Logs\n\n")
	if len(state.Logs) == 0 {
		b.WriteString("(none)\n")
	} else {
		for _, line := range state.Logs {
			fmt.Fprintf(&b, "- %s\n", line)
		}
	}
	return b.String()
}

func traceRole(role llm.Role) string {
	switch role {
	case llm.RoleSystem:
		return "System"
	case llm.RoleUser:
		return "User"
	case llm.RoleAssistant:
		return "Assistant"
	case llm.RoleTool:
		return "Tool"
	default:
		return string(role)
	}
}
