// Package guardrail implements string validators with Block/Fix/Warn action
// semantics and composition over sequences of guardrails.
//
// A guardrail's Check maps an input string to either a (possibly remediated)
// output string or a validation failure. The guardrail's Action decides what
// a failure or remediation means for the chain:
//
//   - Block: a failed check fails the whole chain.
//   - Fix: a successful check replaces the value with the remediated one;
//     a failed check is treated as Block (a fix that cannot produce a safe
//     value must not pass).
//   - Warn: a failed check records a violation but passes the value through
//     unchanged.
package guardrail

import (
	"context"

	"github.com/loopkit/loopkit/pkg/llm"
)

// Action is a guardrail's failure policy.
type Action int

const (
	Block Action = iota
	Fix
	Warn
)

func (a Action) String() string {
	switch a {
	case Block:
		return "block"
	case Fix:
		return "fix"
	default:
		return "warn"
	}
}

// CheckFunc validates an input string. On success it returns the value to
// carry forward (for Fix guardrails, the remediated value). On failure it
// returns a non-nil error.
type CheckFunc func(ctx context.Context, input string) (string, error)

// Guardrail is a named validator with an action policy.
type Guardrail struct {
	Name   string
	Action Action
	Check  CheckFunc
}

// Violation records a non-fatal guardrail finding (Warn action).
type Violation struct {
	Guardrail string
	Message   string
}

// Outcome is the result of applying one or more guardrails.
type Outcome struct {
	// Value is the string to carry forward.
	Value string

	// Violations accumulated by Warn guardrails.
	Violations []Violation
}

// Apply runs a single guardrail against input.
func Apply(ctx context.Context, g Guardrail, input string) (Outcome, error) {
	value, err := g.Check(ctx, input)

	switch g.Action {
	case Warn:
		if err != nil {
			return Outcome{
				Value:      input,
				Violations: []Violation{{Guardrail: g.Name, Message: err.Error()}},
			}, nil
		}
		// Warn never rewrites the value.
		return Outcome{Value: input}, nil
	case Fix:
		if err != nil {
			return Outcome{}, llm.NewValidationError(g.Name, err.Error())
		}
		return Outcome{Value: value}, nil
	default: // Block
		if err != nil {
			return Outcome{}, llm.NewValidationError(g.Name, err.Error())
		}
		return Outcome{Value: input}, nil
	}
}

// All applies every guardrail to the original input and returns the first
// failure, or the original input if none fails. Fix remediations are not
// threaded; use Sequential for that. An empty sequence is the identity.
func All(ctx context.Context, guardrails []Guardrail, input string) (Outcome, error) {
	outcome := Outcome{Value: input}
	for _, g := range guardrails {
		res, err := Apply(ctx, g, input)
		if err != nil {
			return Outcome{}, err
		}
		outcome.Violations = append(outcome.Violations, res.Violations...)
	}
	return outcome, nil
}

// Any passes when at least one guardrail passes, returning that guardrail's
// outcome. It fails only when every guardrail fails, with the first failure.
// An empty sequence is the identity.
func Any(ctx context.Context, guardrails []Guardrail, input string) (Outcome, error) {
	if len(guardrails) == 0 {
		return Outcome{Value: input}, nil
	}

	var firstErr error
	for _, g := range guardrails {
		res, err := Apply(ctx, g, input)
		if err == nil {
			return res, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return Outcome{}, firstErr
}

// Sequential threads the value through each guardrail in order,
// short-circuiting on the first failure. Fix remediations feed the next
// guardrail. An empty sequence is the identity.
func Sequential(ctx context.Context, guardrails []Guardrail, input string) (Outcome, error) {
	outcome := Outcome{Value: input}
	for _, g := range guardrails {
		res, err := Apply(ctx, g, outcome.Value)
		if err != nil {
			return Outcome{}, err
		}
		outcome.Value = res.Value
		outcome.Violations = append(outcome.Violations, res.Violations...)
	}
	return outcome, nil
}
