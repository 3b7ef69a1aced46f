// Package tools implements tool registration, argument validation and
// dispatch for model-requested tool calls.
//
// Failures never escape the registry as panics or bare errors: every outcome
// is a Result whose error side serializes to the stable tool-error JSON the
// model reads ({"isError": true, "type": ..., "message": ...}).
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Handler executes a tool call. Arguments arrive as raw JSON that has already
// passed schema validation; the returned value is the raw JSON result.
type Handler func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)

// Definition describes a registered tool.
type Definition struct {
	Name        string
	Description string

	// Schema is a JSON schema object validating the arguments.
	// A nil schema disables validation.
	Schema map[string]any

	Handler Handler
}

// ErrorKind is the closed set of tool failure categories. The string values
// are part of the wire contract with the model.
type ErrorKind string

const (
	ErrNotFound     ErrorKind = "NotFound"
	ErrBadArguments ErrorKind = "BadArguments"
	ErrHandler      ErrorKind = "Handler"
	ErrTimeout      ErrorKind = "Timeout"
)

// ToolError is a structured tool failure.
type ToolError struct {
	Kind    ErrorKind
	Tool    string
	Message string
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %s: %s: %s", e.Tool, e.Kind, e.Message)
}

// wireError is the serialized error shape. Field names are a wire contract;
// the model has learned to read them.
type wireError struct {
	IsError bool   `json:"isError"`
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Wire serializes the error into the stable tool-error JSON.
func (e *ToolError) Wire() json.RawMessage {
	raw, err := json.Marshal(wireError{IsError: true, Type: string(e.Kind), Message: e.Message})
	if err != nil {
		// wireError contains only marshalable fields; this is unreachable
		// short of a runtime fault.
		return json.RawMessage(`{"isError":true,"type":"Handler","message":"failed to serialize error"}`)
	}
	return raw
}

// Request is a single tool invocation request.
type Request struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Result is the outcome of one tool invocation. Exactly one of Content and
// Err is set.
type Result struct {
	Content  json.RawMessage
	Err      *ToolError
	Duration time.Duration
}

// OK reports whether the invocation succeeded.
func (r Result) OK() bool {
	return r.Err == nil
}

// Wire renders the result as the string placed in the tool message content:
// the raw handler JSON on success, the tool-error JSON on failure.
func (r Result) Wire() string {
	if r.Err != nil {
		return string(r.Err.Wire())
	}
	return string(r.Content)
}

// StrategyKind selects how a batch of tool calls is executed.
type strategyKind int

const (
	strategySequential strategyKind = iota
	strategyParallel
	strategyParallelLimit
)

// Strategy controls batch execution. Regardless of strategy, results are
// returned in request order.
type Strategy struct {
	kind  strategyKind
	limit int
}

// Sequential executes requests one at a time, in order.
func Sequential() Strategy {
	return Strategy{kind: strategySequential}
}

// Parallel executes all requests concurrently.
func Parallel() Strategy {
	return Strategy{kind: strategyParallel}
}

// ParallelWithLimit executes requests concurrently with at most n handlers
// in flight; excess requests queue.
func ParallelWithLimit(n int) Strategy {
	if n < 1 {
		n = 1
	}
	return Strategy{kind: strategyParallelLimit, limit: n}
}

func (s Strategy) String() string {
	switch s.kind {
	case strategySequential:
		return "sequential"
	case strategyParallel:
		return "parallel"
	default:
		return fmt.Sprintf("parallel(limit=%d)", s.limit)
	}
}
