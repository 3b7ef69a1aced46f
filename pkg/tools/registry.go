package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	schemavalidate "github.com/santhosh-tekuri/jsonschema/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/loopkit/loopkit/pkg/llm"
	"github.com/loopkit/loopkit/pkg/observability"
	"github.com/loopkit/loopkit/pkg/registry"
)

// DefaultWaitTimeout bounds the aggregate wait for a batch of tool calls.
const DefaultWaitTimeout = 5 * time.Minute

type entry struct {
	def      Definition
	compiled *schemavalidate.Schema
}

// Registry holds tool definitions and dispatches tool call requests.
// It is read-only after construction; handlers own their own concurrency
// discipline.
type Registry struct {
	entries     *registry.BaseRegistry[entry]
	waitTimeout time.Duration
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithWaitTimeout overrides the aggregate batch wait timeout.
func WithWaitTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) { r.waitTimeout = d }
}

// NewRegistry creates a registry with the given tools. Schemas are compiled
// eagerly so malformed schemas fail at construction, not dispatch.
func NewRegistry(defs []Definition, opts ...RegistryOption) (*Registry, error) {
	r := &Registry{
		entries:     registry.NewBaseRegistry[entry](),
		waitTimeout: DefaultWaitTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	for _, def := range defs {
		if err := r.register(def); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) register(def Definition) error {
	if def.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool %s has no handler", def.Name)
	}
	compiled, err := compileSchema(def.Name, def.Schema)
	if err != nil {
		return err
	}
	return r.entries.Register(def.Name, entry{def: def, compiled: compiled})
}

// Definitions returns all tools in registration order. The order is stable
// across calls so provider payloads stay deterministic.
func (r *Registry) Definitions() []Definition {
	entries := r.entries.List()
	defs := make([]Definition, 0, len(entries))
	for _, e := range entries {
		defs = append(defs, e.def)
	}
	return defs
}

// LLMDefinitions renders the registry in provider wire terms.
func (r *Registry) LLMDefinitions() []llm.ToolDefinition {
	entries := r.entries.List()
	defs := make([]llm.ToolDefinition, 0, len(entries))
	for _, e := range entries {
		params := e.def.Schema
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		defs = append(defs, llm.ToolDefinition{
			Name:        e.def.Name,
			Description: e.def.Description,
			Parameters:  params,
		})
	}
	return defs
}

// Has reports whether a tool is registered under name.
func (r *Registry) Has(name string) bool {
	_, ok := r.entries.Get(name)
	return ok
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	return r.entries.Count()
}

// Execute dispatches a single tool call. All failure modes are captured in
// the returned Result; Execute never panics and never returns an error.
func (r *Registry) Execute(ctx context.Context, req Request) Result {
	tracer := observability.Tracer("loopkit.tools")
	ctx, span := tracer.Start(ctx, "tool.execute",
		trace.WithAttributes(attribute.String("tool.name", req.Name)))
	defer span.End()

	start := time.Now()
	result := r.execute(ctx, req)
	result.Duration = time.Since(start)

	if result.Err != nil {
		span.RecordError(result.Err)
		span.SetStatus(codes.Error, result.Err.Message)
		slog.Debug("Tool execution failed",
			"tool", req.Name,
			"kind", result.Err.Kind,
			"error", result.Err.Message,
			"duration", time.Since(start))
	} else {
		span.SetStatus(codes.Ok, "success")
	}
	span.SetAttributes(
		attribute.Bool("tool.success", result.OK()),
		attribute.Int64("tool.duration_ms", time.Since(start).Milliseconds()),
	)
	return result
}

func (r *Registry) execute(ctx context.Context, req Request) (result Result) {
	e, ok := r.entries.Get(req.Name)
	if !ok {
		return Result{Err: &ToolError{
			Kind:    ErrNotFound,
			Tool:    req.Name,
			Message: fmt.Sprintf("tool %s not found", req.Name),
		}}
	}

	if err := validateArguments(e.compiled, req.Arguments); err != nil {
		return Result{Err: &ToolError{
			Kind:    ErrBadArguments,
			Tool:    req.Name,
			Message: err.Error(),
		}}
	}

	// A panicking handler is converted into a handler error; panics must
	// not cross the registry boundary.
	defer func() {
		if rec := recover(); rec != nil {
			result = Result{Err: &ToolError{
				Kind:    ErrHandler,
				Tool:    req.Name,
				Message: fmt.Sprintf("handler panicked: %v", rec),
			}}
		}
	}()

	args := req.Arguments
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	out, err := e.def.Handler(ctx, args)
	if err != nil {
		if toolErr, ok := err.(*ToolError); ok {
			return Result{Err: toolErr}
		}
		return Result{Err: &ToolError{
			Kind:    ErrHandler,
			Tool:    req.Name,
			Message: err.Error(),
		}}
	}
	if len(out) == 0 {
		out = json.RawMessage("null")
	}
	return Result{Content: out}
}

// ExecuteAll dispatches a batch of tool calls with the given strategy.
// Output order matches input order regardless of strategy. The aggregate
// wait is bounded by the registry's wait timeout; exceeding it abandons
// outstanding handlers (their contexts are cancelled) and returns a
// timeout error.
func (r *Registry) ExecuteAll(ctx context.Context, reqs []Request, strategy Strategy) ([]Result, error) {
	if len(reqs) == 0 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.waitTimeout)
	defer cancel()

	results := make([]Result, len(reqs))

	if strategy.kind == strategySequential {
		for i, req := range reqs {
			if err := ctx.Err(); err != nil {
				return nil, batchAbortError(err)
			}
			results[i] = r.Execute(ctx, req)
		}
		return results, nil
	}

	g := &errgroup.Group{}
	if strategy.kind == strategyParallelLimit {
		g.SetLimit(strategy.limit)
	}
	for i, req := range reqs {
		g.Go(func() error {
			results[i] = r.Execute(ctx, req)
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()

	select {
	case <-done:
		return results, nil
	case <-ctx.Done():
		// Partial results are discarded; the step fails as a whole.
		return nil, batchAbortError(ctx.Err())
	}
}

// batchAbortError maps the batch context's termination cause: a cancelled
// parent is reported as cancellation, everything else as the aggregate wait
// timeout.
func batchAbortError(cause error) error {
	if errors.Is(cause, context.Canceled) {
		return llm.NewCancelledError("tool execution cancelled")
	}
	return llm.NewTimeoutError("tool execution timed out")
}
