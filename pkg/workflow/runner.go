package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/loopkit/loopkit/pkg/llm"
	"github.com/loopkit/loopkit/pkg/observability"
)

// Runner executes plans.
type Runner struct {
	logger *slog.Logger
}

// NewRunner creates a runner. A nil logger selects slog.Default.
func NewRunner(logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{logger: logger}
}

var workflowTracer = observability.Tracer("loopkit.workflow")

// Execute runs the plan to completion. Roots are seeded from initialInputs;
// every other node receives its unique predecessor's output. Scheduling is
// completion-driven: a node starts the moment its predecessor finishes,
// independent of unrelated nodes that are still running. The first node
// failure cancels pending nodes and is returned; outputs collected before
// the failure are discarded.
//
// On success the returned map holds every node's output keyed by node id.
func (r *Runner) Execute(ctx context.Context, plan *Plan, initialInputs map[NodeID]any) (map[NodeID]any, error) {
	ctx, span := workflowTracer.Start(ctx, "workflow.execute",
		trace.WithAttributes(attribute.Int("workflow.nodes", plan.Size())))
	defer span.End()

	for _, id := range plan.Roots() {
		input, ok := initialInputs[id]
		if !ok {
			return nil, llm.NewValidationError("initialInputs",
				fmt.Sprintf("root node %q has no initial input", id))
		}
		want := plan.nodes[id].inputType()
		if input != nil && !assignable(input, want) {
			return nil, llm.NewValidationError("initialInputs",
				fmt.Sprintf("input for root %q has type %T, want %s", id, input, want))
		}
	}

	var (
		mu      sync.Mutex
		outputs = make(map[NodeID]any, plan.Size())
	)
	ready := make(map[NodeID]chan struct{}, plan.Size())
	for _, id := range plan.order {
		ready[id] = make(chan struct{})
	}

	// One goroutine per node; non-roots block until their predecessor's
	// ready channel closes.
	g, gctx := errgroup.WithContext(ctx)
	for _, id := range plan.order {
		n := plan.nodes[id]
		g.Go(func() error {
			var input any
			if pred, ok := plan.preds[id]; ok {
				select {
				case <-ready[pred]:
				case <-gctx.Done():
					return gctx.Err()
				}
				mu.Lock()
				input = outputs[pred]
				mu.Unlock()
			} else {
				input = initialInputs[id]
			}

			out, err := n.invoke(gctx, input)
			observability.GetMetrics().RecordNodeExecution(gctx, string(id), err == nil)
			if err != nil {
				r.logger.Debug("Node failed", "node", id, "error", err)
				return fmt.Errorf("node %s: %w", id, err)
			}
			mu.Lock()
			outputs[id] = out
			mu.Unlock()
			close(ready[id])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetStatus(codes.Ok, "completed")
	return outputs, nil
}

func assignable(value any, want reflect.Type) bool {
	return reflect.TypeOf(value).AssignableTo(want)
}
