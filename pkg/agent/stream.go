package agent

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/loopkit/loopkit/pkg/guardrail"
	"github.com/loopkit/loopkit/pkg/llm"
	"github.com/loopkit/loopkit/pkg/observability"
)

// RunWithEvents executes a fresh query through the loop, streaming text
// deltas and emitting lifecycle events to handler. Events are delivered
// synchronously in issue order; the terminal AgentCompleted or AgentFailed
// event is always last.
//
// Unlike Run, an LLM failure does not surface as an error: the run
// transitions to Failed and the caller reads the status off the returned
// state.
func (a *Agent) RunWithEvents(ctx context.Context, query string, cfg RunConfig, handler EventHandler) (State, error) {
	handler(AgentStarted{Agent: a.Name, Query: query})

	checked, err := a.runInputGuardrails(ctx, query, handler)
	if err != nil {
		handler(AgentFailed{Agent: a.Name, Error: err.Error()})
		return State{}, err
	}

	state, err := a.runLoopWithEvents(ctx, a.initialState(checked), cfg.budget(), cfg, handler)
	if err != nil {
		handler(AgentFailed{Agent: a.Name, Error: err.Error()})
		return state, err
	}

	state, err = a.runOutputGuardrails(ctx, state, handler)
	if err != nil {
		handler(AgentFailed{Agent: a.Name, Error: err.Error()})
		return state, err
	}

	switch state.Status.Kind {
	case StatusComplete:
		content := ""
		if assistant, ok := state.LastAssistantMessage(); ok {
			content = assistant.Content
		}
		handler(AgentCompleted{Agent: a.Name, Content: content})
	case StatusFailed:
		handler(AgentFailed{Agent: a.Name, Error: state.Status.Error})
	}
	return state, nil
}

// runLoopWithEvents is the streaming counterpart of runLoop. It follows the
// identical state machine but consults the client via StreamComplete and
// converts LLM failures into the Failed status instead of returning them.
func (a *Agent) runLoopWithEvents(ctx context.Context, state State, remaining int, cfg RunConfig, emit EventHandler) (State, error) {
	ctx, span := agentTracer.Start(ctx, "agent.run_with_events",
		trace.WithAttributes(
			attribute.String("agent.name", a.Name),
			attribute.Int("agent.budget", remaining),
		))
	defer span.End()

	step := 0
	for !state.Status.IsTerminal() {
		if err := ctx.Err(); err != nil {
			state = state.
				Log("[system] Run cancelled").
				WithStatus(Failed("run cancelled"))
			break
		}

		switch state.Status.Kind {
		case StatusInProgress:
			if !cfg.Unlimited && remaining <= 0 {
				state = state.
					Log("[system] Step limit reached").
					WithStatus(Failed("Maximum step limit reached"))
				continue
			}
			step++
			emit(StepStarted{Step: step})

			next, err := a.stepLLMStream(ctx, state, emit)
			if err != nil {
				state = state.
					Log(fmt.Sprintf("[system] LLM call failed: %v", err)).
					WithStatus(Failed(err.Error()))
				continue
			}
			remaining--
			state = next
			emit(StepCompleted{Step: step, HasToolCalls: state.Status.Kind == StatusWaitingForTools})

		case StatusWaitingForTools:
			next, err := a.stepTools(ctx, state, emit)
			if err != nil {
				state = state.
					Log(fmt.Sprintf("[system] Tool dispatch failed: %v", err)).
					WithStatus(Failed(err.Error()))
				continue
			}
			state = next

		case StatusHandoffRequested:
			return a.executeHandoff(ctx, state, remaining, cfg, emit)

		default:
			return state, llm.NewProcessingError("loop", fmt.Sprintf("unexpected status %q", state.Status.Kind))
		}

		a.afterTransition(state, cfg)
	}

	a.afterTransition(state, cfg)
	span.SetAttributes(attribute.String("agent.status", string(state.Status.Kind)))
	observability.GetMetrics().RecordAgentRun(ctx, a.Name, string(state.Status.Kind))
	return state, nil
}

// stepLLMStream performs one streaming completion call, forwarding text
// deltas as they arrive.
func (a *Agent) stepLLMStream(ctx context.Context, state State, emit EventHandler) (State, error) {
	opts := state.Options
	opts.Tools = a.llmToolDefinitions(state)

	completion, err := a.client.StreamComplete(ctx, state.ToAPIConversation(), opts, func(chunk llm.StreamChunk) {
		if chunk.Content != "" {
			emit(TextDelta{Delta: chunk.Content})
		}
	})
	if err != nil {
		return State{}, err
	}
	emit(TextComplete{Content: completion.Content})

	state = state.AddMessage(completion.Message)
	if len(completion.ToolCalls()) > 0 {
		return state.WithStatus(WaitingForTools()), nil
	}
	return state.WithStatus(Complete()), nil
}

func (a *Agent) runInputGuardrails(ctx context.Context, input string, emit EventHandler) (string, error) {
	value := input
	for _, g := range a.inputGuardrails {
		emit(InputGuardrailStarted{Name: g.Name})
		outcome, err := guardrail.Apply(ctx, g, value)
		emit(InputGuardrailCompleted{Name: g.Name, Passed: err == nil})
		if err != nil {
			return "", err
		}
		value = outcome.Value
	}
	return value, nil
}

func (a *Agent) runOutputGuardrails(ctx context.Context, state State, emit EventHandler) (State, error) {
	if state.Status.Kind != StatusComplete || len(a.outputGuardrails) == 0 {
		return state, nil
	}
	assistant, ok := state.LastAssistantMessage()
	if !ok {
		return state, nil
	}

	value := assistant.Content
	for _, g := range a.outputGuardrails {
		emit(OutputGuardrailStarted{Name: g.Name})
		outcome, err := guardrail.Apply(ctx, g, value)
		emit(OutputGuardrailCompleted{Name: g.Name, Passed: err == nil})
		if err != nil {
			return state, err
		}
		value = outcome.Value
		for _, v := range outcome.Violations {
			state = state.Log(fmt.Sprintf("[guardrail] %s: %s", v.Guardrail, v.Message))
		}
	}
	if value != assistant.Content {
		state = replaceLastAssistantContent(state, value)
	}
	return state, nil
}
