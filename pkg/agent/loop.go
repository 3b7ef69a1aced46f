package agent

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/loopkit/loopkit/pkg/guardrail"
	"github.com/loopkit/loopkit/pkg/llm"
	"github.com/loopkit/loopkit/pkg/observability"
	"github.com/loopkit/loopkit/pkg/tools"
)

// Run executes a fresh query through the loop. Input guardrails run against
// the query before the loop starts; output guardrails run against the final
// assistant content once the loop completes.
func (a *Agent) Run(ctx context.Context, query string, cfg RunConfig) (State, error) {
	checked, err := guardrail.Sequential(ctx, a.inputGuardrails, query)
	if err != nil {
		return State{}, err
	}

	state, err := a.RunState(ctx, a.initialState(checked.Value), cfg)
	if err != nil {
		return state, err
	}
	return a.applyOutputGuardrails(ctx, state)
}

// RunState drives the state machine from an arbitrary starting state.
// Guardrails are not applied; callers that need them use Run.
func (a *Agent) RunState(ctx context.Context, state State, cfg RunConfig) (State, error) {
	return a.runLoop(ctx, state, cfg.budget(), cfg)
}

// runLoop is the non-streaming state machine driver. remaining is the step
// budget still available; each LLM call consumes one step.
func (a *Agent) runLoop(ctx context.Context, state State, remaining int, cfg RunConfig) (State, error) {
	ctx, span := agentTracer.Start(ctx, "agent.run",
		trace.WithAttributes(
			attribute.String("agent.name", a.Name),
			attribute.Int("agent.budget", remaining),
		))
	defer span.End()

	for !state.Status.IsTerminal() {
		// Cancellation is polled between transitions; partial work from the
		// current turn is discarded.
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
			next, err := a.stepLLM(ctx, state)
			if err != nil {
				// The non-streaming path surfaces LLM errors directly and
				// leaves the status untouched.
				span.SetStatus(codes.Error, err.Error())
				return state, err
			}
			remaining--
			state = next

		case StatusWaitingForTools:
			next, err := a.stepTools(ctx, state, nil)
			if err != nil {
				state = state.
					Log(fmt.Sprintf("[system] Tool dispatch failed: %v", err)).
					WithStatus(Failed(err.Error()))
				continue
			}
			state = next

		case StatusHandoffRequested:
			return a.executeHandoff(ctx, state, remaining, cfg, nil)

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

// stepLLM performs one completion call and applies the resulting transition:
// tool calls move to WaitingForTools, plain content completes the run.
func (a *Agent) stepLLM(ctx context.Context, state State) (State, error) {
	opts := state.Options
	opts.Tools = a.llmToolDefinitions(state)

	completion, err := a.client.Complete(ctx, state.ToAPIConversation(), opts)
	if err != nil {
		return State{}, err
	}

	state = state.AddMessage(completion.Message)
	if len(completion.ToolCalls()) > 0 {
		return state.WithStatus(WaitingForTools()), nil
	}
	return state.WithStatus(Complete()), nil
}

// stepTools executes the latest assistant message's tool calls and appends
// one tool message per call, in call order. Handoff calls are intercepted
// rather than dispatched; detecting one moves the state to HandoffRequested,
// otherwise back to InProgress. emit may be nil.
func (a *Agent) stepTools(ctx context.Context, state State, emit EventHandler) (State, error) {
	assistant, ok := state.LastAssistantMessage()
	if !ok || len(assistant.ToolCalls) == 0 {
		return State{}, llm.NewProcessingError("tools", "waiting for tools without pending tool calls")
	}
	calls := assistant.ToolCalls

	// Handoff calls are answered synthetically; everything else goes to the
	// registry as one batch so the execution strategy applies.
	var (
		requests     []tools.Request
		requestIndex []int
	)
	for i, call := range calls {
		if _, matched := a.matchHandoffCall(state, call.Name); matched {
			continue
		}
		requests = append(requests, tools.Request{Name: call.Name, Arguments: call.Arguments})
		requestIndex = append(requestIndex, i)
	}

	if emit != nil {
		for _, call := range calls {
			emit(ToolCallStarted{ID: call.ID, Name: call.Name, Arguments: string(call.Arguments)})
		}
	}

	results, err := state.Tools.ExecuteAll(ctx, requests, a.strategy)
	if err != nil {
		if emit != nil {
			for _, call := range calls {
				emit(ToolCallFailed{ID: call.ID, Name: call.Name, Error: err.Error()})
			}
		}
		return State{}, err
	}

	resultByCall := make(map[int]tools.Result, len(results))
	for n, idx := range requestIndex {
		resultByCall[idx] = results[n]
	}

	var (
		pending       *Handoff
		pendingReason string
	)
	messages := make([]llm.Message, 0, len(calls))
	for i, call := range calls {
		if h, matched := a.matchHandoffCall(state, call.Name); matched {
			if pending == nil {
				pending = h
				pendingReason = parseHandoffReason(call.Arguments)
			}
			content := `{"result":"handoff accepted"}`
			messages = append(messages, llm.NewToolMessage(call.ID, content))
			if emit != nil {
				emit(ToolCallCompleted{ID: call.ID, Name: call.Name, Result: content, Success: true})
			}
			continue
		}

		result := resultByCall[i]
		messages = append(messages, llm.NewToolMessage(call.ID, result.Wire()))
		if emit != nil {
			if result.OK() {
				emit(ToolCallCompleted{
					ID:         call.ID,
					Name:       call.Name,
					Result:     result.Wire(),
					Success:    true,
					DurationMs: result.Duration.Milliseconds(),
				})
			} else {
				emit(ToolCallFailed{ID: call.ID, Name: call.Name, Error: result.Wire()})
			}
		}
	}

	state = state.AddMessages(messages...)
	if pending != nil {
		return state.WithStatus(HandoffRequested(pending, pendingReason)), nil
	}
	return state.WithStatus(InProgress()), nil
}

// matchHandoffCall resolves a tool call name against the state's configured
// handoffs. Handoff-shaped names with no matching entry fall through to the
// registry, which reports NotFound.
func (a *Agent) matchHandoffCall(state State, name string) (*Handoff, bool) {
	if !isHandoffCall(name) {
		return nil, false
	}
	return matchHandoff(state.Handoffs, name)
}

// executeHandoff builds the target agent's state and runs it with the
// remaining step budget. emit may be nil.
func (a *Agent) executeHandoff(ctx context.Context, state State, remaining int, cfg RunConfig, emit EventHandler) (State, error) {
	h := state.Status.Handoff()
	if h == nil || h.Target == nil {
		return state, llm.NewProcessingError("handoff", "handoff requested without a target")
	}
	reason := state.Status.Reason
	target := h.Target

	a.logger.Info("Handing off",
		"target", target.Name,
		"reason", reason,
		"preserve_context", h.PreserveContext)
	if emit != nil {
		emit(HandoffStarted{Name: target.Name, Reason: reason, PreserveContext: h.PreserveContext})
	}

	targetState := State{
		Tools:        target.tools,
		InitialQuery: state.InitialQuery,
		Status:       InProgress(),
		Options:      target.options,
		Logs: []string{
			fmt.Sprintf("[handoff] received from %s: %s", a.Name, reason),
		},
	}
	if h.PreserveContext {
		conv := make([]llm.Message, len(state.Conversation))
		copy(conv, state.Conversation)
		targetState.Conversation = conv
	} else if msg, ok := lastUserMessage(state.Conversation); ok {
		targetState.Conversation = []llm.Message{msg}
	}
	// Either the source's system message crosses over, or the target starts
	// with none at all.
	if h.TransferSystemMessage {
		targetState.SystemMessage = state.SystemMessage
	}

	// No chained handoffs: the target runs with an empty handoff set and
	// only the budget this run has left.
	var result State
	var err error
	if emit != nil {
		result, err = target.runLoopWithEvents(ctx, targetState, remaining, cfg, emit)
	} else {
		result, err = target.runLoop(ctx, targetState, remaining, cfg)
	}
	if emit != nil {
		emit(HandoffCompleted{Name: target.Name, Success: err == nil && result.Status.Kind == StatusComplete})
	}
	return result, err
}

// applyOutputGuardrails validates (and possibly fixes) the final assistant
// content of a completed run.
func (a *Agent) applyOutputGuardrails(ctx context.Context, state State) (State, error) {
	if state.Status.Kind != StatusComplete || len(a.outputGuardrails) == 0 {
		return state, nil
	}
	assistant, ok := state.LastAssistantMessage()
	if !ok {
		return state, nil
	}

	checked, err := guardrail.Sequential(ctx, a.outputGuardrails, assistant.Content)
	if err != nil {
		return state, err
	}
	if checked.Value != assistant.Content {
		state = replaceLastAssistantContent(state, checked.Value)
	}
	for _, v := range checked.Violations {
		state = state.Log(fmt.Sprintf("[guardrail] %s: %s", v.Guardrail, v.Message))
	}
	return state, nil
}

func replaceLastAssistantContent(state State, content string) State {
	conv := make([]llm.Message, len(state.Conversation))
	copy(conv, state.Conversation)
	for i := len(conv) - 1; i >= 0; i-- {
		if conv[i].Role == llm.RoleAssistant {
			conv[i].Content = content
			break
		}
	}
	state.Conversation = conv
	return state
}

func lastUserMessage(conversation []llm.Message) (llm.Message, bool) {
	for i := len(conversation) - 1; i >= 0; i-- {
		if conversation[i].Role == llm.RoleUser {
			return conversation[i], true
		}
	}
	return llm.Message{}, false
}

// afterTransition persists the trace and logs the transition when enabled.
func (a *Agent) afterTransition(state State, cfg RunConfig) {
	if cfg.Debug {
		a.logger.Debug("Transition",
			"status", state.Status.Kind,
			"messages", len(state.Conversation))
	}
	if cfg.TracePath != "" {
		if err := WriteTrace(cfg.TracePath, state); err != nil {
			a.logger.Warn("Failed to write trace", "path", cfg.TracePath, "error", err)
		}
	}
}

// ContinueConversation resumes a finished run with a new user message.
// Only terminal states can be continued. Logs are cleared for the new turn;
// prune, when non-nil, bounds the carried conversation first.
func (a *Agent) ContinueConversation(ctx context.Context, prev State, userMessage string, prune *ContextWindowConfig, cfg RunConfig) (State, error) {
	if !prev.Status.IsTerminal() {
		return State{}, llm.NewValidationError("agentState",
			fmt.Sprintf("cannot continue from non-terminal status %q", prev.Status.Kind))
	}

	state := prev
	state.Logs = nil
	state.Tools = a.tools
	state.Handoffs = a.handoffs

	if prune != nil {
		state = a.Prune(state, *prune)
	}

	checked, err := guardrail.Sequential(ctx, a.inputGuardrails, userMessage)
	if err != nil {
		return State{}, err
	}
	state = state.
		AddMessage(llm.NewUserMessage(checked.Value)).
		WithStatus(InProgress())

	state, err = a.runLoop(ctx, state, cfg.budget(), cfg)
	if err != nil {
		return state, err
	}
	return a.applyOutputGuardrails(ctx, state)
}
