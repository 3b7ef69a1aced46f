package agent

import (
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/loopkit/loopkit/pkg/guardrail"
	"github.com/loopkit/loopkit/pkg/llm"
	"github.com/loopkit/loopkit/pkg/observability"
	"github.com/loopkit/loopkit/pkg/tools"
)

// DefaultMaxSteps is the step budget applied when RunConfig.MaxSteps is zero.
const DefaultMaxSteps = 50

// Config describes an agent.
type Config struct {
	// Name identifies the agent in logs, traces and handoff log lines.
	Name string

	// Client is the LLM provider the agent consults. Required.
	Client llm.Client

	// Tools is the agent's tool registry. Optional.
	Tools *tools.Registry

	// Handoffs the agent may perform. Each is advertised to the model as a
	// synthesized handoff tool.
	Handoffs []Handoff

	// InputGuardrails run against the query before the loop starts.
	InputGuardrails []guardrail.Guardrail

	// OutputGuardrails run against the final assistant content after the
	// loop completes.
	OutputGuardrails []guardrail.Guardrail

	// SystemMessage is prepended to every provider call.
	SystemMessage string

	// Options are the default completion options for this agent.
	Options *llm.CompletionOptions

	// Strategy controls how a batch of tool calls is executed.
	// Defaults to Sequential.
	Strategy tools.Strategy

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

func (c *Config) setDefaults() {
	if c.Name == "" {
		c.Name = "agent"
	}
	if c.Tools == nil {
		// An empty definition list cannot fail registration.
		c.Tools, _ = tools.NewRegistry(nil)
	}
	if c.Options == nil {
		opts := llm.DefaultCompletionOptions()
		c.Options = &opts
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

func (c *Config) validate() error {
	if c.Client == nil {
		return llm.NewConfigurationError("agent requires an LLM client")
	}
	return nil
}

// Agent drives the loop state machine against one LLM client and one tool
// registry. An Agent is safe for concurrent runs; all per-run state lives
// in State values.
type Agent struct {
	// ID is a dashless hex identifier used in synthesized handoff tool names.
	ID   string
	Name string

	client           llm.Client
	tools            *tools.Registry
	handoffs         []Handoff
	inputGuardrails  []guardrail.Guardrail
	outputGuardrails []guardrail.Guardrail
	systemMessage    string
	options          llm.CompletionOptions
	strategy         tools.Strategy
	logger           *slog.Logger
}

// New creates an agent from cfg.
func New(cfg Config) (*Agent, error) {
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Agent{
		ID:               strings.ReplaceAll(uuid.NewString(), "-", ""),
		Name:             cfg.Name,
		client:           cfg.Client,
		tools:            cfg.Tools,
		handoffs:         cfg.Handoffs,
		inputGuardrails:  cfg.InputGuardrails,
		outputGuardrails: cfg.OutputGuardrails,
		systemMessage:    cfg.SystemMessage,
		options:          *cfg.Options,
		strategy:         cfg.Strategy,
		logger:           cfg.Logger.With("agent", cfg.Name),
	}, nil
}

// RunConfig carries per-run knobs.
type RunConfig struct {
	// MaxSteps is the step budget; zero selects DefaultMaxSteps.
	MaxSteps int

	// Unlimited disables the step budget entirely.
	Unlimited bool

	// TracePath, when set, writes a markdown execution trace after every
	// transition.
	TracePath string

	// Debug logs every transition at debug level.
	Debug bool
}

func (c RunConfig) budget() int {
	if c.MaxSteps <= 0 {
		return DefaultMaxSteps
	}
	return c.MaxSteps
}

// initialState builds the starting state for a fresh run.
func (a *Agent) initialState(query string) State {
	state := NewState(query, a.tools, a.options)
	state.SystemMessage = a.systemMessage
	state.Handoffs = a.handoffs
	return state
}

// llmToolDefinitions merges the registry's definitions with synthesized
// handoff tools, registry tools first.
func (a *Agent) llmToolDefinitions(state State) []llm.ToolDefinition {
	defs := state.Tools.LLMDefinitions()
	for _, h := range state.Handoffs {
		spec := h.Definition()
		defs = append(defs, llm.ToolDefinition{
			Name:        spec.Name,
			Description: spec.Description,
			Parameters:  spec.Schema,
		})
	}
	return defs
}

var agentTracer = observability.Tracer("loopkit.agent")
