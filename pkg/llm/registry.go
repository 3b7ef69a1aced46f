package llm

import (
	"fmt"
	"time"

	"github.com/loopkit/loopkit/pkg/registry"
)

// ProviderType identifies a supported completion provider.
type ProviderType string

const (
	// ProviderOpenAI speaks the chat-completions protocol. Also covers
	// Ollama and other compatible local servers via BaseURL.
	ProviderOpenAI ProviderType = "openai"

	// ProviderAnthropic speaks the Anthropic messages protocol.
	ProviderAnthropic ProviderType = "anthropic"
)

// ProviderConfig is the config-driven way to construct a Client.
type ProviderConfig struct {
	Type              ProviderType  `json:"type"`
	Model             string        `json:"model,omitempty"`
	APIKey            string        `json:"api_key,omitempty"`
	BaseURL           string        `json:"base_url,omitempty"`
	ContextWindow     int           `json:"context_window,omitempty"`
	ReserveCompletion int           `json:"reserve_completion,omitempty"`
	Timeout           time.Duration `json:"timeout,omitempty"`
}

// NewClient constructs a Client from a provider config.
func NewClient(cfg ProviderConfig) (Client, error) {
	switch cfg.Type {
	case ProviderOpenAI:
		return NewOpenAIClient(OpenAIConfig{
			APIKey:            cfg.APIKey,
			BaseURL:           cfg.BaseURL,
			Model:             cfg.Model,
			ContextWindow:     cfg.ContextWindow,
			ReserveCompletion: cfg.ReserveCompletion,
			Timeout:           cfg.Timeout,
		}), nil
	case ProviderAnthropic:
		return NewAnthropicClient(AnthropicConfig{
			APIKey:            cfg.APIKey,
			BaseURL:           cfg.BaseURL,
			Model:             cfg.Model,
			ContextWindow:     cfg.ContextWindow,
			ReserveCompletion: cfg.ReserveCompletion,
			Timeout:           cfg.Timeout,
		})
	default:
		return nil, NewConfigurationError(fmt.Sprintf("unsupported provider type: %s (supported: openai, anthropic)", cfg.Type))
	}
}

// Registry holds named Clients.
type Registry struct {
	*registry.BaseRegistry[Client]
}

func NewRegistry() *Registry {
	return &Registry{BaseRegistry: registry.NewBaseRegistry[Client]()}
}

// RegisterClient adds a client under a name.
func (r *Registry) RegisterClient(name string, client Client) error {
	if client == nil {
		return NewConfigurationError("client cannot be nil")
	}
	return r.Register(name, client)
}

// CreateFromConfig constructs a client from cfg and registers it.
func (r *Registry) CreateFromConfig(name string, cfg ProviderConfig) (Client, error) {
	client, err := NewClient(cfg)
	if err != nil {
		return nil, err
	}
	if err := r.RegisterClient(name, client); err != nil {
		return nil, err
	}
	return client, nil
}

// GetClient returns the client registered under name.
func (r *Registry) GetClient(name string) (Client, error) {
	client, exists := r.Get(name)
	if !exists {
		return nil, NewNotFoundError(fmt.Sprintf("LLM client '%s' not found", name))
	}
	return client, nil
}
