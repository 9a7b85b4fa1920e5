// Package llm defines the model backend capability interface and the HTTP
// clients for the supported providers. The engine depends only on the
// Backend contract and the shared error taxonomy, never on a concrete
// provider.
package llm

import (
	"context"
	"time"

	docbterrors "github.com/aleenprd/docbt/internal/errors"
)

// Provider constants for the supported backend variants.
const (
	ProviderOpenAI   = "openai"
	ProviderOllama   = "ollama"
	ProviderLMStudio = "lmstudio"
)

// Request is a fully built completion request. It is produced by the prompt
// builder and must be treated as immutable.
type Request struct {
	System      string   `json:"system,omitempty"`
	Prompt      string   `json:"prompt"`
	Temperature float64  `json:"temperature,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

// Usage reports token accounting for one completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Completion is a successful backend response. Reasoning holds any
// chain-of-thought block stripped from the text by the local providers.
type Completion struct {
	Text            string        `json:"text"`
	Reasoning       string        `json:"reasoning,omitempty"`
	Usage           Usage         `json:"usage"`
	Duration        time.Duration `json:"duration"`
	TokensPerSecond float64       `json:"tokens_per_second,omitempty"`
}

// Capabilities describes what a backend can accept.
type Capabilities struct {
	MaxContextTokens  int  `json:"max_context_tokens"`
	SupportsStreaming bool `json:"supports_streaming"`
}

// Backend is the model capability interface. Complete performs exactly one
// network call; retries and failover are the engine's concern.
type Backend interface {
	// Name identifies the backend (provider/model). It participates in
	// cache fingerprints, so it must be stable across runs.
	Name() string
	Complete(ctx context.Context, req Request) (*Completion, error)
	Capabilities() Capabilities
}

// Config configures a single backend client.
type Config struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	APIKey   string `json:"api_key,omitempty"`
	BaseURL  string `json:"base_url,omitempty"`
	// MaxContextTokens overrides the provider default context window.
	MaxContextTokens int `json:"max_context_tokens,omitempty"`
}

// Default context windows, used when the config does not override them.
const (
	defaultOpenAIContext = 128000
	defaultLocalContext  = 8192
)

// New builds a backend client for the configured provider.
func New(cfg Config) (Backend, error) {
	if cfg.Model == "" {
		return nil, docbterrors.New(docbterrors.KindConfig, "model is required")
	}

	switch cfg.Provider {
	case ProviderOpenAI:
		return newOpenAI(cfg)
	case ProviderOllama:
		return newOllama(cfg)
	case ProviderLMStudio:
		return newLMStudio(cfg)
	default:
		return nil, docbterrors.Newf(docbterrors.KindConfig, "unsupported provider: %s", cfg.Provider)
	}
}
