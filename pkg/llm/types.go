// Package llm presents a single generate/embed interface over multiple
// provider backends with ordered fallback, per-provider timeouts, and
// concurrent health probes.
package llm

import (
	"context"
	"time"
)

// Options tunes a single generate call.
type Options struct {
	// SystemPrompt is prepended as the system instruction when non-empty.
	SystemPrompt string
	// Schema requests schema-constrained JSON output. Providers without
	// native schema support receive it as an instruction; nil means
	// free-form text.
	Schema map[string]any
	// MaxTokens bounds the reply; 0 uses the provider default.
	MaxTokens int
	// Temperature overrides the provider default when > 0.
	Temperature float64
}

// Usage reports token consumption for one call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Response is the uniform result of a generate call.
type Response struct {
	Text     string `json:"text"`
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Usage    Usage  `json:"usage"`
}

// Provider is one LLM backend.
type Provider interface {
	// Name identifies the provider in logs and responses.
	Name() string
	// Generate produces a completion for the prompt.
	Generate(ctx context.Context, prompt string, opts Options) (*Response, error)
	// Probe issues one lightweight request to verify the provider works.
	Probe(ctx context.Context) error
}

// Embedder is implemented by providers that expose an embedding endpoint.
type Embedder interface {
	// Embed returns the embedding vector for the text.
	Embed(ctx context.Context, text string) ([]float32, error)
	// Dimensions is the vector length Embed produces.
	Dimensions() int
}

// ProviderConfig is the registration record for a provider.
type ProviderConfig struct {
	Name string
	// Timeout bounds each call to this provider.
	Timeout time.Duration
	// Priority orders fallback; lower runs first.
	Priority int
	// Enabled providers participate in the fallback order. Disabled ones
	// stay registered but are skipped.
	Enabled bool
}

// ProviderHealth is one entry in a health report.
type ProviderHealth struct {
	Name      string `json:"name"`
	Healthy   bool   `json:"healthy"`
	Details   string `json:"details,omitempty"`
	LastError string `json:"last_error,omitempty"`
}
