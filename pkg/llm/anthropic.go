package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// ProviderAnthropic is the registration name for the Anthropic provider.
const ProviderAnthropic = "anthropic"

const defaultAnthropicMaxTokens = 2048

// AnthropicProvider generates completions through the Anthropic Messages
// API.
type AnthropicProvider struct {
	client anthropic.Client
	model  string
}

// NewAnthropicProvider creates an Anthropic-backed provider.
func NewAnthropicProvider(apiKey, model string) (*AnthropicProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic api key is required")
	}
	if model == "" {
		model = "claude-sonnet-4-5"
	}
	return &AnthropicProvider{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}, nil
}

func (p *AnthropicProvider) Name() string { return ProviderAnthropic }

// Generate sends a single-turn message. The Messages API has no JSON
// response mode, so structured output is requested through the system
// prompt instead.
func (p *AnthropicProvider) Generate(ctx context.Context, prompt string, opts Options) (*Response, error) {
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
	if opts.Temperature > 0 {
		params.Temperature = anthropic.Float(opts.Temperature)
	}

	system := opts.SystemPrompt
	if opts.Schema != nil {
		if system != "" {
			system += "\n\n"
		}
		system += "Respond with a single JSON object and no surrounding prose."
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic generate failed: %w", err)
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	text := sb.String()
	if text == "" {
		return nil, fmt.Errorf("anthropic returned empty completion")
	}

	return &Response{
		Text:     text,
		Provider: ProviderAnthropic,
		Model:    p.model,
		Usage: Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}, nil
}

// Probe sends a one-token message. The Messages API has no lighter
// authenticated endpoint.
func (p *AnthropicProvider) Probe(ctx context.Context) error {
	_, err := p.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: 1,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock("ping")),
		},
	})
	if err != nil {
		return fmt.Errorf("anthropic probe failed: %w", err)
	}
	return nil
}
