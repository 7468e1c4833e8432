package llm

import (
	"context"
	"fmt"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/shared"
)

// Registration names for the OpenAI-compatible providers.
const (
	ProviderGroq    = "groq"
	ProviderMistral = "mistral"
)

const (
	groqBaseURL    = "https://api.groq.com/openai/v1"
	mistralBaseURL = "https://api.mistral.ai/v1"
)

// OpenAICompatProvider serves any endpoint speaking the OpenAI chat
// completions protocol. Groq and Mistral both expose one.
type OpenAICompatProvider struct {
	client openai.Client
	name   string
	model  string
}

// NewOpenAICompatProvider creates a provider against an OpenAI-compatible
// endpoint. An empty baseURL targets api.openai.com.
func NewOpenAICompatProvider(name, apiKey, baseURL, model string) (*OpenAICompatProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%s api key is required", name)
	}
	if model == "" {
		return nil, fmt.Errorf("%s model name is required", name)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(baseURL))
	}

	return &OpenAICompatProvider{
		client: openai.NewClient(reqOpts...),
		name:   name,
		model:  model,
	}, nil
}

// NewGroqProvider creates a provider for the Groq inference API.
func NewGroqProvider(apiKey, model string) (*OpenAICompatProvider, error) {
	if model == "" {
		model = "llama-3.3-70b-versatile"
	}
	return NewOpenAICompatProvider(ProviderGroq, apiKey, groqBaseURL, model)
}

// NewMistralProvider creates a provider for the Mistral API.
func NewMistralProvider(apiKey, model string) (*OpenAICompatProvider, error) {
	if model == "" {
		model = "mistral-small-latest"
	}
	return NewOpenAICompatProvider(ProviderMistral, apiKey, mistralBaseURL, model)
}

func (p *OpenAICompatProvider) Name() string { return p.name }

// Generate sends a single-turn chat completion.
func (p *OpenAICompatProvider) Generate(ctx context.Context, prompt string, opts Options) (*Response, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if opts.SystemPrompt != "" {
		messages = append(messages, openai.SystemMessage(opts.SystemPrompt))
	}
	messages = append(messages, openai.UserMessage(prompt))

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(p.model),
		Messages: messages,
	}
	if opts.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(opts.MaxTokens))
	}
	if opts.Temperature > 0 {
		params.Temperature = openai.Float(opts.Temperature)
	}
	if opts.Schema != nil {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		}
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("%s generate failed: %w", p.name, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%s returned no choices", p.name)
	}

	return &Response{
		Text:     resp.Choices[0].Message.Content,
		Provider: p.name,
		Model:    p.model,
		Usage: Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
		},
	}, nil
}

// Probe lists the available models, the cheapest authenticated call on
// every OpenAI-compatible endpoint.
func (p *OpenAICompatProvider) Probe(ctx context.Context) error {
	if _, err := p.client.Models.List(ctx); err != nil {
		return fmt.Errorf("%s probe failed: %w", p.name, err)
	}
	return nil
}
