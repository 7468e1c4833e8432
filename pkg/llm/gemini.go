package llm

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// ProviderGemini is the registration name for the Google Gemini provider.
const ProviderGemini = "gemini"

// GeminiProvider generates completions and embeddings through the Google
// GenAI API. It is the only provider that serves Embed, so it doubles as
// the system embedder.
type GeminiProvider struct {
	client         *genai.Client
	model          string
	embeddingModel string
	dimensions     int
}

// NewGeminiProvider creates a Gemini-backed provider.
func NewGeminiProvider(ctx context.Context, apiKey, model, embeddingModel string) (*GeminiProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}
	if embeddingModel == "" {
		embeddingModel = "gemini-embedding-001"
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	return &GeminiProvider{
		client:         client,
		model:          model,
		embeddingModel: embeddingModel,
		dimensions:     768,
	}, nil
}

func (p *GeminiProvider) Name() string { return ProviderGemini }

// Generate sends a single-turn prompt. When opts.Schema is set the model
// is asked for a JSON response body.
func (p *GeminiProvider) Generate(ctx context.Context, prompt string, opts Options) (*Response, error) {
	config := &genai.GenerateContentConfig{}
	if opts.SystemPrompt != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: opts.SystemPrompt}},
		}
	}
	if opts.MaxTokens > 0 {
		config.MaxOutputTokens = int32(opts.MaxTokens)
	}
	if opts.Temperature > 0 {
		config.Temperature = genai.Ptr(float32(opts.Temperature))
	}
	if opts.Schema != nil {
		config.ResponseMIMEType = "application/json"
	}

	resp, err := p.client.Models.GenerateContent(ctx, p.model, genai.Text(prompt), config)
	if err != nil {
		return nil, fmt.Errorf("gemini generate failed: %w", err)
	}

	text := resp.Text()
	if text == "" {
		return nil, fmt.Errorf("gemini returned empty completion")
	}

	out := &Response{Text: text, Provider: ProviderGemini, Model: p.model}
	if resp.UsageMetadata != nil {
		out.Usage = Usage{
			InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
		}
	}
	return out, nil
}

// Embed generates a single embedding vector for text.
func (p *GeminiProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	contents := []*genai.Content{
		genai.NewContentFromText(text, genai.RoleUser),
	}

	result, err := p.client.Models.EmbedContent(ctx,
		p.embeddingModel,
		contents,
		&genai.EmbedContentConfig{
			TaskType: "SEMANTIC_SIMILARITY",
		},
	)
	if err != nil {
		return nil, fmt.Errorf("gemini embed failed: %w", err)
	}
	if len(result.Embeddings) == 0 {
		return nil, fmt.Errorf("no embeddings returned")
	}
	return result.Embeddings[0].Values, nil
}

// Dimensions reports the embedding vector length.
// gemini-embedding-001 produces 768-dimensional vectors.
func (p *GeminiProvider) Dimensions() int { return p.dimensions }

// Probe verifies API reachability with a token-count call, which is free
// and does not consume generation quota.
func (p *GeminiProvider) Probe(ctx context.Context) error {
	_, err := p.client.Models.CountTokens(ctx, p.model, genai.Text("ping"), nil)
	if err != nil {
		return fmt.Errorf("gemini probe failed: %w", err)
	}
	return nil
}

// Close releases the underlying client. The genai HTTP client holds no
// closable resources.
func (p *GeminiProvider) Close() error {
	return nil
}
