package api

import (
	"context"
	"log/slog"
	"strings"

	"github.com/maksim-tsi/yet-another-agents-memory-sub000/pkg/engines"
	"github.com/maksim-tsi/yet-another-agents-memory-sub000/pkg/llm"
	"github.com/maksim-tsi/yet-another-agents-memory-sub000/pkg/system"
)

// Responder produces the assistant reply for one turn.
type Responder interface {
	Respond(ctx context.Context, block *system.ContextBlock, userContent string) (string, error)
}

// FallbackReply is the deterministic answer when no language model is
// available. The conversation loop keeps running on memory alone.
const FallbackReply = "I have recorded your message. No language model is currently available, so this is an automated acknowledgement."

const responderSystemPrompt = "You are the assistant in an ongoing conversation. " +
	"Answer the user's latest message using the memory context provided. " +
	"Follow any active standing orders exactly."

// LLMResponder grounds the reply in the assembled context block. Any model
// failure degrades to FallbackReply instead of failing the turn.
type LLMResponder struct {
	gen engines.Generator
}

// NewLLMResponder creates a responder over the provider router. gen may be
// nil when no provider is configured.
func NewLLMResponder(gen engines.Generator) *LLMResponder {
	return &LLMResponder{gen: gen}
}

func (r *LLMResponder) Respond(ctx context.Context, block *system.ContextBlock, userContent string) (string, error) {
	if r.gen == nil {
		return FallbackReply, nil
	}

	var sb strings.Builder
	if prompt := block.ToPromptString(); prompt != "" {
		sb.WriteString(prompt)
		sb.WriteString("\n\n")
	}
	sb.WriteString("User: ")
	sb.WriteString(userContent)

	resp, err := r.gen.Generate(ctx, sb.String(), llm.Options{
		SystemPrompt: responderSystemPrompt,
		MaxTokens:    1024,
	})
	if err != nil {
		slog.Warn("Responder falling back to canned reply", "error", err)
		return FallbackReply, nil
	}
	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return FallbackReply, nil
	}
	return text, nil
}
