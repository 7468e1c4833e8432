package engines

import (
	"context"
	"time"

	"github.com/maksim-tsi/yet-another-agents-memory-sub000/pkg/llm"
	"github.com/maksim-tsi/yet-another-agents-memory-sub000/pkg/memory"
	"github.com/maksim-tsi/yet-another-agents-memory-sub000/pkg/tiers"
)

// Generator is the slice of the LLM client the engines use for text
// generation.
type Generator interface {
	Generate(ctx context.Context, prompt string, opts llm.Options) (*llm.Response, error)
}

// Embedder produces the vectors consolidation indexes episodes under.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbeddingDimensions() int
}

// TurnSource supplies a session's L1 window, newest turn first.
type TurnSource interface {
	RetrieveSession(ctx context.Context, sessionID string) ([]memory.Turn, error)
}

// FactSink is the L2 write surface promotion targets.
type FactSink interface {
	StoreFact(ctx context.Context, fact *memory.Fact) error
	Threshold() float64
}

// FactSource supplies the L2 facts consolidation clusters.
type FactSource interface {
	FactsSince(ctx context.Context, sessionID string, cutoff time.Time) ([]memory.Fact, error)
}

// EpisodeSink is the L3 write surface consolidation targets.
type EpisodeSink interface {
	StoreEpisode(ctx context.Context, episode *memory.Episode, embedding []float32) error
	LatestWindowEnd(ctx context.Context, sessionID string) (time.Time, error)
}

// EpisodeSource supplies distillation candidates from L3.
type EpisodeSource interface {
	RecentEpisodes(ctx context.Context, sessionID string, limit int) ([]memory.Episode, error)
}

// KnowledgeSink is the L4 write surface distillation targets.
type KnowledgeSink interface {
	StoreDocument(ctx context.Context, doc *memory.KnowledgeDocument) error
}

// KnowledgeSource supplies the L4 documents synthesis draws on.
type KnowledgeSource interface {
	Search(ctx context.Context, q tiers.KnowledgeQuery) ([]tiers.DocumentMatch, error)
}
