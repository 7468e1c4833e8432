package engines

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/maksim-tsi/yet-another-agents-memory-sub000/pkg/llm"
	"github.com/maksim-tsi/yet-another-agents-memory-sub000/pkg/memory"
)

// ConsolidationConfig tunes one consolidation engine.
type ConsolidationConfig struct {
	// TimeWindow bounds a cluster: a fact starting this far after the
	// cluster's first fact opens a new cluster. Also the lookback used
	// when a session has no episodes yet.
	TimeWindow time.Duration
}

// ConsolidationStats reports one consolidation cycle.
type ConsolidationStats struct {
	SessionID       string `json:"session_id"`
	Skipped         bool   `json:"skipped,omitempty"`
	SkipReason      string `json:"skip_reason,omitempty"`
	FactsRetrieved  int    `json:"facts_retrieved"`
	EpisodesCreated int    `json:"episodes_created"`
	Errors          int    `json:"errors"`
	LastError       string `json:"last_error,omitempty"`
}

// ConsolidationEngine folds L2 facts into L3 episodes: cluster facts by
// extraction time, summarize each cluster, embed the summary, and store the
// episode in the dual index. A failure on one cluster never aborts the
// batch.
type ConsolidationEngine struct {
	facts    FactSource
	episodes EpisodeSink
	llm      Generator
	embedder Embedder
	cfg      ConsolidationConfig
}

// NewConsolidationEngine assembles a consolidation engine.
func NewConsolidationEngine(facts FactSource, episodes EpisodeSink, g Generator, emb Embedder, cfg ConsolidationConfig) *ConsolidationEngine {
	if cfg.TimeWindow <= 0 {
		cfg.TimeWindow = 24 * time.Hour
	}
	return &ConsolidationEngine{facts: facts, episodes: episodes, llm: g, embedder: emb, cfg: cfg}
}

const consolidationSystemPrompt = `You summarize clusters of extracted facts into episodic memories. Respond with a single JSON object and no surrounding prose.`

const consolidationInstruction = `Summarize the facts below into one episode.
Respond with JSON of the shape:
{"summary": "one or two sentences", "narrative": "a short paragraph", "topics": ["..."], "entities": [{"name": "...", "type": "..."}]}

Facts:
`

// episodeDraft is the parsed LLM reply for one cluster.
type episodeDraft struct {
	Summary   string   `json:"summary"`
	Narrative string   `json:"narrative"`
	Topics    []string `json:"topics"`
	Entities  []struct {
		Name string `json:"name"`
		Type string `json:"type"`
	} `json:"entities"`
}

// Run executes one consolidation cycle for a session. The cursor starts at
// the last consolidated window's end, or one window back when the session
// has no episodes yet.
func (e *ConsolidationEngine) Run(ctx context.Context, sessionID string) (*ConsolidationStats, error) {
	stats := &ConsolidationStats{SessionID: sessionID}
	now := time.Now().UTC()

	cursor, err := e.episodes.LatestWindowEnd(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve consolidation cursor: %w", err)
	}
	if cursor.IsZero() {
		cursor = now.Add(-e.cfg.TimeWindow)
	}

	facts, err := e.facts.FactsSince(ctx, sessionID, cursor)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve facts for consolidation: %w", err)
	}
	stats.FactsRetrieved = len(facts)
	if len(facts) == 0 {
		stats.Skipped = true
		stats.SkipReason = "no_new_facts"
		return stats, nil
	}

	for _, cluster := range clusterByTime(facts, e.cfg.TimeWindow) {
		if err := e.consolidateCluster(ctx, sessionID, cluster, now); err != nil {
			stats.Errors++
			stats.LastError = err.Error()
			slog.Warn("Failed to consolidate cluster",
				"session_id", sessionID, "cluster_size", len(cluster), "error", err)
			continue
		}
		stats.EpisodesCreated++
	}

	slog.Info("Consolidation cycle complete",
		"session_id", sessionID,
		"facts", stats.FactsRetrieved,
		"episodes", stats.EpisodesCreated,
		"errors", stats.Errors)
	return stats, nil
}

// clusterByTime splits facts (oldest first) into clusters: a fact further
// than window from its cluster's first fact starts the next cluster.
func clusterByTime(facts []memory.Fact, window time.Duration) [][]memory.Fact {
	var clusters [][]memory.Fact
	var current []memory.Fact
	var clusterStart time.Time

	for _, f := range facts {
		if len(current) > 0 && f.ExtractedAt.Sub(clusterStart) > window {
			clusters = append(clusters, current)
			current = nil
		}
		if len(current) == 0 {
			clusterStart = f.ExtractedAt
		}
		current = append(current, f)
	}
	if len(current) > 0 {
		clusters = append(clusters, current)
	}
	return clusters
}

func (e *ConsolidationEngine) consolidateCluster(ctx context.Context, sessionID string, cluster []memory.Fact, now time.Time) error {
	draft, method := e.draftEpisode(ctx, cluster)

	embedding, err := e.embedder.Embed(ctx, draft.Summary+" "+draft.Narrative)
	if err != nil {
		return fmt.Errorf("failed to embed episode summary: %w", err)
	}

	episode := buildEpisode(sessionID, cluster, draft, method, now)
	if err := e.episodes.StoreEpisode(ctx, episode, embedding); err != nil {
		return fmt.Errorf("failed to store episode: %w", err)
	}
	return nil
}

// draftEpisode asks the LLM for a summary and narrative, falling back to a
// deterministic synthetic draft.
func (e *ConsolidationEngine) draftEpisode(ctx context.Context, cluster []memory.Fact) (episodeDraft, string) {
	if e.llm == nil {
		return fallbackDraft(cluster), "fallback"
	}

	var b strings.Builder
	for _, f := range cluster {
		fmt.Fprintf(&b, "- [%s] %s\n", f.FactType, f.Content)
	}
	resp, err := e.llm.Generate(ctx, consolidationInstruction+b.String(), llm.Options{
		SystemPrompt: consolidationSystemPrompt,
		Schema:       map[string]any{"type": "object"},
		Temperature:  0.3,
	})
	if err != nil {
		slog.Warn("Episode summarization call failed, using fallback draft", "error", err)
		return fallbackDraft(cluster), "fallback"
	}

	var draft episodeDraft
	if err := decodeReply(resp.Text, &draft); err != nil || len(draft.Summary) < memory.MinSummaryLength {
		slog.Warn("Episode summarization reply unusable, using fallback draft",
			"provider", resp.Provider, "error", err)
		return fallbackDraft(cluster), "fallback"
	}
	return draft, "llm"
}

func fallbackDraft(cluster []memory.Fact) episodeDraft {
	draft := episodeDraft{
		Summary: fmt.Sprintf("Episode with %d facts", len(cluster)),
	}
	seen := make(map[string]bool)
	for _, f := range cluster {
		if f.TopicLabel != "" && !seen[f.TopicLabel] {
			seen[f.TopicLabel] = true
			draft.Topics = append(draft.Topics, f.TopicLabel)
		}
	}
	return draft
}

func buildEpisode(sessionID string, cluster []memory.Fact, draft episodeDraft, method string, now time.Time) *memory.Episode {
	factIDs := make([]string, len(cluster))
	var scoreSum float64
	start, end := cluster[0].ExtractedAt, cluster[0].ExtractedAt
	for i, f := range cluster {
		factIDs[i] = f.FactID
		scoreSum += f.CIARScore
		if f.ExtractedAt.Before(start) {
			start = f.ExtractedAt
		}
		if f.ExtractedAt.After(end) {
			end = f.ExtractedAt
		}
	}

	episode := &memory.Episode{
		SessionID:                  sessionID,
		Summary:                    draft.Summary,
		Narrative:                  draft.Narrative,
		SourceFactIDs:              factIDs,
		FactValidFrom:              start,
		SourceObservationTimestamp: now,
		TimeWindowStart:            start,
		TimeWindowEnd:              end,
		ImportanceScore:            scoreSum / float64(len(cluster)),
		Topics:                     draft.Topics,
		ConsolidatedAt:             now,
		ConsolidationMethod:        method,
	}
	for _, ent := range draft.Entities {
		if name := strings.TrimSpace(ent.Name); name != "" {
			episode.Entities = append(episode.Entities, memory.Entity{
				Name:       name,
				Type:       ent.Type,
				Confidence: 0.8,
			})
		}
	}
	return episode
}
