package engines

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/maksim-tsi/yet-another-agents-memory-sub000/pkg/llm"
	"github.com/maksim-tsi/yet-another-agents-memory-sub000/pkg/memory"
)

// SkipBelowThreshold is the skip reason for candidate sets under the
// episode threshold.
const SkipBelowThreshold = "below_threshold"

// DistillationConfig tunes one distillation engine.
type DistillationConfig struct {
	// EpisodeThreshold is the smallest candidate set worth distilling.
	EpisodeThreshold int
	// MaxEpisodes caps the candidate set projected into prompts.
	MaxEpisodes int
}

// DistillationRequest selects the episodes one distillation run draws on.
type DistillationRequest struct {
	// SessionID narrows candidates to one session; empty spans all.
	SessionID string
	// Since drops episodes whose window ended before it, when set.
	Since time.Time
	// Until drops episodes whose window started after it, when set.
	Until time.Time
	// Force runs distillation even below the episode threshold.
	Force bool
}

// DistillationStats reports one distillation cycle.
type DistillationStats struct {
	SessionID        string `json:"session_id,omitempty"`
	Skipped          bool   `json:"skipped,omitempty"`
	SkipReason       string `json:"skip_reason,omitempty"`
	EpisodesExamined int    `json:"episodes_examined"`
	DocumentsCreated int    `json:"documents_created"`
	Errors           int    `json:"errors"`
	LastError        string `json:"last_error,omitempty"`
}

// distillationTemplates drive one LLM call per knowledge type, in the
// order documents are synthesized later.
var distillationTemplates = map[memory.KnowledgeType]string{
	memory.KnowledgeSummary:        "Write a concise summary of what happened across these episodes.",
	memory.KnowledgeInsight:        "State the most important non-obvious insight these episodes reveal about the user or their work.",
	memory.KnowledgePattern:        "Describe a recurring pattern of behavior or events visible across these episodes.",
	memory.KnowledgeRecommendation: "Give one actionable recommendation, grounded in these episodes, for how an assistant should behave with this user.",
	memory.KnowledgeRule:           "State a durable rule or standing constraint these episodes establish.",
}

const distillationSystemPrompt = `You distill episodic memories into durable knowledge. Respond with a single JSON object and no surrounding prose.`

// DistillationEngine compresses L3 episodes into L4 knowledge documents,
// one per knowledge type. A per-type failure is logged and skipped.
type DistillationEngine struct {
	episodes EpisodeSource
	docs     KnowledgeSink
	llm      Generator
	cfg      DistillationConfig
}

// NewDistillationEngine assembles a distillation engine.
func NewDistillationEngine(episodes EpisodeSource, docs KnowledgeSink, g Generator, cfg DistillationConfig) *DistillationEngine {
	if cfg.EpisodeThreshold <= 0 {
		cfg.EpisodeThreshold = 5
	}
	if cfg.MaxEpisodes <= 0 {
		cfg.MaxEpisodes = 20
	}
	return &DistillationEngine{episodes: episodes, docs: docs, llm: g, cfg: cfg}
}

// Run executes one distillation cycle over the requested candidate set.
func (e *DistillationEngine) Run(ctx context.Context, req DistillationRequest) (*DistillationStats, error) {
	stats := &DistillationStats{SessionID: req.SessionID}

	candidates, err := e.episodes.RecentEpisodes(ctx, req.SessionID, e.cfg.MaxEpisodes)
	if err != nil {
		return nil, fmt.Errorf("failed to list distillation candidates: %w", err)
	}
	candidates = filterByRange(candidates, req.Since, req.Until)
	stats.EpisodesExamined = len(candidates)

	if len(candidates) < e.cfg.EpisodeThreshold && !req.Force {
		stats.Skipped = true
		stats.SkipReason = SkipBelowThreshold
		return stats, nil
	}
	if len(candidates) == 0 {
		stats.Skipped = true
		stats.SkipReason = "no_candidates"
		return stats, nil
	}

	projection := projectEpisodes(candidates)
	for _, kt := range memory.KnowledgeTypes() {
		doc, err := e.distillType(ctx, kt, req.SessionID, candidates, projection)
		if err != nil {
			stats.Errors++
			stats.LastError = err.Error()
			slog.Warn("Failed to distill knowledge type",
				"knowledge_type", kt, "session_id", req.SessionID, "error", err)
			continue
		}
		if err := e.docs.StoreDocument(ctx, doc); err != nil {
			stats.Errors++
			stats.LastError = err.Error()
			slog.Warn("Failed to store knowledge document",
				"knowledge_type", kt, "session_id", req.SessionID, "error", err)
			continue
		}
		stats.DocumentsCreated++
	}

	slog.Info("Distillation cycle complete",
		"session_id", req.SessionID,
		"examined", stats.EpisodesExamined,
		"documents", stats.DocumentsCreated,
		"errors", stats.Errors)
	return stats, nil
}

func filterByRange(episodes []memory.Episode, since, until time.Time) []memory.Episode {
	if since.IsZero() && until.IsZero() {
		return episodes
	}
	out := episodes[:0]
	for _, ep := range episodes {
		if !since.IsZero() && ep.TimeWindowEnd.Before(since) {
			continue
		}
		if !until.IsZero() && ep.TimeWindowStart.After(until) {
			continue
		}
		out = append(out, ep)
	}
	return out
}

// projectEpisodes renders the compact prompt projection: id prefix, summary,
// and an entity sample per episode.
func projectEpisodes(episodes []memory.Episode) string {
	var b strings.Builder
	for _, ep := range episodes {
		fmt.Fprintf(&b, "- [%s] %s", head(ep.EpisodeID, 8), ep.Summary)
		if len(ep.Entities) > 0 {
			names := make([]string, 0, 3)
			for _, ent := range ep.Entities {
				names = append(names, ent.Name)
				if len(names) == 3 {
					break
				}
			}
			fmt.Fprintf(&b, " (entities: %s)", strings.Join(names, ", "))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func (e *DistillationEngine) distillType(ctx context.Context, kt memory.KnowledgeType, sessionID string, candidates []memory.Episode, projection string) (*memory.KnowledgeDocument, error) {
	if e.llm == nil {
		return nil, fmt.Errorf("no generator configured")
	}

	prompt := fmt.Sprintf(`%s
Respond with JSON of the shape {"content": "...", "title": "...", "key_points": ["..."]}.

Episodes:
%s`, distillationTemplates[kt], projection)

	resp, err := e.llm.Generate(ctx, prompt, llm.Options{
		SystemPrompt: distillationSystemPrompt,
		Schema:       map[string]any{"type": "object"},
		Temperature:  0.3,
	})
	if err != nil {
		return nil, fmt.Errorf("distillation call failed: %w", err)
	}

	// Best-effort parse: a non-JSON reply is still usable as content.
	var draft struct {
		Content   string   `json:"content"`
		Title     string   `json:"title"`
		KeyPoints []string `json:"key_points"`
	}
	if err := decodeReply(resp.Text, &draft); err != nil || draft.Content == "" {
		draft.Content = strings.TrimSpace(resp.Text)
		draft.Title = ""
		draft.KeyPoints = nil
	}
	if draft.Content == "" {
		return nil, fmt.Errorf("empty distillation reply")
	}
	if draft.Title == "" {
		draft.Title = fmt.Sprintf("%s across %d episodes", strings.ToUpper(string(kt[:1]))+string(kt[1:]), len(candidates))
	}

	doc := buildDocument(kt, sessionID, candidates, draft.Content, draft.Title, draft.KeyPoints)
	return doc, nil
}

// buildDocument aggregates episode facets into the document's metadata
// fields and records provenance.
func buildDocument(kt memory.KnowledgeType, sessionID string, candidates []memory.Episode, content, title string, keyPoints []string) *memory.KnowledgeDocument {
	ids := make([]string, len(candidates))
	topicCounts := make(map[string]int)
	var entityNames []string
	seenEntity := make(map[string]bool)
	var importanceSum float64

	for i, ep := range candidates {
		ids[i] = ep.EpisodeID
		importanceSum += ep.ImportanceScore
		for _, topic := range ep.Topics {
			topicCounts[topic]++
		}
		for _, ent := range ep.Entities {
			if !seenEntity[ent.Name] {
				seenEntity[ent.Name] = true
				entityNames = append(entityNames, ent.Name)
			}
		}
	}

	tags := rankedTopics(topicCounts, 8)
	domain := "general"
	if len(tags) > 0 {
		domain = tags[0]
	}

	doc := &memory.KnowledgeDocument{
		SessionID:        sessionID,
		Title:            title,
		Content:          content,
		KnowledgeType:    kt,
		Category:         "distilled",
		Domain:           domain,
		Tags:             tags,
		ConfidenceScore:  clamp01(importanceSum / float64(len(candidates))),
		UsefulnessScore:  0.5,
		SourceEpisodeIDs: ids,
		EpisodeCount:     len(candidates),
		DistilledAt:      time.Now().UTC(),
	}
	if len(keyPoints) > 0 || len(entityNames) > 0 {
		doc.Metadata = make(map[string]any)
		if len(keyPoints) > 0 {
			doc.Metadata["key_points"] = keyPoints
		}
		if len(entityNames) > 0 {
			doc.Metadata["entities"] = entityNames
		}
	}
	return doc
}

// rankedTopics returns the most frequent topics, ties alphabetical.
func rankedTopics(counts map[string]int, limit int) []string {
	topics := make([]string, 0, len(counts))
	for t := range counts {
		topics = append(topics, t)
	}
	sort.Slice(topics, func(i, j int) bool {
		if counts[topics[i]] != counts[topics[j]] {
			return counts[topics[i]] > counts[topics[j]]
		}
		return topics[i] < topics[j]
	})
	if len(topics) > limit {
		topics = topics[:limit]
	}
	return topics
}
