package engines

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/maksim-tsi/yet-another-agents-memory-sub000/pkg/ciar"
	"github.com/maksim-tsi/yet-another-agents-memory-sub000/pkg/memory"
)

// SkipBelowMinimum is the skip reason for windows under the batch minimum.
const SkipBelowMinimum = "below_minimum"

// PromotionConfig tunes one promotion engine.
type PromotionConfig struct {
	// BatchMinTurns is the smallest window worth processing.
	BatchMinTurns int
	// SegmentationEnabled routes the window through topic segmentation
	// before extraction. Disabled, the whole window is one segment.
	SegmentationEnabled bool
}

// PromotionStats reports one promotion cycle.
type PromotionStats struct {
	SessionID      string `json:"session_id"`
	Skipped        bool   `json:"skipped,omitempty"`
	SkipReason     string `json:"skip_reason,omitempty"`
	TurnsRetrieved int    `json:"turns_retrieved"`
	FactsExtracted int    `json:"facts_extracted"`
	FactsPromoted  int    `json:"facts_promoted"`
	Errors         int    `json:"errors"`
	LastError      string `json:"last_error,omitempty"`
}

// PromotionEngine moves significant information from the L1 turn window
// into L2 working memory: segment the window by topic, extract typed facts
// per segment, score them, and store those clearing the threshold.
// Re-running over the same window may extract duplicate facts;
// deduplication is the caller's concern.
type PromotionEngine struct {
	turns     TurnSource
	facts     FactSink
	segmenter *TopicSegmenter
	extractor *FactExtractor
	scorer    *ciar.Scorer
	cfg       PromotionConfig
}

// NewPromotionEngine assembles a promotion engine.
func NewPromotionEngine(turns TurnSource, facts FactSink, segmenter *TopicSegmenter, extractor *FactExtractor, scorer *ciar.Scorer, cfg PromotionConfig) *PromotionEngine {
	if cfg.BatchMinTurns <= 0 {
		cfg.BatchMinTurns = 3
	}
	return &PromotionEngine{
		turns:     turns,
		facts:     facts,
		segmenter: segmenter,
		extractor: extractor,
		scorer:    scorer,
		cfg:       cfg,
	}
}

// Run executes one promotion cycle for a session. Per-fact failures are
// counted in the stats; only window retrieval fails the cycle.
func (e *PromotionEngine) Run(ctx context.Context, sessionID string) (*PromotionStats, error) {
	stats := &PromotionStats{SessionID: sessionID}

	window, err := e.turns.RetrieveSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve turn window: %w", err)
	}
	stats.TurnsRetrieved = len(window)
	if len(window) < e.cfg.BatchMinTurns {
		stats.Skipped = true
		stats.SkipReason = SkipBelowMinimum
		return stats, nil
	}

	// L1 returns newest first; extraction reads chronologically.
	turns := make([]memory.Turn, len(window))
	for i, t := range window {
		turns[len(window)-1-i] = t
	}

	var segments []TopicSegment
	if e.cfg.SegmentationEnabled {
		segments = e.segmenter.Segment(ctx, turns)
	} else {
		// One whole-window segment; certainty and impact stay with the
		// extractor and scorer rather than the synthetic-fallback values.
		seg := SyntheticSegment(turns)
		seg.Certainty = 0
		seg.Impact = 0
		segments = []TopicSegment{seg}
	}

	now := time.Now().UTC()
	threshold := e.facts.Threshold()
	for i := range segments {
		seg := &segments[i]
		extracted := e.extractor.Extract(ctx, sessionID, SegmentTurns(turns, seg), seg)
		stats.FactsExtracted += len(extracted)

		for j := range extracted {
			fact := &extracted[j]
			e.scorer.Apply(fact, now)
			if fact.CIARScore < threshold {
				continue
			}
			if err := e.facts.StoreFact(ctx, fact); err != nil {
				stats.Errors++
				stats.LastError = err.Error()
				slog.Warn("Failed to promote fact",
					"session_id", sessionID, "fact_type", fact.FactType, "error", err)
				continue
			}
			stats.FactsPromoted++
		}
	}

	slog.Info("Promotion cycle complete",
		"session_id", sessionID,
		"turns", stats.TurnsRetrieved,
		"extracted", stats.FactsExtracted,
		"promoted", stats.FactsPromoted,
		"errors", stats.Errors)
	return stats, nil
}
