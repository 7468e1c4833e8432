package tiers

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/maksim-tsi/yet-another-agents-memory-sub000/pkg/ciar"
	"github.com/maksim-tsi/yet-another-agents-memory-sub000/pkg/memory"
	"github.com/maksim-tsi/yet-another-agents-memory-sub000/pkg/storage"
)

// WorkingMemoryConfig tunes the L2 gate and retention.
type WorkingMemoryConfig struct {
	// Threshold is the significance gate: facts scoring below it are
	// rejected at store time and filtered at query time.
	Threshold float64
	// Alpha is the linear per-access recency increment applied on reads.
	Alpha float64
	// MaxRecencyBoost caps the read-path recency boost.
	MaxRecencyBoost float64
	// TTL bounds fact age before cleanup sweeps it.
	TTL time.Duration
}

// WorkingMemoryTier persists facts that passed the significance gate and
// maintains their access bookkeeping.
type WorkingMemoryTier struct {
	rel    storage.RelationalStore
	scorer *ciar.Scorer
	cfg    WorkingMemoryConfig
}

// NewWorkingMemoryTier creates the L2 tier.
func NewWorkingMemoryTier(rel storage.RelationalStore, scorer *ciar.Scorer, cfg WorkingMemoryConfig) *WorkingMemoryTier {
	if cfg.Threshold <= 0 {
		cfg.Threshold = scorer.Threshold()
	}
	if cfg.Alpha <= 0 {
		cfg.Alpha = 0.05
	}
	if cfg.MaxRecencyBoost <= 0 {
		cfg.MaxRecencyBoost = 2.3
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 7 * 24 * time.Hour
	}
	return &WorkingMemoryTier{rel: rel, scorer: scorer, cfg: cfg}
}

// Threshold exposes the tier's significance gate.
func (t *WorkingMemoryTier) Threshold() float64 { return t.cfg.Threshold }

// StoreFact persists a fact after enforcing the significance gate. Facts
// with no composite score are scored first; facts below the threshold are
// rejected with a data error.
func (t *WorkingMemoryTier) StoreFact(ctx context.Context, fact *memory.Fact) error {
	if fact.FactID == "" {
		fact.FactID = uuid.New().String()
	}
	if fact.ExtractedAt.IsZero() {
		fact.ExtractedAt = time.Now().UTC()
	}
	if fact.CIARScore == 0 {
		t.scorer.Apply(fact, time.Now().UTC())
	}
	if err := fact.Validate(); err != nil {
		return storage.DataErr("working_memory", "store_fact", err)
	}
	if fact.CIARScore < t.cfg.Threshold {
		return storage.DataErr("working_memory", "store_fact",
			fmt.Errorf("ciar_score %.3f below threshold %.2f", fact.CIARScore, t.cfg.Threshold))
	}

	if err := t.rel.Insert(ctx, storage.TableWorkingMemory, factToRow(fact)); err != nil {
		return fmt.Errorf("failed to store fact: %w", err)
	}
	return nil
}

// GetFact returns a fact by id and applies access bookkeeping: the access
// count increments atomically, last_accessed moves to now, and the recency
// boost and composite score are recomputed. Bookkeeping persistence is
// best-effort; its failure never fails the read.
func (t *WorkingMemoryTier) GetFact(ctx context.Context, factID string) (*memory.Fact, error) {
	rows, err := t.rel.Query(ctx, storage.TableWorkingMemory,
		map[string]any{"fact_id": factID}, "", 1)
	if err != nil {
		return nil, fmt.Errorf("failed to get fact: %w", err)
	}
	if len(rows) == 0 {
		return nil, storage.NotFoundErr("working_memory", "get_fact",
			fmt.Errorf("fact %s not found", factID))
	}
	fact := rowToFact(rows[0])
	t.touch(ctx, fact)
	return fact, nil
}

// touch increments access bookkeeping in SQL and recomputes the read-path
// recency boost (1 + alpha*count, capped) and the composite score.
func (t *WorkingMemoryTier) touch(ctx context.Context, fact *memory.Fact) {
	now := time.Now().UTC()
	affected, err := t.rel.Execute(ctx,
		`UPDATE working_memory SET access_count = access_count + 1, last_accessed = $1 WHERE fact_id = $2`,
		now, fact.FactID)
	if err != nil || affected == 0 {
		slog.Warn("Failed to increment fact access count",
			"fact_id", fact.FactID, "error", err)
		return
	}

	fact.AccessCount++
	fact.LastAccessed = &now
	fact.RecencyBoost = t.readRecencyBoost(fact.AccessCount)
	fact.CIARScore = fact.Certainty * fact.Impact * fact.AgeDecay * fact.RecencyBoost

	if _, err := t.rel.Update(ctx, storage.TableWorkingMemory,
		map[string]any{"fact_id": fact.FactID},
		map[string]any{
			"recency_boost": fact.RecencyBoost,
			"ciar_score":    fact.CIARScore,
		}); err != nil {
		slog.Warn("Failed to persist recomputed fact score",
			"fact_id", fact.FactID, "error", err)
	}
}

func (t *WorkingMemoryTier) readRecencyBoost(accessCount int) float64 {
	boost := 1 + t.cfg.Alpha*float64(accessCount)
	if boost > t.cfg.MaxRecencyBoost {
		boost = t.cfg.MaxRecencyBoost
	}
	return boost
}

// FactQuery tunes QueryBySession. A nil MinCIAR applies the tier floor;
// IncludeLowCIAR disables the floor entirely.
type FactQuery struct {
	MinCIAR        *float64
	Limit          int
	IncludeLowCIAR bool
}

// QueryBySession returns a session's facts ordered by score then recency.
func (t *WorkingMemoryTier) QueryBySession(ctx context.Context, sessionID string, q FactQuery) ([]memory.Fact, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	floor := t.cfg.Threshold
	if q.MinCIAR != nil {
		floor = *q.MinCIAR
	}
	if q.IncludeLowCIAR {
		floor = 0
	}

	rows, err := t.rel.QuerySQL(ctx,
		`SELECT * FROM working_memory
		 WHERE session_id = $1 AND ciar_score >= $2
		 ORDER BY ciar_score DESC, last_accessed DESC
		 LIMIT $3`,
		sessionID, floor, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query facts by session: %w", err)
	}
	return rowsToFacts(rows), nil
}

// FactsSince returns a session's facts extracted after cutoff, oldest
// first. Consolidation uses this as its batch input.
func (t *WorkingMemoryTier) FactsSince(ctx context.Context, sessionID string, cutoff time.Time) ([]memory.Fact, error) {
	rows, err := t.rel.QuerySQL(ctx,
		`SELECT * FROM working_memory
		 WHERE session_id = $1 AND extracted_at > $2
		 ORDER BY extracted_at ASC`,
		sessionID, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query facts since cutoff: %w", err)
	}
	return rowsToFacts(rows), nil
}

// SearchFacts runs a relevance-ranked full-text query over a session's fact
// contents using the tsvector index.
func (t *WorkingMemoryTier) SearchFacts(ctx context.Context, sessionID, query string, limit int) ([]memory.Fact, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := t.rel.QuerySQL(ctx,
		`SELECT * FROM working_memory
		 WHERE session_id = $1
		   AND to_tsvector('english', content) @@ plainto_tsquery('english', $2)
		 ORDER BY ts_rank(to_tsvector('english', content), plainto_tsquery('english', $2)) DESC
		 LIMIT $3`,
		sessionID, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search facts: %w", err)
	}
	return rowsToFacts(rows), nil
}

// CleanupExpired sweeps facts older than the tier TTL, returning the count.
func (t *WorkingMemoryTier) CleanupExpired(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().Add(-t.cfg.TTL)
	deleted, err := t.rel.Execute(ctx,
		`DELETE FROM working_memory WHERE extracted_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up expired facts: %w", err)
	}
	if deleted > 0 {
		slog.Info("Swept expired working memory facts",
			"deleted", deleted, "cutoff", cutoff)
	}
	return deleted, nil
}

// CountFacts reports how many facts a session holds.
func (t *WorkingMemoryTier) CountFacts(ctx context.Context, sessionID string) (int, error) {
	rows, err := t.rel.QuerySQL(ctx,
		`SELECT COUNT(*) AS n FROM working_memory WHERE session_id = $1`, sessionID)
	if err != nil {
		return 0, fmt.Errorf("failed to count facts: %w", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}
	return rowInt(rows[0], "n"), nil
}

// DeleteSession removes all of a session's facts, returning the count.
func (t *WorkingMemoryTier) DeleteSession(ctx context.Context, sessionID string) (int64, error) {
	deleted, err := t.rel.DeleteByFilters(ctx, storage.TableWorkingMemory,
		map[string]any{"session_id": sessionID})
	if err != nil {
		return 0, fmt.Errorf("failed to delete session facts: %w", err)
	}
	return deleted, nil
}

func factToRow(f *memory.Fact) map[string]any {
	row := map[string]any{
		"fact_id":          f.FactID,
		"session_id":       f.SessionID,
		"content":          f.Content,
		"fact_type":        string(f.FactType),
		"fact_category":    string(f.FactCategory),
		"certainty":        f.Certainty,
		"impact":           f.Impact,
		"age_decay":        f.AgeDecay,
		"recency_boost":    f.RecencyBoost,
		"ciar_score":       f.CIARScore,
		"source_uri":       f.SourceURI,
		"source_type":      f.SourceType,
		"topic_segment_id": f.TopicSegmentID,
		"topic_label":      f.TopicLabel,
		"metadata":         marshalMetadata(f.Metadata),
		"extracted_at":     f.ExtractedAt,
		"access_count":     f.AccessCount,
	}
	if f.LastAccessed != nil {
		row["last_accessed"] = *f.LastAccessed
	} else {
		row["last_accessed"] = nil
	}
	return row
}

func rowToFact(row map[string]any) *memory.Fact {
	return &memory.Fact{
		FactID:         rowString(row, "fact_id"),
		SessionID:      rowString(row, "session_id"),
		Content:        rowString(row, "content"),
		FactType:       memory.FactType(rowString(row, "fact_type")),
		FactCategory:   memory.FactCategory(rowString(row, "fact_category")),
		Certainty:      rowFloat(row, "certainty"),
		Impact:         rowFloat(row, "impact"),
		AgeDecay:       rowFloat(row, "age_decay"),
		RecencyBoost:   rowFloat(row, "recency_boost"),
		CIARScore:      rowFloat(row, "ciar_score"),
		SourceURI:      rowString(row, "source_uri"),
		SourceType:     rowString(row, "source_type"),
		TopicSegmentID: rowString(row, "topic_segment_id"),
		TopicLabel:     rowString(row, "topic_label"),
		Metadata:       unmarshalMetadata(row["metadata"]),
		ExtractedAt:    rowTime(row, "extracted_at"),
		LastAccessed:   rowTimePtr(row, "last_accessed"),
		AccessCount:    rowInt(row, "access_count"),
	}
}

func rowsToFacts(rows []map[string]any) []memory.Fact {
	facts := make([]memory.Fact, 0, len(rows))
	for _, row := range rows {
		facts = append(facts, *rowToFact(row))
	}
	return facts
}
