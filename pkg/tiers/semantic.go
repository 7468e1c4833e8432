package tiers

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/maksim-tsi/yet-another-agents-memory-sub000/pkg/memory"
	"github.com/maksim-tsi/yet-another-agents-memory-sub000/pkg/storage"
)

// SemanticTier stores knowledge documents with full-text search, faceted
// filtering, and provenance. Identity and provenance are immutable; the
// usage bookkeeping fields mutate through Retrieve and UpdateScores.
type SemanticTier struct {
	fts storage.FullTextStore
}

// NewSemanticTier creates the L4 tier.
func NewSemanticTier(fts storage.FullTextStore) *SemanticTier {
	return &SemanticTier{fts: fts}
}

// Ensure creates the knowledge collection if absent.
func (t *SemanticTier) Ensure(ctx context.Context) error {
	return t.fts.EnsureCollection(ctx)
}

// StoreDocument indexes a knowledge document.
func (t *SemanticTier) StoreDocument(ctx context.Context, doc *memory.KnowledgeDocument) error {
	if doc.KnowledgeID == "" {
		doc.KnowledgeID = uuid.New().String()
	}
	if doc.DistilledAt.IsZero() {
		doc.DistilledAt = time.Now().UTC()
	}
	if doc.EpisodeCount == 0 {
		doc.EpisodeCount = len(doc.SourceEpisodeIDs)
	}
	if err := doc.Validate(); err != nil {
		return storage.DataErr("semantic_memory", "store_document", err)
	}
	if err := t.fts.IndexDocument(ctx, documentToMap(doc)); err != nil {
		return fmt.Errorf("failed to index knowledge document: %w", err)
	}
	return nil
}

// Retrieve returns a document by id and bumps its access bookkeeping. The
// bookkeeping write is best-effort; its failure never fails the read.
func (t *SemanticTier) Retrieve(ctx context.Context, knowledgeID string) (*memory.KnowledgeDocument, error) {
	raw, err := t.fts.GetDocument(ctx, knowledgeID)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve knowledge document: %w", err)
	}
	doc := documentFromMap(raw)

	now := time.Now().UTC()
	doc.AccessCount++
	doc.LastAccessed = &now
	if uerr := t.fts.UpdateDocument(ctx, knowledgeID, map[string]any{
		"access_count":  int32(doc.AccessCount),
		"last_accessed": now.Unix(),
	}); uerr != nil {
		slog.Warn("Failed to update knowledge document bookkeeping",
			"knowledge_id", knowledgeID, "error", uerr)
	}
	return doc, nil
}

// KnowledgeQuery selects knowledge documents by text and facets. RawFilter
// replaces the built facet expression when set.
type KnowledgeQuery struct {
	Text          string
	KnowledgeType memory.KnowledgeType
	Category      string
	Tags          []string
	MinConfidence float64
	SessionID     string
	RawFilter     string
	SortBy        string
	Limit         int
}

func (q *KnowledgeQuery) filterExpression() string {
	if q.RawFilter != "" {
		return q.RawFilter
	}
	var parts []string
	if q.KnowledgeType != "" {
		parts = append(parts, fmt.Sprintf("knowledge_type:=%s", q.KnowledgeType))
	}
	if q.Category != "" {
		parts = append(parts, fmt.Sprintf("category:=%s", q.Category))
	}
	if len(q.Tags) > 0 {
		parts = append(parts, fmt.Sprintf("tags:=[%s]", strings.Join(q.Tags, ",")))
	}
	if q.MinConfidence > 0 {
		parts = append(parts, fmt.Sprintf("confidence_score:>=%g", q.MinConfidence))
	}
	if q.SessionID != "" {
		parts = append(parts, fmt.Sprintf("session_id:=%s", q.SessionID))
	}
	return strings.Join(parts, " && ")
}

// DocumentMatch pairs a document with its backend search score.
type DocumentMatch struct {
	Document    memory.KnowledgeDocument
	SearchScore float64
}

// Search runs a faceted full-text query over title and content, sorted by
// usefulness unless overridden.
func (t *SemanticTier) Search(ctx context.Context, q KnowledgeQuery) ([]DocumentMatch, error) {
	text := q.Text
	if text == "" {
		text = "*"
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 10
	}
	sortBy := q.SortBy
	if sortBy == "" {
		sortBy = "usefulness_score:desc"
	}

	hits, err := t.fts.Search(ctx, storage.FullTextQuery{
		Query:    text,
		QueryBy:  "title,content",
		FilterBy: q.filterExpression(),
		SortBy:   sortBy,
		Limit:    limit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search knowledge documents: %w", err)
	}

	matches := make([]DocumentMatch, 0, len(hits))
	for _, hit := range hits {
		matches = append(matches, DocumentMatch{
			Document:    *documentFromMap(hit.Document),
			SearchScore: hit.Score,
		})
	}
	return matches, nil
}

// UpdateScores adjusts the mutable quality fields: a new usefulness score
// and/or a validation count delta.
func (t *SemanticTier) UpdateScores(ctx context.Context, knowledgeID string, usefulness *float64, validationDelta int) error {
	raw, err := t.fts.GetDocument(ctx, knowledgeID)
	if err != nil {
		return fmt.Errorf("failed to load knowledge document for score update: %w", err)
	}
	doc := documentFromMap(raw)

	partial := make(map[string]any)
	if usefulness != nil {
		u := *usefulness
		if u < 0 {
			u = 0
		}
		if u > 1 {
			u = 1
		}
		partial["usefulness_score"] = u
	}
	if validationDelta != 0 {
		partial["validation_count"] = int32(doc.ValidationCount + validationDelta)
	}
	if len(partial) == 0 {
		return nil
	}
	if err := t.fts.UpdateDocument(ctx, knowledgeID, partial); err != nil {
		return fmt.Errorf("failed to update knowledge document scores: %w", err)
	}
	return nil
}

// DeleteDocument removes a document, reporting whether it existed.
func (t *SemanticTier) DeleteDocument(ctx context.Context, knowledgeID string) (bool, error) {
	existed, err := t.fts.DeleteDocument(ctx, knowledgeID)
	if err != nil {
		return false, fmt.Errorf("failed to delete knowledge document: %w", err)
	}
	return existed, nil
}

// DeleteSession removes all of a session's documents, returning the count.
func (t *SemanticTier) DeleteSession(ctx context.Context, sessionID string) (int64, error) {
	deleted, err := t.fts.DeleteByFilter(ctx, fmt.Sprintf("session_id:=%s", sessionID))
	if err != nil {
		return 0, fmt.Errorf("failed to delete session knowledge documents: %w", err)
	}
	return deleted, nil
}

// CountDocuments reports how many documents a session holds, up to the
// backend page cap.
func (t *SemanticTier) CountDocuments(ctx context.Context, sessionID string) (int, error) {
	hits, err := t.fts.Search(ctx, storage.FullTextQuery{
		Query:    "*",
		QueryBy:  "title,content",
		FilterBy: fmt.Sprintf("session_id:=%s", sessionID),
		Limit:    250,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count knowledge documents: %w", err)
	}
	return len(hits), nil
}

func documentToMap(d *memory.KnowledgeDocument) map[string]any {
	m := map[string]any{
		"id":                 d.KnowledgeID,
		"session_id":         d.SessionID,
		"title":              d.Title,
		"content":            d.Content,
		"knowledge_type":     string(d.KnowledgeType),
		"category":           d.Category,
		"domain":             d.Domain,
		"tags":               d.Tags,
		"confidence_score":   d.ConfidenceScore,
		"usefulness_score":   d.UsefulnessScore,
		"access_count":       int32(d.AccessCount),
		"validation_count":   int32(d.ValidationCount),
		"distilled_at":       d.DistilledAt.Unix(),
		"source_episode_ids": d.SourceEpisodeIDs,
		"episode_count":      int32(d.EpisodeCount),
		"metadata_json":      metadataJSON(d.Metadata),
	}
	if d.Tags == nil {
		m["tags"] = []string{}
	}
	if d.LastAccessed != nil {
		m["last_accessed"] = d.LastAccessed.Unix()
	}
	if tag, ok := d.Metadata["conflict_tag"].(string); ok {
		m["conflict_tag"] = tag
	}
	return m
}

func documentFromMap(m map[string]any) *memory.KnowledgeDocument {
	doc := &memory.KnowledgeDocument{
		KnowledgeID:      rowString(m, "id"),
		SessionID:        rowString(m, "session_id"),
		Title:            rowString(m, "title"),
		Content:          rowString(m, "content"),
		KnowledgeType:    memory.KnowledgeType(rowString(m, "knowledge_type")),
		Category:         rowString(m, "category"),
		Domain:           rowString(m, "domain"),
		Tags:             rowStrings(m, "tags"),
		ConfidenceScore:  rowFloat(m, "confidence_score"),
		UsefulnessScore:  rowFloat(m, "usefulness_score"),
		AccessCount:      rowInt(m, "access_count"),
		ValidationCount:  rowInt(m, "validation_count"),
		SourceEpisodeIDs: rowStrings(m, "source_episode_ids"),
		EpisodeCount:     rowInt(m, "episode_count"),
		Metadata:         unmarshalMetadata(m["metadata_json"]),
	}
	if ts := rowInt(m, "distilled_at"); ts > 0 {
		doc.DistilledAt = time.Unix(int64(ts), 0).UTC()
	}
	if ts := rowInt(m, "last_accessed"); ts > 0 {
		la := time.Unix(int64(ts), 0).UTC()
		doc.LastAccessed = &la
	}
	if tag := rowString(m, "conflict_tag"); tag != "" {
		if doc.Metadata == nil {
			doc.Metadata = make(map[string]any)
		}
		doc.Metadata["conflict_tag"] = tag
	}
	return doc
}

func metadataJSON(m map[string]any) string {
	raw := marshalMetadata(m)
	if s, ok := raw.(string); ok {
		return s
	}
	return ""
}
