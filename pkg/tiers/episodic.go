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

const reconcileScrollLimit = 1000

// EpisodicConfig tunes the L3 dual index.
type EpisodicConfig struct {
	Collection       string
	VectorSize       int
	StrictVectorSize bool
}

// EpisodicTier stores episodes indexed two ways: a vector point carrying
// the episode payload, and a graph node with MENTIONS edges to entities.
// The tier keeps both indexes in sync; on partial failure the pair is
// eventually consistent and Reconcile surfaces the drift.
type EpisodicTier struct {
	vec   storage.VectorSearchStore
	graph storage.GraphStore
	cfg   EpisodicConfig
}

// NewEpisodicTier creates the L3 tier.
func NewEpisodicTier(vec storage.VectorSearchStore, graph storage.GraphStore, cfg EpisodicConfig) *EpisodicTier {
	if cfg.Collection == "" {
		cfg.Collection = "episodes"
	}
	if cfg.VectorSize <= 0 {
		cfg.VectorSize = 768
	}
	return &EpisodicTier{vec: vec, graph: graph, cfg: cfg}
}

// Ensure creates the vector collection if absent.
func (t *EpisodicTier) Ensure(ctx context.Context) error {
	return t.vec.EnsureCollection(ctx, t.cfg.Collection, uint64(t.cfg.VectorSize))
}

// StoreEpisode dual-indexes an episode: upsert the vector point, merge the
// graph node, merge entity nodes with MENTIONS edges, then write the vector
// id back onto the node to close the cross-reference. A failure after the
// vector upsert leaves a recoverable inconsistency visible to Reconcile.
func (t *EpisodicTier) StoreEpisode(ctx context.Context, episode *memory.Episode, embedding []float32) error {
	if episode.EpisodeID == "" {
		episode.EpisodeID = uuid.New().String()
	}
	if episode.ConsolidatedAt.IsZero() {
		episode.ConsolidatedAt = time.Now().UTC()
	}
	if err := episode.Validate(); err != nil {
		return storage.DataErr("episodic_memory", "store_episode", err)
	}
	vector, err := t.normalizeVector(embedding)
	if err != nil {
		return err
	}

	if err := t.Ensure(ctx); err != nil {
		return fmt.Errorf("failed to ensure episode collection: %w", err)
	}
	if err := t.vec.UpsertPoint(ctx, t.cfg.Collection, storage.VectorPoint{
		ID:      episode.EpisodeID,
		Vector:  vector,
		Payload: episodePayload(episode),
	}); err != nil {
		return fmt.Errorf("failed to upsert episode vector: %w", err)
	}
	episode.VectorID = episode.EpisodeID

	if err := t.mergeEpisodeNode(ctx, episode); err != nil {
		return fmt.Errorf("failed to merge episode node (vector %s already written): %w",
			episode.VectorID, err)
	}
	episode.GraphNodeID = episode.EpisodeID

	for i := range episode.Entities {
		if err := t.mergeEntityMention(ctx, episode, &episode.Entities[i]); err != nil {
			return fmt.Errorf("failed to merge entity mention %q: %w", episode.Entities[i].Name, err)
		}
	}

	if _, err := t.graph.ExecuteQuery(ctx,
		`MATCH (e:Episode {episodeId: $episodeId}) SET e.vectorId = $vectorId`,
		map[string]any{"episodeId": episode.EpisodeID, "vectorId": episode.VectorID}); err != nil {
		return fmt.Errorf("failed to write vector id onto episode node: %w", err)
	}
	return nil
}

func (t *EpisodicTier) mergeEpisodeNode(ctx context.Context, e *memory.Episode) error {
	params := map[string]any{
		"episodeId":                  e.EpisodeID,
		"sessionId":                  e.SessionID,
		"summary":                    e.Summary,
		"narrative":                  e.Narrative,
		"factCount":                  len(e.SourceFactIDs),
		"timeWindowStart":            e.TimeWindowStart,
		"timeWindowEnd":              e.TimeWindowEnd,
		"durationSeconds":            e.DurationSeconds(),
		"factValidFrom":              e.FactValidFrom,
		"factValidTo":                nilableTime(e.FactValidTo),
		"sourceObservationTimestamp": e.SourceObservationTimestamp,
		"importanceScore":            e.ImportanceScore,
		"consolidatedAt":             e.ConsolidatedAt,
		"consolidationMethod":        e.ConsolidationMethod,
	}
	_, err := t.graph.ExecuteQuery(ctx, `
		MERGE (e:Episode {episodeId: $episodeId})
		SET e.sessionId = $sessionId,
		    e.summary = $summary,
		    e.narrative = $narrative,
		    e.factCount = $factCount,
		    e.timeWindowStart = $timeWindowStart,
		    e.timeWindowEnd = $timeWindowEnd,
		    e.durationSeconds = $durationSeconds,
		    e.factValidFrom = $factValidFrom,
		    e.factValidTo = $factValidTo,
		    e.sourceObservationTimestamp = $sourceObservationTimestamp,
		    e.importanceScore = $importanceScore,
		    e.consolidatedAt = $consolidatedAt,
		    e.consolidationMethod = $consolidationMethod`,
		params)
	return err
}

func (t *EpisodicTier) mergeEntityMention(ctx context.Context, e *memory.Episode, entity *memory.Entity) error {
	if entity.EntityID == "" {
		entity.EntityID = EntityID(entity.Name)
	}
	params := map[string]any{
		"episodeId":                  e.EpisodeID,
		"entityId":                   entity.EntityID,
		"name":                       entity.Name,
		"type":                       entity.Type,
		"properties":                 marshalMetadata(entity.Properties),
		"factValidFrom":              e.FactValidFrom,
		"factValidTo":                nilableTime(e.FactValidTo),
		"sourceObservationTimestamp": e.SourceObservationTimestamp,
		"confidence":                 entity.Confidence,
	}
	_, err := t.graph.ExecuteQuery(ctx, `
		MATCH (e:Episode {episodeId: $episodeId})
		MERGE (n:Entity {entityId: $entityId})
		SET n.name = $name, n.type = $type, n.properties = $properties
		MERGE (e)-[m:MENTIONS]->(n)
		SET m.factValidFrom = $factValidFrom,
		    m.factValidTo = $factValidTo,
		    m.sourceObservationTimestamp = $sourceObservationTimestamp,
		    m.confidence = $confidence`,
		params)
	return err
}

// EntityID derives a stable node id from an entity name so repeated
// mentions merge into one node.
func EntityID(name string) string {
	id := strings.ToLower(strings.TrimSpace(name))
	id = strings.Join(strings.Fields(id), "_")
	return id
}

// QueryTemporal returns episodes whose valid interval contains queryTime,
// most important first. sessionID narrows the search when non-empty.
func (t *EpisodicTier) QueryTemporal(ctx context.Context, queryTime time.Time, sessionID string, limit int) ([]memory.Episode, error) {
	if limit <= 0 {
		limit = 10
	}
	var sid any
	if sessionID != "" {
		sid = sessionID
	}
	rows, err := t.graph.ExecuteQuery(ctx, `
		MATCH (e:Episode)
		WHERE ($sessionId IS NULL OR e.sessionId = $sessionId)
		  AND e.factValidFrom <= $queryTime
		  AND (e.factValidTo IS NULL OR e.factValidTo > $queryTime)
		RETURN properties(e) AS episode
		ORDER BY e.importanceScore DESC
		LIMIT $limit`,
		map[string]any{"sessionId": sid, "queryTime": queryTime, "limit": limit})
	if err != nil {
		return nil, fmt.Errorf("failed to query episodes by time: %w", err)
	}

	episodes := make([]memory.Episode, 0, len(rows))
	for _, row := range rows {
		props, ok := row["episode"].(map[string]any)
		if !ok {
			continue
		}
		episodes = append(episodes, nodePropsToEpisode(props))
	}
	return episodes, nil
}

// RecentEpisodes returns episodes most recently consolidated first. An
// empty sessionID spans all sessions.
func (t *EpisodicTier) RecentEpisodes(ctx context.Context, sessionID string, limit int) ([]memory.Episode, error) {
	if limit <= 0 {
		limit = 20
	}
	var sid any
	if sessionID != "" {
		sid = sessionID
	}
	rows, err := t.graph.ExecuteQuery(ctx, `
		MATCH (e:Episode)
		WHERE ($sessionId IS NULL OR e.sessionId = $sessionId)
		RETURN properties(e) AS episode
		ORDER BY e.consolidatedAt DESC
		LIMIT $limit`,
		map[string]any{"sessionId": sid, "limit": limit})
	if err != nil {
		return nil, fmt.Errorf("failed to list recent episodes: %w", err)
	}

	episodes := make([]memory.Episode, 0, len(rows))
	for _, row := range rows {
		props, ok := row["episode"].(map[string]any)
		if !ok {
			continue
		}
		episodes = append(episodes, nodePropsToEpisode(props))
	}
	return episodes, nil
}

// SearchSimilar returns the episodes nearest to vector, best match first.
// Each result carries its similarity_score in the episode metadata.
func (t *EpisodicTier) SearchSimilar(ctx context.Context, vector []float32, filters map[string]any, limit int) ([]memory.Episode, error) {
	if limit <= 0 {
		limit = 5
	}
	normalized, err := t.normalizeVector(vector)
	if err != nil {
		return nil, err
	}
	hits, err := t.vec.SearchByVector(ctx, t.cfg.Collection, normalized, filters, uint64(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to search similar episodes: %w", err)
	}

	episodes := make([]memory.Episode, 0, len(hits))
	for _, hit := range hits {
		ep := payloadToEpisode(hit.Point.Payload)
		if ep.Metadata == nil {
			ep.Metadata = make(map[string]any)
		}
		ep.Metadata["similarity_score"] = float64(hit.Score)
		episodes = append(episodes, ep)
	}
	return episodes, nil
}

// QueryGraph forwards a parameterized query to the graph backend. Safe
// parameterization is the caller's responsibility.
func (t *EpisodicTier) QueryGraph(ctx context.Context, query string, params map[string]any) ([]map[string]any, error) {
	return t.graph.ExecuteQuery(ctx, query, params)
}

// ReconcileReport lists episodes present in exactly one of the two indexes.
type ReconcileReport struct {
	VectorCount int      `json:"vector_count"`
	GraphCount  int      `json:"graph_count"`
	VectorOnly  []string `json:"vector_only"`
	GraphOnly   []string `json:"graph_only"`
}

// Consistent reports whether the two indexes agree.
func (r *ReconcileReport) Consistent() bool {
	return len(r.VectorOnly) == 0 && len(r.GraphOnly) == 0
}

// Reconcile finds episodes present in one index but missing from the
// other. It is read-only and idempotent; repair is an operator decision.
func (t *EpisodicTier) Reconcile(ctx context.Context) (*ReconcileReport, error) {
	points, err := t.vec.Scroll(ctx, t.cfg.Collection, nil, reconcileScrollLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to scroll episode vectors: %w", err)
	}
	vectorIDs := make(map[string]bool, len(points))
	for _, p := range points {
		vectorIDs[p.ID] = true
	}

	rows, err := t.graph.ExecuteQuery(ctx,
		`MATCH (e:Episode) RETURN e.episodeId AS id`, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list episode nodes: %w", err)
	}
	graphIDs := make(map[string]bool, len(rows))
	for _, row := range rows {
		if id := rowString(row, "id"); id != "" {
			graphIDs[id] = true
		}
	}

	report := &ReconcileReport{
		VectorCount: len(vectorIDs),
		GraphCount:  len(graphIDs),
	}
	for id := range vectorIDs {
		if !graphIDs[id] {
			report.VectorOnly = append(report.VectorOnly, id)
		}
	}
	for id := range graphIDs {
		if !vectorIDs[id] {
			report.GraphOnly = append(report.GraphOnly, id)
		}
	}
	if !report.Consistent() {
		slog.Warn("Episode indexes have drifted",
			"vector_only", len(report.VectorOnly), "graph_only", len(report.GraphOnly))
	}
	return report, nil
}

// DeleteEpisode removes an episode from both indexes. Both deletes are
// attempted even when the first fails.
func (t *EpisodicTier) DeleteEpisode(ctx context.Context, episodeID string) error {
	var firstErr error
	if err := t.vec.DeletePoints(ctx, t.cfg.Collection, []string{episodeID}); err != nil {
		firstErr = fmt.Errorf("failed to delete episode vector: %w", err)
	}
	if _, err := t.graph.ExecuteQuery(ctx,
		`MATCH (e:Episode {episodeId: $id}) DETACH DELETE e`,
		map[string]any{"id": episodeID}); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("failed to delete episode node: %w", err)
	}
	return firstErr
}

// DeleteSession removes all of a session's episodes from both indexes,
// returning the vector-side count.
func (t *EpisodicTier) DeleteSession(ctx context.Context, sessionID string) (int64, error) {
	points, err := t.vec.Scroll(ctx, t.cfg.Collection,
		map[string]any{"session_id": sessionID}, reconcileScrollLimit)
	if err != nil && !storage.IsNotFound(err) {
		return 0, fmt.Errorf("failed to list session episodes: %w", err)
	}
	if len(points) > 0 {
		ids := make([]string, len(points))
		for i, p := range points {
			ids[i] = p.ID
		}
		if err := t.vec.DeletePoints(ctx, t.cfg.Collection, ids); err != nil {
			return 0, fmt.Errorf("failed to delete session episode vectors: %w", err)
		}
	}
	if _, err := t.graph.ExecuteQuery(ctx,
		`MATCH (e:Episode {sessionId: $sessionId}) DETACH DELETE e`,
		map[string]any{"sessionId": sessionID}); err != nil {
		return int64(len(points)), fmt.Errorf("failed to delete session episode nodes: %w", err)
	}
	return int64(len(points)), nil
}

// CountEpisodes reports how many episodes a session holds in the graph.
func (t *EpisodicTier) CountEpisodes(ctx context.Context, sessionID string) (int, error) {
	rows, err := t.graph.ExecuteQuery(ctx,
		`MATCH (e:Episode {sessionId: $sessionId}) RETURN count(e) AS n`,
		map[string]any{"sessionId": sessionID})
	if err != nil {
		return 0, fmt.Errorf("failed to count episodes: %w", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}
	return rowInt(rows[0], "n"), nil
}

// LatestWindowEnd returns the end of the most recent consolidated window
// for a session, or zero time when the session has no episodes. The
// consolidation cursor starts here.
func (t *EpisodicTier) LatestWindowEnd(ctx context.Context, sessionID string) (time.Time, error) {
	rows, err := t.graph.ExecuteQuery(ctx, `
		MATCH (e:Episode {sessionId: $sessionId})
		RETURN e.timeWindowEnd AS windowEnd
		ORDER BY e.timeWindowEnd DESC
		LIMIT 1`,
		map[string]any{"sessionId": sessionID})
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to find latest episode window: %w", err)
	}
	if len(rows) == 0 {
		return time.Time{}, nil
	}
	return rowTime(rows[0], "windowEnd"), nil
}

// normalizeVector fits an embedding to the collection dimension. Short
// vectors are zero-padded and long ones truncated unless strict sizing is
// configured, in which case a mismatch is a data error.
func (t *EpisodicTier) normalizeVector(vec []float32) ([]float32, error) {
	if len(vec) == t.cfg.VectorSize {
		return vec, nil
	}
	if t.cfg.StrictVectorSize {
		return nil, storage.DataErr("episodic_memory", "normalize_vector",
			fmt.Errorf("embedding dimension %d does not match collection dimension %d",
				len(vec), t.cfg.VectorSize))
	}
	out := make([]float32, t.cfg.VectorSize)
	copy(out, vec)
	return out, nil
}

func nilableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func episodePayload(e *memory.Episode) map[string]any {
	entityNames := make([]any, 0, len(e.Entities))
	for _, ent := range e.Entities {
		entityNames = append(entityNames, ent.Name)
	}
	p := map[string]any{
		"episode_id":                   e.EpisodeID,
		"session_id":                   e.SessionID,
		"summary":                      e.Summary,
		"narrative":                    e.Narrative,
		"fact_count":                   len(e.SourceFactIDs),
		"source_fact_ids":              toAnySlice(e.SourceFactIDs),
		"fact_valid_from":              e.FactValidFrom.UTC().Format(time.RFC3339Nano),
		"source_observation_timestamp": e.SourceObservationTimestamp.UTC().Format(time.RFC3339Nano),
		"time_window_start":            e.TimeWindowStart.UTC().Format(time.RFC3339Nano),
		"time_window_end":              e.TimeWindowEnd.UTC().Format(time.RFC3339Nano),
		"importance_score":             e.ImportanceScore,
		"topics":                       toAnySlice(e.Topics),
		"entities":                     entityNames,
		"consolidated_at":              e.ConsolidatedAt.UTC().Format(time.RFC3339Nano),
		"consolidation_method":         e.ConsolidationMethod,
	}
	if e.FactValidTo != nil {
		p["fact_valid_to"] = e.FactValidTo.UTC().Format(time.RFC3339Nano)
	}
	return p
}

func payloadToEpisode(p map[string]any) memory.Episode {
	ep := memory.Episode{
		EpisodeID:                  rowString(p, "episode_id"),
		SessionID:                  rowString(p, "session_id"),
		Summary:                    rowString(p, "summary"),
		Narrative:                  rowString(p, "narrative"),
		SourceFactIDs:              rowStrings(p, "source_fact_ids"),
		FactValidFrom:              rowTime(p, "fact_valid_from"),
		FactValidTo:                rowTimePtr(p, "fact_valid_to"),
		SourceObservationTimestamp: rowTime(p, "source_observation_timestamp"),
		TimeWindowStart:            rowTime(p, "time_window_start"),
		TimeWindowEnd:              rowTime(p, "time_window_end"),
		ImportanceScore:            rowFloat(p, "importance_score"),
		Topics:                     rowStrings(p, "topics"),
		ConsolidatedAt:             rowTime(p, "consolidated_at"),
		ConsolidationMethod:        rowString(p, "consolidation_method"),
	}
	ep.VectorID = ep.EpisodeID
	for _, name := range rowStrings(p, "entities") {
		ep.Entities = append(ep.Entities, memory.Entity{EntityID: EntityID(name), Name: name})
	}
	return ep
}

func nodePropsToEpisode(props map[string]any) memory.Episode {
	ep := memory.Episode{
		EpisodeID:                  rowString(props, "episodeId"),
		SessionID:                  rowString(props, "sessionId"),
		Summary:                    rowString(props, "summary"),
		Narrative:                  rowString(props, "narrative"),
		FactValidFrom:              rowTime(props, "factValidFrom"),
		FactValidTo:                rowTimePtr(props, "factValidTo"),
		SourceObservationTimestamp: rowTime(props, "sourceObservationTimestamp"),
		TimeWindowStart:            rowTime(props, "timeWindowStart"),
		TimeWindowEnd:              rowTime(props, "timeWindowEnd"),
		ImportanceScore:            rowFloat(props, "importanceScore"),
		VectorID:                   rowString(props, "vectorId"),
		ConsolidatedAt:             rowTime(props, "consolidatedAt"),
		ConsolidationMethod:        rowString(props, "consolidationMethod"),
	}
	ep.GraphNodeID = ep.EpisodeID
	return ep
}
