// Package memory defines the entities moved through the four-tier cascade:
// turns (L1), facts (L2), episodes (L3), and knowledge documents (L4).
package memory

import (
	"fmt"
	"time"
)

// Tier labels used in persisted records and metrics.
const (
	TierL1 = "L1"
	TierL2 = "L2"
	TierL3 = "L3"
	TierL4 = "L4"
)

// MaxFactContentLength bounds L2 fact content.
const MaxFactContentLength = 5000

// MinSummaryLength is the shortest episode summary accepted by L3.
const MinSummaryLength = 10

// Role identifies the author of a conversational turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Turn is a single conversational message held in L1 active context.
type Turn struct {
	TurnID    int            `json:"turn_id"`
	SessionID string         `json:"session_id"`
	Role      Role           `json:"role"`
	Content   string         `json:"content"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Validate checks the fields required before a turn may be stored.
func (t *Turn) Validate() error {
	if t.SessionID == "" {
		return fmt.Errorf("session_id is required")
	}
	if !t.Role.Valid() {
		return fmt.Errorf("role must be %q or %q, got %q", RoleUser, RoleAssistant, t.Role)
	}
	if t.Content == "" {
		return fmt.Errorf("content is required")
	}
	return nil
}

// FactType classifies what kind of statement a fact captures.
type FactType string

const (
	FactPreference   FactType = "preference"
	FactConstraint   FactType = "constraint"
	FactEntity       FactType = "entity"
	FactMention      FactType = "mention"
	FactRelationship FactType = "relationship"
	FactEvent        FactType = "event"
	FactInstruction  FactType = "instruction"
)

var factTypes = map[FactType]bool{
	FactPreference:   true,
	FactConstraint:   true,
	FactEntity:       true,
	FactMention:      true,
	FactRelationship: true,
	FactEvent:        true,
	FactInstruction:  true,
}

// ParseFactType maps a string (typically LLM output) to a known fact type.
func ParseFactType(s string) (FactType, bool) {
	ft := FactType(s)
	return ft, factTypes[ft]
}

// FactCategory groups facts by business domain.
type FactCategory string

const (
	CategoryPersonal    FactCategory = "personal"
	CategoryBusiness    FactCategory = "business"
	CategoryTechnical   FactCategory = "technical"
	CategoryOperational FactCategory = "operational"
)

var factCategories = map[FactCategory]bool{
	CategoryPersonal:    true,
	CategoryBusiness:    true,
	CategoryTechnical:   true,
	CategoryOperational: true,
}

// ParseFactCategory maps a string to a known fact category.
func ParseFactCategory(s string) (FactCategory, bool) {
	fc := FactCategory(s)
	return fc, factCategories[fc]
}

// Fact is a distilled statement held in L2 working memory. The four CIAR
// components and their composite score gate both storage and retrieval.
type Fact struct {
	FactID       string       `json:"fact_id"`
	SessionID    string       `json:"session_id"`
	Content      string       `json:"content"`
	FactType     FactType     `json:"fact_type"`
	FactCategory FactCategory `json:"fact_category"`

	Certainty    float64 `json:"certainty"`
	Impact       float64 `json:"impact"`
	AgeDecay     float64 `json:"age_decay"`
	RecencyBoost float64 `json:"recency_boost"`
	CIARScore    float64 `json:"ciar_score"`

	SourceURI      string `json:"source_uri,omitempty"`
	SourceType     string `json:"source_type,omitempty"`
	TopicSegmentID string `json:"topic_segment_id,omitempty"`
	TopicLabel     string `json:"topic_label,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty"`

	ExtractedAt  time.Time  `json:"extracted_at"`
	LastAccessed *time.Time `json:"last_accessed,omitempty"`
	AccessCount  int        `json:"access_count"`
}

// CIARScoreTolerance is the allowed drift between the persisted composite
// score and the product of its components.
const CIARScoreTolerance = 0.01

// Validate checks the fields required before a fact may be stored.
func (f *Fact) Validate() error {
	if f.SessionID == "" {
		return fmt.Errorf("session_id is required")
	}
	if f.Content == "" {
		return fmt.Errorf("content is required")
	}
	if len(f.Content) > MaxFactContentLength {
		return fmt.Errorf("content exceeds %d characters (got %d)", MaxFactContentLength, len(f.Content))
	}
	if !factTypes[f.FactType] {
		return fmt.Errorf("unknown fact_type %q", f.FactType)
	}
	if f.FactCategory != "" && !factCategories[f.FactCategory] {
		return fmt.Errorf("unknown fact_category %q", f.FactCategory)
	}
	if f.Certainty < 0 || f.Certainty > 1 {
		return fmt.Errorf("certainty must be in [0,1], got %g", f.Certainty)
	}
	if f.Impact < 0 || f.Impact > 1 {
		return fmt.Errorf("impact must be in [0,1], got %g", f.Impact)
	}
	if err := f.CheckScoreConsistency(); err != nil {
		return err
	}
	return nil
}

// CheckScoreConsistency verifies ciar_score matches the component product
// within CIARScoreTolerance.
func (f *Fact) CheckScoreConsistency() error {
	want := f.Certainty * f.Impact * f.AgeDecay * f.RecencyBoost
	diff := f.CIARScore - want
	if diff < 0 {
		diff = -diff
	}
	if diff > CIARScoreTolerance {
		return fmt.Errorf("ciar_score %.4f inconsistent with components (expected %.4f)", f.CIARScore, want)
	}
	return nil
}

// Entity is a named thing an episode mentions, stored as a graph node.
type Entity struct {
	EntityID   string         `json:"entity_id"`
	Name       string         `json:"name"`
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties,omitempty"`
	Confidence float64        `json:"confidence"`
}

// Episode is a cluster-level summary held in L3, dual-indexed in the vector
// and graph stores. The valid-time interval records when the underlying facts
// were true; the observation timestamp records when we consolidated them.
type Episode struct {
	EpisodeID     string   `json:"episode_id"`
	SessionID     string   `json:"session_id"`
	Summary       string   `json:"summary"`
	Narrative     string   `json:"narrative,omitempty"`
	SourceFactIDs []string `json:"source_fact_ids,omitempty"`

	FactValidFrom              time.Time  `json:"fact_valid_from"`
	FactValidTo                *time.Time `json:"fact_valid_to,omitempty"`
	SourceObservationTimestamp time.Time  `json:"source_observation_timestamp"`

	TimeWindowStart time.Time `json:"time_window_start"`
	TimeWindowEnd   time.Time `json:"time_window_end"`

	ImportanceScore float64  `json:"importance_score"`
	Topics          []string `json:"topics,omitempty"`
	Entities        []Entity `json:"entities,omitempty"`

	VectorID    string `json:"vector_id,omitempty"`
	GraphNodeID string `json:"graph_node_id,omitempty"`

	ConsolidatedAt      time.Time      `json:"consolidated_at"`
	ConsolidationMethod string         `json:"consolidation_method,omitempty"`
	Metadata            map[string]any `json:"metadata,omitempty"`
}

// Validate checks the episode invariants enforced at L3 store time.
func (e *Episode) Validate() error {
	if e.SessionID == "" {
		return fmt.Errorf("session_id is required")
	}
	if len(e.Summary) < MinSummaryLength {
		return fmt.Errorf("summary must be at least %d characters (got %d)", MinSummaryLength, len(e.Summary))
	}
	if e.FactValidFrom.IsZero() {
		return fmt.Errorf("fact_valid_from is required")
	}
	if e.SourceObservationTimestamp.IsZero() {
		return fmt.Errorf("source_observation_timestamp is required")
	}
	if e.FactValidFrom.After(e.SourceObservationTimestamp) {
		return fmt.Errorf("fact_valid_from %s is after source_observation_timestamp %s",
			e.FactValidFrom.Format(time.RFC3339), e.SourceObservationTimestamp.Format(time.RFC3339))
	}
	if e.FactValidTo != nil && !e.FactValidTo.After(e.FactValidFrom) {
		return fmt.Errorf("fact_valid_to must be after fact_valid_from")
	}
	return nil
}

// DurationSeconds is the presentation window length, used as a graph property.
func (e *Episode) DurationSeconds() float64 {
	if e.TimeWindowEnd.IsZero() || e.TimeWindowStart.IsZero() {
		return 0
	}
	return e.TimeWindowEnd.Sub(e.TimeWindowStart).Seconds()
}

// KnowledgeType identifies which distillation template produced a document.
type KnowledgeType string

const (
	KnowledgeSummary        KnowledgeType = "summary"
	KnowledgeInsight        KnowledgeType = "insight"
	KnowledgePattern        KnowledgeType = "pattern"
	KnowledgeRecommendation KnowledgeType = "recommendation"
	KnowledgeRule           KnowledgeType = "rule"
)

var knowledgeTypes = map[KnowledgeType]bool{
	KnowledgeSummary:        true,
	KnowledgeInsight:        true,
	KnowledgePattern:        true,
	KnowledgeRecommendation: true,
	KnowledgeRule:           true,
}

// KnowledgeTypes lists all distillation templates in synthesis order.
func KnowledgeTypes() []KnowledgeType {
	return []KnowledgeType{
		KnowledgeSummary,
		KnowledgeInsight,
		KnowledgePattern,
		KnowledgeRecommendation,
		KnowledgeRule,
	}
}

// ParseKnowledgeType maps a string to a known knowledge type.
func ParseKnowledgeType(s string) (KnowledgeType, bool) {
	kt := KnowledgeType(s)
	return kt, knowledgeTypes[kt]
}

// KnowledgeDocument is a generalized insight held in L4 semantic memory.
// Identity and provenance are immutable; usage bookkeeping fields are updated
// in place as the document is retrieved and validated.
type KnowledgeDocument struct {
	KnowledgeID     string        `json:"knowledge_id"`
	SessionID       string        `json:"session_id,omitempty"`
	Title           string        `json:"title"`
	Content         string        `json:"content"`
	KnowledgeType   KnowledgeType `json:"knowledge_type"`
	ConfidenceScore float64       `json:"confidence_score"`

	SourceEpisodeIDs []string `json:"source_episode_ids"`
	EpisodeCount     int      `json:"episode_count"`

	Category string         `json:"category,omitempty"`
	Domain   string         `json:"domain,omitempty"`
	Tags     []string       `json:"tags,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`

	UsefulnessScore float64    `json:"usefulness_score"`
	AccessCount     int        `json:"access_count"`
	ValidationCount int        `json:"validation_count"`
	DistilledAt     time.Time  `json:"distilled_at"`
	LastAccessed    *time.Time `json:"last_accessed,omitempty"`
}

// Validate checks the document invariants enforced at L4 store time.
func (d *KnowledgeDocument) Validate() error {
	if d.Title == "" {
		return fmt.Errorf("title is required")
	}
	if d.Content == "" {
		return fmt.Errorf("content is required")
	}
	if !knowledgeTypes[d.KnowledgeType] {
		return fmt.Errorf("unknown knowledge_type %q", d.KnowledgeType)
	}
	if len(d.SourceEpisodeIDs) == 0 {
		return fmt.Errorf("source_episode_ids must not be empty")
	}
	if d.ConfidenceScore < 0 || d.ConfidenceScore > 1 {
		return fmt.Errorf("confidence_score must be in [0,1], got %g", d.ConfidenceScore)
	}
	if d.UsefulnessScore < 0 || d.UsefulnessScore > 1 {
		return fmt.Errorf("usefulness_score must be in [0,1], got %g", d.UsefulnessScore)
	}
	return nil
}
