package engines

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/maksim-tsi/yet-another-agents-memory-sub000/pkg/llm"
	"github.com/maksim-tsi/yet-another-agents-memory-sub000/pkg/memory"
)

// Source type labels recorded on facts for provenance.
const (
	SourceLLMExtraction  = "llm_extraction"
	SourceRuleExtraction = "rule_extraction"
)

const extractSystemPrompt = `You extract durable memory-worthy facts from conversations. Respond with a single JSON object and no surrounding prose.`

const extractInstruction = `Extract facts worth remembering from the conversation below. Focus on user
preferences, constraints, standing instructions, named entities, and events.
Respond with JSON of the shape:
{"facts": [{"content": "...", "type": "preference|constraint|entity|mention|relationship|event|instruction", "category": "personal|business|technical|operational", "certainty": 0.0, "impact": 0.0}]}
certainty is how sure the conversation makes the fact; impact is how much it
should influence future replies. Both are in [0,1]. Express each fact as a
standalone sentence.

Conversation:
`

var (
	emailRegex      = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)
	possessiveRegex = regexp.MustCompile(`(?i)\bmy ([a-z][a-z ]{0,40}?) is ([^.,;!?\n]+)`)
	preferenceRegex = regexp.MustCompile(`(?i)\bI (prefer|like|love|dislike|hate|want|need) ([^.!?\n]+)`)
	constraintRegex = regexp.MustCompile(`(?i)\b(must not|must|cannot|can't|never|always) ([^.!?\n]+)`)
)

// FactExtractor turns a conversation span into typed L2 facts. The LLM path
// is preferred; a failed call or unusable reply falls back to rule-based
// pattern extraction so promotion still makes progress offline.
type FactExtractor struct {
	llm Generator
}

// NewFactExtractor creates an extractor over the given generator.
func NewFactExtractor(g Generator) *FactExtractor {
	return &FactExtractor{llm: g}
}

// Extract returns candidate facts for a session from the given turns,
// stamped with the segment's topic when one is supplied. Certainty and
// impact left at zero are filled by the scorer downstream.
func (e *FactExtractor) Extract(ctx context.Context, sessionID string, turns []memory.Turn, seg *TopicSegment) []memory.Fact {
	if len(turns) == 0 {
		return nil
	}
	if e.llm != nil {
		if facts, ok := e.extractLLM(ctx, sessionID, turns, seg); ok {
			return facts
		}
	}
	return e.extractRules(sessionID, turns, seg)
}

func (e *FactExtractor) extractLLM(ctx context.Context, sessionID string, turns []memory.Turn, seg *TopicSegment) ([]memory.Fact, bool) {
	resp, err := e.llm.Generate(ctx, extractInstruction+Transcript(turns), llm.Options{
		SystemPrompt: extractSystemPrompt,
		Schema:       map[string]any{"type": "object"},
		Temperature:  0.2,
	})
	if err != nil {
		slog.Warn("Fact extraction call failed, falling back to rules", "error", err)
		return nil, false
	}

	var parsed struct {
		Facts []struct {
			Content   string  `json:"content"`
			Type      string  `json:"type"`
			Category  string  `json:"category"`
			Certainty float64 `json:"certainty"`
			Impact    float64 `json:"impact"`
		} `json:"facts"`
	}
	if err := decodeReply(resp.Text, &parsed); err != nil {
		slog.Warn("Fact extraction reply unusable, falling back to rules",
			"provider", resp.Provider, "error", err)
		return nil, false
	}

	now := time.Now().UTC()
	facts := make([]memory.Fact, 0, len(parsed.Facts))
	for _, row := range parsed.Facts {
		content := strings.TrimSpace(row.Content)
		if content == "" {
			continue
		}
		factType, ok := memory.ParseFactType(row.Type)
		if !ok {
			factType = memory.FactMention
		}
		fact := memory.Fact{
			SessionID:   sessionID,
			Content:     content,
			FactType:    factType,
			Certainty:   clamp01(row.Certainty),
			Impact:      clamp01(row.Impact),
			SourceType:  SourceLLMExtraction,
			ExtractedAt: now,
		}
		if cat, ok := memory.ParseFactCategory(row.Category); ok {
			fact.FactCategory = cat
		}
		applySegment(&fact, seg)
		facts = append(facts, fact)
	}
	return facts, len(facts) > 0
}

// extractRules scans user turns for explicit patterns: email addresses,
// possessive statements, preference verbs, and constraint verbs.
func (e *FactExtractor) extractRules(sessionID string, turns []memory.Turn, seg *TopicSegment) []memory.Fact {
	now := time.Now().UTC()
	seen := make(map[string]bool)
	var facts []memory.Fact

	add := func(content string, factType memory.FactType, category memory.FactCategory, certainty, impact float64) {
		content = strings.TrimSpace(content)
		key := strings.ToLower(content)
		if content == "" || seen[key] {
			return
		}
		seen[key] = true
		fact := memory.Fact{
			SessionID:    sessionID,
			Content:      content,
			FactType:     factType,
			FactCategory: category,
			Certainty:    certainty,
			Impact:       impact,
			SourceType:   SourceRuleExtraction,
			ExtractedAt:  now,
		}
		applySegment(&fact, seg)
		facts = append(facts, fact)
	}

	for _, turn := range turns {
		if turn.Role != memory.RoleUser {
			continue
		}
		// Explicit first-person statements carry high certainty; identity
		// facts carry more impact than the generic entity weight.
		for _, email := range emailRegex.FindAllString(turn.Content, -1) {
			add(fmt.Sprintf("User's email address is %s", email),
				memory.FactEntity, memory.CategoryPersonal, 0.9, 0.8)
		}
		for _, m := range possessiveRegex.FindAllStringSubmatch(turn.Content, -1) {
			add(fmt.Sprintf("User's %s is %s", strings.TrimSpace(m[1]), strings.TrimSpace(m[2])),
				memory.FactEntity, memory.CategoryPersonal, 0.9, 0.7)
		}
		for _, m := range preferenceRegex.FindAllStringSubmatch(turn.Content, -1) {
			add(fmt.Sprintf("User %ss %s", strings.ToLower(m[1]), strings.TrimSpace(m[2])),
				memory.FactPreference, memory.CategoryPersonal, 0.8, 0)
		}
		for _, m := range constraintRegex.FindAllStringSubmatch(turn.Content, -1) {
			add(fmt.Sprintf("Constraint: %s %s", strings.ToLower(m[1]), strings.TrimSpace(m[2])),
				memory.FactConstraint, "", 0.8, 0)
		}
	}
	return facts
}

// applySegment stamps topic provenance and fills certainty/impact a
// fact-level extraction left unset with the segment-level assessment.
func applySegment(f *memory.Fact, seg *TopicSegment) {
	if seg == nil {
		return
	}
	f.TopicLabel = seg.Topic
	if f.Certainty == 0 && seg.Certainty > 0 {
		f.Certainty = seg.Certainty
	}
	if f.Impact == 0 && seg.Impact > 0 {
		f.Impact = seg.Impact
	}
}
