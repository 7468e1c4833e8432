package engines

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/maksim-tsi/yet-another-agents-memory-sub000/pkg/llm"
	"github.com/maksim-tsi/yet-another-agents-memory-sub000/pkg/memory"
	"github.com/maksim-tsi/yet-another-agents-memory-sub000/pkg/tiers"
)

// Synthesis result statuses.
const (
	SynthesisSuccess   = "success"
	SynthesisNoResults = "no_results"
)

// Synthesis result sources.
const (
	SourceCache    = "cache"
	SourceLLM      = "llm"
	SourceFallback = "fallback"
)

// SynthesizerConfig tunes query-time knowledge synthesis.
type SynthesizerConfig struct {
	// MaxResults bounds the documents fed into synthesis.
	MaxResults int
	// SimilarityThreshold drops weakly-matching documents.
	SimilarityThreshold float64
	// CacheTTL bounds how long a synthesized answer is reused.
	CacheTTL time.Duration
	// CacheBound caps cache entries; the oldest is evicted past it.
	CacheBound int
}

// SynthesisResult is one synthesized answer with its retrieval diagnostics.
type SynthesisResult struct {
	Status       string   `json:"status"`
	Source       string   `json:"source"`
	Response     string   `json:"response"`
	Candidates   int      `json:"candidates"`
	HasConflicts bool     `json:"has_conflicts"`
	Conflicts    []string `json:"conflicts,omitempty"`
	ElapsedMS    int64    `json:"elapsed_ms"`
}

type cacheEntry struct {
	result   SynthesisResult
	storedAt time.Time
}

// KnowledgeSynthesizer answers queries from L4: metadata-first retrieval,
// relevance cut, conflict surfacing, and an LLM-composed answer with a
// concatenated fallback. Answers are cached under a query+filters hash.
type KnowledgeSynthesizer struct {
	docs KnowledgeSource
	llm  Generator
	cfg  SynthesizerConfig

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// NewKnowledgeSynthesizer assembles a synthesizer.
func NewKnowledgeSynthesizer(docs KnowledgeSource, g Generator, cfg SynthesizerConfig) *KnowledgeSynthesizer {
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 5
	}
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = 0.85
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Hour
	}
	if cfg.CacheBound <= 0 {
		cfg.CacheBound = 100
	}
	return &KnowledgeSynthesizer{
		docs:  docs,
		llm:   g,
		cfg:   cfg,
		cache: make(map[string]cacheEntry),
	}
}

const synthesisSystemPrompt = `You answer questions from a curated knowledge base. Cite document numbers like [1]. Answer in 3 to 5 sentences.`

// Synthesize answers a query from the knowledge tier. Filters become facet
// constraints: strings and numbers match exactly, string slices match any.
func (s *KnowledgeSynthesizer) Synthesize(ctx context.Context, query string, filters map[string]any) (*SynthesisResult, error) {
	start := time.Now()
	key := cacheKey(query, filters)

	if cached, ok := s.lookup(key); ok {
		cached.Source = SourceCache
		cached.ElapsedMS = time.Since(start).Milliseconds()
		return &cached, nil
	}

	matches, err := s.docs.Search(ctx, tiers.KnowledgeQuery{
		Text:      query,
		RawFilter: filterExpr(filters),
		SortBy:    "usefulness_score:desc",
		Limit:     2 * s.cfg.MaxResults,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve knowledge for synthesis: %w", err)
	}

	kept := s.scoreAndCut(matches)
	if len(kept) == 0 {
		return &SynthesisResult{
			Status:    SynthesisNoResults,
			Source:    SourceFallback,
			Response:  "No knowledge documents matched the query.",
			ElapsedMS: time.Since(start).Milliseconds(),
		}, nil
	}

	conflicts := detectConflicts(kept)
	response, source := s.compose(ctx, query, kept, conflicts)

	result := SynthesisResult{
		Status:       SynthesisSuccess,
		Source:       source,
		Response:     response,
		Candidates:   len(kept),
		HasConflicts: len(conflicts) > 0,
		Conflicts:    conflicts,
		ElapsedMS:    time.Since(start).Milliseconds(),
	}
	s.store(key, result)
	return &result, nil
}

// CacheSize reports the current cache entry count.
func (s *KnowledgeSynthesizer) CacheSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cache)
}

func (s *KnowledgeSynthesizer) lookup(key string) (SynthesisResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.cache[key]
	if !ok || time.Since(entry.storedAt) > s.cfg.CacheTTL {
		return SynthesisResult{}, false
	}
	return entry.result, true
}

func (s *KnowledgeSynthesizer) store(key string, result SynthesisResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[key] = cacheEntry{result: result, storedAt: time.Now()}
	for len(s.cache) > s.cfg.CacheBound {
		var oldestKey string
		var oldest time.Time
		for k, e := range s.cache {
			if oldestKey == "" || e.storedAt.Before(oldest) {
				oldestKey, oldest = k, e.storedAt
			}
		}
		delete(s.cache, oldestKey)
	}
}

// cacheKey hashes the query with the sorted filter set.
func cacheKey(query string, filters map[string]any) string {
	keys := make([]string, 0, len(filters))
	for k := range filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(query)
	for _, k := range keys {
		fmt.Fprintf(&b, "|%s=%v", k, filters[k])
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:8])
}

// filterExpr renders metadata filters as a facet filter expression.
func filterExpr(filters map[string]any) string {
	if len(filters) == 0 {
		return ""
	}
	keys := make([]string, 0, len(filters))
	for k := range filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		switch v := filters[k].(type) {
		case []string:
			parts = append(parts, fmt.Sprintf("%s:=[%s]", k, strings.Join(v, ",")))
		case string:
			parts = append(parts, fmt.Sprintf("%s:=%s", k, v))
		default:
			parts = append(parts, fmt.Sprintf("%s:=%v", k, v))
		}
	}
	return strings.Join(parts, " && ")
}

// scoreAndCut normalizes relevance and keeps documents at or above the
// similarity threshold, truncated to MaxResults. Backend scores outside
// (0,1] are treated as unnormalized and replaced by a positional score.
func (s *KnowledgeSynthesizer) scoreAndCut(matches []tiers.DocumentMatch) []tiers.DocumentMatch {
	var kept []tiers.DocumentMatch
	for i, m := range matches {
		score := m.SearchScore
		if score <= 0 || score > 1 {
			score = 1.0 - 0.05*float64(i)
			if score < 0.6 {
				score = 0.6
			}
		}
		if score < s.cfg.SimilarityThreshold {
			continue
		}
		m.SearchScore = score
		kept = append(kept, m)
		if len(kept) == s.cfg.MaxResults {
			break
		}
	}
	return kept
}

// Polarity keyword sets for the recommendation conflict heuristic.
var (
	negativeMarkers = []string{"avoid", "don't", "do not", "never", "stop", "disable"}
	positiveMarkers = []string{"use", "prefer", "adopt", "enable", "always", "recommend"}
)

// detectConflicts surfaces documents flagged with a conflict_tag and
// opposing-polarity pairs among recommendation documents.
func detectConflicts(matches []tiers.DocumentMatch) []string {
	var conflicts []string

	tagged := make(map[string][]string)
	for _, m := range matches {
		if tag, ok := m.Document.Metadata["conflict_tag"].(string); ok && tag != "" {
			tagged[tag] = append(tagged[tag], m.Document.Title)
		}
	}
	tags := make([]string, 0, len(tagged))
	for tag := range tagged {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	for _, tag := range tags {
		conflicts = append(conflicts,
			fmt.Sprintf("conflict tag %q: %s", tag, strings.Join(tagged[tag], " vs ")))
	}

	var recs []tiers.DocumentMatch
	for _, m := range matches {
		if m.Document.KnowledgeType == memory.KnowledgeRecommendation {
			recs = append(recs, m)
		}
	}
	for i := 0; i < len(recs); i++ {
		for j := i + 1; j < len(recs); j++ {
			a, b := recs[i].Document, recs[j].Document
			if opposingPolarity(a.Content, b.Content) && sharesTerm(a, b) {
				conflicts = append(conflicts,
					fmt.Sprintf("opposing recommendations: %q vs %q", a.Title, b.Title))
			}
		}
	}
	return conflicts
}

func opposingPolarity(a, b string) bool {
	return (hasMarker(a, negativeMarkers) && hasMarker(b, positiveMarkers)) ||
		(hasMarker(a, positiveMarkers) && hasMarker(b, negativeMarkers))
}

func hasMarker(text string, markers []string) bool {
	lower := strings.ToLower(text)
	for _, m := range markers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// sharesTerm reports whether two documents share a significant term in
// their titles or contents.
func sharesTerm(a, b memory.KnowledgeDocument) bool {
	terms := func(d memory.KnowledgeDocument) map[string]bool {
		out := make(map[string]bool)
		for _, w := range strings.Fields(strings.ToLower(d.Title + " " + d.Content)) {
			w = strings.Trim(w, ".,;:!?\"'()")
			if len(w) > 4 {
				out[w] = true
			}
		}
		return out
	}
	ta := terms(a)
	for w := range terms(b) {
		if ta[w] {
			return true
		}
	}
	return false
}

// compose builds the answer: an LLM synthesis when possible, otherwise a
// concatenation of titles and content heads.
func (s *KnowledgeSynthesizer) compose(ctx context.Context, query string, kept []tiers.DocumentMatch, conflicts []string) (string, string) {
	if s.llm != nil {
		var b strings.Builder
		fmt.Fprintf(&b, "Query: %s\n\nDocuments:\n", query)
		for i, m := range kept {
			fmt.Fprintf(&b, "[%d] %s: %s\n", i+1, m.Document.Title, head(m.Document.Content, 500))
		}
		if len(conflicts) > 0 {
			fmt.Fprintf(&b, "\nConflicts detected:\n")
			for _, c := range conflicts {
				fmt.Fprintf(&b, "- %s\n", c)
			}
			b.WriteString("Acknowledge the conflict in your answer.\n")
		}

		resp, err := s.llm.Generate(ctx, b.String(), llm.Options{
			SystemPrompt: synthesisSystemPrompt,
			Temperature:  0.3,
		})
		if err == nil && strings.TrimSpace(resp.Text) != "" {
			return strings.TrimSpace(resp.Text), SourceLLM
		}
		if err != nil {
			slog.Warn("Knowledge synthesis call failed, using concatenated fallback", "error", err)
		}
	}

	parts := make([]string, 0, len(kept))
	for _, m := range kept {
		parts = append(parts, fmt.Sprintf("%s: %s", m.Document.Title, head(m.Document.Content, 200)))
	}
	return strings.Join(parts, "\n"), SourceFallback
}
