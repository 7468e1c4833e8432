package engines

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maksim-tsi/yet-another-agents-memory-sub000/pkg/memory"
)

func TestExtractParsesLLMFacts(t *testing.T) {
	gen := &fakeGenerator{replies: []string{
		`{"facts": [{"content": "User prefers Friday deploys", "type": "preference", "category": "operational", "certainty": 0.9, "impact": 0.8}]}`,
	}}
	ex := NewFactExtractor(gen)
	seg := TopicSegment{Topic: "deploys", Certainty: 0.5, Impact: 0.5}

	facts := ex.Extract(context.Background(), "s1", windowOfThree(), &seg)
	require.Len(t, facts, 1)
	f := facts[0]
	assert.Equal(t, "s1", f.SessionID)
	assert.Equal(t, memory.FactPreference, f.FactType)
	assert.Equal(t, memory.CategoryOperational, f.FactCategory)
	assert.Equal(t, 0.9, f.Certainty)
	assert.Equal(t, 0.8, f.Impact)
	assert.Equal(t, SourceLLMExtraction, f.SourceType)
	assert.Equal(t, "deploys", f.TopicLabel)
	assert.False(t, f.ExtractedAt.IsZero())
}

func TestExtractUnknownTypeMapsToMention(t *testing.T) {
	gen := &fakeGenerator{replies: []string{
		`{"facts": [{"content": "Something odd", "type": "gossip", "certainty": 0.5}]}`,
	}}
	ex := NewFactExtractor(gen)

	facts := ex.Extract(context.Background(), "s1", windowOfThree(), nil)
	require.Len(t, facts, 1)
	assert.Equal(t, memory.FactMention, facts[0].FactType)
}

func TestExtractFallsBackToRules(t *testing.T) {
	gen := &fakeGenerator{err: errors.New("provider down")}
	ex := NewFactExtractor(gen)

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	turns := []memory.Turn{
		userTurn(0, "My email is max@example.com and I prefer tabs over spaces.", base),
		assistantTurn(1, "Noted. I like spaces myself.", base.Add(time.Minute)),
		userTurn(2, "We must never deploy on Fridays.", base.Add(2*time.Minute)),
	}

	facts := ex.Extract(context.Background(), "s1", turns, nil)
	byContent := make(map[string]memory.Fact, len(facts))
	for _, f := range facts {
		byContent[f.Content] = f
	}

	email, ok := byContent["User's email address is max@example.com"]
	require.True(t, ok, "email fact missing: %v", byContent)
	assert.Equal(t, memory.FactEntity, email.FactType)
	assert.Equal(t, SourceRuleExtraction, email.SourceType)
	assert.Equal(t, 0.9, email.Certainty)

	pref, ok := byContent["User prefers tabs over spaces"]
	require.True(t, ok, "preference fact missing: %v", byContent)
	assert.Equal(t, memory.FactPreference, pref.FactType)

	constraint, ok := byContent["Constraint: must never deploy on Fridays"]
	require.True(t, ok, "constraint fact missing: %v", byContent)
	assert.Equal(t, memory.FactConstraint, constraint.FactType)

	// The assistant's own preference is not extracted.
	for content := range byContent {
		assert.NotContains(t, content, "spaces myself")
	}
}

func TestExtractRulesDeduplicate(t *testing.T) {
	ex := NewFactExtractor(nil)

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	turns := []memory.Turn{
		userTurn(0, "Reach me at max@example.com.", base),
		userTurn(1, "Again: max@example.com is the address.", base.Add(time.Minute)),
	}

	facts := ex.Extract(context.Background(), "s1", turns, nil)
	var emails int
	for _, f := range facts {
		if f.Content == "User's email address is max@example.com" {
			emails++
		}
	}
	assert.Equal(t, 1, emails)
}

func TestExtractEmptyReplyFallsBack(t *testing.T) {
	gen := &fakeGenerator{replies: []string{`{"facts": []}`}}
	ex := NewFactExtractor(gen)

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	turns := []memory.Turn{userTurn(0, "I prefer tea.", base)}

	facts := ex.Extract(context.Background(), "s1", turns, nil)
	require.Len(t, facts, 1)
	assert.Equal(t, SourceRuleExtraction, facts[0].SourceType)
}

func TestApplySegmentFillsMissingScores(t *testing.T) {
	seg := TopicSegment{Topic: "t", Certainty: 0.3, Impact: 0.4}

	unset := memory.Fact{}
	applySegment(&unset, &seg)
	assert.Equal(t, 0.3, unset.Certainty)
	assert.Equal(t, 0.4, unset.Impact)

	set := memory.Fact{Certainty: 0.9, Impact: 0.8}
	applySegment(&set, &seg)
	assert.Equal(t, 0.9, set.Certainty)
	assert.Equal(t, 0.8, set.Impact)
}
