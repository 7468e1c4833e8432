package engines

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maksim-tsi/yet-another-agents-memory-sub000/pkg/ciar"
	"github.com/maksim-tsi/yet-another-agents-memory-sub000/pkg/memory"
)

func newTestPromotionEngine(source *fakeTurnSource, sink *fakeFactSink, gen *fakeGenerator, cfg PromotionConfig) *PromotionEngine {
	var segGen Generator
	if gen != nil {
		segGen = gen
	}
	return NewPromotionEngine(
		source,
		sink,
		NewTopicSegmenter(segGen),
		NewFactExtractor(nil),
		ciar.NewScorer(ciar.Config{}),
		cfg,
	)
}

// newestFirstWindow mirrors L1 ordering: index 0 is the latest turn.
func newestFirstWindow() []memory.Turn {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return []memory.Turn{
		userTurn(2, "I prefer morning standups.", base.Add(2*time.Minute)),
		assistantTurn(1, "How do you want to schedule the week?", base.Add(time.Minute)),
		userTurn(0, "Let's plan the week.", base),
	}
}

func TestRunPromotesThroughGate(t *testing.T) {
	source := &fakeTurnSource{turns: newestFirstWindow()}
	sink := &fakeFactSink{threshold: 0.6}
	engine := newTestPromotionEngine(source, sink, nil, PromotionConfig{})

	stats, err := engine.Run(context.Background(), "s1")
	require.NoError(t, err)

	assert.Equal(t, "s1", stats.SessionID)
	assert.False(t, stats.Skipped)
	assert.Equal(t, 3, stats.TurnsRetrieved)
	assert.Equal(t, 1, stats.FactsExtracted)
	assert.Equal(t, 1, stats.FactsPromoted)
	assert.Zero(t, stats.Errors)

	require.Len(t, sink.stored, 1)
	fact := sink.stored[0]
	assert.Equal(t, "User prefers morning standups", fact.Content)
	assert.Equal(t, memory.FactPreference, fact.FactType)
	// certainty 0.8 x inferred preference impact 0.9, fresh fact.
	assert.InDelta(t, 0.72, fact.CIARScore, 0.01)
}

func TestRunSkipsBelowMinimum(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	source := &fakeTurnSource{turns: []memory.Turn{
		userTurn(1, "I prefer morning standups.", base.Add(time.Minute)),
		userTurn(0, "Hello.", base),
	}}
	sink := &fakeFactSink{threshold: 0.6}
	engine := newTestPromotionEngine(source, sink, nil, PromotionConfig{BatchMinTurns: 3})

	stats, err := engine.Run(context.Background(), "s1")
	require.NoError(t, err)

	assert.True(t, stats.Skipped)
	assert.Equal(t, SkipBelowMinimum, stats.SkipReason)
	assert.Equal(t, 2, stats.TurnsRetrieved)
	assert.Zero(t, stats.FactsPromoted)
	assert.Empty(t, sink.stored)
}

func TestRunEmptySessionPromotesNothing(t *testing.T) {
	source := &fakeTurnSource{}
	sink := &fakeFactSink{threshold: 0.6}
	engine := newTestPromotionEngine(source, sink, nil, PromotionConfig{})

	stats, err := engine.Run(context.Background(), "missing")
	require.NoError(t, err)

	assert.True(t, stats.Skipped)
	assert.Zero(t, stats.FactsPromoted)
	assert.Empty(t, sink.stored)
}

func TestRunRetrieveErrorFailsCycle(t *testing.T) {
	source := &fakeTurnSource{err: errors.New("redis down")}
	engine := newTestPromotionEngine(source, &fakeFactSink{}, nil, PromotionConfig{})

	stats, err := engine.Run(context.Background(), "s1")
	require.Error(t, err)
	assert.Nil(t, stats)
	assert.Contains(t, err.Error(), "failed to retrieve turn window")
}

func TestRunCountsStoreFailures(t *testing.T) {
	source := &fakeTurnSource{turns: newestFirstWindow()}
	sink := &fakeFactSink{threshold: 0.6, storeErr: errors.New("pg down")}
	engine := newTestPromotionEngine(source, sink, nil, PromotionConfig{})

	stats, err := engine.Run(context.Background(), "s1")
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Errors)
	assert.Equal(t, "pg down", stats.LastError)
	assert.Zero(t, stats.FactsPromoted)
}

func TestRunFactsBelowThresholdDiscarded(t *testing.T) {
	source := &fakeTurnSource{turns: newestFirstWindow()}
	sink := &fakeFactSink{threshold: 0.95}
	engine := newTestPromotionEngine(source, sink, nil, PromotionConfig{})

	stats, err := engine.Run(context.Background(), "s1")
	require.NoError(t, err)

	assert.Equal(t, 1, stats.FactsExtracted)
	assert.Zero(t, stats.FactsPromoted)
	assert.Zero(t, stats.Errors)
	assert.Empty(t, sink.stored)
}

func TestRunSegmentsChronologically(t *testing.T) {
	gen := &fakeGenerator{replies: []string{
		`{"segments": [{"topic": "planning", "summary": "Week planning", "turn_indices": [0, 1, 2], "certainty": 0.9, "impact": 0.9}]}`,
	}}
	source := &fakeTurnSource{turns: newestFirstWindow()}
	sink := &fakeFactSink{threshold: 0.6}
	engine := newTestPromotionEngine(source, sink, gen, PromotionConfig{SegmentationEnabled: true})

	stats, err := engine.Run(context.Background(), "s1")
	require.NoError(t, err)
	require.Equal(t, 1, gen.calls)

	prompt := gen.prompts[0]
	oldest := strings.Index(prompt, "Let's plan the week.")
	newest := strings.Index(prompt, "I prefer morning standups.")
	require.GreaterOrEqual(t, oldest, 0)
	require.GreaterOrEqual(t, newest, 0)
	assert.Less(t, oldest, newest, "transcript should read oldest to newest")

	require.Len(t, sink.stored, 1)
	assert.Equal(t, "planning", sink.stored[0].TopicLabel)
	assert.Equal(t, 1, stats.FactsPromoted)
}
