package system

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maksim-tsi/yet-another-agents-memory-sub000/pkg/config"
	"github.com/maksim-tsi/yet-another-agents-memory-sub000/pkg/engines"
	"github.com/maksim-tsi/yet-another-agents-memory-sub000/pkg/llm"
)

func TestSessionIDRewriteIsIdempotent(t *testing.T) {
	f := newSystemFixture(Config{AgentPrefix: "agent"})

	assert.Equal(t, "agent:s1", f.sys.SessionID("s1"))
	assert.Equal(t, "agent:s1", f.sys.SessionID("agent:s1"))
}

func TestSessionIDDefaultsPrefix(t *testing.T) {
	f := newSystemFixture(Config{})

	assert.Equal(t, "agent:s1", f.sys.SessionID("s1"))
}

func TestRecordTurnNamespacesAndTracks(t *testing.T) {
	f := newSystemFixture(Config{})
	turn := turnAt(1, "s1", "user", "hello", testTime(0))

	sid, err := f.sys.RecordTurn(context.Background(), &turn)

	require.NoError(t, err)
	assert.Equal(t, "agent:s1", sid)
	require.Len(t, f.turns.stored, 1)
	assert.Equal(t, "agent:s1", f.turns.stored[0].SessionID)
	assert.Equal(t, []string{"agent:s1"}, f.sys.Sessions())

	// Storing again under the namespaced id must not double-track.
	second := turnAt(2, "agent:s1", "assistant", "hi", testTime(1))
	_, err = f.sys.RecordTurn(context.Background(), &second)
	require.NoError(t, err)
	assert.Equal(t, []string{"agent:s1"}, f.sys.Sessions())
}

func TestRecordTurnStoreErrorPropagates(t *testing.T) {
	f := newSystemFixture(Config{})
	f.turns.storeErr = errors.New("redis down")
	turn := turnAt(1, "s1", "user", "hello", testTime(0))

	sid, err := f.sys.RecordTurn(context.Background(), &turn)

	require.EqualError(t, err, "redis down")
	assert.Empty(t, sid)
}

func TestSessionsSorted(t *testing.T) {
	f := newSystemFixture(Config{})
	f.sys.track("agent:beta")
	f.sys.track("agent:alpha")

	assert.Equal(t, []string{"agent:alpha", "agent:beta"}, f.sys.Sessions())
}

func TestDisabledEnginesSkipWithoutSideEffects(t *testing.T) {
	f := newSystemFixture(Config{Flags: config.EngineFlags{EnableTelemetry: true}})
	ctx := context.Background()

	pStats, err := f.sys.RunPromotionCycle(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, pStats.Skipped)
	assert.Equal(t, SkipEngineDisabled, pStats.SkipReason)
	assert.Equal(t, "agent:s1", pStats.SessionID)
	assert.Zero(t, f.promotion.calls)

	cStats, err := f.sys.RunConsolidationCycle(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, cStats.Skipped)
	assert.Equal(t, SkipEngineDisabled, cStats.SkipReason)
	assert.Zero(t, f.consolidation.calls)

	dStats, err := f.sys.RunDistillationCycle(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, dStats.Skipped)
	assert.Equal(t, SkipEngineDisabled, dStats.SkipReason)
	assert.Zero(t, f.distillation.calls)

	assert.Empty(t, f.stream.events)
}

func TestPromotionCyclePublishesCompletion(t *testing.T) {
	f := newSystemFixture(allEnginesOn())
	f.promotion.stats = &engines.PromotionStats{SessionID: "agent:s1", FactsPromoted: 2}

	stats, err := f.sys.RunPromotionCycle(context.Background(), "s1")

	require.NoError(t, err)
	assert.Same(t, f.promotion.stats, stats)
	assert.Equal(t, "agent:s1", f.promotion.lastSession)

	require.Len(t, f.stream.events, 1)
	event := f.stream.events[0]
	assert.Equal(t, "promotion", event.Engine)
	assert.Equal(t, "agent:s1", event.SessionID)
	assert.Same(t, stats, event.Stats)
	assert.False(t, event.CompletedAt.IsZero())
}

func TestConsolidationCyclePublishesCompletion(t *testing.T) {
	f := newSystemFixture(allEnginesOn())
	f.consolidation.stats = &engines.ConsolidationStats{SessionID: "agent:s1", EpisodesCreated: 1}

	stats, err := f.sys.RunConsolidationCycle(context.Background(), "s1")

	require.NoError(t, err)
	assert.Same(t, f.consolidation.stats, stats)
	require.Len(t, f.stream.events, 1)
	assert.Equal(t, "consolidation", f.stream.events[0].Engine)
}

func TestDistillationCyclePassesSessionRequest(t *testing.T) {
	f := newSystemFixture(allEnginesOn())
	f.distillation.stats = &engines.DistillationStats{SessionID: "agent:s1", DocumentsCreated: 5}

	stats, err := f.sys.RunDistillationCycle(context.Background(), "s1")

	require.NoError(t, err)
	assert.Same(t, f.distillation.stats, stats)
	assert.Equal(t, "agent:s1", f.distillation.lastReq.SessionID)
	assert.False(t, f.distillation.lastReq.Force)
	require.Len(t, f.stream.events, 1)
	assert.Equal(t, "distillation", f.stream.events[0].Engine)
}

func TestCycleErrorNotPublished(t *testing.T) {
	f := newSystemFixture(allEnginesOn())
	f.promotion.err = errors.New("postgres down")

	stats, err := f.sys.RunPromotionCycle(context.Background(), "s1")

	require.EqualError(t, err, "postgres down")
	assert.Nil(t, stats)
	assert.Empty(t, f.stream.events)
}

func TestTelemetryDisabledSkipsPublish(t *testing.T) {
	cfg := allEnginesOn()
	cfg.Flags.EnableTelemetry = false
	f := newSystemFixture(cfg)
	f.promotion.stats = &engines.PromotionStats{SessionID: "agent:s1"}

	_, err := f.sys.RunPromotionCycle(context.Background(), "s1")

	require.NoError(t, err)
	assert.Empty(t, f.stream.events)
}

func TestPublishFailureDoesNotFailCycle(t *testing.T) {
	f := newSystemFixture(allEnginesOn())
	f.promotion.stats = &engines.PromotionStats{SessionID: "agent:s1"}
	f.stream.err = errors.New("kafka down")

	stats, err := f.sys.RunPromotionCycle(context.Background(), "s1")

	require.NoError(t, err)
	assert.Same(t, f.promotion.stats, stats)
}

func TestSynthesizeDelegates(t *testing.T) {
	f := newSystemFixture(Config{})
	f.synthesizer.result = &engines.SynthesisResult{Status: "success"}
	filters := map[string]any{"knowledge_type": "rule"}

	result, err := f.sys.Synthesize(context.Background(), "deploy policy?", filters)

	require.NoError(t, err)
	assert.Same(t, f.synthesizer.result, result)
	assert.Equal(t, "deploy policy?", f.synthesizer.lastQuery)
	assert.Equal(t, filters, f.synthesizer.lastFilters)
}

func TestCleanupSessionCascadesTopDown(t *testing.T) {
	f := newSystemFixture(Config{})
	f.sys.track("agent:s1")
	f.knowledge.delCount = 2
	f.episodes.delCount = 3
	f.facts.delCount = 4

	report, err := f.sys.CleanupSession(context.Background(), "s1")

	require.NoError(t, err)
	assert.Equal(t, []string{"semantic_memory", "episodic_memory", "working_memory", "active_context"}, f.log.calls)
	assert.Equal(t, "agent:s1", report.SessionID)
	assert.Equal(t, int64(2), report.DocumentsDeleted)
	assert.Equal(t, int64(3), report.EpisodesDeleted)
	assert.Equal(t, int64(4), report.FactsDeleted)
	assert.True(t, report.TurnsCleared)
	assert.Empty(t, f.sys.Sessions())
}

func TestCleanupSessionContinuesPastFailure(t *testing.T) {
	f := newSystemFixture(Config{})
	f.sys.track("agent:s1")
	f.knowledge.delCount = 2
	f.episodes.deleteErr = errors.New("neo4j down")
	f.facts.delCount = 4

	report, err := f.sys.CleanupSession(context.Background(), "s1")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to clean episodic_memory")
	// Every tier below the failure is still swept.
	assert.Equal(t, []string{"semantic_memory", "episodic_memory", "working_memory", "active_context"}, f.log.calls)
	assert.Equal(t, int64(2), report.DocumentsDeleted)
	assert.Zero(t, report.EpisodesDeleted)
	assert.Equal(t, int64(4), report.FactsDeleted)
	assert.True(t, report.TurnsCleared)
	// The session stays tracked so a later sweep can retry.
	assert.Equal(t, []string{"agent:s1"}, f.sys.Sessions())
}

func TestCleanupAllSweepsEveryTrackedSession(t *testing.T) {
	f := newSystemFixture(Config{})
	f.sys.track("agent:s2")
	f.sys.track("agent:s1")

	reports, err := f.sys.CleanupAll(context.Background())

	require.NoError(t, err)
	require.Len(t, reports, 2)
	assert.Equal(t, "agent:s1", reports[0].SessionID)
	assert.Equal(t, "agent:s2", reports[1].SessionID)
	assert.Empty(t, f.sys.Sessions())
}

func TestMemoryStateCountsEveryTier(t *testing.T) {
	f := newSystemFixture(Config{})
	f.turns.count = 12
	f.facts.count = 7
	f.episodes.count = 3
	f.knowledge.count = 5

	state, err := f.sys.MemoryState(context.Background(), "s1")

	require.NoError(t, err)
	assert.Equal(t, &MemoryState{
		SessionID:  "agent:s1",
		L1Turns:    12,
		L2Facts:    7,
		L3Episodes: 3,
		L4Docs:     5,
	}, state)
}

func TestMemoryStateCountErrorPropagates(t *testing.T) {
	f := newSystemFixture(Config{})
	f.facts.countErr = errors.New("postgres down")

	_, err := f.sys.MemoryState(context.Background(), "s1")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to count facts")
}

func TestHealthAggregation(t *testing.T) {
	healthyLLM := []llm.ProviderHealth{{Name: "gemini", Healthy: true}}
	downLLM := []llm.ProviderHealth{{Name: "gemini", Healthy: false, LastError: "quota"}}

	tests := []struct {
		name       string
		redisErr   error
		qdrantErr  error
		providers  []llm.ProviderHealth
		wantStatus string
	}{
		{
			name:       "all components up",
			providers:  healthyLLM,
			wantStatus: StatusHealthy,
		},
		{
			name:       "cold path down degrades",
			qdrantErr:  errors.New("connection refused"),
			providers:  healthyLLM,
			wantStatus: StatusDegraded,
		},
		{
			name:       "hot path down is unhealthy",
			redisErr:   errors.New("connection refused"),
			providers:  healthyLLM,
			wantStatus: StatusUnhealthy,
		},
		{
			name:       "hot path outranks cold path",
			redisErr:   errors.New("connection refused"),
			qdrantErr:  errors.New("connection refused"),
			providers:  healthyLLM,
			wantStatus: StatusUnhealthy,
		},
		{
			name:       "no healthy provider degrades",
			providers:  downLLM,
			wantStatus: StatusDegraded,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newSystemFixture(Config{})
			f.sys.llm = &fakeProber{providers: tt.providers}
			redis := &fakePinger{name: "redis", err: tt.redisErr}
			postgres := &fakePinger{name: "postgres"}
			qdrant := &fakePinger{name: "qdrant", err: tt.qdrantErr}
			typesense := &fakePinger{name: "typesense"}
			f.sys.SetHealthProbes(
				[]Pinger{redis, postgres},
				[]Pinger{qdrant, typesense},
			)

			report := f.sys.Health(context.Background())

			assert.Equal(t, tt.wantStatus, report.Status)
			require.Len(t, report.Components, 4)
			assert.Equal(t, tt.providers, report.Providers)
		})
	}
}

func TestHealthReportsComponentErrors(t *testing.T) {
	f := newSystemFixture(Config{})
	f.sys.llm = &fakeProber{providers: []llm.ProviderHealth{{Name: "gemini", Healthy: true}}}
	f.sys.SetHealthProbes(
		[]Pinger{&fakePinger{name: "redis"}},
		[]Pinger{&fakePinger{name: "neo4j", err: errors.New("connection refused")}},
	)

	report := f.sys.Health(context.Background())

	require.Len(t, report.Components, 2)
	byName := make(map[string]ComponentHealth, 2)
	for _, c := range report.Components {
		byName[c.Name] = c
	}
	assert.True(t, byName["redis"].Healthy)
	assert.Empty(t, byName["redis"].Error)
	assert.False(t, byName["neo4j"].Healthy)
	assert.Equal(t, "connection refused", byName["neo4j"].Error)
}

func TestHealthWithoutProberDegrades(t *testing.T) {
	f := newSystemFixture(Config{})
	f.sys.SetHealthProbes([]Pinger{&fakePinger{name: "redis"}}, nil)

	report := f.sys.Health(context.Background())

	assert.Equal(t, StatusDegraded, report.Status)
	assert.Empty(t, report.Providers)
}
