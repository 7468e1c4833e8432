package system

import (
	"context"
	"time"

	"github.com/maksim-tsi/yet-another-agents-memory-sub000/pkg/config"
	"github.com/maksim-tsi/yet-another-agents-memory-sub000/pkg/engines"
	"github.com/maksim-tsi/yet-another-agents-memory-sub000/pkg/lifecycle"
	"github.com/maksim-tsi/yet-another-agents-memory-sub000/pkg/llm"
	"github.com/maksim-tsi/yet-another-agents-memory-sub000/pkg/memory"
	"github.com/maksim-tsi/yet-another-agents-memory-sub000/pkg/tiers"
)

// callLog records cross-fake call order for cascade assertions.
type callLog struct {
	calls []string
}

func (l *callLog) add(name string) {
	if l != nil {
		l.calls = append(l.calls, name)
	}
}

type fakeTurnTier struct {
	turns       map[string][]memory.Turn // newest first, as L1 returns them
	stored      []*memory.Turn
	storeErr    error
	retrieveErr error
	count       int
	countErr    error
	deleteErr   error
	deleted     []string
	log         *callLog
}

func (f *fakeTurnTier) StoreTurn(_ context.Context, turn *memory.Turn) error {
	if f.storeErr != nil {
		return f.storeErr
	}
	f.stored = append(f.stored, turn)
	return nil
}

func (f *fakeTurnTier) RetrieveSession(_ context.Context, sessionID string) ([]memory.Turn, error) {
	if f.retrieveErr != nil {
		return nil, f.retrieveErr
	}
	return f.turns[sessionID], nil
}

func (f *fakeTurnTier) CountTurns(context.Context, string) (int, error) {
	return f.count, f.countErr
}

func (f *fakeTurnTier) DeleteSession(_ context.Context, sessionID string) error {
	f.log.add("active_context")
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, sessionID)
	return nil
}

type fakeFactTier struct {
	facts     []memory.Fact
	queryErr  error
	lastQuery tiers.FactQuery
	count     int
	countErr  error
	delCount  int64
	deleteErr error
	log       *callLog
}

func (f *fakeFactTier) QueryBySession(_ context.Context, _ string, q tiers.FactQuery) ([]memory.Fact, error) {
	f.lastQuery = q
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return f.facts, nil
}

func (f *fakeFactTier) CountFacts(context.Context, string) (int, error) {
	return f.count, f.countErr
}

func (f *fakeFactTier) DeleteSession(context.Context, string) (int64, error) {
	f.log.add("working_memory")
	if f.deleteErr != nil {
		return 0, f.deleteErr
	}
	return f.delCount, nil
}

type fakeEpisodeTier struct {
	episodes  []memory.Episode
	recentErr error
	lastLimit int
	count     int
	countErr  error
	delCount  int64
	deleteErr error
	log       *callLog
}

func (f *fakeEpisodeTier) RecentEpisodes(_ context.Context, _ string, limit int) ([]memory.Episode, error) {
	f.lastLimit = limit
	if f.recentErr != nil {
		return nil, f.recentErr
	}
	return f.episodes, nil
}

func (f *fakeEpisodeTier) CountEpisodes(context.Context, string) (int, error) {
	return f.count, f.countErr
}

func (f *fakeEpisodeTier) DeleteSession(context.Context, string) (int64, error) {
	f.log.add("episodic_memory")
	if f.deleteErr != nil {
		return 0, f.deleteErr
	}
	return f.delCount, nil
}

type fakeKnowledgeTier struct {
	matches   []tiers.DocumentMatch
	searchErr error
	lastQuery tiers.KnowledgeQuery
	count     int
	countErr  error
	delCount  int64
	deleteErr error
	log       *callLog
}

func (f *fakeKnowledgeTier) Search(_ context.Context, q tiers.KnowledgeQuery) ([]tiers.DocumentMatch, error) {
	f.lastQuery = q
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	return f.matches, nil
}

func (f *fakeKnowledgeTier) CountDocuments(context.Context, string) (int, error) {
	return f.count, f.countErr
}

func (f *fakeKnowledgeTier) DeleteSession(context.Context, string) (int64, error) {
	f.log.add("semantic_memory")
	if f.deleteErr != nil {
		return 0, f.deleteErr
	}
	return f.delCount, nil
}

type fakePromotionRunner struct {
	stats       *engines.PromotionStats
	err         error
	calls       int
	lastSession string
}

func (f *fakePromotionRunner) Run(_ context.Context, sessionID string) (*engines.PromotionStats, error) {
	f.calls++
	f.lastSession = sessionID
	return f.stats, f.err
}

type fakeConsolidationRunner struct {
	stats       *engines.ConsolidationStats
	err         error
	calls       int
	lastSession string
}

func (f *fakeConsolidationRunner) Run(_ context.Context, sessionID string) (*engines.ConsolidationStats, error) {
	f.calls++
	f.lastSession = sessionID
	return f.stats, f.err
}

type fakeDistillationRunner struct {
	stats   *engines.DistillationStats
	err     error
	calls   int
	lastReq engines.DistillationRequest
}

func (f *fakeDistillationRunner) Run(_ context.Context, req engines.DistillationRequest) (*engines.DistillationStats, error) {
	f.calls++
	f.lastReq = req
	return f.stats, f.err
}

type fakeSynthesizer struct {
	result      *engines.SynthesisResult
	err         error
	lastQuery   string
	lastFilters map[string]any
}

func (f *fakeSynthesizer) Synthesize(_ context.Context, query string, filters map[string]any) (*engines.SynthesisResult, error) {
	f.lastQuery = query
	f.lastFilters = filters
	return f.result, f.err
}

type fakeStream struct {
	events []lifecycle.Event
	err    error
}

func (f *fakeStream) PublishCompletion(_ context.Context, event lifecycle.Event) error {
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, event)
	return nil
}

func (f *fakeStream) Close() error { return nil }

type fakePinger struct {
	name string
	err  error
}

func (f *fakePinger) Name() string               { return f.name }
func (f *fakePinger) Ping(context.Context) error { return f.err }

type fakeProber struct {
	providers []llm.ProviderHealth
}

func (f *fakeProber) HealthCheck(context.Context) []llm.ProviderHealth {
	return f.providers
}

// systemFixture bundles a facade with every fake it was built from.
type systemFixture struct {
	sys           *MemorySystem
	turns         *fakeTurnTier
	facts         *fakeFactTier
	episodes      *fakeEpisodeTier
	knowledge     *fakeKnowledgeTier
	promotion     *fakePromotionRunner
	consolidation *fakeConsolidationRunner
	distillation  *fakeDistillationRunner
	synthesizer   *fakeSynthesizer
	stream        *fakeStream
	log           *callLog
}

func newSystemFixture(cfg Config) *systemFixture {
	log := &callLog{}
	f := &systemFixture{
		turns:         &fakeTurnTier{turns: make(map[string][]memory.Turn), log: log},
		facts:         &fakeFactTier{log: log},
		episodes:      &fakeEpisodeTier{log: log},
		knowledge:     &fakeKnowledgeTier{log: log},
		promotion:     &fakePromotionRunner{},
		consolidation: &fakeConsolidationRunner{},
		distillation:  &fakeDistillationRunner{},
		synthesizer:   &fakeSynthesizer{},
		stream:        &fakeStream{},
		log:           log,
	}
	f.sys = NewMemorySystem(
		f.turns, f.facts, f.episodes, f.knowledge,
		f.promotion, f.consolidation, f.distillation, f.synthesizer,
		nil, f.stream, cfg,
	)
	return f
}

func allEnginesOn() Config {
	return Config{
		Flags: config.EngineFlags{
			EnablePromotion:     true,
			EnableConsolidation: true,
			EnableDistillation:  true,
			EnableTelemetry:     true,
		},
	}
}

func testTime(minutes int) time.Time {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return base.Add(time.Duration(minutes) * time.Minute)
}

func turnAt(id int, sessionID, role, content string, at time.Time) memory.Turn {
	return memory.Turn{
		TurnID:    id,
		SessionID: sessionID,
		Role:      memory.Role(role),
		Content:   content,
		Timestamp: at,
	}
}
