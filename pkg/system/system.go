// Package system exposes the unified memory facade: one entry point
// composing the four tier services, the lifecycle engines, the LLM router,
// and the completion-event stream. Engine cycles honor the ablation flags
// and publish completion events; everything else is a thin, namespaced pass
// through to the owning tier.
package system

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/maksim-tsi/yet-another-agents-memory-sub000/pkg/config"
	"github.com/maksim-tsi/yet-another-agents-memory-sub000/pkg/engines"
	"github.com/maksim-tsi/yet-another-agents-memory-sub000/pkg/lifecycle"
	"github.com/maksim-tsi/yet-another-agents-memory-sub000/pkg/llm"
	"github.com/maksim-tsi/yet-another-agents-memory-sub000/pkg/memory"
	"github.com/maksim-tsi/yet-another-agents-memory-sub000/pkg/tiers"
)

// Aggregate health statuses.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// SkipEngineDisabled is the skip reason reported when an ablation flag
// turns a cycle off.
const SkipEngineDisabled = "engine_disabled"

const healthProbeTimeout = 5 * time.Second

// TurnTier is the L1 surface the facade uses.
type TurnTier interface {
	StoreTurn(ctx context.Context, turn *memory.Turn) error
	RetrieveSession(ctx context.Context, sessionID string) ([]memory.Turn, error)
	CountTurns(ctx context.Context, sessionID string) (int, error)
	DeleteSession(ctx context.Context, sessionID string) error
}

// FactTier is the L2 surface the facade uses.
type FactTier interface {
	QueryBySession(ctx context.Context, sessionID string, q tiers.FactQuery) ([]memory.Fact, error)
	CountFacts(ctx context.Context, sessionID string) (int, error)
	DeleteSession(ctx context.Context, sessionID string) (int64, error)
}

// EpisodeTier is the L3 surface the facade uses.
type EpisodeTier interface {
	RecentEpisodes(ctx context.Context, sessionID string, limit int) ([]memory.Episode, error)
	CountEpisodes(ctx context.Context, sessionID string) (int, error)
	DeleteSession(ctx context.Context, sessionID string) (int64, error)
}

// KnowledgeTier is the L4 surface the facade uses.
type KnowledgeTier interface {
	Search(ctx context.Context, q tiers.KnowledgeQuery) ([]tiers.DocumentMatch, error)
	CountDocuments(ctx context.Context, sessionID string) (int, error)
	DeleteSession(ctx context.Context, sessionID string) (int64, error)
}

// PromotionRunner runs one L1→L2 promotion cycle.
type PromotionRunner interface {
	Run(ctx context.Context, sessionID string) (*engines.PromotionStats, error)
}

// ConsolidationRunner runs one L2→L3 consolidation cycle.
type ConsolidationRunner interface {
	Run(ctx context.Context, sessionID string) (*engines.ConsolidationStats, error)
}

// DistillationRunner runs one L3→L4 distillation cycle.
type DistillationRunner interface {
	Run(ctx context.Context, req engines.DistillationRequest) (*engines.DistillationStats, error)
}

// Synthesizer answers semantic questions from L4.
type Synthesizer interface {
	Synthesize(ctx context.Context, query string, filters map[string]any) (*engines.SynthesisResult, error)
}

// ProviderProber exposes the LLM router's health surface.
type ProviderProber interface {
	HealthCheck(ctx context.Context) []llm.ProviderHealth
}

// Pinger is the reachability probe every storage adapter carries.
type Pinger interface {
	Name() string
	Ping(ctx context.Context) error
}

// Config tunes the facade.
type Config struct {
	// AgentPrefix namespaces external session ids.
	AgentPrefix string
	// Flags enable or ablate the lifecycle engines.
	Flags config.EngineFlags
	// ContextTurns through ContextKnowledge are the context-block section
	// sizes used when a query leaves them unset.
	ContextTurns     int
	ContextFacts     int
	ContextEpisodes  int
	ContextKnowledge int
}

// MemorySystem is the unified facade over the four-tier cascade.
type MemorySystem struct {
	active    TurnTier
	working   FactTier
	episodes  EpisodeTier
	knowledge KnowledgeTier

	promotion     PromotionRunner
	consolidation ConsolidationRunner
	distillation  DistillationRunner
	synthesizer   Synthesizer

	llm    ProviderProber
	stream lifecycle.Publisher

	// hotPath backends serve the conversation loop; losing one makes the
	// system unhealthy. Losing only coldPath backends degrades it.
	hotPath  []Pinger
	coldPath []Pinger

	cfg Config

	mu       sync.Mutex
	sessions map[string]time.Time
}

// NewMemorySystem assembles the facade. stream may be nil; it falls back to
// the no-op publisher.
func NewMemorySystem(
	active TurnTier,
	working FactTier,
	episodes EpisodeTier,
	knowledge KnowledgeTier,
	promotion PromotionRunner,
	consolidation ConsolidationRunner,
	distillation DistillationRunner,
	synthesizer Synthesizer,
	prober ProviderProber,
	stream lifecycle.Publisher,
	cfg Config,
) *MemorySystem {
	if cfg.AgentPrefix == "" {
		cfg.AgentPrefix = "agent"
	}
	if cfg.ContextTurns <= 0 {
		cfg.ContextTurns = 10
	}
	if cfg.ContextFacts <= 0 {
		cfg.ContextFacts = 10
	}
	if cfg.ContextEpisodes <= 0 {
		cfg.ContextEpisodes = 3
	}
	if cfg.ContextKnowledge <= 0 {
		cfg.ContextKnowledge = 3
	}
	if stream == nil {
		stream = lifecycle.NoopPublisher{}
	}
	return &MemorySystem{
		active:        active,
		working:       working,
		episodes:      episodes,
		knowledge:     knowledge,
		promotion:     promotion,
		consolidation: consolidation,
		distillation:  distillation,
		synthesizer:   synthesizer,
		llm:           prober,
		stream:        stream,
		cfg:           cfg,
		sessions:      make(map[string]time.Time),
	}
}

// SetHealthProbes registers the backend pingers feeding Health. Hot-path
// backends are the ones the conversation loop cannot run without.
func (s *MemorySystem) SetHealthProbes(hotPath, coldPath []Pinger) {
	s.hotPath = hotPath
	s.coldPath = coldPath
}

// SessionID rewrites an external session id into the tracked namespace.
// Already-namespaced ids pass through unchanged.
func (s *MemorySystem) SessionID(id string) string {
	if strings.HasPrefix(id, s.cfg.AgentPrefix+":") {
		return id
	}
	return s.cfg.AgentPrefix + ":" + id
}

// Sessions lists the tracked session ids, sorted.
func (s *MemorySystem) Sessions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *MemorySystem) track(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sessionID] = time.Now().UTC()
}

func (s *MemorySystem) untrack(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
}

// RecordTurn writes one turn into L1 and tracks its session. Returns the
// namespaced session id the turn was stored under.
func (s *MemorySystem) RecordTurn(ctx context.Context, turn *memory.Turn) (string, error) {
	turn.SessionID = s.SessionID(turn.SessionID)
	s.track(turn.SessionID)
	if err := s.active.StoreTurn(ctx, turn); err != nil {
		return "", err
	}
	return turn.SessionID, nil
}

// RunPromotionCycle promotes one session's window into L2 facts.
func (s *MemorySystem) RunPromotionCycle(ctx context.Context, sessionID string) (*engines.PromotionStats, error) {
	sid := s.SessionID(sessionID)
	if !s.cfg.Flags.EnablePromotion {
		return &engines.PromotionStats{SessionID: sid, Skipped: true, SkipReason: SkipEngineDisabled}, nil
	}
	stats, err := s.promotion.Run(ctx, sid)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, "promotion", sid, stats)
	return stats, nil
}

// RunConsolidationCycle folds one session's new facts into L3 episodes.
func (s *MemorySystem) RunConsolidationCycle(ctx context.Context, sessionID string) (*engines.ConsolidationStats, error) {
	sid := s.SessionID(sessionID)
	if !s.cfg.Flags.EnableConsolidation {
		return &engines.ConsolidationStats{SessionID: sid, Skipped: true, SkipReason: SkipEngineDisabled}, nil
	}
	stats, err := s.consolidation.Run(ctx, sid)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, "consolidation", sid, stats)
	return stats, nil
}

// RunDistillationCycle compresses one session's episodes into L4 documents.
func (s *MemorySystem) RunDistillationCycle(ctx context.Context, sessionID string) (*engines.DistillationStats, error) {
	sid := s.SessionID(sessionID)
	if !s.cfg.Flags.EnableDistillation {
		return &engines.DistillationStats{SessionID: sid, Skipped: true, SkipReason: SkipEngineDisabled}, nil
	}
	stats, err := s.distillation.Run(ctx, engines.DistillationRequest{SessionID: sid})
	if err != nil {
		return nil, err
	}
	s.publish(ctx, "distillation", sid, stats)
	return stats, nil
}

// Synthesize answers a semantic question from the knowledge tier.
func (s *MemorySystem) Synthesize(ctx context.Context, query string, filters map[string]any) (*engines.SynthesisResult, error) {
	return s.synthesizer.Synthesize(ctx, query, filters)
}

// publish emits a cycle-completion event, best effort.
func (s *MemorySystem) publish(ctx context.Context, engine, sessionID string, stats any) {
	if !s.cfg.Flags.EnableTelemetry {
		return
	}
	event := lifecycle.Event{
		Engine:      engine,
		SessionID:   sessionID,
		Stats:       stats,
		CompletedAt: time.Now().UTC(),
	}
	if err := s.stream.PublishCompletion(ctx, event); err != nil {
		slog.Warn("Failed to publish lifecycle event",
			"engine", engine, "session_id", sessionID, "error", err)
	}
}

// CleanupReport summarizes one cascade deletion.
type CleanupReport struct {
	SessionID        string `json:"session_id"`
	DocumentsDeleted int64  `json:"documents_deleted"`
	EpisodesDeleted  int64  `json:"episodes_deleted"`
	FactsDeleted     int64  `json:"facts_deleted"`
	TurnsCleared     bool   `json:"turns_cleared"`
}

// CleanupSession cascade-deletes a session's memory, L4 down to L1. Tier
// failures are logged and the cascade continues; the first failure is
// returned alongside the partial report.
func (s *MemorySystem) CleanupSession(ctx context.Context, sessionID string) (*CleanupReport, error) {
	sid := s.SessionID(sessionID)
	report := &CleanupReport{SessionID: sid}
	var firstErr error

	fail := func(tier string, err error) {
		slog.Warn("Session cleanup step failed", "tier", tier, "session_id", sid, "error", err)
		if firstErr == nil {
			firstErr = fmt.Errorf("failed to clean %s: %w", tier, err)
		}
	}

	if n, err := s.knowledge.DeleteSession(ctx, sid); err != nil {
		fail("semantic_memory", err)
	} else {
		report.DocumentsDeleted = n
	}
	if n, err := s.episodes.DeleteSession(ctx, sid); err != nil {
		fail("episodic_memory", err)
	} else {
		report.EpisodesDeleted = n
	}
	if n, err := s.working.DeleteSession(ctx, sid); err != nil {
		fail("working_memory", err)
	} else {
		report.FactsDeleted = n
	}
	if err := s.active.DeleteSession(ctx, sid); err != nil {
		fail("active_context", err)
	} else {
		report.TurnsCleared = true
	}

	if firstErr == nil {
		s.untrack(sid)
	}
	return report, firstErr
}

// CleanupAll cascade-deletes every tracked session.
func (s *MemorySystem) CleanupAll(ctx context.Context) ([]*CleanupReport, error) {
	var reports []*CleanupReport
	var firstErr error
	for _, sid := range s.Sessions() {
		report, err := s.CleanupSession(ctx, sid)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		reports = append(reports, report)
	}
	return reports, firstErr
}

// MemoryState is the per-tier footprint of one session.
type MemoryState struct {
	SessionID  string `json:"session_id"`
	L1Turns    int    `json:"l1_turns"`
	L2Facts    int    `json:"l2_facts"`
	L3Episodes int    `json:"l3_episodes"`
	L4Docs     int    `json:"l4_docs"`
}

// MemoryState counts a session's footprint in every tier.
func (s *MemorySystem) MemoryState(ctx context.Context, sessionID string) (*MemoryState, error) {
	sid := s.SessionID(sessionID)
	state := &MemoryState{SessionID: sid}

	var err error
	if state.L1Turns, err = s.active.CountTurns(ctx, sid); err != nil {
		return nil, fmt.Errorf("failed to count turns: %w", err)
	}
	if state.L2Facts, err = s.working.CountFacts(ctx, sid); err != nil {
		return nil, fmt.Errorf("failed to count facts: %w", err)
	}
	if state.L3Episodes, err = s.episodes.CountEpisodes(ctx, sid); err != nil {
		return nil, fmt.Errorf("failed to count episodes: %w", err)
	}
	if state.L4Docs, err = s.knowledge.CountDocuments(ctx, sid); err != nil {
		return nil, fmt.Errorf("failed to count documents: %w", err)
	}
	return state, nil
}

// ComponentHealth is one backend's probe result.
type ComponentHealth struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

// HealthReport aggregates backend probes and LLM provider health.
type HealthReport struct {
	Status     string               `json:"status"`
	Components []ComponentHealth    `json:"components"`
	Providers  []llm.ProviderHealth `json:"providers,omitempty"`
}

// Health probes every backend concurrently and aggregates: unhealthy when a
// hot-path backend is down, degraded when only cold-path backends or the
// LLM router are down.
func (s *MemorySystem) Health(ctx context.Context) *HealthReport {
	probes := make([]Pinger, 0, len(s.hotPath)+len(s.coldPath))
	probes = append(probes, s.hotPath...)
	probes = append(probes, s.coldPath...)

	components := make([]ComponentHealth, len(probes))
	var providers []llm.ProviderHealth

	g, gctx := errgroup.WithContext(ctx)
	for i, p := range probes {
		g.Go(func() error {
			probeCtx, cancel := context.WithTimeout(gctx, healthProbeTimeout)
			defer cancel()

			h := ComponentHealth{Name: p.Name(), Healthy: true}
			if err := p.Ping(probeCtx); err != nil {
				h.Healthy = false
				h.Error = err.Error()
			}
			components[i] = h
			return nil
		})
	}
	if s.llm != nil {
		g.Go(func() error {
			providers = s.llm.HealthCheck(gctx)
			return nil
		})
	}
	_ = g.Wait()

	llmHealthy := false
	for _, p := range providers {
		if p.Healthy {
			llmHealthy = true
			break
		}
	}

	status := StatusHealthy
	for i := range probes {
		if components[i].Healthy {
			continue
		}
		if i < len(s.hotPath) {
			status = StatusUnhealthy
		} else if status == StatusHealthy {
			status = StatusDegraded
		}
	}
	if !llmHealthy && status == StatusHealthy {
		status = StatusDegraded
	}

	return &HealthReport{Status: status, Components: components, Providers: providers}
}
