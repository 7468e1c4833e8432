// Package scheduler drives the lifecycle engines on their configured
// cadence. Each cycle with a non-zero interval gets its own loop sweeping
// every tracked session; a per-session lease keeps concurrent replicas from
// processing the same session twice.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/maksim-tsi/yet-another-agents-memory-sub000/pkg/config"
	"github.com/maksim-tsi/yet-another-agents-memory-sub000/pkg/engines"
	"github.com/maksim-tsi/yet-another-agents-memory-sub000/pkg/lifecycle"
)

// Facade is the slice of the memory system the scheduler drives.
type Facade interface {
	Sessions() []string
	RunPromotionCycle(ctx context.Context, sessionID string) (*engines.PromotionStats, error)
	RunConsolidationCycle(ctx context.Context, sessionID string) (*engines.ConsolidationStats, error)
	RunDistillationCycle(ctx context.Context, sessionID string) (*engines.DistillationStats, error)
}

// Locker serializes per-session work across replicas.
type Locker interface {
	WithLock(ctx context.Context, sessionID string, fn func(context.Context) error) error
}

// Scheduler owns one background loop per enabled cycle.
type Scheduler struct {
	cfg    config.SchedulerConfig
	facade Facade
	locks  Locker

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	started  bool
}

// New creates a scheduler. locks must not be nil; pass a pass-through
// locker for single-replica deployments.
func New(cfg config.SchedulerConfig, facade Facade, locks Locker) *Scheduler {
	return &Scheduler{
		cfg:    cfg,
		facade: facade,
		locks:  locks,
		stopCh: make(chan struct{}),
	}
}

// Start launches one loop per cycle with a non-zero interval. Subsequent
// calls are no-ops.
func (s *Scheduler) Start(ctx context.Context) {
	if s.started {
		slog.Warn("Scheduler already started, ignoring duplicate Start call")
		return
	}
	s.started = true

	s.launch(ctx, "promotion", s.cfg.PromotionInterval, s.runPromotion)
	s.launch(ctx, "consolidation", s.cfg.ConsolidationInterval, s.runConsolidation)
	s.launch(ctx, "distillation", s.cfg.DistillationInterval, s.runDistillation)

	slog.Info("Scheduler started",
		"promotion_interval", s.cfg.PromotionInterval,
		"consolidation_interval", s.cfg.ConsolidationInterval,
		"distillation_interval", s.cfg.DistillationInterval)
}

// Stop signals every loop to exit and waits for them to finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	slog.Info("Scheduler stopped")
}

func (s *Scheduler) launch(ctx context.Context, name string, interval time.Duration, sweep func(context.Context, string)) {
	if interval <= 0 {
		slog.Info("Scheduler cycle disabled", "cycle", name)
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop(ctx, name, interval, sweep)
	}()
}

func (s *Scheduler) loop(ctx context.Context, name string, interval time.Duration, sweep func(context.Context, string)) {
	log := slog.With("cycle", name)
	log.Info("Scheduler cycle started", "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			log.Info("Scheduler cycle shutting down")
			return
		case <-ctx.Done():
			log.Info("Context cancelled, scheduler cycle shutting down")
			return
		case <-ticker.C:
			s.sweepSessions(ctx, name, sweep)
		}
	}
}

// sweepSessions runs one cycle over every tracked session. The session
// lease is taken first; sessions held by another replica are skipped.
func (s *Scheduler) sweepSessions(ctx context.Context, name string, sweep func(context.Context, string)) {
	for _, sid := range s.facade.Sessions() {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		err := s.locks.WithLock(ctx, sid, func(ctx context.Context) error {
			sweep(ctx, sid)
			return nil
		})
		if errors.Is(err, lifecycle.ErrNotAcquired) {
			continue
		}
		if err != nil {
			slog.Error("Scheduler sweep failed", "cycle", name, "session_id", sid, "error", err)
		}
	}
}

func (s *Scheduler) runPromotion(ctx context.Context, sessionID string) {
	stats, err := s.facade.RunPromotionCycle(ctx, sessionID)
	if err != nil {
		slog.Error("Promotion cycle failed", "session_id", sessionID, "error", err)
		return
	}
	if stats.FactsPromoted > 0 || stats.Errors > 0 {
		slog.Info("Promotion cycle finished", "session_id", sessionID,
			"facts_promoted", stats.FactsPromoted, "errors", stats.Errors)
	}
}

func (s *Scheduler) runConsolidation(ctx context.Context, sessionID string) {
	stats, err := s.facade.RunConsolidationCycle(ctx, sessionID)
	if err != nil {
		slog.Error("Consolidation cycle failed", "session_id", sessionID, "error", err)
		return
	}
	if stats.EpisodesCreated > 0 || stats.Errors > 0 {
		slog.Info("Consolidation cycle finished", "session_id", sessionID,
			"episodes_created", stats.EpisodesCreated, "errors", stats.Errors)
	}
}

func (s *Scheduler) runDistillation(ctx context.Context, sessionID string) {
	stats, err := s.facade.RunDistillationCycle(ctx, sessionID)
	if err != nil {
		slog.Error("Distillation cycle failed", "session_id", sessionID, "error", err)
		return
	}
	if stats.DocumentsCreated > 0 || stats.Errors > 0 {
		slog.Info("Distillation cycle finished", "session_id", sessionID,
			"documents_created", stats.DocumentsCreated, "errors", stats.Errors)
	}
}

// PassthroughLocker runs the callback without any lease, for deployments
// with a single replica.
type PassthroughLocker struct{}

// WithLock runs fn directly.
func (PassthroughLocker) WithLock(ctx context.Context, _ string, fn func(context.Context) error) error {
	return fn(ctx)
}
