// Package cleanup provides data retention sweeps over the memory tiers.
package cleanup

import (
	"context"
	"log/slog"
	"time"
)

// TurnSweeper removes expired L1 turn backups.
type TurnSweeper interface {
	CleanupExpired(ctx context.Context) (int64, error)
}

// FactSweeper removes L2 facts past their TTL.
type FactSweeper interface {
	CleanupExpired(ctx context.Context) (int64, error)
}

// Service periodically enforces retention:
//   - Removes active-context backup rows whose TTL lapsed
//   - Removes working-memory facts past their TTL
//
// All operations are idempotent and safe to run from multiple replicas.
type Service struct {
	interval time.Duration
	turns    TurnSweeper
	facts    FactSweeper

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a cleanup service. Either sweeper may be nil when that
// tier carries no retention.
func NewService(interval time.Duration, turns TurnSweeper, facts FactSweeper) *Service {
	return &Service{
		interval: interval,
		turns:    turns,
		facts:    facts,
	}
}

// Start launches the background cleanup loop. A zero interval disables it.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	if s.interval <= 0 {
		slog.Info("Cleanup service disabled")
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Cleanup service started", "interval", s.interval)
}

// Stop signals the cleanup loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.runAll(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runAll(ctx)
		}
	}
}

func (s *Service) runAll(ctx context.Context) {
	s.sweepTurnBackups(ctx)
	s.sweepExpiredFacts(ctx)
}

func (s *Service) sweepTurnBackups(ctx context.Context) {
	if s.turns == nil {
		return
	}
	count, err := s.turns.CleanupExpired(ctx)
	if err != nil {
		slog.Error("Retention: turn backup sweep failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: swept expired turn backups", "count", count)
	}
}

func (s *Service) sweepExpiredFacts(ctx context.Context) {
	if s.facts == nil {
		return
	}
	count, err := s.facts.CleanupExpired(ctx)
	if err != nil {
		slog.Error("Retention: fact sweep failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: swept expired facts", "count", count)
	}
}
