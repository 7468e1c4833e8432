package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultLockTTL is the lease length when none is configured.
const DefaultLockTTL = 30 * time.Second

// ErrNotAcquired reports that another holder owns the session lock.
var ErrNotAcquired = errors.New("session lock already held")

// LockBackend is the lease primitive the session lock runs on. The Redis
// adapter implements it with SET NX PX plus compare-owner scripts.
type LockBackend interface {
	AcquireLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	RenewLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key, owner string) (bool, error)
}

// SessionLock hands out per-session leases so concurrent replicas never run
// an engine cycle against the same session at once.
type SessionLock struct {
	backend LockBackend
	ttl     time.Duration
	prefix  string
}

// NewSessionLock creates a lock manager with the given lease TTL.
func NewSessionLock(backend LockBackend, ttl time.Duration) *SessionLock {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	return &SessionLock{backend: backend, ttl: ttl, prefix: "lock:session:"}
}

// Acquire takes the lease for a session and starts background renewal.
// Returns ErrNotAcquired when another holder owns it.
func (l *SessionLock) Acquire(ctx context.Context, sessionID string) (*Lease, error) {
	key := l.prefix + sessionID
	owner := uuid.New().String()

	acquired, err := l.backend.AcquireLock(ctx, key, owner, l.ttl)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire session lock: %w", err)
	}
	if !acquired {
		return nil, ErrNotAcquired
	}

	lease := &Lease{
		backend: l.backend,
		key:     key,
		owner:   owner,
		ttl:     l.ttl,
		stop:    make(chan struct{}),
	}
	go lease.renew()
	return lease, nil
}

// WithLock runs fn under the session lease, releasing it afterwards.
// Returns ErrNotAcquired without running fn when the session is held.
func (l *SessionLock) WithLock(ctx context.Context, sessionID string, fn func(ctx context.Context) error) error {
	lease, err := l.Acquire(ctx, sessionID)
	if err != nil {
		return err
	}
	defer lease.Release()
	return fn(ctx)
}

// Lease is one held session lock. Release is idempotent and safe to call
// from any goroutine.
type Lease struct {
	backend LockBackend
	key     string
	owner   string
	ttl     time.Duration

	stop     chan struct{}
	released sync.Once
}

// renew extends the lease on a cadence under the TTL until the lease is
// released or lost.
func (le *Lease) renew() {
	interval := le.ttl / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-le.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			renewed, err := le.backend.RenewLock(ctx, le.key, le.owner, le.ttl)
			cancel()
			if err != nil {
				slog.Warn("Session lock renewal failed", "key", le.key, "error", err)
				continue
			}
			if !renewed {
				slog.Warn("Session lock lost, stopping renewal", "key", le.key)
				return
			}
		}
	}
}

// Release stops renewal and gives the lease up. Releasing a lease another
// holder has since taken over is a no-op on their lock.
func (le *Lease) Release() {
	le.released.Do(func() {
		close(le.stop)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := le.backend.ReleaseLock(ctx, le.key, le.owner); err != nil {
			slog.Warn("Session lock release failed", "key", le.key, "error", err)
		}
	})
}
