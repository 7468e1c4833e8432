package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// ErrNoProviders is returned by Generate when no enabled provider exists.
var ErrNoProviders = errors.New("no llm providers registered")

type registration struct {
	provider Provider
	config   ProviderConfig
}

// Client routes generate calls across registered providers in priority
// order, falling back on failure. Safe for concurrent use.
type Client struct {
	mu        sync.RWMutex
	providers map[string]*registration
	order     []string // explicit override; nil resolves by priority

	// throttle is inserted before each provider call in test and
	// benchmark environments. Zero in production.
	throttle time.Duration
}

// NewClient creates an empty router.
func NewClient() *Client {
	return &Client{providers: make(map[string]*registration)}
}

// SetThrottle sets the delay inserted before each provider call.
func (c *Client) SetThrottle(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.throttle = d
}

// Register adds a provider. Re-registering the same name replaces the
// prior registration.
func (c *Client) Register(p Provider, cfg ProviderConfig) {
	if cfg.Name == "" {
		cfg.Name = p.Name()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.providers[cfg.Name] = &registration{provider: p, config: cfg}
	slog.Info("LLM provider registered",
		"provider", cfg.Name, "priority", cfg.Priority, "enabled", cfg.Enabled)
}

// SetOrder overrides the fallback order. Names not registered are ignored
// at call time; registered providers missing from the list are appended.
func (c *Client) SetOrder(names []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order = append([]string(nil), names...)
}

// EffectiveOrder resolves the provider order: the explicit override first,
// otherwise enabled providers by ascending priority; any enabled provider
// not covered is appended at the tail.
func (c *Client) EffectiveOrder() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.effectiveOrderLocked()
}

func (c *Client) effectiveOrderLocked() []string {
	seen := make(map[string]bool)
	var order []string

	appendName := func(name string) {
		reg, ok := c.providers[name]
		if !ok || !reg.config.Enabled || seen[name] {
			return
		}
		seen[name] = true
		order = append(order, name)
	}

	for _, name := range c.order {
		appendName(name)
	}

	rest := make([]string, 0, len(c.providers))
	for name := range c.providers {
		rest = append(rest, name)
	}
	sort.Slice(rest, func(i, j int) bool {
		pi, pj := c.providers[rest[i]].config.Priority, c.providers[rest[j]].config.Priority
		if pi != pj {
			return pi < pj
		}
		return rest[i] < rest[j]
	})
	for _, name := range rest {
		appendName(name)
	}
	return order
}

// Generate tries each provider in the effective order within its timeout,
// returning the first success. When every provider fails, the last error
// is surfaced.
func (c *Client) Generate(ctx context.Context, prompt string, opts Options) (*Response, error) {
	c.mu.RLock()
	order := c.effectiveOrderLocked()
	regs := make([]*registration, 0, len(order))
	for _, name := range order {
		regs = append(regs, c.providers[name])
	}
	throttle := c.throttle
	c.mu.RUnlock()

	if len(regs) == 0 {
		return nil, ErrNoProviders
	}

	var lastErr error
	for _, reg := range regs {
		if throttle > 0 {
			select {
			case <-time.After(throttle):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, reg.config.Timeout)
		resp, err := reg.provider.Generate(callCtx, prompt, opts)
		cancel()
		if err == nil {
			resp.Provider = reg.config.Name
			return resp, nil
		}
		lastErr = err
		slog.Warn("LLM provider failed, trying next",
			"provider", reg.config.Name, "error", err)

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("all llm providers failed: %w", lastErr)
}

// Embed delegates to the first provider in the effective order that exposes
// an embedding endpoint.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	c.mu.RLock()
	order := c.effectiveOrderLocked()
	var embedder Embedder
	var name string
	for _, n := range order {
		if e, ok := c.providers[n].provider.(Embedder); ok {
			embedder = e
			name = n
			break
		}
	}
	c.mu.RUnlock()

	if embedder == nil {
		return nil, fmt.Errorf("no registered provider supports embeddings")
	}
	vec, err := embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("%s embed: %w", name, err)
	}
	return vec, nil
}

// EmbeddingDimensions reports the vector length of the active embedder, or
// 0 when none is registered.
func (c *Client) EmbeddingDimensions() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, n := range c.effectiveOrderLocked() {
		if e, ok := c.providers[n].provider.(Embedder); ok {
			return e.Dimensions()
		}
	}
	return 0
}

// HealthCheck probes every registered provider concurrently, including
// disabled ones. A probe failure marks the provider unhealthy; it never
// fails the check itself.
func (c *Client) HealthCheck(ctx context.Context) []ProviderHealth {
	c.mu.RLock()
	names := make([]string, 0, len(c.providers))
	for name := range c.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	regs := make([]*registration, len(names))
	for i, name := range names {
		regs[i] = c.providers[name]
	}
	c.mu.RUnlock()

	results := make([]ProviderHealth, len(names))
	g, gctx := errgroup.WithContext(ctx)
	for i, reg := range regs {
		g.Go(func() error {
			probeCtx, cancel := context.WithTimeout(gctx, reg.config.Timeout)
			defer cancel()

			h := ProviderHealth{Name: reg.config.Name}
			if err := reg.provider.Probe(probeCtx); err != nil {
				h.Healthy = false
				h.LastError = err.Error()
			} else {
				h.Healthy = true
				h.Details = "probe ok"
			}
			results[i] = h
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Healthy reports whether at least one enabled provider probes healthy.
func (c *Client) Healthy(ctx context.Context) bool {
	enabled := make(map[string]bool)
	c.mu.RLock()
	for name, reg := range c.providers {
		if reg.config.Enabled {
			enabled[name] = true
		}
	}
	c.mu.RUnlock()

	for _, h := range c.HealthCheck(ctx) {
		if h.Healthy && enabled[h.Name] {
			return true
		}
	}
	return false
}
