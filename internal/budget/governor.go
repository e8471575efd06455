// Package budget gates and paces outbound calls to external providers.
//
// Each provider gets a fixed-window call budget enforced proactively by
// Acquire, plus reactive exponential backoff driven by explicit throttling
// responses. Budgets are shared by every concurrent work unit in a pipeline
// run that targets the same provider.
package budget

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/patientmap/patientmapd/internal/logging"
	"github.com/patientmap/patientmapd/internal/telemetry"
)

// Errors surfaced by the governor.
var (
	// ErrRateLimitExceeded indicates a provider's budget stayed exhausted
	// beyond the bounded retry count. Recovered locally by the caller.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")

	// ErrUnknownProvider indicates an acquire against an unregistered
	// provider. Always a programming or configuration error.
	ErrUnknownProvider = errors.New("unknown provider")
)

// Limit is a fixed-window call budget for one provider.
type Limit struct {
	WindowDuration    time.Duration
	MaxCallsPerWindow int
}

// window holds mutable per-provider accounting. Its mutex is held only for
// the duration of counter reads and updates, never while sleeping.
type window struct {
	mu sync.Mutex

	limit   Limit
	backoff Backoff

	windowStart time.Time
	used        int

	// throttleStreak counts consecutive throttle signals since the last
	// settled call; it drives the reactive backoff exponent.
	throttleStreak int
}

// Governor tracks call budgets for all registered providers.
type Governor struct {
	mu        sync.RWMutex
	providers map[string]*window

	logger *logging.Logger
	now    func() time.Time
}

// Option configures a Governor.
type Option func(*Governor)

// WithLogger sets the governor's logger.
func WithLogger(logger *logging.Logger) Option {
	return func(g *Governor) { g.logger = logger }
}

// WithClock overrides the time source. Tests only.
func WithClock(now func() time.Time) Option {
	return func(g *Governor) { g.now = now }
}

// NewGovernor creates an empty governor.
func NewGovernor(opts ...Option) *Governor {
	g := &Governor{
		providers: make(map[string]*window),
		logger:    logging.NewNop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Register adds a provider budget. Re-registering replaces the limit and
// resets accounting.
func (g *Governor) Register(provider string, limit Limit, backoff Backoff) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.providers[provider] = &window{limit: limit, backoff: backoff}
}

// Acquire obtains a permit for cost calls against provider. If the current
// window cannot fit the cost, the caller is suspended until the window
// resets or ctx expires, whichever comes first, then retried once. A cost
// that can never fit fails immediately with ErrRateLimitExceeded.
func (g *Governor) Acquire(ctx context.Context, provider string, cost int) error {
	w, err := g.window(provider)
	if err != nil {
		return err
	}
	if cost > w.limit.MaxCallsPerWindow {
		return fmt.Errorf("%w: cost %d exceeds window capacity %d for %s",
			ErrRateLimitExceeded, cost, w.limit.MaxCallsPerWindow, provider)
	}

	start := g.now()
	granted, wait := w.tryAcquire(g.now(), cost)
	if granted {
		return nil
	}

	g.logger.Debug(ctx, "provider budget exhausted, waiting for window reset",
		zap.String("provider", provider),
		zap.Duration("wait", wait))

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		telemetry.BudgetWaitSeconds.WithLabelValues(provider).Observe(g.now().Sub(start).Seconds())
		return ctx.Err()
	case <-timer.C:
	}
	telemetry.BudgetWaitSeconds.WithLabelValues(provider).Observe(g.now().Sub(start).Seconds())

	granted, _ = w.tryAcquire(g.now(), cost)
	if !granted {
		return fmt.Errorf("%w: provider %s window still exhausted after reset", ErrRateLimitExceeded, provider)
	}
	return nil
}

// Throttled records an explicit throttling response from provider and
// suspends the caller for the policy's backoff delay. attempt is zero-based
// within the caller's retry loop. Exceeding the policy's retry bound
// returns ErrRateLimitExceeded instead of blocking indefinitely.
func (g *Governor) Throttled(ctx context.Context, provider string, attempt int) error {
	w, err := g.window(provider)
	if err != nil {
		return err
	}

	telemetry.BudgetThrottlesTotal.WithLabelValues(provider).Inc()

	w.mu.Lock()
	w.throttleStreak++
	streak := w.throttleStreak
	backoff := w.backoff
	w.mu.Unlock()

	if attempt >= backoff.MaxRetries || streak > backoff.MaxRetries {
		return fmt.Errorf("%w: provider %s throttled %d consecutive times", ErrRateLimitExceeded, provider, streak)
	}

	delay := backoff.Delay(attempt)
	g.logger.Warn(ctx, "provider throttling, backing off",
		zap.String("provider", provider),
		zap.Int("attempt", attempt),
		zap.Duration("delay", delay))

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Settled clears the reactive backoff state after a successful call.
func (g *Governor) Settled(provider string) {
	w, err := g.window(provider)
	if err != nil {
		return
	}
	w.mu.Lock()
	w.throttleStreak = 0
	w.mu.Unlock()
}

// Usage returns the calls used and the capacity of the provider's current
// window. Zero values for an unknown provider.
func (g *Governor) Usage(provider string) (used, max int) {
	w, err := g.window(provider)
	if err != nil {
		return 0, 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if g.now().Sub(w.windowStart) >= w.limit.WindowDuration {
		return 0, w.limit.MaxCallsPerWindow
	}
	return w.used, w.limit.MaxCallsPerWindow
}

func (g *Governor) window(provider string) (*window, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	w, ok := g.providers[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}
	return w, nil
}

// tryAcquire attempts to take cost calls from the current window. When the
// budget does not fit, it returns the time remaining until the window
// resets. The invariant used <= max holds at every return.
func (w *window) tryAcquire(now time.Time, cost int) (granted bool, untilReset time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if now.Sub(w.windowStart) >= w.limit.WindowDuration {
		w.windowStart = now
		w.used = 0
	}

	if w.used+cost <= w.limit.MaxCallsPerWindow {
		w.used += cost
		return true, 0
	}
	return false, w.windowStart.Add(w.limit.WindowDuration).Sub(now)
}
