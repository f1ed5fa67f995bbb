// Package ratelimit enforces per-subject, per-action fixed-window limits.
// Counting is local-first: each process counts in memory and folds its
// increments into the shared store in batches, so one client burst costs at
// most a handful of store round trips instead of one per request.
package ratelimit

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/mallquest/backend/internal/config"
	"github.com/mallquest/backend/internal/core"
)

// Counter is the shared-count backend. The store implements it; tests use a
// stub.
type Counter interface {
	RateLimitIncr(ctx context.Context, subject, action string, windowStart time.Time, n int) (int, error)
}

// flush thresholds: pending local increments are folded into the store when
// either bound is hit.
const (
	flushMaxPending  = 100
	flushMaxInterval = time.Second
	// storeGrace is how long the limiter keeps serving fail-closed actions
	// from local counts after the store becomes unreachable.
	storeGrace = 30 * time.Second
)

type window struct {
	start   time.Time
	shared  int // last count reported by the store
	pending int // local increments not yet flushed
	flushed time.Time
}

// Limiter applies the configured rules. Unknown actions are unlimited:
// limits are declared per endpoint, never guessed.
type Limiter struct {
	mu      sync.Mutex
	windows map[string]*window
	rules   map[string]config.RateLimitRule
	counter Counter
	clock   core.Clock
	logger  *log.Logger

	downSince time.Time // zero when the store is healthy
	stopCh    chan struct{}
	stopOnce  sync.Once
}

// New creates a limiter and starts its window garbage collector.
func New(rules map[string]config.RateLimitRule, counter Counter) *Limiter {
	l := &Limiter{
		windows: make(map[string]*window),
		rules:   rules,
		counter: counter,
		clock:   core.SystemClock,
		logger:  log.New(log.Writer(), "[RATE-LIMIT] ", log.LstdFlags),
		stopCh:  make(chan struct{}),
	}
	go l.cleanup()
	return l
}

// SetClock overrides time for tests.
func (l *Limiter) SetClock(clock core.Clock) { l.clock = clock }

// Stop terminates the cleanup goroutine.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

// Allow admits or rejects one request for (subject, action). A rejection is
// a rate_limited error carrying the seconds until the window resets.
func (l *Limiter) Allow(ctx context.Context, subject, action string) error {
	rule, ok := l.rules[action]
	if !ok {
		return nil
	}

	now := l.clock()
	start := now.Truncate(rule.Window)
	key := subject + "|" + action

	l.mu.Lock()
	defer l.mu.Unlock()

	w, exists := l.windows[key]
	if !exists || !w.start.Equal(start) {
		w = &window{start: start, flushed: now}
		l.windows[key] = w
	}

	total := w.shared + w.pending + 1
	if total > rule.Max {
		retry := int(start.Add(rule.Window).Sub(now).Seconds()) + 1
		return &core.Error{
			Kind:              core.KindRateLimited,
			Message:           "rate limit exceeded for " + action,
			RetryAfterSeconds: retry,
		}
	}
	w.pending++

	if w.pending >= flushMaxPending || now.Sub(w.flushed) >= flushMaxInterval {
		l.flushLocked(ctx, subject, action, w, rule, now)
	}
	return l.degradedLocked(rule, now)
}

// flushLocked folds pending increments into the shared store and adopts the
// cluster-wide count it returns.
func (l *Limiter) flushLocked(ctx context.Context, subject, action string, w *window, rule config.RateLimitRule, now time.Time) {
	count, err := l.counter.RateLimitIncr(ctx, subject, action, w.start, w.pending)
	if err != nil {
		if l.downSince.IsZero() {
			l.downSince = now
			l.logger.Printf("shared counter unreachable, counting locally: %v", err)
		}
		return
	}
	if !l.downSince.IsZero() {
		l.downSince = time.Time{}
		l.logger.Printf("shared counter recovered")
	}
	w.shared = count
	w.pending = 0
	w.flushed = now
}

// degradedLocked applies the per-action degradation policy once the store
// has been down past the grace period.
func (l *Limiter) degradedLocked(rule config.RateLimitRule, now time.Time) error {
	if l.downSince.IsZero() || now.Sub(l.downSince) <= storeGrace {
		return nil
	}
	if rule.FailClosed {
		return &core.Error{
			Kind:              core.KindTransient,
			Message:           "rate limit backend unavailable",
			RetryAfterSeconds: int(storeGrace.Seconds()),
		}
	}
	return nil
}

func (l *Limiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			now := l.clock()
			l.mu.Lock()
			for key, w := range l.windows {
				// Any window idle past the longest configured period is dead.
				if now.Sub(w.start) > 2*time.Hour {
					delete(l.windows, key)
				}
			}
			l.mu.Unlock()
		}
	}
}

// Stats returns limiter counters.
func (l *Limiter) Stats() map[string]interface{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return map[string]interface{}{
		"active_windows": len(l.windows),
		"actions":        len(l.rules),
		"store_degraded": !l.downSince.IsZero(),
	}
}
