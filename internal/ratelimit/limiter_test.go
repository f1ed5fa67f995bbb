package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mallquest/backend/internal/config"
	"github.com/mallquest/backend/internal/core"
)

type stubCounter struct {
	mu    sync.Mutex
	count int
	err   error
	calls int
}

func (c *stubCounter) RateLimitIncr(ctx context.Context, subject, action string, windowStart time.Time, n int) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.err != nil {
		return 0, c.err
	}
	c.count += n
	return c.count, nil
}

func (c *stubCounter) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

func newLimiter(t *testing.T, rules map[string]config.RateLimitRule, counter Counter) (*Limiter, *time.Time) {
	t.Helper()
	l := New(rules, counter)
	t.Cleanup(l.Stop)
	now := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)
	l.SetClock(func() time.Time { return now })
	return l, &now
}

func TestAllowWithinWindow(t *testing.T) {
	l, _ := newLimiter(t, map[string]config.RateLimitRule{
		"login": {Max: 3, Window: time.Minute},
	}, &stubCounter{})

	for i := 0; i < 3; i++ {
		assert.NoError(t, l.Allow(context.Background(), "ip:1.2.3.4", "login"), "request %d", i+1)
	}

	err := l.Allow(context.Background(), "ip:1.2.3.4", "login")
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindRateLimited))
	assert.Greater(t, core.RetryAfter(err), 0)
	assert.LessOrEqual(t, core.RetryAfter(err), 61)
}

func TestSubjectsAreIndependent(t *testing.T) {
	l, _ := newLimiter(t, map[string]config.RateLimitRule{
		"login": {Max: 1, Window: time.Minute},
	}, &stubCounter{})

	require.NoError(t, l.Allow(context.Background(), "ip:1.1.1.1", "login"))
	require.Error(t, l.Allow(context.Background(), "ip:1.1.1.1", "login"))
	assert.NoError(t, l.Allow(context.Background(), "ip:2.2.2.2", "login"))
}

func TestUnknownActionIsUnlimited(t *testing.T) {
	l, _ := newLimiter(t, map[string]config.RateLimitRule{
		"login": {Max: 1, Window: time.Minute},
	}, &stubCounter{})

	for i := 0; i < 200; i++ {
		require.NoError(t, l.Allow(context.Background(), "ip:1.2.3.4", "unconfigured"))
	}
}

func TestNewWindowResetsCount(t *testing.T) {
	l, now := newLimiter(t, map[string]config.RateLimitRule{
		"login": {Max: 1, Window: time.Minute},
	}, &stubCounter{})

	require.NoError(t, l.Allow(context.Background(), "ip:1.2.3.4", "login"))
	require.Error(t, l.Allow(context.Background(), "ip:1.2.3.4", "login"))

	*now = now.Add(time.Minute)
	assert.NoError(t, l.Allow(context.Background(), "ip:1.2.3.4", "login"))
}

func TestAdoptsSharedCount(t *testing.T) {
	// Another process already burned most of the window's budget.
	counter := &stubCounter{count: 4}
	l, now := newLimiter(t, map[string]config.RateLimitRule{
		"login": {Max: 5, Window: time.Minute},
	}, counter)

	require.NoError(t, l.Allow(context.Background(), "ip:1.2.3.4", "login"))

	// The second request crosses the flush interval, folds into the store
	// and adopts the cluster-wide count: 4 + 2 local = 6 > 5.
	*now = now.Add(time.Second)
	require.NoError(t, l.Allow(context.Background(), "ip:1.2.3.4", "login"))

	err := l.Allow(context.Background(), "ip:1.2.3.4", "login")
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindRateLimited))
	assert.Equal(t, 1, counter.calls)
}

func TestFlushAfterPendingThreshold(t *testing.T) {
	counter := &stubCounter{}
	l, _ := newLimiter(t, map[string]config.RateLimitRule{
		"reads": {Max: 1000, Window: time.Hour},
	}, counter)

	for i := 0; i < flushMaxPending; i++ {
		require.NoError(t, l.Allow(context.Background(), "u1", "reads"))
	}
	assert.Equal(t, 1, counter.calls)
	assert.Equal(t, flushMaxPending, counter.count)
}

func TestFailOpenKeepsServing(t *testing.T) {
	counter := &stubCounter{}
	counter.setErr(errors.New("store down"))
	l, now := newLimiter(t, map[string]config.RateLimitRule{
		"reads": {Max: 1000, Window: time.Hour, FailClosed: false},
	}, counter)

	require.NoError(t, l.Allow(context.Background(), "u1", "reads"))
	*now = now.Add(time.Second)
	require.NoError(t, l.Allow(context.Background(), "u1", "reads"))

	// Far past the grace period the fail-open action still serves.
	*now = now.Add(time.Minute)
	assert.NoError(t, l.Allow(context.Background(), "u1", "reads"))
}

func TestFailClosedAfterGrace(t *testing.T) {
	counter := &stubCounter{}
	counter.setErr(errors.New("store down"))
	l, now := newLimiter(t, map[string]config.RateLimitRule{
		"login": {Max: 1000, Window: time.Hour, FailClosed: true},
	}, counter)

	require.NoError(t, l.Allow(context.Background(), "u1", "login"))

	// First failed flush marks the store down; inside the grace period the
	// limiter keeps serving from local counts.
	*now = now.Add(time.Second)
	require.NoError(t, l.Allow(context.Background(), "u1", "login"))
	*now = now.Add(10 * time.Second)
	require.NoError(t, l.Allow(context.Background(), "u1", "login"))

	// Past the grace period fail-closed actions reject.
	*now = now.Add(25 * time.Second)
	err := l.Allow(context.Background(), "u1", "login")
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindTransient))

	// A recovered store clears the degradation on the next flush.
	counter.setErr(nil)
	*now = now.Add(2 * time.Second)
	assert.NoError(t, l.Allow(context.Background(), "u1", "login"))
}

func TestStats(t *testing.T) {
	l, _ := newLimiter(t, map[string]config.RateLimitRule{
		"login": {Max: 3, Window: time.Minute},
	}, &stubCounter{})

	require.NoError(t, l.Allow(context.Background(), "u1", "login"))
	stats := l.Stats()
	assert.Equal(t, 1, stats["active_windows"])
	assert.Equal(t, 1, stats["actions"])
	assert.Equal(t, false, stats["store_degraded"])
}
