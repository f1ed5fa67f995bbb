package cache

import (
	"context"
	"errors"
	"time"

	"github.com/mallquest/backend/internal/circuitbreaker"
)

// GuardedTier wraps a RemoteTier behind a circuit breaker. While Redis is
// down the breaker rejects instantly, so reads fall back to the local tier
// without waiting out a dial timeout per request.
type GuardedTier struct {
	inner   RemoteTier
	breaker *circuitbreaker.Breaker
}

// Guard wraps a remote tier. A nil breaker gets the defaults.
func Guard(inner RemoteTier, breaker *circuitbreaker.Breaker) *GuardedTier {
	if breaker == nil {
		breaker = circuitbreaker.New("remote-cache", 0, 0)
	}
	return &GuardedTier{inner: inner, breaker: breaker}
}

func (g *GuardedTier) Get(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	var miss error
	err := g.breaker.Do(func() error {
		var err error
		out, err = g.inner.Get(ctx, key)
		if errors.Is(err, ErrMiss) {
			miss = err
			return nil
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, miss
}

func (g *GuardedTier) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return g.breaker.Do(func() error {
		return g.inner.Set(ctx, key, value, ttl)
	})
}

func (g *GuardedTier) Del(ctx context.Context, keys ...string) error {
	return g.breaker.Do(func() error {
		return g.inner.Del(ctx, keys...)
	})
}

func (g *GuardedTier) Close() error { return g.inner.Close() }
