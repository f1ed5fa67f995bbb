package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mallquest/backend/internal/circuitbreaker"
)

func TestGuardPassesThrough(t *testing.T) {
	remote := newMapRemote()
	g := Guard(remote, nil)

	require.NoError(t, g.Set(context.Background(), "k", []byte("v"), time.Minute))
	got, err := g.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)

	require.NoError(t, g.Del(context.Background(), "k"))
	_, err = g.Get(context.Background(), "k")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestGuardMissIsNotAFailure(t *testing.T) {
	remote := newMapRemote()
	g := Guard(remote, circuitbreaker.New("test", 3, 10*time.Second))

	for i := 0; i < 10; i++ {
		_, err := g.Get(context.Background(), "absent")
		assert.ErrorIs(t, err, ErrMiss)
	}

	// Misses never trip the breaker, so a real read still works.
	require.NoError(t, g.Set(context.Background(), "k", []byte("v"), time.Minute))
	_, err := g.Get(context.Background(), "k")
	assert.NoError(t, err)
}

func TestGuardTripsOnOutage(t *testing.T) {
	remote := newMapRemote()
	b := circuitbreaker.New("test", 3, 10*time.Second)
	now := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)
	b.SetClock(func() time.Time { return now })
	g := Guard(remote, b)

	remote.err = errors.New("connection refused")
	for i := 0; i < 3; i++ {
		_, err := g.Get(context.Background(), "k")
		assert.EqualError(t, err, "connection refused")
	}

	// Open: the remote is no longer dialed at all.
	_, err := g.Get(context.Background(), "k")
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.ErrorIs(t, g.Set(context.Background(), "k", []byte("v"), time.Minute), circuitbreaker.ErrOpen)

	// After the cooldown one probe succeeds and the tier is back.
	remote.err = nil
	now = now.Add(11 * time.Second)
	require.NoError(t, g.Set(context.Background(), "k", []byte("v"), time.Minute))
	got, err := g.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)
}
