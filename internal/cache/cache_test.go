package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mallquest/backend/internal/core"
)

// mapRemote is an in-process RemoteTier for tests.
type mapRemote struct {
	mu   sync.Mutex
	data map[string][]byte
	err  error
}

func newMapRemote() *mapRemote {
	return &mapRemote{data: make(map[string][]byte)}
}

func (r *mapRemote) Get(ctx context.Context, key string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	b, ok := r.data[key]
	if !ok {
		return nil, ErrMiss
	}
	return b, nil
}

func (r *mapRemote) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.data[key] = value
	return nil
}

func (r *mapRemote) Del(ctx context.Context, keys ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, k := range keys {
		delete(r.data, k)
	}
	return nil
}

func (r *mapRemote) Close() error { return nil }

func snapshot(version int64) *core.User {
	return &core.User{ID: "u1", TenantID: "t1", Handle: "shopper", Coins: 100, Version: version}
}

func TestUserCacheHitMiss(t *testing.T) {
	c := NewUserCache(10, time.Minute, nil)

	assert.Nil(t, c.Get(context.Background(), "t1", "u1", 0))

	c.Put(context.Background(), snapshot(3))
	got := c.Get(context.Background(), "t1", "u1", 0)
	require.NotNil(t, got)
	assert.Equal(t, int64(3), got.Version)

	stats := c.GetStats()
	assert.Equal(t, int64(1), stats["hits"])
	assert.Equal(t, int64(1), stats["misses"])
}

func TestUserCacheMinVersionEvictsStale(t *testing.T) {
	c := NewUserCache(10, time.Minute, nil)
	c.Put(context.Background(), snapshot(3))

	// A reader that knows version 5 exists refuses the stale snapshot.
	assert.Nil(t, c.Get(context.Background(), "t1", "u1", 5))
	assert.Equal(t, int64(1), c.GetStats()["stale_evicts"])

	// The stale entry is gone for everyone, not just that reader.
	assert.Nil(t, c.Get(context.Background(), "t1", "u1", 0))
}

func TestUserCacheNeverDowngrades(t *testing.T) {
	c := NewUserCache(10, time.Minute, nil)
	c.Put(context.Background(), snapshot(7))
	c.Put(context.Background(), snapshot(4))

	got := c.Get(context.Background(), "t1", "u1", 0)
	require.NotNil(t, got)
	assert.Equal(t, int64(7), got.Version)
}

func TestUserCacheRemoteFallback(t *testing.T) {
	remote := newMapRemote()
	c := NewUserCache(10, time.Minute, remote)

	// Seed only the remote tier, as another process's Put would.
	raw, err := json.Marshal(snapshot(2))
	require.NoError(t, err)
	require.NoError(t, remote.Set(context.Background(), "user:t1:u1", raw, time.Minute))

	got := c.Get(context.Background(), "t1", "u1", 0)
	require.NotNil(t, got)
	assert.Equal(t, int64(2), got.Version)

	// A remote snapshot below minVersion is not adopted.
	c.Invalidate(context.Background(), "t1", "u1")
	require.NoError(t, remote.Set(context.Background(), "user:t1:u1", raw, time.Minute))
	assert.Nil(t, c.Get(context.Background(), "t1", "u1", 9))
}

func TestUserCachePutWritesThrough(t *testing.T) {
	remote := newMapRemote()
	c := NewUserCache(10, time.Minute, remote)

	c.Put(context.Background(), snapshot(5))

	raw, err := remote.Get(context.Background(), "user:t1:u1")
	require.NoError(t, err)
	var u core.User
	require.NoError(t, json.Unmarshal(raw, &u))
	assert.Equal(t, int64(5), u.Version)
}

func TestUserCacheSurvivesRemoteErrors(t *testing.T) {
	remote := newMapRemote()
	remote.err = errors.New("redis down")
	c := NewUserCache(10, time.Minute, remote)

	c.Put(context.Background(), snapshot(1))
	got := c.Get(context.Background(), "t1", "u1", 0)
	require.NotNil(t, got, "local tier serves despite the remote being down")
	assert.Greater(t, c.GetStats()["remote_errors"], int64(0))
}

func TestUserCacheInvalidate(t *testing.T) {
	remote := newMapRemote()
	c := NewUserCache(10, time.Minute, remote)

	c.Put(context.Background(), snapshot(1))
	c.Invalidate(context.Background(), "t1", "u1")

	assert.Nil(t, c.Get(context.Background(), "t1", "u1", 0))
	_, err := remote.Get(context.Background(), "user:t1:u1")
	assert.Error(t, err)
}

func TestBlobCache(t *testing.T) {
	c := NewBlobCache(10, time.Minute)

	assert.Nil(t, c.Get("board:t1:coins:10"))

	c.Put("board:t1:coins:10", []byte(`[{"rank":1}]`))
	assert.Equal(t, []byte(`[{"rank":1}]`), c.Get("board:t1:coins:10"))

	c.Invalidate("board:t1:coins:10")
	assert.Nil(t, c.Get("board:t1:coins:10"))
}
