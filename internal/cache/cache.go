package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/mallquest/backend/internal/core"
)

// UserCache holds recent user snapshots. Entries expire on a short TTL and
// are replaced write-through after every committed delta; a snapshot with a
// stale version is evicted on read rather than served.
type UserCache struct {
	local  *expirable.LRU[string, *core.User]
	remote RemoteTier
	ttl    time.Duration
	logger *log.Logger

	hits          int64
	misses        int64
	remoteErrors  int64
	staleEvicts   int64
}

// NewUserCache builds the two-tier user cache. remote may be nil.
func NewUserCache(size int, ttl time.Duration, remote RemoteTier) *UserCache {
	if size <= 0 {
		size = 1000
	}
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &UserCache{
		local:  expirable.NewLRU[string, *core.User](size, nil, ttl),
		remote: remote,
		ttl:    ttl,
		logger: log.New(log.Writer(), "[CACHE] ", log.LstdFlags),
	}
}

func userKey(tenantID, userID string) string {
	return "user:" + tenantID + ":" + userID
}

// Get returns a cached snapshot, or nil on miss. A snapshot older than
// minVersion is treated as a miss and evicted; pass 0 to accept any version.
func (c *UserCache) Get(ctx context.Context, tenantID, userID string, minVersion int64) *core.User {
	key := userKey(tenantID, userID)

	if u, ok := c.local.Get(key); ok {
		if minVersion > 0 && u.Version < minVersion {
			c.local.Remove(key)
			atomic.AddInt64(&c.staleEvicts, 1)
		} else {
			atomic.AddInt64(&c.hits, 1)
			return u
		}
	}

	if c.remote != nil {
		raw, err := c.remote.Get(ctx, key)
		if err == nil {
			var u core.User
			if json.Unmarshal(raw, &u) == nil && (minVersion == 0 || u.Version >= minVersion) {
				c.local.Add(key, &u)
				atomic.AddInt64(&c.hits, 1)
				return &u
			}
		} else if !errors.Is(err, ErrMiss) {
			atomic.AddInt64(&c.remoteErrors, 1)
		}
	}

	atomic.AddInt64(&c.misses, 1)
	return nil
}

// Put stores a snapshot in both tiers. Remote failures are counted and
// swallowed; the local tier is authoritative for freshness.
func (c *UserCache) Put(ctx context.Context, u *core.User) {
	key := userKey(u.TenantID, u.ID)

	if existing, ok := c.local.Get(key); ok && existing.Version > u.Version {
		return // never replace newer with older
	}
	c.local.Add(key, u)

	if c.remote != nil {
		raw, err := json.Marshal(u)
		if err != nil {
			return
		}
		if err := c.remote.Set(ctx, key, raw, c.ttl); err != nil {
			if atomic.AddInt64(&c.remoteErrors, 1)%100 == 1 {
				c.logger.Printf("remote cache set failed: %v", err)
			}
		}
	}
}

// Invalidate drops a user from both tiers.
func (c *UserCache) Invalidate(ctx context.Context, tenantID, userID string) {
	key := userKey(tenantID, userID)
	c.local.Remove(key)
	if c.remote != nil {
		if err := c.remote.Del(ctx, key); err != nil {
			atomic.AddInt64(&c.remoteErrors, 1)
		}
	}
}

// GetStats reports cache counters.
func (c *UserCache) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"entries":       c.local.Len(),
		"hits":          atomic.LoadInt64(&c.hits),
		"misses":        atomic.LoadInt64(&c.misses),
		"stale_evicts":  atomic.LoadInt64(&c.staleEvicts),
		"remote_errors": atomic.LoadInt64(&c.remoteErrors),
	}
}

// BlobCache holds small serialized read-model blobs (leaderboard pages,
// mission template sets) on a longer TTL. Local tier only: these are cheap
// to rebuild and tenant-wide, so cross-process coherence is not worth the
// round trip.
type BlobCache struct {
	local *expirable.LRU[string, []byte]
}

// NewBlobCache builds the blob cache.
func NewBlobCache(size int, ttl time.Duration) *BlobCache {
	if size <= 0 {
		size = 1000
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &BlobCache{local: expirable.NewLRU[string, []byte](size, nil, ttl)}
}

// Get returns the cached blob, or nil.
func (c *BlobCache) Get(key string) []byte {
	if b, ok := c.local.Get(key); ok {
		return b
	}
	return nil
}

// Put stores a blob.
func (c *BlobCache) Put(key string, blob []byte) {
	c.local.Add(key, blob)
}

// Invalidate drops one key.
func (c *BlobCache) Invalidate(key string) {
	c.local.Remove(key)
}
