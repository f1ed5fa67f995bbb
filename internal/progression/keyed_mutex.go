package progression

import (
	"context"
	"sync"
	"time"

	"github.com/mallquest/backend/internal/core"
)

// maxLockWait bounds how long a request waits for its user lock before the
// coordinator rejects with busy.
const maxLockWait = 500 * time.Millisecond

// KeyedMutex serializes mutations per (tenant, user). It bounds retry
// storms; the store's row version enforces correctness if two processes
// bypass it.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*kmEntry
}

type kmEntry struct {
	ch   chan struct{} // capacity 1; holding the token is holding the lock
	refs int
}

// NewKeyedMutex creates an empty keyed mutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*kmEntry)}
}

// Acquire takes the lock for key, waiting at most maxLockWait. Returns a
// busy error when the wait expires.
func (k *KeyedMutex) Acquire(ctx context.Context, tenantID, userID string) (release func(), err error) {
	key := tenantID + "|" + userID

	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &kmEntry{ch: make(chan struct{}, 1)}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	timer := time.NewTimer(maxLockWait)
	defer timer.Stop()

	select {
	case e.ch <- struct{}{}:
		return func() {
			<-e.ch
			k.mu.Lock()
			e.refs--
			if e.refs == 0 {
				delete(k.locks, key)
			}
			k.mu.Unlock()
		}, nil
	case <-timer.C:
		k.drop(key, e)
		return nil, &core.Error{
			Kind:              core.KindRateLimited,
			Message:           "busy: another update for this user is in flight",
			RetryAfterSeconds: 1,
		}
	case <-ctx.Done():
		k.drop(key, e)
		return nil, core.Wrap(core.KindTransient, "request cancelled", ctx.Err())
	}
}

func (k *KeyedMutex) drop(key string, e *kmEntry) {
	k.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(k.locks, key)
	}
	k.mu.Unlock()
}
