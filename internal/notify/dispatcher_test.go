package notify

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mallquest/backend/internal/core"
)

// blockingSink records each delivery's id on entry, then holds the worker
// until the test releases the gate. This pins the worker so tests can stage
// the queue deterministically.
type blockingSink struct {
	mu        sync.Mutex
	delivered []string
	entered   chan struct{}
	gate      chan struct{}
	online    bool
}

func newBlockingSink() *blockingSink {
	return &blockingSink{
		entered: make(chan struct{}, 16),
		gate:    make(chan struct{}, 16),
		online:  true,
	}
}

func (s *blockingSink) Deliver(tenantID, userID, kind string, payload map[string]interface{}) bool {
	s.mu.Lock()
	if id, ok := payload["id"].(string); ok {
		s.delivered = append(s.delivered, id)
	} else {
		s.delivered = append(s.delivered, kind)
	}
	s.mu.Unlock()
	s.entered <- struct{}{}
	<-s.gate
	return s.online
}

func (s *blockingSink) ids() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.delivered...)
}

func (s *blockingSink) awaitDelivery(t *testing.T) {
	t.Helper()
	select {
	case <-s.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("no delivery within 2s")
	}
}

func note(id string, p core.NotificationPriority) *core.Notification {
	return &core.Notification{
		ID: id, TenantID: "t1", UserID: "u1", Kind: "test",
		Priority: p,
		Payload:  map[string]interface{}{},
	}
}

func TestDispatcherDrainsHighestPriorityFirst(t *testing.T) {
	sink := newBlockingSink()
	d := New(sink, 16)
	defer d.Stop()

	// Pin the worker on a plug entry, then stage the real queue behind it.
	d.Enqueue(note("plug", core.PriorityLow))
	sink.awaitDelivery(t)

	d.Enqueue(note("low", core.PriorityLow))
	d.Enqueue(note("normal", core.PriorityNormal))
	d.Enqueue(note("high", core.PriorityHigh))

	for i := 0; i < 4; i++ {
		sink.gate <- struct{}{}
		if i < 3 {
			sink.awaitDelivery(t)
		}
	}

	require.Eventually(t, func() bool {
		return d.GetStats()["delivered"] == uint64(4)
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"plug", "high", "normal", "low"}, sink.ids())
}

func TestDispatcherOverflowEviction(t *testing.T) {
	sink := newBlockingSink()
	d := New(sink, 3)
	defer d.Stop()

	d.Enqueue(note("plug", core.PriorityNormal))
	sink.awaitDelivery(t)

	// Fill the bound with normals.
	d.Enqueue(note("n1", core.PriorityNormal))
	d.Enqueue(note("n2", core.PriorityNormal))
	d.Enqueue(note("n3", core.PriorityNormal))

	// A low entry cannot evict anything ranked above it: it is the drop.
	d.Enqueue(note("l1", core.PriorityLow))
	// A high entry evicts the oldest of the lowest non-empty priority.
	d.Enqueue(note("h1", core.PriorityHigh))

	stats := d.GetStats()
	assert.Equal(t, 3, stats["queued"])
	assert.Equal(t, uint64(2), stats["dropped_overflow"])

	for i := 0; i < 4; i++ {
		sink.gate <- struct{}{}
		if i < 3 {
			sink.awaitDelivery(t)
		}
	}
	require.Eventually(t, func() bool {
		return d.GetStats()["delivered"] == uint64(4)
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"plug", "h1", "n2", "n3"}, sink.ids())
}

func TestDispatcherDropsExpired(t *testing.T) {
	sink := newBlockingSink()
	d := New(sink, 16)
	defer d.Stop()

	now := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)
	d.SetClock(func() time.Time { return now })

	d.Enqueue(note("plug", core.PriorityLow))
	sink.awaitDelivery(t)

	stale := note("stale", core.PriorityLow)
	stale.ExpiresAt = now.Add(-time.Minute)
	d.Enqueue(stale)
	fresh := note("fresh", core.PriorityLow)
	fresh.ExpiresAt = now.Add(time.Hour)
	d.Enqueue(fresh)

	sink.gate <- struct{}{} // release the plug; stale is skipped silently
	sink.awaitDelivery(t)   // fresh reaches the sink
	sink.gate <- struct{}{}

	require.Eventually(t, func() bool {
		return d.GetStats()["dropped_expired"] == uint64(1)
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"plug", "fresh"}, sink.ids())
}

type offlineSink struct{}

func (offlineSink) Deliver(string, string, string, map[string]interface{}) bool { return false }

func TestDispatcherCountsOfflineDrops(t *testing.T) {
	d := New(offlineSink{}, 16)
	defer d.Stop()

	d.Enqueue(note("n1", core.PriorityNormal))
	require.Eventually(t, func() bool {
		return d.GetStats()["dropped_offline"] == uint64(1)
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, uint64(0), d.GetStats()["delivered"].(uint64))
}

type recordingSink struct {
	mu    sync.Mutex
	kinds []string
}

func (s *recordingSink) Deliver(tenantID, userID, kind string, payload map[string]interface{}) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kinds = append(s.kinds, kind)
	return true
}

func TestPushEventsBypassesQueue(t *testing.T) {
	sink := &recordingSink{}
	d := New(sink, 16)
	defer d.Stop()

	d.PushEvents("t1", "u1", []core.DerivedEvent{
		{Kind: "receipt_verified"},
		{Kind: "level_up"},
	})

	// PushEvents delivers synchronously on the caller's goroutine.
	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, []string{"receipt_verified", "level_up"}, sink.kinds)
}

func TestEnqueueNilIsIgnored(t *testing.T) {
	d := New(&recordingSink{}, 16)
	defer d.Stop()
	d.Enqueue(nil)
	assert.Equal(t, uint64(0), d.GetStats()["enqueued"].(uint64))
}
