// Package notify buffers outbound notifications behind a bounded priority
// queue and pushes them to connected clients. Delivery is best-effort: the
// durable copy lives in the store, this path only feeds live sessions.
package notify

import (
	"log"
	"sync"

	"github.com/mallquest/backend/internal/core"
)

// DefaultQueueBound caps the in-flight queue when no override is configured.
const DefaultQueueBound = 1024

// Sink delivers a push message to a connected client. It reports false when
// the user has no live connection.
type Sink interface {
	Deliver(tenantID, userID, kind string, payload map[string]interface{}) bool
}

// Dispatcher implements the coordinator's notifier contract: a single worker
// drains the queue highest-priority first; under overflow the lowest
// priority, oldest entry is dropped.
type Dispatcher struct {
	mu     sync.Mutex
	queues [3][]*core.Notification // indexed by priority
	total  int
	bound  int

	sink   Sink
	clock  core.Clock
	logger *log.Logger

	wake     chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once

	enqueued        uint64
	delivered       uint64
	droppedOverflow uint64
	droppedOffline  uint64
	droppedExpired  uint64
}

// New builds a dispatcher and starts its worker. bound <= 0 selects the
// default.
func New(sink Sink, bound int) *Dispatcher {
	if bound <= 0 {
		bound = DefaultQueueBound
	}
	d := &Dispatcher{
		bound:  bound,
		sink:   sink,
		clock:  core.SystemClock,
		logger: log.New(log.Writer(), "[NOTIFY] ", log.LstdFlags),
		wake:   make(chan struct{}, 1),
		stopCh: make(chan struct{}),
	}
	go d.run()
	return d
}

// Enqueue queues one notification for push delivery.
func (d *Dispatcher) Enqueue(n *core.Notification) {
	if n == nil {
		return
	}
	p := int(n.Priority)
	if p < 0 || p > int(core.PriorityHigh) {
		p = int(core.PriorityNormal)
	}

	d.mu.Lock()
	if d.total >= d.bound {
		if !d.evictLocked(p) {
			d.droppedOverflow++
			d.mu.Unlock()
			return
		}
	}
	d.queues[p] = append(d.queues[p], n)
	d.total++
	d.enqueued++
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// PushEvents forwards derived events straight to the sink; they are
// transient and never queued.
func (d *Dispatcher) PushEvents(tenantID, userID string, events []core.DerivedEvent) {
	for _, ev := range events {
		d.sink.Deliver(tenantID, userID, ev.Kind, ev.Payload)
	}
}

// evictLocked frees one slot for an incoming entry at priority p. It drops
// the oldest entry of the lowest non-empty priority, but never one ranked
// above the newcomer; in that case the newcomer itself is the drop.
func (d *Dispatcher) evictLocked(p int) bool {
	for lower := 0; lower <= p; lower++ {
		if len(d.queues[lower]) == 0 {
			continue
		}
		d.queues[lower] = d.queues[lower][1:]
		d.total--
		d.droppedOverflow++
		return true
	}
	return false
}

func (d *Dispatcher) run() {
	for {
		n := d.pop()
		if n == nil {
			select {
			case <-d.wake:
				continue
			case <-d.stopCh:
				return
			}
		}

		if !n.ExpiresAt.IsZero() && d.clock().After(n.ExpiresAt) {
			d.mu.Lock()
			d.droppedExpired++
			d.mu.Unlock()
			continue
		}
		payload := map[string]interface{}{"id": n.ID, "kind": n.Kind}
		for k, v := range n.Payload {
			payload[k] = v
		}
		ok := d.sink.Deliver(n.TenantID, n.UserID, "notification", payload)
		d.mu.Lock()
		if ok {
			d.delivered++
		} else {
			d.droppedOffline++
		}
		d.mu.Unlock()
	}
}

// pop removes the highest-priority entry, or nil when idle.
func (d *Dispatcher) pop() *core.Notification {
	d.mu.Lock()
	defer d.mu.Unlock()
	for p := int(core.PriorityHigh); p >= 0; p-- {
		if len(d.queues[p]) == 0 {
			continue
		}
		n := d.queues[p][0]
		d.queues[p] = d.queues[p][1:]
		d.total--
		return n
	}
	return nil
}

// Stop halts the worker. Queued entries are abandoned; their durable rows
// remain readable.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
}

// GetStats reports queue depth and drop counters.
func (d *Dispatcher) GetStats() map[string]interface{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	return map[string]interface{}{
		"queued":           d.total,
		"bound":            d.bound,
		"enqueued":         d.enqueued,
		"delivered":        d.delivered,
		"dropped_overflow": d.droppedOverflow,
		"dropped_offline":  d.droppedOffline,
		"dropped_expired":  d.droppedExpired,
	}
}

// SetClock overrides time for tests.
func (d *Dispatcher) SetClock(clock core.Clock) { d.clock = clock }

