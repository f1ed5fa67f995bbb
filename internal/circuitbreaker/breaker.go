// Package circuitbreaker trips calls to a flaky dependency after repeated
// failures and probes for recovery on a cooldown. The cache uses it to stop
// hammering an unreachable Redis while the local tier keeps serving.
package circuitbreaker

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/mallquest/backend/internal/core"
)

// State is the breaker's position.
type State int

const (
	// Closed passes every call through.
	Closed State = iota
	// Open rejects calls until the cooldown elapses.
	Open
	// HalfOpen admits a bounded number of probe calls.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned instead of calling the dependency while the breaker
// is open.
var ErrOpen = errors.New("circuit open")

// Breaker counts consecutive failures. failureLimit of them trip it open;
// after cooldown it goes half-open and admits halfOpenMax probes. One probe
// success closes it, one probe failure reopens it.
type Breaker struct {
	name         string
	failureLimit int
	cooldown     time.Duration
	halfOpenMax  int
	clock        core.Clock
	logger       *log.Logger

	mu         sync.Mutex
	state      State
	fails      int
	probes     int
	openedAt   time.Time
	trips      uint64
	rejections uint64
}

// New builds a breaker. Non-positive arguments select the defaults: 5
// consecutive failures, 30s cooldown.
func New(name string, failureLimit int, cooldown time.Duration) *Breaker {
	if failureLimit <= 0 {
		failureLimit = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		name:         name,
		failureLimit: failureLimit,
		cooldown:     cooldown,
		halfOpenMax:  1,
		clock:        core.SystemClock,
		logger:       log.New(log.Writer(), "[BREAKER] ", log.LstdFlags),
	}
}

// SetClock overrides time for tests.
func (b *Breaker) SetClock(clock core.Clock) { b.clock = clock }

// Do runs fn unless the breaker is open. fn's error both propagates and
// feeds the failure count.
func (b *Breaker) Do(fn func() error) error {
	if err := b.admit(); err != nil {
		return err
	}
	err := fn()
	b.record(err == nil)
	return err
}

// State reports the current position, advancing open to half-open when the
// cooldown has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advanceLocked()
	return b.state
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advanceLocked()

	switch b.state {
	case Closed:
		return nil
	case HalfOpen:
		if b.probes >= b.halfOpenMax {
			b.rejections++
			return ErrOpen
		}
		b.probes++
		return nil
	default:
		b.rejections++
		return ErrOpen
	}
}

func (b *Breaker) record(ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ok {
		if b.state == HalfOpen {
			b.logger.Printf("%s recovered, closing", b.name)
		}
		b.state = Closed
		b.fails = 0
		b.probes = 0
		return
	}

	switch b.state {
	case HalfOpen:
		b.trip()
	case Closed:
		b.fails++
		if b.fails >= b.failureLimit {
			b.trip()
		}
	}
}

// trip moves to open. Caller holds the lock.
func (b *Breaker) trip() {
	b.state = Open
	b.fails = 0
	b.probes = 0
	b.openedAt = b.clock()
	b.trips++
	b.logger.Printf("%s tripped open for %s", b.name, b.cooldown)
}

// advanceLocked moves open to half-open once the cooldown has elapsed.
func (b *Breaker) advanceLocked() {
	if b.state == Open && b.clock().Sub(b.openedAt) >= b.cooldown {
		b.state = HalfOpen
		b.probes = 0
	}
}

// GetStats reports breaker counters.
func (b *Breaker) GetStats() map[string]interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advanceLocked()
	return map[string]interface{}{
		"name":       b.name,
		"state":      b.state.String(),
		"trips":      b.trips,
		"rejections": b.rejections,
	}
}
