package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/spec-kit/journal-tracker/internal/domain"
	"github.com/spec-kit/journal-tracker/internal/events"
)

// Broadcaster turns local mutations and remote store notifications into
// SyncEvents on a Bus.
//
// Remote notifications that arrive within window of each other and keep the
// credential's presence unchanged are merged into one event, classified from
// the first previous state to the last next state. A notification that flips
// presence, or any local event, flushes the pending burst first.
type Broadcaster struct {
	bus    *events.Bus
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	pending *burst
	timer   *time.Timer
	gen     uint64
	closed  bool
}

type burst struct {
	prev, next *domain.Credential
}

// NewBroadcaster publishes onto bus. window of zero disables coalescing.
func NewBroadcaster(bus *events.Bus, window time.Duration, now func() time.Time) *Broadcaster {
	if now == nil {
		now = time.Now
	}
	return &Broadcaster{bus: bus, window: window, now: now}
}

// Local enqueues the event for a mutation made by this tab. The caller drains.
func (b *Broadcaster) Local(prev, next *domain.Credential) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flushLocked()
	b.enqueueLocked(prev, next, events.OriginLocal)
}

// Remote records a change observed from another tab.
func (b *Broadcaster) Remote(prev, next *domain.Credential) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	if b.window <= 0 {
		b.enqueueLocked(prev, next, events.OriginRemote)
		return
	}

	if b.pending != nil && (b.pending.next == nil) != (next == nil) {
		b.flushLocked()
	}
	if b.pending != nil {
		b.pending.next = next
		return
	}

	b.pending = &burst{prev: prev, next: next}
	gen := b.gen
	b.timer = time.AfterFunc(b.window, func() {
		b.mu.Lock()
		if gen == b.gen {
			b.flushLocked()
		}
		b.mu.Unlock()
		b.bus.Drain()
	})
}

// Drain delivers everything enqueued so far.
func (b *Broadcaster) Drain() {
	b.bus.Drain()
}

// Close flushes the pending burst and stops the coalescing timer.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	b.flushLocked()
	b.closed = true
	b.mu.Unlock()
	b.bus.Drain()
}

func (b *Broadcaster) flushLocked() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.gen++
	if b.pending == nil {
		return
	}
	p := b.pending
	b.pending = nil
	b.enqueueLocked(p.prev, p.next, events.OriginRemote)
}

func (b *Broadcaster) enqueueLocked(prev, next *domain.Credential, origin events.Origin) {
	eventType, ok := events.Classify(prev, next)
	if !ok {
		return
	}
	b.bus.Enqueue(events.SyncEvent{
		ID:        uuid.NewString(),
		Type:      eventType,
		OriginTab: origin,
		Timestamp: b.now(),
		Data:      events.PayloadFor(next),
	})
}
