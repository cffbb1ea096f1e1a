package events

import (
	"slices"
	"sync"

	"go.uber.org/zap"
)

// EventHandler handles a delivered event.
type EventHandler func(SyncEvent)

// Unsubscribe removes a subscription. Calling it more than once is harmless.
type Unsubscribe func()

// Bus delivers events to subscribers in the order they were published.
//
// Delivery is synchronous for the publisher unless another goroutine is already
// draining the queue, in which case the event is handed to that drainer and
// still delivered in order. Handlers may publish from inside a handler.
type Bus struct {
	mu       sync.Mutex
	nextID   uint64
	subs     map[uint64]subscription
	queue    []SyncEvent
	draining bool
	log      *Log
	logger   *zap.Logger
}

type subscription struct {
	handler EventHandler
	types   map[EventType]struct{}
}

// NewBus creates a bus that records delivered events into log (may be nil).
func NewBus(log *Log) *Bus {
	return &Bus{subs: make(map[uint64]subscription), log: log, logger: zap.NewNop()}
}

// WithLogger sets the logger that records panicking handlers.
func (b *Bus) WithLogger(logger *zap.Logger) *Bus {
	if logger != nil {
		b.logger = logger
	}
	return b
}

// Subscribe registers handler for the given types, or for every type when none are given.
func (b *Bus) Subscribe(handler EventHandler, types ...EventType) Unsubscribe {
	sub := subscription{handler: handler}
	if len(types) > 0 {
		sub.types = make(map[EventType]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Publish enqueues event and drains the queue.
func (b *Bus) Publish(event SyncEvent) {
	b.Enqueue(event)
	b.Drain()
}

// Enqueue appends event without delivering it. Callers that need to order
// enqueues under their own lock call Drain after releasing it.
func (b *Bus) Enqueue(event SyncEvent) {
	b.mu.Lock()
	b.queue = append(b.queue, event)
	b.mu.Unlock()
}

// Drain delivers queued events until the queue is empty.
func (b *Bus) Drain() {
	b.mu.Lock()
	if b.draining {
		b.mu.Unlock()
		return
	}
	b.draining = true
	for len(b.queue) > 0 {
		event := b.queue[0]
		b.queue = b.queue[1:]
		handlers := b.matching(event.Type)
		b.mu.Unlock()

		b.log.Append(event)
		for _, handler := range handlers {
			b.deliver(handler, event)
		}

		b.mu.Lock()
	}
	b.draining = false
	b.mu.Unlock()
}

// deliver runs one handler. A panicking handler is logged and skipped so the
// drainer keeps going.
func (b *Bus) deliver(handler EventHandler, event SyncEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("event", string(event.Type)),
				zap.String("event_id", event.ID),
				zap.Any("panic", r))
		}
	}()
	handler(event)
}

// matching must be called with b.mu held.
func (b *Bus) matching(t EventType) []EventHandler {
	ids := make([]uint64, 0, len(b.subs))
	for id := range b.subs {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	handlers := make([]EventHandler, 0, len(ids))
	for _, id := range ids {
		sub := b.subs[id]
		if sub.types != nil {
			if _, ok := sub.types[t]; !ok {
				continue
			}
		}
		handlers = append(handlers, sub.handler)
	}
	return handlers
}
