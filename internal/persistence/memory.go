package persistence

import (
	"context"
	"sync"
)

// MemoryHub is an in-process shared store. Each Tab view behaves like a
// separate browser tab on the same origin.
type MemoryHub struct {
	mu       sync.Mutex
	data     map[string][]byte
	watchers map[*changeQueue]string
}

// NewMemoryHub creates an empty hub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{
		data:     make(map[string][]byte),
		watchers: make(map[*changeQueue]string),
	}
}

// Tab returns a Store view writing as origin.
func (h *MemoryHub) Tab(origin string) *MemoryStore {
	return &MemoryStore{hub: h, origin: origin}
}

// MemoryStore is one origin's view of a MemoryHub.
type MemoryStore struct {
	hub    *MemoryHub
	origin string
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	val, ok := s.hub.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), val...), nil
}

func (s *MemoryStore) Set(_ context.Context, key string, value []byte) error {
	stored := append([]byte{}, value...)
	s.hub.mu.Lock()
	s.hub.data[key] = stored
	s.notifyLocked(Change{Key: key, Value: append([]byte{}, stored...), Origin: s.origin})
	s.hub.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	if _, ok := s.hub.data[key]; !ok {
		return nil
	}
	delete(s.hub.data, key)
	s.notifyLocked(Change{Key: key, Origin: s.origin})
	return nil
}

// notifyLocked must be called with hub.mu held. Pushing under the hub lock
// keeps every watcher's queue in write order.
func (s *MemoryStore) notifyLocked(c Change) {
	for q, origin := range s.hub.watchers {
		if origin == s.origin {
			continue
		}
		q.push(c)
	}
}

func (s *MemoryStore) Watch(ctx context.Context, handler ChangeHandler) error {
	q := newChangeQueue()
	s.hub.mu.Lock()
	s.hub.watchers[q] = s.origin
	s.hub.mu.Unlock()

	go func() {
		q.run(ctx, handler)
		s.hub.mu.Lock()
		delete(s.hub.watchers, q)
		s.hub.mu.Unlock()
	}()
	return nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

// changeQueue is an unbounded FIFO drained by a single goroutine.
type changeQueue struct {
	mu     sync.Mutex
	items  []Change
	signal chan struct{}
}

func newChangeQueue() *changeQueue {
	return &changeQueue{signal: make(chan struct{}, 1)}
}

func (q *changeQueue) push(c Change) {
	q.mu.Lock()
	q.items = append(q.items, c)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *changeQueue) run(ctx context.Context, handler ChangeHandler) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.signal:
		}
		for {
			q.mu.Lock()
			if len(q.items) == 0 {
				q.mu.Unlock()
				break
			}
			c := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()

			if ctx.Err() != nil {
				return
			}
			handler(c)
		}
	}
}
