package events

import "sync"

// DefaultLogSize is the number of recent events kept for diagnostics.
const DefaultLogSize = 20

// Log is a bounded ring buffer of recently delivered events.
type Log struct {
	mu    sync.Mutex
	buf   []SyncEvent
	start int
	size  int
}

// NewLog creates a ring buffer holding at most capacity events.
func NewLog(capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultLogSize
	}
	return &Log{buf: make([]SyncEvent, capacity)}
}

// Append records event, overwriting the oldest entry once full.
func (l *Log) Append(event SyncEvent) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.size < len(l.buf) {
		l.buf[(l.start+l.size)%len(l.buf)] = event
		l.size++
		return
	}
	l.buf[l.start] = event
	l.start = (l.start + 1) % len(l.buf)
}

// Recent returns the recorded events, oldest first.
func (l *Log) Recent() []SyncEvent {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]SyncEvent, 0, l.size)
	for i := 0; i < l.size; i++ {
		out = append(out, l.buf[(l.start+i)%len(l.buf)])
	}
	return out
}
