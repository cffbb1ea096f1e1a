// Package persistence provides the shared key-value stores that every tab of a
// user reads and writes. A write to a store raises a change notification in
// every other tab watching the same backend, never in the writer itself.
package persistence

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned by Get when the key is absent.
	ErrNotFound = errors.New("shared store: key not found")
	// ErrUnavailable signals that the backend cannot serve requests.
	ErrUnavailable = errors.New("shared store: unavailable")
)

// Change describes a write observed from another tab. Value is nil for deletions.
type Change struct {
	Key    string
	Value  []byte
	Origin string
}

// Deleted reports whether the change removed the key.
func (c Change) Deleted() bool {
	return c.Value == nil
}

// ChangeHandler receives changes made by other tabs.
type ChangeHandler func(Change)

// Store is a shared key-value store scoped to one origin (tab).
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// Watch starts delivering changes made by other origins until ctx is done.
	// Changes are delivered one at a time in the order the backend reports them.
	Watch(ctx context.Context, handler ChangeHandler) error
	Ping(ctx context.Context) error
	Close() error
}

// notification is the wire shape used by backends that broadcast changes.
type notification struct {
	Key     string `json:"key"`
	Origin  string `json:"origin"`
	Value   []byte `json:"value,omitempty"`
	Deleted bool   `json:"deleted,omitempty"`
}

func (n notification) change() Change {
	c := Change{Key: n.Key, Origin: n.Origin}
	if !n.Deleted {
		c.Value = n.Value
		if c.Value == nil {
			c.Value = []byte{}
		}
	}
	return c
}
