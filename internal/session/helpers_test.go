package session

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/spec-kit/journal-tracker/internal/domain"
	"github.com/spec-kit/journal-tracker/internal/events"
	"github.com/spec-kit/journal-tracker/internal/persistence"
	apperrors "github.com/spec-kit/journal-tracker/pkg/util"
)

var testUser = domain.User{ID: "u1", Username: "alice", Role: domain.RoleEditor}

func credential(token string, ttl time.Duration) *domain.Credential {
	now := time.Now()
	return &domain.Credential{Token: token, ExpiresAt: now.Add(ttl), IssuedAt: now, User: testUser}
}

// fakeAuth issues tokens t1, t2, ... and optionally blocks refreshes until released.
type fakeAuth struct {
	refreshCalls atomic.Int32
	logoutCalls  atomic.Int32
	seq          atomic.Int32

	mu      sync.Mutex
	block   chan struct{}
	failure error
	ttl     time.Duration
}

func newFakeAuth() *fakeAuth {
	return &fakeAuth{ttl: 10 * time.Minute}
}

func (f *fakeAuth) hold() chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.block = make(chan struct{})
	return f.block
}

func (f *fakeAuth) fail(err error) {
	f.mu.Lock()
	f.failure = err
	f.mu.Unlock()
}

func (f *fakeAuth) Login(_ context.Context, username, _ string) (*domain.Credential, error) {
	if username == "" {
		return nil, apperrors.NewAuthError(apperrors.KindCredentialInvalid, "login", 401, nil)
	}
	return f.issue(), nil
}

func (f *fakeAuth) Refresh(ctx context.Context, token string) (*domain.Credential, error) {
	f.refreshCalls.Add(1)
	f.mu.Lock()
	block, failure := f.block, f.failure
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, apperrors.NewAuthError(apperrors.KindTimeout, "refresh", 0, ctx.Err())
		}
	}
	if failure != nil {
		return nil, failure
	}
	if token == "" {
		return nil, errors.New("empty token")
	}
	return f.issue(), nil
}

func (f *fakeAuth) Logout(context.Context, string) error {
	f.logoutCalls.Add(1)
	return nil
}

func (f *fakeAuth) issue() *domain.Credential {
	n := f.seq.Add(1)
	return credential("t"+strconv.Itoa(int(n)), f.ttl)
}

func newTestManager(t *testing.T, store persistence.Store, auth AuthAPI, mutate ...func(*Options)) *Manager {
	t.Helper()
	opts := Options{
		Store:          store,
		Auth:           auth,
		SafetyMargin:   10 * time.Second,
		LeadTime:       60 * time.Second,
		RefreshTimeout: time.Second,
		CoalesceWindow: -1,
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	m, err := New(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

// recorder collects delivered events.
type recorder struct {
	mu     sync.Mutex
	events []events.SyncEvent
}

func record(m *Manager) *recorder {
	r := &recorder{}
	m.Subscribe(func(e events.SyncEvent) {
		r.mu.Lock()
		r.events = append(r.events, e)
		r.mu.Unlock()
	})
	return r
}

func (r *recorder) all() []events.SyncEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.SyncEvent(nil), r.events...)
}

func (r *recorder) types() []events.EventType {
	var out []events.EventType
	for _, e := range r.all() {
		out = append(out, e.Type)
	}
	return out
}

func (r *recorder) count() int {
	return len(r.all())
}

// brokenStore fails every call.
type brokenStore struct{}

func (brokenStore) Get(context.Context, string) ([]byte, error) { return nil, persistence.ErrUnavailable }
func (brokenStore) Set(context.Context, string, []byte) error  { return persistence.ErrUnavailable }
func (brokenStore) Delete(context.Context, string) error       { return persistence.ErrUnavailable }
func (brokenStore) Watch(context.Context, persistence.ChangeHandler) error {
	return persistence.ErrUnavailable
}
func (brokenStore) Ping(context.Context) error { return persistence.ErrUnavailable }
func (brokenStore) Close() error               { return nil }
