package pipeline

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spec-kit/journal-tracker/internal/domain"
	"github.com/spec-kit/journal-tracker/internal/persistence"
	"github.com/spec-kit/journal-tracker/internal/session"
	apperrors "github.com/spec-kit/journal-tracker/pkg/util"
)

// stubAuth logs in with a short-lived token and refreshes to "fresh".
type stubAuth struct {
	loginTTL     time.Duration
	refreshTTL   time.Duration
	refreshes    atomic.Int32
	release      chan struct{}
	refreshError error
}

func (s *stubAuth) Login(context.Context, string, string) (*domain.Credential, error) {
	now := time.Now()
	return &domain.Credential{
		Token:     "stale",
		ExpiresAt: now.Add(s.loginTTL),
		IssuedAt:  now,
		User:      domain.User{ID: "u1", Username: "alice", Role: domain.RoleViewer},
	}, nil
}

func (s *stubAuth) Refresh(ctx context.Context, _ string) (*domain.Credential, error) {
	s.refreshes.Add(1)
	if s.release != nil {
		select {
		case <-s.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.refreshError != nil {
		return nil, s.refreshError
	}
	ttl := s.refreshTTL
	if ttl == 0 {
		ttl = time.Hour
	}
	now := time.Now()
	return &domain.Credential{
		Token:     "fresh",
		ExpiresAt: now.Add(ttl),
		IssuedAt:  now,
		User:      domain.User{ID: "u1", Username: "alice", Role: domain.RoleViewer},
	}, nil
}

func (s *stubAuth) Logout(context.Context, string) error { return nil }

func newSession(t *testing.T, auth *stubAuth) *session.Manager {
	t.Helper()
	m, err := session.New(context.Background(), session.Options{
		Store:          persistence.NewMemoryHub().Tab("tab"),
		Auth:           auth,
		SafetyMargin:   10 * time.Second,
		LeadTime:       time.Minute,
		RefreshTimeout: 2 * time.Second,
		CoalesceWindow: -1,
	})
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

// okWith answers 200 only for the given bearer.
func okWith(token string, calls *atomic.Int32) Attempt[string] {
	return func(_ context.Context, bearer string) (string, int, error) {
		calls.Add(1)
		if bearer == token {
			return "ok", http.StatusOK, nil
		}
		return "", http.StatusUnauthorized, nil
	}
}

func TestBurstInsideSafetyMarginRefreshesOnce(t *testing.T) {
	auth := &stubAuth{loginTTL: 5 * time.Second, release: make(chan struct{})}
	m := newSession(t, auth)
	_, err := m.Login(context.Background(), "alice", "pw")
	require.NoError(t, err)
	require.False(t, m.IsValid())

	exec := NewExecutor(m, m.Metrics(), nil)
	var calls atomic.Int32
	const burst = 5
	var wg sync.WaitGroup
	results := make([]string, burst)
	errs := make([]error, burst)
	for i := 0; i < burst; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = Execute(context.Background(), exec, okWith("fresh", &calls))
		}(i)
	}

	require.Eventually(t, func() bool { return m.RefreshWaiters() == burst }, 2*time.Second, time.Millisecond)
	close(auth.release)
	wg.Wait()

	for i := 0; i < burst; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "ok", results[i])
	}
	assert.EqualValues(t, 1, auth.refreshes.Load())
	assert.EqualValues(t, 2*burst, calls.Load())
	snap := m.Metrics().Snapshot()
	assert.EqualValues(t, burst-1, snap.DedupedRefreshes)
	assert.EqualValues(t, burst, snap.Retries)
}

func TestRetryIsBoundedToOne(t *testing.T) {
	auth := &stubAuth{loginTTL: time.Hour}
	m := newSession(t, auth)
	_, err := m.Login(context.Background(), "alice", "pw")
	require.NoError(t, err)

	var calls atomic.Int32
	_, err = Execute(context.Background(), NewExecutor(m, m.Metrics(), nil), okWith("never", &calls))
	assert.True(t, apperrors.IsKind(err, apperrors.KindCredentialInvalid), "got %v", err)
	assert.EqualValues(t, 2, calls.Load())
	assert.EqualValues(t, 1, auth.refreshes.Load())
	assert.EqualValues(t, 1, m.Metrics().Snapshot().Retries)
}

func TestRefreshFailureSignalsUnauthenticatedOnce(t *testing.T) {
	auth := &stubAuth{loginTTL: time.Hour, refreshError: errors.New("revoked")}
	m := newSession(t, auth)
	_, err := m.Login(context.Background(), "alice", "pw")
	require.NoError(t, err)
	var signals atomic.Int32
	m.OnUnauthenticated(func(error) { signals.Add(1) })

	var calls atomic.Int32
	_, err = Execute(context.Background(), NewExecutor(m, m.Metrics(), nil), okWith("fresh", &calls))
	assert.True(t, apperrors.IsKind(err, apperrors.KindRefreshFailed))
	assert.EqualValues(t, 1, signals.Load())
	assert.EqualValues(t, 1, calls.Load())
	assert.Nil(t, m.Credential())
}

func TestForbiddenNeverRefreshes(t *testing.T) {
	auth := &stubAuth{loginTTL: time.Hour}
	m := newSession(t, auth)
	_, err := m.Login(context.Background(), "alice", "pw")
	require.NoError(t, err)

	_, err = Execute(context.Background(), NewExecutor(m, m.Metrics(), nil), func(_ context.Context, bearer string) (string, int, error) {
		assert.Equal(t, "stale", bearer)
		return "", http.StatusForbidden, nil
	})
	assert.True(t, apperrors.IsKind(err, apperrors.KindPermissionDenied))
	assert.Zero(t, auth.refreshes.Load())
}

func TestUnauthenticatedCallWithoutCredential(t *testing.T) {
	auth := &stubAuth{loginTTL: time.Hour}
	m := newSession(t, auth)
	exec := NewExecutor(m, m.Metrics(), nil)

	val, err := Execute(context.Background(), exec, func(_ context.Context, bearer string) (string, int, error) {
		assert.Empty(t, bearer)
		return "public", http.StatusOK, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "public", val)

	var calls atomic.Int32
	_, err = Execute(context.Background(), exec, okWith("fresh", &calls))
	assert.True(t, apperrors.IsKind(err, apperrors.KindCredentialInvalid))
	assert.Zero(t, auth.refreshes.Load())
}

func TestTransportErrorsAreClassified(t *testing.T) {
	m := newSession(t, &stubAuth{loginTTL: time.Hour})
	exec := NewExecutor(m, m.Metrics(), nil)

	_, err := Execute(context.Background(), exec, func(context.Context, string) (string, int, error) {
		return "", 0, context.DeadlineExceeded
	})
	assert.True(t, apperrors.IsKind(err, apperrors.KindTimeout))

	_, err = Execute(context.Background(), exec, func(context.Context, string) (string, int, error) {
		return "", 0, errors.New("connection refused")
	})
	assert.True(t, apperrors.IsKind(err, apperrors.KindNetworkFailure))
}

func TestRetryCarriesRefreshedCredential(t *testing.T) {
	auth := &stubAuth{loginTTL: 5 * time.Second, refreshTTL: 5 * time.Second}
	m := newSession(t, auth)
	_, err := m.Login(context.Background(), "alice", "pw")
	require.NoError(t, err)

	exec := NewExecutor(m, m.Metrics(), nil)
	var bearers []string
	val, err := Execute(context.Background(), exec, func(_ context.Context, bearer string) (string, int, error) {
		bearers = append(bearers, bearer)
		if bearer == "fresh" {
			return "ok", http.StatusOK, nil
		}
		return "", http.StatusUnauthorized, nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", val)
	assert.Equal(t, []string{"", "fresh"}, bearers)
	assert.False(t, m.IsValid(), "refreshed credential is still inside the safety margin")
	assert.EqualValues(t, 1, auth.refreshes.Load())
}
