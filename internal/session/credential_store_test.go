package session

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spec-kit/journal-tracker/internal/domain"
	"github.com/spec-kit/journal-tracker/internal/events"
	"github.com/spec-kit/journal-tracker/internal/persistence"
)

func TestValidityHonoursSafetyMargin(t *testing.T) {
	m := newTestManager(t, persistence.NewMemoryHub().Tab("a"), newFakeAuth())
	require.NoError(t, m.store.Set(context.Background(), credential("near", 5*time.Second)))

	assert.False(t, m.IsValid())
	assert.Nil(t, m.ValidCredential())
	require.NotNil(t, m.Credential())
	assert.Equal(t, "near", m.Credential().Token)
}

func TestExpiredCredentialIsEvicted(t *testing.T) {
	m := newTestManager(t, persistence.NewMemoryHub().Tab("a"), newFakeAuth())
	ctx := context.Background()
	require.NoError(t, m.store.Set(ctx, credential("gone", -time.Second)))

	assert.Nil(t, m.Credential())
	snap := m.Metrics().Snapshot()
	assert.EqualValues(t, 1, snap.Evictions)
	assert.EqualValues(t, 1, snap.CacheMisses)
	require.NotNil(t, m.store.Current(ctx), "raw credential stays readable for refresh")
}

func TestCacheHitsAndMisses(t *testing.T) {
	hub := persistence.NewMemoryHub()
	seed := hub.Tab("seed")
	data, err := domain.MarshalRecord(credential("t0", time.Hour))
	require.NoError(t, err)
	require.NoError(t, seed.Set(context.Background(), DefaultStoreKey, data))

	m := newTestManager(t, hub.Tab("a"), newFakeAuth())
	require.NotNil(t, m.Credential())
	require.NotNil(t, m.Credential())

	snap := m.Metrics().Snapshot()
	assert.EqualValues(t, 2, snap.CacheHits, "hydrated at startup")
	assert.Zero(t, snap.CacheMisses)
	assert.Equal(t, StateArmed, m.SchedulerState())
}

func TestSetEventClassification(t *testing.T) {
	m := newTestManager(t, persistence.NewMemoryHub().Tab("a"), newFakeAuth())
	rec := record(m)
	ctx := context.Background()

	first := credential("t0", time.Hour)
	require.NoError(t, m.store.Set(ctx, first))
	require.NoError(t, m.store.Set(ctx, credential("t1", time.Hour)))
	require.NoError(t, m.UpdateUser(ctx, domain.User{ID: "u1", Username: "alice", Role: domain.RoleAdmin}))
	require.NoError(t, m.UpdateUser(ctx, domain.User{ID: "u1", Username: "alice", Role: domain.RoleAdmin}))

	assert.Equal(t, []events.EventType{
		events.EventCredentialSet,
		events.EventCredentialRefreshed,
		events.EventUserUpdated,
	}, rec.types())
	for _, e := range rec.all() {
		assert.Equal(t, events.OriginLocal, e.OriginTab)
		assert.NotEmpty(t, e.ID)
	}
	assert.Len(t, m.RecentEvents(), 3)
}

func TestSetRejectsIncompleteCredential(t *testing.T) {
	m := newTestManager(t, persistence.NewMemoryHub().Tab("a"), newFakeAuth())
	err := m.store.Set(context.Background(), &domain.Credential{Token: "x"})
	assert.ErrorIs(t, err, domain.ErrIncompleteCredential)
}

func TestClearIsIdempotent(t *testing.T) {
	auth := newFakeAuth()
	m := newTestManager(t, persistence.NewMemoryHub().Tab("a"), auth)
	ctx := context.Background()
	_, err := m.Login(ctx, "alice", "pw")
	require.NoError(t, err)
	rec := record(m)

	m.Logout(ctx)
	m.Logout(ctx)
	m.Close()

	assert.Equal(t, []events.EventType{events.EventCredentialCleared}, rec.types())
	assert.EqualValues(t, 1, auth.logoutCalls.Load())
	assert.Nil(t, m.Credential())
	assert.Equal(t, StateIdle, m.SchedulerState())
}

func TestReentrantHandlerDoesNotDeadlock(t *testing.T) {
	m := newTestManager(t, persistence.NewMemoryHub().Tab("a"), newFakeAuth())
	ctx := context.Background()
	var seen []events.EventType
	m.Subscribe(func(e events.SyncEvent) {
		seen = append(seen, e.Type)
		if e.Type == events.EventCredentialSet {
			m.Logout(ctx)
		}
	})

	_, err := m.Login(ctx, "alice", "pw")
	require.NoError(t, err)
	assert.Equal(t, []events.EventType{events.EventCredentialSet, events.EventCredentialCleared}, seen)
}

func TestDegradedStoreKeepsWorkingInMemory(t *testing.T) {
	m := newTestManager(t, brokenStore{}, newFakeAuth())
	ctx := context.Background()

	cred, err := m.Login(ctx, "alice", "pw")
	require.NoError(t, err)
	assert.True(t, m.Degraded())
	assert.Equal(t, cred.Token, m.Credential().Token)
	assert.True(t, m.IsValid())

	m.Logout(ctx)
	assert.Nil(t, m.Credential())
}

func TestLoginFailureLeavesStoreEmpty(t *testing.T) {
	m := newTestManager(t, persistence.NewMemoryHub().Tab("a"), newFakeAuth())
	rec := record(m)

	_, err := m.Login(context.Background(), "", "pw")
	require.Error(t, err)
	assert.Nil(t, m.Credential())
	assert.Zero(t, rec.count())
}

// countingStore counts shared-store reads.
type countingStore struct {
	persistence.Store
	gets atomic.Int32
}

func (c *countingStore) Get(ctx context.Context, key string) ([]byte, error) {
	c.gets.Add(1)
	return c.Store.Get(ctx, key)
}

func TestAbsenceIsReadOnce(t *testing.T) {
	store := &countingStore{Store: persistence.NewMemoryHub().Tab("a")}
	m := newTestManager(t, store, newFakeAuth())
	base := store.gets.Load()

	for i := 0; i < 5; i++ {
		assert.False(t, m.IsValid())
	}
	assert.Equal(t, base, store.gets.Load())
	assert.EqualValues(t, 5, m.Metrics().Snapshot().CacheMisses)
}

func TestConfirmedExpiryIsNotReread(t *testing.T) {
	store := &countingStore{Store: persistence.NewMemoryHub().Tab("a")}
	m := newTestManager(t, store, newFakeAuth())
	ctx := context.Background()
	require.NoError(t, m.store.Set(ctx, credential("gone", -time.Second)))
	base := store.gets.Load()

	for i := 0; i < 3; i++ {
		assert.Nil(t, m.Credential())
	}
	assert.Equal(t, base+1, store.gets.Load())
	assert.EqualValues(t, 1, m.Metrics().Snapshot().Evictions)
	require.NotNil(t, m.store.Current(ctx))
}

func TestDegradedStoreIsNotRetriedPerRead(t *testing.T) {
	store := &countingStore{Store: brokenStore{}}
	m := newTestManager(t, store, newFakeAuth())
	base := store.gets.Load()

	for i := 0; i < 5; i++ {
		assert.Nil(t, m.Credential())
	}
	assert.Equal(t, base, store.gets.Load())
	assert.True(t, m.Degraded())
}

func TestRemoteChangeReplacesCachedAbsence(t *testing.T) {
	hub := persistence.NewMemoryHub()
	a := newTestManager(t, hub.Tab("a"), newFakeAuth())
	b := newTestManager(t, hub.Tab("b"), newFakeAuth())
	require.Nil(t, b.Credential())

	_, err := a.Login(context.Background(), "alice", "pw")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return b.Credential() != nil }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, a.Credential().Token, b.Credential().Token)
}
