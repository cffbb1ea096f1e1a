package persistence

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/spec-kit/journal-tracker/internal/config"
)

// recorder collects changes delivered to a watcher.
type recorder struct {
	mu      sync.Mutex
	changes []Change
}

func (r *recorder) handle(c Change) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
}

func (r *recorder) snapshot() []Change {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Change(nil), r.changes...)
}

// exerciseCrossTab checks the shared-store contract on two views of one backend.
func exerciseCrossTab(t *testing.T, tabA, tabB Store) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var seenA, seenB recorder
	require.NoError(t, tabA.Watch(ctx, seenA.handle))
	require.NoError(t, tabB.Watch(ctx, seenB.handle))

	require.NoError(t, tabA.Set(ctx, "auth_session", []byte(`{"token":"a"}`)))

	require.Eventually(t, func() bool { return len(seenB.snapshot()) == 1 }, 3*time.Second, 10*time.Millisecond)
	got := seenB.snapshot()[0]
	assert.Equal(t, "auth_session", got.Key)
	assert.JSONEq(t, `{"token":"a"}`, string(got.Value))
	assert.False(t, got.Deleted())

	val, err := tabB.Get(ctx, "auth_session")
	require.NoError(t, err)
	assert.JSONEq(t, `{"token":"a"}`, string(val))

	require.NoError(t, tabA.Delete(ctx, "auth_session"))
	require.Eventually(t, func() bool { return len(seenB.snapshot()) == 2 }, 3*time.Second, 10*time.Millisecond)
	assert.True(t, seenB.snapshot()[1].Deleted())

	_, err = tabB.Get(ctx, "auth_session")
	assert.ErrorIs(t, err, ErrNotFound)

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, seenA.snapshot(), "writer must not observe its own changes")
}

func TestMemoryStoreCrossTab(t *testing.T) {
	hub := NewMemoryHub()
	exerciseCrossTab(t, hub.Tab("a"), hub.Tab("b"))
}

func TestMemoryStoreDeleteMissingIsSilent(t *testing.T) {
	hub := NewMemoryHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var seen recorder
	require.NoError(t, hub.Tab("b").Watch(ctx, seen.handle))
	require.NoError(t, hub.Tab("a").Delete(ctx, "auth_session"))

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, seen.snapshot())
}

func TestMemoryStorePreservesWriteOrder(t *testing.T) {
	hub := NewMemoryHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var seen recorder
	require.NoError(t, hub.Tab("b").Watch(ctx, seen.handle))
	writer := hub.Tab("a")
	for _, v := range []string{"1", "2", "3"} {
		require.NoError(t, writer.Set(ctx, "k", []byte(v)))
	}

	require.Eventually(t, func() bool { return len(seen.snapshot()) == 3 }, time.Second, 5*time.Millisecond)
	got := seen.snapshot()
	assert.Equal(t, "1", string(got[0].Value))
	assert.Equal(t, "3", string(got[2].Value))
}

func TestFileStoreCrossTab(t *testing.T) {
	dir := t.TempDir()
	tabA, err := NewFileStore(dir, "a", zap.NewNop())
	require.NoError(t, err)
	tabB, err := NewFileStore(dir, "b", zap.NewNop())
	require.NoError(t, err)

	exerciseCrossTab(t, tabA, tabB)
	require.NoError(t, tabA.Ping(context.Background()))
}

func TestRedisStoreCrossTab(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	cfg := config.RedisConfig{Addr: addr}
	ns := fmt.Sprintf("test_%d", time.Now().UnixNano())
	tabA := NewRedisStore(NewRedisClient(cfg, zap.NewNop()), ns, "a", zap.NewNop())
	tabB := NewRedisStore(NewRedisClient(cfg, zap.NewNop()), ns, "b", zap.NewNop())
	defer tabA.Close()
	defer tabB.Close()

	exerciseCrossTab(t, tabA, tabB)
}

func TestPostgresStoreCrossTab(t *testing.T) {
	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_DSN not set")
	}
	ctx := context.Background()
	pool, err := NewPostgresPool(ctx, config.PostgresConfig{DSN: dsn}, zap.NewNop())
	require.NoError(t, err)
	defer pool.Close()
	require.NoError(t, RunMigrations(ctx, pool, zap.NewNop()))

	ns := fmt.Sprintf("test_%d", time.Now().UnixNano())
	exerciseCrossTab(t,
		NewPostgresStore(pool, ns, "a", zap.NewNop()),
		NewPostgresStore(pool, ns, "b", zap.NewNop()))
}
