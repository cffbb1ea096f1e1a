package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/journal-tracker/internal/domain"
	"github.com/spec-kit/journal-tracker/internal/observability"
	"github.com/spec-kit/journal-tracker/internal/persistence"
)

// storeOpTimeout bounds shared-store calls made on behalf of context-free readers.
const storeOpTimeout = 3 * time.Second

// ErrSuperseded is returned by SetIfLineage when the credential was cleared
// after the lineage was read.
var ErrSuperseded = errors.New("credential cleared since refresh started")

// CredentialStore owns the canonical credential. The shared store is the
// source of truth; the in-memory copy is a cache of it that remote
// notifications invalidate. No other component writes the shared store.
type CredentialStore struct {
	shared      persistence.Store
	key         string
	margin      time.Duration
	now         func() time.Time
	scheduler   *ExpiryScheduler
	broadcaster *Broadcaster
	metrics     *observability.Metrics
	logger      *zap.Logger

	// writeMu orders Set, Clear and remote apply so events are enqueued in write order.
	writeMu sync.Mutex

	mu       sync.RWMutex
	cache    *domain.Credential
	hydrated bool
	// stale is a cached credential already found expired in the shared store too.
	stale *domain.Credential

	// lineage is bumped under writeMu by every clear, local or remote.
	lineage atomic.Uint64

	degraded atomic.Bool
}

// CredentialStoreConfig carries the collaborators of a CredentialStore.
type CredentialStoreConfig struct {
	Shared       persistence.Store
	Key          string
	SafetyMargin time.Duration
	Clock        func() time.Time
	Scheduler    *ExpiryScheduler
	Broadcaster  *Broadcaster
	Metrics      *observability.Metrics
	Logger       *zap.Logger
}

// NewCredentialStore builds a store; it does not touch the shared store yet.
func NewCredentialStore(cfg CredentialStoreConfig) *CredentialStore {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Key == "" {
		cfg.Key = DefaultStoreKey
	}
	return &CredentialStore{
		shared:      cfg.Shared,
		key:         cfg.Key,
		margin:      cfg.SafetyMargin,
		now:         cfg.Clock,
		scheduler:   cfg.Scheduler,
		broadcaster: cfg.Broadcaster,
		metrics:     cfg.Metrics,
		logger:      observability.OrNop(cfg.Logger),
	}
}

// Get returns the cached credential while it is unexpired, and otherwise
// re-reads the shared store once. Known absence and an expiry already
// confirmed against the shared store are served from memory until a write
// or a remote notification replaces them. Expired credentials are never
// returned.
func (s *CredentialStore) Get() *domain.Credential {
	now := s.now()
	s.mu.RLock()
	cached, hydrated, stale := s.cache, s.hydrated, s.stale
	s.mu.RUnlock()

	if cached != nil && !cached.Expired(now) {
		s.metrics.CacheHit()
		return cached
	}
	s.metrics.CacheMiss()
	if hydrated && (cached == nil || cached == stale) {
		return nil
	}
	if cached != nil {
		s.metrics.Eviction()
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
	defer cancel()
	fresh, ok := s.readShared(ctx)

	s.mu.Lock()
	if s.cache == cached {
		if ok {
			s.cache = fresh
		}
		s.hydrated = true
	}
	current := s.cache
	if current != nil && current.Expired(now) {
		s.stale = current
	}
	s.mu.Unlock()

	if current == nil || current.Expired(now) {
		return nil
	}
	return current
}

// Current returns the credential even when expired; the refresh call needs it.
func (s *CredentialStore) Current(ctx context.Context) *domain.Credential {
	s.mu.RLock()
	cached, hydrated := s.cache, s.hydrated
	s.mu.RUnlock()
	if cached != nil || hydrated {
		return cached
	}
	return s.hydrate(ctx)
}

// IsValid reports whether a credential exists and outlives now + safety margin.
func (s *CredentialStore) IsValid() bool {
	return s.Get().Valid(s.now(), s.margin)
}

// Lineage identifies the current credential lineage. It changes whenever the
// credential is cleared.
func (s *CredentialStore) Lineage() uint64 {
	return s.lineage.Load()
}

// Set replaces the canonical credential and notifies local subscribers before returning.
func (s *CredentialStore) Set(ctx context.Context, cred *domain.Credential) error {
	return s.set(ctx, cred, nil)
}

// SetIfLineage is Set, refused with ErrSuperseded when the credential has
// been cleared since lineage was read.
func (s *CredentialStore) SetIfLineage(ctx context.Context, cred *domain.Credential, lineage uint64) error {
	return s.set(ctx, cred, &lineage)
}

func (s *CredentialStore) set(ctx context.Context, cred *domain.Credential, lineage *uint64) error {
	if cred == nil || cred.Token == "" || cred.ExpiresAt.IsZero() || cred.User.ID == "" {
		return domain.ErrIncompleteCredential
	}
	if cred.IssuedAt.IsZero() {
		stamped := *cred
		stamped.IssuedAt = s.now()
		cred = &stamped
	}
	data, err := domain.MarshalRecord(cred)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	if lineage != nil && *lineage != s.lineage.Load() {
		s.writeMu.Unlock()
		return ErrSuperseded
	}
	prev := s.Current(ctx)
	if err := s.shared.Set(ctx, s.key, data); err != nil {
		s.degrade("set", err)
	} else {
		s.recover()
	}

	s.mu.Lock()
	s.cache = cred
	s.hydrated = true
	s.mu.Unlock()

	s.scheduler.Arm(cred.ExpiresAt)
	s.broadcaster.Local(prev, cred)
	s.writeMu.Unlock()

	s.broadcaster.Drain()
	return nil
}

// Clear removes the canonical credential. Clearing an absent credential is a no-op.
func (s *CredentialStore) Clear(ctx context.Context) {
	s.writeMu.Lock()
	prev := s.Current(ctx)
	if prev == nil {
		s.writeMu.Unlock()
		return
	}
	s.lineage.Add(1)
	if err := s.shared.Delete(ctx, s.key); err != nil {
		s.degrade("delete", err)
	} else {
		s.recover()
	}

	s.mu.Lock()
	s.cache = nil
	s.hydrated = true
	s.mu.Unlock()

	s.scheduler.Disarm()
	s.broadcaster.Local(prev, nil)
	s.writeMu.Unlock()

	s.broadcaster.Drain()
}

// Degraded reports whether the last shared-store call failed, leaving this tab in-memory only.
func (s *CredentialStore) Degraded() bool {
	return s.degraded.Load()
}

// Owns reports whether key belongs to the logical credential record.
func (s *CredentialStore) Owns(key string) bool {
	return key == s.key || strings.HasPrefix(key, s.key+".") || strings.HasPrefix(key, s.key+":")
}

// applyRemote invalidates the cache with a change written by another tab.
func (s *CredentialStore) applyRemote(change persistence.Change) {
	if !s.Owns(change.Key) {
		return
	}

	var next *domain.Credential
	if !change.Deleted() {
		if change.Key != s.key {
			ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
			defer cancel()
			fresh, ok := s.readShared(ctx)
			if !ok {
				return
			}
			next = fresh
		} else {
			cred, err := domain.UnmarshalRecord(change.Value)
			if err != nil {
				s.logger.Warn("ignoring malformed remote credential", zap.String("origin", change.Origin), zap.Error(err))
				return
			}
			next = cred
		}
	} else if change.Key != s.key {
		// a sub-key vanished; the record itself may still be present
		ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
		defer cancel()
		fresh, ok := s.readShared(ctx)
		if !ok {
			return
		}
		next = fresh
	}

	s.writeMu.Lock()
	s.mu.Lock()
	prev := s.cache
	s.cache = next
	s.hydrated = true
	s.mu.Unlock()

	if prev != nil {
		s.metrics.Eviction()
	}
	if next == nil {
		if prev != nil {
			s.lineage.Add(1)
		}
		s.scheduler.Disarm()
	} else {
		s.scheduler.Arm(next.ExpiresAt)
	}
	s.broadcaster.Remote(prev, next)
	s.writeMu.Unlock()

	s.broadcaster.Drain()
}

// hydrate loads the shared record into an empty cache, arming the scheduler for it.
func (s *CredentialStore) hydrate(ctx context.Context) *domain.Credential {
	fresh, ok := s.readShared(ctx)
	s.mu.Lock()
	if !ok {
		// degraded: treat the record as absent until a write or notification arrives
		s.hydrated = true
		current := s.cache
		s.mu.Unlock()
		return current
	}
	if s.hydrated || s.cache != nil {
		current := s.cache
		s.mu.Unlock()
		return current
	}
	s.cache = fresh
	s.hydrated = true
	s.mu.Unlock()

	if fresh != nil {
		s.scheduler.Arm(fresh.ExpiresAt)
	}
	return fresh
}

// readShared reads the record. ok is false when the store could not answer.
func (s *CredentialStore) readShared(ctx context.Context) (*domain.Credential, bool) {
	data, err := s.shared.Get(ctx, s.key)
	if errors.Is(err, persistence.ErrNotFound) {
		s.recover()
		return nil, true
	}
	if err != nil {
		s.degrade("get", err)
		return nil, false
	}
	s.recover()

	cred, err := domain.UnmarshalRecord(data)
	if err != nil {
		s.logger.Warn("discarding unreadable credential record", zap.String("key", s.key), zap.Error(err))
		return nil, true
	}
	return cred, true
}

func (s *CredentialStore) degrade(op string, err error) {
	if !s.degraded.Swap(true) {
		s.logger.Warn("shared store unavailable; continuing in memory only",
			zap.String("op", op), zap.Error(err))
	}
}

func (s *CredentialStore) recover() {
	if s.degraded.Swap(false) {
		s.logger.Info("shared store reachable again")
	}
}
