// Package session manages the lifetime of the access credential shared by every
// tab of a user: caching, expiry scheduling, single-flight refresh and
// cross-tab change events.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spec-kit/journal-tracker/internal/domain"
	"github.com/spec-kit/journal-tracker/internal/events"
	"github.com/spec-kit/journal-tracker/internal/observability"
	"github.com/spec-kit/journal-tracker/internal/persistence"
)

// DefaultStoreKey is the shared-store key of the credential record.
const DefaultStoreKey = "auth_session"

// Default timings.
const (
	DefaultSafetyMargin   = 30 * time.Second
	DefaultLeadTime       = 60 * time.Second
	DefaultRefreshTimeout = 10 * time.Second
	DefaultCoalesceWindow = 50 * time.Millisecond
	logoutTimeout         = 5 * time.Second
)

// AuthAPI is the upstream authentication surface.
type AuthAPI interface {
	Login(ctx context.Context, username, password string) (*domain.Credential, error)
	Refresh(ctx context.Context, token string) (*domain.Credential, error)
	Logout(ctx context.Context, token string) error
}

// Options configures a Manager. Store and Auth are required.
type Options struct {
	Store          persistence.Store
	Auth           AuthAPI
	TabID          string
	Key            string
	SafetyMargin   time.Duration
	LeadTime       time.Duration
	RefreshTimeout time.Duration
	// CoalesceWindow of zero selects the default; a negative value disables coalescing.
	CoalesceWindow time.Duration
	Metrics        *observability.Metrics
	Logger         *zap.Logger
	Clock          func() time.Time
}

// UnauthenticatedFunc is told once per logical action that the user must sign in again.
type UnauthenticatedFunc func(err error)

// Manager is one tab's view of the shared session.
type Manager struct {
	tabID       string
	auth        AuthAPI
	shared      persistence.Store
	store       *CredentialStore
	coordinator *RefreshCoordinator
	scheduler   *ExpiryScheduler
	broadcaster *Broadcaster
	bus         *events.Bus
	log         *events.Log
	metrics     *observability.Metrics
	logger      *zap.Logger

	stopWatch context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once

	listenersMu sync.RWMutex
	listeners   map[uint64]UnauthenticatedFunc
	nextID      uint64
}

// New wires a Manager, starts watching the shared store and loads any credential already there.
func New(ctx context.Context, opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, errors.New("session: shared store is required")
	}
	if opts.Auth == nil {
		return nil, errors.New("session: auth api is required")
	}
	if opts.TabID == "" {
		opts.TabID = uuid.NewString()
	}
	if opts.Key == "" {
		opts.Key = DefaultStoreKey
	}
	if opts.SafetyMargin <= 0 {
		opts.SafetyMargin = DefaultSafetyMargin
	}
	if opts.LeadTime <= 0 {
		opts.LeadTime = DefaultLeadTime
	}
	if opts.RefreshTimeout <= 0 {
		opts.RefreshTimeout = DefaultRefreshTimeout
	}
	if opts.CoalesceWindow == 0 {
		opts.CoalesceWindow = DefaultCoalesceWindow
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.NewMetrics()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	logger := observability.OrNop(opts.Logger).With(zap.String("tab", opts.TabID))

	log := events.NewLog(events.DefaultLogSize)
	bus := events.NewBus(log).WithLogger(logger)
	scheduler := NewExpiryScheduler(opts.LeadTime, opts.Clock)
	broadcaster := NewBroadcaster(bus, opts.CoalesceWindow, opts.Clock)
	store := NewCredentialStore(CredentialStoreConfig{
		Shared:       opts.Store,
		Key:          opts.Key,
		SafetyMargin: opts.SafetyMargin,
		Clock:        opts.Clock,
		Scheduler:    scheduler,
		Broadcaster:  broadcaster,
		Metrics:      opts.Metrics,
		Logger:       logger,
	})
	coordinator := NewRefreshCoordinator(store, opts.Auth, opts.RefreshTimeout, opts.LeadTime, opts.Clock, opts.Metrics, logger)

	m := &Manager{
		tabID:       opts.TabID,
		auth:        opts.Auth,
		shared:      opts.Store,
		store:       store,
		coordinator: coordinator,
		scheduler:   scheduler,
		broadcaster: broadcaster,
		bus:         bus,
		log:         log,
		metrics:     opts.Metrics,
		logger:      logger,
		listeners:   make(map[uint64]UnauthenticatedFunc),
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	m.stopWatch = cancel
	if err := opts.Store.Watch(watchCtx, store.applyRemote); err != nil {
		store.degrade("watch", err)
	}

	if cred := store.Current(ctx); cred != nil {
		logger.Info("resumed shared session", zap.String("user", cred.User.Username), zap.Time("expires_at", cred.ExpiresAt))
	}
	return m, nil
}

// Login authenticates against the upstream and stores the resulting credential.
func (m *Manager) Login(ctx context.Context, username, password string) (*domain.Credential, error) {
	cred, err := m.auth.Login(ctx, username, password)
	if err != nil {
		return nil, err
	}
	if err := m.store.Set(ctx, cred); err != nil {
		return nil, err
	}
	m.logger.Info("signed in", zap.String("user", cred.User.Username))
	return cred, nil
}

// Logout clears the credential in every tab and notifies the upstream in the background.
func (m *Manager) Logout(ctx context.Context) {
	cred := m.store.Current(ctx)
	m.store.Clear(ctx)
	if cred == nil {
		return
	}

	m.wg.Add(1)
	go func(token string) {
		defer m.wg.Done()
		logoutCtx, cancel := context.WithTimeout(context.Background(), logoutTimeout)
		defer cancel()
		if err := m.auth.Logout(logoutCtx, token); err != nil {
			m.logger.Warn("upstream logout failed", zap.Error(err))
		}
	}(cred.Token)
}

// UpdateUser replaces the user snapshot of the current credential.
func (m *Manager) UpdateUser(ctx context.Context, user domain.User) error {
	cred := m.store.Current(ctx)
	if cred == nil {
		return errNoCredential
	}
	return m.store.Set(ctx, cred.WithUser(user))
}

// ValidCredential returns the credential when it outlives the safety margin, else nil.
func (m *Manager) ValidCredential() *domain.Credential {
	cred := m.store.Get()
	if !cred.Valid(m.store.now(), m.store.margin) {
		return nil
	}
	return cred
}

// CurrentCredential returns the stored credential even when it has expired.
func (m *Manager) CurrentCredential(ctx context.Context) *domain.Credential {
	return m.store.Current(ctx)
}

// Credential returns the unexpired credential or nil.
func (m *Manager) Credential() *domain.Credential {
	return m.store.Get()
}

// IsValid reports whether the credential outlives the safety margin.
func (m *Manager) IsValid() bool {
	return m.store.IsValid()
}

// EnsureFresh refreshes the credential, joining a refresh already in flight.
func (m *Manager) EnsureFresh(ctx context.Context) (*domain.Credential, error) {
	return m.coordinator.EnsureFresh(ctx)
}

// RefreshIfExpiring refreshes only when the credential is inside the lead time.
func (m *Manager) RefreshIfExpiring(ctx context.Context) (bool, error) {
	return m.coordinator.RefreshIfExpiring(ctx)
}

// RefreshInFlight reports whether a network refresh is running.
func (m *Manager) RefreshInFlight() bool {
	return m.coordinator.InFlight()
}

// RefreshWaiters is the number of callers blocked on a refresh.
func (m *Manager) RefreshWaiters() int {
	return m.coordinator.Waiters()
}

// Subscribe registers handler for the given event types, or all of them.
// Handlers run on the publishing goroutine and must not block on EnsureFresh.
func (m *Manager) Subscribe(handler events.EventHandler, types ...events.EventType) events.Unsubscribe {
	return m.bus.Subscribe(handler, types...)
}

// RecentEvents returns the most recently delivered events, oldest first.
func (m *Manager) RecentEvents() []events.SyncEvent {
	return m.log.Recent()
}

// Metrics exposes the counters this manager records into.
func (m *Manager) Metrics() *observability.Metrics {
	return m.metrics
}

// ExpiringSoon receives a value when the credential enters its lead time.
func (m *Manager) ExpiringSoon() <-chan struct{} {
	return m.scheduler.Signals()
}

// SchedulerState reports the expiry scheduler's state.
func (m *Manager) SchedulerState() SchedulerState {
	return m.scheduler.State()
}

// TabID identifies this tab in the shared store.
func (m *Manager) TabID() string {
	return m.tabID
}

// Degraded reports whether the shared store has been failing.
func (m *Manager) Degraded() bool {
	return m.store.Degraded()
}

// Ping checks the shared store.
func (m *Manager) Ping(ctx context.Context) error {
	return m.shared.Ping(ctx)
}

// OnUnauthenticated registers fn for sign-in-required signals.
func (m *Manager) OnUnauthenticated(fn UnauthenticatedFunc) events.Unsubscribe {
	m.listenersMu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.listenersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.listenersMu.Lock()
			delete(m.listeners, id)
			m.listenersMu.Unlock()
		})
	}
}

// Unauthenticated tells every registered listener that the user must sign in again.
func (m *Manager) Unauthenticated(err error) {
	m.listenersMu.RLock()
	fns := make([]UnauthenticatedFunc, 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.listenersMu.RUnlock()

	m.logger.Info("session requires sign in", zap.Error(err))
	for _, fn := range fns {
		fn(err)
	}
}

// Close stops watching and timers, flushes pending events and waits for
// background logout calls. The shared store is left open for its owner.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.stopWatch()
		m.scheduler.Stop()
		m.broadcaster.Close()
		m.wg.Wait()
	})
}
