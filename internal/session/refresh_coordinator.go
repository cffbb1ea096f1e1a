package session

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/spec-kit/journal-tracker/internal/domain"
	"github.com/spec-kit/journal-tracker/internal/observability"
	apperrors "github.com/spec-kit/journal-tracker/pkg/util"
)

const refreshKey = "refresh"

var errNoCredential = errors.New("no credential to refresh")

// Refresher performs the network refresh.
type Refresher interface {
	Refresh(ctx context.Context, token string) (*domain.Credential, error)
}

// RefreshFunc adapts a function to Refresher.
type RefreshFunc func(ctx context.Context, token string) (*domain.Credential, error)

func (f RefreshFunc) Refresh(ctx context.Context, token string) (*domain.Credential, error) {
	return f(ctx, token)
}

// RefreshCoordinator collapses concurrent refresh demands into one network call.
type RefreshCoordinator struct {
	store     *CredentialStore
	refresher Refresher
	timeout   time.Duration
	lead      time.Duration
	now       func() time.Time
	metrics   *observability.Metrics
	logger    *zap.Logger

	group    singleflight.Group
	inflight atomic.Bool
	waiters  atomic.Int64
}

// NewRefreshCoordinator builds a coordinator. timeout bounds each network refresh.
func NewRefreshCoordinator(store *CredentialStore, refresher Refresher, timeout, lead time.Duration, now func() time.Time, metrics *observability.Metrics, logger *zap.Logger) *RefreshCoordinator {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if now == nil {
		now = time.Now
	}
	return &RefreshCoordinator{
		store:     store,
		refresher: refresher,
		timeout:   timeout,
		lead:      lead,
		now:       now,
		metrics:   metrics,
		logger:    observability.OrNop(logger),
	}
}

// EnsureFresh returns a freshly refreshed credential. A call made while a
// refresh is running joins it and receives the same outcome.
func (c *RefreshCoordinator) EnsureFresh(ctx context.Context) (*domain.Credential, error) {
	leader := false
	ch := c.group.DoChan(refreshKey, func() (any, error) {
		leader = true
		return c.refresh()
	})
	c.waiters.Add(1)
	defer c.waiters.Add(-1)

	select {
	case res := <-ch:
		if !leader {
			c.metrics.DedupedRefresh()
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*domain.Credential), nil
	case <-ctx.Done():
		err := ctx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, apperrors.NewAuthError(apperrors.KindTimeout, "ensure fresh", 0, err)
		}
		return nil, fmt.Errorf("ensure fresh: %w", err)
	}
}

// RefreshIfExpiring refreshes only when a credential exists and expires within the lead time.
// It reports whether a refresh was attempted.
func (c *RefreshCoordinator) RefreshIfExpiring(ctx context.Context) (bool, error) {
	current := c.store.Current(ctx)
	if current == nil {
		return false, nil
	}
	if current.ExpiresAt.After(c.now().Add(c.lead)) {
		return false, nil
	}
	_, err := c.EnsureFresh(ctx)
	return true, err
}

// InFlight reports whether a network refresh is running.
func (c *RefreshCoordinator) InFlight() bool {
	return c.inflight.Load()
}

// Waiters is the number of callers currently blocked in EnsureFresh.
func (c *RefreshCoordinator) Waiters() int {
	return int(c.waiters.Load())
}

func (c *RefreshCoordinator) refresh() (*domain.Credential, error) {
	c.inflight.Store(true)
	defer c.inflight.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	lineage := c.store.Lineage()
	current := c.store.Current(ctx)
	if current == nil {
		c.metrics.RefreshSettled(false)
		return nil, apperrors.NewAuthError(apperrors.KindRefreshFailed, "refresh", 0, errNoCredential)
	}

	started := c.now()
	next, err := c.refresher.Refresh(ctx, current.Token)
	if err == nil {
		err = c.persist(next, lineage)
	}
	if errors.Is(err, ErrSuperseded) {
		// signed out while the call was running; the result belongs to nobody
		c.metrics.RefreshSettled(false)
		c.logger.Info("discarding refresh result after sign-out")
		return nil, asRefreshFailed(err)
	}
	if err != nil {
		c.metrics.RefreshSettled(false)
		c.logger.Warn("credential refresh failed", zap.Error(err))
		c.clear()
		return nil, asRefreshFailed(err)
	}

	c.metrics.RefreshSettled(true)
	c.logger.Debug("credential refreshed",
		zap.Time("expires_at", next.ExpiresAt),
		zap.Duration("took", c.now().Sub(started)))
	return next, nil
}

func (c *RefreshCoordinator) persist(next *domain.Credential, lineage uint64) error {
	ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
	defer cancel()
	return c.store.SetIfLineage(ctx, next, lineage)
}

func (c *RefreshCoordinator) clear() {
	ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
	defer cancel()
	c.store.Clear(ctx)
}

func asRefreshFailed(err error) error {
	if apperrors.IsKind(err, apperrors.KindRefreshFailed) {
		return err
	}
	status := 0
	var ae *apperrors.AuthError
	if errors.As(err, &ae) {
		status = ae.Status
	}
	return apperrors.NewAuthError(apperrors.KindRefreshFailed, "refresh", status, err)
}
