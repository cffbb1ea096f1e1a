package worker

import (
	"context"

	"go.uber.org/zap"

	"github.com/spec-kit/journal-tracker/internal/observability"
	apperrors "github.com/spec-kit/journal-tracker/pkg/util"
)

// Session is what the pre-refresher drives.
type Session interface {
	ExpiringSoon() <-chan struct{}
	RefreshIfExpiring(ctx context.Context) (bool, error)
	Unauthenticated(err error)
}

// PreRefresher rotates the credential when the expiry scheduler fires, so
// idle tabs do not wait for a rejected request to refresh.
type PreRefresher struct {
	session Session
	logger  *zap.Logger
	done    chan struct{}
}

// StartPreRefresher consumes expiring-soon signals until ctx is done.
func StartPreRefresher(ctx context.Context, session Session, logger *zap.Logger) *PreRefresher {
	p := &PreRefresher{
		session: session,
		logger:  observability.OrNop(logger).Named("pre_refresher"),
		done:    make(chan struct{}),
	}
	if session == nil {
		close(p.done)
		return p
	}
	go p.run(ctx)
	return p
}

// Done is closed once the worker has stopped.
func (p *PreRefresher) Done() <-chan struct{} {
	return p.done
}

func (p *PreRefresher) run(ctx context.Context) {
	defer close(p.done)
	signals := p.session.ExpiringSoon()
	for {
		select {
		case <-ctx.Done():
			return
		case <-signals:
			p.handle(ctx)
		}
	}
}

func (p *PreRefresher) handle(ctx context.Context) {
	attempted, err := p.session.RefreshIfExpiring(ctx)
	switch {
	case err != nil && apperrors.IsKind(err, apperrors.KindRefreshFailed):
		p.logger.Warn("pre-emptive refresh failed", zap.Error(err))
		p.session.Unauthenticated(err)
	case err != nil:
		p.logger.Debug("pre-emptive refresh interrupted", zap.Error(err))
	case attempted:
		p.logger.Debug("credential rotated ahead of expiry")
	default:
		p.logger.Debug("expiry signal skipped; credential already fresh or absent")
	}
}
