// Package pipeline wraps outbound calls so they carry the session credential
// and recover from an expired one by refreshing and retrying exactly once.
package pipeline

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/spec-kit/journal-tracker/internal/domain"
	"github.com/spec-kit/journal-tracker/internal/observability"
	apperrors "github.com/spec-kit/journal-tracker/pkg/util"
)

// Session is the part of session.Manager the pipeline depends on.
type Session interface {
	ValidCredential() *domain.Credential
	CurrentCredential(ctx context.Context) *domain.Credential
	EnsureFresh(ctx context.Context) (*domain.Credential, error)
	Unauthenticated(err error)
}

// Attempt performs one call with bearer (empty for an unauthenticated call)
// and reports the HTTP-equivalent status of the result.
type Attempt[T any] func(ctx context.Context, bearer string) (T, int, error)

// Executor holds what every pipelined call shares.
type Executor struct {
	session Session
	metrics *observability.Metrics
	logger  *zap.Logger
}

// NewExecutor builds an executor over session.
func NewExecutor(session Session, metrics *observability.Metrics, logger *zap.Logger) *Executor {
	return &Executor{session: session, metrics: metrics, logger: observability.OrNop(logger)}
}

// call is the immutable state of one logical call. bearer, once set by a
// refresh, pins the credential the re-issued attempt carries.
type call struct {
	retries int
	bearer  string
}

func (c call) retried(bearer string) call {
	return call{retries: c.retries + 1, bearer: bearer}
}

// Execute runs attempt with the current credential. A 401 on a call made
// while a credential exists triggers one refresh and one re-issue; a second
// 401 is returned as CredentialInvalid. On error the value of the last
// attempt is returned alongside it.
func Execute[T any](ctx context.Context, e *Executor, attempt Attempt[T]) (T, error) {
	return execute(ctx, e, attempt, call{})
}

func execute[T any](ctx context.Context, e *Executor, attempt Attempt[T], c call) (T, error) {
	bearer := c.bearer
	if bearer == "" {
		if cred := e.session.ValidCredential(); cred != nil {
			bearer = cred.Token
		}
	}

	val, status, err := attempt(ctx, bearer)
	if err != nil {
		return val, classify("request", err)
	}

	switch status {
	case http.StatusUnauthorized:
		if bearer == "" && e.session.CurrentCredential(ctx) == nil {
			return val, apperrors.NewAuthError(apperrors.KindCredentialInvalid, "request", status, nil)
		}
		if c.retries > 0 {
			return val, apperrors.NewAuthError(apperrors.KindCredentialInvalid, "retry", status, nil)
		}
		e.metrics.Retry()
		fresh, err := e.session.EnsureFresh(ctx)
		if err != nil {
			if apperrors.IsKind(err, apperrors.KindRefreshFailed) {
				e.session.Unauthenticated(err)
			}
			return val, err
		}
		return execute(ctx, e, attempt, c.retried(fresh.Token))
	case http.StatusForbidden:
		return val, apperrors.NewAuthError(apperrors.KindPermissionDenied, "request", status, nil)
	}
	return val, nil
}

func classify(op string, err error) error {
	var ae *apperrors.AuthError
	if errors.As(err, &ae) {
		return err
	}
	if isTimeout(err) {
		return apperrors.NewAuthError(apperrors.KindTimeout, op, 0, err)
	}
	return apperrors.NewAuthError(apperrors.KindNetworkFailure, op, 0, err)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, fasthttp.ErrTimeout) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
