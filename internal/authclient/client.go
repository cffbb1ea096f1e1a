// Package authclient talks to the journal API's login, refresh and logout endpoints.
package authclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/spec-kit/journal-tracker/internal/api/dto"
	"github.com/spec-kit/journal-tracker/internal/auth"
	"github.com/spec-kit/journal-tracker/internal/domain"
	"github.com/spec-kit/journal-tracker/internal/observability"
	apperrors "github.com/spec-kit/journal-tracker/pkg/util"
)

const (
	loginPath   = "/auth/login"
	refreshPath = "/auth/refresh"
	logoutPath  = "/auth/logout"
)

// Client calls the upstream auth endpoints with Fiber's HTTP agent.
type Client struct {
	baseURL string
	timeout time.Duration
	now     func() time.Time
	logger  *zap.Logger
}

// New returns a client for baseURL. timeout bounds each call.
func New(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{baseURL: baseURL, timeout: timeout, now: time.Now, logger: observability.OrNop(logger)}
}

type envelope struct {
	Data  *dto.SessionPayload `json:"data"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Login exchanges username and password for a credential.
func (c *Client) Login(ctx context.Context, username, password string) (*domain.Credential, error) {
	agent := fiber.Post(c.baseURL + loginPath).JSON(dto.LoginRequest{Username: username, Password: password})
	return c.session(ctx, "login", agent, apperrors.KindCredentialInvalid)
}

// Refresh trades the current token for a new credential.
func (c *Client) Refresh(ctx context.Context, token string) (*domain.Credential, error) {
	if token == "" {
		return nil, apperrors.NewAuthError(apperrors.KindRefreshFailed, "refresh", 0, errors.New("no credential to refresh"))
	}
	agent := fiber.Post(c.baseURL + refreshPath).Set(fiber.HeaderAuthorization, "Bearer "+token)
	return c.session(ctx, "refresh", agent, apperrors.KindRefreshFailed)
}

// Logout tells the upstream the token is no longer in use. Failures are only logged by callers.
func (c *Client) Logout(ctx context.Context, token string) error {
	agent := fiber.Post(c.baseURL + logoutPath).Set(fiber.HeaderAuthorization, "Bearer "+token)
	timeout, err := c.budget(ctx, "logout")
	if err != nil {
		return err
	}
	code, _, errs := agent.Timeout(timeout).Bytes()
	if len(errs) > 0 {
		return c.transportError("logout", errs)
	}
	if code >= http.StatusBadRequest {
		return apperrors.NewAuthError(apperrors.KindNetworkFailure, "logout", code, nil)
	}
	return nil
}

func (c *Client) session(ctx context.Context, op string, agent *fiber.Agent, rejected apperrors.Kind) (*domain.Credential, error) {
	timeout, err := c.budget(ctx, op)
	if err != nil {
		return nil, err
	}

	code, body, errs := agent.Timeout(timeout).Bytes()
	if len(errs) > 0 {
		return nil, c.transportError(op, errs)
	}

	var env envelope
	decodeErr := json.Unmarshal(body, &env)

	switch {
	case code == http.StatusUnauthorized:
		return nil, apperrors.NewAuthError(rejected, op, code, upstreamMessage(env))
	case code == http.StatusForbidden:
		return nil, apperrors.NewAuthError(apperrors.KindPermissionDenied, op, code, upstreamMessage(env))
	case code >= http.StatusBadRequest:
		kind := apperrors.KindNetworkFailure
		if rejected == apperrors.KindRefreshFailed {
			kind = apperrors.KindRefreshFailed
		}
		return nil, apperrors.NewAuthError(kind, op, code, upstreamMessage(env))
	case decodeErr != nil:
		return nil, apperrors.NewAuthError(rejected, op, code, fmt.Errorf("decode response: %w", decodeErr))
	case env.Data == nil:
		return nil, apperrors.NewAuthError(rejected, op, code, errors.New("response missing data"))
	}

	cred, err := c.credential(*env.Data)
	if err != nil {
		return nil, apperrors.NewAuthError(rejected, op, code, err)
	}
	return cred, nil
}

// credential fills expiry and issue time from the token's claims when the payload omits them.
func (c *Client) credential(p dto.SessionPayload) (*domain.Credential, error) {
	if p.Token == "" {
		return nil, domain.ErrIncompleteCredential
	}
	cred := &domain.Credential{Token: p.Token, User: p.User}
	if p.ExpiresAt > 0 {
		cred.ExpiresAt = time.UnixMilli(p.ExpiresAt)
	}
	if p.IssuedAt > 0 {
		cred.IssuedAt = time.UnixMilli(p.IssuedAt)
	}

	if cred.ExpiresAt.IsZero() || cred.IssuedAt.IsZero() || cred.User.ID == "" {
		claims, err := auth.DecodeUnverified(p.Token)
		if err != nil {
			return nil, fmt.Errorf("decode token claims: %w", err)
		}
		if cred.ExpiresAt.IsZero() && claims.ExpiresAt != nil {
			cred.ExpiresAt = claims.ExpiresAt.Time
		}
		if cred.IssuedAt.IsZero() && claims.IssuedAt != nil {
			cred.IssuedAt = claims.IssuedAt.Time
		}
		if cred.User.ID == "" {
			cred.User = claims.User()
		}
	}

	if cred.ExpiresAt.IsZero() || cred.User.ID == "" {
		return nil, domain.ErrIncompleteCredential
	}
	if cred.IssuedAt.IsZero() {
		cred.IssuedAt = c.now()
	}
	return cred, nil
}

func (c *Client) budget(ctx context.Context, op string) (time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, classifyContext(op, err)
	}
	timeout := c.timeout
	if deadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return 0, apperrors.NewAuthError(apperrors.KindTimeout, op, 0, context.DeadlineExceeded)
		}
		if remaining < timeout {
			timeout = remaining
		}
	}
	return timeout, nil
}

func (c *Client) transportError(op string, errs []error) error {
	err := errors.Join(errs...)
	kind := apperrors.KindNetworkFailure
	for _, e := range errs {
		if errors.Is(e, fasthttp.ErrTimeout) || errors.Is(e, context.DeadlineExceeded) {
			kind = apperrors.KindTimeout
			break
		}
	}
	c.logger.Debug("auth call failed", zap.String("op", op), zap.Error(err))
	return apperrors.NewAuthError(kind, op, 0, err)
}

func classifyContext(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return apperrors.NewAuthError(apperrors.KindTimeout, op, 0, err)
	}
	return apperrors.NewAuthError(apperrors.KindNetworkFailure, op, 0, err)
}

func upstreamMessage(env envelope) error {
	if env.Error == nil {
		return nil
	}
	return fmt.Errorf("%s: %s", env.Error.Code, env.Error.Message)
}
