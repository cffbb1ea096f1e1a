package pipeline

import (
	"context"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/proxy"
	"go.uber.org/zap"

	apperrors "github.com/spec-kit/journal-tracker/pkg/util"
)

// ProxyConfig describes where ProxyHandler forwards requests.
type ProxyConfig struct {
	// Upstream is the base URL of the journal API, e.g. http://127.0.0.1:8080.
	Upstream string
	// StripPrefix is removed from the request path before forwarding.
	StripPrefix string
	Timeout     time.Duration
}

// ProxyHandler forwards the request to the upstream API with the session
// credential attached. Upstream 401 and 403 responses that survive the retry
// are passed through to the client untouched.
func ProxyHandler(exec *Executor, cfg ProxyConfig) fiber.Handler {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	upstream := strings.TrimRight(cfg.Upstream, "/")

	return func(c *fiber.Ctx) error {
		target := upstream + strings.TrimPrefix(c.OriginalURL(), cfg.StripPrefix)

		_, err := Execute(c.UserContext(), exec, func(_ context.Context, bearer string) (struct{}, int, error) {
			if bearer != "" {
				c.Request().Header.Set(fiber.HeaderAuthorization, "Bearer "+bearer)
			} else {
				c.Request().Header.Del(fiber.HeaderAuthorization)
			}
			if err := proxy.DoTimeout(c, target, cfg.Timeout); err != nil {
				return struct{}{}, 0, err
			}
			return struct{}{}, c.Response().StatusCode(), nil
		})
		if err == nil {
			return nil
		}
		if apperrors.IsKind(err, apperrors.KindCredentialInvalid) || apperrors.IsKind(err, apperrors.KindPermissionDenied) {
			return nil
		}

		exec.logger.Warn("proxied request failed",
			zap.String("method", c.Method()),
			zap.String("target", target),
			zap.Error(err))
		c.Response().ResetBody()
		return err
	}
}
