package http_test

import (
	"context"
	"encoding/json"
	"io"
	"net"
	nethttp "net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spec-kit/journal-tracker/internal/api/dto"
	apihttp "github.com/spec-kit/journal-tracker/internal/api/http"
	"github.com/spec-kit/journal-tracker/internal/api/http/handlers"
	"github.com/spec-kit/journal-tracker/internal/authclient"
	"github.com/spec-kit/journal-tracker/internal/config"
	"github.com/spec-kit/journal-tracker/internal/devauth"
	"github.com/spec-kit/journal-tracker/internal/observability"
	"github.com/spec-kit/journal-tracker/internal/persistence"
	"github.com/spec-kit/journal-tracker/internal/pipeline"
	"github.com/spec-kit/journal-tracker/internal/session"
)

func startUpstream(t *testing.T) string {
	t.Helper()
	srv, err := devauth.NewServer(config.DevAuthConfig{
		JWTSecret:             "test-secret",
		AccessTokenTTLSeconds: 60,
		RefreshGraceSeconds:   3600,
		BcryptCost:            4,
		Users:                 "admin:admin:admin,editor:editor:editor:cardiology",
	}, nil)
	require.NoError(t, err)
	app := srv.App()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = app.Listener(ln) }()
	t.Cleanup(func() { _ = app.Shutdown() })
	return "http://" + ln.Addr().String()
}

func newGateway(t *testing.T) (*fiber.App, *session.Manager) {
	t.Helper()
	upstream := startUpstream(t)
	metrics := observability.NewMetrics()
	store := persistence.NewMemoryHub().Tab("gateway")
	m, err := session.New(context.Background(), session.Options{
		Store:          store,
		Auth:           authclient.New(upstream, 2*time.Second, nil),
		CoalesceWindow: -1,
		Metrics:        metrics,
	})
	require.NoError(t, err)
	t.Cleanup(m.Close)

	app := fiber.New()
	apihttp.RegisterMiddlewares(app, nil, metrics, 5*time.Second)
	exec := pipeline.NewExecutor(m, metrics, nil)
	apihttp.RegisterRoutes(app, apihttp.RouteConfig{
		Health:  handlers.NewHealthHandler("test", "dev", map[string]handlers.Pinger{"session_store": store}),
		Session: handlers.NewSessionHandler(m),
		Proxy:   pipeline.ProxyHandler(exec, pipeline.ProxyConfig{Upstream: upstream, StripPrefix: "", Timeout: 2 * time.Second}),
	})
	return app, m
}

func call(t *testing.T, app *fiber.App, method, path, body string) (int, []byte) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := app.Test(req, 5000)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func errorCode(t *testing.T, body []byte) string {
	t.Helper()
	var env struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(body, &env))
	return env.Error.Code
}

func TestHealth(t *testing.T) {
	app, _ := newGateway(t)
	status, _ := call(t, app, nethttp.MethodGet, "/health/live", "")
	assert.Equal(t, nethttp.StatusOK, status)
	status, body := call(t, app, nethttp.MethodGet, "/health/ready", "")
	assert.Equal(t, nethttp.StatusOK, status)
	assert.Contains(t, string(body), `"session_store":"ok"`)
}

func TestSessionLifecycle(t *testing.T) {
	app, m := newGateway(t)

	status, body := call(t, app, nethttp.MethodGet, "/session", "")
	require.Equal(t, nethttp.StatusOK, status)
	assert.Contains(t, string(body), `"authenticated":false`)

	status, body = call(t, app, nethttp.MethodPost, "/session/login", `{"username":"editor","password":"wrong"}`)
	assert.Equal(t, nethttp.StatusUnauthorized, status)
	assert.Equal(t, "UNAUTHORIZED", errorCode(t, body))

	status, body = call(t, app, nethttp.MethodPost, "/session/login", `{"username":"editor","password":"editor"}`)
	require.Equal(t, nethttp.StatusOK, status, string(body))
	var env struct {
		Data dto.SessionStatus `json:"data"`
	}
	require.NoError(t, json.Unmarshal(body, &env))
	assert.True(t, env.Data.Authenticated)
	assert.True(t, env.Data.Valid)
	assert.Equal(t, "editor", env.Data.User.Username)
	assert.Equal(t, "armed", env.Data.Scheduler)
	assert.NotContains(t, string(body), m.Credential().Token)

	before := m.Credential().Token
	status, _ = call(t, app, nethttp.MethodPost, "/session/refresh", "")
	require.Equal(t, nethttp.StatusOK, status)
	assert.NotEqual(t, before, m.Credential().Token)

	status, body = call(t, app, nethttp.MethodGet, "/session/events", "")
	require.Equal(t, nethttp.StatusOK, status)
	assert.Contains(t, string(body), "credential_set")
	assert.Contains(t, string(body), "credential_refreshed")

	status, body = call(t, app, nethttp.MethodGet, "/session/metrics", "")
	require.Equal(t, nethttp.StatusOK, status)
	assert.Contains(t, string(body), `"refreshes":1`)

	status, _ = call(t, app, nethttp.MethodPost, "/session/logout", "")
	assert.Equal(t, nethttp.StatusNoContent, status)
	assert.Nil(t, m.Credential())
}

func TestProxyAttachesCredential(t *testing.T) {
	app, _ := newGateway(t)

	status, body := call(t, app, nethttp.MethodGet, "/api/me", "")
	assert.Equal(t, nethttp.StatusUnauthorized, status, string(body))

	status, _ = call(t, app, nethttp.MethodPost, "/session/login", `{"username":"editor","password":"editor"}`)
	require.Equal(t, nethttp.StatusOK, status)

	status, body = call(t, app, nethttp.MethodGet, "/api/me", "")
	require.Equal(t, nethttp.StatusOK, status, string(body))
	assert.Contains(t, string(body), `"username":"editor"`)

	status, body = call(t, app, nethttp.MethodGet, "/api/admin/audit", "")
	assert.Equal(t, nethttp.StatusForbidden, status)
	assert.Equal(t, "FORBIDDEN", errorCode(t, body))
}

func TestUnknownRoute(t *testing.T) {
	app, _ := newGateway(t)
	status, body := call(t, app, nethttp.MethodGet, "/nope", "")
	assert.Equal(t, nethttp.StatusNotFound, status)
	assert.Equal(t, "NOT_FOUND", errorCode(t, body))
}
