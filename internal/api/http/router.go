package http

import (
	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/journal-tracker/internal/api/http/handlers"
)

// RouteConfig bundles dependencies for route registration.
type RouteConfig struct {
	Health  *handlers.HealthHandler
	Session *handlers.SessionHandler
	// Proxy forwards /api/* to the upstream journal API. Optional.
	Proxy fiber.Handler
}

// RegisterRoutes wires HTTP routes.
func RegisterRoutes(app *fiber.App, cfg RouteConfig) {
	app.Get("/health/live", cfg.Health.Live)
	app.Get("/health/ready", cfg.Health.Ready)

	sessionGroup := app.Group("/session")
	sessionGroup.Get("", cfg.Session.Status)
	sessionGroup.Post("/login", cfg.Session.Login)
	sessionGroup.Post("/logout", cfg.Session.Logout)
	sessionGroup.Post("/refresh", cfg.Session.Refresh)
	sessionGroup.Get("/events", cfg.Session.Events)
	sessionGroup.Get("/metrics", cfg.Session.Metrics)

	if cfg.Proxy != nil {
		app.All("/api/*", cfg.Proxy)
	}
}
