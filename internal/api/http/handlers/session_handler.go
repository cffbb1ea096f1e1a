package handlers

import (
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/journal-tracker/internal/api/dto"
	"github.com/spec-kit/journal-tracker/internal/session"
)

// SessionHandler exposes the local session of this tab.
type SessionHandler struct {
	session *session.Manager
}

// NewSessionHandler constructs handler.
func NewSessionHandler(m *session.Manager) *SessionHandler {
	return &SessionHandler{session: m}
}

// Login handles POST /session/login.
func (h *SessionHandler) Login(c *fiber.Ctx) error {
	var req dto.LoginRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid payload")
	}
	if req.Username == "" || req.Password == "" {
		return fiber.NewError(http.StatusBadRequest, "username and password required")
	}

	if _, err := h.session.Login(c.UserContext(), req.Username, req.Password); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": h.status(c)})
}

// Logout handles POST /session/logout.
func (h *SessionHandler) Logout(c *fiber.Ctx) error {
	h.session.Logout(c.UserContext())
	return c.SendStatus(http.StatusNoContent)
}

// Status handles GET /session.
func (h *SessionHandler) Status(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"data": h.status(c)})
}

// Refresh handles POST /session/refresh and forces a rotation.
func (h *SessionHandler) Refresh(c *fiber.Ctx) error {
	if _, err := h.session.EnsureFresh(c.UserContext()); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": h.status(c)})
}

// Events handles GET /session/events.
func (h *SessionHandler) Events(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"data": h.session.RecentEvents()})
}

// Metrics handles GET /session/metrics.
func (h *SessionHandler) Metrics(c *fiber.Ctx) error {
	m := h.session.Metrics()
	return c.JSON(fiber.Map{"data": fiber.Map{
		"session":  m.Snapshot(),
		"requests": m.Requests(),
		"errors":   m.Errors(),
	}})
}

func (h *SessionHandler) status(c *fiber.Ctx) dto.SessionStatus {
	cred := h.session.CurrentCredential(c.UserContext())
	status := dto.NewSessionStatus(h.session.TabID(), cred, h.session.IsValid())
	status.Scheduler = h.session.SchedulerState().String()
	status.RefreshInFlight = h.session.RefreshInFlight()
	status.Degraded = h.session.Degraded()
	return status
}
