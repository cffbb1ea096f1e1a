package devauth

import (
	"net/http"
	"sort"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/spec-kit/journal-tracker/internal/api/dto"
	"github.com/spec-kit/journal-tracker/internal/auth"
	"github.com/spec-kit/journal-tracker/internal/domain"
	apperrors "github.com/spec-kit/journal-tracker/pkg/util"
)

// login handles POST /auth/login.
func (s *Server) login(c *fiber.Ctx) error {
	var req dto.LoginRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid payload")
	}
	if req.Username == "" || req.Password == "" {
		return apperrors.NewValidationError("username and password required", nil)
	}

	account, ok := s.accounts[req.Username]
	if !ok || auth.ComparePassword(account.PasswordHash, req.Password) != nil {
		s.logger.Info("login rejected", zap.String("username", req.Username))
		return apperrors.NewUnauthorized("invalid credentials")
	}

	s.record("login", account.Username)
	return s.issue(c, account.User)
}

// refresh handles POST /auth/refresh. Tokens expired within the grace window are accepted.
func (s *Server) refresh(c *fiber.Ctx) error {
	token, err := auth.BearerToken(c)
	if err != nil {
		return err
	}
	claims, err := s.tokens.ParseRefreshable(token)
	if err != nil || s.isRevoked(claims) {
		return apperrors.NewUnauthorized("token not refreshable")
	}

	account, ok := s.accounts[claims.Username]
	if !ok || account.ID != claims.Subject {
		return apperrors.NewUnauthorized("unknown subject")
	}

	s.record("refresh", account.Username)
	return s.issue(c, account.User)
}

// logout handles POST /auth/logout.
func (s *Server) logout(c *fiber.Ctx) error {
	principal, _ := auth.PrincipalFromContext(c)
	s.revoke(principal.Claims)
	s.record("logout", principal.User.Username)
	return c.SendStatus(http.StatusNoContent)
}

func (s *Server) issue(c *fiber.Ctx, user domain.User) error {
	token, expiresAt, issuedAt, err := s.tokens.GenerateToken(user)
	if err != nil {
		return apperrors.NewInternalError(err)
	}
	return c.JSON(fiber.Map{"data": dto.NewSessionPayload(token, expiresAt, issuedAt, user)})
}

// me handles GET /api/me.
func (s *Server) me(c *fiber.Ctx) error {
	principal, _ := auth.PrincipalFromContext(c)
	return c.JSON(fiber.Map{"data": principal.User})
}

// listDepartments handles GET /api/departments.
func (s *Server) listDepartments(c *fiber.Ctx) error {
	out := make([]fiber.Map, 0, len(s.departments))
	for _, d := range s.departments {
		out = append(out, fiber.Map{"id": d.ID, "name": d.Name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i]["id"].(string) < out[j]["id"].(string) })
	return c.JSON(fiber.Map{"data": out})
}

// listPublications handles GET /api/publications. Admins see every department; others see their own.
func (s *Server) listPublications(c *fiber.Ctx) error {
	principal, _ := auth.PrincipalFromContext(c)
	filter := c.Query("department")
	if principal.User.Role != domain.RoleAdmin {
		if principal.User.DepartmentID == nil {
			return c.JSON(fiber.Map{"data": []domain.Publication{}})
		}
		if filter != "" && filter != *principal.User.DepartmentID {
			return apperrors.NewForbidden("department not accessible")
		}
		filter = *principal.User.DepartmentID
	}

	out := make([]domain.Publication, 0, len(s.publications))
	for _, p := range s.publications {
		if filter == "" || p.DepartmentID == filter {
			out = append(out, p)
		}
	}
	return c.JSON(fiber.Map{"data": out})
}

// listAudit handles GET /api/admin/audit.
func (s *Server) listAudit(c *fiber.Ctx) error {
	s.mu.Lock()
	entries := append([]AuditEntry(nil), s.audit...)
	s.mu.Unlock()
	return c.JSON(fiber.Map{"data": entries})
}
