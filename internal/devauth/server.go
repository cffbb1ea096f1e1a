// Package devauth is a development stand-in for the journal API: it issues and
// refreshes tokens and serves a few protected resources.
package devauth

import (
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	apihttp "github.com/spec-kit/journal-tracker/internal/api/http"
	"github.com/spec-kit/journal-tracker/internal/auth"
	"github.com/spec-kit/journal-tracker/internal/config"
	"github.com/spec-kit/journal-tracker/internal/domain"
	"github.com/spec-kit/journal-tracker/internal/observability"
)

// AuditEntry records one authentication event.
type AuditEntry struct {
	At       time.Time `json:"at"`
	Action   string    `json:"action"`
	Username string    `json:"username"`
}

const maxAudit = 200

// Server holds the dev API state. Everything is in memory.
type Server struct {
	tokens       *auth.TokenManager
	accounts     map[string]domain.Account
	departments  map[string]domain.Department
	publications []domain.Publication
	logger       *zap.Logger
	metrics      *observability.Metrics

	mu      sync.Mutex
	revoked map[string]time.Time
	audit   []AuditEntry
}

// NewServer seeds accounts from cfg.
func NewServer(cfg config.DevAuthConfig, logger *zap.Logger) (*Server, error) {
	accounts, err := parseAccounts(cfg.Users, cfg.BcryptCost)
	if err != nil {
		return nil, err
	}
	departments := make(map[string]domain.Department, len(seedDepartments))
	for _, d := range seedDepartments {
		departments[d.ID] = d
	}
	return &Server{
		tokens: auth.NewTokenManager(cfg.JWTSecret,
			time.Duration(cfg.AccessTokenTTLSeconds)*time.Second,
			time.Duration(cfg.RefreshGraceSeconds)*time.Second),
		accounts:     accounts,
		departments:  departments,
		publications: seedPublications(),
		logger:       observability.OrNop(logger),
		metrics:      observability.NewMetrics(),
		revoked:      make(map[string]time.Time),
	}, nil
}

// App builds the Fiber application.
func (s *Server) App() *fiber.App {
	app := fiber.New(fiber.Config{AppName: "journal-devauth"})
	apihttp.RegisterMiddlewares(app, s.logger, s.metrics, 10*time.Second)
	s.Register(app)
	return app
}

// Register mounts the routes on app.
func (s *Server) Register(app *fiber.App) {
	authn := auth.NewAuthMiddleware(s.tokens).WithRevocation(s.isRevoked)

	authGroup := app.Group("/auth")
	authGroup.Post("/login", s.login)
	authGroup.Post("/refresh", s.refresh)
	authGroup.Post("/logout", authn.Handle, s.logout)

	api := app.Group("/api", authn.Handle)
	api.Get("/me", s.me)
	api.Get("/departments", s.listDepartments)
	api.Get("/publications", s.listPublications)
	api.Get("/admin/audit", auth.RequireRole(domain.RoleAdmin), s.listAudit)
}

func (s *Server) isRevoked(claims *auth.Claims) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.revoked[claims.ID]
	return ok
}

func (s *Server) revoke(claims *auth.Claims) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for id, until := range s.revoked {
		if now.After(until) {
			delete(s.revoked, id)
		}
	}
	until := now
	if claims.ExpiresAt != nil {
		until = claims.ExpiresAt.Time
	}
	// keep the entry past the refresh grace so the token cannot be refreshed either
	s.revoked[claims.ID] = until.Add(s.tokens.Grace())
}

func (s *Server) record(action, username string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, AuditEntry{At: time.Now(), Action: action, Username: username})
	if len(s.audit) > maxAudit {
		s.audit = s.audit[len(s.audit)-maxAudit:]
	}
}
