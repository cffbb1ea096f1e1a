package auth

import (
	"errors"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/spec-kit/journal-tracker/internal/domain"
)

// TokenManager issues and validates access tokens for the dev auth server.
type TokenManager struct {
	secret []byte
	ttl    time.Duration
	grace  time.Duration
	now    func() time.Time
}

// NewTokenManager builds a manager. grace is how long after expiry a token may still be refreshed.
func NewTokenManager(secret string, ttl, grace time.Duration) *TokenManager {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &TokenManager{secret: []byte(secret), ttl: ttl, grace: grace, now: time.Now}
}

// WithClock returns a copy of the manager that reads time from now.
func (tm *TokenManager) WithClock(now func() time.Time) *TokenManager {
	cp := *tm
	cp.now = now
	return &cp
}

// Grace is how long past expiry a token stays refreshable.
func (tm *TokenManager) Grace() time.Duration {
	return tm.grace
}

// Claims describes the access token payload.
type Claims struct {
	Username     string      `json:"username"`
	Role         domain.Role `json:"role"`
	DepartmentID *string     `json:"departmentId,omitempty"`
	jwt.RegisteredClaims
}

// User rebuilds the user snapshot carried by the claims.
func (c *Claims) User() domain.User {
	return domain.User{ID: c.Subject, Username: c.Username, Role: c.Role, DepartmentID: c.DepartmentID}
}

// GenerateToken builds and signs a token for user.
func (tm *TokenManager) GenerateToken(user domain.User) (string, time.Time, time.Time, error) {
	issuedAt := tm.now().Truncate(time.Millisecond)
	expiresAt := issuedAt.Add(tm.ttl)
	claims := &Claims{
		Username:     user.Username,
		Role:         user.Role,
		DepartmentID: user.DepartmentID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   user.ID,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(tm.secret)
	if err != nil {
		return "", time.Time{}, time.Time{}, err
	}
	return tokenString, expiresAt, issuedAt, nil
}

// ParseToken validates signature and expiry and returns claims.
func (tm *TokenManager) ParseToken(tokenStr string) (*Claims, error) {
	return tm.parse(tokenStr, 0)
}

// ParseRefreshable accepts tokens that expired no longer than grace ago.
func (tm *TokenManager) ParseRefreshable(tokenStr string) (*Claims, error) {
	return tm.parse(tokenStr, tm.grace)
}

func (tm *TokenManager) parse(tokenStr string, leeway time.Duration) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return tm.secret, nil
	}, jwt.WithLeeway(leeway), jwt.WithTimeFunc(tm.now), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, errors.New("invalid token claims")
	}
	return claims, nil
}

// DecodeUnverified reads claims without checking the signature. The agent uses it
// to learn expiry and issue time of tokens it cannot verify.
func DecodeUnverified(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenStr, claims); err != nil {
		return nil, err
	}
	return claims, nil
}
