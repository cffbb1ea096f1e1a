package dto

import (
	"time"

	"github.com/spec-kit/journal-tracker/internal/domain"
)

// LoginRequest payload for login.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// SessionPayload is the upstream shape returned by login and refresh. Times are epoch milliseconds.
type SessionPayload struct {
	Token     string      `json:"token"`
	ExpiresAt int64       `json:"expiresAt"`
	IssuedAt  int64       `json:"issuedAt,omitempty"`
	User      domain.User `json:"user"`
}

// NewSessionPayload builds the payload for an issued token.
func NewSessionPayload(token string, expiresAt, issuedAt time.Time, user domain.User) SessionPayload {
	return SessionPayload{Token: token, ExpiresAt: expiresAt.UnixMilli(), IssuedAt: issuedAt.UnixMilli(), User: user}
}

// SessionStatus is what the gateway reports about the local session. The token itself is never exposed.
type SessionStatus struct {
	TabID           string       `json:"tabId"`
	Authenticated   bool         `json:"authenticated"`
	Valid           bool         `json:"valid"`
	ExpiresAt       *time.Time   `json:"expiresAt,omitempty"`
	IssuedAt        *time.Time   `json:"issuedAt,omitempty"`
	User            *domain.User `json:"user,omitempty"`
	Scheduler       string       `json:"scheduler"`
	RefreshInFlight bool         `json:"refreshInFlight"`
	Degraded        bool         `json:"degraded"`
}

// NewSessionStatus fills the credential part of a status from cred, which may be nil.
func NewSessionStatus(tabID string, cred *domain.Credential, valid bool) SessionStatus {
	status := SessionStatus{TabID: tabID, Valid: valid}
	if cred == nil {
		return status
	}
	expiresAt, issuedAt, user := cred.ExpiresAt, cred.IssuedAt, cred.User
	status.Authenticated = true
	status.ExpiresAt = &expiresAt
	status.IssuedAt = &issuedAt
	status.User = &user
	return status
}
