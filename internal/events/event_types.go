package events

import (
	"time"

	"github.com/spec-kit/journal-tracker/internal/domain"
)

// EventType enumerates credential lifecycle events.
type EventType string

const (
	EventCredentialSet       EventType = "credential_set"
	EventCredentialCleared   EventType = "credential_cleared"
	EventCredentialRefreshed EventType = "credential_refreshed"
	EventUserUpdated         EventType = "user_updated"
)

// Origin tells whether an event was raised by this tab or observed from another one.
type Origin string

const (
	OriginLocal  Origin = "local"
	OriginRemote Origin = "remote"
)

// SyncEvent is a normalized credential change.
type SyncEvent struct {
	ID        string        `json:"id"`
	Type      EventType     `json:"type"`
	OriginTab Origin        `json:"originTab"`
	Timestamp time.Time     `json:"timestamp"`
	Data      *EventPayload `json:"data,omitempty"`
}

// EventPayload carries the non-secret parts of the credential after the change.
type EventPayload struct {
	ExpiresAt time.Time    `json:"expiresAt"`
	IssuedAt  time.Time    `json:"issuedAt"`
	User      *domain.User `json:"user,omitempty"`
}

// PayloadFor builds a payload from a credential; nil yields nil.
func PayloadFor(cred *domain.Credential) *EventPayload {
	if cred == nil {
		return nil
	}
	user := cred.User
	return &EventPayload{ExpiresAt: cred.ExpiresAt, IssuedAt: cred.IssuedAt, User: &user}
}

// Classify derives the event type for a transition between two credential states.
// ok is false when nothing observable changed.
func Classify(prev, next *domain.Credential) (EventType, bool) {
	switch {
	case prev == nil && next == nil:
		return "", false
	case next == nil:
		return EventCredentialCleared, true
	case prev == nil:
		return EventCredentialSet, true
	case prev.Token != next.Token || !prev.ExpiresAt.Equal(next.ExpiresAt):
		return EventCredentialRefreshed, true
	case !prev.User.Equal(next.User):
		return EventUserUpdated, true
	default:
		return "", false
	}
}
