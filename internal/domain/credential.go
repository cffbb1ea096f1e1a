package domain

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrIncompleteCredential is returned when a record lacks one of the required fields.
var ErrIncompleteCredential = errors.New("credential record incomplete")

// Credential is an access token with its expiry, issue instant and user snapshot.
// Values are never mutated after construction; replace them instead.
type Credential struct {
	Token     string
	ExpiresAt time.Time
	IssuedAt  time.Time
	User      User
}

// Valid reports whether the credential is still usable at now, keeping margin in reserve.
func (c *Credential) Valid(now time.Time, margin time.Duration) bool {
	if c == nil {
		return false
	}
	return c.ExpiresAt.After(now.Add(margin))
}

// Expired reports whether the credential is past its literal expiry at now.
func (c *Credential) Expired(now time.Time) bool {
	return c == nil || !c.ExpiresAt.After(now)
}

// WithUser returns a copy carrying a different user snapshot.
func (c *Credential) WithUser(u User) *Credential {
	next := *c
	next.User = u
	return &next
}

// record is the persisted shape shared by every tab.
type record struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expiresAt"`
	IssuedAt  int64  `json:"issuedAt"`
	User      User   `json:"user"`
}

// MarshalRecord encodes the credential as the shared-store record.
func MarshalRecord(c *Credential) ([]byte, error) {
	if c == nil {
		return nil, ErrIncompleteCredential
	}
	return json.Marshal(record{
		Token:     c.Token,
		ExpiresAt: c.ExpiresAt.UnixMilli(),
		IssuedAt:  c.IssuedAt.UnixMilli(),
		User:      c.User,
	})
}

// UnmarshalRecord decodes a shared-store record. Partial records are rejected whole.
func UnmarshalRecord(data []byte) (*Credential, error) {
	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	if r.Token == "" || r.ExpiresAt == 0 || r.IssuedAt == 0 || r.User.ID == "" {
		return nil, ErrIncompleteCredential
	}
	return &Credential{
		Token:     r.Token,
		ExpiresAt: time.UnixMilli(r.ExpiresAt),
		IssuedAt:  time.UnixMilli(r.IssuedAt),
		User:      r.User,
	}, nil
}
