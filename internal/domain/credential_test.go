package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordRoundTripKeepsMillis(t *testing.T) {
	dept := "cardiology"
	issued := time.UnixMilli(1_700_000_000_123)
	cred := &Credential{
		Token:     "tok",
		ExpiresAt: issued.Add(15 * time.Minute),
		IssuedAt:  issued,
		User:      User{ID: "u1", Username: "alice", Role: RoleEditor, DepartmentID: &dept},
	}

	data, err := MarshalRecord(cred)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"expiresAt":1700000900123`)
	assert.Contains(t, string(data), `"departmentId":"cardiology"`)

	got, err := UnmarshalRecord(data)
	require.NoError(t, err)
	assert.Equal(t, cred.Token, got.Token)
	assert.True(t, cred.ExpiresAt.Equal(got.ExpiresAt))
	assert.True(t, cred.User.Equal(got.User))
}

func TestUnmarshalRecordRejectsPartialState(t *testing.T) {
	_, err := UnmarshalRecord([]byte(`{"token":"tok","expiresAt":1,"user":{"id":"u1"}}`))
	assert.ErrorIs(t, err, ErrIncompleteCredential)

	_, err = UnmarshalRecord([]byte(`{"token":"","expiresAt":1,"issuedAt":1,"user":{"id":"u1"}}`))
	assert.ErrorIs(t, err, ErrIncompleteCredential)
}

func TestValidHonoursMargin(t *testing.T) {
	now := time.Now()
	cred := &Credential{ExpiresAt: now.Add(5 * time.Second)}

	assert.False(t, cred.Valid(now, 10*time.Second))
	assert.True(t, cred.Valid(now, time.Second))
	assert.False(t, cred.Expired(now))
	assert.True(t, cred.Expired(now.Add(5*time.Second)))

	var none *Credential
	assert.False(t, none.Valid(now, 0))
}

func TestUserEqualComparesDepartment(t *testing.T) {
	a, b := "icu", "er"
	assert.True(t, User{ID: "1"}.Equal(User{ID: "1"}))
	assert.False(t, User{ID: "1", DepartmentID: &a}.Equal(User{ID: "1"}))
	assert.False(t, User{ID: "1", DepartmentID: &a}.Equal(User{ID: "1", DepartmentID: &b}))
}
