package auth

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/degenduel/gateway/internal/identity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRevocation struct{ revoked map[string]bool }

func (f fakeRevocation) IsRevoked(_ context.Context, sessionID string) (bool, error) {
	return f.revoked[sessionID], nil
}

func TestVerifier_VerifyAtConnect_NoCredentialsYieldsAnonymous(t *testing.T) {
	v := NewVerifier("secret", nil, "session", "token")
	r, _ := http.NewRequest("GET", "/api/ws", nil)

	id, err := v.VerifyAtConnect(r)
	require.NoError(t, err)
	assert.True(t, id.IsAnonymous())
}

func TestVerifier_SignAndVerifyRoundTrip(t *testing.T) {
	v := NewVerifier("secret", fakeRevocation{revoked: map[string]bool{}}, "session", "token")
	want := identity.Identity{PrincipalID: "user-1", Role: identity.RoleUser, SessionID: "sess-1"}

	token, err := v.Sign(want, time.Hour)
	require.NoError(t, err)

	r, _ := http.NewRequest("GET", "/api/ws?token="+token, nil)
	got, err := v.VerifyAtConnect(r)
	require.NoError(t, err)
	assert.Equal(t, want.PrincipalID, got.PrincipalID)
	assert.Equal(t, want.Role, got.Role)
	assert.False(t, got.TokenExpiry.IsZero())
}

func TestVerifier_ExpiredTokenIsRejected(t *testing.T) {
	v := NewVerifier("secret", nil, "session", "token")
	id := identity.Identity{PrincipalID: "u1", Role: identity.RoleUser, SessionID: "s1"}
	token, err := v.Sign(id, -time.Minute)
	require.NoError(t, err)

	_, err = v.VerifyInMessage(context.Background(), token)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestVerifier_RevokedSessionIsRejected(t *testing.T) {
	v := NewVerifier("secret", fakeRevocation{revoked: map[string]bool{"s1": true}}, "session", "token")
	id := identity.Identity{PrincipalID: "u1", Role: identity.RoleUser, SessionID: "s1"}
	token, err := v.Sign(id, time.Hour)
	require.NoError(t, err)

	_, err = v.VerifyInMessage(context.Background(), token)
	assert.ErrorIs(t, err, ErrRevoked)
}

func TestVerifier_InvalidSignatureIsRejected(t *testing.T) {
	signer := NewVerifier("secret-a", nil, "session", "token")
	verifier := NewVerifier("secret-b", nil, "session", "token")
	id := identity.Identity{PrincipalID: "u1", Role: identity.RoleUser, SessionID: "s1"}
	token, err := signer.Sign(id, time.Hour)
	require.NoError(t, err)

	_, err = verifier.VerifyInMessage(context.Background(), token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
