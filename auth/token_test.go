package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndVerifyRoundTrip(t *testing.T) {
	var secret = []byte("test-secret")
	var issuer = NewIssuer(secret, "teleportal-server")
	var verifier = NewVerifier(secret, "teleportal-server")

	raw, err := issuer.Issue("user-1", "room-a", []AccessGrant{
		{Pattern: "docs/*", Permissions: []string{"read", "write"}},
	}, time.Hour)
	require.NoError(t, err)

	claims, err := verifier.Verify(raw)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, "room-a", claims.Room)
	assert.Equal(t, Audience, claims.Audience[0])

	var ev = claims.Evaluator()
	assert.True(t, ev.Allows("docs/readme", "read"))
	assert.False(t, ev.Allows("docs/readme", "admin"))
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	var secret = []byte("s")
	var issuer = NewIssuer(secret, "iss")
	var verifier = NewVerifier(secret, "iss")

	raw, err := issuer.Issue("u", "r", nil, -time.Minute)
	require.NoError(t, err)

	_, err = verifier.Verify(raw)
	assert.Error(t, err)
}

func TestVerifyRejectsWrongIssuer(t *testing.T) {
	var secret = []byte("s")
	var issuer = NewIssuer(secret, "issuer-a")
	var verifier = NewVerifier(secret, "issuer-b")

	raw, err := issuer.Issue("u", "r", nil, time.Hour)
	require.NoError(t, err)

	_, err = verifier.Verify(raw)
	assert.Error(t, err)
}

func TestVerifyRejectsTamperedSecret(t *testing.T) {
	var issuer = NewIssuer([]byte("secret-a"), "iss")
	var verifier = NewVerifier([]byte("secret-b"), "iss")

	raw, err := issuer.Issue("u", "r", nil, time.Hour)
	require.NoError(t, err)

	_, err = verifier.Verify(raw)
	assert.Error(t, err)
}

func TestMergeIntoContext(t *testing.T) {
	var claims = &Claims{UserID: "u1", Room: "r1"}
	var ctx = MergeIntoContext(nil, claims)
	assert.Equal(t, "u1", ctx[ContextKeyUserID])
	assert.Equal(t, "r1", ctx[ContextKeyRoom])
	assert.Same(t, claims, ctx[ContextKeyClaims])
}
