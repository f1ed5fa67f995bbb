package authgate

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mallquest/backend/internal/core"
)

func testClaims(exp time.Time) *Claims {
	return &Claims{
		SessionID: "s1",
		ChainID:   "c1",
		TenantID:  "t1",
		UserID:    "u1",
		Role:      core.RolePlayer,
		Kind:      KindAccess,
		IssuedAt:  time.Now().Unix(),
		ExpiresAt: exp.Unix(),
	}
}

func TestBrokerIssueVerifyRoundtrip(t *testing.T) {
	b := NewBroker(BrokerConfig{Secret: "secret-one"})

	token, err := b.Issue(testClaims(time.Now().Add(time.Hour)))
	require.NoError(t, err)
	require.Contains(t, token, ".")

	claims, err := b.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID)
	assert.Equal(t, "t1", claims.TenantID)
	assert.Equal(t, core.RolePlayer, claims.Role)
	assert.Equal(t, KindAccess, claims.Kind)
	assert.Equal(t, "mallquest-gateway", claims.Issuer)
}

func TestBrokerRejectsTamperedToken(t *testing.T) {
	b := NewBroker(BrokerConfig{Secret: "secret-one"})
	token, err := b.Issue(testClaims(time.Now().Add(time.Hour)))
	require.NoError(t, err)

	// Flip a byte in the payload half.
	mutated := "A" + token[1:]
	_, err = b.Verify(mutated)
	assert.True(t, core.IsKind(err, core.KindUnauthenticated))

	_, err = b.Verify("not-a-token")
	assert.True(t, core.IsKind(err, core.KindUnauthenticated))

	_, err = b.Verify(strings.Repeat("x", 40) + "." + strings.Repeat("y", 40))
	assert.True(t, core.IsKind(err, core.KindUnauthenticated))
}

func TestBrokerRejectsExpiredToken(t *testing.T) {
	b := NewBroker(BrokerConfig{Secret: "secret-one"})
	token, err := b.Issue(testClaims(time.Now().Add(-time.Minute)))
	require.NoError(t, err)

	_, err = b.Verify(token)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "token expired")
}

func TestBrokerRejectsWrongKey(t *testing.T) {
	signer := NewBroker(BrokerConfig{Secret: "secret-one"})
	verifier := NewBroker(BrokerConfig{Secret: "secret-two"})

	token, err := signer.Issue(testClaims(time.Now().Add(time.Hour)))
	require.NoError(t, err)
	_, err = verifier.Verify(token)
	assert.True(t, core.IsKind(err, core.KindUnauthenticated))
}

func TestBrokerRotationGrace(t *testing.T) {
	b := NewBroker(BrokerConfig{Secret: "secret-one"})
	old, err := b.Issue(testClaims(time.Now().Add(time.Hour)))
	require.NoError(t, err)

	b.RotateKey("secret-two", time.Hour)

	// Tokens signed before the rotation stay valid inside the grace window,
	// and new tokens use the new key.
	_, err = b.Verify(old)
	assert.NoError(t, err)

	fresh, err := b.Issue(testClaims(time.Now().Add(time.Hour)))
	require.NoError(t, err)
	_, err = b.Verify(fresh)
	assert.NoError(t, err)
}

func TestBrokerRotationGraceExpired(t *testing.T) {
	signer := NewBroker(BrokerConfig{Secret: "secret-one"})
	token, err := signer.Issue(testClaims(time.Now().Add(time.Hour)))
	require.NoError(t, err)

	// The previous key's grace window already closed.
	b := NewBroker(BrokerConfig{
		Secret:              "secret-two",
		PreviousSecret:      "secret-one",
		RotationGracePeriod: -time.Hour,
	})
	_, err = b.Verify(token)
	assert.True(t, core.IsKind(err, core.KindUnauthenticated))
}

func TestTokenHash(t *testing.T) {
	h := TokenHash("some-token")
	assert.Len(t, h, 64)
	assert.Equal(t, h, TokenHash("some-token"))
	assert.NotEqual(t, h, TokenHash("other-token"))
}
