package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndParse(t *testing.T) {
	tokens, err := NewTokens("secret", time.Hour)
	require.NoError(t, err)

	token, expiresAt, err := tokens.Issue("phone-1", "host-1")
	require.NoError(t, err)
	assert.Equal(t, 3, len(strings.Split(token, ".")))
	assert.WithinDuration(t, time.Now().Add(time.Hour), expiresAt, 2*time.Second)

	claims, err := tokens.Parse(token)
	require.NoError(t, err)
	assert.Equal(t, "phone-1", claims.DeviceID)
	assert.Equal(t, "host-1", claims.HostID)
}

func TestIssueProducesDistinctTokens(t *testing.T) {
	tokens, err := NewTokens("secret", time.Hour)
	require.NoError(t, err)

	a, _, err := tokens.Issue("phone-1", "host-1")
	require.NoError(t, err)
	b, _, err := tokens.Issue("phone-1", "host-1")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.NotEqual(t, HashToken(a), HashToken(b))
}

func TestParseExpired(t *testing.T) {
	tokens, err := NewTokens("secret", time.Hour)
	require.NoError(t, err)

	issuedAt := time.Now()
	tokens.SetClock(func() time.Time { return issuedAt })
	token, _, err := tokens.Issue("phone-1", "host-1")
	require.NoError(t, err)

	tokens.SetClock(func() time.Time { return issuedAt.Add(2 * time.Hour) })
	_, err = tokens.Parse(token)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestParseRejectsForeignSignature(t *testing.T) {
	issuer, err := NewTokens("secret-a", time.Hour)
	require.NoError(t, err)
	verifier, err := NewTokens("secret-b", time.Hour)
	require.NoError(t, err)

	token, _, err := issuer.Issue("phone-1", "host-1")
	require.NoError(t, err)

	_, err = verifier.Parse(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = verifier.Parse("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestNewTokensRequiresSecret(t *testing.T) {
	_, err := NewTokens("", time.Hour)
	assert.ErrorIs(t, err, ErrMissingSecret)
}

func TestHashToken(t *testing.T) {
	h := HashToken("abc")
	assert.Len(t, h, 64)
	assert.Equal(t, h, HashToken("abc"))
}

func TestAPIKeyHash(t *testing.T) {
	hash, err := HashAPIKey("admin-key")
	require.NoError(t, err)
	assert.Equal(t, "$2a$", hash[:4])

	assert.True(t, CheckAPIKey("admin-key", hash))
	assert.False(t, CheckAPIKey("wrong", hash))
	assert.False(t, CheckAPIKey("", hash))
	assert.False(t, CheckAPIKey("admin-key", ""))
}
