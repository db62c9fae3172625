package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestTokenRoundTrip(t *testing.T) {
	c := NewTokenCodec(testSecret, "grcgate")
	tok, err := c.Issue("5b0e7c9a-1111-4222-8333-944455556666", 42, "tenant_a", time.Now().Add(time.Hour))
	require.NoError(t, err)

	claims, err := c.Parse(tok)
	require.NoError(t, err)
	assert.Equal(t, "5b0e7c9a-1111-4222-8333-944455556666", claims.SessionID())
	assert.Equal(t, "tenant_a", claims.SchemaID)
	uid, err := claims.UserID()
	require.NoError(t, err)
	assert.Equal(t, int64(42), uid)
}

func TestTokenRejections(t *testing.T) {
	c := NewTokenCodec(testSecret, "grcgate")
	valid, err := c.Issue("sid", 1, "tenant_a", time.Now().Add(time.Hour))
	require.NoError(t, err)

	expired, err := c.Issue("sid", 1, "tenant_a", time.Now().Add(-time.Minute))
	require.NoError(t, err)

	otherKey, err := NewTokenCodec(strings.Repeat("x", 32), "grcgate").Issue("sid", 1, "tenant_a", time.Now().Add(time.Hour))
	require.NoError(t, err)

	otherIssuer, err := NewTokenCodec(testSecret, "someone-else").Issue("sid", 1, "tenant_a", time.Now().Add(time.Hour))
	require.NoError(t, err)

	noSchema, err := c.Issue("sid", 1, "", time.Now().Add(time.Hour))
	require.NoError(t, err)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"jti": "sid", "sub": "1", "sch": "tenant_a", "iss": "grcgate"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := map[string]string{
		"empty":        "",
		"garbage":      "not.a.token",
		"expired":      expired,
		"wrong key":    otherKey,
		"wrong issuer": otherIssuer,
		"no schema":    noSchema,
		"alg none":     none,
		"tampered":     valid[:len(valid)-2] + "xx",
	}
	for name, tok := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := c.Parse(tok)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}
