package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/nexus-relay/internal/relay"
)

func newResolver(t *testing.T) *JWTResolver {
	t.Helper()
	r, err := NewJWTResolver(Config{Secret: "test-secret", Issuer: "nexus-relay", TokenTTL: time.Hour})
	require.NoError(t, err)
	return r
}

func TestNewJWTResolverRequiresSecret(t *testing.T) {
	_, err := NewJWTResolver(Config{})
	assert.ErrorIs(t, err, ErrMissingSecret)
}

func TestIssueAndResolve(t *testing.T) {
	r := newResolver(t)

	token, err := r.Issue("42", "alice")
	require.NoError(t, err)

	id, err := r.Resolve(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, relay.Identity{UserID: "42", Username: "alice"}, id)
}

func TestResolveRejects(t *testing.T) {
	r := newResolver(t)
	other, err := NewJWTResolver(Config{Secret: "other-secret", Issuer: "nexus-relay"})
	require.NoError(t, err)
	foreign, err := other.Issue("42", "alice")
	require.NoError(t, err)

	wrongIssuer, err := NewJWTResolver(Config{Secret: "test-secret", Issuer: "someone-else"})
	require.NoError(t, err)
	misissued, err := wrongIssuer.Issue("42", "alice")
	require.NoError(t, err)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{UserID: "42"})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := map[string]string{
		"empty":        "",
		"garbage":      "not-a-token",
		"wrong secret": foreign,
		"wrong issuer": misissued,
		"alg none":     unsigned,
	}
	for name, token := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := r.Resolve(context.Background(), token)
			require.Error(t, err)
			assert.ErrorIs(t, err, relay.ErrUnauthenticated)
			assert.Equal(t, relay.CodeUnauthenticated, relay.CodeOf(err))
		})
	}
}

func TestResolveExpired(t *testing.T) {
	r := newResolver(t)
	r.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	token, err := r.Issue("42", "alice")
	require.NoError(t, err)
	r.now = time.Now

	_, err = r.Resolve(context.Background(), token)
	assert.ErrorIs(t, err, relay.ErrUnauthenticated)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestResolveFallsBackToSubject(t *testing.T) {
	r := newResolver(t)
	claims := jwt.RegisteredClaims{
		Issuer:    "nexus-relay",
		Subject:   "7",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	id, err := r.Resolve(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, relay.Identity{UserID: "7", Username: "7"}, id)
}

func TestIssueRequiresUser(t *testing.T) {
	_, err := newResolver(t).Issue("", "nobody")
	assert.Error(t, err)
}
