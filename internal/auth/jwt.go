// Package auth resolves handshake credentials into relay identities.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Tyrowin/nexus-relay/internal/relay"
)

var (
	// ErrInvalidToken is returned when the token is malformed, unsigned or
	// signed with the wrong key.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken is returned when the token has expired.
	ErrExpiredToken = errors.New("token has expired")
	// ErrMissingSecret is returned when no signing secret is configured.
	ErrMissingSecret = errors.New("auth: signing secret is empty")
)

// Config holds JWT configuration.
type Config struct {
	Secret   string
	Issuer   string
	TokenTTL time.Duration
}

// Claims are the custom claims carried by relay tokens. The subject is the
// user id.
type Claims struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// JWTResolver issues and validates HS256 tokens.
type JWTResolver struct {
	config Config
	now    func() time.Time
}

// NewJWTResolver creates a JWTResolver with the given configuration.
func NewJWTResolver(config Config) (*JWTResolver, error) {
	if config.Secret == "" {
		return nil, ErrMissingSecret
	}
	if config.TokenTTL <= 0 {
		config.TokenTTL = 24 * time.Hour
	}
	return &JWTResolver{config: config, now: time.Now}, nil
}

// Issue signs a token for the given user.
func (m *JWTResolver) Issue(userID, username string) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("issue token: %w", ErrInvalidToken)
	}
	now := m.now()
	claims := Claims{
		UserID:   userID,
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.config.Issuer,
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(now.Add(m.config.TokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(m.config.Secret))
}

// Validate validates the token and returns its claims.
func (m *JWTResolver) Validate(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(m.now),
	}
	if m.config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.config.Issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return []byte(m.config.Secret), nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.UserID == "" {
		claims.UserID = claims.Subject
	}
	if claims.UserID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Resolve implements relay.IdentityResolver. Every failure wraps
// relay.ErrUnauthenticated.
func (m *JWTResolver) Resolve(_ context.Context, credential string) (relay.Identity, error) {
	if credential == "" {
		return relay.Identity{}, fmt.Errorf("%w: missing token", relay.ErrUnauthenticated)
	}
	claims, err := m.Validate(credential)
	if err != nil {
		return relay.Identity{}, fmt.Errorf("%w: %w", relay.ErrUnauthenticated, err)
	}
	username := claims.Username
	if username == "" {
		username = claims.UserID
	}
	return relay.Identity{UserID: claims.UserID, Username: username}, nil
}
