// Package auth verifies caller identity for the API. Callers present a
// bearer token; the verifier decides what it means.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken covers malformed, expired, and mis-signed tokens.
var ErrInvalidToken = errors.New("invalid or expired token")

// Identity is the authenticated caller. OwnerID scopes sessions, assets, and
// jobs to their creator.
type Identity struct {
	OwnerID string
	Name    string
}

// TokenVerifier turns a bearer token into an Identity.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

type jwtVerifier struct {
	secret []byte
}

// NewJWTVerifier verifies HS256-signed tokens. The subject claim becomes the
// owner ID.
func NewJWTVerifier(secret string) (TokenVerifier, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, fmt.Errorf("jwt secret is required")
	}
	return &jwtVerifier{secret: []byte(secret)}, nil
}

func (v *jwtVerifier) Verify(ctx context.Context, token string) (Identity, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithExpirationRequired())
	if err != nil || !parsed.Valid {
		return Identity{}, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return Identity{}, ErrInvalidToken
	}
	subject, err := claims.GetSubject()
	if err != nil || strings.TrimSpace(subject) == "" {
		return Identity{}, ErrInvalidToken
	}
	identity := Identity{OwnerID: subject}
	if name, ok := claims["name"].(string); ok {
		identity.Name = name
	}
	return identity, nil
}

// IssueToken mints an HS256 token for the given owner. Used by tests and the
// local development tooling; production callers bring their own issuer.
func IssueToken(secret, ownerID string, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": ownerID,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	})
	return token.SignedString([]byte(secret))
}

// StaticVerifier maps fixed tokens to identities. Intended for tests.
type StaticVerifier map[string]Identity

func (v StaticVerifier) Verify(ctx context.Context, token string) (Identity, error) {
	identity, ok := v[token]
	if !ok {
		return Identity{}, ErrInvalidToken
	}
	return identity, nil
}
