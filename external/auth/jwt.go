package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/foxseedlab/aiscribe/internal/auth"
	"github.com/golang-jwt/jwt/v5"
)

var errEmptySecret = errors.New("jwt secret is empty")

// JWTAuthenticator accepts HS256 tokens signed with a shared secret and
// resolves the user from the sub claim.
type JWTAuthenticator struct {
	secret []byte
	parser *jwt.Parser
}

func NewJWTAuthenticator(secret string) (*JWTAuthenticator, error) {
	if secret == "" {
		return nil, errEmptySecret
	}
	return &JWTAuthenticator{
		secret: []byte(secret),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithLeeway(30*time.Second),
		),
	}, nil
}

func (a *JWTAuthenticator) Authenticate(_ context.Context, credential string) (string, error) {
	if credential == "" {
		return "", fmt.Errorf("%w: missing token", auth.ErrUnauthenticated)
	}
	var claims jwt.RegisteredClaims
	_, err := a.parser.ParseWithClaims(credential, &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", auth.ErrUnauthenticated, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: token has no subject", auth.ErrUnauthenticated)
	}
	return claims.Subject, nil
}

// IssueToken signs a token for userID. It is used by tests and local tooling.
func (a *JWTAuthenticator) IssueToken(userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}
