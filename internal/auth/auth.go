package auth

import (
	"context"
	"errors"
)

var ErrUnauthenticated = errors.New("credential rejected")

// Authenticator resolves a presented credential to a user identity.
type Authenticator interface {
	Authenticate(ctx context.Context, credential string) (string, error)
}
