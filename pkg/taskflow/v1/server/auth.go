package server

import (
	"context"
	"crypto"
	"fmt"
	"net/http"

	"connectrpc.com/authn"
	"connectrpc.com/connect"
	"github.com/picatz/jose/pkg/jwt"
)

// NewJWTMiddleware returns middleware that requires a bearer JWT signed by
// publicKey under keyID. The verified token is stored as the authn info of
// the request context.
func NewJWTMiddleware(keyID string, publicKey crypto.PublicKey) *authn.Middleware {
	return authn.NewMiddleware(func(ctx context.Context, req *http.Request) (any, error) {
		bearerToken, hasToken := authn.BearerToken(req)
		if !hasToken {
			return nil, connect.NewError(connect.CodeUnauthenticated, fmt.Errorf("missing bearer token"))
		}

		token, err := jwt.ParseAndVerify(bearerToken, jwt.WithIdentifiableKey(keyID, publicKey))
		if err != nil {
			return nil, connect.NewError(connect.CodeUnauthenticated, fmt.Errorf("failed to parse and verify JWT: %w", err))
		}

		return token, nil
	})
}

// NewOpenMiddleware returns middleware that lets every request through.
func NewOpenMiddleware() *authn.Middleware {
	return authn.NewMiddleware(func(ctx context.Context, req *http.Request) (any, error) {
		return nil, nil
	})
}
