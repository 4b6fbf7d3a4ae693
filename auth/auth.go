// Package auth defines the bearer-token verification contract shared by the
// gateway transports. Tokens here are the platform's opaque static keys; the
// authorization bridge issues them verbatim, so verification is a format
// check rather than a signature check.
package auth

import (
	"context"
	"errors"
	"time"
)

// ErrUnauthorized indicates authentication failed or no valid credentials were supplied.
var ErrUnauthorized = errors.New("unauthorized")

// TokenInfo describes a verified bearer token.
type TokenInfo struct {
	// Token is the raw credential, suitable for direct injection into
	// outbound platform calls.
	Token string
	// Team is the team the credential belongs to. Never empty: legacy keys
	// resolve to the gateway's configured default team.
	Team string
	// ExpiresAt mirrors the platform key's lack of built-in rotation: the
	// bridge reports a far-future expiry.
	ExpiresAt time.Time
	// Scopes is always empty; the platform has no scope concept.
	Scopes []string
}

// Verifier validates bearer tokens presented on gateway connections.
// Implementations return ErrUnauthorized for invalid credentials.
type Verifier interface {
	VerifyToken(ctx context.Context, tok string) (*TokenInfo, error)
}

// VerifierFunc adapts a function to the Verifier interface.
type VerifierFunc func(ctx context.Context, tok string) (*TokenInfo, error)

func (f VerifierFunc) VerifyToken(ctx context.Context, tok string) (*TokenInfo, error) {
	return f(ctx, tok)
}
