package rcp

import (
	"context"
	"crypto/subtle"
	"fmt"
)

// Identity represents an authenticated robot.
type Identity struct {
	// Subject names the authenticated robot or fleet credential.
	Subject string `json:"subject"`

	// Environments restricts which environments the credential may
	// register for. Empty means no restriction.
	Environments []string `json:"environments,omitempty"`
}

// AllowsEnvironment reports whether the credential may serve env.
func (id *Identity) AllowsEnvironment(env string) bool {
	if len(id.Environments) == 0 {
		return true
	}
	for _, e := range id.Environments {
		if e == env || e == "*" {
			return true
		}
	}
	return false
}

// Authenticator validates registration credentials.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*Identity, error)
}

// ErrUnauthorized indicates authentication failure.
var ErrUnauthorized = fmt.Errorf("rcp: unauthorized")

// ── Token authenticator ─────────────────────────────

// TokenEntry maps a fleet token to an identity.
type TokenEntry struct {
	Token    string
	Identity Identity
}

// TokenAuthenticator validates registration tokens against a static list.
type TokenAuthenticator struct {
	entries []TokenEntry
}

// NewTokenAuthenticator creates a token authenticator.
func NewTokenAuthenticator(entries ...TokenEntry) *TokenAuthenticator {
	return &TokenAuthenticator{entries: entries}
}

func (a *TokenAuthenticator) Authenticate(_ context.Context, token string) (*Identity, error) {
	for i := range a.entries {
		if subtle.ConstantTimeCompare([]byte(a.entries[i].Token), []byte(token)) == 1 {
			id := a.entries[i].Identity
			return &id, nil
		}
	}
	return nil, ErrUnauthorized
}

// ── No-op authenticator ─────────────────────────────

// NoopAuthenticator accepts all tokens. Use for development only.
type NoopAuthenticator struct{}

func (a *NoopAuthenticator) Authenticate(_ context.Context, _ string) (*Identity, error) {
	return &Identity{Subject: "anonymous"}, nil
}
