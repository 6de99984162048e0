// Package auth parses and verifies the bearer credential on relay upgrade
// requests. Verification itself is an external collaborator behind the
// Verifier interface; the static implementation exists for deployments that
// provision tokens directly.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/auralis-ai/voicerelay/pkg/providers"
)

// ErrInvalidToken is returned by verifiers for absent or unknown tokens.
var ErrInvalidToken = errors.New("auth: invalid token")

// Identity is the verified caller behind a bearer token.
type Identity struct {
	UserID string
	Tier   providers.Tier
}

// Verifier validates a bearer token and resolves the caller's identity.
type Verifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// ParseBearer extracts the bearer token from the Authorization header.
func ParseBearer(r *http.Request) (string, bool) {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	if authz == "" {
		return "", false
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	if token == "" {
		return "", false
	}
	return token, true
}

// StaticVerifier resolves tokens from a fixed in-memory set.
type StaticVerifier struct {
	tokens map[string]Identity
}

// NewStaticVerifier builds a verifier over provisioned tokens.
func NewStaticVerifier(tokens map[string]Identity) *StaticVerifier {
	if tokens == nil {
		tokens = make(map[string]Identity)
	}
	return &StaticVerifier{tokens: tokens}
}

func (v *StaticVerifier) Verify(_ context.Context, token string) (Identity, error) {
	id, ok := v.tokens[token]
	if !ok {
		return Identity{}, ErrInvalidToken
	}
	return id, nil
}

type ctxKey struct{}

// WithIdentity attaches the verified identity to a request context.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// IdentityFrom returns the verified identity, if any.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	return id, ok
}
