package auth

import (
	"context"
	"fmt"
	"strings"

	binarycache "github.com/wolfeidau/binary-cache"
	"github.com/wolfeidau/binary-cache/telemetry"
)

// Principal is the subject of a request: a verified token, or anonymous.
// A presented token that failed verification yields an anonymous principal
// that remembers the failure so denials can say why.
type Principal struct {
	token     *Token
	verifyErr error
}

// Anonymous returns a principal with no grants.
func Anonymous() *Principal {
	return &Principal{}
}

// NewPrincipal wraps a verified token.
func NewPrincipal(t *Token) *Principal {
	return &Principal{token: t}
}

// Authenticate verifies an Authorization header value. An empty header, a
// non-bearer scheme or an invalid token all produce an anonymous principal.
func (k *Keyring) Authenticate(header string) *Principal {
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		if header == "" {
			return Anonymous()
		}
		return &Principal{verifyErr: fmt.Errorf("%w: unsupported authorization scheme", binarycache.ErrUnauthenticated)}
	}
	t, err := k.Verify(strings.TrimSpace(raw))
	if err != nil {
		return &Principal{verifyErr: err}
	}
	return NewPrincipal(t)
}

// IsAnonymous reports whether the principal has no verified token.
func (p *Principal) IsAnonymous() bool {
	return p == nil || p.token == nil
}

// Subject returns the token subject, or "" for anonymous principals.
func (p *Principal) Subject() string {
	if p.IsAnonymous() {
		return ""
	}
	return p.token.Subject
}

// Token returns the verified token, or nil.
func (p *Principal) Token() *Token {
	if p.IsAnonymous() {
		return nil
	}
	return p.token
}

// Can reports whether the principal holds a grant for action on cache.
func (p *Principal) Can(action Action, cache string) bool {
	return !p.IsAnonymous() && p.token.Allows(action, cache)
}

// Authorize checks action on cache. Pull on a public cache needs no grant.
// Otherwise the principal must hold a matching grant. Denials wrap
// ErrUnauthenticated for anonymous principals and ErrForbidden otherwise.
func Authorize(ctx context.Context, p *Principal, action Action, cache string, public bool) error {
	if p.Can(action, cache) {
		telemetry.RecordAuthDecision(ctx, string(action), "allow")
		return nil
	}
	if action == ActionPull && public {
		telemetry.RecordAuthDecision(ctx, string(action), "allow")
		return nil
	}
	if p.IsAnonymous() {
		telemetry.RecordAuthDecision(ctx, string(action), "unauthenticated")
		if p != nil && p.verifyErr != nil {
			return p.verifyErr
		}
		return fmt.Errorf("%w: %s on %q requires a token", binarycache.ErrUnauthenticated, action, cache)
	}
	telemetry.RecordAuthDecision(ctx, string(action), "deny")
	return fmt.Errorf("%w: %s on %q", binarycache.ErrForbidden, action, cache)
}

type principalKey struct{}

// WithPrincipal returns a context carrying p.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext returns the principal in ctx, or an anonymous one.
func PrincipalFromContext(ctx context.Context) *Principal {
	if p, ok := ctx.Value(principalKey{}).(*Principal); ok && p != nil {
		return p
	}
	return Anonymous()
}
