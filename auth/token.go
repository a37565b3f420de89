package auth

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	binarycache "github.com/wolfeidau/binary-cache"
)

// MinSecretSize is the minimum HS256 secret length in bytes.
const MinSecretSize = 32

// Token is a verified capability token.
type Token struct {
	Subject   string
	ID        string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Grants    []Grant
}

// Allows reports whether any grant permits action on cache.
func (t *Token) Allows(action Action, cache string) bool {
	for _, g := range t.Grants {
		if g.Matches(action, cache) {
			return true
		}
	}
	return false
}

// claims is the JWT payload.
type claims struct {
	Grants []Grant `json:"grants"`
	jwt.RegisteredClaims
}

// Keyring signs and verifies tokens with a process-wide HS256 secret. It is
// immutable after construction and safe for concurrent use.
type Keyring struct {
	secret []byte
	now    func() time.Time
}

// KeyringOption configures a Keyring.
type KeyringOption func(*Keyring)

// WithNow sets the time function used for expiry checks.
func WithNow(now func() time.Time) KeyringOption {
	return func(k *Keyring) {
		k.now = now
	}
}

// NewKeyring creates a keyring from a raw secret.
func NewKeyring(secret []byte, opts ...KeyringOption) (*Keyring, error) {
	if len(secret) < MinSecretSize {
		return nil, fmt.Errorf("token secret is %d bytes, need at least %d: %w", len(secret), MinSecretSize, binarycache.ErrInvalid)
	}
	k := &Keyring{
		secret: append([]byte(nil), secret...),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(k)
	}
	return k, nil
}

// DecodeSecretBase64 decodes a base64 secret, accepting standard and URL
// alphabets with or without padding.
func DecodeSecretBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if b, err := enc.DecodeString(s); err == nil {
			return b, nil
		}
	}
	return nil, fmt.Errorf("token secret is not valid base64: %w", binarycache.ErrInvalid)
}

// Sign mints a token. A missing ID is filled with a random UUID and a zero
// IssuedAt with the current time. ExpiresAt is required.
func (k *Keyring) Sign(t *Token) (string, error) {
	if t.Subject == "" {
		return "", fmt.Errorf("token subject is required: %w", binarycache.ErrInvalid)
	}
	if t.ExpiresAt.IsZero() {
		return "", fmt.Errorf("token expiry is required: %w", binarycache.ErrInvalid)
	}
	for _, g := range t.Grants {
		if err := g.Validate(); err != nil {
			return "", err
		}
	}

	id := t.ID
	if id == "" {
		id = uuid.NewString()
	}
	issued := t.IssuedAt
	if issued.IsZero() {
		issued = k.now()
	}

	c := claims{
		Grants: t.Grants,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   t.Subject,
			ID:        id,
			IssuedAt:  jwt.NewNumericDate(issued),
			ExpiresAt: jwt.NewNumericDate(t.ExpiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(k.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// Verify checks the signature and expiry of raw. Every failure wraps
// binarycache.ErrUnauthenticated.
func (k *Keyring) Verify(raw string) (*Token, error) {
	var c claims
	_, err := jwt.ParseWithClaims(raw, &c,
		func(*jwt.Token) (any, error) { return k.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(k.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", binarycache.ErrUnauthenticated, reason(err))
	}

	t := &Token{
		Subject: c.Subject,
		ID:      c.ID,
		Grants:  c.Grants,
	}
	if c.IssuedAt != nil {
		t.IssuedAt = c.IssuedAt.Time
	}
	if c.ExpiresAt != nil {
		t.ExpiresAt = c.ExpiresAt.Time
	}
	for _, g := range t.Grants {
		if err := g.Validate(); err != nil {
			return nil, fmt.Errorf("%w: token carries an invalid grant", binarycache.ErrUnauthenticated)
		}
	}
	return t, nil
}

// reason condenses jwt errors into a short, stable description.
func reason(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "token expired"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "invalid signature"
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "malformed token"
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return "token has no expiry"
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		return "unsupported signing method"
	default:
		return "invalid token"
	}
}
