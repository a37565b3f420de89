package narinfo

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	binarycache "github.com/wolfeidau/binary-cache"
)

// SigningKey is a named ed25519 key in the nix "name:base64" format.
type SigningKey struct {
	Name string
	Key  ed25519.PrivateKey
}

// GenerateSigningKey creates a fresh key pair.
func GenerateSigningKey(name string) (*SigningKey, error) {
	if name == "" || strings.Contains(name, ":") {
		return nil, fmt.Errorf("key name %q: %w", name, binarycache.ErrInvalid)
	}
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating signing key: %w", err)
	}
	return &SigningKey{Name: name, Key: priv}, nil
}

// ParseSigningKey parses "name:base64(private key)". Both the 64 byte
// private key and the 32 byte seed are accepted.
func ParseSigningKey(s string) (*SigningKey, error) {
	name, b64, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || name == "" {
		return nil, fmt.Errorf("signing key is not name:base64: %w", binarycache.ErrInvalid)
	}
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("signing key %s: %w", name, binarycache.ErrInvalid)
	}
	switch len(raw) {
	case ed25519.PrivateKeySize:
		return &SigningKey{Name: name, Key: ed25519.PrivateKey(raw)}, nil
	case ed25519.SeedSize:
		return &SigningKey{Name: name, Key: ed25519.NewKeyFromSeed(raw)}, nil
	default:
		return nil, fmt.Errorf("signing key %s is %d bytes: %w", name, len(raw), binarycache.ErrInvalid)
	}
}

// String returns the secret key in "name:base64" form.
func (k *SigningKey) String() string {
	return k.Name + ":" + base64.StdEncoding.EncodeToString(k.Key)
}

// PublicKey returns the public key in "name:base64" form, as placed in
// trusted-public-keys.
func (k *SigningKey) PublicKey() string {
	pub := k.Key.Public().(ed25519.PublicKey)
	return k.Name + ":" + base64.StdEncoding.EncodeToString(pub)
}

// Sign returns a Sig value over the fingerprint of ni.
func (k *SigningKey) Sign(ni *NarInfo) string {
	sig := ed25519.Sign(k.Key, []byte(ni.Fingerprint()))
	return k.Name + ":" + base64.StdEncoding.EncodeToString(sig)
}

// Verify reports whether any Sig on ni is valid for one of the public keys,
// each in "name:base64" form.
func Verify(ni *NarInfo, publicKeys []string) bool {
	keys := make(map[string]ed25519.PublicKey, len(publicKeys))
	for _, pk := range publicKeys {
		name, b64, ok := strings.Cut(pk, ":")
		if !ok {
			continue
		}
		raw, err := base64.StdEncoding.DecodeString(b64)
		if err != nil || len(raw) != ed25519.PublicKeySize {
			continue
		}
		keys[name] = ed25519.PublicKey(raw)
	}

	fp := []byte(ni.Fingerprint())
	for _, s := range ni.Sigs {
		name, b64, ok := strings.Cut(s, ":")
		if !ok {
			continue
		}
		key, ok := keys[name]
		if !ok {
			continue
		}
		sig, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			continue
		}
		if ed25519.Verify(key, fp, sig) {
			return true
		}
	}
	return false
}
