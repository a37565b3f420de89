package config

import (
	"context"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	binarycache "github.com/wolfeidau/binary-cache"
)

func TestRenderEnvFunctions(t *testing.T) {
	t.Setenv("TEST_BUCKET", "nix-chunks")

	out, err := Render(t.Context(), []byte(`bucket: {{ env "TEST_BUCKET" }}`))
	require.NoError(t, err)
	require.Equal(t, "bucket: nix-chunks", string(out))

	_, err = Render(t.Context(), []byte(`bucket: {{ env "NONEXISTENT_VAR_XYZ" }}`))
	require.ErrorIs(t, err, binarycache.ErrInvalid)
	require.Contains(t, err.Error(), "NONEXISTENT_VAR_XYZ")

	out, err = Render(t.Context(), []byte(`bucket: {{ envDefault "NONEXISTENT_VAR_XYZ" "fallback" }}`))
	require.NoError(t, err)
	require.Equal(t, "bucket: fallback", string(out))
}

func TestRenderFileAndQuote(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secret.txt")
	require.NoError(t, os.WriteFile(path, []byte("with \"quotes\" and: colons\n"), 0o600))

	out, err := Render(t.Context(), []byte(`v: {{ file "`+path+`" | quote }}`))
	require.NoError(t, err)
	require.Equal(t, `v: "with \"quotes\" and: colons"`, string(out))
}

func TestRenderProviderIsMemoized(t *testing.T) {
	calls := 0
	mock := func(_ context.Context, ref string) (string, error) {
		calls++
		return "resolved-" + ref, nil
	}

	out, err := Render(t.Context(), []byte(`a: {{ mock "x" }}, b: {{ mock "x" }}`), WithSecretProvider("mock", mock))
	require.NoError(t, err)
	require.Equal(t, "a: resolved-x, b: resolved-x", string(out))
	require.Equal(t, 1, calls)
}

func TestRenderProviderError(t *testing.T) {
	failing := func(context.Context, string) (string, error) { return "", errors.New("vault sealed") }
	_, err := Render(t.Context(), []byte(`a: {{ vault "x" }}`), WithSecretProvider("vault", failing))
	require.ErrorIs(t, err, binarycache.ErrInvalid)
	require.Contains(t, err.Error(), "vault sealed")
}

func TestRenderLimitsSize(t *testing.T) {
	_, err := Render(t.Context(), []byte(strings.Repeat("#", maxDocumentSize+1)))
	require.ErrorIs(t, err, binarycache.ErrInvalid)
}

func TestLoadRendersSecrets(t *testing.T) {
	secret := base64.StdEncoding.EncodeToString([]byte(strings.Repeat("k", 32)))
	t.Setenv("TEST_TOKEN_SECRET", secret)
	t.Setenv(EnvTokenSecret, "")
	t.Setenv(EnvConfigBase64, "")

	path := filepath.Join(t.TempDir(), "server.yaml")
	doc := minimal + `token-hs256-secret-base64: {{ env "TEST_TOKEN_SECRET" | quote }}` + "\n"
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	cfg, err := Load(t.Context(), path)
	require.NoError(t, err)
	got, err := cfg.TokenSecret()
	require.NoError(t, err)
	require.Equal(t, []byte(strings.Repeat("k", 32)), got)
}

func TestWithOnePasswordRegistersProvider(t *testing.T) {
	// Calling `op read` needs the 1Password CLI; parsing only needs the func.
	_, err := Render(t.Context(), []byte(`{{ if false }}{{ op "op://vault/item" }}{{ end }}`), WithOnePassword())
	require.NoError(t, err)
}
