package config

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"text/template"

	binarycache "github.com/wolfeidau/binary-cache"
)

// maxDocumentSize bounds both the template and its rendered output.
const maxDocumentSize = 1 << 20

// SecretProvider resolves a secret reference to its value.
type SecretProvider func(ctx context.Context, ref string) (string, error)

// LoadOption configures Load.
type LoadOption func(*loader)

type loader struct {
	providers map[string]SecretProvider
}

// WithSecretProvider registers a named secret provider as a template
// function, so the document can say `secret: {{ name "ref" | quote }}`.
func WithSecretProvider(name string, p SecretProvider) LoadOption {
	return func(l *loader) {
		l.providers[name] = p
	}
}

// WithOnePassword registers an "op" template function that resolves secrets
// using the 1Password CLI (`op read`).
func WithOnePassword() LoadOption {
	return WithSecretProvider("op", func(ctx context.Context, ref string) (string, error) {
		cmd := exec.CommandContext(ctx, "op", "read", ref)

		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		if err := cmd.Run(); err != nil {
			return "", fmt.Errorf("op read %q: %s: %w", ref, strings.TrimSpace(stderr.String()), err)
		}
		return strings.TrimSpace(stdout.String()), nil
	})
}

// Render executes the document as a text/template. Besides the registered
// providers it offers env, envDefault, file and quote. Each provider
// reference is resolved at most once per render.
func Render(ctx context.Context, data []byte, opts ...LoadOption) ([]byte, error) {
	if len(data) > maxDocumentSize {
		return nil, fmt.Errorf("config exceeds maximum size of %d bytes: %w", maxDocumentSize, binarycache.ErrInvalid)
	}

	l := &loader{providers: make(map[string]SecretProvider)}
	for _, opt := range opts {
		opt(l)
	}

	tmpl, err := template.New("config").
		Option("missingkey=error").
		Funcs(l.funcMap(ctx)).
		Parse(string(data))
	if err != nil {
		return nil, fmt.Errorf("parsing config template: %v: %w", err, binarycache.ErrInvalid)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, nil); err != nil {
		return nil, fmt.Errorf("executing config template: %v: %w", err, binarycache.ErrInvalid)
	}
	if buf.Len() > maxDocumentSize {
		return nil, fmt.Errorf("rendered config exceeds maximum size of %d bytes: %w", maxDocumentSize, binarycache.ErrInvalid)
	}
	return buf.Bytes(), nil
}

func (l *loader) funcMap(ctx context.Context) template.FuncMap {
	fm := template.FuncMap{
		"env": func(key string) (string, error) {
			val, ok := os.LookupEnv(key)
			if !ok {
				return "", fmt.Errorf("environment variable %q is not set", key)
			}
			return val, nil
		},
		"envDefault": func(key, fallback string) string {
			if val, ok := os.LookupEnv(key); ok {
				return val
			}
			return fallback
		},
		"file": func(path string) (string, error) {
			data, err := os.ReadFile(path)
			if err != nil {
				return "", fmt.Errorf("reading file %q: %w", path, err)
			}
			return strings.TrimSpace(string(data)), nil
		},
		// A JSON string is a valid YAML double-quoted scalar.
		"quote": func(v string) (string, error) {
			b, err := json.Marshal(v)
			if err != nil {
				return "", fmt.Errorf("quoting value: %w", err)
			}
			return string(b), nil
		},
	}

	cache := make(map[string]string)
	for name, provider := range l.providers {
		fm[name] = func(ref string) (string, error) {
			key := name + ":" + ref
			if val, ok := cache[key]; ok {
				return val, nil
			}
			val, err := provider(ctx, ref)
			if err != nil {
				return "", fmt.Errorf("provider %q failed for ref %q: %w", name, ref, err)
			}
			cache[key] = val
			return val, nil
		}
	}
	return fm
}
