// Package config loads and validates the binary cache server configuration.
package config

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	binarycache "github.com/wolfeidau/binary-cache"
	"github.com/wolfeidau/binary-cache/auth"
	"github.com/wolfeidau/binary-cache/chunking"
	"github.com/wolfeidau/binary-cache/store/gc"
)

// Environment variables that override the file.
const (
	EnvConfigBase64 = "BINARY_CACHE_CONFIG_BASE64"
	EnvTokenSecret  = "BINARY_CACHE_TOKEN_HS256_SECRET_BASE64"
)

// Config is the server configuration.
type Config struct {
	Listen string `yaml:"listen" validate:"required"`
	// AllowedHosts lists the Host header values the server answers. Empty
	// allows every host.
	AllowedHosts []string `yaml:"allowed-hosts" validate:"dive,required"`
	// APIEndpoint is the externally visible base URL returned to clients in
	// cache-config responses. It must end with a slash. When unset it is
	// derived from the request Host header.
	APIEndpoint string `yaml:"api-endpoint" validate:"omitempty,url"`
	// SubstituterEndpoint is the base URL of the binary cache protocol,
	// defaulting to APIEndpoint.
	SubstituterEndpoint string `yaml:"substituter-endpoint" validate:"omitempty,url"`
	// SoftDeleteCaches keeps a tombstone for destroyed caches so their
	// names cannot be reused.
	SoftDeleteCaches bool `yaml:"soft-delete-caches"`

	TokenHS256SecretBase64 string `yaml:"token-hs256-secret-base64"`

	Database       Database           `yaml:"database"`
	Storage        map[string]Storage `yaml:"storage" validate:"required,min=1,dive"`
	DefaultStorage string             `yaml:"default-storage" validate:"required"`

	Compression       Compression       `yaml:"compression"`
	Chunking          Chunking          `yaml:"chunking"`
	GarbageCollection GarbageCollection `yaml:"garbage-collection"`

	RequireProofOfPossession bool `yaml:"require-proof-of-possession"`

	Metrics Metrics `yaml:"metrics"`
}

// Database selects the metadata index.
type Database struct {
	Type string `yaml:"type" validate:"oneof=bolt sqlite"`
	Path string `yaml:"path" validate:"required"`
}

// Storage configures one named chunk backend.
type Storage struct {
	Type string `yaml:"type" validate:"oneof=local s3"`

	// local
	Path string `yaml:"path" validate:"required_if=Type local"`

	// s3
	Bucket          string `yaml:"bucket" validate:"required_if=Type s3"`
	Endpoint        string `yaml:"endpoint" validate:"required_if=Type s3"`
	Region          string `yaml:"region"`
	Prefix          string `yaml:"prefix"`
	AccessKeyID     string `yaml:"access-key-id"`
	SecretAccessKey string `yaml:"secret-access-key"`
	UseSSL          bool   `yaml:"use-ssl"`
}

// Compression selects the default chunk codec.
type Compression struct {
	Type  string `yaml:"type" validate:"oneof=none zstd brotli gzip"`
	Level int    `yaml:"level" validate:"gte=0"`
}

// Chunking holds the content-defined chunking parameters.
type Chunking struct {
	NarSizeThreshold int64 `yaml:"nar-size-threshold" validate:"gte=0"`
	MinSize          int   `yaml:"min-size"`
	AvgSize          int   `yaml:"avg-size"`
	MaxSize          int   `yaml:"max-size"`
}

// GarbageCollection configures the collector.
type GarbageCollection struct {
	Interval               time.Duration `yaml:"interval" validate:"gte=0"`
	Schedule               string        `yaml:"schedule"`
	StartupDelay           time.Duration `yaml:"startup-delay" validate:"gte=0"`
	DefaultRetentionPeriod time.Duration `yaml:"default-retention-period" validate:"gte=0"`
	GracePeriod            time.Duration `yaml:"grace-period" validate:"gte=0"`
	BatchSize              int           `yaml:"batch-size" validate:"gt=0"`
	RedisLock              *RedisLock    `yaml:"redis-lock" validate:"omitempty"`
}

// RedisLock enables the cross-process sweep lock.
type RedisLock struct {
	Addr     string        `yaml:"addr" validate:"required,hostname_port"`
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db" validate:"gte=0"`
	Prefix   string        `yaml:"prefix"`
	TTL      time.Duration `yaml:"ttl" validate:"gte=0"`
}

// Metrics configures telemetry export.
type Metrics struct {
	Prometheus   bool   `yaml:"prometheus"`
	OTLPEndpoint string `yaml:"otlp-endpoint"`
	ServiceName  string `yaml:"service-name"`
}

// Default returns the configuration used before a file is applied.
func Default() *Config {
	chunk := chunking.DefaultParams()
	gcDefaults := gc.DefaultConfig()
	return &Config{
		Listen: ":8080",
		Database: Database{
			Type: "bolt",
			Path: "./binary-cache.db",
		},
		Compression: Compression{Type: string(chunking.Zstd)},
		Chunking: Chunking{
			NarSizeThreshold: chunk.NarSizeThreshold,
			MinSize:          chunk.MinSize,
			AvgSize:          chunk.AvgSize,
			MaxSize:          chunk.MaxSize,
		},
		GarbageCollection: GarbageCollection{
			Interval:     gcDefaults.Interval,
			StartupDelay: gcDefaults.StartupDelay,
			GracePeriod:  gcDefaults.GracePeriod,
			BatchSize:    gcDefaults.BatchSize,
		},
		RequireProofOfPossession: true,
		Metrics: Metrics{
			Prometheus:  true,
			ServiceName: "binary-cache",
		},
	}
}

// Load reads the configuration from BINARY_CACHE_CONFIG_BASE64 when it is
// set, and from path otherwise. The document is rendered as a template
// before it is parsed.
func Load(ctx context.Context, path string, opts ...LoadOption) (*Config, error) {
	var data []byte
	if encoded := os.Getenv(EnvConfigBase64); encoded != "" {
		decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
		if err != nil {
			return nil, fmt.Errorf("decoding %s: %w", EnvConfigBase64, binarycache.ErrInvalid)
		}
		data = decoded
	} else {
		if path == "" {
			return nil, fmt.Errorf("no config file given and %s is unset: %w", EnvConfigBase64, binarycache.ErrInvalid)
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		data = raw
	}

	rendered, err := Render(ctx, data, opts...)
	if err != nil {
		return nil, err
	}
	return Parse(rendered)
}

// Parse decodes a YAML document over the defaults and validates it.
// Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing config: %v: %w", err, binarycache.ErrInvalid)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and the relationships between fields.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config validation failed: %v: %w", err, binarycache.ErrInvalid)
	}
	for key, endpoint := range map[string]string{"api-endpoint": c.APIEndpoint, "substituter-endpoint": c.SubstituterEndpoint} {
		if endpoint != "" && !strings.HasSuffix(endpoint, "/") {
			return fmt.Errorf("%s %q must end with a slash: %w", key, endpoint, binarycache.ErrInvalid)
		}
	}
	if _, ok := c.Storage[c.DefaultStorage]; !ok {
		return fmt.Errorf("default-storage %q is not a configured storage: %w", c.DefaultStorage, binarycache.ErrInvalid)
	}
	if err := c.ChunkingParams().Validate(); err != nil {
		return fmt.Errorf("%v: %w", err, binarycache.ErrInvalid)
	}
	if s := c.GarbageCollection.Schedule; s != "" {
		if _, err := cron.ParseStandard(s); err != nil {
			return fmt.Errorf("garbage-collection schedule %q: %v: %w", s, err, binarycache.ErrInvalid)
		}
	}
	return nil
}

// ChunkingParams returns the chunker parameters.
func (c *Config) ChunkingParams() chunking.Params {
	return chunking.Params{
		NarSizeThreshold: c.Chunking.NarSizeThreshold,
		MinSize:          c.Chunking.MinSize,
		AvgSize:          c.Chunking.AvgSize,
		MaxSize:          c.Chunking.MaxSize,
	}
}

// CompressionType returns the default chunk codec.
func (c *Config) CompressionType() chunking.Compression {
	return chunking.Compression(c.Compression.Type)
}

// GC returns the collector configuration.
func (c *Config) GC() gc.Config {
	g := c.GarbageCollection
	return gc.Config{
		Interval:         g.Interval,
		Schedule:         g.Schedule,
		StartupDelay:     g.StartupDelay,
		DefaultRetention: g.DefaultRetentionPeriod,
		GracePeriod:      g.GracePeriod,
		BatchSize:        g.BatchSize,
	}
}

// TokenSecret returns the decoded HS256 secret. The environment variable
// takes precedence over the file.
func (c *Config) TokenSecret() ([]byte, error) {
	encoded := os.Getenv(EnvTokenSecret)
	if encoded == "" {
		encoded = c.TokenHS256SecretBase64
	}
	if encoded == "" {
		return nil, fmt.Errorf("token secret is not configured, set token-hs256-secret-base64 or %s: %w", EnvTokenSecret, binarycache.ErrInvalid)
	}
	secret, err := auth.DecodeSecretBase64(encoded)
	if err != nil {
		return nil, err
	}
	if len(secret) < auth.MinSecretSize {
		return nil, fmt.Errorf("token secret is %d bytes, need at least %d: %w", len(secret), auth.MinSecretSize, binarycache.ErrInvalid)
	}
	return secret, nil
}
