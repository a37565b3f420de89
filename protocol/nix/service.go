// Package nix implements the binary cache service: pushing archives through
// the chunking pipeline into the chunk store, serving them back, and
// managing caches. Every operation is authorized against the principal in
// its context.
package nix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	binarycache "github.com/wolfeidau/binary-cache"
	"github.com/wolfeidau/binary-cache/auth"
	"github.com/wolfeidau/binary-cache/chunking"
	"github.com/wolfeidau/binary-cache/store"
	"github.com/wolfeidau/binary-cache/store/metadb"
)

const (
	// registerAttempts bounds retries of a register transaction that met a
	// chunk claimed by the collector.
	registerAttempts = 3
	// insertAttempts bounds waits for a claimed chunk row to disappear.
	insertAttempts = 5
)

// Stores resolves storage backend names to chunk stores.
type Stores interface {
	Get(name string) (store.Store, error)
	Resolve(name string) (string, error)
}

// Config configures the service.
type Config struct {
	Chunking         chunking.Params
	Compression      chunking.Compression
	CompressionLevel int
	// RequireProofOfPossession makes every push upload its archive even when
	// the same content already exists in another cache.
	RequireProofOfPossession bool
	// APIEndpoint and SubstituterEndpoint are the base URLs reported in
	// cache configuration. Empty values are derived per request.
	APIEndpoint         string
	SubstituterEndpoint string
}

// DefaultConfig returns the default service configuration.
func DefaultConfig() Config {
	return Config{
		Chunking:                 chunking.DefaultParams(),
		Compression:              chunking.Zstd,
		RequireProofOfPossession: true,
	}
}

// Service orchestrates pushes, pulls and cache management.
type Service struct {
	index  metadb.Index
	stores Stores
	config Config
	logger *slog.Logger
	now    func() time.Time

	// conflictWait is the first backoff interval when a chunk row is claimed.
	conflictWait time.Duration

	mu     sync.Mutex
	codecs map[chunking.Compression]*chunking.Codec
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger for the service.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithConflictWait sets the first backoff interval used while waiting for a
// claimed chunk to be removed.
func WithConflictWait(d time.Duration) Option {
	return func(s *Service) {
		s.conflictWait = d
	}
}

// New creates a service.
func New(index metadb.Index, stores Stores, config Config, opts ...Option) (*Service, error) {
	if config.Compression == "" {
		config.Compression = chunking.Zstd
	}
	if err := config.Chunking.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", binarycache.ErrInvalid, err)
	}
	s := &Service{
		index:        index,
		stores:       stores,
		config:       config,
		logger:       slog.Default(),
		now:          time.Now,
		conflictWait: 50 * time.Millisecond,
		codecs:       make(map[chunking.Compression]*chunking.Codec),
	}
	for _, opt := range opts {
		opt(s)
	}
	if _, err := s.codec(config.Compression); err != nil {
		return nil, err
	}
	return s, nil
}

// Close releases the compression codecs.
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c, codec := range s.codecs {
		codec.Close()
		delete(s.codecs, c)
	}
}

// codec returns the shared codec for c, creating it on first use.
func (s *Service) codec(c chunking.Compression) (*chunking.Codec, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if codec, ok := s.codecs[c]; ok {
		return codec, nil
	}
	level := 0
	if c == s.config.Compression {
		level = s.config.CompressionLevel
	}
	codec, err := chunking.NewCodec(c, level)
	if err != nil {
		return nil, err
	}
	s.codecs[c] = codec
	return codec, nil
}

// cacheCodec returns the codec for a cache, honouring its override.
func (s *Service) cacheCodec(c *metadb.Cache) (*chunking.Codec, error) {
	if c.Compression == "" {
		return s.codec(s.config.Compression)
	}
	comp, err := chunking.ParseCompression(c.Compression)
	if err != nil {
		return nil, err
	}
	return s.codec(comp)
}

// authorize loads the cache and checks action against the principal in ctx.
// An unknown cache is reported as not found only to principals that would
// have been allowed, so cache names cannot be probed.
func (s *Service) authorize(ctx context.Context, action auth.Action, name string) (*metadb.Cache, error) {
	p := auth.PrincipalFromContext(ctx)

	c, err := s.index.GetCache(ctx, name)
	if errors.Is(err, metadb.ErrNotFound) {
		if err := auth.Authorize(ctx, p, action, name, false); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("cache %q: %w", name, binarycache.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading cache %q: %w", name, err)
	}

	if err := auth.Authorize(ctx, p, action, name, c.Public); err != nil {
		return nil, err
	}
	return c, nil
}

// retryConflict runs fn until it succeeds, fails with something other than
// ErrConflict, or attempts run out.
func retryConflict[T any](ctx context.Context, s *Service, op string, attempts uint, fn func() (T, error)) (T, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = s.conflictWait

	return backoff.Retry(ctx, func() (T, error) {
		v, err := fn()
		if err != nil && !errors.Is(err, binarycache.ErrConflict) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(attempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			s.logger.Debug("retrying after metadata conflict", "op", op, "error", err, "backoff", next)
		}),
	)
}
