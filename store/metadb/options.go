package metadb

import (
	"log/slog"
	"time"
)

type config struct {
	logger *slog.Logger
	now    func() time.Time
	noSync bool // disables fsync per transaction (for testing only)

	softDeleteCaches bool
}

// Option configures an Index implementation.
type Option func(*config)

// WithLogger sets the logger for the database.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(c *config) {
		c.now = now
	}
}

// WithNoSync disables fsync per transaction.
// WARNING: This improves write performance but risks data loss on crash.
// Use only for testing or benchmarking, never in production.
func WithNoSync(noSync bool) Option {
	return func(c *config) {
		c.noSync = noSync
	}
}

// WithSoftDeleteCaches makes DestroyCache leave a tombstone row in place of
// the cache so its name cannot be reused. Entries are still removed.
func WithSoftDeleteCaches(soft bool) Option {
	return func(c *config) {
		c.softDeleteCaches = soft
	}
}

func newConfig(opts []Option) config {
	c := config{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}
