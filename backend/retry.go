package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	binarycache "github.com/wolfeidau/binary-cache"
)

const (
	defaultRetryMaxTries    = 5
	defaultRetryMaxElapsed  = 30 * time.Second
	defaultRetryInitialWait = 100 * time.Millisecond
)

// Retrying wraps a Backend and retries operations that fail with a transient
// error (one wrapping binarycache.ErrUnavailable) using exponential backoff.
// Everything else, including ErrNotFound, is returned on the first attempt.
type Retrying struct {
	backend     Backend
	maxTries    uint
	maxElapsed  time.Duration
	initialWait time.Duration
	logger      *slog.Logger
}

// RetryOption configures a Retrying backend.
type RetryOption func(*Retrying)

// WithMaxTries sets the total number of attempts per operation.
func WithMaxTries(n uint) RetryOption {
	return func(r *Retrying) {
		r.maxTries = n
	}
}

// WithMaxElapsed bounds the total time spent retrying one operation.
func WithMaxElapsed(d time.Duration) RetryOption {
	return func(r *Retrying) {
		r.maxElapsed = d
	}
}

// WithInitialInterval sets the first backoff interval.
func WithInitialInterval(d time.Duration) RetryOption {
	return func(r *Retrying) {
		r.initialWait = d
	}
}

// WithRetryLogger sets the logger used to report retried failures.
func WithRetryLogger(logger *slog.Logger) RetryOption {
	return func(r *Retrying) {
		r.logger = logger
	}
}

// NewRetrying wraps b with bounded retries.
func NewRetrying(b Backend, opts ...RetryOption) *Retrying {
	r := &Retrying{
		backend:     b,
		maxTries:    defaultRetryMaxTries,
		maxElapsed:  defaultRetryMaxElapsed,
		initialWait: defaultRetryInitialWait,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func retry[T any](ctx context.Context, r *Retrying, op string, fn func() (T, error)) (T, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = r.initialWait

	return backoff.Retry(ctx, func() (T, error) {
		v, err := fn()
		if err != nil && !errors.Is(err, binarycache.ErrUnavailable) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(r.maxTries),
		backoff.WithMaxElapsedTime(r.maxElapsed),
		backoff.WithNotify(func(err error, next time.Duration) {
			r.logger.Warn("retrying backend operation", "op", op, "error", err, "backoff", next)
		}),
	)
}

// Write retries only when r can be rewound; a plain stream is written once.
func (r *Retrying) Write(ctx context.Context, key string, body io.Reader) error {
	seeker, ok := body.(io.Seeker)
	if !ok {
		return r.backend.Write(ctx, key, body)
	}
	_, err := retry(ctx, r, "write", func() (struct{}, error) {
		if _, err := seeker.Seek(0, io.SeekStart); err != nil {
			return struct{}{}, backoff.Permanent(fmt.Errorf("rewinding body: %w", err))
		}
		return struct{}{}, r.backend.Write(ctx, key, body)
	})
	return err
}

func (r *Retrying) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	return retry(ctx, r, "read", func() (io.ReadCloser, error) {
		return r.backend.Read(ctx, key)
	})
}

func (r *Retrying) Delete(ctx context.Context, key string) error {
	_, err := retry(ctx, r, "delete", func() (struct{}, error) {
		return struct{}{}, r.backend.Delete(ctx, key)
	})
	return err
}

func (r *Retrying) Exists(ctx context.Context, key string) (bool, error) {
	return retry(ctx, r, "exists", func() (bool, error) {
		return r.backend.Exists(ctx, key)
	})
}

func (r *Retrying) List(ctx context.Context, prefix string) ([]string, error) {
	return retry(ctx, r, "list", func() ([]string, error) {
		return r.backend.List(ctx, prefix)
	})
}

// Unwrap returns the underlying backend.
func (r *Retrying) Unwrap() Backend {
	return r.backend
}

var _ Backend = (*Retrying)(nil)
