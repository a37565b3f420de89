// Package backend provides the blob storage backends chunks are written to.
package backend

import (
	"context"
	"fmt"
	"io"

	binarycache "github.com/wolfeidau/binary-cache"
)

// ErrNotFound is returned when a key does not exist in the backend.
var ErrNotFound = fmt.Errorf("backend: %w", binarycache.ErrNotFound)

// Backend defines the interface for blob storage backends.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Write stores data at the given key.
	// If the key already exists, it is overwritten.
	Write(ctx context.Context, key string, r io.Reader) error

	// Read retrieves data at the given key.
	// Returns ErrNotFound if the key does not exist.
	// The caller must close the returned ReadCloser.
	Read(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes data at the given key.
	// Returns ErrNotFound if the key does not exist.
	Delete(ctx context.Context, key string) error

	// Exists checks if a key exists.
	Exists(ctx context.Context, key string) (bool, error)

	// List returns all keys with the given prefix.
	// The prefix should use "/" as the path separator.
	List(ctx context.Context, prefix string) ([]string, error)
}

// SizeAwareBackend extends Backend with size information.
type SizeAwareBackend interface {
	Backend

	// Size returns the size in bytes of the data at the given key.
	// Returns ErrNotFound if the key does not exist.
	Size(ctx context.Context, key string) (int64, error)
}

// transientError marks a backend failure worth retrying.
func transientError(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, binarycache.ErrUnavailable, err)
}
