package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	binarycache "github.com/wolfeidau/binary-cache"
	"github.com/wolfeidau/binary-cache/backend"
	"github.com/wolfeidau/binary-cache/chunking"
)

// ErrNotFound is returned when a chunk is not in the backend.
var ErrNotFound = backend.ErrNotFound

// CAFS stores framed chunk blobs in a backend under
// chunks/{hex[:2]}/{hex}.
type CAFS struct {
	backend backend.Backend
	flight  singleflight.Group
	now     func() time.Time
	logger  *slog.Logger
}

// CAFSOption configures a CAFS instance.
type CAFSOption func(*CAFS)

// WithNow sets the clock used for stored-at timestamps.
func WithNow(now func() time.Time) CAFSOption {
	return func(c *CAFS) {
		c.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) CAFSOption {
	return func(c *CAFS) {
		c.logger = logger
	}
}

// NewCAFS creates a new content-addressable chunk store.
func NewCAFS(b backend.Backend, opts ...CAFSOption) *CAFS {
	c := &CAFS{
		backend: b,
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Put stores a chunk unless it is already present. Concurrent puts of the
// same hash in this process share a single backend write.
func (c *CAFS) Put(ctx context.Context, blob *Blob) (PutResult, error) {
	if blob.Hash.IsZero() {
		return PutResult{}, fmt.Errorf("%w: chunk hash is required", binarycache.ErrInvalid)
	}
	key := binarycache.ChunkStorageKey(blob.Hash)

	v, err, _ := c.flight.Do(key, func() (any, error) {
		exists, err := c.backend.Exists(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("checking chunk: %w", err)
		}
		if exists {
			return PutResult{Hash: blob.Hash, Outcome: AlreadyPresent}, nil
		}

		framed, err := backend.FrameBytes(&backend.ChunkHeader{
			Hash:           blob.Hash.String(),
			Compression:    string(blob.Compression),
			Size:           blob.Size,
			CompressedSize: int64(len(blob.Data)),
			StoredAt:       c.now().UTC().Format(time.RFC3339),
		}, blob.Data)
		if err != nil {
			return nil, err
		}
		if err := c.backend.Write(ctx, key, bytes.NewReader(framed)); err != nil {
			return nil, fmt.Errorf("writing chunk: %w", err)
		}
		return PutResult{Hash: blob.Hash, Outcome: Stored, StoredSize: int64(len(framed))}, nil
	})
	if err != nil {
		return PutResult{}, err
	}
	return v.(PutResult), nil
}

// Open returns the verified, decompressed chunk stream.
func (c *CAFS) Open(ctx context.Context, h binarycache.Hash) (io.ReadCloser, error) {
	rc, err := c.backend.Read(ctx, binarycache.ChunkStorageKey(h))
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading chunk: %w", err)
	}

	header, body, err := backend.ReadFramed(rc)
	if err != nil {
		_ = rc.Close()
		return nil, fmt.Errorf("%w: chunk %s: %v", binarycache.ErrIntegrity, h.ShortString(), err)
	}
	if header.Hash != h.String() {
		_ = rc.Close()
		return nil, fmt.Errorf("%w: chunk %s has header for %s", binarycache.ErrIntegrity, h.ShortString(), header.Hash)
	}

	dec, err := chunking.NewReader(chunking.Compression(header.Compression), body)
	if err != nil {
		_ = rc.Close()
		return nil, err
	}
	return &verifyingReader{
		hr:      binarycache.NewHashingReader(dec),
		want:    h,
		size:    header.Size,
		closers: []io.Closer{dec, rc},
	}, nil
}

// ReadAll returns the verified, decompressed chunk.
func (c *CAFS) ReadAll(ctx context.Context, h binarycache.Hash) ([]byte, error) {
	rc, err := c.Open(ctx, h)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()
	return io.ReadAll(rc)
}

// Has checks if a chunk with the given hash exists.
func (c *CAFS) Has(ctx context.Context, h binarycache.Hash) (bool, error) {
	return c.backend.Exists(ctx, binarycache.ChunkStorageKey(h))
}

// Delete removes a chunk.
func (c *CAFS) Delete(ctx context.Context, h binarycache.Hash) error {
	if err := c.backend.Delete(ctx, binarycache.ChunkStorageKey(h)); err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("deleting chunk: %w", err)
	}
	return nil
}

// List returns every chunk hash in the backend. This may be expensive.
func (c *CAFS) List(ctx context.Context) ([]binarycache.Hash, error) {
	keys, err := c.backend.List(ctx, binarycache.ChunkStoragePrefix)
	if err != nil {
		return nil, fmt.Errorf("listing chunks: %w", err)
	}
	hashes := make([]binarycache.Hash, 0, len(keys))
	for _, key := range keys {
		h, err := binarycache.ParseChunkStorageKey(key)
		if err != nil {
			c.logger.Warn("skipping unexpected key in chunk prefix", "key", key)
			continue
		}
		hashes = append(hashes, h)
	}
	return hashes, nil
}

// verifyingReader checks the decompressed stream against the chunk address
// once it reaches EOF.
type verifyingReader struct {
	hr      *binarycache.HashingReader
	want    binarycache.Hash
	size    int64
	closers []io.Closer
}

func (v *verifyingReader) Read(p []byte) (int, error) {
	n, err := v.hr.Read(p)
	if v.hr.BytesRead() > v.size {
		return n, fmt.Errorf("%w: chunk %s longer than %d bytes", binarycache.ErrIntegrity, v.want.ShortString(), v.size)
	}
	if errors.Is(err, io.EOF) {
		if v.hr.BytesRead() != v.size {
			return n, fmt.Errorf("%w: chunk %s is %d bytes, expected %d", binarycache.ErrIntegrity, v.want.ShortString(), v.hr.BytesRead(), v.size)
		}
		if got := v.hr.Sum(); got != v.want {
			return n, fmt.Errorf("%w: chunk %s hashed to %s", binarycache.ErrIntegrity, v.want.ShortString(), got.ShortString())
		}
	}
	return n, err
}

func (v *verifyingReader) Close() error {
	var errs []error
	for _, c := range v.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var _ Store = (*CAFS)(nil)
