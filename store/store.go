// Package store provides the content-addressed chunk store.
package store

import (
	"context"
	"io"

	binarycache "github.com/wolfeidau/binary-cache"
	"github.com/wolfeidau/binary-cache/chunking"
)

// Store provides content-addressed chunk operations, keyed by the hash of a
// chunk's uncompressed bytes. Reference counting is not its concern; the
// metadata index owns that.
type Store interface {
	// Put stores a compressed chunk. If a chunk with the same hash is already
	// present the call is a no-op and reports AlreadyPresent.
	Put(ctx context.Context, blob *Blob) (PutResult, error)

	// Open returns the decompressed chunk. The stream fails with
	// binarycache.ErrIntegrity at EOF if the bytes do not hash to h.
	// Returns ErrNotFound if the chunk does not exist.
	Open(ctx context.Context, h binarycache.Hash) (io.ReadCloser, error)

	// Has checks if a chunk with the given hash exists.
	Has(ctx context.Context, h binarycache.Hash) (bool, error)

	// Delete removes a chunk. Returns ErrNotFound if it does not exist.
	Delete(ctx context.Context, h binarycache.Hash) error
}

// Blob is a compressed chunk offered to the store.
type Blob struct {
	Hash        binarycache.Hash
	Compression chunking.Compression
	Size        int64
	Data        []byte
}

// BlobFromChunk converts a pipeline chunk into a Blob.
func BlobFromChunk(c *chunking.Chunk) *Blob {
	return &Blob{
		Hash:        c.Hash,
		Compression: c.Compression,
		Size:        c.Size(),
		Data:        c.Compressed,
	}
}

// PutOutcome reports whether Put wrote anything.
type PutOutcome int

const (
	Stored PutOutcome = iota
	AlreadyPresent
)

func (o PutOutcome) String() string {
	if o == Stored {
		return "stored"
	}
	return "already_present"
}

// PutResult contains information about a Put operation.
type PutResult struct {
	Hash    binarycache.Hash
	Outcome PutOutcome
	// StoredSize is the size of the framed blob in the backend.
	StoredSize int64
}
