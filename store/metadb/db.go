package metadb

import (
	"context"
	"fmt"
	"time"

	binarycache "github.com/wolfeidau/binary-cache"
)

// ErrNotFound is returned when a cache, entry or chunk row does not exist.
var ErrNotFound = fmt.Errorf("metadb: %w", binarycache.ErrNotFound)

// ErrExists is returned when creating a cache whose name is taken.
var ErrExists = fmt.Errorf("metadb: %w", binarycache.ErrExists)

// ErrConflict is returned when a transaction meets a chunk claimed by the
// collector, or loses a race. The caller may retry.
var ErrConflict = fmt.Errorf("metadb: %w", binarycache.ErrConflict)

// Index is the metadata index. Every mutating operation that touches an
// entry and its chunk references runs in a single transaction, so a chunk's
// RefCount always equals the number of entries whose chunk list includes it.
type Index interface {
	// CreateCache inserts a cache. Returns ErrExists if the name is taken.
	CreateCache(ctx context.Context, c *Cache) error
	GetCache(ctx context.Context, name string) (*Cache, error)
	// UpdateCache applies fn to the stored cache and persists the result.
	UpdateCache(ctx context.Context, name string, fn func(*Cache) error) (*Cache, error)
	// DestroyCache removes a cache and all its entries, decrementing every
	// chunk they reference. It returns the number of entries removed. With
	// soft delete a tombstone keeps the name from being reused.
	DestroyCache(ctx context.Context, name string) (int, error)
	ListCaches(ctx context.Context) ([]*Cache, error)

	GetChunk(ctx context.Context, h binarycache.Hash) (*Chunk, error)
	// InsertChunk inserts a row with RefCount zero if none exists and returns
	// the row now stored, which is the existing one when there was a race.
	// An existing valid row with RefCount zero has ZeroSince reset to now.
	InsertChunk(ctx context.Context, c *Chunk) (*Chunk, error)
	// ListZeroRefChunks returns valid chunks whose RefCount has been zero
	// since before graceCutoff, oldest first.
	ListZeroRefChunks(ctx context.Context, graceCutoff time.Time, limit int) ([]*Chunk, error)
	// ClaimChunk marks a chunk as deleting if it is still valid, unreferenced
	// and zero since before graceCutoff. Returns ErrConflict otherwise.
	ClaimChunk(ctx context.Context, h binarycache.Hash, graceCutoff time.Time) (*Chunk, error)
	// ReleaseChunk returns a claimed chunk to the valid state.
	ReleaseChunk(ctx context.Context, h binarycache.Hash) error
	// RemoveChunk deletes a claimed chunk row.
	RemoveChunk(ctx context.Context, h binarycache.Hash) error

	// RegisterEntry increments each distinct chunk of e and stores the entry
	// in one transaction. Every chunk must have a valid row; a missing or
	// claimed row yields ErrConflict and nothing is written. Re-registering
	// the same NarHash is a no-op; different content replaces the entry and
	// moves the reference counts accordingly.
	RegisterEntry(ctx context.Context, e *Entry) (RegisterOutcome, error)
	ResolveEntry(ctx context.Context, cache, storePathHash string) (*Entry, error)
	// TouchEntry records an access for retention purposes.
	TouchEntry(ctx context.Context, cache, storePathHash string, at time.Time) error
	// DeleteEntry removes an entry and decrements its chunks in one
	// transaction. A chunk reaching zero records the time in ZeroSince.
	DeleteEntry(ctx context.Context, cache, storePathHash string) error
	// ListExpiredEntries returns entries of cache last used before cutoff.
	ListExpiredEntries(ctx context.Context, cache string, cutoff time.Time, limit int) ([]*Entry, error)
	// FindEntryByNarHash returns any entry, in any cache, with the NarHash.
	FindEntryByNarHash(ctx context.Context, narHash string) (*Entry, error)
	// MissingPaths returns the store path hashes with no entry in cache.
	MissingPaths(ctx context.Context, cache string, storePathHashes []string) ([]string, error)

	Close() error
}
