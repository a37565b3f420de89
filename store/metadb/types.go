// Package metadb provides the metadata index: caches, archive entries and
// chunk reference counts.
package metadb

import (
	"time"

	binarycache "github.com/wolfeidau/binary-cache"
)

// ChunkState is the lifecycle state of a chunk row.
type ChunkState string

const (
	// ChunkValid rows may be referenced by new entries.
	ChunkValid ChunkState = "valid"
	// ChunkDeleting rows have been claimed by the collector. A push that meets
	// one gets ErrConflict and retries once the row is gone.
	ChunkDeleting ChunkState = "deleting"
)

// Chunk is the index row for one stored chunk.
type Chunk struct {
	Hash           binarycache.Hash
	Compression    string
	Size           int64
	CompressedSize int64
	// Backend names the storage backend holding the blob.
	Backend  string
	RefCount int64
	State    ChunkState
	// CreatedAt is when the row was inserted.
	CreatedAt time.Time
	// ZeroSince is when RefCount last became zero; zero while referenced.
	ZeroSince time.Time
}

// ChunkRef is one element of an entry's ordered chunk list.
type ChunkRef struct {
	Hash           binarycache.Hash
	Size           int64
	CompressedSize int64
}

// Entry is an archive registered under a cache.
type Entry struct {
	Cache         string
	StorePathHash string
	StorePath     string
	// NarHash is the archive digest as written in the narinfo, e.g. "sha256:...".
	NarHash    string
	NarSize    int64
	References []string
	// NarInfo is the client's metadata document exactly as pushed.
	NarInfo        string
	Chunks         []ChunkRef
	CreatedAt      time.Time
	LastAccessedAt time.Time
}

// DistinctChunks returns the set of chunk hashes the entry references, in
// first-seen order. Reference counts are kept per distinct chunk.
func (e *Entry) DistinctChunks() []binarycache.Hash {
	return DistinctHashes(e.Chunks)
}

func hashSet(refs []ChunkRef) map[binarycache.Hash]struct{} {
	set := make(map[binarycache.Hash]struct{}, len(refs))
	for _, r := range refs {
		set[r.Hash] = struct{}{}
	}
	return set
}

// DistinctHashes returns the distinct hashes in refs, in first-seen order.
func DistinctHashes(refs []ChunkRef) []binarycache.Hash {
	seen := make(map[binarycache.Hash]struct{}, len(refs))
	out := make([]binarycache.Hash, 0, len(refs))
	for _, r := range refs {
		if _, ok := seen[r.Hash]; ok {
			continue
		}
		seen[r.Hash] = struct{}{}
		out = append(out, r.Hash)
	}
	return out
}

// LastUsed returns the later of creation and last access; retention is
// measured from it.
func (e *Entry) LastUsed() time.Time {
	if e.LastAccessedAt.After(e.CreatedAt) {
		return e.LastAccessedAt
	}
	return e.CreatedAt
}

// Cache is a named, independently configured namespace.
type Cache struct {
	Name   string
	Public bool
	// Retention is the maximum age of an entry. Nil defers to the server
	// default; zero disables collection for the cache.
	Retention   *time.Duration
	Priority    int
	StoreDir    string
	Compression string
	Backend     string
	// SigningKey is the ed25519 private key entries are signed with.
	SigningKey            []byte
	KeyName               string
	UpstreamCacheKeyNames []string
	CreatedAt             time.Time
	// DeletedAt is set on the tombstone a soft delete leaves behind. A
	// tombstoned cache is invisible but keeps its name taken.
	DeletedAt time.Time
}

// EffectiveRetention resolves the cache's retention against the server default.
func (c *Cache) EffectiveRetention(serverDefault time.Duration) time.Duration {
	if c.Retention != nil {
		return *c.Retention
	}
	return serverDefault
}

// RegisterOutcome reports what RegisterEntry did.
type RegisterOutcome int

const (
	// Created means no entry existed for the store path.
	Created RegisterOutcome = iota
	// Unchanged means an entry with the same NarHash already existed.
	Unchanged
	// Replaced means an entry with different content was superseded.
	Replaced
)

func (o RegisterOutcome) String() string {
	switch o {
	case Created:
		return "created"
	case Unchanged:
		return "unchanged"
	default:
		return "replaced"
	}
}

// DiffChunks computes which distinct chunks are added and removed when an
// entry's chunk list changes from old to new. Both lists keep archive order.
func DiffChunks(oldRefs, newRefs []ChunkRef) (added, removed []binarycache.Hash) {
	oldSet := hashSet(oldRefs)
	newSet := hashSet(newRefs)

	for _, h := range DistinctHashes(newRefs) {
		if _, ok := oldSet[h]; !ok {
			added = append(added, h)
		}
	}
	for _, h := range DistinctHashes(oldRefs) {
		if _, ok := newSet[h]; !ok {
			removed = append(removed, h)
		}
	}
	return added, removed
}
