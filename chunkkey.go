package binarycache

import (
	"fmt"
	"strings"
)

const chunkKeyPrefix = "chunks"

// ChunkStoragePrefix is the backend key prefix under which all chunk blobs live.
const ChunkStoragePrefix = chunkKeyPrefix + "/"

// ChunkStorageKey returns the backend storage key for a chunk.
// Format: chunks/{hex[:2]}/{hex}
func ChunkStorageKey(h Hash) string {
	return chunkKeyPrefix + "/" + h.Dir() + "/" + h.String()
}

// ParseChunkStorageKey extracts a Hash from a backend storage key.
func ParseChunkStorageKey(key string) (Hash, error) {
	parts := strings.Split(key, "/")
	if len(parts) != 3 || parts[0] != chunkKeyPrefix {
		return Hash{}, fmt.Errorf("invalid chunk key format: %s", key)
	}
	h, err := ParseHash(parts[2])
	if err != nil {
		return Hash{}, err
	}
	if parts[1] != h.Dir() {
		return Hash{}, fmt.Errorf("chunk key shard mismatch: %s", key)
	}
	return h, nil
}
