package metadb

import (
	"encoding/binary"
	"time"

	binarycache "github.com/wolfeidau/binary-cache"
)

// Bucket names for bbolt storage.
var (
	bucketCaches  = []byte("caches")  // name -> cacheRecord
	bucketEntries = []byte("entries") // cache|storePathHash -> entryRecord
	bucketChunks  = []byte("chunks")  // hash -> chunkRecord

	// Secondary indexes
	bucketChunksByZero = []byte("chunks_by_zero")      // timestamp+hash -> nil, for rows at RefCount zero
	bucketEntriesByNar = []byte("entries_by_nar_hash") // narHash|cache|storePathHash -> nil
)

var allBuckets = [][]byte{
	bucketCaches,
	bucketEntries,
	bucketChunks,
	bucketChunksByZero,
	bucketEntriesByNar,
}

// encodeTimestamp converts a time.Time to a fixed-width big-endian byte slice.
// This ensures correct lexicographic ordering for time-based indexes.
// Uses an offset to handle negative nanosecond values (pre-1970 dates).
func encodeTimestamp(t time.Time) []byte {
	buf := make([]byte, 8)
	ns := t.UnixNano()
	binary.BigEndian.PutUint64(buf, uint64(ns-(-1<<63))) //nolint:gosec // intentional signed->unsigned shift
	return buf
}

// decodeTimestamp converts a big-endian byte slice back to time.Time.
func decodeTimestamp(b []byte) time.Time {
	if len(b) < 8 {
		return time.Time{}
	}
	u := binary.BigEndian.Uint64(b[:8])
	ns := int64(u) + (-1 << 63) //nolint:gosec // intentional unsigned->signed shift
	return time.Unix(0, ns).UTC()
}

// makeZeroKey creates a key for the chunks_by_zero index.
// Format: [8-byte timestamp][32-byte hash]
func makeZeroKey(zeroSince time.Time, h binarycache.Hash) []byte {
	key := make([]byte, 8+binarycache.HashSize)
	copy(key[:8], encodeTimestamp(zeroSince))
	copy(key[8:], h[:])
	return key
}

// parseZeroKey extracts the timestamp and hash from a chunks_by_zero key.
func parseZeroKey(key []byte) (time.Time, binarycache.Hash) {
	var h binarycache.Hash
	if len(key) != 8+binarycache.HashSize {
		return time.Time{}, h
	}
	copy(h[:], key[8:])
	return decodeTimestamp(key[:8]), h
}

// makeEntryKey creates the compound key for an entry.
// Format: [cache][separator][storePathHash]
func makeEntryKey(cache, storePathHash string) []byte {
	result := make([]byte, len(cache)+1+len(storePathHash))
	copy(result, cache)
	result[len(cache)] = 0 // null separator
	copy(result[len(cache)+1:], storePathHash)
	return result
}

// cachePrefix returns the key prefix shared by every entry of a cache.
func cachePrefix(cache string) []byte {
	return append([]byte(cache), 0)
}

// makeNarHashKey creates a key for the entries_by_nar_hash index.
// Format: [narHash][separator][cache][separator][storePathHash]
func makeNarHashKey(narHash, cache, storePathHash string) []byte {
	result := make([]byte, 0, len(narHash)+1+len(cache)+1+len(storePathHash))
	result = append(result, narHash...)
	result = append(result, 0)
	return append(result, makeEntryKey(cache, storePathHash)...)
}
