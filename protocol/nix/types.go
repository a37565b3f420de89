package nix

import (
	"time"

	binarycache "github.com/wolfeidau/binary-cache"
	"github.com/wolfeidau/binary-cache/store/metadb"
)

// NarInfoHeader carries the base64 narinfo document on an upload-path request.
const NarInfoHeader = "X-Narinfo-Base64"

// UploadKind describes how an upload-path or register-path request was
// satisfied.
type UploadKind string

const (
	// Uploaded means the archive was chunked and its novel chunks stored.
	Uploaded UploadKind = "uploaded"
	// Deduplicated means an archive with the same NarHash already existed and
	// its chunk list was reused without reading the stream.
	Deduplicated UploadKind = "deduplicated"
	// Unchanged means the cache already held this store path with the same
	// content.
	Unchanged UploadKind = "unchanged"
	// Registered means a client-supplied chunk list was verified and recorded.
	Registered UploadKind = "registered"
)

// UploadResult is returned by upload-path and register-path.
type UploadResult struct {
	Kind UploadKind `json:"kind"`
	// StorePathHash identifies the registered entry.
	StorePathHash string `json:"store_path_hash"`
	NarSize       int64  `json:"nar_size"`
	// Chunks is the number of chunks in the entry's chunk list.
	Chunks int `json:"chunks"`
	// NewChunks is how many of them were not already in the index.
	NewChunks int `json:"new_chunks"`
	// NewBytes is the stored size of the new chunks.
	NewBytes int64 `json:"new_bytes"`
	// FracDeduplicated is the share of the archive served by existing chunks.
	FracDeduplicated float64 `json:"frac_deduplicated"`
}

// RegisterPathRequest registers a narinfo against chunks uploaded earlier.
type RegisterPathRequest struct {
	NarInfo string             `json:"narinfo"`
	Chunks  []binarycache.Hash `json:"chunks"`
}

// GetMissingPathsRequest asks which store path hashes a cache lacks.
type GetMissingPathsRequest struct {
	Cache           string   `json:"cache"`
	StorePathHashes []string `json:"store_path_hashes"`
}

// GetMissingPathsResponse lists the store path hashes with no entry.
type GetMissingPathsResponse struct {
	MissingPaths []string `json:"missing_paths"`
}

// PutChunkResult reports the outcome of a chunk upload.
type PutChunkResult struct {
	Hash           binarycache.Hash `json:"hash"`
	Outcome        string           `json:"outcome"`
	Size           int64            `json:"size"`
	CompressedSize int64            `json:"compressed_size"`
}

// ChunkInfo is one element of a chunk manifest.
type ChunkInfo struct {
	Hash           binarycache.Hash `json:"hash"`
	Size           int64            `json:"size"`
	CompressedSize int64            `json:"compressed_size"`
}

// Manifest is the ordered chunk list of an entry.
type Manifest struct {
	StorePathHash string      `json:"store_path_hash"`
	NarHash       string      `json:"nar_hash"`
	NarSize       int64       `json:"nar_size"`
	Chunks        []ChunkInfo `json:"chunks"`
}

func manifestFromEntry(e *metadb.Entry) *Manifest {
	m := &Manifest{
		StorePathHash: e.StorePathHash,
		NarHash:       e.NarHash,
		NarSize:       e.NarSize,
		Chunks:        make([]ChunkInfo, len(e.Chunks)),
	}
	for i, c := range e.Chunks {
		m.Chunks[i] = ChunkInfo{Hash: c.Hash, Size: c.Size, CompressedSize: c.CompressedSize}
	}
	return m
}

// CacheConfig is the cache configuration document exchanged by the
// cache-config endpoints. Pointer fields are optional on create and
// configure requests.
type CacheConfig struct {
	IsPublic              *bool     `json:"is_public,omitempty"`
	StoreDir              *string   `json:"store_dir,omitempty"`
	Priority              *int      `json:"priority,omitempty"`
	UpstreamCacheKeyNames *[]string `json:"upstream_cache_key_names,omitempty"`
	Compression           *string   `json:"compression,omitempty"`
	Backend               *string   `json:"backend,omitempty"`
	// RetentionPeriod is a Go duration string. "0" disables collection and
	// the empty string returns the cache to the server default.
	RetentionPeriod *string `json:"retention_period,omitempty"`
	// RegenerateKeypair replaces the signing key on configure.
	RegenerateKeypair bool `json:"regenerate_keypair,omitempty"`
}

// CacheInfo is the cache configuration as returned to clients.
type CacheInfo struct {
	Name                  string    `json:"name"`
	IsPublic              bool      `json:"is_public"`
	StoreDir              string    `json:"store_dir"`
	Priority              int       `json:"priority"`
	UpstreamCacheKeyNames []string  `json:"upstream_cache_key_names"`
	Compression           string    `json:"compression,omitempty"`
	Backend               string    `json:"backend"`
	PublicKey             string    `json:"public_key"`
	RetentionPeriod       *string   `json:"retention_period,omitempty"`
	CreatedAt             time.Time `json:"created_at"`
	APIEndpoint           string    `json:"api_endpoint"`
	SubstituterEndpoint   string    `json:"substituter_endpoint"`
}

// DestroyResult reports how many entries a cache destroy removed.
type DestroyResult struct {
	EntriesDeleted int `json:"entries_deleted"`
}
