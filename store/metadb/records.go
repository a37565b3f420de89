package metadb

import (
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	binarycache "github.com/wolfeidau/binary-cache"
)

// Persisted forms of the index types. Times are stored as Unix nanoseconds
// so they decode in UTC regardless of the process time zone.

type chunkRecord struct {
	Hash           []byte `msgpack:"h"`
	Compression    string `msgpack:"c"`
	Size           int64  `msgpack:"s"`
	CompressedSize int64  `msgpack:"cs"`
	Backend        string `msgpack:"b"`
	RefCount       int64  `msgpack:"r"`
	State          string `msgpack:"st"`
	CreatedAt      int64  `msgpack:"ca"`
	ZeroSince      int64  `msgpack:"z"`
}

type chunkRefRecord struct {
	Hash           []byte `msgpack:"h"`
	Size           int64  `msgpack:"s"`
	CompressedSize int64  `msgpack:"cs"`
}

type entryRecord struct {
	Cache          string           `msgpack:"cache"`
	StorePathHash  string           `msgpack:"sph"`
	StorePath      string           `msgpack:"sp"`
	NarHash        string           `msgpack:"nh"`
	NarSize        int64            `msgpack:"ns"`
	References     []string         `msgpack:"refs"`
	NarInfo        string           `msgpack:"ni"`
	Chunks         []chunkRefRecord `msgpack:"chunks"`
	CreatedAt      int64            `msgpack:"ca"`
	LastAccessedAt int64            `msgpack:"la"`
}

type cacheRecord struct {
	Name                  string   `msgpack:"name"`
	Public                bool     `msgpack:"public"`
	Retention             *int64   `msgpack:"retention"`
	Priority              int      `msgpack:"priority"`
	StoreDir              string   `msgpack:"store_dir"`
	Compression           string   `msgpack:"compression"`
	Backend               string   `msgpack:"backend"`
	SigningKey            []byte   `msgpack:"signing_key"`
	KeyName               string   `msgpack:"key_name"`
	UpstreamCacheKeyNames []string `msgpack:"upstream"`
	CreatedAt             int64    `msgpack:"ca"`
	DeletedAt             int64    `msgpack:"da,omitempty"`
}

func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnix(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}

func hashFromBytes(b []byte) (binarycache.Hash, error) {
	var h binarycache.Hash
	if len(b) != binarycache.HashSize {
		return h, fmt.Errorf("invalid stored hash length %d", len(b))
	}
	copy(h[:], b)
	return h, nil
}

func encodeChunk(c *Chunk) ([]byte, error) {
	return msgpack.Marshal(&chunkRecord{
		Hash:           c.Hash[:],
		Compression:    c.Compression,
		Size:           c.Size,
		CompressedSize: c.CompressedSize,
		Backend:        c.Backend,
		RefCount:       c.RefCount,
		State:          string(c.State),
		CreatedAt:      toUnix(c.CreatedAt),
		ZeroSince:      toUnix(c.ZeroSince),
	})
}

func decodeChunk(data []byte) (*Chunk, error) {
	var rec chunkRecord
	if err := msgpack.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding chunk: %w", err)
	}
	h, err := hashFromBytes(rec.Hash)
	if err != nil {
		return nil, err
	}
	return &Chunk{
		Hash:           h,
		Compression:    rec.Compression,
		Size:           rec.Size,
		CompressedSize: rec.CompressedSize,
		Backend:        rec.Backend,
		RefCount:       rec.RefCount,
		State:          ChunkState(rec.State),
		CreatedAt:      fromUnix(rec.CreatedAt),
		ZeroSince:      fromUnix(rec.ZeroSince),
	}, nil
}

func encodeChunkRefs(refs []ChunkRef) []chunkRefRecord {
	out := make([]chunkRefRecord, len(refs))
	for i, r := range refs {
		out[i] = chunkRefRecord{Hash: r.Hash[:], Size: r.Size, CompressedSize: r.CompressedSize}
	}
	return out
}

func decodeChunkRefs(recs []chunkRefRecord) ([]ChunkRef, error) {
	out := make([]ChunkRef, len(recs))
	for i, r := range recs {
		h, err := hashFromBytes(r.Hash)
		if err != nil {
			return nil, err
		}
		out[i] = ChunkRef{Hash: h, Size: r.Size, CompressedSize: r.CompressedSize}
	}
	return out, nil
}

func encodeEntry(e *Entry) ([]byte, error) {
	return msgpack.Marshal(&entryRecord{
		Cache:          e.Cache,
		StorePathHash:  e.StorePathHash,
		StorePath:      e.StorePath,
		NarHash:        e.NarHash,
		NarSize:        e.NarSize,
		References:     e.References,
		NarInfo:        e.NarInfo,
		Chunks:         encodeChunkRefs(e.Chunks),
		CreatedAt:      toUnix(e.CreatedAt),
		LastAccessedAt: toUnix(e.LastAccessedAt),
	})
}

func decodeEntry(data []byte) (*Entry, error) {
	var rec entryRecord
	if err := msgpack.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding entry: %w", err)
	}
	chunks, err := decodeChunkRefs(rec.Chunks)
	if err != nil {
		return nil, err
	}
	return &Entry{
		Cache:          rec.Cache,
		StorePathHash:  rec.StorePathHash,
		StorePath:      rec.StorePath,
		NarHash:        rec.NarHash,
		NarSize:        rec.NarSize,
		References:     rec.References,
		NarInfo:        rec.NarInfo,
		Chunks:         chunks,
		CreatedAt:      fromUnix(rec.CreatedAt),
		LastAccessedAt: fromUnix(rec.LastAccessedAt),
	}, nil
}

func encodeCache(c *Cache) ([]byte, error) {
	rec := &cacheRecord{
		Name:                  c.Name,
		Public:                c.Public,
		Priority:              c.Priority,
		StoreDir:              c.StoreDir,
		Compression:           c.Compression,
		Backend:               c.Backend,
		SigningKey:            c.SigningKey,
		KeyName:               c.KeyName,
		UpstreamCacheKeyNames: c.UpstreamCacheKeyNames,
		CreatedAt:             toUnix(c.CreatedAt),
		DeletedAt:             toUnix(c.DeletedAt),
	}
	if c.Retention != nil {
		ns := int64(*c.Retention)
		rec.Retention = &ns
	}
	return msgpack.Marshal(rec)
}

func decodeCache(data []byte) (*Cache, error) {
	var rec cacheRecord
	if err := msgpack.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding cache: %w", err)
	}
	c := &Cache{
		Name:                  rec.Name,
		Public:                rec.Public,
		Priority:              rec.Priority,
		StoreDir:              rec.StoreDir,
		Compression:           rec.Compression,
		Backend:               rec.Backend,
		SigningKey:            rec.SigningKey,
		KeyName:               rec.KeyName,
		UpstreamCacheKeyNames: rec.UpstreamCacheKeyNames,
		CreatedAt:             fromUnix(rec.CreatedAt),
		DeletedAt:             fromUnix(rec.DeletedAt),
	}
	if rec.Retention != nil {
		d := time.Duration(*rec.Retention)
		c.Retention = &d
	}
	return c, nil
}
