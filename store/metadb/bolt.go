package metadb

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	binarycache "github.com/wolfeidau/binary-cache"
)

// BoltDB implements Index using bbolt. bbolt serializes write transactions,
// which makes every read-modify-write below atomic per database.
type BoltDB struct {
	config
	db *bbolt.DB
}

// NewBoltDB creates a new BoltDB instance with options.
func NewBoltDB(opts ...Option) *BoltDB {
	return &BoltDB{config: newConfig(opts)}
}

// Open opens the database at the given path.
func (b *BoltDB) Open(path string) error {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  b.noSync,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	b.db = db

	if err := b.createBuckets(); err != nil {
		_ = db.Close()
		return err
	}

	b.logger.Debug("opened metadb", "path", path, "noSync", b.noSync)
	return nil
}

func (b *BoltDB) createBuckets() error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// Close closes the database and releases resources.
func (b *BoltDB) Close() error {
	if b.db == nil {
		return nil
	}
	err := b.db.Close()
	b.db = nil
	return err
}

// Caches

func (b *BoltDB) CreateCache(_ context.Context, c *Cache) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = b.now().UTC()
	}
	data, err := encodeCache(c)
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketCaches)
		if bucket.Get([]byte(c.Name)) != nil {
			return fmt.Errorf("cache %q: %w", c.Name, ErrExists)
		}
		return bucket.Put([]byte(c.Name), data)
	})
}

func (b *BoltDB) GetCache(_ context.Context, name string) (*Cache, error) {
	var c *Cache
	err := b.db.View(func(tx *bbolt.Tx) error {
		var err error
		c, err = getCacheTx(tx, name)
		return err
	})
	return c, err
}

func getCacheTx(tx *bbolt.Tx, name string) (*Cache, error) {
	data := tx.Bucket(bucketCaches).Get([]byte(name))
	if data == nil {
		return nil, fmt.Errorf("cache %q: %w", name, ErrNotFound)
	}
	c, err := decodeCache(data)
	if err != nil {
		return nil, err
	}
	if !c.DeletedAt.IsZero() {
		return nil, fmt.Errorf("cache %q: %w", name, ErrNotFound)
	}
	return c, nil
}

func (b *BoltDB) UpdateCache(_ context.Context, name string, fn func(*Cache) error) (*Cache, error) {
	var updated *Cache
	err := b.db.Update(func(tx *bbolt.Tx) error {
		c, err := getCacheTx(tx, name)
		if err != nil {
			return err
		}
		if err := fn(c); err != nil {
			return err
		}
		c.Name = name
		data, err := encodeCache(c)
		if err != nil {
			return err
		}
		updated = c
		return tx.Bucket(bucketCaches).Put([]byte(name), data)
	})
	return updated, err
}

func (b *BoltDB) DestroyCache(_ context.Context, name string) (int, error) {
	now := b.now().UTC()
	removed := 0
	err := b.db.Update(func(tx *bbolt.Tx) error {
		cache, err := getCacheTx(tx, name)
		if err != nil {
			return err
		}

		entries := tx.Bucket(bucketEntries)
		prefix := cachePrefix(name)
		var keys [][]byte
		c := entries.Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			keys = append(keys, bytes.Clone(k))
		}
		for _, k := range keys {
			e, err := decodeEntry(entries.Get(k))
			if err != nil {
				return err
			}
			if err := b.deleteEntryTx(tx, e, now); err != nil {
				return err
			}
			removed++
		}
		if b.softDeleteCaches {
			cache.DeletedAt = now
			data, err := encodeCache(cache)
			if err != nil {
				return err
			}
			return tx.Bucket(bucketCaches).Put([]byte(name), data)
		}
		return tx.Bucket(bucketCaches).Delete([]byte(name))
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

func (b *BoltDB) ListCaches(_ context.Context) ([]*Cache, error) {
	var caches []*Cache
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketCaches).ForEach(func(_, v []byte) error {
			c, err := decodeCache(v)
			if err != nil {
				return err
			}
			if !c.DeletedAt.IsZero() {
				return nil
			}
			caches = append(caches, c)
			return nil
		})
	})
	return caches, err
}

// Chunks

func (b *BoltDB) GetChunk(_ context.Context, h binarycache.Hash) (*Chunk, error) {
	var c *Chunk
	err := b.db.View(func(tx *bbolt.Tx) error {
		var err error
		c, err = getChunkTx(tx, h)
		return err
	})
	return c, err
}

func getChunkTx(tx *bbolt.Tx, h binarycache.Hash) (*Chunk, error) {
	data := tx.Bucket(bucketChunks).Get(h[:])
	if data == nil {
		return nil, fmt.Errorf("chunk %s: %w", h.ShortString(), ErrNotFound)
	}
	return decodeChunk(data)
}

func putChunkTx(tx *bbolt.Tx, c *Chunk) error {
	data, err := encodeChunk(c)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketChunks).Put(c.Hash[:], data)
}

func (b *BoltDB) InsertChunk(_ context.Context, c *Chunk) (*Chunk, error) {
	now := b.now().UTC()
	var stored *Chunk
	err := b.db.Update(func(tx *bbolt.Tx) error {
		existing, err := getChunkTx(tx, c.Hash)
		if err == nil {
			if existing.State != ChunkValid || existing.RefCount != 0 {
				stored = existing
				return nil
			}
			// A reused orphan restarts its grace window so the collector
			// cannot claim it before the caller registers it.
			zeros := tx.Bucket(bucketChunksByZero)
			if !existing.ZeroSince.IsZero() {
				if err := zeros.Delete(makeZeroKey(existing.ZeroSince, existing.Hash)); err != nil {
					return err
				}
			}
			existing.ZeroSince = now
			if err := putChunkTx(tx, existing); err != nil {
				return err
			}
			if err := zeros.Put(makeZeroKey(now, existing.Hash), nil); err != nil {
				return err
			}
			stored = existing
			return nil
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}

		row := *c
		row.RefCount = 0
		row.State = ChunkValid
		row.CreatedAt = now
		row.ZeroSince = now
		if err := putChunkTx(tx, &row); err != nil {
			return err
		}
		if err := tx.Bucket(bucketChunksByZero).Put(makeZeroKey(now, row.Hash), nil); err != nil {
			return err
		}
		stored = &row
		return nil
	})
	return stored, err
}

func (b *BoltDB) ListZeroRefChunks(_ context.Context, graceCutoff time.Time, limit int) ([]*Chunk, error) {
	var chunks []*Chunk
	cutoff := encodeTimestamp(graceCutoff)
	err := b.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketChunksByZero).Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if bytes.Compare(k[:8], cutoff) >= 0 {
				break
			}
			_, h := parseZeroKey(k)
			chunk, err := getChunkTx(tx, h)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if chunk.State != ChunkValid || chunk.RefCount != 0 {
				continue
			}
			chunks = append(chunks, chunk)
			if limit > 0 && len(chunks) >= limit {
				break
			}
		}
		return nil
	})
	return chunks, err
}

func (b *BoltDB) ClaimChunk(_ context.Context, h binarycache.Hash, graceCutoff time.Time) (*Chunk, error) {
	var claimed *Chunk
	err := b.db.Update(func(tx *bbolt.Tx) error {
		c, err := getChunkTx(tx, h)
		if err != nil {
			return err
		}
		if c.State != ChunkValid || c.RefCount != 0 || c.ZeroSince.IsZero() || !c.ZeroSince.Before(graceCutoff) {
			return fmt.Errorf("chunk %s no longer collectable: %w", h.ShortString(), ErrConflict)
		}
		c.State = ChunkDeleting
		claimed = c
		return putChunkTx(tx, c)
	})
	return claimed, err
}

func (b *BoltDB) ReleaseChunk(_ context.Context, h binarycache.Hash) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		c, err := getChunkTx(tx, h)
		if err != nil {
			return err
		}
		c.State = ChunkValid
		return putChunkTx(tx, c)
	})
}

func (b *BoltDB) RemoveChunk(_ context.Context, h binarycache.Hash) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		c, err := getChunkTx(tx, h)
		if err != nil {
			return err
		}
		if c.State != ChunkDeleting {
			return fmt.Errorf("chunk %s is not claimed: %w", h.ShortString(), ErrConflict)
		}
		if !c.ZeroSince.IsZero() {
			if err := tx.Bucket(bucketChunksByZero).Delete(makeZeroKey(c.ZeroSince, h)); err != nil {
				return err
			}
		}
		return tx.Bucket(bucketChunks).Delete(h[:])
	})
}

// incrementChunkTx adds one reference. Claimed or missing rows abort the
// transaction with ErrConflict.
func (b *BoltDB) incrementChunkTx(tx *bbolt.Tx, h binarycache.Hash) error {
	c, err := getChunkTx(tx, h)
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("chunk %s has no index row: %w", h.ShortString(), ErrConflict)
	}
	if err != nil {
		return err
	}
	if c.State != ChunkValid {
		return fmt.Errorf("chunk %s is being collected: %w", h.ShortString(), ErrConflict)
	}
	if c.RefCount == 0 && !c.ZeroSince.IsZero() {
		if err := tx.Bucket(bucketChunksByZero).Delete(makeZeroKey(c.ZeroSince, h)); err != nil {
			return err
		}
	}
	c.RefCount++
	c.ZeroSince = time.Time{}
	return putChunkTx(tx, c)
}

// decrementChunkTx drops one reference, recording when the count reached zero.
func (b *BoltDB) decrementChunkTx(tx *bbolt.Tx, h binarycache.Hash, now time.Time) error {
	c, err := getChunkTx(tx, h)
	if errors.Is(err, ErrNotFound) {
		b.logger.Error("entry references chunk with no index row", "chunk", h.String())
		return nil
	}
	if err != nil {
		return err
	}
	if c.RefCount <= 0 {
		b.logger.Error("chunk reference count underflow", "chunk", h.String())
		return nil
	}
	c.RefCount--
	if c.RefCount == 0 {
		c.ZeroSince = now
		if err := tx.Bucket(bucketChunksByZero).Put(makeZeroKey(now, h), nil); err != nil {
			return err
		}
	}
	return putChunkTx(tx, c)
}

// Entries

func (b *BoltDB) RegisterEntry(_ context.Context, e *Entry) (RegisterOutcome, error) {
	now := b.now().UTC()
	outcome := Created
	err := b.db.Update(func(tx *bbolt.Tx) error {
		if _, err := getCacheTx(tx, e.Cache); err != nil {
			return err
		}

		entries := tx.Bucket(bucketEntries)
		key := makeEntryKey(e.Cache, e.StorePathHash)

		var oldChunks []ChunkRef
		if data := entries.Get(key); data != nil {
			old, err := decodeEntry(data)
			if err != nil {
				return err
			}
			if old.NarHash == e.NarHash {
				outcome = Unchanged
				return nil
			}
			outcome = Replaced
			oldChunks = old.Chunks
			if err := tx.Bucket(bucketEntriesByNar).Delete(makeNarHashKey(old.NarHash, old.Cache, old.StorePathHash)); err != nil {
				return err
			}
		}

		added, removed := DiffChunks(oldChunks, e.Chunks)
		for _, h := range added {
			if err := b.incrementChunkTx(tx, h); err != nil {
				return err
			}
		}
		for _, h := range removed {
			if err := b.decrementChunkTx(tx, h, now); err != nil {
				return err
			}
		}

		stored := *e
		stored.CreatedAt = now
		stored.LastAccessedAt = time.Time{}
		data, err := encodeEntry(&stored)
		if err != nil {
			return err
		}
		if err := entries.Put(key, data); err != nil {
			return err
		}
		return tx.Bucket(bucketEntriesByNar).Put(makeNarHashKey(e.NarHash, e.Cache, e.StorePathHash), nil)
	})
	return outcome, err
}

func (b *BoltDB) ResolveEntry(_ context.Context, cache, storePathHash string) (*Entry, error) {
	var e *Entry
	err := b.db.View(func(tx *bbolt.Tx) error {
		var err error
		e, err = getEntryTx(tx, cache, storePathHash)
		return err
	})
	return e, err
}

func getEntryTx(tx *bbolt.Tx, cache, storePathHash string) (*Entry, error) {
	data := tx.Bucket(bucketEntries).Get(makeEntryKey(cache, storePathHash))
	if data == nil {
		return nil, fmt.Errorf("entry %s/%s: %w", cache, storePathHash, ErrNotFound)
	}
	return decodeEntry(data)
}

func (b *BoltDB) TouchEntry(_ context.Context, cache, storePathHash string, at time.Time) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		e, err := getEntryTx(tx, cache, storePathHash)
		if err != nil {
			return err
		}
		if !at.After(e.LastAccessedAt) {
			return nil
		}
		e.LastAccessedAt = at.UTC()
		data, err := encodeEntry(e)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketEntries).Put(makeEntryKey(cache, storePathHash), data)
	})
}

func (b *BoltDB) DeleteEntry(_ context.Context, cache, storePathHash string) error {
	now := b.now().UTC()
	return b.db.Update(func(tx *bbolt.Tx) error {
		e, err := getEntryTx(tx, cache, storePathHash)
		if err != nil {
			return err
		}
		return b.deleteEntryTx(tx, e, now)
	})
}

func (b *BoltDB) deleteEntryTx(tx *bbolt.Tx, e *Entry, now time.Time) error {
	for _, h := range e.DistinctChunks() {
		if err := b.decrementChunkTx(tx, h, now); err != nil {
			return err
		}
	}
	if err := tx.Bucket(bucketEntriesByNar).Delete(makeNarHashKey(e.NarHash, e.Cache, e.StorePathHash)); err != nil {
		return err
	}
	return tx.Bucket(bucketEntries).Delete(makeEntryKey(e.Cache, e.StorePathHash))
}

func (b *BoltDB) ListExpiredEntries(_ context.Context, cache string, cutoff time.Time, limit int) ([]*Entry, error) {
	var expired []*Entry
	prefix := cachePrefix(cache)
	err := b.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketEntries).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			e, err := decodeEntry(v)
			if err != nil {
				return err
			}
			if !e.LastUsed().Before(cutoff) {
				continue
			}
			expired = append(expired, e)
			if limit > 0 && len(expired) >= limit {
				break
			}
		}
		return nil
	})
	return expired, err
}

func (b *BoltDB) FindEntryByNarHash(_ context.Context, narHash string) (*Entry, error) {
	var e *Entry
	prefix := append([]byte(narHash), 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		k, _ := tx.Bucket(bucketEntriesByNar).Cursor().Seek(prefix)
		if k == nil || !bytes.HasPrefix(k, prefix) {
			return fmt.Errorf("nar hash %s: %w", narHash, ErrNotFound)
		}
		data := tx.Bucket(bucketEntries).Get(k[len(prefix):])
		if data == nil {
			return fmt.Errorf("nar hash %s: %w", narHash, ErrNotFound)
		}
		var err error
		e, err = decodeEntry(data)
		return err
	})
	return e, err
}

func (b *BoltDB) MissingPaths(_ context.Context, cache string, storePathHashes []string) ([]string, error) {
	var missing []string
	err := b.db.View(func(tx *bbolt.Tx) error {
		entries := tx.Bucket(bucketEntries)
		for _, h := range storePathHashes {
			if entries.Get(makeEntryKey(cache, h)) == nil {
				missing = append(missing, h)
			}
		}
		return nil
	})
	return missing, err
}

var _ Index = (*BoltDB)(nil)
