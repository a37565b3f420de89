package nix

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"errors"
	"fmt"
	"hash"
	"io"
	"strconv"

	binarycache "github.com/wolfeidau/binary-cache"
	"github.com/wolfeidau/binary-cache/auth"
	"github.com/wolfeidau/binary-cache/narinfo"
	"github.com/wolfeidau/binary-cache/store/metadb"
)

// CacheInfo returns the nix-cache-info document of a cache.
func (s *Service) CacheInfo(ctx context.Context, cacheName string) (string, error) {
	c, err := s.authorize(ctx, auth.ActionPull, cacheName)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("StoreDir: %s\nWantMassQuery: 1\nPriority: %d\n", c.StoreDir, c.Priority), nil
}

// GetNarInfo returns the narinfo for a store path hash as served to nix:
// the pushed fields in their original order, with URL, Compression,
// FileHash and FileSize describing the uncompressed archive this server
// streams, and a signature from the cache key.
func (s *Service) GetNarInfo(ctx context.Context, cacheName, storePathHash string) (*narinfo.NarInfo, error) {
	c, err := s.authorize(ctx, auth.ActionPull, cacheName)
	if err != nil {
		return nil, err
	}
	e, err := s.resolve(ctx, c, storePathHash)
	if err != nil {
		return nil, err
	}

	ni, err := narinfo.Parse([]byte(e.NarInfo))
	if err != nil {
		return nil, fmt.Errorf("stored narinfo for %s/%s: %w", c.Name, storePathHash, err)
	}
	ni.Set("URL", "nar/"+e.StorePathHash+".nar")
	ni.Set("Compression", "none")
	ni.Set("FileHash", ni.NarHash.String())
	ni.Set("FileSize", strconv.FormatInt(e.NarSize, 10))
	if key := signingKey(c); key != nil {
		ni.AddSig(key.Sign(ni))
	}
	return ni, nil
}

// OpenNar returns the reassembled archive of a store path. The stream fails
// with binarycache.ErrIntegrity if a chunk or the whole archive does not
// match its recorded hash.
func (s *Service) OpenNar(ctx context.Context, cacheName, storePathHash string) (*metadb.Entry, io.ReadCloser, error) {
	c, err := s.authorize(ctx, auth.ActionPull, cacheName)
	if err != nil {
		return nil, nil, err
	}
	e, err := s.resolve(ctx, c, storePathHash)
	if err != nil {
		return nil, nil, err
	}
	return e, s.newNarReader(ctx, e), nil
}

// Manifest returns the ordered chunk list of a store path.
func (s *Service) Manifest(ctx context.Context, cacheName, storePathHash string) (*Manifest, error) {
	c, err := s.authorize(ctx, auth.ActionPull, cacheName)
	if err != nil {
		return nil, err
	}
	e, err := s.index.ResolveEntry(ctx, c.Name, storePathHash)
	if err != nil {
		return nil, fmt.Errorf("store path %s in %s: %w", storePathHash, c.Name, err)
	}
	return manifestFromEntry(e), nil
}

// GetChunk returns one decompressed, verified chunk.
func (s *Service) GetChunk(ctx context.Context, cacheName string, h binarycache.Hash) (io.ReadCloser, error) {
	if _, err := s.authorize(ctx, auth.ActionPull, cacheName); err != nil {
		return nil, err
	}
	row, err := s.index.GetChunk(ctx, h)
	if err != nil {
		return nil, fmt.Errorf("chunk %s: %w", h.ShortString(), err)
	}
	return s.openChunk(ctx, row)
}

// MissingPaths returns the store path hashes the cache has no entry for.
func (s *Service) MissingPaths(ctx context.Context, cacheName string, storePathHashes []string) ([]string, error) {
	c, err := s.authorize(ctx, auth.ActionPull, cacheName)
	if err != nil {
		return nil, err
	}
	for _, h := range storePathHashes {
		if !narinfo.IsStorePathHash(h) {
			return nil, fmt.Errorf("%w: %q is not a store path hash", binarycache.ErrInvalid, h)
		}
	}
	missing, err := s.index.MissingPaths(ctx, c.Name, storePathHashes)
	if err != nil {
		return nil, fmt.Errorf("querying missing paths: %w", err)
	}
	if missing == nil {
		missing = []string{}
	}
	return missing, nil
}

// DeletePath removes one entry from a cache. Its chunks are reclaimed by the
// collector once nothing else references them.
func (s *Service) DeletePath(ctx context.Context, cacheName, storePathHash string) error {
	c, err := s.authorize(ctx, auth.ActionDelete, cacheName)
	if err != nil {
		return err
	}
	if err := s.index.DeleteEntry(ctx, c.Name, storePathHash); err != nil {
		return fmt.Errorf("store path %s in %s: %w", storePathHash, c.Name, err)
	}
	s.logger.Info("deleted store path", "cache", c.Name, "store_path_hash", storePathHash)
	return nil
}

// resolve loads an entry and records the access for retention. A failed
// touch is logged and does not fail the read.
func (s *Service) resolve(ctx context.Context, c *metadb.Cache, storePathHash string) (*metadb.Entry, error) {
	e, err := s.index.ResolveEntry(ctx, c.Name, storePathHash)
	if err != nil {
		return nil, fmt.Errorf("store path %s in %s: %w", storePathHash, c.Name, err)
	}
	if err := s.index.TouchEntry(ctx, c.Name, storePathHash, s.now()); err != nil {
		s.logger.Warn("failed to record entry access", "cache", c.Name, "store_path_hash", storePathHash, "error", err)
	}
	return e, nil
}

// openChunk opens the blob named by a chunk row. A row whose blob is
// missing means the index and the backend disagree.
func (s *Service) openChunk(ctx context.Context, row *metadb.Chunk) (io.ReadCloser, error) {
	st, err := s.stores.Get(row.Backend)
	if err != nil {
		return nil, fmt.Errorf("chunk %s row names backend %q: %w", row.Hash.ShortString(), row.Backend, err)
	}
	rc, err := st.Open(ctx, row.Hash)
	if errors.Is(err, binarycache.ErrNotFound) {
		s.logger.Error("chunk listed in index is missing from storage",
			"chunk", row.Hash.String(),
			"backend", row.Backend,
			"ref_count", row.RefCount,
		)
		return nil, fmt.Errorf("chunk %s missing from backend %q: %w", row.Hash.ShortString(), row.Backend, binarycache.ErrInconsistent)
	}
	if err != nil {
		return nil, fmt.Errorf("opening chunk %s: %w", row.Hash.ShortString(), err)
	}
	return rc, nil
}

func signingKey(c *metadb.Cache) *narinfo.SigningKey {
	if len(c.SigningKey) != ed25519.PrivateKeySize {
		return nil
	}
	return &narinfo.SigningKey{Name: c.KeyName, Key: ed25519.PrivateKey(c.SigningKey)}
}

// narReader streams an entry's chunks in order, opening each lazily, and
// checks the archive digest and size at the end.
type narReader struct {
	ctx   context.Context
	s     *Service
	entry *metadb.Entry
	want  narinfo.Hash

	next int
	cur  io.ReadCloser
	sum  hash.Hash
	n    int64
	err  error
}

func (s *Service) newNarReader(ctx context.Context, e *metadb.Entry) *narReader {
	r := &narReader{ctx: ctx, s: s, entry: e, sum: sha256.New()}
	want, err := narinfo.ParseHash(e.NarHash)
	if err != nil {
		r.err = fmt.Errorf("entry %s/%s has nar hash %q: %w", e.Cache, e.StorePathHash, e.NarHash, binarycache.ErrInconsistent)
	}
	r.want = want
	return r
}

func (r *narReader) Read(p []byte) (int, error) {
	for {
		if r.err != nil {
			return 0, r.err
		}
		if r.cur == nil {
			if r.next == len(r.entry.Chunks) {
				r.err = r.finish()
				continue
			}
			if err := r.open(); err != nil {
				r.err = err
				continue
			}
		}

		n, err := r.cur.Read(p)
		r.sum.Write(p[:n])
		r.n += int64(n)
		if errors.Is(err, io.EOF) {
			closeErr := r.cur.Close()
			r.cur = nil
			if closeErr != nil {
				r.err = fmt.Errorf("closing chunk: %w", closeErr)
			}
			if n > 0 {
				return n, nil
			}
			continue
		}
		if err != nil {
			r.err = err
		}
		return n, err
	}
}

func (r *narReader) open() error {
	h := r.entry.Chunks[r.next].Hash
	row, err := r.s.index.GetChunk(r.ctx, h)
	if errors.Is(err, metadb.ErrNotFound) {
		r.s.logger.Error("entry references a chunk with no index row",
			"cache", r.entry.Cache,
			"store_path_hash", r.entry.StorePathHash,
			"chunk", h.String(),
		)
		return fmt.Errorf("chunk %s has no index row: %w", h.ShortString(), binarycache.ErrInconsistent)
	}
	if err != nil {
		return fmt.Errorf("loading chunk %s: %w", h.ShortString(), err)
	}
	rc, err := r.s.openChunk(r.ctx, row)
	if err != nil {
		return err
	}
	r.cur = rc
	r.next++
	return nil
}

func (r *narReader) finish() error {
	if r.n != r.entry.NarSize {
		return fmt.Errorf("%w: archive %s reassembled to %d bytes, expected %d", binarycache.ErrIntegrity, r.entry.StorePathHash, r.n, r.entry.NarSize)
	}
	if got := narinfo.Hash(r.sum.Sum(nil)); got != r.want {
		return fmt.Errorf("%w: archive %s reassembled to %s, expected %s", binarycache.ErrIntegrity, r.entry.StorePathHash, got, r.want)
	}
	return io.EOF
}

func (r *narReader) Close() error {
	if r.cur == nil {
		return nil
	}
	err := r.cur.Close()
	r.cur = nil
	return err
}
