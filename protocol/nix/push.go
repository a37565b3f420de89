package nix

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	binarycache "github.com/wolfeidau/binary-cache"
	"github.com/wolfeidau/binary-cache/auth"
	"github.com/wolfeidau/binary-cache/chunking"
	"github.com/wolfeidau/binary-cache/narinfo"
	"github.com/wolfeidau/binary-cache/store"
	"github.com/wolfeidau/binary-cache/store/metadb"
	"github.com/wolfeidau/binary-cache/telemetry"
)

// UploadPath pushes one archive. The stream is chunked, each chunk is
// recorded in the index and then written to the store, and the entry is
// registered once NarHash and NarSize have been verified. The stream is not
// read when the cache already holds the same content, or when proof of
// possession is not required and another cache does.
//
// Chunk rows are inserted before their blobs are written and start
// unreferenced, so the whole push must register within the collector's
// grace period.
func (s *Service) UploadPath(ctx context.Context, cacheName string, ni *narinfo.NarInfo, body io.Reader) (*UploadResult, error) {
	c, err := s.authorize(ctx, auth.ActionPush, cacheName)
	if err != nil {
		return nil, err
	}
	if err := checkStoreDir(c, ni); err != nil {
		return nil, err
	}

	logger := s.logger.With("cache", c.Name, "store_path_hash", ni.StorePathHash())

	if result, err := s.unchanged(ctx, c, ni); result != nil || err != nil {
		return result, err
	}

	if !s.config.RequireProofOfPossession {
		result, err := s.pushDeduplicated(ctx, c, ni, logger)
		if result != nil || err != nil {
			return result, err
		}
	}

	return s.pushStream(ctx, c, ni, body, logger)
}

// unchanged reports an Unchanged result when the cache already holds the
// store path with the same NarHash.
func (s *Service) unchanged(ctx context.Context, c *metadb.Cache, ni *narinfo.NarInfo) (*UploadResult, error) {
	existing, err := s.index.ResolveEntry(ctx, c.Name, ni.StorePathHash())
	if errors.Is(err, metadb.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolving existing entry: %w", err)
	}
	if existing.NarHash != ni.NarHash.String() {
		return nil, nil
	}
	telemetry.RecordPush(ctx, string(Unchanged), existing.NarSize, 0)
	return &UploadResult{
		Kind:             Unchanged,
		StorePathHash:    existing.StorePathHash,
		NarSize:          existing.NarSize,
		Chunks:           len(existing.Chunks),
		FracDeduplicated: 1,
	}, nil
}

// pushDeduplicated registers the chunk list of an existing archive with the
// same NarHash. It returns nil, nil when there is none, or when its chunks
// are being collected and the caller should upload instead.
func (s *Service) pushDeduplicated(ctx context.Context, c *metadb.Cache, ni *narinfo.NarInfo, logger *slog.Logger) (*UploadResult, error) {
	existing, err := s.index.FindEntryByNarHash(ctx, ni.NarHash.String())
	if errors.Is(err, metadb.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding entry by nar hash: %w", err)
	}
	if existing.NarSize != ni.NarSize {
		return nil, fmt.Errorf("%w: nar size %d does not match existing archive of %d bytes", binarycache.ErrInvalid, ni.NarSize, existing.NarSize)
	}

	entry := s.newEntry(c, ni, existing.Chunks)
	if _, err := s.register(ctx, entry); err != nil {
		if errors.Is(err, binarycache.ErrConflict) {
			logger.Info("existing chunks are being collected, uploading archive")
			return nil, nil
		}
		return nil, err
	}

	logger.Debug("registered archive from existing chunks", "source_cache", existing.Cache)
	telemetry.RecordPush(ctx, string(Deduplicated), ni.NarSize, 0)
	return &UploadResult{
		Kind:             Deduplicated,
		StorePathHash:    entry.StorePathHash,
		NarSize:          entry.NarSize,
		Chunks:           len(entry.Chunks),
		FracDeduplicated: 1,
	}, nil
}

func (s *Service) pushStream(ctx context.Context, c *metadb.Cache, ni *narinfo.NarInfo, body io.Reader, logger *slog.Logger) (*UploadResult, error) {
	codec, err := s.cacheCodec(c)
	if err != nil {
		return nil, err
	}
	backendName, err := s.stores.Resolve(c.Backend)
	if err != nil {
		return nil, err
	}

	p := chunking.NewPipeline(body, s.config.Chunking, codec, ni.NarSize)
	var (
		refs      []metadb.ChunkRef
		newChunks int
		newBytes  int64
		dedupSize int64
	)
	for {
		ch, err := p.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("chunking archive: %w", err)
		}
		if p.Size() > ni.NarSize {
			return nil, fmt.Errorf("%w: archive is longer than the declared %d bytes", binarycache.ErrInvalid, ni.NarSize)
		}

		ref, res, err := s.writeChunk(ctx, backendName, ch)
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
		if res.Outcome == store.Stored {
			newChunks++
			newBytes += res.StoredSize
		} else {
			dedupSize += ref.Size
		}
	}

	if p.Size() != ni.NarSize {
		return nil, fmt.Errorf("%w: archive is %d bytes, narinfo declares %d", binarycache.ErrInvalid, p.Size(), ni.NarSize)
	}
	if got := narinfo.Hash(p.NarHash()); got != ni.NarHash {
		return nil, fmt.Errorf("%w: archive hashes to %s, narinfo declares %s", binarycache.ErrInvalid, got, ni.NarHash)
	}

	entry := s.newEntry(c, ni, refs)
	outcome, err := s.register(ctx, entry)
	if err != nil {
		return nil, err
	}

	logger.Debug("uploaded archive",
		"outcome", outcome.String(),
		"nar_size", ni.NarSize,
		"chunks", len(refs),
		"new_chunks", newChunks,
		"new_bytes", newBytes,
	)
	telemetry.RecordPush(ctx, string(Uploaded), ni.NarSize, newBytes)

	result := &UploadResult{
		Kind:          Uploaded,
		StorePathHash: entry.StorePathHash,
		NarSize:       entry.NarSize,
		Chunks:        len(refs),
		NewChunks:     newChunks,
		NewBytes:      newBytes,
	}
	if ni.NarSize > 0 {
		result.FracDeduplicated = float64(dedupSize) / float64(ni.NarSize)
	}
	return result, nil
}

// writeChunk records a chunk row and then writes its blob to the backend the
// row names. The row is inserted first so the collector cannot claim it
// before this push registers: a fresh or orphaned row is zero since now,
// inside the grace window. A row already claimed for deletion is waited out.
func (s *Service) writeChunk(ctx context.Context, backendName string, ch *chunking.Chunk) (metadb.ChunkRef, store.PutResult, error) {
	row, err := retryConflict(ctx, s, "insert chunk", insertAttempts, func() (*metadb.Chunk, error) {
		row, err := s.index.InsertChunk(ctx, &metadb.Chunk{
			Hash:           ch.Hash,
			Compression:    string(ch.Compression),
			Size:           ch.Size(),
			CompressedSize: ch.CompressedSize(),
			Backend:        backendName,
		})
		if err != nil {
			return nil, err
		}
		if row.State == metadb.ChunkDeleting {
			return nil, fmt.Errorf("chunk %s is being collected: %w", ch.Hash.ShortString(), metadb.ErrConflict)
		}
		return row, nil
	})
	if err != nil {
		return metadb.ChunkRef{}, store.PutResult{}, fmt.Errorf("recording chunk %s: %w", ch.Hash.ShortString(), err)
	}

	st, err := s.stores.Get(row.Backend)
	if err != nil {
		return metadb.ChunkRef{}, store.PutResult{}, fmt.Errorf("chunk %s row names backend %q: %w", ch.Hash.ShortString(), row.Backend, err)
	}
	res, err := st.Put(ctx, store.BlobFromChunk(ch))
	if err != nil {
		return metadb.ChunkRef{}, store.PutResult{}, fmt.Errorf("storing chunk %s: %w", ch.Hash.ShortString(), err)
	}
	telemetry.RecordChunkWrite(ctx, string(ch.Compression), res.Outcome.String(), ch.Size(), res.StoredSize)

	return metadb.ChunkRef{
		Hash:           ch.Hash,
		Size:           ch.Size(),
		CompressedSize: row.CompressedSize,
	}, res, nil
}

// PutChunk stores one uncompressed chunk for a later RegisterPath. The data
// must hash to h.
func (s *Service) PutChunk(ctx context.Context, cacheName string, h binarycache.Hash, data []byte) (*PutChunkResult, error) {
	c, err := s.authorize(ctx, auth.ActionPush, cacheName)
	if err != nil {
		return nil, err
	}
	if got := binarycache.HashBytes(data); got != h {
		return nil, fmt.Errorf("%w: chunk body hashes to %s, not %s", binarycache.ErrInvalid, got, h)
	}
	codec, err := s.cacheCodec(c)
	if err != nil {
		return nil, err
	}
	backendName, err := s.stores.Resolve(c.Backend)
	if err != nil {
		return nil, err
	}

	compressed, err := codec.Compress(data)
	if err != nil {
		return nil, fmt.Errorf("compressing chunk: %w", err)
	}
	ch := &chunking.Chunk{Hash: h, Data: data, Compressed: compressed, Compression: codec.Compression()}

	ref, res, err := s.writeChunk(ctx, backendName, ch)
	if err != nil {
		return nil, err
	}
	return &PutChunkResult{
		Hash:           h,
		Outcome:        res.Outcome.String(),
		Size:           ref.Size,
		CompressedSize: ref.CompressedSize,
	}, nil
}

// RegisterPath registers a narinfo whose archive is the concatenation of
// previously uploaded chunks. The chunks are read back and checked against
// NarHash and NarSize before the entry is recorded.
func (s *Service) RegisterPath(ctx context.Context, cacheName string, ni *narinfo.NarInfo, hashes []binarycache.Hash) (*UploadResult, error) {
	c, err := s.authorize(ctx, auth.ActionPush, cacheName)
	if err != nil {
		return nil, err
	}
	if err := checkStoreDir(c, ni); err != nil {
		return nil, err
	}
	if result, err := s.unchanged(ctx, c, ni); result != nil || err != nil {
		return result, err
	}

	refs := make([]metadb.ChunkRef, len(hashes))
	var size int64
	for i, h := range hashes {
		row, err := s.index.GetChunk(ctx, h)
		if errors.Is(err, metadb.ErrNotFound) {
			return nil, fmt.Errorf("%w: chunk %s has not been uploaded", binarycache.ErrInvalid, h)
		}
		if err != nil {
			return nil, fmt.Errorf("loading chunk %s: %w", h.ShortString(), err)
		}
		if row.State == metadb.ChunkDeleting {
			return nil, fmt.Errorf("chunk %s is being collected: %w", h.ShortString(), metadb.ErrConflict)
		}
		refs[i] = metadb.ChunkRef{Hash: h, Size: row.Size, CompressedSize: row.CompressedSize}
		size += row.Size
	}
	if size != ni.NarSize {
		return nil, fmt.Errorf("%w: chunks total %d bytes, narinfo declares %d", binarycache.ErrInvalid, size, ni.NarSize)
	}

	entry := s.newEntry(c, ni, refs)
	if err := s.verifyChunks(ctx, entry); err != nil {
		return nil, err
	}
	if _, err := s.register(ctx, entry); err != nil {
		return nil, err
	}

	telemetry.RecordPush(ctx, string(Registered), ni.NarSize, 0)
	return &UploadResult{
		Kind:          Registered,
		StorePathHash: entry.StorePathHash,
		NarSize:       entry.NarSize,
		Chunks:        len(refs),
	}, nil
}

// verifyChunks reassembles the entry's chunks and compares the result with
// its NarHash.
func (s *Service) verifyChunks(ctx context.Context, e *metadb.Entry) error {
	r := s.newNarReader(ctx, e)
	defer func() { _ = r.Close() }()

	if _, err := io.Copy(io.Discard, r); err != nil {
		if errors.Is(err, binarycache.ErrIntegrity) {
			return fmt.Errorf("%w: chunks do not reassemble to the declared archive", binarycache.ErrInvalid)
		}
		return err
	}
	return nil
}

// register records the entry, retrying when a chunk was claimed by the
// collector between the insert and the register transaction.
func (s *Service) register(ctx context.Context, e *metadb.Entry) (metadb.RegisterOutcome, error) {
	return retryConflict(ctx, s, "register entry", registerAttempts, func() (metadb.RegisterOutcome, error) {
		return s.index.RegisterEntry(ctx, e)
	})
}

func (s *Service) newEntry(c *metadb.Cache, ni *narinfo.NarInfo, refs []metadb.ChunkRef) *metadb.Entry {
	return &metadb.Entry{
		Cache:         c.Name,
		StorePathHash: ni.StorePathHash(),
		StorePath:     ni.StorePath,
		NarHash:       ni.NarHash.String(),
		NarSize:       ni.NarSize,
		References:    ni.References,
		NarInfo:       ni.String(),
		Chunks:        refs,
	}
}

func checkStoreDir(c *metadb.Cache, ni *narinfo.NarInfo) error {
	if ni.StoreDir() != c.StoreDir {
		return fmt.Errorf("%w: store path %s is not in %s", binarycache.ErrInvalid, ni.StorePath, c.StoreDir)
	}
	return nil
}
