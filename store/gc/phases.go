package gc

import (
	"context"
	"errors"
	"time"

	binarycache "github.com/wolfeidau/binary-cache"
	"github.com/wolfeidau/binary-cache/store/metadb"
)

const chunksFlightKey = "chunks"

// SweepCache removes the entries of one cache whose last use is older than
// its retention period. Concurrent calls for the same cache share one sweep.
func (m *Manager) SweepCache(ctx context.Context, c *metadb.Cache) *Result {
	v, _, _ := m.flight.Do("cache/"+c.Name, func() (any, error) {
		return m.withLock(ctx, "cache/"+c.Name, func() *Result {
			return m.phaseExpireEntries(ctx, c)
		}), nil
	})
	return copyResult(v.(*Result))
}

// SweepChunks deletes chunks whose reference count has been zero for longer
// than the grace period.
func (m *Manager) SweepChunks(ctx context.Context) *Result {
	v, _, _ := m.flight.Do(chunksFlightKey, func() (any, error) {
		return m.withLock(ctx, chunksFlightKey, func() *Result {
			return m.phaseDeleteUnreferenced(ctx)
		}), nil
	})
	return copyResult(v.(*Result))
}

// copyResult gives each caller of a shared flight its own Result to merge.
func copyResult(r *Result) *Result {
	out := *r
	out.Errors = append([]string(nil), r.Errors...)
	return &out
}

func (m *Manager) withLock(ctx context.Context, key string, fn func() *Result) *Result {
	if m.locker == nil {
		return fn()
	}

	release, err := m.locker.Acquire(ctx, key)
	if errors.Is(err, ErrLockHeld) {
		m.logger.Info("gc sweep skipped, lock held elsewhere", "key", key)
		return &Result{}
	}
	if err != nil {
		r := &Result{}
		r.addError("acquire lock %s: %v", key, err)
		m.logger.Error("failed to acquire gc lock", "key", key, "error", err)
		return r
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			m.logger.Warn("failed to release gc lock", "key", key, "error", err)
		}
	}()

	return fn()
}

// phaseExpireEntries deletes entries last used before now minus retention.
// Deleting an entry decrements its chunks; the chunk phase reclaims them.
func (m *Manager) phaseExpireEntries(ctx context.Context, c *metadb.Cache) *Result {
	result := &Result{}

	retention := c.EffectiveRetention(m.config.DefaultRetention)
	if retention <= 0 {
		m.logger.Debug("retention disabled, skipping cache", "cache", c.Name)
		return result
	}
	result.CachesSwept = 1
	cutoff := m.now().Add(-retention)

	m.logger.Debug("phase: expire entries", "cache", c.Name, "cutoff", cutoff)

	for {
		expired, err := m.index.ListExpiredEntries(ctx, c.Name, cutoff, m.config.BatchSize)
		if err != nil {
			result.addError("list expired entries %s: %v", c.Name, err)
			m.logger.Error("failed to list expired entries", "cache", c.Name, "error", err)
			return result
		}

		deleted := 0
		for _, entry := range expired {
			select {
			case <-ctx.Done():
				return result
			default:
			}

			err := m.index.DeleteEntry(ctx, entry.Cache, entry.StorePathHash)
			if errors.Is(err, metadb.ErrNotFound) {
				continue
			}
			if err != nil {
				result.addError("delete entry %s/%s: %v", entry.Cache, entry.StorePathHash, err)
				m.logger.Error("failed to delete expired entry",
					"cache", entry.Cache,
					"store_path_hash", entry.StorePathHash,
					"error", err,
				)
				continue
			}

			deleted++
			result.EntriesDeleted++

			m.logger.Debug("deleted expired entry",
				"cache", entry.Cache,
				"store_path", entry.StorePath,
				"last_used", entry.LastUsed(),
			)
		}

		if len(expired) < m.config.BatchSize || deleted == 0 {
			return result
		}
	}
}

// phaseDeleteUnreferenced claims, deletes and removes zero reference chunks
// past the grace cutoff.
func (m *Manager) phaseDeleteUnreferenced(ctx context.Context) *Result {
	result := &Result{}
	graceCutoff := m.now().Add(-m.config.GracePeriod)

	m.logger.Debug("phase: delete unreferenced chunks", "grace_cutoff", graceCutoff)

	for {
		chunks, err := m.index.ListZeroRefChunks(ctx, graceCutoff, m.config.BatchSize)
		if err != nil {
			result.addError("list zero reference chunks: %v", err)
			m.logger.Error("failed to list zero reference chunks", "error", err)
			return result
		}

		deleted := 0
		for _, chunk := range chunks {
			select {
			case <-ctx.Done():
				return result
			default:
			}

			if m.deleteChunk(ctx, chunk.Hash, graceCutoff, result) {
				deleted++
			}
		}

		if len(chunks) < m.config.BatchSize || deleted == 0 {
			return result
		}
	}
}

// deleteChunk runs the claim, blob delete and row removal for one chunk.
// A claim that loses to a new reference is skipped. A failed blob delete
// returns the row to valid so a later sweep retries it.
func (m *Manager) deleteChunk(ctx context.Context, h binarycache.Hash, graceCutoff time.Time, result *Result) bool {
	claimed, err := m.index.ClaimChunk(ctx, h, graceCutoff)
	if errors.Is(err, metadb.ErrConflict) || errors.Is(err, metadb.ErrNotFound) {
		result.ChunkClaimsLost++
		m.logger.Debug("chunk no longer collectable", "chunk", h.String())
		return false
	}
	if err != nil {
		result.addError("claim chunk %s: %v", h, err)
		m.logger.Error("failed to claim chunk", "chunk", h.String(), "error", err)
		return false
	}

	s, err := m.stores.Get(claimed.Backend)
	if err != nil {
		m.release(ctx, h)
		result.addError("resolve backend %q for chunk %s: %v", claimed.Backend, h, err)
		m.logger.Error("chunk row names unknown backend", "chunk", h.String(), "backend", claimed.Backend, "error", err)
		return false
	}

	err = s.Delete(ctx, h)
	switch {
	case errors.Is(err, binarycache.ErrNotFound):
		result.Inconsistencies++
		m.logger.Warn("chunk blob already missing from storage",
			"chunk", h.String(),
			"backend", claimed.Backend,
		)
	case err != nil:
		m.release(ctx, h)
		result.addError("delete chunk %s: %v", h, err)
		m.logger.Error("failed to delete chunk blob", "chunk", h.String(), "error", err)
		return false
	}

	if err := m.index.RemoveChunk(context.WithoutCancel(ctx), h); err != nil {
		// The blob is gone; a valid row with no blob is rewritten by the
		// next push of the content and otherwise removed by a later sweep.
		m.release(ctx, h)
		result.addError("remove chunk row %s: %v", h, err)
		m.logger.Error("failed to remove chunk row", "chunk", h.String(), "error", err)
		return false
	}

	result.ChunksDeleted++
	result.BytesReclaimed += claimed.CompressedSize

	m.logger.Debug("deleted unreferenced chunk",
		"chunk", h.String(),
		"backend", claimed.Backend,
		"compressed_size", claimed.CompressedSize,
		"zero_since", claimed.ZeroSince,
	)
	return true
}

func (m *Manager) release(ctx context.Context, h binarycache.Hash) {
	if err := m.index.ReleaseChunk(context.WithoutCancel(ctx), h); err != nil {
		m.logger.Error("failed to release chunk claim", "chunk", h.String(), "error", err)
	}
}
