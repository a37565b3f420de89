package gc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	binarycache "github.com/wolfeidau/binary-cache"
	"github.com/wolfeidau/binary-cache/backend"
	"github.com/wolfeidau/binary-cache/chunking"
	"github.com/wolfeidau/binary-cache/store"
	"github.com/wolfeidau/binary-cache/store/metadb"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	clock *testClock
	index metadb.Index
	cafs  *store.CAFS
	reg   *store.Registry
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}

	db := metadb.NewBoltDB(metadb.WithNow(clock.Now), metadb.WithNoSync(true))
	require.NoError(t, db.Open(filepath.Join(t.TempDir(), "test.db")))
	t.Cleanup(func() { _ = db.Close() })

	cafs := store.NewCAFS(backend.NewFilesystemFs(afero.NewMemMapFs()))
	reg, err := store.NewRegistry("local", map[string]store.Store{"local": cafs})
	require.NoError(t, err)

	return &testEnv{clock: clock, index: db, cafs: cafs, reg: reg}
}

func (e *testEnv) manager(config Config, opts ...ManagerOption) *Manager {
	return New(e.index, e.reg, config, append([]ManagerOption{WithNow(e.clock.Now)}, opts...)...)
}

func testConfig() Config {
	config := DefaultConfig()
	config.BatchSize = 2
	return config
}

// putChunk writes a chunk blob and its index row, as a push does.
func (e *testEnv) putChunk(t *testing.T, content string) binarycache.Hash {
	t.Helper()
	data := []byte(content)
	h := binarycache.HashBytes(data)

	_, err := e.index.InsertChunk(t.Context(), &metadb.Chunk{
		Hash: h, Compression: string(chunking.None), Size: int64(len(data)), CompressedSize: int64(len(data)), Backend: "local",
	})
	require.NoError(t, err)
	_, err = e.cafs.Put(t.Context(), &store.Blob{Hash: h, Compression: chunking.None, Size: int64(len(data)), Data: data})
	require.NoError(t, err)
	return h
}

func (e *testEnv) createCache(t *testing.T, name string, retention *time.Duration) {
	t.Helper()
	require.NoError(t, e.index.CreateCache(t.Context(), &metadb.Cache{Name: name, Retention: retention}))
}

func (e *testEnv) register(t *testing.T, cache, sph string, hashes ...binarycache.Hash) {
	t.Helper()
	refs := make([]metadb.ChunkRef, len(hashes))
	for i, h := range hashes {
		refs[i] = metadb.ChunkRef{Hash: h, Size: 1, CompressedSize: 1}
	}
	_, err := e.index.RegisterEntry(t.Context(), &metadb.Entry{
		Cache: cache, StorePathHash: sph, NarHash: "sha256:" + sph, Chunks: refs,
	})
	require.NoError(t, err)
}

func (e *testEnv) requireStored(t *testing.T, h binarycache.Hash, want bool) {
	t.Helper()
	ok, err := e.cafs.Has(t.Context(), h)
	require.NoError(t, err)
	require.Equal(t, want, ok, "blob %s", h.ShortString())

	_, err = e.index.GetChunk(t.Context(), h)
	if want {
		require.NoError(t, err)
	} else {
		require.ErrorIs(t, err, metadb.ErrNotFound)
	}
}

func durationPtr(d time.Duration) *time.Duration { return &d }

func TestManager_DestroyThenSweepAfterGrace(t *testing.T) {
	env := newTestEnv(t)
	ctx := t.Context()

	c1, c2, c3, c4 := env.putChunk(t, "c1"), env.putChunk(t, "c2"), env.putChunk(t, "c3"), env.putChunk(t, "c4")
	env.createCache(t, "x", nil)
	env.createCache(t, "y", nil)
	env.register(t, "x", "a", c1, c2, c3)
	env.register(t, "y", "b", c1, c2, c4)

	_, err := env.index.DestroyCache(ctx, "x")
	require.NoError(t, err)

	mgr := env.manager(testConfig())

	result, err := mgr.RunNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.ChunksDeleted, "c3 is inside the grace window")
	env.requireStored(t, c3, true)

	env.clock.Advance(2 * time.Hour)
	result, err = mgr.RunNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.ChunksDeleted)
	assert.Equal(t, int64(2), result.BytesReclaimed)
	assert.Empty(t, result.Errors)

	env.requireStored(t, c3, false)
	for _, h := range []binarycache.Hash{c1, c2, c4} {
		env.requireStored(t, h, true)
	}
	assert.Same(t, mgr.Status(), result)
}

func TestManager_RetentionExpiresEntries(t *testing.T) {
	env := newTestEnv(t)
	ctx := t.Context()

	h := env.putChunk(t, "payload")
	env.createCache(t, "main", durationPtr(time.Hour))
	env.register(t, "main", "old", h)
	env.register(t, "main", "also-old", h)
	env.register(t, "main", "third", h)

	mgr := env.manager(testConfig())

	env.clock.Advance(2 * time.Hour)
	result, err := mgr.RunNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.CachesSwept)
	assert.Equal(t, 3, result.EntriesDeleted, "batches until no expired entries remain")
	assert.Equal(t, 0, result.ChunksDeleted, "the chunk just reached zero")

	c, err := env.index.GetChunk(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, int64(0), c.RefCount)

	env.clock.Advance(2 * time.Hour)
	result, err = mgr.RunNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.ChunksDeleted)
	env.requireStored(t, h, false)
}

func TestManager_RetentionResolution(t *testing.T) {
	env := newTestEnv(t)
	ctx := t.Context()

	h := env.putChunk(t, "payload")
	env.createCache(t, "default", nil)
	env.createCache(t, "never", durationPtr(0))
	env.register(t, "default", "p", h)
	env.register(t, "never", "p", h)

	config := testConfig()
	config.DefaultRetention = time.Hour
	mgr := env.manager(config)

	env.clock.Advance(24 * time.Hour)
	result, err := mgr.RunNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.EntriesDeleted)

	_, err = env.index.ResolveEntry(ctx, "default", "p")
	require.ErrorIs(t, err, metadb.ErrNotFound)
	_, err = env.index.ResolveEntry(ctx, "never", "p")
	require.NoError(t, err)
}

func TestManager_RecentlyAccessedEntrySurvives(t *testing.T) {
	env := newTestEnv(t)
	ctx := t.Context()

	h := env.putChunk(t, "payload")
	env.createCache(t, "main", durationPtr(2*time.Hour))
	env.register(t, "main", "p", h)

	env.clock.Advance(90 * time.Minute)
	require.NoError(t, env.index.TouchEntry(ctx, "main", "p", env.clock.Now()))
	env.clock.Advance(90 * time.Minute)

	result, err := env.manager(testConfig()).RunNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.EntriesDeleted)
}

func TestManager_MissingBlobIsInconsistency(t *testing.T) {
	env := newTestEnv(t)
	ctx := t.Context()

	h := binarycache.HashBytes([]byte("never written"))
	_, err := env.index.InsertChunk(ctx, &metadb.Chunk{Hash: h, Compression: "none", Backend: "local"})
	require.NoError(t, err)

	env.clock.Advance(2 * time.Hour)
	result, err := env.manager(testConfig()).RunNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Inconsistencies)
	assert.Equal(t, 1, result.ChunksDeleted)

	_, err = env.index.GetChunk(ctx, h)
	require.ErrorIs(t, err, metadb.ErrNotFound)
}

type failingDeleteStore struct {
	store.Store
}

func (failingDeleteStore) Delete(context.Context, binarycache.Hash) error {
	return fmt.Errorf("backend down: %w", binarycache.ErrUnavailable)
}

type staticStores struct{ s store.Store }

func (s staticStores) Get(string) (store.Store, error) { return s.s, nil }

func TestManager_FailedBlobDeleteReleasesClaim(t *testing.T) {
	env := newTestEnv(t)
	ctx := t.Context()

	h := env.putChunk(t, "payload")
	env.clock.Advance(2 * time.Hour)

	mgr := New(env.index, staticStores{failingDeleteStore{env.cafs}}, testConfig(), WithNow(env.clock.Now))
	result, err := mgr.RunNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.ChunksDeleted)
	require.Len(t, result.Errors, 1)

	c, err := env.index.GetChunk(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, metadb.ChunkValid, c.State)
	env.requireStored(t, h, true)

	// A healthy backend collects it on the next run.
	result, err = env.manager(testConfig()).RunNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.ChunksDeleted)
}

// reviveIndex references every listed chunk before the collector claims it,
// as a concurrent push would.
type reviveIndex struct {
	metadb.Index
	revive func(chunks []*metadb.Chunk)
}

func (r *reviveIndex) ListZeroRefChunks(ctx context.Context, cutoff time.Time, limit int) ([]*metadb.Chunk, error) {
	chunks, err := r.Index.ListZeroRefChunks(ctx, cutoff, limit)
	if err == nil && len(chunks) > 0 && r.revive != nil {
		r.revive(chunks)
		r.revive = nil
	}
	return chunks, err
}

func TestManager_ChunkReferencedBeforeClaimIsKept(t *testing.T) {
	env := newTestEnv(t)
	ctx := t.Context()

	h := env.putChunk(t, "payload")
	env.createCache(t, "main", nil)
	env.clock.Advance(2 * time.Hour)

	idx := &reviveIndex{Index: env.index, revive: func([]*metadb.Chunk) {
		env.register(t, "main", "late", h)
	}}
	result, err := New(idx, env.reg, testConfig(), WithNow(env.clock.Now)).RunNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.ChunksDeleted)
	assert.Equal(t, 1, result.ChunkClaimsLost)
	env.requireStored(t, h, true)
}

type blockingIndex struct {
	metadb.Index
	calls   atomic.Int32
	entered chan struct{}
	release chan struct{}
}

func (b *blockingIndex) ListExpiredEntries(ctx context.Context, cache string, cutoff time.Time, limit int) ([]*metadb.Entry, error) {
	if b.calls.Add(1) == 1 {
		close(b.entered)
	}
	<-b.release
	return b.Index.ListExpiredEntries(ctx, cache, cutoff, limit)
}

func TestManager_ConcurrentSweepsOfOneCacheShareAPass(t *testing.T) {
	env := newTestEnv(t)
	ctx := t.Context()

	h := env.putChunk(t, "payload")
	env.createCache(t, "main", durationPtr(time.Hour))
	env.register(t, "main", "old", h)
	env.clock.Advance(2 * time.Hour)

	c, err := env.index.GetCache(ctx, "main")
	require.NoError(t, err)

	idx := &blockingIndex{Index: env.index, entered: make(chan struct{}), release: make(chan struct{})}
	config := testConfig()
	config.BatchSize = 10
	mgr := New(idx, env.reg, config, WithNow(env.clock.Now))

	results := make([]*Result, 2)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0] = mgr.SweepCache(ctx, c)
	}()
	<-idx.entered

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[1] = mgr.SweepCache(ctx, c)
	}()
	require.Never(t, func() bool { return idx.calls.Load() > 1 }, 100*time.Millisecond, 5*time.Millisecond)
	close(idx.release)
	wg.Wait()

	assert.Equal(t, int32(1), idx.calls.Load(), "one index pass for both sweeps")
	for _, r := range results {
		assert.Equal(t, 1, r.EntriesDeleted)
		assert.Equal(t, 1, r.CachesSwept)
	}
	results[0].addError("first")
	assert.Empty(t, results[1].Errors, "each caller gets its own result")
}

type heldLocker struct{}

func (heldLocker) Acquire(context.Context, string) (func(context.Context) error, error) {
	return nil, ErrLockHeld
}

func TestManager_LockHeldElsewhereSkips(t *testing.T) {
	env := newTestEnv(t)
	h := env.putChunk(t, "payload")
	env.clock.Advance(2 * time.Hour)

	result, err := env.manager(testConfig(), WithLocker(heldLocker{})).RunNow(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 0, result.ChunksDeleted)
	assert.Empty(t, result.Errors)
	env.requireStored(t, h, true)
}

type brokenLocker struct{}

func (brokenLocker) Acquire(context.Context, string) (func(context.Context) error, error) {
	return nil, errors.New("connection refused")
}

func TestManager_LockErrorIsReported(t *testing.T) {
	env := newTestEnv(t)
	env.putChunk(t, "payload")
	env.clock.Advance(2 * time.Hour)

	result, err := env.manager(testConfig(), WithLocker(brokenLocker{})).RunNow(t.Context())
	require.NoError(t, err)
	assert.Len(t, result.Errors, 1)
	assert.Equal(t, 0, result.ChunksDeleted)
}

func TestManager_StartStop(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	config := testConfig()
	config.StartupDelay = 10 * time.Millisecond
	config.Interval = 50 * time.Millisecond

	mgr := env.manager(config)
	require.NoError(t, mgr.Start(ctx))
	require.NoError(t, mgr.Start(ctx), "double start is a no-op")

	require.Eventually(t, func() bool { return mgr.Status() != nil }, 2*time.Second, 10*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, mgr.Stop(stopCtx))
}

func TestManager_StartWithSchedule(t *testing.T) {
	env := newTestEnv(t)

	config := testConfig()
	config.Schedule = "@every 1h"
	mgr := env.manager(config)
	require.NoError(t, mgr.Start(t.Context()))

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, mgr.Stop(stopCtx))

	config.Schedule = "not a schedule"
	require.Error(t, env.manager(config).Start(t.Context()))
}

func TestManager_StartDisabled(t *testing.T) {
	env := newTestEnv(t)
	config := testConfig()
	config.Interval = 0

	mgr := env.manager(config)
	require.NoError(t, mgr.Start(t.Context()))
	require.NoError(t, mgr.Stop(t.Context()))
	assert.Nil(t, mgr.Status())
}

func TestManager_ContextCancellation(t *testing.T) {
	env := newTestEnv(t)
	env.putChunk(t, "payload")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := env.manager(testConfig()).RunNow(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestRedisLocker(t *testing.T) {
	addr := os.Getenv("BINARY_CACHE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("BINARY_CACHE_TEST_REDIS_ADDR not set")
	}
	ctx := t.Context()
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	locker := NewRedisLocker(client, fmt.Sprintf("binary-cache-test:%d:", time.Now().UnixNano()), time.Minute)

	release, err := locker.Acquire(ctx, "cache/main")
	require.NoError(t, err)

	_, err = locker.Acquire(ctx, "cache/main")
	require.ErrorIs(t, err, ErrLockHeld)

	require.NoError(t, release(ctx))

	release, err = locker.Acquire(ctx, "cache/main")
	require.NoError(t, err)
	require.NoError(t, release(ctx))
}
