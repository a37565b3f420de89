package nix

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	binarycache "github.com/wolfeidau/binary-cache"
	"github.com/wolfeidau/binary-cache/auth"
	"github.com/wolfeidau/binary-cache/backend"
	"github.com/wolfeidau/binary-cache/chunking"
	"github.com/wolfeidau/binary-cache/narinfo"
	"github.com/wolfeidau/binary-cache/store"
	"github.com/wolfeidau/binary-cache/store/gc"
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
	clock   *testClock
	index   metadb.Index
	fs      *backend.Filesystem
	cafs    *store.CAFS
	reg     *store.Registry
	service *Service
}

// testParams gives multi-chunk archives at test sizes.
func testParams() chunking.Params {
	return chunking.Params{
		NarSizeThreshold: 1024,
		MinSize:          128,
		AvgSize:          512,
		MaxSize:          2048,
	}
}

func newTestEnv(t *testing.T, mutate ...func(*Config)) *testEnv {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)}

	db := metadb.NewBoltDB(metadb.WithNow(clock.Now), metadb.WithNoSync(true))
	require.NoError(t, db.Open(filepath.Join(t.TempDir(), "meta.db")))
	t.Cleanup(func() { _ = db.Close() })

	fs := backend.NewFilesystemFs(afero.NewMemMapFs())
	cafs := store.NewCAFS(fs)
	reg, err := store.NewRegistry("local", map[string]store.Store{"local": cafs})
	require.NoError(t, err)

	config := DefaultConfig()
	config.Chunking = testParams()
	for _, m := range mutate {
		m(&config)
	}
	svc, err := New(db, reg, config, WithNow(clock.Now), WithConflictWait(time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(svc.Close)

	return &testEnv{clock: clock, index: db, fs: fs, cafs: cafs, reg: reg, service: svc}
}

func withGrants(ctx context.Context, grants ...auth.Grant) context.Context {
	return auth.WithPrincipal(ctx, auth.NewPrincipal(&auth.Token{Subject: "test", Grants: grants}))
}

// admin holds every action on every cache.
func admin(ctx context.Context) context.Context {
	grants := make([]auth.Grant, 0, len(auth.AllActions))
	for _, a := range auth.AllActions {
		grants = append(grants, auth.Grant{Action: a, Cache: "*"})
	}
	return withGrants(ctx, grants...)
}

func (e *testEnv) createCache(t *testing.T, name string, public bool) {
	t.Helper()
	_, err := e.service.CreateCache(admin(t.Context()), name, CacheConfig{IsPublic: &public})
	require.NoError(t, err)
}

func randomBytes(seed uint64, n int) []byte {
	r := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(r.Uint32())
	}
	return b
}

func storePathFor(name string) string {
	sum := sha256.Sum256([]byte(name))
	return "/nix/store/" + narinfo.EncodeBase32(sum[:20]) + "-" + name
}

func narInfoFor(t *testing.T, name string, data []byte, refs ...string) *narinfo.NarInfo {
	t.Helper()
	doc := fmt.Sprintf("StorePath: %s\nNarHash: %s\nNarSize: %d\nReferences: %s\n",
		storePathFor(name),
		narinfo.Hash(sha256.Sum256(data)).String(),
		len(data),
		strings.Join(refs, " "),
	)
	ni, err := narinfo.Parse([]byte(doc))
	require.NoError(t, err)
	return ni
}

func (e *testEnv) readNar(t *testing.T, ctx context.Context, cache, sph string) ([]byte, error) {
	t.Helper()
	_, rc, err := e.service.OpenNar(ctx, cache, sph)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()
	return io.ReadAll(rc)
}

func (e *testEnv) refCount(t *testing.T, h binarycache.Hash) int64 {
	t.Helper()
	row, err := e.index.GetChunk(t.Context(), h)
	require.NoError(t, err)
	return row.RefCount
}

func (e *testEnv) blobCount(t *testing.T) int {
	t.Helper()
	hashes, err := e.cafs.List(t.Context())
	require.NoError(t, err)
	return len(hashes)
}

func TestRoundTripFidelity(t *testing.T) {
	sizes := []int{0, 1, 100, 1023, 1024, 2048, 2049, 20000}
	for _, comp := range []chunking.Compression{chunking.None, chunking.Zstd, chunking.Brotli, chunking.Gzip} {
		t.Run(string(comp), func(t *testing.T) {
			env := newTestEnv(t, func(c *Config) { c.Compression = comp })
			env.createCache(t, "test", false)
			ctx := admin(t.Context())

			for i, size := range sizes {
				data := randomBytes(uint64(i+1), size)
				ni := narInfoFor(t, fmt.Sprintf("pkg-%d", size), data)

				result, err := env.service.UploadPath(ctx, "test", ni, bytes.NewReader(data))
				require.NoError(t, err, "size %d", size)
				assert.Equal(t, Uploaded, result.Kind)

				got, err := env.readNar(t, ctx, "test", ni.StorePathHash())
				require.NoError(t, err, "size %d", size)
				assert.Equal(t, data, got, "size %d", size)
			}
		})
	}
}

func TestLargeArchiveIsChunked(t *testing.T) {
	env := newTestEnv(t)
	env.createCache(t, "test", false)
	ctx := admin(t.Context())

	data := randomBytes(7, 64<<10)
	ni := narInfoFor(t, "big", data)
	result, err := env.service.UploadPath(ctx, "test", ni, bytes.NewReader(data))
	require.NoError(t, err)
	assert.Greater(t, result.Chunks, 1)
	assert.Equal(t, result.Chunks, result.NewChunks)

	m, err := env.service.Manifest(ctx, "test", ni.StorePathHash())
	require.NoError(t, err)
	var total int64
	for _, c := range m.Chunks {
		require.LessOrEqual(t, c.Size, int64(testParams().MaxSize))
		total += c.Size
	}
	assert.Equal(t, int64(len(data)), total)
}

func TestDedupIdempotence(t *testing.T) {
	env := newTestEnv(t)
	for _, name := range []string{"a", "b", "c"} {
		env.createCache(t, name, false)
	}
	ctx := admin(t.Context())

	data := randomBytes(11, 16<<10)
	ni := narInfoFor(t, "shared", data)

	first, err := env.service.UploadPath(ctx, "a", ni, bytes.NewReader(data))
	require.NoError(t, err)
	distinct := first.NewChunks
	require.Equal(t, distinct, env.blobCount(t))

	for _, name := range []string{"b", "c"} {
		result, err := env.service.UploadPath(ctx, name, ni, bytes.NewReader(data))
		require.NoError(t, err)
		assert.Equal(t, Uploaded, result.Kind)
		assert.Zero(t, result.NewChunks)
		assert.InDelta(t, 1.0, result.FracDeduplicated, 0.0001)
	}

	again, err := env.service.UploadPath(ctx, "a", ni, bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, Unchanged, again.Kind)

	assert.Equal(t, distinct, env.blobCount(t))
	m, err := env.service.Manifest(ctx, "a", ni.StorePathHash())
	require.NoError(t, err)
	for _, h := range metadb.DistinctHashes(refsOf(m)) {
		assert.Equal(t, int64(3), env.refCount(t, h))
	}
}

func refsOf(m *Manifest) []metadb.ChunkRef {
	out := make([]metadb.ChunkRef, len(m.Chunks))
	for i, c := range m.Chunks {
		out[i] = metadb.ChunkRef{Hash: c.Hash, Size: c.Size, CompressedSize: c.CompressedSize}
	}
	return out
}

func TestConcurrentPushesOfSameContent(t *testing.T) {
	env := newTestEnv(t)
	const caches = 8
	for i := range caches {
		env.createCache(t, fmt.Sprintf("c%d", i), false)
	}
	ctx := admin(t.Context())

	data := randomBytes(21, 24<<10)
	ni := narInfoFor(t, "race", data)

	var wg sync.WaitGroup
	errs := make([]error, caches)
	for i := range caches {
		wg.Go(func() {
			_, errs[i] = env.service.UploadPath(ctx, fmt.Sprintf("c%d", i), ni, bytes.NewReader(data))
		})
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	m, err := env.service.Manifest(ctx, "c0", ni.StorePathHash())
	require.NoError(t, err)
	hashes := metadb.DistinctHashes(refsOf(m))
	assert.Equal(t, len(hashes), env.blobCount(t))
	for _, h := range hashes {
		assert.Equal(t, int64(caches), env.refCount(t, h))
	}
}

func TestProofOfPossessionShortcut(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.RequireProofOfPossession = false })
	env.createCache(t, "a", false)
	env.createCache(t, "b", false)
	ctx := admin(t.Context())

	data := randomBytes(3, 8<<10)
	ni := narInfoFor(t, "pop", data)
	_, err := env.service.UploadPath(ctx, "a", ni, bytes.NewReader(data))
	require.NoError(t, err)

	result, err := env.service.UploadPath(ctx, "b", ni, iotestErrReader{})
	require.NoError(t, err)
	assert.Equal(t, Deduplicated, result.Kind)

	got, err := env.readNar(t, ctx, "b", ni.StorePathHash())
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestProofOfPossessionRequired(t *testing.T) {
	env := newTestEnv(t)
	env.createCache(t, "a", false)
	env.createCache(t, "b", false)
	ctx := admin(t.Context())

	data := randomBytes(3, 8<<10)
	ni := narInfoFor(t, "pop", data)
	_, err := env.service.UploadPath(ctx, "a", ni, bytes.NewReader(data))
	require.NoError(t, err)

	_, err = env.service.UploadPath(ctx, "b", ni, iotestErrReader{})
	require.Error(t, err)

	_, err = env.index.ResolveEntry(t.Context(), "b", ni.StorePathHash())
	require.ErrorIs(t, err, binarycache.ErrNotFound)
}

type iotestErrReader struct{}

func (iotestErrReader) Read([]byte) (int, error) { return 0, errors.New("stream must not be read") }

func TestUploadRejectsMismatchedArchive(t *testing.T) {
	env := newTestEnv(t)
	env.createCache(t, "test", false)
	ctx := admin(t.Context())

	data := randomBytes(5, 4096)
	ni := narInfoFor(t, "bad", data)

	tampered := bytes.Clone(data)
	tampered[100] ^= 0xff
	_, err := env.service.UploadPath(ctx, "test", ni, bytes.NewReader(tampered))
	require.ErrorIs(t, err, binarycache.ErrInvalid)

	_, err = env.service.UploadPath(ctx, "test", ni, bytes.NewReader(data[:4000]))
	require.ErrorIs(t, err, binarycache.ErrInvalid)

	_, err = env.service.UploadPath(ctx, "test", ni, bytes.NewReader(append(bytes.Clone(data), 1, 2, 3)))
	require.ErrorIs(t, err, binarycache.ErrInvalid)

	_, err = env.index.ResolveEntry(t.Context(), "test", ni.StorePathHash())
	require.ErrorIs(t, err, binarycache.ErrNotFound, "no entry is visible after a failed push")
}

func TestUploadRejectsForeignStoreDir(t *testing.T) {
	env := newTestEnv(t)
	env.createCache(t, "test", false)

	doc := "StorePath: /gnu/store/7h7qgvs4kgzsn8a6rb273saxyqh4jxlz-x\nNarHash: " + narinfo.Hash(sha256.Sum256(nil)).String() + "\nNarSize: 0\n"
	ni, err := narinfo.Parse([]byte(doc))
	require.NoError(t, err)
	_, err = env.service.UploadPath(admin(t.Context()), "test", ni, bytes.NewReader(nil))
	require.ErrorIs(t, err, binarycache.ErrInvalid)
}

func TestReplaceMovesReferenceCounts(t *testing.T) {
	env := newTestEnv(t)
	env.createCache(t, "test", false)
	ctx := admin(t.Context())

	old := randomBytes(1, 512)
	niOld := narInfoFor(t, "pkg", old)
	_, err := env.service.UploadPath(ctx, "test", niOld, bytes.NewReader(old))
	require.NoError(t, err)

	next := randomBytes(2, 512)
	niNew := narInfoFor(t, "pkg", next)
	_, err = env.service.UploadPath(ctx, "test", niNew, bytes.NewReader(next))
	require.NoError(t, err)

	assert.Equal(t, int64(0), env.refCount(t, binarycache.HashBytes(old)))
	assert.Equal(t, int64(1), env.refCount(t, binarycache.HashBytes(next)))

	got, err := env.readNar(t, ctx, "test", niNew.StorePathHash())
	require.NoError(t, err)
	assert.Equal(t, next, got)
}

func TestPushWaitsOutClaimedChunk(t *testing.T) {
	env := newTestEnv(t)
	env.createCache(t, "test", false)
	ctx := admin(t.Context())

	data := randomBytes(9, 256)
	h := binarycache.HashBytes(data)
	_, err := env.index.InsertChunk(t.Context(), &metadb.Chunk{Hash: h, Compression: "none", Size: 256, CompressedSize: 256, Backend: "local"})
	require.NoError(t, err)
	env.clock.Advance(2 * time.Hour)
	_, err = env.index.ClaimChunk(t.Context(), h, env.clock.Now().Add(-time.Hour))
	require.NoError(t, err)

	ni := narInfoFor(t, "claimed", data)
	_, err = env.service.UploadPath(ctx, "test", ni, bytes.NewReader(data))
	require.ErrorIs(t, err, binarycache.ErrConflict)

	require.NoError(t, env.index.RemoveChunk(t.Context(), h))
	result, err := env.service.UploadPath(ctx, "test", ni, bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 1, result.NewChunks)
	assert.Equal(t, int64(1), env.refCount(t, h))
}

func TestChunkAwarePush(t *testing.T) {
	env := newTestEnv(t)
	env.createCache(t, "test", false)
	ctx := admin(t.Context())

	parts := [][]byte{randomBytes(1, 300), randomBytes(2, 700), randomBytes(1, 300)}
	hashes := make([]binarycache.Hash, len(parts))
	for i, p := range parts {
		hashes[i] = binarycache.HashBytes(p)
		_, err := env.service.PutChunk(ctx, "test", hashes[i], p)
		require.NoError(t, err)
	}
	data := bytes.Join(parts, nil)
	ni := narInfoFor(t, "assembled", data)

	result, err := env.service.RegisterPath(ctx, "test", ni, hashes)
	require.NoError(t, err)
	assert.Equal(t, Registered, result.Kind)
	assert.Equal(t, 3, result.Chunks)

	// The repeated chunk is counted once.
	assert.Equal(t, int64(1), env.refCount(t, hashes[0]))

	got, err := env.readNar(t, ctx, "test", ni.StorePathHash())
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestReuploadedOrphanChunkSurvivesCollection(t *testing.T) {
	env := newTestEnv(t)
	env.createCache(t, "test", false)
	ctx := admin(t.Context())
	collector := gc.New(env.index, env.reg, gc.DefaultConfig(), gc.WithNow(env.clock.Now))

	data := randomBytes(7, 400)
	h := binarycache.HashBytes(data)
	ni := narInfoFor(t, "orphan", data)

	_, err := env.service.PutChunk(ctx, "test", h, data)
	require.NoError(t, err)
	_, err = env.service.RegisterPath(ctx, "test", ni, []binarycache.Hash{h})
	require.NoError(t, err)
	require.NoError(t, env.service.DeletePath(ctx, "test", ni.StorePathHash()))

	env.clock.Advance(2 * gc.DefaultConfig().GracePeriod)
	res, err := env.service.PutChunk(ctx, "test", h, data)
	require.NoError(t, err)
	assert.Equal(t, store.AlreadyPresent.String(), res.Outcome)

	result, err := collector.RunNow(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 0, result.ChunksDeleted)

	_, err = env.service.RegisterPath(ctx, "test", ni, []binarycache.Hash{h})
	require.NoError(t, err)
	assert.Equal(t, int64(1), env.refCount(t, h))

	got, err := env.readNar(t, ctx, "test", ni.StorePathHash())
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestChunkAwarePushValidation(t *testing.T) {
	env := newTestEnv(t)
	env.createCache(t, "test", false)
	ctx := admin(t.Context())

	a, b := randomBytes(1, 300), randomBytes(2, 300)
	ha, hb := binarycache.HashBytes(a), binarycache.HashBytes(b)

	_, err := env.service.PutChunk(ctx, "test", ha, b)
	require.ErrorIs(t, err, binarycache.ErrInvalid, "body must hash to the address")

	_, err = env.service.PutChunk(ctx, "test", ha, a)
	require.NoError(t, err)
	_, err = env.service.PutChunk(ctx, "test", hb, b)
	require.NoError(t, err)

	_, err = env.service.RegisterPath(ctx, "test", narInfoFor(t, "x", append(bytes.Clone(a), b...)), []binarycache.Hash{ha, binarycache.HashBytes([]byte("never"))})
	require.ErrorIs(t, err, binarycache.ErrInvalid, "unknown chunk")

	_, err = env.service.RegisterPath(ctx, "test", narInfoFor(t, "x", append(bytes.Clone(a), b...)), []binarycache.Hash{hb, ha})
	require.ErrorIs(t, err, binarycache.ErrInvalid, "wrong order")
}

func TestPullVerifiesIntegrity(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.Compression = chunking.None })
	env.createCache(t, "test", false)
	ctx := admin(t.Context())

	data := randomBytes(4, 512)
	ni := narInfoFor(t, "corrupt", data)
	_, err := env.service.UploadPath(ctx, "test", ni, bytes.NewReader(data))
	require.NoError(t, err)

	h := binarycache.HashBytes(data)
	bad := bytes.Clone(data)
	bad[0] ^= 1
	framed, err := backend.FrameBytes(&backend.ChunkHeader{
		Hash:           h.String(),
		Compression:    string(chunking.None),
		Size:           int64(len(bad)),
		CompressedSize: int64(len(bad)),
	}, bad)
	require.NoError(t, err)
	require.NoError(t, env.fs.Write(t.Context(), binarycache.ChunkStorageKey(h), bytes.NewReader(framed)))

	_, err = env.readNar(t, ctx, "test", ni.StorePathHash())
	require.ErrorIs(t, err, binarycache.ErrIntegrity)
}

func TestPullMissingBlobIsInconsistency(t *testing.T) {
	env := newTestEnv(t)
	env.createCache(t, "test", false)
	ctx := admin(t.Context())

	data := randomBytes(4, 512)
	ni := narInfoFor(t, "gone", data)
	_, err := env.service.UploadPath(ctx, "test", ni, bytes.NewReader(data))
	require.NoError(t, err)
	require.NoError(t, env.cafs.Delete(t.Context(), binarycache.HashBytes(data)))

	_, err = env.readNar(t, ctx, "test", ni.StorePathHash())
	require.ErrorIs(t, err, binarycache.ErrInconsistent)
	require.NotErrorIs(t, err, binarycache.ErrNotFound)
}

func TestNarInfoIsSignedAndRewritten(t *testing.T) {
	env := newTestEnv(t)
	env.createCache(t, "test", false)
	ctx := admin(t.Context())

	data := randomBytes(6, 2000)
	ni := narInfoFor(t, "signed", data, "7h7qgvs4kgzsn8a6rb273saxyqh4jxlz-dep")
	_, err := env.service.UploadPath(ctx, "test", ni, bytes.NewReader(data))
	require.NoError(t, err)

	got, err := env.service.GetNarInfo(ctx, "test", ni.StorePathHash())
	require.NoError(t, err)
	assert.Equal(t, "nar/"+ni.StorePathHash()+".nar", got.URL)
	assert.Equal(t, "none", got.Compression)
	assert.Equal(t, ni.References, got.References)
	assert.Equal(t, "StorePath", got.Fields[0].Key)

	pub, err := env.service.PublicKey(ctx, "test")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(pub, "test-1:"))
	assert.True(t, narinfo.Verify(got, []string{pub}))

	info, err := env.service.CacheInfo(ctx, "test")
	require.NoError(t, err)
	assert.Equal(t, "StoreDir: /nix/store\nWantMassQuery: 1\nPriority: 41\n", info)
}

func TestResolveTouchesEntry(t *testing.T) {
	env := newTestEnv(t)
	env.createCache(t, "test", false)
	ctx := admin(t.Context())

	data := randomBytes(8, 100)
	ni := narInfoFor(t, "touched", data)
	_, err := env.service.UploadPath(ctx, "test", ni, bytes.NewReader(data))
	require.NoError(t, err)

	env.clock.Advance(time.Hour)
	_, err = env.service.GetNarInfo(ctx, "test", ni.StorePathHash())
	require.NoError(t, err)

	e, err := env.index.ResolveEntry(t.Context(), "test", ni.StorePathHash())
	require.NoError(t, err)
	assert.True(t, e.LastUsed().Equal(env.clock.Now()))
}

func TestMissingPaths(t *testing.T) {
	env := newTestEnv(t)
	env.createCache(t, "test", false)
	ctx := admin(t.Context())

	data := randomBytes(8, 100)
	ni := narInfoFor(t, "present", data)
	_, err := env.service.UploadPath(ctx, "test", ni, bytes.NewReader(data))
	require.NoError(t, err)

	absent := narInfoFor(t, "absent", nil).StorePathHash()
	missing, err := env.service.MissingPaths(ctx, "test", []string{ni.StorePathHash(), absent})
	require.NoError(t, err)
	assert.Equal(t, []string{absent}, missing)

	_, err = env.service.MissingPaths(ctx, "test", []string{"not-a-hash"})
	require.ErrorIs(t, err, binarycache.ErrInvalid)
}

func TestAuthorizationGatesOperations(t *testing.T) {
	env := newTestEnv(t)
	env.createCache(t, "private", false)
	env.createCache(t, "public", true)

	data := randomBytes(10, 100)
	ni := narInfoFor(t, "gated", data)
	for _, c := range []string{"private", "public"} {
		_, err := env.service.UploadPath(admin(t.Context()), c, ni, bytes.NewReader(data))
		require.NoError(t, err)
	}
	sph := ni.StorePathHash()

	anon := t.Context()
	pullPrivate := withGrants(t.Context(), auth.Grant{Action: auth.ActionPull, Cache: "private"})

	_, err := env.service.GetNarInfo(anon, "private", sph)
	require.ErrorIs(t, err, binarycache.ErrUnauthenticated)

	_, err = env.service.GetNarInfo(anon, "public", sph)
	require.NoError(t, err)

	_, err = env.service.GetNarInfo(pullPrivate, "private", sph)
	require.NoError(t, err)

	_, err = env.service.UploadPath(pullPrivate, "private", ni, bytes.NewReader(data))
	require.ErrorIs(t, err, binarycache.ErrForbidden)

	_, err = env.service.UploadPath(anon, "public", ni, bytes.NewReader(data))
	require.ErrorIs(t, err, binarycache.ErrUnauthenticated)

	require.ErrorIs(t, env.service.DeletePath(pullPrivate, "private", sph), binarycache.ErrForbidden)
	_, err = env.service.DestroyCache(pullPrivate, "private")
	require.ErrorIs(t, err, binarycache.ErrForbidden)

	// Unknown caches are only reported as such to principals who could use them.
	_, err = env.service.GetNarInfo(anon, "nope", sph)
	require.ErrorIs(t, err, binarycache.ErrUnauthenticated)
	_, err = env.service.GetNarInfo(pullPrivate, "nope", sph)
	require.ErrorIs(t, err, binarycache.ErrForbidden)
	_, err = env.service.GetNarInfo(admin(t.Context()), "nope", sph)
	require.ErrorIs(t, err, binarycache.ErrNotFound)
}

// TestDestroyAndCollectScenario pushes two archives sharing a prefix, destroys
// one cache, and checks the collector reclaims exactly the unshared chunk.
func TestDestroyAndCollectScenario(t *testing.T) {
	env := newTestEnv(t)
	env.createCache(t, "x", false)
	env.createCache(t, "y", false)
	ctx := admin(t.Context())

	c1, c2, c3, c4 := randomBytes(31, 400), randomBytes(32, 500), randomBytes(33, 600), randomBytes(34, 700)
	push := func(cache, name string, parts ...[]byte) {
		hashes := make([]binarycache.Hash, len(parts))
		for i, p := range parts {
			hashes[i] = binarycache.HashBytes(p)
			_, err := env.service.PutChunk(ctx, cache, hashes[i], p)
			require.NoError(t, err)
		}
		_, err := env.service.RegisterPath(ctx, cache, narInfoFor(t, name, bytes.Join(parts, nil)), hashes)
		require.NoError(t, err)
	}
	push("x", "archive-a", c1, c2, c3)
	push("y", "archive-b", c1, c2, c4)

	h1, h2, h3, h4 := binarycache.HashBytes(c1), binarycache.HashBytes(c2), binarycache.HashBytes(c3), binarycache.HashBytes(c4)
	assert.Equal(t, 4, env.blobCount(t))
	assert.Equal(t, []int64{2, 2, 1, 1}, []int64{env.refCount(t, h1), env.refCount(t, h2), env.refCount(t, h3), env.refCount(t, h4)})

	destroyed, err := env.service.DestroyCache(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, 1, destroyed.EntriesDeleted)
	assert.Equal(t, []int64{1, 1, 0}, []int64{env.refCount(t, h1), env.refCount(t, h2), env.refCount(t, h3)})

	collector := gc.New(env.index, env.reg, gc.DefaultConfig(), gc.WithNow(env.clock.Now))

	result, err := collector.RunNow(t.Context())
	require.NoError(t, err)
	assert.Zero(t, result.ChunksDeleted, "grace period has not elapsed")

	env.clock.Advance(gc.DefaultConfig().GracePeriod + time.Minute)
	result, err = collector.RunNow(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, result.ChunksDeleted)

	for _, h := range []binarycache.Hash{h1, h2, h4} {
		ok, err := env.cafs.Has(t.Context(), h)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := env.cafs.Has(t.Context(), h3)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := env.readNar(t, ctx, "y", narInfoFor(t, "archive-b", nil).StorePathHash())
	require.NoError(t, err)
	assert.Equal(t, bytes.Join([][]byte{c1, c2, c4}, nil), got)
}
