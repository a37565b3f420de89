package store

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	binarycache "github.com/wolfeidau/binary-cache"
	"github.com/wolfeidau/binary-cache/backend"
	"github.com/wolfeidau/binary-cache/chunking"
)

var baseTime = time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)

func newTestCAFS(t *testing.T) (*CAFS, *backend.Filesystem) {
	t.Helper()
	fs := backend.NewFilesystemFs(afero.NewMemMapFs())
	return NewCAFS(fs, WithNow(func() time.Time { return baseTime })), fs
}

func testBlob(t *testing.T, c chunking.Compression, data []byte) *Blob {
	t.Helper()
	codec, err := chunking.NewCodec(c, 0)
	require.NoError(t, err)
	t.Cleanup(codec.Close)

	compressed, err := codec.Compress(data)
	require.NoError(t, err)
	return &Blob{
		Hash:        binarycache.HashBytes(data),
		Compression: c,
		Size:        int64(len(data)),
		Data:        compressed,
	}
}

func TestCAFSPutOpen(t *testing.T) {
	cafs, _ := newTestCAFS(t)
	ctx := context.Background()

	for _, c := range []chunking.Compression{chunking.None, chunking.Zstd, chunking.Brotli, chunking.Gzip} {
		t.Run(string(c), func(t *testing.T) {
			data := bytes.Repeat([]byte("chunk content "+string(c)), 500)
			blob := testBlob(t, c, data)

			result, err := cafs.Put(ctx, blob)
			require.NoError(t, err)
			require.Equal(t, Stored, result.Outcome)
			require.Positive(t, result.StoredSize)

			got, err := cafs.ReadAll(ctx, blob.Hash)
			require.NoError(t, err)
			require.Equal(t, data, got)
		})
	}
}

func TestCAFSPutAlreadyPresent(t *testing.T) {
	cafs, _ := newTestCAFS(t)
	ctx := context.Background()

	data := []byte("dedup me")
	first, err := cafs.Put(ctx, testBlob(t, chunking.Zstd, data))
	require.NoError(t, err)
	require.Equal(t, Stored, first.Outcome)

	// The same content under a different codec is still the same chunk.
	second, err := cafs.Put(ctx, testBlob(t, chunking.Gzip, data))
	require.NoError(t, err)
	require.Equal(t, AlreadyPresent, second.Outcome)
	require.Equal(t, first.Hash, second.Hash)
	require.Equal(t, "already_present", second.Outcome.String())
}

func TestCAFSConcurrentPutWritesOnce(t *testing.T) {
	cafs, fs := newTestCAFS(t)
	ctx := context.Background()
	blob := testBlob(t, chunking.Zstd, bytes.Repeat([]byte("x"), 10000))

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := cafs.Put(ctx, blob)
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	keys, err := fs.List(ctx, binarycache.ChunkStoragePrefix)
	require.NoError(t, err)
	require.Equal(t, []string{binarycache.ChunkStorageKey(blob.Hash)}, keys)
}

func TestCAFSPutRejectsZeroHash(t *testing.T) {
	cafs, _ := newTestCAFS(t)
	_, err := cafs.Put(context.Background(), &Blob{Compression: chunking.None})
	require.ErrorIs(t, err, binarycache.ErrInvalid)
}

func TestCAFSOpenNotFound(t *testing.T) {
	cafs, _ := newTestCAFS(t)

	_, err := cafs.Open(context.Background(), binarycache.HashBytes([]byte("missing")))
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, err, binarycache.ErrNotFound)
}

func TestCAFSOpenDetectsCorruption(t *testing.T) {
	cafs, fs := newTestCAFS(t)
	ctx := context.Background()

	data := []byte("original chunk bytes")
	blob := testBlob(t, chunking.None, data)

	// Store bytes that do not hash to the chunk address.
	framed, err := backend.FrameBytes(&backend.ChunkHeader{
		Hash:           blob.Hash.String(),
		Compression:    string(chunking.None),
		Size:           int64(len(data)),
		CompressedSize: int64(len(data)),
	}, []byte("tampered chunk bytes"))
	require.NoError(t, err)
	require.NoError(t, fs.Write(ctx, binarycache.ChunkStorageKey(blob.Hash), bytes.NewReader(framed)))

	rc, err := cafs.Open(ctx, blob.Hash)
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()

	_, err = io.ReadAll(rc)
	require.ErrorIs(t, err, binarycache.ErrIntegrity)
}

func TestCAFSOpenDetectsWrongHeader(t *testing.T) {
	cafs, fs := newTestCAFS(t)
	ctx := context.Background()

	a := testBlob(t, chunking.None, []byte("a"))
	b := testBlob(t, chunking.None, []byte("b"))
	require.NoError(t, cafsPutAt(ctx, fs, binarycache.ChunkStorageKey(a.Hash), b))

	_, err := cafs.Open(ctx, a.Hash)
	require.ErrorIs(t, err, binarycache.ErrIntegrity)
}

func TestCAFSOpenDetectsUnframedBlob(t *testing.T) {
	cafs, fs := newTestCAFS(t)
	ctx := context.Background()

	h := binarycache.HashBytes([]byte("raw"))
	require.NoError(t, fs.Write(ctx, binarycache.ChunkStorageKey(h), bytes.NewReader([]byte("raw"))))

	_, err := cafs.Open(ctx, h)
	require.ErrorIs(t, err, binarycache.ErrIntegrity)
}

func TestCAFSHasDelete(t *testing.T) {
	cafs, _ := newTestCAFS(t)
	ctx := context.Background()
	blob := testBlob(t, chunking.Zstd, []byte("delete me"))

	has, err := cafs.Has(ctx, blob.Hash)
	require.NoError(t, err)
	require.False(t, has)

	_, err = cafs.Put(ctx, blob)
	require.NoError(t, err)

	has, err = cafs.Has(ctx, blob.Hash)
	require.NoError(t, err)
	require.True(t, has)

	require.NoError(t, cafs.Delete(ctx, blob.Hash))
	require.ErrorIs(t, cafs.Delete(ctx, blob.Hash), ErrNotFound)

	has, err = cafs.Has(ctx, blob.Hash)
	require.NoError(t, err)
	require.False(t, has)
}

func TestCAFSList(t *testing.T) {
	cafs, fs := newTestCAFS(t)
	ctx := context.Background()

	var want []binarycache.Hash
	for _, s := range []string{"one", "two", "three"} {
		blob := testBlob(t, chunking.None, []byte(s))
		_, err := cafs.Put(ctx, blob)
		require.NoError(t, err)
		want = append(want, blob.Hash)
	}
	require.NoError(t, fs.Write(ctx, "chunks/zz/not-a-hash", bytes.NewReader(nil)))

	got, err := cafs.List(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, want, got)
}

func TestCAFSEmptyChunk(t *testing.T) {
	cafs, _ := newTestCAFS(t)
	ctx := context.Background()
	blob := testBlob(t, chunking.Zstd, []byte{})

	_, err := cafs.Put(ctx, blob)
	require.NoError(t, err)

	got, err := cafs.ReadAll(ctx, blob.Hash)
	require.NoError(t, err)
	require.Empty(t, got)
}

func cafsPutAt(ctx context.Context, fs backend.Backend, key string, blob *Blob) error {
	framed, err := backend.FrameBytes(&backend.ChunkHeader{
		Hash:           blob.Hash.String(),
		Compression:    string(blob.Compression),
		Size:           blob.Size,
		CompressedSize: int64(len(blob.Data)),
	}, blob.Data)
	if err != nil {
		return err
	}
	return fs.Write(ctx, key, bytes.NewReader(framed))
}
