package chunking

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	binarycache "github.com/wolfeidau/binary-cache"
)

func drain(t *testing.T, p *Pipeline) []*Chunk {
	t.Helper()
	var chunks []*Chunk
	for {
		c, err := p.Next()
		if errors.Is(err, io.EOF) {
			return chunks
		}
		require.NoError(t, err)
		chunks = append(chunks, c)
	}
}

func reassemble(t *testing.T, chunks []*Chunk) []byte {
	t.Helper()
	out := []byte{}
	for _, c := range chunks {
		data, err := Decompress(c.Compression, c.Compressed, c.Size())
		require.NoError(t, err)
		require.Equal(t, c.Hash, binarycache.HashBytes(data))
		out = append(out, data...)
	}
	return out
}

func TestPipelineRoundTrip(t *testing.T) {
	params := Params{NarSizeThreshold: 1024, MinSize: 256, AvgSize: 1024, MaxSize: 4096}
	sizes := []int{0, 1, params.MinSize - 1, params.MinSize, params.MinSize + 1, params.MaxSize - 1, params.MaxSize, params.MaxSize + 1, 50 * 1024}

	for _, c := range allCompressions {
		codec, err := NewCodec(c, 0)
		require.NoError(t, err)
		t.Cleanup(codec.Close)

		for _, n := range sizes {
			data := randomBytes(uint64(n)+1, n)
			p := NewPipeline(bytes.NewReader(data), params, codec, int64(n))
			chunks := drain(t, p)

			require.Equal(t, data, reassemble(t, chunks), "%s n=%d", c, n)
			sum := sha256.Sum256(data)
			require.Equal(t, sum[:], p.NarHash())
			require.Equal(t, int64(n), p.Size())
			for _, ch := range chunks {
				require.Equal(t, c, ch.Compression)
				require.LessOrEqual(t, ch.Size(), int64(params.MaxSize))
			}
		}
	}
}

func TestPipelineBelowThresholdIsOneChunk(t *testing.T) {
	codec, err := NewCodec(None, 0)
	require.NoError(t, err)

	params := Params{NarSizeThreshold: 64 * 1024, MinSize: 256, AvgSize: 1024, MaxSize: 4096}
	data := randomBytes(9, 32*1024)

	chunks := drain(t, NewPipeline(bytes.NewReader(data), params, codec, int64(len(data))))
	require.Len(t, chunks, 1)
	require.Equal(t, data, chunks[0].Data)
}

func TestPipelineRejectsArchiveLongerThanDeclared(t *testing.T) {
	codec, err := NewCodec(None, 0)
	require.NoError(t, err)

	for _, params := range []Params{{NarSizeThreshold: 1024, MinSize: 256, AvgSize: 1024, MaxSize: 4096}, {}} {
		data := randomBytes(11, 64*1024)
		r := &countingReader{r: bytes.NewReader(data)}
		p := NewPipeline(r, params, codec, 10)

		_, err = p.Next()
		require.ErrorIs(t, err, binarycache.ErrInvalid)
		require.LessOrEqual(t, r.n, int64(11), "reads stop one byte past the declared size")
	}
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

func TestPipelineDisabledChunking(t *testing.T) {
	codec, err := NewCodec(Zstd, 0)
	require.NoError(t, err)
	defer codec.Close()

	data := randomBytes(10, 512*1024)
	chunks := drain(t, NewPipeline(bytes.NewReader(data), Params{}, codec, -1))
	require.Len(t, chunks, 1)
	require.Equal(t, data, reassemble(t, chunks))
}

func TestPipelineUnknownSizeChunks(t *testing.T) {
	codec, err := NewCodec(None, 0)
	require.NoError(t, err)

	data := randomBytes(12, 64*1024)
	chunks := drain(t, NewPipeline(bytes.NewReader(data), testParams(), codec, -1))
	require.Greater(t, len(chunks), 1)
	require.Equal(t, data, reassemble(t, chunks))
}

func TestPipelineIdenticalContentSharesChunks(t *testing.T) {
	codecA, err := NewCodec(Zstd, 3)
	require.NoError(t, err)
	defer codecA.Close()
	codecB, err := NewCodec(Brotli, 0)
	require.NoError(t, err)

	data := randomBytes(13, 64*1024)
	a := drain(t, NewPipeline(bytes.NewReader(data), testParams(), codecA, -1))
	b := drain(t, NewPipeline(bytes.NewReader(data), testParams(), codecB, -1))

	require.Equal(t, len(a), len(b))
	for i := range a {
		require.Equal(t, a[i].Hash, b[i].Hash)
	}
}

func TestPipelineAfterEOF(t *testing.T) {
	codec, err := NewCodec(None, 0)
	require.NoError(t, err)

	p := NewPipeline(bytes.NewReader([]byte("x")), testParams(), codec, 1)
	_ = drain(t, p)
	_, err = p.Next()
	require.ErrorIs(t, err, io.EOF)
}
