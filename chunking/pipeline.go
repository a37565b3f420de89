package chunking

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"hash"
	"io"

	binarycache "github.com/wolfeidau/binary-cache"
)

// Chunk is one compressed slice of an archive.
type Chunk struct {
	Hash        binarycache.Hash
	Data        []byte
	Compressed  []byte
	Compression Compression
}

// Size returns the uncompressed length.
func (c *Chunk) Size() int64 {
	return int64(len(c.Data))
}

// CompressedSize returns the stored length.
func (c *Chunk) CompressedSize() int64 {
	return int64(len(c.Compressed))
}

// Pipeline turns an archive stream into a lazy sequence of chunks in archive
// order. It also computes the sha256 of the whole stream. A Pipeline is single
// use and not safe for concurrent use.
type Pipeline struct {
	codec *Codec
	next  func() ([]byte, error)
	sum   hash.Hash
	size  int64
	done  bool
}

// NewPipeline creates a pipeline over r. narSize is the declared archive size,
// or -1 when unknown; archives declared smaller than the threshold, and every
// archive when the threshold is zero, become a single chunk. A single chunk
// archive is held in memory and may not exceed a known declared size.
func NewPipeline(r io.Reader, params Params, codec *Codec, narSize int64) *Pipeline {
	p := &Pipeline{codec: codec, sum: sha256.New()}
	src := io.TeeReader(&countReader{r: r, n: &p.size}, p.sum)

	if params.NarSizeThreshold == 0 || (narSize >= 0 && narSize < params.NarSizeThreshold) {
		p.next = wholeStream(src, narSize)
	} else {
		p.next = NewChunker(src, params).Next
	}
	return p
}

// Next returns the next chunk, or io.EOF after the last one.
func (p *Pipeline) Next() (*Chunk, error) {
	if p.done {
		return nil, io.EOF
	}
	data, err := p.next()
	if errors.Is(err, io.EOF) {
		p.done = true
		return nil, io.EOF
	}
	if err != nil {
		return nil, err
	}

	compressed, err := p.codec.Compress(data)
	if err != nil {
		return nil, fmt.Errorf("compressing chunk: %w", err)
	}
	return &Chunk{
		Hash:        binarycache.HashBytes(data),
		Data:        data,
		Compressed:  compressed,
		Compression: p.codec.Compression(),
	}, nil
}

// NarHash returns the sha256 of every byte read so far. It is the digest of
// the whole archive once Next has returned io.EOF.
func (p *Pipeline) NarHash() []byte {
	return p.sum.Sum(nil)
}

// Size returns the number of archive bytes read so far.
func (p *Pipeline) Size() int64 {
	return p.size
}

// wholeStream yields the entire stream as one chunk, then io.EOF. A stream
// longer than limit bytes fails with ErrInvalid; a negative limit reads
// without bound.
func wholeStream(r io.Reader, limit int64) func() ([]byte, error) {
	read := false
	return func() ([]byte, error) {
		if read {
			return nil, io.EOF
		}
		read = true
		src := r
		if limit >= 0 {
			src = io.LimitReader(r, limit+1)
		}
		data, err := io.ReadAll(src)
		if err != nil {
			return nil, fmt.Errorf("reading archive: %w", err)
		}
		if limit >= 0 && int64(len(data)) > limit {
			return nil, fmt.Errorf("%w: archive is longer than %d bytes", binarycache.ErrInvalid, limit)
		}
		if len(data) == 0 {
			return nil, io.EOF
		}
		return data, nil
	}
}

type countReader struct {
	r io.Reader
	n *int64
}

func (c *countReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	*c.n += int64(n)
	return n, err
}
