// Package chunking splits archive streams into content-defined chunks and
// compresses them for storage.
package chunking

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math/bits"
)

// Boundary parameters. They form part of the on-disk format: changing any of
// them changes chunk boundaries and so defeats dedup against chunks stored by
// earlier versions.
const (
	DefaultNarSizeThreshold = 128 * 1024
	DefaultMinSize          = 16 * 1024
	DefaultAvgSize          = 64 * 1024
	DefaultMaxSize          = 256 * 1024

	// WindowSize is the number of trailing bytes the rolling hash covers.
	WindowSize = 64

	buzhashSeed = 0x47b6137b
)

// buzhashTable maps each byte to a pseudo-random 32-bit value.
var buzhashTable [256]uint32

func init() {
	state := uint32(buzhashSeed)
	for i := range buzhashTable {
		// xorshift32
		state ^= state << 13
		state ^= state >> 17
		state ^= state << 5
		buzhashTable[i] = state
	}
}

// Params configures chunk boundaries.
type Params struct {
	// NarSizeThreshold is the archive size below which the whole archive is
	// stored as a single chunk. Zero disables chunking entirely.
	NarSizeThreshold int64
	MinSize          int
	AvgSize          int
	MaxSize          int
}

// DefaultParams returns the default chunking parameters.
func DefaultParams() Params {
	return Params{
		NarSizeThreshold: DefaultNarSizeThreshold,
		MinSize:          DefaultMinSize,
		AvgSize:          DefaultAvgSize,
		MaxSize:          DefaultMaxSize,
	}
}

// Validate checks the parameters are usable.
func (p Params) Validate() error {
	if p.NarSizeThreshold < 0 {
		return errors.New("chunking: nar size threshold must not be negative")
	}
	if p.NarSizeThreshold == 0 {
		return nil
	}
	if p.MinSize < WindowSize {
		return fmt.Errorf("chunking: min size must be at least %d", WindowSize)
	}
	if p.AvgSize <= 0 || p.AvgSize&(p.AvgSize-1) != 0 {
		return fmt.Errorf("chunking: avg size %d must be a power of two", p.AvgSize)
	}
	if p.MinSize >= p.AvgSize || p.AvgSize >= p.MaxSize {
		return fmt.Errorf("chunking: sizes must satisfy min < avg < max (got %d, %d, %d)", p.MinSize, p.AvgSize, p.MaxSize)
	}
	return nil
}

// Chunker splits a stream into variable-size chunks using a buzhash rolling
// hash. A boundary is placed after the first byte, at or past MinSize, where
// the hash of the trailing WindowSize bytes matches the boundary mask, or at
// MaxSize when no such byte occurs. Boundaries depend only on local content,
// so an insertion shifts the chunks around it and leaves the rest intact.
type Chunker struct {
	r      io.Reader
	params Params
	mask   uint32
	buf    []byte
	start  int
	end    int
	eof    bool
}

// NewChunker creates a chunker over r. The params must be valid and have a
// non-zero threshold.
func NewChunker(r io.Reader, params Params) *Chunker {
	return &Chunker{
		r:      r,
		params: params,
		mask:   uint32(params.AvgSize - 1), //nolint:gosec // validated power of two
		buf:    make([]byte, params.MaxSize*2),
	}
}

// Next returns the next chunk. The returned slice is owned by the caller.
// It returns io.EOF once the stream is exhausted.
func (c *Chunker) Next() ([]byte, error) {
	if err := c.fill(); err != nil {
		return nil, err
	}
	if c.start == c.end {
		return nil, io.EOF
	}

	n := c.boundary(c.buf[c.start:c.end])
	chunk := make([]byte, n)
	copy(chunk, c.buf[c.start:c.start+n])
	c.start += n
	return chunk, nil
}

// fill tops the buffer up to at least MaxSize bytes unless the stream ends first.
func (c *Chunker) fill() error {
	if c.eof || c.end-c.start >= c.params.MaxSize {
		return nil
	}
	if c.start > 0 {
		c.end = copy(c.buf, c.buf[c.start:c.end])
		c.start = 0
	}
	for c.end < len(c.buf) {
		n, err := c.r.Read(c.buf[c.end:])
		c.end += n
		if errors.Is(err, io.EOF) {
			c.eof = true
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading archive: %w", err)
		}
		if c.end >= c.params.MaxSize {
			return nil
		}
	}
	return nil
}

// boundary returns the length of the next chunk in data.
func (c *Chunker) boundary(data []byte) int {
	n := len(data)
	if n <= c.params.MinSize {
		return n
	}
	limit := min(n, c.params.MaxSize)

	// Start rolling WindowSize bytes before MinSize so the window is full by
	// the first candidate position.
	from := c.params.MinSize - WindowSize
	var h uint32
	for i := from; i < limit; i++ {
		h = bits.RotateLeft32(h, 1) ^ buzhashTable[data[i]]
		if i-from >= WindowSize {
			h ^= bits.RotateLeft32(buzhashTable[data[i-WindowSize]], WindowSize)
		}
		if i+1 >= c.params.MinSize && h&c.mask == 0 {
			return i + 1
		}
	}
	return limit
}

// Split chunks an in-memory buffer.
func Split(data []byte, params Params) ([][]byte, error) {
	ch := NewChunker(bytes.NewReader(data), params)
	var chunks [][]byte
	for {
		chunk, err := ch.Next()
		if errors.Is(err, io.EOF) {
			return chunks, nil
		}
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, chunk)
	}
}
