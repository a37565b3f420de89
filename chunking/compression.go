package chunking

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	binarycache "github.com/wolfeidau/binary-cache"
)

// Compression names a chunk compression algorithm.
type Compression string

const (
	None   Compression = "none"
	Zstd   Compression = "zstd"
	Brotli Compression = "brotli"
	Gzip   Compression = "gzip"
)

// ParseCompression parses a compression name. The empty string selects zstd.
func ParseCompression(s string) (Compression, error) {
	switch Compression(s) {
	case "":
		return Zstd, nil
	case None, Zstd, Brotli, Gzip:
		return Compression(s), nil
	default:
		return "", fmt.Errorf("%w: unknown compression %q", binarycache.ErrInvalid, s)
	}
}

// DefaultLevel returns the level used when none is configured.
func (c Compression) DefaultLevel() int {
	switch c {
	case Zstd:
		return 8
	case Brotli:
		return 5
	case Gzip:
		return 6
	default:
		return 0
	}
}

// Codec compresses chunks with one algorithm and level. It is safe for
// concurrent use.
type Codec struct {
	compression Compression
	level       int

	zenc       *zstd.Encoder
	brotliPool sync.Pool
	gzipPool   sync.Pool
}

// NewCodec creates a codec. A level of zero selects the algorithm default.
func NewCodec(c Compression, level int) (*Codec, error) {
	if level == 0 {
		level = c.DefaultLevel()
	}
	codec := &Codec{compression: c, level: level}

	switch c {
	case None:
	case Zstd:
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
		if err != nil {
			return nil, fmt.Errorf("creating zstd encoder: %w", err)
		}
		codec.zenc = enc
	case Brotli:
		codec.brotliPool.New = func() any {
			return brotli.NewWriterLevel(nil, level)
		}
	case Gzip:
		if _, err := gzip.NewWriterLevel(io.Discard, level); err != nil {
			return nil, fmt.Errorf("creating gzip writer: %w", err)
		}
		codec.gzipPool.New = func() any {
			w, _ := gzip.NewWriterLevel(nil, level)
			return w
		}
	default:
		return nil, fmt.Errorf("%w: unknown compression %q", binarycache.ErrInvalid, c)
	}
	return codec, nil
}

// Compression returns the algorithm this codec applies.
func (c *Codec) Compression() Compression {
	return c.compression
}

// Compress returns the compressed form of data.
func (c *Codec) Compress(data []byte) ([]byte, error) {
	switch c.compression {
	case None:
		return data, nil
	case Zstd:
		return c.zenc.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
	case Brotli:
		var buf bytes.Buffer
		w := c.brotliPool.Get().(*brotli.Writer)
		w.Reset(&buf)
		defer func() {
			w.Reset(nil)
			c.brotliPool.Put(w)
		}()
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("brotli compress: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("brotli compress: %w", err)
		}
		return buf.Bytes(), nil
	case Gzip:
		var buf bytes.Buffer
		w := c.gzipPool.Get().(*gzip.Writer)
		w.Reset(&buf)
		defer func() {
			w.Reset(nil)
			c.gzipPool.Put(w)
		}()
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("gzip compress: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("gzip compress: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("%w: unknown compression %q", binarycache.ErrInvalid, c.compression)
	}
}

// Close releases encoder resources.
func (c *Codec) Close() {
	if c.zenc != nil {
		_ = c.zenc.Close()
	}
}

// maxDecodedSize bounds a single decompressed chunk.
const maxDecodedSize = 64 << 20

var zstdDecoder = sync.OnceValues(func() (*zstd.Decoder, error) {
	return zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecodedSize))
})

// Decompress reverses Compress. size is the expected uncompressed length;
// output of any other length is reported as an integrity failure.
func Decompress(c Compression, data []byte, size int64) ([]byte, error) {
	if size < 0 || size > maxDecodedSize {
		return nil, fmt.Errorf("%w: chunk size %d out of range", binarycache.ErrIntegrity, size)
	}

	var out []byte
	switch c {
	case None:
		out = data
	case Zstd:
		dec, err := zstdDecoder()
		if err != nil {
			return nil, fmt.Errorf("creating zstd decoder: %w", err)
		}
		out, err = dec.DecodeAll(data, make([]byte, 0, size))
		if err != nil {
			return nil, fmt.Errorf("%w: zstd decompress: %v", binarycache.ErrIntegrity, err)
		}
	case Brotli:
		var err error
		out, err = readLimited(brotli.NewReader(bytes.NewReader(data)), size)
		if err != nil {
			return nil, fmt.Errorf("%w: brotli decompress: %v", binarycache.ErrIntegrity, err)
		}
	case Gzip:
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("%w: gzip decompress: %v", binarycache.ErrIntegrity, err)
		}
		out, err = readLimited(zr, size)
		_ = zr.Close()
		if err != nil {
			return nil, fmt.Errorf("%w: gzip decompress: %v", binarycache.ErrIntegrity, err)
		}
	default:
		return nil, fmt.Errorf("%w: unknown compression %q", binarycache.ErrInvalid, c)
	}

	if int64(len(out)) != size {
		return nil, fmt.Errorf("%w: decompressed %d bytes, expected %d", binarycache.ErrIntegrity, len(out), size)
	}
	return out, nil
}

func readLimited(r io.Reader, size int64) ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, size))
	if _, err := io.Copy(buf, io.LimitReader(r, size+1)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// NewReader returns a streaming decompressor for r.
func NewReader(c Compression, r io.Reader) (io.ReadCloser, error) {
	switch c {
	case None:
		return io.NopCloser(r), nil
	case Zstd:
		dec, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1), zstd.WithDecoderMaxMemory(maxDecodedSize))
		if err != nil {
			return nil, fmt.Errorf("%w: zstd reader: %v", binarycache.ErrIntegrity, err)
		}
		return dec.IOReadCloser(), nil
	case Brotli:
		return io.NopCloser(brotli.NewReader(r)), nil
	case Gzip:
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("%w: gzip reader: %v", binarycache.ErrIntegrity, err)
		}
		return zr, nil
	default:
		return nil, fmt.Errorf("%w: unknown compression %q", binarycache.ErrInvalid, c)
	}
}
