package binarycache

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashString(t *testing.T) {
	// BLAKE3 hash of empty string
	h := HashBytes([]byte{})
	expected := "af1349b9f5f9a1a6a0404dea36dcc9499bcb25c9adc112b7cc9a93cae41f3262"
	require.Equal(t, expected, h.String())
}

func TestHashShortString(t *testing.T) {
	h := HashBytes([]byte("hello"))
	short := h.ShortString()
	require.Len(t, short, 16)
	require.True(t, strings.HasPrefix(h.String(), short))
}

func TestHashDir(t *testing.T) {
	h := HashBytes([]byte("test"))
	dir := h.Dir()
	require.Len(t, dir, 2)
	require.True(t, strings.HasPrefix(h.String(), dir))
}

func TestHashIsZero(t *testing.T) {
	var zero Hash
	require.True(t, zero.IsZero())

	h := HashBytes([]byte("test"))
	require.False(t, h.IsZero())
}

func TestHashMarshalUnmarshal(t *testing.T) {
	original := HashBytes([]byte("test data"))

	// Marshal
	text, err := original.MarshalText()
	require.NoError(t, err)

	// Unmarshal
	var parsed Hash
	err = parsed.UnmarshalText(text)
	require.NoError(t, err)

	require.Equal(t, original, parsed)
}

func TestParseHash(t *testing.T) {
	original := HashBytes([]byte("parse test"))
	hex := original.String()

	parsed, err := ParseHash(hex)
	require.NoError(t, err)

	require.Equal(t, original, parsed)
}

func TestParseHashInvalid(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"too short", "abc123"},
		{"too long", strings.Repeat("a", 128)},
		{"invalid hex", strings.Repeat("zz", 32)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseHash(tt.input)
			require.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestHashBytes(t *testing.T) {
	data := []byte("hello world")
	h1 := HashBytes(data)
	h2 := HashBytes(data)

	require.Equal(t, h1, h2)

	h3 := HashBytes([]byte("different"))
	require.NotEqual(t, h1, h3)
}

func TestHashReader(t *testing.T) {
	data := []byte("test content for hashing")
	reader := bytes.NewReader(data)

	hash, n, err := HashReader(reader)
	require.NoError(t, err)

	require.Equal(t, int64(len(data)), n)

	expected := HashBytes(data)
	require.Equal(t, expected, hash)
}

func TestHashingReader(t *testing.T) {
	data := []byte("streaming hash test")
	reader := bytes.NewReader(data)
	hr := NewHashingReader(reader)

	// Read all data
	buf := make([]byte, 1024)
	total := 0
	for {
		n, err := hr.Read(buf[total:])
		total += n
		if err != nil {
			break
		}
	}

	require.Equal(t, int64(total), hr.BytesRead())

	expected := HashBytes(data)
	require.Equal(t, expected, hr.Sum())
}

func TestChunkStorageKeyRoundTrip(t *testing.T) {
	h := HashBytes([]byte("chunk"))
	key := ChunkStorageKey(h)
	require.Equal(t, "chunks/"+h.String()[:2]+"/"+h.String(), key)

	parsed, err := ParseChunkStorageKey(key)
	require.NoError(t, err)
	require.Equal(t, h, parsed)
}

func TestParseChunkStorageKeyInvalid(t *testing.T) {
	h := HashBytes([]byte("chunk"))
	for _, key := range []string{
		"blobs/" + h.Dir() + "/" + h.String(),
		"chunks/" + h.String(),
		"chunks/zz/" + h.String(),
		"chunks/" + h.Dir() + "/nothex",
	} {
		_, err := ParseChunkStorageKey(key)
		require.Error(t, err, key)
	}
}
