package narinfo

import (
	"fmt"
	"strings"

	binarycache "github.com/wolfeidau/binary-cache"
)

// nixAlphabet omits e, o, u and t.
const nixAlphabet = "0123456789abcdfghijklmnpqrsvwxyz"

// EncodedLen returns the nix base32 length of n bytes.
func EncodedLen(n int) int {
	if n == 0 {
		return 0
	}
	return (n*8-1)/5 + 1
}

// EncodeBase32 encodes b with the nix base32 alphabet and bit order.
func EncodeBase32(b []byte) string {
	size := EncodedLen(len(b))
	var sb strings.Builder
	sb.Grow(size)
	for n := size - 1; n >= 0; n-- {
		bit := n * 5
		i := bit / 8
		j := uint(bit % 8)
		c := b[i] >> j
		if i+1 < len(b) {
			c |= b[i+1] << (8 - j)
		}
		sb.WriteByte(nixAlphabet[c&0x1f])
	}
	return sb.String()
}

// DecodeBase32 decodes a nix base32 string into size bytes.
func DecodeBase32(s string, size int) ([]byte, error) {
	if len(s) != EncodedLen(size) {
		return nil, fmt.Errorf("nix base32 %q: want %d chars for %d bytes: %w", s, EncodedLen(size), size, binarycache.ErrInvalid)
	}
	out := make([]byte, size)
	for n := 0; n < len(s); n++ {
		c := s[len(s)-n-1]
		digit := strings.IndexByte(nixAlphabet, c)
		if digit < 0 {
			return nil, fmt.Errorf("nix base32 %q: invalid character %q: %w", s, c, binarycache.ErrInvalid)
		}
		bit := n * 5
		i := bit / 8
		j := uint(bit % 8)
		out[i] |= byte(digit << j)
		carry := byte(digit >> (8 - j))
		if i+1 < size {
			out[i+1] |= carry
		} else if carry != 0 {
			return nil, fmt.Errorf("nix base32 %q: excess bits: %w", s, binarycache.ErrInvalid)
		}
	}
	return out, nil
}

// IsStorePathHash reports whether s is a 32 character nix base32 store path
// hash.
func IsStorePathHash(s string) bool {
	if len(s) != 32 {
		return false
	}
	for i := 0; i < len(s); i++ {
		if strings.IndexByte(nixAlphabet, s[i]) < 0 {
			return false
		}
	}
	return true
}
