// Package narinfo reads and writes narinfo documents, the signed key/value
// records describing one store path, and the nix hash encodings they use.
package narinfo

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"path"
	"strconv"
	"strings"

	binarycache "github.com/wolfeidau/binary-cache"
)

// Field is one "Key: Value" line. The zero Field is a blank line.
type Field struct {
	Key   string
	Value string

	// sep is the separator as written when it was not ": ".
	sep string
}

// NarInfo is a parsed narinfo. Fields keeps every line in document order,
// blank lines and bare "Key:" separators included, so String reproduces the
// input exactly. Line endings are the one normalization: "\r\n" becomes
// "\n" and a missing final newline is added. The typed fields are derived
// from Fields.
type NarInfo struct {
	Fields []Field

	StorePath   string
	NarHash     Hash
	NarSize     int64
	References  []string
	Deriver     string
	Sigs        []string
	CA          string
	URL         string
	Compression string
}

// Parse decodes a narinfo document. StorePath, NarHash and NarSize are
// required.
func Parse(data []byte) (*NarInfo, error) {
	ni := &NarInfo{}
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	line := 0
	for sc.Scan() {
		line++
		text := sc.Text()
		if text == "" {
			ni.Fields = append(ni.Fields, Field{})
			continue
		}
		var sep string
		key, value, ok := strings.Cut(text, ": ")
		if !ok {
			if k, found := strings.CutSuffix(text, ":"); found {
				key, value, sep = k, "", ":"
			} else {
				return nil, fmt.Errorf("narinfo line %d: expected \"Key: Value\": %w", line, binarycache.ErrInvalid)
			}
		}
		if key == "" {
			return nil, fmt.Errorf("narinfo line %d: empty key: %w", line, binarycache.ErrInvalid)
		}
		ni.Fields = append(ni.Fields, Field{Key: key, Value: value, sep: sep})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading narinfo: %w", err)
	}
	if err := ni.derive(); err != nil {
		return nil, err
	}
	return ni, nil
}

func (ni *NarInfo) derive() error {
	*ni = NarInfo{Fields: ni.Fields}
	var haveHash, haveSize bool
	for _, f := range ni.Fields {
		switch f.Key {
		case "StorePath":
			ni.StorePath = f.Value
		case "NarHash":
			h, err := ParseHash(f.Value)
			if err != nil {
				return fmt.Errorf("narinfo NarHash: %w", err)
			}
			ni.NarHash = h
			haveHash = true
		case "NarSize":
			n, err := strconv.ParseInt(f.Value, 10, 64)
			if err != nil || n < 0 {
				return fmt.Errorf("narinfo NarSize %q: %w", f.Value, binarycache.ErrInvalid)
			}
			ni.NarSize = n
			haveSize = true
		case "References":
			ni.References = strings.Fields(f.Value)
		case "Deriver":
			ni.Deriver = f.Value
		case "Sig":
			ni.Sigs = append(ni.Sigs, f.Value)
		case "CA":
			ni.CA = f.Value
		case "URL":
			ni.URL = f.Value
		case "Compression":
			ni.Compression = f.Value
		}
	}
	switch {
	case ni.StorePath == "":
		return fmt.Errorf("narinfo has no StorePath: %w", binarycache.ErrInvalid)
	case !haveHash:
		return fmt.Errorf("narinfo has no NarHash: %w", binarycache.ErrInvalid)
	case !haveSize:
		return fmt.Errorf("narinfo has no NarSize: %w", binarycache.ErrInvalid)
	}
	if _, err := StorePathHash(ni.StorePath); err != nil {
		return err
	}
	return nil
}

// String serializes the fields in order, one per line.
func (ni *NarInfo) String() string {
	var sb strings.Builder
	for _, f := range ni.Fields {
		if f == (Field{}) {
			sb.WriteByte('\n')
			continue
		}
		sb.WriteString(f.Key)
		if f.sep != "" {
			sb.WriteString(f.sep)
		} else {
			sb.WriteString(": ")
		}
		sb.WriteString(f.Value)
		sb.WriteByte('\n')
	}
	return sb.String()
}

// Get returns the value of the first field named key.
func (ni *NarInfo) Get(key string) (string, bool) {
	for _, f := range ni.Fields {
		if f.Key == key {
			return f.Value, true
		}
	}
	return "", false
}

// Set replaces the first field named key, dropping any repeats, or appends
// it when absent.
func (ni *NarInfo) Set(key, value string) {
	out := ni.Fields[:0]
	set := false
	for _, f := range ni.Fields {
		if f.Key != key {
			out = append(out, f)
			continue
		}
		if !set {
			out = append(out, Field{Key: key, Value: value})
			set = true
		}
	}
	if !set {
		out = append(out, Field{Key: key, Value: value})
	}
	ni.Fields = out
	_ = ni.derive()
}

// AddSig appends a Sig line.
func (ni *NarInfo) AddSig(sig string) {
	ni.Fields = append(ni.Fields, Field{Key: "Sig", Value: sig})
	ni.Sigs = append(ni.Sigs, sig)
}

// Clone returns a deep copy.
func (ni *NarInfo) Clone() *NarInfo {
	c := *ni
	c.Fields = append([]Field(nil), ni.Fields...)
	c.References = append([]string(nil), ni.References...)
	c.Sigs = append([]string(nil), ni.Sigs...)
	return &c
}

// StorePathHash returns the hash part of a store path, the lookup key for
// entries.
func (ni *NarInfo) StorePathHash() string {
	h, _ := StorePathHash(ni.StorePath)
	return h
}

// StoreDir returns the directory of the store path, e.g. /nix/store.
func (ni *NarInfo) StoreDir() string {
	return path.Dir(ni.StorePath)
}

// Fingerprint is the string signatures are computed over:
// 1;<store path>;<nar hash>;<nar size>;<comma separated reference paths>.
func (ni *NarInfo) Fingerprint() string {
	dir := ni.StoreDir()
	refs := make([]string, len(ni.References))
	for i, r := range ni.References {
		refs[i] = dir + "/" + r
	}
	return fmt.Sprintf("1;%s;%s;%d;%s", ni.StorePath, ni.NarHash.String(), ni.NarSize, strings.Join(refs, ","))
}

// StorePathHash extracts and validates the hash part of a store path.
func StorePathHash(storePath string) (string, error) {
	base := path.Base(storePath)
	h, _, ok := strings.Cut(base, "-")
	if !ok || !IsStorePathHash(h) {
		return "", fmt.Errorf("store path %q has no valid hash part: %w", storePath, binarycache.ErrInvalid)
	}
	return h, nil
}

// Hash is a sha256 archive digest.
type Hash [sha256.Size]byte

// String formats the hash the way narinfo documents expect:
// sha256:<nix base32>.
func (h Hash) String() string {
	return "sha256:" + EncodeBase32(h[:])
}

// ParseHash accepts sha256:<nix base32>, sha256:<hex> and sha256-<base64>.
func ParseHash(s string) (Hash, error) {
	var h Hash
	if sri, ok := strings.CutPrefix(s, "sha256-"); ok {
		b, err := base64.StdEncoding.DecodeString(sri)
		if err != nil || len(b) != sha256.Size {
			return h, fmt.Errorf("hash %q: %w", s, binarycache.ErrInvalid)
		}
		copy(h[:], b)
		return h, nil
	}
	digest, ok := strings.CutPrefix(s, "sha256:")
	if !ok {
		return h, fmt.Errorf("hash %q: only sha256 is supported: %w", s, binarycache.ErrInvalid)
	}
	switch len(digest) {
	case hex.EncodedLen(sha256.Size):
		b, err := hex.DecodeString(digest)
		if err != nil {
			return h, fmt.Errorf("hash %q: %w", s, binarycache.ErrInvalid)
		}
		copy(h[:], b)
	case EncodedLen(sha256.Size):
		b, err := DecodeBase32(digest, sha256.Size)
		if err != nil {
			return h, err
		}
		copy(h[:], b)
	default:
		return h, fmt.Errorf("hash %q: unexpected length: %w", s, binarycache.ErrInvalid)
	}
	return h, nil
}
