// Package blockhash splits byte streams into fixed-size blocks and computes
// the block, blocklist and whole-file hashes used to address stored content.
package blockhash

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"hash"
	"sort"
	"strings"

	"golang.org/x/crypto/sha3"
)

// DefaultAlgorithm is used for block and file hashes unless configured otherwise.
const DefaultAlgorithm = "SHA256"

var algorithms = map[string]func() hash.Hash{
	"MD5":      md5.New,
	"SHA1":     sha1.New,
	"SHA256":   sha256.New,
	"SHA384":   sha512.New384,
	"SHA512":   sha512.New,
	"SHA3-256": sha3.New256,
}

// New returns a fresh hash.Hash for the named algorithm. Names are case-insensitive.
func New(name string) (hash.Hash, error) {
	ctor, ok := algorithms[strings.ToUpper(name)]
	if !ok {
		return nil, fmt.Errorf("unsupported hash algorithm: %q", name)
	}
	return ctor(), nil
}

// Size returns the digest length in bytes of the named algorithm.
func Size(name string) (int, error) {
	h, err := New(name)
	if err != nil {
		return 0, err
	}
	return h.Size(), nil
}

// Supported lists the registered algorithm names in sorted order.
func Supported() []string {
	names := make([]string, 0, len(algorithms))
	for n := range algorithms {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Encode returns the canonical string form of a digest.
func Encode(sum []byte) string {
	return base64.StdEncoding.EncodeToString(sum)
}

// Decode parses the canonical string form of a digest.
func Decode(h string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(h)
	if err != nil {
		return nil, fmt.Errorf("decoding hash %q: %w", h, err)
	}
	return b, nil
}

// URLSafe converts a canonical hash into the form used for archive entry names.
func URLSafe(h string) (string, error) {
	raw, err := Decode(h)
	if err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(raw), nil
}

// FromURLSafe converts an archive entry name back into a canonical hash.
func FromURLSafe(name string) (string, error) {
	raw, err := base64.URLEncoding.DecodeString(name)
	if err != nil {
		return "", fmt.Errorf("decoding entry name %q: %w", name, err)
	}
	return Encode(raw), nil
}

// Sum hashes data with the named algorithm and returns the canonical string.
func Sum(name string, data []byte) (string, error) {
	h, err := New(name)
	if err != nil {
		return "", err
	}
	h.Write(data)
	return Encode(h.Sum(nil)), nil
}
