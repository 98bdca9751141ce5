package testutil

import (
	"crypto/sha256"
	"encoding/base64"
	"math/rand"
)

// SHA256Base64 returns the SHA-256 hash of data in the base64 form used for
// block and file hashes.
func SHA256Base64(data []byte) string {
	h := sha256.Sum256(data)
	return base64.StdEncoding.EncodeToString(h[:])
}

// RandomBytes returns n pseudo-random bytes determined by seed. Random data
// does not compress, so volume sizes in tests track the data written.
func RandomBytes(seed int64, n int) []byte {
	b := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(b)
	return b
}
