package cryptoutil

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// SHA256Hex returns the lower-case hex sha256 of data. Policy hashes, ETags,
// rate limit key digests and idempotency fingerprints all use this form.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func SHA256HexString(s string) string { return SHA256Hex([]byte(s)) }

// HashEqual compares two digests without leaking the position of the first
// difference.
func HashEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
