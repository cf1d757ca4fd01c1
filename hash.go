package zoocache

import (
	"crypto/sha256"
	"encoding/hex"
)

// hashKeyLen is the number of hex characters kept from the digest.
const hashKeyLen = 16

// HashKey derives a compact cache key from an opaque serialized value:
// SHA-256, hex-encoded, truncated to 16 characters. A non-empty prefix is
// prepended as "{prefix}:{digest}".
func HashKey(data []byte, prefix string) string {
	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])[:hashKeyLen]
	if prefix == "" {
		return digest
	}
	return prefix + ":" + digest
}
