package memstore

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// IDLength is the length of a memory id: hex-encoded BLAKE3-256.
const IDLength = 64

// ComputeID returns the memory id for raw content.
func ComputeID(content []byte) string {
	sum := blake3.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// ValidID reports whether id is a well-formed memory id.
func ValidID(id string) bool {
	if len(id) != IDLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
