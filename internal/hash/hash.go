// Package hash derives content versions for stores without native generations.
package hash

import (
	"crypto/sha256"
	"encoding/hex"
)

// Version returns the hex SHA-256 digest of data.
func Version(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
