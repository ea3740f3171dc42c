package assets

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// IdentityOf returns the content identity of b: hex encoded blake2b-256.
// Equal bytes always map to the same identity, on every peer.
func IdentityOf(b []byte) string {
	sum := blake2b.Sum256(b)
	return hex.EncodeToString(sum[:])
}
