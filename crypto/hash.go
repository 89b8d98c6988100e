// hash.go
package crypto

import (
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// HashSize is the length of a BLAKE2b-256 digest.
const HashSize = blake2b.Size256

// Hash is a BLAKE2b-256 digest. It identifies operation headers and bodies.
type Hash [HashSize]byte

// HashBytes hashes data with BLAKE2b-256.
func HashBytes(data []byte) Hash {
	return blake2b.Sum256(data)
}

// NewHashFromBytes copies a 32 byte digest into a Hash.
func NewHashFromBytes(data []byte) (Hash, error) {
	var h Hash
	if len(data) != HashSize {
		return h, fmt.Errorf("invalid hash size: got %d, want %d", len(data), HashSize)
	}
	copy(h[:], data)
	return h, nil
}

// NewHashFromHex parses a hex encoded digest.
func NewHashFromHex(s string) (Hash, error) {
	data, err := hex.DecodeString(s)
	if err != nil {
		return Hash{}, fmt.Errorf("invalid hash hex: %w", err)
	}
	return NewHashFromBytes(data)
}

// Bytes returns a copy of the digest.
func (h Hash) Bytes() []byte {
	result := make([]byte, HashSize)
	copy(result, h[:])
	return result
}

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether h is the all-zero digest.
func (h Hash) IsZero() bool {
	return h == Hash{}
}
