// public_key.go
package crypto

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
)

// PublicKeySize is the length of an ed25519 public key.
const PublicKeySize = ed25519.PublicKeySize

var (
	// ErrInvalidSignature is returned when ed25519 verification fails.
	ErrInvalidSignature = errors.New("invalid signature: ed25519 verification failed")
)

// PublicKey is an ed25519 public key. It is comparable and can be used as a map key.
type PublicKey [PublicKeySize]byte

// NewPublicKeyFromBytes copies raw ed25519 public key bytes.
func NewPublicKeyFromBytes(keyData []byte) (PublicKey, error) {
	var pk PublicKey
	if len(keyData) != PublicKeySize {
		return pk, fmt.Errorf("invalid public key size: got %d, want %d", len(keyData), PublicKeySize)
	}
	copy(pk[:], keyData)
	return pk, nil
}

// NewPublicKeyFromHex parses a hex encoded public key.
func NewPublicKeyFromHex(s string) (PublicKey, error) {
	keyData, err := hex.DecodeString(s)
	if err != nil {
		return PublicKey{}, fmt.Errorf("invalid public key hex: %w", err)
	}
	return NewPublicKeyFromBytes(keyData)
}

// Bytes returns a copy of the raw key.
func (p PublicKey) Bytes() []byte {
	result := make([]byte, PublicKeySize)
	copy(result, p[:])
	return result
}

// String returns a hex-encoded representation.
func (p PublicKey) String() string {
	return hex.EncodeToString(p[:])
}

// Verify checks the signature against the message. Returns nil on success.
func (p PublicKey) Verify(data []byte, sig Signature) error {
	if !ed25519.Verify(ed25519.PublicKey(p[:]), data, sig[:]) {
		return ErrInvalidSignature
	}
	return nil
}
