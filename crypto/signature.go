// signature.go
package crypto

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
)

// SignatureSize is the length of an ed25519 signature.
const SignatureSize = ed25519.SignatureSize

// Signature is an ed25519 signature.
type Signature [SignatureSize]byte

// NewSignatureFromBytes copies raw signature bytes.
func NewSignatureFromBytes(sigData []byte) (Signature, error) {
	var sig Signature
	if len(sigData) != SignatureSize {
		return sig, fmt.Errorf("invalid signature size: got %d, want %d", len(sigData), SignatureSize)
	}
	copy(sig[:], sigData)
	return sig, nil
}

// Bytes returns a copy of the raw signature.
func (s Signature) Bytes() []byte {
	result := make([]byte, SignatureSize)
	copy(result, s[:])
	return result
}

func (s Signature) String() string {
	return hex.EncodeToString(s[:])
}
