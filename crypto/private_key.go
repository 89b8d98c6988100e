// private_key.go
package crypto

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
)

// SeedSize is the length of the ed25519 seed a private key is derived from.
const SeedSize = ed25519.SeedSize

// PrivateKey wraps an ed25519 private key (32 bytes seed + 32 bytes public key).
type PrivateKey struct {
	key ed25519.PrivateKey
}

// NewPrivateKey generates a fresh random signing key.
func NewPrivateKey() (*PrivateKey, error) {
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ed25519 key: %w", err)
	}
	return &PrivateKey{key: key}, nil
}

// NewPrivateKeyFromSeed derives a key from a 32 byte seed.
func NewPrivateKeyFromSeed(seed []byte) (*PrivateKey, error) {
	if len(seed) != SeedSize {
		return nil, fmt.Errorf("invalid seed size: got %d, want %d", len(seed), SeedSize)
	}
	return &PrivateKey{key: ed25519.NewKeyFromSeed(seed)}, nil
}

// NewPrivateKeyFromBytes accepts either a 32 byte seed or a 64 byte ed25519 private key.
func NewPrivateKeyFromBytes(keyData []byte) (*PrivateKey, error) {
	switch len(keyData) {
	case 0:
		return nil, errors.New("input key data is empty")
	case SeedSize:
		return NewPrivateKeyFromSeed(keyData)
	case ed25519.PrivateKeySize:
		key := make(ed25519.PrivateKey, ed25519.PrivateKeySize)
		copy(key, keyData)
		// The embedded public key must match the seed.
		derived := ed25519.NewKeyFromSeed(key.Seed())
		if !bytes.Equal(derived, key) {
			return nil, errors.New("private key public half does not match seed")
		}
		return &PrivateKey{key: key}, nil
	default:
		return nil, fmt.Errorf("invalid private key size: got %d, want %d or %d",
			len(keyData), SeedSize, ed25519.PrivateKeySize)
	}
}

// Bytes returns a copy of the 64 byte private key.
func (p *PrivateKey) Bytes() []byte {
	result := make([]byte, len(p.key))
	copy(result, p.key)
	return result
}

// Seed returns a copy of the 32 byte seed.
func (p *PrivateKey) Seed() []byte {
	return p.key.Seed()
}

// PublicKey derives the public half.
func (p *PrivateKey) PublicKey() PublicKey {
	var pk PublicKey
	copy(pk[:], p.key.Public().(ed25519.PublicKey))
	return pk
}

// Sign signs data with ed25519.
func (p *PrivateKey) Sign(data []byte) Signature {
	var sig Signature
	copy(sig[:], ed25519.Sign(p.key, data))
	return sig
}

// String never prints key material.
func (p *PrivateKey) String() string {
	return fmt.Sprintf("PrivateKey(%s)", p.PublicKey())
}
