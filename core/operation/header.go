// Package operation implements the signed, causally linked log entries
// exchanged between meshpit nodes.
package operation

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/adzialocha/meshpit/core/topic"
	"github.com/adzialocha/meshpit/crypto"
)

// Version is the only header version this node creates and accepts.
const Version uint64 = 1

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("operation: cbor encoder: %v", err))
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyEnforcedAPF,
		IndefLength: cbor.IndefLengthForbidden,
		TagsMd:      cbor.TagsForbidden,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("operation: cbor decoder: %v", err))
	}
}

// Extensions carry the log an operation belongs to and its prune flag.
type Extensions struct {
	LogID topic.LogID `cbor:"log_id"`
	Prune bool        `cbor:"prune,omitempty"`
}

// Header is the signed metadata of an operation. It is encoded as a fixed
// arity CBOR array; optional fields encode as null.
type Header struct {
	_ struct{} `cbor:",toarray"`

	Version     uint64
	PublicKey   crypto.PublicKey
	Signature   *crypto.Signature
	PayloadSize uint64
	PayloadHash *crypto.Hash
	Timestamp   uint64
	SeqNum      uint64
	Backlink    *crypto.Hash
	Extensions  *Extensions
}

// Encode returns the canonical encoding of the header.
func (h *Header) Encode() ([]byte, error) {
	data, err := encMode.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("failed to encode header: %w", err)
	}
	return data, nil
}

// SigningBytes returns the encoding covered by the signature: the header with
// the signature slot set to null.
func (h *Header) SigningBytes() ([]byte, error) {
	unsigned := *h
	unsigned.Signature = nil
	return unsigned.Encode()
}

// Sign signs the header in place.
func (h *Header) Sign(key *crypto.PrivateKey) error {
	data, err := h.SigningBytes()
	if err != nil {
		return err
	}
	sig := key.Sign(data)
	h.Signature = &sig
	return nil
}

// Verify checks the signature against the header's public key.
func (h *Header) Verify() error {
	if h.Signature == nil {
		return ErrMissingSignature
	}
	data, err := h.SigningBytes()
	if err != nil {
		return err
	}
	if err := h.PublicKey.Verify(data, *h.Signature); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return nil
}

// LogID returns the log id from the extensions, if any.
func (h *Header) LogID() (topic.LogID, bool) {
	if h.Extensions == nil {
		return topic.LogID{}, false
	}
	return h.Extensions.LogID, true
}

// Prune reports whether the header carries the prune flag.
func (h *Header) Prune() bool {
	return h.Extensions != nil && h.Extensions.Prune
}

// DecodeHeader decodes header bytes. It does not validate the header.
func DecodeHeader(data []byte) (*Header, error) {
	var h Header
	if err := decMode.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}
	return &h, nil
}
