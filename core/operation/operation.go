package operation

import (
	"bytes"
	"fmt"

	"github.com/adzialocha/meshpit/crypto"
)

// Operation pairs a header with its optional body. A nil Body means the body
// is absent; an empty non-nil Body is a present, empty payload.
type Operation struct {
	Hash        crypto.Hash
	Header      *Header
	HeaderBytes []byte
	Body        []byte
}

// New builds an operation from already encoded header bytes.
func New(headerBytes, body []byte) (*Operation, error) {
	header, err := DecodeHeader(headerBytes)
	if err != nil {
		return nil, err
	}
	return &Operation{
		Hash:        crypto.HashBytes(headerBytes),
		Header:      header,
		HeaderBytes: headerBytes,
		Body:        body,
	}, nil
}

// SeqNum returns the sequence number of the operation.
func (o *Operation) SeqNum() uint64 {
	return o.Header.SeqNum
}

// PublicKey returns the author of the operation.
func (o *Operation) PublicKey() crypto.PublicKey {
	return o.Header.PublicKey
}

// Pruned reports whether the body declared by the header has been discarded.
func (o *Operation) Pruned() bool {
	return o.Body == nil && o.Header.PayloadHash != nil
}

// Equal reports whether both operations carry identical headers and bodies.
func (o *Operation) Equal(other *Operation) bool {
	if other == nil {
		return false
	}
	return o.Hash == other.Hash &&
		(o.Body == nil) == (other.Body == nil) &&
		bytes.Equal(o.Body, other.Body)
}

func (o *Operation) String() string {
	return fmt.Sprintf("operation %s (author %s, seq %d)", o.Hash, o.Header.PublicKey, o.Header.SeqNum)
}
