// Package gossip encodes the envelope operations travel in over gossipsub.
//
// The envelope is a CBOR array of two elements: the encoded header and the
// body, or null when the operation carries no body.
package gossip

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// ErrMalformedEnvelope is returned by Decode for anything that is not a valid
// envelope.
var ErrMalformedEnvelope = errors.New("malformed gossip envelope")

var cborNull = []byte{0xf6}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("gossip: cbor encoder: %v", err))
	}
	decMode, err = cbor.DecOptions{
		MaxArrayElements: 16,
		IndefLength:      cbor.IndefLengthForbidden,
		TagsMd:           cbor.TagsForbidden,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("gossip: cbor decoder: %v", err))
	}
}

// Encode wraps header bytes and an optional body into an envelope.
func Encode(headerBytes, body []byte) ([]byte, error) {
	envelope := []interface{}{headerBytes, nil}
	if body != nil {
		envelope[1] = body
	}
	data, err := encMode.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	return data, nil
}

// Decode unwraps an envelope. A nil body means the sender sent none.
func Decode(data []byte) (headerBytes, body []byte, err error) {
	var raw []cbor.RawMessage
	if err := decMode.Unmarshal(data, &raw); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if len(raw) != 2 {
		return nil, nil, fmt.Errorf("%w: expected 2 elements, got %d", ErrMalformedEnvelope, len(raw))
	}

	if !isByteString(raw[0]) {
		return nil, nil, fmt.Errorf("%w: header is not a byte string", ErrMalformedEnvelope)
	}
	if err := decMode.Unmarshal(raw[0], &headerBytes); err != nil || len(headerBytes) == 0 {
		return nil, nil, fmt.Errorf("%w: empty header", ErrMalformedEnvelope)
	}

	if bytes.Equal(raw[1], cborNull) {
		return headerBytes, nil, nil
	}
	if !isByteString(raw[1]) {
		return nil, nil, fmt.Errorf("%w: body is not a byte string", ErrMalformedEnvelope)
	}
	if err := decMode.Unmarshal(raw[1], &body); err != nil {
		return nil, nil, fmt.Errorf("%w: body is not a byte string", ErrMalformedEnvelope)
	}
	if body == nil {
		body = []byte{}
	}
	return headerBytes, body, nil
}

// isByteString reports whether an encoded item has CBOR major type 2.
func isByteString(item cbor.RawMessage) bool {
	return len(item) > 0 && item[0]>>5 == 2
}
