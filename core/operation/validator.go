package operation

import (
	"bytes"
	"fmt"

	"github.com/adzialocha/meshpit/core/topic"
	"github.com/adzialocha/meshpit/crypto"
)

// Validate runs every check an operation must pass before it is appended to
// its log, failing on the first violation: signature, structure, payload,
// then position in the log. prev is the latest operation of the same author
// and log, or nil when the log is empty.
func Validate(header *Header, headerBytes, body []byte, logID topic.LogID, prune bool, prev *Operation) error {
	if err := verify(header); err != nil {
		return err
	}
	if err := ValidateStructure(header, headerBytes, logID, prune); err != nil {
		return err
	}
	if err := ValidatePayload(header, body); err != nil {
		return err
	}
	return ValidateLog(header, prev)
}

// ValidatePruned runs the checks of Validate except the payload check. It
// accepts headers whose body was discarded by a later prune operation.
func ValidatePruned(header *Header, headerBytes []byte, logID topic.LogID, prune bool, prev *Operation) error {
	if err := verify(header); err != nil {
		return err
	}
	if err := ValidateStructure(header, headerBytes, logID, prune); err != nil {
		return err
	}
	return ValidateLog(header, prev)
}

func verify(header *Header) error {
	if header == nil {
		return fmt.Errorf("%w: header is nil", ErrMalformedHeader)
	}
	return header.Verify()
}

// ValidateStructure checks header fields that do not depend on any other
// operation.
func ValidateStructure(header *Header, headerBytes []byte, logID topic.LogID, prune bool) error {
	if header == nil {
		return fmt.Errorf("%w: header is nil", ErrMalformedHeader)
	}
	if header.Version != Version {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, header.Version)
	}
	if header.Extensions == nil {
		return ErrMissingExtensions
	}
	if header.Extensions.LogID != logID {
		return fmt.Errorf("%w: claimed %s, header %s", ErrLogIDMismatch, logID, header.Extensions.LogID)
	}
	if header.Extensions.Prune != prune {
		return ErrPruneFlagMismatch
	}

	canonical, err := header.Encode()
	if err != nil {
		return err
	}
	if !bytes.Equal(canonical, headerBytes) {
		return ErrNonCanonical
	}
	return nil
}

// ValidatePayload checks the declared payload hash and size against the body.
func ValidatePayload(header *Header, body []byte) error {
	if body == nil {
		if header.PayloadHash != nil || header.PayloadSize != 0 {
			return ErrUnexpectedPayload
		}
		return nil
	}

	if header.PayloadHash == nil || *header.PayloadHash != crypto.HashBytes(body) {
		return ErrPayloadHashMismatch
	}
	if header.PayloadSize != uint64(len(body)) {
		return fmt.Errorf("%w: declared %d, got %d", ErrPayloadSizeMismatch, header.PayloadSize, len(body))
	}
	return nil
}

// ValidateLog checks that the header directly follows prev in its log.
func ValidateLog(header *Header, prev *Operation) error {
	if prev == nil {
		if header.SeqNum != 0 {
			return fmt.Errorf("%w: expected 0, got %d", ErrSeqNumMismatch, header.SeqNum)
		}
		if header.Backlink != nil {
			return ErrUnexpectedBacklink
		}
		return nil
	}

	expected := prev.Header.SeqNum + 1
	if header.SeqNum != expected {
		return fmt.Errorf("%w: expected %d, got %d", ErrSeqNumMismatch, expected, header.SeqNum)
	}
	if header.Backlink == nil {
		return ErrMissingBacklink
	}
	if *header.Backlink != prev.Hash {
		return fmt.Errorf("%w: expected %s, got %s", ErrBacklinkMismatch, prev.Hash, *header.Backlink)
	}
	return nil
}
