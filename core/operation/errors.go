package operation

import "errors"

var (
	ErrMalformedHeader     = errors.New("malformed header")
	ErrNonCanonical        = errors.New("header bytes are not in canonical encoding")
	ErrUnsupportedVersion  = errors.New("unsupported header version")
	ErrMissingExtensions   = errors.New("header extensions missing")
	ErrLogIDMismatch       = errors.New("log id does not match header extensions")
	ErrPruneFlagMismatch   = errors.New("prune flag does not match header extensions")
	ErrMissingSignature    = errors.New("header is not signed")
	ErrInvalidSignature    = errors.New("invalid header signature")
	ErrPayloadHashMismatch = errors.New("payload hash does not match body")
	ErrPayloadSizeMismatch = errors.New("payload size does not match body")
	ErrUnexpectedPayload   = errors.New("header declares a payload but body is absent")
	ErrSeqNumMismatch      = errors.New("unexpected sequence number")
	ErrBacklinkMismatch    = errors.New("backlink does not match previous header")
	ErrMissingBacklink     = errors.New("backlink missing")
	ErrUnexpectedBacklink  = errors.New("backlink present on first operation")
)
