package operation

import (
	"fmt"
	"sync"
	"time"

	"github.com/adzialocha/meshpit/core/topic"
	"github.com/adzialocha/meshpit/crypto"
)

// LatestReader returns the latest operation of an author in a log, or nil
// when the log is empty.
type LatestReader interface {
	Latest(publicKey crypto.PublicKey, logID topic.LogID) (*Operation, error)
}

// Creator signs new operations on behalf of the local author.
type Creator struct {
	store LatestReader
	key   *crypto.PrivateKey
	now   func() time.Time
	mu    sync.Mutex
}

// NewCreator creates a creator that appends to the logs of key's author.
func NewCreator(store LatestReader, key *crypto.PrivateKey) *Creator {
	return &Creator{
		store: store,
		key:   key,
		now:   time.Now,
	}
}

// PublicKey returns the author public key.
func (c *Creator) PublicKey() crypto.PublicKey {
	return c.key.PublicKey()
}

// Create builds and signs the next operation of the local author in logID.
// A nil body creates an operation without payload.
//
// The returned operation is not stored; callers that create concurrently must
// ingest it before the next call.
func (c *Creator) Create(logID topic.LogID, body []byte, prune bool) (*Operation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	publicKey := c.key.PublicKey()
	prev, err := c.store.Latest(publicKey, logID)
	if err != nil {
		return nil, fmt.Errorf("failed to read latest operation: %w", err)
	}

	header := &Header{
		Version:   Version,
		PublicKey: publicKey,
		Timestamp: uint64(c.now().Unix()),
		Extensions: &Extensions{
			LogID: logID,
			Prune: prune,
		},
	}

	if prev != nil {
		backlink := prev.Hash
		header.SeqNum = prev.Header.SeqNum + 1
		header.Backlink = &backlink
	}

	if body != nil {
		payloadHash := crypto.HashBytes(body)
		header.PayloadHash = &payloadHash
		header.PayloadSize = uint64(len(body))
	}

	if err := header.Sign(c.key); err != nil {
		return nil, fmt.Errorf("failed to sign header: %w", err)
	}

	headerBytes, err := header.Encode()
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
