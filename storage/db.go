package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"github.com/adzialocha/meshpit/core/operation"
	"github.com/adzialocha/meshpit/core/topic"
	"github.com/adzialocha/meshpit/crypto"
)

// Key prefixes for different data types
const (
	OperationPrefix = "op:"
	LogPrefix       = "log:"
	LatestPrefix    = "lat:"
)

// ErrSeqNumTaken is returned when a different operation already occupies the
// sequence number of an ingested operation.
var ErrSeqNumTaken = errors.New("sequence number already taken by another operation")

// IngestStatus is the outcome of a successful Ingest call.
type IngestStatus int

const (
	// IngestComplete means the operation was validated and appended.
	IngestComplete IngestStatus = iota
	// IngestDuplicate means the operation was already stored.
	IngestDuplicate
	// IngestRestored means the operation was stored without body and the
	// missing body has now been filled in.
	IngestRestored
)

func (s IngestStatus) String() string {
	switch s {
	case IngestComplete:
		return "complete"
	case IngestDuplicate:
		return "duplicate"
	case IngestRestored:
		return "restored"
	default:
		return fmt.Sprintf("IngestStatus(%d)", int(s))
	}
}

// IngestResult reports the status and the stored operation.
type IngestResult struct {
	Status    IngestStatus
	Operation *operation.Operation
}

// record is the stored form of an operation.
type record struct {
	HeaderBytes []byte `cbor:"1,keyasint"`
	Body        []byte `cbor:"2,keyasint,omitempty"`
	HasBody     bool   `cbor:"3,keyasint,omitempty"`
}

// OperationStore keeps append-only logs of operations. Every append is
// validated against the current head of its log under one exclusive lock.
type OperationStore struct {
	storage *BadgerStorage
	mu      sync.RWMutex
}

// NewOperationStore creates a store backed by an in-memory database.
func NewOperationStore() (*OperationStore, error) {
	bs, err := NewBadgerStorage()
	if err != nil {
		return nil, err
	}
	return &OperationStore{storage: bs}, nil
}

// Close releases the underlying database.
func (s *OperationStore) Close() error {
	return s.storage.Close()
}

// Ingest validates an operation and appends it to its log.
//
// Operations that are already stored yield IngestDuplicate, unless the stored
// copy lacks its body although no later operation of the log pruned it; a
// matching body then restores it and yields IngestRestored. Any validation
// failure is returned as an error wrapping one of the operation package's
// sentinel errors; the store is left untouched in that case. When an accepted
// operation carries the prune flag, the bodies of all earlier operations of
// the same log are dropped while their headers are kept.
func (s *OperationStore) Ingest(header *operation.Header, body, headerBytes []byte, logID topic.LogID, prune bool) (IngestResult, error) {
	return s.ingest(header, body, headerBytes, logID, prune, false)
}

// IngestPruned appends an operation whose body was pruned by its author. The
// header is validated as in Ingest, the declared payload is not checked and
// the operation is stored without body.
func (s *OperationStore) IngestPruned(header *operation.Header, headerBytes []byte, logID topic.LogID, prune bool) (IngestResult, error) {
	return s.ingest(header, nil, headerBytes, logID, prune, true)
}

func (s *OperationStore) ingest(header *operation.Header, body, headerBytes []byte, logID topic.LogID, prune, pruned bool) (IngestResult, error) {
	if header == nil {
		return IngestResult{}, fmt.Errorf("%w: header is nil", operation.ErrMalformedHeader)
	}

	hash := crypto.HashBytes(headerBytes)

	s.mu.Lock()
	defer s.mu.Unlock()

	var result IngestResult
	err := s.storage.Update(func(txn Transaction) error {
		stored, err := txn.Has(operationKey(hash))
		if err != nil {
			return err
		}
		if stored {
			result, err = duplicate(txn, hash, body)
			return err
		}

		prev, err := latest(txn, header.PublicKey, logID)
		if err != nil {
			return err
		}

		if pruned {
			err = operation.ValidatePruned(header, headerBytes, logID, prune, prev)
		} else {
			err = operation.Validate(header, headerBytes, body, logID, prune, prev)
		}
		if err != nil {
			if errors.Is(err, operation.ErrSeqNumMismatch) && prev != nil && header.SeqNum <= prev.Header.SeqNum {
				return fmt.Errorf("%w: %w", ErrSeqNumTaken, err)
			}
			return err
		}

		op := &operation.Operation{
			Hash:        hash,
			Header:      header,
			HeaderBytes: headerBytes,
			Body:        body,
		}
		if err := putOperation(txn, op); err != nil {
			return err
		}
		if err := txn.Set(logKey(header.PublicKey, logID, header.SeqNum), hash[:]); err != nil {
			return err
		}
		if err := txn.Set(latestKey(header.PublicKey, logID), hash[:]); err != nil {
			return err
		}

		if prune && header.SeqNum > 0 {
			if err := pruneBefore(txn, header.PublicKey, logID, header.SeqNum); err != nil {
				return fmt.Errorf("failed to prune log: %w", err)
			}
		}

		result = IngestResult{Status: IngestComplete, Operation: op}
		return nil
	})
	if err != nil {
		return IngestResult{}, err
	}

	if result.Status == IngestComplete {
		log.Debugw("ingested operation",
			"hash", hash.String(),
			"author", header.PublicKey.String(),
			"seq", header.SeqNum,
			"prune", prune,
			"pruned", pruned)
	}
	return result, nil
}

// Latest returns the latest operation of an author in a log, or nil if the
// log is empty.
func (s *OperationStore) Latest(publicKey crypto.PublicKey, logID topic.LogID) (*operation.Operation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var op *operation.Operation
	err := s.storage.View(func(txn Transaction) error {
		var err error
		op, err = latest(txn, publicKey, logID)
		return err
	})
	return op, err
}

// Get returns an operation by the hash of its header.
func (s *OperationStore) Get(hash crypto.Hash) (*operation.Operation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var op *operation.Operation
	err := s.storage.View(func(txn Transaction) error {
		var err error
		op, err = getOperation(txn, hash)
		return err
	})
	return op, err
}

// LatestSeq returns the sequence number of the latest operation in a log.
// ok is false when the log is empty.
func (s *OperationStore) LatestSeq(publicKey crypto.PublicKey, logID topic.LogID) (seq uint64, ok bool, err error) {
	op, err := s.Latest(publicKey, logID)
	if err != nil || op == nil {
		return 0, false, err
	}
	return op.Header.SeqNum, true, nil
}

// LogLength returns the number of operations in a log.
func (s *OperationStore) LogLength(publicKey crypto.PublicKey, logID topic.LogID) (uint64, error) {
	seq, ok, err := s.LatestSeq(publicKey, logID)
	if err != nil || !ok {
		return 0, err
	}
	return seq + 1, nil
}

// LogOperations returns the operations of a log starting at fromSeq, ordered
// by sequence number.
func (s *OperationStore) LogOperations(publicKey crypto.PublicKey, logID topic.LogID, fromSeq uint64) ([]*operation.Operation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ops []*operation.Operation
	err := s.storage.View(func(txn Transaction) error {
		hashes, err := logHashes(txn, publicKey, logID, fromSeq, math.MaxUint64)
		if err != nil {
			return err
		}
		for _, hash := range hashes {
			op, err := getOperation(txn, hash)
			if err != nil {
				return fmt.Errorf("log entry %s: %w", hash, err)
			}
			ops = append(ops, op)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ops, nil
}

// Len returns the total number of stored operations.
func (s *OperationStore) Len() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.storage.Count([]byte(OperationPrefix))
}

// duplicate handles an operation that is already stored. A body missing from
// the stored copy is restored when body matches its payload hash and no later
// operation of the log carries the prune flag.
func duplicate(txn Transaction, hash crypto.Hash, body []byte) (IngestResult, error) {
	existing, err := getOperation(txn, hash)
	if err != nil {
		return IngestResult{}, err
	}
	if body == nil || !existing.Pruned() {
		return IngestResult{Status: IngestDuplicate, Operation: existing}, nil
	}
	if err := operation.ValidatePayload(existing.Header, body); err != nil {
		return IngestResult{Status: IngestDuplicate, Operation: existing}, nil
	}

	logID, ok := existing.Header.LogID()
	if !ok {
		return IngestResult{Status: IngestDuplicate, Operation: existing}, nil
	}
	pruned, err := prunedByLater(txn, existing.Header.PublicKey, logID, existing.Header.SeqNum)
	if err != nil || pruned {
		return IngestResult{Status: IngestDuplicate, Operation: existing}, err
	}

	existing.Body = body
	if err := putOperation(txn, existing); err != nil {
		return IngestResult{}, err
	}
	log.Infow("restored body of operation", "hash", hash.String(), "seq", existing.Header.SeqNum)
	return IngestResult{Status: IngestRestored, Operation: existing}, nil
}

// prunedByLater reports whether an operation after seq carries the prune flag.
func prunedByLater(txn Transaction, publicKey crypto.PublicKey, logID topic.LogID, seq uint64) (bool, error) {
	hashes, err := logHashes(txn, publicKey, logID, seq+1, math.MaxUint64)
	if err != nil {
		return false, err
	}
	for _, hash := range hashes {
		op, err := getOperation(txn, hash)
		if err != nil {
			return false, err
		}
		if op.Header.Prune() {
			return true, nil
		}
	}
	return false, nil
}

func operationKey(hash crypto.Hash) []byte {
	return append([]byte(OperationPrefix), hash[:]...)
}

func logPrefix(publicKey crypto.PublicKey, logID topic.LogID) []byte {
	key := make([]byte, 0, len(LogPrefix)+crypto.PublicKeySize+topic.Size+8)
	key = append(key, LogPrefix...)
	key = append(key, publicKey[:]...)
	return append(key, logID[:]...)
}

func logKey(publicKey crypto.PublicKey, logID topic.LogID, seq uint64) []byte {
	return binary.BigEndian.AppendUint64(logPrefix(publicKey, logID), seq)
}

func latestKey(publicKey crypto.PublicKey, logID topic.LogID) []byte {
	key := append([]byte(LatestPrefix), publicKey[:]...)
	return append(key, logID[:]...)
}

func putOperation(txn Transaction, op *operation.Operation) error {
	data, err := cbor.Marshal(record{
		HeaderBytes: op.HeaderBytes,
		Body:        op.Body,
		HasBody:     op.Body != nil,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal operation: %w", err)
	}
	return txn.Set(operationKey(op.Hash), data)
}

func getOperation(txn Transaction, hash crypto.Hash) (*operation.Operation, error) {
	data, err := txn.Get(operationKey(hash))
	if err != nil {
		return nil, err
	}
	var rec record
	if err := cbor.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal operation: %w", err)
	}

	var body []byte
	if rec.HasBody {
		body = rec.Body
		if body == nil {
			body = []byte{}
		}
	}
	return operation.New(rec.HeaderBytes, body)
}

func latest(txn Transaction, publicKey crypto.PublicKey, logID topic.LogID) (*operation.Operation, error) {
	data, err := txn.Get(latestKey(publicKey, logID))
	if errors.Is(err, ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	hash, err := crypto.NewHashFromBytes(data)
	if err != nil {
		return nil, err
	}
	return getOperation(txn, hash)
}

// logHashes returns the hashes of the log entries with fromSeq <= seq < toSeq.
func logHashes(txn Transaction, publicKey crypto.PublicKey, logID topic.LogID, fromSeq, toSeq uint64) ([]crypto.Hash, error) {
	prefix := logPrefix(publicKey, logID)
	it := txn.Iterator(prefix, true)
	defer it.Close()
	it.Seek(logKey(publicKey, logID, fromSeq))

	var hashes []crypto.Hash
	for it.Next() {
		key := it.Key()
		if len(key) != len(prefix)+8 {
			return nil, fmt.Errorf("malformed log key %x", key)
		}
		if binary.BigEndian.Uint64(key[len(prefix):]) >= toSeq {
			break
		}

		value, err := it.Value()
		if err != nil {
			return nil, err
		}
		hash, err := crypto.NewHashFromBytes(value)
		if err != nil {
			return nil, err
		}
		hashes = append(hashes, hash)
	}
	return hashes, nil
}

// pruneBefore drops the bodies of all operations of a log below seq.
func pruneBefore(txn Transaction, publicKey crypto.PublicKey, logID topic.LogID, seq uint64) error {
	hashes, err := logHashes(txn, publicKey, logID, 0, seq)
	if err != nil {
		return err
	}

	for _, hash := range hashes {
		op, err := getOperation(txn, hash)
		if err != nil {
			return err
		}
		if op.Body == nil {
			continue
		}
		op.Body = nil
		if err := putOperation(txn, op); err != nil {
			return err
		}
	}
	return nil
}
