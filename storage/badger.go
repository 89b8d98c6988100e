// Package storage holds the operation logs of a node.
//
// Two layers:
//
//	OperationStore   validated, append-only logs per (author, log id)
//	      │
//	BadgerStorage    in-memory badger key-value store
//
// The store is volatile; nothing survives a restart.
package storage

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v3"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("meshpit/storage")

var (
	ErrKeyNotFound = errors.New("key not found")
	ErrClosed      = errors.New("storage closed")
)

// BadgerStorage is a key-value store on top of an in-memory BadgerDB.
type BadgerStorage struct {
	db *badger.DB
	mu sync.RWMutex
}

// NewBadgerStorage opens an empty in-memory database.
func NewBadgerStorage() (*BadgerStorage, error) {
	opts := badger.DefaultOptions("").
		WithInMemory(true).
		WithLogger(nil).
		WithNumVersionsToKeep(1)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}

	log.Debug("opened in-memory badger store")
	return &BadgerStorage{db: db}, nil
}

// Close releases the database. Calling Close twice is a no-op.
func (bs *BadgerStorage) Close() error {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	if bs.db == nil {
		return nil
	}
	err := bs.db.Close()
	bs.db = nil
	return err
}

// Update executes a function within a write transaction
func (bs *BadgerStorage) Update(fn func(txn Transaction) error) error {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	if bs.db == nil {
		return ErrClosed
	}
	return bs.db.Update(func(txn *badger.Txn) error {
		return fn(&BadgerTransaction{txn: txn})
	})
}

// View executes a function within a read transaction
func (bs *BadgerStorage) View(fn func(txn Transaction) error) error {
	bs.mu.RLock()
	defer bs.mu.RUnlock()

	if bs.db == nil {
		return ErrClosed
	}
	return bs.db.View(func(txn *badger.Txn) error {
		return fn(&BadgerTransaction{txn: txn})
	})
}

// Count returns the number of keys with the given prefix.
func (bs *BadgerStorage) Count(prefix []byte) (int, error) {
	count := 0
	err := bs.View(func(txn Transaction) error {
		it := txn.Iterator(prefix, false)
		defer it.Close()
		for it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

// Transaction interface for atomic operations
type Transaction interface {
	Get(key []byte) ([]byte, error)
	Set(key, value []byte) error
	Has(key []byte) (bool, error)
	Iterator(prefix []byte, values bool) Iterator
}

// BadgerTransaction wraps badger.Txn to implement Transaction interface
type BadgerTransaction struct {
	txn *badger.Txn
}

func (bt *BadgerTransaction) Get(key []byte) ([]byte, error) {
	item, err := bt.txn.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrKeyNotFound
		}
		return nil, err
	}
	return item.ValueCopy(nil)
}

func (bt *BadgerTransaction) Set(key, value []byte) error {
	return bt.txn.Set(key, value)
}

func (bt *BadgerTransaction) Has(key []byte) (bool, error) {
	_, err := bt.txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Iterator walks the keys with the given prefix in ascending order. It must
// be closed before the transaction ends.
func (bt *BadgerTransaction) Iterator(prefix []byte, values bool) Iterator {
	return &BadgerIterator{
		txn:    bt.txn,
		prefix: prefix,
		values: values,
	}
}

// Iterator interface for database iteration
type Iterator interface {
	Seek(key []byte)
	Next() bool
	Key() []byte
	Value() ([]byte, error)
	Close()
}

// BadgerIterator implements Iterator for BadgerDB v3
type BadgerIterator struct {
	txn    *badger.Txn
	prefix []byte
	values bool
	seek   []byte
	iter   *badger.Iterator
	closed bool
}

// Seek positions the iterator at the first key >= key on the next call to Next.
func (bi *BadgerIterator) Seek(key []byte) {
	bi.seek = key
}

func (bi *BadgerIterator) Next() bool {
	if bi.closed {
		return false
	}

	if bi.iter == nil {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = bi.prefix
		opts.PrefetchValues = bi.values
		bi.iter = bi.txn.NewIterator(opts)
		start := bi.prefix
		if bi.seek != nil && bytes.Compare(bi.seek, bi.prefix) > 0 {
			start = bi.seek
		}
		bi.iter.Seek(start)
	} else {
		bi.iter.Next()
	}

	return bi.iter.ValidForPrefix(bi.prefix)
}

func (bi *BadgerIterator) Key() []byte {
	if bi.iter != nil {
		return bi.iter.Item().KeyCopy(nil)
	}
	return nil
}

func (bi *BadgerIterator) Value() ([]byte, error) {
	if bi.iter == nil {
		return nil, ErrKeyNotFound
	}
	return bi.iter.Item().ValueCopy(nil)
}

func (bi *BadgerIterator) Close() {
	if !bi.closed {
		if bi.iter != nil {
			bi.iter.Close()
		}
		bi.closed = true
	}
}
