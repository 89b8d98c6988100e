package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adzialocha/meshpit/core/operation"
	"github.com/adzialocha/meshpit/core/topic"
	"github.com/adzialocha/meshpit/crypto"
)

func newTestStore(t *testing.T) *OperationStore {
	t.Helper()
	store, err := NewOperationStore()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestKey(t *testing.T) *crypto.PrivateKey {
	t.Helper()
	key, err := crypto.NewPrivateKey()
	require.NoError(t, err)
	return key
}

// emptyLog pretends no operation exists yet.
type emptyLog struct{}

func (emptyLog) Latest(crypto.PublicKey, topic.LogID) (*operation.Operation, error) {
	return nil, nil
}

func ingest(t *testing.T, store *OperationStore, op *operation.Operation) IngestResult {
	t.Helper()
	logID, _ := op.Header.LogID()
	result, err := store.Ingest(op.Header, op.Body, op.HeaderBytes, logID, op.Header.Prune())
	require.NoError(t, err)
	return result
}

func TestIngestAppendsContiguousLog(t *testing.T) {
	store := newTestStore(t)
	key := newTestKey(t)
	creator := operation.NewCreator(store, key)
	logID := topic.New("icecream").LogID()

	for i := 0; i < 3; i++ {
		op, err := creator.Create(logID, []byte{byte(i)}, false)
		require.NoError(t, err)
		assert.Equal(t, uint64(i), op.SeqNum())

		result := ingest(t, store, op)
		assert.Equal(t, IngestComplete, result.Status)
		assert.True(t, op.Equal(result.Operation))
	}

	length, err := store.LogLength(key.PublicKey(), logID)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), length)

	seq, ok, err := store.LatestSeq(key.PublicKey(), logID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(2), seq)

	ops, err := store.LogOperations(key.PublicKey(), logID, 1)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, uint64(1), ops[0].SeqNum())
	assert.Equal(t, uint64(2), ops[1].SeqNum())
	require.NotNil(t, ops[1].Header.Backlink)
	assert.Equal(t, ops[0].Hash, *ops[1].Header.Backlink)

	n, err := store.Len()
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestIngestDuplicate(t *testing.T) {
	store := newTestStore(t)
	creator := operation.NewCreator(store, newTestKey(t))
	logID := topic.New("icecream").LogID()

	op, err := creator.Create(logID, []byte("hello"), false)
	require.NoError(t, err)

	assert.Equal(t, IngestComplete, ingest(t, store, op).Status)
	assert.Equal(t, IngestDuplicate, ingest(t, store, op).Status)

	length, err := store.LogLength(op.PublicKey(), logID)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), length)
}

func TestIngestRejectsSeqNumTaken(t *testing.T) {
	store := newTestStore(t)
	key := newTestKey(t)
	logID := topic.New("icecream").LogID()

	first, err := operation.NewCreator(store, key).Create(logID, []byte("one"), false)
	require.NoError(t, err)
	ingest(t, store, first)

	fork, err := operation.NewCreator(emptyLog{}, key).Create(logID, []byte("fork"), false)
	require.NoError(t, err)
	require.Equal(t, uint64(0), fork.SeqNum())

	_, err = store.Ingest(fork.Header, fork.Body, fork.HeaderBytes, logID, false)
	require.ErrorIs(t, err, ErrSeqNumTaken)
	require.ErrorIs(t, err, operation.ErrSeqNumMismatch)
}

func TestIngestRejectsGap(t *testing.T) {
	store := newTestStore(t)
	key := newTestKey(t)
	logID := topic.New("icecream").LogID()

	source := newTestStore(t)
	creator := operation.NewCreator(source, key)
	var ops []*operation.Operation
	for i := 0; i < 2; i++ {
		op, err := creator.Create(logID, []byte{byte(i)}, false)
		require.NoError(t, err)
		ingest(t, source, op)
		ops = append(ops, op)
	}

	_, err := store.Ingest(ops[1].Header, ops[1].Body, ops[1].HeaderBytes, logID, false)
	require.ErrorIs(t, err, operation.ErrSeqNumMismatch)

	n, err := store.Len()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestIngestRejectsTamperedBody(t *testing.T) {
	store := newTestStore(t)
	creator := operation.NewCreator(store, newTestKey(t))
	logID := topic.New("icecream").LogID()

	op, err := creator.Create(logID, []byte("hello"), false)
	require.NoError(t, err)

	_, err = store.Ingest(op.Header, []byte("HELLO"), op.HeaderBytes, logID, false)
	require.ErrorIs(t, err, operation.ErrPayloadHashMismatch)

	latest, err := store.Latest(op.PublicKey(), logID)
	require.NoError(t, err)
	assert.Nil(t, latest)
}

func TestGet(t *testing.T) {
	store := newTestStore(t)
	creator := operation.NewCreator(store, newTestKey(t))
	logID := topic.New("icecream").LogID()

	op, err := creator.Create(logID, []byte{}, false)
	require.NoError(t, err)
	ingest(t, store, op)

	got, err := store.Get(op.Hash)
	require.NoError(t, err)
	require.NotNil(t, got.Body)
	assert.Empty(t, got.Body)

	_, err = store.Get(crypto.HashBytes([]byte("missing")))
	require.ErrorIs(t, err, ErrKeyNotFound)
}

func TestPruneDropsEarlierBodies(t *testing.T) {
	store := newTestStore(t)
	key := newTestKey(t)
	creator := operation.NewCreator(store, key)
	logID := topic.New("icecream").LogID()

	for _, prune := range []bool{false, false, true} {
		op, err := creator.Create(logID, []byte("payload"), prune)
		require.NoError(t, err)
		ingest(t, store, op)
	}

	ops, err := store.LogOperations(key.PublicKey(), logID, 0)
	require.NoError(t, err)
	require.Len(t, ops, 3)
	assert.True(t, ops[0].Pruned())
	assert.True(t, ops[1].Pruned())
	assert.False(t, ops[2].Pruned())
	assert.Equal(t, []byte("payload"), ops[2].Body)

	// Peers replaying the log accept the header-only operations.
	replica := newTestStore(t)
	for _, op := range ops {
		var result IngestResult
		if op.Pruned() {
			result, err = replica.IngestPruned(op.Header, op.HeaderBytes, logID, op.Header.Prune())
		} else {
			result, err = replica.Ingest(op.Header, op.Body, op.HeaderBytes, logID, op.Header.Prune())
		}
		require.NoError(t, err)
		assert.Equal(t, IngestComplete, result.Status)
	}
}

func TestClosedStore(t *testing.T) {
	store, err := NewOperationStore()
	require.NoError(t, err)
	require.NoError(t, store.Close())
	require.NoError(t, store.Close())

	_, err = store.Len()
	require.ErrorIs(t, err, ErrClosed)
}

func TestIngestRestoresBodyNotPrunedByAuthor(t *testing.T) {
	store := newTestStore(t)
	key := newTestKey(t)
	creator := operation.NewCreator(store, key)
	logID := topic.New("icecream").LogID()

	op, err := creator.Create(logID, []byte("payload"), false)
	require.NoError(t, err)
	ingest(t, store, op)

	// A peer claims the body was pruned although no prune operation exists.
	replica := newTestStore(t)
	result, err := replica.IngestPruned(op.Header, op.HeaderBytes, logID, false)
	require.NoError(t, err)
	assert.Equal(t, IngestComplete, result.Status)

	result, err = replica.Ingest(op.Header, []byte("tampered"), op.HeaderBytes, logID, false)
	require.NoError(t, err)
	assert.Equal(t, IngestDuplicate, result.Status)

	result, err = replica.Ingest(op.Header, op.Body, op.HeaderBytes, logID, false)
	require.NoError(t, err)
	assert.Equal(t, IngestRestored, result.Status)
	assert.Equal(t, []byte("payload"), result.Operation.Body)

	stored, err := replica.Get(op.Hash)
	require.NoError(t, err)
	assert.False(t, stored.Pruned())
	assert.Equal(t, []byte("payload"), stored.Body)

	result, err = replica.Ingest(op.Header, op.Body, op.HeaderBytes, logID, false)
	require.NoError(t, err)
	assert.Equal(t, IngestDuplicate, result.Status)
}

func TestIngestKeepsBodyPrunedByAuthor(t *testing.T) {
	store := newTestStore(t)
	key := newTestKey(t)
	creator := operation.NewCreator(store, key)
	logID := topic.New("icecream").LogID()

	var created []*operation.Operation
	for _, prune := range []bool{false, true} {
		op, err := creator.Create(logID, []byte("payload"), prune)
		require.NoError(t, err)
		ingest(t, store, op)
		created = append(created, op)
	}

	replica := newTestStore(t)
	_, err := replica.IngestPruned(created[0].Header, created[0].HeaderBytes, logID, false)
	require.NoError(t, err)
	ingest(t, replica, created[1])

	result, err := replica.Ingest(created[0].Header, created[0].Body, created[0].HeaderBytes, logID, false)
	require.NoError(t, err)
	assert.Equal(t, IngestDuplicate, result.Status)

	stored, err := replica.Get(created[0].Hash)
	require.NoError(t, err)
	assert.True(t, stored.Pruned())
}
