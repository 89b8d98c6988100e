package bridge

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adzialocha/meshpit/core/authors"
	"github.com/adzialocha/meshpit/core/operation"
	"github.com/adzialocha/meshpit/core/topic"
	"github.com/adzialocha/meshpit/crypto"
	"github.com/adzialocha/meshpit/metrics"
	"github.com/adzialocha/meshpit/network/gossip"
	"github.com/adzialocha/meshpit/network/p2p"
	"github.com/adzialocha/meshpit/storage"
)

type fakeMesh struct {
	sent    chan []byte
	events  chan p2p.Event
	resyncs chan peer.ID

	mu     sync.Mutex
	closed bool
	hold   chan struct{}
}

func newFakeMesh() *fakeMesh {
	return &fakeMesh{
		sent:    make(chan []byte, 16),
		events:  make(chan p2p.Event, 16),
		resyncs: make(chan peer.ID, 16),
	}
}

func (m *fakeMesh) Send(ctx context.Context, data []byte) error {
	m.mu.Lock()
	closed, hold := m.closed, m.hold
	m.mu.Unlock()
	if closed {
		return p2p.ErrSubscriptionClosed
	}
	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	select {
	case m.sent <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *fakeMesh) Events() <-chan p2p.Event {
	return m.events
}

func (m *fakeMesh) Resync(from peer.ID) {
	m.resyncs <- from
}

// holdSends blocks every Send until the returned function is called.
func (m *fakeMesh) holdSends() func() {
	hold := make(chan struct{})
	m.mu.Lock()
	m.hold = hold
	m.mu.Unlock()
	return func() { close(hold) }
}

func (m *fakeMesh) close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
}

type harness struct {
	bridge  *Bridge
	mesh    *fakeMesh
	store   *storage.OperationStore
	authors *authors.Index
	key     *crypto.PrivateKey
	topic   topic.Topic
	server  *net.UDPConn
	app     *net.UDPConn
	cancel  context.CancelFunc
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	server, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	app, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)

	store, err := storage.NewOperationStore()
	require.NoError(t, err)
	key, err := crypto.NewPrivateKey()
	require.NoError(t, err)

	h := &harness{
		mesh:    newFakeMesh(),
		store:   store,
		authors: authors.NewIndex(),
		key:     key,
		topic:   topic.New("icecream"),
		server:  server,
		app:     app,
	}
	h.bridge = New(
		Config{Topic: h.topic, QueueSize: 8},
		server,
		app.LocalAddr().(*net.UDPAddr),
		store,
		h.authors,
		operation.NewCreator(store, key),
		h.mesh,
		metrics.New("meshpit"),
	)

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.bridge.Start(ctx)

	t.Cleanup(func() {
		cancel()
		server.Close()
		h.bridge.Wait()
		app.Close()
		store.Close()
	})
	return h
}

func (h *harness) sendDatagram(t *testing.T, data []byte) {
	t.Helper()
	_, err := h.app.WriteToUDP(data, h.server.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
}

func (h *harness) nextBroadcast(t *testing.T) *operation.Operation {
	t.Helper()
	select {
	case envelope := <-h.mesh.sent:
		headerBytes, body, err := gossip.Decode(envelope)
		require.NoError(t, err)
		op, err := operation.New(headerBytes, body)
		require.NoError(t, err)
		return op
	case <-time.After(5 * time.Second):
		t.Fatal("no broadcast")
		return nil
	}
}

func (h *harness) readClient(t *testing.T, timeout time.Duration) ([]byte, bool) {
	t.Helper()
	buf := make([]byte, MaxDatagramSize)
	require.NoError(t, h.app.SetReadDeadline(time.Now().Add(timeout)))
	n, _, err := h.app.ReadFromUDP(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, false
		}
		require.NoError(t, err)
	}
	return buf[:n], true
}

// remoteAuthor signs operations for the harness topic with its own key.
type remoteAuthor struct {
	key     *crypto.PrivateKey
	store   *storage.OperationStore
	creator *operation.Creator
}

func newRemoteAuthor(t *testing.T) *remoteAuthor {
	t.Helper()
	key, err := crypto.NewPrivateKey()
	require.NoError(t, err)
	store, err := storage.NewOperationStore()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return &remoteAuthor{key: key, store: store, creator: operation.NewCreator(store, key)}
}

func (r *remoteAuthor) publish(t *testing.T, tp topic.Topic, body []byte) *operation.Operation {
	t.Helper()
	op, err := r.creator.Create(tp.LogID(), body, false)
	require.NoError(t, err)
	_, err = r.store.Ingest(op.Header, op.Body, op.HeaderBytes, tp.LogID(), false)
	require.NoError(t, err)
	return op
}

func envelope(t *testing.T, op *operation.Operation) []byte {
	t.Helper()
	data, err := gossip.Encode(op.HeaderBytes, op.Body)
	require.NoError(t, err)
	return data
}

func TestLocalDatagramIsSignedAndBroadcast(t *testing.T) {
	h := newHarness(t)

	h.sendDatagram(t, []byte("hello"))
	op := h.nextBroadcast(t)

	assert.Equal(t, uint64(0), op.SeqNum())
	assert.Nil(t, op.Header.Backlink)
	require.NotNil(t, op.Header.PayloadHash)
	assert.Equal(t, crypto.HashBytes([]byte("hello")), *op.Header.PayloadHash)
	assert.Equal(t, []byte("hello"), op.Body)
	assert.Equal(t, h.key.PublicKey(), op.PublicKey())

	n, err := h.store.Len()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	known, ok := h.authors.Lookup(h.topic)
	require.True(t, ok)
	assert.Contains(t, known, h.key.PublicKey())

	select {
	case extra := <-h.mesh.sent:
		t.Fatalf("unexpected second broadcast: %x", extra)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSequentialDatagramsAreLinked(t *testing.T) {
	h := newHarness(t)

	h.sendDatagram(t, []byte("one"))
	first := h.nextBroadcast(t)
	h.sendDatagram(t, []byte("two"))
	second := h.nextBroadcast(t)

	assert.Equal(t, uint64(0), first.SeqNum())
	assert.Equal(t, uint64(1), second.SeqNum())
	require.NotNil(t, second.Header.Backlink)
	assert.Equal(t, first.Hash, *second.Header.Backlink)

	length, err := h.store.LogLength(h.key.PublicKey(), h.topic.LogID())
	require.NoError(t, err)
	assert.Equal(t, uint64(2), length)
}

func TestTamperedRemoteOperationIsDropped(t *testing.T) {
	h := newHarness(t)
	remote := newRemoteAuthor(t)

	op, err := operation.NewCreator(emptyStore{}, remote.key).Create(h.topic.LogID(), []byte("evil"), false)
	require.NoError(t, err)
	tampered := *op.Header
	sig := *tampered.Signature
	sig[10] ^= 0x01
	tampered.Signature = &sig
	headerBytes, err := tampered.Encode()
	require.NoError(t, err)

	data, err := gossip.Encode(headerBytes, op.Body)
	require.NoError(t, err)
	h.mesh.events <- p2p.GossipEvent{Data: data}

	// A valid operation queued behind it proves the tampered one was handled.
	valid := remote.publish(t, h.topic, []byte("ping"))
	h.mesh.events <- p2p.GossipEvent{Data: envelope(t, valid)}

	payload, ok := h.readClient(t, 5*time.Second)
	require.True(t, ok)
	assert.Equal(t, []byte("ping"), payload)

	_, err = h.store.Get(crypto.HashBytes(headerBytes))
	require.ErrorIs(t, err, storage.ErrKeyNotFound)
	n, err := h.store.Len()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, uint64(1), h.bridge.Stats().Rejected)
}

func TestRemoteOperationIsForwarded(t *testing.T) {
	h := newHarness(t)
	remote := newRemoteAuthor(t)

	op := remote.publish(t, h.topic, []byte("ping"))
	h.mesh.events <- p2p.GossipEvent{Data: envelope(t, op)}

	payload, ok := h.readClient(t, 5*time.Second)
	require.True(t, ok)
	assert.Equal(t, []byte("ping"), payload)

	known, ok := h.authors.Lookup(h.topic)
	require.True(t, ok)
	assert.Contains(t, known, remote.key.PublicKey())

	// The same operation again is a duplicate and is not forwarded.
	h.mesh.events <- p2p.SyncEvent{Header: op.HeaderBytes, Body: op.Body}
	_, ok = h.readClient(t, 300*time.Millisecond)
	assert.False(t, ok)
	assert.Equal(t, uint64(1), h.bridge.Stats().Forwarded)
}

func TestGapInGossipRequestsResync(t *testing.T) {
	h := newHarness(t)
	remote := newRemoteAuthor(t)
	relay := peer.ID("relay")

	first := remote.publish(t, h.topic, []byte("a"))
	second := remote.publish(t, h.topic, []byte("b"))

	// The first operation was missed; the second cannot be appended yet.
	h.mesh.events <- p2p.GossipEvent{From: relay, Data: envelope(t, second)}
	select {
	case from := <-h.mesh.resyncs:
		assert.Equal(t, relay, from)
	case <-time.After(5 * time.Second):
		t.Fatal("no resync requested")
	}
	_, ok := h.readClient(t, 200*time.Millisecond)
	assert.False(t, ok)

	h.mesh.events <- p2p.SyncEvent{From: relay, Header: first.HeaderBytes, Body: first.Body}
	h.mesh.events <- p2p.SyncEvent{From: relay, Header: second.HeaderBytes, Body: second.Body}
	for _, want := range []string{"a", "b"} {
		payload, ok := h.readClient(t, 5*time.Second)
		require.True(t, ok)
		assert.Equal(t, want, string(payload))
	}

	// Duplicates and operations replacing a taken seq are no gap.
	h.mesh.events <- p2p.GossipEvent{From: relay, Data: envelope(t, second)}
	fork := newRemoteAuthor(t)
	fork.key = remote.key
	fork.creator = operation.NewCreator(fork.store, remote.key)
	h.mesh.events <- p2p.GossipEvent{From: relay, Data: envelope(t, fork.publish(t, h.topic, []byte("x")))}

	require.Eventually(t, func() bool {
		return h.bridge.Stats().Rejected == 2
	}, 5*time.Second, 10*time.Millisecond)
	assert.Empty(t, h.mesh.resyncs)
}

func TestForwardingContinuesWhileBroadcastIsBlocked(t *testing.T) {
	h := newHarness(t)
	release := h.mesh.holdSends()
	defer release()

	for i := 0; i < 30; i++ {
		h.sendDatagram(t, []byte{byte(i)})
	}
	require.Eventually(t, func() bool {
		return h.bridge.Stats().DatagramsReceived >= 10
	}, 5*time.Second, 10*time.Millisecond)

	remote := newRemoteAuthor(t)
	op := remote.publish(t, h.topic, []byte("ping"))
	h.mesh.events <- p2p.GossipEvent{Data: envelope(t, op)}

	payload, ok := h.readClient(t, 5*time.Second)
	require.True(t, ok)
	assert.Equal(t, []byte("ping"), payload)
}

func TestOversizedDatagramIsDropped(t *testing.T) {
	h := newHarness(t)

	h.sendDatagram(t, make([]byte, MaxDatagramSize+1))
	h.sendDatagram(t, make([]byte, MaxDatagramSize))

	op := h.nextBroadcast(t)
	assert.Len(t, op.Body, MaxDatagramSize)
	assert.Equal(t, uint64(0), op.SeqNum())

	n, err := h.store.Len()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, uint64(1), h.bridge.Stats().DatagramsReceived)
}

func TestSyncEventsAreIngestedInOrder(t *testing.T) {
	h := newHarness(t)
	remote := newRemoteAuthor(t)

	first := remote.publish(t, h.topic, []byte("a"))
	second := remote.publish(t, h.topic, []byte("b"))
	h.mesh.events <- p2p.SyncEvent{Header: first.HeaderBytes, Body: first.Body}
	h.mesh.events <- p2p.SyncEvent{Header: second.HeaderBytes, Body: second.Body}

	for _, want := range []string{"a", "b"} {
		payload, ok := h.readClient(t, 5*time.Second)
		require.True(t, ok)
		assert.Equal(t, want, string(payload))
	}

	length, err := h.store.LogLength(remote.key.PublicKey(), h.topic.LogID())
	require.NoError(t, err)
	assert.Equal(t, uint64(2), length)
}

func TestMalformedEnvelopeIsDropped(t *testing.T) {
	h := newHarness(t)
	remote := newRemoteAuthor(t)

	h.mesh.events <- p2p.GossipEvent{Data: []byte("garbage")}
	op := remote.publish(t, h.topic, []byte("after"))
	h.mesh.events <- p2p.GossipEvent{Data: envelope(t, op)}

	payload, ok := h.readClient(t, 5*time.Second)
	require.True(t, ok)
	assert.Equal(t, []byte("after"), payload)
	assert.Equal(t, uint64(1), h.bridge.Stats().Rejected)
}

func TestLocalIngressStopsWhenMeshCloses(t *testing.T) {
	h := newHarness(t)

	h.mesh.close()
	h.sendDatagram(t, []byte("hello"))

	require.Eventually(t, func() bool {
		n, err := h.store.Len()
		return err == nil && n == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Zero(t, h.bridge.Stats().Broadcasts)
}

func TestShutdown(t *testing.T) {
	h := newHarness(t)
	close(h.mesh.events)

	h.cancel()
	require.NoError(t, h.server.Close())

	done := make(chan struct{})
	go func() {
		h.bridge.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("bridge did not stop")
	}
}

type emptyStore struct{}

func (emptyStore) Latest(crypto.PublicKey, topic.LogID) (*operation.Operation, error) {
	return nil, nil
}
