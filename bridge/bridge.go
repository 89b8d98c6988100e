// Package bridge connects a local UDP application to the mesh.
//
// Two pipelines share the operation store and the author index:
//
//	local-ingress: datagram → sign → ingest → gossip envelope → mesh
//	mesh-ingress:  mesh event → decode → ingest → body → local client
//
// A single socket loop multiplexes datagrams read from the socket and
// payloads queued for the local client.
package bridge

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/adzialocha/meshpit/core/authors"
	"github.com/adzialocha/meshpit/core/operation"
	"github.com/adzialocha/meshpit/core/topic"
	"github.com/adzialocha/meshpit/metrics"
	"github.com/adzialocha/meshpit/network/gossip"
	"github.com/adzialocha/meshpit/network/p2p"
	"github.com/adzialocha/meshpit/storage"
)

var log = logging.Logger("meshpit/bridge")

// MaxDatagramSize is the largest payload read from the local socket.
const MaxDatagramSize = 10000

// Mesh is the part of a topic subscription the bridge needs.
type Mesh interface {
	Send(ctx context.Context, data []byte) error
	Events() <-chan p2p.Event
	// Resync asks a peer for the operations missing locally.
	Resync(from peer.ID)
}

// Config holds bridge settings.
type Config struct {
	Topic     topic.Topic
	QueueSize int
}

// Stats are counters of a running bridge.
type Stats struct {
	DatagramsReceived uint64 `json:"datagrams_received"`
	Broadcasts        uint64 `json:"broadcasts"`
	Forwarded         uint64 `json:"forwarded"`
	Rejected          uint64 `json:"rejected"`
}

// Bridge handles the datagram pipelines of one topic.
type Bridge struct {
	cfg     Config
	conn    *net.UDPConn
	client  *net.UDPAddr
	store   *storage.OperationStore
	authors *authors.Index
	creator *operation.Creator
	mesh    Mesh
	metrics *metrics.Metrics

	datagrams chan []byte
	fromUDP   chan []byte
	toUDP     chan []byte

	received   atomic.Uint64
	broadcasts atomic.Uint64
	forwarded  atomic.Uint64
	rejected   atomic.Uint64

	wg sync.WaitGroup
}

// New creates a bridge. conn is the bound server socket, payloads from the
// mesh are sent to client. m may be nil.
func New(
	cfg Config,
	conn *net.UDPConn,
	client *net.UDPAddr,
	store *storage.OperationStore,
	index *authors.Index,
	creator *operation.Creator,
	mesh Mesh,
	m *metrics.Metrics,
) *Bridge {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 128
	}
	return &Bridge{
		cfg:       cfg,
		conn:      conn,
		client:    client,
		store:     store,
		authors:   index,
		creator:   creator,
		mesh:      mesh,
		metrics:   m,
		datagrams: make(chan []byte, cfg.QueueSize),
		fromUDP:   make(chan []byte, cfg.QueueSize),
		toUDP:     make(chan []byte, cfg.QueueSize),
	}
}

// Start launches the socket reader, the socket loop and both pipelines. They
// run until ctx is cancelled; the reader additionally needs the socket to be
// closed.
func (b *Bridge) Start(ctx context.Context) {
	b.wg.Add(4)
	go func() {
		defer b.wg.Done()
		b.readSocket(ctx)
	}()
	go func() {
		defer b.wg.Done()
		b.socketLoop(ctx)
	}()
	go func() {
		defer b.wg.Done()
		b.localIngress(ctx)
	}()
	go func() {
		defer b.wg.Done()
		b.meshIngress(ctx)
	}()

	log.Infow("bridge started",
		"topic", b.cfg.Topic.String(),
		"server", b.conn.LocalAddr().String(),
		"client", b.client.String())
}

// Wait blocks until every goroutine started by Start has returned.
func (b *Bridge) Wait() {
	b.wg.Wait()
}

// Stats returns the bridge counters.
func (b *Bridge) Stats() Stats {
	return Stats{
		DatagramsReceived: b.received.Load(),
		Broadcasts:        b.broadcasts.Load(),
		Forwarded:         b.forwarded.Load(),
		Rejected:          b.rejected.Load(),
	}
}

// readSocket reads datagrams until the socket is closed.
func (b *Bridge) readSocket(ctx context.Context) {
	defer close(b.datagrams)

	// One spare byte tells oversized datagrams apart from ones of exactly
	// MaxDatagramSize bytes.
	buf := make([]byte, MaxDatagramSize+1)
	for {
		n, from, err := b.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Warnw("error receiving datagram", "err", err)
			b.metrics.RecordSocketError("read")
			continue
		}
		if n > MaxDatagramSize {
			log.Warnw("dropping oversized datagram", "from", from.String(), "max", MaxDatagramSize)
			b.metrics.RecordSocketError("read")
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		b.received.Add(1)
		b.metrics.DatagramReceived()
		log.Debugw("received datagram", "from", from.String(), "size", n)

		select {
		case b.datagrams <- data:
		case <-ctx.Done():
			return
		}
	}
}

// socketLoop services whichever is ready first: a datagram read from the
// socket or a payload queued for the local client.
func (b *Bridge) socketLoop(ctx context.Context) {
	defer close(b.fromUDP)

	datagrams := b.datagrams

	// pending holds a datagram local ingress has not taken yet. While it is
	// set no further datagram is read, but payloads for the client are.
	var pending []byte
	for {
		in, out := datagrams, chan<- []byte(nil)
		if pending != nil {
			in, out = nil, b.fromUDP
		}

		select {
		case <-ctx.Done():
			return

		case data, ok := <-in:
			if !ok {
				// Socket closed; keep delivering queued payloads until ctx ends.
				datagrams = nil
				continue
			}
			pending = data

		case out <- pending:
			pending = nil

		case payload := <-b.toUDP:
			if _, err := b.conn.WriteToUDP(payload, b.client); err != nil {
				log.Warnw("error sending payload to client", "client", b.client.String(), "err", err)
				b.metrics.RecordSocketError("write")
				continue
			}
			b.forwarded.Add(1)
			b.metrics.PayloadForwarded()
		}
	}
}

// localIngress turns datagrams into operations of the local author and
// broadcasts them. It is the only writer of the local author's log.
func (b *Bridge) localIngress(ctx context.Context) {
	logID := b.cfg.Topic.LogID()

	for data := range b.fromUDP {
		if ctx.Err() != nil {
			return
		}

		envelope, ok := b.appendLocal(logID, data)
		if !ok {
			continue
		}

		if err := b.mesh.Send(ctx, envelope); err != nil {
			if errors.Is(err, p2p.ErrSubscriptionClosed) || ctx.Err() != nil {
				log.Info("mesh subscription closed, stopping local ingress")
				return
			}
			log.Errorw("failed to broadcast operation", "err", err)
			continue
		}
		b.broadcasts.Add(1)
		b.metrics.BroadcastSent()
	}
}

// appendLocal signs data, ingests it and returns its gossip envelope.
func (b *Bridge) appendLocal(logID topic.LogID, data []byte) ([]byte, bool) {
	op, err := b.creator.Create(logID, data, false)
	if err != nil {
		log.Errorw("failed to create operation", "err", err)
		return nil, false
	}
	b.metrics.OperationCreated()

	start := time.Now()
	result, err := b.store.Ingest(op.Header, op.Body, op.HeaderBytes, logID, false)
	b.metrics.RecordIngest(metrics.SourceLocal, err == nil && result.Status == storage.IngestDuplicate, err, time.Since(start))
	if err != nil {
		log.Errorw("failed to ingest local operation", "seq", op.SeqNum(), "err", err)
		b.rejected.Add(1)
		return nil, false
	}

	if b.authors.Record(b.cfg.Topic, op.PublicKey()) {
		b.updateKnownAuthors()
	}

	envelope, err := gossip.Encode(op.HeaderBytes, op.Body)
	if err != nil {
		log.Errorw("failed to encode gossip envelope", "err", err)
		return nil, false
	}

	log.Debugw("created operation", "hash", op.Hash.String(), "seq", op.SeqNum(), "size", len(data))
	return envelope, true
}

// meshIngress ingests operations received from the mesh and forwards their
// bodies to the local client.
func (b *Bridge) meshIngress(ctx context.Context) {
	events := b.mesh.Events()
	for {
		var evt p2p.Event
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				log.Info("mesh events closed, stopping mesh ingress")
				return
			}
			evt = e
		}

		switch e := evt.(type) {
		case p2p.GossipEvent:
			headerBytes, body, err := gossip.Decode(e.Data)
			if err != nil {
				log.Warnw("dropping gossip message", "from", e.From.String(), "err", err)
				b.rejected.Add(1)
				b.metrics.RecordRejected(metrics.SourceGossip)
				continue
			}
			if err := b.ingestRemote(ctx, metrics.SourceGossip, headerBytes, body, false); isGap(err) {
				// Earlier operations of this log never arrived; fetch them
				// from the peer that relayed this one.
				b.mesh.Resync(e.From)
			}

		case p2p.SyncEvent:
			b.ingestRemote(ctx, metrics.SourceSync, e.Header, e.Body, e.Pruned)

		default:
			log.Warnw("unknown mesh event", "type", evt)
		}
	}
}

// ingestRemote stores an operation received from the mesh and queues its body
// for the local client. The returned error is only informational; it has
// already been logged.
func (b *Bridge) ingestRemote(ctx context.Context, source string, headerBytes, body []byte, pruned bool) error {
	header, err := operation.DecodeHeader(headerBytes)
	if err != nil {
		log.Warnw("dropping operation", "source", source, "err", err)
		b.rejected.Add(1)
		b.metrics.RecordRejected(source)
		return err
	}
	logID, ok := header.LogID()
	if !ok {
		log.Warnw("dropping operation", "source", source, "err", operation.ErrMissingExtensions)
		b.rejected.Add(1)
		b.metrics.RecordRejected(source)
		return operation.ErrMissingExtensions
	}

	start := time.Now()
	var result storage.IngestResult
	if pruned {
		result, err = b.store.IngestPruned(header, headerBytes, logID, header.Prune())
	} else {
		result, err = b.store.Ingest(header, body, headerBytes, logID, header.Prune())
	}
	b.metrics.RecordIngest(source, err == nil && result.Status == storage.IngestDuplicate, err, time.Since(start))
	if err != nil {
		log.Warnw("rejected operation",
			"source", source,
			"author", header.PublicKey.String(),
			"seq", header.SeqNum,
			"err", err)
		b.rejected.Add(1)
		return err
	}
	if result.Status == storage.IngestDuplicate {
		return nil
	}

	if b.authors.Record(topic.FromLogID(logID), header.PublicKey) {
		log.Infow("new author", "topic", topic.FromLogID(logID).String(), "author", header.PublicKey.String())
		b.updateKnownAuthors()
	}

	if result.Operation.Body == nil {
		return nil
	}
	select {
	case b.toUDP <- result.Operation.Body:
	case <-ctx.Done():
	}
	return nil
}

// isGap reports whether err means operations before the rejected one are
// missing locally.
func isGap(err error) bool {
	return errors.Is(err, operation.ErrSeqNumMismatch) && !errors.Is(err, storage.ErrSeqNumTaken)
}

func (b *Bridge) updateKnownAuthors() {
	if known, ok := b.authors.Lookup(b.cfg.Topic); ok {
		b.metrics.SetKnownAuthors(len(known))
	}
}
