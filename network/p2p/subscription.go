package p2p

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/adzialocha/meshpit/core/topic"
	"github.com/adzialocha/meshpit/network/logsync"
)

// ErrSubscriptionClosed is returned by Send once the subscription is closed.
var ErrSubscriptionClosed = errors.New("subscription closed")

// Event is an item received from the mesh. It is either a GossipEvent or a
// SyncEvent.
type Event interface {
	isEvent()
}

// GossipEvent carries a raw gossip envelope that still needs decoding.
type GossipEvent struct {
	From peer.ID
	Data []byte
}

// SyncEvent carries an operation delivered by a sync session. Body is nil
// when the operation has no body or its body was pruned.
type SyncEvent struct {
	From   peer.ID
	Header []byte
	Body   []byte
	Pruned bool
}

func (GossipEvent) isEvent() {}
func (SyncEvent) isEvent()   {}

// Subscription is the node's membership in one topic.
type Subscription struct {
	manager *Manager
	topic   topic.Topic
	ps      *pubsub.Topic
	sub     *pubsub.Subscription
	handler *pubsub.TopicEventHandler

	events    chan Event
	ready     chan struct{}
	readyOnce sync.Once

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once

	syncMu   sync.Mutex
	closed   bool
	syncing  map[peer.ID]struct{}
	lastSync map[peer.ID]time.Time
}

// Subscribe joins the gossip overlay of t. Every peer joining the topic
// afterwards is asked for the logs this node lacks, unless sync is disabled.
func (m *Manager) Subscribe(ctx context.Context, t topic.Topic) (*Subscription, error) {
	name := m.topicName(t)

	ps, err := m.pubsub.Join(name)
	if err != nil {
		return nil, fmt.Errorf("failed to join topic %s: %w", name, err)
	}
	sub, err := ps.Subscribe()
	if err != nil {
		ps.Close()
		return nil, fmt.Errorf("failed to subscribe to topic %s: %w", name, err)
	}
	handler, err := ps.EventHandler()
	if err != nil {
		sub.Cancel()
		ps.Close()
		return nil, fmt.Errorf("failed to watch topic %s: %w", name, err)
	}

	subCtx, cancel := context.WithCancel(m.ctx)
	s := &Subscription{
		manager: m,
		topic:   t,
		ps:      ps,
		sub:     sub,
		handler: handler,
		events:  make(chan Event, m.cfg.QueueSize),
		ready:   make(chan struct{}),
		ctx:      subCtx,
		cancel:   cancel,
		syncing:  make(map[peer.ID]struct{}),
		lastSync: make(map[peer.ID]time.Time),
	}

	m.subsMu.Lock()
	m.subs[t] = s
	m.subsMu.Unlock()

	s.wg.Add(2)
	go s.readMessages()
	go s.watchPeers()
	if m.sync != nil && m.cfg.SyncInterval > 0 {
		s.wg.Add(1)
		go s.periodicSync()
	}

	log.Infow("subscribed to topic", "topic", name)
	return s, nil
}

// Topic returns the subscribed topic.
func (s *Subscription) Topic() topic.Topic {
	return s.topic
}

// Events returns the channel of received mesh events. It is closed after
// Close once every pending delivery has stopped.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Ready is closed as soon as the first peer joins the topic.
func (s *Subscription) Ready() <-chan struct{} {
	return s.ready
}

// Send broadcasts data to the topic. It waits for the broadcast rate limiter
// instead of dropping data.
func (s *Subscription) Send(ctx context.Context, data []byte) error {
	if s.ctx.Err() != nil {
		return ErrSubscriptionClosed
	}
	if err := s.manager.rateLimiter.Wait(ctx); err != nil {
		return fmt.Errorf("broadcast rate limiter: %w", err)
	}
	if err := s.ps.Publish(ctx, data); err != nil {
		if s.ctx.Err() != nil {
			return ErrSubscriptionClosed
		}
		return fmt.Errorf("failed to publish to topic %s: %w", s.topic, err)
	}
	return nil
}

// Close leaves the topic. Pending sync sessions are cancelled and the events
// channel is closed.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.syncMu.Lock()
		s.closed = true
		s.syncMu.Unlock()

		s.cancel()
		s.sub.Cancel()
		s.handler.Cancel()

		s.wg.Wait()
		close(s.events)

		if err := s.ps.Close(); err != nil {
			log.Debugw("error closing topic", "topic", s.topic.String(), "err", err)
		}

		s.manager.subsMu.Lock()
		delete(s.manager.subs, s.topic)
		s.manager.subsMu.Unlock()
	})
}

func (s *Subscription) readMessages() {
	defer s.wg.Done()

	self := s.manager.host.ID()
	for {
		msg, err := s.sub.Next(s.ctx)
		if err != nil {
			if s.ctx.Err() == nil {
				log.Errorw("error reading from subscription", "topic", s.topic.String(), "err", err)
			}
			return
		}
		if msg.ReceivedFrom == self {
			continue
		}
		if !s.emit(GossipEvent{From: msg.ReceivedFrom, Data: msg.Data}) {
			return
		}
	}
}

func (s *Subscription) watchPeers() {
	defer s.wg.Done()

	for {
		evt, err := s.handler.NextPeerEvent(s.ctx)
		if err != nil {
			return
		}
		if evt.Type != pubsub.PeerJoin {
			log.Debugw("peer left topic", "topic", s.topic.String(), "peer", evt.Peer.String())
			continue
		}

		log.Infow("peer joined topic", "topic", s.topic.String(), "peer", evt.Peer.String())
		s.readyOnce.Do(func() { close(s.ready) })

		s.startSync(evt.Peer, true)
	}
}

// Resync asks p for the operations this node lacks. Calls for a peer that is
// already syncing, or was synced less than the resync interval ago, are
// ignored.
func (s *Subscription) Resync(p peer.ID) {
	s.startSync(p, false)
}

func (s *Subscription) periodicSync() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.manager.cfg.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			for _, p := range s.ps.ListPeers() {
				s.startSync(p, false)
			}
		}
	}
}

// startSync runs a sync session with p in the background. force skips the
// resync interval but never starts a second session with the same peer.
func (s *Subscription) startSync(p peer.ID, force bool) bool {
	if s.manager.sync == nil {
		return false
	}

	s.syncMu.Lock()
	defer s.syncMu.Unlock()

	if s.closed {
		return false
	}
	if _, ok := s.syncing[p]; ok {
		return false
	}
	if last, ok := s.lastSync[p]; ok && !force && time.Since(last) < s.manager.cfg.ResyncInterval {
		return false
	}
	s.syncing[p] = struct{}{}
	s.lastSync[p] = time.Now()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.syncMu.Lock()
			delete(s.syncing, p)
			s.syncMu.Unlock()
		}()
		s.syncWith(p)
	}()
	return true
}

// syncWith pulls the logs of the topic from p.
func (s *Subscription) syncWith(p peer.ID) {
	ctx, cancel := context.WithTimeout(s.ctx, s.manager.cfg.SyncTimeout)
	defer cancel()

	stream, err := s.manager.host.NewStream(ctx, p, protocol.ID(logsync.ProtocolID))
	if err != nil {
		log.Warnw("failed to open sync stream", "peer", p.String(), "err", err)
		return
	}
	defer stream.Close()
	if deadline, ok := ctx.Deadline(); ok {
		stream.SetDeadline(deadline)
	}

	start := time.Now()
	n, err := s.manager.sync.Pull(ctx, stream, s.topic, func(headerBytes, body []byte, pruned bool) error {
		if !s.emit(SyncEvent{From: p, Header: headerBytes, Body: body, Pruned: pruned}) {
			return ErrSubscriptionClosed
		}
		return nil
	})
	if err != nil {
		if s.ctx.Err() == nil {
			log.Warnw("sync session failed", "peer", p.String(), "received", n, "err", err)
			stream.Reset()
		}
		return
	}
	log.Infow("sync session completed", "peer", p.String(), "received", n, "took", time.Since(start))
}

// emit queues an event, blocking while the queue is full. It returns false
// once the subscription is closed.
func (s *Subscription) emit(evt Event) bool {
	select {
	case s.events <- evt:
		return true
	case <-s.ctx.Done():
		return false
	}
}
