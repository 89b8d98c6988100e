// Package p2p runs the libp2p side of a node: the host, gossipsub topics,
// peer discovery and the log sync stream protocol.
package p2p

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/multiformats/go-multiaddr"
	"golang.org/x/time/rate"

	"github.com/adzialocha/meshpit/core/topic"
	"github.com/adzialocha/meshpit/crypto"
	"github.com/adzialocha/meshpit/network/logsync"
)

var log = logging.Logger("meshpit/p2p")

// ErrInvalidBootstrapPeer is returned by NewManager for unparsable bootstrap
// addresses.
var ErrInvalidBootstrapPeer = errors.New("invalid bootstrap peer address")

// Config represents P2P configuration
type Config struct {
	// NetworkID namespaces gossip topics, the mDNS service and the DHT
	// rendezvous.
	NetworkID      string
	ListenHost     string
	ListenPort     int
	BootstrapPeers []string
	EnableMDNS     bool
	EnableDHT      bool

	QueueSize      int
	SyncTimeout    time.Duration
	BroadcastRate  float64
	BroadcastBurst int

	// ResyncInterval is the minimum time between two sync sessions with
	// the same peer requested through Subscription.Resync.
	ResyncInterval time.Duration

	// SyncInterval starts a sync session with every topic peer periodically.
	// Zero disables it.
	SyncInterval time.Duration
}

// DefaultConfig returns the settings used when nothing else is configured.
func DefaultConfig() *Config {
	return &Config{
		NetworkID:      "meshpit",
		ListenHost:     "0.0.0.0",
		ListenPort:     0,
		EnableMDNS:     true,
		QueueSize:      128,
		SyncTimeout:    30 * time.Second,
		ResyncInterval: 2 * time.Second,
		SyncInterval:   time.Minute,
		BroadcastRate:  100,
		BroadcastBurst: 200,
	}
}

// Manager manages the libp2p host and related services
type Manager struct {
	host   host.Host
	ctx    context.Context
	cancel context.CancelFunc
	pubsub *pubsub.PubSub
	dht    *dht.IpfsDHT
	mdns   mdns.Service

	cfg            *Config
	bootstrapPeers []peer.AddrInfo
	rateLimiter    *rate.Limiter
	sync           *logsync.Protocol

	subs   map[topic.Topic]*Subscription
	subsMu sync.Mutex

	closeOnce sync.Once
}

// NewManager creates the libp2p host with an identity derived from key. A nil
// syncProto disables log sync in both directions.
func NewManager(ctx context.Context, cfg *Config, key *crypto.PrivateKey, syncProto *logsync.Protocol) (*Manager, error) {
	bootstrapPeers, err := parseBootstrapPeers(cfg.BootstrapPeers)
	if err != nil {
		return nil, err
	}

	identity, err := libp2pcrypto.UnmarshalEd25519PrivateKey(key.Bytes())
	if err != nil {
		return nil, fmt.Errorf("failed to derive libp2p identity: %w", err)
	}

	opts := []libp2p.Option{
		libp2p.Identity(identity),
		libp2p.ListenAddrStrings(
			fmt.Sprintf("/ip4/%s/tcp/%d", cfg.ListenHost, cfg.ListenPort),
			fmt.Sprintf("/ip4/%s/udp/%d/quic-v1", cfg.ListenHost, cfg.ListenPort),
		),
		libp2p.NATPortMap(),
		libp2p.EnableRelay(),
		libp2p.EnableHolePunching(),
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		cancel()
		return nil, fmt.Errorf("failed to create pubsub: %w", err)
	}

	m := &Manager{
		host:           h,
		ctx:            ctx,
		cancel:         cancel,
		pubsub:         ps,
		cfg:            cfg,
		bootstrapPeers: bootstrapPeers,
		rateLimiter:    rate.NewLimiter(rate.Limit(cfg.BroadcastRate), cfg.BroadcastBurst),
		sync:           syncProto,
		subs:           make(map[topic.Topic]*Subscription),
	}

	if cfg.EnableDHT {
		kademliaDHT, err := dht.New(ctx, h, dht.Mode(dht.ModeServer), dht.BootstrapPeers(bootstrapPeers...))
		if err != nil {
			h.Close()
			cancel()
			return nil, fmt.Errorf("failed to create DHT: %w", err)
		}
		if err := kademliaDHT.Bootstrap(ctx); err != nil {
			kademliaDHT.Close()
			h.Close()
			cancel()
			return nil, fmt.Errorf("failed to bootstrap DHT: %w", err)
		}
		m.dht = kademliaDHT
	}

	log.Infow("libp2p host created", "peer", h.ID().String(), "addrs", h.Addrs())
	return m, nil
}

// Start registers protocol handlers and starts peer discovery.
func (m *Manager) Start() error {
	if m.sync != nil {
		m.setupSyncProtocolHandler()
	}

	go m.connectToBootstrapPeers()

	if m.cfg.EnableMDNS {
		if err := m.startMDNSDiscovery(); err != nil {
			return err
		}
	}
	if m.dht != nil {
		m.startDHTDiscovery()
	}
	return nil
}

// Close closes all subscriptions and shuts down the host.
func (m *Manager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		m.subsMu.Lock()
		subs := make([]*Subscription, 0, len(m.subs))
		for _, s := range m.subs {
			subs = append(subs, s)
		}
		m.subsMu.Unlock()
		for _, s := range subs {
			s.Close()
		}

		m.cancel()

		if m.mdns != nil {
			if cerr := m.mdns.Close(); cerr != nil {
				log.Warnw("error closing mDNS", "err", cerr)
			}
		}
		if m.dht != nil {
			if cerr := m.dht.Close(); cerr != nil {
				log.Warnw("error closing DHT", "err", cerr)
			}
		}
		if cerr := m.host.Close(); cerr != nil {
			err = fmt.Errorf("error closing libp2p host: %w", cerr)
		}
	})
	return err
}

// ID returns the host's peer ID
func (m *Manager) ID() peer.ID {
	return m.host.ID()
}

// Addrs returns the addresses the host is listening on
func (m *Manager) Addrs() []multiaddr.Multiaddr {
	return m.host.Addrs()
}

// FullAddrs returns the listen addresses with the peer id appended, in the
// form accepted as bootstrap peers.
func (m *Manager) FullAddrs() []string {
	info := peer.AddrInfo{ID: m.host.ID(), Addrs: m.host.Addrs()}
	addrs, err := peer.AddrInfoToP2pAddrs(&info)
	if err != nil {
		return nil
	}
	result := make([]string, len(addrs))
	for i, addr := range addrs {
		result[i] = addr.String()
	}
	return result
}

// Peers returns the connected peers.
func (m *Manager) Peers() []peer.ID {
	return m.host.Network().Peers()
}

// TopicPeers returns the peers subscribed to t.
func (m *Manager) TopicPeers(t topic.Topic) []peer.ID {
	return m.pubsub.ListPeers(m.topicName(t))
}

// Connect dials a peer directly.
func (m *Manager) Connect(ctx context.Context, pi peer.AddrInfo) error {
	return m.host.Connect(ctx, pi)
}

func (m *Manager) topicName(t topic.Topic) string {
	return m.cfg.NetworkID + "/" + t.String()
}

func parseBootstrapPeers(addrs []string) ([]peer.AddrInfo, error) {
	var result []peer.AddrInfo
	for _, addr := range addrs {
		maddr, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			return nil, fmt.Errorf("%w %q: %v", ErrInvalidBootstrapPeer, addr, err)
		}
		pi, err := peer.AddrInfoFromP2pAddr(maddr)
		if err != nil {
			return nil, fmt.Errorf("%w %q: %v", ErrInvalidBootstrapPeer, addr, err)
		}
		result = append(result, *pi)
	}
	return result, nil
}

// connectToBootstrapPeers connects to bootstrap peers with retry logic
func (m *Manager) connectToBootstrapPeers() {
	var wg sync.WaitGroup
	for _, pi := range m.bootstrapPeers {
		if pi.ID == m.host.ID() {
			continue
		}
		wg.Add(1)
		go func(pi peer.AddrInfo) {
			defer wg.Done()
			m.connectWithRetry(pi, 3)
		}(pi)
	}
	wg.Wait()
}

// connectWithRetry attempts to connect to a peer with retry logic
func (m *Manager) connectWithRetry(pi peer.AddrInfo, maxRetries int) {
	for attempt := 1; attempt <= maxRetries; attempt++ {
		connectCtx, connectCancel := context.WithTimeout(m.ctx, 10*time.Second)
		err := m.host.Connect(connectCtx, pi)
		connectCancel()

		if err == nil {
			log.Infow("connected to bootstrap peer", "peer", pi.ID.String(), "attempt", attempt)
			return
		}
		if m.ctx.Err() != nil {
			return
		}

		log.Warnw("failed to connect to bootstrap peer",
			"peer", pi.ID.String(), "attempt", attempt, "max", maxRetries, "err", err)

		if attempt < maxRetries {
			// Exponential backoff
			backoff := time.Duration(attempt*attempt) * time.Second
			select {
			case <-time.After(backoff):
			case <-m.ctx.Done():
				return
			}
		}
	}
}

func (m *Manager) isConnected(p peer.ID) bool {
	return m.host.Network().Connectedness(p) == network.Connected
}
