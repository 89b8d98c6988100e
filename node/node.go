// Package node wires the store, the author index, the libp2p manager, the
// bridge and the status API into one running process.
package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/adzialocha/meshpit/api"
	"github.com/adzialocha/meshpit/bridge"
	"github.com/adzialocha/meshpit/config"
	"github.com/adzialocha/meshpit/core/authors"
	"github.com/adzialocha/meshpit/core/operation"
	"github.com/adzialocha/meshpit/core/topic"
	"github.com/adzialocha/meshpit/crypto"
	"github.com/adzialocha/meshpit/metrics"
	"github.com/adzialocha/meshpit/network/logsync"
	"github.com/adzialocha/meshpit/network/p2p"
	"github.com/adzialocha/meshpit/storage"
)

var log = logging.Logger("meshpit/node")

// Node is a running meshpit instance for a single topic.
type Node struct {
	config *config.Config
	key    *crypto.PrivateKey
	topic  topic.Topic

	conn   *net.UDPConn
	client *net.UDPAddr

	store   *storage.OperationStore
	authors *authors.Index
	manager *p2p.Manager
	sub     *p2p.Subscription
	bridge  *bridge.Bridge
	metrics *metrics.Metrics
	api     *api.Server

	cancel       context.CancelFunc
	shutdownOnce sync.Once
	shutdownErr  error
}

// New starts a node. A nil key generates an ephemeral one.
func New(ctx context.Context, cfg *config.Config, key *crypto.PrivateKey) (*Node, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if key == nil {
		var err error
		if key, err = crypto.NewPrivateKey(); err != nil {
			return nil, fmt.Errorf("failed to generate key: %w", err)
		}
	}

	n := &Node{
		config:  cfg,
		key:     key,
		topic:   topic.New(cfg.Topic),
		authors: authors.NewIndex(),
		metrics: metrics.New("meshpit"),
	}

	serverAddr, err := net.ResolveUDPAddr("udp", cfg.UDPServerAddr())
	if err != nil {
		return nil, fmt.Errorf("invalid UDP server address: %w", err)
	}
	n.client, err = net.ResolveUDPAddr("udp", cfg.UDPClientAddr())
	if err != nil {
		return nil, fmt.Errorf("invalid UDP client address: %w", err)
	}
	n.conn, err = net.ListenUDP("udp", serverAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to bind UDP socket %s: %w", serverAddr, err)
	}

	if err := n.start(ctx); err != nil {
		n.teardown()
		return nil, err
	}
	return n, nil
}

func (n *Node) start(ctx context.Context) error {
	var err error
	n.store, err = storage.NewOperationStore()
	if err != nil {
		return fmt.Errorf("failed to open operation store: %w", err)
	}

	var syncProto *logsync.Protocol
	if n.config.Sync.Enabled {
		syncProto = logsync.New(n.authors, n.store)
	}

	n.manager, err = p2p.NewManager(ctx, n.p2pConfig(), n.key, syncProto)
	if err != nil {
		return err
	}
	if err := n.manager.Start(); err != nil {
		return fmt.Errorf("failed to start p2p manager: %w", err)
	}

	n.sub, err = n.manager.Subscribe(ctx, n.topic)
	if err != nil {
		return err
	}

	bridgeCtx, cancel := context.WithCancel(ctx)
	n.cancel = cancel
	n.bridge = bridge.New(
		bridge.Config{Topic: n.topic, QueueSize: n.config.UDP.QueueSize},
		n.conn,
		n.client,
		n.store,
		n.authors,
		operation.NewCreator(n.store, n.key),
		n.sub,
		n.metrics,
	)
	n.bridge.Start(bridgeCtx)

	if n.config.API.Addr != "" {
		n.api = api.NewServer(n, n.metrics.Handler(), n.config.API.EnableCORS)
		if err := n.api.Start(n.config.API.Addr); err != nil {
			return fmt.Errorf("failed to start API server: %w", err)
		}
	}

	log.Infow("node started",
		"topic", n.config.Topic,
		"peer", n.manager.ID().String(),
		"public_key", n.key.PublicKey().String(),
		"udp_server", n.conn.LocalAddr().String(),
		"udp_client", n.client.String(),
		"sync", syncProto != nil)
	return nil
}

func (n *Node) p2pConfig() *p2p.Config {
	cfg := p2p.DefaultConfig()
	cfg.NetworkID = n.config.NetworkID
	cfg.ListenHost = n.config.Network.ListenHost
	cfg.ListenPort = n.config.Network.ListenPort
	cfg.BootstrapPeers = n.config.Network.BootstrapPeers
	cfg.EnableMDNS = n.config.Network.EnableMDNS
	cfg.EnableDHT = n.config.Network.EnableDHT
	cfg.BroadcastRate = n.config.Network.BroadcastRate
	cfg.BroadcastBurst = n.config.Network.BroadcastBurst
	cfg.QueueSize = n.config.UDP.QueueSize
	cfg.SyncTimeout = n.config.Sync.Timeout
	cfg.ResyncInterval = n.config.Sync.ResyncInterval
	cfg.SyncInterval = n.config.Sync.Interval
	return cfg
}

// Shutdown stops the node. Only the first call has an effect; later calls
// return its result.
func (n *Node) Shutdown(ctx context.Context) error {
	n.shutdownOnce.Do(func() {
		log.Info("shutting down")
		n.shutdownErr = n.teardown()
		if n.api != nil {
			n.shutdownErr = errors.Join(n.shutdownErr, n.api.Shutdown(ctx))
		}
	})
	return n.shutdownErr
}

// teardown releases everything start acquired, in reverse order. It copes
// with a partially started node.
func (n *Node) teardown() error {
	var errs []error

	if n.cancel != nil {
		n.cancel()
	}
	if n.conn != nil {
		if err := n.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	if n.bridge != nil {
		n.bridge.Wait()
	}
	if n.sub != nil {
		n.sub.Close()
	}
	if n.manager != nil {
		if err := n.manager.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if n.store != nil {
		if err := n.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// UDPServerAddr returns the bound local socket address.
func (n *Node) UDPServerAddr() *net.UDPAddr {
	return n.conn.LocalAddr().(*net.UDPAddr)
}

// UDPClientAddr returns the address mesh payloads are forwarded to.
func (n *Node) UDPClientAddr() *net.UDPAddr {
	return n.client
}

func (n *Node) PeerID() peer.ID {
	return n.manager.ID()
}

func (n *Node) PublicKey() crypto.PublicKey {
	return n.key.PublicKey()
}

// Addrs returns the full p2p multiaddrs of the host, usable as bootstrap
// peers by other nodes.
func (n *Node) Addrs() []string {
	return n.manager.FullAddrs()
}

func (n *Node) Topic() topic.Topic {
	return n.topic
}

// Ready is closed once the first peer joined the topic.
func (n *Node) Ready() <-chan struct{} {
	return n.sub.Ready()
}

func (n *Node) Store() *storage.OperationStore {
	return n.store
}

func (n *Node) Authors() *authors.Index {
	return n.authors
}

func (n *Node) Metrics() *metrics.Metrics {
	return n.metrics
}

// APIAddr returns the status API address, or nil when it is disabled.
func (n *Node) APIAddr() net.Addr {
	if n.api == nil {
		return nil
	}
	return n.api.Addr()
}

// Stats returns the bridge counters.
func (n *Node) Stats() bridge.Stats {
	return n.bridge.Stats()
}
