package p2p

import (
	"context"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	drouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	dutil "github.com/libp2p/go-libp2p/p2p/discovery/util"

	"github.com/adzialocha/meshpit/network/logsync"
)

// Discovery implementation

// HandlePeerFound handles newly discovered peers via mDNS
func (m *Manager) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == m.host.ID() || m.isConnected(pi.ID) {
		return
	}
	log.Debugw("discovered peer via mDNS", "peer", pi.ID.String())
	go m.connectDiscovered(pi, "mdns")
}

// startMDNSDiscovery starts local network peer discovery
func (m *Manager) startMDNSDiscovery() error {
	service := mdns.NewMdnsService(m.host, m.cfg.NetworkID, m)
	if err := service.Start(); err != nil {
		return fmt.Errorf("failed to start mDNS discovery: %w", err)
	}
	m.mdns = service
	log.Debugw("mDNS discovery started", "service", m.cfg.NetworkID)
	return nil
}

// startDHTDiscovery advertises the network id on the DHT and periodically
// looks up other peers doing the same.
func (m *Manager) startDHTDiscovery() {
	routingDiscovery := drouting.NewRoutingDiscovery(m.dht)
	dutil.Advertise(m.ctx, routingDiscovery, m.cfg.NetworkID)

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-m.ctx.Done():
				return
			case <-ticker.C:
				peerChan, err := routingDiscovery.FindPeers(m.ctx, m.cfg.NetworkID)
				if err != nil {
					log.Warnw("DHT peer discovery failed", "err", err)
					continue
				}
				for pi := range peerChan {
					if pi.ID == m.host.ID() || len(pi.Addrs) == 0 || m.isConnected(pi.ID) {
						continue
					}
					go m.connectDiscovered(pi, "dht")
				}
			}
		}
	}()
	log.Debug("DHT discovery started")
}

func (m *Manager) connectDiscovered(pi peer.AddrInfo, source string) {
	connectCtx, connectCancel := context.WithTimeout(m.ctx, 10*time.Second)
	defer connectCancel()
	if err := m.host.Connect(connectCtx, pi); err != nil {
		log.Debugw("failed to connect to discovered peer", "peer", pi.ID.String(), "source", source, "err", err)
		return
	}
	log.Infow("connected to discovered peer", "peer", pi.ID.String(), "source", source)
}

// Protocol Handlers

func (m *Manager) setupSyncProtocolHandler() {
	m.host.SetStreamHandler(protocol.ID(logsync.ProtocolID), m.handleSyncRequest)
}

// handleSyncRequest answers a log sync session opened by a remote peer.
func (m *Manager) handleSyncRequest(s network.Stream) {
	defer s.Close()

	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.SyncTimeout)
	defer cancel()
	if deadline, ok := ctx.Deadline(); ok {
		s.SetDeadline(deadline)
	}

	remote := s.Conn().RemotePeer()
	if err := m.sync.Serve(ctx, s); err != nil {
		log.Warnw("failed to serve sync session", "peer", remote.String(), "err", err)
		s.Reset()
		return
	}
	log.Debugw("served sync session", "peer", remote.String())
}
