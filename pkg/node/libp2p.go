package node

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/libp2p/go-libp2p"
	libp2ppubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"
	noise "github.com/libp2p/go-libp2p/p2p/security/noise"
	"github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/DeBrosOfficial/muxnet/pkg/identity"
	"github.com/DeBrosOfficial/muxnet/pkg/logging"
	"github.com/DeBrosOfficial/muxnet/pkg/pubsub"
)

// startLibP2P initializes the libp2p host, the gossipsub router, and
// the muxer on top of them.
func (n *Node) startLibP2P(ctx context.Context) error {
	n.logger.ComponentInfo(logging.ComponentLibP2P, "Starting LibP2P host")

	identityFile := filepath.Join(expandPath(n.config.Node.DataDir), "identity.key")
	info, err := identity.LoadOrCreate(identityFile)
	if err != nil {
		return fmt.Errorf("failed to load identity: %w", err)
	}

	listenAddrs := make([]multiaddr.Multiaddr, 0, len(n.config.Node.ListenAddresses))
	for _, addr := range n.config.Node.ListenAddresses {
		ma, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			return fmt.Errorf("invalid listen address %s: %w", addr, err)
		}
		listenAddrs = append(listenAddrs, ma)
	}

	h, err := libp2p.New(
		libp2p.Identity(info.PrivateKey),
		libp2p.Security(noise.ID, noise.New),
		libp2p.DefaultMuxers,
		libp2p.ListenAddrs(listenAddrs...),
	)
	if err != nil {
		return err
	}
	n.host = h

	ps, err := libp2ppubsub.NewGossipSub(ctx, h,
		libp2ppubsub.WithPeerExchange(true),
		libp2ppubsub.WithFloodPublish(true),
	)
	if err != nil {
		return fmt.Errorf("failed to create gossipsub: %w", err)
	}

	engine, err := pubsub.NewGossipEngine(ctx, h, ps)
	if err != nil {
		return fmt.Errorf("failed to create gossip engine: %w", err)
	}
	n.engine = engine
	n.muxer = pubsub.NewMuxer(ctx, engine, n.logger)
	go n.watchOverlayEvents()

	// Seed the peerstore and keep trying to reach the bootstrap peers.
	for _, peerAddr := range n.config.Discovery.BootstrapPeers {
		if ma, err := multiaddr.NewMultiaddr(peerAddr); err == nil {
			if peerInfo, err := peer.AddrInfoFromP2pAddr(ma); err == nil {
				n.host.Peerstore().AddAddrs(peerInfo.ID, peerInfo.Addrs, 24*time.Hour)
			}
		}
	}
	if len(n.config.Discovery.BootstrapPeers) > 0 {
		reconnectCtx, cancel := context.WithCancel(ctx)
		n.reconnectCancel = cancel
		go n.peerReconnectionLoop(reconnectCtx)
	}

	n.logger.ComponentInfo(logging.ComponentLibP2P, "LibP2P host started",
		zap.Strings("listen", n.config.Node.ListenAddresses))
	return nil
}

// peerReconnectionLoop retries bootstrap connections with jittered
// exponential backoff until a bootstrap peer is reachable, then checks
// periodically that the connection is still up.
func (n *Node) peerReconnectionLoop(ctx context.Context) {
	base := n.config.Discovery.ReconnectInterval
	if base <= 0 {
		base = 5 * time.Second
	}
	interval := base

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if n.hasBootstrapConnection() {
			interval = base
			select {
			case <-ctx.Done():
				return
			case <-time.After(30 * time.Second):
			}
			continue
		}

		if err := n.connectToPeers(ctx); err != nil || !n.hasBootstrapConnection() {
			select {
			case <-ctx.Done():
				return
			case <-time.After(addJitter(interval)):
			}
			interval = calculateNextBackoff(interval)
		}
	}
}

func (n *Node) connectToPeers(ctx context.Context) error {
	var lastErr error
	for _, peerAddr := range n.config.Discovery.BootstrapPeers {
		if err := n.connectToPeerAddr(ctx, peerAddr); err != nil {
			lastErr = err
			continue
		}
	}
	return lastErr
}

func (n *Node) connectToPeerAddr(ctx context.Context, addr string) error {
	ma, err := multiaddr.NewMultiaddr(addr)
	if err != nil {
		return err
	}
	peerInfo, err := peer.AddrInfoFromP2pAddr(ma)
	if err != nil {
		return err
	}
	if peerInfo.ID == n.host.ID() {
		return nil
	}
	return n.host.Connect(ctx, *peerInfo)
}

func (n *Node) hasBootstrapConnection() bool {
	connected := n.host.Network().Peers()
	if len(connected) == 0 {
		return false
	}
	bootstrapIDs := make(map[peer.ID]bool)
	for _, addr := range n.config.Discovery.BootstrapPeers {
		if ma, err := multiaddr.NewMultiaddr(addr); err == nil {
			if info, err := peer.AddrInfoFromP2pAddr(ma); err == nil {
				bootstrapIDs[info.ID] = true
			}
		}
	}
	for _, p := range connected {
		if bootstrapIDs[p] {
			return true
		}
	}
	return false
}
