package node

import (
	"context"
	"fmt"
	"os"

	"github.com/libp2p/go-libp2p/core/host"
	"go.uber.org/zap"

	"github.com/DeBrosOfficial/muxnet/pkg/config"
	"github.com/DeBrosOfficial/muxnet/pkg/logging"
	"github.com/DeBrosOfficial/muxnet/pkg/pubsub"
)

// Node wires a libp2p host, the gossip engine, and the pubsub muxer
// into one process-local unit.
type Node struct {
	config *config.Config
	logger *logging.ColoredLogger
	host   host.Host
	engine *pubsub.GossipEngine
	muxer  *pubsub.Muxer

	reconnectCancel context.CancelFunc
}

// NewNode creates a new muxnet node
func NewNode(cfg *config.Config, logger *logging.ColoredLogger) (*Node, error) {
	if logger == nil {
		var err error
		logger, err = logging.NewDefaultLogger(logging.ComponentNode)
		if err != nil {
			return nil, fmt.Errorf("failed to create logger: %w", err)
		}
	}
	return &Node{config: cfg, logger: logger}, nil
}

// Start starts the node: libp2p host, gossip engine, muxer, and the
// bootstrap reconnection loop.
func (n *Node) Start(ctx context.Context) error {
	n.logger.ComponentInfo(logging.ComponentNode, "Starting muxnet node",
		zap.String("data_dir", n.config.Node.DataDir))

	dataDir := expandPath(n.config.Node.DataDir)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	if err := n.startLibP2P(ctx); err != nil {
		return fmt.Errorf("failed to start libp2p: %w", err)
	}

	n.logger.ComponentInfo(logging.ComponentNode, "Node started",
		zap.String("peer_id", n.host.ID().String()))
	return nil
}

// Stop shuts the node down in reverse start order.
func (n *Node) Stop() error {
	if n.reconnectCancel != nil {
		n.reconnectCancel()
	}
	if n.muxer != nil {
		n.muxer.Close()
	}
	if n.engine != nil {
		if err := n.engine.Close(); err != nil {
			n.logger.ComponentWarn(logging.ComponentNode, "engine close failed", zap.Error(err))
		}
	}
	if n.host != nil {
		if err := n.host.Close(); err != nil {
			return fmt.Errorf("failed to close host: %w", err)
		}
	}
	n.logger.ComponentInfo(logging.ComponentNode, "Node stopped")
	return nil
}

// PubSub returns the node's subscription muxer.
func (n *Node) PubSub() *pubsub.Muxer {
	return n.muxer
}

// Host returns the underlying libp2p host.
func (n *Node) Host() host.Host {
	return n.host
}

// PeerID returns this node's peer ID, or "" before Start.
func (n *Node) PeerID() string {
	if n.host == nil {
		return ""
	}
	return n.host.ID().String()
}
