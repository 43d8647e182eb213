package node

import (
	"go.uber.org/zap"

	"github.com/DeBrosOfficial/muxnet/pkg/logging"
	"github.com/DeBrosOfficial/muxnet/pkg/pubsub"
)

// watchOverlayEvents consumes the muxer's pass-through stream. It
// surfaces remote subscription and connection changes in the logs, and
// it is the stream's consumer: without it the muxer loop would back up
// once the outbound buffer fills. Returns when the muxer closes the
// stream.
func (n *Node) watchOverlayEvents() {
	for ev := range n.muxer.Events() {
		switch e := ev.(type) {
		case *pubsub.PeerSubscribed:
			n.logger.ComponentDebug(logging.ComponentPubSub, "peer subscribed to topic",
				zap.String("peer", e.Peer.String()), zap.String("topic", e.Topic.Name()))
		case *pubsub.PeerUnsubscribed:
			n.logger.ComponentDebug(logging.ComponentPubSub, "peer unsubscribed from topic",
				zap.String("peer", e.Peer.String()), zap.String("topic", e.Topic.Name()))
		case *pubsub.ConnectionEvent:
			if e.Connected {
				n.logger.ComponentDebug(logging.ComponentLibP2P, "peer connected",
					zap.String("peer", e.Peer.String()))
			} else {
				n.logger.ComponentDebug(logging.ComponentLibP2P, "peer disconnected",
					zap.String("peer", e.Peer.String()))
			}
		}
	}
}
