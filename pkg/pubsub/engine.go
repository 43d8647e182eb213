package pubsub

import (
	"context"

	"github.com/libp2p/go-libp2p/core/peer"
)

// MessageID is a local receipt identifier for a published message.
type MessageID string

// Message is an application message delivered by the engine for a
// subscribed topic.
type Message struct {
	Topic Topic
	From  peer.ID
	Seqno []byte
	Data  []byte
}

// Event is produced by an Engine. The muxer buffers MessageEvents into
// the per-topic backlog and passes every other variant through to the
// caller unchanged, including variants it does not recognize.
type Event interface {
	engineEvent()
}

// MessageEvent carries an inbound application message.
type MessageEvent struct {
	Message *Message
}

// PeerSubscribed reports that a remote peer subscribed to a topic.
type PeerSubscribed struct {
	Peer  peer.ID
	Topic Topic
}

// PeerUnsubscribed reports that a remote peer unsubscribed from a topic.
type PeerUnsubscribed struct {
	Peer  peer.ID
	Topic Topic
}

// ConnectionEvent reports a transport-level connection change. The muxer
// treats it as an opaque pass-through action.
type ConnectionEvent struct {
	Peer      peer.ID
	Connected bool
}

func (*MessageEvent) engineEvent()     {}
func (*PeerSubscribed) engineEvent()   {}
func (*PeerUnsubscribed) engineEvent() {}
func (*ConnectionEvent) engineEvent()  {}

// Engine is the opaque protocol engine the muxer multiplexes over. An
// implementation owns overlay membership and message propagation; the
// muxer only drives its subscribe/unsubscribe/publish primitives and
// consumes its event stream.
//
// Subscribe reports true when the engine newly joined the topic, false
// when it was already joined. Unsubscribe reports true when an existing
// membership was dropped. Events is closed when the engine shuts down.
type Engine interface {
	Subscribe(t Topic) (bool, error)
	Unsubscribe(t Topic) (bool, error)
	Publish(ctx context.Context, t Topic, data []byte) (MessageID, error)
	Peers() []peer.ID
	TopicPeers(t Topic) []peer.ID
	Events() <-chan Event
	Close() error
}
