package pubsub

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	libp2ppubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/event"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
)

// engineBuffer sizes the shared event channel the reader goroutines
// funnel into.
const engineBuffer = 64

// GossipEngine implements Engine over go-libp2p-pubsub's GossipSub
// router. Topics are joined under their derived hash; per topic one
// reader goroutine funnels messages and one funnels remote subscription
// changes into the shared event stream. Host connectedness changes are
// forwarded as opaque connection events.
type GossipEngine struct {
	host   host.Host
	ps     *libp2ppubsub.PubSub
	events chan Event

	mu     sync.Mutex
	joined map[string]*joinedTopic
	// Topic handles kept for publish-only use; GossipSub requires a
	// join before publishing.
	handles map[string]*libp2ppubsub.Topic

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type joinedTopic struct {
	sub    *libp2ppubsub.Subscription
	evh    *libp2ppubsub.TopicEventHandler
	cancel context.CancelFunc
}

// NewGossipEngine wraps an existing GossipSub instance. The returned
// engine watches the host's event bus for connectedness changes until
// Close (or ctx) stops it.
func NewGossipEngine(ctx context.Context, h host.Host, ps *libp2ppubsub.PubSub) (*GossipEngine, error) {
	ctx, cancel := context.WithCancel(ctx)
	e := &GossipEngine{
		host:    h,
		ps:      ps,
		events:  make(chan Event, engineBuffer),
		joined:  make(map[string]*joinedTopic),
		handles: make(map[string]*libp2ppubsub.Topic),
		ctx:     ctx,
		cancel:  cancel,
	}
	bus, err := h.EventBus().Subscribe(new(event.EvtPeerConnectednessChanged))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to subscribe to host event bus: %w", err)
	}
	e.wg.Add(1)
	go e.watchConnectedness(bus)
	return e, nil
}

// Subscribe joins the topic and starts delivering its messages through
// Events. Reports false when the engine is already subscribed.
func (e *GossipEngine) Subscribe(t Topic) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.joined[t.Hash()]; ok {
		return false, nil
	}
	handle, err := e.handleLocked(t)
	if err != nil {
		return false, err
	}
	sub, err := handle.Subscribe()
	if err != nil {
		return false, fmt.Errorf("failed to subscribe to topic %q: %w", t.Name(), err)
	}
	evh, err := handle.EventHandler()
	if err != nil {
		sub.Cancel()
		return false, fmt.Errorf("failed to open topic event handler for %q: %w", t.Name(), err)
	}

	ctx, cancel := context.WithCancel(e.ctx)
	e.joined[t.Hash()] = &joinedTopic{sub: sub, evh: evh, cancel: cancel}
	e.wg.Add(2)
	go e.readMessages(ctx, t, sub)
	go e.readPeerEvents(ctx, t, evh)
	return true, nil
}

// Unsubscribe leaves the topic. Reports false when the engine was not
// subscribed.
func (e *GossipEngine) Unsubscribe(t Topic) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	jt, ok := e.joined[t.Hash()]
	if !ok {
		return false, nil
	}
	jt.cancel()
	jt.evh.Cancel()
	jt.sub.Cancel()
	delete(e.joined, t.Hash())

	// Release the topic handle unless something still holds it open.
	if handle, ok := e.handles[t.Hash()]; ok {
		if err := handle.Close(); err == nil {
			delete(e.handles, t.Hash())
		}
	}
	return true, nil
}

// Publish sends data to the topic and returns a local receipt id. The
// routed gossip message id is not available at publish time.
func (e *GossipEngine) Publish(ctx context.Context, t Topic, data []byte) (MessageID, error) {
	e.mu.Lock()
	handle, err := e.handleLocked(t)
	subscribed := false
	if _, ok := e.joined[t.Hash()]; ok {
		subscribed = true
	}
	e.mu.Unlock()
	if err != nil {
		return "", err
	}

	// Without a single peer in the topic and no local subscription the
	// message would be visible to nobody.
	if !subscribed && len(handle.ListPeers()) == 0 {
		return "", fmt.Errorf("%w: %s", ErrInsufficientPeers, t.Name())
	}
	if err := handle.Publish(ctx, data); err != nil {
		return "", fmt.Errorf("failed to publish to topic %q: %w", t.Name(), err)
	}
	return MessageID(uuid.NewString()), nil
}

// Peers returns the peers the host is currently connected to.
func (e *GossipEngine) Peers() []peer.ID {
	return e.host.Network().Peers()
}

// TopicPeers returns the peers known to subscribe to the topic.
func (e *GossipEngine) TopicPeers(t Topic) []peer.ID {
	return e.ps.ListPeers(t.Hash())
}

// Events returns the engine's event stream. It is closed by Close.
func (e *GossipEngine) Events() <-chan Event {
	return e.events
}

// Close cancels all topic readers and closes the event stream.
func (e *GossipEngine) Close() error {
	e.cancel()
	e.mu.Lock()
	for hash, jt := range e.joined {
		jt.cancel()
		jt.evh.Cancel()
		jt.sub.Cancel()
		delete(e.joined, hash)
	}
	for hash, handle := range e.handles {
		_ = handle.Close()
		delete(e.handles, hash)
	}
	e.mu.Unlock()
	e.wg.Wait()
	close(e.events)
	return nil
}

// handleLocked returns the join handle for a topic, joining on first
// use. Caller holds e.mu.
func (e *GossipEngine) handleLocked(t Topic) (*libp2ppubsub.Topic, error) {
	if handle, ok := e.handles[t.Hash()]; ok {
		return handle, nil
	}
	handle, err := e.ps.Join(t.Hash())
	if err != nil {
		return nil, fmt.Errorf("failed to join topic %q: %w", t.Name(), err)
	}
	e.handles[t.Hash()] = handle
	return handle, nil
}

func (e *GossipEngine) readMessages(ctx context.Context, t Topic, sub *libp2ppubsub.Subscription) {
	defer e.wg.Done()
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			return
		}
		e.emit(ctx, &MessageEvent{Message: &Message{
			Topic: t,
			From:  msg.ReceivedFrom,
			Seqno: msg.GetSeqno(),
			Data:  msg.Data,
		}})
	}
}

func (e *GossipEngine) readPeerEvents(ctx context.Context, t Topic, evh *libp2ppubsub.TopicEventHandler) {
	defer e.wg.Done()
	for {
		pe, err := evh.NextPeerEvent(ctx)
		if err != nil {
			return
		}
		switch pe.Type {
		case libp2ppubsub.PeerJoin:
			e.emit(ctx, &PeerSubscribed{Peer: pe.Peer, Topic: t})
		case libp2ppubsub.PeerLeave:
			e.emit(ctx, &PeerUnsubscribed{Peer: pe.Peer, Topic: t})
		}
	}
}

func (e *GossipEngine) watchConnectedness(bus event.Subscription) {
	defer e.wg.Done()
	defer bus.Close()
	for {
		select {
		case <-e.ctx.Done():
			return
		case ev, ok := <-bus.Out():
			if !ok {
				return
			}
			c := ev.(event.EvtPeerConnectednessChanged)
			e.emit(e.ctx, &ConnectionEvent{
				Peer:      c.Peer,
				Connected: c.Connectedness == network.Connected,
			})
		}
	}
}

func (e *GossipEngine) emit(ctx context.Context, ev Event) {
	select {
	case e.events <- ev:
	case <-ctx.Done():
	}
}
