package pubsub

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/DeBrosOfficial/muxnet/pkg/logging"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"
)

// outboundBuffer bounds the pass-through event channel handed to the
// caller. Pass-through events beyond it apply backpressure on the loop.
const outboundBuffer = 32

// Muxer multiplexes many local consumers over a single engine
// subscription per topic. The engine sees exactly one subscribe when the
// first local consumer appears and exactly one unsubscribe after the
// last one is gone, however many consumers existed in between.
//
// A single loop goroutine owns the registry and the per-topic backlog;
// public operations hand off to it through control channels. Inbound
// messages are buffered per topic and drained one message per topic per
// pass, fanned out to every consumer whose channel is ready. A consumer
// whose channel is full misses that pass's message permanently; a full
// consumer never blocks the muxer or its siblings.
type Muxer struct {
	engine Engine
	logger *logging.ColoredLogger

	topics  map[string]*topicState   // registry, keyed by topic hash
	backlog map[string]*topicBacklog // keyed by topic hash

	drops *dropQueue
	wake  chan struct{}

	subCh    chan *subRequest
	unsubCh  chan *unsubRequest
	topicsCh chan chan []string

	out    chan Event
	cancel context.CancelFunc
	closed chan struct{}
}

// topicState is one registry entry: the ordered producer list (insertion
// order = subscription order) plus the shared live-subscriber count.
// The count is the only state handles touch from outside the loop; it is
// read against the producer list without coordination, which at worst
// delays teardown by a pass, the loop re-validates list emptiness itself.
type topicState struct {
	topic     Topic
	producers []*producer
	count     *atomic.Int64
}

type topicBacklog struct {
	topic Topic
	queue []*Message
}

type subRequest struct {
	topic Topic
	resp  chan subResponse
}

type subResponse struct {
	sub *Subscription
	err error
}

type unsubRequest struct {
	topic Topic
	resp  chan unsubResponse
}

type unsubResponse struct {
	dropped bool
	err     error
}

// NewMuxer creates a muxer over the given engine and starts its loop.
func NewMuxer(ctx context.Context, engine Engine, logger *logging.ColoredLogger) *Muxer {
	ctx, cancel := context.WithCancel(ctx)
	m := newMuxer(engine, logger)
	m.cancel = cancel
	go m.run(ctx)
	return m
}

// newMuxer builds the muxer without starting the loop. Tests drive the
// drain passes directly.
func newMuxer(engine Engine, logger *logging.ColoredLogger) *Muxer {
	return &Muxer{
		engine:   engine,
		logger:   logger,
		topics:   make(map[string]*topicState),
		backlog:  make(map[string]*topicBacklog),
		drops:    newDropQueue(),
		wake:     make(chan struct{}, 1),
		subCh:    make(chan *subRequest),
		unsubCh:  make(chan *unsubRequest),
		topicsCh: make(chan chan []string),
		out:      make(chan Event, outboundBuffer),
		closed:   make(chan struct{}),
	}
}

// Subscribe returns an independently paced message stream for the topic.
// The engine is only asked to join on the first local subscriber.
func (m *Muxer) Subscribe(name string) (*Subscription, error) {
	req := &subRequest{topic: NewTopic(name), resp: make(chan subResponse, 1)}
	select {
	case m.subCh <- req:
	case <-m.closed:
		return nil, ErrMuxerClosed
	}
	resp := <-req.resp
	return resp.sub, resp.err
}

// Unsubscribe tears down every local consumer of the topic immediately:
// all live subscriptions observe end-of-stream and the engine is asked
// to leave. It reports whether the engine dropped an existing
// membership, and fails with ErrNoSuchSubscription for untracked topics.
func (m *Muxer) Unsubscribe(name string) (bool, error) {
	req := &unsubRequest{topic: NewTopic(name), resp: make(chan unsubResponse, 1)}
	select {
	case m.unsubCh <- req:
	case <-m.closed:
		return false, ErrMuxerClosed
	}
	resp := <-req.resp
	return resp.dropped, resp.err
}

// Publish forwards to the engine's publish primitive. There is no local
// buffering: success or failure is reported at call time.
func (m *Muxer) Publish(ctx context.Context, name string, data []byte) (MessageID, error) {
	select {
	case <-m.closed:
		return "", ErrMuxerClosed
	default:
	}
	return m.engine.Publish(ctx, NewTopic(name), data)
}

// KnownPeers returns the peers the engine currently knows about.
func (m *Muxer) KnownPeers() []peer.ID {
	return m.engine.Peers()
}

// SubscribedPeers returns the peers known to subscribe to the topic.
func (m *Muxer) SubscribedPeers(name string) []peer.ID {
	return m.engine.TopicPeers(NewTopic(name))
}

// SubscribedTopics returns the names of the locally tracked topics. The
// result can briefly include topics whose last handle was dropped but
// not yet processed by the loop.
func (m *Muxer) SubscribedTopics() []string {
	resp := make(chan []string, 1)
	select {
	case m.topicsCh <- resp:
		return <-resp
	case <-m.closed:
		return nil
	}
}

// Events exposes the engine events the muxer passes through unchanged:
// remote subscription changes, connection actions, and any variant it
// does not recognize. The channel is closed when the muxer stops.
func (m *Muxer) Events() <-chan Event {
	return m.out
}

// Close stops the loop and closes every live subscription stream.
func (m *Muxer) Close() {
	m.cancel()
	<-m.closed
}

func (m *Muxer) run(ctx context.Context) {
	defer close(m.closed)
	defer close(m.out)
	for {
		m.drainDrops()
		m.drainBacklog()
		select {
		case <-ctx.Done():
			m.teardown()
			return
		case req := <-m.subCh:
			sub, err := m.subscribe(req.topic)
			req.resp <- subResponse{sub: sub, err: err}
		case req := <-m.unsubCh:
			dropped, err := m.unsubscribe(req.topic)
			req.resp <- unsubResponse{dropped: dropped, err: err}
		case resp := <-m.topicsCh:
			names := make([]string, 0, len(m.topics))
			for _, st := range m.topics {
				names = append(names, st.topic.Name())
			}
			resp <- names
		case <-m.wake:
			// A consumer drained its channel or closed; re-run the
			// drain passes.
		case ev, ok := <-m.engine.Events():
			if !ok {
				m.teardown()
				return
			}
			if me, isMsg := ev.(*MessageEvent); isMsg {
				m.enqueue(me.Message)
				continue
			}
			// Everything else passes through unchanged, including
			// variants added after this code was written.
			select {
			case m.out <- ev:
			case <-ctx.Done():
				m.teardown()
				return
			}
		}
	}
}

// subscribe services one Subscribe call on the loop goroutine.
func (m *Muxer) subscribe(t Topic) (*Subscription, error) {
	st, tracked := m.topics[t.Hash()]
	if !tracked {
		joined, err := m.engine.Subscribe(t)
		if err != nil {
			return nil, fmt.Errorf("engine subscribe %q: %w", t.Name(), err)
		}
		if !joined {
			// The registry said we were not subscribed yet; the engine
			// disagreeing means the two have diverged.
			return nil, fmt.Errorf("%w: %s", ErrAlreadySubscribed, t.Name())
		}
		count := &atomic.Int64{}
		count.Store(1)
		st = &topicState{topic: t, count: count}
		m.topics[t.Hash()] = st
		m.logger.ComponentInfo(logging.ComponentPubSub, "joined topic", zap.String("topic", t.Name()))
		return m.attach(st), nil
	}
	st.count.Add(1)
	return m.attach(st), nil
}

// attach wires a fresh capacity-one channel into the registry entry and
// hands its receive side to a new subscription.
func (m *Muxer) attach(st *topicState) *Subscription {
	ch := make(chan *Message, 1)
	done := make(chan struct{})
	st.producers = append(st.producers, &producer{ch: ch, done: done})
	return &Subscription{
		topic: st.topic,
		ch:    ch,
		done:  done,
		count: st.count,
		drops: m.drops,
		wake:  m.kick,
	}
}

// unsubscribe services one explicit Unsubscribe call on the loop
// goroutine. Unlike handle closure it tears down all local consumers of
// the topic at once.
func (m *Muxer) unsubscribe(t Topic) (bool, error) {
	st, tracked := m.topics[t.Hash()]
	if !tracked {
		return false, fmt.Errorf("%w: %s", ErrNoSuchSubscription, t.Name())
	}
	for _, p := range st.producers {
		close(p.ch)
	}
	delete(m.topics, t.Hash())
	delete(m.backlog, t.Hash())
	dropped, err := m.engine.Unsubscribe(t)
	if err != nil {
		return false, fmt.Errorf("engine unsubscribe %q: %w", t.Name(), err)
	}
	m.logger.ComponentInfo(logging.ComponentPubSub, "left topic", zap.String("topic", t.Name()))
	return dropped, nil
}

// drainDrops processes deferred unsubscriptions reported by closed
// handles. The engine refusing to leave here means the registry and the
// engine have diverged; continuing would keep them out of sync.
func (m *Muxer) drainDrops() {
	for _, t := range m.drops.drain() {
		st, tracked := m.topics[t.Hash()]
		if !tracked {
			// Already torn down by an explicit unsubscribe.
			continue
		}
		for _, p := range st.producers {
			close(p.ch)
		}
		delete(m.topics, t.Hash())
		delete(m.backlog, t.Hash())
		m.logger.ComponentInfo(logging.ComponentPubSub, "leaving topic after last handle dropped",
			zap.String("topic", t.Name()))
		if dropped, err := m.engine.Unsubscribe(t); err != nil || !dropped {
			panic(fmt.Sprintf("pubsub: engine rejected unsubscribe for dropped topic %s: dropped=%v err=%v",
				t.Name(), dropped, err))
		}
	}
}

// drainBacklog advances every topic's backlog by at most one message.
// For each topic the front message is popped once the first ready
// consumer is found and handed to every consumer that is ready during
// the same iteration; consumers that are not ready miss it and are not
// retried for it.
func (m *Muxer) drainBacklog() {
	for hash, bl := range m.backlog {
		if len(bl.queue) == 0 {
			delete(m.backlog, hash)
			continue
		}
		st, tracked := m.topics[hash]
		if !tracked {
			delete(m.backlog, hash)
			continue
		}

		live := st.producers[:0]
		for _, p := range st.producers {
			if p.dead() {
				close(p.ch)
				continue
			}
			live = append(live, p)
		}
		st.producers = live

		if len(st.producers) == 0 {
			// No local consumer left for a topic that still has
			// traffic; leave it now rather than waiting for the
			// drop notification.
			delete(m.topics, hash)
			delete(m.backlog, hash)
			m.logger.ComponentInfo(logging.ComponentPubSub, "leaving topic after consumers vanished",
				zap.String("topic", bl.topic.Name()))
			if dropped, err := m.engine.Unsubscribe(bl.topic); err != nil || !dropped {
				panic(fmt.Sprintf("pubsub: engine rejected unsubscribe for abandoned topic %s: dropped=%v err=%v",
					bl.topic.Name(), dropped, err))
			}
			continue
		}

		var current *Message
		for _, p := range st.producers {
			if current == nil {
				if p.trySend(bl.queue[0]) {
					current = bl.queue[0]
					bl.queue = bl.queue[1:]
				}
				continue
			}
			p.trySend(current)
		}
		if len(bl.queue) == 0 {
			delete(m.backlog, hash)
		}
	}
}

func (m *Muxer) enqueue(msg *Message) {
	hash := msg.Topic.Hash()
	bl, ok := m.backlog[hash]
	if !ok {
		bl = &topicBacklog{topic: msg.Topic}
		m.backlog[hash] = bl
	}
	bl.queue = append(bl.queue, msg)
}

// kick wakes the loop so freed consumer capacity gets a drain pass.
func (m *Muxer) kick() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// teardown closes every live stream on shutdown. The engine is left to
// its own Close; its subscriptions die with it.
func (m *Muxer) teardown() {
	for hash, st := range m.topics {
		for _, p := range st.producers {
			close(p.ch)
		}
		delete(m.topics, hash)
	}
	m.backlog = make(map[string]*topicBacklog)
}
