package pubsub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/DeBrosOfficial/muxnet/pkg/logging"
)

// fakeEngine is a scriptable Engine for driving the muxer in tests.
type fakeEngine struct {
	mu         sync.Mutex
	subscribed map[string]bool
	subCalls   []string
	unsubCalls []string
	subErr     error
	joined     *bool // overrides the Subscribe result when set
	pubErr     error
	events     chan Event
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		subscribed: make(map[string]bool),
		events:     make(chan Event, 16),
	}
}

func (e *fakeEngine) Subscribe(t Topic) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.subCalls = append(e.subCalls, t.Name())
	if e.subErr != nil {
		return false, e.subErr
	}
	if e.joined != nil {
		return *e.joined, nil
	}
	if e.subscribed[t.Hash()] {
		return false, nil
	}
	e.subscribed[t.Hash()] = true
	return true, nil
}

func (e *fakeEngine) Unsubscribe(t Topic) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.unsubCalls = append(e.unsubCalls, t.Name())
	if !e.subscribed[t.Hash()] {
		return false, nil
	}
	delete(e.subscribed, t.Hash())
	return true, nil
}

func (e *fakeEngine) Publish(ctx context.Context, t Topic, data []byte) (MessageID, error) {
	if e.pubErr != nil {
		return "", e.pubErr
	}
	return MessageID(fmt.Sprintf("msg-%s-%d", t.Name(), len(data))), nil
}

func (e *fakeEngine) Peers() []peer.ID             { return nil }
func (e *fakeEngine) TopicPeers(t Topic) []peer.ID { return nil }
func (e *fakeEngine) Events() <-chan Event         { return e.events }
func (e *fakeEngine) Close() error                 { close(e.events); return nil }

func (e *fakeEngine) subscribeCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subCalls)
}

func (e *fakeEngine) unsubscribeCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.unsubCalls)
}

func testLogger(t *testing.T) *logging.ColoredLogger {
	t.Helper()
	logger, err := logging.NewColoredLogger(logging.ComponentPubSub, false)
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return logger
}

// stoppedMuxer builds a muxer whose loop is not running, so tests can
// invoke the drain passes one at a time.
func stoppedMuxer(t *testing.T, engine Engine) *Muxer {
	t.Helper()
	return newMuxer(engine, testLogger(t))
}

func testMessage(t Topic, data string) *Message {
	return &Message{Topic: t, Data: []byte(data)}
}

// recvNow reads a message that must already be buffered.
func recvNow(t *testing.T, sub *Subscription) *Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	msg, err := sub.Next(ctx)
	if err != nil {
		t.Fatalf("expected buffered message, got error: %v", err)
	}
	return msg
}

func expectEmpty(t *testing.T, sub *Subscription) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if msg, err := sub.Next(ctx); err == nil {
		t.Fatalf("expected no message, got %q", msg.Data)
	}
}

func TestSubscribeEngineToldOnce(t *testing.T) {
	engine := newFakeEngine()
	m := stoppedMuxer(t, engine)
	chat := NewTopic("chat")

	s1, err := m.subscribe(chat)
	if err != nil {
		t.Fatalf("first subscribe failed: %v", err)
	}
	s2, err := m.subscribe(chat)
	if err != nil {
		t.Fatalf("second subscribe failed: %v", err)
	}

	if got := engine.subscribeCount(); got != 1 {
		t.Errorf("engine told to join %d times, want 1", got)
	}
	st := m.topics[chat.Hash()]
	if st == nil {
		t.Fatal("registry entry missing")
	}
	if got := st.count.Load(); got != 2 {
		t.Errorf("subscriber count = %d, want 2", got)
	}
	if len(st.producers) != 2 {
		t.Errorf("producer list length = %d, want 2", len(st.producers))
	}
	if s1.ch == s2.ch {
		t.Error("sibling subscriptions share a channel")
	}
}

func TestSubscribeEngineDivergence(t *testing.T) {
	engine := newFakeEngine()
	already := false
	engine.joined = &already
	m := stoppedMuxer(t, engine)

	if _, err := m.subscribe(NewTopic("chat")); !errors.Is(err, ErrAlreadySubscribed) {
		t.Fatalf("expected ErrAlreadySubscribed, got %v", err)
	}
	if len(m.topics) != 0 {
		t.Error("registry entry created despite divergence")
	}
}

func TestSubscribeEngineFailure(t *testing.T) {
	engine := newFakeEngine()
	engine.subErr = errors.New("transport down")
	m := stoppedMuxer(t, engine)

	_, err := m.subscribe(NewTopic("chat"))
	if err == nil {
		t.Fatal("expected engine error to propagate")
	}
	if !errors.Is(err, engine.subErr) {
		t.Errorf("engine error not wrapped: %v", err)
	}
	if len(m.topics) != 0 {
		t.Error("registry entry created despite engine failure")
	}
}

func TestExplicitUnsubscribeClosesAllStreams(t *testing.T) {
	engine := newFakeEngine()
	m := stoppedMuxer(t, engine)
	chat := NewTopic("chat")

	subs := make([]*Subscription, 3)
	for i := range subs {
		s, err := m.subscribe(chat)
		if err != nil {
			t.Fatalf("subscribe %d failed: %v", i, err)
		}
		subs[i] = s
	}

	dropped, err := m.unsubscribe(chat)
	if err != nil {
		t.Fatalf("unsubscribe failed: %v", err)
	}
	if !dropped {
		t.Error("expected engine to report a dropped membership")
	}
	if got := engine.unsubscribeCount(); got != 1 {
		t.Errorf("engine told to leave %d times, want 1", got)
	}

	// All handles observe end-of-stream and forfeit their drop right.
	for i, s := range subs {
		if _, err := s.Next(context.Background()); !errors.Is(err, ErrSubscriptionClosed) {
			t.Errorf("handle %d: expected ErrSubscriptionClosed, got %v", i, err)
		}
		s.Close()
	}
	if pending := m.drops.drain(); len(pending) != 0 {
		t.Errorf("closed handles enqueued %d redundant unsubscribes", len(pending))
	}
}

func TestUnsubscribeUntracked(t *testing.T) {
	m := stoppedMuxer(t, newFakeEngine())
	if _, err := m.unsubscribe(NewTopic("nope")); !errors.Is(err, ErrNoSuchSubscription) {
		t.Fatalf("expected ErrNoSuchSubscription, got %v", err)
	}
}

func TestLastHandleDropDefersUnsubscribe(t *testing.T) {
	engine := newFakeEngine()
	m := stoppedMuxer(t, engine)
	chat := NewTopic("chat")

	s1, _ := m.subscribe(chat)
	s2, _ := m.subscribe(chat)

	s1.Close()
	if got := m.topics[chat.Hash()].count.Load(); got != 1 {
		t.Errorf("count after first close = %d, want 1", got)
	}
	m.drainDrops()
	if got := engine.unsubscribeCount(); got != 0 {
		t.Errorf("engine told to leave after non-last close (%d calls)", got)
	}

	s2.Close()
	m.drainDrops()
	if got := engine.unsubscribeCount(); got != 1 {
		t.Errorf("engine told to leave %d times, want 1", got)
	}
	if _, tracked := m.topics[chat.Hash()]; tracked {
		t.Error("registry entry survived deferred unsubscribe")
	}

	// The streams ended with the teardown.
	if _, err := s1.Next(context.Background()); !errors.Is(err, ErrSubscriptionClosed) {
		t.Errorf("expected ErrSubscriptionClosed after teardown, got %v", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	engine := newFakeEngine()
	m := stoppedMuxer(t, engine)
	chat := NewTopic("chat")

	s1, _ := m.subscribe(chat)
	_, _ = m.subscribe(chat)

	s1.Close()
	s1.Close()
	if got := m.topics[chat.Hash()].count.Load(); got != 1 {
		t.Errorf("count after double close = %d, want 1", got)
	}
	if pending := m.drops.drain(); len(pending) != 0 {
		t.Errorf("double close enqueued %d notifications", len(pending))
	}
}

func TestBacklogDeliversOneMessagePerPass(t *testing.T) {
	engine := newFakeEngine()
	m := stoppedMuxer(t, engine)
	chat := NewTopic("chat")

	s1, _ := m.subscribe(chat)
	s2, _ := m.subscribe(chat)

	m.enqueue(testMessage(chat, "m1"))
	m.enqueue(testMessage(chat, "m2"))
	m.enqueue(testMessage(chat, "m3"))

	m.drainBacklog()

	// Both ready consumers got the identical first message.
	got1 := recvNow(t, s1)
	got2 := recvNow(t, s2)
	if string(got1.Data) != "m1" || string(got2.Data) != "m1" {
		t.Fatalf("first pass delivered %q/%q, want m1/m1", got1.Data, got2.Data)
	}
	if got1 != got2 {
		t.Error("siblings received different message instances for the same pass")
	}

	// One message per topic per pass: m2 only after another pass.
	expectEmpty(t, s1)
	m.drainBacklog()
	if msg := recvNow(t, s1); string(msg.Data) != "m2" {
		t.Errorf("second pass delivered %q, want m2", msg.Data)
	}
}

func TestFullConsumerMissesPass(t *testing.T) {
	engine := newFakeEngine()
	m := stoppedMuxer(t, engine)
	chat := NewTopic("chat")

	fast, _ := m.subscribe(chat)
	slow, _ := m.subscribe(chat)

	m.enqueue(testMessage(chat, "m1"))
	m.drainBacklog()
	// fast drains m1; slow leaves it buffered, so its channel is full.
	if msg := recvNow(t, fast); string(msg.Data) != "m1" {
		t.Fatalf("fast got %q, want m1", msg.Data)
	}

	m.enqueue(testMessage(chat, "m2"))
	m.drainBacklog()
	if msg := recvNow(t, fast); string(msg.Data) != "m2" {
		t.Fatalf("fast got %q, want m2", msg.Data)
	}

	// slow sees m1, then nothing: m2 was missed and is never redelivered.
	if msg := recvNow(t, slow); string(msg.Data) != "m1" {
		t.Fatalf("slow got %q, want m1", msg.Data)
	}
	expectEmpty(t, slow)

	// Both ready again: the next message reaches both.
	m.enqueue(testMessage(chat, "m3"))
	m.drainBacklog()
	if msg := recvNow(t, fast); string(msg.Data) != "m3" {
		t.Errorf("fast got %q, want m3", msg.Data)
	}
	if msg := recvNow(t, slow); string(msg.Data) != "m3" {
		t.Errorf("slow got %q, want m3", msg.Data)
	}
}

func TestNoReadyConsumerHoldsBacklog(t *testing.T) {
	engine := newFakeEngine()
	m := stoppedMuxer(t, engine)
	chat := NewTopic("chat")

	s, _ := m.subscribe(chat)
	m.enqueue(testMessage(chat, "m1"))
	m.enqueue(testMessage(chat, "m2"))

	m.drainBacklog() // delivers m1, s now full
	m.drainBacklog() // no ready consumer: m2 must stay queued
	if bl := m.backlog[chat.Hash()]; bl == nil || len(bl.queue) != 1 {
		t.Fatal("backlog did not retain the undelivered message")
	}

	if msg := recvNow(t, s); string(msg.Data) != "m1" {
		t.Fatalf("got %q, want m1", msg.Data)
	}
	m.drainBacklog()
	if msg := recvNow(t, s); string(msg.Data) != "m2" {
		t.Fatalf("got %q, want m2", msg.Data)
	}
	if _, ok := m.backlog[chat.Hash()]; ok {
		t.Error("drained backlog entry not released")
	}
}

func TestBacklogTeardownWhenConsumersVanish(t *testing.T) {
	engine := newFakeEngine()
	m := stoppedMuxer(t, engine)
	chat := NewTopic("chat")

	s1, _ := m.subscribe(chat)
	s2, _ := m.subscribe(chat)
	s1.Close()
	s2.Close()

	// Traffic for a topic with no live consumer left: the drain pass
	// itself tears the topic down.
	m.enqueue(testMessage(chat, "m1"))
	m.drainBacklog()

	if got := engine.unsubscribeCount(); got != 1 {
		t.Fatalf("engine told to leave %d times, want 1", got)
	}
	if _, tracked := m.topics[chat.Hash()]; tracked {
		t.Error("registry entry survived consumer loss")
	}
	if _, ok := m.backlog[chat.Hash()]; ok {
		t.Error("backlog survived consumer loss")
	}

	// The pending drop notification must not trigger a second engine
	// unsubscribe for the already-gone topic.
	m.drainDrops()
	if got := engine.unsubscribeCount(); got != 1 {
		t.Errorf("redundant engine unsubscribe after teardown (%d calls)", got)
	}
}

func TestIdlePollMutatesNothing(t *testing.T) {
	engine := newFakeEngine()
	m := stoppedMuxer(t, engine)
	chat := NewTopic("chat")
	_, _ = m.subscribe(chat)

	m.drainDrops()
	m.drainBacklog()

	if got := engine.subscribeCount(); got != 1 {
		t.Errorf("idle passes issued engine subscribe calls (%d total)", got)
	}
	if got := engine.unsubscribeCount(); got != 0 {
		t.Errorf("idle passes issued %d engine unsubscribe calls", got)
	}
	if len(m.topics) != 1 {
		t.Errorf("idle passes mutated registry (%d entries)", len(m.topics))
	}
}

func TestRunningMuxerDeliversAndPassesThrough(t *testing.T) {
	engine := newFakeEngine()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m := NewMuxer(ctx, engine, testLogger(t))
	defer m.Close()

	sub, err := m.Subscribe("chat")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	chat := NewTopic("chat")
	engine.events <- &MessageEvent{Message: testMessage(chat, "hello")}

	recvCtx, recvCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer recvCancel()
	msg, err := sub.Next(recvCtx)
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if string(msg.Data) != "hello" {
		t.Errorf("got %q, want hello", msg.Data)
	}

	// Non-message events come out the pass-through channel unchanged.
	evIn := &PeerSubscribed{Peer: peer.ID("px"), Topic: chat}
	engine.events <- evIn
	select {
	case evOut := <-m.Events():
		if evOut != Event(evIn) {
			t.Errorf("pass-through rewrote the event: %#v", evOut)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pass-through event never surfaced")
	}

	if topics := m.SubscribedTopics(); len(topics) != 1 || topics[0] != "chat" {
		t.Errorf("SubscribedTopics = %v, want [chat]", topics)
	}
}

func TestRunningMuxerBurstReachesConsumer(t *testing.T) {
	engine := newFakeEngine()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m := NewMuxer(ctx, engine, testLogger(t))
	defer m.Close()

	sub, err := m.Subscribe("burst")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	topic := NewTopic("burst")
	const n = 10
	for i := 0; i < n; i++ {
		engine.events <- &MessageEvent{Message: testMessage(topic, fmt.Sprintf("m%d", i))}
	}

	// A single consumer that keeps draining must see the whole burst:
	// each Next frees capacity and wakes the loop for the next pass.
	recvCtx, recvCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer recvCancel()
	for i := 0; i < n; i++ {
		msg, err := sub.Next(recvCtx)
		if err != nil {
			t.Fatalf("Next %d failed: %v", i, err)
		}
		if want := fmt.Sprintf("m%d", i); string(msg.Data) != want {
			t.Fatalf("message %d = %q, want %q", i, msg.Data, want)
		}
	}
}

func TestRunningMuxerDeferredUnsubscribe(t *testing.T) {
	engine := newFakeEngine()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m := NewMuxer(ctx, engine, testLogger(t))
	defer m.Close()

	s1, _ := m.Subscribe("chat")
	s2, _ := m.Subscribe("chat")
	s1.Close()
	s2.Close()

	deadline := time.Now().Add(2 * time.Second)
	for engine.unsubscribeCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := engine.unsubscribeCount(); got != 1 {
		t.Fatalf("engine told to leave %d times, want 1", got)
	}
	if got := engine.subscribeCount(); got != 1 {
		t.Errorf("engine told to join %d times, want 1", got)
	}
}

func TestMuxerClosedOperations(t *testing.T) {
	engine := newFakeEngine()
	ctx, cancel := context.WithCancel(context.Background())
	m := NewMuxer(ctx, engine, testLogger(t))
	cancel()
	m.Close()

	if _, err := m.Subscribe("chat"); !errors.Is(err, ErrMuxerClosed) {
		t.Errorf("Subscribe after close: %v, want ErrMuxerClosed", err)
	}
	if _, err := m.Unsubscribe("chat"); !errors.Is(err, ErrMuxerClosed) {
		t.Errorf("Unsubscribe after close: %v, want ErrMuxerClosed", err)
	}
	if _, err := m.Publish(context.Background(), "chat", []byte("x")); !errors.Is(err, ErrMuxerClosed) {
		t.Errorf("Publish after close: %v, want ErrMuxerClosed", err)
	}
}
