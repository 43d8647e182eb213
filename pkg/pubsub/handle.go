package pubsub

import (
	"context"
	"sync"
	"sync/atomic"
)

// Subscription is one local consumer's receive side for a topic. It is
// created by Muxer.Subscribe and owned by a single consumer; Next and
// Close may be called from different goroutines, but Next must not be
// called concurrently with itself.
//
// A subscription either still holds its deferred-unsubscribe right or
// has forfeited it: the right is exercised at most once, when the last
// live handle for the topic is closed, and is forfeited early when the
// stream is observed to be exhausted (the topic was already torn down).
type Subscription struct {
	topic Topic
	ch    <-chan *Message
	done  chan struct{}
	count *atomic.Int64

	mu    sync.Mutex
	drops *dropQueue // nil once the unsubscribe right is forfeited

	wake      func()
	closeOnce sync.Once
}

// Topic returns the topic this subscription receives.
func (s *Subscription) Topic() Topic { return s.topic }

// Next blocks until the muxer forwards the next message, the stream
// ends, or ctx is done. Once it returns ErrSubscriptionClosed the
// subscription is terminal and every further call returns the same.
func (s *Subscription) Next(ctx context.Context) (*Message, error) {
	select {
	case msg, ok := <-s.ch:
		if !ok {
			// The topic was torn down; no unsubscribe on close needed.
			s.forfeit()
			return nil, ErrSubscriptionClosed
		}
		// Capacity freed: let the muxer retry the backlog.
		s.wake()
		return msg, nil
	case <-s.done:
		return nil, ErrSubscriptionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close releases the subscription. If this is believed to be the last
// live handle for the topic, the topic is reported to the muxer's
// deferred-unsubscribe queue and torn down on its next pass; otherwise
// only the shared subscriber count is decremented. Close never blocks
// and is safe to call more than once.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		drops := s.drops
		s.drops = nil
		s.mu.Unlock()
		if drops != nil {
			if s.count.Load() == 1 {
				drops.push(s.topic)
			} else {
				s.count.Add(-1)
			}
		}
		s.wake()
	})
}

func (s *Subscription) forfeit() {
	s.mu.Lock()
	s.drops = nil
	s.mu.Unlock()
}

// producer is the muxer-owned send side of a subscription channel. The
// channel is only ever closed by the muxer loop; the consumer signals
// it is gone by closing done, and the loop prunes dead producers lazily.
type producer struct {
	ch   chan *Message
	done <-chan struct{}
}

func (p *producer) dead() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// trySend attempts a non-blocking send. The channel has capacity one,
// so a false result means the consumer has not drained the previous
// message yet and misses this one.
func (p *producer) trySend(msg *Message) bool {
	select {
	case p.ch <- msg:
		return true
	default:
		return false
	}
}

// dropQueue is the unbounded deferred-unsubscribe queue. Handles push
// from arbitrary goroutines; only the muxer loop drains it.
type dropQueue struct {
	mu     sync.Mutex
	topics []Topic
	signal chan struct{}
}

func newDropQueue() *dropQueue {
	return &dropQueue{signal: make(chan struct{}, 1)}
}

func (q *dropQueue) push(t Topic) {
	q.mu.Lock()
	q.topics = append(q.topics, t)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *dropQueue) drain() []Topic {
	q.mu.Lock()
	topics := q.topics
	q.topics = nil
	q.mu.Unlock()
	return topics
}
