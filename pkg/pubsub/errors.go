package pubsub

import "errors"

// Sentinel errors returned by the muxer and the engine adapter. Callers
// should match them with errors.Is since they are usually wrapped with
// the topic name.
var (
	// ErrAlreadySubscribed signals an internal inconsistency: the engine
	// reported an existing subscription for a topic the registry did not
	// track. It should not occur in normal operation.
	ErrAlreadySubscribed = errors.New("already subscribed to topic")

	// ErrNoSuchSubscription is returned by an explicit unsubscribe for a
	// topic that has no registry entry.
	ErrNoSuchSubscription = errors.New("no subscription for topic")

	// ErrSubscriptionClosed is returned by Subscription.Next once the
	// stream is exhausted. The subscription is terminal at that point.
	ErrSubscriptionClosed = errors.New("subscription closed")

	// ErrMuxerClosed is returned by muxer operations after Close.
	ErrMuxerClosed = errors.New("pubsub muxer closed")

	// Publish failure taxonomy surfaced by the engine.
	ErrInsufficientPeers = errors.New("insufficient peers for topic")
	ErrSigningFailed     = errors.New("message signing failed")
	ErrDuplicateMessage  = errors.New("duplicate message")
)
