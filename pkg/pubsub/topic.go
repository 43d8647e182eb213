package pubsub

import (
	"crypto/sha256"
	"encoding/hex"
)

// Topic identifies a logical publish/subscribe channel. The identity is a
// stable hash derived from the human-readable name; two topics are equal
// iff their hashes are equal.
type Topic struct {
	name string
	hash string
}

// NewTopic derives a topic identity from a human-readable name.
func NewTopic(name string) Topic {
	sum := sha256.Sum256([]byte(name))
	return Topic{name: name, hash: hex.EncodeToString(sum[:])}
}

// Name returns the human-readable topic name.
func (t Topic) Name() string { return t.name }

// Hash returns the derived topic identity used on the wire and as the
// registry key.
func (t Topic) Hash() string { return t.hash }

func (t Topic) String() string { return t.name }
