// Package topic derives the identifiers peers converge around.
//
// A topic is a human chosen string hashed into a 32 byte id. The same id names
// the gossip subscription and the namespace of the operation logs: every node
// writes exactly one log per topic and that log's id equals the topic id.
package topic

import (
	"encoding/hex"
	"fmt"

	"github.com/adzialocha/meshpit/crypto"
)

// Size is the length of a topic id.
const Size = crypto.HashSize

// Topic is the hash of a topic string. Equality is byte-wise.
type Topic [Size]byte

// LogID identifies a log of one author. See Topic.LogID.
type LogID [Size]byte

// New derives a topic from its string name.
func New(name string) Topic {
	return Topic(crypto.HashBytes([]byte(name)))
}

// FromID wraps an existing 32 byte topic id.
func FromID(id [Size]byte) Topic {
	return Topic(id)
}

// FromHex parses a hex encoded topic id.
func FromHex(s string) (Topic, error) {
	var t Topic
	data, err := hex.DecodeString(s)
	if err != nil {
		return t, fmt.Errorf("invalid topic hex: %w", err)
	}
	if len(data) != Size {
		return t, fmt.Errorf("invalid topic size: got %d, want %d", len(data), Size)
	}
	copy(t[:], data)
	return t, nil
}

// FromLogID returns the topic a log belongs to.
func FromLogID(id LogID) Topic {
	return Topic(id)
}

// ID returns the raw topic id.
func (t Topic) ID() [Size]byte {
	return t
}

// LogID returns the id of the log each author writes into for this topic.
func (t Topic) LogID() LogID {
	return LogID(t)
}

func (t Topic) String() string {
	return hex.EncodeToString(t[:])
}

func (l LogID) String() string {
	return hex.EncodeToString(l[:])
}
