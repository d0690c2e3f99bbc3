// Package pubsub carries cross-node broadcast messages: shutdown notices,
// cache invalidations, and finished task results. A single-node deployment
// uses the in-memory hub; clustered daemons exchange the same messages over
// a websocket fan-out endpoint hosted by one daemon.
package pubsub

import (
	"context"
	"encoding/json"
)

// MessageType discriminates broadcast payloads.
type MessageType string

const (
	// TypeShutdown announces that the cluster is draining.
	TypeShutdown MessageType = "shutdown"
	// TypeInvalidateCache tells nodes to drop cached state for a document.
	TypeInvalidateCache MessageType = "invalidateCache"
	// TypeTaskResult carries a finished conversion's output record.
	TypeTaskResult MessageType = "taskResult"
)

// Message is one broadcast frame. Data holds the type-specific payload.
type Message struct {
	Type   MessageType     `json:"type"`
	DocID  string          `json:"docId,omitempty"`
	NodeID string          `json:"nodeId,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Encode marshals a message for the wire.
func Encode(msg Message) ([]byte, error) {
	return json.Marshal(msg)
}

// Decode unmarshals a wire frame.
func Decode(raw []byte) (Message, error) {
	var msg Message
	err := json.Unmarshal(raw, &msg)
	return msg, err
}

// Channel is one participant's view of the broadcast bus. Publish delivers
// the message to every participant, the publisher included. Messages yields
// received broadcasts until Close.
type Channel interface {
	Publish(ctx context.Context, msg Message) error
	Messages() <-chan Message
	Close() error
}
