// Package broker delivers ordered event streams per namespace. The bridge
// uses it to fan host-visible events out to host UI subscribers, possibly on
// another replica.
package broker

import (
	"context"
	"errors"
)

// ErrNamespaceClosed is returned by Publish after Cleanup.
var ErrNamespaceClosed = errors.New("broker: namespace cleaned up")

// Broker handles message queuing and delivery. It provides namespace-based
// message isolation and ordered delivery guarantees within each namespace.
type Broker interface {
	// Publish appends data to namespace and returns its generated event ID.
	Publish(ctx context.Context, namespace string, data []byte) (eventID string, err error)

	// Subscribe calls handler for every message of namespace in order, until
	// ctx is done, handler returns an error, or the namespace is cleaned up.
	// If lastEventID is empty, delivery starts from the next published
	// message; otherwise it resumes after that ID.
	Subscribe(ctx context.Context, namespace string, lastEventID string, handler MessageHandler) error

	// Cleanup removes all resources associated with a namespace.
	Cleanup(ctx context.Context, namespace string) error
}

// MessageHandler processes one delivered message.
type MessageHandler func(ctx context.Context, envelope MessageEnvelope) error

// MessageEnvelope wraps a message with metadata for ordered delivery.
type MessageEnvelope struct {
	// ID is a unique, monotonically increasing identifier for this message within the namespace
	ID string `json:"id"`
	// Data is the message content
	Data []byte `json:"data"`
}
