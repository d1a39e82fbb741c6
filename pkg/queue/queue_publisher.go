package queue

import "context"

// PendingMessage is a message rejected by the transport and waiting in the
// buffer. Payload holds the serialised body.
type PendingMessage struct {
	Destination string
	Payload     []byte
}

// Publisher accepts messages for asynchronous delivery to a destination.
type Publisher interface {
	// Push publishes payload to destination.
	//
	// Push returns without waiting for the broker. The caller cannot tell
	// whether the message went out immediately or was buffered; only
	// serialisation, declare and protocol failures are returned.
	Push(ctx context.Context, destination string, payload any) error

	// Close stops the publisher and releases the transport channel.
	// Messages still buffered are discarded.
	Close() error
}
