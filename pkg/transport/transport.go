// Package transport defines the broker-facing contract consumed by the
// buffered publisher.
//
// A Channel offers a non-blocking Send that either accepts a message into
// the local transport buffer or rejects it because of backpressure. After a
// rejection the channel raises Drained exactly when capacity is restored.
// A Connection reports lifecycle events (errors and close) so that liveness
// can be tracked by an external health check.
//
// Implementations live in the kafka and amqp packages.
package transport

import (
	"context"
	"errors"
)

var (
	// ErrClosed is returned by Send and Declare once the channel is closed.
	ErrClosed = errors.New("transport closed")
	// ErrInvalidDestination is returned when a destination name is rejected.
	ErrInvalidDestination = errors.New("invalid destination")
	// ErrUnreachable wraps dial failures.
	ErrUnreachable = errors.New("broker unreachable")
)

// Channel is a single send channel on a broker connection.
type Channel interface {
	// Declare makes sure destination exists. It is idempotent and safe to
	// call before every send.
	Declare(ctx context.Context, destination string, durable bool) error

	// Send offers body to the local transport buffer without waiting on
	// the broker. It returns true when the message was accepted and false
	// when the transport is applying backpressure; in the latter case the
	// caller must wait for the next Drained signal before sending again.
	// A non-nil error reports a protocol failure, never backpressure.
	Send(ctx context.Context, destination string, body []byte) (bool, error)

	// Drained returns the capacity-restored signal. The channel is
	// single-slot: signals raised while one is pending are coalesced.
	Drained() <-chan struct{}

	Close() error
}

// EventKind identifies a connection lifecycle event.
type EventKind int

const (
	EventError EventKind = iota + 1
	EventClose
)

func (k EventKind) String() string {
	switch k {
	case EventError:
		return "error"
	case EventClose:
		return "close"
	default:
		return "unknown"
	}
}

// Event is a connection lifecycle notification. Err is set for EventError
// and may be set for EventClose when the broker closed with a reason.
type Event struct {
	Kind EventKind
	Err  error
}

// Connection is a broker connection handle.
type Connection interface {
	// Events returns the lifecycle event stream. The stream is closed after
	// the connection has been closed and the final event delivered.
	Events() <-chan Event

	Close() error
}

// Dialer connects to the broker at address and opens one send channel.
type Dialer func(ctx context.Context, address string) (Connection, Channel, error)
