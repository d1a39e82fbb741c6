package testutils

import (
	"sync"
	"testing"

	"github.com/ava-labs/buffered-publisher/pkg/transport"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

// NewTestLogger creates a test logger that writes to testing.T
func NewTestLogger(t *testing.T) *zap.SugaredLogger {
	return zaptest.NewLogger(t).Sugar()
}

// Connection is an in-memory transport.Connection whose events are emitted
// by the test.
type Connection struct {
	events chan transport.Event
	once   sync.Once
}

var _ transport.Connection = (*Connection)(nil)

// NewConnection returns a Connection with a buffered event stream.
func NewConnection() *Connection {
	return &Connection{events: make(chan transport.Event, 16)}
}

// Emit delivers ev on the event stream.
func (c *Connection) Emit(ev transport.Event) {
	c.events <- ev
}

func (c *Connection) Events() <-chan transport.Event {
	return c.events
}

// Close ends the event stream. Calling Close more than once does nothing.
func (c *Connection) Close() error {
	c.once.Do(func() {
		close(c.events)
	})
	return nil
}
