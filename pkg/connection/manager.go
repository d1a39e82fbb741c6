// Package connection tracks the liveness of a broker connection.
//
// The Manager consumes the connection's lifecycle events and flips the
// State to not connected on error or close. It never reconnects: an external
// supervisor is expected to tear down and recreate the manager and every
// publish channel that depends on the connection.
package connection

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/ava-labs/buffered-publisher/pkg/metrics"
	"github.com/ava-labs/buffered-publisher/pkg/transport"
	"go.uber.org/zap"
)

// ErrNotConnected is returned by Healthy once the connection is down.
var ErrNotConnected = errors.New("broker connection is down")

// State is the liveness record of one connection. It starts connected and
// only the Manager sets it to not connected; nothing sets it back.
type State struct {
	handle    transport.Connection
	connected atomic.Bool
}

func newState(handle transport.Connection) *State {
	s := &State{handle: handle}
	s.connected.Store(true)
	return s
}

// Handle returns the underlying connection.
func (s *State) Handle() transport.Connection {
	return s.handle
}

// IsConnected reports whether the connection is considered alive.
func (s *State) IsConnected() bool {
	return s.connected.Load()
}

// Observer is notified of transport errors.
type Observer func(err error)

// Manager tracks the liveness of one connection from its event stream.
type Manager struct {
	log      *zap.SugaredLogger
	state    *State
	observer Observer
	metrics  *metrics.Metrics
}

// NewManager creates a Manager for conn. observer and m may be nil.
func NewManager(log *zap.SugaredLogger, conn transport.Connection, observer Observer, m *metrics.Metrics) (*Manager, error) {
	if log == nil {
		return nil, errors.New("invalid logger: must not be nil")
	}
	if conn == nil {
		return nil, errors.New("invalid connection: must not be nil")
	}
	m.SetConnected(true)
	return &Manager{
		log:      log,
		state:    newState(conn),
		observer: observer,
		metrics:  m,
	}, nil
}

// State returns the connection state.
func (m *Manager) State() *State {
	return m.state
}

// Healthy returns ErrNotConnected once the connection is down.
func (m *Manager) Healthy(_ context.Context) error {
	if !m.state.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// Run handles connection events until ctx is done or the event stream ends.
// Event handling never fails; Run only returns ctx.Err() or nil.
func (m *Manager) Run(ctx context.Context) error {
	events := m.state.handle.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				m.log.Info("connection event stream closed")
				m.markDisconnected()
				return nil
			}
			m.handle(ev)
		}
	}
}

func (m *Manager) handle(ev transport.Event) {
	switch ev.Kind {
	case transport.EventError:
		m.metrics.IncConnectionError()
		m.markDisconnected()
		m.log.Errorw("broker connection error", "error", ev.Err)
		m.notify(ev.Err)
	case transport.EventClose:
		m.metrics.IncConnectionClose()
		m.markDisconnected()
		if ev.Err != nil {
			m.log.Warnw("broker connection closed", "reason", ev.Err)
		} else {
			m.log.Info("broker connection closed")
		}
	default:
		m.log.Warnw("unknown connection event", "kind", ev.Kind, "error", ev.Err)
	}
}

func (m *Manager) markDisconnected() {
	if m.state.connected.Swap(false) {
		m.metrics.SetConnected(false)
	}
}

// notify calls the observer, containing any panic it raises.
func (m *Manager) notify(err error) {
	if m.observer == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.log.Errorw("connection error observer panicked", "panic", fmt.Sprint(r))
		}
	}()
	m.observer(err)
}
