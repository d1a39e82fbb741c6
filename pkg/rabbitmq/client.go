// Package rabbitmq implements the transport contracts on top of a RabbitMQ
// broker. Destinations are queue names published through the default
// exchange.
//
// AMQP publishes never report back-pressure on their own, so the channel runs
// in confirm mode and refuses a publish while too many are unconfirmed, while
// the broker has paused the channel, or while the connection is blocked.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/ava-labs/buffered-publisher/pkg/transport"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const eventBufferSize = 16

// Connection is a RabbitMQ broker connection. It implements
// transport.Connection.
type Connection struct {
	conn *amqp.Connection
	log  *zap.SugaredLogger

	mu     sync.RWMutex
	closed bool
	events chan transport.Event
	done   chan struct{}
}

func newConnection(conn *amqp.Connection, log *zap.SugaredLogger) *Connection {
	return &Connection{
		conn:   conn,
		log:    log,
		events: make(chan transport.Event, eventBufferSize),
		done:   make(chan struct{}),
	}
}

// Dial connects to the broker, opens one confirm-mode channel and starts
// watching both for lifecycle events.
func Dial(ctx context.Context, cfg Config, log *zap.SugaredLogger) (*Connection, *Channel, error) {
	if log == nil {
		return nil, nil, errors.New("invalid logger: must not be nil")
	}
	cfg = cfg.WithDefaults()
	address := cfg.Address()

	conn, err := amqp.DialConfig(cfg.URL, amqp.Config{
		Heartbeat:  *cfg.Heartbeat,
		Properties: amqp.Table{"connection_name": cfg.ConnectionName},
		Dial:       contextDial(ctx, *cfg.DialTimeout),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s: %w", transport.ErrUnreachable, address, err)
	}

	c := newConnection(conn, log)

	amqpCh, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("failed to open channel: %w", err)
	}
	// Confirmations free slots in the confirm window.
	if err := amqpCh.Confirm(false); err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("failed to enable confirm mode: %w", err)
	}

	ch := newChannel(amqpCh, func() (declarer, error) {
		dch, err := conn.Channel()
		if err != nil {
			return nil, err
		}
		return dch, nil
	}, cfg.InflightLimit, log)

	go c.watch(
		conn.NotifyClose(make(chan *amqp.Error, 1)),
		conn.NotifyBlocked(make(chan amqp.Blocking, 1)),
		ch.gate,
	)
	go ch.watch(
		amqpCh.NotifyClose(make(chan *amqp.Error, 1)),
		amqpCh.NotifyFlow(make(chan bool, 1)),
		amqpCh.NotifyPublish(make(chan amqp.Confirmation, cfg.InflightLimit)),
		c.emitError,
	)

	log.Infow("connected to rabbitmq", "address", address, "inflightLimit", cfg.InflightLimit)
	return c, ch, nil
}

// NewDialer returns a transport.Dialer that dials cfg with the address as
// broker URL. An empty address keeps cfg.URL.
func NewDialer(cfg Config, log *zap.SugaredLogger) transport.Dialer {
	return func(ctx context.Context, address string) (transport.Connection, transport.Channel, error) {
		if address != "" {
			cfg.URL = address
		}
		c, ch, err := Dial(ctx, cfg, log)
		if err != nil {
			return nil, nil, err
		}
		return c, ch, nil
	}
}

// Events returns the connection event stream. It is closed after a final
// EventClose once the broker connection shuts down.
func (c *Connection) Events() <-chan transport.Event {
	return c.events
}

// Close closes the broker connection and every channel on it, then waits for
// the event stream to end.
func (c *Connection) Close() error {
	var err error
	if c.conn != nil {
		if err = c.conn.Close(); errors.Is(err, amqp.ErrClosed) {
			err = nil
		}
	}
	<-c.done
	return err
}

// watch turns connection notifications into events. blocked updates gate so
// sends are refused while the broker is short on resources.
func (c *Connection) watch(closes <-chan *amqp.Error, blocked <-chan amqp.Blocking, gate *flowGate) {
	defer close(c.done)
	for {
		select {
		case b, ok := <-blocked:
			if !ok {
				blocked = nil
				continue
			}
			if b.Active {
				c.log.Warnw("connection blocked by broker", "reason", b.Reason)
			} else {
				c.log.Info("connection unblocked by broker")
			}
			gate.setBlocked(b.Active)
		case amqpErr, ok := <-closes:
			if !ok {
				c.finish()
				return
			}
			if amqpErr != nil {
				c.emitError(amqpErr)
			}
		}
	}
}

func (c *Connection) emitError(err error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.events <- transport.Event{Kind: transport.EventError, Err: err}:
	default:
		c.log.Warnw("event channel is full, dropping event", "error", err)
	}
}

func (c *Connection) finish() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	select {
	case c.events <- transport.Event{Kind: transport.EventClose}:
	default:
		c.log.Warn("event channel is full, dropping close event")
	}
	close(c.events)
}

// contextDial mirrors amqp.DefaultDial but also honours ctx while dialing.
// The deadline covers the TLS and AMQP handshakes and is cleared by the
// library once the connection is open.
func contextDial(ctx context.Context, timeout time.Duration) func(network, addr string) (net.Conn, error) {
	return func(network, addr string) (net.Conn, error) {
		d := net.Dialer{Timeout: timeout}
		conn, err := d.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
			_ = conn.Close()
			return nil, err
		}
		return conn, nil
	}
}

func redact(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "<invalid url>"
	}
	return u.Redacted()
}
