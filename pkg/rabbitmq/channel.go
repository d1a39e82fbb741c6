package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ava-labs/buffered-publisher/pkg/transport"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// maxQueueNameLength is the AMQP short string limit.
const maxQueueNameLength = 255

// amqpChannel is the part of *amqp.Channel the Channel publishes through.
type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// declarer is the part of *amqp.Channel used to declare queues.
type declarer interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Close() error
}

// declarerOpener opens a fresh AMQP channel for one declare. The broker
// closes a channel whose declare fails, so declares never run on the
// publishing channel.
type declarerOpener func() (declarer, error)

// Channel publishes persistent JSON messages to queues. It implements
// transport.Channel.
type Channel struct {
	ch          amqpChannel
	openDeclare declarerOpener
	gate        *flowGate
	log  *zap.SugaredLogger
	done chan struct{}

	mu       sync.Mutex
	declared map[string]struct{}
	closed   bool
}

func newChannel(ch amqpChannel, openDeclare declarerOpener, inflightLimit int, log *zap.SugaredLogger) *Channel {
	return &Channel{
		ch:          ch,
		openDeclare: openDeclare,
		gate:        newFlowGate(inflightLimit),
		log:      log,
		done:     make(chan struct{}),
		declared: make(map[string]struct{}),
	}
}

// Declare declares the queue once on a short-lived channel. Later calls for
// the same queue are no-ops. A refused declare leaves the publishing channel
// untouched.
func (c *Channel) Declare(_ context.Context, destination string, durable bool) error {
	if destination == "" || len(destination) > maxQueueNameLength {
		return fmt.Errorf("%w: queue name must be 1 to %d bytes", transport.ErrInvalidDestination, maxQueueNameLength)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transport.ErrClosed
	}
	if _, ok := c.declared[destination]; ok {
		return nil
	}

	d, err := c.openDeclare()
	if err != nil {
		return mapError("failed to open declare channel", err)
	}
	_, err = d.QueueDeclare(destination, durable, false, false, false, nil)
	// After a failed declare the broker has already closed the channel.
	if closeErr := d.Close(); closeErr != nil && err == nil && !errors.Is(closeErr, amqp.ErrClosed) {
		c.log.Warnw("failed to close declare channel", "error", closeErr)
	}
	if err != nil {
		return mapError(fmt.Sprintf("failed to declare queue %q", destination), err)
	}
	c.declared[destination] = struct{}{}
	c.log.Debugw("declared queue", "queue", destination, "durable", durable)
	return nil
}

// Send publishes body to the queue. It returns false without publishing
// while the gate is closed.
func (c *Channel) Send(ctx context.Context, destination string, body []byte) (bool, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return false, transport.ErrClosed
	}

	if !c.gate.acquire() {
		return false, nil
	}

	err := c.ch.PublishWithContext(ctx, "", destination, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err != nil {
		c.gate.release(1)
		return false, mapError(fmt.Sprintf("failed to publish to queue %q", destination), err)
	}
	return true, nil
}

// Drained returns the drain signal stream. It is closed once the channel
// shuts down.
func (c *Channel) Drained() <-chan struct{} {
	return c.gate.drained
}

// Close closes the AMQP channel. The connection stays open.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if err := c.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return fmt.Errorf("failed to close channel: %w", err)
	}
	return nil
}

// watch tracks confirms and flow control until the channel closes. Channel
// exceptions are passed to onError.
func (c *Channel) watch(
	closes <-chan *amqp.Error,
	flow <-chan bool,
	confirms <-chan amqp.Confirmation,
	onError func(error),
) {
	defer close(c.done)
	defer c.gate.close()
	for {
		select {
		case active, ok := <-flow:
			if !ok {
				flow = nil
				continue
			}
			if !active {
				c.log.Warn("channel paused by broker flow control")
			}
			c.gate.setPaused(!active)
		case confirm, ok := <-confirms:
			if !ok {
				confirms = nil
				continue
			}
			if !confirm.Ack {
				c.log.Errorw("broker nacked message", "deliveryTag", confirm.DeliveryTag)
			}
			c.gate.release(1)
		case amqpErr, ok := <-closes:
			if !ok {
				c.mu.Lock()
				c.closed = true
				c.mu.Unlock()
				return
			}
			if amqpErr != nil {
				c.log.Errorw("channel closed by broker", "code", amqpErr.Code, "reason", amqpErr.Reason)
				onError(amqpErr)
			}
		}
	}
}

func mapError(msg string, err error) error {
	if errors.Is(err, amqp.ErrClosed) {
		return fmt.Errorf("%s: %w", msg, transport.ErrClosed)
	}
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		switch amqpErr.Code {
		case amqp.PreconditionFailed, amqp.AccessRefused, amqp.NotFound:
			return fmt.Errorf("%s: %w: %w", msg, transport.ErrInvalidDestination, err)
		}
	}
	return fmt.Errorf("%s: %w", msg, err)
}
