package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ava-labs/buffered-publisher/pkg/metrics"
	"github.com/ava-labs/buffered-publisher/pkg/transport"
	"go.uber.org/zap"
)

// Destinations are always declared durable.
const durableDestinations = true

var (
	// ErrClosed is returned by Push once the channel is closed.
	ErrClosed = errors.New("publish channel is closed")
	// ErrBadPayload wraps payload serialisation failures.
	ErrBadPayload = errors.New("couldn't serialize payload")
)

// PublishChannel is a transport channel with an ordered buffer for messages
// the transport rejected because of backpressure.
//
// Push may be called from any number of goroutines. Run must be started
// once; it owns the flush loop.
type PublishChannel struct {
	log     *zap.SugaredLogger
	ch      transport.Channel
	metrics *metrics.Metrics

	// mu guards buf, state, retry and closed. Push holds it across the
	// immediate send so that a rejected message is appended before any other
	// push or flush can observe the channel.
	mu     sync.Mutex
	buf    buffer
	state  State
	retry  bool
	closed bool

	// retryNow wakes Run for a flush after a failed resend. The transport
	// only signals drain after a rejection, which a failed resend is not.
	retryNow chan struct{}
}

var _ Publisher = (*PublishChannel)(nil)

// NewPublishChannel creates a PublishChannel over ch. m may be nil.
func NewPublishChannel(log *zap.SugaredLogger, ch transport.Channel, m *metrics.Metrics) (*PublishChannel, error) {
	if log == nil {
		return nil, errors.New("invalid logger: must not be nil")
	}
	if ch == nil {
		return nil, errors.New("invalid transport channel: must not be nil")
	}
	return &PublishChannel{
		log:     log,
		ch:      ch,
		metrics:  m,
		state:    StateIdle,
		retryNow: make(chan struct{}, 1),
	}, nil
}

// Push serialises payload as JSON and publishes it to destination.
//
// When the channel is idle the message is offered to the transport right
// away. If the transport rejects it, or if earlier messages are still
// buffered, the message is appended to the buffer and sent by a later
// flush. Backpressure is never reported to the caller. Serialisation,
// declare and send protocol failures are returned.
func (p *PublishChannel) Push(ctx context.Context, destination string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		p.metrics.RecordPush(metrics.OutcomeError)
		return fmt.Errorf("%w: %w", ErrBadPayload, err)
	}

	if err := p.ch.Declare(ctx, destination, durableDestinations); err != nil {
		p.metrics.RecordPush(metrics.OutcomeError)
		return fmt.Errorf("failed to declare destination %q: %w", destination, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}

	// Anything already buffered must leave first.
	if p.state != StateIdle {
		p.appendLocked(destination, body)
		p.scheduleRetryLocked()
		return nil
	}

	accepted, err := p.ch.Send(ctx, destination, body)
	if err != nil {
		p.metrics.RecordPush(metrics.OutcomeError)
		return fmt.Errorf("failed to send to %q: %w", destination, err)
	}
	if accepted {
		p.metrics.RecordPush(metrics.OutcomeSent)
		return nil
	}

	p.appendLocked(destination, body)
	return nil
}

// appendLocked adds a message at the buffer tail. Must be called with mu held.
func (p *PublishChannel) appendLocked(destination string, body []byte) {
	p.buf.push(PendingMessage{Destination: destination, Payload: body})
	if p.state == StateIdle {
		p.state = StateBuffering
		p.log.Debugw("transport applying backpressure, buffering", "destination", destination)
	}
	p.metrics.RecordPush(metrics.OutcomeBuffered)
	p.metrics.SetBuffered(p.buf.len())
}

// scheduleRetryLocked wakes Run once after a failed resend. Must be called
// with mu held.
func (p *PublishChannel) scheduleRetryLocked() {
	if !p.retry {
		return
	}
	p.retry = false
	select {
	case p.retryNow <- struct{}{}:
	default:
	}
}

// Run waits for capacity-restored signals from the transport and flushes the
// buffer once per signal. After a failed resend the next Push also triggers
// one flush. It returns when ctx is done or the signal stream is closed.
func (p *PublishChannel) Run(ctx context.Context) error {
	drained := p.ch.Drained()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-drained:
			if !ok {
				p.log.Info("transport drain stream closed, stopping flush task")
				return nil
			}
			p.flush(ctx)
		case <-p.retryNow:
			p.flush(ctx)
		}
	}
}

// flush resends from the buffer head until the buffer is empty or a resend
// is rejected. Only one flush may run at a time; a flush requested while
// another is active, or while nothing is buffered, returns immediately.
func (p *PublishChannel) flush(ctx context.Context) {
	p.mu.Lock()
	if p.closed || p.state != StateBuffering {
		p.mu.Unlock()
		return
	}
	p.state = StateFlushing
	p.mu.Unlock()

	start := time.Now()
	var resent int
	defer func() {
		p.metrics.ObserveFlush(time.Since(start).Seconds())
		p.log.Debugw("flush finished", "resent", resent, "duration", time.Since(start))
	}()

	for {
		p.mu.Lock()
		head, ok := p.buf.peek()
		if p.closed || !ok {
			p.state = StateIdle
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()

		// The lock is released while resending so pushes can append behind
		// the head instead of waiting on the transport.
		accepted, err := p.resend(ctx, head)

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return
		}
		if err != nil || !accepted {
			p.state = StateBuffering
			// A rejection arms the transport's drain signal; an error does not.
			p.retry = err != nil
			p.mu.Unlock()
			if err != nil {
				p.metrics.RecordResend(metrics.OutcomeError)
				p.log.Errorw("failed to resend buffered message, keeping it at the buffer head until the next push",
					"destination", head.Destination,
					"error", err,
				)
			} else {
				p.metrics.RecordResend(metrics.OutcomeRejected)
			}
			return
		}

		p.buf.pop()
		resent++
		remaining := p.buf.len()
		p.metrics.RecordResend(metrics.OutcomeSent)
		p.metrics.SetBuffered(remaining)
		if remaining == 0 {
			p.state = StateIdle
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()
	}
}

func (p *PublishChannel) resend(ctx context.Context, m PendingMessage) (bool, error) {
	if err := p.ch.Declare(ctx, m.Destination, durableDestinations); err != nil {
		return false, fmt.Errorf("failed to declare destination %q: %w", m.Destination, err)
	}
	accepted, err := p.ch.Send(ctx, m.Destination, m.Payload)
	if err != nil {
		return false, fmt.Errorf("failed to send to %q: %w", m.Destination, err)
	}
	return accepted, nil
}

// State returns the current channel state.
func (p *PublishChannel) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Len returns the number of buffered messages.
func (p *PublishChannel) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buf.len()
}

// Buffered returns a copy of the buffered messages, head first.
func (p *PublishChannel) Buffered() []PendingMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buf.snapshot()
}

// Close discards any buffered messages and closes the transport channel.
// Push returns ErrClosed afterwards. Calling Close more than once does nothing.
func (p *PublishChannel) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	discarded := p.buf.len()
	p.buf.reset()
	p.state = StateIdle
	p.mu.Unlock()

	if discarded > 0 {
		p.log.Warnw("closing publish channel with undelivered messages, they will be lost", "discarded", discarded)
	}
	p.metrics.AddDiscarded(discarded)
	p.metrics.SetBuffered(0)

	if err := p.ch.Close(); err != nil {
		return fmt.Errorf("failed to close transport channel: %w", err)
	}
	return nil
}
