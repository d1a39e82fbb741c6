package testutils

import (
	"context"
	"sync"

	"github.com/ava-labs/buffered-publisher/pkg/transport"
)

// Sent records one Send call made against a Channel.
type Sent struct {
	Destination string
	Body        []byte
	Accepted    bool
}

// Channel is a scripted in-memory transport.Channel.
//
// Each Send consumes the next outcome from the script; once the script is
// exhausted the default outcome is used (accept unless changed with
// SetDefault). Drain raises the capacity-restored signal by hand, but only
// after a rejected Send, like a real transport.
type Channel struct {
	mu            sync.Mutex
	script        []bool
	defaultAccept bool
	sends         []Sent
	declares      []string
	declareErr    error
	sendErr       error
	sendErrs      int
	rejected      bool
	onSend        func(Sent)
	closed        bool
	drained       chan struct{}
}

var _ transport.Channel = (*Channel)(nil)

// NewChannel returns a Channel that accepts every send.
func NewChannel() *Channel {
	return &Channel{
		defaultAccept: true,
		drained:       make(chan struct{}, 1),
	}
}

// Script appends outcomes consumed by subsequent sends, in order.
func (c *Channel) Script(outcomes ...bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.script = append(c.script, outcomes...)
}

// SetDefault sets the outcome used once the script is exhausted.
func (c *Channel) SetDefault(accept bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.defaultAccept = accept
}

// FailDeclare makes every following Declare return err.
func (c *Channel) FailDeclare(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.declareErr = err
}

// FailSend makes every following Send return err.
func (c *Channel) FailSend(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

// OnSend registers fn to run after each Send outcome is decided and before
// Send returns. fn runs without the channel lock held.
func (c *Channel) OnSend(fn func(Sent)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onSend = fn
}

// Drain raises the capacity-restored signal if a Send was rejected since the
// last signal. It reports whether a signal was raised.
func (c *Channel) Drain() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.rejected {
		return false
	}
	c.rejected = false
	select {
	case c.drained <- struct{}{}:
	default:
	}
	return true
}

func (c *Channel) Declare(_ context.Context, destination string, _ bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transport.ErrClosed
	}
	if c.declareErr != nil {
		return c.declareErr
	}
	c.declares = append(c.declares, destination)
	return nil
}

func (c *Channel) Send(_ context.Context, destination string, body []byte) (bool, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false, transport.ErrClosed
	}
	if c.sendErr != nil {
		err := c.sendErr
		c.sendErrs++
		c.mu.Unlock()
		return false, err
	}

	accepted := c.defaultAccept
	if len(c.script) > 0 {
		accepted = c.script[0]
		c.script = c.script[1:]
	}
	if !accepted {
		c.rejected = true
	}
	s := Sent{Destination: destination, Body: append([]byte(nil), body...), Accepted: accepted}
	c.sends = append(c.sends, s)
	hook := c.onSend
	c.mu.Unlock()

	if hook != nil {
		hook(s)
	}
	return accepted, nil
}

func (c *Channel) Drained() <-chan struct{} {
	return c.drained
}

func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Sends returns every recorded send attempt in call order.
func (c *Channel) Sends() []Sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Sent(nil), c.sends...)
}

// SendErrors returns how many sends failed with the FailSend error.
func (c *Channel) SendErrors() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sendErrs
}

// Accepted returns the bodies of accepted sends in call order.
func (c *Channel) Accepted() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out [][]byte
	for _, s := range c.sends {
		if s.Accepted {
			out = append(out, s.Body)
		}
	}
	return out
}

// Declares returns every declared destination in call order.
func (c *Channel) Declares() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.declares...)
}

// Closed reports whether Close was called.
func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
