package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ava-labs/buffered-publisher/pkg/transport"
	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
)

// Channel publishes to Kafka topics through a shared Producer. It implements
// transport.Channel; destinations are topic names.
type Channel struct {
	producer *Producer

	mu       sync.Mutex
	declared map[string]struct{}
	closed   bool
}

func NewChannel(p *Producer) *Channel {
	return &Channel{
		producer: p,
		declared: make(map[string]struct{}),
	}
}

// Declare creates the topic if it is missing. Topics are always durable in
// Kafka so the flag is ignored. A successful declare is cached per topic.
func (c *Channel) Declare(ctx context.Context, destination string, _ bool) error {
	if destination == "" {
		return fmt.Errorf("%w: empty topic name", transport.ErrInvalidDestination)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return transport.ErrClosed
	}
	_, ok := c.declared[destination]
	c.mu.Unlock()
	if ok {
		return nil
	}

	p := c.producer
	if err := declareTopic(ctx, p.admin, p.cfg.TopicDefaults(destination), p.log); err != nil {
		var kafkaErr kafka.Error
		if errors.As(err, &kafkaErr) &&
			(kafkaErr.Code() == kafka.ErrTopicException || kafkaErr.Code() == kafka.ErrInvalidPartitions) {
			return fmt.Errorf("%w: %w", transport.ErrInvalidDestination, err)
		}
		return err
	}

	c.mu.Lock()
	c.declared[destination] = struct{}{}
	c.mu.Unlock()
	return nil
}

// Send enqueues body on the topic. It returns false when the local producer
// queue is full; a drain signal follows once it has room again.
func (c *Channel) Send(_ context.Context, destination string, body []byte) (bool, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed || c.producer.isClosed() {
		return false, transport.ErrClosed
	}
	return c.producer.produce(destination, body)
}

// Drained returns the producer's drain signal. It is closed when the
// producer closes.
func (c *Channel) Drained() <-chan struct{} {
	return c.producer.drained
}

// Close marks the channel closed. The producer is owned by the connection
// and stays open.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}
