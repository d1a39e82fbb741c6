package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ava-labs/buffered-publisher/pkg/transport"
	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"
)

// ErrFlushIncomplete is returned by Close when queued messages could not be
// delivered before the flush timeout.
var ErrFlushIncomplete = errors.New("flush incomplete")

const eventBufferSize = 16

// Producer is a Kafka broker connection backed by a non-blocking librdkafka
// producer. It implements transport.Connection.
//
// Produce never waits for delivery: a message is accepted once it is in the
// local queue and rejected with ErrQueueFull once the queue is full. After a
// rejection the next delivery report, successful or not, means the queue has
// room again and is turned into a drain signal.
//
// Background goroutines process producer events and logs. Close MUST be
// called to stop them and flush queued messages.
type Producer struct {
	producer *kafka.Producer
	admin    *kafka.AdminClient
	cfg      ProducerConfig
	log      *zap.SugaredLogger

	// mu guards closed and the sends on drained and events that can race
	// with Close.
	mu           sync.RWMutex
	closed       bool
	drained      chan struct{}
	drainPending atomic.Bool
	events       chan transport.Event

	closedCh   chan struct{}
	eventsDone chan struct{}
	logsDone   chan struct{}
	once       sync.Once
	closeErr   error
}

// NewProducer creates a Producer without contacting the brokers.
func NewProducer(cfg ProducerConfig, log *zap.SugaredLogger) (*Producer, error) {
	if log == nil {
		return nil, errors.New("invalid logger: must not be nil")
	}
	cfg = cfg.WithDefaults()

	p, err := kafka.NewProducer(cfg.ConfigMap())
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	admin, err := kafka.NewAdminClientFromProducer(p)
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("failed to create kafka admin client: %w", err)
	}

	kp := &Producer{
		producer:   p,
		admin:      admin,
		cfg:        cfg,
		log:        log,
		drained:    make(chan struct{}, 1),
		events:     make(chan transport.Event, eventBufferSize),
		closedCh:   make(chan struct{}),
		eventsDone: make(chan struct{}),
		logsDone:   make(chan struct{}),
	}

	if cfg.EnableLogs {
		go kp.printKafkaLogs()
	} else {
		close(kp.logsDone)
	}

	go kp.monitorProducerEvents()

	return kp, nil
}

// Dial creates a Producer and checks that the brokers answer a metadata
// request. Brokers that cannot be reached yield transport.ErrUnreachable.
func Dial(ctx context.Context, cfg ProducerConfig, log *zap.SugaredLogger) (*Producer, *Channel, error) {
	p, err := NewProducer(cfg, log)
	if err != nil {
		return nil, nil, err
	}

	timeout := *p.cfg.DialTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = min(timeout, time.Until(deadline))
	}
	if _, err := p.admin.GetMetadata(nil, false, int(timeout.Milliseconds())); err != nil {
		_ = p.Close()
		return nil, nil, fmt.Errorf("%w: %s: %w", transport.ErrUnreachable, cfg.BootstrapServers, err)
	}

	log.Infow("connected to kafka", "bootstrapServers", cfg.BootstrapServers, "clientID", cfg.ClientID)
	return p, NewChannel(p), nil
}

// NewDialer returns a transport.Dialer that dials cfg with the address as
// bootstrap servers. An empty address keeps cfg.BootstrapServers.
func NewDialer(cfg ProducerConfig, log *zap.SugaredLogger) transport.Dialer {
	return func(ctx context.Context, address string) (transport.Connection, transport.Channel, error) {
		if address != "" {
			cfg.BootstrapServers = address
		}
		p, ch, err := Dial(ctx, cfg, log)
		if err != nil {
			return nil, nil, err
		}
		return p, ch, nil
	}
}

// Events returns the connection event stream. It is closed by Close after a
// final EventClose.
func (p *Producer) Events() <-chan transport.Event {
	return p.events
}

// Close flushes queued messages, stops background goroutines and closes the
// producer. Messages still queued when the flush timeout is reached are lost
// and Close returns ErrFlushIncomplete.
//
// Calling Close multiple times returns the first result.
func (p *Producer) Close() error {
	p.once.Do(func() {
		p.log.Info("closing kafka producer")

		// Delivery reports count as pending until the monitor reads them, so
		// flush before stopping it.
		pending := p.producer.Flush(int(p.cfg.FlushTimeout.Milliseconds()))
		if pending > 0 {
			p.log.Warnw("flush incomplete, messages will be lost", "pending", pending)
			p.closeErr = fmt.Errorf("%w: %d messages pending", ErrFlushIncomplete, pending)
		}

		close(p.closedCh)
		<-p.eventsDone
		<-p.logsDone

		p.admin.Close()
		p.producer.Close()

		p.mu.Lock()
		p.closed = true
		select {
		case p.events <- transport.Event{Kind: transport.EventClose}:
		default:
			p.log.Warn("event channel is full, dropping close event")
		}
		close(p.events)
		close(p.drained)
		p.mu.Unlock()

		p.log.Info("kafka producer closed")
	})
	return p.closeErr
}

func (p *Producer) isClosed() bool {
	select {
	case <-p.closedCh:
		return true
	default:
		return false
	}
}

// produce enqueues a message without waiting for delivery.
func (p *Producer) produce(topic string, body []byte) (bool, error) {
	msg := &kafka.Message{
		TopicPartition: kafka.TopicPartition{
			Topic:     &topic,
			Partition: kafka.PartitionAny,
		},
		Value: body,
	}

	err := p.producer.Produce(msg, nil)
	if err == nil {
		return true, nil
	}

	var kafkaErr kafka.Error
	if !errors.As(err, &kafkaErr) {
		return false, fmt.Errorf("failed to produce: %w", err)
	}

	switch kafkaErr.Code() {
	case kafka.ErrQueueFull:
		p.log.Debugw("producer queue full, message rejected", "topic", topic)
		p.markRejected()
		return false, nil
	case kafka.ErrBrokerNotAvailable:
		return false, fmt.Errorf("broker not available: %w", err)
	case kafka.ErrInvalidMsgSize:
		return false, fmt.Errorf("invalid message size: %w", err)
	case kafka.ErrInvalidMsg:
		return false, fmt.Errorf("invalid message: %w", err)
	case kafka.ErrUnknownTopicOrPart:
		return false, fmt.Errorf("%w: unknown topic or partition: %w", transport.ErrInvalidDestination, err)
	case kafka.ErrAuthentication:
		return false, fmt.Errorf("authentication error: %w", err)
	default:
		return false, fmt.Errorf("failed to produce: %w", err)
	}
}

// markRejected arms the drain signal for the next delivery report. A queue
// that is already empty again will not produce one, so it signals at once.
func (p *Producer) markRejected() {
	p.drainPending.Store(true)
	if p.producer.Len() == 0 {
		p.releaseDrain()
	}
}

func (p *Producer) releaseDrain() {
	if !p.drainPending.CompareAndSwap(true, false) {
		return
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	select {
	case p.drained <- struct{}{}:
	default:
	}
}

func (p *Producer) emit(ev transport.Event) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	select {
	case p.events <- ev:
	default:
		p.log.Warnw("event channel is full, dropping event", "kind", ev.Kind, "error", ev.Err)
	}
}

func (p *Producer) printKafkaLogs() {
	defer close(p.logsDone)
	for {
		select {
		case <-p.closedCh:
			p.log.Info("stopping kafka logs printing, done channel closed")
			return
		case log, ok := <-p.producer.Logs():
			if !ok {
				p.log.Info("kafka logs printing, event channel closed")
				return
			}
			p.log.Debugf("level: %d tag: %s message: %s ", log.Level, log.Tag, log.Message)
		}
	}
}

func (p *Producer) monitorProducerEvents() {
	defer close(p.eventsDone)
	for {
		select {
		case <-p.closedCh:
			p.log.Info("stopping kafka producer events monitoring, done channel closed")
			return
		case ev, ok := <-p.producer.Events():
			if !ok {
				p.emit(transport.Event{
					Kind: transport.EventError,
					Err:  errors.New("kafka producer event channel closed"),
				})
				return
			}
			p.handleEvent(ev)
		}
	}
}

func (p *Producer) handleEvent(ev kafka.Event) {
	switch e := ev.(type) {
	case *kafka.Message:
		if e.TopicPartition.Error != nil {
			p.log.Errorw("failed to deliver message",
				"topic", topicName(e.TopicPartition),
				"error", e.TopicPartition.Error)
		} else {
			p.log.Debugf("delivered to topic [%s] partition [%d] at offset [%d]",
				topicName(e.TopicPartition), e.TopicPartition.Partition, e.TopicPartition.Offset)
		}
		p.releaseDrain()
	case kafka.Stats:
		p.log.Infof("kafka stats event received %s", e.String())
	case kafka.Error:
		if e.IsFatal() || e.Code() == kafka.ErrAllBrokersDown {
			p.emit(transport.Event{
				Kind: transport.EventError,
				Err:  fmt.Errorf("fatal err or ErrAllBrokersDown: %#x, %w", e.Code(), e),
			})
			return
		}
		p.log.Warnf("ignoring unexpected kafka error: %#x, %v", e.Code(), e)
	default:
		p.log.Warnf("Unknown event: %+v", e)
	}
}

func topicName(tp kafka.TopicPartition) string {
	if tp.Topic == nil {
		return ""
	}
	return *tp.Topic
}
