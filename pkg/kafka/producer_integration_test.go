//go:build integration
// +build integration

package kafka

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/ava-labs/buffered-publisher/pkg/queue"
	"github.com/ava-labs/buffered-publisher/pkg/transport"
	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap/zaptest"
)

const (
	kafkaImage  = "confluentinc/cp-kafka:7.5.0"
	testTimeout = 30 * time.Second
)

type kafkaContainer struct {
	container testcontainers.Container
	brokers   string
}

func setupKafka(t *testing.T) *kafkaContainer {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        kafkaImage,
		ExposedPorts: []string{"9093/tcp"},
		HostConfigModifier: func(hc *container.HostConfig) {
			// Bind container port 9093 to host port 9093 to match advertised listeners
			hc.PortBindings = map[nat.Port][]nat.PortBinding{
				"9093/tcp": {{HostIP: "127.0.0.1", HostPort: "9093"}},
			}
		},
		Env: map[string]string{
			"KAFKA_LISTENERS":                                "PLAINTEXT://0.0.0.0:9093,BROKER://0.0.0.0:9092,CONTROLLER://0.0.0.0:9094",
			"KAFKA_ADVERTISED_LISTENERS":                     "PLAINTEXT://localhost:9093,BROKER://localhost:9092",
			"KAFKA_LISTENER_SECURITY_PROTOCOL_MAP":           "CONTROLLER:PLAINTEXT,BROKER:PLAINTEXT,PLAINTEXT:PLAINTEXT",
			"KAFKA_INTER_BROKER_LISTENER_NAME":               "BROKER",
			"KAFKA_CONTROLLER_LISTENER_NAMES":                "CONTROLLER",
			"KAFKA_CONTROLLER_QUORUM_VOTERS":                 "1@localhost:9094",
			"KAFKA_PROCESS_ROLES":                            "broker,controller",
			"KAFKA_NODE_ID":                                  "1",
			"KAFKA_OFFSETS_TOPIC_REPLICATION_FACTOR":         "1",
			"KAFKA_TRANSACTION_STATE_LOG_REPLICATION_FACTOR": "1",
			"KAFKA_TRANSACTION_STATE_LOG_MIN_ISR":            "1",
			"KAFKA_AUTO_CREATE_TOPICS_ENABLE":                "false",
			"CLUSTER_ID":                                     "MkU3OEVBNTcwNTJENDM2Qk",
		},
		WaitingFor: wait.ForLog("Kafka Server started").WithStartupTimeout(testTimeout),
	}

	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)

	kc := &kafkaContainer{container: c, brokers: "localhost:9093"}
	t.Cleanup(func() { kc.teardown(t) })

	// Give Kafka extra time to fully start and stabilize
	time.Sleep(10 * time.Second)
	return kc
}

func (kc *kafkaContainer) teardown(t *testing.T) {
	if kc.container != nil {
		if err := kc.container.Terminate(context.Background()); err != nil {
			t.Logf("failed to terminate Kafka container: %v", err)
		}
	}
}

func (kc *kafkaContainer) config(queueSize int) ProducerConfig {
	flush := 10 * time.Second
	dial := 10 * time.Second
	return ProducerConfig{
		BootstrapServers:          kc.brokers,
		ClientID:                  "relay-integration",
		QueueBufferingMaxMessages: queueSize,
		TopicNumPartitions:        1,
		TopicReplicationFactor:    1,
		FlushTimeout:              &flush,
		DialTimeout:               &dial,
	}
}

func consumeAll(t *testing.T, brokers, topic string, want int) []string {
	t.Helper()
	consumer, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers": brokers,
		"group.id":          "relay-integration-" + topic,
		"auto.offset.reset": "earliest",
	})
	require.NoError(t, err)
	defer consumer.Close()
	require.NoError(t, consumer.Subscribe(topic, nil))

	var got []string
	deadline := time.Now().Add(testTimeout)
	for len(got) < want && time.Now().Before(deadline) {
		msg, err := consumer.ReadMessage(time.Second)
		if err != nil {
			continue
		}
		got = append(got, string(msg.Value))
	}
	return got
}

func TestIntegration_DeclareCreatesTopic(t *testing.T) {
	kc := setupKafka(t)
	log := zaptest.NewLogger(t).Sugar()

	p, ch, err := Dial(t.Context(), kc.config(100), log)
	require.NoError(t, err)
	defer p.Close()

	require.NoError(t, ch.Declare(t.Context(), "declared-topic", true))
	// Second declare hits the cache and an existing topic alike.
	require.NoError(t, ch.Declare(t.Context(), "declared-topic", true))

	exists, partitions, err := lookupTopic(p.admin, "declared-topic")
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Equal(t, 1, partitions)
}

func TestIntegration_PublishChannelKeepsOrderUnderBackpressure(t *testing.T) {
	kc := setupKafka(t)
	log := zaptest.NewLogger(t).Sugar()

	// A tiny local queue forces rejections and drain-driven flushes.
	p, ch, err := Dial(t.Context(), kc.config(2), log)
	require.NoError(t, err)

	pc, err := queue.NewPublishChannel(log, ch, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- pc.Run(ctx) }()

	const total = 50
	for i := range total {
		require.NoError(t, pc.Push(ctx, "ordered-topic", fmt.Sprintf("msg-%02d", i)))
	}

	require.Eventually(t, func() bool {
		return pc.State() == queue.StateIdle
	}, testTimeout, 50*time.Millisecond)

	require.NoError(t, pc.Close())
	require.NoError(t, p.Close())
	cancel()
	<-done

	got := consumeAll(t, kc.brokers, "ordered-topic", total)
	require.Len(t, got, total)
	for i, v := range got {
		assert.Equal(t, fmt.Sprintf("%q", fmt.Sprintf("msg-%02d", i)), v)
	}
}

func TestIntegration_ConnectionClose(t *testing.T) {
	kc := setupKafka(t)
	log := zaptest.NewLogger(t).Sugar()

	p, _, err := Dial(t.Context(), kc.config(100), log)
	require.NoError(t, err)
	require.NoError(t, p.Close())

	ev := <-p.Events()
	assert.Equal(t, transport.EventClose, ev.Kind)
}
