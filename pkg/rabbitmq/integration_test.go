//go:build integration
// +build integration

package rabbitmq

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/ava-labs/buffered-publisher/pkg/connection"
	"github.com/ava-labs/buffered-publisher/pkg/queue"
	"github.com/ava-labs/buffered-publisher/pkg/transport"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap/zaptest"
)

const (
	rabbitImage = "rabbitmq:3.13-alpine"
	testTimeout = 60 * time.Second
)

func setupRabbit(t *testing.T) string {
	ctx := context.Background()

	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        rabbitImage,
			ExposedPorts: []string{"5672/tcp"},
			WaitingFor:   wait.ForLog("Server startup complete").WithStartupTimeout(testTimeout),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := c.Terminate(context.Background()); err != nil {
			t.Logf("failed to terminate RabbitMQ container: %v", err)
		}
	})

	host, err := c.Host(ctx)
	require.NoError(t, err)
	port, err := c.MappedPort(ctx, "5672/tcp")
	require.NoError(t, err)
	return fmt.Sprintf("amqp://guest:guest@%s:%s/", host, port.Port())
}

func TestIntegration_PublishChannelKeepsOrder(t *testing.T) {
	url := setupRabbit(t)
	log := zaptest.NewLogger(t).Sugar()

	// A small confirm window forces rejections and drain-driven flushes.
	conn, ch, err := Dial(t.Context(), Config{URL: url, InflightLimit: 2}, log)
	require.NoError(t, err)

	pc, err := queue.NewPublishChannel(log, ch, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- pc.Run(ctx) }()

	const total = 100
	for i := range total {
		require.NoError(t, pc.Push(ctx, "ordered", i))
	}
	require.Eventually(t, func() bool {
		return pc.State() == queue.StateIdle
	}, testTimeout, 20*time.Millisecond)

	require.NoError(t, pc.Close())
	cancel()
	<-done

	// Read back with a plain client.
	reader, err := amqp.Dial(url)
	require.NoError(t, err)
	defer reader.Close()
	rch, err := reader.Channel()
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		q, err := rch.QueueDeclarePassive("ordered", true, false, false, false, nil)
		return err == nil && q.Messages == total
	}, testTimeout, 100*time.Millisecond)

	for i := range total {
		msg, ok, err := rch.Get("ordered", true)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, fmt.Sprint(i), string(msg.Body))
		assert.Equal(t, uint8(amqp.Persistent), msg.DeliveryMode)
		assert.NotEmpty(t, msg.MessageId)
	}

	require.NoError(t, conn.Close())
}

func TestIntegration_ConnectionCloseMarksStateDown(t *testing.T) {
	url := setupRabbit(t)
	log := zaptest.NewLogger(t).Sugar()

	conn, ch, err := Dial(t.Context(), Config{URL: url}, log)
	require.NoError(t, err)
	defer ch.Close()

	mgr, err := connection.NewManager(log, conn, nil, nil)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- mgr.Run(t.Context()) }()

	require.NoError(t, conn.Close())
	require.NoError(t, <-done)
	assert.False(t, mgr.State().IsConnected())
}

func TestIntegration_DeclareMismatchKeepsConnection(t *testing.T) {
	url := setupRabbit(t)
	log := zaptest.NewLogger(t).Sugar()

	conn, ch, err := Dial(t.Context(), Config{URL: url}, log)
	require.NoError(t, err)
	defer conn.Close()

	mgr, err := connection.NewManager(log, conn, nil, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- mgr.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	require.NoError(t, ch.Declare(t.Context(), "mismatch", true))

	// A second channel sees the queue as durable and gets a 406 back.
	other := newChannel(ch.ch, ch.openDeclare, 1, log)
	err = other.Declare(t.Context(), "mismatch", false)
	require.ErrorIs(t, err, transport.ErrInvalidDestination)

	ok, err := ch.Send(t.Context(), "mismatch", []byte(`"still publishing"`))
	require.NoError(t, err)
	assert.True(t, ok)

	require.Never(t, func() bool {
		return !mgr.State().IsConnected()
	}, time.Second, 50*time.Millisecond)
}
