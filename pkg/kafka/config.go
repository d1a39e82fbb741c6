package kafka

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
)

// Default timeout values for the Kafka producer
const (
	DefaultFlushTimeout = 15 * time.Second
	DefaultDialTimeout  = 10 * time.Second
)

const messageMaxBytes = 20971521 // 20MB

// ProducerConfig holds the configuration for the Kafka transport.
type ProducerConfig struct {
	BootstrapServers          string         `env:"KAFKA_BOOTSTRAP_SERVERS"            envDefault:"localhost:9092"` // Kafka broker addresses
	ClientID                  string         `env:"KAFKA_CLIENT_ID"                    envDefault:"relay"`          // Client ID reported to the brokers
	QueueBufferingMaxMessages int            `env:"KAFKA_QUEUE_BUFFERING_MAX_MESSAGES" envDefault:"100000"`         // Local queue size; Send is rejected once it is full
	TopicNumPartitions        int            `env:"KAFKA_TOPIC_NUM_PARTITIONS"         envDefault:"1"`              // Partitions for topics created on declare
	TopicReplicationFactor    int            `env:"KAFKA_TOPIC_REPLICATION_FACTOR"     envDefault:"1"`              // Replication factor for topics created on declare
	EnableLogs                bool           `env:"KAFKA_ENABLE_LOGS"                  envDefault:"false"`          // Enable librdkafka client logs
	FlushTimeout              *time.Duration `env:"KAFKA_FLUSH_TIMEOUT"                envDefault:"15s"`            // Flush timeout when closing the connection
	DialTimeout               *time.Duration `env:"KAFKA_DIAL_TIMEOUT"                 envDefault:"10s"`            // Metadata timeout used to check the brokers are reachable
	SASL                      SASLConfig
}

// SASLConfig holds optional SASL authentication settings.
type SASLConfig struct {
	Username         string `env:"KAFKA_SASL_USERNAME"`
	Password         string `env:"KAFKA_SASL_PASSWORD"`
	Mechanism        string `env:"KAFKA_SASL_MECHANISM"    envDefault:"SCRAM-SHA-512"`
	SecurityProtocol string `env:"KAFKA_SECURITY_PROTOCOL" envDefault:"SASL_SSL"`
}

// Enabled reports whether SASL credentials are configured.
func (s SASLConfig) Enabled() bool {
	return s.Username != "" && s.Password != ""
}

// ApplyToConfigMap sets the SASL properties on cfg when credentials are configured.
func (s SASLConfig) ApplyToConfigMap(cfg *kafka.ConfigMap) {
	if !s.Enabled() {
		return
	}
	_ = cfg.SetKey("security.protocol", s.SecurityProtocol)
	_ = cfg.SetKey("sasl.mechanisms", s.Mechanism)
	_ = cfg.SetKey("sasl.username", s.Username)
	_ = cfg.SetKey("sasl.password", s.Password)
}

// LoadProducerConfig loads the Kafka transport configuration from environment variables
func LoadProducerConfig() (ProducerConfig, error) {
	var cfg ProducerConfig
	if err := env.Parse(&cfg); err != nil {
		return ProducerConfig{}, fmt.Errorf("failed to parse kafka producer config: %w", err)
	}
	return cfg, nil
}

// WithDefaults returns a copy of the config with default values filled in for any nil pointer fields.
// This method does not mutate the original config.
func (c ProducerConfig) WithDefaults() ProducerConfig {
	if c.FlushTimeout == nil {
		timeout := DefaultFlushTimeout
		c.FlushTimeout = &timeout
	}
	if c.DialTimeout == nil {
		timeout := DefaultDialTimeout
		c.DialTimeout = &timeout
	}
	return c
}

// TopicDefaults returns the topic configuration used when declaring name.
func (c ProducerConfig) TopicDefaults(name string) TopicConfig {
	return TopicConfig{
		Name:              name,
		NumPartitions:     c.TopicNumPartitions,
		ReplicationFactor: c.TopicReplicationFactor,
	}
}

// ConfigMap builds a librdkafka producer ConfigMap from the config.
func (c ProducerConfig) ConfigMap() *kafka.ConfigMap {
	cfg := &kafka.ConfigMap{
		// Required
		"bootstrap.servers": c.BootstrapServers,
		"client.id":         c.ClientID,

		// Reliability: wait for all replicas to acknowledge
		"acks": "all",

		// Performance tuning
		"linger.ms":        5,     // Batch messages for 5ms
		"batch.size":       16384, // 16KB batch size
		"compression.type": "lz4", // Fast compression

		// Idempotence keeps per-partition order across internal retries
		"enable.idempotence": true,

		// Local queue bound; Produce fails with ErrQueueFull once reached
		"queue.buffering.max.messages": c.QueueBufferingMaxMessages,

		// Go channel for logs (optional, enable for debugging)
		"go.logs.channel.enable": c.EnableLogs,
		"message.max.bytes":      messageMaxBytes,
	}
	c.SASL.ApplyToConfigMap(cfg)
	return cfg
}
