package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/ava-labs/buffered-publisher/pkg/kafka"
	"github.com/ava-labs/buffered-publisher/pkg/rabbitmq"
	"github.com/ava-labs/buffered-publisher/pkg/transport"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

const (
	transportAMQP  = "amqp"
	transportKafka = "kafka"
)

// Config holds all configuration for the relay application
type Config struct {
	// Application settings
	Verbose     bool
	ServiceName string
	Transport   string
	DialTimeout time.Duration

	// Broker settings, only the one matching Transport is populated
	AMQP  rabbitmq.Config
	Kafka kafka.ProducerConfig

	// Ingest settings
	ListenAddr          string
	MaxBodyBytes        int64
	MaxInflightRequests int64

	// Buffer reporting settings
	BufferReportInterval time.Duration
	BufferWarnThreshold  int

	// Metrics settings
	MetricsHost   string
	MetricsPort   int
	Environment   string
	Region        string
	CloudProvider string
}

// MetricsAddr returns the formatted metrics address
func (c *Config) MetricsAddr() string {
	return fmt.Sprintf("%s:%d", c.MetricsHost, c.MetricsPort)
}

// BrokerAddress returns the address of the configured broker with any
// credentials redacted.
func (c *Config) BrokerAddress() string {
	if c.Transport == transportKafka {
		return c.Kafka.BootstrapServers
	}
	return c.AMQP.Address()
}

// Dialer returns the transport dialer for the configured broker.
func (c *Config) Dialer(log *zap.SugaredLogger) transport.Dialer {
	if c.Transport == transportKafka {
		return kafka.NewDialer(c.Kafka, log)
	}
	return rabbitmq.NewDialer(c.AMQP, log)
}

// buildConfig builds a Config from CLI context flags. Adapter settings
// without a flag come from the adapter's environment configuration.
func buildConfig(c *cli.Context) (*Config, error) {
	cfg := &Config{
		Verbose:       c.Bool("verbose"),
		ServiceName:   c.String("service-name"),
		Transport:     c.String("transport"),
		DialTimeout:   c.Duration("dial-timeout"),
		ListenAddr:    c.String("listen-addr"),
		MaxBodyBytes:  c.Int64("max-body-bytes"),
		MetricsHost:   c.String("metrics-host"),
		MetricsPort:   c.Int("metrics-port"),
		Environment:   c.String("environment"),
		Region:        c.String("region"),
		CloudProvider: c.String("cloud-provider"),

		MaxInflightRequests:  c.Int64("max-inflight-requests"),
		BufferReportInterval: c.Duration("buffer-report-interval"),
		BufferWarnThreshold:  c.Int("buffer-warn-threshold"),
	}

	if cfg.DialTimeout <= 0 {
		return nil, errors.New("dial-timeout must be positive")
	}
	if cfg.MaxBodyBytes <= 0 {
		return nil, errors.New("max-body-bytes must be positive")
	}
	if cfg.MaxInflightRequests <= 0 {
		return nil, errors.New("max-inflight-requests must be positive")
	}
	if cfg.BufferReportInterval <= 0 {
		return nil, errors.New("buffer-report-interval must be positive")
	}

	switch cfg.Transport {
	case transportAMQP:
		amqpCfg, err := rabbitmq.Load()
		if err != nil {
			return nil, err
		}
		amqpCfg.URL = c.String("amqp-url")
		amqpCfg.InflightLimit = c.Int("confirm-window")
		amqpCfg.DialTimeout = &cfg.DialTimeout
		if amqpCfg.InflightLimit <= 0 {
			return nil, fmt.Errorf("confirm-window must be positive, got %d", amqpCfg.InflightLimit)
		}
		cfg.AMQP = amqpCfg.WithDefaults()
	case transportKafka:
		kafkaCfg, err := kafka.LoadProducerConfig()
		if err != nil {
			return nil, err
		}
		kafkaCfg.BootstrapServers = c.String("kafka-brokers")
		kafkaCfg.ClientID = c.String("kafka-client-id")
		kafkaCfg.TopicNumPartitions = c.Int("kafka-topic-num-partitions")
		kafkaCfg.TopicReplicationFactor = c.Int("kafka-topic-replication-factor")
		kafkaCfg.DialTimeout = &cfg.DialTimeout
		kafkaCfg.SASL = kafka.SASLConfig{
			Username:         c.String("kafka-sasl-username"),
			Password:         c.String("kafka-sasl-password"),
			Mechanism:        c.String("kafka-sasl-mechanism"),
			SecurityProtocol: c.String("kafka-security-protocol"),
		}
		if err := kafkaCfg.TopicDefaults("relay").Validate(); err != nil {
			return nil, fmt.Errorf("invalid kafka topic defaults: %w", err)
		}
		cfg.Kafka = kafkaCfg.WithDefaults()
	default:
		return nil, fmt.Errorf("unknown transport %q, expected %q or %q", cfg.Transport, transportAMQP, transportKafka)
	}

	return cfg, nil
}
