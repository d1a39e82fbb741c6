package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"
)

const metadataTimeout = 10 * time.Second

// TopicConfig describes a topic created on first publish.
type TopicConfig struct {
	Name              string
	NumPartitions     int
	ReplicationFactor int
}

func (tc TopicConfig) Validate() error {
	if tc.Name == "" {
		return errors.New("topic name cannot be empty")
	}
	if tc.NumPartitions <= 0 {
		return fmt.Errorf("number of partitions must be > 0, got %d", tc.NumPartitions)
	}
	if tc.ReplicationFactor <= 0 {
		return fmt.Errorf("replication factor must be > 0, got %d", tc.ReplicationFactor)
	}
	return nil
}

// lookupTopic reports whether name exists on the cluster, with its partition
// count when it does.
func lookupTopic(admin *kafka.AdminClient, name string) (bool, int, error) {
	md, err := admin.GetMetadata(&name, false, int(metadataTimeout.Milliseconds()))
	if err != nil {
		return false, 0, fmt.Errorf("failed to get metadata for topic %q: %w", name, err)
	}
	topic, ok := md.Topics[name]
	switch {
	case !ok, topic.Error.Code() == kafka.ErrUnknownTopicOrPart:
		return false, 0, nil
	case topic.Error.Code() != kafka.ErrNoError:
		return false, 0, fmt.Errorf("topic %q has error: %w", name, topic.Error)
	}
	return true, len(topic.Partitions), nil
}

// declareTopic creates the topic unless it exists. An existing topic is left
// as is, whatever its layout. Losing a creation race to another producer is
// not an error.
func declareTopic(ctx context.Context, admin *kafka.AdminClient, tc TopicConfig, log *zap.SugaredLogger) error {
	if err := tc.Validate(); err != nil {
		return fmt.Errorf("invalid topic config: %w", err)
	}

	exists, partitions, err := lookupTopic(admin, tc.Name)
	if err != nil {
		return err
	}
	if exists {
		log.Debugw("topic exists", "topic", tc.Name, "partitions", partitions)
		return nil
	}

	results, err := admin.CreateTopics(ctx, []kafka.TopicSpecification{{
		Topic:             tc.Name,
		NumPartitions:     tc.NumPartitions,
		ReplicationFactor: tc.ReplicationFactor,
	}})
	if err != nil {
		return fmt.Errorf("failed to create topic %q: %w", tc.Name, err)
	}
	for _, r := range results {
		switch r.Error.Code() {
		case kafka.ErrNoError:
			log.Infow("created topic",
				"topic", r.Topic,
				"partitions", tc.NumPartitions,
				"replicationFactor", tc.ReplicationFactor)
		case kafka.ErrTopicAlreadyExists:
		default:
			return fmt.Errorf("failed to create topic %q: %w", r.Topic, r.Error)
		}
	}
	return nil
}
