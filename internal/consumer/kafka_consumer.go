package consumer

import (
	"context"
	"fmt"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"

	"github.com/weiawesome/cdc-search-bridge/internal/config"
	"github.com/weiawesome/cdc-search-bridge/internal/domain"
	pkglog "github.com/weiawesome/cdc-search-bridge/pkg/log"
)

// KafkaConsumer implements StreamConsumer using confluent-kafka-go.
// Auto-commit is disabled: consumption progress only advances through
// explicit Commit calls. Partition ordering is the client's guarantee;
// nothing here reorders messages within a partition.
type KafkaConsumer struct {
	consumer *kafka.Consumer
	topics   []string
	pollWait time.Duration
}

// NewKafkaConsumer creates a consumer and establishes the subscription.
func NewKafkaConsumer(cfg config.KafkaConfig) (*KafkaConsumer, error) {
	c, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers":     cfg.Brokers,
		"group.id":              cfg.GroupID,
		"auto.offset.reset":     cfg.AutoOffsetReset,
		"enable.auto.commit":    false,
		"max.poll.interval.ms":  cfg.MaxPollIntervalMs,
		"session.timeout.ms":    cfg.SessionTimeoutMs,
		"heartbeat.interval.ms": cfg.HeartbeatIntervalMs,
		"fetch.min.bytes":       cfg.FetchMinBytes,
		"fetch.wait.max.ms":     cfg.FetchMaxWaitMs,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer: %w", err)
	}

	if err := c.SubscribeTopics(cfg.Topics, nil); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to subscribe to topics %v: %w", cfg.Topics, err)
	}

	pollWait := time.Duration(cfg.PollWaitMs) * time.Millisecond
	if pollWait <= 0 {
		pollWait = 500 * time.Millisecond
	}

	l := pkglog.L()
	l.Info().
		Strs("topics", cfg.Topics).
		Str(pkglog.FieldGroupID, cfg.GroupID).
		Msg("kafka consumer subscribed")

	return &KafkaConsumer{
		consumer: c,
		topics:   cfg.Topics,
		pollWait: pollWait,
	}, nil
}

// Poll collects up to max messages within the configured poll wait.
func (kc *KafkaConsumer) Poll(ctx context.Context, max int) ([]domain.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l := pkglog.L()
	deadline := time.Now().Add(kc.pollWait)

	var out []domain.RawMessage
	for len(out) < max {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}

		ev := kc.consumer.Poll(int(remaining.Milliseconds()))
		if ev == nil {
			break
		}

		switch e := ev.(type) {
		case *kafka.Message:
			topic := ""
			if e.TopicPartition.Topic != nil {
				topic = *e.TopicPartition.Topic
			}
			out = append(out, domain.RawMessage{
				Key:       e.Key,
				Value:     e.Value,
				Topic:     topic,
				Partition: e.TopicPartition.Partition,
				Offset:    int64(e.TopicPartition.Offset),
			})
		case kafka.Error:
			if e.IsFatal() {
				return out, fmt.Errorf("fatal kafka error: %w", e)
			}
			l.Warn().Err(e).Msg("kafka consumer error")
		default:
			// Rebalance notifications and stats; nothing to do.
		}
	}

	return out, nil
}

// Commit stores offset+1 for each position, so the group resumes at the
// first message that has not been applied yet.
func (kc *KafkaConsumer) Commit(positions []domain.Position) error {
	if len(positions) == 0 {
		return nil
	}

	tps := make([]kafka.TopicPartition, 0, len(positions))
	for _, p := range positions {
		topic := p.Topic
		tps = append(tps, kafka.TopicPartition{
			Topic:     &topic,
			Partition: p.Partition,
			Offset:    kafka.Offset(p.Offset + 1),
		})
	}

	if _, err := kc.consumer.CommitOffsets(tps); err != nil {
		return fmt.Errorf("failed to commit offsets: %w", err)
	}
	return nil
}

// Close closes the underlying Kafka client.
func (kc *KafkaConsumer) Close() error {
	if err := kc.consumer.Close(); err != nil {
		return fmt.Errorf("failed to close kafka consumer: %w", err)
	}
	return nil
}
