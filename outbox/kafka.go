package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

type KafkaPublisher struct {
	writer *kafka.Writer
	prefix string
}

// NewKafkaPublisher writes every event to the topic named after it, with
// prefix prepended ("escrow." + "order.paid").
func NewKafkaPublisher(brokers []string, prefix string) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("outbox: kafka publisher requires at least one broker")
	}
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			RequiredAcks:           kafka.RequireAll,
			Balancer:               &kafka.Hash{},
			AllowAutoTopicCreation: true,
		},
		prefix: prefix,
	}, nil
}

func (p *KafkaPublisher) Topic(event string) string {
	return p.prefix + event
}

func (p *KafkaPublisher) Publish(ctx context.Context, topic string, payload []byte, partitionKey string) error {
	return p.writer.WriteMessages(ctx, kafka.Message{
		Topic: p.Topic(topic),
		Key:   []byte(partitionKey),
		Value: payload,
		Time:  time.Now().UTC(),
	})
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// LoggingPublisher stands in for Kafka when no brokers are configured, so the
// outbox still drains in development.
type LoggingPublisher struct {
	logger *slog.Logger
}

func NewLoggingPublisher(logger *slog.Logger) *LoggingPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingPublisher{logger: logger}
}

func (p *LoggingPublisher) Publish(ctx context.Context, topic string, payload []byte, partitionKey string) error {
	p.logger.InfoContext(ctx, "outbox event",
		"module", "outbox",
		"operation", "publish",
		"outcome", "logged",
		"topic", topic,
		"partition_key", partitionKey,
		"bytes", len(payload),
	)
	return nil
}
