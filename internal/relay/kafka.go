package relay

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"

	"github.com/commercekit/fulfillment-service/internal/config"
	"github.com/commercekit/fulfillment-service/internal/domain"
)

// Compile-time interface verification.
var _ Publisher = (*KafkaPublisher)(nil)

// KafkaPublisher publishes audit events to a Kafka topic. Messages
// are keyed by order ID so events for one order land on one partition
// in log order.
type KafkaPublisher struct {
	writer *kafka.Writer
}

// NewKafkaPublisher creates a publisher for the configured topic.
func NewKafkaPublisher(cfg config.KafkaConfig) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			Balancer:     &kafka.Hash{},
			BatchSize:    cfg.BatchSize,
			BatchTimeout: cfg.BatchTimeout,
			RequiredAcks: kafka.RequireAll,
		},
	}
}

// Publish writes the batch to Kafka. The write is all-or-nothing from
// the relay's point of view: any error leaves the cursor untouched.
func (p *KafkaPublisher) Publish(ctx context.Context, events []*domain.Event) error {
	if len(events) == 0 {
		return nil
	}
	messages := make([]kafka.Message, 0, len(events))
	for _, event := range events {
		value, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("marshal event %d: %w", event.ID, err)
		}
		messages = append(messages, kafka.Message{
			Key:   []byte(event.OrderID),
			Value: value,
		})
	}
	return p.writer.WriteMessages(ctx, messages...)
}

// Close flushes and closes the underlying writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
