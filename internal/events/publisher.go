// Package events publishes payment lifecycle events to the host platform
// over Kafka.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/ticketeer/ticketeer-payments/internal/domain"
)

// KafkaPublisher implements domain.EventPublisher on a Kafka topic.
// Messages are keyed by order code so events for one order stay ordered
// within a partition.
type KafkaPublisher struct {
	writer *kafka.Writer
	log    *zap.Logger
}

// NewKafkaPublisher creates a publisher for the given brokers and topic.
func NewKafkaPublisher(brokers []string, topic string, log *zap.Logger) *KafkaPublisher {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
	return &KafkaPublisher{writer: writer, log: log}
}

// Publish sends one payment event.
func (p *KafkaPublisher) Publish(ctx context.Context, ev domain.PaymentEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.OrderCode),
		Value: data,
	})
	if err != nil {
		p.log.Error("failed to write event", zap.String("event", ev.Event), zap.Error(err))
		return err
	}
	return nil
}

// Close flushes and closes the underlying writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// Noop is the publisher used when no brokers are configured.
type Noop struct{}

// Publish discards the event.
func (Noop) Publish(context.Context, domain.PaymentEvent) error { return nil }
