package outbox

import (
	"context"

	"github.com/segmentio/kafka-go"
)

// KafkaPublisher writes outbox events to Kafka, keyed by aggregate so a single
// payment's events land on one partition in order.
type KafkaPublisher struct {
	writer *kafka.Writer
}

// NewKafkaPublisher builds a publisher over the given brokers. The topic is
// taken from each event.
func NewKafkaPublisher(brokers []string) *KafkaPublisher {
	return &KafkaPublisher{writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireOne,
	}}
}

// Publish sends one event.
func (publisher *KafkaPublisher) Publish(ctx context.Context, event Event) error {
	return publisher.writer.WriteMessages(ctx, kafka.Message{
		Topic: event.Topic,
		Key:   []byte(event.AggregateID),
		Value: event.Payload,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.EventType)},
		},
	})
}

// Close flushes and closes the underlying writer.
func (publisher *KafkaPublisher) Close() error {
	return publisher.writer.Close()
}
