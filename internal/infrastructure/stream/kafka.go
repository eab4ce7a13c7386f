package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"trackd/internal/application/port"
	"trackd/internal/domain"
)

// Publisher pushes quote and position events onto a Kafka topic for
// downstream consumers.
type Publisher struct {
	writer *kafka.Writer
}

func NewPublisher(brokers []string, topic string) *Publisher {
	return &Publisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			BatchTimeout: 10 * time.Millisecond,
		},
	}
}

type quoteEvent struct {
	EventType string       `json:"event_type"`
	Quote     domain.Quote `json:"quote"`
	Timestamp time.Time    `json:"timestamp"`
}

type positionEvent struct {
	EventType string          `json:"event_type"`
	Position  domain.Position `json:"position"`
	Timestamp time.Time       `json:"timestamp"`
}

func (p *Publisher) PublishQuote(ctx context.Context, q domain.Quote) error {
	return p.publish(ctx, q.Symbol, quoteEvent{
		EventType: "QUOTE_UPDATED",
		Quote:     q,
		Timestamp: time.Now(),
	})
}

func (p *Publisher) PublishPositionChanged(ctx context.Context, eventType string, pos domain.Position) error {
	return p.publish(ctx, pos.Commodity, positionEvent{
		EventType: eventType,
		Position:  pos,
		Timestamp: time.Now(),
	})
}

func (p *Publisher) publish(ctx context.Context, key string, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: data}); err != nil {
		return fmt.Errorf("write message to kafka: %w", err)
	}
	return nil
}

func (p *Publisher) Close() error { return p.writer.Close() }

// NoopPublisher is used when Kafka is disabled.
type NoopPublisher struct{}

func (NoopPublisher) PublishQuote(context.Context, domain.Quote) error { return nil }
func (NoopPublisher) PublishPositionChanged(context.Context, string, domain.Position) error {
	return nil
}
func (NoopPublisher) Close() error { return nil }

var (
	_ port.EventPublisher = (*Publisher)(nil)
	_ port.EventPublisher = NoopPublisher{}
)
