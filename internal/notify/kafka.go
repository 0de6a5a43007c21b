package notify

import (
	"context"
	"fmt"

	"github.com/segmentio/kafka-go"

	"github.com/blackmichael/adgate/internal/domain"
)

// KafkaConfig configures the Kafka dispatcher.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka writes notifications to a moderation event topic, keyed by listing
// so that events for one listing stay ordered.
type Kafka struct {
	writer messageWriter
}

// NewKafka creates a Kafka dispatcher.
func NewKafka(cfg KafkaConfig) (*Kafka, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, fmt.Errorf("kafka brokers and topic are required")
	}
	return &Kafka{writer: &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}}, nil
}

func (k *Kafka) NotifyOwner(ctx context.Context, n domain.Notification) error {
	return k.write(ctx, AudienceOwner, n)
}

func (k *Kafka) NotifyModerators(ctx context.Context, n domain.Notification) error {
	return k.write(ctx, AudienceModerators, n)
}

func (k *Kafka) write(ctx context.Context, audience Audience, n domain.Notification) error {
	body, err := encode(audience, n)
	if err != nil {
		return err
	}
	err = k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(n.ListingID),
		Value: body,
		Time:  n.CreatedAt,
		Headers: []kafka.Header{
			{Key: "audience", Value: []byte(audience)},
			{Key: "action", Value: []byte(n.Action)},
		},
	})
	if err != nil {
		return fmt.Errorf("kafka write: %w", err)
	}
	return nil
}

// Close flushes and closes the writer.
func (k *Kafka) Close() error {
	return k.writer.Close()
}
