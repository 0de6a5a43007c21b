package notify

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/blackmichael/adgate/internal/domain"
)

// AMQPConfig configures the RabbitMQ dispatcher.
type AMQPConfig struct {
	URL            string
	Exchange       string
	OwnerQueue     string
	ModeratorQueue string
}

type amqpPublisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQP publishes notifications to one durable queue per audience.
type AMQP struct {
	conn    *amqp.Connection
	channel amqpPublisher
	cfg     AMQPConfig
	mu      sync.Mutex
}

// NewAMQP connects to the broker and declares the audience queues.
func NewAMQP(cfg AMQPConfig) (*AMQP, error) {
	if cfg.OwnerQueue == "" || cfg.ModeratorQueue == "" {
		return nil, fmt.Errorf("owner and moderator queues are required")
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("amqp connect: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	for _, q := range []string{cfg.OwnerQueue, cfg.ModeratorQueue} {
		if _, err := ch.QueueDeclare(q, true, false, false, false, nil); err != nil {
			conn.Close()
			return nil, fmt.Errorf("declare queue %s: %w", q, err)
		}
	}
	return &AMQP{conn: conn, channel: ch, cfg: cfg}, nil
}

func (a *AMQP) NotifyOwner(ctx context.Context, n domain.Notification) error {
	return a.publish(ctx, AudienceOwner, a.cfg.OwnerQueue, n)
}

func (a *AMQP) NotifyModerators(ctx context.Context, n domain.Notification) error {
	return a.publish(ctx, AudienceModerators, a.cfg.ModeratorQueue, n)
}

func (a *AMQP) publish(ctx context.Context, audience Audience, queue string, n domain.Notification) error {
	body, err := encode(audience, n)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	err = a.channel.PublishWithContext(ctx, a.cfg.Exchange, queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    n.ListingID + ":" + string(n.Action) + ":" + n.CreatedAt.Format("20060102T150405.000000000"),
		Timestamp:    n.CreatedAt,
		Type:         string(n.Action),
		Body:         body,
		Headers:      amqp.Table{"audience": string(audience), "listing_id": n.ListingID},
	})
	if err != nil {
		return fmt.Errorf("amqp publish to %s: %w", queue, err)
	}
	return nil
}

// Healthy reports whether the broker connection is open.
func (a *AMQP) Healthy() bool {
	return a.conn != nil && !a.conn.IsClosed()
}

// Close closes the broker connection.
func (a *AMQP) Close() error {
	if a.conn == nil {
		return nil
	}
	return a.conn.Close()
}
