package mq

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Publisher handles message publishing to RabbitMQ
type Publisher struct {
	conn     *Connection
	channel  *amqp.Channel
	exchange string
	logger   *zap.Logger
}

// NewPublisher creates a new RabbitMQ publisher
func NewPublisher(conn *Connection, exchange string, logger *zap.Logger) (*Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		exchange,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	return &Publisher{
		conn:     conn,
		channel:  ch,
		exchange: exchange,
		logger:   logger,
	}, nil
}

// AppliedEvent is published after a queue item reaches COMPLETED, so
// downstream consumers learn a canonical record was produced or mutated.
type AppliedEvent struct {
	QueueItemID   int64  `json:"queue_item_id"`
	ClientEventID string `json:"client_event_id"`
	ResourceType  string `json:"resource_type"`
	OperationType string `json:"operation_type"`
	EntityID      string `json:"entity_id"`
	CompletedAt   string `json:"completed_at"`
}

// PublishApplied publishes an applied-item notification
func (p *Publisher) PublishApplied(ctx context.Context, event AppliedEvent, routingKey string) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal applied event: %w", err)
	}

	err = p.channel.PublishWithContext(
		ctx,
		p.exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish applied event: %w", err)
	}

	p.logger.Debug("published applied event",
		zap.String("routing_key", routingKey),
		zap.String("resource_type", event.ResourceType),
		zap.String("entity_id", event.EntityID),
	)

	return nil
}

// Close closes the publisher channel
func (p *Publisher) Close() error {
	if p.channel != nil {
		return p.channel.Close()
	}
	return nil
}
