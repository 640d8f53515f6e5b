package mq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// MessageHandler is a function that processes an uploaded message body
type MessageHandler func(ctx context.Context, body []byte) error

// Consumer drains uploaded event batches from RabbitMQ. Batches the handler
// rejects are NACKed to the DLQ instead of being redelivered forever; the
// ingestion path itself is idempotent, so redelivery of accepted batches is
// harmless.
type Consumer struct {
	conn          *Connection
	channel       *amqp.Channel
	queue         string
	dlqQueue      string
	exchange      string
	routingKey    string
	prefetchCount int
	logger        *zap.Logger
	handler       MessageHandler
}

// ConsumerConfig holds consumer configuration
type ConsumerConfig struct {
	Connection    *Connection
	Queue         string
	DLQQueue      string
	Exchange      string
	RoutingKey    string
	PrefetchCount int
	Logger        *zap.Logger
	Handler       MessageHandler
}

// NewConsumer creates a new RabbitMQ consumer
func NewConsumer(cfg ConsumerConfig) (*Consumer, error) {
	ch, err := cfg.Connection.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	if err := ch.Qos(cfg.PrefetchCount, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	err = ch.ExchangeDeclare(
		cfg.Exchange,
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

	args := map[string]interface{}{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": cfg.DLQQueue,
	}
	_, err = ch.QueueDeclare(
		cfg.Queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		args,
	)
	if err != nil {
		// If the queue already exists with different args, fall back to
		// declaring it without the DLX.
		cfg.Logger.Warn("failed to declare queue with DLX, trying without DLX", zap.Error(err))
		_, err = ch.QueueDeclare(cfg.Queue, true, false, false, false, nil)
		if err != nil {
			ch.Close()
			return nil, fmt.Errorf("failed to declare queue: %w", err)
		}
	}

	_, err = ch.QueueDeclare(cfg.DLQQueue, true, false, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare DLQ: %w", err)
	}

	if err := ch.QueueBind(cfg.Queue, cfg.RoutingKey, cfg.Exchange, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to bind queue: %w", err)
	}

	return &Consumer{
		conn:          cfg.Connection,
		channel:       ch,
		queue:         cfg.Queue,
		dlqQueue:      cfg.DLQQueue,
		exchange:      cfg.Exchange,
		routingKey:    cfg.RoutingKey,
		prefetchCount: cfg.PrefetchCount,
		logger:        cfg.Logger,
		handler:       cfg.Handler,
	}, nil
}

// Start starts consuming messages
func (c *Consumer) Start(ctx context.Context) error {
	msgs, err := c.channel.Consume(
		c.queue,
		"",    // consumer tag
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	c.logger.Info("upload consumer started",
		zap.String("queue", c.queue),
		zap.Int("prefetch", c.prefetchCount),
	)

	go func() {
		for {
			select {
			case <-ctx.Done():
				c.logger.Info("consumer context cancelled, stopping")
				return
			case msg, ok := <-msgs:
				if !ok {
					c.logger.Warn("message channel closed")
					return
				}
				c.handleDelivery(ctx, msg)
			}
		}
	}()

	return nil
}

func (c *Consumer) handleDelivery(ctx context.Context, msg amqp.Delivery) {
	c.logger.Debug("received uploaded batch",
		zap.String("routing_key", msg.RoutingKey),
		zap.Int("body_size", len(msg.Body)),
	)

	if err := c.handler(ctx, msg.Body); err != nil {
		c.logger.Error("failed to process uploaded batch",
			zap.Error(err),
			zap.String("routing_key", msg.RoutingKey),
		)

		// NACK with requeue=false sends to DLQ
		if nackErr := msg.Nack(false, false); nackErr != nil {
			c.logger.Error("failed to NACK message", zap.Error(nackErr))
		}
		return
	}

	if ackErr := msg.Ack(false); ackErr != nil {
		c.logger.Error("failed to ACK message", zap.Error(ackErr))
	}
}

// Close closes the consumer channel
func (c *Consumer) Close() error {
	if c.channel != nil {
		return c.channel.Close()
	}
	return nil
}
