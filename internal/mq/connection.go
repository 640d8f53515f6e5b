package mq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Connection wraps the shared RabbitMQ connection. Consumers and publishers
// open their own channels off it.
type Connection struct {
	conn *amqp.Connection
}

// NewConnection dials RabbitMQ and ties the connection to the application
// lifecycle.
func NewConnection(lc fx.Lifecycle, logger *zap.Logger, url string) (*Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		logger.Error("rabbitmq dial failed", zap.Error(err))
		return nil, fmt.Errorf("failed to dial rabbitmq, verify the broker is reachable and RABBITMQ_URL carries valid credentials: %w", err)
	}

	mqConn := &Connection{conn: conn}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.Info("rabbitmq connection established")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := conn.Close(); err != nil {
				logger.Error("failed to close rabbitmq connection", zap.Error(err))
				return err
			}
			logger.Info("rabbitmq connection closed")
			return nil
		},
	})

	return mqConn, nil
}

// Channel opens a new channel on the shared connection.
func (c *Connection) Channel() (*amqp.Channel, error) {
	return c.conn.Channel()
}
