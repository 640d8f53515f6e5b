package logging

import (
	"go.uber.org/zap"
)

// NewLogger creates a new structured logger
func NewLogger(serviceName string) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	config.InitialFields = map[string]interface{}{
		"service": serviceName,
	}

	logger, err := config.Build()
	if err != nil {
		return nil, err
	}

	return logger, nil
}

// WithDevice returns a logger with device_id field
func WithDevice(logger *zap.Logger, deviceID string) *zap.Logger {
	return logger.With(zap.String("device_id", deviceID))
}

// WithQueueItem returns a logger with queue item fields
func WithQueueItem(logger *zap.Logger, itemID int64, resourceType string) *zap.Logger {
	return logger.With(zap.Int64("queue_item_id", itemID), zap.String("resource_type", resourceType))
}
