package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration
type Config struct {
	ServiceName string
	HTTPPort    int
	Database    DatabaseConfig
	Redis       RedisConfig
	RabbitMQ    RabbitMQConfig
	ClockTrust  ClockTrustConfig
	Geofence    GeofenceConfig
	Motion      MotionConfig
	Queue       QueueConfig
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	URL string
}

// RedisConfig holds redis connection settings
type RedisConfig struct {
	URL string
}

// RabbitMQConfig holds RabbitMQ connection and queue settings
type RabbitMQConfig struct {
	URL               string
	UploadExchange    string
	UploadQueue       string
	UploadRoutingKey  string
	AppliedExchange   string
	AppliedRoutingKey string
	DLQQueue          string
	PrefetchCount     int
}

// ClockTrustConfig holds device clock trust settings
type ClockTrustConfig struct {
	TrustThresholdSeconds int
}

// GeofenceConfig holds geofence settings
type GeofenceConfig struct {
	DefaultRadiusMeters   float64
	AccuracyCeilingMeters float64
}

// MotionConfig holds speed and jump anomaly thresholds
type MotionConfig struct {
	MaxSpeedKMH            float64
	MaxJumpKM              float64
	MinJumpIntervalSeconds int
}

// QueueConfig holds sync queue processor settings
type QueueConfig struct {
	BatchSize           int
	MaxRetries          int
	PollIntervalSeconds int
	StaleAfterMinutes   int
	ApplyTimeoutSeconds int
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		ServiceName: getEnv("SERVICE_NAME", "fieldops-sync-worker"),
		HTTPPort:    getEnvAsInt("HTTP_PORT", 8082),
		Database: DatabaseConfig{
			URL: getEnv("DATABASE_URL", ""),
		},
		Redis: RedisConfig{
			URL: getEnv("REDIS_URL", "redis://localhost:6379/0"),
		},
		RabbitMQ: RabbitMQConfig{
			URL:               getEnv("RABBITMQ_URL", ""),
			UploadExchange:    getEnv("RABBITMQ_UPLOAD_EXCHANGE", "fieldops.sync.upload.exchange"),
			UploadQueue:       getEnv("RABBITMQ_UPLOAD_QUEUE", "fieldops.sync.upload.queue"),
			UploadRoutingKey:  getEnv("RABBITMQ_UPLOAD_ROUTING_KEY", "device.events.batch"),
			AppliedExchange:   getEnv("RABBITMQ_APPLIED_EXCHANGE", "fieldops.sync.applied.exchange"),
			AppliedRoutingKey: getEnv("RABBITMQ_APPLIED_ROUTING_KEY", "sync.item.applied"),
			DLQQueue:          getEnv("RABBITMQ_DLQ_QUEUE", "fieldops.sync.upload.dlq"),
			PrefetchCount:     getEnvAsInt("RABBITMQ_PREFETCH", 10),
		},
		ClockTrust: ClockTrustConfig{
			TrustThresholdSeconds: getEnvAsInt("TRUST_THRESHOLD_SECONDS", 300),
		},
		Geofence: GeofenceConfig{
			DefaultRadiusMeters:   getEnvAsFloat("GEOFENCE_DEFAULT_RADIUS_M", 100),
			AccuracyCeilingMeters: getEnvAsFloat("GEOFENCE_ACCURACY_CEILING_M", 75),
		},
		Motion: MotionConfig{
			MaxSpeedKMH:            getEnvAsFloat("MAX_SPEED_KMH", 150),
			MaxJumpKM:              getEnvAsFloat("MAX_JUMP_KM", 5),
			MinJumpIntervalSeconds: getEnvAsInt("MIN_JUMP_INTERVAL_SECONDS", 60),
		},
		Queue: QueueConfig{
			BatchSize:           getEnvAsInt("QUEUE_BATCH_SIZE", 50),
			MaxRetries:          getEnvAsInt("QUEUE_MAX_RETRIES", 3),
			PollIntervalSeconds: getEnvAsInt("QUEUE_POLL_INTERVAL_SECONDS", 5),
			StaleAfterMinutes:   getEnvAsInt("QUEUE_STALE_AFTER_MINUTES", 10),
			ApplyTimeoutSeconds: getEnvAsInt("APPLY_TIMEOUT_SECONDS", 30),
		},
	}

	// Validate required fields
	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required but not set in environment variables")
	}
	if cfg.RabbitMQ.URL == "" {
		return nil, fmt.Errorf("RABBITMQ_URL is required but not set in environment variables")
	}
	if cfg.ClockTrust.TrustThresholdSeconds <= 0 {
		return nil, fmt.Errorf("TRUST_THRESHOLD_SECONDS must be positive, got %d", cfg.ClockTrust.TrustThresholdSeconds)
	}
	if cfg.Queue.MaxRetries < 0 {
		return nil, fmt.Errorf("QUEUE_MAX_RETRIES must not be negative, got %d", cfg.Queue.MaxRetries)
	}

	return cfg, nil
}

// PollInterval returns the processor poll interval as a duration
func (q QueueConfig) PollInterval() time.Duration {
	return time.Duration(q.PollIntervalSeconds) * time.Second
}

// StaleAfter returns the PROCESSING staleness threshold as a duration
func (q QueueConfig) StaleAfter() time.Duration {
	return time.Duration(q.StaleAfterMinutes) * time.Minute
}

// ApplyTimeout returns the per-item applier timeout as a duration
func (q QueueConfig) ApplyTimeout() time.Duration {
	return time.Duration(q.ApplyTimeoutSeconds) * time.Second
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}
