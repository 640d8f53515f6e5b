package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/fieldops/sync-worker/internal/apply"
	"github.com/fieldops/sync-worker/internal/cache"
	"github.com/fieldops/sync-worker/internal/clock"
	"github.com/fieldops/sync-worker/internal/config"
	"github.com/fieldops/sync-worker/internal/db"
	"github.com/fieldops/sync-worker/internal/geo"
	"github.com/fieldops/sync-worker/internal/httpapi"
	"github.com/fieldops/sync-worker/internal/ingest"
	"github.com/fieldops/sync-worker/internal/mq"
	"github.com/fieldops/sync-worker/internal/observability/metrics"
	"github.com/fieldops/sync-worker/internal/repository"
	"github.com/fieldops/sync-worker/internal/syncqueue"
)

// runMigrations brings the schema up to date before anything consumes work.
func runMigrations(lc fx.Lifecycle, pool *db.Pool, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return db.Migrate(ctx, pool, logger)
		},
	})
}

// startWorker wires the upload consumer and the queue processor into the
// application lifecycle.
func startWorker(
	lc fx.Lifecycle,
	conn *mq.Connection,
	cfg *config.Config,
	logger *zap.Logger,
	service *ingest.Service,
	processor *syncqueue.Processor,
	repo *repository.Repository,
) error {
	ctx, cancel := context.WithCancel(context.Background())

	consumer, err := mq.NewConsumer(mq.ConsumerConfig{
		Connection:    conn,
		Queue:         cfg.RabbitMQ.UploadQueue,
		DLQQueue:      cfg.RabbitMQ.DLQQueue,
		Exchange:      cfg.RabbitMQ.UploadExchange,
		RoutingKey:    cfg.RabbitMQ.UploadRoutingKey,
		PrefetchCount: cfg.RabbitMQ.PrefetchCount,
		Logger:        logger,
		Handler: func(ctx context.Context, body []byte) error {
			var batch ingest.BatchRequest
			if err := json.Unmarshal(body, &batch); err != nil {
				return fmt.Errorf("failed to unmarshal uploaded batch: %w", err)
			}
			results, err := service.SubmitBatch(ctx, batch)
			if err != nil {
				return err
			}
			for _, res := range results {
				if !res.Accepted {
					logger.Warn("uploaded event rejected",
						zap.String("device_id", batch.DeviceID),
						zap.String("client_event_id", res.ClientEventID),
						zap.String("reason", res.Error),
					)
				}
			}
			return nil
		},
	})
	if err != nil {
		cancel()
		return err
	}

	metrics.RegisterBacklogGauge(func() float64 {
		countCtx, countCancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer countCancel()
		count, err := repo.CountBacklog(countCtx)
		if err != nil {
			return 0
		}
		return float64(count)
	})

	lc.Append(fx.Hook{
		OnStart: func(startCtx context.Context) error {
			logger.Info("starting upload consumer",
				zap.String("queue", cfg.RabbitMQ.UploadQueue),
				zap.Int("prefetch", cfg.RabbitMQ.PrefetchCount))
			if err := consumer.Start(ctx); err != nil {
				return err
			}
			go processor.Run(ctx)
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			if err := consumer.Close(); err != nil {
				logger.Error("failed to close consumer", zap.Error(err))
				return err
			}
			logger.Info("worker stopped gracefully")
			return nil
		},
	})

	return nil
}

// startHTTPServer serves the handshake and batch endpoints.
func startHTTPServer(lc fx.Lifecycle, cfg *config.Config, handler *httpapi.Handler, logger *zap.Logger) {
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: handler.Router(),
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				logger.Info("http server listening", zap.String("addr", server.Addr))
				if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logger.Error("http server failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return server.Shutdown(ctx)
		},
	})
}

// ProvideDBPool creates a new database pool instance
func ProvideDBPool(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*db.Pool, error) {
	return db.NewPool(lc, logger, cfg.Database.URL)
}

// ProvideRedisClient creates the redis client used for last-fix caching
func ProvideRedisClient(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*redis.Client, error) {
	client, err := cache.NewRedisClient(context.Background(), cfg.Redis.URL)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			if err := client.Close(); err != nil {
				logger.Error("failed to close redis client", zap.Error(err))
				return err
			}
			return nil
		},
	})
	return client, nil
}

// ProvideRepository creates a new repository instance
func ProvideRepository(pool *db.Pool) *repository.Repository {
	return repository.NewRepository(pool)
}

// ProvideClockTracker creates a new clock-trust tracker instance
func ProvideClockTracker(cfg *config.Config) *clock.Tracker {
	return clock.NewTracker(cfg.ClockTrust.TrustThresholdSeconds)
}

// ProvideLocationValidator creates a new location validator instance
func ProvideLocationValidator(cfg *config.Config) *geo.Validator {
	return geo.NewValidator(
		cfg.Geofence.DefaultRadiusMeters,
		cfg.Geofence.AccuracyCeilingMeters,
		cfg.Motion.MaxSpeedKMH,
		cfg.Motion.MaxJumpKM,
		time.Duration(cfg.Motion.MinJumpIntervalSeconds)*time.Second,
	)
}

// ProvideLastFixStore creates the last accepted fix store
func ProvideLastFixStore(client *redis.Client) *cache.LastFixStore {
	return cache.NewLastFixStore(client)
}

// ProvideIngestService creates a new ingestion service instance
func ProvideIngestService(
	repo *repository.Repository,
	fixes *cache.LastFixStore,
	tracker *clock.Tracker,
	validator *geo.Validator,
	cfg *config.Config,
	logger *zap.Logger,
) *ingest.Service {
	return ingest.NewService(repo, repo, fixes, tracker, validator, cfg.Queue.MaxRetries, logger)
}

// ProvideMQConnection creates a new RabbitMQ connection instance
func ProvideMQConnection(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*mq.Connection, error) {
	return mq.NewConnection(lc, logger, cfg.RabbitMQ.URL)
}

// ProvidePublisher creates a new applied-event publisher instance
func ProvidePublisher(conn *mq.Connection, cfg *config.Config, logger *zap.Logger) (*mq.Publisher, error) {
	return mq.NewPublisher(conn, cfg.RabbitMQ.AppliedExchange, logger)
}

// ProvideApplier creates a new entity applier instance
func ProvideApplier(repo *repository.Repository, logger *zap.Logger) *apply.Applier {
	return apply.NewApplier(repo, logger)
}

// ProvideProcessor creates a new queue processor instance
func ProvideProcessor(
	repo *repository.Repository,
	applier *apply.Applier,
	publisher *mq.Publisher,
	cfg *config.Config,
	logger *zap.Logger,
) *syncqueue.Processor {
	return syncqueue.NewProcessor(repo, applier, publisher, cfg.Queue, cfg.RabbitMQ.AppliedRoutingKey, logger)
}

// ProvideHTTPHandler creates the HTTP handler
func ProvideHTTPHandler(service *ingest.Service, logger *zap.Logger) *httpapi.Handler {
	return httpapi.NewHandler(service, logger)
}
