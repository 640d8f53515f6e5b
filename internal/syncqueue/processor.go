package syncqueue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fieldops/sync-worker/internal/config"
	"github.com/fieldops/sync-worker/internal/db"
	"github.com/fieldops/sync-worker/internal/logging"
	"github.com/fieldops/sync-worker/internal/mq"
	"github.com/fieldops/sync-worker/internal/observability/metrics"
	"github.com/fieldops/sync-worker/internal/repository"
)

// QueueStore is the persisted state machine the processor drives. Status and
// retry_count in the store are the single source of truth; the processor
// keeps no state across restarts.
type QueueStore interface {
	ListOwnersWithWork(ctx context.Context, staleAfter time.Duration, limit int) ([]string, error)
	WithOwnerLock(ctx context.Context, ownerKey string, fn func(ctx context.Context) error) error
	ClaimBatch(ctx context.Context, ownerKey string, batchSize int, staleAfter time.Duration) ([]db.SyncQueueItem, error)
	MarkCompleted(ctx context.Context, item *db.SyncQueueItem, entityID uuid.UUID) error
	MarkFailure(ctx context.Context, itemID int64, errMsg string) (string, error)
}

// EntityApplier applies one queue item snapshot to the canonical store.
type EntityApplier interface {
	Apply(ctx context.Context, resourceType, operationType string, data []byte) (uuid.UUID, error)
}

// Notifier publishes applied-item notifications for downstream consumers.
type Notifier interface {
	PublishApplied(ctx context.Context, event mq.AppliedEvent, routingKey string) error
}

// Stats captures the outcome of one processing run.
type Stats struct {
	Owners    int
	Claimed   int
	Completed int
	Retried   int
	Failed    int
}

// Processor drives queued items through
// PENDING -> PROCESSING -> {COMPLETED | FAILED | RETRY}.
type Processor struct {
	store      QueueStore
	applier    EntityApplier
	notifier   Notifier
	cfg        config.QueueConfig
	routingKey string
	logger     *zap.Logger
}

// NewProcessor creates a new sync queue processor
func NewProcessor(store QueueStore, applier EntityApplier, notifier Notifier, cfg config.QueueConfig, routingKey string, logger *zap.Logger) *Processor {
	return &Processor{
		store:      store,
		applier:    applier,
		notifier:   notifier,
		cfg:        cfg,
		routingKey: routingKey,
		logger:     logger,
	}
}

// Run polls for claimable work until the context is cancelled.
func (p *Processor) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.PollInterval())
	defer ticker.Stop()

	p.logger.Info("queue processor started",
		zap.Duration("poll_interval", p.cfg.PollInterval()),
		zap.Int("batch_size", p.cfg.BatchSize),
	)

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("queue processor stopping")
			return
		case <-ticker.C:
			stats, err := p.RunOnce(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				p.logger.Error("processing run failed", zap.Error(err))
			}
			if stats.Claimed > 0 {
				p.logger.Info("processing run finished",
					zap.Int("owners", stats.Owners),
					zap.Int("claimed", stats.Claimed),
					zap.Int("completed", stats.Completed),
					zap.Int("retried", stats.Retried),
					zap.Int("failed", stats.Failed),
				)
			}
		}
	}
}

// RunOnce processes one bounded batch per owner with claimable work. Owners
// whose streams are locked by another worker are skipped; batches for
// different owners are independent.
func (p *Processor) RunOnce(ctx context.Context) (Stats, error) {
	var stats Stats

	owners, err := p.store.ListOwnersWithWork(ctx, p.cfg.StaleAfter(), p.cfg.BatchSize)
	if err != nil {
		return stats, err
	}

	for _, owner := range owners {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}

		err := p.store.WithOwnerLock(ctx, owner, func(ctx context.Context) error {
			return p.processOwner(ctx, owner, &stats)
		})
		if errors.Is(err, repository.ErrOwnerBusy) {
			continue
		}
		if err != nil {
			p.logger.Error("owner batch failed", zap.Error(err), zap.String("owner", owner))
			continue
		}
		stats.Owners++
	}

	return stats, nil
}

func (p *Processor) processOwner(ctx context.Context, owner string, stats *Stats) error {
	items, err := p.store.ClaimBatch(ctx, owner, p.cfg.BatchSize, p.cfg.StaleAfter())
	if err != nil {
		return err
	}
	stats.Claimed += len(items)

	for i := range items {
		// A run may be stopped between items; claimed-but-unprocessed
		// items go stale and are reclaimed by a later run.
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.processItem(ctx, &items[i], stats)
	}
	return nil
}

// processItem applies one item and finalizes its state. A failing item never
// aborts the rest of the batch.
func (p *Processor) processItem(ctx context.Context, item *db.SyncQueueItem, stats *Stats) {
	itemLogger := logging.WithQueueItem(p.logger, item.ID, item.ResourceType)

	applyCtx, cancel := context.WithTimeout(ctx, p.cfg.ApplyTimeout())
	defer cancel()

	start := time.Now()
	entityID, err := p.applier.Apply(applyCtx, item.ResourceType, item.OperationType, item.Data)
	metrics.ObserveApply(time.Since(start))

	if err != nil {
		status, markErr := p.store.MarkFailure(ctx, item.ID, err.Error())
		if markErr != nil {
			itemLogger.Error("failed to record item failure", zap.Error(markErr))
			return
		}
		if status == db.StatusFailed {
			stats.Failed++
			metrics.CountQueueItem("failed")
			itemLogger.Error("item failed terminally, retries exhausted",
				zap.Error(err),
				zap.Int("retry_count", item.RetryCount+1),
				zap.Int("max_retries", item.MaxRetries),
			)
		} else {
			stats.Retried++
			metrics.CountQueueItem("retry")
			itemLogger.Warn("item apply failed, will retry",
				zap.Error(err),
				zap.Int("retry_count", item.RetryCount+1),
			)
		}
		return
	}

	if err := p.store.MarkCompleted(ctx, item, entityID); err != nil {
		// The apply is idempotent, so leaving the item claimed is safe:
		// it goes stale and the re-apply is a no-op.
		itemLogger.Error("failed to finalize completed item", zap.Error(err))
		return
	}
	metrics.CountQueueItem("completed")
	stats.Completed++

	if p.notifier != nil {
		event := mq.AppliedEvent{
			QueueItemID:   item.ID,
			ClientEventID: item.ClientEventID.String(),
			ResourceType:  item.ResourceType,
			OperationType: item.OperationType,
			EntityID:      entityID.String(),
			CompletedAt:   time.Now().UTC().Format(time.RFC3339),
		}
		if err := p.notifier.PublishApplied(ctx, event, p.routingKey); err != nil {
			// Notification only; the item is already finalized.
			itemLogger.Error("failed to publish applied event", zap.Error(err))
		}
	}
}
