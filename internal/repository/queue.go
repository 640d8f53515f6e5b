package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fieldops/sync-worker/internal/db"
)

const queueItemColumns = `id, client_event_id, owner_key, resource_type, operation_type, data,
	status, retry_count, max_retries, error_message, created_at, processed_at, completed_at`

// ListOwnersWithWork returns owners that have claimable queue items: PENDING,
// RETRY, or PROCESSING items whose claim went stale (a crashed worker).
func (r *Repository) ListOwnersWithWork(ctx context.Context, staleAfter time.Duration, limit int) ([]string, error) {
	query := `
		SELECT DISTINCT owner_key
		FROM sync_queue_items
		WHERE status IN ('PENDING', 'RETRY')
		   OR (status = 'PROCESSING' AND processed_at < now() - make_interval(secs => $1))
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, staleAfter.Seconds(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query owners with work: %w", err)
	}
	defer rows.Close()

	var owners []string
	for rows.Next() {
		var owner string
		if err := rows.Scan(&owner); err != nil {
			return nil, fmt.Errorf("failed to scan owner: %w", err)
		}
		owners = append(owners, owner)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return owners, nil
}

// WithOwnerLock runs fn while holding a session advisory lock on the owner's
// event stream. Two workers never process the same owner concurrently;
// batches for different owners proceed in parallel. Returns ErrOwnerBusy
// without running fn when another worker holds the lock.
func (r *Repository) WithOwnerLock(ctx context.Context, ownerKey string, fn func(ctx context.Context) error) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection for owner lock: %w", err)
	}
	defer conn.Release()

	var acquired bool
	err = conn.QueryRow(ctx, `SELECT pg_try_advisory_lock(hashtext($1)::bigint)`, ownerKey).Scan(&acquired)
	if err != nil {
		return fmt.Errorf("failed to acquire owner lock: %w", err)
	}
	if !acquired {
		return ErrOwnerBusy
	}
	defer func() {
		// Unlock on the same session; ignore a cancelled ctx so the lock
		// is still released during shutdown.
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, _ = conn.Exec(unlockCtx, `SELECT pg_advisory_unlock(hashtext($1)::bigint)`, ownerKey)
	}()

	return fn(ctx)
}

// ClaimBatch atomically claims the owner's oldest claimable items, moving
// them to PROCESSING. Stale PROCESSING claims past staleAfter are reclaimed
// rather than left permanently stuck.
func (r *Repository) ClaimBatch(ctx context.Context, ownerKey string, batchSize int, staleAfter time.Duration) ([]db.SyncQueueItem, error) {
	query := `
		UPDATE sync_queue_items
		SET status = 'PROCESSING', processed_at = now()
		WHERE id IN (
			SELECT id
			FROM sync_queue_items
			WHERE owner_key = $1
			  AND (status IN ('PENDING', 'RETRY')
			       OR (status = 'PROCESSING' AND processed_at < now() - make_interval(secs => $3)))
			ORDER BY created_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + queueItemColumns

	rows, err := r.pool.Query(ctx, query, ownerKey, batchSize, staleAfter.Seconds())
	if err != nil {
		return nil, fmt.Errorf("failed to claim queue batch: %w", err)
	}
	defer rows.Close()

	var items []db.SyncQueueItem
	for rows.Next() {
		var item db.SyncQueueItem
		err := rows.Scan(
			&item.ID,
			&item.ClientEventID,
			&item.OwnerKey,
			&item.ResourceType,
			&item.OperationType,
			&item.Data,
			&item.Status,
			&item.RetryCount,
			&item.MaxRetries,
			&item.ErrorMessage,
			&item.CreatedAt,
			&item.ProcessedAt,
			&item.CompletedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return items, nil
}

// MarkCompleted finalizes a successfully applied item and records the
// produced entity id on the source event, in one transaction.
func (r *Repository) MarkCompleted(ctx context.Context, item *db.SyncQueueItem, entityID uuid.UUID) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		UPDATE sync_queue_items
		SET status = 'COMPLETED', completed_at = now(), error_message = NULL
		WHERE id = $1 AND status = 'PROCESSING'
	`
	if _, err := tx.Exec(ctx, query, item.ID); err != nil {
		return fmt.Errorf("failed to mark item completed: %w", err)
	}

	if err := r.SetMappedEntity(ctx, tx, item.ClientEventID, entityID); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit completion: %w", err)
	}
	return nil
}

// MarkFailure records an apply failure, transitioning the item to RETRY while
// retries remain, or to terminal FAILED once they are exhausted. Returns the
// new status.
func (r *Repository) MarkFailure(ctx context.Context, itemID int64, errMsg string) (string, error) {
	query := `
		UPDATE sync_queue_items
		SET retry_count   = retry_count + 1,
		    error_message = $2,
		    status        = CASE WHEN retry_count + 1 >= max_retries THEN 'FAILED' ELSE 'RETRY' END,
		    completed_at  = CASE WHEN retry_count + 1 >= max_retries THEN now() ELSE completed_at END
		WHERE id = $1 AND status = 'PROCESSING'
		RETURNING status
	`

	var status string
	if err := r.pool.QueryRow(ctx, query, itemID, errMsg).Scan(&status); err != nil {
		return "", fmt.Errorf("failed to record item failure: %w", err)
	}
	return status, nil
}

// CountBacklog returns the number of items that still need processing.
func (r *Repository) CountBacklog(ctx context.Context) (int64, error) {
	var count int64
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM sync_queue_items WHERE status IN ('PENDING', 'RETRY', 'PROCESSING')`,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count queue backlog: %w", err)
	}
	return count, nil
}
