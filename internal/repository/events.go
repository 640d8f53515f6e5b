package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/fieldops/sync-worker/internal/db"
)

const uniqueViolationCode = "23505"

const clientEventColumns = `id, device_id, client_event_id, event_type, event_time, server_received_at,
	payload, mapped_entity_id, time_suspect, mock_location, speed_anomaly, jump_anomaly, out_of_zone,
	validity_status, created_at`

func scanClientEvent(row pgx.Row) (*db.ClientEvent, error) {
	var ev db.ClientEvent
	err := row.Scan(
		&ev.ID,
		&ev.DeviceID,
		&ev.ClientEventID,
		&ev.EventType,
		&ev.EventTime,
		&ev.ServerReceivedAt,
		&ev.Payload,
		&ev.MappedEntityID,
		&ev.Flags.TimeSuspect,
		&ev.Flags.MockLocation,
		&ev.Flags.SpeedAnomaly,
		&ev.Flags.JumpAnomaly,
		&ev.Flags.OutOfZone,
		&ev.ValidityStatus,
		&ev.CreatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan client event: %w", err)
	}
	return &ev, nil
}

// GetEventByKey looks up a client event by its idempotency key.
func (r *Repository) GetEventByKey(ctx context.Context, deviceID, clientEventID string) (*db.ClientEvent, error) {
	query := `SELECT ` + clientEventColumns + ` FROM client_events WHERE device_id = $1 AND client_event_id = $2`
	return scanClientEvent(r.pool.QueryRow(ctx, query, deviceID, clientEventID))
}

// IngestEvent inserts the client event and its sync queue item in one
// transaction, so a crash can never leave an event ingested but un-queued.
// Losing a concurrent race on the idempotency key returns ErrDuplicateEvent.
func (r *Repository) IngestEvent(ctx context.Context, ev *db.ClientEvent, item *db.SyncQueueItem) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	insertEvent := `
		INSERT INTO client_events (
			id, device_id, client_event_id, event_type, event_time, server_received_at,
			payload, time_suspect, mock_location, speed_anomaly, jump_anomaly, out_of_zone, validity_status
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING created_at
	`

	err = tx.QueryRow(ctx, insertEvent,
		ev.ID,
		ev.DeviceID,
		ev.ClientEventID,
		ev.EventType,
		ev.EventTime,
		ev.ServerReceivedAt,
		ev.Payload,
		ev.Flags.TimeSuspect,
		ev.Flags.MockLocation,
		ev.Flags.SpeedAnomaly,
		ev.Flags.JumpAnomaly,
		ev.Flags.OutOfZone,
		ev.ValidityStatus,
	).Scan(&ev.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
			return ErrDuplicateEvent
		}
		return fmt.Errorf("failed to insert client event: %w", err)
	}

	if err := insertQueueItemTx(ctx, tx, item); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit ingest transaction: %w", err)
	}
	return nil
}

// EnsureQueued re-creates the queue item for an event whose prior ingestion
// attempt is being resumed. The unique client_event_id key makes this a
// no-op when the item already exists.
func (r *Repository) EnsureQueued(ctx context.Context, item *db.SyncQueueItem) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := insertQueueItemTx(ctx, tx, item); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit enqueue transaction: %w", err)
	}
	return nil
}

func insertQueueItemTx(ctx context.Context, tx pgx.Tx, item *db.SyncQueueItem) error {
	query := `
		INSERT INTO sync_queue_items (
			client_event_id, owner_key, resource_type, operation_type, data, status, max_retries
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (client_event_id) DO NOTHING
	`

	_, err := tx.Exec(ctx, query,
		item.ClientEventID,
		item.OwnerKey,
		item.ResourceType,
		item.OperationType,
		item.Data,
		db.StatusPending,
		item.MaxRetries,
	)
	if err != nil {
		return fmt.Errorf("failed to insert sync queue item: %w", err)
	}
	return nil
}

// SetMappedEntity records the downstream resource id produced for an event.
// Once set it is never changed; re-submissions return it without side effects.
func (r *Repository) SetMappedEntity(ctx context.Context, tx pgx.Tx, eventID, entityID uuid.UUID) error {
	query := `
		UPDATE client_events
		SET mapped_entity_id = $2
		WHERE id = $1 AND mapped_entity_id IS NULL
	`

	_, err := tx.Exec(ctx, query, eventID, entityID)
	if err != nil {
		return fmt.Errorf("failed to set mapped entity: %w", err)
	}
	return nil
}
