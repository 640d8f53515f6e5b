package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/fieldops/sync-worker/internal/db"
)

const deviceColumns = `device_id, user_id, company_id, clock_offset_seconds, clock_trusted,
	last_sync_at, retired_at, created_at, updated_at`

// GetDevice retrieves a device by its client-generated identifier.
func (r *Repository) GetDevice(ctx context.Context, deviceID string) (*db.Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE device_id = $1`

	var d db.Device
	err := r.pool.QueryRow(ctx, query, deviceID).Scan(
		&d.DeviceID,
		&d.UserID,
		&d.CompanyID,
		&d.ClockOffsetSeconds,
		&d.ClockTrusted,
		&d.LastSyncAt,
		&d.RetiredAt,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query device: %w", err)
	}
	return &d, nil
}

// UpsertHandshake creates the device on first handshake and refreshes every
// field except device_id on subsequent ones. Devices are never hard-deleted.
func (r *Repository) UpsertHandshake(ctx context.Context, d *db.Device) error {
	query := `
		INSERT INTO devices (device_id, user_id, company_id, clock_offset_seconds, clock_trusted, last_sync_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (device_id) DO UPDATE SET
			user_id              = EXCLUDED.user_id,
			company_id           = EXCLUDED.company_id,
			clock_offset_seconds = EXCLUDED.clock_offset_seconds,
			clock_trusted        = EXCLUDED.clock_trusted,
			last_sync_at         = EXCLUDED.last_sync_at,
			updated_at           = now()
		RETURNING created_at, updated_at
	`

	err := r.pool.QueryRow(ctx, query,
		d.DeviceID,
		d.UserID,
		d.CompanyID,
		d.ClockOffsetSeconds,
		d.ClockTrusted,
		d.LastSyncAt,
	).Scan(&d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert device handshake: %w", err)
	}
	return nil
}

// RetireDevice soft-retires a device.
func (r *Repository) RetireDevice(ctx context.Context, deviceID string) error {
	query := `
		UPDATE devices
		SET retired_at = now(), updated_at = now()
		WHERE device_id = $1 AND retired_at IS NULL
	`

	tag, err := r.pool.Exec(ctx, query, deviceID)
	if err != nil {
		return fmt.Errorf("failed to retire device: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetSite retrieves a site's geofence configuration.
func (r *Repository) GetSite(ctx context.Context, siteID string) (*db.Site, error) {
	query := `
		SELECT id, company_id, name, anchor_lat, anchor_lng, radius_meters, created_at
		FROM sites
		WHERE id = $1
	`

	var s db.Site
	err := r.pool.QueryRow(ctx, query, siteID).Scan(
		&s.ID,
		&s.CompanyID,
		&s.Name,
		&s.AnchorLat,
		&s.AnchorLng,
		&s.RadiusMeters,
		&s.CreatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query site: %w", err)
	}
	return &s, nil
}
