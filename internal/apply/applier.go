package apply

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fieldops/sync-worker/internal/db"
)

// ErrMissingRecord is returned when an UPDATE targets a record that does not
// exist. Unlike the CREATE and DELETE cases this is a genuine consistency
// problem that needs review, not something to resolve silently.
var ErrMissingRecord = errors.New("target record does not exist")

// ErrUnknownResource is returned for a queue item whose resource type has no
// registered schema.
var ErrUnknownResource = errors.New("unknown resource type")

// Schema describes one downstream resource table. The applier is generic;
// only the schema differs per resource type.
type Schema struct {
	ResourceType string
	Table        string
	Columns      []string
}

// Schemas registers every resource type the sync engine can apply.
var Schemas = map[string]Schema{
	db.ResourceAttendance: {
		ResourceType: db.ResourceAttendance,
		Table:        "attendance_records",
		Columns:      []string{"user_id", "site_id", "kind", "happened_at", "lat", "lng"},
	},
	db.ResourceReport: {
		ResourceType: db.ResourceReport,
		Table:        "field_reports",
		Columns:      []string{"user_id", "site_id", "category", "title", "body", "happened_at"},
	},
	db.ResourcePatrolLog: {
		ResourceType: db.ResourcePatrolLog,
		Table:        "patrol_logs",
		Columns:      []string{"user_id", "site_id", "checkpoint_code", "scanned_at", "lat", "lng"},
	},
	db.ResourceChecklist: {
		ResourceType: db.ResourceChecklist,
		Table:        "checklist_entries",
		Columns:      []string{"user_id", "site_id", "item_code", "completed_at", "note"},
	},
}

// Store is the persistence contract the applier runs against. Insert reports
// false when the id already existed, Update and Delete report whether a row
// was touched.
type Store interface {
	Insert(ctx context.Context, schema Schema, id uuid.UUID, data map[string]any) (bool, error)
	Update(ctx context.Context, schema Schema, id uuid.UUID, data map[string]any) (bool, error)
	Delete(ctx context.Context, schema Schema, id uuid.UUID) (bool, error)
}

// Applier applies queue item snapshots to the canonical store with an
// idempotent create/update/delete contract shared by all resource types.
type Applier struct {
	store  Store
	logger *zap.Logger
}

// NewApplier creates a new applier
func NewApplier(store Store, logger *zap.Logger) *Applier {
	return &Applier{store: store, logger: logger}
}

// Apply executes one queue item operation. Repeating a call has the same net
// effect as applying it once; the entity id it returns is stable across
// retries because it travels inside the data snapshot.
func (a *Applier) Apply(ctx context.Context, resourceType, operationType string, data []byte) (uuid.UUID, error) {
	schema, ok := Schemas[resourceType]
	if !ok {
		return uuid.Nil, fmt.Errorf("%w: %s", ErrUnknownResource, resourceType)
	}

	var snapshot map[string]any
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return uuid.Nil, fmt.Errorf("failed to decode data snapshot: %w", err)
	}

	rawID, ok := snapshot["id"].(string)
	if !ok {
		return uuid.Nil, errors.New("data snapshot has no id")
	}
	entityID, err := uuid.Parse(rawID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("data snapshot has malformed id: %w", err)
	}

	switch operationType {
	case db.OpCreate:
		inserted, err := a.store.Insert(ctx, schema, entityID, snapshot)
		if err != nil {
			return uuid.Nil, fmt.Errorf("create %s: %w", resourceType, err)
		}
		if !inserted {
			// Already applied by a previous attempt.
			a.logger.Debug("create was a no-op, record already exists",
				zap.String("resource_type", resourceType),
				zap.String("entity_id", entityID.String()),
			)
		}
		return entityID, nil

	case db.OpUpdate:
		updated, err := a.store.Update(ctx, schema, entityID, snapshot)
		if err != nil {
			return uuid.Nil, fmt.Errorf("update %s: %w", resourceType, err)
		}
		if !updated {
			return uuid.Nil, fmt.Errorf("update %s %s: %w", resourceType, entityID, ErrMissingRecord)
		}
		return entityID, nil

	case db.OpDelete:
		deleted, err := a.store.Delete(ctx, schema, entityID)
		if err != nil {
			return uuid.Nil, fmt.Errorf("delete %s: %w", resourceType, err)
		}
		if !deleted {
			a.logger.Debug("delete was a no-op, record already gone",
				zap.String("resource_type", resourceType),
				zap.String("entity_id", entityID.String()),
			)
		}
		return entityID, nil
	}

	return uuid.Nil, fmt.Errorf("unknown operation type %q", operationType)
}
