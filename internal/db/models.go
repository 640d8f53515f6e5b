package db

import (
	"time"

	"github.com/google/uuid"
)

// Validity statuses derived from the individual integrity flags.
const (
	ValidityValid      = "VALID"
	ValiditySuspicious = "SUSPICIOUS"
	ValidityInvalid    = "INVALID"
)

// Sync queue item states.
const (
	StatusPending    = "PENDING"
	StatusProcessing = "PROCESSING"
	StatusCompleted  = "COMPLETED"
	StatusFailed     = "FAILED"
	StatusRetry      = "RETRY"
)

// Queue operation types.
const (
	OpCreate = "CREATE"
	OpUpdate = "UPDATE"
	OpDelete = "DELETE"
)

// Downstream resource types the appliers know about.
const (
	ResourceAttendance = "attendance"
	ResourceReport     = "report"
	ResourcePatrolLog  = "patrol_log"
	ResourceChecklist  = "checklist"
)

// Device represents a field device in the database. Devices are created on
// first handshake and soft-retired, never hard-deleted.
type Device struct {
	DeviceID           string
	UserID             *uuid.UUID
	CompanyID          *uuid.UUID
	ClockOffsetSeconds int64
	ClockTrusted       bool
	LastSyncAt         time.Time
	RetiredAt          *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// IntegrityFlags are the independent location/clock annotations persisted
// per event. They are never collapsed into a single score.
type IntegrityFlags struct {
	TimeSuspect  bool
	MockLocation bool
	SpeedAnomaly bool
	JumpAnomaly  bool
	OutOfZone    bool
}

// ClientEvent represents a device-authored event. The pair
// (device_id, client_event_id) is the idempotency boundary.
type ClientEvent struct {
	ID               uuid.UUID
	DeviceID         string
	ClientEventID    string
	EventType        string
	EventTime        time.Time
	ServerReceivedAt time.Time
	Payload          []byte
	MappedEntityID   *uuid.UUID
	Flags            IntegrityFlags
	ValidityStatus   string
	CreatedAt        time.Time
}

// SyncQueueItem is one unit of downstream work. Created when an event is
// accepted, mutated only by the processor.
type SyncQueueItem struct {
	ID            int64
	ClientEventID uuid.UUID
	OwnerKey      string
	ResourceType  string
	OperationType string
	Data          []byte
	Status        string
	RetryCount    int
	MaxRetries    int
	ErrorMessage  *string
	CreatedAt     time.Time
	ProcessedAt   *time.Time
	CompletedAt   *time.Time
}

// Site holds the geofence ground truth for a work location. Anchor may be
// absent, in which case the out-of-zone check is skipped.
type Site struct {
	ID           uuid.UUID
	CompanyID    *uuid.UUID
	Name         string
	AnchorLat    *float64
	AnchorLng    *float64
	RadiusMeters *float64
	CreatedAt    time.Time
}
