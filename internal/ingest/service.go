package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fieldops/sync-worker/internal/clock"
	"github.com/fieldops/sync-worker/internal/db"
	"github.com/fieldops/sync-worker/internal/geo"
	"github.com/fieldops/sync-worker/internal/logging"
	"github.com/fieldops/sync-worker/internal/observability/metrics"
	"github.com/fieldops/sync-worker/internal/repository"
	"github.com/fieldops/sync-worker/tools/timeparser"
)

// ErrUnknownDevice is returned when a batch arrives for a device that never
// completed a handshake.
var ErrUnknownDevice = errors.New("device has not completed a handshake")

// DeviceStore is the device and site persistence the service needs.
type DeviceStore interface {
	GetDevice(ctx context.Context, deviceID string) (*db.Device, error)
	UpsertHandshake(ctx context.Context, d *db.Device) error
	GetSite(ctx context.Context, siteID string) (*db.Site, error)
}

// EventStore is the client event persistence the service needs.
type EventStore interface {
	GetEventByKey(ctx context.Context, deviceID, clientEventID string) (*db.ClientEvent, error)
	IngestEvent(ctx context.Context, ev *db.ClientEvent, item *db.SyncQueueItem) error
	EnsureQueued(ctx context.Context, item *db.SyncQueueItem) error
}

// FixStore caches each device's last accepted GPS fix.
type FixStore interface {
	Get(ctx context.Context, deviceID string) (*geo.Fix, error)
	Set(ctx context.Context, deviceID string, fix geo.Fix) error
}

// HandshakeRequest is a device's clock-sync call.
type HandshakeRequest struct {
	DeviceID    string     `json:"device_id"`
	DeviceClock time.Time  `json:"device_clock"`
	UserID      *uuid.UUID `json:"user_id,omitempty"`
	CompanyID   *uuid.UUID `json:"company_id,omitempty"`
}

// HandshakeResponse reports the authoritative time and the trust verdict for
// this cycle.
type HandshakeResponse struct {
	ServerTime time.Time `json:"server_time"`
	Trusted    bool      `json:"trusted"`
}

// IncomingEvent is one element of an uploaded batch.
type IncomingEvent struct {
	ClientEventID string          `json:"client_event_id"`
	Type          string          `json:"type"`
	EventTime     string          `json:"event_time"`
	Payload       json.RawMessage `json:"payload"`
	GPSFix        *geo.Fix        `json:"gps_fix,omitempty"`
}

// BatchRequest is an uploaded batch of device events.
type BatchRequest struct {
	DeviceID string          `json:"device_id"`
	Events   []IncomingEvent `json:"events"`
}

// EventResult is the per-element outcome of a batch submission.
type EventResult struct {
	ClientEventID  string     `json:"client_event_id"`
	Accepted       bool       `json:"accepted"`
	MappedEntityID *uuid.UUID `json:"mapped_entity_id,omitempty"`
	ValidityStatus string     `json:"validity_status,omitempty"`
	Error          string     `json:"error,omitempty"`
}

// Service handles handshakes and idempotent event intake
type Service struct {
	devices    DeviceStore
	events     EventStore
	fixes      FixStore
	tracker    *clock.Tracker
	validator  *geo.Validator
	maxRetries int
	logger     *zap.Logger
	now        func() time.Time
}

// NewService creates a new ingestion service
func NewService(
	devices DeviceStore,
	events EventStore,
	fixes FixStore,
	tracker *clock.Tracker,
	validator *geo.Validator,
	maxRetries int,
	logger *zap.Logger,
) *Service {
	return &Service{
		devices:    devices,
		events:     events,
		fixes:      fixes,
		tracker:    tracker,
		validator:  validator,
		maxRetries: maxRetries,
		logger:     logger,
		now:        time.Now,
	}
}

// WithNow overrides the clock source. Used by tests.
func (s *Service) WithNow(now func() time.Time) *Service {
	s.now = now
	return s
}

// Handshake recomputes the device's clock offset and trust for this cycle
// and refreshes the device record. A handshake arriving before the device's
// previously recorded sync is rejected whole.
func (s *Service) Handshake(ctx context.Context, req HandshakeRequest) (*HandshakeResponse, error) {
	if req.DeviceID == "" {
		return nil, &ValidationError{Reason: "handshake requires device_id"}
	}
	serverNow := s.now().UTC()

	var lastSyncAt time.Time
	existing, err := s.devices.GetDevice(ctx, req.DeviceID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("failed to load device: %w", err)
	}
	if existing != nil {
		lastSyncAt = existing.LastSyncAt
	}

	if err := s.tracker.CheckReplay(serverNow, lastSyncAt); err != nil {
		metrics.CountHandshake("rejected")
		return nil, err
	}

	offset, trusted := s.tracker.Evaluate(req.DeviceClock, serverNow)

	device := &db.Device{
		DeviceID:           req.DeviceID,
		UserID:             req.UserID,
		CompanyID:          req.CompanyID,
		ClockOffsetSeconds: offset,
		ClockTrusted:       trusted,
		LastSyncAt:         serverNow,
	}
	if err := s.devices.UpsertHandshake(ctx, device); err != nil {
		return nil, err
	}

	logging.WithDevice(s.logger, req.DeviceID).Info("device handshake",
		zap.Int64("clock_offset_seconds", offset),
		zap.Bool("trusted", trusted),
	)
	metrics.CountHandshake("ok")

	return &HandshakeResponse{ServerTime: serverNow, Trusted: trusted}, nil
}

// SubmitBatch ingests a batch of device events. Each element's outcome is
// isolated; a malformed element never aborts the rest of the batch.
func (s *Service) SubmitBatch(ctx context.Context, req BatchRequest) ([]EventResult, error) {
	if req.DeviceID == "" {
		return nil, &ValidationError{Reason: "batch requires device_id"}
	}

	device, err := s.devices.GetDevice(ctx, req.DeviceID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, req.DeviceID)
		}
		return nil, fmt.Errorf("failed to load device: %w", err)
	}

	devLogger := logging.WithDevice(s.logger, req.DeviceID)
	devLogger.Info("processing event batch", zap.Int("event_count", len(req.Events)))

	results := make([]EventResult, 0, len(req.Events))
	for _, incoming := range req.Events {
		results = append(results, s.processEvent(ctx, device, incoming, devLogger))
	}
	return results, nil
}

func (s *Service) processEvent(ctx context.Context, device *db.Device, incoming IncomingEvent, logger *zap.Logger) EventResult {
	if incoming.ClientEventID == "" {
		metrics.CountIngest("rejected")
		return EventResult{Accepted: false, Error: "missing client_event_id"}
	}

	// Idempotency lookup first: repeated delivery of the same key must
	// produce exactly one effect.
	existing, err := s.events.GetEventByKey(ctx, device.DeviceID, incoming.ClientEventID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		metrics.CountIngest("error")
		return EventResult{ClientEventID: incoming.ClientEventID, Accepted: false, Error: "storage failure"}
	}
	if existing != nil {
		return s.resume(ctx, device, existing, logger)
	}

	payload, err := Decode(incoming.Type, incoming.Payload)
	if err != nil {
		var vErr *ValidationError
		if errors.As(err, &vErr) {
			metrics.CountIngest("rejected")
			return EventResult{ClientEventID: incoming.ClientEventID, Accepted: false, Error: vErr.Reason}
		}
		metrics.CountIngest("error")
		return EventResult{ClientEventID: incoming.ClientEventID, Accepted: false, Error: err.Error()}
	}

	eventTime, err := timeparser.ParseDeviceTimestamp(incoming.EventTime)
	if err != nil {
		metrics.CountIngest("rejected")
		return EventResult{ClientEventID: incoming.ClientEventID, Accepted: false, Error: "unparseable event_time"}
	}

	serverNow := s.now().UTC()
	flags := s.checkIntegrity(ctx, device, payload, incoming.GPSFix, logger)
	status := geo.DeriveStatus(flags)

	entityID := payload.TargetID()
	if entityID == uuid.Nil {
		entityID = uuid.New()
	}

	meta := Meta{UserID: device.UserID, EventTime: eventTime, Fix: incoming.GPSFix}
	snapshot := payload.Snapshot(meta)
	snapshot["id"] = entityID.String()
	data, err := json.Marshal(snapshot)
	if err != nil {
		metrics.CountIngest("error")
		return EventResult{ClientEventID: incoming.ClientEventID, Accepted: false, Error: "failed to encode snapshot"}
	}

	// The fix travels inside the stored payload so a resumed ingestion can
	// rebuild the exact same snapshot, coordinates included.
	rawPayload := incoming.Payload
	if len(rawPayload) == 0 {
		rawPayload = json.RawMessage(`{}`)
	}
	if incoming.GPSFix != nil {
		rawPayload = embedFix(rawPayload, incoming.GPSFix)
	}

	resourceType, operationType := payload.Resource()
	event := &db.ClientEvent{
		ID:               uuid.New(),
		DeviceID:         device.DeviceID,
		ClientEventID:    incoming.ClientEventID,
		EventType:        incoming.Type,
		EventTime:        eventTime,
		ServerReceivedAt: serverNow,
		Payload:          rawPayload,
		Flags:            flags,
		ValidityStatus:   status,
	}
	item := &db.SyncQueueItem{
		ClientEventID: event.ID,
		OwnerKey:      ownerKey(device),
		ResourceType:  resourceType,
		OperationType: operationType,
		Data:          data,
		MaxRetries:    s.maxRetries,
	}

	if err := s.events.IngestEvent(ctx, event, item); err != nil {
		if errors.Is(err, repository.ErrDuplicateEvent) {
			// Lost a concurrent race on the idempotency key; the winner's
			// row is authoritative.
			winner, lookupErr := s.events.GetEventByKey(ctx, device.DeviceID, incoming.ClientEventID)
			if lookupErr == nil {
				return s.resume(ctx, device, winner, logger)
			}
			metrics.CountIngest("error")
			return EventResult{ClientEventID: incoming.ClientEventID, Accepted: false, Error: "storage failure"}
		}
		logger.Error("failed to ingest event", zap.Error(err), zap.String("client_event_id", incoming.ClientEventID))
		metrics.CountIngest("error")
		return EventResult{ClientEventID: incoming.ClientEventID, Accepted: false, Error: "storage failure"}
	}

	metrics.CountIngest("accepted")
	return EventResult{
		ClientEventID:  incoming.ClientEventID,
		Accepted:       true,
		ValidityStatus: status,
	}
}

// resume handles a key that already exists: either fully applied (return the
// mapped id unchanged, no side effects) or interrupted mid-flight (make sure
// the queue item exists, nothing else).
func (s *Service) resume(ctx context.Context, device *db.Device, existing *db.ClientEvent, logger *zap.Logger) EventResult {
	result := EventResult{
		ClientEventID:  existing.ClientEventID,
		Accepted:       true,
		MappedEntityID: existing.MappedEntityID,
		ValidityStatus: existing.ValidityStatus,
	}
	if existing.MappedEntityID != nil {
		metrics.CountIngest("duplicate")
		return result
	}

	payload, err := Decode(existing.EventType, existing.Payload)
	if err != nil {
		// The stored payload was valid at ingest time; treat decode drift
		// as a storage problem rather than re-rejecting the event.
		logger.Error("failed to re-decode stored payload", zap.Error(err), zap.String("client_event_id", existing.ClientEventID))
		metrics.CountIngest("error")
		return result
	}

	entityID := payload.TargetID()
	if entityID == uuid.Nil {
		entityID = uuid.New()
	}
	meta := Meta{UserID: device.UserID, EventTime: existing.EventTime, Fix: extractFix(existing.Payload)}
	snapshot := payload.Snapshot(meta)
	snapshot["id"] = entityID.String()
	data, err := json.Marshal(snapshot)
	if err != nil {
		metrics.CountIngest("error")
		return result
	}

	resourceType, operationType := payload.Resource()
	item := &db.SyncQueueItem{
		ClientEventID: existing.ID,
		OwnerKey:      ownerKey(device),
		ResourceType:  resourceType,
		OperationType: operationType,
		Data:          data,
		MaxRetries:    s.maxRetries,
	}
	if err := s.events.EnsureQueued(ctx, item); err != nil {
		logger.Error("failed to ensure queue item", zap.Error(err), zap.String("client_event_id", existing.ClientEventID))
	}

	metrics.CountIngest("duplicate")
	return result
}

// checkIntegrity computes the event's integrity flags. Location flags are
// annotations only; a degraded fix never causes rejection.
func (s *Service) checkIntegrity(ctx context.Context, device *db.Device, payload Payload, fix *geo.Fix, logger *zap.Logger) db.IntegrityFlags {
	flags := db.IntegrityFlags{
		TimeSuspect: !device.ClockTrusted,
	}
	if fix == nil {
		return flags
	}

	var site *db.Site
	if siteID := payload.SiteRef(); siteID != "" {
		loaded, err := s.devices.GetSite(ctx, siteID)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			logger.Warn("failed to load site for geofence check", zap.Error(err), zap.String("site_id", siteID))
		}
		site = loaded
	}

	prev, err := s.fixes.Get(ctx, device.DeviceID)
	if err != nil {
		logger.Warn("failed to load previous fix", zap.Error(err))
		prev = nil
	}

	locFlags := s.validator.Check(*fix, prev, site)
	flags.MockLocation = locFlags.MockLocation
	flags.SpeedAnomaly = locFlags.SpeedAnomaly
	flags.JumpAnomaly = locFlags.JumpAnomaly
	flags.OutOfZone = locFlags.OutOfZone

	if geo.DeriveStatus(flags) != db.ValidityInvalid {
		if err := s.fixes.Set(ctx, device.DeviceID, *fix); err != nil {
			logger.Warn("failed to cache accepted fix", zap.Error(err))
		}
	}

	return flags
}

func ownerKey(device *db.Device) string {
	if device.UserID != nil {
		return "user:" + device.UserID.String()
	}
	return "device:" + device.DeviceID
}

// embedFix folds the submitted fix into the payload object under a reserved
// key. No payload variant defines gps_fix, and the decoders ignore it.
func embedFix(raw json.RawMessage, fix *geo.Fix) json.RawMessage {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return raw
	}
	fixRaw, err := json.Marshal(fix)
	if err != nil {
		return raw
	}
	obj["gps_fix"] = fixRaw
	merged, err := json.Marshal(obj)
	if err != nil {
		return raw
	}
	return merged
}

// extractFix recovers the fix embedded by embedFix, or nil when the event
// was submitted without one.
func extractFix(raw []byte) *geo.Fix {
	var stored struct {
		GPSFix *geo.Fix `json:"gps_fix"`
	}
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil
	}
	return stored.GPSFix
}
