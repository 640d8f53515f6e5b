package ingest

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fieldops/sync-worker/internal/db"
	"github.com/fieldops/sync-worker/internal/geo"
)

// Domain event kinds a device can author.
const (
	TypeAttendanceCheckin    = "ATTENDANCE_CHECKIN"
	TypeAttendanceCheckout   = "ATTENDANCE_CHECKOUT"
	TypeAttendanceCorrection = "ATTENDANCE_CORRECTION"
	TypePatrolScan           = "PATROL_SCAN"
	TypeChecklistDone        = "CHECKLIST_DONE"
	TypeIncidentReport       = "INCIDENT_REPORT"
	TypePanicSignal          = "PANIC_SIGNAL"
	TypeReportRetraction     = "REPORT_RETRACTION"
)

// ValidationError marks an event as malformed. Such events are rejected
// immediately and never queued.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid event payload: " + e.Reason
}

func validationErrorf(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// Meta carries the ingestion-time context a payload needs to materialize its
// data snapshot.
type Meta struct {
	UserID    *uuid.UUID
	EventTime time.Time
	Fix       *geo.Fix
}

// Payload is the decoded, type-specific body of a client event. The loose
// JSON blob from the wire becomes one concrete variant keyed by event type.
type Payload interface {
	Validate() error
	Resource() (resourceType, operationType string)
	Snapshot(meta Meta) map[string]any
	// SiteRef returns the site the payload claims to be at, or "" when none.
	SiteRef() string
	// TargetID returns the pre-existing entity id for UPDATE and DELETE
	// payloads, or uuid.Nil for CREATEs.
	TargetID() uuid.UUID
}

// Decode parses the raw payload for the given event type.
func Decode(eventType string, raw json.RawMessage) (Payload, error) {
	var payload Payload
	switch eventType {
	case TypeAttendanceCheckin:
		payload = &AttendancePayload{kind: "checkin"}
	case TypeAttendanceCheckout:
		payload = &AttendancePayload{kind: "checkout"}
	case TypeAttendanceCorrection:
		payload = &AttendanceCorrectionPayload{}
	case TypePatrolScan:
		payload = &PatrolScanPayload{}
	case TypeChecklistDone:
		payload = &ChecklistPayload{}
	case TypeIncidentReport:
		payload = &ReportPayload{category: "incident"}
	case TypePanicSignal:
		payload = &ReportPayload{category: "panic", defaultTitle: "Panic signal"}
	case TypeReportRetraction:
		payload = &ReportRetractionPayload{}
	default:
		return nil, validationErrorf("unknown event type %q", eventType)
	}

	if len(raw) > 0 {
		if err := json.Unmarshal(raw, payload); err != nil {
			return nil, validationErrorf("malformed payload for %s: %v", eventType, err)
		}
	}
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	return payload, nil
}

// AttendancePayload covers check-in and check-out events.
type AttendancePayload struct {
	SiteID string `json:"site_id,omitempty"`
	Note   string `json:"note,omitempty"`

	kind string
}

func (p *AttendancePayload) Validate() error { return nil }

func (p *AttendancePayload) Resource() (string, string) { return db.ResourceAttendance, db.OpCreate }

func (p *AttendancePayload) SiteRef() string { return p.SiteID }

func (p *AttendancePayload) TargetID() uuid.UUID { return uuid.Nil }

func (p *AttendancePayload) Snapshot(meta Meta) map[string]any {
	snapshot := map[string]any{
		"kind":        p.kind,
		"happened_at": meta.EventTime,
	}
	addCommon(snapshot, p.SiteID, meta)
	if meta.Fix != nil {
		snapshot["lat"] = meta.Fix.Lat
		snapshot["lng"] = meta.Fix.Lng
	}
	return snapshot
}

// AttendanceCorrectionPayload amends a previously synced attendance record.
type AttendanceCorrectionPayload struct {
	Target string `json:"target_id"`
	Kind   string `json:"kind,omitempty"`
	SiteID string `json:"site_id,omitempty"`
}

func (p *AttendanceCorrectionPayload) Validate() error {
	if _, err := uuid.Parse(p.Target); err != nil {
		return validationErrorf("attendance correction requires a valid target_id")
	}
	return nil
}

func (p *AttendanceCorrectionPayload) Resource() (string, string) {
	return db.ResourceAttendance, db.OpUpdate
}

func (p *AttendanceCorrectionPayload) SiteRef() string { return p.SiteID }

func (p *AttendanceCorrectionPayload) TargetID() uuid.UUID {
	id, _ := uuid.Parse(p.Target)
	return id
}

func (p *AttendanceCorrectionPayload) Snapshot(meta Meta) map[string]any {
	snapshot := map[string]any{
		"happened_at": meta.EventTime,
	}
	if p.Kind != "" {
		snapshot["kind"] = p.Kind
	}
	addCommon(snapshot, p.SiteID, meta)
	return snapshot
}

// PatrolScanPayload records a checkpoint scan on a patrol route.
type PatrolScanPayload struct {
	SiteID         string `json:"site_id,omitempty"`
	CheckpointCode string `json:"checkpoint_code"`
}

func (p *PatrolScanPayload) Validate() error {
	if p.CheckpointCode == "" {
		return validationErrorf("patrol scan requires checkpoint_code")
	}
	return nil
}

func (p *PatrolScanPayload) Resource() (string, string) { return db.ResourcePatrolLog, db.OpCreate }

func (p *PatrolScanPayload) SiteRef() string { return p.SiteID }

func (p *PatrolScanPayload) TargetID() uuid.UUID { return uuid.Nil }

func (p *PatrolScanPayload) Snapshot(meta Meta) map[string]any {
	snapshot := map[string]any{
		"checkpoint_code": p.CheckpointCode,
		"scanned_at":      meta.EventTime,
	}
	addCommon(snapshot, p.SiteID, meta)
	if meta.Fix != nil {
		snapshot["lat"] = meta.Fix.Lat
		snapshot["lng"] = meta.Fix.Lng
	}
	return snapshot
}

// ChecklistPayload marks one checklist item completed.
type ChecklistPayload struct {
	SiteID   string `json:"site_id,omitempty"`
	ItemCode string `json:"item_code"`
	Note     string `json:"note,omitempty"`
}

func (p *ChecklistPayload) Validate() error {
	if p.ItemCode == "" {
		return validationErrorf("checklist completion requires item_code")
	}
	return nil
}

func (p *ChecklistPayload) Resource() (string, string) { return db.ResourceChecklist, db.OpCreate }

func (p *ChecklistPayload) SiteRef() string { return p.SiteID }

func (p *ChecklistPayload) TargetID() uuid.UUID { return uuid.Nil }

func (p *ChecklistPayload) Snapshot(meta Meta) map[string]any {
	snapshot := map[string]any{
		"item_code":    p.ItemCode,
		"completed_at": meta.EventTime,
		"note":         p.Note,
	}
	addCommon(snapshot, p.SiteID, meta)
	return snapshot
}

// ReportPayload covers incident reports and panic signals; both materialize
// as field reports, panic signals with a fixed category.
type ReportPayload struct {
	SiteID string `json:"site_id,omitempty"`
	Title  string `json:"title,omitempty"`
	Body   string `json:"body,omitempty"`

	category     string
	defaultTitle string
}

func (p *ReportPayload) Validate() error {
	if p.Title == "" && p.defaultTitle == "" {
		return validationErrorf("report requires title")
	}
	return nil
}

func (p *ReportPayload) Resource() (string, string) { return db.ResourceReport, db.OpCreate }

func (p *ReportPayload) SiteRef() string { return p.SiteID }

func (p *ReportPayload) TargetID() uuid.UUID { return uuid.Nil }

func (p *ReportPayload) Snapshot(meta Meta) map[string]any {
	title := p.Title
	if title == "" {
		title = p.defaultTitle
	}
	snapshot := map[string]any{
		"category":    p.category,
		"title":       title,
		"body":        p.Body,
		"happened_at": meta.EventTime,
	}
	addCommon(snapshot, p.SiteID, meta)
	return snapshot
}

// ReportRetractionPayload withdraws a previously synced report.
type ReportRetractionPayload struct {
	Target string `json:"target_id"`
}

func (p *ReportRetractionPayload) Validate() error {
	if _, err := uuid.Parse(p.Target); err != nil {
		return validationErrorf("report retraction requires a valid target_id")
	}
	return nil
}

func (p *ReportRetractionPayload) Resource() (string, string) { return db.ResourceReport, db.OpDelete }

func (p *ReportRetractionPayload) SiteRef() string { return "" }

func (p *ReportRetractionPayload) TargetID() uuid.UUID {
	id, _ := uuid.Parse(p.Target)
	return id
}

func (p *ReportRetractionPayload) Snapshot(meta Meta) map[string]any {
	return map[string]any{}
}

func addCommon(snapshot map[string]any, siteID string, meta Meta) {
	if siteID != "" {
		snapshot["site_id"] = siteID
	}
	if meta.UserID != nil {
		snapshot["user_id"] = meta.UserID.String()
	}
}
