package geo

import (
	"time"

	"github.com/fieldops/sync-worker/internal/db"
)

// Fix is a single GPS reading as reported by a device. Fixes are ephemeral;
// only the device's last accepted fix is cached for consecutive-fix checks.
type Fix struct {
	Lat            float64   `json:"lat"`
	Lng            float64   `json:"lng"`
	AccuracyMeters float64   `json:"accuracy"`
	SpeedMPS       float64   `json:"speed"`
	MockLocation   bool      `json:"mock_location"`
	Timestamp      time.Time `json:"timestamp"`
}

// Validator classifies GPS fixes with configurable thresholds
type Validator struct {
	defaultRadiusMeters   float64
	accuracyCeilingMeters float64
	maxSpeedKMH           float64
	maxJumpMeters         float64
	minJumpInterval       time.Duration
}

// NewValidator creates a new location validator with the specified thresholds
func NewValidator(defaultRadiusMeters, accuracyCeilingMeters, maxSpeedKMH, maxJumpKM float64, minJumpInterval time.Duration) *Validator {
	return &Validator{
		defaultRadiusMeters:   defaultRadiusMeters,
		accuracyCeilingMeters: accuracyCeilingMeters,
		maxSpeedKMH:           maxSpeedKMH,
		maxJumpMeters:         maxJumpKM * 1000,
		minJumpInterval:       minJumpInterval,
	}
}

// Check classifies a fix against the site's geofence and the device's
// previous accepted fix. prev is nil for a device's first-ever fix, in
// which case the speed and jump checks are skipped. site may be nil or
// have no anchor, in which case the geofence check is skipped: absence
// of ground truth is not a violation.
func (v *Validator) Check(fix Fix, prev *Fix, site *db.Site) db.IntegrityFlags {
	flags := db.IntegrityFlags{
		MockLocation: fix.MockLocation,
	}

	if site != nil && site.AnchorLat != nil && site.AnchorLng != nil {
		// A low-accuracy fix cannot be trusted against the fence either way.
		if fix.AccuracyMeters <= v.accuracyCeilingMeters {
			radius := v.defaultRadiusMeters
			if site.RadiusMeters != nil {
				radius = *site.RadiusMeters
			}
			dist := HaversineMeters(fix.Lat, fix.Lng, *site.AnchorLat, *site.AnchorLng)
			if dist > radius {
				flags.OutOfZone = true
			}
		}
	}

	if prev != nil {
		dist := HaversineMeters(fix.Lat, fix.Lng, prev.Lat, prev.Lng)
		elapsed := fix.Timestamp.Sub(prev.Timestamp)

		if elapsed > 0 {
			impliedKMH := (dist / elapsed.Seconds()) * 3.6
			if impliedKMH > v.maxSpeedKMH {
				flags.SpeedAnomaly = true
			}
		}

		// Absolute bound on positional jumps within a short window,
		// independent of the speed computation.
		if dist > v.maxJumpMeters && elapsed < v.minJumpInterval {
			flags.JumpAnomaly = true
		}
	}

	return flags
}

// DeriveStatus collapses the integrity flags into the derived validity
// status. The individual flags stay persisted for audit.
func DeriveStatus(flags db.IntegrityFlags) string {
	if flags.MockLocation || (flags.SpeedAnomaly && flags.JumpAnomaly) {
		return db.ValidityInvalid
	}
	if flags.TimeSuspect || flags.MockLocation || flags.SpeedAnomaly || flags.JumpAnomaly || flags.OutOfZone {
		return db.ValiditySuspicious
	}
	return db.ValidityValid
}
