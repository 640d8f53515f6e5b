package clock

import (
	"errors"
	"fmt"
	"time"
)

// ErrReplay is returned when a handshake arrives with a server receipt time
// earlier than the device's previously recorded sync. The whole handshake is
// rejected; nothing is ingested until the client resyncs.
var ErrReplay = errors.New("handshake received before device's last recorded sync")

// Tracker evaluates device clock trust with a configurable drift threshold.
// Trust is recomputed on every handshake; there is no permanent trusted state.
type Tracker struct {
	trustThreshold time.Duration
}

// NewTracker creates a new clock-trust tracker
func NewTracker(trustThresholdSeconds int) *Tracker {
	return &Tracker{
		trustThreshold: time.Duration(trustThresholdSeconds) * time.Second,
	}
}

// Evaluate computes the device clock offset (device time minus server time at
// receipt) and whether the device is trusted for this cycle.
func (t *Tracker) Evaluate(deviceClock, serverNow time.Time) (offsetSeconds int64, trusted bool) {
	offset := deviceClock.Sub(serverNow)
	abs := offset
	if abs < 0 {
		abs = -abs
	}
	return int64(offset / time.Second), abs <= t.trustThreshold
}

// CheckReplay rejects handshakes that would move the device's sync history
// backwards. lastSyncAt is zero for a device's first handshake.
func (t *Tracker) CheckReplay(serverNow, lastSyncAt time.Time) error {
	if lastSyncAt.IsZero() {
		return nil
	}
	if serverNow.Before(lastSyncAt) {
		return fmt.Errorf("%w: received_at=%s last_sync_at=%s",
			ErrReplay, serverNow.Format(time.RFC3339), lastSyncAt.Format(time.RFC3339))
	}
	return nil
}
