package timeparser

import (
	"fmt"
	"strconv"
	"time"
)

// ParseDeviceTimestamp attempts to parse a device-reported timestamp with the
// formats field clients actually emit.
func ParseDeviceTimestamp(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}

	// Some Android builds send epoch milliseconds.
	if millis, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.UnixMilli(millis).UTC(), nil
	}

	formats := []string{
		time.RFC3339,          // Standard RFC3339
		"2006-01-02 15:04:05", // SQLite-style local timestamp
		"02/01/2006 15:04:05", // DD/MM/YYYY HH:mm:ss
	}

	var lastErr error
	for _, format := range formats {
		t, err := time.Parse(format, value)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}

	return time.Time{}, fmt.Errorf("failed to parse timestamp '%s': %w", value, lastErr)
}
