package shared

import (
	"fmt"
	"strings"
	"time"
)

// TimestampLayout is the compact date format used by scale terminals and billing clients.
const TimestampLayout = "20060102150405"

// ParseTimestamp parses a yyyymmddhhmmss string in loc. A blank value returns fallback.
func ParseTimestamp(raw string, loc *time.Location, fallback time.Time) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	if len(raw) != len(TimestampLayout) {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidTimestamp, raw)
	}
	if loc == nil {
		loc = time.Local
	}
	t, err := time.ParseInLocation(TimestampLayout, raw, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidTimestamp, raw)
	}
	return t, nil
}

// FormatTimestamp renders t in the compact layout.
func FormatTimestamp(t time.Time) string {
	return t.Format(TimestampLayout)
}

// StartOfMonth returns midnight on the first day of t's month.
func StartOfMonth(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
}

// StartOfDay returns midnight of t's day.
func StartOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
