package common

import (
	"time"
)

// ISO timestamp layout used on job documents. RFC3339 with microseconds,
// always UTC, so documents sort lexicographically by time.
const isoLayout = "2006-01-02T15:04:05.000000Z07:00"

// NowISO returns the current UTC time in the document timestamp format
func NowISO() string {
	return time.Now().UTC().Format(isoLayout)
}

// FormatISO formats a time in the document timestamp format
func FormatISO(t time.Time) string {
	return t.UTC().Format(isoLayout)
}

// ParseISO parses a document timestamp. Accepts RFC3339 variants and a
// bare timestamp without zone suffix, which older documents carry.
func ParseISO(s string) (time.Time, error) {
	if t, err := time.Parse(isoLayout, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse("2006-01-02T15:04:05.999999", s); err == nil {
		return t.UTC(), nil
	}
	return time.Parse("2006-01-02T15:04:05", s)
}

// ExpiresAt returns the document expiry as epoch seconds, ttlDays from now
func ExpiresAt(ttlDays int) int64 {
	return time.Now().UTC().Add(time.Duration(ttlDays) * 24 * time.Hour).Unix()
}
