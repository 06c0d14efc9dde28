// Package common provides shared utilities across the application.
package common

import (
	"time"
)

// IsStaleTimestamp reports whether a document timestamp is older than the
// given threshold. Missing or unparseable timestamps count as stale: a job
// that cannot prove recent progress must be eligible for the watchdogs.
func IsStaleTimestamp(updatedAt string, threshold time.Duration, now time.Time) bool {
	if updatedAt == "" {
		return true
	}
	t, err := ParseISO(updatedAt)
	if err != nil {
		return true
	}
	return now.UTC().Sub(t.UTC()) > threshold
}

// TimestampAge returns the age of a document timestamp. The boolean is false
// when the timestamp is missing or unparseable.
func TimestampAge(updatedAt string, now time.Time) (time.Duration, bool) {
	if updatedAt == "" {
		return 0, false
	}
	t, err := ParseISO(updatedAt)
	if err != nil {
		return 0, false
	}
	return now.UTC().Sub(t.UTC()), true
}
