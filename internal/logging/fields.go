// Package logging provides slog-based structured logging with field helpers
// shared by every tiering component.
package logging

import (
	"log/slog"
	"time"
)

// Common field names for consistent logging across components.
const (
	FieldComponent = "component"
	FieldJob       = "job"
	FieldRunID     = "run_id"
	FieldTier      = "tier"
	FieldKey       = "unique_identifier"
	FieldSourceID  = "source_id"
	FieldCount     = "count"
	FieldDuration  = "duration_ms"
	FieldError     = "error"
)

// Job returns a slog attribute for the job name.
func Job(name string) slog.Attr {
	return slog.String(FieldJob, name)
}

// RunID returns a slog attribute for a job run ID.
func RunID(id string) slog.Attr {
	return slog.String(FieldRunID, id)
}

// Tier returns a slog attribute for a tier name.
func Tier(name string) slog.Attr {
	return slog.String(FieldTier, name)
}

// Key returns a slog attribute for a record's unique identifier.
func Key(key string) slog.Attr {
	return slog.String(FieldKey, key)
}

// SourceID returns a slog attribute for an upstream event ID.
func SourceID(id string) slog.Attr {
	return slog.String(FieldSourceID, id)
}

// Count returns a slog attribute for an item count.
func Count(n int64) slog.Attr {
	return slog.Int64(FieldCount, n)
}

// Duration returns a slog attribute for a duration in milliseconds.
func Duration(d time.Duration) slog.Attr {
	return slog.Int64(FieldDuration, d.Milliseconds())
}

// Error returns a slog attribute for an error.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(FieldError, "")
	}
	return slog.String(FieldError, err.Error())
}
