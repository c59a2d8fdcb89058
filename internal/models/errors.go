package models

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by the ingestion and maintenance jobs.
var (
	// ErrTransientSource means the upstream source was unreachable or timed out.
	ErrTransientSource = errors.New("transient source error")

	// ErrDuplicateKey means a uniqueness constraint rejected an insert.
	// Callers absorb it; the record already exists.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrMalformedRecord means a raw event lacks minimally valid fields.
	ErrMalformedRecord = errors.New("malformed record")

	// ErrPartialBatch means some operations in a bulk write failed for
	// reasons other than duplication.
	ErrPartialBatch = errors.New("partial batch failure")

	// ErrFatalStore means the persistent store is unreachable at startup.
	ErrFatalStore = errors.New("fatal store error")
)

// MalformedRecordError describes why a raw event was dropped.
type MalformedRecordError struct {
	SourceID string
	Reason   string
}

func (e *MalformedRecordError) Error() string {
	if e.SourceID == "" {
		return fmt.Sprintf("malformed record: %s", e.Reason)
	}
	return fmt.Sprintf("malformed record %s: %s", e.SourceID, e.Reason)
}

func (e *MalformedRecordError) Unwrap() error { return ErrMalformedRecord }

// ItemError is a single failed operation inside a bulk write.
type ItemError struct {
	Key string
	Err error
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("%s: %v", e.Key, e.Err)
}

func (e *ItemError) Unwrap() error { return e.Err }

// IsDuplicate reports whether err is a uniqueness violation.
func IsDuplicate(err error) bool {
	return errors.Is(err, ErrDuplicateKey)
}
