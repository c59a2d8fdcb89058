// Package store defines the tier store contract shared by the memory,
// postgres and opensearch backends.
//
// Every bulk operation is unordered: a failure on one item never prevents the
// rest of the batch from committing. Uniqueness of Record.UniqueIdentifier
// within a collection is the sole duplication guard, so InsertMany is an
// insert-if-absent keyed by that identifier.
package store

import (
	"context"
	"time"

	"github.com/telhawk-systems/telhawk-tiering/internal/models"
)

// Collection is one tier's partition of canonical records.
type Collection interface {
	// Tier returns the tier this collection holds.
	Tier() models.Tier

	// InsertMany writes records that are not already present. Keys already
	// present are reported in BulkResult.Existing and are not errors.
	// The returned error is non-nil only when the whole call failed.
	InsertMany(ctx context.Context, records []*models.Record) (*BulkResult, error)

	// DeleteKeys removes records by unique identifier and returns how many
	// were deleted.
	DeleteKeys(ctx context.Context, keys []string) (int64, error)

	// Scan streams records with Timestamp <= cutoff in batches of at most
	// batchSize, oldest first. Memory use is bounded by batchSize. fn may
	// delete the records it is handed.
	Scan(ctx context.Context, cutoff time.Time, batchSize int, fn func(batch []*models.Record) error) error

	// Find returns records sorted by (Timestamp desc, UniqueIdentifier desc).
	Find(ctx context.Context, opts models.FindOptions) ([]*models.Record, error)

	// Count returns how many records match the filter.
	Count(ctx context.Context, f models.Filter) (int64, error)

	// LevelCounts returns counts grouped by rule level.
	LevelCounts(ctx context.Context, f models.Filter) (map[string]int64, error)

	// DeleteOlderThan removes records with Timestamp <= cutoff.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)

	// DuplicateGroups returns every native id shared by more than one record.
	DuplicateGroups(ctx context.Context) ([]DuplicateGroup, error)

	// UpdateLevel rewrites rule levels equal to from (case-insensitive) to to.
	UpdateLevel(ctx context.Context, from, to string) (int64, error)

	// EnsureIndex creates the index if it does not exist.
	EnsureIndex(ctx context.Context, spec IndexSpec) error
}

// Store opens tier collections on one backend.
type Store interface {
	Collection(tier models.Tier) Collection
	Ping(ctx context.Context) error
	Close() error
}

// BulkResult reports per-item outcomes of InsertMany.
type BulkResult struct {
	Inserted []string
	Existing []string
	Failed   []*models.ItemError
}

// Confirmed returns keys known to be present after the call.
func (r *BulkResult) Confirmed() []string {
	out := make([]string, 0, len(r.Inserted)+len(r.Existing))
	out = append(out, r.Inserted...)
	return append(out, r.Existing...)
}

// Member is one record of a duplicate group, carrying what the
// deduplicator needs to order by arrival.
type Member struct {
	Key       string
	ArrivedAt time.Time
	Seq       int64
}

// DuplicateGroup is a native id with more than one member.
type DuplicateGroup struct {
	NativeID string
	Members  []Member
}

// IndexField is one component of an index.
type IndexField struct {
	Path string
	Desc bool
}

// IndexSpec describes an index on canonical field paths.
type IndexSpec struct {
	Name   string
	Fields []IndexField
	Unique bool
}

// Canonical field paths used by index specs and backends.
const (
	FieldTimestamp        = "timestamp"
	FieldRuleLevel        = "rule.level"
	FieldAgentName        = "agent.name"
	FieldUniqueIdentifier = "uniqueIdentifier"
	FieldNativeID         = "nativeId"
)
