// Package storetest provides fault-injecting wrappers around store
// collections for exercising partial-failure paths.
package storetest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/telhawk-systems/telhawk-tiering/internal/models"
	"github.com/telhawk-systems/telhawk-tiering/internal/store"
)

// ErrInjected is returned by operations configured to fail.
var ErrInjected = errors.New("injected failure")

// Faulty wraps a Collection and fails selected operations.
type Faulty struct {
	store.Collection

	mu sync.Mutex

	// FailDeletes is the number of upcoming DeleteKeys calls to fail.
	FailDeletes int
	// FailInserts is the number of upcoming InsertMany calls to fail whole.
	FailInserts int
	// FailReads makes Count, LevelCounts and Find fail.
	FailReads bool
	// FailKeys fails InsertMany for individual keys while the rest commit.
	FailKeys map[string]bool
	// FailIndexes fails EnsureIndex for the named specs.
	FailIndexes map[string]bool

	// FindCalls counts Find invocations.
	FindCalls int
}

// Wrap returns a Faulty around c.
func Wrap(c store.Collection) *Faulty {
	return &Faulty{Collection: c, FailKeys: make(map[string]bool), FailIndexes: make(map[string]bool)}
}

func (f *Faulty) InsertMany(ctx context.Context, records []*models.Record) (*store.BulkResult, error) {
	f.mu.Lock()
	if f.FailInserts > 0 {
		f.FailInserts--
		f.mu.Unlock()
		return nil, ErrInjected
	}
	keep := make([]*models.Record, 0, len(records))
	var failed []*models.ItemError
	for _, r := range records {
		if r != nil && f.FailKeys[r.UniqueIdentifier] {
			failed = append(failed, &models.ItemError{Key: r.UniqueIdentifier, Err: ErrInjected})
			continue
		}
		keep = append(keep, r)
	}
	f.mu.Unlock()

	res, err := f.Collection.InsertMany(ctx, keep)
	if err != nil {
		return nil, err
	}
	res.Failed = append(res.Failed, failed...)
	return res, nil
}

func (f *Faulty) DeleteKeys(ctx context.Context, keys []string) (int64, error) {
	f.mu.Lock()
	if f.FailDeletes > 0 {
		f.FailDeletes--
		f.mu.Unlock()
		return 0, ErrInjected
	}
	f.mu.Unlock()
	return f.Collection.DeleteKeys(ctx, keys)
}

func (f *Faulty) Find(ctx context.Context, opts models.FindOptions) ([]*models.Record, error) {
	f.mu.Lock()
	f.FindCalls++
	fail := f.FailReads
	f.mu.Unlock()
	if fail {
		return nil, ErrInjected
	}
	return f.Collection.Find(ctx, opts)
}

func (f *Faulty) Count(ctx context.Context, filter models.Filter) (int64, error) {
	if f.failReads() {
		return 0, ErrInjected
	}
	return f.Collection.Count(ctx, filter)
}

func (f *Faulty) LevelCounts(ctx context.Context, filter models.Filter) (map[string]int64, error) {
	if f.failReads() {
		return nil, ErrInjected
	}
	return f.Collection.LevelCounts(ctx, filter)
}

func (f *Faulty) Scan(ctx context.Context, cutoff time.Time, batchSize int, fn func([]*models.Record) error) error {
	return f.Collection.Scan(ctx, cutoff, batchSize, fn)
}

func (f *Faulty) EnsureIndex(ctx context.Context, spec store.IndexSpec) error {
	f.mu.Lock()
	fail := f.FailIndexes[spec.Name]
	f.mu.Unlock()
	if fail {
		return ErrInjected
	}
	return f.Collection.EnsureIndex(ctx, spec)
}

func (f *Faulty) failReads() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.FailReads
}

// Store overrides selected tiers of an underlying store.
type Store struct {
	store.Store
	Overrides map[models.Tier]store.Collection
}

// NewStore wraps s with no overrides.
func NewStore(s store.Store) *Store {
	return &Store{Store: s, Overrides: make(map[models.Tier]store.Collection)}
}

// Collection returns the override for tier when present.
func (s *Store) Collection(tier models.Tier) store.Collection {
	if c, ok := s.Overrides[tier]; ok {
		return c
	}
	return s.Store.Collection(tier)
}
