// Package memory implements store.Store in process memory. It backs tests and
// single-node development deployments; uniqueness of the record identifier is
// always enforced.
package memory

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/telhawk-systems/telhawk-tiering/internal/models"
	"github.com/telhawk-systems/telhawk-tiering/internal/store"
)

var errMissingKey = errors.New("record has no unique identifier")

// Store holds one collection per tier.
type Store struct {
	tiers map[models.Tier]*Collection
	now   func() time.Time
	seq   atomic.Int64
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the clock used for CreatedAt/UpdatedAt bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New creates an empty memory store.
func New(opts ...Option) *Store {
	s := &Store{
		tiers: make(map[models.Tier]*Collection),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, t := range models.AllTiers() {
		s.tiers[t] = &Collection{
			tier:    t,
			parent:  s,
			records: make(map[string]*models.Record),
			indexes: make(map[string]store.IndexSpec),
		}
	}
	return s
}

// Collection returns the collection for a tier.
func (s *Store) Collection(tier models.Tier) store.Collection {
	return s.tiers[tier]
}

// Tier returns the concrete collection, for tests that inspect contents.
func (s *Store) Tier(tier models.Tier) *Collection {
	return s.tiers[tier]
}

// Ping always succeeds.
func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Close is a no-op.
func (s *Store) Close() error {
	return nil
}

// Collection is one tier held in a map keyed by unique identifier.
type Collection struct {
	tier    models.Tier
	parent  *Store
	mu      sync.RWMutex
	records map[string]*models.Record
	indexes map[string]store.IndexSpec
}

func (c *Collection) Tier() models.Tier {
	return c.tier
}

// Len returns the number of records held.
func (c *Collection) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.records)
}

// Get returns a copy of the record stored under key.
func (c *Collection) Get(key string) (*models.Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.records[key]
	if !ok {
		return nil, false
	}
	return r.Clone(), true
}

// Keys returns every stored unique identifier, sorted.
func (c *Collection) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.records))
	for k := range c.records {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Indexes returns the index specs ensured so far.
func (c *Collection) Indexes() []store.IndexSpec {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]store.IndexSpec, 0, len(c.indexes))
	for _, spec := range c.indexes {
		out = append(out, spec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (c *Collection) InsertMany(ctx context.Context, records []*models.Record) (*store.BulkResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res := &store.BulkResult{}
	now := c.parent.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, r := range records {
		if r == nil || r.UniqueIdentifier == "" {
			res.Failed = append(res.Failed, &models.ItemError{Err: errMissingKey})
			continue
		}
		if _, ok := c.records[r.UniqueIdentifier]; ok {
			res.Existing = append(res.Existing, r.UniqueIdentifier)
			continue
		}
		stored := r.Clone()
		stored.Seq = c.parent.seq.Add(1)
		stored.CreatedAt = now
		stored.UpdatedAt = now
		c.records[stored.UniqueIdentifier] = stored
		res.Inserted = append(res.Inserted, stored.UniqueIdentifier)
	}

	return res, nil
}

func (c *Collection) DeleteKeys(ctx context.Context, keys []string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var deleted int64
	for _, k := range keys {
		if _, ok := c.records[k]; ok {
			delete(c.records, k)
			deleted++
		}
	}
	return deleted, nil
}

// Scan orders matching keys up front and clones one batch at a time, so
// records removed by an earlier batch's callback are not yielded.
func (c *Collection) Scan(ctx context.Context, cutoff time.Time, batchSize int, fn func([]*models.Record) error) error {
	if batchSize <= 0 {
		batchSize = 1000
	}

	type entry struct {
		ts  time.Time
		key string
	}
	c.mu.RLock()
	matched := make([]entry, 0)
	for k, r := range c.records {
		if !r.Timestamp.After(cutoff) {
			matched = append(matched, entry{ts: r.Timestamp, key: k})
		}
	}
	c.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].ts.Equal(matched[j].ts) {
			return matched[i].ts.Before(matched[j].ts)
		}
		return matched[i].key < matched[j].key
	})

	for start := 0; start < len(matched); start += batchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(start+batchSize, len(matched))

		batch := make([]*models.Record, 0, end-start)
		c.mu.RLock()
		for _, e := range matched[start:end] {
			if r, ok := c.records[e.key]; ok {
				batch = append(batch, r.Clone())
			}
		}
		c.mu.RUnlock()

		if len(batch) == 0 {
			continue
		}
		if err := fn(batch); err != nil {
			return err
		}
	}
	return nil
}

func (c *Collection) Find(ctx context.Context, opts models.FindOptions) ([]*models.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.RLock()
	out := make([]*models.Record, 0)
	for _, r := range c.records {
		if opts.Filter.Matches(r) && models.AfterCursor(r, opts.After) {
			out = append(out, r.Clone())
		}
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return models.Before(out[i], out[j]) })
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (c *Collection) Count(ctx context.Context, f models.Filter) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	var n int64
	for _, r := range c.records {
		if f.Matches(r) {
			n++
		}
	}
	return n, nil
}

func (c *Collection) LevelCounts(ctx context.Context, f models.Filter) (map[string]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]int64)
	for _, r := range c.records {
		if f.Matches(r) {
			out[r.Rule.Level]++
		}
	}
	return out, nil
}

func (c *Collection) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var n int64
	for k, r := range c.records {
		if !r.Timestamp.After(cutoff) {
			delete(c.records, k)
			n++
		}
	}
	return n, nil
}

func (c *Collection) DuplicateGroups(ctx context.Context) ([]store.DuplicateGroup, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.RLock()
	byNative := make(map[string][]store.Member)
	for _, r := range c.records {
		if r.NativeID == "" {
			continue
		}
		byNative[r.NativeID] = append(byNative[r.NativeID], store.Member{
			Key:       r.UniqueIdentifier,
			ArrivedAt: r.ArrivedAt(),
			Seq:       r.Seq,
		})
	}
	c.mu.RUnlock()

	groups := make([]store.DuplicateGroup, 0)
	for id, members := range byNative {
		if len(members) > 1 {
			groups = append(groups, store.DuplicateGroup{NativeID: id, Members: members})
		}
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].NativeID < groups[j].NativeID })
	return groups, nil
}

func (c *Collection) UpdateLevel(ctx context.Context, from, to string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	now := c.parent.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	var n int64
	for _, r := range c.records {
		if strings.EqualFold(r.Rule.Level, from) {
			r.Rule.Level = to
			r.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (c *Collection) EnsureIndex(ctx context.Context, spec store.IndexSpec) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.indexes[spec.Name] = spec
	return nil
}
