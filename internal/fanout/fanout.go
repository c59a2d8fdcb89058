// Package fanout answers range queries across the tiers whose age ranges
// intersect the requested window.
//
// Counts and level distributions are issued to every selected tier in
// parallel; a failing tier contributes nothing and is reported alongside the
// partial result. Pages are k-way merged across tiers in
// (timestamp desc, uniqueIdentifier desc) order.
package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/telhawk-systems/telhawk-tiering/internal/database"
	"github.com/telhawk-systems/telhawk-tiering/internal/logging"
	"github.com/telhawk-systems/telhawk-tiering/internal/models"
	"github.com/telhawk-systems/telhawk-tiering/internal/store"
)

// MaxLimit caps the page size.
const MaxLimit = 10000

// ErrDepthExceeded is returned when page*limit passes the configured depth.
// Callers should switch to cursor pagination.
var ErrDepthExceeded = errors.New("page depth exceeded, use a cursor")

// Config holds the query limits.
type Config struct {
	DefaultLimit         int
	MaxDepth             int
	HighSeverityMinLevel int
	MaxLevel             int
}

// DefaultConfig returns the stock query limits.
func DefaultConfig() Config {
	return Config{
		DefaultLimit:         100,
		MaxDepth:             10000,
		HighSeverityMinLevel: 12,
		MaxLevel:             15,
	}
}

// Query is a range query over the tiers. Lookback sets Filter.From relative
// to now when From is zero. Page is 1-based and ignored when Cursor is set.
type Query struct {
	Filter   models.Filter  `json:"filter"`
	Lookback time.Duration  `json:"lookback,omitempty"`
	Page     int            `json:"page,omitempty"`
	Limit    int            `json:"limit,omitempty"`
	Cursor   *models.Cursor `json:"cursor,omitempty"`
}

// TierError records a tier that failed during a fan-out.
type TierError struct {
	Tier models.Tier
	Op   string
	Err  error
}

func (e *TierError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Tier, e.Op, e.Err)
}

func (e *TierError) Unwrap() error { return e.Err }

func (e *TierError) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{
		"tier":  e.Tier.String(),
		"op":    e.Op,
		"error": e.Err.Error(),
	})
}

// CountResult is a summed count.
type CountResult struct {
	Total   int64            `json:"total"`
	PerTier map[string]int64 `json:"per_tier"`
	Tiers   []string         `json:"tiers"`
	Errors  []*TierError     `json:"errors,omitempty"`
}

// LevelResult is a merged level distribution.
type LevelResult struct {
	Levels map[string]int64 `json:"levels"`
	Tiers  []string         `json:"tiers"`
	Errors []*TierError     `json:"errors,omitempty"`
}

// MetricsResult holds the dashboard counters for a window.
type MetricsResult struct {
	Total        int64        `json:"total"`
	HighSeverity int64        `json:"high_severity"`
	Tiers        []string     `json:"tiers"`
	Errors       []*TierError `json:"errors,omitempty"`
}

// Fanout runs queries against a tier store.
type Fanout struct {
	store  store.Store
	policy models.Policy
	cfg    Config
	now    func() time.Time
	logger *logging.Logger
}

// Option configures a Fanout.
type Option func(*Fanout)

// WithClock sets the clock used for tier selection and lookbacks.
func WithClock(now func() time.Time) Option {
	return func(f *Fanout) {
		f.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(f *Fanout) {
		f.logger = l
	}
}

// New creates a Fanout.
func New(st store.Store, policy models.Policy, cfg Config, opts ...Option) *Fanout {
	def := DefaultConfig()
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = def.DefaultLimit
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = def.MaxDepth
	}
	if cfg.MaxLevel <= 0 {
		cfg.MaxLevel = def.MaxLevel
	}
	if cfg.HighSeverityMinLevel <= 0 {
		cfg.HighSeverityMinLevel = def.HighSeverityMinLevel
	}
	f := &Fanout{
		store:  st,
		policy: policy,
		cfg:    cfg,
		now:    time.Now,
		logger: logging.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = f.logger.Component("fanout")
	return f
}

// SelectTiers returns the newest-first prefix of tiers whose age ranges
// intersect a window starting at from. A zero from selects every tier.
func (f *Fanout) SelectTiers(from, now time.Time) []models.Tier {
	tiers := f.policy.Tiers()
	if from.IsZero() {
		return tiers
	}
	reach, _ := f.policy.TierFor(now.Sub(from))

	out := make([]models.Tier, 0, len(tiers))
	for _, t := range tiers {
		if t > reach {
			break
		}
		out = append(out, t)
	}
	return out
}

// resolve applies the lookback and returns the filter and selected tiers.
func (f *Fanout) resolve(q Query) (models.Filter, []models.Tier) {
	now := f.now()
	filter := q.Filter
	if filter.From.IsZero() && q.Lookback > 0 {
		filter.From = now.Add(-q.Lookback)
	}
	return filter, f.SelectTiers(filter.From, now)
}

// Count sums per-tier counts issued in parallel.
func (f *Fanout) Count(ctx context.Context, q Query) (*CountResult, error) {
	filter, tiers := f.resolve(q)
	return f.count(ctx, filter, tiers)
}

func (f *Fanout) count(ctx context.Context, filter models.Filter, tiers []models.Tier) (*CountResult, error) {
	res := &CountResult{PerTier: make(map[string]int64, len(tiers)), Tiers: tierNames(tiers)}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, tier := range tiers {
		g.Go(func() error {
			queryCtx, cancel := database.QueryContext(gctx)
			defer cancel()

			n, err := f.store.Collection(tier).Count(queryCtx, filter)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Errors = append(res.Errors, f.tierError(ctx, tier, "count", err))
				res.PerTier[tier.String()] = 0
				return nil
			}
			res.PerTier[tier.String()] = n
			res.Total += n
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return res, ctx.Err()
}

// LevelDistribution merges per-tier level counts issued in parallel.
func (f *Fanout) LevelDistribution(ctx context.Context, q Query) (*LevelResult, error) {
	filter, tiers := f.resolve(q)
	return f.levels(ctx, filter, tiers)
}

func (f *Fanout) levels(ctx context.Context, filter models.Filter, tiers []models.Tier) (*LevelResult, error) {
	res := &LevelResult{Levels: make(map[string]int64), Tiers: tierNames(tiers)}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, tier := range tiers {
		g.Go(func() error {
			queryCtx, cancel := database.QueryContext(gctx)
			defer cancel()

			counts, err := f.store.Collection(tier).LevelCounts(queryCtx, filter)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Errors = append(res.Errors, f.tierError(ctx, tier, "levels", err))
				return nil
			}
			for level, n := range counts {
				res.Levels[level] += n
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return res, ctx.Err()
}

// Metrics returns the total and high-severity counts for the query window.
func (f *Fanout) Metrics(ctx context.Context, q Query) (*MetricsResult, error) {
	filter, tiers := f.resolve(q)

	var total, high *CountResult
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		total, err = f.count(gctx, filter, tiers)
		return err
	})
	g.Go(func() error {
		hf := filter
		hf.Levels = f.highLevels(filter.Levels)
		if len(hf.Levels) == 0 {
			high = &CountResult{}
			return nil
		}
		var err error
		high, err = f.count(gctx, hf, tiers)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res := &MetricsResult{
		Total:        total.Total,
		HighSeverity: high.Total,
		Tiers:        tierNames(tiers),
	}
	res.Errors = append(res.Errors, total.Errors...)
	res.Errors = append(res.Errors, high.Errors...)
	return res, nil
}

// highLevels returns the high-severity levels, narrowed to requested when the
// caller already filters by level.
func (f *Fanout) highLevels(requested []string) []string {
	levels := make([]string, 0, max(0, f.cfg.MaxLevel-f.cfg.HighSeverityMinLevel+1))
	for l := f.cfg.HighSeverityMinLevel; l <= f.cfg.MaxLevel; l++ {
		levels = append(levels, strconv.Itoa(l))
	}
	if len(requested) == 0 {
		return levels
	}
	out := make([]string, 0, len(requested))
	for _, l := range requested {
		if slices.Contains(levels, l) && !slices.Contains(out, l) {
			out = append(out, l)
		}
	}
	return out
}

func (f *Fanout) tierError(ctx context.Context, tier models.Tier, op string, err error) *TierError {
	f.logger.WarnContext(ctx, "tier query failed", logging.Tier(tier.String()), "op", op, logging.Error(err))
	return &TierError{Tier: tier, Op: op, Err: err}
}

func tierNames(tiers []models.Tier) []string {
	out := make([]string, 0, len(tiers))
	for _, t := range tiers {
		out = append(out, t.String())
	}
	return out
}
