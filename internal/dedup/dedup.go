// Package dedup removes records that share a native identifier within a tier
// and rewrites textual severity words to their numeric codes.
package dedup

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/telhawk-systems/telhawk-tiering/internal/database"
	"github.com/telhawk-systems/telhawk-tiering/internal/logging"
	"github.com/telhawk-systems/telhawk-tiering/internal/models"
	"github.com/telhawk-systems/telhawk-tiering/internal/store"
)

// JobName is the scheduler name of the deduplication job.
const JobName = "dedup"

// Deduplicator keeps the earliest-arrived member of every duplicate group.
type Deduplicator struct {
	store  store.Store
	tiers  []models.Tier
	logger *logging.Logger
}

// New creates a Deduplicator over the given tiers.
func New(st store.Store, tiers []models.Tier, logger *logging.Logger) *Deduplicator {
	if logger == nil {
		logger = logging.Default()
	}
	return &Deduplicator{store: st, tiers: tiers, logger: logger.Component(JobName)}
}

func (d *Deduplicator) Name() string {
	return JobName
}

// Run deduplicates each tier independently. A tier that fails is recorded
// and the run moves on.
func (d *Deduplicator) Run(ctx context.Context, now time.Time) (*models.Summary, error) {
	sum := &models.Summary{Job: JobName}

	for _, tier := range d.tiers {
		if err := d.tier(ctx, tier, sum); err != nil {
			sum.AddError(err)
			d.logger.WarnContext(ctx, "dedup failed", logging.Tier(tier.String()), logging.Error(err))
		}
	}

	d.logger.InfoContext(ctx, "dedup complete",
		"groups", sum.Details["groups"],
		"removed", sum.Details["removed"],
		"failed", sum.Failed,
	)
	return sum, nil
}

func (d *Deduplicator) tier(ctx context.Context, tier models.Tier, sum *models.Summary) error {
	coll := d.store.Collection(tier)

	queryCtx, cancel := database.BulkContext(ctx)
	groups, err := coll.DuplicateGroups(queryCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to list duplicates in %s: %w", tier, err)
	}
	if len(groups) == 0 {
		return nil
	}

	var losers []string
	for _, g := range groups {
		_, drop := Resolve(g.Members)
		sum.Processed += int64(len(g.Members))
		losers = append(losers, drop...)
	}
	sum.Add("groups", int64(len(groups)))

	bulkCtx, cancel := database.BulkContext(ctx)
	defer cancel()
	deleted, err := coll.DeleteKeys(bulkCtx, losers)
	if err != nil {
		sum.Failed += int64(len(losers))
		return fmt.Errorf("failed to delete duplicates in %s: %w", tier, err)
	}
	sum.Succeeded += deleted
	sum.Add("removed", deleted)
	return nil
}

// Resolve orders members by arrival and returns the key to keep and the
// keys to delete. Arrival is (ArrivedAt, Seq) with the key as final tiebreak.
func Resolve(members []store.Member) (string, []string) {
	if len(members) == 0 {
		return "", nil
	}
	sorted := make([]store.Member, len(members))
	copy(sorted, members)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if !a.ArrivedAt.Equal(b.ArrivedAt) {
			return a.ArrivedAt.Before(b.ArrivedAt)
		}
		if a.Seq != b.Seq {
			return a.Seq < b.Seq
		}
		return a.Key < b.Key
	})

	drop := make([]string, 0, len(sorted)-1)
	for _, m := range sorted[1:] {
		drop = append(drop, m.Key)
	}
	return sorted[0].Key, drop
}
