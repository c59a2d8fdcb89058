// Package retention purges records past the terminal retention horizon.
package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/telhawk-systems/telhawk-tiering/internal/database"
	"github.com/telhawk-systems/telhawk-tiering/internal/logging"
	"github.com/telhawk-systems/telhawk-tiering/internal/models"
	"github.com/telhawk-systems/telhawk-tiering/internal/store"
)

// JobName is the scheduler name of the retention job.
const JobName = "reap"

// Reaper deletes terminal-tier records whose timestamp is at or past the
// horizon. In single-tier mode the hot tier and the fallback retention apply.
type Reaper struct {
	store  store.Store
	policy models.Policy
	logger *logging.Logger
}

func NewReaper(st store.Store, policy models.Policy, logger *logging.Logger) *Reaper {
	if logger == nil {
		logger = logging.Default()
	}
	return &Reaper{store: st, policy: policy, logger: logger.Component(JobName)}
}

func (r *Reaper) Name() string {
	return JobName
}

func (r *Reaper) Run(ctx context.Context, now time.Time) (*models.Summary, error) {
	sum := &models.Summary{Job: JobName}

	tier := r.policy.TerminalTier()
	cutoff := now.Add(-r.policy.Horizon())

	bulkCtx, cancel := database.BulkContext(ctx)
	defer cancel()

	n, err := r.store.Collection(tier).DeleteOlderThan(bulkCtx, cutoff)
	if err != nil {
		err = fmt.Errorf("failed to purge %s: %w", tier, err)
		sum.Failed++
		sum.AddError(err)
		r.logger.ErrorContext(ctx, "retention purge failed", logging.Tier(tier.String()), logging.Error(err))
		return sum, err
	}

	sum.Processed = n
	sum.Succeeded = n
	sum.Add("expired", n)
	r.logger.InfoContext(ctx, "retention purge complete",
		logging.Tier(tier.String()),
		logging.Count(n),
		"cutoff", cutoff.Format(time.RFC3339),
	)
	return sum, nil
}
