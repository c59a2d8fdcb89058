// Package migrator rolls records from newer tiers into older ones once they
// cross the age thresholds.
//
// Each batch is copied into the target tier with an insert-if-absent keyed
// by the unique identifier, and only keys the target confirmed are deleted
// from the source. A crash between the two steps leaves the record in both
// tiers; the next run sees it as already present and finishes the delete.
package migrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/telhawk-systems/telhawk-tiering/internal/database"
	"github.com/telhawk-systems/telhawk-tiering/internal/logging"
	"github.com/telhawk-systems/telhawk-tiering/internal/models"
	"github.com/telhawk-systems/telhawk-tiering/internal/store"
)

// JobName is the scheduler name of the rollover job.
const JobName = "migrate"

// DefaultBatchSize bounds the records held in memory per batch.
const DefaultBatchSize = 1000

// Migrator runs the rollover transitions of a policy.
type Migrator struct {
	store     store.Store
	policy    models.Policy
	batchSize int
	logger    *logging.Logger
}

// New creates a Migrator.
func New(st store.Store, policy models.Policy, batchSize int, logger *logging.Logger) *Migrator {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Migrator{
		store:     st,
		policy:    policy,
		batchSize: batchSize,
		logger:    logger.Component(JobName),
	}
}

func (m *Migrator) Name() string {
	return JobName
}

// Run executes every transition in order, so a record older than both
// thresholds reaches the oldest tier in one run. Batch failures are recorded
// and the run continues; a failed scan is returned after the remaining
// transitions ran.
func (m *Migrator) Run(ctx context.Context, now time.Time) (*models.Summary, error) {
	sum := &models.Summary{Job: JobName}

	var errs []error
	for _, tr := range m.policy.Transitions() {
		if err := m.transition(ctx, tr, now, sum); err != nil {
			errs = append(errs, err)
			sum.AddError(err)
		}
	}

	m.logger.InfoContext(ctx, "rollover complete",
		"scanned", sum.Details["scanned"],
		"moved", sum.Details["moved"],
		"already_present", sum.Details["already_present"],
		"deleted", sum.Details["deleted"],
		"failed", sum.Failed,
	)
	return sum, errors.Join(errs...)
}

func (m *Migrator) transition(ctx context.Context, tr models.Transition, now time.Time, sum *models.Summary) error {
	from := m.store.Collection(tr.From)
	to := m.store.Collection(tr.To)
	cutoff := now.Add(-tr.Threshold)
	log := m.logger.With(logging.Tier(tr.From.String()), "target", tr.To.String())

	err := from.Scan(ctx, cutoff, m.batchSize, func(batch []*models.Record) error {
		m.moveBatch(ctx, log, from, to, batch, sum)
		return ctx.Err()
	})
	if err != nil {
		return fmt.Errorf("failed to roll %s into %s: %w", tr.From, tr.To, err)
	}
	return nil
}

func (m *Migrator) moveBatch(ctx context.Context, log *logging.Logger, from, to store.Collection, batch []*models.Record, sum *models.Summary) {
	sum.Processed += int64(len(batch))
	sum.Add("scanned", int64(len(batch)))

	moving := make([]*models.Record, 0, len(batch))
	for _, r := range batch {
		moving = append(moving, r.PrepareForMove())
	}

	res, err := m.insert(ctx, to, moving)
	if err != nil {
		sum.Failed += int64(len(batch))
		sum.Add("failed", int64(len(batch)))
		sum.AddError(err)
		log.WarnContext(ctx, "batch upsert failed, records stay in source", logging.Count(int64(len(batch))), logging.Error(err))
		return
	}

	sum.Add("moved", int64(len(res.Inserted)))
	sum.Add("already_present", int64(len(res.Existing)))
	if len(res.Failed) > 0 {
		sum.Failed += int64(len(res.Failed))
		sum.Add("failed", int64(len(res.Failed)))
		sum.AddError(fmt.Errorf("%w: %d of %d records not confirmed", models.ErrPartialBatch, len(res.Failed), len(batch)))
		for _, fe := range res.Failed {
			log.WarnContext(ctx, "record not confirmed by target", logging.Key(fe.Key), logging.Error(fe.Err))
		}
	}

	confirmed := res.Confirmed()
	if len(confirmed) == 0 {
		return
	}
	deleted, err := m.delete(ctx, from, confirmed)
	if err != nil {
		sum.Add("delete_failed", int64(len(confirmed)))
		sum.AddError(err)
		log.WarnContext(ctx, "source delete failed, next run completes it", logging.Count(int64(len(confirmed))), logging.Error(err))
		return
	}
	sum.Succeeded += deleted
	sum.Add("deleted", deleted)
}

func (m *Migrator) insert(ctx context.Context, to store.Collection, records []*models.Record) (*store.BulkResult, error) {
	bulkCtx, cancel := database.BulkContext(ctx)
	defer cancel()
	return to.InsertMany(bulkCtx, records)
}

func (m *Migrator) delete(ctx context.Context, from store.Collection, keys []string) (int64, error) {
	bulkCtx, cancel := database.BulkContext(ctx)
	defer cancel()
	return from.DeleteKeys(bulkCtx, keys)
}
