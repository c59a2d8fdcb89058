// Package indexmgr ensures the per-tier indexes the maintenance jobs and the
// query fan-out rely on.
package indexmgr

import (
	"context"
	"fmt"
	"time"

	"github.com/telhawk-systems/telhawk-tiering/internal/database"
	"github.com/telhawk-systems/telhawk-tiering/internal/logging"
	"github.com/telhawk-systems/telhawk-tiering/internal/models"
	"github.com/telhawk-systems/telhawk-tiering/internal/store"
)

// JobName is the scheduler name of the index job.
const JobName = "indexes"

// DefaultSpecs returns the indexes created on every tier.
func DefaultSpecs() []store.IndexSpec {
	return []store.IndexSpec{
		{Name: "ts_desc", Fields: []store.IndexField{{Path: store.FieldTimestamp, Desc: true}}},
		{Name: "rule_level", Fields: []store.IndexField{{Path: store.FieldRuleLevel}}},
		{Name: "ts_rule_level", Fields: []store.IndexField{
			{Path: store.FieldTimestamp, Desc: true},
			{Path: store.FieldRuleLevel},
		}},
		{Name: "agent_name", Fields: []store.IndexField{{Path: store.FieldAgentName}}},
		{Name: "uid", Unique: true, Fields: []store.IndexField{{Path: store.FieldUniqueIdentifier}}},
		{Name: "native_id", Fields: []store.IndexField{{Path: store.FieldNativeID}}},
	}
}

type IndexManager struct {
	store  store.Store
	tiers  []models.Tier
	specs  []store.IndexSpec
	logger *logging.Logger
}

func NewIndexManager(st store.Store, tiers []models.Tier, logger *logging.Logger) *IndexManager {
	if logger == nil {
		logger = logging.Default()
	}
	return &IndexManager{
		store:  st,
		tiers:  tiers,
		specs:  DefaultSpecs(),
		logger: logger.Component(JobName),
	}
}

func (m *IndexManager) Name() string {
	return JobName
}

// Run ensures every index on every tier. Failures are logged and counted but
// never returned; a missing index costs speed, not correctness, except for
// the unique index whose absence the deduplicator repairs.
func (m *IndexManager) Run(ctx context.Context, now time.Time) (*models.Summary, error) {
	sum := &models.Summary{Job: JobName}

	for _, tier := range m.tiers {
		coll := m.store.Collection(tier)
		for _, spec := range m.specs {
			sum.Processed++
			if err := m.ensure(ctx, coll, spec); err != nil {
				sum.Failed++
				sum.AddError(fmt.Errorf("%s/%s: %w", tier, spec.Name, err))
				m.logger.WarnContext(ctx, "failed to ensure index",
					logging.Tier(tier.String()),
					"index", spec.Name,
					logging.Error(err),
				)
				continue
			}
			sum.Succeeded++
		}
	}

	m.logger.InfoContext(ctx, "indexes ensured", logging.Count(sum.Succeeded), "failed", sum.Failed)
	return sum, nil
}

func (m *IndexManager) ensure(ctx context.Context, coll store.Collection, spec store.IndexSpec) error {
	writeCtx, cancel := database.WriteContext(ctx)
	defer cancel()
	return coll.EnsureIndex(writeCtx, spec)
}
