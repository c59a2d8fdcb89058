package indexmgr

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/telhawk-tiering/internal/models"
	"github.com/telhawk-systems/telhawk-tiering/internal/store"
	"github.com/telhawk-systems/telhawk-tiering/internal/store/memory"
	"github.com/telhawk-systems/telhawk-tiering/internal/store/storetest"
)

func specNames(specs []store.IndexSpec) []string {
	names := make([]string, 0, len(specs))
	for _, s := range specs {
		names = append(names, s.Name)
	}
	return names
}

func TestDefaultSpecs(t *testing.T) {
	specs := DefaultSpecs()
	assert.ElementsMatch(t,
		[]string{"ts_desc", "rule_level", "ts_rule_level", "agent_name", "uid", "native_id"},
		specNames(specs))

	for _, s := range specs {
		if s.Name == "uid" {
			assert.True(t, s.Unique)
			assert.Equal(t, store.FieldUniqueIdentifier, s.Fields[0].Path)
			continue
		}
		assert.False(t, s.Unique, s.Name)
	}
}

func TestIndexManager_Run(t *testing.T) {
	st := memory.New()
	mgr := NewIndexManager(st, models.AllTiers(), nil)
	assert.Equal(t, JobName, mgr.Name())

	sum, err := mgr.Run(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, JobName, sum.Job)
	assert.Equal(t, int64(18), sum.Processed)
	assert.Equal(t, int64(18), sum.Succeeded)
	assert.Zero(t, sum.Failed)

	for _, tier := range models.AllTiers() {
		assert.ElementsMatch(t, specNames(DefaultSpecs()), specNames(st.Tier(tier).Indexes()), tier.String())
	}

	// Ensuring twice is harmless.
	sum, err = mgr.Run(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(18), sum.Succeeded)
}

func TestIndexManager_FailuresAreNotFatal(t *testing.T) {
	mem := memory.New()
	warm := storetest.Wrap(mem.Collection(models.TierWarm))
	warm.FailIndexes["uid"] = true
	st := storetest.NewStore(mem)
	st.Overrides[models.TierWarm] = warm

	sum, err := NewIndexManager(st, models.AllTiers(), nil).Run(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), sum.Failed)
	assert.Equal(t, int64(17), sum.Succeeded)
	require.Len(t, sum.Errors, 1)
	assert.Contains(t, sum.Errors[0], "warm/uid")

	// The remaining specs still landed on the failing tier.
	assert.Len(t, mem.Tier(models.TierWarm).Indexes(), 5)
}

func TestIndexManager_SingleTier(t *testing.T) {
	st := memory.New()
	policy := models.DefaultPolicy()
	policy.Tiered = false

	sum, err := NewIndexManager(st, policy.Tiers(), nil).Run(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(6), sum.Processed)
	assert.Empty(t, st.Tier(models.TierCold).Indexes())
}
