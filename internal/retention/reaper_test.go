package retention

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/telhawk-tiering/internal/models"
	"github.com/telhawk-systems/telhawk-tiering/internal/store/memory"
	"github.com/telhawk-systems/telhawk-tiering/internal/store/storetest"
)

var (
	now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	day = 24 * time.Hour
)

func record(id string, age time.Duration) *models.Record {
	ts := now.Add(-age)
	return &models.Record{
		Timestamp:        ts,
		Rule:             models.Rule{Level: "3"},
		NativeID:         id,
		UniqueIdentifier: id + "|" + ts.Format(time.RFC3339Nano),
	}
}

func TestReaper_Tiered(t *testing.T) {
	st := memory.New()
	cold := st.Collection(models.TierCold)
	atHorizon := record("at", 90*day)
	older := record("old", 120*day)
	younger := record("young", 90*day-time.Microsecond)
	_, err := cold.InsertMany(context.Background(), []*models.Record{atHorizon, older, younger})
	require.NoError(t, err)

	// Hot records past the horizon are the migrator's concern, not the reaper's.
	_, err = st.Collection(models.TierHot).InsertMany(context.Background(), []*models.Record{record("hot", 100*day)})
	require.NoError(t, err)

	r := NewReaper(st, models.DefaultPolicy(), nil)
	assert.Equal(t, JobName, r.Name())

	sum, err := r.Run(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, int64(2), sum.Details["expired"])
	assert.Equal(t, []string{younger.UniqueIdentifier}, st.Tier(models.TierCold).Keys())
	assert.Equal(t, 1, st.Tier(models.TierHot).Len())

	// Re-running is safe.
	sum, err = r.Run(context.Background(), now)
	require.NoError(t, err)
	assert.Zero(t, sum.Details["expired"])
}

func TestReaper_SingleTierFallback(t *testing.T) {
	st := memory.New()
	hot := st.Collection(models.TierHot)
	_, err := hot.InsertMany(context.Background(), []*models.Record{
		record("expired", 7*day),
		record("kept", 6*day),
	})
	require.NoError(t, err)

	policy := models.DefaultPolicy()
	policy.Tiered = false

	sum, err := NewReaper(st, policy, nil).Run(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), sum.Details["expired"])
	require.Len(t, st.Tier(models.TierHot).Keys(), 1)
	_, ok := st.Tier(models.TierHot).Get(record("kept", 6*day).UniqueIdentifier)
	assert.True(t, ok)
}

type failingPurge struct {
	*storetest.Faulty
}

func (f failingPurge) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, storetest.ErrInjected
}

func TestReaper_Failure(t *testing.T) {
	mem := memory.New()
	st := storetest.NewStore(mem)
	st.Overrides[models.TierCold] = failingPurge{storetest.Wrap(mem.Collection(models.TierCold))}

	sum, err := NewReaper(st, models.DefaultPolicy(), nil).Run(context.Background(), now)
	require.Error(t, err)
	assert.ErrorIs(t, err, storetest.ErrInjected)
	assert.Equal(t, int64(1), sum.Failed)
}
