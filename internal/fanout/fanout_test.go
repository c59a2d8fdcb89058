package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
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

func record(id string, age time.Duration, level string) *models.Record {
	ts := now.Add(-age)
	return &models.Record{
		Timestamp:        ts,
		Agent:            models.Agent{Name: "agent-1"},
		Rule:             models.Rule{Level: level, Description: "test"},
		NativeID:         id,
		UniqueIdentifier: id + "|" + ts.Format(time.RFC3339Nano),
	}
}

func put(t *testing.T, st *memory.Store, tier models.Tier, records ...*models.Record) {
	t.Helper()
	res, err := st.Collection(tier).InsertMany(context.Background(), records)
	require.NoError(t, err)
	require.Len(t, res.Inserted, len(records))
}

func fixedClock() Option {
	return WithClock(func() time.Time { return now })
}

func TestSelectTiers(t *testing.T) {
	f := New(memory.New(), models.DefaultPolicy(), DefaultConfig(), fixedClock())

	tests := []struct {
		name     string
		lookback time.Duration
		want     []models.Tier
	}{
		{name: "24h", lookback: day, want: []models.Tier{models.TierHot}},
		{name: "just under hot age", lookback: 7*day - time.Second, want: []models.Tier{models.TierHot}},
		{name: "exactly hot age", lookback: 7 * day, want: []models.Tier{models.TierHot, models.TierWarm}},
		{name: "14d", lookback: 14 * day, want: []models.Tier{models.TierHot, models.TierWarm}},
		{name: "exactly warm age", lookback: 21 * day, want: models.AllTiers()},
		{name: "90d", lookback: 90 * day, want: models.AllTiers()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, f.SelectTiers(now.Add(-tt.lookback), now))
		})
	}

	assert.Equal(t, models.AllTiers(), f.SelectTiers(time.Time{}, now), "unbounded window reads every tier")

	policy := models.DefaultPolicy()
	policy.Tiered = false
	single := New(memory.New(), policy, DefaultConfig(), fixedClock())
	assert.Equal(t, []models.Tier{models.TierHot}, single.SelectTiers(now.Add(-90*day), now))
}

func seedTiers(t *testing.T) *memory.Store {
	st := memory.New()
	put(t, st, models.TierHot, record("h1", time.Hour, "3"), record("h2", 2*day, "12"))
	put(t, st, models.TierWarm, record("w1", 8*day, "12"), record("w2", 10*day, "5"), record("w3", 20*day, "15"))
	put(t, st, models.TierCold, record("c1", 30*day, "13"))
	return st
}

func TestCount(t *testing.T) {
	st := seedTiers(t)
	f := New(st, models.DefaultPolicy(), DefaultConfig(), fixedClock())
	ctx := context.Background()

	res, err := f.Count(ctx, Query{Lookback: 90 * day})
	require.NoError(t, err)
	assert.Equal(t, int64(6), res.Total)
	assert.Equal(t, map[string]int64{"hot": 2, "warm": 3, "cold": 1}, res.PerTier)
	assert.Empty(t, res.Errors)

	res, err = f.Count(ctx, Query{Lookback: day})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Total)
	assert.Equal(t, []string{"hot"}, res.Tiers)
}

func TestCount_FailingTier(t *testing.T) {
	mem := seedTiers(t)
	warm := storetest.Wrap(mem.Collection(models.TierWarm))
	warm.FailReads = true
	st := storetest.NewStore(mem)
	st.Overrides[models.TierWarm] = warm

	f := New(st, models.DefaultPolicy(), DefaultConfig(), fixedClock())
	res, err := f.Count(context.Background(), Query{Lookback: 90 * day})
	require.NoError(t, err, "a failing tier never fails the request")

	var independent int64
	for _, tier := range []models.Tier{models.TierHot, models.TierCold} {
		n, err := mem.Collection(tier).Count(context.Background(), models.Filter{From: now.Add(-90 * day)})
		require.NoError(t, err)
		independent += n
	}
	assert.Equal(t, independent, res.Total)
	assert.Equal(t, int64(0), res.PerTier["warm"])
	require.Len(t, res.Errors, 1)
	assert.Equal(t, models.TierWarm, res.Errors[0].Tier)
	assert.True(t, errors.Is(res.Errors[0], storetest.ErrInjected))

	raw, err := json.Marshal(res)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"tier":"warm"`)
}

func TestLevelDistribution(t *testing.T) {
	f := New(seedTiers(t), models.DefaultPolicy(), DefaultConfig(), fixedClock())

	res, err := f.LevelDistribution(context.Background(), Query{Lookback: 90 * day})
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"3": 1, "12": 2, "5": 1, "15": 1, "13": 1}, res.Levels)
}

func TestMetrics(t *testing.T) {
	f := New(seedTiers(t), models.DefaultPolicy(), DefaultConfig(), fixedClock())

	res, err := f.Metrics(context.Background(), Query{Lookback: 90 * day})
	require.NoError(t, err)
	assert.Equal(t, int64(6), res.Total)
	assert.Equal(t, int64(4), res.HighSeverity)

	res, err = f.Metrics(context.Background(), Query{Lookback: 3 * day})
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Total)
	assert.Equal(t, int64(1), res.HighSeverity)
}

func TestMetrics_LevelFilterNarrowsHighSeverity(t *testing.T) {
	f := New(seedTiers(t), models.DefaultPolicy(), DefaultConfig(), fixedClock())
	ctx := context.Background()

	res, err := f.Metrics(ctx, Query{Lookback: 90 * day, Filter: models.Filter{Levels: []string{"3"}}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Total)
	assert.Zero(t, res.HighSeverity, "a low-level filter has no high-severity rows")

	res, err = f.Metrics(ctx, Query{Lookback: 90 * day, Filter: models.Filter{Levels: []string{"5", "12"}}})
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Total)
	assert.Equal(t, int64(2), res.HighSeverity)
}

func TestNew_DefaultsHighSeverityMinLevel(t *testing.T) {
	f := New(seedTiers(t), models.DefaultPolicy(), Config{}, fixedClock())
	assert.Equal(t, DefaultConfig(), f.cfg)

	res, err := f.Metrics(context.Background(), Query{Lookback: 90 * day})
	require.NoError(t, err)
	assert.Equal(t, int64(4), res.HighSeverity, "levels below 12 are not high severity")
}

func assertSorted(t *testing.T, records []*models.Record) {
	t.Helper()
	for i := 1; i < len(records); i++ {
		prev, cur := records[i-1], records[i]
		assert.False(t, cur.Timestamp.After(prev.Timestamp),
			"record %d (%s) is newer than record %d (%s)", i, cur.Timestamp, i-1, prev.Timestamp)
	}
}

func TestPage_MergesAcrossHotWarmBoundary(t *testing.T) {
	st := memory.New()
	// Hot still holds records past the hot threshold that the migrator has
	// not moved yet; their timestamps interleave with warm's.
	put(t, st, models.TierHot,
		record("h-recent", time.Hour, "3"),
		record("h-lag-1", 7*day+1*time.Hour, "3"),
		record("h-lag-3", 7*day+3*time.Hour, "3"),
	)
	put(t, st, models.TierWarm,
		record("w-2", 7*day+2*time.Hour, "3"),
		record("w-4", 7*day+4*time.Hour, "3"),
	)

	f := New(st, models.DefaultPolicy(), DefaultConfig(), fixedClock())
	res, err := f.Page(context.Background(), Query{Lookback: 14 * day, Limit: 10})
	require.NoError(t, err)

	var ids []string
	for _, r := range res.Records {
		ids = append(ids, r.NativeID)
	}
	assert.Equal(t, []string{"h-recent", "h-lag-1", "w-2", "h-lag-3", "w-4"}, ids)
	assertSorted(t, res.Records)
	assert.Equal(t, int64(5), res.Total)
	assert.Equal(t, map[string]int64{"3": 5}, res.Levels)
	assert.Nil(t, res.NextCursor)
}

func TestPage_SkipsOlderTierWhenNotNeeded(t *testing.T) {
	mem := memory.New()
	for i := 0; i < 10; i++ {
		put(t, mem, models.TierHot, record(fmt.Sprintf("h%02d", i), time.Duration(i+1)*time.Hour, "3"))
	}
	put(t, mem, models.TierWarm, record("w", 8*day, "3"))

	warm := storetest.Wrap(mem.Collection(models.TierWarm))
	st := storetest.NewStore(mem)
	st.Overrides[models.TierWarm] = warm

	f := New(st, models.DefaultPolicy(), DefaultConfig(), fixedClock())
	res, err := f.Page(context.Background(), Query{Lookback: 30 * day, Limit: 5})
	require.NoError(t, err)
	assert.Len(t, res.Records, 5)
	assert.Equal(t, []string{"hot"}, res.TiersRead)
	assert.Zero(t, warm.FindCalls)
	assert.Equal(t, int64(11), res.Total, "totals still cover every selected tier")
	require.NotNil(t, res.NextCursor)

	// A short hot tier pulls in warm.
	res, err = f.Page(context.Background(), Query{Lookback: 30 * day, Limit: 20})
	require.NoError(t, err)
	assert.Len(t, res.Records, 11)
	assert.Equal(t, []string{"hot", "warm", "cold"}, res.TiersRead)
	assert.Equal(t, 1, warm.FindCalls)
}

func TestPage_PageNumbersAndDepth(t *testing.T) {
	st := memory.New()
	for i := 0; i < 25; i++ {
		put(t, st, models.TierHot, record(fmt.Sprintf("r%02d", i), time.Duration(i+1)*time.Minute, "3"))
	}
	f := New(st, models.DefaultPolicy(), Config{DefaultLimit: 10, MaxDepth: 30}, fixedClock())
	ctx := context.Background()

	res, err := f.Page(ctx, Query{Page: 3})
	require.NoError(t, err)
	require.Len(t, res.Records, 5)
	assert.Equal(t, "r20", res.Records[0].NativeID)
	assert.Equal(t, 3, res.Page)
	assert.Nil(t, res.NextCursor)

	_, err = f.Page(ctx, Query{Page: 4})
	assert.ErrorIs(t, err, ErrDepthExceeded)

	res, err = f.Page(ctx, Query{Limit: 50000})
	require.Error(t, err, "limits are clamped to the max before the depth check")
	assert.Nil(t, res)
}

func TestPage_CursorWalk(t *testing.T) {
	st := memory.New()
	put(t, st, models.TierHot, record("a", time.Hour, "3"), record("b", 2*time.Hour, "3"), record("c", 3*time.Hour, "3"))
	put(t, st, models.TierWarm, record("d", 8*day, "3"), record("e", 9*day, "3"))
	put(t, st, models.TierCold, record("f", 22*day, "3"))

	f := New(st, models.DefaultPolicy(), DefaultConfig(), fixedClock())

	var seen []string
	var cur *models.Cursor
	for i := 0; i < 10; i++ {
		res, err := f.Page(context.Background(), Query{Limit: 2, Cursor: cur})
		require.NoError(t, err)
		for _, r := range res.Records {
			seen = append(seen, r.NativeID)
		}
		if res.NextCursor == nil {
			break
		}
		cur = res.NextCursor
	}
	assert.Equal(t, []string{"a", "b", "c", "d", "e", "f"}, seen)
}

func TestPage_FailingTierIsSkipped(t *testing.T) {
	mem := seedTiers(t)
	hot := storetest.Wrap(mem.Collection(models.TierHot))
	hot.FailReads = true
	st := storetest.NewStore(mem)
	st.Overrides[models.TierHot] = hot

	f := New(st, models.DefaultPolicy(), DefaultConfig(), fixedClock())
	res, err := f.Page(context.Background(), Query{Lookback: 90 * day, Limit: 10})
	require.NoError(t, err)
	assert.Len(t, res.Records, 4)
	assertSorted(t, res.Records)
	assert.Equal(t, int64(4), res.Total)
	// find, count and levels each report the failed tier.
	assert.Len(t, res.Errors, 3)
}

func TestMerge(t *testing.T) {
	a := record("a", time.Minute, "1")
	b := record("b", 2*time.Minute, "1")
	c := record("c", 3*time.Minute, "1")
	d := record("d", 4*time.Minute, "1")

	// Same timestamp, ordered by identifier descending.
	x := record("x", 5*time.Minute, "1")
	y := record("y", 5*time.Minute, "1")

	got := Merge([][]*models.Record{{a, c, x}, {b, d}, {y}, nil}, 10)
	var ids []string
	for _, r := range got {
		ids = append(ids, r.NativeID)
	}
	assert.Equal(t, []string{"a", "b", "c", "d", "y", "x"}, ids)

	assert.Len(t, Merge([][]*models.Record{{a, c}, {b, d}}, 3), 3)

	// A record mid-move appears in two tiers but is returned once.
	dup := Merge([][]*models.Record{{a, b}, {b.Clone(), c}}, 10)
	assert.Len(t, dup, 3)
}
