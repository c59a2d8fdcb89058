package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/telhawk-tiering/internal/models"
	"github.com/telhawk-systems/telhawk-tiering/internal/store"
)

var now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func rec(id string, ts time.Time, level string) *models.Record {
	return &models.Record{
		Timestamp:        ts,
		Rule:             models.Rule{Level: level},
		Agent:            models.Agent{Name: "agent-1"},
		NativeID:         id,
		UniqueIdentifier: id + "|" + ts.Format(time.RFC3339Nano),
	}
}

func TestInsertMany_IfAbsent(t *testing.T) {
	st := New(WithClock(func() time.Time { return now }))
	c := st.Collection(models.TierHot)
	ctx := context.Background()

	a := rec("a", now.Add(-time.Hour), "3")
	res, err := c.InsertMany(ctx, []*models.Record{a, {}})
	require.NoError(t, err)
	assert.Equal(t, []string{a.UniqueIdentifier}, res.Inserted)
	assert.Len(t, res.Failed, 1)

	changed := a.Clone()
	changed.Rule.Level = "9"
	res, err = c.InsertMany(ctx, []*models.Record{changed})
	require.NoError(t, err)
	assert.Empty(t, res.Inserted)
	assert.Equal(t, []string{a.UniqueIdentifier}, res.Existing)
	assert.Len(t, res.Confirmed(), 1)

	got, ok := st.Tier(models.TierHot).Get(a.UniqueIdentifier)
	require.True(t, ok)
	assert.Equal(t, "3", got.Rule.Level, "an existing record is never overwritten")
	assert.Equal(t, now, got.CreatedAt)
	assert.NotZero(t, got.Seq)
}

func TestInsertMany_SeqIncreases(t *testing.T) {
	st := New()
	ctx := context.Background()
	a := rec("a", now, "3")
	b := rec("b", now, "3")
	_, err := st.Collection(models.TierHot).InsertMany(ctx, []*models.Record{a})
	require.NoError(t, err)
	_, err = st.Collection(models.TierWarm).InsertMany(ctx, []*models.Record{b})
	require.NoError(t, err)

	ga, _ := st.Tier(models.TierHot).Get(a.UniqueIdentifier)
	gb, _ := st.Tier(models.TierWarm).Get(b.UniqueIdentifier)
	assert.Less(t, ga.Seq, gb.Seq, "sequence is shared across tiers")
}

func TestFind_OrderAndCursor(t *testing.T) {
	st := New()
	c := st.Collection(models.TierHot)
	ctx := context.Background()

	r1 := rec("r1", now.Add(-time.Minute), "3")
	r2 := rec("r2", now.Add(-2*time.Minute), "5")
	r3 := rec("r3", now.Add(-2*time.Minute), "3")
	r4 := rec("r4", now.Add(-3*time.Minute), "3")
	_, err := c.InsertMany(ctx, []*models.Record{r4, r2, r1, r3})
	require.NoError(t, err)

	all, err := c.Find(ctx, models.FindOptions{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, []string{"r1", "r3", "r2", "r4"}, []string{all[0].NativeID, all[1].NativeID, all[2].NativeID, all[3].NativeID})

	page, err := c.Find(ctx, models.FindOptions{
		After: &models.Cursor{Timestamp: r3.Timestamp, UniqueIdentifier: r3.UniqueIdentifier},
		Limit: 1,
	})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "r2", page[0].NativeID)

	filtered, err := c.Find(ctx, models.FindOptions{Filter: models.Filter{Levels: []string{"5"}}})
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, "r2", filtered[0].NativeID)
}

func TestScan_AscendingBatches(t *testing.T) {
	st := New()
	c := st.Collection(models.TierHot)
	ctx := context.Background()

	var records []*models.Record
	for i := 0; i < 5; i++ {
		records = append(records, rec(string(rune('a'+i)), now.Add(-time.Duration(i)*time.Hour), "3"))
	}
	_, err := c.InsertMany(ctx, records)
	require.NoError(t, err)

	var batches [][]string
	err = c.Scan(ctx, now.Add(-time.Hour), 2, func(batch []*models.Record) error {
		var ids []string
		for _, r := range batch {
			ids = append(ids, r.NativeID)
		}
		batches = append(batches, ids)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"e", "d"}, {"c", "b"}}, batches, "cutoff is inclusive")
}

func TestScan_MaterializesOneBatchAtATime(t *testing.T) {
	st := New()
	c := st.Collection(models.TierHot)
	ctx := context.Background()

	var records []*models.Record
	for i := 0; i < 4; i++ {
		records = append(records, rec(string(rune('a'+i)), now.Add(-time.Duration(4-i)*time.Hour), "3"))
	}
	_, err := c.InsertMany(ctx, records)
	require.NoError(t, err)

	var seen []string
	first := true
	err = c.Scan(ctx, now, 2, func(batch []*models.Record) error {
		for _, r := range batch {
			seen = append(seen, r.NativeID+":"+r.Rule.Level)
		}
		if first {
			first = false
			// Changes made after the first batch show up in the next one.
			if _, err := c.DeleteKeys(ctx, []string{records[2].UniqueIdentifier}); err != nil {
				return err
			}
			_, err := c.UpdateLevel(ctx, "3", "4")
			return err
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a:3", "b:3", "d:4"}, seen)
}

func TestCountsAndDeletes(t *testing.T) {
	st := New()
	c := st.Collection(models.TierCold)
	ctx := context.Background()

	old := rec("old", now.Add(-90*24*time.Hour), "12")
	keep := rec("keep", now.Add(-time.Hour), "High")
	_, err := c.InsertMany(ctx, []*models.Record{old, keep})
	require.NoError(t, err)

	n, err := c.Count(ctx, models.Filter{From: now.Add(-2 * time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	levels, err := c.LevelCounts(ctx, models.Filter{})
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"12": 1, "High": 1}, levels)

	updated, err := c.UpdateLevel(ctx, "high", "12")
	require.NoError(t, err)
	assert.Equal(t, int64(1), updated)

	deleted, err := c.DeleteOlderThan(ctx, old.Timestamp)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	deleted, err = c.DeleteKeys(ctx, []string{keep.UniqueIdentifier, "missing"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
	assert.Zero(t, st.Tier(models.TierCold).Len())
}

func TestDuplicateGroups(t *testing.T) {
	st := New()
	c := st.Collection(models.TierHot)
	ctx := context.Background()

	_, err := c.InsertMany(ctx, []*models.Record{
		rec("dup", now.Add(-time.Minute), "3"),
		rec("dup", now.Add(-2*time.Minute), "3"),
		rec("single", now, "3"),
		{Timestamp: now, UniqueIdentifier: "sha:abc|x"},
		{Timestamp: now, UniqueIdentifier: "sha:def|x"},
	})
	require.NoError(t, err)

	groups, err := c.DuplicateGroups(ctx)
	require.NoError(t, err)
	require.Len(t, groups, 1, "records without a native id never group")
	assert.Equal(t, "dup", groups[0].NativeID)
	assert.Len(t, groups[0].Members, 2)
}

func TestEnsureIndex(t *testing.T) {
	st := New()
	spec := store.IndexSpec{Name: "uid", Fields: []store.IndexField{{Path: "uniqueIdentifier"}}, Unique: true}
	require.NoError(t, st.Collection(models.TierHot).EnsureIndex(context.Background(), spec))
	require.NoError(t, st.Collection(models.TierHot).EnsureIndex(context.Background(), spec))
	assert.Equal(t, []store.IndexSpec{spec}, st.Tier(models.TierHot).Indexes())
}

func TestCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New().Collection(models.TierHot).Count(ctx, models.Filter{})
	assert.ErrorIs(t, err, context.Canceled)
}
