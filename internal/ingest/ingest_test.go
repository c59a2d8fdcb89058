package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/telhawk-tiering/internal/cursor"
	"github.com/telhawk-systems/telhawk-tiering/internal/models"
	"github.com/telhawk-systems/telhawk-tiering/internal/normalizer"
	"github.com/telhawk-systems/telhawk-tiering/internal/source"
	"github.com/telhawk-systems/telhawk-tiering/internal/store/memory"
	"github.com/telhawk-systems/telhawk-tiering/internal/store/storetest"
)

var now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type recordingSink struct {
	mu    sync.Mutex
	items []FailedItem
}

func (s *recordingSink) Replay(ctx context.Context, item FailedItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append(s.items, item)
	return nil
}

func event(id string, at time.Time) models.RawEvent {
	return models.RawEvent{
		ID: "doc-" + id,
		Payload: map[string]any{
			"id":        id,
			"timestamp": at.Format(time.RFC3339Nano),
			"agent":     map[string]any{"name": "sensor-1"},
			"rule":      map[string]any{"level": float64(5), "description": "test"},
		},
	}
}

func key(id string, at time.Time) string {
	return id + "|" + at.UTC().Format(time.RFC3339Nano)
}

func newJob(src source.Source, mem *memory.Store, cur cursor.Store, cfg Config, opts ...Option) *Job {
	return New(src, normalizer.New(nil, nil), mem, cur, cfg, opts...)
}

func TestRun_FirstPollUsesInitialLookback(t *testing.T) {
	var gotFrom, gotTo time.Time
	src := source.Func(func(ctx context.Context, req source.Request) ([]models.RawEvent, error) {
		gotFrom, gotTo = req.From, req.To
		return []models.RawEvent{event("a", now.Add(-time.Minute))}, nil
	})
	mem := memory.New()
	cur := cursor.NewMemory()

	sum, err := newJob(src, mem, cur, DefaultConfig()).Run(context.Background(), now)
	require.NoError(t, err)

	assert.Equal(t, now.Add(-5*time.Minute-30*time.Second), gotFrom)
	assert.Equal(t, now, gotTo)
	assert.Equal(t, int64(1), sum.Succeeded)
	assert.Equal(t, 1, mem.Tier(models.TierHot).Len())

	pos, ok, err := cur.Load(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, pos.At.Equal(now))
	assert.False(t, pos.Paging())
}

func TestRun_WindowStartsAtCursorMinusOverlap(t *testing.T) {
	var gotFrom time.Time
	src := source.Func(func(ctx context.Context, req source.Request) ([]models.RawEvent, error) {
		gotFrom = req.From
		assert.Nil(t, req.After)
		return nil, nil
	})
	cur := cursor.NewMemory()
	require.NoError(t, cur.Save(context.Background(), cursor.Position{At: now.Add(-time.Minute)}))

	_, err := newJob(src, memory.New(), cur, DefaultConfig()).Run(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(-time.Minute-30*time.Second), gotFrom)
}

func TestRun_SourceFailureLeavesCursor(t *testing.T) {
	src := source.Func(func(ctx context.Context, req source.Request) ([]models.RawEvent, error) {
		return nil, errors.New("connection refused")
	})
	cur := cursor.NewMemory()
	start := now.Add(-time.Minute)
	require.NoError(t, cur.Save(context.Background(), cursor.Position{At: start}))

	sum, err := newJob(src, memory.New(), cur, DefaultConfig()).Run(context.Background(), now)
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrTransientSource))
	assert.NotEmpty(t, sum.Errors)

	pos, _, _ := cur.Load(context.Background())
	assert.True(t, pos.At.Equal(start))
}

func TestRun_MalformedEventsAreDropped(t *testing.T) {
	src := source.NewStatic()
	src.Add(now.Add(-time.Minute), event("good", now.Add(-time.Minute)))
	src.Add(now.Add(-time.Minute), models.RawEvent{ID: "bad", Payload: map[string]any{"agent": "x"}})

	mem := memory.New()
	sum, err := newJob(src, mem, cursor.NewMemory(), DefaultConfig()).Run(context.Background(), now)
	require.NoError(t, err)

	assert.Equal(t, int64(2), sum.Processed)
	assert.Equal(t, int64(1), sum.Succeeded)
	assert.Equal(t, int64(1), sum.Failed)
	assert.Equal(t, int64(1), sum.Details["malformed"])
	assert.Equal(t, 1, mem.Tier(models.TierHot).Len())
}

func TestRun_OverlapDuplicatesAreAbsorbed(t *testing.T) {
	at := now.Add(-10 * time.Second)
	src := source.NewStatic()
	src.Add(at, event("a", at))

	mem := memory.New()
	cur := cursor.NewMemory()
	job := newJob(src, mem, cur, DefaultConfig())

	_, err := job.Run(context.Background(), now)
	require.NoError(t, err)

	// Second poll overlaps the first by 30s and refetches the same event.
	sum, err := job.Run(context.Background(), now.Add(5*time.Second))
	require.NoError(t, err)

	assert.Equal(t, int64(0), sum.Succeeded)
	assert.Equal(t, int64(0), sum.Failed)
	assert.Equal(t, int64(1), sum.Details["existing"])
	assert.Equal(t, 1, mem.Tier(models.TierHot).Len())
}

func TestRun_InBatchRepeatsAreAbsorbed(t *testing.T) {
	at := now.Add(-time.Minute)
	src := source.NewStatic()
	src.Add(at, event("a", at))
	src.Add(at, event("a", at))

	mem := memory.New()
	sum, err := newJob(src, mem, cursor.NewMemory(), DefaultConfig()).Run(context.Background(), now)
	require.NoError(t, err)

	assert.Equal(t, int64(1), sum.Succeeded)
	assert.Equal(t, int64(1), sum.Details["existing"])
	assert.Equal(t, 1, mem.Tier(models.TierHot).Len())
}

func TestRun_FullPageAdvancesToNewestFetched(t *testing.T) {
	src := source.NewStatic()
	for i := 0; i < 5; i++ {
		at := now.Add(-4*time.Minute + time.Duration(i)*time.Second)
		src.Add(at, event(string(rune('a'+i)), at))
	}

	cfg := DefaultConfig()
	cfg.FetchLimit = 3
	cur := cursor.NewMemory()

	_, err := newJob(src, memory.New(), cur, cfg).Run(context.Background(), now)
	require.NoError(t, err)

	pos, ok, err := cur.Load(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, pos.Paging())
	assert.True(t, pos.After.At.Equal(now.Add(-4*time.Minute+2*time.Second)), "cursor = %s", pos.After.At)
	assert.Equal(t, "doc-c", pos.After.ID)
}

func TestRun_FullPageCatchesUpOverRuns(t *testing.T) {
	src := source.NewStatic()
	for i := 0; i < 10; i++ {
		at := now.Add(-4*time.Minute + time.Duration(i)*10*time.Second)
		src.Add(at, event(string(rune('a'+i)), at))
	}

	cfg := DefaultConfig()
	cfg.FetchLimit = 4
	cfg.Overlap = time.Second
	mem := memory.New()
	job := newJob(src, mem, cursor.NewMemory(), cfg)

	for i := 0; i < 5; i++ {
		_, err := job.Run(context.Background(), now)
		require.NoError(t, err)
	}
	assert.Equal(t, 10, mem.Tier(models.TierHot).Len())
}

func TestRun_FullPageInsideOverlapStillAdvances(t *testing.T) {
	start := now.Add(-10 * time.Minute)
	src := source.NewStatic()
	for i := 0; i < 20; i++ {
		at := start.Add(time.Duration(i) * 500 * time.Millisecond)
		src.Add(at, event(fmt.Sprintf("burst-%02d", i), at))
	}
	for i := 0; i < 5; i++ {
		at := start.Add(time.Minute + time.Duration(i)*time.Second)
		src.Add(at, event(fmt.Sprintf("later-%d", i), at))
	}

	cfg := DefaultConfig()
	cfg.FetchLimit = 10
	cfg.Overlap = 30 * time.Second
	mem := memory.New()
	cur := cursor.NewMemory()
	// The watermark sits past the burst, so the overlap alone re-reads a full
	// page of already ingested events.
	require.NoError(t, cur.Save(context.Background(), cursor.Position{At: start.Add(5 * time.Second)}))
	job := newJob(src, mem, cur, cfg)

	for i := 0; i < 4; i++ {
		_, err := job.Run(context.Background(), now)
		require.NoError(t, err)
	}

	assert.Equal(t, 25, mem.Tier(models.TierHot).Len())
	pos, _, err := cur.Load(context.Background())
	require.NoError(t, err)
	assert.False(t, pos.Paging(), "cursor returns to a plain watermark once caught up")
	assert.True(t, pos.At.Equal(now))
}

func TestRun_BurstAtOneInstantIsWalkedThrough(t *testing.T) {
	at := now.Add(-time.Minute)
	src := source.NewStatic()
	for i := 0; i < 25; i++ {
		src.Add(at, event(fmt.Sprintf("e%02d", i), at))
	}

	cfg := DefaultConfig()
	cfg.FetchLimit = 10
	mem := memory.New()
	cur := cursor.NewMemory()
	job := newJob(src, mem, cur, cfg)

	var fetched []int64
	for i := 0; i < 3; i++ {
		sum, err := job.Run(context.Background(), now)
		require.NoError(t, err)
		fetched = append(fetched, sum.Details["fetched"])
	}

	assert.Equal(t, []int64{10, 10, 5}, fetched, "each poll resumes after the last event read")
	assert.Equal(t, 25, mem.Tier(models.TierHot).Len())
}

func TestRun_PagingSkipsOverlap(t *testing.T) {
	var got source.Request
	src := source.Func(func(ctx context.Context, req source.Request) ([]models.RawEvent, error) {
		got = req
		return nil, nil
	})
	after := models.SourcePosition{At: now.Add(-2 * time.Minute), ID: "doc-9"}
	cur := cursor.NewMemory()
	require.NoError(t, cur.Save(context.Background(), cursor.Position{At: now.Add(-time.Minute), After: &after}))

	_, err := newJob(src, memory.New(), cur, DefaultConfig()).Run(context.Background(), now)
	require.NoError(t, err)

	assert.True(t, got.From.Equal(after.At))
	require.NotNil(t, got.After)
	assert.Equal(t, after, *got.After)

	pos, _, _ := cur.Load(context.Background())
	assert.False(t, pos.Paging())
	assert.True(t, pos.At.Equal(now))
}

func TestRun_StoreFailureLeavesCursor(t *testing.T) {
	src := source.NewStatic()
	src.Add(now.Add(-time.Minute), event("a", now.Add(-time.Minute)))

	mem := memory.New()
	faulty := storetest.Wrap(mem.Collection(models.TierHot))
	faulty.FailInserts = 1
	st := storetest.NewStore(mem)
	st.Overrides[models.TierHot] = faulty

	cur := cursor.NewMemory()
	start := now.Add(-2 * time.Minute)
	require.NoError(t, cur.Save(context.Background(), cursor.Position{At: start}))

	job := New(src, normalizer.New(nil, nil), st, cur, DefaultConfig())
	_, err := job.Run(context.Background(), now)
	require.Error(t, err)

	pos, _, _ := cur.Load(context.Background())
	assert.True(t, pos.At.Equal(start))
	assert.Equal(t, 0, mem.Tier(models.TierHot).Len())

	// Next run retries the same window and succeeds.
	_, err = job.Run(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 1, mem.Tier(models.TierHot).Len())
}

func TestRun_PartialFailureIsReplayed(t *testing.T) {
	aAt := now.Add(-2 * time.Minute)
	bAt := now.Add(-time.Minute)
	src := source.NewStatic()
	src.Add(aAt, event("a", aAt))
	src.Add(bAt, event("b", bAt))

	mem := memory.New()
	faulty := storetest.Wrap(mem.Collection(models.TierHot))
	faulty.FailKeys[key("b", bAt)] = true
	st := storetest.NewStore(mem)
	st.Overrides[models.TierHot] = faulty

	sink := &recordingSink{}
	cur := cursor.NewMemory()
	job := New(src, normalizer.New(nil, nil), st, cur, DefaultConfig(), WithReplay(sink))

	sum, err := job.Run(context.Background(), now)
	require.NoError(t, err)

	assert.Equal(t, int64(1), sum.Succeeded)
	assert.Equal(t, int64(1), sum.Failed)
	assert.Equal(t, int64(1), sum.Details["replayed"])
	require.Len(t, sink.items, 1)
	assert.Equal(t, key("b", bAt), sink.items[0].Key)
	assert.Equal(t, "doc-b", sink.items[0].SourceID)
	require.NotNil(t, sink.items[0].Record)
	assert.Equal(t, "b", sink.items[0].Record.NativeID)

	_, ok := mem.Tier(models.TierHot).Get(key("a", aAt))
	assert.True(t, ok)

	pos, _, _ := cur.Load(context.Background())
	assert.True(t, pos.At.Equal(now))
}
