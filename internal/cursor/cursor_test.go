package cursor

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/telhawk-tiering/internal/models"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})

	return mr, client
}

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	_, ok, err := s.Load(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "fresh store must report no cursor")

	at := time.Date(2024, 3, 1, 10, 0, 0, 123456789, time.FixedZone("x", 7200))
	require.NoError(t, s.Save(ctx, Position{At: at}))

	got, ok, err := s.Load(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, got.At.Equal(at))
	assert.Equal(t, time.UTC, got.At.Location())
	assert.False(t, got.Paging())

	later := at.Add(time.Minute)
	paging := Position{At: later, After: &models.SourcePosition{At: later, ID: "doc-17"}}
	require.NoError(t, s.Save(ctx, paging))
	got, _, err = s.Load(ctx)
	require.NoError(t, err)
	assert.True(t, got.At.Equal(later))
	require.True(t, got.Paging())
	assert.True(t, got.After.At.Equal(later))
	assert.Equal(t, "doc-17", got.After.ID)

	require.NoError(t, s.Save(ctx, Position{At: later.Add(time.Second)}))
	got, _, err = s.Load(ctx)
	require.NoError(t, err)
	assert.False(t, got.Paging(), "a plain watermark clears the paging position")
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    Position
		wantErr bool
	}{
		{
			name: "bare instant",
			raw:  "2024-03-01T08:00:00Z",
			want: Position{At: time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)},
		},
		{
			name: "paging position",
			raw:  `{"at":"2024-03-01T08:00:00Z","after":{"at":"2024-03-01T07:59:59Z","id":"a9"}}`,
			want: Position{
				At:    time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC),
				After: &models.SourcePosition{At: time.Date(2024, 3, 1, 7, 59, 59, 0, time.UTC), ID: "a9"},
			},
		},
		{name: "garbage", raw: "not-a-time", wantErr: true},
		{name: "broken json", raw: `{"at":`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decode([]byte(tt.raw))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMemory(t *testing.T) {
	exerciseStore(t, NewMemory())
}

func TestRedisStore(t *testing.T) {
	mr, client := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	s := NewRedisStore(client, "")
	exerciseStore(t, s)

	raw, err := mr.Get(DefaultRedisKey)
	require.NoError(t, err)
	assert.Equal(t, "2024-03-01T08:01:01.123456789Z", raw, "a plain watermark is stored as a bare instant")
}

func TestRedisStore_CorruptValue(t *testing.T) {
	mr, client := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	require.NoError(t, mr.Set("custom:cursor", "not-a-time"))

	_, _, err := NewRedisStore(client, "custom:cursor").Load(context.Background())
	assert.Error(t, err)
}

func TestRedisStore_Unavailable(t *testing.T) {
	mr, client := setupTestRedis(t)
	defer client.Close()
	mr.Close()

	_, _, err := NewRedisStore(client, "").Load(context.Background())
	assert.Error(t, err)
}

func TestBadgerStore(t *testing.T) {
	s, err := NewBadgerStore(BadgerConfig{InMemory: true})
	require.NoError(t, err)
	defer s.Close()

	exerciseStore(t, s)
}

func TestBadgerStore_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	s, err := NewBadgerStore(BadgerConfig{Path: dir})
	require.NoError(t, err)
	require.NoError(t, s.Save(context.Background(), Position{At: at}))
	require.NoError(t, s.Close())

	s, err = NewBadgerStore(BadgerConfig{Path: dir})
	require.NoError(t, err)
	defer s.Close()

	got, ok, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, got.At.Equal(at))
}
