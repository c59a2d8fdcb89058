package messaging_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/telhawk-tiering/internal/messaging"
	"github.com/telhawk-systems/telhawk-tiering/internal/messaging/messagingtest"
	"github.com/telhawk-systems/telhawk-tiering/internal/models"
)

func TestSummaryPublisher(t *testing.T) {
	bus := messagingtest.New()
	p := messaging.NewSummaryPublisher(bus, nil)
	ctx := context.Background()

	sum := &models.Summary{Job: "migrate", RunID: "run-1", Processed: 3, Succeeded: 2, Failed: 1,
		Details: map[string]int64{"moved": 2}}
	p.Report(ctx, sum, errors.New("partial"))
	p.Report(ctx, &models.Summary{Job: "migrate", Skipped: true}, nil)

	msgs := bus.Published(messaging.SubjectJobsCompleted)
	require.Len(t, msgs, 1, "skipped runs are not published")

	var got map[string]any
	require.NoError(t, json.Unmarshal(msgs[0].Data, &got))
	assert.Equal(t, "migrate", got["job"])
	assert.Equal(t, "run-1", got["run_id"])
	assert.Equal(t, float64(1), got["failed"])
	assert.Equal(t, "partial", got["error"])
	assert.Equal(t, map[string]any{"moved": float64(2)}, got["details"])
}

func TestSummaryPublisher_ClosedBus(t *testing.T) {
	bus := messagingtest.New()
	require.NoError(t, bus.Close())
	p := messaging.NewSummaryPublisher(bus, nil)

	assert.Error(t, p.Publish(context.Background(), &models.Summary{Job: "reap"}, nil))
	// Report swallows the failure.
	p.Report(context.Background(), &models.Summary{Job: "reap"}, nil)
}

func TestReplaySubject(t *testing.T) {
	assert.Equal(t, "tiering.replay.ingest", messaging.ReplaySubject("ingest"))
	assert.Equal(t, "tiering.replay.unknown", messaging.ReplaySubject(""))
	assert.Equal(t, []string{"tiering.replay.>"}, messaging.ReplayStream.Subjects)
}

func TestBus_RequestReply(t *testing.T) {
	bus := messagingtest.New()
	calls := map[string]int{}
	for _, name := range []string{"a", "b"} {
		_, err := bus.QueueSubscribe("echo", messaging.QueueReaders, func(ctx context.Context, msg *messaging.Message) error {
			calls[name]++
			return bus.Publish(ctx, msg.Reply, msg.Data)
		})
		require.NoError(t, err)
	}

	for i := 0; i < 4; i++ {
		resp, err := bus.Request(context.Background(), "echo", []byte("ping"), time.Second)
		require.NoError(t, err)
		assert.Equal(t, "ping", string(resp.Data))
	}
	assert.Equal(t, map[string]int{"a": 2, "b": 2}, calls, "queue members share the load")

	_, err := bus.Request(context.Background(), "nobody", nil, 10*time.Millisecond)
	assert.ErrorIs(t, err, messagingtest.ErrTimeout)
}
