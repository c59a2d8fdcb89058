package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/telhawk-systems/telhawk-tiering/internal/ingest"
	"github.com/telhawk-systems/telhawk-tiering/internal/logging"
)

// StreamConfig defines a JetStream stream.
type StreamConfig struct {
	Name      string
	Subjects  []string
	MaxAge    time.Duration
	MaxBytes  int64
	MaxMsgs   int64
	Retention jetstream.RetentionPolicy
	Storage   jetstream.StorageType
}

// ReplayStream holds records the hot tier rejected, one subject per job.
// Work-queue retention delivers each entry to one replayer.
var ReplayStream = StreamConfig{
	Name:      "TIERING_REPLAY",
	Subjects:  []string{SubjectReplayPrefix + ".>"},
	MaxAge:    7 * 24 * time.Hour,
	MaxBytes:  1024 * 1024 * 1024,
	MaxMsgs:   1000000,
	Retention: jetstream.WorkQueuePolicy,
	Storage:   jetstream.FileStorage,
}

// JetStreamClient adds JetStream persistence to a NATS client.
type JetStreamClient struct {
	*NATSClient
	js jetstream.JetStream
}

// NewJetStreamClient wraps an existing client.
func NewJetStreamClient(client *NATSClient) (*JetStreamClient, error) {
	js, err := jetstream.New(client.conn)
	if err != nil {
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}
	return &JetStreamClient{NATSClient: client, js: js}, nil
}

// CreateOrUpdateStream creates or updates a stream.
func (c *JetStreamClient) CreateOrUpdateStream(ctx context.Context, cfg StreamConfig) (jetstream.Stream, error) {
	stream, err := c.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      cfg.Name,
		Subjects:  cfg.Subjects,
		MaxAge:    cfg.MaxAge,
		MaxBytes:  cfg.MaxBytes,
		MaxMsgs:   cfg.MaxMsgs,
		Retention: cfg.Retention,
		Storage:   cfg.Storage,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create/update stream %s: %w", cfg.Name, err)
	}
	return stream, nil
}

// PublishSync publishes and waits for the stream acknowledgment.
func (c *JetStreamClient) PublishSync(ctx context.Context, subject string, data []byte) (*jetstream.PubAck, error) {
	return c.js.Publish(ctx, subject, data)
}

type syncPublisher interface {
	PublishSync(ctx context.Context, subject string, data []byte) (*jetstream.PubAck, error)
}

// ReplayEntry is one message on the replay stream.
type ReplayEntry struct {
	ingest.FailedItem
	FailedAt time.Time `json:"failed_at"`
}

// ReplayQueue implements ingest.ReplaySink on the replay stream.
type ReplayQueue struct {
	js      syncPublisher
	written atomic.Uint64
	logger  *logging.Logger
	now     func() time.Time
}

// NewReplayQueue ensures the replay stream exists and returns a sink on it.
func NewReplayQueue(ctx context.Context, js *JetStreamClient, logger *logging.Logger) (*ReplayQueue, error) {
	if js == nil {
		return nil, fmt.Errorf("jetstream client is nil")
	}
	if _, err := js.CreateOrUpdateStream(ctx, ReplayStream); err != nil {
		return nil, fmt.Errorf("create replay stream: %w", err)
	}
	q := newReplayQueue(js, logger)
	q.logger.InfoContext(ctx, "replay stream ready", "stream", ReplayStream.Name)
	return q, nil
}

func newReplayQueue(js syncPublisher, logger *logging.Logger) *ReplayQueue {
	if logger == nil {
		logger = logging.Default()
	}
	return &ReplayQueue{js: js, logger: logger.Component("replay"), now: time.Now}
}

// Replay publishes item on tiering.replay.<job>.
func (q *ReplayQueue) Replay(ctx context.Context, item ingest.FailedItem) error {
	data, err := json.Marshal(ReplayEntry{FailedItem: item, FailedAt: q.now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal replay entry: %w", err)
	}

	subject := ReplaySubject(item.Job)
	if _, err := q.js.PublishSync(ctx, subject, data); err != nil {
		q.logger.ErrorContext(ctx, "failed to publish replay entry", logging.Key(item.Key), logging.Error(err))
		return fmt.Errorf("publish replay entry: %w", err)
	}
	q.written.Add(1)
	return nil
}

// Written returns how many entries this process published.
func (q *ReplayQueue) Written() uint64 {
	return q.written.Load()
}

// ReplaySubject returns the replay subject for a job.
func ReplaySubject(job string) string {
	if job == "" {
		job = "unknown"
	}
	return SubjectReplayPrefix + "." + job
}
