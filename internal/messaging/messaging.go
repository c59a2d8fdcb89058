// Package messaging connects the tiering service to the NATS message bus.
// Job summaries are published fire-and-forget, rejected records go to a
// JetStream replay stream, and reader workers answer fan-out queries over
// request/reply.
package messaging

import (
	"context"
	"time"
)

// Subjects and queue groups used by the tiering service.
const (
	SubjectJobsCompleted = "tiering.jobs.completed" // one message per finished job run
	SubjectReplayPrefix  = "tiering.replay"         // append .<job>
	SubjectQueryEvents   = "tiering.query.events"   // paged record reads
	SubjectQueryMetrics  = "tiering.query.metrics"  // counts and level distribution

	QueueReaders = "tiering-readers"
)

// Message is a message received from or sent to the bus.
type Message struct {
	Subject   string
	Data      []byte
	Reply     string
	Metadata  map[string]string
	Timestamp time.Time
}

// MessageHandler processes a received message.
type MessageHandler func(ctx context.Context, msg *Message) error

// Subscription is an active subscription.
type Subscription interface {
	Unsubscribe() error
	Subject() string
	IsValid() bool
}

// Publisher sends messages.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
	Request(ctx context.Context, subject string, data []byte, timeout time.Duration) (*Message, error)
}

// Subscriber receives messages. Queue subscriptions share the load within a
// queue group.
type Subscriber interface {
	QueueSubscribe(subject, queue string, handler MessageHandler) (Subscription, error)
}

// Client is a full bus connection.
type Client interface {
	Publisher
	Subscriber
	Drain() error
	IsConnected() bool
	Close() error
}
