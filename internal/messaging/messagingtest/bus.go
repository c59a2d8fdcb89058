// Package messagingtest provides an in-process message bus for tests.
package messagingtest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/telhawk-systems/telhawk-tiering/internal/messaging"
)

// ErrTimeout is returned by Request when no reply arrives in time.
var ErrTimeout = errors.New("request timed out")

// Bus delivers published messages synchronously to matching subscribers.
// Within a queue group messages are handed out round robin.
type Bus struct {
	mu        sync.Mutex
	subs      map[string][]*subscription
	next      map[string]int
	published []*messaging.Message
	inbox     int
	closed    bool
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[string][]*subscription), next: make(map[string]int)}
}

// Published returns every message published on subject.
func (b *Bus) Published(subject string) []*messaging.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*messaging.Message
	for _, m := range b.published {
		if m.Subject == subject {
			out = append(out, m)
		}
	}
	return out
}

func (b *Bus) Publish(ctx context.Context, subject string, data []byte) error {
	return b.publish(ctx, &messaging.Message{Subject: subject, Data: data, Timestamp: time.Now()})
}

func (b *Bus) publish(ctx context.Context, msg *messaging.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errors.New("bus closed")
	}
	b.published = append(b.published, msg)
	targets := b.pick(msg.Subject)
	b.mu.Unlock()

	for _, s := range targets {
		_ = s.handler(ctx, msg)
	}
	return nil
}

// pick returns one live subscriber per queue group. Callers hold mu.
func (b *Bus) pick(subject string) []*subscription {
	groups := make(map[string][]*subscription)
	var order []string
	for _, s := range b.subs[subject] {
		if !s.valid {
			continue
		}
		if _, ok := groups[s.queue]; !ok {
			order = append(order, s.queue)
		}
		groups[s.queue] = append(groups[s.queue], s)
	}

	var out []*subscription
	for _, q := range order {
		members := groups[q]
		key := subject + "|" + q
		out = append(out, members[b.next[key]%len(members)])
		b.next[key]++
	}
	return out
}

func (b *Bus) Request(ctx context.Context, subject string, data []byte, timeout time.Duration) (*messaging.Message, error) {
	b.mu.Lock()
	b.inbox++
	reply := fmt.Sprintf("_INBOX.%d", b.inbox)
	b.mu.Unlock()

	replies := make(chan *messaging.Message, 1)
	sub, err := b.QueueSubscribe(reply, "", func(_ context.Context, msg *messaging.Message) error {
		select {
		case replies <- msg:
		default:
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	defer sub.Unsubscribe()

	if err := b.publish(ctx, &messaging.Message{Subject: subject, Data: data, Reply: reply, Timestamp: time.Now()}); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case msg := <-replies:
		return msg, nil
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *Bus) QueueSubscribe(subject, queue string, handler messaging.MessageHandler) (messaging.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := &subscription{bus: b, subject: subject, queue: queue, handler: handler, valid: true}
	b.subs[subject] = append(b.subs[subject], s)
	return s, nil
}

func (b *Bus) Drain() error { return b.Close() }

func (b *Bus) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.closed
}

func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

type subscription struct {
	bus     *Bus
	subject string
	queue   string
	handler messaging.MessageHandler
	valid   bool
}

func (s *subscription) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	s.valid = false
	return nil
}

func (s *subscription) Subject() string { return s.subject }

func (s *subscription) IsValid() bool {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	return s.valid
}
