// Package source defines the upstream event source boundary: a poller
// returning raw, heterogeneously shaped events inside a time window.
package source

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/telhawk-systems/telhawk-tiering/internal/models"
)

// Request is one poll. Events with At in [From, To] are returned oldest
// first, ordered by (At, ID), at most Limit of them. When After is set only
// events strictly after that position are returned.
type Request struct {
	From  time.Time
	To    time.Time
	After *models.SourcePosition
	Limit int
}

// includes reports whether an event at pos falls inside the request.
func (r Request) includes(pos models.SourcePosition) bool {
	if pos.At.Before(r.From) || pos.At.After(r.To) {
		return false
	}
	return r.After == nil || r.After.Less(pos)
}

// Source fetches raw events. Every event carries the At it was ordered by.
type Source interface {
	Fetch(ctx context.Context, req Request) ([]models.RawEvent, error)
}

// Func adapts a function to Source.
type Func func(ctx context.Context, req Request) ([]models.RawEvent, error)

func (f Func) Fetch(ctx context.Context, req Request) ([]models.RawEvent, error) {
	return f(ctx, req)
}

// Empty is a source that never yields events.
type Empty struct{}

func (Empty) Fetch(ctx context.Context, req Request) ([]models.RawEvent, error) {
	return nil, ctx.Err()
}

// Static serves a fixed set of events. Each event is filed under the instant
// given when it is added.
type Static struct {
	mu     sync.Mutex
	events []models.RawEvent
}

// NewStatic returns an empty Static source.
func NewStatic() *Static {
	return &Static{}
}

// Add files raw under the instant at.
func (s *Static) Add(at time.Time, raw models.RawEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw.At = at.UTC()
	s.events = append(s.events, raw)
	sort.SliceStable(s.events, func(i, j int) bool {
		return s.events[i].Position().Less(s.events[j].Position())
	})
}

func (s *Static) Fetch(ctx context.Context, req Request) ([]models.RawEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.RawEvent, 0)
	for _, e := range s.events {
		if !req.includes(e.Position()) {
			continue
		}
		out = append(out, e)
		if req.Limit > 0 && len(out) >= req.Limit {
			break
		}
	}
	return out, nil
}
