// Package readers answers fan-out queries arriving over NATS request/reply.
// Workers are stateless and share the load through a queue group, so any
// number of reader processes can run beside the maintenance runner.
package readers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/telhawk-systems/telhawk-tiering/internal/fanout"
	"github.com/telhawk-systems/telhawk-tiering/internal/logging"
	"github.com/telhawk-systems/telhawk-tiering/internal/messaging"
	"github.com/telhawk-systems/telhawk-tiering/internal/metrics"
	"github.com/telhawk-systems/telhawk-tiering/internal/models"
)

// Error codes returned in Response.Code.
const (
	CodeBadRequest    = "bad_request"
	CodeDepthExceeded = "depth_exceeded"
	CodeInternal      = "internal"
)

// Request is the JSON body of a query. Lookback is a Go duration string
// ("24h") applied when From is zero.
type Request struct {
	From      time.Time      `json:"from,omitempty"`
	To        time.Time      `json:"to,omitempty"`
	Lookback  string         `json:"lookback,omitempty"`
	Levels    []string       `json:"levels,omitempty"`
	AgentName string         `json:"agent_name,omitempty"`
	Page      int            `json:"page,omitempty"`
	Limit     int            `json:"limit,omitempty"`
	Cursor    *models.Cursor `json:"cursor,omitempty"`
}

// Query converts the request to a fan-out query.
func (r *Request) Query() (fanout.Query, error) {
	q := fanout.Query{
		Filter: models.Filter{
			From:      r.From,
			To:        r.To,
			Levels:    r.Levels,
			AgentName: r.AgentName,
		},
		Page:   r.Page,
		Limit:  r.Limit,
		Cursor: r.Cursor,
	}
	if r.Lookback != "" {
		d, err := time.ParseDuration(r.Lookback)
		if err != nil {
			return q, fmt.Errorf("invalid lookback %q: %w", r.Lookback, err)
		}
		if d < 0 {
			return q, fmt.Errorf("lookback must not be negative")
		}
		q.Lookback = d
	}
	if !q.Filter.To.IsZero() && q.Filter.To.Before(q.Filter.From) {
		return q, fmt.Errorf("to must not be before from")
	}
	if r.Page < 0 || r.Limit < 0 {
		return q, fmt.Errorf("page and limit must not be negative")
	}
	return q, nil
}

// Response is the JSON reply envelope.
type Response struct {
	OK    bool   `json:"ok"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
	Code  string `json:"code,omitempty"`
}

// MetricsData is the reply to a metrics query.
type MetricsData struct {
	Total        int64               `json:"total"`
	HighSeverity int64               `json:"high_severity"`
	Levels       map[string]int64    `json:"levels"`
	Tiers        []string            `json:"tiers"`
	Errors       []*fanout.TierError `json:"errors,omitempty"`
}

// Querier is the read side the workers call.
type Querier interface {
	Page(ctx context.Context, q fanout.Query) (*fanout.PageResult, error)
	Metrics(ctx context.Context, q fanout.Query) (*fanout.MetricsResult, error)
	LevelDistribution(ctx context.Context, q fanout.Query) (*fanout.LevelResult, error)
}

// Workers holds the query subscriptions.
type Workers struct {
	bus     messaging.Client
	querier Querier
	timeout time.Duration
	logger  *logging.Logger

	mu   sync.Mutex
	subs []messaging.Subscription
}

// New creates reader workers. timeout bounds each query.
func New(bus messaging.Client, querier Querier, timeout time.Duration, logger *logging.Logger) *Workers {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Workers{bus: bus, querier: querier, timeout: timeout, logger: logger.Component("readers")}
}

// Start subscribes to the query subjects.
func (w *Workers) Start(ctx context.Context) error {
	handlers := map[string]messaging.MessageHandler{
		messaging.SubjectQueryEvents:  w.handleEvents,
		messaging.SubjectQueryMetrics: w.handleMetrics,
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, subject := range []string{messaging.SubjectQueryEvents, messaging.SubjectQueryMetrics} {
		sub, err := w.bus.QueueSubscribe(subject, messaging.QueueReaders, handlers[subject])
		if err != nil {
			w.unsubscribeLocked()
			return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
		}
		w.subs = append(w.subs, sub)
	}

	w.logger.InfoContext(ctx, "reader workers started",
		"subjects", []string{messaging.SubjectQueryEvents, messaging.SubjectQueryMetrics},
		"queue", messaging.QueueReaders)
	return nil
}

// Stop unsubscribes from every subject.
func (w *Workers) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.unsubscribeLocked()
	w.logger.InfoContext(context.Background(), "reader workers stopped")
	return nil
}

func (w *Workers) unsubscribeLocked() {
	for _, sub := range w.subs {
		if err := sub.Unsubscribe(); err != nil {
			w.logger.WarnContext(context.Background(), "failed to unsubscribe", "subject", sub.Subject(), logging.Error(err))
		}
	}
	w.subs = nil
}

func (w *Workers) handleEvents(ctx context.Context, msg *messaging.Message) error {
	return w.serve(ctx, msg, "events", func(ctx context.Context, q fanout.Query) (any, []*fanout.TierError, error) {
		res, err := w.querier.Page(ctx, q)
		if err != nil {
			return nil, nil, err
		}
		return res, res.Errors, nil
	})
}

func (w *Workers) handleMetrics(ctx context.Context, msg *messaging.Message) error {
	return w.serve(ctx, msg, "metrics", func(ctx context.Context, q fanout.Query) (any, []*fanout.TierError, error) {
		m, err := w.querier.Metrics(ctx, q)
		if err != nil {
			return nil, nil, err
		}
		l, err := w.querier.LevelDistribution(ctx, q)
		if err != nil {
			return nil, nil, err
		}
		data := &MetricsData{
			Total:        m.Total,
			HighSeverity: m.HighSeverity,
			Levels:       l.Levels,
			Tiers:        m.Tiers,
		}
		data.Errors = append(data.Errors, m.Errors...)
		data.Errors = append(data.Errors, l.Errors...)
		return data, data.Errors, nil
	})
}

type queryFunc func(ctx context.Context, q fanout.Query) (any, []*fanout.TierError, error)

func (w *Workers) serve(ctx context.Context, msg *messaging.Message, kind string, run queryFunc) error {
	if msg.Reply == "" {
		return fmt.Errorf("%s query without reply subject", kind)
	}

	var req Request
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			return w.reply(ctx, msg, Response{Error: "invalid request body: " + err.Error(), Code: CodeBadRequest})
		}
	}
	q, err := req.Query()
	if err != nil {
		return w.reply(ctx, msg, Response{Error: err.Error(), Code: CodeBadRequest})
	}

	queryCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	start := time.Now()
	data, tierErrs, err := run(queryCtx, q)
	metrics.ObserveQuery(kind, time.Since(start), err, failedTiers(tierErrs))
	if err != nil {
		code := CodeInternal
		if errors.Is(err, fanout.ErrDepthExceeded) {
			code = CodeDepthExceeded
		} else {
			w.logger.ErrorContext(ctx, "query failed", "kind", kind, logging.Error(err))
		}
		return w.reply(ctx, msg, Response{Error: err.Error(), Code: code})
	}
	return w.reply(ctx, msg, Response{OK: true, Data: data})
}

func (w *Workers) reply(ctx context.Context, msg *messaging.Message, resp Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to marshal response: %w", err)
	}
	return w.bus.Publish(ctx, msg.Reply, data)
}

func failedTiers(errs []*fanout.TierError) []string {
	if len(errs) == 0 {
		return nil
	}
	seen := make(map[models.Tier]bool, len(errs))
	out := make([]string, 0, len(errs))
	for _, e := range errs {
		if !seen[e.Tier] {
			seen[e.Tier] = true
			out = append(out, e.Tier.String())
		}
	}
	return out
}
