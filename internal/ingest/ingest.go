// Package ingest runs the polling ingestion job: fetch a window of raw events
// from the upstream source, normalize them and bulk-insert them into the hot
// tier, then advance the durable cursor.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/telhawk-systems/telhawk-tiering/internal/cursor"
	"github.com/telhawk-systems/telhawk-tiering/internal/database"
	"github.com/telhawk-systems/telhawk-tiering/internal/logging"
	"github.com/telhawk-systems/telhawk-tiering/internal/models"
	"github.com/telhawk-systems/telhawk-tiering/internal/normalizer"
	"github.com/telhawk-systems/telhawk-tiering/internal/source"
	"github.com/telhawk-systems/telhawk-tiering/internal/store"
)

// JobName is the scheduler name of the ingestion job.
const JobName = "ingest"

// Config holds polling window settings
type Config struct {
	Overlap         time.Duration
	InitialLookback time.Duration
	FetchLimit      int
	FetchTimeout    time.Duration
}

// DefaultConfig returns the settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		Overlap:         30 * time.Second,
		InitialLookback: 5 * time.Minute,
		FetchLimit:      5000,
		FetchTimeout:    8 * time.Second,
	}
}

// FailedItem is a normalized record the hot tier rejected for a reason other
// than duplication.
type FailedItem struct {
	Job      string         `json:"job"`
	SourceID string         `json:"source_id,omitempty"`
	Key      string         `json:"unique_identifier"`
	Error    string         `json:"error"`
	Record   *models.Record `json:"record"`
}

// ReplaySink receives failed items for later replay.
type ReplaySink interface {
	Replay(ctx context.Context, item FailedItem) error
}

// Job is the ingestion job.
type Job struct {
	src    source.Source
	norm   *normalizer.Normalizer
	hot    store.Collection
	cursor cursor.Store
	replay ReplaySink
	cfg    Config
	logger *logging.Logger
}

// Option configures a Job.
type Option func(*Job)

// WithReplay sends rejected records to sink.
func WithReplay(sink ReplaySink) Option {
	return func(j *Job) {
		j.replay = sink
	}
}

// WithLogger sets the job logger.
func WithLogger(l *logging.Logger) Option {
	return func(j *Job) {
		j.logger = l
	}
}

// New creates an ingestion job writing into the hot tier of st.
func New(src source.Source, norm *normalizer.Normalizer, st store.Store, cur cursor.Store, cfg Config, opts ...Option) *Job {
	if cfg.FetchLimit <= 0 {
		cfg.FetchLimit = DefaultConfig().FetchLimit
	}
	j := &Job{
		src:    src,
		norm:   norm,
		hot:    st.Collection(models.TierHot),
		cursor: cur,
		cfg:    cfg,
		logger: logging.Default(),
	}
	for _, opt := range opts {
		opt(j)
	}
	j.logger = j.logger.Component(JobName)
	return j
}

func (j *Job) Name() string {
	return JobName
}

// Run performs one poll. The cursor is left unchanged when the source fails
// or the hot tier rejects the whole batch.
//
// A poll normally reads [watermark - overlap, now] and moves the watermark to
// now. When the source returns a full page the cursor instead records the
// last event read, and the next poll resumes strictly after it without the
// overlap, so a burst of more than one page per overlap span always makes
// progress.
func (j *Job) Run(ctx context.Context, now time.Time) (*models.Summary, error) {
	sum := &models.Summary{Job: JobName}

	pos, ok, err := j.cursor.Load(ctx)
	if err != nil {
		sum.AddError(err)
		return sum, fmt.Errorf("failed to load cursor: %w", err)
	}
	if !ok {
		pos = cursor.Position{At: now.Add(-j.cfg.InitialLookback)}
	}

	req := source.Request{From: pos.At.Add(-j.cfg.Overlap), To: now, Limit: j.cfg.FetchLimit}
	if pos.Paging() {
		req.From = pos.After.At
		req.After = pos.After
	}

	raw, err := j.fetch(ctx, req)
	if err != nil {
		sum.AddError(err)
		j.logger.WarnContext(ctx, "source fetch failed, cursor unchanged", logging.Error(err))
		return sum, err
	}
	sum.Processed = int64(len(raw))
	sum.Add("fetched", int64(len(raw)))

	records, sources := j.normalize(ctx, raw, sum)

	if len(records) > 0 {
		res, err := j.insert(ctx, records)
		if err != nil {
			sum.Failed += int64(len(records))
			sum.AddError(err)
			j.logger.ErrorContext(ctx, "hot tier insert failed, cursor unchanged", logging.Error(err))
			return sum, err
		}
		j.absorb(ctx, res, records, sources, sum)
	}

	next := cursor.Position{At: now}
	if len(raw) >= j.cfg.FetchLimit {
		last := raw[len(raw)-1].Position()
		if last.At.IsZero() {
			j.logger.WarnContext(ctx, "full page without a source position, cursor unchanged")
			return sum, nil
		}
		next = cursor.Position{At: pos.At, After: &last}
		if last.At.After(next.At) {
			next.At = last.At
		}
		sum.Add("paging", 1)
	} else if next.At.Before(pos.At) {
		next.At = pos.At
	}

	if err := j.cursor.Save(ctx, next); err != nil {
		sum.AddError(err)
		return sum, fmt.Errorf("failed to save cursor: %w", err)
	}
	sum.Add("cursor_advanced_ms", next.At.Sub(pos.At).Milliseconds())

	j.logger.InfoContext(ctx, "ingest complete",
		logging.Count(sum.Succeeded),
		"fetched", len(raw),
		"cursor", next.At.Format(time.RFC3339Nano),
		"paging", next.Paging(),
	)
	return sum, nil
}

func (j *Job) fetch(ctx context.Context, req source.Request) ([]models.RawEvent, error) {
	fetchCtx := ctx
	if j.cfg.FetchTimeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, j.cfg.FetchTimeout)
		defer cancel()
	}

	raw, err := j.src.Fetch(fetchCtx, req)
	if err != nil {
		if errors.Is(err, models.ErrTransientSource) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", models.ErrTransientSource, err)
	}
	return raw, nil
}

// normalize converts raw events, dropping malformed ones and in-batch
// repeats of the same unique identifier. It returns the source id of each
// kept record.
func (j *Job) normalize(ctx context.Context, raw []models.RawEvent, sum *models.Summary) ([]*models.Record, map[string]string) {
	records := make([]*models.Record, 0, len(raw))
	sources := make(map[string]string, len(raw))

	for _, ev := range raw {
		rec, err := j.norm.Normalize(ev)
		if err != nil {
			sum.Failed++
			sum.Add("malformed", 1)
			sum.AddError(err)
			j.logger.WarnContext(ctx, "dropping malformed event", logging.SourceID(ev.ID), logging.Error(err))
			continue
		}
		if _, dup := sources[rec.UniqueIdentifier]; dup {
			sum.Add("existing", 1)
			continue
		}
		sources[rec.UniqueIdentifier] = ev.ID
		records = append(records, rec)
	}
	return records, sources
}

func (j *Job) insert(ctx context.Context, records []*models.Record) (*store.BulkResult, error) {
	bulkCtx, cancel := database.BulkContext(ctx)
	defer cancel()
	return j.hot.InsertMany(bulkCtx, records)
}

func (j *Job) absorb(ctx context.Context, res *store.BulkResult, records []*models.Record, sources map[string]string, sum *models.Summary) {
	sum.Succeeded += int64(len(res.Inserted))
	sum.Add("inserted", int64(len(res.Inserted)))
	sum.Add("existing", int64(len(res.Existing)))

	if len(res.Failed) == 0 {
		return
	}

	byKey := make(map[string]*models.Record, len(records))
	for _, r := range records {
		byKey[r.UniqueIdentifier] = r
	}

	sum.Failed += int64(len(res.Failed))
	sum.Add("failed", int64(len(res.Failed)))
	sum.AddError(fmt.Errorf("%w: %d of %d records rejected", models.ErrPartialBatch, len(res.Failed), len(records)))

	for _, fe := range res.Failed {
		j.logger.WarnContext(ctx, "hot tier rejected record", logging.Key(fe.Key), logging.Error(fe.Err))
		if j.replay == nil {
			continue
		}
		item := FailedItem{
			Job:      JobName,
			SourceID: sources[fe.Key],
			Key:      fe.Key,
			Error:    fe.Err.Error(),
			Record:   byKey[fe.Key],
		}
		if err := j.replay.Replay(ctx, item); err != nil {
			j.logger.WarnContext(ctx, "failed to queue record for replay", logging.Key(fe.Key), logging.Error(err))
			continue
		}
		sum.Add("replayed", 1)
	}
}
