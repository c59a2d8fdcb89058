// Package scheduler runs the maintenance jobs at fixed intervals.
//
// Each registered job gets its own ticker goroutine. Runs are gated on the
// leader lease and every finished run is handed to the configured reporters.
// Trigger runs a job synchronously and ignores the lease.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/telhawk-systems/telhawk-tiering/internal/leader"
	"github.com/telhawk-systems/telhawk-tiering/internal/logging"
	"github.com/telhawk-systems/telhawk-tiering/internal/models"
)

var (
	ErrUnknownJob     = errors.New("unknown job")
	ErrAlreadyRunning = errors.New("scheduler already running")
	ErrNotRunning     = errors.New("scheduler not running")
)

// Job is one maintenance job. Run must be safe to re-run after a crash at any
// point and must set Summary.Job.
type Job interface {
	Name() string
	Run(ctx context.Context, now time.Time) (*models.Summary, error)
}

// Reporter receives every finished run.
type Reporter interface {
	Report(ctx context.Context, sum *models.Summary, err error)
}

type entry struct {
	job        Job
	interval   time.Duration
	runAtStart bool
}

// RegisterOption configures a registered job.
type RegisterOption func(*entry)

// RunAtStart runs the job once as soon as the scheduler starts. A follower
// keeps the start run pending and performs it once it gains the lease.
func RunAtStart() RegisterOption {
	return func(e *entry) {
		e.runAtStart = true
	}
}

// Scheduler owns the job loops.
type Scheduler struct {
	mu      sync.Mutex
	jobs    map[string]*entry
	order   []string
	elector leader.Elector
	reports []Reporter
	now     func() time.Time
	logger  *logging.Logger
	// leasePoll is how often a pending start run re-checks the lease.
	leasePoll time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock sets the clock handed to job runs.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

// WithElector gates scheduled runs on e.
func WithElector(e leader.Elector) Option {
	return func(s *Scheduler) {
		s.elector = e
	}
}

// WithLeasePoll sets how often a start run skipped for lack of the lease
// re-checks it.
func WithLeasePoll(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.leasePoll = d
		}
	}
}

// WithReporters appends run reporters.
func WithReporters(r ...Reporter) Option {
	return func(s *Scheduler) {
		s.reports = append(s.reports, r...)
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Scheduler) {
		s.logger = l
	}
}

// New creates a stopped scheduler.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		jobs:    make(map[string]*entry),
		elector: leader.Always{},
		now:     time.Now,
		logger:  logging.Default(),

		leasePoll: time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Component("scheduler")
	return s
}

// Register adds a job. An interval of zero disables the ticker, so the job
// runs only at start (with RunAtStart) or when triggered.
func (s *Scheduler) Register(job Job, interval time.Duration, opts ...RegisterOption) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := job.Name()
	if _, ok := s.jobs[name]; ok {
		return fmt.Errorf("job %q already registered", name)
	}
	if interval < 0 {
		return fmt.Errorf("job %q: negative interval %s", name, interval)
	}
	e := &entry{job: job, interval: interval}
	for _, opt := range opts {
		opt(e)
	}
	s.jobs[name] = e
	s.order = append(s.order, name)
	return nil
}

// Jobs returns the registered job names in registration order.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

// Start launches one loop per registered job.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	for _, name := range s.order {
		e := s.jobs[name]
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.loop(runCtx, e)
		}()
	}

	s.logger.InfoContext(ctx, "scheduler started", "jobs", len(s.order))
	return nil
}

// Stop cancels every loop and waits for in-flight runs to return.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return ErrNotRunning
	}
	cancel()
	s.wg.Wait()
	s.logger.InfoContext(context.Background(), "scheduler stopped")
	return nil
}

// Trigger runs the named job synchronously.
func (s *Scheduler) Trigger(ctx context.Context, name string) (*models.Summary, error) {
	s.mu.Lock()
	e, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.execute(ctx, e.job)
}

func (s *Scheduler) loop(ctx context.Context, e *entry) {
	if e.runAtStart && !s.tick(ctx, e) && !s.awaitLease(ctx, e) {
		return
	}
	if e.interval == 0 {
		return
	}

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.tick(ctx, e)
		case <-ctx.Done():
			return
		}
	}
}

// tick runs the job if this process holds the lease and reports whether it
// ran.
func (s *Scheduler) tick(ctx context.Context, e *entry) bool {
	if ctx.Err() != nil {
		return false
	}
	if !s.elector.IsLeader() {
		sum := &models.Summary{Job: e.job.Name(), StartedAt: s.now(), Skipped: true}
		s.report(ctx, sum, nil)
		return false
	}
	_, _ = s.execute(ctx, e.job)
	return true
}

// awaitLease holds a skipped start run until the lease is gained, then runs
// it. It returns false if ctx ends first.
func (s *Scheduler) awaitLease(ctx context.Context, e *entry) bool {
	poll := time.NewTicker(s.leasePoll)
	defer poll.Stop()

	for {
		select {
		case <-poll.C:
			if !s.elector.IsLeader() {
				continue
			}
			s.logger.InfoContext(ctx, "lease gained, running start job", "job", e.job.Name())
			_, _ = s.execute(ctx, e.job)
			return true
		case <-ctx.Done():
			return false
		}
	}
}

// execute runs a job with a fresh run id and reports the outcome.
func (s *Scheduler) execute(ctx context.Context, job Job) (sum *models.Summary, err error) {
	runID, idErr := uuid.NewV7()
	if idErr != nil {
		return nil, fmt.Errorf("failed to generate run id: %w", idErr)
	}
	ctx = logging.ContextWithRun(ctx, job.Name(), runID.String())
	started := s.now()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", job.Name(), r)
			sum = nil
		}
		if sum == nil {
			sum = &models.Summary{Job: job.Name()}
			if err != nil {
				sum.AddError(err)
			}
		}
		if sum.Job == "" {
			sum.Job = job.Name()
		}
		sum.RunID = runID.String()
		sum.StartedAt = started
		sum.DurationMS = s.now().Sub(started).Milliseconds()
		s.report(ctx, sum, err)
	}()

	return job.Run(ctx, started)
}

func (s *Scheduler) report(ctx context.Context, sum *models.Summary, err error) {
	for _, r := range s.reports {
		r.Report(ctx, sum, err)
	}
}
