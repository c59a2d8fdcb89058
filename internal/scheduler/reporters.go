package scheduler

import (
	"context"
	"time"

	"github.com/telhawk-systems/telhawk-tiering/internal/logging"
	"github.com/telhawk-systems/telhawk-tiering/internal/metrics"
	"github.com/telhawk-systems/telhawk-tiering/internal/models"
)

// LogReporter writes one line per run.
type LogReporter struct {
	Logger *logging.Logger
}

func (r LogReporter) Report(ctx context.Context, sum *models.Summary, err error) {
	logger := r.Logger
	if logger == nil {
		logger = logging.Default()
	}
	if sum.Skipped {
		logger.DebugContext(ctx, "job skipped, not leader", logging.Job(sum.Job))
		return
	}

	args := []any{
		logging.Job(sum.Job),
		"processed", sum.Processed,
		"succeeded", sum.Succeeded,
		"failed", sum.Failed,
		logging.Duration(time.Duration(sum.DurationMS) * time.Millisecond),
	}
	for name, n := range sum.Details {
		args = append(args, name, n)
	}

	switch {
	case err != nil:
		logger.ErrorContext(ctx, "job run failed", append(args, logging.Error(err))...)
	case sum.Failed > 0:
		logger.WarnContext(ctx, "job run completed with failures", append(args, "errors", sum.Errors)...)
	default:
		logger.InfoContext(ctx, "job run completed", args...)
	}
}

// MetricsReporter records runs in Prometheus.
type MetricsReporter struct{}

func (MetricsReporter) Report(_ context.Context, sum *models.Summary, err error) {
	metrics.ObserveSummary(sum, err)
}
