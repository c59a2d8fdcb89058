package messaging

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/telhawk-systems/telhawk-tiering/internal/logging"
	"github.com/telhawk-systems/telhawk-tiering/internal/models"
)

// JobCompletedEvent is published once per finished job run.
type JobCompletedEvent struct {
	*models.Summary
	Error string `json:"error,omitempty"`
}

// SummaryPublisher publishes job summaries. It satisfies the scheduler's
// Reporter interface.
type SummaryPublisher struct {
	pub    Publisher
	logger *logging.Logger
}

// NewSummaryPublisher creates a publisher on pub.
func NewSummaryPublisher(pub Publisher, logger *logging.Logger) *SummaryPublisher {
	if logger == nil {
		logger = logging.Default()
	}
	return &SummaryPublisher{pub: pub, logger: logger.Component("publisher")}
}

// Publish sends one summary.
func (p *SummaryPublisher) Publish(ctx context.Context, sum *models.Summary, runErr error) error {
	event := JobCompletedEvent{Summary: sum}
	if runErr != nil {
		event.Error = runErr.Error()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal summary: %w", err)
	}
	return p.pub.Publish(ctx, SubjectJobsCompleted, data)
}

// Report publishes every non-skipped run and logs publish failures.
func (p *SummaryPublisher) Report(ctx context.Context, sum *models.Summary, err error) {
	if sum.Skipped {
		return
	}
	if pubErr := p.Publish(ctx, sum, err); pubErr != nil {
		p.logger.WarnContext(ctx, "failed to publish job summary", logging.Job(sum.Job), logging.Error(pubErr))
	}
}
