package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/telhawk-systems/telhawk-tiering/internal/database"
	"github.com/telhawk-systems/telhawk-tiering/internal/logging"
	"github.com/telhawk-systems/telhawk-tiering/internal/models"
	"github.com/telhawk-systems/telhawk-tiering/internal/normalizer"
	"github.com/telhawk-systems/telhawk-tiering/internal/store"
)

// SeverityJobName is the scheduler name of the severity pass.
const SeverityJobName = "severity"

// SeverityPass rewrites stored rule levels that are severity words into
// their numeric codes. Records written before a word was configured are
// fixed up this way.
type SeverityPass struct {
	store  store.Store
	tiers  []models.Tier
	words  normalizer.SeverityMap
	logger *logging.Logger
}

// NewSeverityPass creates the severity pass.
func NewSeverityPass(st store.Store, tiers []models.Tier, words normalizer.SeverityMap, logger *logging.Logger) *SeverityPass {
	if logger == nil {
		logger = logging.Default()
	}
	return &SeverityPass{store: st, tiers: tiers, words: words, logger: logger.Component(SeverityJobName)}
}

func (p *SeverityPass) Name() string {
	return SeverityJobName
}

func (p *SeverityPass) Run(ctx context.Context, now time.Time) (*models.Summary, error) {
	sum := &models.Summary{Job: SeverityJobName}

	for _, tier := range p.tiers {
		coll := p.store.Collection(tier)
		for _, word := range p.words.Words() {
			code, _ := p.words.Code(word)
			sum.Processed++

			n, err := p.update(ctx, coll, word, code)
			if err != nil {
				sum.Failed++
				sum.AddError(fmt.Errorf("%s/%s: %w", tier, word, err))
				p.logger.WarnContext(ctx, "severity update failed", logging.Tier(tier.String()), "word", word, logging.Error(err))
				continue
			}
			sum.Succeeded++
			sum.Add("updated", n)
		}
	}

	p.logger.InfoContext(ctx, "severity pass complete", "updated", sum.Details["updated"], "failed", sum.Failed)
	return sum, nil
}

func (p *SeverityPass) update(ctx context.Context, coll store.Collection, word, code string) (int64, error) {
	writeCtx, cancel := database.BulkContext(ctx)
	defer cancel()
	return coll.UpdateLevel(writeCtx, word, code)
}
