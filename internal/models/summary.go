package models

import "time"

// Summary is the aggregate outcome of one job run. It is logged, counted and
// published at the end of every run.
type Summary struct {
	Job        string           `json:"job"`
	RunID      string           `json:"run_id"`
	StartedAt  time.Time        `json:"started_at"`
	DurationMS int64            `json:"duration_ms"`
	Processed  int64            `json:"processed"`
	Succeeded  int64            `json:"succeeded"`
	Failed     int64            `json:"failed"`
	Skipped    bool             `json:"skipped,omitempty"`
	Details    map[string]int64 `json:"details,omitempty"`
	Errors     []string         `json:"errors,omitempty"`
}

// maxSummaryErrors bounds the error strings kept on a summary.
const maxSummaryErrors = 20

// AddError records an error message, keeping at most maxSummaryErrors.
func (s *Summary) AddError(err error) {
	if err == nil {
		return
	}
	if len(s.Errors) < maxSummaryErrors {
		s.Errors = append(s.Errors, err.Error())
	}
}

// Add increments a named detail counter.
func (s *Summary) Add(name string, n int64) {
	if s.Details == nil {
		s.Details = make(map[string]int64)
	}
	s.Details[name] += n
}
