// Package metrics holds the Prometheus collectors for the tiering service.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/telhawk-systems/telhawk-tiering/internal/models"
)

var (
	// Job run metrics
	JobRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_tiering_job_runs_total",
			Help: "Total number of maintenance job runs",
		},
		[]string{"job", "status"},
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "telhawk_tiering_job_duration_seconds",
			Help:    "Duration of maintenance job runs in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"job"},
	)

	JobLastSuccess = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "telhawk_tiering_job_last_success_timestamp_seconds",
			Help: "Unix time of the last run that finished without failures",
		},
		[]string{"job"},
	)

	// Record metrics
	RecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_tiering_records_total",
			Help: "Records handled by maintenance jobs",
		},
		[]string{"job", "outcome"},
	)

	// Fan-out metrics
	QueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_tiering_queries_total",
			Help: "Total number of fan-out queries answered",
		},
		[]string{"kind", "status"},
	)

	QueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "telhawk_tiering_query_duration_seconds",
			Help:    "Duration of fan-out queries in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	TierErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_tiering_tier_errors_total",
			Help: "Tier reads that failed during a fan-out",
		},
		[]string{"tier"},
	)

	// Leadership
	IsLeader = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "telhawk_tiering_leader",
			Help: "1 while this process holds the maintenance lease",
		},
	)
)

// ObserveSummary records one finished job run.
func ObserveSummary(sum *models.Summary, err error) {
	status := "success"
	switch {
	case sum.Skipped:
		status = "skipped"
	case err != nil:
		status = "error"
	case sum.Failed > 0:
		status = "partial"
	}
	JobRunsTotal.WithLabelValues(sum.Job, status).Inc()
	if sum.Skipped {
		return
	}

	JobDuration.WithLabelValues(sum.Job).Observe((time.Duration(sum.DurationMS) * time.Millisecond).Seconds())
	RecordsTotal.WithLabelValues(sum.Job, "processed").Add(float64(sum.Processed))
	RecordsTotal.WithLabelValues(sum.Job, "succeeded").Add(float64(sum.Succeeded))
	RecordsTotal.WithLabelValues(sum.Job, "failed").Add(float64(sum.Failed))
	if status == "success" {
		JobLastSuccess.WithLabelValues(sum.Job).Set(float64(sum.StartedAt.Unix()))
	}
}

// ObserveQuery records one fan-out query and its failed tiers.
func ObserveQuery(kind string, elapsed time.Duration, err error, failedTiers []string) {
	status := "success"
	if err != nil {
		status = "error"
	} else if len(failedTiers) > 0 {
		status = "partial"
	}
	QueriesTotal.WithLabelValues(kind, status).Inc()
	QueryDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
	for _, tier := range failedTiers {
		TierErrorsTotal.WithLabelValues(tier).Inc()
	}
}
