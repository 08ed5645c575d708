package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RecordsTotal counts merge outcomes per channel
	// (created, updated, unchanged, filtered, skipped_<reason>, error).
	RecordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "listing_sync_records_total",
		Help: "Feed records processed, by channel and outcome.",
	}, []string{"channel", "outcome"})

	// PagesTotal counts list-page fetches per provider (ok, empty, failed).
	PagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "listing_sync_pages_total",
		Help: "Feed list pages fetched, by provider and result.",
	}, []string{"provider", "result"})

	// MediaSyncTotal counts media synchronisations (ok, failed, skipped).
	MediaSyncTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "listing_sync_media_sync_total",
		Help: "Media set replacements, by result.",
	}, []string{"result"})

	// RunsTotal counts job runs (complete, failed, skipped).
	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "listing_sync_runs_total",
		Help: "Orchestration job runs, by job and status.",
	}, []string{"job", "status"})

	// RunDuration observes completed run durations.
	RunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "listing_sync_run_duration_seconds",
		Help:    "Orchestration job run duration.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 14),
	}, []string{"job"})
)
