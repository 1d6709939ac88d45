package cleanup

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	MetricsRunsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tusdisk_cleanup_runs_total",
		Help: "Total number of cleanup runs which have been started.",
	})
	MetricsRunsSkippedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tusdisk_cleanup_runs_skipped_total",
		Help: "Total number of cleanup runs skipped because a previous run was still in progress.",
	})
	MetricsRunErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tusdisk_cleanup_run_errors_total",
		Help: "Total number of cleanup runs which could not list the expired uploads.",
	})
	MetricsUploadsRemovedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tusdisk_cleanup_uploads_removed_total",
		Help: "Total number of expired uploads removed by the cleanup.",
	})
	MetricsRunDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "tusdisk_cleanup_run_duration_seconds",
		Help:    "Duration of the cleanup runs.",
		Buckets: prometheus.DefBuckets,
	})
)

// RegisterMetrics adds the cleanup metrics to the registry.
func RegisterMetrics(registry prometheus.Registerer) {
	registry.MustRegister(
		MetricsRunsTotal,
		MetricsRunsSkippedTotal,
		MetricsRunErrorsTotal,
		MetricsUploadsRemovedTotal,
		MetricsRunDuration,
	)
}
