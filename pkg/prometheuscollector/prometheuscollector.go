// Package prometheuscollector allows to expose metrics for Prometheus.
//
// Using the provided collector, you can easily expose metrics for tusdisk in the
// Prometheus exposition format (https://prometheus.io/docs/instrumenting/exposition_formats/):
//
//	handler, err := handler.NewHandler(…)
//	collector := prometheuscollector.New(handler.Metrics)
//	prometheus.MustRegister(collector)
package prometheuscollector

import (
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tusdisk/tusdisk/pkg/handler"
)

var (
	requestsTotalDesc = prometheus.NewDesc(
		"tusdisk_requests_total",
		"Total number of requests served by tusdisk per method.",
		[]string{"method"}, nil)
	errorsTotalDesc = prometheus.NewDesc(
		"tusdisk_errors_total",
		"Total number of errors per status and error code.",
		[]string{"status", "code"}, nil)
	bytesReceivedDesc = prometheus.NewDesc(
		"tusdisk_bytes_received",
		"Number of bytes received for uploads.",
		nil, nil)
	uploadsCreatedDesc = prometheus.NewDesc(
		"tusdisk_uploads_created",
		"Number of created uploads.",
		nil, nil)
	uploadsFinishedDesc = prometheus.NewDesc(
		"tusdisk_uploads_finished",
		"Number of finished uploads.",
		nil, nil)
	uploadsTerminatedDesc = prometheus.NewDesc(
		"tusdisk_uploads_terminated",
		"Number of terminated uploads.",
		nil, nil)
	uploadsExpiredDesc = prometheus.NewDesc(
		"tusdisk_uploads_expired_requests",
		"Number of requests rejected because the upload had expired.",
		nil, nil)
	completeCallbackErrorsDesc = prometheus.NewDesc(
		"tusdisk_complete_callback_errors",
		"Number of failed invocations of the completion callback.",
		nil, nil)
)

type Collector struct {
	metrics handler.Metrics
}

// New creates a new collector which read froms the provided Metrics struct.
func New(metrics handler.Metrics) Collector {
	return Collector{
		metrics: metrics,
	}
}

func (Collector) Describe(descs chan<- *prometheus.Desc) {
	descs <- requestsTotalDesc
	descs <- errorsTotalDesc
	descs <- bytesReceivedDesc
	descs <- uploadsCreatedDesc
	descs <- uploadsFinishedDesc
	descs <- uploadsTerminatedDesc
	descs <- uploadsExpiredDesc
	descs <- completeCallbackErrorsDesc
}

func (c Collector) Collect(metrics chan<- prometheus.Metric) {
	for method, valuePtr := range c.metrics.RequestsTotal {
		metrics <- prometheus.MustNewConstMetric(
			requestsTotalDesc,
			prometheus.CounterValue,
			float64(atomic.LoadUint64(valuePtr)),
			method,
		)
	}

	for httpError, valuePtr := range c.metrics.ErrorsTotal.Load() {
		metrics <- prometheus.MustNewConstMetric(
			errorsTotalDesc,
			prometheus.CounterValue,
			float64(atomic.LoadUint64(valuePtr)),
			strconv.Itoa(httpError.StatusCode),
			httpError.ErrorCode,
		)
	}

	counters := []struct {
		desc  *prometheus.Desc
		value *uint64
	}{
		{bytesReceivedDesc, c.metrics.BytesReceived},
		{uploadsFinishedDesc, c.metrics.UploadsFinished},
		{uploadsCreatedDesc, c.metrics.UploadsCreated},
		{uploadsTerminatedDesc, c.metrics.UploadsTerminated},
		{uploadsExpiredDesc, c.metrics.UploadsExpired},
		{completeCallbackErrorsDesc, c.metrics.CompleteCallbackErrors},
	}
	for _, counter := range counters {
		metrics <- prometheus.MustNewConstMetric(
			counter.desc,
			prometheus.CounterValue,
			float64(atomic.LoadUint64(counter.value)),
		)
	}
}
