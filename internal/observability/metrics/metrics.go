// Package metrics defines and registers the Prometheus metrics exported by
// this service at /metrics: HTTP request counters, ingest pipeline
// throughput and terminal-status counts, encode/upload permit utilization,
// and object-store retry behavior.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingestd_http_requests_total",
			Help: "Total HTTP requests handled, by method, route, and status class.",
		},
		[]string{"method", "route", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ingestd_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	IngestsStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ingestd_ingests_started_total",
			Help: "Total ingests accepted for processing.",
		},
	)
	IngestsByStatus = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingestd_ingests_terminal_total",
			Help: "Total ingests reaching a terminal status, by status.",
		},
		[]string{"status"},
	)

	EncodePermitsInUse = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ingestd_encode_permits_in_use",
			Help: "Current number of acquired encode permits.",
		},
	)
	EncodePermitsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ingestd_encode_permits_total",
			Help: "Configured encode permit pool capacity.",
		},
	)
	UploadPermitsInUse = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ingestd_upload_permits_in_use",
			Help: "Current number of acquired upload permits.",
		},
	)
	UploadPermitsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ingestd_upload_permits_total",
			Help: "Configured upload permit pool capacity.",
		},
	)

	ProgressSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ingestd_progress_subscribers",
			Help: "Current number of open progress SSE subscriptions.",
		},
	)
	ChunkAssemblerStagedBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ingestd_chunk_assembler_staged_bytes",
			Help: "Total bytes currently staged on disk by the chunk assembler.",
		},
	)

	ObjectStorePutAttempts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ingestd_objectstore_put_attempts_total",
			Help: "Total PUT attempts issued to the object store, including retries.",
		},
	)
	ObjectStorePutRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ingestd_objectstore_put_retries_total",
			Help: "Total retried PUTs issued to the object store.",
		},
	)
	ObjectStorePutFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ingestd_objectstore_put_failures_total",
			Help: "Total PUTs that exhausted retries or failed fatally.",
		},
	)

	HLSVariantEncodeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ingestd_hls_variant_encode_duration_seconds",
			Help:    "Duration of a single HLS variant encode, by rung height.",
			Buckets: prometheus.ExponentialBuckets(5, 2, 10),
		},
		[]string{"height"},
	)
)

// Register registers every metric declared in this package with the default
// Prometheus registry. Call once during process startup.
func Register() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		IngestsStarted,
		IngestsByStatus,
		EncodePermitsInUse,
		EncodePermitsTotal,
		UploadPermitsInUse,
		UploadPermitsTotal,
		ProgressSubscribers,
		ChunkAssemblerStagedBytes,
		ObjectStorePutAttempts,
		ObjectStorePutRetries,
		ObjectStorePutFailures,
		HLSVariantEncodeDuration,
	)
}
