package consumer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var commitsProcessedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "consumer_commits_processed_total",
	Help: "The total number of firehose commits processed by Consumer",
}, []string{"socket_url"})

var commitsSkippedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "consumer_commits_skipped_total",
	Help: "The total number of firehose commits skipped by Consumer",
}, []string{"reason", "socket_url"})

var opsProcessedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "consumer_ops_processed_total",
	Help: "The total number of repo operations processed by Consumer",
}, []string{"kind", "collection", "socket_url"})

var opsSkippedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "consumer_ops_skipped_total",
	Help: "The total number of repo operations skipped by Consumer",
}, []string{"reason", "socket_url"})

var deletesObservedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "consumer_deletes_observed_total",
	Help: "The total number of record deletions observed by Consumer",
}, []string{"collection", "socket_url"})

var eventProcessingDurationHistogram = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "consumer_event_processing_duration_seconds",
	Help:    "The amount of time it takes to process a firehose event",
	Buckets: prometheus.ExponentialBuckets(0.0001, 2, 15),
}, []string{"socket_url"})

var lastSeqGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "consumer_last_seq",
	Help: "The sequence number of the last event processed",
}, []string{"socket_url"})

var cursorGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "consumer_cursor",
	Help: "The current checkpoint cursor",
}, []string{"socket_url"})

var outputQueueDepthGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "consumer_output_queue_depth",
	Help: "The number of rows waiting to be written",
}, []string{"socket_url"})

var rowsQueuedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "consumer_rows_queued_total",
	Help: "The total number of rows queued for the writer",
}, []string{"socket_url"})

var rowsWrittenCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "consumer_rows_written_total",
	Help: "The total number of rows written to the output sink",
}, []string{"socket_url"})

var shutdownStateGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "consumer_shutdown_state",
	Help: "The shutdown coordinator state (0 running, 4 terminated)",
}, []string{"socket_url"})
