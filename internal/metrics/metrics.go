package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Sync Metrics
	MessagesSynced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailpull_messages_synced_total",
		Help: "Total number of messages written to the local store",
	}, []string{"folder"})

	SyncFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailpull_sync_failures_total",
		Help: "Total number of messages that failed to sync by stage",
	}, []string{"folder", "stage"})

	SyncDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "mailpull_sync_duration_seconds",
		Help:    "Time taken by a full sync pass",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 10), // 0.5s to ~4min
	})

	LastSync = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mailpull_last_sync_timestamp_seconds",
		Help: "Unix time of the last completed folder sync",
	}, []string{"folder"})

	// Remote Metrics
	RemoteRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailpull_remote_requests_total",
		Help: "Total remote service requests by operation and result",
	}, []string{"op", "result"})

	// ID Pool Metrics
	IDPoolFree = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mailpull_id_pool_free",
		Help: "Number of free short ids",
	})

	IDPoolExhausted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailpull_id_pool_exhausted_total",
		Help: "Total allocations that failed on an exhausted pool",
	})
)

// Failure stages
const (
	StageList     = "list"
	StageAllocate = "allocate"
	StageFetch    = "fetch"
	StageStore    = "store"
	StageRecord   = "record"
	StageNoID     = "no_id"
)

// RecordSynced records one message written to a folder
func RecordSynced(folder string) {
	MessagesSynced.WithLabelValues(folder).Inc()
}

// RecordSyncFailure records a message that could not be synced
func RecordSyncFailure(folder, stage string) {
	SyncFailures.WithLabelValues(folder, stage).Inc()
}

// RecordRemoteRequest records a remote call outcome
func RecordRemoteRequest(op string, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	RemoteRequests.WithLabelValues(op, result).Inc()
}

// WriteTextfile writes every registered metric to path in the text
// exposition format, for node_exporter's textfile collector.
func WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, prometheus.DefaultGatherer)
}
