package coprocessor

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	coprPendingReqs = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "tikv",
			Subsystem: "coprocessor",
			Name:      "pending_request",
			Help:      "Outstanding coprocessor requests.",
		}, []string{"type", "priority"})

	coprReqHistogram = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tikv",
			Subsystem: "coprocessor",
			Name:      "request_duration_seconds",
			Help:      "Total time a request spends in the endpoint.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 20),
		}, []string{"type"})

	coprHandleTimeHistogram = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tikv",
			Subsystem: "coprocessor",
			Name:      "request_handle_seconds",
			Help:      "Time spent handling requests on worker pools.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 20),
		}, []string{"type"})

	coprWaitTimeHistogram = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tikv",
			Subsystem: "coprocessor",
			Name:      "request_wait_seconds",
			Help:      "Time requests wait before a worker picks them up.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 20),
		}, []string{"type"})

	coprOutdateTimeHistogram = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tikv",
			Subsystem: "coprocessor",
			Name:      "outdated_request_wait_seconds",
			Help:      "Elapsed time of requests dropped as outdated.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}, []string{"type"})

	coprScanKeysHistogram = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tikv",
			Subsystem: "coprocessor",
			Name:      "scan_keys",
			Help:      "Keys touched per request.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 20),
		}, []string{"type"})

	coprErrorCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tikv",
			Subsystem: "coprocessor",
			Name:      "request_error",
			Help:      "Failed requests by error kind.",
		}, []string{"reason"})

	coprBatchRequestTasks = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tikv",
			Subsystem: "coprocessor",
			Name:      "batch_request_tasks",
			Help:      "Snapshot batch sizes.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}, []string{"type"})

	coprScanDetailsCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tikv",
			Subsystem: "coprocessor",
			Name:      "scan_details",
			Help:      "Keys scanned per request type, column family and tag.",
		}, []string{"type", "cf", "tag"})
)

func init() {
	prometheus.MustRegister(coprPendingReqs)
	prometheus.MustRegister(coprReqHistogram)
	prometheus.MustRegister(coprHandleTimeHistogram)
	prometheus.MustRegister(coprWaitTimeHistogram)
	prometheus.MustRegister(coprOutdateTimeHistogram)
	prometheus.MustRegister(coprScanKeysHistogram)
	prometheus.MustRegister(coprErrorCounter)
	prometheus.MustRegister(coprBatchRequestTasks)
	prometheus.MustRegister(coprScanDetailsCounter)
}
