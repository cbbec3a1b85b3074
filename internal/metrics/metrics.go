// Package metrics declares the Prometheus collectors exported by the aggregator.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Dispatch triggers.
const (
	TriggerEager = "eager"
	TriggerIdle  = "idle"
	TriggerFlush = "flush"
)

// Dispatch outcomes.
const (
	ResultSuccess = "success"
	ResultError   = "error"
)

var (
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "aggregator_build_info",
		Help: "Build information of the aggregator",
	}, []string{"version", "commit", "date"})

	Dispatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aggregator_dispatches_total", Help: "Downstream batch calls by kind, trigger and outcome.",
	}, []string{"kind", "trigger", "result"})
	DispatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "aggregator_dispatch_duration_seconds",
		Help:    "Duration of downstream batch calls.",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})
	DispatchesInflight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "aggregator_dispatches_inflight", Help: "Downstream batch calls currently in flight.",
	}, []string{"kind"})
	BatchSize = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "aggregator_batch_size",
		Help:    "Number of keys drained per dispatch.",
		Buckets: prometheus.LinearBuckets(1, 1, 10),
	}, []string{"kind"})
	AbsentResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aggregator_absent_results_total", Help: "Keys resolved without data, by kind.",
	}, []string{"kind"})

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "aggregator_queue_depth", Help: "Keys waiting to be drained, by kind.",
	}, []string{"kind"})
	StoredResults = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "aggregator_stored_results", Help: "Result store entries, by kind.",
	}, []string{"kind"})

	Requests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aggregator_requests_total", Help: "Aggregation requests by outcome.",
	}, []string{"result"})
	DownstreamUp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "aggregator_downstream_up", Help: "1 while the downstream service passes health checks.",
	})

	PollWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "aggregator_poll_wait_seconds",
		Help:    "Time callers spent waiting for their results.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	})
)
