package utils

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector tracks performance metrics across the system. Every
// collector owns its registry so tests can build as many as they like.
// A nil collector is valid and records nothing.
type MetricsCollector struct {
	registry *prometheus.Registry

	requests         prometheus.Counter
	errors           prometheus.Counter
	operationLatency *prometheus.HistogramVec
	voteOutcomes     *prometheus.CounterVec
	txConflicts      *prometheus.CounterVec
	replyCounts      *prometheus.CounterVec
	subscriptions    *prometheus.GaugeVec
	snapshots        *prometheus.CounterVec
	rejectedDocs     *prometheus.CounterVec

	systemStartTime time.Time
}

func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	factory := promauto.With(reg)

	return &MetricsCollector{
		registry: reg,
		requests: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "forum",
			Name:      "http_requests_total",
			Help:      "total HTTP requests served",
		}),
		errors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "forum",
			Name:      "http_errors_total",
			Help:      "total HTTP requests answered with an error",
		}),
		operationLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "forum",
			Name:      "operation_seconds",
			Help:      "histogram of core operation latency",
			Buckets:   prometheus.ExponentialBucketsRange(0.0001, 10, 20),
		}, []string{"operation"}),
		voteOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "forum",
			Name:      "poll_votes_total",
			Help:      "poll vote attempts by outcome",
		}, []string{"outcome"}),
		txConflicts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "forum",
			Name:      "transaction_conflicts_total",
			Help:      "optimistic transaction conflicts by operation",
		}, []string{"operation"}),
		replyCounts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "forum",
			Name:      "reply_count_updates_total",
			Help:      "reply count maintenance by policy and status",
		}, []string{"policy", "status"}),
		subscriptions: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "forum",
			Name:      "active_subscriptions",
			Help:      "live query subscriptions currently open",
		}, []string{"kind"}),
		snapshots: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "forum",
			Name:      "snapshots_delivered_total",
			Help:      "snapshots handed to subscribers",
		}, []string{"kind"}),
		rejectedDocs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "forum",
			Name:      "rejected_documents_total",
			Help:      "malformed documents excluded from snapshots",
		}, []string{"kind"}),
		systemStartTime: time.Now(),
	}
}

func (mc *MetricsCollector) IncrementRequests() {
	if mc == nil {
		return
	}
	mc.requests.Inc()
}

func (mc *MetricsCollector) IncrementErrors() {
	if mc == nil {
		return
	}
	mc.errors.Inc()
}

func (mc *MetricsCollector) AddOperationLatency(operationName string, duration time.Duration) {
	if mc == nil {
		return
	}
	mc.operationLatency.WithLabelValues(operationName).Observe(duration.Seconds())
}

// RecordVote counts a poll vote by outcome: ok, already_voted, not_found,
// invalid, transient or error.
func (mc *MetricsCollector) RecordVote(outcome string) {
	if mc == nil {
		return
	}
	mc.voteOutcomes.WithLabelValues(outcome).Inc()
}

func (mc *MetricsCollector) RecordConflict(operationName string) {
	if mc == nil {
		return
	}
	mc.txConflicts.WithLabelValues(operationName).Inc()
}

func (mc *MetricsCollector) RecordReplyCount(policy, status string) {
	if mc == nil {
		return
	}
	mc.replyCounts.WithLabelValues(policy, status).Inc()
}

func (mc *MetricsCollector) SubscriptionOpened(kind string) {
	if mc == nil {
		return
	}
	mc.subscriptions.WithLabelValues(kind).Inc()
}

func (mc *MetricsCollector) SubscriptionClosed(kind string) {
	if mc == nil {
		return
	}
	mc.subscriptions.WithLabelValues(kind).Dec()
}

func (mc *MetricsCollector) RecordSnapshot(kind string, rejected int) {
	if mc == nil {
		return
	}
	mc.snapshots.WithLabelValues(kind).Inc()
	if rejected > 0 {
		mc.rejectedDocs.WithLabelValues(kind).Add(float64(rejected))
	}
}

func (mc *MetricsCollector) Uptime() time.Duration {
	if mc == nil {
		return 0
	}
	return time.Since(mc.systemStartTime)
}

// Registry exposes the underlying registry, mostly for tests.
func (mc *MetricsCollector) Registry() *prometheus.Registry {
	return mc.registry
}

// Handler serves the collector's registry in the prometheus text format.
func (mc *MetricsCollector) Handler() http.Handler {
	return promhttp.HandlerFor(mc.registry, promhttp.HandlerOpts{Registry: mc.registry})
}
