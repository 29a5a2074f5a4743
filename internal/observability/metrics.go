package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	verificationOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "greenpoints",
		Subsystem: "verification",
		Name:      "outcomes_total",
		Help:      "Number of verification requests that reached a verdict, by category and status.",
	}, []string{"category", "status"})
	verificationFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "greenpoints",
		Subsystem: "verification",
		Name:      "failures_total",
		Help:      "Number of verification requests that failed before a verdict was persisted.",
	}, []string{"stage", "kind"})
	pointsAwarded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "greenpoints",
		Subsystem: "ledger",
		Name:      "points_awarded_total",
		Help:      "Sum of points appended to the ledger, by category.",
	}, []string{"category"})
	upstreamLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "greenpoints",
		Subsystem: "verification",
		Name:      "upstream_latency_seconds",
		Help:      "Latency of calls to the remote classifier.",
		Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32},
	})
	ledgerAppendGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "greenpoints",
		Subsystem: "persistence",
		Name:      "last_ledger_append_timestamp_seconds",
		Help:      "Unix timestamp of the most recent ledger entry persisted.",
	})
	notifierSubscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "greenpoints",
		Subsystem: "notifier",
		Name:      "subscribers",
		Help:      "Number of live ledger change subscriptions.",
	})
)

func init() {
	prometheus.MustRegister(
		verificationOutcomes,
		verificationFailures,
		pointsAwarded,
		upstreamLatency,
		ledgerAppendGauge,
		notifierSubscribers,
	)
}

// RecordVerificationOutcome counts a persisted verdict and the points it awarded.
func RecordVerificationOutcome(category, status string, points int) {
	verificationOutcomes.WithLabelValues(category, status).Inc()
	if points > 0 {
		pointsAwarded.WithLabelValues(category).Add(float64(points))
	}
}

// RecordVerificationFailure counts a request that ended without a persisted verdict.
func RecordVerificationFailure(stage, kind string) {
	verificationFailures.WithLabelValues(stage, kind).Inc()
}

// ObserveUpstreamLatency records how long the classifier call took.
func ObserveUpstreamLatency(d time.Duration) {
	upstreamLatency.Observe(d.Seconds())
}

// RecordLedgerAppended updates the persistence watermark gauge.
func RecordLedgerAppended(ts time.Time) {
	if ts.IsZero() {
		return
	}
	ledgerAppendGauge.Set(float64(ts.Unix()))
}

// SubscriberOpened increments the live subscription gauge.
func SubscriberOpened() { notifierSubscribers.Inc() }

// SubscriberClosed decrements the live subscription gauge.
func SubscriberClosed() { notifierSubscribers.Dec() }
