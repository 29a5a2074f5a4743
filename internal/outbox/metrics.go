package outbox

import "github.com/prometheus/client_golang/prometheus"

var (
	outboxEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "greenpoints",
		Subsystem: "outbox",
		Name:      "events_total",
		Help:      "Ledger events settled by the dispatcher, by outcome.",
	}, []string{"outcome"})

	batchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "greenpoints",
		Subsystem: "outbox",
		Name:      "batch_duration_seconds",
		Help:      "Time spent publishing and settling one claimed batch.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
	})

	dlqRouted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "greenpoints",
		Subsystem: "outbox",
		Name:      "dead_lettered_total",
		Help:      "Events moved to the dead-letter table, by topic.",
	}, []string{"topic"})

	replayOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "greenpoints",
		Subsystem: "dlq",
		Name:      "entries_total",
		Help:      "Dead-letter entries handled by the replayer, by outcome and event type.",
	}, []string{"outcome", "event_type"})

	dlqBacklog = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "greenpoints",
		Subsystem: "dlq",
		Name:      "backlog",
		Help:      "Dead-letter entries that are neither replayed nor quarantined.",
	})
)

func init() {
	prometheus.MustRegister(outboxEvents, batchDuration, dlqRouted, replayOutcomes, dlqBacklog)
}
