package consumer

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/segmentio/kafka-go"
)

var (
	recordsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "greenpoints",
		Subsystem: "consumer",
		Name:      "records_total",
		Help:      "Ledger records committed by the consumer, by topic and outcome.",
	}, []string{"topic", "outcome"})

	deliveryLag = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "greenpoints",
		Subsystem: "consumer",
		Name:      "delivery_lag_seconds",
		Help:      "Time between a ledger record being produced and handled.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	})
)

func init() {
	prometheus.MustRegister(recordsCounter, deliveryLag)
}

func observe(record kafka.Message, outcome string) {
	recordsCounter.WithLabelValues(record.Topic, outcome).Inc()
	if outcome == "processed" && !record.Time.IsZero() {
		deliveryLag.Observe(time.Since(record.Time).Seconds())
	}
}
