package outbox

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
)

// ProducerConfig tunes the Kafka writer.
type ProducerConfig struct {
	Brokers []string
	// BatchTimeout caps how long the writer waits to fill a batch. Ledger inserts drive live
	// point updates, so the default is short.
	BatchTimeout     time.Duration
	AutoCreateTopics bool
}

// Producer publishes to any topic through a single writer. Messages are hashed on their
// key, so one user's events stay ordered within a partition.
type Producer struct {
	writer *kafka.Writer
}

// NewProducer creates a Producer.
func NewProducer(cfg ProducerConfig) *Producer {
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 10 * time.Millisecond
	}
	return &Producer{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			Compression:            kafka.Snappy,
			BatchTimeout:           cfg.BatchTimeout,
			AllowAutoTopicCreation: cfg.AutoCreateTopics,
		},
	}
}

// WriteMessages stamps topic on msgs and writes them synchronously.
func (p *Producer) WriteMessages(ctx context.Context, topic string, msgs ...kafka.Message) error {
	for i := range msgs {
		msgs[i].Topic = topic
	}
	return p.writer.WriteMessages(ctx, msgs...)
}

// Close flushes and releases the writer.
func (p *Producer) Close() error {
	return p.writer.Close()
}
