// Package outbox relays committed ledger events from Postgres to Kafka.
package outbox

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/segmentio/kafka-go"
)

// Writer publishes messages to a topic.
type Writer interface {
	WriteMessages(ctx context.Context, topic string, msgs ...kafka.Message) error
}

// SchemaResolver maps a subject and schema to the registry id used for framing.
type SchemaResolver interface {
	SchemaID(ctx context.Context, subject, schema string) (int, error)
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithPollInterval sets the wait between empty polls.
func WithPollInterval(d time.Duration) DispatcherOption {
	return func(di *Dispatcher) {
		if d > 0 {
			di.pollInterval = d
		}
	}
}

// WithBatchSize bounds how many events are claimed per poll.
func WithBatchSize(n int) DispatcherOption {
	return func(di *Dispatcher) {
		if n > 0 {
			di.batchSize = n
		}
	}
}

// WithClaimLease sets how long a claimed but unsettled event stays hidden from other dispatchers.
func WithClaimLease(d time.Duration) DispatcherOption {
	return func(di *Dispatcher) {
		if d > 0 {
			di.claimLease = d
		}
	}
}

// WithDispatcherLogger overrides the dispatcher logger.
func WithDispatcherLogger(logger *log.Logger) DispatcherOption {
	return func(di *Dispatcher) {
		di.logger = logger
	}
}

// Dispatcher drains the outbox table. Every claimed event ends either published or
// dead-lettered; one bad event never holds back the rest of its batch.
type Dispatcher struct {
	pool         *pgxpool.Pool
	writer       Writer
	schemas      SchemaResolver
	pollInterval time.Duration
	batchSize    int
	claimLease   time.Duration
	logger       *log.Logger
	now          func() time.Time
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(pool *pgxpool.Pool, writer Writer, schemas SchemaResolver, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		pool:         pool,
		writer:       writer,
		schemas:      schemas,
		pollInterval: 2 * time.Second,
		batchSize:    25,
		claimLease:   time.Minute,
		logger:       log.New(log.Writer(), "[outbox] ", log.LstdFlags),
		now:          func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run polls until ctx ends. A full batch is followed immediately by another poll.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Printf("dispatcher started (interval=%s, batch=%d)", d.pollInterval, d.batchSize)
	for {
		claimed, err := d.drain(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Printf("drain failed: %v", err)
		}

		wait := d.pollInterval
		if err == nil && claimed == d.batchSize {
			wait = 0
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// drain claims one batch, publishes it and settles every claimed event.
func (d *Dispatcher) drain(ctx context.Context) (int, error) {
	start := time.Now()
	batch, err := d.claim(ctx)
	if err != nil || len(batch) == 0 {
		return 0, err
	}
	defer func() { batchDuration.Observe(time.Since(start).Seconds()) }()

	failures := d.publish(ctx, batch)
	if ctx.Err() != nil {
		// Leave the claim to lapse so the batch is retried rather than dead-lettered.
		return len(batch), ctx.Err()
	}
	if err := d.settle(ctx, batch, failures); err != nil {
		return len(batch), fmt.Errorf("settle batch: %w", err)
	}

	outboxEvents.WithLabelValues("delivered").Add(float64(len(batch) - len(failures)))
	outboxEvents.WithLabelValues("dead_lettered").Add(float64(len(failures)))
	return len(batch), nil
}

// claim stamps up to batchSize unpublished events whose previous claim, if any, has lapsed.
func (d *Dispatcher) claim(ctx context.Context) ([]Event, error) {
	const query = `UPDATE outbox SET claimed_at = NOW()
        WHERE event_id IN (
            SELECT event_id FROM outbox
            WHERE published_at IS NULL AND (claimed_at IS NULL OR claimed_at < NOW() - $2::interval)
            ORDER BY event_id
            LIMIT $1
            FOR UPDATE SKIP LOCKED)
        RETURNING event_id, user_id, aggregate_type, aggregate_id, event_type, topic, schema_subject, partition_key, payload`

	rows, err := d.pool.Query(ctx, query, d.batchSize, d.claimLease)
	if err != nil {
		return nil, err
	}
	batch, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Event, error) {
		var e Event
		err := row.Scan(&e.ID, &e.UserID, &e.AggregateType, &e.AggregateID, &e.Type, &e.Topic, &e.Subject, &e.Key, &e.Payload)
		return e, err
	})
	if err != nil {
		return nil, err
	}
	// RETURNING does not preserve the subquery order.
	slices.SortFunc(batch, func(a, b Event) int { return cmp.Compare(a.ID, b.ID) })
	return batch, nil
}

// publish writes batch grouped by topic and reports the events that could not be delivered.
func (d *Dispatcher) publish(ctx context.Context, batch []Event) map[int64]error {
	failures := make(map[int64]error)
	at := d.now()

	var topics []string
	byTopic := make(map[string][]Event)
	records := make(map[string][]kafka.Message)
	for _, e := range batch {
		schema, ok := schemaFor(e.Type)
		if !ok {
			failures[e.ID] = fmt.Errorf("%w: %s", ErrUnknownEventType, e.Type)
			continue
		}
		id, err := d.schemas.SchemaID(ctx, e.Subject, schema)
		if err != nil {
			failures[e.ID] = fmt.Errorf("resolve schema %s: %w", e.Subject, err)
			continue
		}
		if _, seen := byTopic[e.Topic]; !seen {
			topics = append(topics, e.Topic)
		}
		byTopic[e.Topic] = append(byTopic[e.Topic], e)
		records[e.Topic] = append(records[e.Topic], e.record(id, at))
	}

	for _, topic := range topics {
		if err := d.writer.WriteMessages(ctx, topic, records[topic]...); err != nil {
			d.logger.Printf("publish failed topic=%s events=%d: %v", topic, len(records[topic]), err)
			for _, e := range byTopic[topic] {
				failures[e.ID] = fmt.Errorf("write %s: %w", topic, err)
			}
		}
	}
	return failures
}

// settle dead-letters failures and marks the whole batch published in one transaction.
func (d *Dispatcher) settle(ctx context.Context, batch []Event, failures map[int64]error) error {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	ids := make([]int64, 0, len(batch))
	for _, e := range batch {
		ids = append(ids, e.ID)
		if cause, failed := failures[e.ID]; failed {
			if err := deadLetter(ctx, tx, e, cause.Error()); err != nil {
				return err
			}
		}
	}
	if _, err := tx.Exec(ctx, `UPDATE outbox SET published_at = NOW() WHERE event_id = ANY($1)`, ids); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}

	for _, e := range batch {
		if _, failed := failures[e.ID]; failed {
			dlqRouted.WithLabelValues(e.Topic).Inc()
		}
	}
	return nil
}
