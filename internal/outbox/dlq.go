package outbox

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const maxRetryDelay = time.Hour

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func deadLetter(ctx context.Context, db execer, e Event, reason string) error {
	_, err := db.Exec(ctx,
		`INSERT INTO outbox_dlq (user_id, event_id, event_type, topic, payload, reason, aggregate_type, aggregate_id, schema_subject, partition_key, next_retry_at)
         VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10, NOW())`,
		e.UserID, e.ID, e.Type, e.Topic, e.Payload, reason, e.AggregateType, e.AggregateID, e.Subject, e.Key,
	)
	return err
}

// ReplayStats counts what one replay pass did.
type ReplayStats struct {
	Requeued    int
	Rescheduled int
	Quarantined int
}

// Total is the number of entries the pass touched.
func (s ReplayStats) Total() int { return s.Requeued + s.Rescheduled + s.Quarantined }

// ReplayerOption configures a Replayer.
type ReplayerOption func(*Replayer)

// WithMaxRetries sets how many replays an entry gets before quarantine.
func WithMaxRetries(n int) ReplayerOption {
	return func(r *Replayer) {
		if n > 0 {
			r.maxRetries = n
		}
	}
}

// WithBaseDelay sets the first retry delay; later retries double it up to one hour.
func WithBaseDelay(d time.Duration) ReplayerOption {
	return func(r *Replayer) {
		if d > 0 {
			r.baseDelay = d
		}
	}
}

// WithReplayerLogger overrides the replayer logger.
func WithReplayerLogger(logger *log.Logger) ReplayerOption {
	return func(r *Replayer) {
		r.logger = logger
	}
}

// Replayer moves dead-lettered events back into the outbox, quarantining those that keep failing.
type Replayer struct {
	pool       *pgxpool.Pool
	maxRetries int
	baseDelay  time.Duration
	logger     *log.Logger
}

// NewReplayer constructs a Replayer.
func NewReplayer(pool *pgxpool.Pool, opts ...ReplayerOption) *Replayer {
	r := &Replayer{
		pool:       pool,
		maxRetries: 5,
		baseDelay:  time.Minute,
		logger:     log.New(log.Writer(), "[dlq] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RunOnce handles up to limit due entries in one transaction. Entries locked by a
// concurrent replayer are skipped.
func (r *Replayer) RunOnce(ctx context.Context, limit int) (ReplayStats, error) {
	var stats ReplayStats

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return stats, err
	}
	defer tx.Rollback(ctx)

	due, err := r.due(ctx, tx, limit)
	if err != nil {
		return stats, err
	}

	for _, entry := range due {
		outcome, err := r.handle(ctx, tx, entry)
		if err != nil {
			return ReplayStats{}, fmt.Errorf("dlq entry %d: %w", entry.id, err)
		}
		switch outcome {
		case "requeued":
			stats.Requeued++
		case "rescheduled":
			stats.Rescheduled++
		case "quarantined":
			stats.Quarantined++
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return ReplayStats{}, err
	}
	for _, entry := range due {
		replayOutcomes.WithLabelValues(entry.outcome, entry.event.Type).Inc()
	}
	r.refreshBacklog(ctx)
	return stats, nil
}

func (r *Replayer) due(ctx context.Context, tx pgx.Tx, limit int) ([]*dlqEntry, error) {
	const query = `SELECT dlq_id, user_id, event_id, event_type, topic, payload, aggregate_type, aggregate_id, schema_subject, partition_key, retry_count
        FROM outbox_dlq
        WHERE quarantined_at IS NULL AND (next_retry_at IS NULL OR next_retry_at <= NOW())
        ORDER BY created_at
        LIMIT $1
        FOR UPDATE SKIP LOCKED`

	rows, err := tx.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*dlqEntry, error) {
		entry := &dlqEntry{}
		e := &entry.event
		err := row.Scan(&entry.id, &e.UserID, &e.ID, &e.Type, &e.Topic, &e.Payload, &e.AggregateType, &e.AggregateID, &e.Subject, &e.Key, &entry.retries)
		return entry, err
	})
}

// handle requeues entry inside a savepoint so a failed insert only reschedules that entry.
func (r *Replayer) handle(ctx context.Context, tx pgx.Tx, entry *dlqEntry) (string, error) {
	if entry.retries >= r.maxRetries {
		if _, err := tx.Exec(ctx,
			`UPDATE outbox_dlq SET quarantined_at = NOW(), quarantine_reason = $1 WHERE dlq_id = $2`,
			fmt.Sprintf("gave up after %d retries", entry.retries), entry.id,
		); err != nil {
			return "", err
		}
		r.logger.Printf("quarantined dlq entry %d event_type=%s", entry.id, entry.event.Type)
		entry.outcome = "quarantined"
		return entry.outcome, nil
	}

	requeueErr := r.requeue(ctx, tx, entry.event)
	if requeueErr == nil {
		if _, err := tx.Exec(ctx, `DELETE FROM outbox_dlq WHERE dlq_id = $1`, entry.id); err != nil {
			return "", err
		}
		entry.outcome = "requeued"
		return entry.outcome, nil
	}
	if ctx.Err() != nil {
		return "", errors.Join(requeueErr, ctx.Err())
	}

	delay := retryDelay(r.baseDelay, entry.retries+1)
	if _, err := tx.Exec(ctx,
		`UPDATE outbox_dlq
		    SET retry_count = retry_count + 1,
		        last_attempt_at = NOW(),
		        next_retry_at = NOW() + $1::interval,
		        reason = $2
		  WHERE dlq_id = $3`,
		delay, requeueErr.Error(), entry.id,
	); err != nil {
		return "", err
	}
	r.logger.Printf("requeue of dlq entry %d failed, retrying in %s: %v", entry.id, delay, requeueErr)
	entry.outcome = "rescheduled"
	return entry.outcome, nil
}

func (r *Replayer) requeue(ctx context.Context, tx pgx.Tx, e Event) error {
	if e.Subject == "" {
		return errors.New("missing schema subject")
	}
	if _, ok := schemaFor(e.Type); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEventType, e.Type)
	}

	sp, err := tx.Begin(ctx)
	if err != nil {
		return err
	}
	defer sp.Rollback(ctx)

	if _, err := sp.Exec(ctx,
		`INSERT INTO outbox (user_id, aggregate_type, aggregate_id, event_type, topic, schema_subject, partition_key, payload)
         VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		e.UserID, e.AggregateType, e.AggregateID, e.Type, e.Topic, e.Subject, e.Key, e.Payload,
	); err != nil {
		return err
	}
	return sp.Commit(ctx)
}

func (r *Replayer) refreshBacklog(ctx context.Context) {
	var count int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox_dlq WHERE quarantined_at IS NULL`).Scan(&count); err != nil {
		return
	}
	dlqBacklog.Set(float64(count))
}

// retryDelay doubles base for every attempt after the first, capped at one hour.
func retryDelay(base time.Duration, attempt int) time.Duration {
	delay := base
	for i := 1; i < attempt && delay > 0 && delay < maxRetryDelay; i++ {
		delay *= 2
	}
	if delay <= 0 || delay > maxRetryDelay {
		return maxRetryDelay
	}
	return delay
}

type dlqEntry struct {
	id      int64
	event   Event
	retries int
	outcome string
}
