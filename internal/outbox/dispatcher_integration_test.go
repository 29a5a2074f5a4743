//go:build integration

package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"example.com/greenpoints/internal/events"
	"example.com/greenpoints/internal/testsupport"
)

func TestDispatcherPublishesEvents(t *testing.T) {
	ctx := context.Background()
	pool, cleanup := testsupport.StartPostgres(ctx, t)
	defer cleanup()

	userID := uuid.NewString()
	require.NotZero(t, seedOutbox(t, ctx, pool, userID, uuid.NewString(), events.LedgerEntryAppendedType))

	producer := &stubProducer{}
	dispatcher := NewDispatcher(pool, producer, &stubRegistry{id: 42}, WithBatchSize(5), WithDispatcherLogger(quietLogger))

	beforeDelivered := testutil.ToFloat64(outboxEvents.WithLabelValues("delivered"))
	beforeHistogram := histogramSampleCount(t)

	claimed, err := dispatcher.drain(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, claimed)

	require.Len(t, producer.writes, 1)
	require.Equal(t, events.LedgerTopic, producer.writes[0].topic)
	require.Equal(t, userID, string(producer.writes[0].messages[0].Key))

	require.InDelta(t, beforeDelivered+1, testutil.ToFloat64(outboxEvents.WithLabelValues("delivered")), 0.0001)
	require.Greater(t, histogramSampleCount(t), beforeHistogram)

	var published int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE published_at IS NOT NULL`).Scan(&published))
	require.Equal(t, 1, published)

	claimed, err = dispatcher.drain(ctx)
	require.NoError(t, err)
	require.Zero(t, claimed)
}

func TestDispatcherSkipsEventsClaimedByAnotherInstance(t *testing.T) {
	ctx := context.Background()
	pool, cleanup := testsupport.StartPostgres(ctx, t)
	defer cleanup()

	eventID := seedOutbox(t, ctx, pool, uuid.NewString(), uuid.NewString(), events.LedgerEntryAppendedType)
	_, err := pool.Exec(ctx, `UPDATE outbox SET claimed_at = NOW() WHERE event_id = $1`, eventID)
	require.NoError(t, err)

	dispatcher := NewDispatcher(pool, &stubProducer{}, &stubRegistry{id: 1}, WithClaimLease(time.Hour), WithDispatcherLogger(quietLogger))
	claimed, err := dispatcher.drain(ctx)
	require.NoError(t, err)
	require.Zero(t, claimed)

	_, err = pool.Exec(ctx, `UPDATE outbox SET claimed_at = NOW() - INTERVAL '2 hours' WHERE event_id = $1`, eventID)
	require.NoError(t, err)
	claimed, err = dispatcher.drain(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, claimed, "a lapsed claim is picked up again")
}

func TestDispatcherRoutesFailuresToDLQ(t *testing.T) {
	ctx := context.Background()
	pool, cleanup := testsupport.StartPostgres(ctx, t)
	defer cleanup()

	userID := uuid.NewString()
	require.NotZero(t, seedOutbox(t, ctx, pool, userID, uuid.NewString(), events.LedgerEntryAppendedType))

	dispatcher := NewDispatcher(pool, &stubProducer{err: errors.New("kafka write failed")}, &stubRegistry{id: 7}, WithDispatcherLogger(quietLogger))

	beforeDLQ := testutil.ToFloat64(dlqRouted.WithLabelValues(events.LedgerTopic))
	_, err := dispatcher.drain(ctx)
	require.NoError(t, err)
	require.InDelta(t, beforeDLQ+1, testutil.ToFloat64(dlqRouted.WithLabelValues(events.LedgerTopic)), 0.0001)

	var reason string
	require.NoError(t, pool.QueryRow(ctx, `SELECT reason FROM outbox_dlq WHERE user_id = $1`, userID).Scan(&reason))
	require.Contains(t, reason, "kafka write failed")

	var published int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE published_at IS NOT NULL`).Scan(&published))
	require.Equal(t, 1, published)
}

func TestReplayerRequeuesAndQuarantines(t *testing.T) {
	ctx := context.Background()
	pool, cleanup := testsupport.StartPostgres(ctx, t)
	defer cleanup()

	userID := uuid.NewString()
	eventID := seedOutbox(t, ctx, pool, userID, uuid.NewString(), events.LedgerEntryAppendedType)

	dispatcher := NewDispatcher(pool, &stubProducer{err: errors.New("broker down")}, &stubRegistry{id: 3}, WithDispatcherLogger(quietLogger))
	_, err := dispatcher.drain(ctx)
	require.NoError(t, err)

	replayer := NewReplayer(pool, WithMaxRetries(1), WithBaseDelay(time.Second), WithReplayerLogger(quietLogger))
	stats, err := replayer.RunOnce(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, ReplayStats{Requeued: 1}, stats)

	var pending int
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM outbox WHERE published_at IS NULL AND user_id = $1 AND event_id <> $2`, userID, eventID,
	).Scan(&pending))
	require.Equal(t, 1, pending, "dlq entry should be replayed into the outbox")

	var remaining int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox_dlq`).Scan(&remaining))
	require.Zero(t, remaining)

	_, err = pool.Exec(ctx,
		`INSERT INTO outbox_dlq (user_id, event_id, event_type, topic, payload, reason, aggregate_type, aggregate_id, schema_subject, partition_key, retry_count)
         VALUES ($1, 0, $2, $3, '{}', 'stuck', 'ledger_entry', 'x', $4, $1, 5)`,
		userID, events.LedgerEntryAppendedType, events.LedgerTopic, events.LedgerSubject)
	require.NoError(t, err)
	_, err = pool.Exec(ctx,
		`INSERT INTO outbox_dlq (user_id, event_id, event_type, topic, payload, reason, aggregate_type, aggregate_id, schema_subject, partition_key)
         VALUES ($1, 0, 'ledger.unknown', $2, '{}', 'bad type', 'ledger_entry', 'y', $3, $1)`,
		userID, events.LedgerTopic, events.LedgerSubject)
	require.NoError(t, err)

	stats, err = replayer.RunOnce(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, ReplayStats{Rescheduled: 1, Quarantined: 1}, stats)

	var retries int
	require.NoError(t, pool.QueryRow(ctx, `SELECT retry_count FROM outbox_dlq WHERE event_type = 'ledger.unknown'`).Scan(&retries))
	require.Equal(t, 1, retries)
}

var quietLogger = log.New(io.Discard, "", 0)

func seedOutbox(t *testing.T, ctx context.Context, pool *pgxpool.Pool, userID, aggregateID, eventType string) int64 {
	t.Helper()

	payloadBytes, err := json.Marshal(events.LedgerEntryAppended{
		EntryID:    aggregateID,
		UserID:     userID,
		ActionType: "recycle",
		Points:     7,
		Date:       "2025-06-11",
		Day:        "Wed",
		CreatedAt:  time.Now().UTC(),
	})
	require.NoError(t, err)

	var eventID int64
	require.NoError(t, pool.QueryRow(ctx,
		`INSERT INTO outbox (user_id, aggregate_type, aggregate_id, event_type, topic, schema_subject, partition_key, payload)
         VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
         RETURNING event_id`,
		userID,
		"ledger_entry",
		aggregateID,
		eventType,
		events.LedgerTopic,
		events.LedgerSubject,
		userID,
		payloadBytes,
	).Scan(&eventID))
	return eventID
}
