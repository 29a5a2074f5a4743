package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	"example.com/greenpoints/internal/events"
)

func ledgerEvent(id int64, userID string) Event {
	return Event{
		ID:            id,
		UserID:        userID,
		AggregateType: "ledger_entry",
		AggregateID:   "entry",
		Type:          events.LedgerEntryAppendedType,
		Topic:         events.LedgerTopic,
		Subject:       events.LedgerSubject,
		Key:           userID,
		Payload:       json.RawMessage(`{"entry_id":"entry","user_id":"` + userID + `","points":7}`),
	}
}

func newTestDispatcher(w Writer, s SchemaResolver) *Dispatcher {
	d := NewDispatcher(nil, w, s, WithDispatcherLogger(log.New(io.Discard, "", 0)))
	d.now = func() time.Time { return time.Date(2025, 6, 11, 9, 0, 0, 0, time.UTC) }
	return d
}

func TestPublishFramesPayloadAndSetsHeaders(t *testing.T) {
	producer := &stubProducer{}
	registry := &stubRegistry{id: 21}
	d := newTestDispatcher(producer, registry)

	failures := d.publish(context.Background(), []Event{ledgerEvent(1, "user-1"), ledgerEvent(2, "user-2")})
	require.Empty(t, failures)

	require.Len(t, producer.writes, 1)
	require.Equal(t, events.LedgerTopic, producer.writes[0].topic)
	require.Len(t, producer.writes[0].messages, 2)

	first := producer.writes[0].messages[0]
	require.Equal(t, "user-1", string(first.Key))
	require.Equal(t, d.now(), first.Time)

	schemaID, payload, ok := Unframe(first.Value)
	require.True(t, ok)
	require.Equal(t, 21, schemaID)
	require.JSONEq(t, `{"entry_id":"entry","user_id":"user-1","points":7}`, string(payload))

	headers := map[string]string{}
	for _, h := range first.Headers {
		headers[h.Key] = string(h.Value)
	}
	require.Equal(t, events.LedgerEntryAppendedType, headers["event_type"])
	require.Equal(t, "user-1", headers["user_id"])
	require.Equal(t, events.LedgerSubject, headers["schema_subject"])
}

func TestPublishIsolatesUnknownEventTypes(t *testing.T) {
	producer := &stubProducer{}
	d := newTestDispatcher(producer, &stubRegistry{id: 1})

	bad := ledgerEvent(2, "user-1")
	bad.Type = "ledger.unknown"
	failures := d.publish(context.Background(), []Event{ledgerEvent(1, "user-1"), bad})

	require.Len(t, failures, 1)
	require.ErrorIs(t, failures[2], ErrUnknownEventType)
	require.Len(t, producer.writes, 1)
	require.Len(t, producer.writes[0].messages, 1)
}

func TestPublishFailsWholeTopicOnWriteError(t *testing.T) {
	producer := &stubProducer{err: errors.New("broker down")}
	d := newTestDispatcher(producer, &stubRegistry{id: 3})

	failures := d.publish(context.Background(), []Event{ledgerEvent(1, "a"), ledgerEvent(2, "b")})
	require.Len(t, failures, 2)
	require.ErrorContains(t, failures[1], "broker down")
}

func TestPublishSurfacesRegistryErrors(t *testing.T) {
	producer := &stubProducer{}
	d := newTestDispatcher(producer, &stubRegistry{err: errors.New("registry down")})

	failures := d.publish(context.Background(), []Event{ledgerEvent(1, "user-1")})
	require.ErrorContains(t, failures[1], "registry down")
	require.Empty(t, producer.writes)
}

func TestUnframeRejectsShortOrUnframedValues(t *testing.T) {
	_, _, ok := Unframe([]byte{0, 0, 1})
	require.False(t, ok)
	_, _, ok = Unframe([]byte(`{"points":1}`))
	require.False(t, ok)

	id, payload, ok := Unframe(frame(9, []byte(`{}`)))
	require.True(t, ok)
	require.Equal(t, 9, id)
	require.Equal(t, `{}`, string(payload))
}

func TestRetryDelayDoublesAndCaps(t *testing.T) {
	require.Equal(t, time.Minute, retryDelay(time.Minute, 1))
	require.Equal(t, 4*time.Minute, retryDelay(time.Minute, 3))
	require.Equal(t, time.Hour, retryDelay(time.Minute, 12))
	require.Equal(t, time.Hour, retryDelay(time.Minute, 200))
}

func TestProducerStampsTopic(t *testing.T) {
	msgs := []kafka.Message{{Key: []byte("a")}, {Key: []byte("b")}}
	p := NewProducer(ProducerConfig{Brokers: []string{"127.0.0.1:1"}})
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = p.WriteMessages(ctx, events.LedgerTopic, msgs...)
	for _, m := range msgs {
		require.Equal(t, events.LedgerTopic, m.Topic)
	}
}

type stubProducer struct {
	mu     sync.Mutex
	err    error
	writes []writtenBatch
}

type writtenBatch struct {
	topic    string
	messages []kafka.Message
}

func (s *stubProducer) WriteMessages(_ context.Context, topic string, msgs ...kafka.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return s.err
	}
	s.writes = append(s.writes, writtenBatch{topic: topic, messages: append([]kafka.Message(nil), msgs...)})
	return nil
}

type stubRegistry struct {
	mu    sync.Mutex
	id    int
	err   error
	calls int
}

func (s *stubRegistry) SchemaID(context.Context, string, string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls++
	if s.err != nil {
		return 0, s.err
	}
	return s.id, nil
}

func histogramSampleCount(t *testing.T) uint64 {
	t.Helper()

	metric := &dto.Metric{}
	require.NoError(t, batchDuration.Write(metric))
	return metric.GetHistogram().GetSampleCount()
}
