// Package consumer follows the ledger topic and turns committed entries into live notifications.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/segmentio/kafka-go"

	"example.com/greenpoints/internal/outbox"
)

// Reader is the subset of *kafka.Reader the processor drives.
type Reader interface {
	FetchMessage(context.Context) (kafka.Message, error)
	CommitMessages(context.Context, ...kafka.Message) error
	Close() error
}

// Handler reacts to one decoded ledger event.
type Handler interface {
	Handle(context.Context, Message) error
}

// Message is a decoded ledger record.
type Message struct {
	Topic     string
	Partition int
	Offset    int64
	Timestamp time.Time
	EventType string
	UserID    string
	SchemaID  int
	Payload   json.RawMessage
}

// Option configures a Processor.
type Option func(*Processor)

// WithLogger overrides the processor logger.
func WithLogger(logger *log.Logger) Option {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithHandlerRetries sets how many times a failing handler is retried before the
// message is committed anyway.
func WithHandlerRetries(n int, backoff time.Duration) Option {
	return func(p *Processor) {
		if n >= 0 {
			p.retries = n
		}
		if backoff > 0 {
			p.backoff = backoff
		}
	}
}

// Processor fetches ledger records, hands them to a Handler and commits offsets.
// Notifications are refresh cues, so a message that keeps failing is committed after
// its retries rather than stalling every subscriber behind it.
type Processor struct {
	reader  Reader
	handler Handler
	retries int
	backoff time.Duration
	logger  *log.Logger
}

// NewKafkaReader builds a group reader that starts at the newest offset; earlier
// inserts are already reflected in any total fetched on connect.
func NewKafkaReader(brokers []string, groupID, topic string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:         brokers,
		GroupID:         groupID,
		Topic:           topic,
		MinBytes:        1,
		MaxBytes:        1 << 20,
		MaxWait:         250 * time.Millisecond,
		CommitInterval:  time.Second,
		StartOffset:     kafka.LastOffset,
		ReadLagInterval: -1,
	})
}

// NewProcessor constructs a Processor.
func NewProcessor(reader Reader, handler Handler, opts ...Option) *Processor {
	p := &Processor{
		reader:  reader,
		handler: handler,
		retries: 3,
		backoff: 200 * time.Millisecond,
		logger:  log.New(log.Writer(), "[consumer] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run processes records until ctx ends or the reader is closed.
func (p *Processor) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		record, err := p.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
				return err
			}
			p.logger.Printf("fetch failed: %v", err)
			continue
		}

		outcome := p.process(ctx, record)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := p.reader.CommitMessages(ctx, record); err != nil {
			p.logger.Printf("commit failed topic=%s offset=%d: %v", record.Topic, record.Offset, err)
			continue
		}
		observe(record, outcome)
	}
}

func (p *Processor) process(ctx context.Context, record kafka.Message) string {
	msg, err := decode(record)
	if err != nil {
		p.logger.Printf("undecodable record topic=%s partition=%d offset=%d: %v", record.Topic, record.Partition, record.Offset, err)
		return "decode_error"
	}

	for attempt := 0; ; attempt++ {
		err := p.handler.Handle(ctx, msg)
		if err == nil {
			return "processed"
		}
		if attempt >= p.retries || ctx.Err() != nil {
			p.logger.Printf("giving up on %s user=%s offset=%d after %d attempts: %v", msg.EventType, msg.UserID, msg.Offset, attempt+1, err)
			return "handler_error"
		}
		select {
		case <-ctx.Done():
			return "handler_error"
		case <-time.After(p.backoff << attempt):
		}
	}
}

func decode(record kafka.Message) (Message, error) {
	schemaID, payload, ok := outbox.Unframe(record.Value)
	if !ok {
		return Message{}, fmt.Errorf("value is not registry framed (%d bytes)", len(record.Value))
	}
	eventType, ok := header(record, "event_type")
	if !ok {
		return Message{}, errors.New("missing event_type header")
	}
	userID, _ := header(record, "user_id")

	return Message{
		Topic:     record.Topic,
		Partition: record.Partition,
		Offset:    record.Offset,
		Timestamp: record.Time,
		EventType: eventType,
		UserID:    userID,
		SchemaID:  schemaID,
		Payload:   json.RawMessage(append([]byte(nil), payload...)),
	}, nil
}

func header(record kafka.Message, key string) (string, bool) {
	for _, h := range record.Headers {
		if h.Key == key {
			return string(h.Value), true
		}
	}
	return "", false
}
