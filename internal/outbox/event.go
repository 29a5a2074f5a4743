package outbox

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"

	"example.com/greenpoints/internal/events"
)

// ErrUnknownEventType marks an outbox row whose type has no registered schema.
var ErrUnknownEventType = errors.New("no schema for event type")

// Event is an outbox row awaiting delivery.
type Event struct {
	ID            int64
	UserID        string
	AggregateType string
	AggregateID   string
	Type          string
	Topic         string
	Subject       string
	Key           string
	Payload       json.RawMessage
}

// record renders e as a Kafka message framed with schemaID.
func (e Event) record(schemaID int, at time.Time) kafka.Message {
	return kafka.Message{
		Key:   []byte(e.Key),
		Value: frame(schemaID, e.Payload),
		Time:  at,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(e.Type)},
			{Key: "user_id", Value: []byte(e.UserID)},
			{Key: "schema_subject", Value: []byte(e.Subject)},
		},
	}
}

// frame prefixes payload with the registry magic byte and the big-endian schema id.
func frame(schemaID int, payload []byte) []byte {
	out := make([]byte, 5, 5+len(payload))
	binary.BigEndian.PutUint32(out[1:5], uint32(schemaID))
	return append(out, payload...)
}

// Unframe splits a registry-framed value into schema id and payload.
func Unframe(value []byte) (int, []byte, bool) {
	if len(value) < 5 || value[0] != 0 {
		return 0, nil, false
	}
	return int(binary.BigEndian.Uint32(value[1:5])), value[5:], true
}

func schemaFor(eventType string) (string, bool) {
	switch eventType {
	case events.LedgerEntryAppendedType:
		return ledgerEntryAppendedSchema, true
	default:
		return "", false
	}
}

const ledgerEntryAppendedSchema = `{
  "type": "object",
  "title": "LedgerEntryAppended",
  "properties": {
    "entry_id": {"type": "string"},
    "user_id": {"type": "string"},
    "action_type": {"type": "string"},
    "points": {"type": "integer", "minimum": 0},
    "date": {"type": "string", "format": "date"},
    "day": {"type": "string"},
    "created_at": {"type": "string", "format": "date-time"}
  },
  "required": ["entry_id", "user_id", "action_type", "points", "date", "day", "created_at"],
  "additionalProperties": false
}`
