package consumer

import (
	"context"
	"encoding/json"
	"fmt"

	"example.com/greenpoints/internal/domain"
	"example.com/greenpoints/internal/events"
)

// Invalidator drops derived state for a user.
type Invalidator interface {
	Invalidate(ctx context.Context, userID string) error
}

// Publisher pushes a ledger entry to live subscribers.
type Publisher interface {
	Publish(entry domain.LedgerEntry)
}

// LedgerEventHandler turns ledger.entry_appended events into cache invalidations
// followed by subscriber notifications.
type LedgerEventHandler struct {
	invalidator Invalidator
	publisher   Publisher
}

// NewLedgerEventHandler constructs a LedgerEventHandler.
func NewLedgerEventHandler(invalidator Invalidator, publisher Publisher) *LedgerEventHandler {
	return &LedgerEventHandler{invalidator: invalidator, publisher: publisher}
}

// Handle implements Handler. Other event types are ignored.
func (h *LedgerEventHandler) Handle(ctx context.Context, msg Message) error {
	if msg.EventType != events.LedgerEntryAppendedType {
		return nil
	}

	var evt events.LedgerEntryAppended
	if err := json.Unmarshal(msg.Payload, &evt); err != nil {
		return fmt.Errorf("decode %s: %w", msg.EventType, err)
	}
	if evt.UserID == "" {
		evt.UserID = msg.UserID
	}
	if evt.UserID == "" {
		return fmt.Errorf("ledger event %s has no user", evt.EntryID)
	}

	if h.invalidator != nil {
		if err := h.invalidator.Invalidate(ctx, evt.UserID); err != nil {
			return fmt.Errorf("invalidate points user=%s: %w", evt.UserID, err)
		}
	}
	if h.publisher != nil {
		h.publisher.Publish(evt.Entry())
	}
	return nil
}
