// Package events defines the event payloads exchanged over Kafka.
package events

import (
	"time"

	"example.com/greenpoints/internal/domain"
)

// Event types and routing.
const (
	LedgerEntryAppendedType = "ledger.entry_appended"
	LedgerTopic             = "ledger_events"
	LedgerSubject           = "ledger_events-value"
)

// LedgerEntryAppended is emitted once per committed ledger row.
type LedgerEntryAppended struct {
	EntryID    string    `json:"entry_id"`
	UserID     string    `json:"user_id"`
	ActionType string    `json:"action_type"`
	Points     int       `json:"points"`
	Date       string    `json:"date"`
	Day        string    `json:"day"`
	CreatedAt  time.Time `json:"created_at"`
}

// FromEntry builds the event for a ledger entry.
func FromEntry(e domain.LedgerEntry) LedgerEntryAppended {
	return LedgerEntryAppended{
		EntryID:    e.ID,
		UserID:     e.UserID,
		ActionType: string(e.Category),
		Points:     e.Points,
		Date:       e.Date,
		Day:        e.Day,
		CreatedAt:  e.CreatedAt,
	}
}

// Entry converts the event back into a ledger entry.
func (e LedgerEntryAppended) Entry() domain.LedgerEntry {
	return domain.LedgerEntry{
		ID:        e.EntryID,
		UserID:    e.UserID,
		Category:  domain.ActionCategory(e.ActionType),
		Points:    e.Points,
		Date:      e.Date,
		Day:       e.Day,
		CreatedAt: e.CreatedAt,
	}
}
