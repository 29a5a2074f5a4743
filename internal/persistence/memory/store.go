// Package memory provides an in-process store for local development and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"example.com/greenpoints/internal/domain"
	"example.com/greenpoints/internal/observability"
)

// Store keeps verification records and ledger entries in memory.
type Store struct {
	mu       sync.RWMutex
	records  []domain.VerificationRecord
	entries  []domain.LedgerEntry
	onAppend func(domain.LedgerEntry)
}

// Option configures a Store.
type Option func(*Store)

// WithAppendHook registers fn to run after every committed ledger append.
func WithAppendHook(fn func(domain.LedgerEntry)) Option {
	return func(s *Store) {
		s.onAppend = fn
	}
}

// NewStore constructs an empty Store.
func NewStore(opts ...Option) *Store {
	s := &Store{}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RecordVerification stores the audit row and the optional ledger entry together.
func (s *Store) RecordVerification(ctx context.Context, record domain.VerificationRecord, award *domain.LedgerEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.records = append(s.records, record)
	if award != nil {
		s.entries = append(s.entries, *award)
	}
	s.mu.Unlock()

	if award != nil {
		s.appended(*award)
	}
	return nil
}

// Append adds a ledger entry.
func (s *Store) Append(ctx context.Context, entry domain.LedgerEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.entries = append(s.entries, entry)
	s.mu.Unlock()

	s.appended(entry)
	return nil
}

func (s *Store) appended(entry domain.LedgerEntry) {
	observability.RecordLedgerAppended(entry.CreatedAt)
	if s.onAppend != nil {
		s.onAppend(entry)
	}
}

// TotalFor sums the user's points.
func (s *Store) TotalFor(ctx context.Context, userID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := 0
	for _, e := range s.entries {
		if e.UserID == userID {
			total += e.Points
		}
	}
	return total, nil
}

// EntriesInRange returns entries whose calendar date is within [start, end], oldest first.
func (s *Store) EntriesInRange(ctx context.Context, userID string, start, end time.Time) ([]domain.LedgerEntry, error) {
	from := start.Format(domain.LedgerDateLayout)
	to := end.Format(domain.LedgerDateLayout)

	s.mu.RLock()
	out := make([]domain.LedgerEntry, 0)
	for _, e := range s.entries {
		if e.UserID == userID && e.Date >= from && e.Date <= to {
			out = append(out, e)
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ListByUser returns a newest-first page of entries strictly after cursor.
func (s *Store) ListByUser(ctx context.Context, userID string, cursor *domain.Cursor, limit int) ([]domain.LedgerEntry, *domain.Cursor, error) {
	s.mu.RLock()
	all := make([]domain.LedgerEntry, 0)
	for _, e := range s.entries {
		if e.UserID == userID {
			all = append(all, e)
		}
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID > all[j].ID
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	results := make([]domain.LedgerEntry, 0, limit)
	for _, e := range all {
		if cursor != nil && !before(e, *cursor) {
			continue
		}
		results = append(results, e)
		if len(results) == limit {
			break
		}
	}

	var next *domain.Cursor
	if len(results) == limit {
		last := results[len(results)-1]
		next = &domain.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}
	}
	return results, next, nil
}

// before reports whether e sorts after the cursor position in newest-first order.
func before(e domain.LedgerEntry, c domain.Cursor) bool {
	if e.CreatedAt.Equal(c.CreatedAt) {
		return e.ID < c.ID
	}
	return e.CreatedAt.Before(c.CreatedAt)
}

// Counts reports how many verification records and ledger entries are stored across all users.
func (s *Store) Counts() (records, entries int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records), len(s.entries)
}

// Records returns a copy of the stored verification records for userID.
func (s *Store) Records(userID string) []domain.VerificationRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.VerificationRecord, 0)
	for _, r := range s.records {
		if r.UserID == userID {
			out = append(out, r)
		}
	}
	return out
}

// Entries returns a copy of the stored ledger entries for userID.
func (s *Store) Entries(userID string) []domain.LedgerEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.LedgerEntry, 0)
	for _, e := range s.entries {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	return out
}
