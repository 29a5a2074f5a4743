package domain

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"
)

// ErrInvalidRange is returned when a date range cannot be parsed or is inverted.
var ErrInvalidRange = errors.New("invalid date range")

// Ledger is the append-only store of point-earning events.
type Ledger interface {
	Append(ctx context.Context, entry LedgerEntry) error
	TotalFor(ctx context.Context, userID string) (int, error)
	EntriesInRange(ctx context.Context, userID string, start, end time.Time) ([]LedgerEntry, error)
	ListByUser(ctx context.Context, userID string, cursor *Cursor, limit int) ([]LedgerEntry, *Cursor, error)
}

// PointsCache stores derived point totals. Every Invalidate bumps the user's version;
// Set only stores a total computed under the version that is still current, so a
// read that raced an invalidation cannot write its stale sum back.
type PointsCache interface {
	Get(ctx context.Context, userID string) (total int, version int64, ok bool, err error)
	Set(ctx context.Context, userID string, version int64, total int) error
	Invalidate(ctx context.Context, userID string) error
}

// LedgerOption configures a LedgerService.
type LedgerOption func(*LedgerService)

// WithPointsCache enables read-through caching of point totals.
func WithPointsCache(cache PointsCache) LedgerOption {
	return func(s *LedgerService) {
		s.cache = cache
	}
}

// WithLedgerLogger overrides the logger used by the ledger service.
func WithLedgerLogger(logger *log.Logger) LedgerOption {
	return func(s *LedgerService) {
		s.logger = logger
	}
}

// LedgerService answers point queries. The ledger is always the source of truth;
// the cache only shortcuts TotalFor.
type LedgerService struct {
	ledger Ledger
	cache  PointsCache
	logger *log.Logger
}

// NewLedgerService constructs a LedgerService.
func NewLedgerService(ledger Ledger, opts ...LedgerOption) *LedgerService {
	s := &LedgerService{
		ledger: ledger,
		logger: log.New(log.Writer(), "[ledger] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TotalFor returns the sum of points for the user.
func (s *LedgerService) TotalFor(ctx context.Context, userID string) (int, error) {
	if strings.TrimSpace(userID) == "" {
		return 0, ErrUnauthorized
	}
	var (
		version   int64
		cacheable bool
	)
	if s.cache != nil {
		total, v, ok, err := s.cache.Get(ctx, userID)
		switch {
		case err != nil:
			s.logger.Printf("points cache read failed user=%s: %v", userID, err)
		case ok:
			return total, nil
		default:
			version, cacheable = v, true
		}
	}

	total, err := s.ledger.TotalFor(ctx, userID)
	if err != nil {
		return 0, err
	}

	if cacheable {
		if err := s.cache.Set(ctx, userID, version, total); err != nil {
			s.logger.Printf("points cache write failed user=%s: %v", userID, err)
		}
	}
	return total, nil
}

// Invalidate drops any cached total so the next read recomputes from the ledger.
func (s *LedgerService) Invalidate(ctx context.Context, userID string) error {
	if s.cache == nil {
		return nil
	}
	return s.cache.Invalidate(ctx, userID)
}

// EntriesInRange returns the user's entries whose calendar date falls within [start, end].
// Dates use LedgerDateLayout.
func (s *LedgerService) EntriesInRange(ctx context.Context, userID, start, end string) ([]LedgerEntry, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrUnauthorized
	}
	from, err := time.Parse(LedgerDateLayout, strings.TrimSpace(start))
	if err != nil {
		return nil, fmt.Errorf("%w: start: %v", ErrInvalidRange, err)
	}
	to, err := time.Parse(LedgerDateLayout, strings.TrimSpace(end))
	if err != nil {
		return nil, fmt.Errorf("%w: end: %v", ErrInvalidRange, err)
	}
	if to.Before(from) {
		return nil, fmt.Errorf("%w: end before start", ErrInvalidRange)
	}
	return s.ledger.EntriesInRange(ctx, userID, from, to)
}

// ListEntries returns one newest-first page of the user's ledger.
func (s *LedgerService) ListEntries(ctx context.Context, userID string, cursor *Cursor, limit int) ([]LedgerEntry, *Cursor, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, nil, ErrUnauthorized
	}
	if limit <= 0 || limit > 100 {
		limit = 25
	}
	return s.ledger.ListByUser(ctx, userID, cursor, limit)
}
