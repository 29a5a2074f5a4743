package points

import (
	"context"
	"log"
	"sync"
	"time"

	"example.com/greenpoints/internal/domain"
)

// TotalSource recomputes the authoritative total.
type TotalSource interface {
	Total(ctx context.Context) (int, error)
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithOnChange registers fn to run after every successful recompute.
func WithOnChange(fn func(total int)) TrackerOption {
	return func(t *Tracker) {
		t.onChange = fn
	}
}

// WithTrackerLogger overrides the tracker logger.
func WithTrackerLogger(logger *log.Logger) TrackerOption {
	return func(t *Tracker) {
		t.logger = logger
	}
}

// Tracker holds a displayed total that is only ever refreshed from the source.
// Invalidations arriving during a recompute collapse into one follow-up recompute.
type Tracker struct {
	source   TotalSource
	onChange func(int)
	logger   *log.Logger
	dirty    chan struct{}

	mu    sync.RWMutex
	total int
	known bool
}

// NewTracker constructs a Tracker.
func NewTracker(source TotalSource, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		source: source,
		dirty:  make(chan struct{}, 1),
		logger: log.New(log.Writer(), "[points] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Invalidate schedules a recompute. It never blocks.
func (t *Tracker) Invalidate() {
	select {
	case t.dirty <- struct{}{}:
	default:
	}
}

// OnInsert adapts a ledger notification into an invalidation.
func (t *Tracker) OnInsert(domain.LedgerEntry) { t.Invalidate() }

// Total returns the last recomputed total and whether one exists yet.
func (t *Tracker) Total() (int, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.total, t.known
}

// Refresh recomputes immediately.
func (t *Tracker) Refresh(ctx context.Context) (int, error) {
	total, err := t.source.Total(ctx)
	if err != nil {
		return 0, err
	}
	t.mu.Lock()
	t.total, t.known = total, true
	t.mu.Unlock()
	if t.onChange != nil {
		t.onChange(total)
	}
	return total, nil
}

// Run recomputes once, then again after every invalidation, until ctx ends.
func (t *Tracker) Run(ctx context.Context) error {
	t.Invalidate()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.dirty:
			if _, err := t.Refresh(ctx); err != nil && ctx.Err() == nil {
				t.logger.Printf("points refresh failed: %v", err)
			}
		}
	}
}

// Follow keeps a stream open, reconnecting after failures. Every (re)connect
// invalidates the tracker because inserts may have been missed while disconnected.
func Follow(ctx context.Context, client *Client, tracker *Tracker, retry time.Duration) error {
	if retry <= 0 {
		retry = 2 * time.Second
	}
	delay := retry
	for {
		tracker.Invalidate()
		err := client.Stream(ctx, tracker.OnInsert)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			tracker.logger.Printf("points stream dropped, retrying in %s: %v", delay, err)
		} else {
			delay = retry
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		if err != nil && delay < time.Minute {
			delay *= 2
		}
	}
}
