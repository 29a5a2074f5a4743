// Package notifier fans ledger inserts out to live subscribers.
package notifier

import (
	"log"
	"sync"

	"example.com/greenpoints/internal/domain"
	"example.com/greenpoints/internal/observability"
)

const defaultBuffer = 16

// Hub is an in-process publish/subscribe channel keyed by user.
// Delivery is at-least-once per publish; subscribers treat every notification
// as a cue to recompute from the ledger.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[*Subscription]struct{}
	buffer int
	logger *log.Logger
}

// Option configures a Hub.
type Option func(*Hub)

// WithBuffer sets the per-subscriber queue depth.
func WithBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// WithLogger overrides the hub logger.
func WithLogger(logger *log.Logger) Option {
	return func(h *Hub) {
		h.logger = logger
	}
}

// NewHub constructs an empty Hub.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		subs:   make(map[string]map[*Subscription]struct{}),
		buffer: defaultBuffer,
		logger: log.New(log.Writer(), "[notifier] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscription is a live registration. Close must be called on every exit path.
type Subscription struct {
	hub     *Hub
	userID  string
	queue   chan domain.LedgerEntry
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// Subscribe registers onInsert for entries appended for userID. onInsert runs on a
// dedicated goroutine, one call at a time.
func (h *Hub) Subscribe(userID string, onInsert func(domain.LedgerEntry)) *Subscription {
	sub := &Subscription{
		hub:     h,
		userID:  userID,
		queue:   make(chan domain.LedgerEntry, h.buffer),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}

	h.mu.Lock()
	if h.subs[userID] == nil {
		h.subs[userID] = make(map[*Subscription]struct{})
	}
	h.subs[userID][sub] = struct{}{}
	h.mu.Unlock()
	observability.SubscriberOpened()

	go sub.run(onInsert)
	return sub
}

func (s *Subscription) run(onInsert func(domain.LedgerEntry)) {
	defer close(s.stopped)
	for {
		select {
		case <-s.done:
			return
		case entry := <-s.queue:
			onInsert(entry)
		}
	}
}

// Close releases the subscription. It is safe to call more than once but must not
// be called from inside onInsert.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.remove(s)
		close(s.done)
		<-s.stopped
		observability.SubscriberClosed()
	})
}

// Done is closed once the subscription has been released.
func (s *Subscription) Done() <-chan struct{} {
	return s.stopped
}

func (h *Hub) remove(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.subs[s.userID]
	delete(set, s)
	if len(set) == 0 {
		delete(h.subs, s.userID)
	}
}

// Publish notifies every subscriber of entry.UserID. A subscriber whose queue is
// full already has a pending recompute cue, so the notification is dropped for it.
func (h *Hub) Publish(entry domain.LedgerEntry) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs[entry.UserID] {
		select {
		case sub.queue <- entry:
		default:
			h.logger.Printf("subscriber queue full user=%s entry=%s, coalescing", entry.UserID, entry.ID)
		}
	}
}

// Subscribers reports the number of live subscriptions for userID.
func (h *Hub) Subscribers(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[userID])
}
