package points

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/greenpoints/internal/domain"
)

var quiet = log.New(io.Discard, "", 0)

func TestReadEvents(t *testing.T) {
	body := strings.Join([]string{
		": connected",
		"",
		"event: ledger_insert",
		`data: {"id":"e-1"}`,
		"",
		": heartbeat",
		"",
		"data: first",
		"data: second",
		"",
		"event: ledger_insert",
		"",
	}, "\n")

	type got struct{ event, data string }
	var events []got
	err := readEvents(strings.NewReader(body), func(event, data string) {
		events = append(events, got{event, data})
	})
	require.NoError(t, err)
	require.Equal(t, []got{
		{"ledger_insert", `{"id":"e-1"}`},
		{"message", "first\nsecond"},
	}, events)
}

func TestClientTotalAndEntries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/v1/points/total":
			_, _ = w.Write([]byte(`{"user_id":"user-1","total":16}`))
		case "/v1/points/entries":
			require.Equal(t, "2025-06-01", r.URL.Query().Get("start"))
			_, _ = w.Write([]byte(`{"items":[{"id":"e-1","user_id":"user-1","action_type":"bike","points":4,"date":"2025-06-02","day":"Mon"}]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "tok", time.Second)
	total, err := client.Total(context.Background())
	require.NoError(t, err)
	require.Equal(t, 16, total)

	entries, err := client.EntriesInRange(context.Background(), "2025-06-01", "2025-06-30")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, domain.CategoryBike, entries[0].Category)

	_, err = NewClient(srv.URL, "wrong", time.Second).Total(context.Background())
	require.ErrorContains(t, err, "status=401")
}

func TestClientStreamDispatchesInserts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": connected\n\n")
		fmt.Fprint(w, "event: ledger_insert\ndata: {\"id\":\"e-1\",\"points\":7}\n\n")
		fmt.Fprint(w, "event: ledger_insert\ndata: not-json\n\n")
	}))
	defer srv.Close()

	var got []domain.LedgerEntry
	err := NewClient(srv.URL, "tok", time.Second).Stream(context.Background(), func(e domain.LedgerEntry) {
		got = append(got, e)
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "e-1", got[0].ID)
	require.Equal(t, 7, got[0].Points)
}

type countingSource struct {
	mu    sync.Mutex
	calls int
	total int
	err   error
	gate  chan struct{}
}

func (s *countingSource) Total(ctx context.Context) (int, error) {
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.total, s.err
}

func (s *countingSource) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestTrackerRecomputesOnInvalidate(t *testing.T) {
	source := &countingSource{total: 7}
	var seen atomic.Int64
	tracker := NewTracker(source, WithTrackerLogger(quiet), WithOnChange(func(total int) { seen.Store(int64(total)) }))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tracker.Run(ctx)

	require.Eventually(t, func() bool { return seen.Load() == 7 }, time.Second, 5*time.Millisecond)

	source.mu.Lock()
	source.total = 12
	source.mu.Unlock()
	tracker.OnInsert(domain.LedgerEntry{ID: "e-2", Points: 5})

	require.Eventually(t, func() bool { return seen.Load() == 12 }, time.Second, 5*time.Millisecond)
	total, ok := tracker.Total()
	require.True(t, ok)
	require.Equal(t, 12, total)
}

func TestTrackerCoalescesBursts(t *testing.T) {
	source := &countingSource{total: 3, gate: make(chan struct{})}
	tracker := NewTracker(source, WithTrackerLogger(quiet))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tracker.Run(ctx)

	// Wait until the initial recompute is blocked on the gate; a burst of duplicates queues one more.
	require.Eventually(t, func() bool { return len(tracker.dirty) == 0 }, time.Second, time.Millisecond)
	for i := 0; i < 10; i++ {
		tracker.OnInsert(domain.LedgerEntry{ID: "dup"})
	}
	close(source.gate)

	require.Eventually(t, func() bool { return source.count() == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 2, source.count())
}

func TestTrackerKeepsLastTotalOnError(t *testing.T) {
	source := &countingSource{total: 9}
	tracker := NewTracker(source, WithTrackerLogger(quiet))

	_, err := tracker.Refresh(context.Background())
	require.NoError(t, err)

	source.err = errors.New("unavailable")
	_, err = tracker.Refresh(context.Background())
	require.Error(t, err)

	total, ok := tracker.Total()
	require.True(t, ok)
	require.Equal(t, 9, total)
}

func TestFollowReconnectsAndInvalidates(t *testing.T) {
	var connects atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/points/stream":
			if connects.Add(1) == 1 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.Header().Set("Content-Type", "text/event-stream")
			fmt.Fprint(w, "event: ledger_insert\ndata: {\"id\":\"e-1\"}\n\n")
			w.(http.Flusher).Flush()
			<-r.Context().Done()
		case "/v1/points/total":
			_, _ = w.Write([]byte(`{"total":5}`))
		}
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "tok", time.Second)
	tracker := NewTracker(client, WithTrackerLogger(quiet))

	ctx, cancel := context.WithCancel(context.Background())
	go tracker.Run(ctx)
	done := make(chan error, 1)
	go func() { done <- Follow(ctx, client, tracker, 10*time.Millisecond) }()

	require.Eventually(t, func() bool { return connects.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		total, ok := tracker.Total()
		return ok && total == 5
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}
