package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"example.com/greenpoints/internal/auth"
	"example.com/greenpoints/internal/domain"
)

// LedgerInsertEvent is the SSE event name emitted for every new ledger row.
const LedgerInsertEvent = "ledger_insert"

// streamPoints pushes ledger inserts for the caller as Server-Sent Events. Each event is an
// invalidation cue; clients refetch the total instead of applying the payload as a delta.
func (h *Handler) streamPoints(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeDomainError(w, domain.ErrUnauthorized)
		return
	}

	rc := http.NewResponseController(w)
	// The stream outlives the server write timeout.
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	inserts := make(chan domain.LedgerEntry, 16)
	sub := h.hub.Subscribe(claims.Subject, func(entry domain.LedgerEntry) {
		select {
		case inserts <- entry:
		default:
			// A pending cue already forces a refetch.
		}
	})
	defer sub.Close()

	if _, err := fmt.Fprint(w, ": connected\n\n"); err != nil {
		return
	}
	if err := rc.Flush(); err != nil {
		h.logger.Printf("stream flush unsupported user=%s: %v", claims.Subject, err)
		return
	}

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-h.closing:
			return
		case entry := <-inserts:
			if err := writeEvent(w, LedgerInsertEvent, entry); err != nil {
				h.logger.Printf("stream write failed user=%s: %v", claims.Subject, err)
				return
			}
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

func writeEvent(w http.ResponseWriter, event string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, body)
	return err
}
