// Package points reads the reward ledger and keeps a live point total.
package points

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"example.com/greenpoints/internal/domain"
)

// InsertEvent is the stream event announcing a new ledger row.
const InsertEvent = "ledger_insert"

// Client reads point data from the verification service.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	// streamClient has no overall timeout; streams end with their context.
	streamClient *http.Client
}

// NewClient constructs a Client. timeout bounds unary calls.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		token:        token,
		httpClient:   &http.Client{Timeout: timeout},
		streamClient: &http.Client{},
	}
}

// Total returns the caller's point total.
func (c *Client) Total(ctx context.Context) (int, error) {
	var payload struct {
		Total int `json:"total"`
	}
	if err := c.getJSON(ctx, "/v1/points/total", nil, &payload); err != nil {
		return 0, err
	}
	return payload.Total, nil
}

// EntriesInRange returns ledger rows dated within [start, end], both YYYY-MM-DD.
func (c *Client) EntriesInRange(ctx context.Context, start, end string) ([]domain.LedgerEntry, error) {
	var payload struct {
		Items []domain.LedgerEntry `json:"items"`
	}
	query := url.Values{"start": {start}, "end": {end}}
	if err := c.getJSON(ctx, "/v1/points/entries", query, &payload); err != nil {
		return nil, err
	}
	return payload.Items, nil
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out interface{}) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("points api error: status=%d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Stream calls onInsert for every ledger insert until ctx ends or the server closes
// the stream. onInsert is a cue to recompute, not a delta.
func (c *Client) Stream(ctx context.Context, onInsert func(domain.LedgerEntry)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/points/stream", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("points stream error: status=%d", resp.StatusCode)
	}
	err = readEvents(resp.Body, func(event, data string) {
		if event != InsertEvent {
			return
		}
		var entry domain.LedgerEntry
		if err := json.Unmarshal([]byte(data), &entry); err != nil {
			// The cue still matters even when the payload is unreadable.
			entry = domain.LedgerEntry{}
		}
		onInsert(entry)
	})
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// readEvents parses a text/event-stream body, dispatching each complete event.
func readEvents(r io.Reader, dispatch func(event, data string)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)

	var event string
	var data []string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if len(data) > 0 {
				if event == "" {
					event = "message"
				}
				dispatch(event, strings.Join(data, "\n"))
			}
			event, data = "", nil
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	return scanner.Err()
}
