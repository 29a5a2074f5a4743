package outbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

var errSchemaNotRegistered = errors.New("schema not registered under subject")

// SchemaRegistry resolves JSON schema ids from a Confluent-compatible registry. Ids are
// cached per subject and schema for the life of the process.
type SchemaRegistry struct {
	baseURL    string
	httpClient *http.Client

	mu  sync.Mutex
	ids map[string]int
}

// NewSchemaRegistry constructs a SchemaRegistry.
func NewSchemaRegistry(baseURL string, timeout time.Duration) *SchemaRegistry {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &SchemaRegistry{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		ids:        make(map[string]int),
	}
}

// SchemaID returns the id of schema under subject, registering it when absent.
func (r *SchemaRegistry) SchemaID(ctx context.Context, subject, schema string) (int, error) {
	key := subject + "\x00" + schema
	r.mu.Lock()
	id, ok := r.ids[key]
	r.mu.Unlock()
	if ok {
		return id, nil
	}

	id, err := r.lookup(ctx, subject, schema)
	if errors.Is(err, errSchemaNotRegistered) {
		id, err = r.register(ctx, subject, schema)
	}
	if err != nil {
		return 0, err
	}

	r.mu.Lock()
	r.ids[key] = id
	r.mu.Unlock()
	return id, nil
}

// lookup asks whether this exact schema is already registered under subject.
func (r *SchemaRegistry) lookup(ctx context.Context, subject, schema string) (int, error) {
	return r.post(ctx, "/subjects/"+url.PathEscape(subject), schema)
}

func (r *SchemaRegistry) register(ctx context.Context, subject, schema string) (int, error) {
	return r.post(ctx, "/subjects/"+url.PathEscape(subject)+"/versions", schema)
}

func (r *SchemaRegistry) post(ctx context.Context, path, schema string) (int, error) {
	body, err := json.Marshal(map[string]string{"schemaType": "JSON", "schema": schema})
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/vnd.schemaregistry.v1+json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return 0, errSchemaNotRegistered
	}
	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return 0, fmt.Errorf("schema registry status=%d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var payload struct {
		ID int `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return 0, fmt.Errorf("decode schema registry response: %w", err)
	}
	return payload.ID, nil
}
