// Package submission sends extracted frames to the verification service.
package submission

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"example.com/greenpoints/internal/domain"
	"example.com/greenpoints/internal/storage"
)

const (
	// MaxSubmittedFrames bounds the payload sent for one verification.
	MaxSubmittedFrames = 3
	// VerifyPath is the verification endpoint below the API base URL.
	VerifyPath = "/v1/actions/verify"
)

var (
	// ErrVerificationUnavailable wraps every failure observed while calling the verification service.
	ErrVerificationUnavailable = errors.New("verification unavailable, please try again")
	// ErrNoFrames is returned when Submit is called without frames.
	ErrNoFrames = errors.New("no frames to submit")
)

// ServiceError carries the structured error returned by the verification service.
type ServiceError struct {
	Status  int
	Type    string
	Message string
}

func (e *ServiceError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("verification service status=%d type=%s: %s", e.Status, e.Type, e.Message)
	}
	return fmt.Sprintf("verification service status=%d: %s", e.Status, e.Message)
}

// Request is the verification call body.
type Request struct {
	ActionType string   `json:"actionType"`
	Frames     []string `json:"frames"`
	VideoPath  *string  `json:"videoPath"`
}

// Verification is the verdict returned by the service.
type Verification struct {
	ID            string `json:"id"`
	Verified      bool   `json:"verified"`
	Confidence    int    `json:"confidence"`
	Feedback      string `json:"feedback"`
	PointsAwarded int    `json:"pointsAwarded"`
	Status        string `json:"status"`
}

type envelope struct {
	Success      bool          `json:"success"`
	Verification *Verification `json:"verification"`
	Error        string        `json:"error"`
	Type         string        `json:"type"`
}

// Verifier invokes the verification service.
type Verifier interface {
	Verify(ctx context.Context, req Request) (*Verification, error)
}

// HTTPVerifier calls the verification endpoint with a bearer token.
type HTTPVerifier struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewHTTPVerifier constructs an HTTPVerifier. timeout bounds each call.
func NewHTTPVerifier(baseURL, token string, timeout time.Duration) *HTTPVerifier {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPVerifier{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Verify posts req and decodes the envelope. Every failure wraps ErrVerificationUnavailable.
func (v *HTTPVerifier) Verify(ctx context.Context, req Request) (*Verification, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, v.baseURL+VerifyPath, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+v.token)

	resp, err := v.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVerificationUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVerificationUnavailable, err)
	}

	var payload envelope
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrVerificationUnavailable, &ServiceError{Status: resp.StatusCode, Message: strings.TrimSpace(string(raw))})
	}
	if resp.StatusCode >= 300 || !payload.Success || payload.Verification == nil {
		message := payload.Error
		if message == "" {
			message = "Verification failed"
		}
		return nil, fmt.Errorf("%w: %w", ErrVerificationUnavailable, &ServiceError{Status: resp.StatusCode, Type: payload.Type, Message: message})
	}
	return payload.Verification, nil
}

// Option configures a Client.
type Option func(*Client)

// WithStore enables best-effort archiving of the raw clip.
func WithStore(store storage.ObjectStore) Option {
	return func(c *Client) {
		c.store = store
	}
}

// WithUploadTimeout bounds the archive upload.
func WithUploadTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.uploadTimeout = d
		}
	}
}

// WithClock overrides the time source used for storage keys.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
	}
}

// WithLogger overrides the client logger.
func WithLogger(logger *log.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// Client packages a recording for verification.
type Client struct {
	verifier      Verifier
	userID        string
	store         storage.ObjectStore
	uploadTimeout time.Duration
	now           func() time.Time
	logger        *log.Logger
}

// NewClient constructs a Client for userID.
func NewClient(verifier Verifier, userID string, opts ...Option) *Client {
	c := &Client{
		verifier:      verifier,
		userID:        userID,
		uploadTimeout: 30 * time.Second,
		now:           time.Now,
		logger:        log.New(log.Writer(), "[submission] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Submit archives video when a store is configured, then verifies the first frames.
// The service owns all persistence; a failed call leaves nothing behind.
func (c *Client) Submit(ctx context.Context, category domain.ActionCategory, frames []string, video []byte) (*Verification, error) {
	if len(frames) == 0 {
		return nil, ErrNoFrames
	}

	req := Request{
		ActionType: string(category),
		Frames:     frames[:min(len(frames), MaxSubmittedFrames)],
		VideoPath:  c.archive(ctx, video),
	}

	verification, err := c.verifier.Verify(ctx, req)
	if err != nil {
		if !errors.Is(err, ErrVerificationUnavailable) {
			err = fmt.Errorf("%w: %v", ErrVerificationUnavailable, err)
		}
		c.logger.Printf("verification failed category=%s: %v", category, err)
		return nil, err
	}

	c.logger.Printf("verification complete id=%s category=%s verified=%t points=%d", verification.ID, category, verification.Verified, verification.PointsAwarded)
	return verification, nil
}

// archive uploads video and returns its key, or nil when the upload is skipped or fails.
func (c *Client) archive(ctx context.Context, video []byte) *string {
	if c.store == nil || len(video) == 0 || c.userID == "" {
		return nil
	}

	key := storage.RecordingKey(c.userID, c.now(), "webm")
	uploadCtx, cancel := context.WithTimeout(ctx, c.uploadTimeout)
	defer cancel()

	if err := c.store.Put(uploadCtx, key, "video/webm", video); err != nil {
		c.logger.Printf("upload error key=%s: %v", key, err)
		return nil
	}
	return &key
}
