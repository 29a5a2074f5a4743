package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"example.com/greenpoints/internal/auth"
	"example.com/greenpoints/internal/domain"
	"example.com/greenpoints/internal/notifier"
	"example.com/greenpoints/internal/persistence"
)

// maxVerifyBody bounds the verification payload; frames travel inline as data URIs.
const maxVerifyBody = 20 << 20

// Handler wires HTTP requests to the verification and ledger services.
type Handler struct {
	service   *domain.Service
	ledger    *domain.LedgerService
	hub       *notifier.Hub
	heartbeat time.Duration
	logger    *log.Logger

	closing   chan struct{}
	closeOnce sync.Once
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithHeartbeat sets the interval between keep-alive comments on the points stream.
func WithHeartbeat(d time.Duration) HandlerOption {
	return func(h *Handler) {
		if d > 0 {
			h.heartbeat = d
		}
	}
}

// WithLogger overrides the handler logger.
func WithLogger(logger *log.Logger) HandlerOption {
	return func(h *Handler) {
		h.logger = logger
	}
}

// NewHandler constructs a Handler.
func NewHandler(service *domain.Service, ledger *domain.LedgerService, hub *notifier.Hub, opts ...HandlerOption) *Handler {
	h := &Handler{
		service:   service,
		ledger:    ledger,
		hub:       hub,
		heartbeat: 25 * time.Second,
		logger:    log.New(log.Writer(), "[api] ", log.LstdFlags),
		closing:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// CloseStreams ends every open points stream. It is meant for server shutdown.
func (h *Handler) CloseStreams() {
	h.closeOnce.Do(func() { close(h.closing) })
}

func (h *Handler) healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) verifyAction(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeDomainError(w, domain.ErrUnauthorized)
		return
	}

	var req VerifyActionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxVerifyBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON payload")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	input := domain.VerifyInput{
		UserID:   claims.Subject,
		Category: req.ActionType,
		Frames:   req.Frames,
	}
	if req.VideoPath != nil {
		input.VideoPath = *req.VideoPath
	}

	outcome, err := h.service.Verify(r.Context(), input)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, VerifyActionResponse{
		Success: true,
		Verification: &VerificationView{
			ID:            outcome.ID,
			Verified:      outcome.Verified,
			Confidence:    outcome.Confidence,
			Feedback:      outcome.Feedback,
			PointsAwarded: outcome.PointsAwarded,
			Status:        string(outcome.Status),
		},
	})
}

func (h *Handler) pointsTotal(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeDomainError(w, domain.ErrUnauthorized)
		return
	}

	total, err := h.ledger.TotalFor(r.Context(), claims.Subject)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, PointsTotalResponse{UserID: claims.Subject, Total: total})
}

func (h *Handler) pointsEntries(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeDomainError(w, domain.ErrUnauthorized)
		return
	}

	start := r.URL.Query().Get("start")
	end := r.URL.Query().Get("end")
	if strings.TrimSpace(start) == "" || strings.TrimSpace(end) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "start and end are required")
		return
	}

	entries, err := h.ledger.EntriesInRange(r.Context(), claims.Subject, start, end)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, LedgerEntriesResponse{Items: entries})
}

func (h *Handler) pointsLedger(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeDomainError(w, domain.ErrUnauthorized)
		return
	}

	limit := 25
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	cursor, err := persistence.DecodeCursor(r.URL.Query().Get("cursor"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid cursor")
		return
	}

	entries, next, err := h.ledger.ListEntries(r.Context(), claims.Subject, cursor, limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, LedgerEntriesResponse{
		Items:      entries,
		NextCursor: persistence.EncodeCursor(next),
	})
}

// VerifyActionRequest is the payload for POST /v1/actions/verify.
type VerifyActionRequest struct {
	ActionType string   `json:"actionType"`
	Frames     []string `json:"frames"`
	VideoPath  *string  `json:"videoPath"`
}

// Validate ensures request correctness.
func (r VerifyActionRequest) Validate() error {
	if strings.TrimSpace(r.ActionType) == "" || len(r.Frames) == 0 {
		return errors.New("Missing required fields")
	}
	return nil
}

// VerificationView is the verdict returned to the client.
type VerificationView struct {
	ID            string `json:"id"`
	Verified      bool   `json:"verified"`
	Confidence    int    `json:"confidence"`
	Feedback      string `json:"feedback"`
	PointsAwarded int    `json:"pointsAwarded"`
	Status        string `json:"status"`
}

// VerifyActionResponse is the body for both successful and failed verification calls.
type VerifyActionResponse struct {
	Success      bool              `json:"success"`
	Verification *VerificationView `json:"verification,omitempty"`
	Error        string            `json:"error,omitempty"`
	Type         string            `json:"type,omitempty"`
}

// PointsTotalResponse carries the derived point total.
type PointsTotalResponse struct {
	UserID string `json:"user_id"`
	Total  int    `json:"total"`
}

// LedgerEntriesResponse packages ledger rows for range and paged reads.
type LedgerEntriesResponse struct {
	Items      []domain.LedgerEntry `json:"items"`
	NextCursor string               `json:"next_cursor,omitempty"`
}

// statusFor maps domain errors onto HTTP status, error code and client message.
func statusFor(err error) (int, string, string) {
	switch {
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized", "Invalid authentication"
	case errors.Is(err, domain.ErrInvalidRequest), errors.Is(err, domain.ErrInvalidRange):
		return http.StatusBadRequest, "invalid_request", err.Error()
	case errors.Is(err, domain.ErrTooManyRequests):
		return http.StatusTooManyRequests, "rate_limited", "Rate limit exceeded, please try again later."
	case errors.Is(err, domain.ErrServiceUnavailable):
		return http.StatusPaymentRequired, "payment_required", "Service unavailable, please contact support."
	case errors.Is(err, domain.ErrMalformedUpstreamResponse):
		return http.StatusInternalServerError, "malformed_upstream_response", "Invalid AI response format"
	case errors.Is(err, domain.ErrVerificationFailed):
		return http.StatusInternalServerError, "verification_failed", "AI verification failed"
	default:
		return http.StatusInternalServerError, "server_error", "Internal server error"
	}
}

func writeDomainError(w http.ResponseWriter, err error) {
	status, code, message := statusFor(err)
	writeError(w, status, code, message)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, VerifyActionResponse{
		Success: false,
		Error:   message,
		Type:    code,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
