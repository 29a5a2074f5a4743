package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/greenpoints/internal/auth"
	"example.com/greenpoints/internal/domain"
	"example.com/greenpoints/internal/notifier"
	"example.com/greenpoints/internal/persistence/memory"
)

var testAuth = auth.Config{Secret: "test-secret", Issuer: "greenpoints-test"}

type stubClassifier struct {
	mu      sync.Mutex
	verdict domain.Verdict
	err     error
	calls   int
}

func (s *stubClassifier) Classify(context.Context, domain.ClassifyRequest) (domain.Verdict, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.verdict, s.err
}

type fixture struct {
	store      *memory.Store
	hub        *notifier.Hub
	classifier *stubClassifier
	router     http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	quiet := log.New(io.Discard, "", 0)
	hub := notifier.NewHub(notifier.WithLogger(quiet))
	store := memory.NewStore(memory.WithAppendHook(hub.Publish))
	classifier := &stubClassifier{}
	service := domain.NewService(store, classifier, domain.WithLogger(quiet))
	ledger := domain.NewLedgerService(store, domain.WithLedgerLogger(quiet))
	handler := NewHandler(service, ledger, hub, WithLogger(quiet), WithHeartbeat(50*time.Millisecond))
	return &fixture{
		store:      store,
		hub:        hub,
		classifier: classifier,
		router:     NewRouter(handler, RouterConfig{Auth: testAuth}),
	}
}

func token(t *testing.T, subject string) string {
	t.Helper()
	tok, err := auth.Issue(testAuth, subject, time.Hour)
	require.NoError(t, err)
	return tok
}

func verifyBody(category string, frames int) []byte {
	list := make([]string, frames)
	for i := range list {
		list[i] = fmt.Sprintf("data:image/jpeg;base64,QUJD%d", i)
	}
	body, _ := json.Marshal(map[string]any{"actionType": category, "frames": list, "videoPath": nil})
	return body
}

func (f *fixture) do(t *testing.T, method, path, subject string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if subject != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, subject))
	}
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	return rr
}

func decodeVerify(t *testing.T, rr *httptest.ResponseRecorder) VerifyActionResponse {
	t.Helper()
	var resp VerifyActionResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	return resp
}

func intPtr(v int) *int { return &v }

func requireNothingPersisted(t *testing.T, store *memory.Store) {
	t.Helper()
	records, entries := store.Counts()
	require.Zero(t, records, "verification records")
	require.Zero(t, entries, "ledger entries")
}

func TestVerifyActionAwardsPoints(t *testing.T) {
	f := newFixture(t)
	f.classifier.verdict = domain.Verdict{Verified: true, Confidence: 82, Feedback: "sorting recyclables", PointsRecommendation: intPtr(7)}

	rr := f.do(t, http.MethodPost, "/v1/actions/verify", "user-1", verifyBody("recycle", 3))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	resp := decodeVerify(t, rr)
	require.True(t, resp.Success)
	require.NotNil(t, resp.Verification)
	require.True(t, resp.Verification.Verified)
	require.Equal(t, 82, resp.Verification.Confidence)
	require.Equal(t, 7, resp.Verification.PointsAwarded)
	require.Equal(t, "verified", resp.Verification.Status)
	require.NotEmpty(t, resp.Verification.ID)

	require.Len(t, f.store.Records("user-1"), 1)
	entries := f.store.Entries("user-1")
	require.Len(t, entries, 1)
	require.Equal(t, 7, entries[0].Points)
}

func TestVerifyActionLegacyPath(t *testing.T) {
	f := newFixture(t)
	f.classifier.verdict = domain.Verdict{Verified: false, Confidence: 30, Feedback: "brightness increases across the frames"}

	rr := f.do(t, http.MethodPost, "/functions/v1/verify-video-action", "user-1", verifyBody("save_energy", 3))
	require.Equal(t, http.StatusOK, rr.Code)

	resp := decodeVerify(t, rr)
	require.False(t, resp.Verification.Verified)
	require.Equal(t, 0, resp.Verification.PointsAwarded)
	require.Equal(t, "rejected", resp.Verification.Status)
	require.Len(t, f.store.Records("user-1"), 1)
	require.Empty(t, f.store.Entries("user-1"))
}

func TestVerifyActionRequiresToken(t *testing.T) {
	f := newFixture(t)

	rr := f.do(t, http.MethodPost, "/v1/actions/verify", "", verifyBody("recycle", 3))
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	resp := decodeVerify(t, rr)
	require.False(t, resp.Success)
	require.Equal(t, "Invalid authentication", resp.Error)
	require.Zero(t, f.classifier.calls)
	requireNothingPersisted(t, f.store)
}

func TestVerifyActionRejectsForgedToken(t *testing.T) {
	f := newFixture(t)
	forged, err := auth.Issue(auth.Config{Secret: "other"}, "user-1", time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/v1/actions/verify", bytes.NewReader(verifyBody("recycle", 3)))
	req.Header.Set("Authorization", "Bearer "+forged)
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusUnauthorized, rr.Code)
	require.Zero(t, f.classifier.calls)
	requireNothingPersisted(t, f.store)
}

func TestVerifyActionValidation(t *testing.T) {
	cases := map[string][]byte{
		"no frames":    verifyBody("recycle", 0),
		"no category":  verifyBody("", 2),
		"bad category": verifyBody("teleport", 2),
		"bad json":     []byte("{"),
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			rr := f.do(t, http.MethodPost, "/v1/actions/verify", "user-1", body)
			require.Equal(t, http.StatusBadRequest, rr.Code, rr.Body.String())
			require.Equal(t, "invalid_request", decodeVerify(t, rr).Type)
			requireNothingPersisted(t, f.store)
		})
	}
}

func TestVerifyActionUpstreamFailures(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"rate limited", domain.ErrTooManyRequests, http.StatusTooManyRequests},
		{"quota", domain.ErrServiceUnavailable, http.StatusPaymentRequired},
		{"malformed", fmt.Errorf("%w: no json", domain.ErrMalformedUpstreamResponse), http.StatusInternalServerError},
		{"other", errors.New("connection refused"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.classifier.err = tc.err

			rr := f.do(t, http.MethodPost, "/v1/actions/verify", "user-1", verifyBody("bike", 2))
			require.Equal(t, tc.status, rr.Code)
			resp := decodeVerify(t, rr)
			require.False(t, resp.Success)
			require.NotEmpty(t, resp.Error)
			requireNothingPersisted(t, f.store)
			require.Empty(t, f.store.Entries("user-1"))
		})
	}
}

func TestPointsTotalSumsVerifiedOnly(t *testing.T) {
	f := newFixture(t)

	for _, v := range []domain.Verdict{
		{Verified: true, Confidence: 90, PointsRecommendation: intPtr(4)},
		{Verified: false, Confidence: 20},
		{Verified: true, Confidence: 75, PointsRecommendation: intPtr(6)},
	} {
		f.classifier.verdict = v
		rr := f.do(t, http.MethodPost, "/v1/actions/verify", "user-1", verifyBody("plant", 3))
		require.Equal(t, http.StatusOK, rr.Code)
	}

	rr := f.do(t, http.MethodGet, "/v1/points/total", "user-1", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var total PointsTotalResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &total))
	require.Equal(t, "user-1", total.UserID)
	require.Equal(t, 10, total.Total)

	rr = f.do(t, http.MethodGet, "/v1/points/total", "user-2", nil)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &total))
	require.Equal(t, 0, total.Total)
}

func TestPointsEntriesAndLedger(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i, date := range []string{"2025-06-09", "2025-06-10", "2025-06-12"} {
		created, _ := time.Parse(domain.LedgerDateLayout, date)
		require.NoError(t, f.store.Append(ctx, domain.LedgerEntry{
			ID: fmt.Sprintf("e-%d", i), UserID: "user-1", Category: domain.CategoryBike,
			Points: 3, Date: date, Day: created.Weekday().String()[:3], CreatedAt: created,
		}))
	}

	rr := f.do(t, http.MethodGet, "/v1/points/entries?start=2025-06-09&end=2025-06-10", "user-1", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var page LedgerEntriesResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &page))
	require.Len(t, page.Items, 2)
	require.Equal(t, "2025-06-09", page.Items[0].Date)

	rr = f.do(t, http.MethodGet, "/v1/points/entries?start=2025-06-12&end=2025-06-01", "user-1", nil)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = f.do(t, http.MethodGet, "/v1/points/entries", "user-1", nil)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = f.do(t, http.MethodGet, "/v1/points/ledger?limit=2", "user-1", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	page = LedgerEntriesResponse{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &page))
	require.Len(t, page.Items, 2)
	require.Equal(t, "e-2", page.Items[0].ID)
	require.NotEmpty(t, page.NextCursor)

	rr = f.do(t, http.MethodGet, "/v1/points/ledger?limit=2&cursor="+page.NextCursor, "user-1", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	page = LedgerEntriesResponse{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &page))
	require.Len(t, page.Items, 1)
	require.Equal(t, "e-0", page.Items[0].ID)
	require.Empty(t, page.NextCursor)

	rr = f.do(t, http.MethodGet, "/v1/points/ledger?cursor=bm9wZQ", "user-1", nil)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHealthAndMetricsAreOpen(t *testing.T) {
	f := newFixture(t)

	rr := f.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "ok", rr.Body.String())

	rr = f.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
}

func TestCORSPreflightSkipsAuth(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodOptions, "/v1/actions/verify", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "authorization,content-type")
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)

	require.NotEqual(t, http.StatusUnauthorized, rr.Code)
	require.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestStreamDeliversLedgerInserts(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/points/stream?access_token="+token(t, "user-1"), nil)
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return f.hub.Subscribers("user-1") == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, f.store.Append(context.Background(), domain.LedgerEntry{
		ID: "entry-1", UserID: "user-1", Category: domain.CategoryVolunteer, Points: 5,
		Date: "2025-06-11", Day: "Wed", CreatedAt: time.Now().UTC(),
	}))

	reader := bufio.NewReader(resp.Body)
	var event, data string
	for event == "" || data == "" {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: ") && event != "":
			data = strings.TrimPrefix(line, "data: ")
		}
	}
	require.Equal(t, LedgerInsertEvent, event)
	var entry domain.LedgerEntry
	require.NoError(t, json.Unmarshal([]byte(data), &entry))
	require.Equal(t, "entry-1", entry.ID)

	cancel()
	require.Eventually(t, func() bool { return f.hub.Subscribers("user-1") == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestStatusForMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{domain.ErrUnauthorized, http.StatusUnauthorized},
		{fmt.Errorf("%w: x", domain.ErrInvalidRequest), http.StatusBadRequest},
		{domain.ErrInvalidRange, http.StatusBadRequest},
		{domain.ErrTooManyRequests, http.StatusTooManyRequests},
		{domain.ErrServiceUnavailable, http.StatusPaymentRequired},
		{domain.ErrMalformedUpstreamResponse, http.StatusInternalServerError},
		{domain.ErrVerificationFailed, http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		status, _, _ := statusFor(tc.err)
		require.Equal(t, tc.status, status, tc.err.Error())
	}
}
