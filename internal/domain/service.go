// Package domain defines the business logic for action verification and the reward ledger.
package domain

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"example.com/greenpoints/internal/observability"
)

// ClassifyRequest is everything the remote model sees for one verification.
type ClassifyRequest struct {
	Category    ActionCategory
	Instruction string
	Prompt      string
	Frames      []string
}

// Classifier judges whether frames show the claimed action. Implementations are
// non-deterministic; callers must not assume a fixed verdict for a given input.
type Classifier interface {
	Classify(ctx context.Context, req ClassifyRequest) (Verdict, error)
}

// VerificationRepository persists the audit row and, when points are awarded, the ledger entry.
// Both writes happen atomically.
type VerificationRepository interface {
	RecordVerification(ctx context.Context, record VerificationRecord, award *LedgerEntry) error
}

// TotalInvalidator drops a user's derived point total once a ledger entry lands.
type TotalInvalidator interface {
	Invalidate(ctx context.Context, userID string) error
}

// Stage names the steps a verification request moves through.
type Stage string

const (
	StageReceived      Stage = "received"
	StageAuthenticated Stage = "authenticated"
	StageClassified    Stage = "classified"
)

// Option configures optional behaviour for the Service.
type Option func(*Service)

// WithLogger overrides the logger used by the service.
func WithLogger(logger *log.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithClock overrides the time source, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithRubrics replaces the built-in rubric table.
func WithRubrics(book RubricBook) Option {
	return func(s *Service) {
		s.rubrics = book
	}
}

// WithTotalInvalidator clears cached totals on the request path after points are awarded.
func WithTotalInvalidator(inv TotalInvalidator) Option {
	return func(s *Service) {
		s.totals = inv
	}
}

// Service orchestrates verification workflows.
type Service struct {
	repo       VerificationRepository
	classifier Classifier
	totals     TotalInvalidator
	rubrics    RubricBook
	now        func() time.Time
	logger     *log.Logger
}

// NewService constructs a Service.
func NewService(repo VerificationRepository, classifier Classifier, opts ...Option) *Service {
	s := &Service{
		repo:       repo,
		classifier: classifier,
		rubrics:    DefaultRubrics(),
		now:        time.Now,
		logger:     log.New(log.Writer(), "[verification] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// VerifyInput captures the payload from the API layer.
type VerifyInput struct {
	UserID    string
	Category  string
	Frames    []string
	VideoPath string
}

// Outcome is returned to the caller once the verification has been persisted.
type Outcome struct {
	ID            string
	Verified      bool
	Confidence    int
	Feedback      string
	PointsAwarded int
	Status        VerificationStatus
}

// Verify authenticates the caller identity, classifies the frames, persists the audit
// record (and ledger entry when points are awarded) and returns the outcome.
func (s *Service) Verify(ctx context.Context, input VerifyInput) (*Outcome, error) {
	stage := StageReceived
	if strings.TrimSpace(input.UserID) == "" {
		observability.RecordVerificationFailure(string(stage), "unauthorized")
		return nil, ErrUnauthorized
	}
	stage = StageAuthenticated

	if strings.TrimSpace(input.Category) == "" || len(input.Frames) == 0 {
		observability.RecordVerificationFailure(string(stage), "invalid_request")
		return nil, ErrInvalidRequest
	}
	category, err := ParseCategory(input.Category)
	if err != nil {
		observability.RecordVerificationFailure(string(stage), "invalid_request")
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	rubric, err := s.rubrics.Lookup(category)
	if err != nil {
		observability.RecordVerificationFailure(string(stage), "invalid_request")
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	s.logger.Printf("verifying action user=%s category=%s frames=%d", input.UserID, category, len(input.Frames))

	start := time.Now()
	verdict, err := s.classifier.Classify(ctx, ClassifyRequest{
		Category:    category,
		Instruction: rubric.SystemInstruction(),
		Prompt:      rubric.UserPrompt(len(input.Frames)),
		Frames:      input.Frames,
	})
	observability.ObserveUpstreamLatency(time.Since(start))
	if err != nil {
		kind, mapped := classifyError(err)
		observability.RecordVerificationFailure(string(stage), kind)
		s.logger.Printf("classification failed user=%s category=%s kind=%s: %v", input.UserID, category, kind, err)
		return nil, mapped
	}
	stage = StageClassified

	points := 0
	if verdict.Verified {
		if verdict.PointsRecommendation == nil {
			points = DefaultPoints
		} else {
			recommended := *verdict.PointsRecommendation
			points = rubric.ClampPoints(recommended)
			if points != recommended {
				s.logger.Printf("points recommendation clamped user=%s category=%s recommended=%d awarded=%d", input.UserID, category, recommended, points)
			}
		}
	}

	status := StatusRejected
	if verdict.Verified {
		status = StatusVerified
	}

	now := s.now().UTC()
	record := VerificationRecord{
		ID:            uuid.NewString(),
		UserID:        input.UserID,
		Category:      category,
		Description:   fmt.Sprintf("Video recording analysis - %d frames", len(input.Frames)),
		Status:        status,
		Confidence:    clampConfidence(verdict.Confidence),
		Feedback:      verdict.Feedback,
		PointsAwarded: points,
		VideoPath:     strings.TrimSpace(input.VideoPath),
		CreatedAt:     now,
	}

	var award *LedgerEntry
	if verdict.Verified && points > 0 {
		date, day := CalendarFields(now)
		award = &LedgerEntry{
			ID:        uuid.NewString(),
			UserID:    input.UserID,
			Category:  category,
			Points:    points,
			Date:      date,
			Day:       day,
			CreatedAt: now,
		}
	}

	if err := s.repo.RecordVerification(ctx, record, award); err != nil {
		observability.RecordVerificationFailure(string(stage), "persistence")
		s.logger.Printf("failed to save verification user=%s: %v", input.UserID, err)
		return nil, fmt.Errorf("%w: failed to save verification: %v", ErrVerificationFailed, err)
	}
	if award != nil && s.totals != nil {
		if err := s.totals.Invalidate(ctx, input.UserID); err != nil {
			s.logger.Printf("points total invalidate failed user=%s: %v", input.UserID, err)
		}
	}

	observability.RecordVerificationOutcome(string(category), string(status), points)
	s.logger.Printf("verification complete id=%s user=%s status=%s points=%d", record.ID, input.UserID, status, points)

	return &Outcome{
		ID:            record.ID,
		Verified:      verdict.Verified,
		Confidence:    record.Confidence,
		Feedback:      record.Feedback,
		PointsAwarded: points,
		Status:        status,
	}, nil
}

func classifyError(err error) (string, error) {
	switch {
	case errors.Is(err, ErrTooManyRequests):
		return "rate_limited", err
	case errors.Is(err, ErrServiceUnavailable):
		return "quota", err
	case errors.Is(err, ErrMalformedUpstreamResponse):
		return "malformed", err
	case errors.Is(err, ErrVerificationFailed):
		return "upstream", err
	default:
		return "upstream", fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}
}

func clampConfidence(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
