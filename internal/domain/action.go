package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ActionCategory tags the climate action a user claims to have performed.
type ActionCategory string

const (
	CategoryRecycle         ActionCategory = "recycle"
	CategoryPlant           ActionCategory = "plant"
	CategoryBike            ActionCategory = "bike"
	CategoryPublicTransport ActionCategory = "public_transport"
	CategoryReduceWaste     ActionCategory = "reduce_waste"
	CategorySaveEnergy      ActionCategory = "save_energy"
	CategoryVolunteer       ActionCategory = "volunteer"
)

var categories = []ActionCategory{
	CategoryRecycle,
	CategoryPlant,
	CategoryBike,
	CategoryPublicTransport,
	CategoryReduceWaste,
	CategorySaveEnergy,
	CategoryVolunteer,
}

// ErrUnknownCategory is returned when a category is outside the closed set.
var ErrUnknownCategory = errors.New("unknown action category")

// Categories lists every supported action category in display order.
func Categories() []ActionCategory {
	out := make([]ActionCategory, len(categories))
	copy(out, categories)
	return out
}

// ParseCategory normalises raw input into a known ActionCategory.
func ParseCategory(raw string) (ActionCategory, error) {
	candidate := ActionCategory(strings.ToLower(strings.TrimSpace(raw)))
	if candidate.Valid() {
		return candidate, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownCategory, raw)
}

// Valid reports whether c belongs to the closed category set.
func (c ActionCategory) Valid() bool {
	for _, known := range categories {
		if c == known {
			return true
		}
	}
	return false
}

// VerificationStatus is the persisted verdict of a verification attempt.
type VerificationStatus string

const (
	StatusVerified VerificationStatus = "verified"
	StatusRejected VerificationStatus = "rejected"
)

// VerificationRecord is the immutable audit row written once per verification request.
type VerificationRecord struct {
	ID            string
	UserID        string
	Category      ActionCategory
	Description   string
	Status        VerificationStatus
	Confidence    int
	Feedback      string
	PointsAwarded int
	VideoPath     string
	CreatedAt     time.Time
}

// LedgerEntry is an append-only point-earning event.
type LedgerEntry struct {
	ID        string         `json:"id"`
	UserID    string         `json:"user_id"`
	Category  ActionCategory `json:"action_type"`
	Points    int            `json:"points"`
	Date      string         `json:"date"`
	Day       string         `json:"day"`
	CreatedAt time.Time      `json:"created_at"`
}

// LedgerDateLayout is the calendar date format stored alongside each entry.
const LedgerDateLayout = "2006-01-02"

// CalendarFields returns the date and three-letter weekday label for t in UTC.
func CalendarFields(t time.Time) (date, day string) {
	utc := t.UTC()
	return utc.Format(LedgerDateLayout), utc.Weekday().String()[:3]
}

// Verdict is the structured answer returned by a Classifier.
type Verdict struct {
	Verified   bool
	Confidence int
	Feedback   string
	// PointsRecommendation is nil when the model omitted it.
	PointsRecommendation *int
}

// Cursor models the ledger pagination token.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}
