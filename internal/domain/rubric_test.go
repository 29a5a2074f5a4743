package domain

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEveryCategoryHasRubric(t *testing.T) {
	book := DefaultRubrics()
	for _, c := range Categories() {
		r, err := book.Lookup(c)
		require.NoError(t, err, c)
		require.Equal(t, c, r.Category)
		require.NotEmpty(t, r.Evidence)

		instruction := r.SystemInstruction()
		require.Contains(t, instruction, string(c))
		require.Contains(t, instruction, `"pointsRecommendation"`)
	}

	_, err := book.Lookup("skydiving")
	require.ErrorIs(t, err, ErrUnknownCategory)
}

func TestOnlySaveEnergyCarriesTrendRule(t *testing.T) {
	for c, r := range DefaultRubrics() {
		hasTrend := strings.Contains(r.SystemInstruction(), "CRITICAL FOR")
		require.Equal(t, c == CategorySaveEnergy, hasTrend, c)
	}
	instruction := DefaultRubrics()[CategorySaveEnergy].SystemInstruction()
	require.Contains(t, instruction, "brightness increased or decreased")
}

func TestClampPoints(t *testing.T) {
	r := Rubric{MinPoints: 1, MaxPoints: 10}
	require.Equal(t, 0, r.ClampPoints(-2))
	require.Equal(t, 0, r.ClampPoints(0))
	require.Equal(t, 7, r.ClampPoints(7))
	require.Equal(t, 10, r.ClampPoints(11))
}

func TestParseCategory(t *testing.T) {
	c, err := ParseCategory("  Public_Transport ")
	require.NoError(t, err)
	require.Equal(t, CategoryPublicTransport, c)

	_, err = ParseCategory("")
	require.ErrorIs(t, err, ErrUnknownCategory)
}

func TestCalendarFieldsUseUTC(t *testing.T) {
	loc := time.FixedZone("UTC+10", 10*60*60)
	date, day := CalendarFields(time.Date(2025, 6, 12, 6, 0, 0, 0, loc))
	require.Equal(t, "2025-06-11", date)
	require.Equal(t, "Wed", day)
}
