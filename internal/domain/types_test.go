package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWeekIDForAnchorsOnWednesday(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	cases := []struct {
		name string
		at   time.Time
		want WeekID
	}{
		{"monday", time.Date(2026, 8, 24, 10, 0, 0, 0, ny), "2026-08-26"},
		{"wednesday itself", time.Date(2026, 8, 26, 9, 30, 0, 0, ny), "2026-08-26"},
		{"friday", time.Date(2026, 8, 28, 16, 0, 0, 0, ny), "2026-08-26"},
		{"sunday maps to the week's wednesday", time.Date(2026, 8, 30, 12, 0, 0, 0, ny), "2026-08-26"},
		{"next monday rolls forward", time.Date(2026, 8, 31, 8, 0, 0, 0, ny), "2026-09-02"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, WeekIDFor(tc.at, ny))
		})
	}
}

func TestWeekIDForUsesMarketTimezone(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	// Late Tuesday evening UTC is already Tuesday in New York; both sides
	// of midnight UTC stay in the same market week.
	utcLate := time.Date(2026, 8, 26, 1, 0, 0, 0, time.UTC) // Tue 21:00 in NY
	assert.Equal(t, WeekID("2026-08-26"), WeekIDFor(utcLate, ny))
}

func TestWeekIDValidate(t *testing.T) {
	assert.NoError(t, WeekID("2026-08-26").Validate())

	err := WeekID("2026-08-25").Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Tuesday")

	assert.Error(t, WeekID("not-a-date").Validate())
	assert.Error(t, WeekID("").Validate())
}

func TestReviewScoresMean(t *testing.T) {
	s := ReviewScores{
		Clarity: 7, EdgePlausibility: 7, TimingCatalyst: 7,
		RiskDefinition: 7, IndicatorIntegrity: 7, Originality: 7, Tradeability: 7,
	}
	assert.InDelta(t, 7.0, s.Mean(), 1e-9)

	s = ReviewScores{
		Clarity: 1, EdgePlausibility: 2, TimingCatalyst: 3,
		RiskDefinition: 4, IndicatorIntegrity: 5, Originality: 6, Tradeability: 7,
	}
	assert.InDelta(t, 4.0, s.Mean(), 1e-9)
}
