package domain_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/billing-engine/domain"
)

// =============================================================================
// SCHEDULING RULE
// =============================================================================

func TestScheduledRunDate_WeekdayTenthIsUnchanged(t *testing.T) {
	// October 10, 2025 is a Friday
	got := domain.ScheduledRunDate(2025, time.October)
	assert.Equal(t, domain.Date(2025, time.October, 10), got)
}

func TestScheduledRunDate_SaturdayShiftsToTwelfth(t *testing.T) {
	// May 10, 2025 is a Saturday
	got := domain.ScheduledRunDate(2025, time.May)
	assert.Equal(t, domain.Date(2025, time.May, 12), got)
	assert.Equal(t, time.Monday, got.Weekday())
}

func TestScheduledRunDate_SundayShiftsToEleventh(t *testing.T) {
	// August 10, 2025 is a Sunday
	got := domain.ScheduledRunDate(2025, time.August)
	assert.Equal(t, domain.Date(2025, time.August, 11), got)
	assert.Equal(t, time.Monday, got.Weekday())
}

func TestScheduledRunDate_AlwaysAWeekday(t *testing.T) {
	for year := 2020; year <= 2035; year++ {
		for month := time.January; month <= time.December; month++ {
			got := domain.ScheduledRunDate(year, month)
			assert.False(t, domain.IsWeekend(got), "%d-%d -> %s", year, month, got)

			tenth := domain.Date(year, month, 10)
			if !domain.IsWeekend(tenth) {
				assert.Equal(t, tenth, got)
			}
			assert.Equal(t, got, domain.Period{Year: year, Month: month}.ScheduledRunDate())
		}
	}
}

// =============================================================================
// PERIODS
// =============================================================================

func TestPeriod_KeyIsNotZeroPadded(t *testing.T) {
	assert.Equal(t, "2026-3", domain.Period{Year: 2026, Month: time.March}.Key())
	assert.Equal(t, "2026-11", domain.PeriodOf(domain.Date(2026, time.November, 30)).Key())
}

func TestParsePeriod(t *testing.T) {
	tests := []struct {
		in      string
		want    domain.Period
		wantErr bool
	}{
		{in: "2026-3", want: domain.Period{Year: 2026, Month: time.March}},
		{in: "2026-03", want: domain.Period{Year: 2026, Month: time.March}},
		{in: " 2025-12 ", want: domain.Period{Year: 2025, Month: time.December}},
		{in: "2025-13", wantErr: true},
		{in: "2025", wantErr: true},
		{in: "abc-1", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := domain.ParsePeriod(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, domain.ErrInvalidPeriod)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPeriod_Bounds(t *testing.T) {
	p := domain.Period{Year: 2024, Month: time.February}
	assert.Equal(t, domain.Date(2024, time.February, 1), p.Start())
	assert.Equal(t, domain.Date(2024, time.February, 29), p.End())
	assert.Equal(t, domain.Period{Year: 2024, Month: time.March}, p.Next())
	assert.Equal(t, domain.Period{Year: 2025, Month: time.January}, domain.Period{Year: 2024, Month: time.December}.Next())
}

func TestMonthsBetween_IgnoresDayOfMonth(t *testing.T) {
	join := domain.Date(2024, time.August, 31)
	assert.Equal(t, 14, domain.MonthsBetween(join, domain.Date(2025, time.October, 1)))
	assert.Equal(t, 0, domain.MonthsBetween(join, domain.Date(2024, time.August, 1)))
}

func TestYearsBetween_UsesYearFieldOnly(t *testing.T) {
	dob := domain.Date(1960, time.December, 31)
	assert.Equal(t, 65, domain.YearsBetween(dob, domain.Date(2025, time.January, 1)))
}

// =============================================================================
// STATE MACHINES
// =============================================================================

func TestCommissionStatus_Transitions(t *testing.T) {
	tests := []struct {
		from, to domain.CommissionStatus
		allowed  bool
	}{
		{domain.CommissionPending, domain.CommissionApproved, true},
		{domain.CommissionApproved, domain.CommissionPayable, true},
		{domain.CommissionPayable, domain.CommissionPaid, true},
		{domain.CommissionPending, domain.CommissionPaid, false},
		{domain.CommissionPending, domain.CommissionPayable, false},
		{domain.CommissionPaid, domain.CommissionApproved, false},
		{domain.CommissionPaid, domain.CommissionReversed, true},
		{domain.CommissionPending, domain.CommissionReversed, true},
		{domain.CommissionReversed, domain.CommissionReversed, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.allowed, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestAgentType_IndividualNormalizesToBroker(t *testing.T) {
	assert.Equal(t, domain.AgentBroker, domain.AgentIndividual.Normalize())
	assert.Equal(t, domain.AgentInternal, domain.AgentInternal.Normalize())
}
