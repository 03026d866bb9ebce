package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// =============================================================================
// CLOCK
// =============================================================================

// Clock returns the current time. Engines take one so tests can pin "today".
type Clock func() time.Time

// SystemClock is the wall clock in UTC.
func SystemClock() time.Time { return time.Now().UTC() }

// FixedClock returns a Clock that always reports t.
func FixedClock(t time.Time) Clock { return func() time.Time { return t } }

// =============================================================================
// DATES
// =============================================================================

// Date builds a UTC midnight date.
func Date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// StartOfDay truncates t to UTC midnight.
func StartOfDay(t time.Time) time.Time {
	t = t.UTC()
	return Date(t.Year(), t.Month(), t.Day())
}

func IsWeekend(t time.Time) bool {
	wd := t.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

// =============================================================================
// PERIOD - A calendar month, the unit of every run
// =============================================================================

// Period is one calendar month.
type Period struct {
	Year  int
	Month time.Month
}

// PeriodOf returns the period containing t.
func PeriodOf(t time.Time) Period {
	t = t.UTC()
	return Period{Year: t.Year(), Month: t.Month()}
}

// Key returns the period key "<year>-<month>" without zero padding, e.g. "2026-3".
func (p Period) Key() string { return fmt.Sprintf("%d-%d", p.Year, int(p.Month)) }

func (p Period) String() string { return p.Key() }

// Start returns the first day of the period.
func (p Period) Start() time.Time { return Date(p.Year, p.Month, 1) }

// End returns the last day of the period.
func (p Period) End() time.Time { return p.Start().AddDate(0, 1, -1) }

func (p Period) Valid() bool { return p.Month >= time.January && p.Month <= time.December && p.Year > 0 }

// Next returns the following month.
func (p Period) Next() Period { return PeriodOf(p.Start().AddDate(0, 1, 0)) }

// ScheduledRunDate returns the business-day adjusted run date for the period.
func (p Period) ScheduledRunDate() time.Time { return ScheduledRunDate(p.Year, p.Month) }

// ParsePeriod parses "2026-3" or "2026-03".
func ParsePeriod(s string) (Period, error) {
	parts := strings.Split(strings.TrimSpace(s), "-")
	if len(parts) != 2 {
		return Period{}, fmt.Errorf("%w: %q", ErrInvalidPeriod, s)
	}
	year, err := strconv.Atoi(parts[0])
	if err != nil {
		return Period{}, fmt.Errorf("%w: %q", ErrInvalidPeriod, s)
	}
	month, err := strconv.Atoi(parts[1])
	if err != nil {
		return Period{}, fmt.Errorf("%w: %q", ErrInvalidPeriod, s)
	}
	p := Period{Year: year, Month: time.Month(month)}
	if !p.Valid() {
		return Period{}, fmt.Errorf("%w: %q", ErrInvalidPeriod, s)
	}
	return p, nil
}

// =============================================================================
// SCHEDULING RULE
// =============================================================================

// RunDayOfMonth is the nominal day monthly runs target.
const RunDayOfMonth = 10

// ScheduledRunDate maps (year, month) to the 10th, shifted off weekends:
// Saturday moves to Monday the 12th, Sunday to Monday the 11th.
// The commission orchestrator and the group billing strategy both use it.
func ScheduledRunDate(year int, month time.Month) time.Time {
	target := Date(year, month, RunDayOfMonth)
	switch target.Weekday() {
	case time.Saturday:
		return target.AddDate(0, 0, 2)
	case time.Sunday:
		return target.AddDate(0, 0, 1)
	default:
		return target
	}
}

// =============================================================================
// CALENDAR-FIELD DIFFERENCES
// =============================================================================

// YearsBetween returns to.Year - from.Year, ignoring month and day.
func YearsBetween(from, to time.Time) int { return to.Year() - from.Year() }

// MonthsBetween returns the whole-month difference by calendar fields,
// ignoring day-of-month.
func MonthsBetween(from, to time.Time) int {
	return (to.Year()-from.Year())*12 + int(to.Month()) - int(from.Month())
}
