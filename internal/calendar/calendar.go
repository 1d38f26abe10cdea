// Package calendar provides the day-count service used by the billing
// engine. All arithmetic follows the 30/360 convention: every month counts
// 30 days and the year 360, with billing periods aligned to calendar month,
// quarter, or half-year starts in UTC.
package calendar

import (
	"errors"
	"strings"
	"time"

	"go.uber.org/fx"
)

var ErrInvalidPeriodDuration = errors.New("invalid_period_duration")

// PeriodDuration is the billing cycle length of a credit line.
type PeriodDuration string

const (
	PeriodMonthly      PeriodDuration = "MONTHLY"
	PeriodQuarterly    PeriodDuration = "QUARTERLY"
	PeriodSemiAnnually PeriodDuration = "SEMI_ANNUALLY"
)

// ParsePeriodDuration normalizes user input into a PeriodDuration.
func ParsePeriodDuration(s string) (PeriodDuration, error) {
	switch PeriodDuration(strings.ToUpper(strings.TrimSpace(s))) {
	case PeriodMonthly:
		return PeriodMonthly, nil
	case PeriodQuarterly:
		return PeriodQuarterly, nil
	case PeriodSemiAnnually:
		return PeriodSemiAnnually, nil
	default:
		return "", ErrInvalidPeriodDuration
	}
}

// Valid reports whether the duration is one of the supported cycles.
func (pd PeriodDuration) Valid() bool {
	switch pd {
	case PeriodMonthly, PeriodQuarterly, PeriodSemiAnnually:
		return true
	default:
		return false
	}
}

// Months returns the calendar months spanned by one period.
func (pd PeriodDuration) Months() int {
	switch pd {
	case PeriodQuarterly:
		return 3
	case PeriodSemiAnnually:
		return 6
	default:
		return 1
	}
}

// Calendar is the date arithmetic consumed by the billing engine. It must be
// consistent across calls: the same inputs always produce the same outputs,
// and boundaries are monotonic in time.
type Calendar interface {
	// DaysInYear returns the day-count basis of the convention.
	DaysInYear() int
	// DaysInPeriod returns the day count of one full billing period.
	DaysInPeriod(pd PeriodDuration) int
	// DaysDiff returns the day-count difference from start to end.
	// Returns 0 when end is not after start.
	DaysDiff(start, end time.Time) int
	// StartOfPeriod returns the aligned period boundary at or before t.
	StartOfPeriod(pd PeriodDuration, t time.Time) time.Time
	// StartOfNextPeriod returns the first aligned boundary strictly after t.
	StartOfNextPeriod(pd PeriodDuration, t time.Time) time.Time
	// AddPeriods advances an aligned boundary by n whole periods.
	AddPeriods(pd PeriodDuration, t time.Time, n int) time.Time
	// PeriodsPassed returns the largest k >= 0 such that start advanced by
	// k whole periods is still at or before end. start must be an aligned
	// boundary.
	PeriodsPassed(pd PeriodDuration, start, end time.Time) int
}

type thirty360 struct{}

// New returns the 30/360 calendar.
func New() Calendar {
	return thirty360{}
}

func (thirty360) DaysInYear() int {
	return 360
}

func (thirty360) DaysInPeriod(pd PeriodDuration) int {
	return pd.Months() * 30
}

func (thirty360) DaysDiff(start, end time.Time) int {
	start, end = start.UTC(), end.UTC()
	if !end.After(start) {
		return 0
	}
	y1, m1, d1 := start.Date()
	y2, m2, d2 := end.Date()
	if d1 > 30 {
		d1 = 30
	}
	if d2 > 30 {
		d2 = 30
	}
	diff := (y2-y1)*360 + (int(m2)-int(m1))*30 + (d2 - d1)
	if diff < 0 {
		return 0
	}
	return diff
}

func (thirty360) StartOfPeriod(pd PeriodDuration, t time.Time) time.Time {
	t = t.UTC()
	y, m, _ := t.Date()
	month := int(m) - 1
	month -= month % pd.Months()
	return time.Date(y, time.Month(month+1), 1, 0, 0, 0, 0, time.UTC)
}

func (c thirty360) StartOfNextPeriod(pd PeriodDuration, t time.Time) time.Time {
	return c.StartOfPeriod(pd, t).AddDate(0, pd.Months(), 0)
}

func (thirty360) AddPeriods(pd PeriodDuration, t time.Time, n int) time.Time {
	return t.UTC().AddDate(0, n*pd.Months(), 0)
}

func (c thirty360) PeriodsPassed(pd PeriodDuration, start, end time.Time) int {
	start, end = start.UTC(), end.UTC()
	if end.Before(start) {
		return 0
	}
	months := (end.Year()-start.Year())*12 + int(end.Month()) - int(start.Month())
	k := months / pd.Months()
	if k > 0 && c.AddPeriods(pd, start, k).After(end) {
		k--
	}
	return k
}

var Module = fx.Module("calendar",
	fx.Provide(New),
)
