/*
Package billing computes the sending provider's billing cycle.

The cycle is NOT aligned with calendar months. Each month has a start day
and an end day:

  start day: 20 in January, 22 in March, 21 otherwise
  end day:   20 in 31-day months (Jan, Mar, May, Jul, Aug, Oct, Dec),
             19 otherwise (February included)

A date before its month's start day belongs to the cycle that began on the
previous month's start day and ends on the current month's end day. Any
other date belongs to the cycle starting on the current month's start day
and ending on the next month's end day.

Examples:
  2024-01-10 -> [2023-12-21, 2024-01-20]
  2024-03-25 -> [2024-03-22, 2024-04-19]
  2024-02-15 -> [2024-01-20, 2024-02-19]

The calculator is pure: no clock, no store, no failure modes.
*/
package billing

import (
	"time"

	"github.com/warp/quota-engine/generic"
)

// StartDay returns the day-of-month on which a cycle starts in month m.
func StartDay(m time.Month) int {
	switch m {
	case time.January:
		return 20
	case time.March:
		return 22
	default:
		return 21
	}
}

// EndDay returns the day-of-month on which a cycle ends in month m.
func EndDay(m time.Month) int {
	switch m {
	case time.January, time.March, time.May, time.July, time.August, time.October, time.December:
		return 20
	default:
		return 19
	}
}

// PeriodFor returns the billing cycle containing date.
func PeriodFor(date generic.TimePoint) generic.Period {
	thisMonth := generic.NewTimePoint(date.Year(), date.Month(), 1)

	if date.Day() < StartDay(date.Month()) {
		prev := thisMonth.AddMonths(-1)
		return generic.Period{
			Start: generic.NewTimePoint(prev.Year(), prev.Month(), StartDay(prev.Month())),
			End:   generic.NewTimePoint(date.Year(), date.Month(), EndDay(date.Month())),
		}
	}

	next := thisMonth.AddMonths(1)
	return generic.Period{
		Start: generic.NewTimePoint(date.Year(), date.Month(), StartDay(date.Month())),
		End:   generic.NewTimePoint(next.Year(), next.Month(), EndDay(next.Month())),
	}
}

// SamePeriod reports whether a and b fall in the same billing cycle.
func SamePeriod(a, b generic.TimePoint) bool {
	return PeriodFor(a).Equal(PeriodFor(b))
}
