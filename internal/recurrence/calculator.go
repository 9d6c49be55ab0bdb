// Package recurrence computes the next occurrence of a task's reminder or
// due-date schedule. It is the single source of truth for recurrence math:
// both the polling reminder loop and the completion-event handler call the
// same Calculator and must not carry date arithmetic of their own.
package recurrence

import (
	"time"

	"remindflow/internal/domain"
)

// DefaultOverdueGrace is how far past a one-time anchor may already be and
// still count as due. It absorbs scheduler-cycle latency.
const DefaultOverdueGrace = 5 * time.Minute

// Calculator is stateless; all results derive from the anchor, the rule and
// the reference time passed in.
type Calculator struct {
	OverdueGrace time.Duration
}

// New returns a Calculator with the default grace window.
func New() Calculator {
	return Calculator{OverdueGrace: DefaultOverdueGrace}
}

// Next returns the next occurrence of rule at or after now. The anchor
// supplies the time-of-day and, where the rule leaves them implicit, the
// target weekday or day-of-month.
//
// A candidate exactly equal to now counts as passed: recurring rules advance
// past it, so the returned timestamp for a recurring rule is strictly after
// now. For a one-time rule the anchor itself is returned as long as it is not
// more than OverdueGrace in the past; otherwise ok is false (missed).
//
// ok is also false for an unknown frequency; the caller is expected to log
// that as a data-integrity warning rather than fail the cycle.
func (c Calculator) Next(anchor time.Time, rule domain.Rule, now time.Time) (next time.Time, ok bool) {
	interval := rule.Interval
	if interval < 1 {
		interval = 1
	}

	switch rule.Frequency {
	case "", domain.FreqNone:
		return c.nextOneTime(anchor, now)
	case domain.FreqDaily:
		return nextDaily(anchor, interval, now), true
	case domain.FreqWeekly:
		return nextWeekly(anchor, rule.Weekdays, interval, now), true
	case domain.FreqMonthly:
		return nextMonthly(anchor, rule.DayOfMonth, interval, now), true
	}
	return time.Time{}, false
}

func (c Calculator) nextOneTime(anchor, now time.Time) (time.Time, bool) {
	grace := c.OverdueGrace
	if grace <= 0 {
		grace = DefaultOverdueGrace
	}
	if anchor.Before(now.Add(-grace)) {
		return time.Time{}, false
	}
	return anchor, true
}

func nextDaily(anchor time.Time, interval int, now time.Time) time.Time {
	today := atTimeOf(now, anchor)
	if today.After(now) {
		return today
	}
	return today.AddDate(0, 0, interval)
}

func nextWeekly(anchor time.Time, weekdays []time.Weekday, interval int, now time.Time) time.Time {
	if len(weekdays) == 0 {
		weekdays = []time.Weekday{anchor.Weekday()}
	}

	// Today qualifies only if the time-of-day has not yet passed.
	if weekdayIn(now.Weekday(), weekdays) {
		today := atTimeOf(now, anchor)
		if today.After(now) {
			return today
		}
	}

	// Weeks run Monday..Sunday, so the wrap target is the Monday-earliest
	// member of the set. Extra interval weeks apply only on wrap.
	cur := mondayBased(now.Weekday())
	ahead := -1
	earliest := 7
	for _, d := range weekdays {
		md := mondayBased(d)
		if md < earliest {
			earliest = md
		}
		if md > cur && (ahead == -1 || md-cur < ahead) {
			ahead = md - cur
		}
	}
	if ahead == -1 {
		ahead = 7 - cur + earliest + (interval-1)*7
	}
	return atTimeOf(now.AddDate(0, 0, ahead), anchor)
}

func nextMonthly(anchor time.Time, dayOfMonth, interval int, now time.Time) time.Time {
	if dayOfMonth < 1 {
		dayOfMonth = anchor.Day()
	}

	cand := placeInMonth(now.Year(), now.Month(), dayOfMonth, anchor, now.Location())
	if cand.After(now) {
		return cand
	}
	shifted := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location()).AddDate(0, interval, 0)
	return placeInMonth(shifted.Year(), shifted.Month(), dayOfMonth, anchor, now.Location())
}

// placeInMonth puts day in the given month, clamping to the month's last day
// when the day does not exist there (day 31 in February lands on Feb 28/29).
// The clamp is deliberate behavior, not an error.
func placeInMonth(year int, month time.Month, day int, anchor time.Time, loc *time.Location) time.Time {
	if last := lastDayOfMonth(year, month); day > last {
		day = last
	}
	return time.Date(year, month, day, anchor.Hour(), anchor.Minute(), anchor.Second(), 0, loc)
}

func lastDayOfMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// atTimeOf combines day's date with anchor's time-of-day.
func atTimeOf(day, anchor time.Time) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(),
		anchor.Hour(), anchor.Minute(), anchor.Second(), 0, day.Location())
}

func mondayBased(d time.Weekday) int {
	return (int(d) + 6) % 7
}

func weekdayIn(d time.Weekday, set []time.Weekday) bool {
	for _, w := range set {
		if w == d {
			return true
		}
	}
	return false
}
