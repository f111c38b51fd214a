package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/t77yq/research-scheduler/internal/model"
)

// NextRun computes the next execution instant for a schedule, strictly
// after now. The candidate is placed in the schedule's own timezone so DST
// transitions are handled by the time package, then converted back to UTC.
//
// When forceAdvance is set the otherwise-computed occurrence is skipped and
// the one after it is returned. Callers set it on schedule edits when the
// current period has already executed.
func NextRun(now time.Time, sched model.Schedule, forceAdvance bool) (time.Time, error) {
	loc, err := time.LoadLocation(sched.Timezone)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timezone %q: %w", sched.Timezone, err)
	}

	hour, minute, err := ParseDeliveryTime(sched.DeliveryTime)
	if err != nil {
		return time.Time{}, err
	}

	nowLocal := now.In(loc)
	cand := time.Date(nowLocal.Year(), nowLocal.Month(), nowLocal.Day(), hour, minute, 0, 0, loc)

	switch sched.Frequency {
	case model.FrequencyDaily:
		// Today's delivery time is the candidate; the correction loop
		// below rolls it forward if it has already passed.

	case model.FrequencyWeekly:
		delta := (sched.DayOfWeek - int(cand.Weekday()) + 7) % 7
		if delta == 0 && !cand.After(nowLocal) {
			delta = 7
		}
		cand = time.Date(nowLocal.Year(), nowLocal.Month(), nowLocal.Day()+delta, hour, minute, 0, 0, loc)

	case model.FrequencyMonthly:
		target := clampDay(sched.DayOfMonth, nowLocal.Year(), nowLocal.Month())
		if nowLocal.Day() < target || (nowLocal.Day() == target && cand.After(nowLocal)) {
			cand = time.Date(nowLocal.Year(), nowLocal.Month(), target, hour, minute, 0, 0, loc)
		} else {
			next := time.Date(nowLocal.Year(), nowLocal.Month()+1, 1, hour, minute, 0, 0, loc)
			target = clampDay(sched.DayOfMonth, next.Year(), next.Month())
			cand = time.Date(next.Year(), next.Month(), target, hour, minute, 0, 0, loc)
		}
	}

	// Single source of truth for "must be in the future". Also repairs
	// edge cases the frequency placement above may leave behind.
	for !cand.After(nowLocal) {
		cand = advance(cand, sched, hour, minute, loc)
	}

	if forceAdvance {
		cand = advance(cand, sched, hour, minute, loc)
	}

	return cand.UTC(), nil
}

// advance moves a candidate forward by one recurrence period. Each advanced
// candidate is rebuilt from date components plus the schedule's own
// hour/minute: a candidate that landed inside a DST gap gets normalized off
// its wall-clock time, and arithmetic on the normalized instant would carry
// that shift into every following period. Monthly advances also re-clamp to
// the schedule's day-of-month so a period clamped to a short month (e.g.
// Feb 28 for day 31) recovers the full day afterwards.
func advance(t time.Time, sched model.Schedule, hour, minute int, loc *time.Location) time.Time {
	y, m, d := t.Date()
	switch sched.Frequency {
	case model.FrequencyWeekly:
		return time.Date(y, m, d+7, hour, minute, 0, 0, loc)
	case model.FrequencyMonthly:
		next := time.Date(y, m+1, 1, hour, minute, 0, 0, loc)
		day := clampDay(sched.DayOfMonth, next.Year(), next.Month())
		return time.Date(next.Year(), next.Month(), day, hour, minute, 0, 0, loc)
	default:
		return time.Date(y, m, d+1, hour, minute, 0, 0, loc)
	}
}

// clampDay bounds a requested day-of-month to the actual length of the month
func clampDay(day int, year int, month time.Month) int {
	last := daysInMonth(year, month)
	if day > last {
		return last
	}
	return day
}

// daysInMonth returns the number of days in the given month
func daysInMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// ParseDeliveryTime parses an "HH:MM" local time-of-day string
func ParseDeliveryTime(s string) (hour, minute int, err error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid delivery time %q: expected HH:MM", s)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid delivery time %q: bad hour", s)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid delivery time %q: bad minute", s)
	}
	return hour, minute, nil
}
