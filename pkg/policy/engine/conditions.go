package engine

import (
	"slices"
	"time"

	"mercator-hq/secretsrouter/pkg/identity"
	"mercator-hq/secretsrouter/pkg/policy"
)

// inTimeWindow reports whether t falls inside the daily window. Windows
// whose end precedes their start wrap midnight; the day filter then applies
// to the day the window opened.
func inTimeWindow(w *policy.TimeWindowCondition, t time.Time) bool {
	loc := time.UTC
	if w.Timezone != "" {
		l, err := time.LoadLocation(w.Timezone)
		if err != nil {
			// Validation rejects unknown zones; an unloadable zone fails closed.
			return false
		}
		loc = l
	}
	local := t.In(loc)

	start, err := policy.ParseClock(w.Start)
	if err != nil {
		return false
	}
	end, err := policy.ParseClock(w.End)
	if err != nil {
		return false
	}
	now := local.Hour()*60 + local.Minute()

	day := local.Weekday()
	var inside bool
	switch {
	case start == end:
		inside = true
	case start < end:
		inside = now >= start && now < end
	default:
		if now >= start {
			inside = true
		} else if now < end {
			inside = true
			day = local.AddDate(0, 0, -1).Weekday()
		}
	}
	if !inside {
		return false
	}
	return dayAllowed(w.Days, day)
}

func dayAllowed(days []string, day time.Weekday) bool {
	if len(days) == 0 {
		return true
	}
	return slices.ContainsFunc(days, func(d string) bool {
		wd, ok := policy.ParseWeekday(d)
		return ok && wd == day
	})
}

// namespaceMatches reports whether the request stays in the caller's own
// namespace.
func namespaceMatches(id *identity.ServiceIdentity, req Request) bool {
	return req.Namespace == "" || req.Namespace == id.Namespace
}
