// Package quota validates candidate project sets against a plan's
// daily-run budget. MaxDailyRuns bounds how many projects may be due on any
// single calendar day: daily projects count against every day, weekly and
// monthly projects only against their own day bucket.
package quota

import (
	"github.com/t77yq/research-scheduler/internal/model"
)

// Admissible reports whether the candidate set of active projects fits the
// plan's daily-run budget. It is a pure aggregation: the result does not
// depend on the order of candidates.
func Admissible(plan model.Plan, candidates []model.Project) bool {
	daily := 0
	weekly := make(map[int]int)
	monthly := make(map[int]int)

	for _, p := range candidates {
		switch p.Frequency {
		case model.FrequencyDaily:
			daily++
		case model.FrequencyWeekly:
			weekly[p.DayOfWeek]++
		case model.FrequencyMonthly:
			monthly[p.DayOfMonth]++
		}
	}

	// Daily projects alone saturate every bucket.
	if daily > plan.MaxDailyRuns {
		return false
	}

	// Weekly and monthly buckets are checked independently; a Monday and
	// the 15th never sum together even when they coincide.
	for _, n := range weekly {
		if n+daily > plan.MaxDailyRuns {
			return false
		}
	}
	for _, n := range monthly {
		if n+daily > plan.MaxDailyRuns {
			return false
		}
	}

	return true
}
