package model

import "time"

// Plan represents a subscription plan and its daily-run budget.
// Plans are read-only inputs to quota validation; MaxDailyRuns bounds how
// many distinct projects may be due on any single calendar day.
type Plan struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	MaxDailyRuns    int    `json:"max_daily_runs"`
	SubscriptionRef string `json:"subscription_ref,omitempty"`

	// IsDefaultFreePlan marks the plan resolved for users without an
	// active or trialing subscription.
	IsDefaultFreePlan bool `json:"is_default_free_plan"`

	CreatedAt time.Time `json:"created_at"`
}
