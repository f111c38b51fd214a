package model

import (
	"time"
)

// Frequency represents how often a project delivers results
type Frequency string

const (
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
)

// ProjectStatus represents the lifecycle status of a project
type ProjectStatus string

const (
	StatusDraft   ProjectStatus = "draft"
	StatusActive  ProjectStatus = "active"
	StatusPaused  ProjectStatus = "paused"
	StatusRunning ProjectStatus = "running"
	StatusError   ProjectStatus = "error"
	StatusDeleted ProjectStatus = "deleted"
)

// Schedule holds the recurrence settings of a project.
// DayOfWeek is meaningful only for weekly projects (0 = Sunday),
// DayOfMonth only for monthly projects (clamped to shorter months).
type Schedule struct {
	Frequency    Frequency `json:"frequency"`
	DeliveryTime string    `json:"delivery_time"` // "HH:MM" local time
	Timezone     string    `json:"timezone"`      // IANA timezone name
	DayOfWeek    int       `json:"day_of_week,omitempty"`
	DayOfMonth   int       `json:"day_of_month,omitempty"`
}

// Project represents a recurring research delivery job
type Project struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`
	Title  string `json:"title"`

	Schedule

	Status    ProjectStatus `json:"status"`
	NextRunAt time.Time     `json:"next_run_at"`
	LastRunAt *time.Time    `json:"last_run_at,omitempty"`

	// Revision guards conditional updates; bumped on every write.
	Revision int64 `json:"revision"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsActive reports whether the project contributes to the daily-run budget
func (p *Project) IsActive() bool {
	return p.Status == StatusActive
}

// IsDeleted reports whether the project has been soft-deleted
func (p *Project) IsDeleted() bool {
	return p.Status == StatusDeleted
}

// RunResult represents the outcome of a dispatched project run,
// published by the execution system on the result subject.
type RunResult struct {
	RunID       string    `json:"run_id"`
	ProjectID   string    `json:"project_id"`
	UserID      string    `json:"user_id"`
	Succeeded   bool      `json:"succeeded"`
	Error       string    `json:"error,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}

// RunRequest is the payload the dispatcher publishes when a project is due
type RunRequest struct {
	RunID        string    `json:"run_id"`
	ProjectID    string    `json:"project_id"`
	UserID       string    `json:"user_id"`
	Title        string    `json:"title"`
	ScheduledFor time.Time `json:"scheduled_for"`
	DispatchedAt time.Time `json:"dispatched_at"`
}
