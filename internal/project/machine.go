// Package project implements the status machine governing the lifecycle of
// recurring research delivery projects: activation against the plan's
// daily-run budget, pausing, soft deletion, and schedule edits with
// recomputation of the next run.
package project

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/research-scheduler/internal/billing"
	"github.com/t77yq/research-scheduler/internal/model"
	"github.com/t77yq/research-scheduler/internal/quota"
	"github.com/t77yq/research-scheduler/internal/schedule"
	"github.com/t77yq/research-scheduler/internal/storage"
)

// DefaultGuardWindow is the minimum lead time between "now" and a newly
// computed next run for a schedule edit on an active project. Runs closer
// than this cannot be rescheduled without racing the execution system.
const DefaultGuardWindow = 16 * time.Minute

// deletedTitleMarker is appended to a project's title on soft deletion so
// the original title becomes reusable
const deletedTitleMarker = " (deleted %s)"

// Store is the persistence contract the status machine needs
type Store interface {
	CreateProject(ctx context.Context, p *model.Project) error
	UpdateProject(ctx context.Context, p *model.Project) error
	GetProjectByTitle(ctx context.Context, userID, title string) (*model.Project, error)
	GetProjectsForUser(ctx context.Context, userID string, statuses ...model.ProjectStatus) ([]model.Project, error)
}

// PlanCatalog lists the available subscription plans
type PlanCatalog interface {
	Plans(ctx context.Context) ([]model.Plan, error)
}

// Cache is the per-user snapshot of non-deleted projects
type Cache interface {
	Get(userID string) ([]model.Project, bool)
	Set(userID string, projects []model.Project)
	Invalidate(userID string)
}

// Publisher pushes the refreshed project list to live subscribers
type Publisher interface {
	PublishProjects(ctx context.Context, userID string, projects []model.Project) error
}

// StatusMachine orchestrates recurrence computation, quota validation, and
// legal status transitions for a user's projects.
type StatusMachine struct {
	logger      *zap.Logger
	store       Store
	plans       PlanCatalog
	billing     billing.Oracle
	cache       Cache
	publisher   Publisher
	guardWindow time.Duration

	// debug attaches diagnostic text to internal failures; off in
	// production so infrastructure detail never reaches clients.
	debug bool

	now func() time.Time
}

// Option configures a StatusMachine
type Option func(*StatusMachine)

// WithGuardWindow overrides the edit guard window
func WithGuardWindow(d time.Duration) Option {
	return func(m *StatusMachine) {
		if d > 0 {
			m.guardWindow = d
		}
	}
}

// WithDebug attaches diagnostic detail to internal failure results
func WithDebug(debug bool) Option {
	return func(m *StatusMachine) { m.debug = debug }
}

// WithClock overrides the machine's time source. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(m *StatusMachine) { m.now = now }
}

// NewStatusMachine creates a status machine over the given collaborators
func NewStatusMachine(store Store, plans PlanCatalog, oracle billing.Oracle, cache Cache, publisher Publisher, logger *zap.Logger, opts ...Option) *StatusMachine {
	m := &StatusMachine{
		logger:      logger.Named("status-machine"),
		store:       store,
		plans:       plans,
		billing:     oracle,
		cache:       cache,
		publisher:   publisher,
		guardWindow: DefaultGuardWindow,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateProject creates a project in draft status with its first computed
// next run. The title must be unique within the user's project set.
func (m *StatusMachine) CreateProject(ctx context.Context, userID, title string, sched model.Schedule) Result {
	if userID == "" || title == "" {
		return rejected("", CodeInvalidInput, "user id and title are required")
	}
	if msg := validateSchedule(sched); msg != "" {
		return rejected("", CodeInvalidInput, msg)
	}

	now := m.now()
	nextRun, err := schedule.NextRun(now, sched, false)
	if err != nil {
		return rejected("", CodeInvalidInput, err.Error())
	}

	p := &model.Project{
		ID:        uuid.New().String(),
		UserID:    userID,
		Title:     title,
		Schedule:  sched,
		Status:    model.StatusDraft,
		NextRunAt: nextRun,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := m.store.CreateProject(ctx, p); err != nil {
		if errors.Is(err, storage.ErrDuplicateTitle) {
			return rejected("", CodeInvalidInput, fmt.Sprintf("a project titled %q already exists", title))
		}
		return m.internalFailure("", err)
	}

	m.refresh(ctx, userID)

	m.logger.Info("Created project",
		zap.String("user_id", userID),
		zap.String("project_id", p.ID),
		zap.String("frequency", string(sched.Frequency)),
		zap.Time("next_run_at", nextRun))

	return accepted(model.StatusDraft)
}

// ToggleStatus applies a caller-requested status change. Setting a status to
// its current value is rejected as a no-op, never silently accepted.
func (m *StatusMachine) ToggleStatus(ctx context.Context, userID, title string, target model.ProjectStatus) Result {
	p, res, ok := m.load(ctx, userID, title)
	if !ok {
		return res
	}

	if target == p.Status {
		return rejected(p.Status, CodeStatusUnchanged,
			fmt.Sprintf("project is already %s", p.Status))
	}

	if target == model.StatusDeleted {
		return m.DeleteProject(ctx, userID, title)
	}

	if executionOwned(p.Status) {
		return rejected(p.Status, CodeInvalidStatus,
			fmt.Sprintf("project is %s; wait for the current run to settle", p.Status))
	}

	if !canTransition(p.Status, target) {
		return rejected(p.Status, CodeInvalidStatus,
			fmt.Sprintf("cannot move project from %s to %s", p.Status, target))
	}

	if requiresQuota(target) {
		plan, res, ok := m.resolvePlan(ctx, userID, p.Status)
		if !ok {
			return res
		}

		active, err := m.activeSet(ctx, userID)
		if err != nil {
			return m.internalFailure(p.Status, err)
		}

		candidate := withProject(active, *p)
		if !quota.Admissible(plan, candidate) {
			return rejected(p.Status, CodeMaxDailyRuns,
				fmt.Sprintf("plan %q allows at most %d runs per day", plan.Name, plan.MaxDailyRuns))
		}

		// Activation re-anchors the next run so a project drafted long
		// ago never carries a stale past timestamp into the active set.
		nextRun, err := schedule.NextRun(m.now(), p.Schedule, false)
		if err != nil {
			return rejected(p.Status, CodeInvalidInput, err.Error())
		}
		p.NextRunAt = nextRun
	}

	prev := p.Status
	p.Status = target
	p.UpdatedAt = m.now()

	if err := m.store.UpdateProject(ctx, p); err != nil {
		return m.internalFailure(prev, err)
	}

	m.refresh(ctx, userID)

	m.logger.Info("Toggled project status",
		zap.String("user_id", userID),
		zap.String("project_id", p.ID),
		zap.String("status", string(target)))

	return accepted(target)
}

// DeleteProject soft-deletes a project: the title is renamed with a deletion
// marker and the status set to deleted. Irreversible through this machine,
// and idempotent in effect.
func (m *StatusMachine) DeleteProject(ctx context.Context, userID, title string) Result {
	p, res, ok := m.load(ctx, userID, title)
	if !ok {
		return res
	}

	if p.IsDeleted() {
		return accepted(model.StatusDeleted)
	}

	now := m.now()
	prev := p.Status
	p.Title = p.Title + fmt.Sprintf(deletedTitleMarker, now.UTC().Format(time.RFC3339))
	p.Status = model.StatusDeleted
	p.UpdatedAt = now

	if err := m.store.UpdateProject(ctx, p); err != nil {
		return m.internalFailure(prev, err)
	}

	m.refresh(ctx, userID)

	m.logger.Info("Deleted project",
		zap.String("user_id", userID),
		zap.String("project_id", p.ID))

	return accepted(model.StatusDeleted)
}

// UpdateProjectSchedule applies a schedule edit and recomputes the next run.
// Edits to active projects re-validate quota with the new schedule fields
// substituted into the snapshot, and must land outside the guard window.
// ranThisPeriod signals that execution telemetry shows the currently-computed
// period already executed, so the edit skips to the following occurrence.
func (m *StatusMachine) UpdateProjectSchedule(ctx context.Context, userID, title string, sched model.Schedule, ranThisPeriod bool) Result {
	if msg := validateSchedule(sched); msg != "" {
		return rejected("", CodeInvalidInput, msg)
	}

	p, res, ok := m.load(ctx, userID, title)
	if !ok {
		return res
	}

	if p.IsDeleted() {
		return rejected(p.Status, CodeInvalidStatus, "project has been deleted")
	}

	if editRequiresQuota(p.Status) {
		plan, res, ok := m.resolvePlan(ctx, userID, p.Status)
		if !ok {
			return res
		}

		active, err := m.activeSet(ctx, userID)
		if err != nil {
			return m.internalFailure(p.Status, err)
		}

		edited := *p
		edited.Schedule = sched
		if !quota.Admissible(plan, withProject(active, edited)) {
			return rejected(p.Status, CodeMaxDailyRuns,
				fmt.Sprintf("plan %q allows at most %d runs per day", plan.Name, plan.MaxDailyRuns))
		}
	}

	now := m.now()
	forceAdvance := ranThisPeriod && editRequiresGuardWindow(p.Status)
	nextRun, err := schedule.NextRun(now, sched, forceAdvance)
	if err != nil {
		return rejected(p.Status, CodeInvalidInput, err.Error())
	}

	if editRequiresGuardWindow(p.Status) && nextRun.Sub(now) < m.guardWindow {
		return rejected(p.Status, CodeDeliveryWindowTooClose,
			fmt.Sprintf("next run at %s is within %s of now; retry after the current window passes",
				nextRun.Format(time.RFC3339), m.guardWindow))
	}

	p.Schedule = sched
	p.NextRunAt = nextRun
	p.UpdatedAt = now

	if err := m.store.UpdateProject(ctx, p); err != nil {
		return m.internalFailure(p.Status, err)
	}

	m.refresh(ctx, userID)

	m.logger.Info("Updated project schedule",
		zap.String("user_id", userID),
		zap.String("project_id", p.ID),
		zap.String("frequency", string(sched.Frequency)),
		zap.Time("next_run_at", nextRun),
		zap.Bool("force_advance", forceAdvance))

	return accepted(p.Status)
}

// ComputeNextRunAt exposes recurrence computation against the machine's
// clock for callers that only need the timestamp.
func (m *StatusMachine) ComputeNextRunAt(sched model.Schedule, forceAdvance bool) (time.Time, error) {
	return schedule.NextRun(m.now(), sched, forceAdvance)
}

// ValidateQuota checks whether the user's current active set, plus the
// optional extra candidate, fits their effective plan's daily-run budget.
func (m *StatusMachine) ValidateQuota(ctx context.Context, userID string, extra *model.Project) Result {
	plan, res, ok := m.resolvePlan(ctx, userID, "")
	if !ok {
		return res
	}

	active, err := m.activeSet(ctx, userID)
	if err != nil {
		return m.internalFailure("", err)
	}

	candidate := active
	if extra != nil {
		candidate = withProject(active, *extra)
	}

	if !quota.Admissible(plan, candidate) {
		return rejected("", CodeMaxDailyRuns,
			fmt.Sprintf("plan %q allows at most %d runs per day", plan.Name, plan.MaxDailyRuns))
	}
	return Result{OK: true}
}

// load fetches a project by title and translates lookup failures into the
// structured result shape. ok is false when res should be returned as-is.
func (m *StatusMachine) load(ctx context.Context, userID, title string) (*model.Project, Result, bool) {
	if userID == "" || title == "" {
		return nil, rejected("", CodeInvalidInput, "user id and title are required"), false
	}

	p, err := m.store.GetProjectByTitle(ctx, userID, title)
	if err != nil {
		if errors.Is(err, storage.ErrProjectNotFound) {
			return nil, rejected("", CodeNotFound, fmt.Sprintf("no project titled %q", title)), false
		}
		return nil, m.internalFailure("", err), false
	}
	return p, Result{}, true
}

// resolvePlan determines the user's effective plan: their paid plan when the
// billing oracle reports an entitled subscription, else the default free
// plan. No resolvable plan is a business rejection, not an error.
func (m *StatusMachine) resolvePlan(ctx context.Context, userID string, status model.ProjectStatus) (model.Plan, Result, bool) {
	sub, err := m.billing.Subscription(ctx, userID)
	if err != nil {
		return model.Plan{}, m.internalFailure(status, err), false
	}

	plans, err := m.plans.Plans(ctx)
	if err != nil {
		return model.Plan{}, m.internalFailure(status, err), false
	}

	if sub.Entitled() {
		for _, plan := range plans {
			if plan.ID == sub.PlanID {
				return plan, Result{}, true
			}
		}
	}

	for _, plan := range plans {
		if plan.IsDefaultFreePlan {
			return plan, Result{}, true
		}
	}

	return model.Plan{}, rejected(status, CodeUserPlanNotFound, "no plan could be resolved for this user"), false
}

// projects returns the user's non-deleted projects, served from the cache
// when a fresh snapshot exists
func (m *StatusMachine) projects(ctx context.Context, userID string) ([]model.Project, error) {
	if cached, ok := m.cache.Get(userID); ok {
		return cached, nil
	}

	list, err := m.store.GetProjectsForUser(ctx, userID,
		model.StatusDraft, model.StatusActive, model.StatusPaused,
		model.StatusRunning, model.StatusError)
	if err != nil {
		return nil, err
	}

	m.cache.Set(userID, list)
	return list, nil
}

// activeSet returns the projects currently consuming daily-run budget
func (m *StatusMachine) activeSet(ctx context.Context, userID string) ([]model.Project, error) {
	list, err := m.projects(ctx, userID)
	if err != nil {
		return nil, err
	}

	var active []model.Project
	for _, p := range list {
		if p.IsActive() {
			active = append(active, p)
		}
	}
	return active, nil
}

// refresh reloads the user's project list after a mutation, replaces the
// cached snapshot, and publishes the fresh list to live subscribers.
// Publish failures are logged, not surfaced: the write already succeeded.
func (m *StatusMachine) refresh(ctx context.Context, userID string) {
	m.cache.Invalidate(userID)

	list, err := m.store.GetProjectsForUser(ctx, userID,
		model.StatusDraft, model.StatusActive, model.StatusPaused,
		model.StatusRunning, model.StatusError)
	if err != nil {
		m.logger.Error("Failed to reload projects after mutation",
			zap.String("user_id", userID),
			zap.Error(err))
		return
	}

	m.cache.Set(userID, list)

	if m.publisher != nil {
		if err := m.publisher.PublishProjects(ctx, userID, list); err != nil {
			m.logger.Error("Failed to publish project list update",
				zap.String("user_id", userID),
				zap.Error(err))
		}
	}
}

// internalFailure translates an infrastructure error into the structured
// result shape, attaching detail only in debug contexts
func (m *StatusMachine) internalFailure(status model.ProjectStatus, err error) Result {
	m.logger.Error("Operation failed", zap.Error(err))
	msg := "internal error"
	if m.debug {
		msg = err.Error()
	}
	return rejected(status, CodeInternal, msg)
}

// withProject substitutes a project into a snapshot by ID, appending it when
// absent. Used to build candidate sets for quota validation.
func withProject(set []model.Project, p model.Project) []model.Project {
	out := make([]model.Project, 0, len(set)+1)
	replaced := false
	for _, existing := range set {
		if existing.ID == p.ID {
			out = append(out, p)
			replaced = true
			continue
		}
		out = append(out, existing)
	}
	if !replaced {
		out = append(out, p)
	}
	return out
}

// validateSchedule checks the schedule fields a request must supply.
// Returns a client-facing message, or "" when valid.
func validateSchedule(sched model.Schedule) string {
	switch sched.Frequency {
	case model.FrequencyDaily, model.FrequencyWeekly, model.FrequencyMonthly:
	default:
		return fmt.Sprintf("frequency must be daily, weekly, or monthly; got %q", sched.Frequency)
	}

	if _, _, err := schedule.ParseDeliveryTime(sched.DeliveryTime); err != nil {
		return err.Error()
	}

	if sched.Timezone == "" {
		return "timezone is required"
	}
	if _, err := time.LoadLocation(sched.Timezone); err != nil {
		return fmt.Sprintf("unknown timezone %q", sched.Timezone)
	}

	if sched.Frequency == model.FrequencyWeekly && (sched.DayOfWeek < 0 || sched.DayOfWeek > 6) {
		return "day of week must be between 0 (Sunday) and 6 (Saturday)"
	}
	if sched.Frequency == model.FrequencyMonthly && (sched.DayOfMonth < 1 || sched.DayOfMonth > 31) {
		return "day of month must be between 1 and 31"
	}

	return ""
}
