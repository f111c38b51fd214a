// Package dispatch fires due projects into the execution system. A cron
// tick scans storage for active projects whose next run has arrived,
// publishes a run request per project, and flips them to running. Run
// results arrive back on the result subject and settle the project into
// active (with a freshly computed next run) or error.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/t77yq/research-scheduler/internal/model"
	"github.com/t77yq/research-scheduler/internal/schedule"
	"github.com/t77yq/research-scheduler/internal/storage"
)

const (
	runStreamName           = "RUNS"
	runRequestSubjectPrefix = "run.request."
	runResultSubject        = "run.result"

	// DefaultTickSpec scans for due projects every 30 seconds
	DefaultTickSpec = "*/30 * * * * *"

	// DefaultBatchSize bounds how many due projects one tick dispatches
	DefaultBatchSize = 100

	streamMaxAge = 24 * time.Hour
)

// Store is the persistence contract the dispatcher needs
type Store interface {
	DueProjects(ctx context.Context, now time.Time, limit int) ([]model.Project, error)
	GetProjectByID(ctx context.Context, id string) (*model.Project, error)
	UpdateProject(ctx context.Context, p *model.Project) error
	RecordRun(ctx context.Context, rec *storage.RunRecord) error
	CompleteRun(ctx context.Context, runID string, succeeded bool, errMsg string, completedAt time.Time) error
}

// Cache invalidation keeps user snapshots honest as statuses flip
type Cache interface {
	Invalidate(userID string)
}

// Stats is a snapshot of dispatcher counters
type Stats struct {
	Dispatched int64 `json:"dispatched"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
}

// Dispatcher scans for due projects and hands them to the execution system
type Dispatcher struct {
	logger    *zap.Logger
	js        nats.JetStreamContext
	store     Store
	cache     Cache
	cron      *cron.Cron
	tickSpec  string
	batchSize int

	dispatched atomic.Int64
	completed  atomic.Int64
	failed     atomic.Int64

	now func() time.Time
}

// cronLogger adapts zap.Logger to cron.Logger
type cronLogger struct {
	logger *zap.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Info(msg)
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, zap.Error(err))
}

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithTickSpec overrides the cron spec driving the due-project scan
func WithTickSpec(spec string) Option {
	return func(d *Dispatcher) {
		if spec != "" {
			d.tickSpec = spec
		}
	}
}

// WithBatchSize overrides how many due projects one tick dispatches
func WithBatchSize(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.batchSize = n
		}
	}
}

// WithClock overrides the dispatcher's time source. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// NewDispatcher creates a dispatcher over the given collaborators
func NewDispatcher(js nats.JetStreamContext, store Store, cache Cache, logger *zap.Logger, opts ...Option) *Dispatcher {
	named := logger.Named("dispatcher")
	cronOptions := []cron.Option{
		cron.WithSeconds(),
		cron.WithChain(cron.Recover(&cronLogger{logger: named.Named("cron")})),
	}

	d := &Dispatcher{
		logger:    named,
		js:        js,
		store:     store,
		cache:     cache,
		cron:      cron.New(cronOptions...),
		tickSpec:  DefaultTickSpec,
		batchSize: DefaultBatchSize,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start ensures the run stream exists, subscribes to run results, and
// begins the due-project scan.
func (d *Dispatcher) Start(ctx context.Context) error {
	_, err := d.js.AddStream(&nats.StreamConfig{
		Name:     runStreamName,
		Subjects: []string{"run.>"},
		Storage:  nats.FileStorage,
		MaxAge:   streamMaxAge,
	})
	if err != nil && err != nats.ErrStreamNameAlreadyInUse {
		return fmt.Errorf("failed to create run stream: %w", err)
	}

	if _, err := d.js.Subscribe(runResultSubject, func(msg *nats.Msg) {
		d.handleResult(ctx, msg)
	}, nats.Durable("run-result-consumer")); err != nil {
		return fmt.Errorf("failed to subscribe to run results: %w", err)
	}

	if _, err := d.cron.AddFunc(d.tickSpec, func() {
		d.dispatchDue(ctx)
	}); err != nil {
		return fmt.Errorf("invalid tick spec %q: %w", d.tickSpec, err)
	}

	d.cron.Start()
	d.logger.Info("Dispatcher started", zap.String("tick_spec", d.tickSpec))
	return nil
}

// Stop stops the scan and waits for an in-flight tick to finish
func (d *Dispatcher) Stop() {
	ctx := d.cron.Stop()
	<-ctx.Done()
	d.logger.Info("Dispatcher stopped")
}

// DispatchDue runs one scan outside the cron loop. Exposed for tests and
// for a catch-up scan at startup.
func (d *Dispatcher) DispatchDue(ctx context.Context) {
	d.dispatchDue(ctx)
}

// Stats returns a snapshot of dispatcher counters
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Dispatched: d.dispatched.Load(),
		Completed:  d.completed.Load(),
		Failed:     d.failed.Load(),
	}
}

func (d *Dispatcher) dispatchDue(ctx context.Context) {
	now := d.now()

	due, err := d.store.DueProjects(ctx, now, d.batchSize)
	if err != nil {
		d.logger.Error("Failed to query due projects", zap.Error(err))
		return
	}

	for i := range due {
		d.dispatchOne(ctx, &due[i], now)
	}
}

func (d *Dispatcher) dispatchOne(ctx context.Context, p *model.Project, now time.Time) {
	req := model.RunRequest{
		RunID:        uuid.New().String(),
		ProjectID:    p.ID,
		UserID:       p.UserID,
		Title:        p.Title,
		ScheduledFor: p.NextRunAt,
		DispatchedAt: now,
	}

	data, err := json.Marshal(req)
	if err != nil {
		d.logger.Error("Failed to marshal run request",
			zap.String("project_id", p.ID),
			zap.Error(err))
		return
	}

	// Flip to running before publishing; a revision conflict means another
	// instance already claimed this project.
	p.Status = model.StatusRunning
	p.UpdatedAt = now
	if err := d.store.UpdateProject(ctx, p); err != nil {
		if err == storage.ErrRevisionConflict {
			d.logger.Debug("Project claimed elsewhere", zap.String("project_id", p.ID))
		} else {
			d.logger.Error("Failed to mark project running",
				zap.String("project_id", p.ID),
				zap.Error(err))
		}
		return
	}

	if _, err := d.js.Publish(runRequestSubjectPrefix+p.UserID, data); err != nil {
		d.logger.Error("Failed to publish run request",
			zap.String("project_id", p.ID),
			zap.Error(err))

		// The claim is already durable; without a published request no
		// result will ever settle it, so release it back to active. A
		// revision conflict here means another instance intervened.
		p.Status = model.StatusActive
		p.UpdatedAt = d.now()
		if rbErr := d.store.UpdateProject(ctx, p); rbErr != nil && rbErr != storage.ErrRevisionConflict {
			d.logger.Error("Failed to release claimed project",
				zap.String("project_id", p.ID),
				zap.Error(rbErr))
		}
		return
	}

	if err := d.store.RecordRun(ctx, &storage.RunRecord{
		ID:           req.RunID,
		ProjectID:    p.ID,
		UserID:       p.UserID,
		ScheduledFor: req.ScheduledFor,
		DispatchedAt: now,
	}); err != nil {
		d.logger.Error("Failed to record run",
			zap.String("run_id", req.RunID),
			zap.Error(err))
	}

	d.cache.Invalidate(p.UserID)
	d.dispatched.Add(1)

	d.logger.Info("Dispatched project run",
		zap.String("project_id", p.ID),
		zap.String("run_id", req.RunID),
		zap.Time("scheduled_for", req.ScheduledFor))
}

func (d *Dispatcher) handleResult(ctx context.Context, msg *nats.Msg) {
	var result model.RunResult
	if err := json.Unmarshal(msg.Data, &result); err != nil {
		d.logger.Error("Failed to unmarshal run result", zap.Error(err))
		return
	}
	defer msg.Ack()

	if err := d.store.CompleteRun(ctx, result.RunID, result.Succeeded, result.Error, result.CompletedAt); err != nil {
		d.logger.Error("Failed to complete run record",
			zap.String("run_id", result.RunID),
			zap.Error(err))
	}

	p, err := d.store.GetProjectByID(ctx, result.ProjectID)
	if err != nil {
		d.logger.Error("Failed to load project for run result",
			zap.String("project_id", result.ProjectID),
			zap.Error(err))
		return
	}

	if p.Status != model.StatusRunning {
		// Paused or deleted mid-run; record the outcome but leave the
		// status where the user put it.
		d.logger.Warn("Run result for non-running project",
			zap.String("project_id", p.ID),
			zap.String("status", string(p.Status)))
		return
	}

	now := d.now()
	completedAt := result.CompletedAt
	if completedAt.IsZero() {
		completedAt = now
	}
	p.LastRunAt = &completedAt
	p.UpdatedAt = now

	if result.Succeeded {
		nextRun, err := schedule.NextRun(now, p.Schedule, false)
		if err != nil {
			d.logger.Error("Failed to compute next run",
				zap.String("project_id", p.ID),
				zap.Error(err))
			return
		}
		p.Status = model.StatusActive
		p.NextRunAt = nextRun
		d.completed.Add(1)
	} else {
		p.Status = model.StatusError
		d.failed.Add(1)
	}

	if err := d.store.UpdateProject(ctx, p); err != nil {
		d.logger.Error("Failed to settle project after run",
			zap.String("project_id", p.ID),
			zap.Error(err))
		return
	}

	d.cache.Invalidate(p.UserID)

	d.logger.Info("Settled project run",
		zap.String("project_id", p.ID),
		zap.String("run_id", result.RunID),
		zap.Bool("succeeded", result.Succeeded),
		zap.String("status", string(p.Status)))
}
