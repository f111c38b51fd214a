// Package worker consumes dispatched run requests and reports their
// outcomes. The actual research delivery is behind the Runner interface so
// the same consumer loop serves the real pipeline and development setups.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/research-scheduler/internal/model"
)

const (
	runStreamName      = "RUNS"
	runRequestSubjects = "run.request.>"
	runResultSubject   = "run.result"
	runWorkerQueue     = "run-workers"

	// DefaultMaxConcurrent bounds how many runs execute at once
	DefaultMaxConcurrent = 4

	streamMaxAge = 24 * time.Hour
	ackWait      = 5 * time.Minute
	maxDeliver   = 3
)

// Runner executes one research delivery. A nil error means the delivery
// reached the user.
type Runner interface {
	Run(ctx context.Context, req model.RunRequest) error
}

// RunnerFunc adapts a function to the Runner interface
type RunnerFunc func(ctx context.Context, req model.RunRequest) error

// Run implements Runner
func (f RunnerFunc) Run(ctx context.Context, req model.RunRequest) error {
	return f(ctx, req)
}

// Worker pulls run requests off the run stream and executes them
type Worker struct {
	logger *zap.Logger
	js     nats.JetStreamContext
	runner Runner

	sem      chan struct{}
	inflight sync.Map
	sub      *nats.Subscription
}

// Option configures a Worker
type Option func(*Worker)

// WithMaxConcurrent bounds how many runs execute at once
func WithMaxConcurrent(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.sem = make(chan struct{}, n)
		}
	}
}

// NewWorker creates a worker over the given runner
func NewWorker(js nats.JetStreamContext, runner Runner, logger *zap.Logger, opts ...Option) *Worker {
	w := &Worker{
		logger: logger.Named("worker"),
		js:     js,
		runner: runner,
		sem:    make(chan struct{}, DefaultMaxConcurrent),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start ensures the run stream exists and begins consuming run requests in
// a shared queue group, so multiple worker processes split the load.
func (w *Worker) Start(ctx context.Context) error {
	_, err := w.js.AddStream(&nats.StreamConfig{
		Name:     runStreamName,
		Subjects: []string{"run.>"},
		Storage:  nats.FileStorage,
		MaxAge:   streamMaxAge,
	})
	if err != nil && err != nats.ErrStreamNameAlreadyInUse {
		return fmt.Errorf("failed to create run stream: %w", err)
	}

	sub, err := w.js.QueueSubscribe(runRequestSubjects, runWorkerQueue, func(msg *nats.Msg) {
		var req model.RunRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			w.logger.Error("Failed to unmarshal run request", zap.Error(err))
			msg.Ack()
			return
		}

		go func() {
			w.sem <- struct{}{}
			defer func() { <-w.sem }()

			w.execute(ctx, req)
			if err := msg.Ack(); err != nil {
				w.logger.Error("Failed to acknowledge run request",
					zap.String("run_id", req.RunID),
					zap.Error(err))
			}
		}()
	}, nats.ManualAck(), nats.AckWait(ackWait), nats.MaxDeliver(maxDeliver))
	if err != nil {
		return fmt.Errorf("failed to subscribe to run requests: %w", err)
	}

	w.sub = sub
	w.logger.Info("Worker started", zap.Int("max_concurrent", cap(w.sem)))
	return nil
}

// Stop unsubscribes from run requests. In-flight runs finish and report.
func (w *Worker) Stop() {
	if w.sub == nil {
		return
	}
	if err := w.sub.Unsubscribe(); err != nil {
		w.logger.Warn("Failed to unsubscribe worker", zap.Error(err))
	}
	w.sub = nil
}

// InflightRuns returns the run IDs currently executing
func (w *Worker) InflightRuns() []string {
	var ids []string
	w.inflight.Range(func(key, _ interface{}) bool {
		ids = append(ids, key.(string))
		return true
	})
	return ids
}

func (w *Worker) execute(ctx context.Context, req model.RunRequest) {
	w.inflight.Store(req.RunID, req)
	defer w.inflight.Delete(req.RunID)

	w.logger.Info("Executing run",
		zap.String("run_id", req.RunID),
		zap.String("project_id", req.ProjectID),
		zap.Time("scheduled_for", req.ScheduledFor))

	err := w.runner.Run(ctx, req)

	result := model.RunResult{
		RunID:       req.RunID,
		ProjectID:   req.ProjectID,
		UserID:      req.UserID,
		Succeeded:   err == nil,
		CompletedAt: time.Now().UTC(),
	}
	if err != nil {
		result.Error = err.Error()
	}

	data, merr := json.Marshal(result)
	if merr != nil {
		w.logger.Error("Failed to marshal run result",
			zap.String("run_id", req.RunID),
			zap.Error(merr))
		return
	}

	if _, err := w.js.Publish(runResultSubject, data); err != nil {
		w.logger.Error("Failed to publish run result",
			zap.String("run_id", req.RunID),
			zap.Error(err))
		return
	}

	w.logger.Info("Run finished",
		zap.String("run_id", req.RunID),
		zap.Bool("succeeded", result.Succeeded))
}
