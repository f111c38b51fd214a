// Package monitor publishes periodic scheduler health reports so operators
// can watch dispatch throughput and host pressure without attaching to the
// process.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/t77yq/research-scheduler/internal/dispatch"
)

const healthSubject = "scheduler.health"

// StatsSource provides the dispatch counters included in each report
type StatsSource interface {
	Stats() dispatch.Stats
}

// HealthReport is the payload published on the health subject
type HealthReport struct {
	CPUPercent    float64        `json:"cpu_percent"`
	MemoryPercent float64        `json:"memory_percent"`
	MemoryUsed    uint64         `json:"memory_used"`
	Dispatch      dispatch.Stats `json:"dispatch"`
	Uptime        time.Duration  `json:"uptime"`
	ReportedAt    time.Time      `json:"reported_at"`
}

// HealthReporter periodically collects host and dispatcher metrics and
// publishes them to NATS
type HealthReporter struct {
	logger    *zap.Logger
	js        nats.JetStreamContext
	stats     StatsSource
	interval  time.Duration
	startedAt time.Time
	stop      chan struct{}
}

// NewHealthReporter creates a health reporter publishing every interval
func NewHealthReporter(js nats.JetStreamContext, stats StatsSource, interval time.Duration, logger *zap.Logger) *HealthReporter {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &HealthReporter{
		logger:   logger.Named("health-reporter"),
		js:       js,
		stats:    stats,
		interval: interval,
		stop:     make(chan struct{}),
	}
}

// Start ensures the monitor stream exists and starts the reporting loop
func (r *HealthReporter) Start(ctx context.Context) error {
	_, err := r.js.AddStream(&nats.StreamConfig{
		Name:     "MONITOR",
		Subjects: []string{"scheduler.health"},
		Storage:  nats.FileStorage,
		MaxAge:   time.Hour,
	})
	if err != nil && err != nats.ErrStreamNameAlreadyInUse {
		return fmt.Errorf("failed to create monitor stream: %w", err)
	}

	r.startedAt = time.Now()
	r.logger.Info("Starting health reporter", zap.Duration("interval", r.interval))
	go r.reportLoop(ctx)
	return nil
}

// Stop stops the reporting loop
func (r *HealthReporter) Stop() {
	r.logger.Info("Stopping health reporter")
	close(r.stop)
}

func (r *HealthReporter) reportLoop(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			r.publishReport(ctx)
		}
	}
}

func (r *HealthReporter) publishReport(ctx context.Context) {
	report := HealthReport{
		Dispatch:   r.stats.Stats(),
		Uptime:     time.Since(r.startedAt),
		ReportedAt: time.Now().UTC(),
	}

	if percentages, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percentages) > 0 {
		report.CPUPercent = percentages[0]
	} else if err != nil {
		r.logger.Warn("Failed to collect CPU usage", zap.Error(err))
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		report.MemoryPercent = vm.UsedPercent
		report.MemoryUsed = vm.Used
	} else {
		r.logger.Warn("Failed to collect memory usage", zap.Error(err))
	}

	data, err := json.Marshal(report)
	if err != nil {
		r.logger.Error("Failed to marshal health report", zap.Error(err))
		return
	}

	if _, err := r.js.Publish(healthSubject, data); err != nil {
		r.logger.Error("Failed to publish health report", zap.Error(err))
		return
	}

	r.logger.Debug("Published health report",
		zap.Float64("cpu_percent", report.CPUPercent),
		zap.Float64("memory_percent", report.MemoryPercent),
		zap.Int64("dispatched", report.Dispatch.Dispatched))
}
