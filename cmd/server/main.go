package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/t77yq/research-scheduler/internal/billing"
	"github.com/t77yq/research-scheduler/internal/cache"
	"github.com/t77yq/research-scheduler/internal/dispatch"
	"github.com/t77yq/research-scheduler/internal/model"
	"github.com/t77yq/research-scheduler/internal/monitor"
	"github.com/t77yq/research-scheduler/internal/project"
	"github.com/t77yq/research-scheduler/internal/push"
	"github.com/t77yq/research-scheduler/internal/service"
	"github.com/t77yq/research-scheduler/internal/storage"
	"github.com/t77yq/research-scheduler/internal/worker"
)

func main() {
	// Load configuration
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./config")
	viper.SetDefault("app.debug", false)
	viper.SetDefault("storage.path", "scheduler.db")
	viper.SetDefault("cache.ttl", 5*time.Minute)
	viper.SetDefault("scheduler.edit_guard_window", project.DefaultGuardWindow)
	viper.SetDefault("scheduler.tick_spec", dispatch.DefaultTickSpec)
	viper.SetDefault("scheduler.batch_size", dispatch.DefaultBatchSize)
	viper.SetDefault("scheduler.run_history_retention", 30*24*time.Hour)
	viper.SetDefault("monitor.interval", 30*time.Second)
	viper.SetDefault("worker.enabled", false)
	viper.SetDefault("worker.max_concurrent", worker.DefaultMaxConcurrent)
	if err := viper.ReadInConfig(); err != nil {
		log.Fatalf("Failed to read config file: %v", err)
	}

	// Initialize logger
	var logger *zap.Logger
	var err error
	if viper.GetBool("app.debug") {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	// Connect to NATS with retry
	opts := []nats.Option{
		nats.Name(viper.GetString("app.name")),
		nats.MaxReconnects(viper.GetInt("nats.max_reconnects")),
		nats.ReconnectWait(viper.GetDuration("nats.reconnect_wait")),
		nats.Timeout(viper.GetDuration("nats.connect_timeout")),
		nats.PingInterval(20 * time.Second),
		nats.MaxPingsOutstanding(5),
		nats.DrainTimeout(30 * time.Second),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			logger.Error("NATS connection error",
				zap.String("subject", sub.Subject),
				zap.Error(err))
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}

	var nc *nats.Conn
	maxRetries := 5
	for i := 0; i < maxRetries; i++ {
		nc, err = nats.Connect(viper.GetString("nats.urls.0"), opts...)
		if err == nil {
			break
		}
		logger.Warn("Failed to connect to NATS, retrying...",
			zap.Int("attempt", i+1),
			zap.Error(err))
		time.Sleep(time.Second * time.Duration(i+1))
	}
	if err != nil {
		logger.Fatal("Failed to connect to NATS after retries", zap.Error(err))
	}
	defer nc.Close()

	logger.Info("Connected to NATS successfully", zap.String("url", nc.ConnectedUrl()))

	js, err := nc.JetStream()
	if err != nil {
		logger.Fatal("Failed to create JetStream context", zap.Error(err))
	}

	// Open storage and seed the plan catalog
	store, err := storage.NewSQLiteStore(logger, viper.GetString("storage.path"))
	if err != nil {
		logger.Fatal("Failed to open storage", zap.Error(err))
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := store.SeedDefaultPlans(ctx, defaultPlans()); err != nil {
		logger.Fatal("Failed to seed plan catalog", zap.Error(err))
	}

	// Build the scheduling core
	projectCache := cache.NewProjectListCache(viper.GetDuration("cache.ttl"), logger)

	publisher, err := push.NewPublisher(js, logger)
	if err != nil {
		logger.Fatal("Failed to create push publisher", zap.Error(err))
	}

	registry := push.NewRegistry(js, projectCache, logger)
	defer registry.Close()

	oracle := billing.NewStaticOracle(loadSubscriptions())

	machine := project.NewStatusMachine(store, store, oracle, projectCache, publisher, logger,
		project.WithGuardWindow(viper.GetDuration("scheduler.edit_guard_window")),
		project.WithDebug(viper.GetBool("app.debug")))

	commands := service.NewCommandService(nc, machine, logger)
	if err := commands.Start(ctx); err != nil {
		logger.Fatal("Failed to start command service", zap.Error(err))
	}
	defer commands.Stop()

	dispatcher := dispatch.NewDispatcher(js, store, projectCache, logger,
		dispatch.WithTickSpec(viper.GetString("scheduler.tick_spec")),
		dispatch.WithBatchSize(viper.GetInt("scheduler.batch_size")))
	if err := dispatcher.Start(ctx); err != nil {
		logger.Fatal("Failed to start dispatcher", zap.Error(err))
	}
	defer dispatcher.Stop()

	// The built-in runner only logs deliveries; real deployments point the
	// worker at the research pipeline instead.
	if viper.GetBool("worker.enabled") {
		runner := worker.RunnerFunc(func(_ context.Context, req model.RunRequest) error {
			logger.Info("Delivered research run",
				zap.String("run_id", req.RunID),
				zap.String("project_id", req.ProjectID),
				zap.String("title", req.Title))
			return nil
		})
		runWorker := worker.NewWorker(js, runner, logger,
			worker.WithMaxConcurrent(viper.GetInt("worker.max_concurrent")))
		if err := runWorker.Start(ctx); err != nil {
			logger.Fatal("Failed to start run worker", zap.Error(err))
		}
		defer runWorker.Stop()
	}

	health := monitor.NewHealthReporter(js, dispatcher, viper.GetDuration("monitor.interval"), logger)
	if err := health.Start(ctx); err != nil {
		logger.Fatal("Failed to start health reporter", zap.Error(err))
	}
	defer health.Stop()

	// Housekeeping: prune expired cache snapshots and old run history
	go func() {
		pruneTicker := time.NewTicker(10 * time.Minute)
		cleanupTicker := time.NewTicker(24 * time.Hour)
		defer pruneTicker.Stop()
		defer cleanupTicker.Stop()

		retention := viper.GetDuration("scheduler.run_history_retention")
		for {
			select {
			case <-ctx.Done():
				return
			case <-pruneTicker.C:
				if dropped := projectCache.Prune(); dropped > 0 {
					logger.Debug("Pruned expired snapshots", zap.Int("dropped", dropped))
				}
			case <-cleanupTicker.C:
				cutoff := time.Now().Add(-retention)
				if err := store.DeleteRunsBefore(ctx, cutoff); err != nil {
					logger.Error("Failed to cleanup run history", zap.Error(err))
				}
			}
		}
	}()

	// Catch up anything that came due while the process was down
	dispatcher.DispatchDue(ctx)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
	cancel()

	logger.Info("Server shutting down gracefully")
}

// defaultPlans builds the catalog seeded into an empty database
func defaultPlans() []model.Plan {
	plans := []model.Plan{
		{
			Name:              "Free",
			MaxDailyRuns:      1,
			IsDefaultFreePlan: true,
		},
	}

	var configured []model.Plan
	if err := viper.UnmarshalKey("plans", &configured); err == nil && len(configured) > 0 {
		plans = configured
	}
	return plans
}

// loadSubscriptions reads the static subscription map used when no billing
// backend is wired up
func loadSubscriptions() map[string]billing.Subscription {
	raw := map[string]billing.Subscription{}
	if err := viper.UnmarshalKey("billing.subscriptions", &raw); err != nil {
		return map[string]billing.Subscription{}
	}
	return raw
}
