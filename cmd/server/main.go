package main

import (
	"context"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"transcode-orchestrator/api/rest/handlers"
	"transcode-orchestrator/api/rest/routes"
	"transcode-orchestrator/config"
	"transcode-orchestrator/core/clock"
	"transcode-orchestrator/core/coordinator"
	"transcode-orchestrator/core/monitoring"
	"transcode-orchestrator/core/repository"
	"transcode-orchestrator/core/repository/gormstore"
	"transcode-orchestrator/core/repository/memstore"
	"transcode-orchestrator/core/scheduler"
	"transcode-orchestrator/core/tracker"
	"transcode-orchestrator/providers/aws"
	"transcode-orchestrator/providers/backend"

	"github.com/gorilla/mux"
	"github.com/hashicorp/go-hclog"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		hclog.Default().Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := hclog.New(&hclog.LoggerOptions{
		Name:       "transcode-orchestrator",
		Level:      hclog.LevelFromString(cfg.LogLevel),
		JSONFormat: cfg.LogFormat == "json",
	})
	if len(cfg.Instances) == 0 {
		logger.Warn("no backend instances configured, every job will fail")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize store
	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open store", "type", cfg.DatabaseType, "error", err)
		os.Exit(1)
	}
	defer store.Close()
	logger.Info("store ready", "type", cfg.DatabaseType)

	// Initialize backend client
	opts := backend.HTTPOptions{
		Timeout:    cfg.BackendTimeout,
		MaxRetries: cfg.BackendMaxRetries,
	}
	if cfg.SignsRequests() {
		awsClient, err := aws.NewClient(ctx, cfg.AWSRegion)
		if err == nil {
			err = awsClient.Verify(ctx)
		}
		if err != nil {
			logger.Error("failed to load AWS credentials", "error", err)
			os.Exit(1)
		}
		opts.Credentials = awsClient.Credentials()
	}
	client := backend.NewHTTPClient(opts, logger)

	// Initialize scheduler and entity handlers
	clk := clock.Real{}
	sched := scheduler.NewScheduler(store, clk, scheduler.Config{
		Workers:       cfg.Workers,
		PollInterval:  cfg.PollInterval,
		MaxDeliveries: cfg.MaxDeliveries,
	}, logger)
	sched.Register(
		coordinator.New(coordinator.Config{
			RoutingMode:  cfg.RoutingMode,
			HomeInstance: cfg.HomeInstanceID,
			Instances:    cfg.InstanceIDs(),
		}, rand.New(rand.NewSource(time.Now().UnixNano())), clk, logger),
		tracker.NewAttemptTracker(client, cfg, tracker.Timing{
			CurrencyCheckInterval: cfg.CurrencyCheckInterval,
			CurrencyThreshold:     cfg.CurrencyThreshold,
			TimeoutCheckInterval:  cfg.TimeoutCheckInterval,
			TimeoutThreshold:      cfg.TimeoutThreshold,
		}, clk, logger),
		tracker.NewOutputTracker(clk, logger),
	)
	go sched.Start(ctx)
	defer sched.Stop()

	// Initialize monitoring
	exporter := monitoring.NewMetricsExporter(store, sched)
	go monitoring.NewJobMonitor(exporter, 30*time.Second, logger).Start(ctx)

	// Setup routes
	r := mux.NewRouter()
	routes.SetupRoutes(r,
		handlers.NewJobHandler(store, sched, logger),
		handlers.NewEventHandler(sched, logger),
		handlers.NewDashboardHandler(exporter, monitoring.NewHealthReporter(store), logger),
	)

	// Start server
	server := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: r,
	}

	// Graceful shutdown
	go func() {
		logger.Info("starting server", "port", cfg.ServerPort, "routing_mode", cfg.RoutingMode,
			"instances", len(cfg.Instances))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")
	shutdownCtx, done := context.WithTimeout(context.Background(), 15*time.Second)
	defer done()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	cancel()
	logger.Info("server exited")
}

func openStore(ctx context.Context, cfg *config.Config, logger hclog.Logger) (repository.Store, error) {
	switch cfg.DatabaseType {
	case "memory":
		logger.Warn("using in-memory store, state is lost on restart")
		return memstore.New(), nil
	case "sqlite":
		return gormstore.OpenSQLite(cfg.DatabaseURL)
	default:
		db, err := repository.NewDB(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := db.Migrate(ctx); err != nil {
			db.Close()
			return nil, err
		}
		return repository.NewPostgresStore(db), nil
	}
}
