// jobctl is the job controller: it starts, stops and destroys job
// executors as local processes or Kubernetes pods.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"jobctl/internal/api"
	"jobctl/internal/caller"
	"jobctl/internal/config"
	"jobctl/internal/environment"
	"jobctl/internal/events"
	"jobctl/internal/health"
	"jobctl/internal/job"
	"jobctl/internal/k8s"
	"jobctl/internal/observability"
	"jobctl/internal/process"
	"jobctl/internal/store/memory"
	"jobctl/internal/store/postgres"
	"jobctl/internal/store/sqlite"
	"jobctl/internal/sweeper"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("Failed to load .env file", "error", err)
	}

	if err := run(); err != nil {
		slog.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	// Load configuration
	svcCfg := config.LoadServiceConfig()
	callerCfg := caller.LoadConfigFromEnv()
	sweepCfg := sweeper.LoadConfigFromEnv()
	webhookCfg := events.LoadWebhookConfigFromEnv()

	// Setup metrics
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	store, err := openStore(ctx, svcCfg)
	if err != nil {
		return err
	}
	defer store.Close()
	slog.Info("Record store ready", "driver", svcCfg.StoreDriver)

	// Lifecycle events always go to the log; a webhook is optional
	publisher := events.Multi{events.NewLogPublisher()}
	var webhook *events.WebhookDispatcher
	if webhookCfg.URL != "" {
		webhook = events.NewWebhookDispatcher(webhookCfg, metrics)
		publisher = append(publisher, webhook)
		slog.Info("Lifecycle webhook enabled", "url", webhookCfg.URL)
	}

	deps := caller.Deps{
		Store:     store,
		Builder:   environment.NewBuilder(environment.LoadSettingsFromEnv()),
		Publisher: publisher,
		Metrics:   metrics,
		Config:    callerCfg,
	}
	jobCaller, err := newCaller(svcCfg.RunMode, deps)
	if err != nil {
		return err
	}
	if err := jobCaller.Ready(ctx); err != nil {
		slog.Warn("Executor backend not ready yet", "runMode", jobCaller.RunMode(), "error", err)
	}

	// Create health checker
	healthChecker := health.NewChecker(health.ReadyFunc(store.Ping), jobCaller)

	// Create job service
	jobService := job.NewService(store, jobCaller)

	// Create API router
	router := api.NewRouter(api.RouterConfig{
		JobService:    jobService,
		Metrics:       metrics,
		HealthChecker: healthChecker,
		APIKey:        svcCfg.APIKey,
	})

	if svcCfg.APIKey != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no API_KEY_FILE configured")
	}

	// Create API server
	apiServer := &http.Server{
		Addr:         ":" + svcCfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second, // start waits for the executor to come up
		IdleTimeout:  60 * time.Second,
	}

	// Create metrics server
	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + svcCfg.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// Start the destroy sweep
	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		sweeper.New(store, jobCaller, sweepCfg, metrics).Run(sweepCtx)
	}()

	// Channel to capture server errors
	serverErr := make(chan error, 1)

	// Start API server
	go func() {
		slog.Info("Starting API server", "port", svcCfg.Port, "runMode", jobCaller.RunMode())
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Start metrics server
	go func() {
		slog.Info("Starting metrics server", "port", svcCfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// shutdown closes both servers gracefully
	shutdown := func(timeout time.Duration) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server shutdown error", "error", err)
		}
	}

	// Wait for interrupt signal or server error
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server failed to start", "error", err)
		shutdown(5 * time.Second)
		return err
	}

	// Phase 1: Mark service as unhealthy for load balancer draining
	healthChecker.SetShuttingDown()

	// Wait for load balancers to stop sending traffic
	if svcCfg.ShutdownDrainWait > 0 {
		slog.Info("Waiting for traffic to drain", "duration", svcCfg.ShutdownDrainWait)
		time.Sleep(svcCfg.ShutdownDrainWait)
	}

	// Phase 2: Graceful shutdown - stop accepting new connections, finish in-flight requests
	slog.Info("Starting graceful shutdown")
	shutdown(25 * time.Second)

	// Phase 3: Stop the sweep between batches
	stopSweep()
	<-sweepDone

	// Phase 4: Drain the lifecycle webhook
	if webhook != nil {
		slog.Info("Draining lifecycle webhook")
		drainCtx, drainCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer drainCancel()
		if err := webhook.Close(drainCtx); err != nil {
			slog.Warn("Webhook shutdown error", "error", err)
		}
		stats := webhook.Stats()
		slog.Info("Webhook stats",
			"delivered", stats.Delivered,
			"failed", stats.Failed,
			"dropped", stats.Dropped,
		)
	}

	// Executors are independent of the controller; leftovers are reaped by the next sweep.
	slog.Info("Running executors will continue independently")
	slog.Info("Shutdown complete")
	return nil
}

func openStore(ctx context.Context, cfg *config.ServiceConfig) (job.Repository, error) {
	switch cfg.StoreDriver {
	case "memory":
		slog.Warn("Using in-memory record store - job state is lost on restart")
		return memory.New(), nil
	case "sqlite":
		return sqlite.Open(cfg.StoreDSN)
	case "postgres":
		return postgres.Open(ctx, cfg.StoreDSN)
	default:
		return nil, fmt.Errorf("unknown STORE_DRIVER %q (want memory, sqlite or postgres)", cfg.StoreDriver)
	}
}

func newCaller(runMode string, deps caller.Deps) (*caller.BaseCaller, error) {
	mode, ok := job.ParseRunMode(runMode)
	if !ok {
		return nil, fmt.Errorf("unknown RUN_MODE %q (want PROCESS or K8S)", runMode)
	}

	switch mode {
	case job.RunModeK8s:
		kcfg := k8s.LoadConfigFromEnv()
		podCfg := k8s.DefaultPodConfig()
		if kcfg.PodConfigFile != "" {
			loaded, err := k8s.LoadPodConfig(kcfg.PodConfigFile)
			if err != nil {
				return nil, err
			}
			podCfg = loaded
		}
		clientset, err := k8s.NewClientset(kcfg)
		if err != nil {
			return nil, err
		}
		slog.Info("Using Kubernetes executors", "namespace", kcfg.Namespace, "image", podCfg.Image)
		return caller.NewK8sCaller(deps, kcfg, k8s.NewClient(clientset, podCfg)), nil

	default:
		pcfg := caller.LoadProcessConfigFromEnv()
		prober, err := process.NewProcfsProber()
		if err != nil {
			return nil, err
		}
		host, err := process.LocalHost()
		if err != nil {
			return nil, err
		}
		slog.Info("Using process executors", "binary", pcfg.Binary, "host", host.IPAddress)
		return caller.NewProcessCaller(deps, pcfg, caller.ProcessRuntime{
			Launcher: process.NewExecLauncher(),
			Prober:   prober,
			Host:     host,
		}), nil
	}
}
