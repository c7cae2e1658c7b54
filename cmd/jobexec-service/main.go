// jobexec-service is the HTTP API server for running transcode and script jobs.
package main

import (
	"context"
	"errors"
	"fmt"
	"jobexec/internal/admission"
	"jobexec/internal/api"
	"jobexec/internal/config"
	"jobexec/internal/dispatcher"
	"jobexec/internal/engine"
	"jobexec/internal/health"
	"jobexec/internal/job"
	"jobexec/internal/notify"
	"jobexec/internal/observability"
	"jobexec/internal/result"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		slog.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	// Load configuration
	svcCfg := config.LoadServiceConfig()
	notifyCfg := notify.LoadConfigFromEnv()

	// Results do not outlive the process, so leftovers from a previous run
	// are unreachable.
	for _, dir := range []string{svcCfg.WorkDir, svcCfg.OutputDir} {
		if err := engine.ResetDir(dir); err != nil {
			return err
		}
	}

	// Setup metrics
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	// Create callback notifier
	notifier := notify.NewMemory(notifyCfg, metrics)

	engines := engine.NewSet(
		engine.NewTranscode(engine.TranscodeConfig{
			Binary:    svcCfg.FFmpegPath,
			MediaRoot: svcCfg.MediaRoot,
			WorkDir:   svcCfg.WorkDir,
			OutputDir: svcCfg.OutputDir,
			Threads:   svcCfg.TranscodeThreads,
			MemoryMB:  svcCfg.TranscodeMemoryMB,
			MaxFileMB: svcCfg.OutputMaxFileMB,
		}),
		engine.NewScript(engine.ScriptConfig{
			Binary:     svcCfg.DenoPath,
			ScriptRoot: svcCfg.ScriptRoot,
			WorkDir:    svcCfg.WorkDir,
			MemoryMB:   svcCfg.ScriptMemoryMB,
			CPUSeconds: svcCfg.ScriptCPUSeconds,
			MaxFileMB:  svcCfg.OutputMaxFileMB,
		}),
	)

	versions, probeErrs := engines.Versions(ctx)
	for kind, v := range versions {
		slog.Info("Engine available", "kind", kind, "version", v)
	}
	for kind, err := range probeErrs {
		slog.Warn("Engine unavailable", "kind", kind, "error", err)
	}

	gate := func(capacity int) admission.GateConfig {
		return admission.GateConfig{
			Capacity:      capacity,
			RatePerSecond: svcCfg.SubmitRatePerSecond,
			Burst:         svcCfg.SubmitBurst,
		}
	}
	orchestrator, err := dispatcher.New(dispatcher.Config{
		Engines: engines,
		Gates: map[job.Kind]admission.GateConfig{
			job.KindTranscode: gate(svcCfg.MaxTranscodeConcurrency),
			job.KindScript:    gate(svcCfg.MaxScriptConcurrency),
		},
		Store:               result.NewStore(svcCfg.ResultRetention),
		Notifier:            notifier,
		Metrics:             metrics,
		TerminationGrace:    svcCfg.TerminationGrace,
		CaptureLimit:        svcCfg.CaptureLimit,
		MaintenanceInterval: svcCfg.MaintenanceInterval,
		OutputMaxBytes:      svcCfg.OutputMaxBytes,
		SigningKey:          svcCfg.CallbackSigningKey,
	})
	if err != nil {
		return err
	}

	// Create health checker
	healthChecker := health.NewChecker(orchestrator,
		health.WithCapacity(orchestrator),
		health.WithNotifier(notifier),
	)

	// Create job service
	jobService := job.NewService(orchestrator, job.Limits{
		DefaultTimeout: svcCfg.DefaultTimeout,
		MaxTimeout:     svcCfg.MaxTimeout,
	})

	// Create API router
	router := api.NewRouter(api.RouterConfig{
		JobService:    jobService,
		Metrics:       metrics,
		HealthChecker: healthChecker,
		Capacity:      orchestrator,
		Notifier:      notifier,
		Versions:      versions,
		CORSOrigins:   svcCfg.CORSOrigins,
	})

	// Create API server. Output downloads can be large, so writes are not
	// bounded by a timeout.
	apiServer := &http.Server{
		Addr:              ":" + svcCfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
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

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Starting API server", "port", svcCfg.Port)
		return serve(apiServer)
	})
	g.Go(func() error {
		slog.Info("Starting metrics server", "port", svcCfg.MetricsPort)
		return serve(metricsServer)
	})
	g.Go(func() error {
		select {
		case sig := <-quit:
			slog.Info("Received shutdown signal", "signal", sig)

			// Phase 1: Mark service as unhealthy for load balancer draining
			healthChecker.SetShuttingDown()
			if svcCfg.ShutdownDrainWait > 0 {
				slog.Info("Waiting for traffic to drain", "duration", svcCfg.ShutdownDrainWait)
				time.Sleep(svcCfg.ShutdownDrainWait)
			}
		case <-gctx.Done():
			// A server failed; stop the other one.
		}

		// Phase 2: Graceful shutdown - stop accepting new connections, finish in-flight requests
		slog.Info("Starting graceful shutdown")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 25*time.Second)
		defer cancel()
		return errors.Join(
			ignoreClosed(apiServer.Shutdown(shutdownCtx)),
			ignoreClosed(metricsServer.Shutdown(shutdownCtx)),
		)
	})
	serveErr := g.Wait()

	// Phase 3: Kill running jobs; their results and exit callbacks are recorded.
	if err := orchestrator.Close(); err != nil {
		slog.Warn("Dispatcher shutdown error", "error", err)
	}

	// Phase 4: Drain callback notifier
	slog.Info("Draining callback notifier")
	notifyCtx, notifyCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer notifyCancel()
	if err := notifier.Close(notifyCtx); err != nil {
		slog.Warn("Notifier shutdown error", "error", err)
	}

	stats := notifier.Stats()
	slog.Info("Notifier stats",
		"delivered", stats.Delivered,
		"failed", stats.Failed,
		"dropped", stats.Dropped,
	)

	if serveErr != nil {
		return serveErr
	}
	slog.Info("Shutdown complete")
	return nil
}

func serve(srv *http.Server) error {
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server %s: %w", srv.Addr, err)
	}
	return nil
}

func ignoreClosed(err error) error {
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
