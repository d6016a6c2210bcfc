// Command worker runs the AlephAuto pipelines without the API surface:
// queue workers, cron scheduler and the stuck-job sweeper in one headless
// process, with Prometheus metrics on a side listener.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alephworks/alephauto/internal/adapter/observability"
	"github.com/alephworks/alephauto/internal/adapter/repo/sqlite"
	"github.com/alephworks/alephauto/internal/app"
	"github.com/alephworks/alephauto/internal/config"
	"github.com/alephworks/alephauto/internal/domain"
	"github.com/alephworks/alephauto/internal/event"
	"github.com/alephworks/alephauto/internal/scheduler"
	"github.com/alephworks/alephauto/internal/usecase"
	"github.com/alephworks/alephauto/internal/worker"
	"github.com/alephworks/alephauto/pkg/timex"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// Register Prometheus metrics in the worker process and expose them on a
	// dedicated listener so scraping works without the API server.
	observability.InitMetrics()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(":9090", mux); err != nil {
			slog.Error("worker metrics server error", slog.Any("error", err))
		}
	}()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	slog.Info("starting worker", slog.String("env", cfg.AppEnv))

	ctx := context.Background()

	db, err := sqlite.Open(ctx, cfg.DBPath)
	if err != nil {
		slog.Error("job store init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()
	repo := sqlite.NewJobRepo(db)

	specs, err := config.LoadPipelines(cfg.PipelinesFile)
	if err != nil {
		slog.Error("pipelines load failed", slog.Any("error", err))
		os.Exit(1)
	}

	bus := event.NewBus(event.DefaultMailbox)
	feed := event.NewFeed(bus, cfg.ActivityCapacity, func(pipelineID string) string {
		return config.DisplayName(specs, pipelineID)
	})

	retries := worker.NewController(domain.RetryConfig{
		MaxAttempts: cfg.RetryMaxAttempts,
		BaseDelay:   cfg.RetryBaseDelay(),
	}, repo, bus)
	slog.Info("retry policy",
		slog.Int("max_attempts", retries.MaxAttempts()),
		slog.Int("absolute_cap", domain.AbsoluteMaxAttempts),
		slog.Duration("base_delay", cfg.RetryBaseDelay()))

	manager := app.BuildWorkers(cfg, specs, repo, bus, retries)

	runCtx, stopBackground := context.WithCancel(ctx)
	defer stopBackground()

	go feed.Run(runCtx)
	manager.StartAll(runCtx)
	if err := manager.RecoverAll(ctx); err != nil {
		slog.Warn("queued job recovery incomplete", slog.Any("error", err))
	}

	// Pipeline status events still flow so a separately deployed API server
	// or dashboard sees per-pipeline rollups from this process.
	statusSvc := usecase.NewStatusService(repo, specs, manager, retries, feed)
	broadcaster := &usecase.StatusBroadcaster{Status: statusSvc, Bus: bus}
	go broadcaster.Run(runCtx)

	sched := scheduler.New()
	if err := app.RegisterSchedules(sched, cfg, specs, manager); err != nil {
		slog.Error("schedule registration failed", slog.Any("error", err))
		os.Exit(1)
	}
	sched.Start()

	if sweeper := app.NewStuckJobSweeper(repo, bus, cfg.SweepMaxAge, cfg.SweepInterval); sweeper != nil {
		go sweeper.Run(runCtx)
	}

	bus.Publish(event.SystemStatus, event.SystemEvent{
		Status:    "started",
		Message:   fmt.Sprintf("worker online, %d pipelines registered", len(specs)),
		Timestamp: timex.Now(),
	})

	slog.Info("worker started, waiting for shutdown signal",
		slog.Int("pipelines", len(specs)))
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigCh
	slog.Info("signal received, shutting down", slog.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.ServerShutdownTimeout)
	defer cancel()

	if err := sched.Stop(shutdownCtx); err != nil {
		slog.Warn("scheduler stop incomplete", slog.Any("error", err))
	}
	if err := manager.StopAll(shutdownCtx); err != nil {
		slog.Warn("worker quiesce incomplete", slog.Any("error", err))
	}
	retries.Stop()
	stopBackground()
	bus.Close()

	slog.Info("worker stopped")
}
