// Command server starts the AlephAuto job server: REST/WS API, pipeline
// workers, cron scheduler and the stuck-job sweeper in one process.
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

	"github.com/alephworks/alephauto/internal/adapter/httpserver"
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
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// Register all Prometheus metrics once per process so that /metrics
	// exposes HTTP, job and event instrumentation.
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	// Infra: job store
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

	// Event plumbing
	bus := event.NewBus(event.DefaultMailbox)
	feed := event.NewFeed(bus, cfg.ActivityCapacity, func(id string) string {
		return config.DisplayName(specs, id)
	})

	// Retry controller; the effective cap matters for operators, so log it.
	retries := worker.NewController(domain.RetryConfig{
		MaxAttempts: cfg.RetryMaxAttempts,
		BaseDelay:   cfg.RetryBaseDelay(),
	}, repo, bus)
	slog.Info("retry policy",
		slog.Int("max_attempts", retries.MaxAttempts()),
		slog.Int("absolute_cap", domain.AbsoluteMaxAttempts),
		slog.Duration("base_delay", cfg.RetryBaseDelay()))

	// Workers, one per declared pipeline
	manager := app.BuildWorkers(cfg, specs, repo, bus, retries)

	runCtx, stopBackground := context.WithCancel(ctx)
	defer stopBackground()

	go feed.Run(runCtx)
	manager.StartAll(runCtx)
	if err := manager.RecoverAll(ctx); err != nil {
		slog.Warn("queued job recovery incomplete", slog.Any("error", err))
	}

	// Usecases
	statusSvc := usecase.NewStatusService(repo, specs, manager, retries, feed)
	jobSvc := usecase.NewJobService(repo, manager, retries, bus)
	scanSvc := usecase.NewScanService(repo, manager)

	broadcaster := &usecase.StatusBroadcaster{Status: statusSvc, Bus: bus}
	go broadcaster.Run(runCtx)

	// Scheduler: cron triggers plus optional once-off startup fires.
	sched := scheduler.New()
	if err := app.RegisterSchedules(sched, cfg, specs, manager); err != nil {
		slog.Error("schedule registration failed", slog.Any("error", err))
		os.Exit(1)
	}
	sched.Start()

	if sweeper := app.NewStuckJobSweeper(repo, bus, cfg.SweepMaxAge, cfg.SweepInterval); sweeper != nil {
		go sweeper.Run(runCtx)
	}

	// HTTP server
	hub := httpserver.NewHub(bus, cfg.WSSendBuffer, app.ParseOrigins(cfg.CORSAllowOrigins))
	srv := httpserver.NewServer(cfg, statusSvc, jobSvc, scanSvc, hub, app.BuildDBCheck(db))
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	bus.Publish(event.SystemStatus, event.SystemEvent{
		Status:    "started",
		Message:   fmt.Sprintf("%d pipelines registered", len(specs)),
		Timestamp: timex.Now(),
	})

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
			exitCode = 1
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()

	// Quiesce order: stop producing (scheduler, HTTP), announce, then drain
	// workers and timers before the bus and store go away.
	if err := sched.Stop(shutdownCtx); err != nil {
		slog.Warn("scheduler stop", slog.Any("error", err))
	}
	_ = srvHTTP.Shutdown(shutdownCtx)
	bus.Publish(event.SystemStatus, event.SystemEvent{
		Status:    "stopping",
		Timestamp: timex.Now(),
	})
	hub.Shutdown()
	if err := manager.StopAll(shutdownCtx); err != nil {
		slog.Warn("worker quiesce incomplete", slog.Any("error", err))
	}
	retries.Stop()
	stopBackground()
	bus.Close()

	slog.Info("server stopped")
	if exitCode != 0 {
		_ = db.Close()
		os.Exit(exitCode)
	}
}
