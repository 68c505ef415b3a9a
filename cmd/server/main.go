package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/browsergrid/browsergrid/internal/api"
	"github.com/browsergrid/browsergrid/internal/artifacts"
	"github.com/browsergrid/browsergrid/internal/browser"
	"github.com/browsergrid/browsergrid/internal/config"
	"github.com/browsergrid/browsergrid/internal/display"
	"github.com/browsergrid/browsergrid/internal/executor"
	"github.com/browsergrid/browsergrid/internal/observability"
	"github.com/browsergrid/browsergrid/internal/pool"
	"github.com/browsergrid/browsergrid/internal/ratelimit"
	"github.com/browsergrid/browsergrid/internal/runner"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Fatal("invalid configuration", zap.Error(err))
	}

	logger, err := observability.NewLogger(cfg.Logger)
	if err != nil {
		zap.NewExample().Fatal("failed to build logger", zap.Error(err))
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server exited with error", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	displays, err := display.NewAllocator(cfg.Display.First, cfg.Display.Count)
	if err != nil {
		return err
	}

	store, err := artifacts.NewStore(cfg.Artifacts.Dir)
	if err != nil {
		return err
	}

	// Sessions outlive the requests that trigger their launch, so they are
	// parented on a root that is cancelled only at shutdown.
	sessionRoot, cancelSessions := context.WithCancel(context.Background())
	defer cancelSessions()

	browserCfg := browser.Config{
		ChromePath:     cfg.Browser.ChromePath,
		Headless:       cfg.Browser.Headless,
		StartupTimeout: cfg.Browser.StartupTimeout,
		WindowWidth:    cfg.Browser.WindowWidth,
		WindowHeight:   cfg.Browser.WindowHeight,
	}

	launcher := func(launchCtx context.Context) (pool.Session, error) {
		id := uuid.New().String()
		displayID, err := displays.Acquire(id)
		if err != nil {
			return nil, err
		}

		s, err := browser.Open(sessionRoot, browserCfg, id, displayID, func() {
			displays.Release(displayID)
		}, logger)
		if err != nil {
			// Open releases the display through onClose on the failure path,
			// but a second Release is harmless.
			displays.Release(displayID)
			return nil, err
		}
		return s, nil
	}

	p := pool.New(pool.Config{
		Capacity: cfg.Pool.Capacity,
		MaxUses:  cfg.Pool.MaxUses,
		IdleTTL:  cfg.Pool.IdleTTL,
	}, launcher, logger)

	reaper := pool.NewReaper(p, cfg.Reaper.Interval, logger)
	reaper.Start()

	registry := runner.NewRegistry()
	exec := executor.New(store, logger)
	taskRunner := runner.New(p, exec, registry, runner.Config{
		DefaultTimeout: cfg.Task.DefaultTimeout,
		MaxTimeout:     cfg.Task.MaxTimeout,
	}, logger)

	limiter := ratelimit.NewLimiter(cfg.RateLimit.PerHour, cfg.RateLimit.Burst)

	handler := api.NewHandler(taskRunner, store, p, logger)
	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      api.SetupRoutes(handler, limiter, cfg.Server.AuthToken, logger),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening",
			zap.String("addr", cfg.Server.Addr),
			zap.Int("pool_capacity", cfg.Pool.Capacity),
			zap.Int("displays", cfg.Display.Count),
			zap.Bool("auth_enabled", cfg.Server.AuthToken != ""))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown did not finish cleanly", zap.Error(err))
	}

	taskRunner.Close()
	reaper.Stop()
	p.Close()

	logger.Info("shutdown complete")
	return nil
}
