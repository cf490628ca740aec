// Kestrel - Real-time call fraud detection.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/config"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/engine"
	"github.com/opensource-finance/kestrel/internal/notify"
	"github.com/opensource-finance/kestrel/internal/reloader"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/session"
	"github.com/opensource-finance/kestrel/internal/telemetry"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file (default $KESTREL_CONFIG)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kestrel: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"window_seconds", cfg.Engine.WindowSeconds,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Tracing, Version)
	if err != nil {
		slog.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	compiler, err := rules.NewCompiler()
	if err != nil {
		slog.Error("failed to initialize rule compiler", "error", err)
		os.Exit(1)
	}

	sessions := session.NewManager(domain.RealClock{}, logger)
	publisher := notify.NewPublisher(busImpl, cacheImpl, cfg.Notify.SuppressWindow, logger)
	source := reloader.NewBreakerSource(repo, reloader.BreakerSettings{
		Timeout: cfg.Engine.ReloadTimeout,
	}, logger)

	eng := engine.New(source, compiler, engine.Options{
		Window:   cfg.Engine.WindowSeconds,
		Sessions: sessions,
		Notifier: publisher,
		Logger:   logger,
	})

	// Initial load. An empty or unreachable store leaves the engine unready
	// until the next successful reload.
	rl := reloader.New(eng, cfg.Engine, logger)
	if err := rl.Trigger(ctx, "startup"); err != nil {
		slog.Warn("initial rule load failed", "error", err)
	}
	go rl.Run(ctx)

	var sink worker.EventSink
	if cfg.Notify.PersistEvents {
		sink = repo
	}
	w := worker.NewWorker(busImpl, sessions, rl, sink, logger)
	if err := w.Start(); err != nil {
		slog.Error("failed to start worker", "error", err)
		os.Exit(1)
	}

	srv := api.NewServer(cfg.Server, api.Options{
		Engine:   eng,
		Compiler: compiler,
		Repo:     repo,
		Cache:    cacheImpl,
		Bus:      busImpl,
		Sessions: sessions,
		Reloader: rl,
		Version:  Version,
	})

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"rules", len(eng.Rules()),
		"epoch", eng.Epoch(),
	)

	printBanner(cfg, Version)

	<-ctx.Done()
	slog.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	if err := w.Stop(); err != nil {
		slog.Error("failed to stop worker", "error", err)
	}

	// Sessions first so pending duration checks are discarded, not fired.
	sessions.Close()
	eng.Close()

	if err := shutdownTracing(shutdownCtx); err != nil {
		slog.Error("failed to flush traces", "error", err)
	}

	slog.Info("kestrel shutdown complete")
}

func newLogger(cfg domain.LoggingConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║                 KESTREL                   ║")
	fmt.Println("  ║      Real-time Call Fraud Detection       ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("  Window:   %ds\n", cfg.Engine.WindowSeconds)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST   /check              - Admit a call")
	fmt.Println("    POST   /sessions/{id}/end  - End a call session")
	fmt.Println("    GET    /stats              - Identity statistics")
	fmt.Println("    GET    /events             - Recent fraud events")
	fmt.Println("    GET    /rules              - List all rules")
	fmt.Println("    POST   /rules              - Create or update a rule")
	fmt.Println("    DELETE /rules/{id}         - Delete a rule")
	fmt.Println("    POST   /rules/reload       - Hot-reload rules from database")
	fmt.Println("    GET    /health             - Health check")
	fmt.Println("    GET    /ready              - Readiness check")
	fmt.Println("    GET    /metrics            - Prometheus metrics")
	fmt.Println()
}
