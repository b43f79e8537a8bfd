// MAS core server — agent registry, message bus, task scheduler, LLM
// gateway, action gate, layered memory, and the HTTP control plane.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/mycosoft/mascore/pkg/agent"
	"github.com/mycosoft/mascore/pkg/api"
	"github.com/mycosoft/mascore/pkg/bus"
	"github.com/mycosoft/mascore/pkg/config"
	"github.com/mycosoft/mascore/pkg/gate"
	"github.com/mycosoft/mascore/pkg/llm"
	"github.com/mycosoft/mascore/pkg/logging"
	"github.com/mycosoft/mascore/pkg/masking"
	"github.com/mycosoft/mascore/pkg/memory"
	"github.com/mycosoft/mascore/pkg/metrics"
	"github.com/mycosoft/mascore/pkg/registry"
	"github.com/mycosoft/mascore/pkg/scheduler"
	"github.com/mycosoft/mascore/pkg/services"
	"github.com/mycosoft/mascore/pkg/store"
	"github.com/mycosoft/mascore/pkg/store/inmemory"
	"github.com/mycosoft/mascore/pkg/store/postgres"
	"github.com/mycosoft/mascore/pkg/store/redis"
	"github.com/mycosoft/mascore/pkg/supervisor"
	"github.com/mycosoft/mascore/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env file from config directory
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	}

	ctx := context.Background()

	// 1. Configuration and logging
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}
	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("Starting MAS core",
		"version", version.Version,
		"addr", cfg.Server.Addr,
		"config_dir", *configDir)
	slog.Info("Effective configuration", "config", cfg.Sanitized())

	m := metrics.New()

	// 2. Stores: relational, KV, and vector. Unconfigured backends fall
	// back to the in-memory implementations.
	var relational store.RelationalStore
	if cfg.Stores.Postgres != nil {
		pg, err := postgres.NewClient(ctx, cfg.Stores.Postgres)
		if err != nil {
			slog.Error("Failed to connect to PostgreSQL", "error", err)
			os.Exit(1)
		}
		relational = pg
		slog.Info("Connected to PostgreSQL")
	} else {
		relational = inmemory.NewRelational()
		slog.Warn("No postgres configured, task and audit history will not survive restarts")
	}
	defer func() {
		if err := relational.Close(); err != nil {
			slog.Error("Error closing relational store", "error", err)
		}
	}()

	var kv store.KVStore
	if cfg.Stores.Redis != nil {
		rkv, err := redis.NewKV(ctx, cfg.Stores.Redis)
		if err != nil {
			slog.Error("Failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		kv = rkv
		slog.Info("Connected to Redis")
	} else {
		kv = inmemory.NewKV()
	}
	defer func() {
		if err := kv.Close(); err != nil {
			slog.Error("Error closing KV store", "error", err)
		}
	}()

	vectors := inmemory.NewVector()

	// 3. Core subsystems
	b := bus.New(cfg.Bus, m)
	reg := registry.New(b, m, relational.Agents())
	masker := masking.New(cfg.Logging.RedactionPatterns)
	g := gate.New(cfg.Approval, relational.Audit(), masker, m)

	gateway, err := llm.NewGateway(cfg.LLM, g, m)
	if err != nil {
		slog.Error("Failed to initialize LLM gateway", "error", err)
		os.Exit(1)
	}

	mem := memory.New(cfg.Memory, kv, vectors, relational.Episodic(), relational.Profile(), gateway)
	sched := scheduler.New(cfg.Scheduler, b, reg, relational.Tasks(), kv, m)

	// 4. Agent fleet under supervision
	sup := supervisor.New(cfg.Supervisor, b, reg, m)
	factories := []agent.Factory{
		func() agent.Agent { return agent.NewEchoAgent("echo-1") },
		func() agent.Agent { return agent.NewChatAgent("chat-1", gateway, mem) },
	}
	for _, factory := range factories {
		if err := sup.Add(ctx, factory); err != nil {
			slog.Error("Failed to start agent", "error", err)
			os.Exit(1)
		}
	}
	sup.Start(ctx)
	slog.Info("Agent fleet started", "agents", sup.Agents())

	// 5. HTTP control plane
	feedback := services.NewFeedbackService(relational.Feedback())
	server := api.NewServer(cfg, reg, sched, gateway, g, mem, feedback, relational.Audit(), m)
	server.AddReadinessCheck("relational", relational.Ready)
	server.AddReadinessCheck("kv", kv.Ready)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", cfg.Server.Addr)
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// 6. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 7. Graceful shutdown, in reverse start order: stop accepting
	// requests, drain the fleet, stop the scheduler, then the bus.
	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP server shutdown incomplete", "error", err)
	}
	if err := sup.Shutdown(shutdownCtx); err != nil {
		slog.Warn("Supervisor shutdown incomplete", "error", err)
	}
	if err := sched.Stop(shutdownCtx); err != nil {
		slog.Warn("Scheduler stop incomplete", "error", err)
	}
	b.Close()

	slog.Info("MAS core stopped")
}
