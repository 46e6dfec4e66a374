package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/nidhogg/agentmesh/internal/a2a"
	"github.com/nidhogg/agentmesh/internal/api"
	"github.com/nidhogg/agentmesh/internal/config"
	"github.com/nidhogg/agentmesh/internal/discovery"
	"github.com/nidhogg/agentmesh/internal/kv"
	"github.com/nidhogg/agentmesh/internal/performance"
	"github.com/nidhogg/agentmesh/internal/registry"
	"github.com/nidhogg/agentmesh/internal/task"
	"github.com/nidhogg/agentmesh/internal/tool"
	"github.com/nidhogg/agentmesh/internal/workflow"
)

func main() {
	_ = godotenv.Load()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	logger.Info("Starting agentmesh...")

	// Load configuration
	cfgPath := os.Getenv("CONFIG_PATH")
	cfg := config.Default()
	if cfgPath != "" {
		loaded, err := config.Load(cfgPath)
		if err != nil {
			logger.Fatal("failed to load config", zap.String("path", cfgPath), zap.Error(err))
		}
		cfg = loaded
		logger.Info("Config loaded", zap.String("path", cfgPath))
	}

	// Select the durable KV backend
	store := openStore(cfg, logger)

	// A2A client for health probes and task delegation; every outgoing
	// delegation message lands in the durable message log.
	messages := a2a.NewMessageLog(store)
	client := a2a.NewClient(logger).WithLog(messages)
	if cfg.A2A.ProbeTimeout() > 0 || cfg.A2A.DelegateTimeout() > 0 {
		probe := cfg.A2A.ProbeTimeout()
		if probe <= 0 {
			probe = a2a.DefaultProbeTimeout
		}
		delegate := cfg.A2A.DelegateTimeout()
		if delegate <= 0 {
			delegate = a2a.DefaultDelegateTimeout
		}
		client = client.WithTimeouts(probe, delegate)
	}

	// Core components
	tracker := performance.NewTracker(logger)
	reg := registry.New(client, tracker, registry.NewKVRepository(store), logger)
	if n, err := reg.Restore(context.Background()); err != nil {
		logger.Warn("failed to restore agents from store", zap.Error(err))
	} else if n > 0 {
		logger.Info("Restored agents from store", zap.Int("count", n))
	}

	disc := discovery.NewEngine(reg, tracker, logger)
	tasks := task.NewLifecycle(reg, client, tracker, task.NewKVRepository(store), logger)

	tools := tool.NewRegistry(logger)
	tool.RegisterBuiltins(tools)

	workflows := workflow.NewKVRepository(store)
	executor := workflow.NewExecutor(tasks, tools, workflows, cfg.Workflow.PoolSize, logger)

	// Build HTTP handler
	handler := api.NewHandler(reg, disc, tasks, tools, workflows, executor, messages, client, logger)

	// Start server
	port := fmt.Sprintf("%d", cfg.Server.Port)
	if port == "0" {
		port = "8080"
	}
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: handler.Router(),
	}

	go func() {
		logger.Info("agentmesh listening", zap.String("port", port))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
	}
	logger.Info("agentmesh stopped")
}

// openStore builds the configured KV backend, falling back to memory
// when a remote store is unreachable.
func openStore(cfg *config.Config, logger *zap.Logger) kv.Store {
	switch cfg.Store.Backend {
	case "redis":
		s, err := kv.NewRedis(cfg.Store.Redis.URL, logger)
		if err != nil {
			logger.Warn("Redis unavailable, using in-memory store", zap.Error(err))
			return kv.NewMemory()
		}
		logger.Info("Using Redis store", zap.String("url", cfg.Store.Redis.URL))
		return s
	case "postgres":
		s, err := kv.NewPostgres(cfg.Store.Postgres.DSN, logger)
		if err != nil {
			logger.Warn("PostgreSQL unavailable, using in-memory store", zap.Error(err))
			return kv.NewMemory()
		}
		logger.Info("Using PostgreSQL store")
		return s
	default:
		logger.Info("Using in-memory store")
		return kv.NewMemory()
	}
}
