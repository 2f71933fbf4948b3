// Command ao is the orchestrator's bootstrap entrypoint: it wires the
// Plugin Registry, the process-wide components, and the Session Manager,
// then starts the reconciliation poll loop and blocks until SIGINT/SIGTERM.
// Plugin registration is left to build tags / an init-time import in real
// deployments; this binary demonstrates the wiring with whatever plugins
// the registry already knows about.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/agentorchestrator/ao/pkg/aotypes"
	"github.com/agentorchestrator/ao/pkg/cycle"
	"github.com/agentorchestrator/ao/pkg/events"
	"github.com/agentorchestrator/ao/pkg/orchestrator"
	"github.com/agentorchestrator/ao/pkg/phase"
	"github.com/agentorchestrator/ao/pkg/plugin"
	"github.com/agentorchestrator/ao/pkg/ratelimit"
	"github.com/agentorchestrator/ao/pkg/reaction"
	"github.com/agentorchestrator/ao/pkg/session"
	"github.com/agentorchestrator/ao/pkg/workerpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
)

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir", getEnv("AO_CONFIG_DIR", "./deploy/config"), "Path to configuration directory")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		logger.Warn("could not load .env file, continuing with existing environment", "path", envPath, "error", err)
	} else {
		logger.Info("loaded environment", "path", envPath)
	}

	logger.Info("starting ao", "config_dir", *configDir)

	cfg := orchestrator.DefaultConfig()
	registry := plugin.NewRegistry(logger)
	reg := prometheus.NewRegistry()

	pool := workerpool.New(cfg.WorkerPool, logger, reg)
	rateLimitTracker := ratelimit.New(cfg.RateLimit, logger)
	cycleDetector := cycle.New(cfg.Cycle)
	phaseManager := phase.New(cfg.Phase, logger)
	bus := events.New(logger)

	notifiersForPriority := func(aotypes.EventPriority) []plugin.Notifier {
		manifests := registry.List(plugin.SlotNotifier)
		notifiers := make([]plugin.Notifier, 0, len(manifests))
		for _, mf := range manifests {
			if n, ok := registry.Get(plugin.SlotNotifier, mf.Name).(plugin.Notifier); ok {
				notifiers = append(notifiers, n)
			}
		}
		return notifiers
	}
	reactionEngine := reaction.New(cfg.Reaction, logger, notifiersForPriority)

	manager := session.New(*configDir, registry, pool, rateLimitTracker, cycleDetector, phaseManager, bus, reactionEngine, cfg, logger, reg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := manager.RehydrateAll(ctx); err != nil {
		logger.Error("failed to rehydrate sessions at startup", "error", err)
		os.Exit(1)
	}

	manager.Start(ctx)
	logger.Info("poll loop started", "interval", cfg.Poll.Interval)

	<-ctx.Done()
	logger.Info("shutdown signal received, draining poll loop")
	manager.Stop()
	logger.Info("ao stopped cleanly")
}
