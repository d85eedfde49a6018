package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/haasonsaas/synapse-core/internal/agent"
	agentctx "github.com/haasonsaas/synapse-core/internal/agent/context"
	"github.com/haasonsaas/synapse-core/internal/agent/providers"
	"github.com/haasonsaas/synapse-core/internal/agent/subagent"
	"github.com/haasonsaas/synapse-core/internal/config"
	"github.com/haasonsaas/synapse-core/internal/metrics"
	"github.com/haasonsaas/synapse-core/internal/sessions"
	"github.com/haasonsaas/synapse-core/internal/telemetry"
)

// app bundles everything a subcommand needs to exercise the agent loop: the
// resolved config, a session store, the loop itself, and the event sink
// fanning out to metrics/telemetry.
type app struct {
	cfg   *config.Config
	store sessions.Store
	close func() error

	loop     *agent.AgenticLoop
	sink     agent.EventSink
	subagent *subagent.Registry
}

// openStore selects the session store implied by cfg.Database.URL: the
// file-backed Store rooted at cfg.Session.SessionsDir when empty, the
// in-memory Store for the "memory" sentinel (tests and ephemeral runs), a
// local SQLite file for a "sqlite:" prefix, and the Cockroach-backed store
// for anything else (a Postgres DSN).
func openStore(cfg *config.Config) (sessions.Store, func() error, error) {
	if cfg.Database.URL == "memory" {
		return sessions.NewMemoryStore(), func() error { return nil }, nil
	}
	if cfg.Database.URL == "" {
		store, err := sessions.NewFileStore(cfg.Session.SessionsDir, cfg.Session.MaxSessions)
		if err != nil {
			return nil, nil, fmt.Errorf("open file store: %w", err)
		}
		return store, func() error { return nil }, nil
	}
	if path, ok := strings.CutPrefix(cfg.Database.URL, "sqlite:"); ok {
		store, err := sessions.NewSQLiteStore(path)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return store, store.Close, nil
	}
	dbCfg := sessions.DefaultCockroachConfig()
	if cfg.Database.MaxConnections > 0 {
		dbCfg.MaxOpenConns = cfg.Database.MaxConnections
	}
	if cfg.Database.ConnMaxLifetime > 0 {
		dbCfg.ConnMaxLifetime = cfg.Database.ConnMaxLifetime
	}
	store, err := sessions.NewCockroachStoreFromDSN(cfg.Database.URL, dbCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("open cockroach store: %w", err)
	}
	return store, func() error { return store.Close() }, nil
}

// newApp loads configuration, opens the configured store, and assembles the
// agentic loop with the ambient sinks (metrics + telemetry) wired in.
func newApp(ctx context.Context, path string) (*app, error) {
	cfg, err := config.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	shutdownTelemetry, err := telemetry.Setup(ctx, telemetry.Config{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: cfg.Telemetry.ServiceVersion,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		SamplingRatio:  cfg.Telemetry.SamplingRatio,
	})
	if err != nil {
		slog.Warn("telemetry exporter unavailable, continuing with the no-op tracer", "error", err)
	}

	store, closeStore, err := openStore(cfg)
	if err != nil {
		shutdownTelemetry(ctx)
		return nil, err
	}

	provider := providers.NewRateLimitedProvider(
		providers.NewStubProvider(cfg.Provider.Model),
		cfg.Provider.RateLimitPerSecond,
		cfg.Provider.RateLimitBurst,
	)

	subagentRegistry := subagent.NewRegistry(subagent.RegistryConfig{
		PersistPath:      cfg.Subagent.RegistryPath,
		DefaultTimeoutMs: cfg.Subagent.DefaultTimeoutMs,
	})

	registry := agent.NewToolRegistry()
	registry.Register(subagent.NewTool(subagent.NewRuntime(provider, registry, store).WithRunRegistry(subagentRegistry)))

	packer := agentctx.NewPacker(agentctx.DefaultPackOptions())
	if estimator, err := agentctx.NewTokenEstimator(cfg.Provider.Model); err != nil {
		slog.Warn("token estimator unavailable, context diagnostics will omit token counts", "error", err)
	} else {
		packer.WithTokenEstimator(estimator)
	}
	compaction := agent.NewCompactionManager(agent.DefaultCompactionConfig(), packer)

	loopCfg := agent.DefaultLoopConfig()
	if cfg.Loop.MaxIterations > 0 {
		loopCfg.MaxIterations = cfg.Loop.MaxIterations
	}
	if cfg.Loop.MaxTokens > 0 {
		loopCfg.MaxTokens = cfg.Loop.MaxTokens
	}
	loopCfg.MaxToolCalls = cfg.Loop.MaxToolCalls
	loopCfg.MaxWallTime = cfg.Loop.MaxWallTime
	loopCfg.Compaction = compaction
	loopCfg.TodoStore = agent.NewTodoStore()
	loopCfg.TodoReminder = agent.NewTodoReminder(loopCfg.TodoStore, agent.DefaultTodoReminderConfig())
	loopCfg.FailureDetector = agent.NewFailureDetector(agent.FailureDetectorConfig{
		WindowSize: cfg.Detector.FailureWindowSize,
		Threshold:  cfg.Detector.MaxConsecutiveToolFailures,
	})
	loopCfg.StopHooks = agent.NewStopHookPipeline(nil, slog.Default()).
		WithTimeout(time.Duration(cfg.StopHook.SkillSubagentTimeoutMs) * time.Millisecond).
		WithMaxContextChars(cfg.StopHook.MaxEnhanceContextChars)

	loop := agent.NewAgenticLoop(provider, registry, store, loopCfg)
	loop.SetDefaultModel(cfg.Provider.Model)

	metricsReg := metrics.NewRegistry(prometheus.DefaultRegisterer)
	sink := agent.NewMultiSink(metrics.NewSink(metricsReg), telemetry.NewSink())

	return &app{
		cfg:   cfg,
		store: store,
		close: func() error {
			storeErr := closeStore()
			if err := shutdownTelemetry(ctx); err != nil && storeErr == nil {
				return fmt.Errorf("shutdown telemetry: %w", err)
			}
			return storeErr
		},
		loop:     loop,
		sink:     sink,
		subagent: subagentRegistry,
	}, nil
}
