package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/rendis/weave/internal/agents"
	"github.com/rendis/weave/internal/config"
	"github.com/rendis/weave/internal/engine"
	"github.com/rendis/weave/internal/expressions"
	"github.com/rendis/weave/internal/logging"
	"github.com/rendis/weave/internal/metrics"
	"github.com/rendis/weave/internal/store"
	"github.com/rendis/weave/internal/streaming"
	"github.com/rendis/weave/internal/validation"
)

// app wires every component from one configuration.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	agents    *agents.Registry
	validator *validation.WorkflowValidator
	promReg   *prometheus.Registry
	registry  *engine.ExecutionRegistry
	defs      store.DefinitionStore
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Global.LogLevel = logLevel
	}
	return cfg, nil
}

// newApp builds the engine. Logs go to logOut, which must not be the MCP
// transport.
func newApp(ctx context.Context, logOut io.Writer) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger := logging.New(logOut, cfg.Global.LogLevel, cfg.Global.LogFormat)
	slog.SetDefault(logger)

	agentReg, err := agents.BuildRegistry(cfg.Agents)
	if err != nil {
		return nil, err
	}

	engines, err := expressions.NewEngines()
	if err != nil {
		return nil, err
	}
	validator, err := validation.NewWorkflowValidator(agentReg,
		validation.WithConditionCompiler(expressions.NewConditionEvaluator(engines)),
		validation.WithQueryCompiler(engines.JQ),
	)
	if err != nil {
		return nil, err
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewCollector(promReg)

	sched := engine.NewStepScheduler(agentReg, engines, m, logger, engine.SchedulerConfig{
		BaseDelay: cfg.Global.BaseDelay,
		MaxDelay:  cfg.Global.MaxDelay,
	})
	registry := engine.NewExecutionRegistry(validator, sched, m, logger, engine.RegistryConfig{
		DefaultWorkspaceDir: cfg.Global.WorkspaceDir,
		MaxConcurrentRuns:   cfg.Global.MaxConcurrentRuns,
		Events:              streaming.NewMemoryHub(0),
	})

	defs, err := openDefinitions(ctx, cfg)
	if err != nil {
		return nil, err
	}
	for _, id := range slices.Sorted(maps.Keys(cfg.Definitions)) {
		def := cfg.Definitions[id]
		if res := validator.ValidateDefinition(def); !res.Valid() {
			_ = defs.Close()
			return nil, fmt.Errorf("workflow %q: %w", id, res.ToError())
		}
		if _, err := defs.Put(ctx, def); err != nil {
			_ = defs.Close()
			return nil, err
		}
	}

	logger.Debug("engine ready",
		slog.Int("agents", agentReg.Count()),
		slog.Int("workflows", len(cfg.Definitions)))

	return &app{
		cfg:       cfg,
		logger:    logger,
		agents:    agentReg,
		validator: validator,
		promReg:   promReg,
		registry:  registry,
		defs:      defs,
	}, nil
}

func openDefinitions(ctx context.Context, cfg *config.Config) (store.DefinitionStore, error) {
	if cfg.Global.DBPath == "" {
		return store.NewMemoryStore(), nil
	}
	return store.OpenLibSQLStore(ctx, cfg.Global.DBPath)
}

// close cancels outstanding runs and releases the catalog.
func (a *app) close(ctx context.Context) {
	if err := a.registry.Shutdown(ctx); err != nil {
		a.logger.Warn("shutdown incomplete", slog.String("error", err.Error()))
	}
	if err := a.defs.Close(); err != nil {
		a.logger.Warn("close definition store", slog.String("error", err.Error()))
	}
}
