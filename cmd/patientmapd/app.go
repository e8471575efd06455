package main

import (
	"fmt"

	"github.com/patientmap/patientmapd/internal/budget"
	"github.com/patientmap/patientmapd/internal/capability"
	"github.com/patientmap/patientmapd/internal/config"
	"github.com/patientmap/patientmapd/internal/graph"
	"github.com/patientmap/patientmapd/internal/logging"
	"github.com/patientmap/patientmapd/internal/pipeline"
	"github.com/patientmap/patientmapd/internal/provider"
	"github.com/patientmap/patientmapd/internal/reasoner"
	"github.com/patientmap/patientmapd/internal/workunit"
)

// app holds the wired process collaborators.
type app struct {
	cfg       *config.Config
	logger    *logging.Logger
	graphs    *graph.Manager
	sequencer *pipeline.Sequencer
}

// buildApp wires the full dependency graph from configuration.
func buildApp(cfg *config.Config) (*app, error) {
	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	registry, err := capability.FromConfig(cfg.Grants)
	if err != nil {
		return nil, fmt.Errorf("load grants: %w", err)
	}

	governor := budget.NewGovernor(budget.WithLogger(logger))
	providers := provider.NewSet(cfg.Providers, registry, governor, provider.WithLogger(logger))

	store, err := buildStore(cfg.Graph)
	if err != nil {
		return nil, err
	}
	graphs := graph.NewManager(store, graph.WithManagerLogger(logger))

	client, err := reasoner.NewClient(cfg.Reasoner)
	if err != nil {
		return nil, fmt.Errorf("init reasoner client: %w", err)
	}

	runner := workunit.NewRunner(registry, providers, client, graphs,
		workunit.WithLogger(logger),
		workunit.WithMaxRounds(cfg.Pipeline.MaxReasonerRounds),
		workunit.WithDeadline(cfg.Pipeline.WorkUnitDeadline.Duration()),
		workunit.WithPolicy(workunit.Policy{
			PartialSuccessMinRatio: cfg.Pipeline.PartialSuccessMinRatio,
		}))

	sequencer := pipeline.NewSequencer(graphs, pipeline.WithLogger(logger))
	pipeline.NewPhaseHandlers(sequencer, runner, graphs, cfg.Pipeline, logger)

	return &app{
		cfg:       cfg,
		logger:    logger,
		graphs:    graphs,
		sequencer: sequencer,
	}, nil
}

// buildStore selects the graph backend.
func buildStore(cfg config.GraphConfig) (graph.Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return graph.NewMemoryStore(), nil
	case "redis":
		var opts []graph.RedisOption
		if cfg.Redis.KeyPrefix != "" {
			opts = append(opts, graph.WithPrefix(cfg.Redis.KeyPrefix))
		}
		return graph.NewRedisStore(cfg.Redis.Addr, cfg.Redis.Password.Value(), cfg.Redis.DB, opts...), nil
	default:
		return nil, fmt.Errorf("unknown graph backend %q", cfg.Backend)
	}
}

// loadApp loads configuration and wires the app.
func loadApp() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", configPath, err)
	}
	return buildApp(cfg)
}
