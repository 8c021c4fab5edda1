package main

import (
	"fmt"
	"path/filepath"

	"github.com/ShayCichocki/weft/internal/api"
	"github.com/ShayCichocki/weft/internal/config"
	"github.com/ShayCichocki/weft/internal/orchestrator"
	"github.com/ShayCichocki/weft/internal/registry"
	"github.com/ShayCichocki/weft/internal/render"
	"github.com/ShayCichocki/weft/internal/state"
)

// loadProject loads the config (with the active profile applied) and the
// unit registry from the project's units directory.
func loadProject() (*config.Config, *registry.Registry, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if rootProfile != "" {
		if err := cfg.ApplyProfile(rootProfile); err != nil {
			return nil, nil, err
		}
	}

	unitsDir := filepath.Join(config.ProjectRoot(), cfg.Run.UnitsDir)
	reg, err := registry.LoadDir(unitsDir, registry.LoadOptions{
		DefaultModel:  cfg.DefaultModel(),
		DefaultPolicy: cfg.DefaultPolicy(),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("load units from %s: %w", unitsDir, err)
	}
	return cfg, reg, nil
}

// openStore opens the project run database and applies migrations.
func openStore() (*state.DB, error) {
	db, err := state.OpenProject(config.ProjectRoot())
	if err != nil {
		return nil, fmt.Errorf("open run database: %w", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate run database: %w", err)
	}
	return db, nil
}

// newExecutor builds the model executor from the configured credentials.
func newExecutor(cfg *config.Config) (*api.ClaudeExecutor, error) {
	client, err := api.NewClient(api.ClientConfig{
		APIKey:        cfg.Anthropic.APIKey,
		UseAWSBedrock: cfg.AWS.Bedrock,
		AWSRegion:     cfg.AWS.Region,
		AWSProfile:    cfg.AWS.Profile,
	})
	if err != nil {
		return nil, fmt.Errorf("create API client: %w", err)
	}
	return api.NewClaudeExecutor(client), nil
}

// buildOrchestrator wires the registry, store, renderer, and executor
// into an orchestrator. The executor may be nil for commands that only
// inspect the graph.
func buildOrchestrator(cfg *config.Config, reg *registry.Registry, store state.RunStore, exec api.ModelExecutor) (*orchestrator.Orchestrator, error) {
	opts := []orchestrator.Option{
		orchestrator.WithMaxParallelism(cfg.Run.MaxParallelism),
		orchestrator.WithAttemptTimeout(cfg.Run.AttemptTimeout),
	}
	if cfg.Run.Debug {
		opts = append(opts, orchestrator.WithDebugLogger(orchestrator.NewDebugLoggerForProject(config.ProjectRoot())))
	}
	return orchestrator.New(reg, store, render.NewTemplateRenderer(), exec, opts...)
}
