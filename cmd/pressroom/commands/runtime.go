package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/pressroom/pressroom/pkg/analysis"
	"github.com/pressroom/pressroom/pkg/config"
	"github.com/pressroom/pressroom/pkg/core"
	"github.com/pressroom/pressroom/pkg/publish"
	"github.com/pressroom/pressroom/pkg/providers/agent"
	"github.com/pressroom/pressroom/pkg/providers/webhook"
	"github.com/pressroom/pressroom/pkg/stores"
)

// loadConfig loads the configuration honoring the global --config and
// --verbose flags.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Telemetry.LogLevel = "debug"
	}
	return cfg, nil
}

// openStore opens, initializes, and migrates the database.
func openStore(ctx context.Context, cfg *config.Config) (*stores.SQLiteStore, error) {
	store, err := stores.NewSQLiteStore(stores.Config{Path: cfg.Database.Path})
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	if err := store.Init(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return store, nil
}

// loadManifest resolves the rule manifest from the configured path, falling
// back to the built-in one.
func loadManifest(cfg *config.Config) (*analysis.Manifest, error) {
	if cfg.Analysis.ManifestPath == "" {
		return analysis.DefaultManifest(), nil
	}
	m, err := analysis.LoadManifest(cfg.Analysis.ManifestPath)
	if err != nil {
		return nil, err
	}
	log.Debug().Str("path", cfg.Analysis.ManifestPath).Str("version", m.Version).Msg("Loaded rule manifest")
	return m, nil
}

// buildProviderRegistry registers the configured publication providers.
func buildProviderRegistry(cfg *config.Config, logger zerolog.Logger) (*publish.Registry, error) {
	registry := publish.NewRegistry()

	if err := registry.Register(webhook.New(webhook.Config{
		BaseURL:  cfg.Publish.Webhook.BaseURL,
		APIKey:   cfg.Publish.Webhook.APIKey,
		Timeout:  cfg.Publish.Webhook.Timeout.Std(),
		RetryMax: cfg.Publish.Webhook.RetryMax,
		Cost:     cfg.Publish.Webhook.Cost,
	}, logger)); err != nil {
		return nil, err
	}

	if err := registry.Register(agent.New(agent.Config{
		BaseURL:  cfg.Publish.Agent.BaseURL,
		Platform: cfg.Publish.Agent.Platform,
		Username: cfg.Publish.Agent.Username,
		Password: cfg.Publish.Agent.Password,
		Timeout:  cfg.Publish.Agent.Timeout.Std(),
		Cost:     cfg.Publish.Agent.Cost,
	}, logger)); err != nil {
		return nil, err
	}

	return registry, nil
}

// buildPublisher assembles the publish orchestrator over the configured
// provider chain.
func buildPublisher(cfg *config.Config, store *stores.SQLiteStore, sm *core.StateMachine, locks *core.KeyedLock, logger zerolog.Logger) (*publish.Orchestrator, error) {
	registry, err := buildProviderRegistry(cfg, logger)
	if err != nil {
		return nil, err
	}
	return publish.NewOrchestrator(publish.Config{
		ProviderOrder:       cfg.Publish.ProviderOrder,
		FailuresPerProvider: cfg.Publish.FailuresPerProvider,
		InitialBackoff:      cfg.Publish.InitialBackoff.Std(),
		MaxBackoff:          cfg.Publish.MaxBackoff.Std(),
		Concurrency:         cfg.Publish.Concurrency,
		DefaultConcurrency:  cfg.Publish.DefaultConcurrency,
	}, registry, store, sm, locks, logger)
}
