package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/pressroom/pressroom/pkg/analysis"
	"github.com/pressroom/pressroom/pkg/config"
	"github.com/pressroom/pressroom/pkg/core"
	"github.com/pressroom/pressroom/pkg/ingest"
	"github.com/pressroom/pressroom/pkg/telemetry"
	"github.com/pressroom/pressroom/pkg/workflow"
)

func newServeCommand(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the pressroom service",
		Long: `Run the full pipeline as a long-lived service: periodic sync against the
content source, the analysis worker pool, and the publish dispatcher.

The metrics endpoint serves Prometheus metrics when enabled. Tunables
(sync interval, retry bounds, provider ordering) reload from the config
file without a restart; everything else needs one.`,
		Example: `  # Run with the workspace config
  pressroom serve --config ./data/config.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), version)
		},
	}
	return cmd
}

func runServe(ctx context.Context, version string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	tel, err := telemetry.NewTelemetry(cfg.TelemetryConfig(version))
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	logger := tel.Logger.Zerolog()
	log.Logger = logger

	// Everything downstream instruments itself off the context.
	ctx = tel.WithContext(ctx)

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	// Committed transitions feed the metrics, the event stream, and the
	// enclosing span.
	events := core.EventPublisherFunc(func(ctx context.Context, ev core.TransitionEvent) {
		from := ""
		if ev.FromState != nil {
			from = string(*ev.FromState)
		}
		telemetry.ObserveTransition(ctx, ev.UnitID, from, string(ev.ToState), ev.Actor)
	})

	sm := core.NewStateMachine(store, events, logger)
	locks := core.NewKeyedLock()

	manifest, err := loadManifest(cfg)
	if err != nil {
		return err
	}
	rules, err := analysis.NewRuleEngine(manifest, logger)
	if err != nil {
		return err
	}
	ai, err := analysis.NewLLMAnalyzer(analysis.LLMConfig{
		BaseURL:      cfg.Analysis.LLM.BaseURL,
		APIKey:       cfg.Analysis.LLM.APIKey,
		Model:        cfg.Analysis.LLM.Model,
		BaseTimeout:  cfg.Analysis.LLM.BaseTimeout.Std(),
		TimeoutPerKB: cfg.Analysis.LLM.TimeoutPerKB.Std(),
		MaxTimeout:   cfg.Analysis.LLM.MaxTimeout.Std(),
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create AI analyzer: %w", err)
	}

	coordinator := analysis.NewCoordinator(analysis.CoordinatorConfig{
		Workers:    cfg.Analysis.Workers,
		QueueDepth: cfg.Analysis.QueueDepth,
	}, rules, ai, store, sm, locks, logger)

	source := ingest.NewHTTPSource(ingest.HTTPSourceConfig{
		Name:     cfg.Sync.Source.Name,
		BaseURL:  cfg.Sync.Source.BaseURL,
		Token:    cfg.Sync.Source.Token,
		Timeout:  cfg.Sync.Source.Timeout.Std(),
		RetryMax: cfg.Sync.Source.RetryMax,
	}, logger)
	engine := ingest.NewEngine(ingest.Config{
		PageSize:       cfg.Sync.PageSize,
		MaxItemRetries: cfg.Sync.MaxItemRetries,
		Workers:        cfg.Sync.Workers,
	}, source, store, sm, coordinator, locks, logger)

	publisher, err := buildPublisher(cfg, store, sm, locks, logger)
	if err != nil {
		return err
	}

	facade := workflow.New(store, sm, engine, coordinator, publisher, logger)
	if err := facade.Start(ctx); err != nil {
		return err
	}
	defer facade.Stop()

	if err := tel.StartMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	alert := func(failures int, lastErr error) {
		tel.Metrics.RecordError("transient", string(core.CodeSourceUnavailable))
		_ = tel.Events.PublishSyncRunFailed(cfg.Sync.Source.Name, lastErr.Error())
		logger.Error().Err(lastErr).
			Int("consecutive_failures", failures).
			Msg("Sync is failing repeatedly, source may be down")
	}
	scheduler := ingest.NewScheduler(ingest.SchedulerConfig{
		Interval:       cfg.Sync.Interval.Std(),
		AlertThreshold: cfg.Sync.AlertThreshold,
	}, engine, alert, logger)

	// Hot-reload the tunables when a config file is in use.
	if configPath != "" {
		watcher := config.NewWatcher(configPath, cfg, logger)
		watcher.OnReload(func(next *config.Config) {
			scheduler.SetInterval(next.Sync.Interval.Std())
		})
		go func() {
			if err := watcher.Run(ctx); err != nil {
				logger.Warn().Err(err).Msg("Config watcher stopped")
			}
		}()
	}

	logger.Info().
		Str("version", version).
		Str("source", cfg.Sync.Source.Name).
		Strs("providers", cfg.Publish.ProviderOrder).
		Msg("Pressroom service started")

	err = scheduler.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serr := tel.Shutdown(shutdownCtx); serr != nil {
		logger.Warn().Err(serr).Msg("Telemetry shutdown incomplete")
	}

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
