// Package telemetry provides observability instrumentation for the content
// workflow engine.
//
// The package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus), and event publishing into a unified
// system for monitoring workflow pipelines.
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = "1.0.0"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	if err := tel.StartMetricsServer(); err != nil {
//	    log.Fatal(err)
//	}
//
//	ctx = tel.WithContext(ctx)
//
// # Structured Logging
//
// The logger provides component-specific logging with workflow field helpers:
//
//	logger := tel.Logger.NewComponentLogger("sync-engine")
//	logger = logger.WithUnitID("unit-123").WithSource("cms")
//	logger.Info("Reconciling document")
//	logger.WithError(err).Error("Reconciliation failed")
//
// Components that carry their own child loggers can take the underlying
// zerolog logger via tel.Logger.Zerolog().
//
// # Metrics
//
// Prometheus metrics track pipeline behavior:
//
//	tel.Metrics.RecordSyncRun("succeeded", duration)
//	tel.Metrics.RecordSyncDocument("created")
//	tel.Metrics.RecordTransition("pending", "analyzing")
//	tel.Metrics.RecordAnalysisPass("passed", duration)
//	tel.Metrics.RecordPublishAttempt("webhook", "succeeded", duration)
//	tel.Metrics.RecordError("transient", "PUBLISH_STEP_FAILED")
//
// Key metrics exposed at the /metrics endpoint:
//
//   - pressroom_sync_runs_total{status}
//   - pressroom_sync_documents_total{outcome}
//   - pressroom_transitions_total{from_state,to_state}
//   - pressroom_analysis_passes_total{status}
//   - pressroom_analysis_duration_seconds{status}
//   - pressroom_publish_attempts_total{provider,status}
//   - pressroom_publish_fallbacks_total{from_provider,to_provider}
//   - pressroom_errors_by_class_total{class}
//   - pressroom_queued_analysis_units
//   - pressroom_pending_publish_tasks
//
// # Event Publishing
//
// The event system provides async publishing with buffering and filtering:
//
//	tel.Events.PublishUnitTransitioned(unitID, "pending", "analyzing", actor)
//	tel.Events.PublishProviderFallback(unitID, "agent", "webhook")
//
//	tel.Events.Subscribe(func(event telemetry.Event) {
//	    fmt.Printf("Event: %s - %s\n", event.Type, event.Message)
//	}, telemetry.FilterByLevel("warning"))
//
// Event filters: FilterByLevel, FilterByType, FilterByUnitID, FilterBySource.
//
// # Context Helpers
//
// High-level helpers cover the common instrumentation patterns:
//
//	ctx = telemetry.WithSyncRunContext(ctx, source)
//	defer telemetry.EndSyncRunContext(ctx, source, processed, created, updated, errs, err)
//
//	telemetry.ObserveTransition(ctx, unitID, fromState, toState, actor)
//
//	err := telemetry.RecordProviderStep(ctx, "webhook", "submit", func(ctx context.Context) error {
//	    return provider.Submit(ctx, pub)
//	})
//
// # Configuration
//
// Pre-configured setups exist for different environments: DefaultConfig,
// DevelopmentConfig (verbose logging, stdout traces, full sampling), and
// ProductionConfig (JSON logs, OTLP traces, 10% sampling).
//
// Never log credentials or session tokens; provider implementations keep
// secrets out of step artifacts and attempt records.
package telemetry
