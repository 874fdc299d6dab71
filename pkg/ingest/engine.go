// Package ingest implements the sync engine: it polls the external content
// source, reconciles discovered documents against known content units, and
// hands newly discovered units off to analysis. The idempotency key is the
// external-source identity, not the content hash, so edits to an
// already-processed item refresh its content without re-entering the
// pipeline; only first discovery triggers downstream work.
package ingest

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/pressroom/pressroom/pkg/core"
	"github.com/pressroom/pressroom/pkg/telemetry"
)

// Actor is the actor name the sync engine records on transitions.
const Actor = "sync-engine"

// Store is the persistence contract the sync engine needs.
type Store interface {
	GetUnitBySource(ctx context.Context, source, externalID string) (*core.ContentUnit, error)
	CreateUnit(ctx context.Context, unit *core.ContentUnit, actor string) (*core.ContentUnit, error)
	UpdateUnitContent(ctx context.Context, id, title, body, contentHash string, metadata map[string]interface{}) error
	IncrementSyncRetries(ctx context.Context, id, lastError string) (int, error)
	ResetSyncRetries(ctx context.Context, id string) error
}

// AnalysisQueue receives newly discovered units for asynchronous analysis.
type AnalysisQueue interface {
	Enqueue(unitID string)
}

// Stats summarizes one sync run. It is returned even on partial failure.
type Stats struct {
	Processed int `json:"processed"`
	Created   int `json:"created"`
	Updated   int `json:"updated"`
	Skipped   int `json:"skipped"`
	Errors    int `json:"errors"`
}

// Config holds sync engine tunables.
type Config struct {
	// PageSize bounds how many documents one run lists. Default 100.
	PageSize int

	// MaxItemRetries is the per-item retry bound; exceeding it moves the
	// unit to Failed with reason sync_exhausted. Default 3.
	MaxItemRetries int

	// Workers bounds concurrent per-item reconciliation. Default 8.
	Workers int
}

func (c Config) withDefaults() Config {
	if c.PageSize <= 0 {
		c.PageSize = 100
	}
	if c.MaxItemRetries <= 0 {
		c.MaxItemRetries = 3
	}
	if c.Workers <= 0 {
		c.Workers = 8
	}
	return c
}

// Engine reconciles the external source against the store.
type Engine struct {
	cfg    Config
	source Source
	store  Store
	sm     *core.StateMachine
	queue  AnalysisQueue
	locks  *core.KeyedLock
	logger zerolog.Logger

	// pendingRetries tracks fetch/create failures for items that do not have
	// a unit row yet, keyed by external identity.
	mu             sync.Mutex
	pendingRetries map[string]int
}

// NewEngine creates a sync engine. The keyed lock is shared with the other
// pipeline stages so operations on one unit never overlap.
func NewEngine(
	cfg Config,
	source Source,
	store Store,
	sm *core.StateMachine,
	queue AnalysisQueue,
	locks *core.KeyedLock,
	logger zerolog.Logger,
) *Engine {
	return &Engine{
		cfg:            cfg.withDefaults(),
		source:         source,
		store:          store,
		sm:             sm,
		queue:          queue,
		locks:          locks,
		logger:         logger.With().Str("component", "sync-engine").Logger(),
		pendingRetries: make(map[string]int),
	}
}

// SourceName returns the name of the configured content source.
func (e *Engine) SourceName() string {
	return e.source.Name()
}

// RunOnce performs one reconciliation run. A listing failure is a run-level
// failure and returns an error with zero stats; per-item failures are
// absorbed into Stats.Errors and the run completes. Cancellation stops
// dispatch and waits for in-flight workers before returning partial stats.
func (e *Engine) RunOnce(ctx context.Context) (Stats, error) {
	docs, _, err := e.source.List(ctx, e.cfg.PageSize, "")
	if err != nil {
		e.logger.Error().Err(err).Msg("Source listing failed")
		return Stats{}, fmt.Errorf("list source %s: %w", e.source.Name(), err)
	}

	stats := Stats{Processed: len(docs)}
	var statsMu sync.Mutex

	tel := telemetry.FromTelemetryContext(ctx)

	sem := make(chan struct{}, e.cfg.Workers)
	var wg sync.WaitGroup
dispatch:
	for _, doc := range docs {
		select {
		case <-ctx.Done():
			// Stop dispatching, but the stats read below must wait for the
			// workers already launched.
			break dispatch
		case sem <- struct{}{}:
		}
		wg.Add(1)
		go func(doc Document) {
			defer wg.Done()
			defer func() { <-sem }()
			outcome := e.reconcile(ctx, doc)
			statsMu.Lock()
			switch outcome {
			case outcomeCreated:
				stats.Created++
			case outcomeUpdated:
				stats.Updated++
			case outcomeSkipped:
				stats.Skipped++
			case outcomeError:
				stats.Errors++
			}
			statsMu.Unlock()
			if tel != nil {
				tel.Metrics.RecordSyncDocument(outcome.label())
			}
		}(doc)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		e.logger.Warn().
			Int("processed", stats.Processed).
			Int("errors", stats.Errors).
			Msg("Sync run cancelled")
		return stats, err
	}

	e.logger.Info().
		Int("processed", stats.Processed).
		Int("created", stats.Created).
		Int("updated", stats.Updated).
		Int("skipped", stats.Skipped).
		Int("errors", stats.Errors).
		Msg("Sync run complete")

	return stats, nil
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeCreated
	outcomeUpdated
	outcomeError
)

func (o outcome) label() string {
	switch o {
	case outcomeCreated:
		return "created"
	case outcomeUpdated:
		return "updated"
	case outcomeError:
		return "error"
	default:
		return "skipped"
	}
}

func (e *Engine) identity(externalID string) string {
	return e.source.Name() + "/" + externalID
}

func (e *Engine) reconcile(ctx context.Context, doc Document) outcome {
	key := e.identity(doc.ExternalID)
	e.locks.Lock(key)
	defer e.locks.Unlock(key)

	unit, err := e.store.GetUnitBySource(ctx, e.source.Name(), doc.ExternalID)
	if core.HasCode(err, core.CodeNotFound) {
		return e.discover(ctx, doc)
	}
	if err != nil {
		e.logger.Error().Err(err).Str("external_id", doc.ExternalID).Msg("Unit lookup failed")
		return outcomeError
	}

	// A unit stuck in Discovered means a previous run created it but died
	// before the Pending transition; finish the handoff now.
	if unit.State == core.StateDiscovered {
		e.promote(ctx, unit.ID)
		return outcomeSkipped
	}

	if unit.ContentHash == doc.ContentHash {
		return outcomeSkipped
	}

	body := doc.Body
	if body == "" {
		body, err = e.source.Fetch(ctx, doc.ExternalID)
		if err != nil {
			return e.itemFailure(ctx, unit, err)
		}
	}

	// Content refresh does not reset lifecycle progress: no transition.
	if err := e.store.UpdateUnitContent(ctx, unit.ID, doc.Title, body, doc.ContentHash, doc.Metadata); err != nil {
		return e.itemFailure(ctx, unit, err)
	}
	if err := e.store.ResetSyncRetries(ctx, unit.ID); err != nil {
		e.logger.Warn().Err(err).Str("unit_id", unit.ID).Msg("Failed to reset sync retries")
	}

	e.logger.Debug().Str("unit_id", unit.ID).Msg("Content refreshed")
	return outcomeUpdated
}

// discover creates a unit for a never-seen document and hands it to analysis.
func (e *Engine) discover(ctx context.Context, doc Document) outcome {
	body := doc.Body
	if body == "" {
		var err error
		body, err = e.source.Fetch(ctx, doc.ExternalID)
		if err != nil {
			return e.discoveryFailure(ctx, doc, err)
		}
	}

	created, err := e.store.CreateUnit(ctx, &core.ContentUnit{
		Source:      e.source.Name(),
		ExternalID:  doc.ExternalID,
		Title:       doc.Title,
		Body:        body,
		ContentHash: doc.ContentHash,
		Metadata:    doc.Metadata,
	}, Actor)
	if err != nil {
		return e.discoveryFailure(ctx, doc, err)
	}

	e.mu.Lock()
	delete(e.pendingRetries, e.identity(doc.ExternalID))
	e.mu.Unlock()

	e.promote(ctx, created.ID)
	return outcomeCreated
}

// promote moves a freshly created unit into Pending and enqueues analysis.
func (e *Engine) promote(ctx context.Context, unitID string) {
	_, err := e.sm.Apply(ctx, unitID, core.StateDiscovered, core.StatePending, Actor, "queued for analysis", nil)
	if err != nil {
		e.logger.Error().Err(err).Str("unit_id", unitID).Msg("Failed to promote discovered unit")
		return
	}
	if e.queue != nil {
		e.queue.Enqueue(unitID)
	}
}

// itemFailure bumps the per-item retry counter for an existing unit and
// moves it to Failed once the bound is exceeded.
func (e *Engine) itemFailure(ctx context.Context, unit *core.ContentUnit, cause error) outcome {
	retries, err := e.store.IncrementSyncRetries(ctx, unit.ID, cause.Error())
	if err != nil {
		e.logger.Error().Err(err).Str("unit_id", unit.ID).Msg("Failed to record sync retry")
		return outcomeError
	}

	e.logger.Warn().Err(cause).
		Str("unit_id", unit.ID).
		Int("retries", retries).
		Msg("Item sync failed")

	if retries > e.cfg.MaxItemRetries {
		if _, err := e.sm.MarkFailed(ctx, unit.ID, unit.State, Actor, core.ReasonSyncExhausted, cause); err != nil {
			// Some states (e.g. ready_to_publish) have no Failed edge; the
			// counter keeps the exhaustion visible either way.
			e.logger.Warn().Err(err).Str("unit_id", unit.ID).Msg("Could not transition exhausted unit to failed")
		}
	}
	return outcomeError
}

// discoveryFailure tracks failures for items with no unit row yet. Once the
// bound is exceeded a placeholder unit is created and immediately failed so
// the exhaustion is queryable like any other failure.
func (e *Engine) discoveryFailure(ctx context.Context, doc Document, cause error) outcome {
	key := e.identity(doc.ExternalID)

	e.mu.Lock()
	e.pendingRetries[key]++
	retries := e.pendingRetries[key]
	e.mu.Unlock()

	e.logger.Warn().Err(cause).
		Str("external_id", doc.ExternalID).
		Int("retries", retries).
		Msg("Discovery failed")

	if retries <= e.cfg.MaxItemRetries {
		return outcomeError
	}

	placeholder, err := e.store.CreateUnit(ctx, &core.ContentUnit{
		Source:      e.source.Name(),
		ExternalID:  doc.ExternalID,
		Title:       doc.Title,
		ContentHash: doc.ContentHash,
		Metadata:    doc.Metadata,
	}, Actor)
	if err != nil {
		e.logger.Error().Err(err).Str("external_id", doc.ExternalID).Msg("Failed to create placeholder unit")
		return outcomeError
	}

	e.mu.Lock()
	delete(e.pendingRetries, key)
	e.mu.Unlock()

	if _, err := e.sm.MarkFailed(ctx, placeholder.ID, core.StateDiscovered, Actor, core.ReasonSyncExhausted, cause); err != nil {
		e.logger.Error().Err(err).Str("unit_id", placeholder.ID).Msg("Failed to fail placeholder unit")
	}
	return outcomeError
}
