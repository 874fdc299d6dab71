package analysis

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pressroom/pressroom/pkg/core"
	"github.com/pressroom/pressroom/pkg/telemetry"
)

// Actor is the actor name the coordinator records on transitions.
const Actor = "analysis-coordinator"

// Store is the persistence contract the coordinator needs.
type Store interface {
	GetUnit(ctx context.Context, id string) (*core.ContentUnit, error)
	ListUnitsByState(ctx context.Context, state core.State, limit int) ([]*core.ContentUnit, error)
	CreateAnalysisResult(ctx context.Context, result *core.AnalysisResult) error
	IncrementAnalysisRetries(ctx context.Context, id string) (int, error)
}

// CoordinatorConfig holds analysis pipeline tunables.
type CoordinatorConfig struct {
	// Workers bounds concurrent analysis passes. Default 20.
	Workers int

	// QueueDepth is the pending handoff buffer. Default 256.
	QueueDepth int
}

func (c CoordinatorConfig) withDefaults() CoordinatorConfig {
	if c.Workers <= 0 {
		c.Workers = 20
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = 256
	}
	return c
}

// Coordinator runs the full analysis pass for units handed off by sync:
// deterministic rules, AI analyzer, merge, persist, transition to review.
type Coordinator struct {
	cfg    CoordinatorConfig
	rules  *RuleEngine
	ai     AIAnalyzer
	store  Store
	sm     *core.StateMachine
	locks  *core.KeyedLock
	logger zerolog.Logger

	queue chan string
	wg    sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
}

// NewCoordinator creates the analysis coordinator. The keyed lock is shared
// with the other pipeline stages.
func NewCoordinator(
	cfg CoordinatorConfig,
	rules *RuleEngine,
	ai AIAnalyzer,
	store Store,
	sm *core.StateMachine,
	locks *core.KeyedLock,
	logger zerolog.Logger,
) *Coordinator {
	cfg = cfg.withDefaults()
	return &Coordinator{
		cfg:    cfg,
		rules:  rules,
		ai:     ai,
		store:  store,
		sm:     sm,
		locks:  locks,
		logger: logger.With().Str("component", "analysis-coordinator").Logger(),
		queue:  make(chan string, cfg.QueueDepth),
		done:   make(chan struct{}),
	}
}

// Start launches the worker pool.
func (c *Coordinator) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		for i := 0; i < c.cfg.Workers; i++ {
			c.wg.Add(1)
			go c.worker(ctx)
		}
		c.logger.Info().Int("workers", c.cfg.Workers).Msg("Analysis workers started")
	})
}

// Stop closes the queue and waits for in-flight passes to finish.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() {
		close(c.done)
		c.wg.Wait()
	})
}

// Enqueue hands a unit off for analysis. It blocks when the queue is full
// so backpressure reaches the sync engine instead of dropping units.
func (c *Coordinator) Enqueue(unitID string) {
	select {
	case c.queue <- unitID:
	case <-c.done:
	}
}

// RequeuePending re-enqueues units left in Pending or Analyzing, e.g. after
// a restart cut their pass short.
func (c *Coordinator) RequeuePending(ctx context.Context) (int, error) {
	total := 0
	for _, state := range []core.State{core.StatePending, core.StateAnalyzing} {
		units, err := c.store.ListUnitsByState(ctx, state, c.cfg.QueueDepth)
		if err != nil {
			return total, err
		}
		for _, unit := range units {
			c.Enqueue(unit.ID)
			total++
		}
	}
	return total, nil
}

func (c *Coordinator) worker(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case unitID := <-c.queue:
			if tel := telemetry.FromTelemetryContext(ctx); tel != nil {
				tel.Metrics.SetQueuedAnalysis(float64(len(c.queue)))
			}
			if err := c.Process(ctx, unitID); err != nil {
				c.logger.Error().Err(err).Str("unit_id", unitID).Msg("Analysis pass failed")
			}
		}
	}
}

// Process runs one full analysis pass for the unit. It is idempotent: a
// unit in neither Pending nor Analyzing is skipped without error, so
// duplicate handoffs and races with concurrent transitions are harmless. A
// unit already in Analyzing is a review-requested re-run (or a pass cut off
// by a crash) and runs without the entry transition.
func (c *Coordinator) Process(ctx context.Context, unitID string) (err error) {
	c.locks.Lock(unitID)
	defer c.locks.Unlock(unitID)

	unit, err := c.store.GetUnit(ctx, unitID)
	if err != nil {
		return err
	}

	switch unit.State {
	case core.StatePending:
		if _, err := c.sm.Apply(ctx, unitID, core.StatePending, core.StateAnalyzing, Actor, "analysis started", nil); err != nil {
			return err
		}
	case core.StateAnalyzing:
	default:
		c.logger.Debug().
			Str("unit_id", unitID).
			Str("state", string(unit.State)).
			Msg("Skipping unit not awaiting analysis")
		return nil
	}

	op := telemetry.StartOperation(ctx, "analysis.pass", telemetry.AttrUnitID.String(unitID))
	defer func() { op.End(err) }()
	ctx = op.Ctx
	tel := telemetry.FromTelemetryContext(ctx)

	start := time.Now()

	ruleIssues, warnings := c.rules.Evaluate(ctx, unit.Title, unit.Body, unit.Metadata)
	for _, w := range warnings {
		c.logger.Warn().Str("unit_id", unitID).Str("warning", w).Msg("Rule pass warning")
	}

	aiIssues, err := c.ai.Analyze(ctx, unit.Title, unit.Body)
	if err != nil {
		reason := core.ReasonAnalysisAIError
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			// The run-level deadline expired, as opposed to the analyzer's
			// own bounded call timing out.
			reason = core.ReasonTimeout
		}
		if tel != nil {
			tel.Metrics.RecordAnalysisPass("failed", time.Since(start))
		}
		return c.failPass(ctx, unitID, reason, err)
	}

	issues := Merge(ruleIssues, aiIssues, c.rules.Manifest())
	total, blocking, origins, passed := Summarize(issues)

	result := &core.AnalysisResult{
		UnitID:            unitID,
		Issues:            issues,
		TotalIssues:       total,
		BlockingIssues:    blocking,
		OriginCounts:      origins,
		RuleEngineVersion: c.rules.Version(),
		ModelID:           c.ai.ModelID(),
		Latency:           time.Since(start),
		Passed:            passed,
	}
	if err = c.store.CreateAnalysisResult(ctx, result); err != nil {
		if tel != nil {
			tel.Metrics.RecordAnalysisPass("failed", time.Since(start))
		}
		return c.failPass(ctx, unitID, "analysis_persist_error", err)
	}

	_, err = c.sm.Apply(ctx, unitID, core.StateAnalyzing, core.StateUnderReview, Actor, "analysis complete", map[string]interface{}{
		"total_issues":    total,
		"blocking_issues": blocking,
		"passed":          passed,
	})
	if err != nil {
		return err
	}

	if tel != nil {
		tel.Metrics.RecordAnalysisPass("succeeded", result.Latency)
		for origin, n := range origins {
			tel.Metrics.RecordAnalysisIssues(string(origin), n)
		}
		_ = tel.Events.PublishAnalysisCompleted(unitID, total, blocking, passed)
	}

	c.logger.Info().
		Str("unit_id", unitID).
		Int("issues", total).
		Int("blocking", blocking).
		Dur("latency", result.Latency).
		Msg("Analysis pass complete")

	return nil
}

// failPass records the failed pass: no result row, retry counter bumped,
// unit moved to Failed with the raw error in the transition context.
func (c *Coordinator) failPass(ctx context.Context, unitID, reason string, cause error) error {
	// The bookkeeping must land even when the pass died to a cancelled or
	// expired context.
	ctx = context.WithoutCancel(ctx)

	if tel := telemetry.FromTelemetryContext(ctx); tel != nil {
		var werr *core.WorkflowError
		if errors.As(cause, &werr) {
			tel.Metrics.RecordError(string(werr.Class), werr.Code)
		}
	}

	if _, err := c.store.IncrementAnalysisRetries(ctx, unitID); err != nil {
		c.logger.Error().Err(err).Str("unit_id", unitID).Msg("Failed to record analysis retry")
	}
	if _, err := c.sm.MarkFailed(ctx, unitID, core.StateAnalyzing, Actor, reason, cause); err != nil {
		c.logger.Error().Err(err).Str("unit_id", unitID).Msg("Failed to fail unit after analysis error")
	}
	return cause
}
