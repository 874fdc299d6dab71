// Package workflow wires the pipeline stages into one operational facade:
// sync, analysis, and publishing share a store, a state machine, and a keyed
// lock, and callers drive the whole system through the Orchestrator.
package workflow

import (
	"context"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/pressroom/pressroom/pkg/analysis"
	"github.com/pressroom/pressroom/pkg/core"
	"github.com/pressroom/pressroom/pkg/ingest"
	"github.com/pressroom/pressroom/pkg/publish"
	"github.com/pressroom/pressroom/pkg/telemetry"
)

// Store is the read surface the facade needs on top of what the engines
// already use.
type Store interface {
	GetUnit(ctx context.Context, id string) (*core.ContentUnit, error)
	ListUnitsByState(ctx context.Context, state core.State, limit int) ([]*core.ContentUnit, error)
	ListTransitions(ctx context.Context, unitID string) ([]*core.TransitionRecord, error)
	LatestAnalysisResult(ctx context.Context, unitID string) (*core.AnalysisResult, error)
	ListPublishAttempts(ctx context.Context, unitID string) ([]*core.PublishAttempt, error)
	TotalPublishCost(ctx context.Context, unitID string) (float64, error)
}

// UnitView is a unit with its pipeline context attached: the latest analysis
// outcome, the audit trail, and the publish history.
type UnitView struct {
	Unit     *core.ContentUnit        `json:"unit"`
	Analysis *AnalysisSummary         `json:"analysis,omitempty"`
	History  []*core.TransitionRecord `json:"history"`
	Attempts []*core.PublishAttempt   `json:"attempts,omitempty"`

	// TotalCost is the summed cost of all publish attempts.
	TotalCost float64 `json:"total_cost"`
}

// AnalysisSummary is the reviewer-facing digest of the latest analysis pass.
type AnalysisSummary struct {
	ResultID          string                   `json:"result_id"`
	TotalIssues       int                      `json:"total_issues"`
	BlockingIssues    int                      `json:"blocking_issues"`
	OriginCounts      map[core.IssueOrigin]int `json:"origin_counts"`
	Passed            bool                     `json:"passed"`
	RuleEngineVersion string                   `json:"rule_engine_version"`
	ModelID           string                   `json:"model_id"`
	Issues            []core.Issue             `json:"issues"`
}

// Orchestrator is the facade over the three engines.
type Orchestrator struct {
	store       Store
	sm          *core.StateMachine
	syncEngine  *ingest.Engine
	coordinator *analysis.Coordinator
	publisher   *publish.Orchestrator
	logger      zerolog.Logger
}

// New creates the facade. The engines must share the same store, state
// machine, and keyed lock.
func New(
	store Store,
	sm *core.StateMachine,
	syncEngine *ingest.Engine,
	coordinator *analysis.Coordinator,
	publisher *publish.Orchestrator,
	logger zerolog.Logger,
) *Orchestrator {
	return &Orchestrator{
		store:       store,
		sm:          sm,
		syncEngine:  syncEngine,
		coordinator: coordinator,
		publisher:   publisher,
		logger:      logger.With().Str("component", "workflow").Logger(),
	}
}

// Start launches the background stages and resumes work a previous process
// left behind: units in Pending or Analyzing go back to the analysis queue,
// units in Publishing back to the publish arena.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.coordinator.Start(ctx)
	o.publisher.Start(ctx)

	requeued, err := o.coordinator.RequeuePending(ctx)
	if err != nil {
		return err
	}
	if requeued > 0 {
		o.logger.Info().Int("requeued", requeued).Msg("Re-enqueued pending units")
	}

	resubmitted, err := o.publisher.RequeuePublishing(ctx)
	if err != nil {
		return err
	}
	if resubmitted > 0 {
		o.logger.Info().Int("resubmitted", resubmitted).Msg("Re-scheduled in-flight publish tasks")
	}
	return nil
}

// Stop drains the background stages.
func (o *Orchestrator) Stop() {
	o.publisher.Stop()
	o.coordinator.Stop()
}

// TriggerSync runs one reconciliation pass against the content source.
func (o *Orchestrator) TriggerSync(ctx context.Context) (ingest.Stats, error) {
	source := o.syncEngine.SourceName()
	runCtx := telemetry.WithSyncRunContext(ctx, source)
	stats, err := o.syncEngine.RunOnce(runCtx)
	telemetry.EndSyncRunContext(runCtx, source, stats.Processed, stats.Created, stats.Updated, stats.Errors, err)
	return stats, err
}

// GetUnit returns the unit with its latest analysis summary, transition
// history, and publish attempts.
func (o *Orchestrator) GetUnit(ctx context.Context, unitID string) (*UnitView, error) {
	unit, err := o.store.GetUnit(ctx, unitID)
	if err != nil {
		return nil, err
	}

	view := &UnitView{Unit: unit}

	result, err := o.store.LatestAnalysisResult(ctx, unitID)
	switch {
	case core.HasCode(err, core.CodeNotFound):
		// No pass has completed yet.
	case err != nil:
		return nil, err
	default:
		view.Analysis = &AnalysisSummary{
			ResultID:          result.ID,
			TotalIssues:       result.TotalIssues,
			BlockingIssues:    result.BlockingIssues,
			OriginCounts:      result.OriginCounts,
			Passed:            result.Passed,
			RuleEngineVersion: result.RuleEngineVersion,
			ModelID:           result.ModelID,
			Issues:            result.Issues,
		}
	}

	if view.History, err = o.store.ListTransitions(ctx, unitID); err != nil {
		return nil, err
	}
	if view.Attempts, err = o.store.ListPublishAttempts(ctx, unitID); err != nil {
		return nil, err
	}
	if len(view.Attempts) > 0 {
		if view.TotalCost, err = o.store.TotalPublishCost(ctx, unitID); err != nil {
			return nil, err
		}
	}
	return view, nil
}

// ListUnits returns units currently in the given state.
func (o *Orchestrator) ListUnits(ctx context.Context, state core.State, limit int) ([]*core.ContentUnit, error) {
	return o.store.ListUnitsByState(ctx, state, limit)
}

// RequestTransition applies an operator-driven transition, e.g. review
// approval, a re-analysis request, or failure recovery. The from state is
// the caller's view of the unit; when the unit has moved since that view
// was taken the request fails with a conflict error instead of acting on
// stale intent. A unit moved into Pending or Analyzing is handed back to
// analysis.
func (o *Orchestrator) RequestTransition(ctx context.Context, unitID string, from, to core.State, actor, reason string) (updated *core.ContentUnit, err error) {
	if actor == "" {
		actor = "operator"
	}

	if tel := telemetry.FromTelemetryContext(ctx); tel != nil {
		var span trace.Span
		ctx, span = tel.Tracer.StartUnitSpan(ctx, unitID, "unit.transition")
		span.SetAttributes(
			telemetry.AttrFromState.String(string(from)),
			telemetry.AttrToState.String(string(to)),
			telemetry.AttrActor.String(actor),
		)
		defer func() {
			if err != nil {
				telemetry.RecordError(span, err)
			} else {
				telemetry.RecordSuccess(span)
			}
			span.End()
		}()
	}

	updated, err = o.sm.Apply(ctx, unitID, from, to, actor, reason, nil)
	if err != nil {
		return nil, err
	}

	// Pending is the recovery edge, Analyzing the review-requested re-run;
	// both need the analysis stage. When it is not running, the requeue on
	// the next service start picks the unit up.
	if (to == core.StatePending || to == core.StateAnalyzing) && o.coordinator != nil {
		o.coordinator.Enqueue(unitID)
	}
	return updated, nil
}

// TriggerPublish submits an approved unit for publication and returns the
// attempt stream. The channel closes when the unit reaches a terminal
// publish outcome; cancel detaches early.
func (o *Orchestrator) TriggerPublish(ctx context.Context, unitID string) (<-chan core.PublishAttempt, func(), error) {
	// Subscribe before Submit so the first attempt cannot slip past.
	ch, cancel := o.publisher.Subscribe(unitID)
	if err := o.publisher.Submit(ctx, unitID); err != nil {
		cancel()
		return nil, nil, err
	}
	return ch, cancel, nil
}
