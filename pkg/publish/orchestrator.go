package publish

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pressroom/pressroom/pkg/core"
	"github.com/pressroom/pressroom/pkg/telemetry"
)

// Actor is the actor name the orchestrator records on transitions.
const Actor = "publish-orchestrator"

// Store is the persistence contract the orchestrator needs.
type Store interface {
	GetUnit(ctx context.Context, id string) (*core.ContentUnit, error)
	ListUnitsByState(ctx context.Context, state core.State, limit int) ([]*core.ContentUnit, error)
	CreatePublishAttempt(ctx context.Context, unitID, provider string) (*core.PublishAttempt, error)
	UpdatePublishAttempt(ctx context.Context, attempt *core.PublishAttempt) error
	CountPublishAttempts(ctx context.Context, unitID string) (int, error)
	IncrementPublishRetries(ctx context.Context, id string) (int, error)
	TotalPublishCost(ctx context.Context, unitID string) (float64, error)
}

// Config holds publish orchestration tunables.
type Config struct {
	// ProviderOrder is the fallback chain, first entry preferred.
	ProviderOrder []string

	// FailuresPerProvider is the consecutive-failure threshold that moves a
	// unit to the next provider. Default 3.
	FailuresPerProvider int

	// InitialBackoff is the delay before the first retry. Default 1m.
	InitialBackoff time.Duration

	// MaxBackoff caps the doubling backoff. Default 4m.
	MaxBackoff time.Duration

	// Concurrency bounds in-flight attempts per provider name.
	Concurrency map[string]int

	// DefaultConcurrency applies to providers without an explicit ceiling.
	// Default 10.
	DefaultConcurrency int
}

func (c Config) withDefaults() Config {
	if c.FailuresPerProvider <= 0 {
		c.FailuresPerProvider = 3
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = time.Minute
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 4 * time.Minute
	}
	if c.DefaultConcurrency <= 0 {
		c.DefaultConcurrency = 10
	}
	return c
}

// Orchestrator drives publish attempts: protocol execution, step retry,
// backoff scheduling, provider fallback, and the Publishing transitions.
type Orchestrator struct {
	cfg       Config
	providers []Provider
	store     Store
	sm        *core.StateMachine
	locks     *core.KeyedLock
	logger    zerolog.Logger

	arena *arena
	sems  map[string]chan struct{}

	wmu      sync.Mutex
	watchers map[string][]chan core.PublishAttempt

	wg        sync.WaitGroup
	done      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewOrchestrator resolves the provider chain and creates the orchestrator.
func NewOrchestrator(
	cfg Config,
	registry *Registry,
	store Store,
	sm *core.StateMachine,
	locks *core.KeyedLock,
	logger zerolog.Logger,
) (*Orchestrator, error) {
	cfg = cfg.withDefaults()

	providers, err := registry.Ordered(cfg.ProviderOrder)
	if err != nil {
		return nil, err
	}

	sems := make(map[string]chan struct{}, len(providers))
	for _, p := range providers {
		limit := cfg.Concurrency[p.Name()]
		if limit <= 0 {
			limit = cfg.DefaultConcurrency
		}
		sems[p.Name()] = make(chan struct{}, limit)
	}

	return &Orchestrator{
		cfg:       cfg,
		providers: providers,
		store:     store,
		sm:        sm,
		locks:     locks,
		logger:    logger.With().Str("component", "publish-orchestrator").Logger(),
		arena:     newArena(),
		sems:      sems,
		watchers:  make(map[string][]chan core.PublishAttempt),
		done:      make(chan struct{}),
	}, nil
}

// Start launches the dispatcher.
func (o *Orchestrator) Start(ctx context.Context) {
	o.startOnce.Do(func() {
		o.wg.Add(1)
		go o.dispatchLoop(ctx)
		o.logger.Info().
			Strs("providers", o.cfg.ProviderOrder).
			Msg("Publish orchestrator started")
	})
}

// Stop drains the dispatcher and waits for in-flight attempts.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() {
		close(o.done)
		o.wg.Wait()
	})
}

// Pending returns the number of scheduled attempts not yet dispatched.
func (o *Orchestrator) Pending() int {
	return o.arena.pending()
}

// Submit moves an approved unit into Publishing and schedules its first
// attempt with the preferred provider. It returns immediately; attempt
// progress is observable through Subscribe and the store.
func (o *Orchestrator) Submit(ctx context.Context, unitID string) error {
	o.locks.Lock(unitID)
	defer o.locks.Unlock(unitID)

	if _, err := o.sm.Apply(ctx, unitID, core.StateReadyToPublish, core.StatePublishing, Actor, "publish requested", nil); err != nil {
		return err
	}

	o.arena.add(&task{unitID: unitID, eligibleAt: time.Now()})
	return nil
}

// RequeuePublishing re-schedules units left in Publishing by a previous
// process. Scheduled tasks live only in memory, so a crash mid-publish
// strands the unit without this. Re-scheduled units restart with the
// preferred provider.
func (o *Orchestrator) RequeuePublishing(ctx context.Context) (int, error) {
	// A negative limit returns all matching rows.
	units, err := o.store.ListUnitsByState(ctx, core.StatePublishing, -1)
	if err != nil {
		return 0, err
	}
	for _, unit := range units {
		o.arena.add(&task{unitID: unit.ID, eligibleAt: time.Now()})
	}
	return len(units), nil
}

// Subscribe returns a stream of completed attempts for the unit. The
// channel closes when the unit reaches a terminal publish outcome. The
// returned cancel func detaches the watcher early.
func (o *Orchestrator) Subscribe(unitID string) (<-chan core.PublishAttempt, func()) {
	ch := make(chan core.PublishAttempt, 16)

	o.wmu.Lock()
	o.watchers[unitID] = append(o.watchers[unitID], ch)
	o.wmu.Unlock()

	cancel := func() {
		o.wmu.Lock()
		defer o.wmu.Unlock()
		chans := o.watchers[unitID]
		for i, c := range chans {
			if c == ch {
				o.watchers[unitID] = append(chans[:i], chans[i+1:]...)
				close(c)
				return
			}
		}
	}
	return ch, cancel
}

func (o *Orchestrator) notify(unitID string, attempt *core.PublishAttempt) {
	o.wmu.Lock()
	defer o.wmu.Unlock()
	for _, ch := range o.watchers[unitID] {
		select {
		case ch <- *attempt:
		default:
		}
	}
}

func (o *Orchestrator) closeWatchers(unitID string) {
	o.wmu.Lock()
	defer o.wmu.Unlock()
	for _, ch := range o.watchers[unitID] {
		close(ch)
	}
	delete(o.watchers, unitID)
}

// dispatchLoop pops eligible tasks and hands them to attempt goroutines
// gated by the per-provider concurrency ceiling. Workers never sleep
// through backoff: waiting tasks live in the arena, not in goroutines.
func (o *Orchestrator) dispatchLoop(ctx context.Context) {
	defer o.wg.Done()

	tel := telemetry.FromTelemetryContext(ctx)
	for {
		if tel != nil {
			tel.Metrics.SetPendingPublishTasks(float64(o.arena.pending()))
		}

		t, wait := o.arena.popEligible(time.Now())
		if t != nil {
			// Acquire inside the goroutine so one saturated provider does
			// not stall dispatch for the others.
			o.wg.Add(1)
			go func(t *task) {
				defer o.wg.Done()
				name := o.providers[t.providerIdx].Name()
				if !o.acquire(ctx, name) {
					return
				}
				defer o.release(name)
				o.runAttempt(ctx, t)
			}(t)
			continue
		}

		if wait <= 0 || wait > time.Second {
			wait = time.Second
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-o.done:
			timer.Stop()
			return
		case <-o.arena.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (o *Orchestrator) acquire(ctx context.Context, provider string) bool {
	select {
	case o.sems[provider] <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	case <-o.done:
		return false
	}
}

func (o *Orchestrator) release(provider string) {
	<-o.sems[provider]
}

// runAttempt executes one full protocol attempt and decides what happens
// next: retry with backoff, provider fallback, exhaustion, or success.
func (o *Orchestrator) runAttempt(ctx context.Context, t *task) {
	o.locks.Lock(t.unitID)
	defer o.locks.Unlock(t.unitID)

	unit, err := o.store.GetUnit(ctx, t.unitID)
	if err != nil {
		o.logger.Error().Err(err).Str("unit_id", t.unitID).Msg("Unit lookup failed before attempt")
		return
	}
	if unit.State != core.StatePublishing {
		// An operator moved the unit while the task waited; drop it.
		o.logger.Warn().
			Str("unit_id", t.unitID).
			Str("state", string(unit.State)).
			Msg("Dropping publish task for unit no longer publishing")
		return
	}

	provider := o.providers[t.providerIdx]
	attempt, err := o.store.CreatePublishAttempt(ctx, t.unitID, provider.Name())
	if err != nil {
		o.logger.Error().Err(err).Str("unit_id", t.unitID).Msg("Failed to create attempt")
		t.eligibleAt = time.Now().Add(o.backoff(t.consecFails))
		o.arena.add(t)
		return
	}
	attempt.Status = core.AttemptRunning

	op := telemetry.StartOperation(ctx, "publish.attempt",
		telemetry.AttrUnitID.String(t.unitID),
		telemetry.AttrProviderName.String(provider.Name()),
		telemetry.AttrAttemptNumber.Int(attempt.Number),
	)
	ctx = op.Ctx

	pub := &Publication{Unit: unit, Values: make(map[string]string)}
	stepErr := o.runProtocol(ctx, provider, pub, attempt)
	op.End(stepErr)

	now := time.Now().UTC()
	attempt.CompletedAt = &now
	attempt.Cost = provider.CostPerAttempt()

	if stepErr == nil {
		o.completeSuccess(ctx, t, provider, pub, attempt)
		return
	}
	o.completeFailure(ctx, t, provider, attempt, stepErr)
}

// runProtocol executes the step sequence, giving each step one internal
// retry on a retryable error. The step log records every execution.
func (o *Orchestrator) runProtocol(ctx context.Context, provider Provider, pub *Publication, attempt *core.PublishAttempt) error {
	for _, step := range ProtocolSteps {
		res := core.StepResult{Step: string(step), StartedAt: time.Now().UTC()}

		var out StepOutcome
		exec := func(ctx context.Context) error {
			var stepErr error
			out, stepErr = runStep(ctx, provider, step, pub)
			return stepErr
		}
		err := telemetry.RecordProviderStep(ctx, provider.Name(), string(step), exec)
		if err != nil && core.IsRetryable(err) {
			res.Retried = true
			telemetry.AddStepEvent(telemetry.SpanFromContext(ctx), string(step), "retrying after retryable error")
			err = telemetry.RecordProviderStep(ctx, provider.Name(), string(step), exec)
		}
		res.CompletedAt = time.Now().UTC()

		if err != nil {
			res.OK = false
			res.Error = err.Error()
			attempt.Steps = append(attempt.Steps, res)
			code := core.CodePublishStepFailed
			if errors.Is(err, context.DeadlineExceeded) {
				code = core.CodeTimeout
			}
			return core.NewTransientError(
				fmt.Sprintf("step %s failed", step), err,
			).WithCode(code).
				WithUnit(attempt.UnitID).
				WithOperation(string(step))
		}

		res.OK = true
		res.Artifact = out.Artifact
		if out.URL != "" {
			pub.URL = out.URL
		}
		attempt.Steps = append(attempt.Steps, res)
	}
	return nil
}

func (o *Orchestrator) completeSuccess(ctx context.Context, t *task, provider Provider, pub *Publication, attempt *core.PublishAttempt) {
	attempt.Status = core.AttemptSucceeded
	attempt.PublishedURL = pub.URL
	if err := o.store.UpdatePublishAttempt(ctx, attempt); err != nil {
		o.logger.Error().Err(err).Str("unit_id", t.unitID).Msg("Failed to persist successful attempt")
	}

	totalCost, _ := o.store.TotalPublishCost(ctx, t.unitID)
	_, err := o.sm.Apply(ctx, t.unitID, core.StatePublishing, core.StatePublished, Actor, "published", map[string]interface{}{
		"url":            pub.URL,
		"provider":       provider.Name(),
		"attempt_number": attempt.Number,
		"total_cost":     totalCost,
	})
	if err != nil {
		o.logger.Error().Err(err).Str("unit_id", t.unitID).Msg("Failed to mark unit published")
	}

	if tel := telemetry.FromTelemetryContext(ctx); tel != nil {
		tel.Metrics.RecordPublishAttempt(provider.Name(), "succeeded", attemptDuration(attempt))
		tel.Metrics.AddPublishCost(provider.Name(), attempt.Cost)
		_ = tel.Events.PublishAttemptCompleted(t.unitID, provider.Name(), "succeeded", attempt.Number)
	}

	o.logger.Info().
		Str("unit_id", t.unitID).
		Str("provider", provider.Name()).
		Int("attempt", attempt.Number).
		Str("url", pub.URL).
		Msg("Unit published")

	o.notify(t.unitID, attempt)
	o.closeWatchers(t.unitID)
}

func attemptDuration(attempt *core.PublishAttempt) time.Duration {
	if attempt.CompletedAt == nil {
		return 0
	}
	return attempt.CompletedAt.Sub(attempt.StartedAt)
}

func (o *Orchestrator) completeFailure(ctx context.Context, t *task, provider Provider, attempt *core.PublishAttempt, stepErr error) {
	attempt.Status = core.AttemptFailed
	attempt.FailureReason = stepErr.Error()
	if err := o.store.UpdatePublishAttempt(ctx, attempt); err != nil {
		o.logger.Error().Err(err).Str("unit_id", t.unitID).Msg("Failed to persist failed attempt")
	}
	if _, err := o.store.IncrementPublishRetries(ctx, t.unitID); err != nil {
		o.logger.Error().Err(err).Str("unit_id", t.unitID).Msg("Failed to record publish retry")
	}
	o.notify(t.unitID, attempt)

	tel := telemetry.FromTelemetryContext(ctx)
	if tel != nil {
		tel.Metrics.RecordPublishAttempt(provider.Name(), "failed", attemptDuration(attempt))
		var werr *core.WorkflowError
		if errors.As(stepErr, &werr) {
			tel.Metrics.RecordError(string(werr.Class), werr.Code)
		}
		_ = tel.Events.PublishAttemptCompleted(t.unitID, provider.Name(), "failed", attempt.Number)
	}

	t.consecFails++
	// A permanent error will not get better with the same provider; skip
	// straight to the fallback decision.
	if core.IsPermanent(stepErr) {
		t.consecFails = o.cfg.FailuresPerProvider
	}

	o.logger.Warn().
		Str("unit_id", t.unitID).
		Str("provider", provider.Name()).
		Int("attempt", attempt.Number).
		Int("consecutive_failures", t.consecFails).
		Str("reason", attempt.FailureReason).
		Msg("Publish attempt failed")

	if t.consecFails < o.cfg.FailuresPerProvider {
		t.eligibleAt = time.Now().Add(o.backoff(t.consecFails))
		o.arena.add(t)
		return
	}

	if t.providerIdx+1 < len(o.providers) {
		next := o.providers[t.providerIdx+1]
		_, err := o.sm.Annotate(ctx, t.unitID, core.StatePublishing, Actor, core.ReasonProviderFallback, map[string]interface{}{
			"from_provider":        provider.Name(),
			"to_provider":          next.Name(),
			"consecutive_failures": t.consecFails,
		})
		if err != nil {
			o.logger.Error().Err(err).Str("unit_id", t.unitID).Msg("Failed to record provider fallback")
		}
		if tel != nil {
			tel.Metrics.RecordPublishFallback(provider.Name(), next.Name())
			_ = tel.Events.PublishProviderFallback(t.unitID, provider.Name(), next.Name())
		}
		o.arena.add(&task{
			unitID:      t.unitID,
			providerIdx: t.providerIdx + 1,
			eligibleAt:  time.Now(),
		})
		return
	}

	attempts, _ := o.store.CountPublishAttempts(ctx, t.unitID)
	_, err := o.sm.MarkFailed(ctx, t.unitID, core.StatePublishing, Actor, core.ReasonPublishExhausted,
		core.NewPermanentError(
			fmt.Sprintf("all %d providers exhausted after %d attempts", len(o.providers), attempts), stepErr,
		).WithCode(core.CodePublishExhausted).WithUnit(t.unitID))
	if err != nil {
		o.logger.Error().Err(err).Str("unit_id", t.unitID).Msg("Failed to mark unit failed")
	}
	o.closeWatchers(t.unitID)
}

// backoff doubles per consecutive failure, capped.
func (o *Orchestrator) backoff(consecFails int) time.Duration {
	d := o.cfg.InitialBackoff
	for i := 1; i < consecFails; i++ {
		d *= 2
		if d >= o.cfg.MaxBackoff {
			return o.cfg.MaxBackoff
		}
	}
	if d > o.cfg.MaxBackoff {
		d = o.cfg.MaxBackoff
	}
	return d
}
