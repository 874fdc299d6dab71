package core

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// TransitionStore is the persistence contract the StateMachine needs. The
// implementation must perform ApplyTransition atomically: the conditional
// state update and the TransitionRecord append either both commit or neither
// does, and the update must fail when the persisted state no longer matches
// the expected prior state.
type TransitionStore interface {
	// GetUnit retrieves a unit by id.
	GetUnit(ctx context.Context, id string) (*ContentUnit, error)

	// ApplyTransition updates the unit's state from fromExpected to
	// rec.ToState and appends rec inside one unit of work. It returns a
	// conflict error when the persisted state differs from fromExpected.
	ApplyTransition(ctx context.Context, rec *TransitionRecord, fromExpected State) (*ContentUnit, error)
}

// StateMachine validates and applies lifecycle transitions. It is the single
// writer of ContentUnit.State and the only creator of TransitionRecords.
type StateMachine struct {
	store  TransitionStore
	events EventPublisher
	logger zerolog.Logger
}

// NewStateMachine creates a state machine over the given store. The event
// publisher may be nil when no observer is interested.
func NewStateMachine(store TransitionStore, events EventPublisher, logger zerolog.Logger) *StateMachine {
	return &StateMachine{
		store:  store,
		events: events,
		logger: logger.With().Str("component", "state-machine").Logger(),
	}
}

// Apply moves the unit from fromExpected to the requested state.
//
// The allowed-edge check runs against the unit's current persisted state, not
// the caller-supplied one, so a caller holding a stale read cannot push an
// illegal edge through. When the persisted state differs from fromExpected
// the call fails with a conflict and no record is written; the caller must
// re-read and decide whether to retry.
func (sm *StateMachine) Apply(
	ctx context.Context,
	unitID string,
	fromExpected State,
	to State,
	actor string,
	reason string,
	contextBag map[string]interface{},
) (*ContentUnit, error) {
	if !to.Valid() {
		return nil, NewPermanentError(
			fmt.Sprintf("unknown target state %q", to), nil,
		).WithCode(CodeValidation).WithUnit(unitID).WithOperation("apply")
	}

	unit, err := sm.store.GetUnit(ctx, unitID)
	if err != nil {
		return nil, err
	}

	if unit.State != fromExpected {
		return nil, NewConflictError(
			fmt.Sprintf("unit is in state %q, expected %q", unit.State, fromExpected), nil,
		).WithUnit(unitID).WithOperation("apply").WithDetail("actual_state", string(unit.State))
	}

	if !CanTransition(unit.State, to) {
		return nil, NewPermanentError(
			fmt.Sprintf("transition %s -> %s is not allowed", unit.State, to), nil,
		).WithCode(CodeInvalidTransition).WithUnit(unitID).WithOperation("apply")
	}

	from := unit.State
	rec := &TransitionRecord{
		UnitID:    unitID,
		FromState: &from,
		ToState:   to,
		Actor:     actor,
		Reason:    reason,
		Context:   contextBag,
		CreatedAt: time.Now().UTC(),
	}

	updated, err := sm.store.ApplyTransition(ctx, rec, fromExpected)
	if err != nil {
		return nil, err
	}

	sm.logger.Info().
		Str("unit_id", unitID).
		Str("from", string(from)).
		Str("to", string(to)).
		Str("actor", actor).
		Str("reason", reason).
		Msg("Transition applied")

	// The event fires only after the durable write committed.
	if sm.events != nil {
		sm.events.PublishTransition(ctx, TransitionEvent{
			UnitID:    unitID,
			FromState: &from,
			ToState:   to,
			Actor:     actor,
			Reason:    reason,
			Timestamp: rec.CreatedAt,
		})
	}

	return updated, nil
}

// Annotate appends an audit record without changing state: a self-edge from
// expected to expected. It is how non-transition events that belong in the
// unit's history, e.g. a publish provider fallback, get recorded. The
// conditional update still applies, so an annotation races like any other
// transition. Terminal states cannot be annotated.
func (sm *StateMachine) Annotate(
	ctx context.Context,
	unitID string,
	expected State,
	actor string,
	reason string,
	contextBag map[string]interface{},
) (*ContentUnit, error) {
	if !expected.Valid() || expected.Terminal() {
		return nil, NewPermanentError(
			fmt.Sprintf("cannot annotate state %q", expected), nil,
		).WithCode(CodeValidation).WithUnit(unitID).WithOperation("annotate")
	}

	from := expected
	rec := &TransitionRecord{
		UnitID:    unitID,
		FromState: &from,
		ToState:   expected,
		Actor:     actor,
		Reason:    reason,
		Context:   contextBag,
		CreatedAt: time.Now().UTC(),
	}

	updated, err := sm.store.ApplyTransition(ctx, rec, expected)
	if err != nil {
		return nil, err
	}

	sm.logger.Info().
		Str("unit_id", unitID).
		Str("state", string(expected)).
		Str("actor", actor).
		Str("reason", reason).
		Msg("Audit record appended")

	return updated, nil
}

// MarkFailed moves the unit from fromExpected to Failed with the given reason
// and the raw error captured in the record context.
func (sm *StateMachine) MarkFailed(
	ctx context.Context,
	unitID string,
	fromExpected State,
	actor string,
	reason string,
	cause error,
) (*ContentUnit, error) {
	bag := map[string]interface{}{}
	if cause != nil {
		bag["error"] = cause.Error()
	}
	return sm.Apply(ctx, unitID, fromExpected, StateFailed, actor, reason, bag)
}
