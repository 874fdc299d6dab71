package core

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// memStore is an in-memory TransitionStore with the same conditional-update
// semantics as the SQL implementation.
type memStore struct {
	mu      sync.Mutex
	units   map[string]*ContentUnit
	records []TransitionRecord
	nextID  int64
}

func newMemStore() *memStore {
	return &memStore{units: make(map[string]*ContentUnit), nextID: 1}
}

func (m *memStore) addUnit(id string, state State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	m.units[id] = &ContentUnit{
		ID: id, Source: "test", ExternalID: id,
		State: state, DiscoveredAt: now, CreatedAt: now, UpdatedAt: now,
	}
	m.records = append(m.records, TransitionRecord{
		ID: m.nextID, UnitID: id, ToState: state, Actor: "test", CreatedAt: now,
	})
	m.nextID++
}

func (m *memStore) GetUnit(_ context.Context, id string) (*ContentUnit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	unit, ok := m.units[id]
	if !ok {
		return nil, NewPermanentError("unit not found", nil).WithCode(CodeNotFound).WithUnit(id)
	}
	cp := *unit
	return &cp, nil
}

func (m *memStore) ApplyTransition(_ context.Context, rec *TransitionRecord, fromExpected State) (*ContentUnit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	unit, ok := m.units[rec.UnitID]
	if !ok {
		return nil, NewPermanentError("unit not found", nil).WithCode(CodeNotFound).WithUnit(rec.UnitID)
	}
	if unit.State != fromExpected {
		return nil, NewConflictError("state changed since read", nil).WithUnit(rec.UnitID).
			WithDetail("actual_state", string(unit.State))
	}
	unit.State = rec.ToState
	unit.UpdatedAt = rec.CreatedAt
	stored := *rec
	stored.ID = m.nextID
	m.nextID++
	m.records = append(m.records, stored)
	cp := *unit
	return &cp, nil
}

func (m *memStore) recordsFor(id string) []TransitionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []TransitionRecord
	for _, r := range m.records {
		if r.UnitID == id {
			out = append(out, r)
		}
	}
	return out
}

// eventRecorder captures published transition events.
type eventRecorder struct {
	mu     sync.Mutex
	events []TransitionEvent
}

func (e *eventRecorder) PublishTransition(_ context.Context, event TransitionEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, event)
}

func (e *eventRecorder) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.events)
}

func newTestMachine(store TransitionStore, events EventPublisher) *StateMachine {
	return NewStateMachine(store, events, zerolog.Nop())
}

func TestApplyValidTransition(t *testing.T) {
	store := newMemStore()
	store.addUnit("u-1", StateDiscovered)
	rec := &eventRecorder{}
	sm := newTestMachine(store, rec)

	unit, err := sm.Apply(context.Background(), "u-1", StateDiscovered, StatePending, "sync-engine", "discovered", nil)
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if unit.State != StatePending {
		t.Errorf("state = %s, want pending", unit.State)
	}
	if rec.count() != 1 {
		t.Errorf("expected 1 transition event, got %d", rec.count())
	}

	records := store.recordsFor("u-1")
	if len(records) != 2 {
		t.Fatalf("expected creation + transition records, got %d", len(records))
	}
	last := records[len(records)-1]
	if last.FromState == nil || *last.FromState != StateDiscovered || last.ToState != StatePending {
		t.Errorf("record edge wrong: %+v", last)
	}
}

func TestApplyInvalidTransitionWritesNoRecord(t *testing.T) {
	store := newMemStore()
	store.addUnit("u-1", StateDiscovered)
	sm := newTestMachine(store, nil)

	before := len(store.recordsFor("u-1"))
	_, err := sm.Apply(context.Background(), "u-1", StateDiscovered, StatePublished, "test", "", nil)
	if !HasCode(err, CodeInvalidTransition) {
		t.Fatalf("expected INVALID_TRANSITION, got %v", err)
	}
	if got := len(store.recordsFor("u-1")); got != before {
		t.Errorf("invalid transition must not append records: before=%d after=%d", before, got)
	}
}

func TestApplyStaleExpectedStateConflicts(t *testing.T) {
	store := newMemStore()
	store.addUnit("u-1", StateAnalyzing)
	sm := newTestMachine(store, nil)

	// Caller read the unit while it was still pending.
	_, err := sm.Apply(context.Background(), "u-1", StatePending, StateAnalyzing, "test", "", nil)
	if !IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if !HasCode(err, CodeConcurrentModification) {
		t.Errorf("expected CONCURRENT_MODIFICATION code, got %v", err)
	}
}

func TestApplyUnknownUnit(t *testing.T) {
	sm := newTestMachine(newMemStore(), nil)
	_, err := sm.Apply(context.Background(), "missing", StatePending, StateAnalyzing, "test", "", nil)
	if !HasCode(err, CodeNotFound) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

func TestApplyUndefinedTargetState(t *testing.T) {
	store := newMemStore()
	store.addUnit("u-1", StatePending)
	sm := newTestMachine(store, nil)

	_, err := sm.Apply(context.Background(), "u-1", StatePending, State("archived"), "test", "", nil)
	if !HasCode(err, CodeValidation) {
		t.Fatalf("expected VALIDATION_ERROR, got %v", err)
	}
}

// TestConcurrentApplySameExpectedState races two callers with the same
// expected prior state; exactly one must win.
func TestConcurrentApplySameExpectedState(t *testing.T) {
	store := newMemStore()
	store.addUnit("u-1", StateUnderReview)
	sm := newTestMachine(store, nil)

	type outcome struct{ err error }
	results := make(chan outcome, 2)
	start := make(chan struct{})

	var wg sync.WaitGroup
	for _, to := range []State{StateReadyToPublish, StateAnalyzing} {
		wg.Add(1)
		go func(to State) {
			defer wg.Done()
			<-start
			_, err := sm.Apply(context.Background(), "u-1", StateUnderReview, to, "reviewer", "", nil)
			results <- outcome{err}
		}(to)
	}
	close(start)
	wg.Wait()
	close(results)

	var succeeded, conflicted int
	for r := range results {
		switch {
		case r.err == nil:
			succeeded++
		case IsConflict(r.err):
			conflicted++
		default:
			t.Errorf("unexpected error: %v", r.err)
		}
	}
	if succeeded != 1 || conflicted != 1 {
		t.Errorf("want exactly one winner and one conflict, got %d/%d", succeeded, conflicted)
	}
}

// TestReplayReconstructsState walks a unit through its lifecycle and checks
// that replaying the ordered records lands on the persisted state.
func TestReplayReconstructsState(t *testing.T) {
	store := newMemStore()
	store.addUnit("u-1", StateDiscovered)
	sm := newTestMachine(store, nil)

	steps := []struct {
		from, to State
	}{
		{StateDiscovered, StatePending},
		{StatePending, StateAnalyzing},
		{StateAnalyzing, StateUnderReview},
		{StateUnderReview, StateReadyToPublish},
		{StateReadyToPublish, StatePublishing},
		{StatePublishing, StateFailed},
		{StateFailed, StatePending},
	}
	ctx := context.Background()
	for _, s := range steps {
		if _, err := sm.Apply(ctx, "u-1", s.from, s.to, "test", "", nil); err != nil {
			t.Fatalf("apply %s->%s: %v", s.from, s.to, err)
		}
	}

	var replayed State
	for _, r := range store.recordsFor("u-1") {
		if r.FromState != nil && *r.FromState != replayed {
			t.Fatalf("record chain broken: have %s, record expects %s", replayed, *r.FromState)
		}
		replayed = r.ToState
	}

	unit, err := store.GetUnit(ctx, "u-1")
	if err != nil {
		t.Fatal(err)
	}
	if replayed != unit.State {
		t.Errorf("replayed state %s != persisted state %s", replayed, unit.State)
	}
}

func TestMarkFailedCapturesCause(t *testing.T) {
	store := newMemStore()
	store.addUnit("u-1", StateAnalyzing)
	sm := newTestMachine(store, nil)

	cause := NewPermanentError("model returned invalid JSON", nil).WithCode(CodeAnalysisSchemaError)
	unit, err := sm.MarkFailed(context.Background(), "u-1", StateAnalyzing, "analysis-coordinator", ReasonAnalysisAIError, cause)
	if err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if unit.State != StateFailed {
		t.Errorf("state = %s, want failed", unit.State)
	}

	records := store.recordsFor("u-1")
	last := records[len(records)-1]
	if last.Reason != ReasonAnalysisAIError {
		t.Errorf("reason = %q, want %q", last.Reason, ReasonAnalysisAIError)
	}
	if last.Context["error"] == nil {
		t.Error("raw error should be captured in record context")
	}
}
