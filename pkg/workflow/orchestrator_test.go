package workflow

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/pressroom/pressroom/pkg/analysis"
	"github.com/pressroom/pressroom/pkg/core"
	"github.com/pressroom/pressroom/pkg/ingest"
	"github.com/pressroom/pressroom/pkg/publish"
	"github.com/pressroom/pressroom/pkg/stores"
	"github.com/pressroom/pressroom/pkg/telemetry"
)

type fakeSource struct {
	mu   sync.Mutex
	docs []ingest.Document
}

func (s *fakeSource) Name() string { return "cms" }

func (s *fakeSource) List(_ context.Context, pageSize int, _ string) ([]ingest.Document, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.docs) > pageSize {
		return s.docs[:pageSize], "next", nil
	}
	return s.docs, "", nil
}

func (s *fakeSource) Fetch(_ context.Context, _ string) (string, error) {
	return "", nil
}

type fakeAI struct {
	issues []core.Issue
}

func (f *fakeAI) ModelID() string { return "test-model-1" }

func (f *fakeAI) Analyze(_ context.Context, _, _ string) ([]core.Issue, error) {
	return f.issues, nil
}

// fakeProvider succeeds every step and reports a live URL on verification.
type fakeProvider struct {
	name string
	cost float64
}

func (p *fakeProvider) Name() string            { return p.name }
func (p *fakeProvider) CostPerAttempt() float64 { return p.cost }

func (p *fakeProvider) ok() (publish.StepOutcome, error) { return publish.StepOutcome{}, nil }

func (p *fakeProvider) Authenticate(_ context.Context, _ *publish.Publication) (publish.StepOutcome, error) {
	return p.ok()
}
func (p *fakeProvider) CreateDraft(_ context.Context, _ *publish.Publication) (publish.StepOutcome, error) {
	return p.ok()
}
func (p *fakeProvider) FillContent(_ context.Context, _ *publish.Publication) (publish.StepOutcome, error) {
	return p.ok()
}
func (p *fakeProvider) AttachMedia(_ context.Context, _ *publish.Publication) (publish.StepOutcome, error) {
	return p.ok()
}
func (p *fakeProvider) SetPlatformMetadata(_ context.Context, _ *publish.Publication) (publish.StepOutcome, error) {
	return p.ok()
}
func (p *fakeProvider) SetTaxonomy(_ context.Context, _ *publish.Publication) (publish.StepOutcome, error) {
	return p.ok()
}
func (p *fakeProvider) Submit(_ context.Context, _ *publish.Publication) (publish.StepOutcome, error) {
	return p.ok()
}
func (p *fakeProvider) VerifyLive(_ context.Context, _ *publish.Publication) (publish.StepOutcome, error) {
	return publish.StepOutcome{URL: "https://live.example.com/" + p.name}, nil
}

// setupOrchestrator wires the full pipeline over a real store with fake
// edges: a scripted source, a canned AI analyzer, and an always-green
// provider.
func setupOrchestrator(t *testing.T, src *fakeSource) (*Orchestrator, *stores.SQLiteStore) {
	t.Helper()
	return setupOrchestratorCtx(t, context.Background(), src, nil)
}

func setupOrchestratorCtx(t *testing.T, ctx context.Context, src *fakeSource, events core.EventPublisher) (*Orchestrator, *stores.SQLiteStore) {
	t.Helper()

	store, err := stores.NewSQLiteStore(stores.Config{
		Path: filepath.Join(t.TempDir(), "test.db"),
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	sm := core.NewStateMachine(store, events, zerolog.Nop())
	locks := core.NewKeyedLock()

	rules, err := analysis.NewRuleEngine(analysis.DefaultManifest(), zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create rule engine: %v", err)
	}
	coord := analysis.NewCoordinator(analysis.CoordinatorConfig{Workers: 2}, rules, &fakeAI{}, store, sm, locks, zerolog.Nop())

	engine := ingest.NewEngine(ingest.Config{}, src, store, sm, coord, locks, zerolog.Nop())

	registry := publish.NewRegistry()
	if err := registry.Register(&fakeProvider{name: "webhook", cost: 0.25}); err != nil {
		t.Fatalf("failed to register provider: %v", err)
	}
	publisher, err := publish.NewOrchestrator(publish.Config{
		ProviderOrder:  []string{"webhook"},
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     40 * time.Millisecond,
	}, registry, store, sm, locks, zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create publish orchestrator: %v", err)
	}

	o := New(store, sm, engine, coord, publisher, zerolog.Nop())
	if err := o.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(o.Stop)
	return o, store
}

func waitForState(t *testing.T, store *stores.SQLiteStore, unitID string, want core.State) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		unit, err := store.GetUnit(context.Background(), unitID)
		if err != nil {
			t.Fatalf("GetUnit failed: %v", err)
		}
		if unit.State == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	unit, _ := store.GetUnit(context.Background(), unitID)
	t.Fatalf("unit %s never reached %s, stuck in %s", unitID, want, unit.State)
}

func TestPipelineEndToEnd(t *testing.T) {
	src := &fakeSource{docs: []ingest.Document{{
		ExternalID:  "doc-1",
		Title:       "A fine title",
		Body:        "A body long enough to pass the built-in length rule without any complaints at all.",
		ContentHash: "h1",
	}}}
	o, store := setupOrchestrator(t, src)
	ctx := context.Background()

	stats, err := o.TriggerSync(ctx)
	if err != nil {
		t.Fatalf("TriggerSync failed: %v", err)
	}
	if stats.Created != 1 {
		t.Fatalf("created = %d, want 1", stats.Created)
	}

	unit, err := store.GetUnitBySource(ctx, "cms", "doc-1")
	if err != nil {
		t.Fatalf("GetUnitBySource failed: %v", err)
	}
	waitForState(t, store, unit.ID, core.StateUnderReview)

	view, err := o.GetUnit(ctx, unit.ID)
	if err != nil {
		t.Fatalf("GetUnit failed: %v", err)
	}
	if view.Analysis == nil {
		t.Fatal("expected analysis summary after the pass")
	}
	if view.Analysis.ModelID != "test-model-1" {
		t.Errorf("model id = %s", view.Analysis.ModelID)
	}
	if len(view.History) < 3 {
		t.Errorf("history records = %d, want at least 3", len(view.History))
	}

	if _, err := o.RequestTransition(ctx, unit.ID, core.StateUnderReview, core.StateReadyToPublish, "reviewer", "approved"); err != nil {
		t.Fatalf("RequestTransition failed: %v", err)
	}

	attempts, cancel, err := o.TriggerPublish(ctx, unit.ID)
	if err != nil {
		t.Fatalf("TriggerPublish failed: %v", err)
	}
	defer cancel()

	select {
	case attempt, ok := <-attempts:
		if !ok {
			t.Fatal("attempt stream closed without an attempt")
		}
		if attempt.Status != core.AttemptSucceeded {
			t.Fatalf("attempt status = %s, reason %s", attempt.Status, attempt.FailureReason)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no attempt observed")
	}
	waitForState(t, store, unit.ID, core.StatePublished)

	view, err = o.GetUnit(ctx, unit.ID)
	if err != nil {
		t.Fatalf("GetUnit failed: %v", err)
	}
	if len(view.Attempts) != 1 {
		t.Fatalf("attempts = %d, want 1", len(view.Attempts))
	}
	if view.Attempts[0].PublishedURL != "https://live.example.com/webhook" {
		t.Errorf("published url = %s", view.Attempts[0].PublishedURL)
	}
	if view.TotalCost != 0.25 {
		t.Errorf("total cost = %v", view.TotalCost)
	}
}

func TestGetUnitBeforeAnalysis(t *testing.T) {
	o, store := setupOrchestrator(t, &fakeSource{})
	ctx := context.Background()

	unit, err := store.CreateUnit(ctx, &core.ContentUnit{
		Source:      "cms",
		ExternalID:  "doc-raw",
		Title:       "Untouched",
		Body:        "body",
		ContentHash: "h1",
	}, "test")
	if err != nil {
		t.Fatalf("CreateUnit failed: %v", err)
	}

	view, err := o.GetUnit(ctx, unit.ID)
	if err != nil {
		t.Fatalf("GetUnit failed: %v", err)
	}
	if view.Analysis != nil {
		t.Error("expected no analysis summary for a fresh unit")
	}
	if len(view.Attempts) != 0 || view.TotalCost != 0 {
		t.Errorf("unexpected publish data: %d attempts, cost %v", len(view.Attempts), view.TotalCost)
	}
	if len(view.History) == 0 {
		t.Error("expected the discovery record in history")
	}
}

func TestGetUnitUnknownID(t *testing.T) {
	o, _ := setupOrchestrator(t, &fakeSource{})

	_, err := o.GetUnit(context.Background(), "no-such-unit")
	if !core.HasCode(err, core.CodeNotFound) {
		t.Fatalf("expected not-found, got %v", err)
	}
}

func TestRequestTransitionRejectsInvalidEdge(t *testing.T) {
	o, store := setupOrchestrator(t, &fakeSource{})
	ctx := context.Background()

	unit, err := store.CreateUnit(ctx, &core.ContentUnit{
		Source:      "cms",
		ExternalID:  "doc-2",
		Title:       "T",
		Body:        "b",
		ContentHash: "h1",
	}, "test")
	if err != nil {
		t.Fatalf("CreateUnit failed: %v", err)
	}

	// Discovered has no edge straight to Published.
	_, err = o.RequestTransition(ctx, unit.ID, core.StateDiscovered, core.StatePublished, "reviewer", "shortcut")
	if !core.HasCode(err, core.CodeInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}

	got, err := store.GetUnit(ctx, unit.ID)
	if err != nil {
		t.Fatalf("GetUnit failed: %v", err)
	}
	if got.State != core.StateDiscovered {
		t.Errorf("state changed to %s", got.State)
	}
}

func TestRequestTransitionDetectsStaleView(t *testing.T) {
	o, store := setupOrchestrator(t, &fakeSource{})
	ctx := context.Background()

	unit, err := store.CreateUnit(ctx, &core.ContentUnit{
		Source:      "cms",
		ExternalID:  "doc-4",
		Title:       "T",
		Body:        "b",
		ContentHash: "h1",
	}, "test")
	if err != nil {
		t.Fatalf("CreateUnit failed: %v", err)
	}

	// The caller believes the unit is still under review, but it has moved
	// on; the legal edge must be refused as a conflict, not applied.
	_, err = o.RequestTransition(ctx, unit.ID, core.StateUnderReview, core.StateReadyToPublish, "reviewer", "approve")
	if !core.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if !core.HasCode(err, core.CodeConcurrentModification) {
		t.Fatalf("expected concurrent-modification code, got %v", err)
	}

	got, err := store.GetUnit(ctx, unit.ID)
	if err != nil {
		t.Fatalf("GetUnit failed: %v", err)
	}
	if got.State != core.StateDiscovered {
		t.Errorf("stale request changed state to %s", got.State)
	}
}

func TestTriggerPublishRequiresApproval(t *testing.T) {
	o, store := setupOrchestrator(t, &fakeSource{})
	ctx := context.Background()

	unit, err := store.CreateUnit(ctx, &core.ContentUnit{
		Source:      "cms",
		ExternalID:  "doc-3",
		Title:       "T",
		Body:        "b",
		ContentHash: "h1",
	}, "test")
	if err != nil {
		t.Fatalf("CreateUnit failed: %v", err)
	}

	if _, _, err := o.TriggerPublish(ctx, unit.ID); !core.HasCode(err, core.CodeInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestPipelineRecordsTelemetry(t *testing.T) {
	telCfg := telemetry.DefaultConfig()
	telCfg.Logging.Level = "error"
	telCfg.Logging.Output = "stderr"
	telCfg.Tracing.Enabled = false
	telCfg.Events.EnableAsync = false
	tel, err := telemetry.NewTelemetry(telCfg)
	if err != nil {
		t.Fatalf("failed to create telemetry: %v", err)
	}
	ctx := tel.WithContext(context.Background())

	events := core.EventPublisherFunc(func(ctx context.Context, ev core.TransitionEvent) {
		from := ""
		if ev.FromState != nil {
			from = string(*ev.FromState)
		}
		telemetry.ObserveTransition(ctx, ev.UnitID, from, string(ev.ToState), ev.Actor)
	})

	// No author metadata: the author rule files a non-blocking warning, so
	// the issue counter moves while the unit still reaches review.
	src := &fakeSource{docs: []ingest.Document{{
		ExternalID:  "doc-1",
		Title:       "A fine title",
		Body:        "A body long enough to pass the built-in length rule without any complaints at all.",
		ContentHash: "h1",
	}}}
	o, store := setupOrchestratorCtx(t, ctx, src, events)

	stats, err := o.TriggerSync(ctx)
	if err != nil {
		t.Fatalf("TriggerSync failed: %v", err)
	}
	if stats.Created != 1 {
		t.Fatalf("created = %d, want 1", stats.Created)
	}

	unit, err := store.GetUnitBySource(ctx, "cms", "doc-1")
	if err != nil {
		t.Fatalf("GetUnitBySource failed: %v", err)
	}
	waitForState(t, store, unit.ID, core.StateUnderReview)

	if _, err := o.RequestTransition(ctx, unit.ID, core.StateUnderReview, core.StateReadyToPublish, "reviewer", "approved"); err != nil {
		t.Fatalf("RequestTransition failed: %v", err)
	}
	attempts, cancel, err := o.TriggerPublish(ctx, unit.ID)
	if err != nil {
		t.Fatalf("TriggerPublish failed: %v", err)
	}
	defer cancel()
	for range attempts {
	}
	waitForState(t, store, unit.ID, core.StatePublished)

	rec := httptest.NewRecorder()
	tel.Metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()

	// Counters only appear in the scrape once something incremented them.
	for _, metric := range []string{
		"pressroom_sync_runs_total",
		"pressroom_sync_documents_total",
		"pressroom_transitions_total",
		"pressroom_analysis_passes_total",
		"pressroom_analysis_issues_total",
		"pressroom_publish_attempts_total",
		"pressroom_publish_cost_total",
	} {
		if !strings.Contains(body, metric) {
			t.Errorf("metric %s was never recorded", metric)
		}
	}
}
