package stores

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/pressroom/pressroom/pkg/core"
)

// setupTestStore creates a migrated SQLite store backed by a temp file.
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: filepath.Join(t.TempDir(), "test.db"),
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testUnit(source, externalID string) *core.ContentUnit {
	return &core.ContentUnit{
		Source:      source,
		ExternalID:  externalID,
		Title:       "A title",
		Body:        "Some body text",
		ContentHash: "hash-1",
		State:       core.StateDiscovered,
		Metadata:    map[string]interface{}{"author": "jane"},
	}
}

func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	tables := []string{"content_units", "transition_records", "analysis_results", "publish_attempts"}
	for _, table := range tables {
		var count int
		if err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}
}

func TestCreateUnitWritesCreationRecord(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	unit, err := store.CreateUnit(ctx, testUnit("blog", "ext-1"), "sync-engine")
	if err != nil {
		t.Fatalf("failed to create unit: %v", err)
	}
	if unit.ID == "" {
		t.Fatal("unit id should be assigned")
	}

	records, err := store.ListTransitions(ctx, unit.ID)
	if err != nil {
		t.Fatalf("failed to list transitions: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 creation record, got %d", len(records))
	}
	if records[0].FromState != nil {
		t.Error("creation record should have nil from_state")
	}
	if records[0].ToState != core.StateDiscovered {
		t.Errorf("creation record to_state = %s, want discovered", records[0].ToState)
	}

	got, err := store.GetUnit(ctx, unit.ID)
	if err != nil {
		t.Fatalf("failed to get unit: %v", err)
	}
	if got.Metadata["author"] != "jane" {
		t.Errorf("metadata lost on round trip: %v", got.Metadata)
	}
}

func TestSourceIdentityUnique(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if _, err := store.CreateUnit(ctx, testUnit("blog", "ext-1"), "sync-engine"); err != nil {
		t.Fatalf("first create failed: %v", err)
	}
	if _, err := store.CreateUnit(ctx, testUnit("blog", "ext-1"), "sync-engine"); err == nil {
		t.Error("duplicate (source, external_id) should be rejected")
	}
	// Same external id under a different source is a different item.
	if _, err := store.CreateUnit(ctx, testUnit("docs", "ext-1"), "sync-engine"); err != nil {
		t.Errorf("same external id under another source should be allowed: %v", err)
	}
}

func TestGetUnitBySource(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	created, err := store.CreateUnit(ctx, testUnit("blog", "ext-9"), "sync-engine")
	if err != nil {
		t.Fatal(err)
	}

	got, err := store.GetUnitBySource(ctx, "blog", "ext-9")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if got.ID != created.ID {
		t.Errorf("lookup returned wrong unit: %s != %s", got.ID, created.ID)
	}

	_, err = store.GetUnitBySource(ctx, "blog", "missing")
	if !core.HasCode(err, core.CodeNotFound) {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
}

func TestApplyTransitionConditionalUpdate(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	unit, err := store.CreateUnit(ctx, testUnit("blog", "ext-1"), "sync-engine")
	if err != nil {
		t.Fatal(err)
	}

	from := core.StateDiscovered
	updated, err := store.ApplyTransition(ctx, &core.TransitionRecord{
		UnitID:    unit.ID,
		FromState: &from,
		ToState:   core.StatePending,
		Actor:     "sync-engine",
		Reason:    "queued for analysis",
		Context:   map[string]interface{}{"run_id": "r-1"},
	}, core.StateDiscovered)
	if err != nil {
		t.Fatalf("transition failed: %v", err)
	}
	if updated.State != core.StatePending {
		t.Errorf("state = %s, want pending", updated.State)
	}

	// Stale expected state: the unit is pending now, not discovered.
	_, err = store.ApplyTransition(ctx, &core.TransitionRecord{
		UnitID:    unit.ID,
		FromState: &from,
		ToState:   core.StatePending,
		Actor:     "sync-engine",
	}, core.StateDiscovered)
	if !core.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}

	// The failed transition must not have appended a record.
	records, err := store.ListTransitions(ctx, unit.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 {
		t.Errorf("expected creation + 1 transition, got %d records", len(records))
	}
	if records[1].Context["run_id"] != "r-1" {
		t.Errorf("record context lost: %v", records[1].Context)
	}
}

func TestFailureSetsLastErrorAndRecoveryClearsIt(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	unit, err := store.CreateUnit(ctx, testUnit("blog", "ext-1"), "sync-engine")
	if err != nil {
		t.Fatal(err)
	}

	from := core.StateDiscovered
	_, err = store.ApplyTransition(ctx, &core.TransitionRecord{
		UnitID: unit.ID, FromState: &from, ToState: core.StateFailed,
		Actor: "sync-engine", Reason: core.ReasonSyncExhausted,
	}, core.StateDiscovered)
	if err != nil {
		t.Fatal(err)
	}

	got, err := store.GetUnit(ctx, unit.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.LastError == nil || *got.LastError != core.ReasonSyncExhausted {
		t.Errorf("last_error should carry the failure reason, got %v", got.LastError)
	}

	fromFailed := core.StateFailed
	_, err = store.ApplyTransition(ctx, &core.TransitionRecord{
		UnitID: unit.ID, FromState: &fromFailed, ToState: core.StateDiscovered,
		Actor: "operator", Reason: "re-run sync",
	}, core.StateFailed)
	if err != nil {
		t.Fatal(err)
	}

	got, err = store.GetUnit(ctx, unit.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.LastError != nil {
		t.Errorf("recovery should clear last_error, got %v", *got.LastError)
	}
}

func TestUpdateUnitContentLeavesStateUntouched(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	unit, err := store.CreateUnit(ctx, testUnit("blog", "ext-1"), "sync-engine")
	if err != nil {
		t.Fatal(err)
	}

	err = store.UpdateUnitContent(ctx, unit.ID, "New title", "New body", "hash-2",
		map[string]interface{}{"author": "joe"})
	if err != nil {
		t.Fatalf("content update failed: %v", err)
	}

	got, err := store.GetUnit(ctx, unit.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Title != "New title" || got.ContentHash != "hash-2" {
		t.Errorf("content not refreshed: %+v", got)
	}
	if got.State != core.StateDiscovered {
		t.Errorf("content refresh must not change state, got %s", got.State)
	}

	records, _ := store.ListTransitions(ctx, unit.ID)
	if len(records) != 1 {
		t.Errorf("content refresh must not append transition records, got %d", len(records))
	}
}

func TestRetryCounters(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	unit, err := store.CreateUnit(ctx, testUnit("blog", "ext-1"), "sync-engine")
	if err != nil {
		t.Fatal(err)
	}

	for want := 1; want <= 3; want++ {
		got, err := store.IncrementSyncRetries(ctx, unit.ID, "fetch timed out")
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Errorf("sync retries = %d, want %d", got, want)
		}
	}

	// Counters are independent per stage.
	if got, _ := store.IncrementAnalysisRetries(ctx, unit.ID); got != 1 {
		t.Errorf("analysis retries = %d, want 1", got)
	}
	if got, _ := store.IncrementPublishRetries(ctx, unit.ID); got != 1 {
		t.Errorf("publish retries = %d, want 1", got)
	}

	if err := store.ResetSyncRetries(ctx, unit.ID); err != nil {
		t.Fatal(err)
	}
	got, err := store.GetUnit(ctx, unit.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.SyncRetries != 0 || got.AnalysisRetries != 1 || got.PublishRetries != 1 {
		t.Errorf("counter state wrong after reset: %+v", got)
	}
}

func TestAnalysisResultRoundTrip(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	unit, err := store.CreateUnit(ctx, testUnit("blog", "ext-1"), "sync-engine")
	if err != nil {
		t.Fatal(err)
	}

	first := &core.AnalysisResult{
		UnitID: unit.ID,
		Issues: []core.Issue{
			{RuleID: "broken-link", Category: "links", Severity: core.SeverityError,
				Origin: core.OriginRule, BlocksPublish: true, Message: "dead link"},
		},
		TotalIssues:       1,
		BlockingIssues:    1,
		OriginCounts:      map[core.IssueOrigin]int{core.OriginRule: 1},
		RuleEngineVersion: "rules-v3",
		ModelID:           "gpt-4o-mini",
		Latency:           1500 * time.Millisecond,
	}
	if err := store.CreateAnalysisResult(ctx, first); err != nil {
		t.Fatalf("failed to create result: %v", err)
	}

	// A re-analysis supersedes without overwriting.
	second := &core.AnalysisResult{
		UnitID:            unit.ID,
		Issues:            []core.Issue{},
		OriginCounts:      map[core.IssueOrigin]int{},
		RuleEngineVersion: "rules-v3",
		ModelID:           "gpt-4o-mini",
		Passed:            true,
		CreatedAt:         time.Now().UTC().Add(time.Second),
	}
	if err := store.CreateAnalysisResult(ctx, second); err != nil {
		t.Fatalf("failed to create second result: %v", err)
	}

	latest, err := store.LatestAnalysisResult(ctx, unit.ID)
	if err != nil {
		t.Fatalf("failed to get latest: %v", err)
	}
	if latest.ID != second.ID {
		t.Errorf("latest should be the re-analysis, got %s", latest.ID)
	}
	if !latest.Passed {
		t.Error("latest pass flag lost")
	}

	_, err = store.LatestAnalysisResult(ctx, "no-such-unit")
	if !core.HasCode(err, core.CodeNotFound) {
		t.Errorf("expected NOT_FOUND for unknown unit, got %v", err)
	}
}

func TestPublishAttemptNumbersContiguous(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	unit, err := store.CreateUnit(ctx, testUnit("blog", "ext-1"), "sync-engine")
	if err != nil {
		t.Fatal(err)
	}

	for want := 1; want <= 4; want++ {
		attempt, err := store.CreatePublishAttempt(ctx, unit.ID, "webhook")
		if err != nil {
			t.Fatalf("attempt %d failed: %v", want, err)
		}
		if attempt.Number != want {
			t.Errorf("attempt number = %d, want %d", attempt.Number, want)
		}

		now := time.Now().UTC()
		attempt.Status = core.AttemptFailed
		attempt.FailureReason = "submit step failed"
		attempt.Cost = 0.25
		attempt.CompletedAt = &now
		attempt.Steps = []core.StepResult{
			{Step: "authenticate", OK: true, StartedAt: now, CompletedAt: now},
			{Step: "create_draft", OK: false, Error: "500 from platform", StartedAt: now, CompletedAt: now},
		}
		if err := store.UpdatePublishAttempt(ctx, attempt); err != nil {
			t.Fatalf("update attempt: %v", err)
		}
	}

	attempts, err := store.ListPublishAttempts(ctx, unit.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(attempts) != 4 {
		t.Fatalf("expected 4 attempts, got %d", len(attempts))
	}
	for i, a := range attempts {
		if a.Number != i+1 {
			t.Errorf("attempt order broken at index %d: number=%d", i, a.Number)
		}
		if len(a.Steps) != 2 {
			t.Errorf("step log lost for attempt %d", a.Number)
		}
	}

	count, err := store.CountPublishAttempts(ctx, unit.ID)
	if err != nil {
		t.Fatal(err)
	}
	if count != 4 {
		t.Errorf("count = %d, want 4", count)
	}

	cost, err := store.TotalPublishCost(ctx, unit.ID)
	if err != nil {
		t.Fatal(err)
	}
	if cost != 1.0 {
		t.Errorf("total cost = %f, want 1.0", cost)
	}
}
