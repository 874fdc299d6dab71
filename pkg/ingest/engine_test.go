package ingest

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/pressroom/pressroom/pkg/core"
	"github.com/pressroom/pressroom/pkg/stores"
)

type fakeSource struct {
	mu        sync.Mutex
	name      string
	docs      []Document
	listErr   error
	listCalls int
	fetchErr  map[string]error
	bodies    map[string]string
}

func (s *fakeSource) Name() string { return s.name }

func (s *fakeSource) listCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listCalls
}

func (s *fakeSource) List(_ context.Context, pageSize int, _ string) ([]Document, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listCalls++
	if s.listErr != nil {
		return nil, "", s.listErr
	}
	if len(s.docs) > pageSize {
		return s.docs[:pageSize], "next", nil
	}
	return s.docs, "", nil
}

func (s *fakeSource) Fetch(_ context.Context, externalID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fetchErr[externalID]; err != nil {
		return "", err
	}
	return s.bodies[externalID], nil
}

type recordingQueue struct {
	mu  sync.Mutex
	ids []string
}

func (q *recordingQueue) Enqueue(unitID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ids = append(q.ids, unitID)
}

func (q *recordingQueue) snapshot() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, len(q.ids))
	copy(out, q.ids)
	return out
}

func setupTestStore(t *testing.T) *stores.SQLiteStore {
	t.Helper()

	store, err := stores.NewSQLiteStore(stores.Config{
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

func setupEngine(t *testing.T, src *fakeSource, cfg Config) (*Engine, *stores.SQLiteStore, *recordingQueue) {
	t.Helper()

	store := setupTestStore(t)
	sm := core.NewStateMachine(store, nil, zerolog.Nop())
	queue := &recordingQueue{}
	engine := NewEngine(cfg, src, store, sm, queue, core.NewKeyedLock(), zerolog.Nop())
	return engine, store, queue
}

func doc(id, hash string) Document {
	return Document{
		ExternalID:   id,
		Title:        "Title " + id,
		Body:         "Body " + id,
		ModifiedTime: time.Now(),
		ContentHash:  hash,
	}
}

func TestRunOnceCreatesAndHandsOff(t *testing.T) {
	src := &fakeSource{
		name: "cms",
		docs: []Document{doc("a", "h1"), doc("b", "h2")},
	}
	engine, store, queue := setupEngine(t, src, Config{})

	stats, err := engine.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if stats.Created != 2 || stats.Processed != 2 || stats.Errors != 0 {
		t.Errorf("unexpected stats: %+v", stats)
	}

	unit, err := store.GetUnitBySource(context.Background(), "cms", "a")
	if err != nil {
		t.Fatalf("unit not created: %v", err)
	}
	if unit.State != core.StatePending {
		t.Errorf("expected pending after handoff, got %s", unit.State)
	}
	if len(queue.snapshot()) != 2 {
		t.Errorf("expected 2 analysis enqueues, got %d", len(queue.snapshot()))
	}

	recs, err := store.ListTransitions(context.Background(), unit.ID)
	if err != nil {
		t.Fatalf("ListTransitions failed: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected creation + promotion records, got %d", len(recs))
	}
	if recs[1].ToState != core.StatePending || recs[1].Actor != Actor {
		t.Errorf("unexpected promotion record: %+v", recs[1])
	}
}

func TestRunOnceIsIdempotentBySourceIdentity(t *testing.T) {
	src := &fakeSource{name: "cms", docs: []Document{doc("a", "h1")}}
	engine, store, queue := setupEngine(t, src, Config{})

	ctx := context.Background()
	if _, err := engine.RunOnce(ctx); err != nil {
		t.Fatalf("first run failed: %v", err)
	}

	// Same content again: nothing happens, no re-enqueue.
	stats, err := engine.RunOnce(ctx)
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	if stats.Skipped != 1 || stats.Created != 0 || stats.Updated != 0 {
		t.Errorf("expected pure skip, got %+v", stats)
	}
	if len(queue.snapshot()) != 1 {
		t.Errorf("already-processed unit was re-enqueued")
	}

	unit, _ := store.GetUnitBySource(ctx, "cms", "a")
	recs, _ := store.ListTransitions(ctx, unit.ID)
	if len(recs) != 2 {
		t.Errorf("skip run added transition records: %d", len(recs))
	}
}

func TestRunOnceRefreshesChangedContentWithoutTransition(t *testing.T) {
	src := &fakeSource{name: "cms", docs: []Document{doc("a", "h1")}}
	engine, store, _ := setupEngine(t, src, Config{})

	ctx := context.Background()
	if _, err := engine.RunOnce(ctx); err != nil {
		t.Fatalf("first run failed: %v", err)
	}

	src.mu.Lock()
	src.docs = []Document{{ExternalID: "a", Title: "Edited", Body: "New body", ContentHash: "h2"}}
	src.mu.Unlock()

	stats, err := engine.RunOnce(ctx)
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	if stats.Updated != 1 {
		t.Fatalf("expected in-place update, got %+v", stats)
	}

	unit, _ := store.GetUnitBySource(ctx, "cms", "a")
	if unit.ContentHash != "h2" || unit.Body != "New body" {
		t.Errorf("content not refreshed: hash=%s", unit.ContentHash)
	}
	if unit.State != core.StatePending {
		t.Errorf("refresh changed state to %s", unit.State)
	}
	recs, _ := store.ListTransitions(ctx, unit.ID)
	if len(recs) != 2 {
		t.Errorf("refresh added transition records: %d", len(recs))
	}
}

func TestRunOnceFetchesBodyWhenListingOmitsIt(t *testing.T) {
	src := &fakeSource{
		name:   "cms",
		docs:   []Document{{ExternalID: "a", Title: "Title a", ContentHash: "h1"}},
		bodies: map[string]string{"a": "fetched body"},
	}
	engine, store, _ := setupEngine(t, src, Config{})

	if _, err := engine.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}

	unit, err := store.GetUnitBySource(context.Background(), "cms", "a")
	if err != nil {
		t.Fatalf("unit not created: %v", err)
	}
	if unit.Body != "fetched body" {
		t.Errorf("expected fetched body, got %q", unit.Body)
	}
}

func TestRunOnceListFailureIsRunLevel(t *testing.T) {
	src := &fakeSource{
		name:    "cms",
		listErr: core.NewTransientError("source down", nil).WithCode(core.CodeSourceUnavailable),
	}
	engine, _, _ := setupEngine(t, src, Config{})

	stats, err := engine.RunOnce(context.Background())
	if err == nil {
		t.Fatal("expected run-level error")
	}
	if stats != (Stats{}) {
		t.Errorf("expected zero stats on run-level failure, got %+v", stats)
	}
}

func TestItemRetryExhaustionFailsUnit(t *testing.T) {
	src := &fakeSource{name: "cms", docs: []Document{doc("a", "h1")}}
	engine, store, _ := setupEngine(t, src, Config{MaxItemRetries: 3})

	ctx := context.Background()
	if _, err := engine.RunOnce(ctx); err != nil {
		t.Fatalf("initial run failed: %v", err)
	}

	// Change the hash so every run tries a refresh, and make the body
	// fetch fail from then on.
	src.mu.Lock()
	src.docs = []Document{{ExternalID: "a", Title: "Title a", ContentHash: "h2"}}
	src.fetchErr = map[string]error{
		"a": core.NewTransientError("source flapping", nil).WithCode(core.CodeSourceUnavailable),
	}
	src.mu.Unlock()

	for i := 0; i < 3; i++ {
		stats, err := engine.RunOnce(ctx)
		if err != nil {
			t.Fatalf("run %d failed: %v", i, err)
		}
		if stats.Errors != 1 {
			t.Fatalf("run %d: expected 1 item error, got %+v", i, stats)
		}
		unit, _ := store.GetUnitBySource(ctx, "cms", "a")
		if unit.State == core.StateFailed {
			t.Fatalf("unit failed after %d retries, before the bound", i+1)
		}
	}

	// Fourth failure exceeds the bound.
	if _, err := engine.RunOnce(ctx); err != nil {
		t.Fatalf("fourth run failed: %v", err)
	}
	unit, _ := store.GetUnitBySource(ctx, "cms", "a")
	if unit.State != core.StateFailed {
		t.Fatalf("expected failed after exhaustion, got %s", unit.State)
	}
	if unit.SyncRetries != 4 {
		t.Errorf("expected 4 recorded retries, got %d", unit.SyncRetries)
	}
	if unit.LastError == nil {
		t.Error("expected last_error to be recorded")
	}

	recs, _ := store.ListTransitions(ctx, unit.ID)
	last := recs[len(recs)-1]
	if last.ToState != core.StateFailed || last.Reason != core.ReasonSyncExhausted {
		t.Errorf("unexpected failure record: %+v", last)
	}
}

func TestDiscoveryExhaustionCreatesFailedPlaceholder(t *testing.T) {
	src := &fakeSource{
		name: "cms",
		docs: []Document{{ExternalID: "a", Title: "Title a", ContentHash: "h1"}},
		fetchErr: map[string]error{
			"a": errors.New("body endpoint broken"),
		},
	}
	engine, store, queue := setupEngine(t, src, Config{MaxItemRetries: 3})

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		stats, err := engine.RunOnce(ctx)
		if err != nil {
			t.Fatalf("run %d failed: %v", i, err)
		}
		if stats.Errors != 1 {
			t.Fatalf("run %d: expected item error, got %+v", i, stats)
		}
	}

	unit, err := store.GetUnitBySource(ctx, "cms", "a")
	if err != nil {
		t.Fatalf("expected placeholder unit: %v", err)
	}
	if unit.State != core.StateFailed {
		t.Errorf("expected failed placeholder, got %s", unit.State)
	}
	if len(queue.snapshot()) != 0 {
		t.Error("failed placeholder must not reach analysis")
	}
}

func TestRecoversUnitStuckInDiscovered(t *testing.T) {
	src := &fakeSource{name: "cms", docs: []Document{doc("a", "h1")}}
	engine, store, queue := setupEngine(t, src, Config{})

	ctx := context.Background()
	if _, err := store.CreateUnit(ctx, &core.ContentUnit{
		Source:      "cms",
		ExternalID:  "a",
		Title:       "Title a",
		Body:        "Body a",
		ContentHash: "h1",
	}, Actor); err != nil {
		t.Fatalf("CreateUnit failed: %v", err)
	}

	if _, err := engine.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}

	unit, _ := store.GetUnitBySource(ctx, "cms", "a")
	if unit.State != core.StatePending {
		t.Errorf("stuck unit not promoted, state %s", unit.State)
	}
	if len(queue.snapshot()) != 1 {
		t.Errorf("stuck unit not enqueued for analysis")
	}
}

func TestSchedulerAlertsOnConsecutiveFailures(t *testing.T) {
	src := &fakeSource{
		name:    "cms",
		listErr: errors.New("source down"),
	}
	engine, _, _ := setupEngine(t, src, Config{})

	var (
		mu     sync.Mutex
		alerts []int
	)
	sched := NewScheduler(SchedulerConfig{
		Interval:       5 * time.Millisecond,
		AlertThreshold: 3,
	}, engine, func(n int, _ error) {
		mu.Lock()
		alerts = append(alerts, n)
		mu.Unlock()
	}, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_ = sched.Run(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(alerts) == 0 {
		t.Fatal("expected alert after consecutive failures")
	}
	if alerts[0] != 3 {
		t.Errorf("first alert at %d failures, want 3", alerts[0])
	}
}

func TestSchedulerAppliesIntervalChangeImmediately(t *testing.T) {
	src := &fakeSource{name: "cms"}
	engine, _, _ := setupEngine(t, src, Config{})

	sched := NewScheduler(SchedulerConfig{Interval: time.Hour}, engine, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = sched.Run(ctx)
		close(done)
	}()

	// Only the immediate first run happens on the hour-long schedule.
	sched.SetInterval(10 * time.Millisecond)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if src.listCount() >= 3 {
			cancel()
			<-done
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("interval change never applied, %d runs observed", src.listCount())
}

// blockingSource lists documents without bodies and parks every fetch until
// the caller's context is cancelled.
type blockingSource struct {
	docs    []Document
	started chan struct{}
	once    sync.Once
}

func (s *blockingSource) Name() string { return "cms" }

func (s *blockingSource) List(_ context.Context, _ int, _ string) ([]Document, string, error) {
	return s.docs, "", nil
}

func (s *blockingSource) Fetch(ctx context.Context, _ string) (string, error) {
	s.once.Do(func() { close(s.started) })
	<-ctx.Done()
	return "", ctx.Err()
}

func TestRunOnceCancellationWaitsForWorkers(t *testing.T) {
	docs := make([]Document, 8)
	for i := range docs {
		docs[i] = Document{ExternalID: fmt.Sprintf("doc-%d", i), Title: "t", ContentHash: "h"}
	}
	src := &blockingSource{docs: docs, started: make(chan struct{})}

	store := setupTestStore(t)
	sm := core.NewStateMachine(store, nil, zerolog.Nop())
	engine := NewEngine(Config{Workers: 2}, src, store, sm, nil, core.NewKeyedLock(), zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	type result struct {
		stats Stats
		err   error
	}
	done := make(chan result, 1)
	go func() {
		stats, err := engine.RunOnce(ctx)
		done <- result{stats, err}
	}()

	<-src.started
	cancel()

	res := <-done
	if !errors.Is(res.err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", res.err)
	}
	if res.stats.Processed != len(docs) {
		t.Errorf("processed = %d, want %d", res.stats.Processed, len(docs))
	}
	// Every dispatched worker must have finished before RunOnce returned, so
	// its failed fetch is already accounted in the returned stats.
	if res.stats.Errors == 0 {
		t.Error("in-flight worker outcomes missing from returned stats")
	}
}
