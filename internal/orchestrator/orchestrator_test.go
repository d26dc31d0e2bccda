package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/harborlab/driftsync/internal/checkpoint"
	"github.com/harborlab/driftsync/internal/conflict"
	"github.com/harborlab/driftsync/internal/engine"
	"github.com/harborlab/driftsync/internal/history"
	"github.com/harborlab/driftsync/internal/queue"
	"github.com/harborlab/driftsync/internal/remote"
	"github.com/harborlab/driftsync/internal/replica"
)

type sequentialIDProvider struct {
	next int
}

func (p *sequentialIDProvider) NewID() (string, error) {
	p.next++
	return fmt.Sprintf("id-%03d", p.next), nil
}

// blockingRemote serves scripted pulls and can hold a pull open until
// released, which lets tests observe an in-flight run.
type blockingRemote struct {
	pulls    map[string][]remote.ChangedEntity
	pullErrs map[string]error
	gate     chan struct{}
}

func (f *blockingRemote) Pull(_ context.Context, entityType string, _ *time.Time) ([]remote.ChangedEntity, error) {
	if f.gate != nil {
		<-f.gate
	}
	if err := f.pullErrs[entityType]; err != nil {
		return nil, err
	}
	return f.pulls[entityType], nil
}

func (f *blockingRemote) Create(context.Context, string, string) (string, error) { return "", nil }

func (f *blockingRemote) Update(context.Context, string, string, string) error { return nil }

func (f *blockingRemote) Delete(context.Context, string, string) error { return nil }

type testHarness struct {
	orchestrator *Orchestrator
	remote       *blockingRemote
	queue        *queue.Queue
	history      *history.Store
	conflicts    *conflict.Store
}

func newTestHarness(t *testing.T, entityTypes []string) *testHarness {
	t.Helper()
	dsn := fmt.Sprintf("file:orchestrator_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(
		&checkpoint.Record{}, &replica.Entity{},
		&queue.Action{}, &queue.DeadLetter{},
		&conflict.Record{}, &history.Record{},
	); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	clockFn := func() time.Time { return time.Unix(1700000000, 0) }
	checkpoints, err := checkpoint.NewStore(db, clockFn)
	if err != nil {
		t.Fatalf("failed to construct checkpoint store: %v", err)
	}
	replicaStore, err := replica.NewStore(db, clockFn)
	if err != nil {
		t.Fatalf("failed to construct replica store: %v", err)
	}
	actionQueue, err := queue.New(queue.Config{
		Database:          db,
		IDProvider:        &sequentialIDProvider{},
		Clock:             clockFn,
		DefaultMaxRetries: 3,
	})
	if err != nil {
		t.Fatalf("failed to construct queue: %v", err)
	}
	conflicts, err := conflict.NewStore(db)
	if err != nil {
		t.Fatalf("failed to construct conflict store: %v", err)
	}
	detector, err := conflict.NewDetector(conflict.DetectorConfig{
		IDProvider: &sequentialIDProvider{},
		Clock:      clockFn,
	})
	if err != nil {
		t.Fatalf("failed to construct detector: %v", err)
	}
	fake := &blockingRemote{
		pulls:    map[string][]remote.ChangedEntity{},
		pullErrs: map[string]error{},
	}
	syncEngine, err := engine.New(engine.Config{
		Queue:       actionQueue,
		Remote:      fake,
		Replica:     replicaStore,
		Checkpoints: checkpoints,
		Conflicts:   conflicts,
		Detector:    detector,
		Clock:       clockFn,
	})
	if err != nil {
		t.Fatalf("failed to construct engine: %v", err)
	}
	historyStore, err := history.NewStore(db, &sequentialIDProvider{}, 10)
	if err != nil {
		t.Fatalf("failed to construct history store: %v", err)
	}
	syncOrchestrator, err := New(Config{
		Engine:      syncEngine,
		Queue:       actionQueue,
		History:     historyStore,
		EntityTypes: entityTypes,
		RunTimeout:  30 * time.Second,
		Interval:    time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to construct orchestrator: %v", err)
	}
	return &testHarness{
		orchestrator: syncOrchestrator,
		remote:       fake,
		queue:        actionQueue,
		history:      historyStore,
		conflicts:    conflicts,
	}
}

func waitForState(t *testing.T, o *Orchestrator, want State) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if o.State() == want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for state %s, still %s", want, o.State())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestRunFullSyncRecordsHistory(t *testing.T) {
	ctx := context.Background()
	harness := newTestHarness(t, []string{"projects", "tasks"})
	harness.remote.pulls["tasks"] = []remote.ChangedEntity{
		{ID: "task-1", UpdatedAtSeconds: 1699999000, Payload: json.RawMessage(`{"id":"task-1","title":"new"}`)},
	}

	result, err := harness.orchestrator.RunFullSync(ctx, false)
	if err != nil {
		t.Fatalf("unexpected run error: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected a successful run, got %+v", result)
	}
	if result.EntitiesCreated != 1 {
		t.Fatalf("expected one created entity, got %+v", result)
	}
	if len(result.TypeResults) != 2 {
		t.Fatalf("expected results for both entity types, got %d", len(result.TypeResults))
	}
	if harness.orchestrator.State() != StateIdle {
		t.Fatalf("expected idle after the run, got %s", harness.orchestrator.State())
	}

	runs, err := harness.history.List(ctx)
	if err != nil {
		t.Fatalf("unexpected history error: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected one history record, got %d", len(runs))
	}
	if !runs[0].Success || runs[0].EntitiesCreated != 1 {
		t.Fatalf("unexpected history record: %+v", runs[0])
	}
}

func TestConcurrentRunIsRejected(t *testing.T) {
	ctx := context.Background()
	harness := newTestHarness(t, []string{"tasks"})
	harness.remote.gate = make(chan struct{})

	firstDone := make(chan error, 1)
	go func() {
		_, err := harness.orchestrator.RunFullSync(ctx, false)
		firstDone <- err
	}()

	waitForState(t, harness.orchestrator, StateSyncing)

	_, err := harness.orchestrator.RunFullSync(ctx, false)
	if !errors.Is(err, ErrSyncInProgress) {
		t.Fatalf("expected ErrSyncInProgress, got %v", err)
	}

	close(harness.remote.gate)
	if err := <-firstDone; err != nil {
		t.Fatalf("unexpected error from the first run: %v", err)
	}
	waitForState(t, harness.orchestrator, StateIdle)
}

func TestPerTypeFailureIsolation(t *testing.T) {
	ctx := context.Background()
	harness := newTestHarness(t, []string{"projects", "tasks"})
	harness.remote.pullErrs["projects"] = &remote.CallError{
		Kind: remote.KindNetwork, Operation: "pull projects",
		Err: fmt.Errorf("connection refused"),
	}
	harness.remote.pulls["tasks"] = []remote.ChangedEntity{
		{ID: "task-1", UpdatedAtSeconds: 1699999000, Payload: json.RawMessage(`{"id":"task-1"}`)},
	}

	result, err := harness.orchestrator.RunFullSync(ctx, false)
	if err != nil {
		t.Fatalf("unexpected run error: %v", err)
	}
	if result.Success {
		t.Fatalf("expected the run to report failure")
	}
	if len(result.Errors) != 1 {
		t.Fatalf("expected one per-type error, got %v", result.Errors)
	}
	// The projects failure must not block the tasks pull.
	if result.EntitiesCreated != 1 {
		t.Fatalf("expected tasks to sync despite the projects failure, got %+v", result)
	}
}

func TestPauseBlocksRunsUntilResume(t *testing.T) {
	ctx := context.Background()
	harness := newTestHarness(t, []string{"tasks"})

	if err := harness.orchestrator.Pause(); err != nil {
		t.Fatalf("unexpected pause error: %v", err)
	}
	if harness.orchestrator.State() != StatePaused {
		t.Fatalf("expected paused state, got %s", harness.orchestrator.State())
	}
	if !harness.queue.IsPaused() {
		t.Fatalf("expected the queue to pause with the orchestrator")
	}

	_, err := harness.orchestrator.RunFullSync(ctx, false)
	if !errors.Is(err, ErrPaused) {
		t.Fatalf("expected ErrPaused, got %v", err)
	}

	if err := harness.orchestrator.Resume(); err != nil {
		t.Fatalf("unexpected resume error: %v", err)
	}
	if harness.queue.IsPaused() {
		t.Fatalf("expected the queue to resume")
	}
	if _, err := harness.orchestrator.RunFullSync(ctx, false); err != nil {
		t.Fatalf("unexpected run error after resume: %v", err)
	}
}

func TestResumeWithoutPause(t *testing.T) {
	harness := newTestHarness(t, []string{"tasks"})

	if err := harness.orchestrator.Resume(); !errors.Is(err, ErrNotPaused) {
		t.Fatalf("expected ErrNotPaused, got %v", err)
	}
}

func TestRunPublishesCompletionEvent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	harness := newTestHarness(t, []string{"tasks"})

	stream, unsubscribe := harness.orchestrator.Dispatcher().Subscribe(ctx)
	defer unsubscribe()

	if _, err := harness.orchestrator.RunFullSync(ctx, true); err != nil {
		t.Fatalf("unexpected run error: %v", err)
	}

	select {
	case event := <-stream:
		if event.Type != EventSyncCompleted {
			t.Fatalf("expected a completion event, got %s", event.Type)
		}
		if event.Result == nil || !event.Result.Forced {
			t.Fatalf("expected the forced run result on the event, got %+v", event.Result)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for the completion event")
	}
}

func TestValidateSchedule(t *testing.T) {
	testCases := []struct {
		expression string
		wantErr    bool
	}{
		{expression: ""},
		{expression: "*/5 * * * *"},
		{expression: "0 */5 * * * *"},
		{expression: "* * *", wantErr: true},
		{expression: "* * * * * * *", wantErr: true},
	}
	for _, testCase := range testCases {
		err := ValidateSchedule(testCase.expression)
		if testCase.wantErr {
			if !errors.Is(err, ErrInvalidSchedule) {
				t.Fatalf("expected ErrInvalidSchedule for %q, got %v", testCase.expression, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("unexpected error for %q: %v", testCase.expression, err)
		}
	}
}

func TestSchedulerStartStopIdempotent(t *testing.T) {
	harness := newTestHarness(t, []string{"tasks"})

	harness.orchestrator.Start()
	harness.orchestrator.Start()
	harness.orchestrator.Stop()
	harness.orchestrator.Stop()
}
