// Package orchestrator sequences full sync cycles: push queued actions, pull
// server deltas per entity type in a fixed order, drain the residual queue,
// and record the run. Execution is single-flight; concurrent requests are
// rejected immediately rather than queued.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/harborlab/driftsync/internal/engine"
	"github.com/harborlab/driftsync/internal/history"
	"github.com/harborlab/driftsync/internal/queue"
)

// State is the orchestrator's lifecycle state.
type State string

const (
	StateIdle    State = "idle"
	StateSyncing State = "syncing"
	StatePaused  State = "paused"
)

var (
	// ErrSyncInProgress rejects a sync request while another run is in flight.
	ErrSyncInProgress = errors.New("orchestrator: sync already in progress")
	// ErrPaused rejects a sync request while the orchestrator is paused.
	ErrPaused = errors.New("orchestrator: paused")
	// ErrNotIdle rejects a pause request during an active run.
	ErrNotIdle = errors.New("orchestrator: not idle")
	// ErrNotPaused rejects a resume request when nothing is paused.
	ErrNotPaused = errors.New("orchestrator: not paused")
	// ErrMissingEngine indicates construction without a sync engine.
	ErrMissingEngine = errors.New("orchestrator: engine is required")
	// ErrMissingQueue indicates construction without an action queue.
	ErrMissingQueue = errors.New("orchestrator: queue is required")
	// ErrMissingHistory indicates construction without a history store.
	ErrMissingHistory = errors.New("orchestrator: history store is required")
	// ErrNoEntityTypes indicates construction without a sync order.
	ErrNoEntityTypes = errors.New("orchestrator: at least one entity type is required")
)

// Result aggregates one full sync run. Callers always receive explicit
// counts; a run with per-type failures still reports what succeeded.
type Result struct {
	StartedAt          time.Time           `json:"started_at"`
	Duration           time.Duration       `json:"duration"`
	Forced             bool                `json:"forced"`
	Success            bool                `json:"success"`
	EntitiesProcessed  int                 `json:"entities_processed"`
	EntitiesCreated    int                 `json:"entities_created"`
	EntitiesUpdated    int                 `json:"entities_updated"`
	EntitiesDeleted    int                 `json:"entities_deleted"`
	EntitiesConflicted int                 `json:"entities_conflicted"`
	ActionsPushed      int                 `json:"actions_pushed"`
	ItemsFailed        int                 `json:"items_failed"`
	TypeResults        []engine.TypeResult `json:"type_results"`
	Errors             []string            `json:"errors,omitempty"`
}

// Config carries orchestrator construction dependencies.
type Config struct {
	Engine      *engine.Engine
	Queue       *queue.Queue
	History     *history.Store
	Dispatcher  *Dispatcher
	EntityTypes []string
	RunTimeout  time.Duration
	Interval    time.Duration
	Schedule    string
	Clock       func() time.Time
	Logger      *zap.Logger
}

// Orchestrator is the single entry point for sync execution.
type Orchestrator struct {
	mu          sync.Mutex
	state       State
	engine      *engine.Engine
	queue       *queue.Queue
	history     *history.Store
	dispatcher  *Dispatcher
	entityTypes []string
	runTimeout  time.Duration
	scheduler   *Scheduler
	clock       func() time.Time
	logger      *zap.Logger
}

// New constructs an orchestrator. The background scheduler is created but not
// started; call Start to begin interval syncing.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Engine == nil {
		return nil, ErrMissingEngine
	}
	if cfg.Queue == nil {
		return nil, ErrMissingQueue
	}
	if cfg.History == nil {
		return nil, ErrMissingHistory
	}
	if len(cfg.EntityTypes) == 0 {
		return nil, ErrNoEntityTypes
	}
	if err := ValidateSchedule(cfg.Schedule); err != nil {
		return nil, err
	}
	dispatcher := cfg.Dispatcher
	if dispatcher == nil {
		dispatcher = NewDispatcher()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	runTimeout := cfg.RunTimeout
	if runTimeout <= 0 {
		runTimeout = 2 * time.Minute
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	orchestrator := &Orchestrator{
		state:       StateIdle,
		engine:      cfg.Engine,
		queue:       cfg.Queue,
		history:     cfg.History,
		dispatcher:  dispatcher,
		entityTypes: cfg.EntityTypes,
		runTimeout:  runTimeout,
		clock:       clock,
		logger:      logger,
	}
	orchestrator.scheduler = newScheduler(orchestrator, interval, logger)
	return orchestrator, nil
}

// State reports the current lifecycle state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Dispatcher exposes the event surface for subscribers.
func (o *Orchestrator) Dispatcher() *Dispatcher {
	return o.dispatcher
}

// Start launches the background interval scheduler.
func (o *Orchestrator) Start() {
	o.scheduler.Start()
}

// Stop halts the background scheduler and waits for its goroutine to exit.
func (o *Orchestrator) Stop() {
	o.scheduler.Stop()
}

// Pause halts the scheduler and the queue. Only an idle orchestrator can
// pause; an active run finishes first.
func (o *Orchestrator) Pause() error {
	o.mu.Lock()
	switch o.state {
	case StatePaused:
		o.mu.Unlock()
		return nil
	case StateIdle:
		o.state = StatePaused
		o.mu.Unlock()
	default:
		o.mu.Unlock()
		return ErrNotIdle
	}
	o.scheduler.Stop()
	o.queue.Pause()
	o.logger.Info("sync paused")
	return nil
}

// Resume restarts the scheduler at the configured interval.
func (o *Orchestrator) Resume() error {
	o.mu.Lock()
	if o.state != StatePaused {
		o.mu.Unlock()
		return ErrNotPaused
	}
	o.state = StateIdle
	o.mu.Unlock()
	o.queue.Resume()
	o.scheduler.Start()
	o.logger.Info("sync resumed")
	return nil
}

// RunFullSync executes one full sync cycle. A second call while one is in
// flight fails fast with ErrSyncInProgress; run-level setup failures return
// an error with no partial checkpoint advancement.
func (o *Orchestrator) RunFullSync(ctx context.Context, forceFull bool) (Result, error) {
	o.mu.Lock()
	switch o.state {
	case StateSyncing:
		o.mu.Unlock()
		return Result{}, ErrSyncInProgress
	case StatePaused:
		o.mu.Unlock()
		return Result{}, ErrPaused
	}
	o.state = StateSyncing
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.state = StateIdle
		o.mu.Unlock()
	}()

	runCtx, cancel := context.WithTimeout(ctx, o.runTimeout)
	defer cancel()

	result := Result{StartedAt: o.clock().UTC(), Forced: forceFull}
	o.logger.Info("sync run started",
		zap.Bool("force_full", forceFull),
		zap.Strings("entity_types", o.entityTypes))

	for _, entityType := range o.entityTypes {
		typeResult := o.engine.SyncEntityType(runCtx, entityType, forceFull)
		o.aggregate(&result, typeResult)
		if typeResult.Err != nil {
			message := fmt.Sprintf("%s: %v", entityType, typeResult.Err)
			result.Errors = append(result.Errors, message)
			o.logger.Error("entity type sync failed",
				zap.String("entity_type", entityType),
				zap.Error(typeResult.Err))
			// Failure isolation: remaining types still sync.
			continue
		}
	}

	for _, item := range o.engine.DrainQueue(runCtx) {
		if item.Success {
			result.ActionsPushed++
		} else {
			result.ItemsFailed++
		}
	}

	result.Duration = o.clock().UTC().Sub(result.StartedAt)
	result.Success = len(result.Errors) == 0

	if _, err := o.history.Append(ctx, historyRecord(result)); err != nil {
		o.logger.Error("history append failed", zap.Error(err))
	}

	if !result.Success {
		o.dispatcher.Publish(Event{
			Type:      EventSyncErrorOccurred,
			Error:     strings.Join(result.Errors, "; "),
			Timestamp: o.clock().UTC(),
		})
	}
	o.dispatcher.Publish(Event{
		Type:      EventSyncCompleted,
		Result:    &result,
		Timestamp: o.clock().UTC(),
	})
	o.logger.Info("sync run completed",
		zap.Bool("success", result.Success),
		zap.Int("processed", result.EntitiesProcessed),
		zap.Int("conflicted", result.EntitiesConflicted),
		zap.Int("pushed", result.ActionsPushed),
		zap.Duration("duration", result.Duration))
	return result, nil
}

func (o *Orchestrator) aggregate(result *Result, typeResult engine.TypeResult) {
	result.TypeResults = append(result.TypeResults, typeResult)
	result.EntitiesProcessed += typeResult.Processed
	result.EntitiesCreated += typeResult.Created
	result.EntitiesUpdated += typeResult.Updated
	result.EntitiesDeleted += typeResult.Deleted
	result.EntitiesConflicted += typeResult.Conflicted
	result.ActionsPushed += typeResult.Pushed
	result.ItemsFailed += typeResult.Failed
}

func historyRecord(result Result) history.Record {
	return history.Record{
		StartedAtSeconds:   result.StartedAt.Unix(),
		DurationMillis:     result.Duration.Milliseconds(),
		Success:            result.Success,
		Forced:             result.Forced,
		EntitiesProcessed:  result.EntitiesProcessed,
		EntitiesCreated:    result.EntitiesCreated,
		EntitiesUpdated:    result.EntitiesUpdated,
		EntitiesDeleted:    result.EntitiesDeleted,
		EntitiesConflicted: result.EntitiesConflicted,
		ActionsPushed:      result.ActionsPushed,
		ItemsFailed:        result.ItemsFailed,
		ErrorMessage:       strings.Join(result.Errors, "; "),
	}
}
