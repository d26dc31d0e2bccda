// Package engine implements per-entity-type delta synchronization: replaying
// queued local mutations against the remote API, pulling server changes since
// the last checkpoint, and routing divergent entities through conflict
// detection. One bad item never aborts its batch.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"time"

	"go.uber.org/zap"

	"github.com/harborlab/driftsync/internal/checkpoint"
	"github.com/harborlab/driftsync/internal/conflict"
	"github.com/harborlab/driftsync/internal/queue"
	"github.com/harborlab/driftsync/internal/remote"
	"github.com/harborlab/driftsync/internal/replica"
)

var (
	errMissingQueue       = errors.New("engine: action queue is required")
	errMissingRemote      = errors.New("engine: remote client is required")
	errMissingReplica     = errors.New("engine: replica store is required")
	errMissingCheckpoints = errors.New("engine: checkpoint store is required")
	errMissingConflicts   = errors.New("engine: conflict store is required")
	errMissingDetector    = errors.New("engine: conflict detector is required")
)

// RemoteAPI is the slice of the remote client the engine depends on.
type RemoteAPI interface {
	Pull(ctx context.Context, entityType string, since *time.Time) ([]remote.ChangedEntity, error)
	Create(ctx context.Context, entityType, payloadJSON string) (string, error)
	Update(ctx context.Context, entityType, entityID, payloadJSON string) error
	Delete(ctx context.Context, entityType, entityID string) error
}

// Notifier receives engine progress and conflict events.
type Notifier interface {
	Progress(entityType string, processed, total int)
	ConflictDetected(record conflict.Record)
}

type noopNotifier struct{}

func (noopNotifier) Progress(string, int, int)        {}
func (noopNotifier) ConflictDetected(conflict.Record) {}

// ItemResult records the outcome of one pushed action or pulled entity.
type ItemResult struct {
	EntityType string           `json:"entity_type"`
	EntityID   string           `json:"entity_id,omitempty"`
	Operation  string           `json:"operation"`
	Success    bool             `json:"success"`
	Conflicted bool             `json:"conflicted,omitempty"`
	ErrorKind  remote.ErrorKind `json:"error_kind,omitempty"`
	Error      string           `json:"error,omitempty"`
}

// TypeResult aggregates one entity type's sync outcome.
type TypeResult struct {
	EntityType         string       `json:"entity_type"`
	Pushed             int          `json:"pushed"`
	Processed          int          `json:"processed"`
	Created            int          `json:"created"`
	Updated            int          `json:"updated"`
	Deleted            int          `json:"deleted"`
	Conflicted         int          `json:"conflicted"`
	Failed             int          `json:"failed"`
	CheckpointAdvanced bool         `json:"checkpoint_advanced"`
	Items              []ItemResult `json:"items,omitempty"`
	Err                error        `json:"-"`
}

// Config carries engine construction dependencies.
type Config struct {
	Queue       *queue.Queue
	Remote      RemoteAPI
	Replica     *replica.Store
	Checkpoints *checkpoint.Store
	Conflicts   *conflict.Store
	Detector    *conflict.Detector
	Notifier    Notifier
	Clock       func() time.Time
	Logger      *zap.Logger
}

// Engine is the per-entity-type delta synchronizer.
type Engine struct {
	queue       *queue.Queue
	remote      RemoteAPI
	replica     *replica.Store
	checkpoints *checkpoint.Store
	conflicts   *conflict.Store
	detector    *conflict.Detector
	notifier    Notifier
	clock       func() time.Time
	logger      *zap.Logger
}

// New constructs a sync engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Queue == nil {
		return nil, errMissingQueue
	}
	if cfg.Remote == nil {
		return nil, errMissingRemote
	}
	if cfg.Replica == nil {
		return nil, errMissingReplica
	}
	if cfg.Checkpoints == nil {
		return nil, errMissingCheckpoints
	}
	if cfg.Conflicts == nil {
		return nil, errMissingConflicts
	}
	if cfg.Detector == nil {
		return nil, errMissingDetector
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = noopNotifier{}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		queue:       cfg.Queue,
		remote:      cfg.Remote,
		replica:     cfg.Replica,
		checkpoints: cfg.Checkpoints,
		conflicts:   cfg.Conflicts,
		detector:    cfg.Detector,
		notifier:    notifier,
		clock:       clock,
		logger:      logger,
	}, nil
}

// PushPending replays every due queued action for the entity type in
// FIFO-per-entity order. Failed sends stay queued for a later retry; the
// batch continues past them.
func (e *Engine) PushPending(ctx context.Context, entityType string) []ItemResult {
	var results []ItemResult
	for {
		if ctx.Err() != nil {
			return results
		}
		action, ok, err := e.queue.DequeueForType(ctx, entityType)
		if err != nil {
			e.logger.Error("queue dequeue failed",
				zap.String("entity_type", entityType), zap.Error(err))
			return results
		}
		if !ok {
			return results
		}
		results = append(results, e.pushAction(ctx, action))
	}
}

// DrainQueue replays every remaining due action regardless of entity type.
// The orchestrator runs this after the per-type loop so actions for types
// outside the configured order still reach the server.
func (e *Engine) DrainQueue(ctx context.Context) []ItemResult {
	var results []ItemResult
	for {
		if ctx.Err() != nil {
			return results
		}
		action, ok, err := e.queue.Dequeue(ctx)
		if err != nil {
			e.logger.Error("queue drain failed", zap.Error(err))
			return results
		}
		if !ok {
			return results
		}
		results = append(results, e.pushAction(ctx, action))
	}
}

func (e *Engine) pushAction(ctx context.Context, action queue.Action) ItemResult {
	result := ItemResult{
		EntityType: action.EntityType,
		EntityID:   action.EntityID,
		Operation:  string(action.Operation),
	}

	var sendErr error
	switch action.Operation {
	case queue.OperationCreate:
		sendErr = e.pushCreate(ctx, action)
	case queue.OperationUpdate:
		sendErr = e.remote.Update(ctx, action.EntityType, action.EntityID, action.PayloadJSON)
		if sendErr == nil {
			if err := e.replica.MarkClean(ctx, action.EntityType, action.EntityID); err != nil {
				e.logger.Warn("mark clean failed", zap.String("entity_id", action.EntityID), zap.Error(err))
			}
		}
	case queue.OperationDelete:
		sendErr = e.remote.Delete(ctx, action.EntityType, action.EntityID)
		if sendErr == nil {
			if err := e.replica.Delete(ctx, action.EntityType, action.EntityID); err != nil {
				e.logger.Warn("replica delete failed", zap.String("entity_id", action.EntityID), zap.Error(err))
			}
		}
	default:
		sendErr = fmt.Errorf("engine: unsupported operation %q", action.Operation)
	}

	if sendErr == nil {
		if err := e.queue.Complete(ctx, action.ID); err != nil {
			e.logger.Error("queue complete failed", zap.String("action_id", action.ID), zap.Error(err))
		}
		result.Success = true
		return result
	}

	result.ErrorKind = remote.Classify(sendErr)
	result.Error = sendErr.Error()

	switch result.ErrorKind {
	case remote.KindValidation:
		if err := e.queue.FailPermanent(ctx, action.ID, sendErr); err != nil {
			e.logger.Error("dead-letter failed", zap.String("action_id", action.ID), zap.Error(err))
		}
	case remote.KindConflict:
		// The server rejected the write because its version moved on. The
		// action is spent; the next pull surfaces the divergence as a
		// conflict record since the local entity is still dirty.
		result.Conflicted = true
		if err := e.queue.Complete(ctx, action.ID); err != nil {
			e.logger.Error("queue complete failed", zap.String("action_id", action.ID), zap.Error(err))
		}
	default:
		if _, err := e.queue.Fail(ctx, action.ID, sendErr); err != nil {
			e.logger.Error("queue fail failed", zap.String("action_id", action.ID), zap.Error(err))
		}
	}
	return result
}

func (e *Engine) pushCreate(ctx context.Context, action queue.Action) error {
	serverID, err := e.remote.Create(ctx, action.EntityType, action.PayloadJSON)
	if err != nil {
		return err
	}
	finalID := action.EntityID
	if serverID != "" && serverID != action.EntityID {
		finalID = serverID
		if err := e.replica.Rekey(ctx, action.EntityType, action.EntityID, serverID); err != nil && !errors.Is(err, replica.ErrNotFound) {
			e.logger.Warn("replica rekey failed",
				zap.String("entity_id", action.EntityID),
				zap.String("server_id", serverID),
				zap.Error(err))
		}
		if err := e.queue.ReassignEntity(ctx, action.EntityType, action.EntityID, serverID); err != nil {
			e.logger.Warn("queue reassign failed",
				zap.String("entity_id", action.EntityID),
				zap.Error(err))
		}
	}
	if finalID != "" {
		if err := e.replica.MarkClean(ctx, action.EntityType, finalID); err != nil {
			e.logger.Warn("mark clean failed", zap.String("entity_id", finalID), zap.Error(err))
		}
	}
	return nil
}

// PullSince fetches server changes since the checkpoint and reconciles each
// one against the local replica. Entities with a pending conflict are left
// untouched. The error reports a transport-level pull failure only; item
// outcomes live in the results.
func (e *Engine) PullSince(ctx context.Context, entityType string, since *time.Time) ([]ItemResult, error) {
	entities, err := e.remote.Pull(ctx, entityType, since)
	if err != nil {
		return nil, err
	}

	results := make([]ItemResult, 0, len(entities))
	for index, changed := range entities {
		if ctx.Err() != nil {
			return results, ctx.Err()
		}
		results = append(results, e.reconcile(ctx, entityType, changed))
		e.notifier.Progress(entityType, index+1, len(entities))
	}
	return results, nil
}

func (e *Engine) reconcile(ctx context.Context, entityType string, changed remote.ChangedEntity) ItemResult {
	result := ItemResult{EntityType: entityType, EntityID: changed.ID}

	shielded, err := e.conflicts.HasPending(ctx, entityType, changed.ID)
	if err != nil {
		return itemFailure(result, "pull", err)
	}
	if shielded {
		result.Operation = "skip"
		result.Success = true
		result.Conflicted = true
		return result
	}

	local, err := e.replica.Get(ctx, entityType, changed.ID)
	switch {
	case errors.Is(err, replica.ErrNotFound):
		return e.reconcileAbsent(ctx, entityType, changed, result)
	case err != nil:
		return itemFailure(result, "pull", err)
	default:
		return e.reconcilePresent(ctx, entityType, changed, local, result)
	}
}

func (e *Engine) reconcileAbsent(ctx context.Context, entityType string, changed remote.ChangedEntity, result ItemResult) ItemResult {
	if changed.Deleted {
		result.Operation = "delete"
		result.Success = true
		return result
	}
	err := e.replica.Put(ctx, entityType, changed.ID, string(changed.Payload), changed.ModifiedAt(), replica.OriginServer)
	if err != nil {
		return itemFailure(result, "create", err)
	}
	result.Operation = "create"
	result.Success = true
	return result
}

func (e *Engine) reconcilePresent(ctx context.Context, entityType string, changed remote.ChangedEntity, local replica.Entity, result ItemResult) ItemResult {
	pendingAction, pendingCreate, err := e.queue.HasPendingForEntity(ctx, entityType, changed.ID)
	if err != nil {
		return itemFailure(result, "pull", err)
	}
	locallyModified := local.Dirty || pendingAction

	if !locallyModified {
		if changed.Deleted {
			if err := e.replica.Delete(ctx, entityType, changed.ID); err != nil {
				return itemFailure(result, "delete", err)
			}
			result.Operation = "delete"
			result.Success = true
			return result
		}
		if jsonEquivalent(local.PayloadJSON, string(changed.Payload)) {
			result.Operation = "noop"
			result.Success = true
			return result
		}
		err := e.replica.Put(ctx, entityType, changed.ID, string(changed.Payload), changed.ModifiedAt(), replica.OriginServer)
		if err != nil {
			return itemFailure(result, "update", err)
		}
		result.Operation = "update"
		result.Success = true
		return result
	}

	localSide := conflict.Side{
		Present:     true,
		PayloadJSON: local.PayloadJSON,
		ModifiedAt:  time.Unix(local.UpdatedAtSeconds, 0).UTC(),
	}
	serverSide := conflict.Side{
		Present:     !changed.Deleted,
		PayloadJSON: string(changed.Payload),
		ModifiedAt:  changed.ModifiedAt(),
	}
	record, err := e.detector.Detect(entityType, changed.ID, localSide, serverSide, pendingCreate)
	if err != nil {
		return itemFailure(result, "detect", err)
	}
	if record == nil {
		// Both sides converged on the same state; nothing to do.
		result.Operation = "noop"
		result.Success = true
		return result
	}
	if err := e.conflicts.Save(ctx, record); err != nil {
		return itemFailure(result, "detect", err)
	}
	e.notifier.ConflictDetected(*record)
	e.logger.Info("conflict detected",
		zap.String("entity_type", entityType),
		zap.String("entity_id", changed.ID),
		zap.String("conflict_type", string(record.Type)),
		zap.String("severity", string(record.Severity)))
	result.Operation = "conflict"
	result.Success = true
	result.Conflicted = true
	return result
}

// SyncEntityType pushes queued actions, pulls server deltas, and advances the
// checkpoint when the pull succeeded. The checkpoint target is captured
// before the pull request so changes landing mid-request are not missed.
func (e *Engine) SyncEntityType(ctx context.Context, entityType string, forceFull bool) TypeResult {
	result := TypeResult{EntityType: entityType}

	pushItems := e.PushPending(ctx, entityType)
	for _, item := range pushItems {
		if item.Success {
			result.Pushed++
		} else {
			result.Failed++
		}
	}
	result.Items = append(result.Items, pushItems...)

	var since *time.Time
	previous, hasPrevious, err := e.checkpoints.Get(ctx, entityType)
	if err != nil {
		result.Err = err
		return result
	}
	if hasPrevious && !forceFull {
		since = &previous
	}
	expectedPrev := time.Time{}
	if hasPrevious {
		expectedPrev = previous
	}

	pullStarted := e.clock().UTC()
	pullItems, pullErr := e.PullSince(ctx, entityType, since)
	result.Items = append(result.Items, pullItems...)
	for _, item := range pullItems {
		result.Processed++
		switch {
		case item.Conflicted:
			result.Conflicted++
		case !item.Success:
			result.Failed++
		case item.Operation == "create":
			result.Created++
		case item.Operation == "update":
			result.Updated++
		case item.Operation == "delete":
			result.Deleted++
		}
	}
	if pullErr != nil {
		result.Err = pullErr
		return result
	}

	err = e.checkpoints.Advance(ctx, entityType, pullStarted, expectedPrev)
	switch {
	case errors.Is(err, checkpoint.ErrStaleCheckpoint):
		e.logger.Warn("checkpoint advance lost a race", zap.String("entity_type", entityType))
	case err != nil:
		result.Err = err
		return result
	default:
		result.CheckpointAdvanced = true
	}
	return result
}

func itemFailure(result ItemResult, operation string, err error) ItemResult {
	result.Operation = operation
	result.ErrorKind = remote.Classify(err)
	result.Error = err.Error()
	return result
}

func jsonEquivalent(a, b string) bool {
	if a == b {
		return true
	}
	var decodedA, decodedB any
	if json.Unmarshal([]byte(a), &decodedA) != nil {
		return false
	}
	if json.Unmarshal([]byte(b), &decodedB) != nil {
		return false
	}
	return reflect.DeepEqual(decodedA, decodedB)
}
