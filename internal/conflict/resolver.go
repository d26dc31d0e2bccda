package conflict

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/harborlab/driftsync/internal/queue"
	"github.com/harborlab/driftsync/internal/replica"
)

var (
	// ErrMissingStore indicates the resolver was constructed without a conflict store.
	ErrMissingStore = errors.New("conflict: store is required")
	// ErrMissingReplica indicates the resolver was constructed without a replica writer.
	ErrMissingReplica = errors.New("conflict: replica writer is required")
	// ErrMissingEnqueuer indicates the resolver was constructed without an action enqueuer.
	ErrMissingEnqueuer = errors.New("conflict: action enqueuer is required")
	// ErrNotPending indicates the conflict already reached a terminal status.
	ErrNotPending = errors.New("conflict: not pending")
)

// ReplicaWriter is the slice of the replica store the resolver writes through.
type ReplicaWriter interface {
	Put(ctx context.Context, entityType, entityID, payloadJSON string, modifiedAt time.Time, origin replica.Origin) error
	Delete(ctx context.Context, entityType, entityID string) error
}

// ActionEnqueuer re-queues resolutions that diverge from the server so the
// decision itself syncs back.
type ActionEnqueuer interface {
	Enqueue(ctx context.Context, input queue.Input) (string, error)
}

// ResolverConfig carries resolver construction dependencies.
type ResolverConfig struct {
	Store    *Store
	Registry *Registry
	Replica  ReplicaWriter
	Enqueuer ActionEnqueuer
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Resolver applies resolution strategies to pending conflicts and persists
// the outcome on both the conflict record and the local replica.
type Resolver struct {
	store    *Store
	registry *Registry
	replica  ReplicaWriter
	enqueuer ActionEnqueuer
	clock    func() time.Time
	logger   *zap.Logger
}

// NewResolver constructs a resolver.
func NewResolver(cfg ResolverConfig) (*Resolver, error) {
	if cfg.Store == nil {
		return nil, ErrMissingStore
	}
	if cfg.Replica == nil {
		return nil, ErrMissingReplica
	}
	if cfg.Enqueuer == nil {
		return nil, ErrMissingEnqueuer
	}
	registry := cfg.Registry
	if registry == nil {
		registry = NewRegistry()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		store:    cfg.Store,
		registry: registry,
		replica:  cfg.Replica,
		enqueuer: cfg.Enqueuer,
		clock:    clock,
		logger:   logger,
	}, nil
}

// Resolve applies the named strategy to a pending conflict. On success the
// record turns resolved, the winner lands in the replica, and a divergent
// resolution is re-queued for push. On failure the record turns failed and
// stays in the pending set; conflicts are never silently dropped.
func (r *Resolver) Resolve(ctx context.Context, conflictID string, strategyID StrategyID, resolution Resolution) (Applied, error) {
	record, err := r.store.Get(ctx, conflictID)
	if err != nil {
		return Applied{}, err
	}
	switch record.Status {
	case StatusPending, StatusFailed:
	default:
		return Applied{}, fmt.Errorf("%w: %s is %s", ErrNotPending, conflictID, record.Status)
	}

	record.Status = StatusResolving
	record.Strategy = string(strategyID)
	if err := r.store.Save(ctx, &record); err != nil {
		return Applied{}, err
	}

	applied, err := r.apply(ctx, &record, strategyID, resolution)
	if err != nil {
		record.Status = StatusFailed
		record.LastError = err.Error()
		if saveErr := r.store.Save(ctx, &record); saveErr != nil {
			r.logError("resolve", "failed_status_save", saveErr, record)
		}
		r.logError("resolve", "strategy_failed", err, record)
		return Applied{}, err
	}

	record.Status = StatusResolved
	record.LastError = ""
	record.ResolvedAtSeconds = r.clock().UTC().Unix()
	if err := r.store.Save(ctx, &record); err != nil {
		return Applied{}, err
	}

	r.logger.Info("conflict resolved",
		zap.String("conflict_id", record.ConflictID),
		zap.String("entity_type", record.EntityType),
		zap.String("entity_id", record.EntityID),
		zap.String("strategy", string(strategyID)))
	return applied, nil
}

func (r *Resolver) apply(ctx context.Context, record *Record, strategyID StrategyID, resolution Resolution) (Applied, error) {
	strategy, err := r.registry.Get(strategyID)
	if err != nil {
		return Applied{}, err
	}
	applied, err := strategy.Apply(*record, resolution)
	if err != nil {
		return Applied{}, err
	}

	matchesServer := resolutionMatchesServer(*record, applied)

	if applied.Deleted {
		if err := r.replica.Delete(ctx, record.EntityType, record.EntityID); err != nil {
			return Applied{}, err
		}
		if !matchesServer {
			if _, err := r.enqueuer.Enqueue(ctx, queue.Input{
				EntityType: record.EntityType,
				EntityID:   record.EntityID,
				Operation:  queue.OperationDelete,
			}); err != nil {
				return Applied{}, err
			}
		}
		return applied, nil
	}

	origin := replica.OriginServer
	if !matchesServer {
		origin = replica.OriginLocal
	}
	if err := r.replica.Put(ctx, record.EntityType, record.EntityID, applied.PayloadJSON, r.clock(), origin); err != nil {
		return Applied{}, err
	}
	if !matchesServer {
		if _, err := r.enqueuer.Enqueue(ctx, queue.Input{
			EntityType:  record.EntityType,
			EntityID:    record.EntityID,
			Operation:   queue.OperationUpdate,
			PayloadJSON: applied.PayloadJSON,
		}); err != nil {
			return Applied{}, err
		}
	}
	return applied, nil
}

// ResolveAll applies one strategy across the whole pending set, continuing
// past individual failures.
func (r *Resolver) ResolveAll(ctx context.Context, strategyID StrategyID) (resolved, total int, err error) {
	if _, err := r.registry.Get(strategyID); err != nil {
		return 0, 0, err
	}
	pending, err := r.store.Pending(ctx)
	if err != nil {
		return 0, 0, err
	}
	for _, record := range pending {
		if record.Status == StatusResolving {
			continue
		}
		if _, resolveErr := r.Resolve(ctx, record.ConflictID, strategyID, Resolution{}); resolveErr == nil {
			resolved++
		}
	}
	return resolved, len(pending), nil
}

// Ignore marks a conflict terminally ignored, releasing its entity for
// subsequent pulls with no replica change.
func (r *Resolver) Ignore(ctx context.Context, conflictID string) error {
	record, err := r.store.Get(ctx, conflictID)
	if err != nil {
		return err
	}
	switch record.Status {
	case StatusPending, StatusFailed:
	default:
		return fmt.Errorf("%w: %s is %s", ErrNotPending, conflictID, record.Status)
	}
	record.Status = StatusIgnored
	record.ResolvedAtSeconds = r.clock().UTC().Unix()
	return r.store.Save(ctx, &record)
}

// resolutionMatchesServer reports whether the decided state equals what the
// server already holds, in which case nothing needs pushing back.
func resolutionMatchesServer(record Record, applied Applied) bool {
	if applied.Deleted {
		return !record.ServerPresent()
	}
	if !record.ServerPresent() {
		return false
	}
	return jsonEquivalent(applied.PayloadJSON, record.ServerPayloadJSON)
}

func jsonEquivalent(a, b string) bool {
	if a == b {
		return true
	}
	var decodedA, decodedB any
	if err := json.Unmarshal([]byte(a), &decodedA); err != nil {
		return false
	}
	if err := json.Unmarshal([]byte(b), &decodedB); err != nil {
		return false
	}
	canonicalA, errA := json.Marshal(decodedA)
	canonicalB, errB := json.Marshal(decodedB)
	if errA != nil || errB != nil {
		return false
	}
	return string(canonicalA) == string(canonicalB)
}

func (r *Resolver) logError(operation, reason string, err error, record Record) {
	r.logger.Error("conflict resolver error",
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.String("conflict_id", record.ConflictID),
		zap.String("entity_type", record.EntityType),
		zap.String("entity_id", record.EntityID),
		zap.Error(err))
}
