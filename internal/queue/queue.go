// Package queue implements the durable offline action queue. Local mutations
// made while disconnected are recorded here and replayed against the remote
// API; nothing leaves the queue until the server acknowledged it, the caller
// cancelled it, or it exhausted its retry budget and moved to the dead-letter
// table.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Operation enumerates supported queued mutations.
type Operation string

const (
	// OperationCreate records a locally created entity awaiting a server id.
	OperationCreate Operation = "create"
	// OperationUpdate records a local edit of an existing entity.
	OperationUpdate Operation = "update"
	// OperationDelete records a local deletion.
	OperationDelete Operation = "delete"
)

// Status enumerates the lifecycle states of a queued action.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Priority orders dequeueing across unrelated entities. It is advisory only:
// actions touching the same entity always replay in creation order.
type Priority int

const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 1
	PriorityHigh   Priority = 2
)

// ParsePriority maps the external names low, normal, and high to priorities.
func ParsePriority(value string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "low":
		return PriorityLow, nil
	case "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	default:
		return PriorityNormal, fmt.Errorf("queue: unknown priority %q", value)
	}
}

var (
	// ErrMissingDatabase indicates the queue was constructed without a database handle.
	ErrMissingDatabase = errors.New("queue: database handle is required")
	// ErrMissingIDProvider indicates the queue was constructed without an id provider.
	ErrMissingIDProvider = errors.New("queue: id provider is required")
	// ErrNotFound indicates the referenced action does not exist.
	ErrNotFound = errors.New("queue: action not found")
	// ErrInvalidOperation indicates an enqueue request carried an unknown operation.
	ErrInvalidOperation = errors.New("queue: invalid operation")
)

// Action is one durable queued mutation.
type Action struct {
	ID                 string    `gorm:"column:action_id;primaryKey;size:190;not null"`
	Seq                int64     `gorm:"column:seq;not null;uniqueIndex"`
	EntityType         string    `gorm:"column:entity_type;size:64;not null;index:idx_actions_entity,priority:1"`
	EntityID           string    `gorm:"column:entity_id;size:190;not null;default:'';index:idx_actions_entity,priority:2"`
	Operation          Operation `gorm:"column:op;size:16;not null"`
	PayloadJSON        string    `gorm:"column:payload_json;type:text;not null;default:''"`
	Priority           Priority  `gorm:"column:priority;not null;default:1"`
	CreatedAtSeconds   int64     `gorm:"column:created_at_s;not null"`
	ScheduledAtSeconds int64     `gorm:"column:scheduled_at_s;not null;default:0"`
	RetryCount         int       `gorm:"column:retry_count;not null;default:0"`
	MaxRetries         int       `gorm:"column:max_retries;not null"`
	Status             Status    `gorm:"column:status;size:16;not null;index"`
	LastError          string    `gorm:"column:last_error;type:text;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (Action) TableName() string {
	return "offline_actions"
}

// DeadLetter is a queued action that exhausted its retry budget or was
// rejected as invalid by the server. Requires explicit requeue to resume.
type DeadLetter struct {
	ID               string    `gorm:"column:action_id;primaryKey;size:190;not null"`
	Seq              int64     `gorm:"column:seq;not null"`
	EntityType       string    `gorm:"column:entity_type;size:64;not null"`
	EntityID         string    `gorm:"column:entity_id;size:190;not null;default:''"`
	Operation        Operation `gorm:"column:op;size:16;not null"`
	PayloadJSON      string    `gorm:"column:payload_json;type:text;not null;default:''"`
	Priority         Priority  `gorm:"column:priority;not null;default:1"`
	CreatedAtSeconds int64     `gorm:"column:created_at_s;not null"`
	RetryCount       int       `gorm:"column:retry_count;not null"`
	MaxRetries       int       `gorm:"column:max_retries;not null"`
	FailedAtSeconds  int64     `gorm:"column:failed_at_s;not null"`
	Reason           string    `gorm:"column:reason;type:text;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (DeadLetter) TableName() string {
	return "offline_actions_dead_letter"
}

// Stats summarizes queue occupancy for health reporting.
type Stats struct {
	Total      int64              `json:"total"`
	Pending    int64              `json:"pending"`
	Processing int64              `json:"processing"`
	Failed     int64              `json:"failed"`
	DeadLetter int64              `json:"dead_letter"`
	ByPriority map[Priority]int64 `json:"by_priority"`
}

// Input describes a mutation to enqueue.
type Input struct {
	EntityType  string
	EntityID    string
	Operation   Operation
	PayloadJSON string
	Priority    Priority
	MaxRetries  int
	ScheduledAt time.Time
}

// IDProvider issues identifiers for queued actions.
type IDProvider interface {
	NewID() (string, error)
}

// Config carries queue construction dependencies.
type Config struct {
	Database          *gorm.DB
	IDProvider        IDProvider
	Clock             func() time.Time
	Logger            *zap.Logger
	DefaultMaxRetries int
}

// Queue is the durable offline action queue. All access is serialized through
// a single mutex so the background scheduler and callers never observe or
// produce torn read-modify-write cycles.
type Queue struct {
	mu                sync.Mutex
	db                *gorm.DB
	idProvider        IDProvider
	clock             func() time.Time
	logger            *zap.Logger
	defaultMaxRetries int
	paused            bool
	nextSeq           int64
}

// New constructs the queue and primes the sequence counter from storage.
func New(cfg Config) (*Queue, error) {
	if cfg.Database == nil {
		return nil, ErrMissingDatabase
	}
	if cfg.IDProvider == nil {
		return nil, ErrMissingIDProvider
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxRetries := cfg.DefaultMaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	queue := &Queue{
		db:                cfg.Database,
		idProvider:        cfg.IDProvider,
		clock:             clock,
		logger:            logger,
		defaultMaxRetries: maxRetries,
	}

	var maxSeq struct{ Seq int64 }
	row := cfg.Database.Model(&Action{}).Select("COALESCE(MAX(seq), 0) AS seq").Scan(&maxSeq)
	if row.Error != nil {
		return nil, fmt.Errorf("queue: prime sequence: %w", row.Error)
	}
	var maxDeadSeq struct{ Seq int64 }
	row = cfg.Database.Model(&DeadLetter{}).Select("COALESCE(MAX(seq), 0) AS seq").Scan(&maxDeadSeq)
	if row.Error != nil {
		return nil, fmt.Errorf("queue: prime sequence: %w", row.Error)
	}
	queue.nextSeq = maxSeq.Seq
	if maxDeadSeq.Seq > queue.nextSeq {
		queue.nextSeq = maxDeadSeq.Seq
	}

	// A claim acknowledged by Complete or Fail never survives in storage, so
	// any processing row belongs to a process that died mid-flight. Release
	// them for replay; a stuck claim would also block its entity's whole
	// creation-order band.
	recovered := cfg.Database.Model(&Action{}).
		Where("status = ?", StatusProcessing).
		Update("status", StatusPending)
	if recovered.Error != nil {
		return nil, fmt.Errorf("queue: recover claimed actions: %w", recovered.Error)
	}
	if recovered.RowsAffected > 0 {
		logger.Info("released in-flight actions from a previous run",
			zap.Int64("count", recovered.RowsAffected))
	}

	return queue, nil
}

// Enqueue records a local mutation and returns the assigned action id.
func (q *Queue) Enqueue(ctx context.Context, input Input) (string, error) {
	switch input.Operation {
	case OperationCreate, OperationUpdate, OperationDelete:
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidOperation, input.Operation)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	actionID, err := q.idProvider.NewID()
	if err != nil {
		return "", fmt.Errorf("queue: id generation: %w", err)
	}

	maxRetries := input.MaxRetries
	if maxRetries <= 0 {
		maxRetries = q.defaultMaxRetries
	}
	scheduledAt := int64(0)
	if !input.ScheduledAt.IsZero() {
		scheduledAt = input.ScheduledAt.UTC().Unix()
	}

	q.nextSeq++
	action := Action{
		ID:                 actionID,
		Seq:                q.nextSeq,
		EntityType:         input.EntityType,
		EntityID:           input.EntityID,
		Operation:          input.Operation,
		PayloadJSON:        input.PayloadJSON,
		Priority:           input.Priority,
		CreatedAtSeconds:   q.clock().UTC().Unix(),
		ScheduledAtSeconds: scheduledAt,
		MaxRetries:         maxRetries,
		Status:             StatusPending,
	}
	if err := q.db.WithContext(ctx).Create(&action).Error; err != nil {
		q.nextSeq--
		return "", fmt.Errorf("queue: enqueue: %w", err)
	}

	q.logger.Debug("action enqueued",
		zap.String("action_id", actionID),
		zap.String("entity_type", input.EntityType),
		zap.String("entity_id", input.EntityID),
		zap.String("operation", string(input.Operation)))
	return actionID, nil
}

// Dequeue claims the next due action and marks it processing. A false second
// return means no action is currently due (or the queue is paused).
func (q *Queue) Dequeue(ctx context.Context) (Action, bool, error) {
	return q.dequeueWhere(ctx, "", "")
}

// DequeueForType behaves like Dequeue restricted to one entity type.
func (q *Queue) DequeueForType(ctx context.Context, entityType string) (Action, bool, error) {
	return q.dequeueWhere(ctx, "entity_type = ?", entityType)
}

func (q *Queue) dequeueWhere(ctx context.Context, condition string, arg any) (Action, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.paused {
		return Action{}, false, nil
	}

	now := q.clock().UTC().Unix()
	query := q.db.WithContext(ctx).
		Where("status = ? AND scheduled_at_s <= ?", StatusPending, now)
	if condition != "" {
		query = query.Where(condition, arg)
	}
	var candidates []Action
	if err := query.Order("seq ASC").Find(&candidates).Error; err != nil {
		return Action{}, false, fmt.Errorf("queue: dequeue: %w", err)
	}
	if len(candidates) == 0 {
		return Action{}, false, nil
	}

	// Entity gate: a candidate is eligible only when no older action for the
	// same entity is still outstanding. Priority never reorders actions for
	// one entity, otherwise a delete could overtake the update before it.
	blocked, err := q.blockedEntities(ctx, candidates)
	if err != nil {
		return Action{}, false, err
	}

	var chosen *Action
	for i := range candidates {
		candidate := &candidates[i]
		if candidate.EntityID != "" {
			key := candidate.EntityType + "\x00" + candidate.EntityID
			if minSeq, ok := blocked[key]; ok && minSeq < candidate.Seq {
				continue
			}
		}
		if chosen == nil || candidate.Priority > chosen.Priority {
			chosen = candidate
		}
	}
	if chosen == nil {
		return Action{}, false, nil
	}

	result := q.db.WithContext(ctx).Model(&Action{}).
		Where("action_id = ? AND status = ?", chosen.ID, StatusPending).
		Update("status", StatusProcessing)
	if result.Error != nil {
		return Action{}, false, fmt.Errorf("queue: claim: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return Action{}, false, nil
	}
	chosen.Status = StatusProcessing
	return *chosen, true, nil
}

// blockedEntities maps each entity with outstanding work to the sequence of
// its oldest non-terminal action, whether or not that action is due yet.
func (q *Queue) blockedEntities(ctx context.Context, candidates []Action) (map[string]int64, error) {
	type entityMin struct {
		EntityType string
		EntityID   string
		MinSeq     int64
	}
	var mins []entityMin
	err := q.db.WithContext(ctx).Model(&Action{}).
		Select("entity_type, entity_id, MIN(seq) AS min_seq").
		Where("status IN ? AND entity_id <> ''", []Status{StatusPending, StatusProcessing}).
		Group("entity_type, entity_id").
		Scan(&mins).Error
	if err != nil {
		return nil, fmt.Errorf("queue: entity gate: %w", err)
	}
	blocked := make(map[string]int64, len(mins))
	for _, m := range mins {
		blocked[m.EntityType+"\x00"+m.EntityID] = m.MinSeq
	}
	return blocked, nil
}

// Complete acknowledges a successful send and removes the action.
func (q *Queue) Complete(ctx context.Context, actionID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	result := q.db.WithContext(ctx).Where("action_id = ?", actionID).Delete(&Action{})
	if result.Error != nil {
		return fmt.Errorf("queue: complete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Fail records a retryable send failure. The action returns to pending with a
// backoff-delayed schedule, or moves to the dead-letter table once retries
// are exhausted. The boolean reports whether the action was dead-lettered.
func (q *Queue) Fail(ctx context.Context, actionID string, cause error) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var action Action
	err := q.db.WithContext(ctx).Where("action_id = ?", actionID).Take(&action).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("queue: fail: %w", err)
	}

	action.RetryCount++
	action.LastError = causeMessage(cause)

	if action.RetryCount > action.MaxRetries {
		if err := q.moveToDeadLetter(ctx, action, action.LastError); err != nil {
			return false, err
		}
		q.logger.Warn("action dead-lettered",
			zap.String("action_id", actionID),
			zap.Int("retry_count", action.RetryCount),
			zap.String("last_error", action.LastError))
		return true, nil
	}

	action.Status = StatusPending
	action.ScheduledAtSeconds = q.clock().UTC().Unix() + retryBackoffSeconds(action.RetryCount)
	if err := q.db.WithContext(ctx).Save(&action).Error; err != nil {
		return false, fmt.Errorf("queue: fail: %w", err)
	}
	return false, nil
}

// FailPermanent dead-letters an action without consuming its retry budget.
// Used for server validation rejections, which retrying cannot fix.
func (q *Queue) FailPermanent(ctx context.Context, actionID string, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	var action Action
	err := q.db.WithContext(ctx).Where("action_id = ?", actionID).Take(&action).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("queue: fail permanent: %w", err)
	}
	if err := q.moveToDeadLetter(ctx, action, causeMessage(cause)); err != nil {
		return err
	}
	q.logger.Warn("action rejected as invalid",
		zap.String("action_id", actionID),
		zap.String("entity_type", action.EntityType),
		zap.String("reason", causeMessage(cause)))
	return nil
}

func (q *Queue) moveToDeadLetter(ctx context.Context, action Action, reason string) error {
	dead := DeadLetter{
		ID:               action.ID,
		Seq:              action.Seq,
		EntityType:       action.EntityType,
		EntityID:         action.EntityID,
		Operation:        action.Operation,
		PayloadJSON:      action.PayloadJSON,
		Priority:         action.Priority,
		CreatedAtSeconds: action.CreatedAtSeconds,
		RetryCount:       action.RetryCount,
		MaxRetries:       action.MaxRetries,
		FailedAtSeconds:  q.clock().UTC().Unix(),
		Reason:           reason,
	}
	return q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("action_id = ?", action.ID).Delete(&Action{}).Error; err != nil {
			return fmt.Errorf("queue: dead-letter: %w", err)
		}
		if err := tx.Create(&dead).Error; err != nil {
			return fmt.Errorf("queue: dead-letter: %w", err)
		}
		return nil
	})
}

// Cancel removes a pending action that should never be sent.
func (q *Queue) Cancel(ctx context.Context, actionID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	result := q.db.WithContext(ctx).
		Where("action_id = ? AND status = ?", actionID, StatusPending).
		Delete(&Action{})
	if result.Error != nil {
		return fmt.Errorf("queue: cancel: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Remove deletes an action regardless of state. Returns false when absent.
func (q *Queue) Remove(ctx context.Context, actionID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	result := q.db.WithContext(ctx).Where("action_id = ?", actionID).Delete(&Action{})
	if result.Error != nil {
		return false, fmt.Errorf("queue: remove: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// ListPending returns pending actions in replay order, optionally filtered by
// priority. A limit of zero or less returns everything.
func (q *Queue) ListPending(ctx context.Context, priority *Priority, limit int) ([]Action, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	query := q.db.WithContext(ctx).Where("status = ?", StatusPending)
	if priority != nil {
		query = query.Where("priority = ?", *priority)
	}
	query = query.Order("seq ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var actions []Action
	if err := query.Find(&actions).Error; err != nil {
		return nil, fmt.Errorf("queue: list pending: %w", err)
	}
	return actions, nil
}

// HasPendingForEntity reports whether any non-terminal action exists for the
// entity, and whether one of them is a create. The sync engine uses this to
// tell locally diverged entities from clean mirrors during a pull.
func (q *Queue) HasPendingForEntity(ctx context.Context, entityType, entityID string) (pending bool, created bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var actions []Action
	dbErr := q.db.WithContext(ctx).
		Where("entity_type = ? AND entity_id = ? AND status IN ?",
			entityType, entityID, []Status{StatusPending, StatusProcessing}).
		Find(&actions).Error
	if dbErr != nil {
		return false, false, fmt.Errorf("queue: pending for entity: %w", dbErr)
	}
	for _, action := range actions {
		pending = true
		if action.Operation == OperationCreate {
			created = true
		}
	}
	return pending, created, nil
}

// ReassignEntity rewrites the entity id on outstanding actions after the
// server assigned a locally created entity its permanent identifier.
func (q *Queue) ReassignEntity(ctx context.Context, entityType, oldID, newID string) error {
	if oldID == "" || oldID == newID {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	err := q.db.WithContext(ctx).Model(&Action{}).
		Where("entity_type = ? AND entity_id = ?", entityType, oldID).
		Update("entity_id", newID).Error
	if err != nil {
		return fmt.Errorf("queue: reassign entity: %w", err)
	}
	return nil
}

// Stats returns queue occupancy counters.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := Stats{ByPriority: make(map[Priority]int64)}

	type statusCount struct {
		Status Status
		N      int64
	}
	var byStatus []statusCount
	err := q.db.WithContext(ctx).Model(&Action{}).
		Select("status, COUNT(*) AS n").
		Group("status").
		Scan(&byStatus).Error
	if err != nil {
		return Stats{}, fmt.Errorf("queue: stats: %w", err)
	}
	for _, row := range byStatus {
		stats.Total += row.N
		switch row.Status {
		case StatusPending:
			stats.Pending = row.N
		case StatusProcessing:
			stats.Processing = row.N
		case StatusFailed:
			stats.Failed = row.N
		}
	}

	type priorityCount struct {
		Priority Priority
		N        int64
	}
	var byPriority []priorityCount
	err = q.db.WithContext(ctx).Model(&Action{}).
		Select("priority, COUNT(*) AS n").
		Group("priority").
		Scan(&byPriority).Error
	if err != nil {
		return Stats{}, fmt.Errorf("queue: stats: %w", err)
	}
	for _, row := range byPriority {
		stats.ByPriority[row.Priority] = row.N
	}

	var deadCount int64
	if err := q.db.WithContext(ctx).Model(&DeadLetter{}).Count(&deadCount).Error; err != nil {
		return Stats{}, fmt.Errorf("queue: stats: %w", err)
	}
	stats.DeadLetter = deadCount

	return stats, nil
}

// Pause stops Dequeue from yielding actions without discarding anything.
func (q *Queue) Pause() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = true
}

// Resume re-enables dequeueing.
func (q *Queue) Resume() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = false
}

// IsPaused reports whether the queue is paused.
func (q *Queue) IsPaused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}

// DeadLetters lists dead-lettered actions, newest failure first.
func (q *Queue) DeadLetters(ctx context.Context) ([]DeadLetter, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var dead []DeadLetter
	err := q.db.WithContext(ctx).Order("failed_at_s DESC, seq ASC").Find(&dead).Error
	if err != nil {
		return nil, fmt.Errorf("queue: dead letters: %w", err)
	}
	return dead, nil
}

// RequeueDeadLetter returns a dead-lettered action to the pending queue with
// its retry count reset to zero.
func (q *Queue) RequeueDeadLetter(ctx context.Context, actionID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	var dead DeadLetter
	err := q.db.WithContext(ctx).Where("action_id = ?", actionID).Take(&dead).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("queue: requeue: %w", err)
	}

	action := Action{
		ID:               dead.ID,
		Seq:              dead.Seq,
		EntityType:       dead.EntityType,
		EntityID:         dead.EntityID,
		Operation:        dead.Operation,
		PayloadJSON:      dead.PayloadJSON,
		Priority:         dead.Priority,
		CreatedAtSeconds: dead.CreatedAtSeconds,
		MaxRetries:       dead.MaxRetries,
		Status:           StatusPending,
	}
	return q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("action_id = ?", actionID).Delete(&DeadLetter{}).Error; err != nil {
			return fmt.Errorf("queue: requeue: %w", err)
		}
		if err := tx.Create(&action).Error; err != nil {
			return fmt.Errorf("queue: requeue: %w", err)
		}
		return nil
	})
}

// ClearDeadLetters discards every dead-lettered action.
func (q *Queue) ClearDeadLetters(ctx context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	result := q.db.WithContext(ctx).Where("1 = 1").Delete(&DeadLetter{})
	if result.Error != nil {
		return 0, fmt.Errorf("queue: clear dead letters: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// retryBackoffSeconds doubles per attempt from one minute, capped at an hour.
func retryBackoffSeconds(retryCount int) int64 {
	if retryCount < 1 {
		retryCount = 1
	}
	if retryCount > 6 {
		retryCount = 6
	}
	backoff := int64(60) << uint(retryCount-1)
	if backoff > 3600 {
		backoff = 3600
	}
	return backoff
}

func causeMessage(cause error) string {
	if cause == nil {
		return ""
	}
	return cause.Error()
}
