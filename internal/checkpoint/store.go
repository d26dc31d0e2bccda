package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

var (
	// ErrStaleCheckpoint indicates that a compare-and-swap advance observed a
	// checkpoint value different from the expected one.
	ErrStaleCheckpoint = errors.New("checkpoint: stale advance rejected")
	// ErrMissingDatabase indicates the store was constructed without a database handle.
	ErrMissingDatabase = errors.New("checkpoint: database handle is required")
)

// Record persists the last fully synced timestamp for one entity type.
type Record struct {
	EntityType          string `gorm:"column:entity_type;primaryKey;size:64;not null"`
	LastSyncedAtSeconds int64  `gorm:"column:last_synced_at_s;not null;default:0"`
	UpdatedAtSeconds    int64  `gorm:"column:updated_at_s;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "sync_checkpoints"
}

// Store is the durable entity-type to last-synced-timestamp map. Only the
// entity sync engine advances it, and only after a pull fully succeeds.
type Store struct {
	db    *gorm.DB
	clock func() time.Time
}

// NewStore constructs a checkpoint store over the provided database handle.
func NewStore(db *gorm.DB, clock func() time.Time) (*Store, error) {
	if db == nil {
		return nil, ErrMissingDatabase
	}
	if clock == nil {
		clock = time.Now
	}
	return &Store{db: db, clock: clock}, nil
}

// Get returns the last synced timestamp for the entity type. A zero time and
// false are returned when no checkpoint exists yet.
func (s *Store) Get(ctx context.Context, entityType string) (time.Time, bool, error) {
	var record Record
	err := s.db.WithContext(ctx).Where("entity_type = ?", entityType).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("checkpoint: get %s: %w", entityType, err)
	}
	if record.LastSyncedAtSeconds == 0 {
		return time.Time{}, false, nil
	}
	return time.Unix(record.LastSyncedAtSeconds, 0).UTC(), true, nil
}

// Advance moves the checkpoint for entityType to syncedAt, guarded on the
// previously observed value. Writers that lost a race get ErrStaleCheckpoint
// instead of silently clobbering a newer checkpoint.
func (s *Store) Advance(ctx context.Context, entityType string, syncedAt, expectedPrev time.Time) error {
	now := s.clock().UTC().Unix()

	var record Record
	err := s.db.WithContext(ctx).Where("entity_type = ?", entityType).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		if !expectedPrev.IsZero() {
			return ErrStaleCheckpoint
		}
		created := Record{
			EntityType:          entityType,
			LastSyncedAtSeconds: syncedAt.UTC().Unix(),
			UpdatedAtSeconds:    now,
		}
		if err := s.db.WithContext(ctx).Create(&created).Error; err != nil {
			return fmt.Errorf("checkpoint: create %s: %w", entityType, err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("checkpoint: advance %s: %w", entityType, err)
	}

	// A zero expectedPrev means "no checkpoint observed", which Get reports
	// for a stored value of 0, not for time.Time{}.Unix().
	expectedSeconds := int64(0)
	if !expectedPrev.IsZero() {
		expectedSeconds = expectedPrev.UTC().Unix()
	}
	result := s.db.WithContext(ctx).Model(&Record{}).
		Where("entity_type = ? AND last_synced_at_s = ?", entityType, expectedSeconds).
		Updates(map[string]any{
			"last_synced_at_s": syncedAt.UTC().Unix(),
			"updated_at_s":     now,
		})
	if result.Error != nil {
		return fmt.Errorf("checkpoint: advance %s: %w", entityType, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrStaleCheckpoint
	}
	return nil
}

// Reset removes the checkpoint for the entity type, forcing the next pull to
// request a full resync.
func (s *Store) Reset(ctx context.Context, entityType string) error {
	err := s.db.WithContext(ctx).Where("entity_type = ?", entityType).Delete(&Record{}).Error
	if err != nil {
		return fmt.Errorf("checkpoint: reset %s: %w", entityType, err)
	}
	return nil
}

// All returns every stored checkpoint keyed by entity type.
func (s *Store) All(ctx context.Context) (map[string]time.Time, error) {
	var records []Record
	if err := s.db.WithContext(ctx).Find(&records).Error; err != nil {
		return nil, fmt.Errorf("checkpoint: list: %w", err)
	}
	checkpoints := make(map[string]time.Time, len(records))
	for _, record := range records {
		if record.LastSyncedAtSeconds == 0 {
			continue
		}
		checkpoints[record.EntityType] = time.Unix(record.LastSyncedAtSeconds, 0).UTC()
	}
	return checkpoints, nil
}
