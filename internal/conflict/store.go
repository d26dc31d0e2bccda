package conflict

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

var (
	// ErrMissingDatabase indicates the store was constructed without a database handle.
	ErrMissingDatabase = errors.New("conflict: database handle is required")
	// ErrNotFound indicates the referenced conflict does not exist.
	ErrNotFound = errors.New("conflict: not found")
)

// Store persists conflict records. Pending conflicts form the set surfaced to
// callers; resolved and ignored records remain as an audit trail.
type Store struct {
	db *gorm.DB
}

// NewStore constructs a conflict store over the provided database handle.
func NewStore(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, ErrMissingDatabase
	}
	return &Store{db: db}, nil
}

// Save inserts or updates a conflict record.
func (s *Store) Save(ctx context.Context, record *Record) error {
	if err := s.db.WithContext(ctx).Save(record).Error; err != nil {
		return fmt.Errorf("conflict: save %s: %w", record.ConflictID, err)
	}
	return nil
}

// Get returns one conflict or ErrNotFound.
func (s *Store) Get(ctx context.Context, conflictID string) (Record, error) {
	var record Record
	err := s.db.WithContext(ctx).Where("conflict_id = ?", conflictID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("conflict: get %s: %w", conflictID, err)
	}
	return record, nil
}

// Pending lists conflicts awaiting resolution, oldest first. Failed
// resolutions stay in the pending set for manual intervention.
func (s *Store) Pending(ctx context.Context) ([]Record, error) {
	var records []Record
	err := s.db.WithContext(ctx).
		Where("status IN ?", []Status{StatusPending, StatusResolving, StatusFailed}).
		Order("detected_at_s ASC, conflict_id ASC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("conflict: list pending: %w", err)
	}
	return records, nil
}

// HasPending reports whether the entity currently has a non-terminal
// conflict. Pulls must not overwrite such entities.
func (s *Store) HasPending(ctx context.Context, entityType, entityID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Record{}).
		Where("entity_type = ? AND entity_id = ? AND status IN ?",
			entityType, entityID, []Status{StatusPending, StatusResolving, StatusFailed}).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("conflict: pending check %s/%s: %w", entityType, entityID, err)
	}
	return count > 0, nil
}

// CountPending returns the size of the pending set.
func (s *Store) CountPending(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Record{}).
		Where("status IN ?", []Status{StatusPending, StatusResolving, StatusFailed}).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("conflict: count pending: %w", err)
	}
	return count, nil
}

// List returns conflicts filtered by status; an empty status lists everything.
func (s *Store) List(ctx context.Context, status Status) ([]Record, error) {
	query := s.db.WithContext(ctx).Order("detected_at_s DESC, conflict_id ASC")
	if status != "" {
		query = query.Where("status = ?", status)
	}
	var records []Record
	if err := query.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("conflict: list: %w", err)
	}
	return records, nil
}
