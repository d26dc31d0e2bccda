// Package history keeps a bounded log of completed sync runs.
package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

var (
	// ErrMissingDatabase indicates the store was constructed without a database handle.
	ErrMissingDatabase = errors.New("history: database handle is required")
	// ErrMissingIDProvider indicates the store was constructed without an id provider.
	ErrMissingIDProvider = errors.New("history: id provider is required")
)

// Record summarizes one completed sync run.
type Record struct {
	RunID              string `gorm:"column:run_id;primaryKey;size:190;not null"`
	StartedAtSeconds   int64  `gorm:"column:started_at_s;not null;index"`
	DurationMillis     int64  `gorm:"column:duration_ms;not null"`
	Success            bool   `gorm:"column:success;not null"`
	Forced             bool   `gorm:"column:forced;not null;default:false"`
	EntitiesProcessed  int    `gorm:"column:entities_processed;not null;default:0"`
	EntitiesCreated    int    `gorm:"column:entities_created;not null;default:0"`
	EntitiesUpdated    int    `gorm:"column:entities_updated;not null;default:0"`
	EntitiesDeleted    int    `gorm:"column:entities_deleted;not null;default:0"`
	EntitiesConflicted int    `gorm:"column:entities_conflicted;not null;default:0"`
	ActionsPushed      int    `gorm:"column:actions_pushed;not null;default:0"`
	ItemsFailed        int    `gorm:"column:items_failed;not null;default:0"`
	ErrorMessage       string `gorm:"column:error_message;type:text;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "sync_history"
}

// IDProvider issues identifiers for history records.
type IDProvider interface {
	NewID() (string, error)
}

// Store appends run records and prunes the log to a fixed retention.
type Store struct {
	db         *gorm.DB
	idProvider IDProvider
	retention  int
}

// NewStore constructs a history store retaining the most recent `retention` runs.
func NewStore(db *gorm.DB, idProvider IDProvider, retention int) (*Store, error) {
	if db == nil {
		return nil, ErrMissingDatabase
	}
	if idProvider == nil {
		return nil, ErrMissingIDProvider
	}
	if retention <= 0 {
		retention = 50
	}
	return &Store{db: db, idProvider: idProvider, retention: retention}, nil
}

// Append persists a run record and prunes entries beyond the retention bound.
func (s *Store) Append(ctx context.Context, record Record) (string, error) {
	runID, err := s.idProvider.NewID()
	if err != nil {
		return "", fmt.Errorf("history: id generation: %w", err)
	}
	record.RunID = runID
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		return "", fmt.Errorf("history: append: %w", err)
	}
	if err := s.prune(ctx); err != nil {
		return "", err
	}
	return runID, nil
}

func (s *Store) prune(ctx context.Context) error {
	var keep []string
	err := s.db.WithContext(ctx).Model(&Record{}).
		Select("run_id").
		Order("started_at_s DESC, run_id DESC").
		Limit(s.retention).
		Scan(&keep).Error
	if err != nil {
		return fmt.Errorf("history: prune: %w", err)
	}
	if len(keep) < s.retention {
		return nil
	}
	err = s.db.WithContext(ctx).Where("run_id NOT IN ?", keep).Delete(&Record{}).Error
	if err != nil {
		return fmt.Errorf("history: prune: %w", err)
	}
	return nil
}

// List returns the retained runs, most recent first.
func (s *Store) List(ctx context.Context) ([]Record, error) {
	var records []Record
	err := s.db.WithContext(ctx).
		Order("started_at_s DESC, run_id DESC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("history: list: %w", err)
	}
	return records, nil
}

// LastSuccess returns the start time of the most recent successful run.
func (s *Store) LastSuccess(ctx context.Context) (time.Time, bool, error) {
	var record Record
	err := s.db.WithContext(ctx).
		Where("success = ?", true).
		Order("started_at_s DESC, run_id DESC").
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("history: last success: %w", err)
	}
	return time.Unix(record.StartedAtSeconds, 0).UTC(), true, nil
}

// ConsecutiveFailures counts failed runs since the last success.
func (s *Store) ConsecutiveFailures(ctx context.Context) (int, error) {
	var records []Record
	err := s.db.WithContext(ctx).
		Order("started_at_s DESC, run_id DESC").
		Find(&records).Error
	if err != nil {
		return 0, fmt.Errorf("history: consecutive failures: %w", err)
	}
	failures := 0
	for _, record := range records {
		if record.Success {
			break
		}
		failures++
	}
	return failures, nil
}
