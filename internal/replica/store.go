package replica

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

var (
	// ErrMissingDatabase indicates the store was constructed without a database handle.
	ErrMissingDatabase = errors.New("replica: database handle is required")
	// ErrNotFound indicates the requested entity is not present in the local replica.
	ErrNotFound = errors.New("replica: entity not found")
)

// Origin identifies which side of the sync boundary produced a write.
type Origin string

const (
	// OriginLocal marks writes made by the application while (possibly) offline.
	OriginLocal Origin = "local"
	// OriginServer marks writes that mirror acknowledged server state.
	OriginServer Origin = "server"
)

// Entity is one locally replicated record of a remote entity.
type Entity struct {
	EntityType       string `gorm:"column:entity_type;primaryKey;size:64;not null"`
	EntityID         string `gorm:"column:entity_id;primaryKey;size:190;not null"`
	PayloadJSON      string `gorm:"column:payload_json;type:text;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null;index"`
	Dirty            bool   `gorm:"column:dirty;not null;default:false;index"`
	Checksum         string `gorm:"column:checksum;size:64;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (Entity) TableName() string {
	return "replica_entities"
}

// Store owns the local replica table. The sync engine writes server state
// through it and the application records local edits through it; nothing else
// touches the table directly.
type Store struct {
	db    *gorm.DB
	clock func() time.Time
}

// NewStore constructs a replica store over the provided database handle.
func NewStore(db *gorm.DB, clock func() time.Time) (*Store, error) {
	if db == nil {
		return nil, ErrMissingDatabase
	}
	if clock == nil {
		clock = time.Now
	}
	return &Store{db: db, clock: clock}, nil
}

// Checksum computes the hex SHA-256 digest of a payload. Stored on every put
// and recomputed by the integrity validator to detect replica corruption.
func Checksum(payloadJSON string) string {
	digest := sha256.Sum256([]byte(payloadJSON))
	return hex.EncodeToString(digest[:])
}

// Get returns one entity or ErrNotFound.
func (s *Store) Get(ctx context.Context, entityType, entityID string) (Entity, error) {
	var entity Entity
	err := s.db.WithContext(ctx).
		Where("entity_type = ? AND entity_id = ?", entityType, entityID).
		Take(&entity).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Entity{}, ErrNotFound
	}
	if err != nil {
		return Entity{}, fmt.Errorf("replica: get %s/%s: %w", entityType, entityID, err)
	}
	return entity, nil
}

// Put writes an entity. Local-origin writes mark the record dirty so the sync
// engine can tell locally modified entities from clean mirrors; server-origin
// writes clear the flag.
func (s *Store) Put(ctx context.Context, entityType, entityID, payloadJSON string, modifiedAt time.Time, origin Origin) error {
	if modifiedAt.IsZero() {
		modifiedAt = s.clock()
	}
	entity := Entity{
		EntityType:       entityType,
		EntityID:         entityID,
		PayloadJSON:      payloadJSON,
		UpdatedAtSeconds: modifiedAt.UTC().Unix(),
		Dirty:            origin == OriginLocal,
		Checksum:         Checksum(payloadJSON),
	}
	if err := s.db.WithContext(ctx).Save(&entity).Error; err != nil {
		return fmt.Errorf("replica: put %s/%s: %w", entityType, entityID, err)
	}
	return nil
}

// MarkClean clears the dirty flag after the entity's local state has been
// acknowledged by the server.
func (s *Store) MarkClean(ctx context.Context, entityType, entityID string) error {
	err := s.db.WithContext(ctx).Model(&Entity{}).
		Where("entity_type = ? AND entity_id = ?", entityType, entityID).
		Update("dirty", false).Error
	if err != nil {
		return fmt.Errorf("replica: mark clean %s/%s: %w", entityType, entityID, err)
	}
	return nil
}

// Delete removes an entity from the replica. Deleting an absent entity is not
// an error; pulls routinely re-deliver deletions.
func (s *Store) Delete(ctx context.Context, entityType, entityID string) error {
	err := s.db.WithContext(ctx).
		Where("entity_type = ? AND entity_id = ?", entityType, entityID).
		Delete(&Entity{}).Error
	if err != nil {
		return fmt.Errorf("replica: delete %s/%s: %w", entityType, entityID, err)
	}
	return nil
}

// Rekey renames an entity after the server assigned its permanent identifier
// to a locally created record.
func (s *Store) Rekey(ctx context.Context, entityType, oldID, newID string) error {
	if oldID == newID {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var entity Entity
		err := tx.Where("entity_type = ? AND entity_id = ?", entityType, oldID).Take(&entity).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if err := tx.Where("entity_type = ? AND entity_id = ?", entityType, oldID).Delete(&Entity{}).Error; err != nil {
			return err
		}
		entity.EntityID = newID
		entity.PayloadJSON = rewritePayloadID(entity.PayloadJSON, newID)
		entity.Checksum = Checksum(entity.PayloadJSON)
		return tx.Create(&entity).Error
	})
}

// ListType returns all entities of one type ordered by id.
func (s *Store) ListType(ctx context.Context, entityType string) ([]Entity, error) {
	var entities []Entity
	err := s.db.WithContext(ctx).
		Where("entity_type = ?", entityType).
		Order("entity_id ASC").
		Find(&entities).Error
	if err != nil {
		return nil, fmt.Errorf("replica: list %s: %w", entityType, err)
	}
	return entities, nil
}

// All returns the entire replica ordered by type then id.
func (s *Store) All(ctx context.Context) ([]Entity, error) {
	var entities []Entity
	err := s.db.WithContext(ctx).
		Order("entity_type ASC, entity_id ASC").
		Find(&entities).Error
	if err != nil {
		return nil, fmt.Errorf("replica: list all: %w", err)
	}
	return entities, nil
}

// rewritePayloadID replaces the payload's id field when an entity is rekeyed.
// Payloads that fail to decode are left untouched; the integrity validator
// reports them separately.
func rewritePayloadID(payloadJSON, newID string) string {
	var decoded map[string]any
	if err := json.Unmarshal([]byte(payloadJSON), &decoded); err != nil {
		return payloadJSON
	}
	if _, ok := decoded["id"]; !ok {
		return payloadJSON
	}
	decoded["id"] = newID
	encoded, err := json.Marshal(decoded)
	if err != nil {
		return payloadJSON
	}
	return string(encoded)
}
