package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/harborlab/driftsync/internal/replica"
)

const migrationBackfillReplicaChecksums = "2026-08-12_backfill_replica_checksums"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillReplicaChecksums, apply: backfillReplicaChecksums},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// backfillReplicaChecksums recomputes checksums for rows written before the
// checksum column existed.
func backfillReplicaChecksums(db *gorm.DB) error {
	var entities []replica.Entity
	if err := db.Where("checksum = ''").Find(&entities).Error; err != nil {
		return err
	}
	for _, entity := range entities {
		err := db.Model(&replica.Entity{}).
			Where("entity_type = ? AND entity_id = ?", entity.EntityType, entity.EntityID).
			Update("checksum", replica.Checksum(entity.PayloadJSON)).Error
		if err != nil {
			return err
		}
	}
	return nil
}
