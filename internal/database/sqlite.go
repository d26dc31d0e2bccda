package database

import (
	"fmt"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/harborlab/driftsync/internal/checkpoint"
	"github.com/harborlab/driftsync/internal/conflict"
	"github.com/harborlab/driftsync/internal/history"
	"github.com/harborlab/driftsync/internal/queue"
	"github.com/harborlab/driftsync/internal/replica"
)

// OpenSQLite establishes a SQLite connection and performs schema migrations.
// A single connection serializes all writers; the engine's stores rely on
// that for their read-modify-write cycles.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(
		&checkpoint.Record{},
		&replica.Entity{},
		&queue.Action{},
		&queue.DeadLetter{},
		&conflict.Record{},
		&history.Record{},
		&migrationRecord{},
	); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}
