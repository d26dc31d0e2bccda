package database

import (
	"fmt"
	"testing"
	"time"

	"github.com/harborlab/driftsync/internal/replica"
)

func memoryDSN(t *testing.T) string {
	t.Helper()
	return fmt.Sprintf("file:database_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
}

func TestOpenSQLiteMigratesSchema(t *testing.T) {
	db, err := OpenSQLite(memoryDSN(t), nil)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}

	for _, table := range []string{
		"sync_checkpoints", "replica_entities", "offline_actions",
		"offline_actions_dead_letter", "sync_conflicts", "sync_history", "db_migrations",
	} {
		if !db.Migrator().HasTable(table) {
			t.Fatalf("expected table %s to exist", table)
		}
	}

	var applied int64
	if err := db.Model(&migrationRecord{}).Count(&applied).Error; err != nil {
		t.Fatalf("failed to count migrations: %v", err)
	}
	if applied != 1 {
		t.Fatalf("expected the checksum backfill to be recorded, got %d records", applied)
	}
}

func TestOpenSQLiteRejectsEmptyPath(t *testing.T) {
	if _, err := OpenSQLite("", nil); err == nil {
		t.Fatal("expected an error for an empty path")
	}
}

func TestChecksumBackfillMigration(t *testing.T) {
	dsn := memoryDSN(t)
	db, err := OpenSQLite(dsn, nil)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}

	// Simulate a row written before the checksum column was populated, then
	// clear the migration record so the backfill runs again.
	entity := replica.Entity{
		EntityType:       "projects",
		EntityID:         "proj-1",
		PayloadJSON:      `{"id":"proj-1","name":"Atlas"}`,
		UpdatedAtSeconds: 1700000000,
	}
	if err := db.Create(&entity).Error; err != nil {
		t.Fatalf("failed to seed entity: %v", err)
	}
	if err := db.Where("1 = 1").Delete(&migrationRecord{}).Error; err != nil {
		t.Fatalf("failed to reset migrations: %v", err)
	}

	if err := applyMigrations(db, nil); err != nil {
		t.Fatalf("migrations failed: %v", err)
	}

	var reloaded replica.Entity
	err = db.Where("entity_type = ? AND entity_id = ?", "projects", "proj-1").
		Take(&reloaded).Error
	if err != nil {
		t.Fatalf("failed to reload entity: %v", err)
	}
	if reloaded.Checksum != replica.Checksum(entity.PayloadJSON) {
		t.Fatalf("expected the checksum to be backfilled, got %q", reloaded.Checksum)
	}
}
