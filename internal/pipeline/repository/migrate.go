package repository

import (
	"fmt"

	"mailpipe-backend/internal/pipeline/domain"

	"gorm.io/gorm"
)

// activeRunIndex enforces at most one Scheduled or Running run per user and
// feature. Both postgres and sqlite support partial unique indexes.
const activeRunIndex = `CREATE UNIQUE INDEX IF NOT EXISTS ux_scan_runs_active
ON scan_runs (user_id, feature) WHERE state IN ('scheduled', 'running')`

// Migrate creates the pipeline tables and indexes.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&domain.UserPipelineConfig{},
		&domain.ScanRun{},
		&domain.ExtractedEntry{},
		&domain.EntryRevision{},
		&domain.RunNotification{},
	); err != nil {
		return fmt.Errorf("failed to migrate pipeline tables: %w", err)
	}
	if err := db.Exec(activeRunIndex).Error; err != nil {
		return fmt.Errorf("failed to create active run index: %w", err)
	}
	return nil
}
