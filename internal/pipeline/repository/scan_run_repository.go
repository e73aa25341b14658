package repository

import (
	"context"
	"errors"
	"time"

	"mailpipe-backend/internal/pipeline/domain"

	"gorm.io/gorm"
)

type scanRunRepository struct {
	db *gorm.DB
}

func NewScanRunRepository(db *gorm.DB) ScanRunRepository {
	return &scanRunRepository{db: db}
}

func (r *scanRunRepository) CreateIfNoneActive(ctx context.Context, run *domain.ScanRun) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var active int64
		if err := tx.Model(&domain.ScanRun{}).
			Where("user_id = ? AND feature = ? AND state IN ?", run.UserID, run.Feature, domain.ActiveStates).
			Count(&active).Error; err != nil {
			return err
		}
		if active > 0 {
			return domain.ErrRunInFlight
		}
		return tx.Create(run).Error
	})
	// the partial unique index catches the race the count cannot
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return domain.ErrRunInFlight
	}
	return err
}

func (r *scanRunRepository) Update(ctx context.Context, run *domain.ScanRun) error {
	res := r.db.WithContext(ctx).Model(&domain.ScanRun{}).
		Where("id = ? AND state IN ?", run.ID, domain.ActiveStates).
		Updates(map[string]interface{}{
			"state":           run.State,
			"started_at":      run.StartedAt,
			"completed_at":    run.CompletedAt,
			"failure_reason":  run.FailureReason,
			"candidates":      run.Candidates,
			"succeeded":       run.Succeeded,
			"errored":         run.Errored,
			"unprocessed":     run.Unprocessed,
			"skipped":         run.Skipped,
			"extracted":       run.Extracted,
			"below_threshold": run.BelowThreshold,
			"persisted":       run.Persisted,
			"overwritten":     run.Overwritten,
			"unchanged":       run.Unchanged,
			"updated_at":      run.UpdatedAt,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrRunFinalized
	}
	return nil
}

func (r *scanRunRepository) FindByID(ctx context.Context, id string) (*domain.ScanRun, error) {
	return r.first(r.db.WithContext(ctx).Where("id = ?", id))
}

func (r *scanRunRepository) FindActive(ctx context.Context, userID string, feature domain.Feature) (*domain.ScanRun, error) {
	return r.first(r.db.WithContext(ctx).
		Where("user_id = ? AND feature = ? AND state IN ?", userID, feature, domain.ActiveStates))
}

func (r *scanRunRepository) LatestTerminal(ctx context.Context, userID string, feature domain.Feature, states []domain.RunState) (*domain.ScanRun, error) {
	if len(states) == 0 {
		states = domain.TerminalStates
	}
	return r.first(r.db.WithContext(ctx).
		Where("user_id = ? AND feature = ? AND state IN ?", userID, feature, states).
		Order("completed_at DESC"))
}

func (r *scanRunRepository) ListByUser(ctx context.Context, userID string, feature domain.Feature, limit int) ([]*domain.ScanRun, error) {
	query := r.db.WithContext(ctx).Where("user_id = ?", userID)
	if feature != "" {
		query = query.Where("feature = ?", feature)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}

	var runs []*domain.ScanRun
	err := query.Order("created_at DESC").Find(&runs).Error
	return runs, err
}

func (r *scanRunRepository) FailAbandoned(ctx context.Context, cutoff, now time.Time) (int64, error) {
	now = now.UTC()
	res := r.db.WithContext(ctx).Model(&domain.ScanRun{}).
		Where("state IN ? AND created_at < ?", domain.ActiveStates, cutoff.UTC()).
		Updates(map[string]interface{}{
			"state":          domain.RunFailed,
			"failure_reason": "abandoned",
			"completed_at":   now,
			"updated_at":     now,
		})
	return res.RowsAffected, res.Error
}

func (r *scanRunRepository) ListUnnotified(ctx context.Context, since, until time.Time, limit int) ([]*domain.ScanRun, error) {
	query := r.db.WithContext(ctx).Model(&domain.ScanRun{}).
		Select("scan_runs.*").
		Joins("LEFT JOIN run_notifications ON run_notifications.scan_run_id = scan_runs.id").
		Where("run_notifications.scan_run_id IS NULL").
		Where("scan_runs.state IN ?", domain.ProcessedStates).
		Where("scan_runs.completed_at >= ? AND scan_runs.completed_at < ?", since.UTC(), until.UTC()).
		Order("scan_runs.completed_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var runs []*domain.ScanRun
	err := query.Find(&runs).Error
	return runs, err
}

func (r *scanRunRepository) first(query *gorm.DB) (*domain.ScanRun, error) {
	var run domain.ScanRun
	if err := query.First(&run).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &run, nil
}
