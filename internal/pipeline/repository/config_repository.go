package repository

import (
	"context"
	"errors"
	"time"

	"mailpipe-backend/internal/pipeline/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type configRepository struct {
	db *gorm.DB
}

func NewConfigRepository(db *gorm.DB) ConfigRepository {
	return &configRepository{db: db}
}

func (r *configRepository) ListEnabled(ctx context.Context) ([]*domain.UserPipelineConfig, error) {
	var configs []*domain.UserPipelineConfig
	err := r.db.WithContext(ctx).
		Where("enabled = ?", true).
		Order("user_id, feature").
		Find(&configs).Error
	return configs, err
}

func (r *configRepository) ListEnabledByUser(ctx context.Context, userID string) ([]*domain.UserPipelineConfig, error) {
	var configs []*domain.UserPipelineConfig
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND enabled = ?", userID, true).
		Order("feature").
		Find(&configs).Error
	return configs, err
}

func (r *configRepository) FindByUserFeature(ctx context.Context, userID string, feature domain.Feature) (*domain.UserPipelineConfig, error) {
	var cfg domain.UserPipelineConfig
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND feature = ?", userID, feature).
		First(&cfg).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &cfg, nil
}

func (r *configRepository) Save(ctx context.Context, cfg *domain.UserPipelineConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	existing, err := r.FindByUserFeature(ctx, cfg.UserID, cfg.Feature)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	switch {
	case existing != nil:
		cfg.ID = existing.ID
		cfg.CreatedAt = existing.CreatedAt
	case cfg.ID == "":
		cfg.ID = uuid.New().String()
	}
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = now
	}
	cfg.UpdatedAt = now

	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}, {Name: "feature"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"enabled", "scan_window_hours", "interval_minutes", "daily_at",
			"min_confidence", "max_candidates", "updated_at",
		}),
	}).Create(cfg).Error
}
