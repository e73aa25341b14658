package repository

import (
	"context"
	"time"

	"mailpipe-backend/internal/pipeline/domain"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type notificationRepository struct {
	db *gorm.DB
}

func NewNotificationRepository(db *gorm.DB) NotificationRepository {
	return &notificationRepository{db: db}
}

func (r *notificationRepository) IsNotified(ctx context.Context, runID string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&domain.RunNotification{}).
		Where("scan_run_id = ?", runID).
		Count(&count).Error
	return count > 0, err
}

func (r *notificationRepository) MarkNotified(ctx context.Context, n *domain.RunNotification) error {
	if n.NotifiedAt.IsZero() {
		n.NotifiedAt = time.Now().UTC()
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(n).Error
}
