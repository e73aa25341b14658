package repository

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"mailpipe-backend/internal/pipeline/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// errStaleRevision rolls back an overwrite that lost a race.
var errStaleRevision = errors.New("entry revision changed")

const maxOverwriteAttempts = 2

type entryRepository struct {
	db *gorm.DB
}

func NewEntryRepository(db *gorm.DB) EntryRepository {
	return &entryRepository{db: db}
}

func (r *entryRepository) Upsert(ctx context.Context, entry *domain.ExtractedEntry) (domain.UpsertOutcome, error) {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Revision == 0 {
		entry.Revision = 1
	}

	db := r.db.WithContext(ctx)
	res := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "dedup_key"}},
		DoNothing: true,
	}).Create(entry)
	if res.Error != nil {
		return "", res.Error
	}
	if res.RowsAffected == 1 {
		return domain.UpsertInserted, nil
	}

	// a lost race is re-read once; the winner may still be superseded
	for attempt := 1; ; attempt++ {
		var existing domain.ExtractedEntry
		if err := db.Where("user_id = ? AND dedup_key = ?", entry.UserID, entry.DedupKey).First(&existing).Error; err != nil {
			return "", err
		}
		if !supersedes(entry, &existing) {
			return domain.UpsertUnchanged, nil
		}

		err := r.overwrite(db, entry, &existing)
		if errors.Is(err, errStaleRevision) {
			if attempt < maxOverwriteAttempts {
				continue
			}
			return "", fmt.Errorf("%w: entry %s changed during overwrite", domain.ErrTransient, existing.ID)
		}
		if err != nil {
			return "", err
		}
		return domain.UpsertOverwritten, nil
	}
}

// overwrite replaces stored with entry and records the replaced value as a
// revision. It fails with errStaleRevision when stored changed meanwhile.
func (r *entryRepository) overwrite(db *gorm.DB, entry, stored *domain.ExtractedEntry) error {
	now := time.Now().UTC()
	err := db.Transaction(func(tx *gorm.DB) error {
		revision := &domain.EntryRevision{
			ID:                 uuid.New().String(),
			EntryID:            stored.ID,
			UserID:             stored.UserID,
			DedupKey:           stored.DedupKey,
			Revision:           stored.Revision,
			ScanRunID:          stored.ScanRunID,
			ReplacedByRunID:    entry.ScanRunID,
			PreviousPayload:    stored.Payload,
			PreviousConfidence: stored.Confidence,
			ReplacedAt:         now,
		}
		if err := tx.Create(revision).Error; err != nil {
			return err
		}

		res := tx.Model(&domain.ExtractedEntry{}).
			Where("id = ? AND revision = ?", stored.ID, stored.Revision).
			Updates(map[string]interface{}{
				"payload":     entry.Payload,
				"confidence":  entry.Confidence,
				"entry_type":  entry.EntryType,
				"scan_run_id": entry.ScanRunID,
				"thread_id":   entry.ThreadID,
				"revision":    stored.Revision + 1,
				"updated_at":  now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errStaleRevision
		}
		return nil
	})
	if err != nil {
		return err
	}

	entry.ID = stored.ID
	entry.Revision = stored.Revision + 1
	entry.CreatedAt = stored.CreatedAt
	entry.UpdatedAt = now
	return nil
}

// supersedes reports whether candidate should replace stored. Higher
// confidence wins; on a tie the newer rendering wins only if it differs.
func supersedes(candidate, stored *domain.ExtractedEntry) bool {
	switch {
	case candidate.Confidence > stored.Confidence:
		return true
	case candidate.Confidence < stored.Confidence:
		return false
	}
	return !reflect.DeepEqual(roundTrip(candidate.Payload), roundTrip(stored.Payload))
}

// roundTrip gives a payload the shapes a fresh decode would, so numbers
// compare as float64 on both sides.
func roundTrip(p domain.Payload) domain.Payload {
	v, err := p.Value()
	if err != nil {
		return p
	}
	var out domain.Payload
	if err := out.Scan(v); err != nil {
		return p
	}
	return out
}

func (r *entryRepository) Query(ctx context.Context, userID string, start, end time.Time, filter domain.EntryFilter) ([]*domain.ExtractedEntry, error) {
	query := r.db.WithContext(ctx).
		Where("user_id = ? AND message_at >= ? AND message_at <= ?", userID, start.UTC(), end.UTC())
	if filter.Feature != "" {
		query = query.Where("feature = ?", filter.Feature)
	}
	if filter.EntryType != "" {
		query = query.Where("entry_type = ?", filter.EntryType)
	}
	if filter.MinConfidence > 0 {
		query = query.Where("confidence >= ?", filter.MinConfidence)
	}
	if filter.ScanRunID != "" {
		query = query.Where("scan_run_id = ?", filter.ScanRunID)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	var entries []*domain.ExtractedEntry
	err := query.Order("message_at DESC, id").Find(&entries).Error
	return entries, err
}

func (r *entryRepository) ListByRun(ctx context.Context, runID string) ([]*domain.ExtractedEntry, error) {
	var entries []*domain.ExtractedEntry
	err := r.db.WithContext(ctx).
		Where("scan_run_id = ?", runID).
		Order("message_at DESC, id").
		Find(&entries).Error
	return entries, err
}

func (r *entryRepository) ListRevisions(ctx context.Context, entryID string) ([]*domain.EntryRevision, error) {
	var revisions []*domain.EntryRevision
	err := r.db.WithContext(ctx).
		Where("entry_id = ?", entryID).
		Order("revision ASC").
		Find(&revisions).Error
	return revisions, err
}
