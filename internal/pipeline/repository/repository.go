package repository

import (
	"context"
	"time"

	"mailpipe-backend/internal/pipeline/domain"
)

// ConfigRepository reads pipeline configs. Configs are owned by the
// settings collaborator; Save exists for it and for tests.
type ConfigRepository interface {
	// ListEnabled returns every enabled config, ordered by user and feature
	ListEnabled(ctx context.Context) ([]*domain.UserPipelineConfig, error)

	// ListEnabledByUser returns the enabled configs of one user
	ListEnabledByUser(ctx context.Context, userID string) ([]*domain.UserPipelineConfig, error)

	// FindByUserFeature returns nil when no config exists
	FindByUserFeature(ctx context.Context, userID string, feature domain.Feature) (*domain.UserPipelineConfig, error)

	// Save validates and upserts on (user_id, feature)
	Save(ctx context.Context, cfg *domain.UserPipelineConfig) error
}

// ScanRunRepository persists the run state machine.
type ScanRunRepository interface {
	// CreateIfNoneActive inserts run unless another Scheduled or Running run
	// exists for the same user and feature, in which case it returns
	// domain.ErrRunInFlight.
	CreateIfNoneActive(ctx context.Context, run *domain.ScanRun) error

	// Update writes state, timestamps and counts of a run that is still
	// active in storage. A run that is already terminal is left untouched
	// and domain.ErrRunFinalized is returned.
	Update(ctx context.Context, run *domain.ScanRun) error

	// FindByID returns nil when the run does not exist
	FindByID(ctx context.Context, id string) (*domain.ScanRun, error)

	// FindActive returns the in-flight run for user and feature or nil
	FindActive(ctx context.Context, userID string, feature domain.Feature) (*domain.ScanRun, error)

	// LatestTerminal returns the most recently completed run in one of states or nil
	LatestTerminal(ctx context.Context, userID string, feature domain.Feature, states []domain.RunState) (*domain.ScanRun, error)

	// ListByUser returns recent runs newest first. An empty feature means all.
	ListByUser(ctx context.Context, userID string, feature domain.Feature, limit int) ([]*domain.ScanRun, error)

	// FailAbandoned fails active runs created before cutoff and returns how
	// many were changed.
	FailAbandoned(ctx context.Context, cutoff, now time.Time) (int64, error)

	// ListUnnotified returns processed runs completed within [since, until)
	// that have no notification marker, oldest first.
	ListUnnotified(ctx context.Context, since, until time.Time, limit int) ([]*domain.ScanRun, error)
}

// EntryRepository stores extracted entries keyed by (user_id, dedup_key).
type EntryRepository interface {
	// Upsert inserts entry or resolves the conflict with the stored row.
	// On overwrite entry is updated in place with the stored id and the new
	// revision.
	Upsert(ctx context.Context, entry *domain.ExtractedEntry) (domain.UpsertOutcome, error)

	// Query returns entries whose source message arrived within
	// [start, end], newest first.
	Query(ctx context.Context, userID string, start, end time.Time, filter domain.EntryFilter) ([]*domain.ExtractedEntry, error)

	ListByRun(ctx context.Context, runID string) ([]*domain.ExtractedEntry, error)

	ListRevisions(ctx context.Context, entryID string) ([]*domain.EntryRevision, error)
}

// NotificationRepository stores the per-run notified marker.
type NotificationRepository interface {
	IsNotified(ctx context.Context, runID string) (bool, error)

	// MarkNotified is idempotent; the first marker wins
	MarkNotified(ctx context.Context, n *domain.RunNotification) error
}
