package domain

import (
	"fmt"
	"time"
)

const (
	DefaultMaxCandidates = 100
	MaxCandidatesCeiling = 500

	// MaxLookback bounds how far a window is pulled back after downtime.
	MaxLookback = 7 * 24 * time.Hour
)

// UserPipelineConfig is owned by the settings collaborator; the pipeline
// only reads it.
type UserPipelineConfig struct {
	ID              string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	UserID          string    `json:"user_id" gorm:"type:varchar(36);not null;uniqueIndex:ux_pipeline_configs_user_feature"`
	Feature         Feature   `json:"feature" gorm:"type:varchar(32);not null;uniqueIndex:ux_pipeline_configs_user_feature"`
	Enabled         bool      `json:"enabled" gorm:"not null;index"`
	ScanWindowHours int       `json:"scan_window_hours" gorm:"not null"`
	IntervalMinutes int       `json:"interval_minutes"`
	DailyAt         string    `json:"daily_at,omitempty" gorm:"type:varchar(5)"` // "HH:MM" UTC
	MinConfidence   float64   `json:"min_confidence"`
	MaxCandidates   int       `json:"max_candidates"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func (UserPipelineConfig) TableName() string { return "pipeline_configs" }

func (c *UserPipelineConfig) Validate() error {
	if c.UserID == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidConfig)
	}
	if !c.Feature.Valid() {
		return fmt.Errorf("%w: unknown feature %q", ErrInvalidConfig, c.Feature)
	}
	if c.ScanWindowHours <= 0 {
		return fmt.Errorf("%w: scan window must be positive", ErrInvalidConfig)
	}
	if c.IntervalMinutes < 0 {
		return fmt.Errorf("%w: interval must not be negative", ErrInvalidConfig)
	}
	if c.IntervalMinutes == 0 {
		if c.DailyAt == "" {
			return fmt.Errorf("%w: either interval or daily time is required", ErrInvalidConfig)
		}
		if _, err := time.Parse("15:04", c.DailyAt); err != nil {
			return fmt.Errorf("%w: daily time %q is not HH:MM", ErrInvalidConfig, c.DailyAt)
		}
	}
	if c.MinConfidence < 0 || c.MinConfidence > 1 {
		return fmt.Errorf("%w: min confidence must be within [0,1]", ErrInvalidConfig)
	}
	if c.MaxCandidates < 0 {
		return fmt.Errorf("%w: max candidates must not be negative", ErrInvalidConfig)
	}
	return nil
}

// CandidateLimit is MaxCandidates clamped to [1, MaxCandidatesCeiling].
func (c *UserPipelineConfig) CandidateLimit() int {
	switch {
	case c.MaxCandidates <= 0:
		return DefaultMaxCandidates
	case c.MaxCandidates > MaxCandidatesCeiling:
		return MaxCandidatesCeiling
	}
	return c.MaxCandidates
}

// NextDue computes when the next run should start given the completion
// time of the previous one. A nil lastCompleted means due immediately,
// signalled by the zero time. The interval wins when both schedules are set.
func (c *UserPipelineConfig) NextDue(lastCompleted *time.Time) time.Time {
	if lastCompleted == nil || lastCompleted.IsZero() {
		return time.Time{}
	}
	last := lastCompleted.UTC()

	if c.IntervalMinutes > 0 {
		return last.Add(time.Duration(c.IntervalMinutes) * time.Minute)
	}

	at, err := time.Parse("15:04", c.DailyAt)
	if err != nil {
		return time.Time{}
	}
	next := time.Date(last.Year(), last.Month(), last.Day(), at.Hour(), at.Minute(), 0, 0, time.UTC)
	if !next.After(last) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

func (c *UserPipelineConfig) IsDue(lastCompleted *time.Time, now time.Time) bool {
	return !now.UTC().Before(c.NextDue(lastCompleted))
}

// ScanWindow returns [start, end] for a run starting at now. When the
// previous processed window ended before the regular start the window is
// pulled back to it so messages received during downtime are not dropped.
func (c *UserPipelineConfig) ScanWindow(now time.Time, previousEnd *time.Time) (time.Time, time.Time) {
	end := now.UTC()
	start := end.Add(-time.Duration(c.ScanWindowHours) * time.Hour)

	if previousEnd != nil && !previousEnd.IsZero() && previousEnd.Before(start) {
		start = previousEnd.UTC()
	}
	if floor := end.Add(-MaxLookback); start.Before(floor) {
		start = floor
	}
	return start, end
}
