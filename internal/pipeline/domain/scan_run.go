package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type RunState string

const (
	RunScheduled      RunState = "scheduled"
	RunRunning        RunState = "running"
	RunCompleted      RunState = "completed"
	RunFailed         RunState = "failed"
	RunPartialFailure RunState = "partial_failure"
)

var (
	// ActiveStates are the non-terminal states; at most one run per user
	// and feature may be in one of them.
	ActiveStates = []RunState{RunScheduled, RunRunning}

	// ProcessedStates are terminal states whose window was scanned.
	ProcessedStates = []RunState{RunCompleted, RunPartialFailure}

	TerminalStates = []RunState{RunCompleted, RunFailed, RunPartialFailure}
)

func (s RunState) IsTerminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunPartialFailure:
		return true
	}
	return false
}

// RunCounts are message level tallies. Succeeded + Errored + Unprocessed
// always equals Candidates once the run is terminal.
type RunCounts struct {
	Candidates  int `json:"candidates"`
	Succeeded   int `json:"succeeded"`
	Errored     int `json:"errored"`
	Unprocessed int `json:"unprocessed"`

	// Skipped messages were already seen and count as succeeded.
	Skipped        int `json:"skipped"`
	Extracted      int `json:"extracted"`
	BelowThreshold int `json:"below_threshold"`
	Persisted      int `json:"persisted"`
	Overwritten    int `json:"overwritten"`
	Unchanged      int `json:"unchanged"`
}

// ScanRun is one execution of the pipeline for one user and feature over
// one window. It is immutable once terminal.
type ScanRun struct {
	ID            string     `json:"id" gorm:"primaryKey;type:varchar(36)"`
	UserID        string     `json:"user_id" gorm:"type:varchar(36);not null;index:idx_scan_runs_user_feature"`
	Feature       Feature    `json:"feature" gorm:"type:varchar(32);not null;index:idx_scan_runs_user_feature"`
	ConfigID      string     `json:"config_id" gorm:"type:varchar(36)"`
	WindowStart   time.Time  `json:"window_start" gorm:"not null"`
	WindowEnd     time.Time  `json:"window_end" gorm:"not null"`
	State         RunState   `json:"state" gorm:"type:varchar(20);not null;index"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty" gorm:"index"`
	RunCounts     `gorm:"embedded"`
	FailureReason string    `json:"failure_reason,omitempty"`
	CorrelationID string    `json:"correlation_id" gorm:"type:varchar(36)"`
	CreatedAt     time.Time `json:"created_at" gorm:"index"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (ScanRun) TableName() string { return "scan_runs" }

// NewScanRun creates a run in the Scheduled state.
func NewScanRun(cfg *UserPipelineConfig, start, end, now time.Time) *ScanRun {
	return &ScanRun{
		ID:            uuid.New().String(),
		UserID:        cfg.UserID,
		Feature:       cfg.Feature,
		ConfigID:      cfg.ID,
		WindowStart:   start.UTC(),
		WindowEnd:     end.UTC(),
		State:         RunScheduled,
		CorrelationID: uuid.New().String(),
		CreatedAt:     now.UTC(),
		UpdatedAt:     now.UTC(),
	}
}

func (r *ScanRun) Start(now time.Time) error {
	if r.State != RunScheduled {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.State, RunRunning)
	}
	t := now.UTC()
	r.State = RunRunning
	r.StartedAt = &t
	r.UpdatedAt = t
	return nil
}

// Fail ends a run that could not proceed.
func (r *ScanRun) Fail(now time.Time, reason string) error {
	if r.State.IsTerminal() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.State, RunFailed)
	}
	t := now.UTC()
	r.State = RunFailed
	r.FailureReason = reason
	r.CompletedAt = &t
	r.UpdatedAt = t
	return nil
}

// Finish records final counts and moves a running run to the state they
// imply.
func (r *ScanRun) Finish(counts RunCounts, now time.Time) error {
	if r.State != RunRunning {
		return fmt.Errorf("%w: %s -> terminal", ErrInvalidTransition, r.State)
	}
	t := now.UTC()
	r.RunCounts = counts
	r.State = DeriveState(counts)
	if r.State == RunFailed {
		r.FailureReason = fmt.Sprintf("no candidate succeeded (%d errored, %d unprocessed)", counts.Errored, counts.Unprocessed)
	}
	r.CompletedAt = &t
	r.UpdatedAt = t
	return nil
}

// DeriveState maps message tallies to a terminal state. A run cut short by
// its deadline is a partial failure even when nothing succeeded yet.
func DeriveState(c RunCounts) RunState {
	failed := c.Errored + c.Unprocessed
	switch {
	case failed == 0:
		return RunCompleted
	case c.Unprocessed > 0:
		return RunPartialFailure
	case c.Succeeded == 0:
		return RunFailed
	default:
		return RunPartialFailure
	}
}

func (r *ScanRun) Duration() time.Duration {
	if r.StartedAt == nil || r.CompletedAt == nil {
		return 0
	}
	return r.CompletedAt.Sub(*r.StartedAt)
}
