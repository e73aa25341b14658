package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr(t time.Time) *time.Time { return &t }

func TestParseFeature(t *testing.T) {
	f, err := ParseFeature(" Triage ")
	require.NoError(t, err)
	assert.Equal(t, FeatureTriage, f)
	assert.Equal(t, EntryTypePrioritySignal, f.EntryType())

	_, err = ParseFeature("calendar")
	assert.ErrorIs(t, err, ErrUnsupportedFeature)
}

func TestConfigValidate(t *testing.T) {
	valid := UserPipelineConfig{UserID: "u1", Feature: FeatureTimeEntry, ScanWindowHours: 24, IntervalMinutes: 60, MinConfidence: 0.5}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(c *UserPipelineConfig)
	}{
		{"missing user", func(c *UserPipelineConfig) { c.UserID = "" }},
		{"unknown feature", func(c *UserPipelineConfig) { c.Feature = "calendar" }},
		{"zero window", func(c *UserPipelineConfig) { c.ScanWindowHours = 0 }},
		{"no schedule", func(c *UserPipelineConfig) { c.IntervalMinutes = 0 }},
		{"bad daily time", func(c *UserPipelineConfig) { c.IntervalMinutes = 0; c.DailyAt = "25:99" }},
		{"confidence above one", func(c *UserPipelineConfig) { c.MinConfidence = 1.5 }},
		{"negative candidates", func(c *UserPipelineConfig) { c.MaxCandidates = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid
			tt.mutate(&c)
			assert.ErrorIs(t, c.Validate(), ErrInvalidConfig)
		})
	}
}

func TestCandidateLimit(t *testing.T) {
	c := UserPipelineConfig{}
	assert.Equal(t, DefaultMaxCandidates, c.CandidateLimit())
	c.MaxCandidates = 20
	assert.Equal(t, 20, c.CandidateLimit())
	c.MaxCandidates = 10000
	assert.Equal(t, MaxCandidatesCeiling, c.CandidateLimit())
}

func TestNextDueInterval(t *testing.T) {
	c := UserPipelineConfig{IntervalMinutes: 30}
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	assert.True(t, c.IsDue(nil, now), "never run is due immediately")

	last := now.Add(-10 * time.Minute)
	assert.Equal(t, last.Add(30*time.Minute), c.NextDue(&last))
	assert.False(t, c.IsDue(&last, now))
	assert.True(t, c.IsDue(&last, now.Add(20*time.Minute)))
}

func TestNextDueDaily(t *testing.T) {
	c := UserPipelineConfig{DailyAt: "08:30"}

	before := time.Date(2024, 3, 1, 7, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 3, 1, 8, 30, 0, 0, time.UTC), c.NextDue(&before))

	after := time.Date(2024, 3, 1, 8, 31, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 3, 2, 8, 30, 0, 0, time.UTC), c.NextDue(&after))

	exact := time.Date(2024, 3, 1, 8, 30, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 3, 2, 8, 30, 0, 0, time.UTC), c.NextDue(&exact))
}

func TestIntervalWinsOverDaily(t *testing.T) {
	c := UserPipelineConfig{IntervalMinutes: 15, DailyAt: "08:30"}
	last := time.Date(2024, 3, 1, 7, 0, 0, 0, time.UTC)
	assert.Equal(t, last.Add(15*time.Minute), c.NextDue(&last))
}

func TestScanWindow(t *testing.T) {
	c := UserPipelineConfig{ScanWindowHours: 24}
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

	start, end := c.ScanWindow(now, nil)
	assert.Equal(t, now.Add(-24*time.Hour), start)
	assert.Equal(t, now, end)

	// overlap with the previous window keeps the regular start
	start, _ = c.ScanWindow(now, ptr(now.Add(-time.Hour)))
	assert.Equal(t, now.Add(-24*time.Hour), start)

	// downtime pulls the start back
	start, _ = c.ScanWindow(now, ptr(now.Add(-48*time.Hour)))
	assert.Equal(t, now.Add(-48*time.Hour), start)

	// but never past the lookback ceiling
	start, _ = c.ScanWindow(now, ptr(now.Add(-30*24*time.Hour)))
	assert.Equal(t, now.Add(-MaxLookback), start)
}

func TestScanRunTransitions(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	cfg := &UserPipelineConfig{ID: "c1", UserID: "u1", Feature: FeatureTriage}
	run := NewScanRun(cfg, now.Add(-time.Hour), now, now)

	assert.Equal(t, RunScheduled, run.State)
	assert.NotEmpty(t, run.ID)
	assert.NotEmpty(t, run.CorrelationID)

	assert.ErrorIs(t, run.Finish(RunCounts{}, now), ErrInvalidTransition)
	require.NoError(t, run.Start(now))
	assert.ErrorIs(t, run.Start(now), ErrInvalidTransition)

	require.NoError(t, run.Finish(RunCounts{Candidates: 2, Succeeded: 2}, now.Add(time.Minute)))
	assert.Equal(t, RunCompleted, run.State)
	assert.Equal(t, time.Minute, run.Duration())
	assert.ErrorIs(t, run.Fail(now, "late"), ErrInvalidTransition)
}

func TestDeriveState(t *testing.T) {
	tests := []struct {
		name   string
		counts RunCounts
		want   RunState
	}{
		{"no candidates", RunCounts{}, RunCompleted},
		{"all succeeded", RunCounts{Candidates: 3, Succeeded: 3}, RunCompleted},
		{"skips count as success", RunCounts{Candidates: 3, Succeeded: 3, Skipped: 3}, RunCompleted},
		{"one errored", RunCounts{Candidates: 3, Succeeded: 2, Errored: 1}, RunPartialFailure},
		{"deadline left some unprocessed", RunCounts{Candidates: 5, Succeeded: 2, Unprocessed: 3}, RunPartialFailure},
		{"deadline before any success", RunCounts{Candidates: 4, Errored: 1, Unprocessed: 3}, RunPartialFailure},
		{"deadline before anything finished", RunCounts{Candidates: 4, Unprocessed: 4}, RunPartialFailure},
		{"nothing succeeded", RunCounts{Candidates: 2, Errored: 2}, RunFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DeriveState(tt.counts))
		})
	}
}

func TestDedupKeyNormalizesPayload(t *testing.T) {
	a := Payload{"description": "  Client   Call ", "duration_minutes": 30.0}
	b := Payload{"duration_minutes": 30.0, "description": "client call"}
	c := Payload{"description": "client call", "duration_minutes": 45.0}

	assert.Equal(t, DedupKey("u1", "m1", a), DedupKey("u1", "m1", b))
	assert.NotEqual(t, DedupKey("u1", "m1", a), DedupKey("u1", "m1", c), "distinct entries on one message keep distinct keys")
	assert.NotEqual(t, DedupKey("u1", "m1", a), DedupKey("u2", "m1", a))
	assert.NotEqual(t, DedupKey("u1", "m1", a), DedupKey("u1", "m2", a))
	assert.Len(t, DedupKey("u1", "m1", nil), 64)
}

func TestMessageKeyIncludesFeature(t *testing.T) {
	assert.NotEqual(t, MessageKey("u1", FeatureTriage, "m1"), MessageKey("u1", FeatureDraft, "m1"))
	assert.Equal(t, MessageKey("u1", FeatureTriage, "m1"), MessageKey("u1", FeatureTriage, "m1"))
}

func TestPayloadScanAndValue(t *testing.T) {
	p := Payload{"priority": "high", "score": 0.8}
	v, err := p.Value()
	require.NoError(t, err)

	var out Payload
	require.NoError(t, out.Scan(v))
	assert.Equal(t, "high", out.Text("priority"))
	assert.InDelta(t, 0.8, out.Float("score"), 1e-9)

	require.NoError(t, out.Scan([]byte(`{"a":"b"}`)))
	assert.Equal(t, "b", out.Text("a"))
	assert.Error(t, out.Scan(42))
}

func TestClampConfidence(t *testing.T) {
	assert.Equal(t, 0.0, ClampConfidence(-0.2))
	assert.Equal(t, 1.0, ClampConfidence(7))
	assert.Equal(t, 0.4, ClampConfidence(0.4))
}
