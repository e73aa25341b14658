package usecase

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"mailpipe-backend/internal/pipeline/domain"
	"mailpipe-backend/pkg/dedup"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	reviewJSON = `{"entries": [
		{"project": "Apollo", "activity": "code review", "hours": 2, "date": "2024-03-01", "confidence": 0.9},
		{"project": "Apollo", "activity": "maybe lunch", "hours": 1, "date": "2024-03-01", "confidence": 0.2}
	]}`
	deployJSON = "Sure! ```json\n" + `{"entries": [{"project": "Zeus", "activity": "deploy", "hours": 1.5, "date": "2024-03-02", "confidence": 1.7}]}` + "\n```"
)

func timeEntryMailbox() (*fakeMail, *fakeGenerator) {
	mail := newFakeMail(
		message("m1", "REVIEW spent two hours reviewing"),
		message("m2", "DEPLOY shipped the release"),
		message("m3", "nothing to log here"),
	)
	gen := newFakeGenerator(map[string]string{
		"REVIEW": reviewJSON,
		"DEPLOY": deployJSON,
	})
	return mail, gen
}

func checkInvariant(t *testing.T, run *domain.ScanRun) {
	t.Helper()
	assert.Equal(t, run.Candidates, run.Succeeded+run.Errored+run.Unprocessed,
		"succeeded + errored + unprocessed = candidates")
}

func TestProcessCompletedRun(t *testing.T) {
	ctx := context.Background()
	mail, gen := timeEntryMailbox()
	h := newHarness(t, mail, gen, harnessOptions{})
	cfg := h.config(t, domain.FeatureTimeEntry)
	run := h.newRun(t, cfg)

	require.NoError(t, h.processor.Process(ctx, run, cfg))

	stored, err := h.runs.FindByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunCompleted, stored.State)
	assert.Equal(t, 3, stored.Candidates)
	assert.Equal(t, 3, stored.Succeeded)
	assert.Equal(t, 3, stored.Extracted)
	assert.Equal(t, 1, stored.BelowThreshold)
	assert.Equal(t, 2, stored.Persisted)
	require.NotNil(t, stored.StartedAt)
	require.NotNil(t, stored.CompletedAt)
	checkInvariant(t, stored)

	entries, err := h.entries.ListByRun(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, e := range entries {
		assert.Equal(t, domain.EntryTypeTimeEntry, e.EntryType)
		assert.GreaterOrEqual(t, e.Confidence, cfg.MinConfidence)
		assert.LessOrEqual(t, e.Confidence, 1.0, "confidence is clamped")
	}

	require.Equal(t, 1, h.dispatch.digestCount())
	assert.Equal(t, "me@example.com", h.dispatch.digests[0].To)
	assert.Contains(t, h.dispatch.digests[0].HTML, "code review")
	assert.NotContains(t, h.dispatch.digests[0].HTML, "maybe lunch")

	mark := h.marker(t, run.ID)
	require.NotNil(t, mark)
	assert.Equal(t, domain.ChannelDigest, mark.Channel)
	assert.Equal(t, 2, mark.EntryCount)
	assert.Len(t, h.pusher.pushes, 1)
}

func TestProcessRerunSkipsSeenMessages(t *testing.T) {
	ctx := context.Background()
	mail, gen := timeEntryMailbox()
	h := newHarness(t, mail, gen, harnessOptions{})
	cfg := h.config(t, domain.FeatureTimeEntry)

	first := h.newRun(t, cfg)
	require.NoError(t, h.processor.Process(ctx, first, cfg))
	calls := gen.callCount()

	second := h.newRun(t, cfg)
	require.NoError(t, h.processor.Process(ctx, second, cfg))

	stored, err := h.runs.FindByID(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunCompleted, stored.State)
	assert.Equal(t, 3, stored.Skipped)
	assert.Equal(t, 3, stored.Succeeded)
	assert.Equal(t, calls, gen.callCount(), "seen messages are not classified again")

	mark := h.marker(t, second.ID)
	require.NotNil(t, mark)
	assert.Equal(t, domain.ChannelNone, mark.Channel)
	assert.Equal(t, 1, h.dispatch.digestCount(), "empty runs send nothing")
}

func TestProcessReclassificationDoesNotDuplicateEntries(t *testing.T) {
	ctx := context.Background()
	mail, gen := timeEntryMailbox()
	h := newHarness(t, mail, gen, harnessOptions{})
	cfg := h.config(t, domain.FeatureTimeEntry)

	first := h.newRun(t, cfg)
	require.NoError(t, h.processor.Process(ctx, first, cfg))

	// an evicted dedup index makes the next run classify everything again
	h.processor.seen = dedup.NewMemoryIndex(100, time.Hour)
	second := h.newRun(t, cfg)
	require.NoError(t, h.processor.Process(ctx, second, cfg))

	stored, err := h.runs.FindByID(ctx, second.ID)
	require.NoError(t, err)
	assert.Zero(t, stored.Persisted)
	assert.Equal(t, 2, stored.Unchanged)

	all, err := h.entries.Query(ctx, h.user.ID, time.Now().Add(-48*time.Hour), time.Now(), domain.EntryFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestProcessPartialFailure(t *testing.T) {
	ctx := context.Background()
	mail, gen := timeEntryMailbox()
	mail.loadErrs["m2"] = errors.New("message body unavailable")
	h := newHarness(t, mail, gen, harnessOptions{})
	cfg := h.config(t, domain.FeatureTimeEntry)
	run := h.newRun(t, cfg)

	require.NoError(t, h.processor.Process(ctx, run, cfg))

	stored, err := h.runs.FindByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunPartialFailure, stored.State)
	assert.Equal(t, 1, stored.Errored)
	assert.Equal(t, 2, stored.Succeeded)
	checkInvariant(t, stored)
	assert.Equal(t, 1, h.dispatch.digestCount(), "partial runs still notify")

	seen, err := h.seen.Seen(ctx, domain.MessageKey(h.user.ID, cfg.Feature, "m2"))
	require.NoError(t, err)
	assert.False(t, seen, "errored messages stay eligible")
}

func TestProcessFailsWhenAuthExpiredOnList(t *testing.T) {
	ctx := context.Background()
	mail, gen := timeEntryMailbox()
	mail.listFn = func(int) ([]domain.MessageRef, error) {
		return nil, fmt.Errorf("%w: token revoked", domain.ErrAuthExpired)
	}
	h := newHarness(t, mail, gen, harnessOptions{})
	cfg := h.config(t, domain.FeatureTimeEntry)
	run := h.newRun(t, cfg)

	require.NoError(t, h.processor.Process(ctx, run, cfg))

	stored, err := h.runs.FindByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunFailed, stored.State)
	assert.Contains(t, stored.FailureReason, "credentials expired")
	assert.Equal(t, 1, mail.lists, "auth failures are not retried")
	assert.Zero(t, h.dispatch.digestCount())
	assert.Nil(t, h.marker(t, run.ID))
}

func TestProcessFailsWhenEveryCandidateErrors(t *testing.T) {
	ctx := context.Background()
	mail, gen := timeEntryMailbox()
	for id := range mail.messages {
		mail.loadErrs[id] = errors.New("gone")
	}
	h := newHarness(t, mail, gen, harnessOptions{})
	cfg := h.config(t, domain.FeatureTimeEntry)
	run := h.newRun(t, cfg)

	require.NoError(t, h.processor.Process(ctx, run, cfg))

	stored, err := h.runs.FindByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunFailed, stored.State)
	assert.Equal(t, 3, stored.Errored)
	checkInvariant(t, stored)
}

func TestProcessIsolatesClassifierTimeout(t *testing.T) {
	ctx := context.Background()
	mail, gen := timeEntryMailbox()
	mail.messages["m3"].Body = "SLOW never answers"
	h := newHarness(t, mail, gen, harnessOptions{classifierTimeout: 20 * time.Millisecond})
	cfg := h.config(t, domain.FeatureTimeEntry)
	run := h.newRun(t, cfg)

	require.NoError(t, h.processor.Process(ctx, run, cfg))

	stored, err := h.runs.FindByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunPartialFailure, stored.State)
	assert.Equal(t, 1, stored.Errored)
	assert.Equal(t, 2, stored.Succeeded)
	assert.Equal(t, 2, stored.Persisted)
}

func TestProcessFinishesWhenMailboxStalls(t *testing.T) {
	ctx := context.Background()
	mail, gen := timeEntryMailbox()
	mail.stalled["m1"] = true
	h := newHarness(t, mail, gen, harnessOptions{mailTimeout: 20 * time.Millisecond, runTimeout: 200 * time.Millisecond})
	cfg := h.config(t, domain.FeatureTimeEntry)
	run := h.newRun(t, cfg)

	done := make(chan error, 1)
	go func() { done <- h.processor.Process(ctx, run, cfg) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("run did not finish while a mailbox call was stalled")
	}

	stored, err := h.runs.FindByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunPartialFailure, stored.State)
	assert.Equal(t, 1, stored.Errored)
	assert.Equal(t, 2, stored.Succeeded)
	checkInvariant(t, stored)
}

func TestProcessSkipsGeneratedMail(t *testing.T) {
	ctx := context.Background()
	digest := message("m9", "REVIEW code review 2h")
	digest.Generated = true
	mail := newFakeMail(digest)
	gen := newFakeGenerator(map[string]string{"REVIEW": reviewJSON})
	h := newHarness(t, mail, gen, harnessOptions{})
	cfg := h.config(t, domain.FeatureTimeEntry)
	run := h.newRun(t, cfg)

	require.NoError(t, h.processor.Process(ctx, run, cfg))

	stored, err := h.runs.FindByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunCompleted, stored.State)
	assert.Equal(t, 1, stored.Skipped)
	assert.Zero(t, stored.Persisted)
	assert.Zero(t, gen.callCount())
	checkInvariant(t, stored)
}

func TestProcessTreatsMalformedOutputAsNoEntries(t *testing.T) {
	ctx := context.Background()
	mail := newFakeMail(message("m1", "GARBLED"))
	gen := newFakeGenerator(map[string]string{"GARBLED": "I cannot help with that."})
	h := newHarness(t, mail, gen, harnessOptions{})
	cfg := h.config(t, domain.FeatureTimeEntry)
	run := h.newRun(t, cfg)

	require.NoError(t, h.processor.Process(ctx, run, cfg))

	stored, err := h.runs.FindByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunCompleted, stored.State)
	assert.Equal(t, 1, stored.Succeeded)
	assert.Zero(t, stored.Persisted)

	seen, err := h.seen.Seen(ctx, domain.MessageKey(h.user.ID, cfg.Feature, "m1"))
	require.NoError(t, err)
	assert.False(t, seen, "malformed messages are classified again next run")
}

func TestProcessStopsDispatchAtRunDeadline(t *testing.T) {
	ctx := context.Background()
	var msgs []*domain.MessageCandidate
	for i := 0; i < 6; i++ {
		msgs = append(msgs, message(fmt.Sprintf("m%d", i), "REVIEW"))
	}
	mail := newFakeMail(msgs...)
	gen := newFakeGenerator(map[string]string{"REVIEW": reviewJSON})
	gen.delay = 100 * time.Millisecond
	h := newHarness(t, mail, gen, harnessOptions{workers: 1, runTimeout: 150 * time.Millisecond})
	cfg := h.config(t, domain.FeatureTimeEntry)
	run := h.newRun(t, cfg)

	require.NoError(t, h.processor.Process(ctx, run, cfg))

	stored, err := h.runs.FindByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunPartialFailure, stored.State)
	assert.Positive(t, stored.Unprocessed)
	assert.Positive(t, stored.Succeeded)
	assert.Zero(t, stored.Errored, "in-flight work finishes after the deadline")
	checkInvariant(t, stored)
}

func TestProcessRejectsRunThatIsNotScheduled(t *testing.T) {
	ctx := context.Background()
	mail, gen := timeEntryMailbox()
	h := newHarness(t, mail, gen, harnessOptions{})
	cfg := h.config(t, domain.FeatureTimeEntry)
	run := h.newRun(t, cfg)
	require.NoError(t, h.processor.Process(ctx, run, cfg))

	assert.ErrorIs(t, h.processor.Process(ctx, run, cfg), domain.ErrInvalidTransition)
}
