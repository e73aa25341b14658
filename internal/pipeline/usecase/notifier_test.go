package usecase

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"mailpipe-backend/internal/pipeline/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotifierMarksOnlyAfterConfirmedSend(t *testing.T) {
	ctx := context.Background()
	mail, gen := timeEntryMailbox()
	h := newHarness(t, mail, gen, harnessOptions{})
	h.dispatch.digestErr = errors.New("mailbox rejected the message")
	cfg := h.config(t, domain.FeatureTimeEntry)
	run := h.newRun(t, cfg)

	require.NoError(t, h.processor.Process(ctx, run, cfg))
	assert.Nil(t, h.marker(t, run.ID), "no marker without a confirmed send")
	assert.Empty(t, h.pusher.pushes)

	h.dispatch.digestErr = nil
	notified, err := h.notifier.RetryPending(ctx, time.Now().Add(-time.Hour), time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, notified)
	assert.Equal(t, 1, h.dispatch.digestCount())
	require.NotNil(t, h.marker(t, run.ID))

	// a second sweep finds nothing left to send
	notified, err = h.notifier.RetryPending(ctx, time.Now().Add(-time.Hour), time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Zero(t, notified)
	assert.Equal(t, 1, h.dispatch.digestCount())
}

func TestNotifyIsIdempotent(t *testing.T) {
	ctx := context.Background()
	mail, gen := timeEntryMailbox()
	h := newHarness(t, mail, gen, harnessOptions{})
	cfg := h.config(t, domain.FeatureTimeEntry)
	run := h.newRun(t, cfg)
	require.NoError(t, h.processor.Process(ctx, run, cfg))

	require.NoError(t, h.notifier.Notify(ctx, run))
	assert.Equal(t, 1, h.dispatch.digestCount())
}

func TestNotifySkipsFailedRuns(t *testing.T) {
	mail, gen := timeEntryMailbox()
	h := newHarness(t, mail, gen, harnessOptions{})
	run := &domain.ScanRun{ID: "r1", UserID: h.user.ID, Feature: domain.FeatureTimeEntry, State: domain.RunFailed}

	require.NoError(t, h.notifier.Notify(context.Background(), run))
	assert.Nil(t, h.marker(t, run.ID))
}

func TestNotifyPushFailureDoesNotFailNotification(t *testing.T) {
	ctx := context.Background()
	mail, gen := timeEntryMailbox()
	h := newHarness(t, mail, gen, harnessOptions{})
	h.pusher.err = errors.New("fcm unavailable")
	cfg := h.config(t, domain.FeatureTimeEntry)
	run := h.newRun(t, cfg)

	require.NoError(t, h.processor.Process(ctx, run, cfg))
	assert.NotNil(t, h.marker(t, run.ID))
	assert.Len(t, h.pusher.pushes, 1)
}

func TestNotifyCreatesReplyDrafts(t *testing.T) {
	ctx := context.Background()
	mail := newFakeMail(
		message("m1", "QUESTION can we move the call to Friday?"),
		message("m2", "NEWSLETTER weekly digest"),
	)
	gen := newFakeGenerator(map[string]string{
		"QUESTION":   `{"needs_reply": true, "subject": "", "body": "Friday works for me.", "confidence": 0.8}`,
		"NEWSLETTER": `{"needs_reply": false, "confidence": 0.9}`,
	})
	h := newHarness(t, mail, gen, harnessOptions{})
	cfg := h.config(t, domain.FeatureDraft)
	run := h.newRun(t, cfg)

	require.NoError(t, h.processor.Process(ctx, run, cfg))

	require.Len(t, h.dispatch.drafts, 1)
	draft := h.dispatch.drafts[0]
	assert.Equal(t, "Ana <ana@example.com>", draft.To)
	assert.Equal(t, "Re: Status m1", draft.Subject)
	assert.Equal(t, "Friday works for me.", draft.Body)
	assert.Equal(t, "thread-m1", draft.ThreadID)
	assert.Equal(t, "<m1@mail.example.com>", draft.InReplyTo)
	assert.Zero(t, h.dispatch.digestCount())

	mark := h.marker(t, run.ID)
	require.NotNil(t, mark)
	assert.Equal(t, domain.ChannelDrafts, mark.Channel)
	require.Len(t, h.pusher.pushes, 1)
	assert.Equal(t, "Reply drafts ready", h.pusher.pushes[0].Title)
}

func TestBuildDigest(t *testing.T) {
	run := &domain.ScanRun{
		ID:          "r1",
		Feature:     domain.FeatureTriage,
		WindowStart: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		WindowEnd:   time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC),
	}
	entries := []*domain.ExtractedEntry{
		{SourceMessageID: "m1", Payload: domain.Payload{"priority": "low", "subject": "Newsletter"}},
		{SourceMessageID: "m2", Payload: domain.Payload{"priority": "high", "subject": "<script>alert(1)</script>"}},
	}

	digest, err := buildDigest(run, entries, "me@example.com")
	require.NoError(t, err)
	assert.Equal(t, "Inbox triage: 1 high priority of 2", digest.Subject)
	assert.NotContains(t, digest.HTML, "<script>", "payload text is escaped")
	assert.Less(t, strings.Index(digest.HTML, "&lt;script&gt;"), strings.Index(digest.HTML, "Newsletter"), "high priority first")

	run.Feature = domain.FeatureTimeEntry
	entries = []*domain.ExtractedEntry{
		{SourceMessageID: "m1", Payload: domain.Payload{"date": "2024-03-01", "activity": "review", "hours": 1.5}},
		{SourceMessageID: "m1", Payload: domain.Payload{"date": "2024-03-01", "activity": "deploy", "hours": 0.5}},
	}
	digest, err = buildDigest(run, entries, "me@example.com")
	require.NoError(t, err)
	assert.Equal(t, "Time entries: 2.00h from 1 emails", digest.Subject)

	run.Feature = domain.FeatureDraft
	_, err = buildDigest(run, entries, "me@example.com")
	assert.ErrorIs(t, err, domain.ErrUnsupportedFeature)
}

func TestNotifyDeliversRunOnceWhileSweepRuns(t *testing.T) {
	ctx := context.Background()
	mail, gen := timeEntryMailbox()
	h := newHarness(t, mail, gen, harnessOptions{})
	hold := make(chan struct{})
	h.dispatch.hold = hold
	h.dispatch.sending = make(chan struct{}, 1)
	cfg := h.config(t, domain.FeatureTimeEntry)
	run := h.newRun(t, cfg)

	done := make(chan error, 1)
	go func() { done <- h.processor.Process(ctx, run, cfg) }()
	<-h.dispatch.sending

	res := h.scheduler.Tick(ctx)
	assert.Zero(t, res.Notified)

	notified, err := h.notifier.RetryPending(ctx, time.Now().Add(-time.Hour), time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Zero(t, notified, "a run being delivered is not picked up again")

	close(hold)
	require.NoError(t, <-done)
	assert.Equal(t, 1, h.dispatch.digestCount())
	require.NotNil(t, h.marker(t, run.ID))
}
