package usecase

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	authdomain "mailpipe-backend/internal/auth/domain"
	"mailpipe-backend/internal/pipeline/domain"
	"mailpipe-backend/internal/pipeline/provider"
	"mailpipe-backend/internal/pipeline/repository"
	"mailpipe-backend/pkg/metrics"
	"mailpipe-backend/pkg/ratelimit"

	"go.uber.org/zap"
)

// retryBatch bounds how many runs one sweep re-notifies.
const retryBatch = 50

// errNotifyInFlight means another goroutine is already delivering the run.
var errNotifyInFlight = errors.New("notification already in flight")

// Notifier turns a processed run into one downstream action. Delivery is at
// least once: the marker is written only after the action was confirmed.
type Notifier struct {
	runs     repository.ScanRunRepository
	entries  repository.EntryRepository
	marks    repository.NotificationRepository
	users    UserFinder
	dispatch provider.Dispatcher
	pusher   provider.Pusher
	limiter  *ratelimit.Limiter
	timeout  time.Duration
	now      func() time.Time
	logger   *zap.Logger

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// NewNotifier accepts a nil pusher when push delivery is not configured.
func NewNotifier(
	runs repository.ScanRunRepository,
	entries repository.EntryRepository,
	marks repository.NotificationRepository,
	users UserFinder,
	dispatch provider.Dispatcher,
	pusher provider.Pusher,
	limiter *ratelimit.Limiter,
	timeout time.Duration,
	logger *zap.Logger,
) *Notifier {
	if timeout <= 0 {
		timeout = DefaultMailTimeout
	}
	return &Notifier{
		runs:     runs,
		entries:  entries,
		marks:    marks,
		users:    users,
		dispatch: dispatch,
		pusher:   pusher,
		limiter:  limiter,
		timeout:  timeout,
		now:      time.Now,
		logger:   logger,
		inFlight: make(map[string]struct{}),
	}
}

func processed(state domain.RunState) bool {
	for _, s := range domain.ProcessedStates {
		if s == state {
			return true
		}
	}
	return false
}

// Notify is a no-op for failed, unfinished and already notified runs. A
// run is delivered by one caller at a time.
func (n *Notifier) Notify(ctx context.Context, run *domain.ScanRun) error {
	if !processed(run.State) {
		return nil
	}
	if !n.claim(run.ID) {
		return errNotifyInFlight
	}
	defer n.release(run.ID)

	done, err := n.marks.IsNotified(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("failed to read notification marker: %w", err)
	}
	if done {
		return nil
	}

	log := n.logger.With(
		zap.String("run_id", run.ID),
		zap.String("correlation_id", run.CorrelationID),
		zap.String("user_id", run.UserID),
		zap.String("feature", run.Feature.String()),
	)

	entries, err := n.entries.ListByRun(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("failed to load run entries: %w", err)
	}
	if len(entries) == 0 {
		return n.mark(ctx, run, domain.ChannelNone, 0)
	}

	user, err := n.users.FindByID(ctx, run.UserID)
	if err != nil {
		return fmt.Errorf("failed to load user: %w", err)
	}
	if user == nil {
		return errors.New("user not found")
	}

	channel := domain.ChannelDigest
	if run.Feature.CreatesDrafts() {
		channel = domain.ChannelDrafts
		err = n.createDrafts(ctx, user, entries, log)
	} else {
		err = n.sendDigest(ctx, user, run, entries)
	}
	if err != nil {
		metrics.RecordNotification(string(channel), "failed")
		return err
	}
	metrics.RecordNotification(string(channel), "sent")

	if err := n.mark(ctx, run, channel, len(entries)); err != nil {
		return err
	}
	log.Info("Run notified", zap.String("channel", string(channel)), zap.Int("entries", len(entries)))

	n.push(ctx, run, channel, len(entries), log)
	return nil
}

func (n *Notifier) sendDigest(ctx context.Context, user *authdomain.User, run *domain.ScanRun, entries []*domain.ExtractedEntry) error {
	digest, err := buildDigest(run, entries, user.Email)
	if err != nil {
		return err
	}
	return n.limiter.Do(ctx, func(ctx context.Context) error {
		return callWithTimeout(ctx, n.timeout, func(ctx context.Context) error {
			return n.dispatch.SendDigest(ctx, user, digest)
		})
	})
}

// createDrafts stops at the first failure; drafts already created are
// created again on retry.
func (n *Notifier) createDrafts(ctx context.Context, user *authdomain.User, entries []*domain.ExtractedEntry, log *zap.Logger) error {
	for _, e := range entries {
		draft := draftFromEntry(e)
		var id string
		err := n.limiter.Do(ctx, func(ctx context.Context) error {
			return callWithTimeout(ctx, n.timeout, func(ctx context.Context) error {
				var err error
				id, err = n.dispatch.CreateDraft(ctx, user, draft)
				return err
			})
		})
		if err != nil {
			return fmt.Errorf("failed to create draft for %s: %w", e.SourceMessageID, err)
		}
		log.Debug("Draft created", zap.String("draft_id", id), zap.String("message_id", e.SourceMessageID))
	}
	return nil
}

func (n *Notifier) claim(runID string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.inFlight[runID]; ok {
		return false
	}
	n.inFlight[runID] = struct{}{}
	return true
}

func (n *Notifier) release(runID string) {
	n.mu.Lock()
	delete(n.inFlight, runID)
	n.mu.Unlock()
}

func (n *Notifier) mark(ctx context.Context, run *domain.ScanRun, channel domain.NotifyChannel, count int) error {
	err := n.marks.MarkNotified(ctx, &domain.RunNotification{
		ScanRunID:  run.ID,
		UserID:     run.UserID,
		Channel:    channel,
		EntryCount: count,
		NotifiedAt: n.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to write notification marker: %w", err)
	}
	return nil
}

// push is best effort and never fails the notification.
func (n *Notifier) push(ctx context.Context, run *domain.ScanRun, channel domain.NotifyChannel, count int, log *zap.Logger) {
	if n.pusher == nil {
		return
	}
	title := "Your digest is ready"
	body := fmt.Sprintf("%d new %s entries from your mailbox", count, run.Feature)
	if channel == domain.ChannelDrafts {
		title = "Reply drafts ready"
		body = fmt.Sprintf("%d reply drafts are waiting in your mailbox", count)
	}
	err := n.pusher.Push(ctx, run.UserID, domain.Push{
		Title: title,
		Body:  body,
		Data: map[string]string{
			"type":    "pipeline_run",
			"run_id":  run.ID,
			"feature": run.Feature.String(),
			"entries": strconv.Itoa(count),
		},
	})
	if err != nil {
		log.Warn("Push notification failed", zap.Error(err))
	}
}

// RetryPending re-notifies processed runs completed within [since, until)
// that still have no marker, and returns how many were notified. until
// should trail the present so runs still being notified by their processor
// are left alone.
func (n *Notifier) RetryPending(ctx context.Context, since, until time.Time) (int, error) {
	runs, err := n.runs.ListUnnotified(ctx, since, until, retryBatch)
	if err != nil {
		return 0, fmt.Errorf("failed to list unnotified runs: %w", err)
	}
	notified := 0
	for _, run := range runs {
		if err := ctx.Err(); err != nil {
			return notified, err
		}
		err := n.Notify(ctx, run)
		if errors.Is(err, errNotifyInFlight) {
			continue
		}
		if err != nil {
			n.logger.Warn("Notification retry failed", zap.String("run_id", run.ID), zap.Error(err))
			continue
		}
		notified++
	}
	return notified, nil
}
