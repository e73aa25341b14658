package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	authdomain "mailpipe-backend/internal/auth/domain"
	"mailpipe-backend/internal/pipeline/domain"
	"mailpipe-backend/internal/pipeline/repository"
	"mailpipe-backend/pkg/dedup"
	"mailpipe-backend/pkg/metrics"

	"go.uber.org/zap"
)

const (
	DefaultWorkers    = 5
	DefaultRunTimeout = 5 * time.Minute
)

// UserFinder resolves the mailbox owner of a run.
type UserFinder interface {
	FindByID(ctx context.Context, id string) (*authdomain.User, error)
}

type runNotifier interface {
	Notify(ctx context.Context, run *domain.ScanRun) error
}

type ProcessorOptions struct {
	Workers    int
	RunTimeout time.Duration
}

// BatchProcessor drives one scan run from Scheduled to a terminal state.
type BatchProcessor struct {
	runs       repository.ScanRunRepository
	entries    repository.EntryRepository
	users      UserFinder
	fetcher    *Fetcher
	classifier *Classifier
	seen       dedup.Index
	notifier   runNotifier
	workers    int
	runTimeout time.Duration
	now        func() time.Time
	logger     *zap.Logger
}

func NewBatchProcessor(
	runs repository.ScanRunRepository,
	entries repository.EntryRepository,
	users UserFinder,
	fetcher *Fetcher,
	classifier *Classifier,
	seen dedup.Index,
	notifier runNotifier,
	opts ProcessorOptions,
	logger *zap.Logger,
) *BatchProcessor {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = DefaultRunTimeout
	}
	return &BatchProcessor{
		runs:       runs,
		entries:    entries,
		users:      users,
		fetcher:    fetcher,
		classifier: classifier,
		seen:       seen,
		notifier:   notifier,
		workers:    opts.Workers,
		runTimeout: opts.RunTimeout,
		now:        time.Now,
		logger:     logger,
	}
}

// Process runs a Scheduled run to completion and hands processed runs to
// the notifier. The returned error covers bookkeeping failures only; a run
// whose mailbox could not be read ends Failed with a nil error.
func (p *BatchProcessor) Process(ctx context.Context, run *domain.ScanRun, cfg *domain.UserPipelineConfig) error {
	log := p.logger.With(
		zap.String("run_id", run.ID),
		zap.String("correlation_id", run.CorrelationID),
		zap.String("user_id", run.UserID),
		zap.String("feature", run.Feature.String()),
	)

	if err := run.Start(p.now()); err != nil {
		return err
	}
	if err := p.runs.Update(ctx, run); err != nil {
		return fmt.Errorf("failed to mark run running: %w", err)
	}
	log.Info("Scan run started",
		zap.Time("window_start", run.WindowStart),
		zap.Time("window_end", run.WindowEnd))

	user, err := p.users.FindByID(ctx, run.UserID)
	if err == nil && user == nil {
		err = errors.New("user not found")
	}
	if err != nil {
		return p.fail(ctx, run, log, fmt.Sprintf("user lookup: %v", err))
	}

	runCtx, cancel := context.WithDeadline(ctx, run.StartedAt.Add(p.runTimeout))
	defer cancel()

	refs, err := p.fetcher.List(runCtx, user, run.WindowStart, run.WindowEnd, cfg.CandidateLimit())
	if err != nil {
		return p.fail(ctx, run, log, fmt.Sprintf("list candidates: %v", err))
	}

	counts := p.processCandidates(ctx, runCtx, run, user, cfg, refs, log)
	if err := run.Finish(counts, p.now()); err != nil {
		return err
	}
	if err := p.runs.Update(context.WithoutCancel(ctx), run); err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	p.record(run)

	log.Info("Scan run finished",
		zap.String("state", string(run.State)),
		zap.Int("candidates", counts.Candidates),
		zap.Int("succeeded", counts.Succeeded),
		zap.Int("errored", counts.Errored),
		zap.Int("unprocessed", counts.Unprocessed),
		zap.Int("persisted", counts.Persisted),
		zap.Duration("duration", run.Duration()))

	if run.State != domain.RunFailed && p.notifier != nil {
		if err := p.notifier.Notify(ctx, run); err != nil && !errors.Is(err, errNotifyInFlight) {
			// the scheduler's retry sweep picks it up
			log.Warn("Notification failed", zap.Error(err))
		}
	}
	return nil
}

func (p *BatchProcessor) fail(ctx context.Context, run *domain.ScanRun, log *zap.Logger, reason string) error {
	if err := run.Fail(p.now(), reason); err != nil {
		return err
	}
	if err := p.runs.Update(context.WithoutCancel(ctx), run); err != nil {
		return fmt.Errorf("failed to mark run failed: %w", err)
	}
	p.record(run)
	log.Warn("Scan run failed", zap.String("reason", reason))
	return nil
}

func (p *BatchProcessor) record(run *domain.ScanRun) {
	feature := run.Feature.String()
	metrics.RecordRun(feature, string(run.State), run.Duration())
	metrics.RecordMessages(feature, "succeeded", run.Succeeded)
	metrics.RecordMessages(feature, "errored", run.Errored)
	metrics.RecordMessages(feature, "unprocessed", run.Unprocessed)
}

// tally is shared by the workers of one run.
type tally struct {
	succeeded, errored, skipped       atomic.Int64
	extracted, belowThreshold         atomic.Int64
	persisted, overwritten, unchanged atomic.Int64
}

// processCandidates feeds refs in order to a fixed pool. Dispatch stops at
// the run deadline; work already dispatched finishes on ctx.
func (p *BatchProcessor) processCandidates(ctx, runCtx context.Context, run *domain.ScanRun, user *authdomain.User, cfg *domain.UserPipelineConfig, refs []domain.MessageRef, log *zap.Logger) domain.RunCounts {
	var t tally
	jobs := make(chan domain.MessageRef)
	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ref := range jobs {
				p.processMessage(ctx, run, user, cfg, ref, &t, log)
			}
		}()
	}

	dispatched := 0
dispatch:
	for _, ref := range refs {
		if runCtx.Err() != nil {
			break
		}
		select {
		case <-runCtx.Done():
			break dispatch
		case jobs <- ref:
			dispatched++
		}
	}
	close(jobs)
	wg.Wait()

	if dispatched < len(refs) {
		log.Warn("Run deadline reached, candidates left unprocessed",
			zap.Int("unprocessed", len(refs)-dispatched))
	}

	return domain.RunCounts{
		Candidates:     len(refs),
		Succeeded:      int(t.succeeded.Load()),
		Errored:        int(t.errored.Load()),
		Unprocessed:    len(refs) - dispatched,
		Skipped:        int(t.skipped.Load()),
		Extracted:      int(t.extracted.Load()),
		BelowThreshold: int(t.belowThreshold.Load()),
		Persisted:      int(t.persisted.Load()),
		Overwritten:    int(t.overwritten.Load()),
		Unchanged:      int(t.unchanged.Load()),
	}
}

// processMessage counts every ref exactly once as succeeded or errored.
func (p *BatchProcessor) processMessage(ctx context.Context, run *domain.ScanRun, user *authdomain.User, cfg *domain.UserPipelineConfig, ref domain.MessageRef, t *tally, log *zap.Logger) {
	log = log.With(zap.String("message_id", ref.ID))
	key := domain.MessageKey(run.UserID, run.Feature, ref.ID)

	seen, err := p.seen.Seen(ctx, key)
	if err != nil {
		log.Warn("Dedup lookup failed, processing anyway", zap.Error(err))
	}
	if seen {
		t.skipped.Add(1)
		t.succeeded.Add(1)
		return
	}

	msg, err := p.fetcher.Load(ctx, user, ref)
	if err != nil {
		log.Warn("Failed to load message", zap.Error(err))
		t.errored.Add(1)
		return
	}
	if msg.Generated {
		log.Debug("Skipping mail written by an earlier run")
		p.markSeen(ctx, key, log)
		t.skipped.Add(1)
		t.succeeded.Add(1)
		return
	}

	extractions, err := p.classifier.Classify(ctx, run.Feature, msg)
	switch {
	case errors.Is(err, domain.ErrMalformedOutput):
		// counted as a message without entries; left unmarked so a later
		// run may classify it again
		log.Warn("Classifier output was malformed", zap.Error(err))
		t.succeeded.Add(1)
		return
	case err != nil:
		log.Warn("Failed to classify message", zap.Error(err))
		t.errored.Add(1)
		return
	}
	t.extracted.Add(int64(len(extractions)))

	now := p.now()
	for _, ext := range extractions {
		if ext.Confidence < cfg.MinConfidence {
			t.belowThreshold.Add(1)
			continue
		}
		entry := domain.NewExtractedEntry(run, msg, ext, now)
		outcome, err := p.entries.Upsert(ctx, entry)
		if err != nil {
			log.Error("Failed to persist entry", zap.String("dedup_key", entry.DedupKey), zap.Error(err))
			t.errored.Add(1)
			return
		}
		metrics.RecordEntry(run.Feature.String(), string(outcome))
		switch outcome {
		case domain.UpsertInserted:
			t.persisted.Add(1)
		case domain.UpsertOverwritten:
			t.overwritten.Add(1)
		case domain.UpsertUnchanged:
			t.unchanged.Add(1)
		}
	}

	p.markSeen(ctx, key, log)
	t.succeeded.Add(1)
}

func (p *BatchProcessor) markSeen(ctx context.Context, key string, log *zap.Logger) {
	if err := p.seen.Mark(ctx, key); err != nil {
		log.Warn("Failed to mark message as seen", zap.Error(err))
	}
}
