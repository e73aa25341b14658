package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"mailpipe-backend/internal/pipeline/domain"
	"mailpipe-backend/internal/pipeline/repository"
	"mailpipe-backend/pkg/metrics"

	"go.uber.org/zap"
)

const (
	DefaultTickInterval      = time.Minute
	DefaultStaleGrace        = 5 * time.Minute
	DefaultNotifyRetryWindow = 24 * time.Hour
	DefaultNotifyGrace       = 5 * time.Minute
)

type SchedulerOptions struct {
	Interval          time.Duration
	RunTimeout        time.Duration
	StaleGrace        time.Duration
	NotifyRetryWindow time.Duration
	NotifyGrace       time.Duration
}

// TickResult summarises one scheduling pass.
type TickResult struct {
	Started   int
	Skipped   int
	NotDue    int
	Recovered int
	Notified  int
}

// Scheduler decides which configs are due and starts their runs. Decisions
// are derived from persisted runs only, so a restart loses nothing.
type Scheduler struct {
	configs   repository.ConfigRepository
	runs      repository.ScanRunRepository
	processor *BatchProcessor
	notifier  *Notifier
	opts      SchedulerOptions
	now       func() time.Time
	logger    *zap.Logger

	mu         sync.Mutex
	started    bool
	stopChan   chan struct{}
	loopDone   chan struct{}
	runCtx     context.Context
	cancelRuns context.CancelFunc
	inflight   sync.WaitGroup
}

func NewScheduler(
	configs repository.ConfigRepository,
	runs repository.ScanRunRepository,
	processor *BatchProcessor,
	notifier *Notifier,
	opts SchedulerOptions,
	logger *zap.Logger,
) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = DefaultTickInterval
	}
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = DefaultRunTimeout
	}
	if opts.StaleGrace <= 0 {
		opts.StaleGrace = DefaultStaleGrace
	}
	if opts.NotifyRetryWindow <= 0 {
		opts.NotifyRetryWindow = DefaultNotifyRetryWindow
	}
	if opts.NotifyGrace <= 0 {
		opts.NotifyGrace = DefaultNotifyGrace
	}
	runCtx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		configs:    configs,
		runs:       runs,
		processor:  processor,
		notifier:   notifier,
		opts:       opts,
		now:        time.Now,
		logger:     logger,
		runCtx:     runCtx,
		cancelRuns: cancel,
	}
}

// Start ticks immediately and then on every interval until Stop or until
// ctx is done. Runs are detached from ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.stopChan = make(chan struct{})
	s.loopDone = make(chan struct{})

	s.logger.Info("Starting pipeline scheduler", zap.Duration("interval", s.opts.Interval))
	go func() {
		defer close(s.loopDone)
		s.Tick(ctx)

		ticker := time.NewTicker(s.opts.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.Tick(ctx)
			case <-s.stopChan:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop ends the ticker and waits for in-flight runs. When ctx expires
// first the runs are canceled; they still record a terminal state.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		close(s.stopChan)
		s.started = false
	}
	loopDone := s.loopDone
	s.mu.Unlock()

	if loopDone != nil {
		<-loopDone
	}

	if err := s.Wait(ctx); err != nil {
		s.cancelRuns()
		s.logger.Warn("Canceled in-flight scan runs on shutdown")
		return err
	}
	s.logger.Info("Pipeline scheduler stopped")
	return nil
}

// Wait blocks until every launched run has finished or ctx is done.
func (s *Scheduler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Tick recovers abandoned runs, retries pending notifications and starts
// every due config that has no run in flight.
func (s *Scheduler) Tick(ctx context.Context) TickResult {
	var res TickResult
	now := s.now()

	cutoff := now.Add(-(s.opts.RunTimeout + s.opts.StaleGrace))
	recovered, err := s.runs.FailAbandoned(ctx, cutoff, now)
	if err != nil {
		s.logger.Error("Failed to recover abandoned runs", zap.Error(err))
	} else if recovered > 0 {
		res.Recovered = int(recovered)
		s.logger.Warn("Recovered abandoned scan runs", zap.Int64("count", recovered))
	}

	if s.notifier != nil {
		// runs younger than the grace may still be in their first delivery
		notified, err := s.notifier.RetryPending(ctx, now.Add(-s.opts.NotifyRetryWindow), now.Add(-s.opts.NotifyGrace))
		if err != nil {
			s.logger.Error("Notification retry sweep failed", zap.Error(err))
		}
		res.Notified = notified
	}

	configs, err := s.configs.ListEnabled(ctx)
	if err != nil {
		s.logger.Error("Failed to list pipeline configs", zap.Error(err))
		return res
	}

	for _, cfg := range configs {
		if ctx.Err() != nil {
			break
		}
		log := s.logger.With(zap.String("user_id", cfg.UserID), zap.String("feature", cfg.Feature.String()))

		last, err := s.runs.LatestTerminal(ctx, cfg.UserID, cfg.Feature, nil)
		if err != nil {
			log.Error("Failed to load last run", zap.Error(err))
			continue
		}
		var lastCompleted *time.Time
		if last != nil {
			lastCompleted = last.CompletedAt
		}
		if !cfg.IsDue(lastCompleted, now) {
			res.NotDue++
			metrics.RecordSchedulerDecision("not_due")
			continue
		}

		run, err := s.schedule(ctx, cfg, now)
		if errors.Is(err, domain.ErrRunInFlight) {
			res.Skipped++
			metrics.RecordSchedulerDecision("skipped_in_flight")
			log.Info("Skipping due config, a run is still in flight")
			continue
		}
		if err != nil {
			log.Error("Failed to schedule run", zap.Error(err))
			continue
		}
		res.Started++
		metrics.RecordSchedulerDecision("started")
		s.launch(run, cfg)
	}

	if res.Started+res.Skipped+res.Recovered > 0 {
		s.logger.Info("Scheduler tick",
			zap.Int("started", res.Started),
			zap.Int("skipped", res.Skipped),
			zap.Int("not_due", res.NotDue),
			zap.Int("recovered", res.Recovered))
	}
	return res
}

// RunNow starts a run for one user and feature regardless of schedule and
// returns it as scheduled.
func (s *Scheduler) RunNow(ctx context.Context, userID string, feature domain.Feature) (*domain.ScanRun, error) {
	cfg, err := s.configs.FindByUserFeature(ctx, userID, feature)
	if err != nil {
		return nil, err
	}
	if cfg == nil || !cfg.Enabled {
		return nil, domain.ErrConfigNotFound
	}

	run, err := s.schedule(ctx, cfg, s.now())
	if err != nil {
		if errors.Is(err, domain.ErrRunInFlight) {
			metrics.RecordSchedulerDecision("skipped_in_flight")
		}
		return nil, err
	}
	metrics.RecordSchedulerDecision("manual")
	// the processor mutates run from here on
	snapshot := *run
	s.launch(run, cfg)
	return &snapshot, nil
}

// schedule persists a Scheduled run whose window reaches back to the end of
// the last processed window.
func (s *Scheduler) schedule(ctx context.Context, cfg *domain.UserPipelineConfig, now time.Time) (*domain.ScanRun, error) {
	prev, err := s.runs.LatestTerminal(ctx, cfg.UserID, cfg.Feature, domain.ProcessedStates)
	if err != nil {
		return nil, fmt.Errorf("failed to load previous window: %w", err)
	}
	var prevEnd *time.Time
	if prev != nil {
		prevEnd = &prev.WindowEnd
	}

	start, end := cfg.ScanWindow(now, prevEnd)
	run := domain.NewScanRun(cfg, start, end, now)
	if err := s.runs.CreateIfNoneActive(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

// launch processes run on its own goroutine, detached from the caller.
func (s *Scheduler) launch(run *domain.ScanRun, cfg *domain.UserPipelineConfig) {
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		if err := s.processor.Process(s.runCtx, run, cfg); err != nil {
			s.logger.Error("Scan run aborted",
				zap.String("run_id", run.ID),
				zap.String("correlation_id", run.CorrelationID),
				zap.Error(err))
		}
	}()
}
