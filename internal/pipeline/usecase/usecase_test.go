package usecase

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	authdomain "mailpipe-backend/internal/auth/domain"
	"mailpipe-backend/internal/pipeline/domain"
	"mailpipe-backend/internal/pipeline/provider"
	"mailpipe-backend/internal/pipeline/repository"
	"mailpipe-backend/pkg/database"
	"mailpipe-backend/pkg/dedup"
	"mailpipe-backend/pkg/ratelimit"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// fakeMail serves a fixed mailbox. listFn, when set, replaces List. Loads
// of ids in stalled block until their context ends.
type fakeMail struct {
	mu       sync.Mutex
	refs     []domain.MessageRef
	messages map[string]*domain.MessageCandidate
	loadErrs map[string]error
	stalled  map[string]bool
	listFn   func(call int) ([]domain.MessageRef, error)
	lists    int
	loads    int
}

func newFakeMail(msgs ...*domain.MessageCandidate) *fakeMail {
	f := &fakeMail{
		messages: map[string]*domain.MessageCandidate{},
		loadErrs: map[string]error{},
		stalled:  map[string]bool{},
	}
	for _, m := range msgs {
		f.refs = append(f.refs, domain.MessageRef{ID: m.ID, ThreadID: m.ThreadID, ReceivedAt: m.ReceivedAt})
		f.messages[m.ID] = m
	}
	return f
}

func (f *fakeMail) List(_ context.Context, _ *authdomain.User, _, _ time.Time, limit int) ([]domain.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists++
	if f.listFn != nil {
		return f.listFn(f.lists)
	}
	refs := f.refs
	if limit > 0 && len(refs) > limit {
		refs = refs[:limit]
	}
	return refs, nil
}

func (f *fakeMail) Load(ctx context.Context, _ *authdomain.User, ref domain.MessageRef) (*domain.MessageCandidate, error) {
	f.mu.Lock()
	f.loads++
	stalled := f.stalled[ref.ID]
	f.mu.Unlock()
	if stalled {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.loadErrs[ref.ID]; err != nil {
		return nil, err
	}
	msg, ok := f.messages[ref.ID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *msg
	return &cp, nil
}

// fakeGenerator answers with the response registered for the first marker
// found in the prompt.
type fakeGenerator struct {
	mu        sync.Mutex
	calls     int
	responses map[string]string
	delay     time.Duration
	block     chan struct{}
}

func newFakeGenerator(responses map[string]string) *fakeGenerator {
	return &fakeGenerator{responses: responses}
}

func (g *fakeGenerator) Name() string { return "fake" }

func (g *fakeGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	g.mu.Lock()
	g.calls++
	delay, block := g.delay, g.block
	g.mu.Unlock()

	if strings.Contains(prompt, "SLOW") {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if delay > 0 {
		time.Sleep(delay)
	}
	for marker, resp := range g.responses {
		if strings.Contains(prompt, marker) {
			return resp, nil
		}
	}
	return `{"entries": []}`, nil
}

func (g *fakeGenerator) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

// fakeDispatcher records what it was asked to deliver. When hold is set,
// SendDigest signals sending and waits for hold to close.
type fakeDispatcher struct {
	mu        sync.Mutex
	digests   []domain.Digest
	drafts    []domain.ReplyDraft
	digestErr error
	hold      chan struct{}
	sending   chan struct{}
}

func (d *fakeDispatcher) SendDigest(ctx context.Context, _ *authdomain.User, digest domain.Digest) error {
	d.mu.Lock()
	hold, sending := d.hold, d.sending
	d.mu.Unlock()
	if hold != nil {
		sending <- struct{}{}
		select {
		case <-hold:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.digestErr != nil {
		return d.digestErr
	}
	d.digests = append(d.digests, digest)
	return nil
}

func (d *fakeDispatcher) CreateDraft(_ context.Context, _ *authdomain.User, draft domain.ReplyDraft) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.drafts = append(d.drafts, draft)
	return "draft-" + draft.InReplyTo, nil
}

func (d *fakeDispatcher) digestCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.digests)
}

type fakePusher struct {
	mu     sync.Mutex
	pushes []domain.Push
	err    error
}

func (p *fakePusher) Push(_ context.Context, _ string, push domain.Push) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pushes = append(p.pushes, push)
	return p.err
}

type fakeUsers map[string]*authdomain.User

func (f fakeUsers) FindByID(_ context.Context, id string) (*authdomain.User, error) {
	return f[id], nil
}

func testLimiter(name string) *ratelimit.Limiter {
	return ratelimit.New(name, ratelimit.Policy{MaxAttempts: 3}, zap.NewNop(),
		ratelimit.WithRetryable(domain.IsRetryable),
		ratelimit.WithSleep(func(context.Context, time.Duration) error { return nil }))
}

type harnessOptions struct {
	workers           int
	runTimeout        time.Duration
	classifierTimeout time.Duration
	mailTimeout       time.Duration
	// mailbox and dispatcher replace the fakes when set
	mailbox    provider.MailProvider
	dispatcher provider.Dispatcher
}

type harness struct {
	db         *gorm.DB
	configs    repository.ConfigRepository
	runs       repository.ScanRunRepository
	entries    repository.EntryRepository
	marks      repository.NotificationRepository
	mail       *fakeMail
	gen        *fakeGenerator
	dispatch   *fakeDispatcher
	pusher     *fakePusher
	seen       *dedup.MemoryIndex
	user       *authdomain.User
	fetcher    *Fetcher
	classifier *Classifier
	notifier   *Notifier
	processor  *BatchProcessor
	scheduler  *Scheduler
}

func newHarness(t *testing.T, mail *fakeMail, gen *fakeGenerator, opts harnessOptions) *harness {
	t.Helper()
	db, err := database.NewSQLiteConnection("file:" + uuid.New().String() + "?mode=memory&cache=shared")
	require.NoError(t, err)
	require.NoError(t, repository.Migrate(db))

	h := &harness{
		db:       db,
		configs:  repository.NewConfigRepository(db),
		runs:     repository.NewScanRunRepository(db),
		entries:  repository.NewEntryRepository(db),
		marks:    repository.NewNotificationRepository(db),
		mail:     mail,
		gen:      gen,
		dispatch: &fakeDispatcher{},
		pusher:   &fakePusher{},
		seen:     dedup.NewMemoryIndex(100, time.Hour),
		user:     &authdomain.User{ID: "user-1", Email: "me@example.com", Provider: authdomain.ProviderGoogle},
	}
	users := fakeUsers{h.user.ID: h.user}
	logger := zap.NewNop()

	var mailbox provider.MailProvider = mail
	if opts.mailbox != nil {
		mailbox = opts.mailbox
	}
	var dispatch provider.Dispatcher = h.dispatch
	if opts.dispatcher != nil {
		dispatch = opts.dispatcher
	}

	h.fetcher = NewFetcher(mailbox, testLimiter("mail"), opts.mailTimeout, logger)
	h.classifier = NewClassifier(gen, testLimiter("classifier"), opts.classifierTimeout, 0, logger)
	h.notifier = NewNotifier(h.runs, h.entries, h.marks, users, dispatch, h.pusher, testLimiter("notify"), opts.mailTimeout, logger)
	h.processor = NewBatchProcessor(h.runs, h.entries, users, h.fetcher, h.classifier, h.seen, h.notifier,
		ProcessorOptions{Workers: opts.workers, RunTimeout: opts.runTimeout}, logger)
	h.scheduler = NewScheduler(h.configs, h.runs, h.processor, h.notifier, SchedulerOptions{}, logger)
	return h
}

func (h *harness) config(t *testing.T, feature domain.Feature) *domain.UserPipelineConfig {
	t.Helper()
	cfg := &domain.UserPipelineConfig{
		UserID:          h.user.ID,
		Feature:         feature,
		Enabled:         true,
		ScanWindowHours: 24,
		IntervalMinutes: 60,
		MinConfidence:   0.5,
	}
	require.NoError(t, h.configs.Save(context.Background(), cfg))
	return cfg
}

// newRun persists a Scheduled run over the last day.
func (h *harness) newRun(t *testing.T, cfg *domain.UserPipelineConfig) *domain.ScanRun {
	t.Helper()
	now := time.Now()
	run := domain.NewScanRun(cfg, now.Add(-24*time.Hour), now, now)
	require.NoError(t, h.runs.CreateIfNoneActive(context.Background(), run))
	return run
}

func (h *harness) marker(t *testing.T, runID string) *domain.RunNotification {
	t.Helper()
	var n domain.RunNotification
	err := h.db.Where("scan_run_id = ?", runID).First(&n).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	require.NoError(t, err)
	return &n
}

func message(id, body string) *domain.MessageCandidate {
	return &domain.MessageCandidate{
		ID:         id,
		ThreadID:   "thread-" + id,
		MessageID:  "<" + id + "@mail.example.com>",
		From:       "Ana <ana@example.com>",
		To:         []string{"me@example.com"},
		Subject:    "Status " + id,
		Body:       body,
		ReceivedAt: time.Now().Add(-time.Hour).UTC(),
	}
}
