package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	authdomain "mailpipe-backend/internal/auth/domain"
	"mailpipe-backend/internal/pipeline/domain"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

// DefaultWatchRenewal is well inside the seven days a Gmail watch lasts.
const DefaultWatchRenewal = 24 * time.Hour

// GmailNotification is the payload Gmail publishes on mailbox changes.
type GmailNotification struct {
	EmailAddress string `json:"emailAddress"`
	HistoryID    uint64 `json:"historyId"`
}

type UserRepository interface {
	FindByID(ctx context.Context, id string) (*authdomain.User, error)
	FindByEmail(ctx context.Context, email string) (*authdomain.User, error)
}

type ConfigLister interface {
	ListEnabled(ctx context.Context) ([]*domain.UserPipelineConfig, error)
	ListEnabledByUser(ctx context.Context, userID string) ([]*domain.UserPipelineConfig, error)
}

type RunTrigger interface {
	RunNow(ctx context.Context, userID string, feature domain.Feature) (*domain.ScanRun, error)
}

// MailboxWatcher registers a mailbox for push notifications.
type MailboxWatcher interface {
	Watch(ctx context.Context, user *authdomain.User, topic string) (uint64, error)
}

// Service turns Gmail push notifications into immediate pipeline runs for
// the mailbox owner's enabled features.
type Service struct {
	pubsubClient *pubsub.Client
	users        UserRepository
	configs      ConfigLister
	trigger      RunTrigger
	watcher      MailboxWatcher
	logger       *zap.Logger
	projectID    string
	topicName    string
	subName      string
	renewal      time.Duration

	mu sync.Mutex
	// last historyId per user; older or repeated notifications are dropped
	lastHistoryID map[string]uint64
}

func NewService(users UserRepository, configs ConfigLister, trigger RunTrigger, watcher MailboxWatcher, logger *zap.Logger) *Service {
	return &Service{
		users:         users,
		configs:       configs,
		trigger:       trigger,
		watcher:       watcher,
		logger:        logger,
		renewal:       DefaultWatchRenewal,
		lastHistoryID: make(map[string]uint64),
	}
}

// Connect creates the Pub/Sub client for projectID. The subscription is
// named after the topic with a "-sub" suffix.
func (s *Service) Connect(ctx context.Context, projectID, topicName, credentialsFile string) error {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	client, err := pubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		return fmt.Errorf("failed to create pubsub client: %w", err)
	}
	s.pubsubClient = client
	s.projectID = projectID
	s.topicName = topicName
	s.subName = topicName + "-sub"
	return nil
}

func (s *Service) Close() error {
	if s.pubsubClient == nil {
		return nil
	}
	return s.pubsubClient.Close()
}

// Start renews mailbox watches periodically and receives notifications
// until ctx is done.
func (s *Service) Start(ctx context.Context) {
	if s.pubsubClient == nil {
		s.logger.Warn("Pub/Sub client not connected, mailbox watch disabled")
		return
	}
	go s.renewLoop(ctx)

	s.logger.Info("Starting mailbox watch listener",
		zap.String("topic", s.topicName),
		zap.String("subscription", s.subName))

	sub, err := s.ensureSubscription(ctx)
	if err != nil {
		s.logger.Error("Mailbox watch listener not started", zap.Error(err))
		return
	}

	err = sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		if err := s.HandleNotification(ctx, msg.Data); err != nil {
			s.logger.Warn("Failed to handle mailbox notification", zap.Error(err))
		}
		// a lost trigger is covered by the next tick
		msg.Ack()
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("Error receiving mailbox notifications", zap.Error(err))
	}
}

func (s *Service) ensureSubscription(ctx context.Context) (*pubsub.Subscription, error) {
	sub := s.pubsubClient.Subscription(s.subName)
	exists, err := sub.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("check subscription %s: %w", s.subName, err)
	}
	if exists {
		return sub, nil
	}

	topic := s.pubsubClient.Topic(s.topicName)
	topicExists, err := topic.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("check topic %s: %w", s.topicName, err)
	}
	if !topicExists {
		return nil, fmt.Errorf("topic %s does not exist", s.topicName)
	}

	sub, err = s.pubsubClient.CreateSubscription(ctx, s.subName, pubsub.SubscriptionConfig{
		Topic:       topic,
		AckDeadline: 10 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("create subscription %s: %w", s.subName, err)
	}
	s.logger.Info("Created subscription", zap.String("subscription", s.subName))
	return sub, nil
}

// HandleNotification triggers a run for every enabled feature of the
// mailbox owner. Repeated or older history ids are ignored.
func (s *Service) HandleNotification(ctx context.Context, data []byte) error {
	var notification GmailNotification
	if err := json.Unmarshal(data, &notification); err != nil {
		return fmt.Errorf("failed to unmarshal notification: %w", err)
	}
	email := strings.TrimSpace(notification.EmailAddress)
	if email == "" {
		return errors.New("notification without email address")
	}

	user, err := s.users.FindByEmail(ctx, email)
	if err != nil {
		return fmt.Errorf("find user %s: %w", email, err)
	}
	if user == nil {
		s.logger.Debug("Notification for unknown mailbox", zap.String("email", email))
		return nil
	}

	if !s.advance(user.ID, notification.HistoryID) {
		s.logger.Debug("Skipping duplicate notification",
			zap.String("user_id", user.ID),
			zap.Uint64("history_id", notification.HistoryID))
		return nil
	}

	configs, err := s.configs.ListEnabledByUser(ctx, user.ID)
	if err != nil {
		return fmt.Errorf("list configs for %s: %w", user.ID, err)
	}
	for _, cfg := range configs {
		run, err := s.trigger.RunNow(ctx, user.ID, cfg.Feature)
		switch {
		case errors.Is(err, domain.ErrRunInFlight):
			// the in-flight run or the next tick picks the new mail up
			continue
		case err != nil:
			s.logger.Warn("Failed to start run from mailbox notification",
				zap.String("user_id", user.ID),
				zap.String("feature", cfg.Feature.String()),
				zap.Error(err))
			continue
		}
		s.logger.Info("Run started by mailbox notification",
			zap.String("run_id", run.ID),
			zap.String("user_id", user.ID),
			zap.String("feature", cfg.Feature.String()),
			zap.Uint64("history_id", notification.HistoryID))
	}
	return nil
}

// advance records historyID for the user and reports whether it is newer
// than anything seen before.
func (s *Service) advance(userID string, historyID uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if last, ok := s.lastHistoryID[userID]; ok && historyID <= last {
		return false
	}
	s.lastHistoryID[userID] = historyID
	return true
}

func (s *Service) renewLoop(ctx context.Context) {
	s.RenewWatches(ctx)
	ticker := time.NewTicker(s.renewal)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RenewWatches(ctx)
		}
	}
}

// RenewWatches starts or refreshes the Gmail watch of every Google user
// with at least one enabled feature and returns how many succeeded.
func (s *Service) RenewWatches(ctx context.Context) int {
	configs, err := s.configs.ListEnabled(ctx)
	if err != nil {
		s.logger.Error("Failed to list configs for watch renewal", zap.Error(err))
		return 0
	}
	topic := fmt.Sprintf("projects/%s/topics/%s", s.projectID, s.topicName)

	renewed := 0
	done := make(map[string]bool)
	for _, cfg := range configs {
		if done[cfg.UserID] {
			continue
		}
		done[cfg.UserID] = true

		user, err := s.users.FindByID(ctx, cfg.UserID)
		if err != nil || user == nil {
			s.logger.Warn("Cannot renew watch for missing user", zap.String("user_id", cfg.UserID), zap.Error(err))
			continue
		}
		if user.Provider != "" && user.Provider != authdomain.ProviderGoogle {
			continue
		}
		historyID, err := s.watcher.Watch(ctx, user, topic)
		if err != nil {
			s.logger.Warn("Failed to renew mailbox watch", zap.String("user_id", user.ID), zap.Error(err))
			continue
		}
		// notifications up to the watch start are already covered by the
		// scheduled window
		s.advance(user.ID, historyID)
		renewed++
	}
	return renewed
}
