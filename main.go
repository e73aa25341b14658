package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	api "mailpipe-backend/cmd/api"
	authdomain "mailpipe-backend/internal/auth/domain"
	authRepo "mailpipe-backend/internal/auth/repository"
	authUsecase "mailpipe-backend/internal/auth/usecase"
	"mailpipe-backend/internal/notification"
	pipelineDelivery "mailpipe-backend/internal/pipeline/delivery"
	"mailpipe-backend/internal/pipeline/domain"
	"mailpipe-backend/internal/pipeline/provider"
	pipelineRepo "mailpipe-backend/internal/pipeline/repository"
	pipelineUsecase "mailpipe-backend/internal/pipeline/usecase"
	"mailpipe-backend/pkg/ai"
	"mailpipe-backend/pkg/config"
	"mailpipe-backend/pkg/crypto"
	"mailpipe-backend/pkg/database"
	"mailpipe-backend/pkg/dedup"
	"mailpipe-backend/pkg/fcm"
	"mailpipe-backend/pkg/gmail"
	"mailpipe-backend/pkg/imap"
	"mailpipe-backend/pkg/logger"
	"mailpipe-backend/pkg/ratelimit"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const imapTimeout = 30 * time.Second

func main() {
	// Load configuration
	cfg := config.Load()

	zapLogger, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatal("Failed to initialize logger:", err)
	}
	defer zapLogger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize database
	db, err := database.Open(cfg)
	if err != nil {
		zapLogger.Fatal("Failed to connect to database", zap.Error(err))
	}
	if err := db.AutoMigrate(&authdomain.User{}, &authdomain.FCMToken{}); err != nil {
		zapLogger.Fatal("Failed to migrate auth schema", zap.Error(err))
	}
	if err := pipelineRepo.Migrate(db); err != nil {
		zapLogger.Fatal("Failed to migrate pipeline schema", zap.Error(err))
	}

	var sealer *crypto.Sealer
	if cfg.EncryptionKey != "" {
		sealer, err = crypto.NewSealer(cfg.EncryptionKey)
		if err != nil {
			zapLogger.Fatal("Invalid encryption key", zap.Error(err))
		}
	} else {
		zapLogger.Warn("ENCRYPTION_KEY not set, mailbox credentials are stored unencrypted")
	}

	// Initialize repositories (dependency injection)
	userRepo := authRepo.NewUserRepository(db, sealer)
	fcmTokenRepo := authRepo.NewFCMTokenRepository(db)
	configRepo := pipelineRepo.NewConfigRepository(db)
	runRepo := pipelineRepo.NewScanRunRepository(db)
	entryRepo := pipelineRepo.NewEntryRepository(db)
	notificationRepo := pipelineRepo.NewNotificationRepository(db)

	// Mailbox providers
	gmailService := gmail.NewService(cfg.GoogleClientID, cfg.GoogleClientSecret, zapLogger)
	imapService := imap.NewService(imapTimeout)
	gmailProvider := provider.NewGmailProvider(gmailService, userRepo, zapLogger)
	mail := provider.NewMailRouter(gmailProvider, provider.NewIMAPProvider(imapService))
	dispatch := provider.NewDispatchRouter(provider.NewGmailDispatcher(gmailProvider), provider.NewIMAPDispatcher(imapService))

	// Push notifications are optional
	var pusher provider.Pusher
	if cfg.FirebaseCredentials != "" {
		fcmClient, err := fcm.NewClient(ctx, cfg.FirebaseCredentials, zapLogger)
		if err != nil {
			zapLogger.Warn("Failed to initialize FCM client, push notifications disabled", zap.Error(err))
		} else {
			pusher = provider.NewFCMPusher(fcmClient, fcmTokenRepo, zapLogger)
		}
	}

	// Classifier backend; Ollama settings can change at runtime
	settings := api.NewRuntimeSettings(cfg.OllamaBaseURL, cfg.OllamaModel)
	generator, err := ai.NewGenerator(ctx, ai.Config{
		Provider:         ai.ProviderType(cfg.AIProvider),
		GeminiAPIKey:     cfg.GeminiApiKey,
		GeminiModel:      cfg.GeminiModel,
		OpenAIAPIKey:     cfg.OpenAIApiKey,
		OpenAIModel:      cfg.OpenAIModel,
		GetOllamaBaseURL: settings.OllamaBaseURL,
		GetOllamaModel:   settings.OllamaModel,
	}, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to initialize AI generator", zap.Error(err))
	}
	settings.SetPinger(ai.NewOllamaServiceWithGetters(settings.OllamaBaseURL, settings.OllamaModel, ai.Options{}))
	zapLogger.Info("AI generator initialized", zap.String("generator", generator.Name()))

	seen, closeSeen := newDedupIndex(cfg, zapLogger)
	defer closeSeen()

	mailLimiter := newLimiter("mail", cfg.Limits.Mail, zapLogger)
	classifierLimiter := newLimiter("classifier", cfg.Limits.Classifier, zapLogger)
	notifyLimiter := newLimiter("notify", cfg.Limits.Notify, zapLogger)

	// Initialize use cases (dependency injection)
	fetcher := pipelineUsecase.NewFetcher(mail, mailLimiter, cfg.Pipeline.MailTimeout, zapLogger)
	classifier := pipelineUsecase.NewClassifier(generator, classifierLimiter, cfg.Pipeline.ClassifierTimeout, cfg.MaxBodySize, zapLogger)
	notifier := pipelineUsecase.NewNotifier(runRepo, entryRepo, notificationRepo, userRepo, dispatch, pusher, notifyLimiter, cfg.Pipeline.MailTimeout, zapLogger)
	processor := pipelineUsecase.NewBatchProcessor(runRepo, entryRepo, userRepo, fetcher, classifier, seen, notifier,
		pipelineUsecase.ProcessorOptions{
			Workers:    cfg.Pipeline.Workers,
			RunTimeout: cfg.Pipeline.RunTimeout,
		}, zapLogger)
	scheduler := pipelineUsecase.NewScheduler(configRepo, runRepo, processor, notifier,
		pipelineUsecase.SchedulerOptions{
			Interval:          cfg.Pipeline.TickInterval,
			RunTimeout:        cfg.Pipeline.RunTimeout,
			StaleGrace:        cfg.Pipeline.StaleGrace,
			NotifyRetryWindow: cfg.Pipeline.NotifyRetryWindow,
			NotifyGrace:       cfg.Pipeline.NotifyGrace,
		}, zapLogger)
	scheduler.Start(ctx)

	// Gmail push notifications trigger immediate runs when configured
	if cfg.GoogleProjectID != "" {
		topicName := cfg.GooglePubSubTopic
		if parts := strings.Split(topicName, "/"); len(parts) > 1 {
			topicName = parts[len(parts)-1]
		}
		watch := notification.NewService(userRepo, configRepo, scheduler, gmailProvider, zapLogger)
		if err := watch.Connect(ctx, cfg.GoogleProjectID, topicName, cfg.GoogleCredentials); err != nil {
			zapLogger.Error("Failed to initialize mailbox watch", zap.Error(err))
		} else {
			defer watch.Close()
			go watch.Start(ctx)
		}
	} else {
		zapLogger.Warn("GOOGLE_PROJECT_ID not configured, mailbox watch disabled")
	}

	// Initialize HTTP handler
	authUc := authUsecase.NewAuthUsecase(fcmTokenRepo, cfg.JWTSecret)
	pipelineHandler := pipelineDelivery.NewPipelineHandler(scheduler, runRepo, entryRepo)
	server := api.NewHandler(authUc, pipelineHandler, settings, zapLogger).Server(":" + cfg.Port)

	go func() {
		zapLogger.Info("Server starting", zap.String("port", cfg.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zapLogger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	zapLogger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Pipeline.RunTimeout+10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("HTTP shutdown failed", zap.Error(err))
	}
	if err := scheduler.Stop(shutdownCtx); err != nil {
		zapLogger.Error("Scheduler did not drain in-flight runs", zap.Error(err))
	}
}

func newLimiter(name string, c config.LimitConfig, logger *zap.Logger) *ratelimit.Limiter {
	return ratelimit.New(name, ratelimit.Policy{
		RequestsPerSecond: c.RequestsPerSecond,
		Burst:             c.Burst,
		MaxAttempts:       c.MaxAttempts,
		BaseDelay:         c.BaseDelay,
		MaxDelay:          c.MaxDelay,
	}, logger, ratelimit.WithRetryable(domain.IsRetryable))
}

// newDedupIndex shares the index through Redis when configured so several
// replicas skip the same messages.
func newDedupIndex(cfg *config.Config, logger *zap.Logger) (dedup.Index, func()) {
	if cfg.Dedup.Backend == "redis" && cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		logger.Info("Using redis dedup index", zap.String("addr", cfg.RedisAddr))
		return dedup.NewRedisIndex(client, "mailpipe:seen:", cfg.Dedup.TTL), func() { _ = client.Close() }
	}
	return dedup.NewMemoryIndex(cfg.Dedup.Capacity, cfg.Dedup.TTL), func() {}
}
