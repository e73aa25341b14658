package config

import (
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Port      string
	JWTSecret string

	// "postgres" or "sqlite"
	DatabaseDriver string
	DatabaseURL    string

	GoogleClientID      string
	GoogleClientSecret  string
	GoogleProjectID     string
	GooglePubSubTopic   string
	GoogleCredentials   string
	FirebaseCredentials string

	// AI provider: "gemini", "openai", "ollama" or "auto"
	AIProvider    string
	GeminiApiKey  string
	GeminiModel   string
	OpenAIApiKey  string
	OpenAIModel   string
	OllamaBaseURL string
	OllamaModel   string
	MaxBodySize   int

	RedisAddr     string
	RedisPassword string
	EncryptionKey string

	LogLevel  string
	LogFormat string

	Pipeline PipelineConfig
	Limits   LimitsConfig
	Dedup    DedupConfig
}

// PipelineConfig controls the scheduler and the per-run worker pool.
type PipelineConfig struct {
	TickInterval      time.Duration
	Workers           int
	RunTimeout        time.Duration
	ClassifierTimeout time.Duration
	MailTimeout       time.Duration
	StaleGrace        time.Duration
	NotifyRetryWindow time.Duration
	NotifyGrace       time.Duration
}

// LimitsConfig holds the token bucket and backoff budget per external dependency.
type LimitsConfig struct {
	Mail       LimitConfig
	Classifier LimitConfig
	Notify     LimitConfig
}

type LimitConfig struct {
	RequestsPerSecond float64
	Burst             int
	MaxAttempts       int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
}

type DedupConfig struct {
	// "memory" or "redis"
	Backend  string
	Capacity int
	TTL      time.Duration
}

func Load() *Config {
	// Load .env file if it exists
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	return fromViper(v)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "8080")
	v.SetDefault("jwt.secret", "your-secret-key-change-in-production")
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.url", "host=localhost user=postgres password=postgres dbname=mailpipe port=5432 sslmode=disable")

	v.SetDefault("google.pubsub.topic", "gmail-updates")

	v.SetDefault("ai.provider", "auto")
	v.SetDefault("gemini.model", "gemini-2.5-flash")
	v.SetDefault("openai.model", "gpt-4o-mini")
	v.SetDefault("ollama.base.url", "http://localhost:11434")
	v.SetDefault("ollama.model", "llama3")
	v.SetDefault("ai.max.body.size", 5000)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("pipeline.tick.interval", "60s")
	v.SetDefault("pipeline.workers", 5)
	v.SetDefault("pipeline.run.timeout", "5m")
	v.SetDefault("pipeline.classifier.timeout", "30s")
	v.SetDefault("pipeline.mail.timeout", "30s")
	v.SetDefault("pipeline.stale.grace", "5m")
	v.SetDefault("pipeline.notify.retry.window", "24h")
	v.SetDefault("pipeline.notify.grace", "5m")

	v.SetDefault("limits.mail.rps", 10)
	v.SetDefault("limits.mail.burst", 10)
	v.SetDefault("limits.mail.attempts", 4)
	v.SetDefault("limits.classifier.rps", 2)
	v.SetDefault("limits.classifier.burst", 5)
	v.SetDefault("limits.classifier.attempts", 3)
	v.SetDefault("limits.notify.rps", 5)
	v.SetDefault("limits.notify.burst", 5)
	v.SetDefault("limits.notify.attempts", 3)
	v.SetDefault("limits.base.delay", "500ms")
	v.SetDefault("limits.max.delay", "30s")

	v.SetDefault("dedup.backend", "memory")
	v.SetDefault("dedup.capacity", 50000)
	v.SetDefault("dedup.ttl", "72h")
}

func fromViper(v *viper.Viper) *Config {
	baseDelay := v.GetDuration("limits.base.delay")
	maxDelay := v.GetDuration("limits.max.delay")
	limit := func(name string) LimitConfig {
		return LimitConfig{
			RequestsPerSecond: v.GetFloat64("limits." + name + ".rps"),
			Burst:             v.GetInt("limits." + name + ".burst"),
			MaxAttempts:       v.GetInt("limits." + name + ".attempts"),
			BaseDelay:         baseDelay,
			MaxDelay:          maxDelay,
		}
	}

	return &Config{
		Port:                v.GetString("port"),
		JWTSecret:           v.GetString("jwt.secret"),
		DatabaseDriver:      strings.ToLower(v.GetString("database.driver")),
		DatabaseURL:         v.GetString("database.url"),
		GoogleClientID:      v.GetString("google.client.id"),
		GoogleClientSecret:  v.GetString("google.client.secret"),
		GoogleProjectID:     v.GetString("google.project.id"),
		GooglePubSubTopic:   v.GetString("google.pubsub.topic"),
		GoogleCredentials:   v.GetString("google.application.credentials"),
		FirebaseCredentials: v.GetString("firebase.credentials"),
		AIProvider:          strings.ToLower(v.GetString("ai.provider")),
		GeminiApiKey:        v.GetString("gemini.api.key"),
		GeminiModel:         v.GetString("gemini.model"),
		OpenAIApiKey:        v.GetString("openai.api.key"),
		OpenAIModel:         v.GetString("openai.model"),
		OllamaBaseURL:       v.GetString("ollama.base.url"),
		OllamaModel:         v.GetString("ollama.model"),
		MaxBodySize:         v.GetInt("ai.max.body.size"),
		RedisAddr:           v.GetString("redis.addr"),
		RedisPassword:       v.GetString("redis.password"),
		EncryptionKey:       v.GetString("encryption.key"),
		LogLevel:            v.GetString("log.level"),
		LogFormat:           v.GetString("log.format"),
		Pipeline: PipelineConfig{
			TickInterval:      v.GetDuration("pipeline.tick.interval"),
			Workers:           v.GetInt("pipeline.workers"),
			RunTimeout:        v.GetDuration("pipeline.run.timeout"),
			ClassifierTimeout: v.GetDuration("pipeline.classifier.timeout"),
			MailTimeout:       v.GetDuration("pipeline.mail.timeout"),
			StaleGrace:        v.GetDuration("pipeline.stale.grace"),
			NotifyRetryWindow: v.GetDuration("pipeline.notify.retry.window"),
			NotifyGrace:       v.GetDuration("pipeline.notify.grace"),
		},
		Limits: LimitsConfig{
			Mail:       limit("mail"),
			Classifier: limit("classifier"),
			Notify:     limit("notify"),
		},
		Dedup: DedupConfig{
			Backend:  strings.ToLower(v.GetString("dedup.backend")),
			Capacity: v.GetInt("dedup.capacity"),
			TTL:      v.GetDuration("dedup.ttl"),
		},
	}
}
