package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config centralizes runtime settings for the API, workers and sweeper.
type Config struct {
	Port string

	AuthToken string

	DatabaseURL string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisStream   string
	RedisDLQ      string
	RedisGroup    string
	RedisConsumer string
	RedisDelayKey string

	QueueMaxAttempts    int
	QueuePollIntervalMS int

	QueueBatchingEnabled     bool
	QueueBatchSize           int
	QueueBatchFlushMS        int
	QueueBatchFlushTimeoutMS int
	QueueBatchQueueCapacity  int
	QueueBatchMaxInFlight    int

	RuleCacheTTLSeconds int
	RuleCacheMaxEntries int

	ClaimLeaseSeconds int
	CascadeWarnDepth  int
	CascadeMaxDepth   int

	RetentionDays int
	SweepCron     string

	WorkerEnabled     bool
	WorkerConcurrency int

	SendGridAPIKey   string
	EmailFrom        string
	EmailFromName    string
	SMSFrom          string
	SMSDefaultRegion string
	NotifyRPS        float64
	NotifyBurst      int

	RateLimitRPS       float64
	RateLimitBurst     int
	CORSAllowedOrigins []string

	LogLevel  string
	LogFormat string
}

var defaults = map[string]any{
	"PORT":             "8080",
	"API_AUTH_TOKEN":   "",
	"DATABASE_URL":     "",
	"REDIS_ADDR":       "",
	"REDIS_PASSWORD":   "",
	"REDIS_DB":         0,
	"REDIS_STREAM":     "automation_jobs",
	"REDIS_DLQ_STREAM": "automation_jobs_dlq",
	"REDIS_GROUP":      "automation_workers",
	"REDIS_CONSUMER":   "worker-1",
	"REDIS_DELAY_KEY":  "automation_jobs_delayed",

	"QUEUE_MAX_ATTEMPTS":     3,
	"QUEUE_POLL_INTERVAL_MS": 500,

	"QUEUE_BATCHING_ENABLED":       false,
	"QUEUE_BATCH_SIZE":             32,
	"QUEUE_BATCH_FLUSH_MS":         25,
	"QUEUE_BATCH_FLUSH_TIMEOUT_MS": 3000,
	"QUEUE_BATCH_QUEUE_CAPACITY":   2048,
	"QUEUE_BATCH_MAX_IN_FLIGHT":    4,

	"RULE_CACHE_TTL_SECONDS": 6 * 3600,
	"RULE_CACHE_MAX_ENTRIES": 5000,

	"CLAIM_LEASE_SECONDS": 300,
	"CASCADE_WARN_DEPTH":  20,
	"CASCADE_MAX_DEPTH":   0,

	"RETENTION_DAYS": 30,
	"SWEEP_CRON":     "0 3 * * *",

	"WORKER_ENABLED":     true,
	"WORKER_CONCURRENCY": 4,

	"SENDGRID_API_KEY":   "",
	"EMAIL_FROM":         "no-reply@example.com",
	"EMAIL_FROM_NAME":    "Service Shop",
	"SMS_FROM":           "",
	"SMS_DEFAULT_REGION": "US",
	"NOTIFY_RPS":         10.0,
	"NOTIFY_BURST":       20,

	"RATE_LIMIT_RPS":       20.0,
	"RATE_LIMIT_BURST":     40,
	"CORS_ALLOWED_ORIGINS": "",

	"LOG_LEVEL":  "info",
	"LOG_FORMAT": "json",
}

// Load reads settings from the process environment on top of the defaults.
func Load() Config {
	return LoadWithViper(NewViper())
}

func NewViper() *viper.Viper {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.AutomaticEnv()
	return v
}

func LoadWithViper(v *viper.Viper) Config {
	return Config{
		Port: v.GetString("PORT"),

		AuthToken: v.GetString("API_AUTH_TOKEN"),

		DatabaseURL: v.GetString("DATABASE_URL"),

		RedisAddr:     v.GetString("REDIS_ADDR"),
		RedisPassword: v.GetString("REDIS_PASSWORD"),
		RedisDB:       v.GetInt("REDIS_DB"),
		RedisStream:   v.GetString("REDIS_STREAM"),
		RedisDLQ:      v.GetString("REDIS_DLQ_STREAM"),
		RedisGroup:    v.GetString("REDIS_GROUP"),
		RedisConsumer: v.GetString("REDIS_CONSUMER"),
		RedisDelayKey: v.GetString("REDIS_DELAY_KEY"),

		QueueMaxAttempts:    v.GetInt("QUEUE_MAX_ATTEMPTS"),
		QueuePollIntervalMS: v.GetInt("QUEUE_POLL_INTERVAL_MS"),

		QueueBatchingEnabled:     v.GetBool("QUEUE_BATCHING_ENABLED"),
		QueueBatchSize:           v.GetInt("QUEUE_BATCH_SIZE"),
		QueueBatchFlushMS:        v.GetInt("QUEUE_BATCH_FLUSH_MS"),
		QueueBatchFlushTimeoutMS: v.GetInt("QUEUE_BATCH_FLUSH_TIMEOUT_MS"),
		QueueBatchQueueCapacity:  v.GetInt("QUEUE_BATCH_QUEUE_CAPACITY"),
		QueueBatchMaxInFlight:    v.GetInt("QUEUE_BATCH_MAX_IN_FLIGHT"),

		RuleCacheTTLSeconds: v.GetInt("RULE_CACHE_TTL_SECONDS"),
		RuleCacheMaxEntries: v.GetInt("RULE_CACHE_MAX_ENTRIES"),

		ClaimLeaseSeconds: v.GetInt("CLAIM_LEASE_SECONDS"),
		CascadeWarnDepth:  v.GetInt("CASCADE_WARN_DEPTH"),
		CascadeMaxDepth:   v.GetInt("CASCADE_MAX_DEPTH"),

		RetentionDays: v.GetInt("RETENTION_DAYS"),
		SweepCron:     v.GetString("SWEEP_CRON"),

		WorkerEnabled:     v.GetBool("WORKER_ENABLED"),
		WorkerConcurrency: v.GetInt("WORKER_CONCURRENCY"),

		SendGridAPIKey:   v.GetString("SENDGRID_API_KEY"),
		EmailFrom:        v.GetString("EMAIL_FROM"),
		EmailFromName:    v.GetString("EMAIL_FROM_NAME"),
		SMSFrom:          v.GetString("SMS_FROM"),
		SMSDefaultRegion: v.GetString("SMS_DEFAULT_REGION"),
		NotifyRPS:        v.GetFloat64("NOTIFY_RPS"),
		NotifyBurst:      v.GetInt("NOTIFY_BURST"),

		RateLimitRPS:       v.GetFloat64("RATE_LIMIT_RPS"),
		RateLimitBurst:     v.GetInt("RATE_LIMIT_BURST"),
		CORSAllowedOrigins: splitList(v.GetString("CORS_ALLOWED_ORIGINS")),

		LogLevel:  v.GetString("LOG_LEVEL"),
		LogFormat: v.GetString("LOG_FORMAT"),
	}
}

func (c Config) RuleCacheTTL() time.Duration {
	return time.Duration(c.RuleCacheTTLSeconds) * time.Second
}

func (c Config) ClaimLease() time.Duration {
	return time.Duration(c.ClaimLeaseSeconds) * time.Second
}

func (c Config) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

func (c Config) QueuePollInterval() time.Duration {
	return time.Duration(c.QueuePollIntervalMS) * time.Millisecond
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}
