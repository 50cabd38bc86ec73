package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int

	OTLPEndpoint   string
	MetricsEnabled bool

	RateLimit RateLimitConfig
	Quota     QuotaConfig
	Anomaly   AnomalyConfig
	Retention RetentionConfig
	Notify    NotifyConfig
	Scheduler SchedulerConfig
}

// RateLimitConfig controls redis-backed ingest admission.
type RateLimitConfig struct {
	Enabled       bool
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	TenantRate    float64
	TenantBurst   int
	LockTTLSecond int
}

// QuotaConfig carries enforcement policy knobs.
type QuotaConfig struct {
	// CountCrossingAsOverage bills the portion of the crossing commit
	// above the limit as the first overage units.
	CountCrossingAsOverage bool
	MaxCommitAttempts      int
}

// AnomalyConfig carries detection thresholds.
type AnomalyConfig struct {
	FraudRiskScore    float64
	ZScoreThreshold   float64
	VelocityThreshold float64
}

// RetentionConfig bounds the raw event window.
type RetentionConfig struct {
	RawEventDays int
}

// SchedulerConfig tunes the background loop. EnabledJobs is a comma
// separated allowlist; empty runs everything.
type SchedulerConfig struct {
	RunIntervalSeconds int
	BatchSize          int
	EnabledJobs        string
}

// NotifyConfig selects the alert notification transport.
type NotifyConfig struct {
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
	SlackWebhook string
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:     getenv("APP_SERVICE", "quotaflow"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "quotaflow"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", "postgres"),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 50),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 3600),

		OTLPEndpoint:   getenv("OTLP_ENDPOINT", "localhost:4317"),
		MetricsEnabled: getenvBool("METRICS_ENABLED", false),

		RateLimit: RateLimitConfig{
			Enabled:       getenvBool("RATE_LIMIT_ENABLED", false),
			RedisAddr:     strings.TrimSpace(getenv("RATE_LIMIT_REDIS_ADDR", "")),
			RedisPassword: strings.TrimSpace(getenv("RATE_LIMIT_REDIS_PASSWORD", "")),
			RedisDB:       getenvInt("RATE_LIMIT_REDIS_DB", 0),
			TenantRate:    getenvFloat("RATE_LIMIT_TENANT_RATE", 200),
			TenantBurst:   getenvInt("RATE_LIMIT_TENANT_BURST", 400),
			LockTTLSecond: getenvInt("RATE_LIMIT_LOCK_TTL_SECONDS", 5),
		},
		Quota: QuotaConfig{
			CountCrossingAsOverage: getenvBool("QUOTA_COUNT_CROSSING_AS_OVERAGE", true),
			MaxCommitAttempts:      getenvInt("QUOTA_MAX_COMMIT_ATTEMPTS", 5),
		},
		Anomaly: AnomalyConfig{
			FraudRiskScore:    getenvFloat("ANOMALY_FRAUD_RISK_SCORE", 75),
			ZScoreThreshold:   getenvFloat("ANOMALY_ZSCORE_THRESHOLD", 3),
			VelocityThreshold: getenvFloat("ANOMALY_VELOCITY_THRESHOLD", 500),
		},
		Retention: RetentionConfig{
			RawEventDays: getenvInt("RETENTION_RAW_EVENT_DAYS", 90),
		},
		Scheduler: SchedulerConfig{
			RunIntervalSeconds: getenvInt("SCHEDULER_RUN_INTERVAL_SECONDS", 60),
			BatchSize:          getenvInt("SCHEDULER_BATCH_SIZE", 100),
			EnabledJobs:        strings.TrimSpace(getenv("SCHEDULER_ENABLED_JOBS", "")),
		},
		Notify: NotifyConfig{
			SMTPHost:     getenv("SMTP_HOST", ""),
			SMTPPort:     getenvInt("SMTP_PORT", 587),
			SMTPUsername: getenv("SMTP_USERNAME", ""),
			SMTPPassword: getenv("SMTP_PASSWORD", ""),
			SMTPFrom:     getenv("SMTP_FROM", ""),
			SlackWebhook: strings.TrimSpace(getenv("SLACK_WEBHOOK_URL", "")),
		},
	}
}

var Module = fx.Module("config",
	fx.Provide(Load),
)

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}
