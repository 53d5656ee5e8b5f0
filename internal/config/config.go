package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPPort    string

	LogLevel  string
	LogFormat string

	// WebhookSecret is the shared secret used to verify inbound
	// processor signatures.
	WebhookSecret string
	// WebhookTolerance bounds how old an event timestamp may be before
	// it is rejected as a replay.
	WebhookTolerance time.Duration
	// LedgerRetention is how long processed webhook events are kept in
	// the dedup ledger before the purge job removes them.
	LedgerRetention time.Duration

	ProcessorAPIKey  string
	ProcessorBaseURL string
	ProcessorTimeout time.Duration

	// SchedulerInterval is the sweep loop period.
	SchedulerInterval time.Duration

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
	DBConnMaxIdleTime int

	RedisAddr     string
	RedisPassword string

	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
	// NotifyAddress is the operational inbox for lifecycle notices. User
	// directories live outside this service, so notices fan out to a
	// single configured address.
	NotifyAddress string
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:     getenv("APP_SERVICE", "paylane"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),
		HTTPPort:    getenv("HTTP_PORT", "8080"),

		LogLevel:  getenv("LOG_LEVEL", "info"),
		LogFormat: getenv("LOG_FORMAT", "json"),

		WebhookSecret:    strings.TrimSpace(getenv("WEBHOOK_SECRET", "")),
		WebhookTolerance: getenvDuration("WEBHOOK_TOLERANCE", 5*time.Minute),
		LedgerRetention:  getenvDuration("WEBHOOK_LEDGER_RETENTION", 72*time.Hour),

		ProcessorAPIKey:  strings.TrimSpace(getenv("PROCESSOR_API_KEY", "")),
		ProcessorBaseURL: getenv("PROCESSOR_BASE_URL", "https://api.stripe.com"),
		ProcessorTimeout: getenvDuration("PROCESSOR_TIMEOUT", 10*time.Second),

		SchedulerInterval: getenvDuration("SCHEDULER_INTERVAL", time.Minute),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "paylane"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 25),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 3600),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 600),

		RedisAddr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
		RedisPassword: getenv("REDIS_PASSWORD", ""),

		SMTPHost:     getenv("SMTP_HOST", ""),
		SMTPPort:     getenvInt("SMTP_PORT", 587),
		SMTPUsername: getenv("SMTP_USERNAME", ""),
		SMTPPassword: getenv("SMTP_PASSWORD", ""),
		SMTPFrom:     getenv("SMTP_FROM", "no-reply@sessionlane.com"),

		NotifyAddress: strings.TrimSpace(getenv("NOTIFY_ADDRESS", "")),
	}
}

var Module = fx.Module("config",
	fx.Provide(Load),
	fx.Provide(NewPayoutPolicyHolder),
)

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
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

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return parsed
}
