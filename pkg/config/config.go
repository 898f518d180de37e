package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the broker core.
type Config struct {
	Port string

	// Database
	DBPath string

	// Market data
	Symbols          []string
	UseMockFeed      bool
	MockStartPrice   float64
	MockTickInterval time.Duration
	StalenessWindow  time.Duration

	// Intake pipeline
	Workers        int
	QueueSize      int
	EnableOrderWAL bool
	OrderWALPath   string

	// Ledger retry budget
	StorageRetries     int
	StorageBackoffBase time.Duration

	// Reconciliation
	ReconcileInterval time.Duration

	// Account onboarding defaults
	InitialCash    float64
	MarginLeverage float64 // buying-power multiplier for margin accounts

	// Idle account managers are evicted after this long.
	AccountIdleTTL time.Duration

	// Compliance
	PolicyPath string

	// Auth
	JWTSecret string

	// Logging
	LogLevel  string
	LogFormat string
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	return &Config{
		Port:               getEnv("PORT", "8080"),
		DBPath:             getEnv("DB_PATH", "./data/broker.db"),
		Symbols:            splitAndTrim(getEnv("SYMBOLS", "AAPL,MSFT,SPY")),
		UseMockFeed:        getEnv("USE_MOCK_FEED", "true") == "true",
		MockStartPrice:     getEnvFloat("MOCK_START_PRICE", 100.0),
		MockTickInterval:   getEnvDuration("MOCK_TICK_INTERVAL", time.Second),
		StalenessWindow:    getEnvDuration("PRICE_STALENESS_WINDOW", 5*time.Second),
		Workers:            getEnvInt("PIPELINE_WORKERS", 4),
		QueueSize:          getEnvInt("INTAKE_QUEUE_SIZE", 200),
		EnableOrderWAL:     getEnv("ENABLE_ORDER_WAL", "true") == "true",
		OrderWALPath:       getEnv("ORDER_WAL_PATH", "./data/order_wal"),
		StorageRetries:     getEnvInt("STORAGE_RETRIES", 3),
		StorageBackoffBase: getEnvDuration("STORAGE_BACKOFF_BASE", 50*time.Millisecond),
		ReconcileInterval:  getEnvDuration("RECONCILE_INTERVAL", time.Minute),
		InitialCash:        getEnvFloat("INITIAL_CASH", 10000.0),
		MarginLeverage:     getEnvFloat("MARGIN_LEVERAGE", 2.0),
		AccountIdleTTL:     getEnvDuration("ACCOUNT_IDLE_TTL", 30*time.Minute),
		PolicyPath:         getEnv("COMPLIANCE_POLICY_PATH", ""),
		JWTSecret:          getEnv("JWT_SECRET", "dev-secret"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		LogFormat:          getEnv("LOG_FORMAT", "text"),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, strings.ToUpper(t))
		}
	}
	return out
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
