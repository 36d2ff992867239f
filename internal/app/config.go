package app

import (
	"os"
	"strconv"
	"time"

	"github.com/aussiebroadwan/techmatch/pkg/apisdk"
	"github.com/aussiebroadwan/techmatch/pkg/httpx"
	"github.com/aussiebroadwan/techmatch/pkg/retryx"
	"github.com/joho/godotenv"
)

// Session store backends.
const (
	SessionStoreMemory = "memory"
	SessionStoreSQLite = "sqlite"
)

type Config struct {
	APIBaseURL string // Backend base URL (default: http://localhost:3000)
	MLBaseURL  string // Optional: recommendation service base URL (default: APIBaseURL)

	HTTPTimeout    time.Duration // Whole-call timeout including refresh and replay (default: 30s)
	RefreshTimeout time.Duration // Refresh request timeout (default: 10s)

	RecommendAttemptTimeout time.Duration // Per-attempt fetch timeout (default: 8s)
	RecommendMaxRetries     int           // Retries after the first attempt (default: 2)
	RecommendBaseDelay      time.Duration // First backoff delay, doubled per retry (default: 500ms)
	HealthTimeout           time.Duration // Health probe timeout (default: 3s)

	CacheTTL           time.Duration // Successful result lifetime (default: 60s)
	CacheFailureTTL    time.Duration // Failed result lifetime, 0 disables (default: 5s)
	CachePurgeInterval time.Duration // Janitor interval (default: 1m)

	SessionStore        string // Session backend: memory, sqlite (default: sqlite)
	SessionDatabaseFile string // SQLite file for the sqlite backend (default: ./techmatch.db)
	SessionKeyFile      string // Key material sealing stored tokens, created on first use (default: SessionDatabaseFile + ".key", unless SESSION_KEY is set)

	Env         string // Environment (dev, staging, prod) (default: dev)
	LogLevel    string // Log level (debug, info, warn, error) (default: info)
	LogFormat   string // Log format (json, text, pretty) (default: json)
	MetricsAddr string // Optional: address serving /metrics, e.g. :9090

	OutboundLimit httpx.RateLimitConfig
}

// LoadConfig reads the configuration from the environment. A .env file in
// the working directory is loaded first when present; real environment
// variables win over it.
func LoadConfig() Config {
	_ = godotenv.Load()

	cfg := Config{
		APIBaseURL: getEnvOrDefault("API_BASE_URL", "http://localhost:3000"),
		MLBaseURL:  os.Getenv("ML_BASE_URL"),

		HTTPTimeout:    getEnvDurationOrDefault("HTTP_TIMEOUT", apisdk.DefaultTimeout),
		RefreshTimeout: getEnvDurationOrDefault("REFRESH_TIMEOUT", apisdk.DefaultRefreshTimeout),

		RecommendAttemptTimeout: getEnvDurationOrDefault("RECOMMEND_ATTEMPT_TIMEOUT", apisdk.DefaultAttemptTimeout),
		RecommendMaxRetries:     getEnvIntOrDefault("RECOMMEND_MAX_RETRIES", retryx.DefaultMaxRetries),
		RecommendBaseDelay:      getEnvDurationOrDefault("RECOMMEND_BASE_DELAY", retryx.DefaultBaseDelay),
		HealthTimeout:           getEnvDurationOrDefault("HEALTH_TIMEOUT", apisdk.DefaultHealthTimeout),

		CacheTTL:           getEnvDurationOrDefault("CACHE_TTL", apisdk.DefaultCacheTTL),
		CacheFailureTTL:    getEnvDurationOrDefault("CACHE_FAILURE_TTL", apisdk.DefaultCacheFailureTTL),
		CachePurgeInterval: getEnvDurationOrDefault("CACHE_PURGE_INTERVAL", time.Minute),

		SessionStore:        getEnvOrDefault("SESSION_STORE", SessionStoreSQLite),
		SessionDatabaseFile: getEnvOrDefault("SESSION_DATABASE_FILE", "techmatch.db"),
		SessionKeyFile:      os.Getenv("SESSION_KEY_FILE"),

		Env:         getEnvOrDefault("ENV", "dev"),
		LogLevel:    getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:   getEnvOrDefault("LOG_FORMAT", "json"),
		MetricsAddr: os.Getenv("METRICS_ADDR"),

		OutboundLimit: httpx.ParseRateLimitFromEnv("OUTBOUND", httpx.OutboundLimit),
	}

	if cfg.MLBaseURL == "" {
		cfg.MLBaseURL = cfg.APIBaseURL
	}
	if cfg.RecommendMaxRetries < 0 {
		cfg.RecommendMaxRetries = retryx.DefaultMaxRetries
	}

	return cfg
}

// RetryPolicy is the recommendation backoff policy described by cfg.
func (cfg Config) RetryPolicy() retryx.Policy {
	return retryx.Policy{
		MaxRetries: cfg.RecommendMaxRetries,
		BaseDelay:  cfg.RecommendBaseDelay,
	}
}

// SessionKeyPath is where the sqlite backend keeps its sealing key. It is
// empty only when SESSION_KEY supplies the key material instead.
func (cfg Config) SessionKeyPath() string {
	if cfg.SessionKeyFile != "" {
		return cfg.SessionKeyFile
	}
	if os.Getenv("SESSION_KEY") != "" {
		return ""
	}
	return cfg.SessionDatabaseFile + ".key"
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	if intValue, err := strconv.Atoi(value); err == nil {
		return intValue
	}

	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	// Try parsing as duration (e.g., "1m", "30s", "500ms")
	if duration, err := time.ParseDuration(value); err == nil {
		return duration
	}

	// Bare integers are seconds
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}

	return defaultValue
}
