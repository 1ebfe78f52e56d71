package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
// Values are loaded from environment variables with sensible defaults.
type Config struct {
	// Server
	Port     int
	LogLevel string

	// External collaborators
	HarnessAPIURL string
	DeployAPIURL  string
	TraceAPIURL   string

	// Text generation
	OpenAIAPIKey string
	OpenAIModel  string
	TextGenRPS   float64

	// Metric source
	InfluxURL    string
	InfluxToken  string
	InfluxOrg    string
	InfluxBucket string

	// HTTP client
	HTTPTimeout time.Duration

	// Resilience
	MaxRetries     int
	InitialBackoff time.Duration
	MaxConcurrency int

	// Cache
	CacheTTL time.Duration

	// Observability
	OTLPEndpoint string

	// Persistence
	StoreDriver string // memory, sqlite or postgres
	DatabaseURL string

	// Dedup
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	DedupCooldown time.Duration
	DedupLockTTL  time.Duration

	// Scheduling
	ScanInterval      time.Duration
	ScanWindow        time.Duration
	ValidationTimeout time.Duration

	// Gate
	RequireHumanApproval bool

	// Admin API
	AdminJWTSecret string

	// Policy file (directionality, thresholds, rules)
	PolicyFile string
}

// Load reads configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		Port:     getEnvInt("PORT", 8080),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		HarnessAPIURL: getEnv("HARNESS_API_URL", ""),
		DeployAPIURL:  getEnv("DEPLOY_API_URL", ""),
		TraceAPIURL:   getEnv("TRACE_API_URL", ""),

		OpenAIAPIKey: getEnv("OPENAI_API_KEY", ""),
		OpenAIModel:  getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		TextGenRPS:   getEnvFloat("TEXTGEN_RPS", 2),

		InfluxURL:    getEnv("INFLUXDB_URL", ""),
		InfluxToken:  getEnv("INFLUXDB_TOKEN", ""),
		InfluxOrg:    getEnv("INFLUXDB_ORG", ""),
		InfluxBucket: getEnv("INFLUXDB_BUCKET", "quality"),

		HTTPTimeout: getEnvDuration("HTTP_TIMEOUT", 10*time.Second),

		MaxRetries:     getEnvInt("MAX_RETRIES", 3),
		InitialBackoff: getEnvDuration("INITIAL_BACKOFF", 100*time.Millisecond),
		MaxConcurrency: getEnvInt("MAX_CONCURRENCY", 8),

		CacheTTL: getEnvDuration("CACHE_TTL", 5*time.Minute),

		OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),

		StoreDriver: strings.ToLower(getEnv("STORE_DRIVER", "memory")),
		DatabaseURL: getEnv("DATABASE_URL", "file:qloop.db?_pragma=busy_timeout(5000)"),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		DedupCooldown: getEnvDuration("DEDUP_COOLDOWN", 30*time.Minute),
		DedupLockTTL:  getEnvDuration("DEDUP_LOCK_TTL", 10*time.Second),

		ScanInterval:      getEnvDuration("SCAN_INTERVAL", 5*time.Minute),
		ScanWindow:        getEnvDuration("SCAN_WINDOW", time.Hour),
		ValidationTimeout: getEnvDuration("VALIDATION_TIMEOUT", 10*time.Minute),

		RequireHumanApproval: getEnvBool("REQUIRE_HUMAN_APPROVAL", false),

		AdminJWTSecret: getEnv("ADMIN_JWT_SECRET", ""),

		PolicyFile: getEnv("POLICY_FILE", ""),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
