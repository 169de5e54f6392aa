package config

import (
	"os"
	"strconv"
	"time"

	"github.com/patrickwarner/chatads/internal/models"
)

// Config holds application configuration derived from environment variables.
type Config struct {
	Port          string
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	RedisAddr     string
	ClickHouseDSN string
	PostgresDSN   string
	// AutoMigrate applies embedded schema migrations at startup.
	AutoMigrate   bool
	GeoIPDB       string
	DebugTrace    bool
	// ReloadInterval controls how often creators and their settings are
	// refreshed from Postgres.
	ReloadInterval      time.Duration
	TokenSecret         string
	TokenTTL            time.Duration
	PublicBaseURL       string
	RateLimitEnabled    bool
	RateLimitCapacity   int
	RateLimitRefillRate int
	ServiceName         string
	// Embedding provider configuration
	EmbeddingProvider   string
	GeminiAPIKey        string
	EmbeddingModel      string
	EmbeddingDimensions int
	EmbeddingURL        string
	EmbeddingTimeout    time.Duration
	EmbeddingMaxRetries int
	EmbeddingCacheTTL   time.Duration
	// Serving defaults, overridable per creator
	DefaultSimilarityThreshold        float64
	DefaultDisplaySimilarityThreshold float64
	DefaultMinSecondsBetweenDisplay   int
	DefaultMaxAdsPerCampaign          int
	DefaultServeLimit                 int
	MaxServeLimit                     int
	FrequencyWindow                   time.Duration
	// Billing configuration
	CreatorRevenueShare float64
	BillingMaxRetries   int
	// Database connection pooling configuration
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration
	DBConnMaxIdleTime time.Duration
	// ClickHouse connection pooling configuration
	CHMaxOpenConns    int
	CHMaxIdleConns    int
	CHConnMaxLifetime time.Duration
	CHConnMaxIdleTime time.Duration
	// Tracing configuration
	TracingEnabled    bool
	TempoEndpoint     string
	TracingSampleRate float64
}

// Load parses environment variables and returns a Config populated with
// defaults when variables are absent.
func Load() Config {
	cfg := Config{}

	cfg.Port = getenv("PORT", "8787")
	cfg.ReadTimeout = envDuration("READ_TIMEOUT", 5*time.Second)
	cfg.WriteTimeout = envDuration("WRITE_TIMEOUT", 10*time.Second)
	cfg.RedisAddr = getenv("REDIS_ADDR", "localhost:6379")
	cfg.ClickHouseDSN = getenv("CLICKHOUSE_DSN", "clickhouse://default:@localhost:9000/default?async_insert=1&wait_for_async_insert=1")
	cfg.PostgresDSN = getenv("POSTGRES_DSN", "postgres://postgres@127.0.0.1:5432/postgres?sslmode=disable")
	cfg.AutoMigrate = envBool("AUTO_MIGRATE", true)
	cfg.GeoIPDB = getenv("GEOIP_DB", "internal/geoip/testdata/GeoLite2-Country.mmdb")
	cfg.DebugTrace = envBool("DEBUG_TRACE", false)
	cfg.ReloadInterval = envDuration("RELOAD_INTERVAL", 30*time.Second)
	cfg.TokenSecret = getenv("TOKEN_SECRET", "")
	// click links stay valid for a day; chat transcripts are re-read later
	cfg.TokenTTL = envDuration("TOKEN_TTL", 24*time.Hour)
	cfg.PublicBaseURL = getenv("PUBLIC_BASE_URL", "http://localhost:8787")
	cfg.RateLimitEnabled = envBool("RATE_LIMIT_ENABLED", true)
	cfg.RateLimitCapacity = envInt("RATE_LIMIT_CAPACITY", 100)
	cfg.RateLimitRefillRate = envInt("RATE_LIMIT_REFILL_RATE", 10)
	cfg.ServiceName = getenv("SERVICE_NAME", "chatads")

	cfg.EmbeddingProvider = getenv("EMBEDDING_PROVIDER", "gemini")
	cfg.GeminiAPIKey = getenv("GEMINI_API_KEY", "")
	cfg.EmbeddingModel = getenv("EMBEDDING_MODEL", "gemini-embedding-001")
	cfg.EmbeddingDimensions = envInt("EMBEDDING_DIMENSIONS", 768)
	cfg.EmbeddingURL = getenv("EMBEDDING_URL", "http://localhost:8000")
	cfg.EmbeddingTimeout = envDuration("EMBEDDING_TIMEOUT", 2*time.Second)
	cfg.EmbeddingMaxRetries = envInt("EMBEDDING_MAX_RETRIES", 3)
	cfg.EmbeddingCacheTTL = envDuration("EMBEDDING_CACHE_TTL", 24*time.Hour)

	cfg.DefaultSimilarityThreshold = envFloat("DEFAULT_SIMILARITY_THRESHOLD", 0.25)
	cfg.DefaultDisplaySimilarityThreshold = envFloat("DEFAULT_DISPLAY_SIMILARITY_THRESHOLD", 0.35)
	cfg.DefaultMinSecondsBetweenDisplay = envInt("DEFAULT_MIN_SECONDS_BETWEEN_DISPLAY_ADS", 30)
	cfg.DefaultMaxAdsPerCampaign = envInt("DEFAULT_MAX_ADS_PER_CAMPAIGN", 1)
	cfg.DefaultServeLimit = envInt("DEFAULT_SERVE_LIMIT", 3)
	cfg.MaxServeLimit = envInt("MAX_SERVE_LIMIT", 10)
	cfg.FrequencyWindow = envDuration("FREQUENCY_WINDOW", time.Hour)

	cfg.CreatorRevenueShare = envFloat("CREATOR_REVENUE_SHARE", 0.70)
	cfg.BillingMaxRetries = envInt("BILLING_MAX_RETRIES", 3)

	// Database connection pooling configuration
	cfg.DBMaxOpenConns = envInt("DB_MAX_OPEN_CONNS", 25)
	cfg.DBMaxIdleConns = envInt("DB_MAX_IDLE_CONNS", 5)
	cfg.DBConnMaxLifetime = envDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute)
	cfg.DBConnMaxIdleTime = envDuration("DB_CONN_MAX_IDLE_TIME", 1*time.Minute)

	// ClickHouse connection pooling configuration
	// Default to higher values than PostgreSQL due to async insert patterns and high event volume
	cfg.CHMaxOpenConns = envInt("CH_MAX_OPEN_CONNS", 100)
	cfg.CHMaxIdleConns = envInt("CH_MAX_IDLE_CONNS", 25)
	cfg.CHConnMaxLifetime = envDuration("CH_CONN_MAX_LIFETIME", 5*time.Minute)
	cfg.CHConnMaxIdleTime = envDuration("CH_CONN_MAX_IDLE_TIME", 1*time.Minute)

	// Tracing configuration
	cfg.TracingEnabled = envBool("TRACING_ENABLED", false)
	cfg.TempoEndpoint = getenv("TEMPO_ENDPOINT", "tempo:4317")
	cfg.TracingSampleRate = envFloat("TRACING_SAMPLE_RATE", 1.0) // Default to 100% sampling for dev

	return cfg
}

// CreatorDefaults returns the creator settings applied when a creator leaves
// a value unset.
func (c Config) CreatorDefaults() models.CreatorSettings {
	return models.CreatorSettings{
		MinSecondsBetweenDisplayAds:  c.DefaultMinSecondsBetweenDisplay,
		DisplayAdSimilarityThreshold: models.Threshold(c.DefaultDisplaySimilarityThreshold),
		MaxAdsPerCampaign:            c.DefaultMaxAdsPerCampaign,
	}
}

// getenv returns the value of the environment variable if set, otherwise def.
func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// envDuration parses an environment variable into a time.Duration.
// The value can be a duration string (e.g. "5s") or a number of seconds.
// If the variable is unset or invalid, def is returned.
func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return def
}

// envBool parses a boolean environment variable. Accepted values are those
// supported by strconv.ParseBool. When unset or invalid, def is returned.
func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if b, err := strconv.ParseBool(v); err == nil {
		return b
	}
	return def
}

// envInt parses an integer environment variable. When unset or invalid, def is returned.
func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if i, err := strconv.Atoi(v); err == nil {
		return i
	}
	return def
}

// envFloat parses a float64 environment variable. When unset or invalid, def is returned.
func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return f
	}
	return def
}
