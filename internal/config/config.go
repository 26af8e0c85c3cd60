// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example DEEPSEEK_API_KEY becomes
// deepseek_api_key in YAML.
//
// Both backend keys are required: DeepSeek serves the reasoning surface and
// Gemini serves perception. Redis is optional — set CACHE_MODE=memory to use
// the built-in in-process cache with no external dependencies.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// DeepSeek is the reasoning backend. Required.
	DeepSeek BackendConfig

	// Gemini is the perception backend. Required.
	Gemini GeminiConfig

	// Redis holds the connection URL for the Redis-backed cache and rate limiter.
	// Required only when CacheMode is "redis".
	Redis RedisConfig

	// Cache controls the short-TTL response cache.
	Cache CacheConfig

	// Descriptions controls the content-addressed description cache.
	Descriptions DescriptionCacheConfig

	// PDF controls local PDF text extraction.
	PDF PDFConfig

	// Dedup controls duplicate-request coalescing.
	Dedup DedupConfig

	// RateLimit controls request-rate limiting.
	RateLimit RateLimitConfig

	// ClickHouseDSN enables the analytics request-log sink when non-empty.
	// Example: clickhouse://default:@localhost:9000/gateway
	ClickHouseDSN string

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default). Set to specific origins in prod.
	CORSOrigins []string
}

// BackendConfig holds configuration for an API-key backend.
type BackendConfig struct {
	// APIKey is the backend API key.
	APIKey string

	// BaseURL overrides the backend's default API endpoint.
	// Useful for local mocks and development. Leave empty to use the default.
	BaseURL string
}

// GeminiConfig holds perception backend configuration.
type GeminiConfig struct {
	// APIKey is the Gemini API key.
	APIKey string

	// BaseURL overrides the default endpoint. May carry a trailing API
	// version segment, e.g. https://host/v1beta.
	BaseURL string

	// Model is the Gemini model used for perception and the direct path.
	// Default: gemini-2.0-flash.
	Model string
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// CacheConfig controls the short-TTL response cache used by deduplication.
type CacheConfig struct {
	// Mode selects the cache backend:
	//   "redis"  — Redis-backed cache (requires REDIS_URL). Recommended for production.
	//   "memory" — In-process TTL cache. No external deps; not shared across replicas.
	//   "none"   — Cache disabled entirely.
	// Default: "memory".
	Mode string

	// TTL is the time-to-live for cached responses. Default: 60s.
	TTL time.Duration

	// ExcludeExact is a list of exact model names whose responses must never
	// be cached.
	ExcludeExact []string

	// ExcludePatterns is a list of Go regular expressions matched against
	// model names. Requests whose model matches any pattern are not cached.
	// Example: ["^ft:", ".*-preview$"]
	ExcludePatterns []string
}

// DescriptionCacheConfig controls the persistent perception-result cache.
type DescriptionCacheConfig struct {
	// Enabled turns the description cache on. Default: true.
	Enabled bool

	// Path is the JSON persistence file. Default: description_cache.json.
	Path string

	// Capacity is the maximum number of cached descriptions. Default: 1000.
	Capacity int

	// TTL is how long a description stays valid. Default: 24h.
	TTL time.Duration
}

// PDFConfig controls local PDF text extraction.
type PDFConfig struct {
	// LocalEnabled routes small PDFs to in-process text extraction instead of
	// the perception backend. Default: true.
	LocalEnabled bool

	// MaxSizeMB is the size ceiling for local extraction; larger PDFs go to
	// perception. Default: 1.
	MaxSizeMB int
}

// DedupConfig controls duplicate-request coalescing.
type DedupConfig struct {
	// DeferDelay is the fixed wait applied to the deferred model class before
	// dispatch, giving near-simultaneous duplicates a window to merge.
	// Default: 100ms.
	DeferDelay time.Duration
}

// RateLimitConfig controls request-rate limiting.
type RateLimitConfig struct {
	// RPMLimit is the maximum requests per minute allowed globally.
	// 0 disables rate limiting. Default: 0.
	RPMLimit int
}

// MaxPDFBytes returns the local-extraction ceiling in bytes.
func (p PDFConfig) MaxPDFBytes() int64 {
	return int64(p.MaxSizeMB) << 20
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
//
// DEEPSEEK_API_KEY and GEMINI_API_KEY are required.
// REDIS_URL is only required when CACHE_MODE=redis.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CACHE_MODE", "memory")
	v.SetDefault("RESPONSE_CACHE_TTL", "60s")

	v.SetDefault("GEMINI_MODEL", "gemini-2.0-flash")

	// Description cache defaults.
	v.SetDefault("DESCRIPTION_CACHE_ENABLED", true)
	v.SetDefault("DESCRIPTION_CACHE_PATH", "description_cache.json")
	v.SetDefault("DESCRIPTION_CACHE_CAPACITY", 1000)
	v.SetDefault("DESCRIPTION_CACHE_TTL", "24h")

	// PDF extraction defaults.
	v.SetDefault("PDF_LOCAL_PROCESSING", true)
	v.SetDefault("PDF_LOCAL_MAX_SIZE_MB", 1)

	// Dedup defaults.
	v.SetDefault("DEDUP_DEFER_DELAY", "100ms")

	// Rate limit: 0 = disabled.
	v.SetDefault("RPM_LIMIT", 0)

	v.SetDefault("CORS_ORIGINS", []string{"*"})

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		DeepSeek: BackendConfig{
			APIKey:  v.GetString("DEEPSEEK_API_KEY"),
			BaseURL: v.GetString("DEEPSEEK_BASE_URL"),
		},

		Gemini: GeminiConfig{
			APIKey:  v.GetString("GEMINI_API_KEY"),
			BaseURL: v.GetString("GEMINI_BASE_URL"),
			Model:   v.GetString("GEMINI_MODEL"),
		},

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		Cache: CacheConfig{
			Mode:            strings.ToLower(v.GetString("CACHE_MODE")),
			TTL:             v.GetDuration("RESPONSE_CACHE_TTL"),
			ExcludeExact:    v.GetStringSlice("CACHE_EXCLUDE_EXACT"),
			ExcludePatterns: v.GetStringSlice("CACHE_EXCLUDE_PATTERNS"),
		},

		Descriptions: DescriptionCacheConfig{
			Enabled:  v.GetBool("DESCRIPTION_CACHE_ENABLED"),
			Path:     v.GetString("DESCRIPTION_CACHE_PATH"),
			Capacity: v.GetInt("DESCRIPTION_CACHE_CAPACITY"),
			TTL:      v.GetDuration("DESCRIPTION_CACHE_TTL"),
		},

		PDF: PDFConfig{
			LocalEnabled: v.GetBool("PDF_LOCAL_PROCESSING"),
			MaxSizeMB:    v.GetInt("PDF_LOCAL_MAX_SIZE_MB"),
		},

		Dedup: DedupConfig{
			DeferDelay: v.GetDuration("DEDUP_DEFER_DELAY"),
		},

		RateLimit: RateLimitConfig{
			RPMLimit: v.GetInt("RPM_LIMIT"),
		},

		ClickHouseDSN: v.GetString("CLICKHOUSE_DSN"),

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),
	}

	// ── Validation ────────────────────────────────────────────────────────────
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if c.DeepSeek.APIKey == "" {
		return fmt.Errorf("config: DEEPSEEK_API_KEY is required (reasoning backend)")
	}
	if c.Gemini.APIKey == "" {
		return fmt.Errorf("config: GEMINI_API_KEY is required (perception backend)")
	}

	// Redis URL is required when cache mode is "redis".
	if c.Cache.Mode == "redis" && c.Redis.URL == "" {
		return fmt.Errorf(
			"config: REDIS_URL is required when CACHE_MODE=redis; " +
				"set CACHE_MODE=memory to use the built-in in-process cache",
		)
	}

	// Validate cache mode value.
	switch c.Cache.Mode {
	case "redis", "memory", "none":
	default:
		return fmt.Errorf(
			"config: invalid CACHE_MODE %q; must be one of: redis, memory, none",
			c.Cache.Mode,
		)
	}

	// Validate log level.
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	if c.PDF.MaxSizeMB < 1 {
		return fmt.Errorf("config: PDF_LOCAL_MAX_SIZE_MB must be ≥ 1, got %d", c.PDF.MaxSizeMB)
	}
	if c.Dedup.DeferDelay < 0 {
		return fmt.Errorf("config: DEDUP_DEFER_DELAY must not be negative")
	}
	if c.Descriptions.Capacity < 1 {
		return fmt.Errorf("config: DESCRIPTION_CACHE_CAPACITY must be ≥ 1, got %d", c.Descriptions.Capacity)
	}

	return nil
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
