package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	LogLevel string

	// API
	APIPort         int
	APIKey          string
	CORSAllowOrigin string

	// Cache
	CacheBackend  string
	CacheDir      string
	CacheMaxAge   time.Duration
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Database
	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string

	// Record source
	SourceKind    string
	SourceURL     string
	NotifyChannel string

	// Connectivity
	ProbeURL      string
	ProbeInterval time.Duration

	// Realtime
	PollInterval    time.Duration
	RetryBackoffMax time.Duration
	MaxStaleTime    time.Duration

	// Warmer
	WarmCollections  []string
	WarmInterval     time.Duration
	WarmOnStart      bool
	MeanShiftPercent float64

	// Nearby queries without an explicit radius
	DefaultRadiusKm float64

	// Alerts
	WebhookURL  string
	ServiceName string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		LogLevel: envStr("LOG_LEVEL", "info"),

		APIPort:         envInt("API_PORT", 8080),
		APIKey:          envStr("API_KEY", ""),
		CORSAllowOrigin: envStr("CORS_ALLOW_ORIGIN", "*"),

		CacheBackend:  strings.ToLower(envStr("CACHE_BACKEND", "badger")),
		CacheDir:      envStr("CACHE_DIR", "./data/cache"),
		CacheMaxAge:   envDuration("CACHE_MAX_AGE", 5*time.Minute),
		RedisAddr:     envStr("REDIS_ADDR", "localhost:6379"),
		RedisPassword: envStr("REDIS_PASSWORD", ""),
		RedisDB:       envInt("REDIS_DB", 0),

		DBHost:     envStr("DB_HOST", "localhost"),
		DBPort:     envInt("DB_PORT", 5432),
		DBName:     envStr("DB_NAME", "pricesync"),
		DBUser:     envStr("DB_USER", ""),
		DBPassword: envStr("DB_PASSWORD", ""),

		SourceKind:    strings.ToLower(envStr("SOURCE_KIND", "postgres")),
		SourceURL:     envStr("SOURCE_URL", ""),
		NotifyChannel: envStr("NOTIFY_CHANNEL", "price_records_changed"),

		ProbeURL:      envStr("PROBE_URL", "https://clients3.google.com/generate_204"),
		ProbeInterval: envDuration("PROBE_INTERVAL", 15*time.Second),

		PollInterval:    envDuration("POLL_INTERVAL", 30*time.Second),
		RetryBackoffMax: envDuration("RETRY_BACKOFF_MAX", 5*time.Minute),
		MaxStaleTime:    envDuration("MAX_STALE_TIME", 5*time.Minute),

		WarmCollections:  envList("WARM_COLLECTIONS", nil),
		WarmInterval:     envDuration("WARM_INTERVAL", 10*time.Minute),
		WarmOnStart:      envBool("WARM_ON_START", true),
		MeanShiftPercent: envFloat("MEAN_SHIFT_PERCENT", 10),

		DefaultRadiusKm: envFloat("DEFAULT_RADIUS_KM", 50),

		WebhookURL:  envStr("WEBHOOK_URL", ""),
		ServiceName: envStr("SERVICE_NAME", "pricesync"),
	}

	return cfg, nil
}

// NeedsDB reports whether any configured component talks to Postgres.
func (c *Config) NeedsDB() bool {
	return c.SourceKind == "postgres" || c.CacheBackend == "postgres"
}

// Validate returns every hard problem at once and logs soft ones.
func (c *Config) Validate(log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	var errs []string

	switch c.CacheBackend {
	case "memory", "badger", "redis", "postgres":
	default:
		errs = append(errs, fmt.Sprintf("CACHE_BACKEND %q is not one of memory, badger, redis, postgres", c.CacheBackend))
	}
	switch c.SourceKind {
	case "postgres":
	case "http":
		if c.SourceURL == "" {
			errs = append(errs, "SOURCE_URL is required when SOURCE_KIND=http")
		}
	default:
		errs = append(errs, fmt.Sprintf("SOURCE_KIND %q is not one of postgres, http", c.SourceKind))
	}
	if c.NeedsDB() && c.DBUser == "" {
		errs = append(errs, "DB_USER is required for the postgres source or cache")
	}
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Sprintf("API_PORT %d out of range", c.APIPort))
	}
	for name, d := range map[string]time.Duration{
		"POLL_INTERVAL":     c.PollInterval,
		"RETRY_BACKOFF_MAX": c.RetryBackoffMax,
		"CACHE_MAX_AGE":     c.CacheMaxAge,
		"MAX_STALE_TIME":    c.MaxStaleTime,
		"WARM_INTERVAL":     c.WarmInterval,
		"PROBE_INTERVAL":    c.ProbeInterval,
	} {
		if d <= 0 {
			errs = append(errs, name+" must be positive")
		}
	}

	if c.DefaultRadiusKm <= 0 {
		errs = append(errs, "DEFAULT_RADIUS_KM must be positive")
	}
	if c.MeanShiftPercent < 0 {
		errs = append(errs, "MEAN_SHIFT_PERCENT must not be negative")
	}

	if c.APIKey == "" {
		log.Warn("API_KEY not set, REST API has no authentication")
	}
	if c.WebhookURL == "" {
		log.Warn("WEBHOOK_URL not set, alerts are logged only")
	}
	if c.CacheBackend == "memory" {
		log.Warn("CACHE_BACKEND=memory, cached prices do not survive a restart")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}
	return nil
}

func (c *Config) Print(log *slog.Logger) {
	if log == nil {
		log = slog.Default()
	}
	log.Info("configuration",
		"service", c.ServiceName,
		"logLevel", c.LogLevel,
		"apiPort", c.APIPort,
		"apiKey", mask(c.APIKey),
		"cacheBackend", c.CacheBackend,
		"cacheDir", c.CacheDir,
		"cacheMaxAge", c.CacheMaxAge,
		"redisAddr", c.RedisAddr,
		"db", fmt.Sprintf("%s@%s:%d/%s", c.DBUser, c.DBHost, c.DBPort, c.DBName),
		"sourceKind", c.SourceKind,
		"sourceURL", c.SourceURL,
		"notifyChannel", c.NotifyChannel,
		"probeURL", c.ProbeURL,
		"pollInterval", c.PollInterval,
		"retryBackoffMax", c.RetryBackoffMax,
		"maxStaleTime", c.MaxStaleTime,
		"warmCollections", c.WarmCollections,
		"warmInterval", c.WarmInterval,
		"warmOnStart", c.WarmOnStart,
		"meanShiftPercent", c.MeanShiftPercent,
		"defaultRadiusKm", c.DefaultRadiusKm,
		"webhook", boolLabel(c.WebhookURL != "", "configured", "not set"),
	)
}

func (c *Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName)
}

// --- helpers ---

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		v = strings.ToLower(v)
		return v == "true" || v == "1" || v == "yes"
	}
	return fallback
}

// envDuration accepts Go durations ("90s") or a bare number of seconds.
func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}

func envList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 4 {
		return "****"
	}
	return secret[:2] + "****" + secret[len(secret)-2:]
}

func boolLabel(cond bool, ifTrue, ifFalse string) string {
	if cond {
		return ifTrue
	}
	return ifFalse
}
