package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"github.com/i474232898/weather-sync/internal/common"
	"github.com/i474232898/weather-sync/internal/weather"
)

var validate = validator.New()

type AppConfig struct {
	Port string `validate:"required,numeric"`

	// Upstream Open-Meteo client.
	OpenMeteoURL     string        `validate:"required,url"`
	FetchTimeout     time.Duration `validate:"gt=0"`
	FetchRateLimit   float64       `validate:"gte=0"` // requests per second, 0 = unlimited
	FetchBurst       int           `validate:"gte=1"`
	BreakerThreshold int           `validate:"gte=0"` // 0 disables the circuit breaker

	// SyncInterval controls how often the scheduler triggers a run.
	SyncInterval time.Duration `validate:"gte=0"` // 0 disables scheduling
	Workers      int           `validate:"gte=1"`
	QueueSize    int           `validate:"gte=0"`

	// Per-city retry policy.
	MaxRetries  int           `validate:"gte=0"`
	BackoffBase time.Duration `validate:"gte=0"`
	BackoffMax  time.Duration `validate:"gte=0"`

	// Observation store.
	DatabaseType string `validate:"oneof=memory postgres mysql"`
	DatabaseURL  string `validate:"required_unless=DatabaseType memory"`

	// Run status store.
	RunStore      string        `validate:"oneof=memory redis"`
	RedisAddr     string        `validate:"required_if=RunStore redis"`
	RedisPassword string
	RedisDB       int           `validate:"gte=0"`
	RunTTL        time.Duration `validate:"gte=0"`

	CSRFCookieSecure bool

	// Cities to keep in sync.
	Cities []weather.City `validate:"min=1,dive"`
}

// RetryPolicy builds the per-city retry policy from the config.
func (c *AppConfig) RetryPolicy() weather.RetryPolicy {
	p := weather.DefaultRetryPolicy()
	p.MaxRetries = c.MaxRetries
	p.BaseDelay = c.BackoffBase
	p.MaxDelay = c.BackoffMax
	return p
}

// Load reads configuration from environment with sensible defaults.
func Load() (*AppConfig, error) {
	if err := godotenv.Load(); err != nil {
		log.Printf("INFO: No .env file found or error loading it: %v", err)
	}
	cfg := &AppConfig{}
	var err error

	cfg.Port = getenvDefault("PORT", "8080")
	cfg.OpenMeteoURL = getenvDefault("OPEN_METEO_URL", "https://api.open-meteo.com/v1/forecast")

	if cfg.FetchTimeout, err = getenvDuration("FETCH_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.FetchRateLimit, err = getenvFloat("FETCH_RATE_LIMIT", 10); err != nil {
		return nil, err
	}
	cfg.FetchBurst = getenvInt("FETCH_BURST", 5)
	cfg.BreakerThreshold = getenvInt("BREAKER_THRESHOLD", 20)

	// Scheduler interval: default 15 minutes.
	if cfg.SyncInterval, err = getenvDuration("SYNC_INTERVAL", 15*time.Minute); err != nil {
		return nil, err
	}
	cfg.Workers = getenvInt("SYNC_WORKERS", 4)
	cfg.QueueSize = getenvInt("SYNC_QUEUE_SIZE", 64)

	cfg.MaxRetries = getenvInt("SYNC_MAX_RETRIES", 5)
	if cfg.BackoffBase, err = getenvDuration("SYNC_BACKOFF_BASE", time.Second); err != nil {
		return nil, err
	}
	if cfg.BackoffMax, err = getenvDuration("SYNC_BACKOFF_MAX", 10*time.Minute); err != nil {
		return nil, err
	}

	cfg.DatabaseType = strings.ToLower(getenvDefault("DATABASE_TYPE", "memory"))
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")

	cfg.RunStore = strings.ToLower(getenvDefault("RUN_STORE", "memory"))
	cfg.RedisAddr = os.Getenv("REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	cfg.RedisDB = getenvInt("REDIS_DB", 0)
	if cfg.RunTTL, err = getenvDuration("RUN_TTL", 24*time.Hour); err != nil {
		return nil, err
	}

	cfg.CSRFCookieSecure = getenvBool("CSRF_COOKIE_SECURE", false)

	if cfg.Cities, err = LoadCities(os.Getenv("CITIES_FILE")); err != nil {
		return nil, err
	}

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
		log.Printf("WARN: invalid %s=%q, using default %d", key, v, def)
	}
	return def
}

func getenvFloat(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return f, nil
}

func getenvDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func getenvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return common.EqualFoldAny(v, "1", "true", "yes", "on")
}
