package app

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/EastsCloud/property-management/internal/platform/db"
)

// Config holds runtime configuration for the application.
type Config struct {
	AppEnv            string        `envconfig:"APP_ENV" default:"development"`
	AppAddr           string        `envconfig:"APP_ADDR" default:":8080"`
	AppReadTimeout    time.Duration `envconfig:"APP_READ_TIMEOUT" default:"15s"`
	AppWriteTimeout   time.Duration `envconfig:"APP_WRITE_TIMEOUT" default:"15s"`
	AppRequestTimeout time.Duration `envconfig:"APP_REQUEST_TIMEOUT" default:"30s"`

	LogFormat string `envconfig:"LOG_FORMAT" default:"pretty"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`

	// DatabaseURL selects the store: postgres:// or postgresql:// for PostgreSQL, sqlite:///path for SQLite.
	DatabaseURL string `envconfig:"DATABASE_URL" default:"sqlite:///data/property.db"`

	// RedisAddr enables the summary cache and the job queue. Empty disables both.
	RedisAddr       string        `envconfig:"REDIS_ADDR" default:"127.0.0.1:6379"`
	SummaryCacheTTL time.Duration `envconfig:"SUMMARY_CACHE_TTL" default:"5m"`

	OverdueGrace time.Duration `envconfig:"BILLING_OVERDUE_GRACE" default:"0s"`
	OverdueCron  string        `envconfig:"BILLING_OVERDUE_CRON"`
	AuditCron    string        `envconfig:"BILLING_AUDIT_CRON" default:"@daily"`

	RateLimitPerMinute int `envconfig:"RATE_LIMIT_PER_MINUTE" default:"120"`

	// WorkerMetricsAddr is where the worker serves /metrics. Empty disables it.
	WorkerMetricsAddr string `envconfig:"WORKER_METRICS_ADDR" default:":9091"`
}

// LoadConfig reads configuration from environment variables, after loading
// the given dotenv files (".env" when none are named) if they exist.
func LoadConfig(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, file := range envFiles {
		if err := godotenv.Load(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", file, err)
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values envconfig cannot.
func (c *Config) Validate() error {
	if _, err := c.Database(); err != nil {
		return err
	}
	if c.OverdueGrace < 0 {
		return errors.New("BILLING_OVERDUE_GRACE must not be negative")
	}
	if c.RateLimitPerMinute <= 0 {
		return errors.New("RATE_LIMIT_PER_MINUTE must be positive")
	}
	return nil
}

// Database returns the parsed store target.
func (c *Config) Database() (db.Target, error) {
	target, err := db.ParseURL(c.DatabaseURL)
	if err != nil {
		return db.Target{}, fmt.Errorf("DATABASE_URL: %w", err)
	}
	return target, nil
}

// IsProduction returns true when the application runs in production.
func (c *Config) IsProduction() bool {
	return c != nil && c.AppEnv == "production"
}
