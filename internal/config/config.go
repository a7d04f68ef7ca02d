// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Storage backends.
const (
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

// Config holds all configuration for the application.
type Config struct {
	LogLevel            string        `mapstructure:"LOG_LEVEL"`
	DBBackend           string        `mapstructure:"DB_BACKEND"`
	DBURL               string        `mapstructure:"DB_URL"`
	MigrationsPath      string        `mapstructure:"MIGRATIONS_PATH"`
	HTTPAddr            string        `mapstructure:"HTTP_ADDR"`
	GitlabBaseURL       string        `mapstructure:"GITLAB_BASE_URL"`
	RequestTimeout      time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	RunTimeout          time.Duration `mapstructure:"RUN_TIMEOUT"`
	SyncInterval        time.Duration `mapstructure:"SYNC_INTERVAL"`
	Lookback            time.Duration `mapstructure:"LOOKBACK"`
	Concurrency         int           `mapstructure:"CONCURRENCY"`
	PerTokenConcurrency int           `mapstructure:"PER_TOKEN_CONCURRENCY"`
	MaxRetries          int           `mapstructure:"MAX_RETRIES"`
	SchedulerEnabled    bool          `mapstructure:"SCHEDULER_ENABLED"`
}

// SetDefaults registers the default value of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_BACKEND", BackendPostgres)
	v.SetDefault("DB_URL", "")
	v.SetDefault("MIGRATIONS_PATH", "file://migrations")
	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("GITLAB_BASE_URL", "https://gitlab.com/api/v4")
	v.SetDefault("REQUEST_TIMEOUT", "15s")
	v.SetDefault("RUN_TIMEOUT", "10m")
	v.SetDefault("SYNC_INTERVAL", "1h")
	v.SetDefault("LOOKBACK", "1440h")
	v.SetDefault("CONCURRENCY", 4)
	v.SetDefault("PER_TOKEN_CONCURRENCY", 1)
	v.SetDefault("MAX_RETRIES", 3)
	v.SetDefault("SCHEDULER_ENABLED", true)
}

// LoadConfig reads configuration from file and/or environment variables.
func LoadConfig() (*Config, error) {
	return Load(viper.GetViper())
}

// Load reads configuration through v, which may already carry bound CLI flags.
func Load(v *viper.Viper) (*Config, error) {
	SetDefaults(v)

	// Load from .env file if it exists
	v.SetConfigName(".env")
	v.SetConfigType("env")
	v.AddConfigPath(".")
	_ = v.ReadInConfig() // Ignore error if file not found

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	switch c.DBBackend {
	case BackendPostgres, BackendSQLite:
	default:
		return fmt.Errorf("DB_BACKEND must be %q or %q, got %q", BackendPostgres, BackendSQLite, c.DBBackend)
	}
	if c.DBURL == "" {
		return errors.New("DB_URL is a required configuration field")
	}
	if c.GitlabBaseURL == "" {
		return errors.New("GITLAB_BASE_URL is a required configuration field")
	}
	if c.Lookback < 60*24*time.Hour {
		return errors.New("LOOKBACK must cover at least 60 days (1440h) so prior-30 counters are complete")
	}
	if c.Concurrency < 1 {
		return errors.New("CONCURRENCY must be at least 1")
	}
	if c.PerTokenConcurrency < 1 {
		return errors.New("PER_TOKEN_CONCURRENCY must be at least 1")
	}
	if c.MaxRetries < 0 {
		return errors.New("MAX_RETRIES must not be negative")
	}
	if c.RequestTimeout <= 0 || c.RunTimeout <= 0 {
		return errors.New("REQUEST_TIMEOUT and RUN_TIMEOUT must be positive")
	}
	return nil
}
